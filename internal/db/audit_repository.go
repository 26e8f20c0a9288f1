package db

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/Iron-Ham/agentwarden/internal/audit"
)

// AuditRepository persists audit events. It satisfies audit.Sink.
type AuditRepository struct {
	db *DB
}

// NewAuditRepository creates a new AuditRepository.
func NewAuditRepository(db *DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// Record implements audit.Sink.
func (r *AuditRepository) Record(ctx context.Context, e audit.Event) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO audit_events (id, work_item_id, name, details, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, e.ID, e.WorkItemID, e.Name, e.Details, formatTime(e.At))
	if err != nil {
		return fmt.Errorf("failed to insert audit event: %w", err)
	}
	return nil
}

// List implements audit.Sink.
func (r *AuditRepository) List(ctx context.Context, f audit.Filter) ([]audit.Event, error) {
	var (
		where []string
		args  []any
	)
	if f.WorkItemID != "" {
		where = append(where, "work_item_id = ?")
		args = append(args, f.WorkItemID)
	}
	if f.Name != "" {
		where = append(where, "name = ?")
		args = append(args, f.Name)
	}
	if !f.Since.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, formatTime(f.Since))
	}

	query := "SELECT id, work_item_id, name, details, created_at FROM audit_events"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, rowid DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit events: %w", err)
	}
	defer rows.Close()

	var events []audit.Event
	for rows.Next() {
		var (
			e  audit.Event
			at string
		)
		if err := rows.Scan(&e.ID, &e.WorkItemID, &e.Name, &e.Details, &at); err != nil {
			return nil, fmt.Errorf("failed to scan audit event: %w", err)
		}
		e.At = parseTime(at)
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate audit events: %w", err)
	}
	return events, nil
}
