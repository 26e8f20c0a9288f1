package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Iron-Ham/agentwarden/internal/orchestrator/completion"
)

// CompletionRepository stores agent completion payloads. It satisfies
// completion.Repository.
type CompletionRepository struct {
	db *DB
}

// NewCompletionRepository creates a new CompletionRepository.
func NewCompletionRepository(db *DB) *CompletionRepository {
	return &CompletionRepository{db: db}
}

// Insert stores rec, assigning its ID and dedup key. The stored role is the
// one a scan reads back from the payload.
func (r *CompletionRepository) Insert(ctx context.Context, rec *completion.Record) error {
	rec.AgentRole = completion.FromMap(rec.Payload).AgentRole
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	rec.DedupKey = fmt.Sprintf("%s:%s:%s", rec.WorkItemID, rec.AgentRole, rec.ID)

	payload, err := json.Marshal(rec.Payload)
	if err != nil {
		return fmt.Errorf("failed to encode completion payload: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO completions (id, work_item_id, agent_role, dedup_key, payload_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`,
		rec.ID,
		rec.WorkItemID,
		rec.AgentRole,
		rec.DedupKey,
		string(payload),
		formatTime(rec.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert completion: %w", err)
	}
	return nil
}

// ListLatest returns the newest completion per work item, or only for
// workItemID when it is non-empty.
func (r *CompletionRepository) ListLatest(ctx context.Context, workItemID string) ([]completion.Record, error) {
	query := `
		SELECT c.id, c.work_item_id, c.agent_role, c.dedup_key, c.payload_json, c.created_at
		FROM completions c
		WHERE c.rowid = (
			SELECT c2.rowid FROM completions c2
			WHERE c2.work_item_id = c.work_item_id
			ORDER BY c2.created_at DESC, c2.rowid DESC
			LIMIT 1
		)`
	var args []any
	if workItemID != "" {
		query += " AND c.work_item_id = ?"
		args = append(args, workItemID)
	}
	query += " ORDER BY c.work_item_id"

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query completions: %w", err)
	}
	defer rows.Close()

	var out []completion.Record
	for rows.Next() {
		rec, err := scanCompletion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate completions: %w", err)
	}
	return out, nil
}

// Count returns the number of stored completions for workItemID.
func (r *CompletionRepository) Count(ctx context.Context, workItemID string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM completions WHERE work_item_id = ?", workItemID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count completions: %w", err)
	}
	return n, nil
}

func scanCompletion(rows *sql.Rows) (completion.Record, error) {
	var (
		rec       completion.Record
		payload   string
		createdAt string
	)
	if err := rows.Scan(&rec.ID, &rec.WorkItemID, &rec.AgentRole, &rec.DedupKey, &payload, &createdAt); err != nil {
		return rec, fmt.Errorf("failed to scan completion: %w", err)
	}
	rec.CreatedAt = parseTime(createdAt)
	if err := json.Unmarshal([]byte(payload), &rec.Payload); err != nil {
		rec.Payload = map[string]any{}
	}
	return rec, nil
}
