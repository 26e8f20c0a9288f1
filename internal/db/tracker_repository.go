package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Iron-Ham/agentwarden/internal/errors"
	"github.com/Iron-Ham/agentwarden/internal/tracker"
)

const trackerBackend = "sqlite"

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// TrackerRepository keeps the launched-agents tracker in the launched_agents
// table, one row per work item. It satisfies tracker.Store and
// tracker.Updater.
type TrackerRepository struct {
	db           *DB
	recentWindow time.Duration
	now          func() time.Time
}

// NewTrackerRepository creates a new TrackerRepository. recentWindow bounds
// the recentOnly view of Load.
func NewTrackerRepository(db *DB, recentWindow time.Duration) *TrackerRepository {
	return &TrackerRepository{db: db, recentWindow: recentWindow, now: time.Now}
}

// Load implements tracker.Store.
func (r *TrackerRepository) Load(ctx context.Context, recentOnly bool) (tracker.Agents, error) {
	agents, err := loadAgents(ctx, r.db)
	if err != nil {
		return nil, r.storeError("load", err)
	}
	if recentOnly {
		return tracker.FilterRecent(agents, r.now().Add(-r.recentWindow)), nil
	}
	return agents, nil
}

// Save implements tracker.Store, replacing every row.
func (r *TrackerRepository) Save(ctx context.Context, agents tracker.Agents) error {
	err := r.db.Transaction(ctx, func(tx *sql.Tx) error {
		return r.replaceAll(ctx, tx, agents)
	})
	if err != nil {
		return r.storeError("save", err)
	}
	return nil
}

// Update implements tracker.Updater inside one transaction.
func (r *TrackerRepository) Update(ctx context.Context, fn func(tracker.Agents) bool) error {
	err := r.db.Transaction(ctx, func(tx *sql.Tx) error {
		agents, err := loadAgents(ctx, tx)
		if err != nil {
			return err
		}
		if !fn(agents) {
			return nil
		}
		return r.replaceAll(ctx, tx, agents)
	})
	if err != nil {
		return r.storeError("update", err)
	}
	return nil
}

func (r *TrackerRepository) storeError(op string, err error) error {
	return errors.NewStoreError(op, trackerBackend, err).WithPath(r.db.Path())
}

func (r *TrackerRepository) replaceAll(ctx context.Context, tx *sql.Tx, agents tracker.Agents) error {
	if _, err := tx.ExecContext(ctx, "DELETE FROM launched_agents"); err != nil {
		return fmt.Errorf("failed to clear launched agents: %w", err)
	}
	now := formatTime(r.now())
	for id, entry := range agents {
		if entry == nil {
			continue
		}
		body, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("failed to encode tracker entry %s: %w", id, err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO launched_agents (work_item_id, launched_at, entry_json, updated_at)
			VALUES (?, ?, ?, ?)
		`, id, entry.LaunchedAt, string(body), now)
		if err != nil {
			return fmt.Errorf("failed to insert tracker entry %s: %w", id, err)
		}
	}
	return nil
}

func loadAgents(ctx context.Context, q queryer) (tracker.Agents, error) {
	rows, err := q.QueryContext(ctx, "SELECT work_item_id, entry_json FROM launched_agents")
	if err != nil {
		return nil, fmt.Errorf("failed to query launched agents: %w", err)
	}
	defer rows.Close()

	agents := tracker.Agents{}
	for rows.Next() {
		var id, body string
		if err := rows.Scan(&id, &body); err != nil {
			return nil, fmt.Errorf("failed to scan launched agent: %w", err)
		}
		var entry tracker.Entry
		if err := json.Unmarshal([]byte(body), &entry); err != nil {
			continue
		}
		agents[id] = &entry
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate launched agents: %w", err)
	}
	return agents, nil
}
