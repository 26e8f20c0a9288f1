package db

import (
	"context"
	"fmt"
	"io/fs"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// Migration represents a single database migration.
type Migration struct {
	Version     int
	Description string
	UpSQL       string
	DownSQL     string
}

// MigrationStatus represents the status of a migration.
type MigrationStatus struct {
	Version     int
	Description string
	Applied     bool
	AppliedAt   string
}

// migrationFilePattern matches migration filenames like "001_initial_schema.up.sql"
var migrationFilePattern = regexp.MustCompile(`^(\d+)_(.+)\.(up|down)\.sql$`)

// loadMigrations reads all migrations from the embedded filesystem.
func loadMigrations() ([]Migration, error) {
	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations directory: %w", err)
	}

	byVersion := make(map[int]*Migration)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		matches := migrationFilePattern.FindStringSubmatch(entry.Name())
		if matches == nil {
			continue
		}

		version, _ := strconv.Atoi(matches[1])
		m := byVersion[version]
		if m == nil {
			m = &Migration{Version: version, Description: strings.ReplaceAll(matches[2], "_", " ")}
			byVersion[version] = m
		}

		content, err := fs.ReadFile(migrationsFS, "migrations/"+entry.Name())
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", entry.Name(), err)
		}
		if matches[3] == "up" {
			m.UpSQL = string(content)
		} else {
			m.DownSQL = string(content)
		}
	}

	migrations := make([]Migration, 0, len(byVersion))
	for _, m := range byVersion {
		migrations = append(migrations, *m)
	}
	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Version < migrations[j].Version
	})
	return migrations, nil
}

// MigrateUp applies all pending migrations.
func (db *DB) MigrateUp(ctx context.Context) (int, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	if err := db.ensureSchemaVersionTable(ctx); err != nil {
		return 0, err
	}
	migrations, err := loadMigrations()
	if err != nil {
		return 0, err
	}
	currentVersion, err := db.getCurrentVersion(ctx)
	if err != nil {
		return 0, err
	}

	applied := 0
	for _, m := range migrations {
		if m.Version <= currentVersion {
			continue
		}
		if m.UpSQL == "" {
			return applied, fmt.Errorf("migration %d has no up SQL", m.Version)
		}
		if err := db.applyMigrationTx(ctx, m); err != nil {
			return applied, fmt.Errorf("migration %d failed: %w", m.Version, err)
		}
		db.logger.Info("applied migration", "version", m.Version, "description", m.Description)
		applied++
	}
	return applied, nil
}

// MigrateDown rolls back the last n migrations.
func (db *DB) MigrateDown(ctx context.Context, steps int) (int, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	if err := db.ensureSchemaVersionTable(ctx); err != nil {
		return 0, err
	}
	migrations, err := loadMigrations()
	if err != nil {
		return 0, err
	}
	currentVersion, err := db.getCurrentVersion(ctx)
	if err != nil {
		return 0, err
	}
	if currentVersion == 0 {
		return 0, nil
	}

	rolledBack := 0
	for i := len(migrations) - 1; i >= 0 && rolledBack < steps; i-- {
		m := migrations[i]
		if m.Version > currentVersion {
			continue
		}
		if m.DownSQL == "" {
			return rolledBack, fmt.Errorf("migration %d has no down SQL", m.Version)
		}
		if err := db.rollbackMigrationTx(ctx, m); err != nil {
			return rolledBack, fmt.Errorf("rollback of migration %d failed: %w", m.Version, err)
		}
		db.logger.Info("rolled back migration", "version", m.Version, "description", m.Description)
		rolledBack++
	}
	return rolledBack, nil
}

// MigrationStatus returns the status of all migrations.
func (db *DB) MigrationStatus(ctx context.Context) ([]MigrationStatus, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	if err := db.ensureSchemaVersionTable(ctx); err != nil {
		return nil, err
	}
	migrations, err := loadMigrations()
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, "SELECT version, applied_at FROM schema_version ORDER BY version")
	if err != nil {
		return nil, fmt.Errorf("failed to query schema_version: %w", err)
	}
	defer rows.Close()

	applied := make(map[int]string)
	for rows.Next() {
		var version int
		var appliedAt string
		if err := rows.Scan(&version, &appliedAt); err != nil {
			return nil, fmt.Errorf("failed to scan schema_version row: %w", err)
		}
		applied[version] = appliedAt
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	status := make([]MigrationStatus, 0, len(migrations))
	for _, m := range migrations {
		s := MigrationStatus{Version: m.Version, Description: m.Description}
		if at, ok := applied[m.Version]; ok {
			s.Applied = true
			s.AppliedAt = at
		}
		status = append(status, s)
	}
	return status, nil
}

func (db *DB) ensureSchemaVersionTable(ctx context.Context) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at TEXT NOT NULL DEFAULT (datetime('now')),
			description TEXT
		)`)
	if err != nil {
		return fmt.Errorf("failed to create schema_version table: %w", err)
	}
	return nil
}

func (db *DB) getCurrentVersion(ctx context.Context) (int, error) {
	var version int
	if err := db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	return version, nil
}

func (db *DB) applyMigrationTx(ctx context.Context, m Migration) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, m.UpSQL); err != nil {
		_ = tx.Rollback()
		return err
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO schema_version (version, description) VALUES (?, ?)",
		m.Version, m.Description,
	); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (db *DB) rollbackMigrationTx(ctx context.Context, m Migration) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, m.DownSQL); err != nil {
		_ = tx.Rollback()
		return err
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM schema_version WHERE version = ?", m.Version); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}
