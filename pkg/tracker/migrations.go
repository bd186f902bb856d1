package tracker

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Masterminds/semver/v3"
)

// CurrentSchemaVersion is the schema version written by the newest migration
const CurrentSchemaVersion = "1.2.0"

type migration struct {
	Version    string
	Statements []string
}

var migrations = []migration{
	{
		Version: "1.0.0",
		Statements: []string{
			`CREATE TABLE IF NOT EXISTS monitored_folders (
				id TEXT PRIMARY KEY,
				path TEXT NOT NULL UNIQUE,
				name TEXT NOT NULL,
				recursive INTEGER NOT NULL DEFAULT 1,
				scan_pattern TEXT NOT NULL DEFAULT '',
				is_active INTEGER NOT NULL DEFAULT 1,
				created_at INTEGER NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS tracked_files (
				id TEXT PRIMARY KEY,
				folder_id TEXT REFERENCES monitored_folders(id) ON DELETE SET NULL,
				file_path TEXT NOT NULL UNIQUE,
				file_name TEXT NOT NULL,
				file_extension TEXT NOT NULL DEFAULT '',
				content_hash TEXT NOT NULL,
				file_size_bytes INTEGER NOT NULL DEFAULT 0,
				last_modified_at INTEGER NOT NULL,
				last_scanned_at INTEGER NOT NULL,
				status TEXT NOT NULL,
				last_error TEXT NOT NULL DEFAULT '',
				processing_attempts INTEGER NOT NULL DEFAULT 0,
				vector_id TEXT,
				created_at INTEGER NOT NULL,
				updated_at INTEGER NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_tracked_files_status ON tracked_files(status)`,
			`CREATE INDEX IF NOT EXISTS idx_tracked_files_folder ON tracked_files(folder_id)`,
		},
	},
	{
		Version: "1.1.0",
		Statements: []string{
			`ALTER TABLE monitored_folders ADD COLUMN last_scan_at INTEGER`,
			`CREATE INDEX IF NOT EXISTS idx_tracked_files_pending ON tracked_files(status, last_modified_at DESC)`,
		},
	},
	{
		Version: "1.2.0",
		Statements: []string{
			// Token of the claim that owns the file's current job.
			`ALTER TABLE tracked_files ADD COLUMN claim_id TEXT`,
		},
	},
}

// applyMigrations brings the schema up to CurrentSchemaVersion. Each migration
// runs in its own transaction together with its schema_version row.
func applyMigrations(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_version (
		version TEXT NOT NULL,
		applied_at INTEGER NOT NULL
	)`); err != nil {
		return fmt.Errorf("failed to create schema_version table: %w", err)
	}

	current, err := schemaVersion(ctx, db)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		version, err := semver.NewVersion(m.Version)
		if err != nil {
			return fmt.Errorf("invalid migration version %s: %w", m.Version, err)
		}
		if !version.GreaterThan(current) {
			continue
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin migration %s: %w", m.Version, err)
		}
		for _, stmt := range m.Statements {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				_ = tx.Rollback()
				return fmt.Errorf("migration %s failed: %w", m.Version, err)
			}
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO schema_version (version, applied_at) VALUES (?, ?)",
			m.Version, time.Now().UnixMilli(),
		); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to record migration %s: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %s: %w", m.Version, err)
		}
		current = version
	}

	return nil
}

// schemaVersion returns the highest applied version, or 0.0.0 on a fresh database
func schemaVersion(ctx context.Context, db *sql.DB) (*semver.Version, error) {
	rows, err := db.QueryContext(ctx, "SELECT version FROM schema_version")
	if err != nil {
		return nil, fmt.Errorf("failed to read schema_version: %w", err)
	}
	defer rows.Close()

	current := semver.MustParse("0.0.0")
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		v, err := semver.NewVersion(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid schema version %q: %w", raw, err)
		}
		if v.GreaterThan(current) {
			current = v
		}
	}
	if err := rows.Err(); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	return current, nil
}
