package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// migration is one forward-only schema step.
type migration struct {
	Version int
	Up      string
}

var allMigrations = []migration{
	{Version: 1, Up: migrationV1Up},
	{Version: 2, Up: migrationV2Up},
}

const migrationV1Up = `
CREATE TABLE IF NOT EXISTS pdf_documents (
    doc_id TEXT PRIMARY KEY,
    source_path TEXT NOT NULL,
    content_hash TEXT NOT NULL,
    file_size INTEGER NOT NULL DEFAULT 0,
    status TEXT NOT NULL DEFAULT 'ACTIVE' CHECK (status IN ('ACTIVE', 'INACTIVE')),
    processed INTEGER NOT NULL DEFAULT 0,
    processed_at TEXT,
    page_count INTEGER NOT NULL DEFAULT 0,
    last_error TEXT NOT NULL DEFAULT '',
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_documents_hash ON pdf_documents(content_hash);
CREATE INDEX IF NOT EXISTS idx_documents_path ON pdf_documents(source_path);
CREATE INDEX IF NOT EXISTS idx_documents_status ON pdf_documents(status);

-- At most one ACTIVE document per content hash.
CREATE UNIQUE INDEX IF NOT EXISTS idx_documents_active_hash
    ON pdf_documents(content_hash) WHERE status = 'ACTIVE';

CREATE TABLE IF NOT EXISTS pdf_pages (
    page_id TEXT PRIMARY KEY,
    doc_id TEXT NOT NULL,
    page_number TEXT NOT NULL,
    image_path TEXT NOT NULL,
    source_pdf_path TEXT NOT NULL,
    extracted TEXT NOT NULL DEFAULT 'PENDING' CHECK (extracted IN ('PENDING', 'SUCCESS', 'FAILED')),
    summarized TEXT NOT NULL DEFAULT 'PENDING' CHECK (summarized IN ('PENDING', 'SUCCESS', 'FAILED')),
    embedded TEXT NOT NULL DEFAULT 'PENDING' CHECK (embedded IN ('PENDING', 'SUCCESS', 'FAILED')),
    indexed TEXT NOT NULL DEFAULT 'PENDING' CHECK (indexed IN ('PENDING', 'SUCCESS', 'FAILED')),
    extracted_text TEXT NOT NULL DEFAULT '',
    summary TEXT NOT NULL DEFAULT '',
    embedding BLOB,
    error_message TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL DEFAULT 'ACTIVE' CHECK (status IN ('ACTIVE', 'INACTIVE')),
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL,
    FOREIGN KEY (doc_id) REFERENCES pdf_documents(doc_id) ON DELETE CASCADE,
    UNIQUE (doc_id, page_number)
);

CREATE INDEX IF NOT EXISTS idx_pages_doc ON pdf_pages(doc_id);
CREATE INDEX IF NOT EXISTS idx_pages_status ON pdf_pages(status);
`

const migrationV2Up = `
CREATE TABLE IF NOT EXISTS pipeline_runs (
    run_id TEXT PRIMARY KEY,
    status TEXT NOT NULL CHECK (status IN ('RUNNING', 'COMPLETED', 'FAILED')),
    stage TEXT NOT NULL DEFAULT '',
    started_at TEXT NOT NULL,
    completed_at TEXT,
    total_documents INTEGER NOT NULL DEFAULT 0,
    processed_documents INTEGER NOT NULL DEFAULT 0,
    error_message TEXT NOT NULL DEFAULT '',
    summary TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_runs_started ON pipeline_runs(started_at);
`

// applyMigrations runs every migration newer than the recorded version.
func applyMigrations(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at TEXT NOT NULL
		)`); err != nil {
		return fmt.Errorf("failed to create schema_version table: %w", err)
	}

	var current int
	if err := db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&current); err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}

	for _, m := range allMigrations {
		if m.Version <= current {
			continue
		}
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin migration %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, m.Up); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration %d failed: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO schema_version (version, applied_at) VALUES (?, ?)",
			m.Version, formatTime(time.Now())); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", m.Version, err)
		}
	}
	return nil
}
