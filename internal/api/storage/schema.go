package storage

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

const createJobsTable = `
	CREATE TABLE IF NOT EXISTS invoice_jobs (
		job_id          TEXT PRIMARY KEY,
		idempotency_key TEXT UNIQUE,
		filename        TEXT NOT NULL,
		content_type    TEXT NOT NULL DEFAULT '',
		mode            TEXT NOT NULL,
		language        TEXT NOT NULL DEFAULT 'eng',
		status          TEXT NOT NULL,
		progress        INTEGER NOT NULL DEFAULT 0,
		document        %[1]s,
		result          TEXT NOT NULL DEFAULT '',
		spreadsheet     %[1]s,
		error_message   TEXT NOT NULL DEFAULT '',
		worker_id       TEXT NOT NULL DEFAULT '',
		retry_count     INTEGER NOT NULL DEFAULT 0,
		max_retries     INTEGER NOT NULL DEFAULT 0,
		created_at      BIGINT NOT NULL,
		updated_at      BIGINT NOT NULL,
		completed_at    BIGINT NOT NULL DEFAULT 0,
		heartbeat_at    BIGINT NOT NULL DEFAULT 0
	)
`

const createJobsIndex = `
	CREATE INDEX IF NOT EXISTS idx_invoice_jobs_created
	ON invoice_jobs (created_at DESC, job_id DESC)
`

// Migrate creates the invoice_jobs table and its index if they do not exist.
func Migrate(ctx context.Context, db *sqlx.DB) error {
	blob := "BLOB"
	if db.DriverName() == "postgres" {
		blob = "BYTEA"
	}

	for _, stmt := range []string{fmt.Sprintf(createJobsTable, blob), createJobsIndex} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to migrate invoice_jobs: %w", err)
		}
	}
	return nil
}
