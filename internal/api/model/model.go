package model

import (
	"database/sql"
	"time"
)

// Job is a row of invoice_jobs. Timestamps are Unix nanoseconds so the same
// schema works on PostgreSQL and SQLite.
type Job struct {
	JobID          string         `db:"job_id"`
	IdempotencyKey sql.NullString `db:"idempotency_key"`
	Filename       string         `db:"filename"`
	ContentType    string         `db:"content_type"`
	Mode           string         `db:"mode"`
	Language       string         `db:"language"`
	Status         string         `db:"status"`
	Progress       int            `db:"progress"`
	Document       []byte         `db:"document"`
	Result         string         `db:"result"`
	HasSpreadsheet bool           `db:"has_spreadsheet"`
	ErrorMessage   string         `db:"error_message"`
	WorkerID       string         `db:"worker_id"`
	RetryCount     int            `db:"retry_count"`
	MaxRetries     int            `db:"max_retries"`
	CreatedAt      int64          `db:"created_at"`
	UpdatedAt      int64          `db:"updated_at"`
	CompletedAt    int64          `db:"completed_at"`
}

// Created returns CreatedAt as a time in UTC.
func (j *Job) Created() time.Time {
	return time.Unix(0, j.CreatedAt).UTC()
}
