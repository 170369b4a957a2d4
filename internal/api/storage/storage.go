package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cuongbtq/invoice-assist/internal/api/model"
	"github.com/cuongbtq/invoice-assist/internal/invoice"
	"github.com/cuongbtq/invoice-assist/shared/database"
	"github.com/jmoiron/sqlx"
)

// ErrJobNotFound is returned when no row matches a job id or idempotency key.
var ErrJobNotFound = errors.New("job not found")

// jobColumns excludes the document and spreadsheet blobs.
const jobColumns = `
	job_id, idempotency_key, filename, content_type, mode, language, status, progress,
	result, error_message, worker_id, retry_count, max_retries,
	created_at, updated_at, completed_at,
	CASE WHEN spreadsheet IS NULL OR length(spreadsheet) = 0 THEN 0 ELSE 1 END AS has_spreadsheet
`

type Storage struct {
	db     *sqlx.DB
	logger *slog.Logger
}

func NewStorage(client *database.Client, logger *slog.Logger) *Storage {
	return &Storage{
		db:     client.GetDB(),
		logger: logger,
	}
}

// Migrate creates the schema on the storage's database.
func (s *Storage) Migrate(ctx context.Context) error {
	return Migrate(ctx, s.db)
}

func (s *Storage) CreateJob(ctx context.Context, job *model.Job) error {
	query := s.db.Rebind(`
		INSERT INTO invoice_jobs (
			job_id, idempotency_key, filename, content_type, mode, language,
			status, progress, document, max_retries, created_at, updated_at
		) VALUES (
			?, ?, ?, ?, ?, ?,
			?, ?, ?, ?, ?, ?
		)
	`)

	_, err := s.db.ExecContext(
		ctx,
		query,
		job.JobID,
		job.IdempotencyKey,
		job.Filename,
		job.ContentType,
		job.Mode,
		job.Language,
		job.Status,
		job.Progress,
		job.Document,
		job.MaxRetries,
		job.CreatedAt,
		job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}

	return nil
}

func (s *Storage) GetJobByID(ctx context.Context, jobID string) (*model.Job, error) {
	var job model.Job
	query := s.db.Rebind(`SELECT ` + jobColumns + ` FROM invoice_jobs WHERE job_id = ?`)

	if err := s.db.GetContext(ctx, &job, query, jobID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	return &job, nil
}

// GetJobByIdempotencyKey finds the job created earlier with the same key.
func (s *Storage) GetJobByIdempotencyKey(ctx context.Context, key string) (*model.Job, error) {
	var job model.Job
	query := s.db.Rebind(`SELECT ` + jobColumns + ` FROM invoice_jobs WHERE idempotency_key = ?`)

	if err := s.db.GetContext(ctx, &job, query, key); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job by idempotency key: %w", err)
	}

	return &job, nil
}

// GetSpreadsheet returns the generated workbook of a job, nil when none was produced.
func (s *Storage) GetSpreadsheet(ctx context.Context, jobID string) ([]byte, error) {
	var out struct {
		Spreadsheet []byte `db:"spreadsheet"`
	}
	query := s.db.Rebind(`SELECT spreadsheet FROM invoice_jobs WHERE job_id = ?`)

	if err := s.db.GetContext(ctx, &out, query, jobID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get spreadsheet: %w", err)
	}

	return out.Spreadsheet, nil
}

// MarkFailed fails a job that never reached a worker.
func (s *Storage) MarkFailed(ctx context.Context, jobID, reason string) error {
	now := time.Now().UnixNano()
	query := s.db.Rebind(`
		UPDATE invoice_jobs
		SET status = ?, error_message = ?, completed_at = ?, updated_at = ?
		WHERE job_id = ?
	`)

	if _, err := s.db.ExecContext(ctx, query, string(invoice.StatusFailed), reason, now, now, jobID); err != nil {
		return fmt.Errorf("failed to mark job failed: %w", err)
	}
	return nil
}

type JobFilter struct {
	Status   string
	PageSize int
	Cursor   *JobCursor
}

type JobCursor struct {
	CreatedAt time.Time
	JobID     string
}

// ListJobs returns jobs newest first. It fetches PageSize+1 rows so the caller
// can tell whether another page exists.
func (s *Storage) ListJobs(ctx context.Context, filter JobFilter) ([]model.Job, error) {
	var (
		where []string
		args  []any
	)

	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, filter.Status)
	}

	if filter.Cursor != nil {
		where = append(where, "(created_at, job_id) < (?, ?)")
		args = append(args, filter.Cursor.CreatedAt.UnixNano(), filter.Cursor.JobID)
	}

	query := `SELECT ` + jobColumns + ` FROM invoice_jobs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, job_id DESC LIMIT ?"
	args = append(args, filter.PageSize+1)

	var jobs []model.Job
	if err := s.db.SelectContext(ctx, &jobs, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	return jobs, nil
}

// HealthCheck runs a trivial query against the jobs table.
func (s *Storage) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	var n int
	if err := s.db.GetContext(ctx, &n, "SELECT COUNT(*) FROM invoice_jobs WHERE 1 = 0"); err != nil {
		return fmt.Errorf("storage health check failed: %w", err)
	}
	return nil
}
