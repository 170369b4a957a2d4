package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/invoice-assist/internal/invoice"
	"github.com/cuongbtq/invoice-assist/internal/worker/domain"
	"github.com/cuongbtq/invoice-assist/shared/database"
	"github.com/jmoiron/sqlx"
)

// Storage handles all database operations for the worker
type Storage struct {
	db     *sqlx.DB
	logger *slog.Logger
	now    func() time.Time
}

// NewStorage creates a new Storage instance
func NewStorage(client *database.Client, logger *slog.Logger) *Storage {
	return &Storage{
		db:     client.GetDB(),
		logger: logger,
		now:    time.Now,
	}
}

// GetJobByID retrieves a job from the database by its ID
func (s *Storage) GetJobByID(ctx context.Context, jobID string) (*domain.Job, error) {
	query := s.db.Rebind(`
		SELECT job_id, filename, content_type, mode, language, document, status,
		       worker_id, retry_count, max_retries
		FROM invoice_jobs
		WHERE job_id = ?
	`)

	var job domain.Job
	if err := s.db.GetContext(ctx, &job, query, jobID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	return &job, nil
}

// ClaimJob attempts to claim a job using optimistic locking
// Returns full job details on success, error if job is already claimed or doesn't exist
func (s *Storage) ClaimJob(ctx context.Context, jobID, workerID string) (*domain.Job, error) {
	now := s.now().UnixNano()
	query := s.db.Rebind(`
		UPDATE invoice_jobs
		SET status = ?,
		    worker_id = ?,
		    progress = ?,
		    heartbeat_at = ?,
		    updated_at = ?
		WHERE job_id = ?
		  AND status = ?
		RETURNING job_id, filename, content_type, mode, language, document, retry_count, max_retries
	`)

	var job domain.Job
	err := s.db.GetContext(ctx, &job, query,
		domain.JobStatusProcessing, workerID, domain.ProgressClaimed, now, now,
		jobID, domain.JobStatusPending,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			if _, getErr := s.GetJobByID(ctx, jobID); errors.Is(getErr, domain.ErrJobNotFound) {
				return nil, domain.ErrJobNotFound
			}
			s.logger.Warn("Failed to claim job - already claimed",
				slog.String("job_id", jobID),
				slog.String("worker_id", workerID),
			)
			return nil, domain.ErrJobAlreadyClaimed
		}
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}

	job.Status = domain.JobStatusProcessing
	job.WorkerID = workerID

	s.logger.Info("Job claimed successfully",
		slog.String("job_id", jobID),
		slog.String("worker_id", workerID),
		slog.String("mode", job.Mode),
	)

	return &job, nil
}

// UpdateProgress records progress for a job this worker is processing.
func (s *Storage) UpdateProgress(ctx context.Context, jobID string, progress int) error {
	query := s.db.Rebind(`
		UPDATE invoice_jobs
		SET progress = ?, updated_at = ?
		WHERE job_id = ? AND status = ?
	`)

	if _, err := s.db.ExecContext(ctx, query, progress, s.now().UnixNano(), jobID, domain.JobStatusProcessing); err != nil {
		return fmt.Errorf("failed to update job progress: %w", err)
	}
	return nil
}

// CompleteJob stores the extraction result and the optional spreadsheet.
func (s *Storage) CompleteJob(ctx context.Context, jobID string, result *invoice.Extraction, spreadsheet []byte) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	// Drivers bind an empty slice as a zero-length blob; NULL marks "no spreadsheet".
	var sheet any
	if len(spreadsheet) > 0 {
		sheet = spreadsheet
	}

	now := s.now().UnixNano()
	query := s.db.Rebind(`
		UPDATE invoice_jobs
		SET status = ?,
		    progress = ?,
		    result = ?,
		    spreadsheet = ?,
		    error_message = '',
		    completed_at = ?,
		    updated_at = ?
		WHERE job_id = ?
	`)

	if _, err := s.db.ExecContext(ctx, query,
		domain.JobStatusComplete, domain.ProgressDone, string(resultJSON), sheet, now, now, jobID,
	); err != nil {
		return fmt.Errorf("failed to complete job: %w", err)
	}

	s.logger.Info("Job status updated",
		slog.String("job_id", jobID),
		slog.String("status", domain.JobStatusComplete),
	)
	return nil
}

// FailJob marks a job as permanently failed.
func (s *Storage) FailJob(ctx context.Context, jobID, errorMsg string) error {
	now := s.now().UnixNano()
	query := s.db.Rebind(`
		UPDATE invoice_jobs
		SET status = ?, error_message = ?, completed_at = ?, updated_at = ?
		WHERE job_id = ?
	`)

	if _, err := s.db.ExecContext(ctx, query, domain.JobStatusFailed, errorMsg, now, now, jobID); err != nil {
		return fmt.Errorf("failed to fail job: %w", err)
	}

	s.logger.Info("Job status updated",
		slog.String("job_id", jobID),
		slog.String("status", domain.JobStatusFailed),
	)
	return nil
}

// RequeueJob returns a job to pending and counts the attempt, so the
// redelivered message can claim it again.
func (s *Storage) RequeueJob(ctx context.Context, jobID, errorMsg string) error {
	query := s.db.Rebind(`
		UPDATE invoice_jobs
		SET status = ?,
		    progress = 0,
		    worker_id = '',
		    retry_count = retry_count + 1,
		    error_message = ?,
		    updated_at = ?
		WHERE job_id = ? AND status = ?
	`)

	if _, err := s.db.ExecContext(ctx, query,
		domain.JobStatusPending, errorMsg, s.now().UnixNano(), jobID, domain.JobStatusProcessing,
	); err != nil {
		return fmt.Errorf("failed to requeue job: %w", err)
	}
	return nil
}

// UpdateJobHeartbeat updates the heartbeat_at timestamp for a processing job
func (s *Storage) UpdateJobHeartbeat(ctx context.Context, jobID string) error {
	now := s.now().UnixNano()
	query := s.db.Rebind(`
		UPDATE invoice_jobs
		SET heartbeat_at = ?,
		    updated_at = ?
		WHERE job_id = ? AND status = ?
	`)

	result, err := s.db.ExecContext(ctx, query, now, now, jobID, domain.JobStatusProcessing)
	if err != nil {
		return fmt.Errorf("failed to update job heartbeat: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		s.logger.Warn("Job heartbeat update - no rows affected (job may not be processing)",
			slog.String("job_id", jobID),
		)
	}

	return nil
}

// ResetStaleJobs returns processing jobs whose heartbeat is older than
// staleAfter to pending. These are left behind by a worker that died or was
// killed mid-job. The attempt is not counted against the job's retries.
func (s *Storage) ResetStaleJobs(ctx context.Context, staleAfter time.Duration) (int64, error) {
	now := s.now()
	cutoff := now.Add(-staleAfter).UnixNano()
	query := s.db.Rebind(`
		UPDATE invoice_jobs
		SET status = ?,
		    progress = 0,
		    worker_id = '',
		    updated_at = ?
		WHERE status = ?
		  AND (heartbeat_at IS NULL OR heartbeat_at < ?)
	`)

	result, err := s.db.ExecContext(ctx, query,
		domain.JobStatusPending, now.UnixNano(), domain.JobStatusProcessing, cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to reset stale jobs: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected > 0 {
		s.logger.Warn("Reset stale processing jobs to pending",
			slog.Int64("count", rowsAffected),
			slog.Duration("stale_after", staleAfter),
		)
	}
	return rowsAffected, nil
}
