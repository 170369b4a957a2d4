package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/invoice-assist/internal/invoice"
	"github.com/cuongbtq/invoice-assist/internal/worker/domain"
	"github.com/cuongbtq/invoice-assist/internal/worker/extract"
	"github.com/cuongbtq/invoice-assist/internal/worker/spreadsheet"
)

// processJob claims a job, runs the extraction pipeline and records the outcome.
// A *domain.RetryableError return asks for redelivery.
func (w *Worker) processJob(ctx context.Context, msg *domain.JobMessage) error {
	job, err := w.storage.ClaimJob(ctx, msg.JobID, w.workerID)
	if err != nil {
		if errors.Is(err, domain.ErrJobAlreadyClaimed) || errors.Is(err, domain.ErrJobNotFound) {
			w.logger.Warn("Skipping job",
				slog.String("job_id", msg.JobID),
				slog.Any("reason", err),
			)
			return err
		}
		// Database error - could be transient
		return domain.NewRetryableError(fmt.Errorf("failed to claim job: %w", err))
	}

	jobCtx, cancel := context.WithTimeout(ctx, w.jobTimeout)
	defer cancel()

	heartbeatDone := make(chan struct{})
	go w.sendJobHeartbeat(jobCtx, job.JobID, heartbeatDone)
	defer close(heartbeatDone)

	start := time.Now()
	result, sheet, err := w.executeJob(jobCtx, job)
	if err != nil {
		return w.handleFailure(ctx, job, err)
	}

	// The outcome is recorded even when shutdown canceled ctx meanwhile.
	if err := w.storage.CompleteJob(context.WithoutCancel(ctx), job.JobID, result, sheet); err != nil {
		return w.handleFailure(ctx, job, err)
	}

	w.logger.Info("Job completed successfully",
		slog.String("job_id", job.JobID),
		slog.String("mode", job.Mode),
		slog.Duration("duration", time.Since(start)),
	)
	return nil
}

// executeJob extracts the text and, in excel mode, the invoice fields and workbook.
func (w *Worker) executeJob(ctx context.Context, job *domain.Job) (*invoice.Extraction, []byte, error) {
	text, err := w.extractor.Extract(ctx, extract.Document{
		Filename:    job.Filename,
		ContentType: job.ContentType,
		Data:        job.Document,
	})
	if err != nil {
		return nil, nil, err
	}
	w.reportProgress(ctx, job.JobID, domain.ProgressExtracted)

	result := &invoice.Extraction{
		Text:       text.Content,
		Confidence: text.Confidence,
		Pages:      text.Pages,
	}
	if invoice.Mode(job.Mode) != invoice.ModeExcel {
		return result, nil, nil
	}

	data := extract.ParseFields(text.Content, job.Filename)
	result.Invoice = &data
	w.reportProgress(ctx, job.JobID, domain.ProgressParsed)

	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	sheet, err := spreadsheet.Build([]invoice.Data{data})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build spreadsheet: %w", err)
	}
	w.reportProgress(ctx, job.JobID, domain.ProgressRendered)

	return result, sheet, nil
}

// handleFailure fails permanent and exhausted jobs and returns others to the
// queue. A job interrupted by shutdown always goes back to pending. Storage
// writes ignore cancellation of ctx so the row never stays processing.
func (w *Worker) handleFailure(ctx context.Context, job *domain.Job, cause error) error {
	shuttingDown := ctx.Err() != nil
	ctx = context.WithoutCancel(ctx)

	if shuttingDown {
		w.logger.Info("Job interrupted by shutdown, returning it to pending",
			slog.String("job_id", job.JobID),
		)
		w.requeueJob(ctx, job.JobID, cause)
		return domain.NewRetryableError(fmt.Errorf("job interrupted: %w", cause))
	}

	if domain.IsPermanent(cause) {
		w.failJob(ctx, job.JobID, cause)
		return cause
	}

	if job.RetryCount >= job.MaxRetries {
		w.logger.Warn("Job exceeded max retries",
			slog.String("job_id", job.JobID),
			slog.Int("retry_count", job.RetryCount),
			slog.Int("max_retries", job.MaxRetries),
		)
		w.failJob(ctx, job.JobID, cause)
		return fmt.Errorf("%w: %w", domain.ErrMaxRetriesExceeded, cause)
	}

	w.logger.Info("Job will be retried",
		slog.String("job_id", job.JobID),
		slog.Int("retry_count", job.RetryCount),
		slog.Int("max_retries", job.MaxRetries),
	)
	w.requeueJob(ctx, job.JobID, cause)
	return domain.NewRetryableError(fmt.Errorf("job execution failed: %w", cause))
}

func (w *Worker) requeueJob(ctx context.Context, jobID string, cause error) {
	if err := w.storage.RequeueJob(ctx, jobID, cause.Error()); err != nil {
		w.logger.Error("Failed to return job to pending",
			slog.String("job_id", jobID),
			slog.Any("error", err),
		)
	}
}

func (w *Worker) failJob(ctx context.Context, jobID string, cause error) {
	if err := w.storage.FailJob(ctx, jobID, cause.Error()); err != nil {
		w.logger.Error("Failed to update job status to failed",
			slog.String("job_id", jobID),
			slog.Any("error", err),
		)
	}
}

func (w *Worker) reportProgress(ctx context.Context, jobID string, progress int) {
	if err := w.storage.UpdateProgress(ctx, jobID, progress); err != nil {
		w.logger.Warn("Failed to update job progress",
			slog.String("job_id", jobID),
			slog.Int("progress", progress),
			slog.Any("error", err),
		)
	}
}

// sendJobHeartbeat periodically updates the job's heartbeat timestamp
func (w *Worker) sendJobHeartbeat(ctx context.Context, jobID string, done <-chan struct{}) {
	ticker := time.NewTicker(w.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return

		case <-ctx.Done():
			return

		case <-ticker.C:
			if err := w.storage.UpdateJobHeartbeat(ctx, jobID); err != nil {
				w.logger.Warn("Failed to update job heartbeat",
					slog.String("job_id", jobID),
					slog.Any("error", err),
				)
			}
		}
	}
}
