package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cuongbtq/invoice-assist/internal/broker"
	"github.com/cuongbtq/invoice-assist/internal/invoice"
	"github.com/cuongbtq/invoice-assist/internal/worker/domain"
	"github.com/cuongbtq/invoice-assist/internal/worker/extract"
	"github.com/google/uuid"
)

// JobStore is the persistence the worker needs; *storage.Storage implements it.
type JobStore interface {
	ClaimJob(ctx context.Context, jobID, workerID string) (*domain.Job, error)
	UpdateProgress(ctx context.Context, jobID string, progress int) error
	CompleteJob(ctx context.Context, jobID string, result *invoice.Extraction, spreadsheet []byte) error
	FailJob(ctx context.Context, jobID, errorMsg string) error
	RequeueJob(ctx context.Context, jobID, errorMsg string) error
	UpdateJobHeartbeat(ctx context.Context, jobID string) error
}

// TextExtractor reads the text of a document; *extract.Extractor implements it.
type TextExtractor interface {
	Extract(ctx context.Context, doc extract.Document) (*extract.Text, error)
}

// Config holds worker configuration
type Config struct {
	Logger            *slog.Logger
	Storage           JobStore
	Consumer          broker.Consumer
	Extractor         TextExtractor
	WorkerID          string
	Concurrency       int
	JobTimeout        time.Duration
	HeartbeatInterval time.Duration
}

// Worker represents the background job worker
type Worker struct {
	logger            *slog.Logger
	storage           JobStore
	consumer          broker.Consumer
	extractor         TextExtractor
	workerID          string
	concurrency       int
	jobTimeout        time.Duration
	heartbeatInterval time.Duration

	jobsChan chan *jobDelivery
	wg       sync.WaitGroup
	stopChan chan struct{}
	stopOnce sync.Once
}

// jobDelivery pairs a parsed message with its broker delivery for ack/nack.
type jobDelivery struct {
	msg      *domain.JobMessage
	delivery broker.Delivery
}

// NewWorker creates a new worker instance
func NewWorker(cfg *Config) *Worker {
	workerID := cfg.WorkerID
	if workerID == "" {
		workerID = "worker-" + uuid.New().String()[:8]
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	jobTimeout := cfg.JobTimeout
	if jobTimeout <= 0 {
		jobTimeout = 5 * time.Minute
	}
	heartbeat := cfg.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = 30 * time.Second
	}

	return &Worker{
		logger:            cfg.Logger.With(slog.String("worker_id", workerID)),
		storage:           cfg.Storage,
		consumer:          cfg.Consumer,
		extractor:         cfg.Extractor,
		workerID:          workerID,
		concurrency:       concurrency,
		jobTimeout:        jobTimeout,
		heartbeatInterval: heartbeat,
		jobsChan:          make(chan *jobDelivery),
		stopChan:          make(chan struct{}),
	}
}

// Start consumes job messages and processes them until ctx is canceled or the
// delivery channel closes. It blocks while the dispatcher runs.
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("Starting worker",
		slog.Int("concurrency", w.concurrency),
		slog.Duration("job_timeout", w.jobTimeout),
	)

	deliveries, err := w.consumer.Consume(ctx, w.workerID)
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	w.spawnWorkerPool(ctx)
	w.startMessageDispatcher(ctx, deliveries)

	return nil
}

// Stop gracefully stops the worker
func (w *Worker) Stop() {
	w.logger.Info("Stopping worker")
	w.stopOnce.Do(func() { close(w.stopChan) })
	w.wg.Wait()
	w.logger.Info("Worker stopped")
}
