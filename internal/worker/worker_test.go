package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/cuongbtq/invoice-assist/internal/api/model"
	apistorage "github.com/cuongbtq/invoice-assist/internal/api/storage"
	"github.com/cuongbtq/invoice-assist/internal/broker"
	"github.com/cuongbtq/invoice-assist/internal/invoice"
	"github.com/cuongbtq/invoice-assist/internal/worker/domain"
	"github.com/cuongbtq/invoice-assist/internal/worker/extract"
	"github.com/cuongbtq/invoice-assist/internal/worker/storage"
	"github.com/cuongbtq/invoice-assist/shared/database"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeStore struct {
	mu        sync.Mutex
	job       *domain.Job
	claimErr  error
	completed *invoice.Extraction
	sheet     []byte
	failed    string
	requeued  string
	progress  []int
}

func (s *fakeStore) ClaimJob(_ context.Context, jobID, workerID string) (*domain.Job, error) {
	if s.claimErr != nil {
		return nil, s.claimErr
	}
	job := *s.job
	job.WorkerID = workerID
	return &job, nil
}

func (s *fakeStore) UpdateProgress(_ context.Context, _ string, progress int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.progress = append(s.progress, progress)
	return nil
}

func (s *fakeStore) CompleteJob(_ context.Context, _ string, result *invoice.Extraction, sheet []byte) error {
	s.completed, s.sheet = result, sheet
	return nil
}

func (s *fakeStore) FailJob(_ context.Context, _ string, msg string) error {
	s.failed = msg
	return nil
}

func (s *fakeStore) RequeueJob(_ context.Context, _ string, msg string) error {
	s.requeued = msg
	return nil
}

func (s *fakeStore) UpdateJobHeartbeat(context.Context, string) error { return nil }

type fakeExtractor struct {
	text *extract.Text
	err  error
}

func (e *fakeExtractor) Extract(context.Context, extract.Document) (*extract.Text, error) {
	return e.text, e.err
}

// blockingExtractor runs until its context is canceled.
type blockingExtractor struct {
	once    sync.Once
	started chan struct{}
}

func (e *blockingExtractor) Extract(ctx context.Context, _ extract.Document) (*extract.Text, error) {
	e.once.Do(func() { close(e.started) })
	<-ctx.Done()
	return nil, ctx.Err()
}

func newTestWorker(store JobStore, ex TextExtractor) *Worker {
	return NewWorker(&Config{
		Logger:    testLogger(),
		Storage:   store,
		Extractor: ex,
		WorkerID:  "test",
	})
}

func TestProcessJob_ExcelMode(t *testing.T) {
	store := &fakeStore{job: &domain.Job{JobID: "j1", Filename: "invoice.txt", Mode: "excel", MaxRetries: 3}}
	ex := &fakeExtractor{text: &extract.Text{Content: "Invoice No: INV-9\nTotal: 12.00 EUR", Pages: 1, Confidence: 100}}
	w := newTestWorker(store, ex)

	require.NoError(t, w.processJob(context.Background(), &domain.JobMessage{JobID: "j1"}))

	require.NotNil(t, store.completed)
	require.NotNil(t, store.completed.Invoice)
	assert.Equal(t, "INV-9", store.completed.Invoice.InvoiceNumber)
	assert.Equal(t, "12.00", store.completed.Invoice.TotalAmount)
	assert.Equal(t, "invoice.txt", store.completed.Invoice.SourceFilename)
	assert.NotEmpty(t, store.sheet)
	assert.Equal(t, []int{domain.ProgressExtracted, domain.ProgressParsed, domain.ProgressRendered}, store.progress)
}

func TestProcessJob_OCRMode(t *testing.T) {
	store := &fakeStore{job: &domain.Job{JobID: "j1", Filename: "scan.pdf", Mode: "ocr", MaxRetries: 3}}
	ex := &fakeExtractor{text: &extract.Text{Content: "hello", Pages: 2, Confidence: 97.5}}
	w := newTestWorker(store, ex)

	require.NoError(t, w.processJob(context.Background(), &domain.JobMessage{JobID: "j1"}))

	assert.Nil(t, store.completed.Invoice)
	assert.Nil(t, store.sheet)
	assert.Equal(t, "hello", store.completed.Text)
	assert.Equal(t, 2, store.completed.Pages)
}

func TestProcessJob_Failures(t *testing.T) {
	transient := errors.New("disk hiccup")

	tests := []struct {
		name         string
		job          domain.Job
		claimErr     error
		extractErr   error
		wantRequeue  bool
		wantFailed   bool
		wantRequeued bool
		wantIs       error
	}{
		{
			name:       "unsupported format fails permanently",
			job:        domain.Job{JobID: "j1", Mode: "excel", MaxRetries: 3},
			extractErr: extract.ErrUnsupportedFormat,
			wantFailed: true,
			wantIs:     domain.ErrUnsupportedFormat,
		},
		{
			name:       "no text fails permanently",
			job:        domain.Job{JobID: "j1", Mode: "ocr", MaxRetries: 3},
			extractErr: extract.ErrNoText,
			wantFailed: true,
			wantIs:     domain.ErrNoText,
		},
		{
			name:         "transient error is retried",
			job:          domain.Job{JobID: "j1", Mode: "ocr", RetryCount: 1, MaxRetries: 3},
			extractErr:   transient,
			wantRequeue:  true,
			wantRequeued: true,
			wantIs:       transient,
		},
		{
			name:       "retries exhausted",
			job:        domain.Job{JobID: "j1", Mode: "ocr", RetryCount: 3, MaxRetries: 3},
			extractErr: transient,
			wantFailed: true,
			wantIs:     domain.ErrMaxRetriesExceeded,
		},
		{
			name:     "already claimed",
			job:      domain.Job{JobID: "j1"},
			claimErr: domain.ErrJobAlreadyClaimed,
			wantIs:   domain.ErrJobAlreadyClaimed,
		},
		{
			name:        "claim database error",
			job:         domain.Job{JobID: "j1"},
			claimErr:    transient,
			wantRequeue: true,
			wantIs:      transient,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job := tt.job
			store := &fakeStore{job: &job, claimErr: tt.claimErr}
			w := newTestWorker(store, &fakeExtractor{err: tt.extractErr})

			err := w.processJob(context.Background(), &domain.JobMessage{JobID: "j1"})
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantIs)
			assert.Equal(t, tt.wantRequeue, w.shouldRequeueJob(err))
			assert.Equal(t, tt.wantFailed, store.failed != "")
			assert.Equal(t, tt.wantRequeued, store.requeued != "")
		})
	}
}

func TestProcessJob_ShutdownReturnsJobToPending(t *testing.T) {
	job := domain.Job{JobID: "j1", Mode: "ocr", RetryCount: 3, MaxRetries: 3}
	store := &fakeStore{job: &job}
	w := newTestWorker(store, &blockingExtractor{started: make(chan struct{})})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := w.processJob(ctx, &domain.JobMessage{JobID: "j1"})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, w.shouldRequeueJob(err))
	assert.NotEmpty(t, store.requeued, "an exhausted job is still released on shutdown")
	assert.Empty(t, store.failed)
}

func TestShouldRequeueJob(t *testing.T) {
	w := newTestWorker(&fakeStore{}, &fakeExtractor{})

	assert.True(t, w.shouldRequeueJob(domain.NewRetryableError(errors.New("x"))))
	assert.False(t, w.shouldRequeueJob(errors.New("unknown")))
	assert.False(t, w.shouldRequeueJob(domain.ErrInvalidMessage))
	assert.False(t, w.shouldRequeueJob(domain.NewRetryableError(domain.ErrJobNotFound)))
}

func TestParseJobMessage(t *testing.T) {
	id := uuid.New().String()

	msg, err := parseJobMessage(broker.NewDelivery([]byte(`{"job_id":"`+id+`"}`), 7, nil, nil))
	require.NoError(t, err)
	assert.Equal(t, id, msg.JobID)
	assert.Equal(t, uint64(7), msg.DeliveryTag)

	_, err = parseJobMessage(broker.NewDelivery([]byte(`{`), 1, nil, nil))
	assert.ErrorIs(t, err, domain.ErrInvalidMessage)

	_, err = parseJobMessage(broker.NewDelivery([]byte(`{"job_id":"j1"}`), 1, nil, nil))
	assert.ErrorIs(t, err, domain.ErrInvalidMessage)
}

// TestWorker_EndToEnd runs a real pipeline over the memory broker and sqlite.
func TestWorker_EndToEnd(t *testing.T) {
	logger := testLogger()
	client, err := database.NewClient(&database.Config{Driver: database.DriverSQLite, DSN: ":memory:"}, logger)
	require.NoError(t, err)
	defer client.Close()

	api := apistorage.NewStorage(client, logger)
	require.NoError(t, api.Migrate(context.Background()))

	jobID := uuid.New().String()
	now := time.Now().UnixNano()
	require.NoError(t, api.CreateJob(context.Background(), &model.Job{
		JobID:       jobID,
		Filename:    "invoice.txt",
		ContentType: "text/plain",
		Mode:        "excel",
		Language:    "eng",
		Status:      "pending",
		Document:    []byte("Invoice No: A-1\nVendor: ACME\nDate: 2024-05-01\nTotal: 99.90 USD"),
		MaxRetries:  1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}))

	mem := broker.NewMemory(8, logger)
	defer mem.Close()

	w := NewWorker(&Config{
		Logger:      logger,
		Storage:     storage.NewStorage(client, logger),
		Consumer:    mem,
		Extractor:   extract.NewExtractor(0, logger),
		Concurrency: 2,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Start(ctx) }()

	require.NoError(t, mem.PublishRaw(ctx, []byte("not json")))
	require.NoError(t, mem.Publish(ctx, broker.JobMessage{JobID: jobID}))

	require.Eventually(t, func() bool {
		job, err := api.GetJobByID(context.Background(), jobID)
		return err == nil && job.Status == "complete"
	}, 5*time.Second, 10*time.Millisecond)

	job, err := api.GetJobByID(context.Background(), jobID)
	require.NoError(t, err)
	assert.True(t, job.HasSpreadsheet)
	assert.Contains(t, job.Result, `"invoiceNumber":"A-1"`)

	cancel()
	require.NoError(t, <-done)
	w.Stop()
}

// TestWorker_ShutdownDuringExtraction stops the worker the way the backend
// does on SIGTERM while a job is mid-extraction.
func TestWorker_ShutdownDuringExtraction(t *testing.T) {
	logger := testLogger()
	client, err := database.NewClient(&database.Config{Driver: database.DriverSQLite, DSN: ":memory:"}, logger)
	require.NoError(t, err)
	defer client.Close()

	api := apistorage.NewStorage(client, logger)
	require.NoError(t, api.Migrate(context.Background()))

	jobID := uuid.New().String()
	now := time.Now().UnixNano()
	require.NoError(t, api.CreateJob(context.Background(), &model.Job{
		JobID:       jobID,
		Filename:    "invoice.txt",
		ContentType: "text/plain",
		Mode:        "ocr",
		Language:    "eng",
		Status:      "pending",
		Document:    []byte("Total: 1.00"),
		MaxRetries:  3,
		CreatedAt:   now,
		UpdatedAt:   now,
	}))

	mem := broker.NewMemory(8, logger)
	defer mem.Close()

	ex := &blockingExtractor{started: make(chan struct{})}
	w := NewWorker(&Config{
		Logger:      logger,
		Storage:     storage.NewStorage(client, logger),
		Consumer:    mem,
		Extractor:   ex,
		Concurrency: 1,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Start(ctx) }()

	require.NoError(t, mem.Publish(ctx, broker.JobMessage{JobID: jobID}))

	select {
	case <-ex.started:
	case <-time.After(5 * time.Second):
		t.Fatal("job never reached extraction")
	}

	cancel()
	require.NoError(t, <-done)
	w.Stop()

	job, err := api.GetJobByID(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, "pending", job.Status)
	assert.Equal(t, 1, job.RetryCount)
	assert.Empty(t, job.WorkerID)

	pending, err := api.ListJobs(context.Background(), apistorage.JobFilter{Status: "pending", PageSize: 10})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, jobID, pending[0].JobID)
}
