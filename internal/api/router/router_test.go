package router

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cuongbtq/invoice-assist/internal/api/handler"
	"github.com/cuongbtq/invoice-assist/internal/api/storage"
	"github.com/cuongbtq/invoice-assist/internal/broker"
	"github.com/cuongbtq/invoice-assist/internal/invoice"
	"github.com/cuongbtq/invoice-assist/internal/worker/domain"
	workerstorage "github.com/cuongbtq/invoice-assist/internal/worker/storage"
	"github.com/cuongbtq/invoice-assist/shared/database"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingPublisher struct {
	messages []broker.JobMessage
	err      error
}

func (p *recordingPublisher) Publish(_ context.Context, msg broker.JobMessage) error {
	if p.err != nil {
		return p.err
	}
	p.messages = append(p.messages, msg)
	return nil
}

type testServer struct {
	router    *gin.Engine
	storage   *storage.Storage
	worker    *workerstorage.Storage
	publisher *recordingPublisher
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	client, err := database.NewClient(&database.Config{Driver: database.DriverSQLite, DSN: ":memory:"}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	store := storage.NewStorage(client, logger)
	require.NoError(t, store.Migrate(context.Background()))

	pub := &recordingPublisher{}
	r := SetupRouter(&handler.Dependencies{
		Logger:    logger,
		Storage:   store,
		Publisher: pub,
		Config:    handler.Config{Version: "test", MaxUploadBytes: 1 << 20, MaxRetries: 2},
	})

	return &testServer{
		router:    r,
		storage:   store,
		worker:    workerstorage.NewStorage(client, logger),
		publisher: pub,
	}
}

func (s *testServer) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func uploadRequest(t *testing.T, path, filename, contentType string, data []byte, fields map[string]string) *http.Request {
	t.Helper()

	body := &bytes.Buffer{}
	w := multipart.NewWriter(body)
	if filename != "" {
		h := make(map[string][]string)
		h["Content-Disposition"] = []string{`form-data; name="file"; filename="` + filename + `"`}
		h["Content-Type"] = []string{contentType}
		part, err := w.CreatePart(h)
		require.NoError(t, err)
		_, err = part.Write(data)
		require.NoError(t, err)
	}
	for k, v := range fields {
		require.NoError(t, w.WriteField(k, v))
	}
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, path, body)
	req.Header.Set("Content-Type", w.FormDataContentType())
	return req
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func (s *testServer) submit(t *testing.T, path string) string {
	t.Helper()
	rec := s.do(uploadRequest(t, path, "invoice.txt", "text/plain", []byte("Invoice No: 1\nTotal: 10"), nil))
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	return decode[invoice.SubmitResponse](t, rec).JobID
}

func TestSubmit_AcceptsAndPublishes(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(uploadRequest(t, "/api/invoice/process-to-excel", "invoice.pdf", "application/pdf", []byte("%PDF-1.4 body"), map[string]string{"language": "eng+deu"}))
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	resp := decode[invoice.SubmitResponse](t, rec)
	require.NotEmpty(t, resp.JobID)
	require.Len(t, s.publisher.messages, 1)
	assert.Equal(t, resp.JobID, s.publisher.messages[0].JobID)
	assert.NotEmpty(t, rec.Header().Get(RequestIDHeader))

	job, err := s.storage.GetJobByID(context.Background(), resp.JobID)
	require.NoError(t, err)
	assert.Equal(t, "excel", job.Mode)
	assert.Equal(t, "eng+deu", job.Language)
	assert.Equal(t, "pending", job.Status)
	assert.Equal(t, 2, job.MaxRetries)
}

func TestSubmit_Rejections(t *testing.T) {
	tests := []struct {
		name       string
		req        func(t *testing.T) *http.Request
		wantStatus int
		wantCode   string
	}{
		{
			name: "no file",
			req: func(t *testing.T) *http.Request {
				return uploadRequest(t, "/api/invoice/ocr-only", "", "", nil, map[string]string{"language": "eng"})
			},
			wantStatus: http.StatusBadRequest,
			wantCode:   handler.CodeFileRequired,
		},
		{
			name: "empty file",
			req: func(t *testing.T) *http.Request {
				return uploadRequest(t, "/api/invoice/ocr-only", "empty.pdf", "application/pdf", nil, nil)
			},
			wantStatus: http.StatusBadRequest,
			wantCode:   handler.CodeEmptyFile,
		},
		{
			name: "image",
			req: func(t *testing.T) *http.Request {
				return uploadRequest(t, "/api/invoice/process-to-excel", "photo.png", "image/png", []byte{0x89, 'P', 'N', 'G'}, nil)
			},
			wantStatus: http.StatusUnsupportedMediaType,
			wantCode:   handler.CodeUnsupportedFormat,
		},
		{
			name: "bad language",
			req: func(t *testing.T) *http.Request {
				return uploadRequest(t, "/api/invoice/ocr-only", "a.txt", "text/plain", []byte("x"), map[string]string{"language": "English"})
			},
			wantStatus: http.StatusBadRequest,
			wantCode:   handler.CodeInvalidLanguage,
		},
		{
			name: "too large",
			req: func(t *testing.T) *http.Request {
				return uploadRequest(t, "/api/invoice/ocr-only", "big.txt", "text/plain", bytes.Repeat([]byte("a"), 3<<19), nil)
			},
			wantStatus: http.StatusRequestEntityTooLarge,
			wantCode:   handler.CodeFileTooLarge,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t)
			rec := s.do(tt.req(t))

			assert.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())
			body := decode[invoice.ErrorResponse](t, rec)
			assert.False(t, body.Success)
			assert.Equal(t, tt.wantCode, body.Code)
			assert.NotEmpty(t, body.Error)
			assert.Empty(t, s.publisher.messages)
		})
	}
}

func TestSubmit_IdempotencyKey(t *testing.T) {
	s := newTestServer(t)

	send := func() string {
		req := uploadRequest(t, "/api/invoice/ocr-only", "a.txt", "text/plain", []byte("hello"), nil)
		req.Header.Set(handler.IdempotencyHeader, "upload-1")
		rec := s.do(req)
		require.Equal(t, http.StatusAccepted, rec.Code)
		return decode[invoice.SubmitResponse](t, rec).JobID
	}

	first := send()
	second := send()
	assert.Equal(t, first, second)
	assert.Len(t, s.publisher.messages, 1)
}

func TestSubmit_QueueUnavailable(t *testing.T) {
	s := newTestServer(t)
	s.publisher.err = errors.New("connection refused")

	rec := s.do(uploadRequest(t, "/api/invoice/ocr-only", "a.txt", "text/plain", []byte("hello"), nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, handler.CodeQueueUnavailable, decode[invoice.ErrorResponse](t, rec).Code)

	jobs, err := s.storage.ListJobs(context.Background(), storage.JobFilter{PageSize: 10})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "failed", jobs[0].Status)
}

func TestStatusResultsDownload_Lifecycle(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	jobID := s.submit(t, "/api/invoice/process-to-excel")

	rec := s.do(httptest.NewRequest(http.MethodGet, "/api/invoice/status/"+jobID, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	snap := decode[invoice.StatusSnapshot](t, rec)
	assert.Equal(t, invoice.StatusPending, snap.Status)
	require.NotNil(t, snap.Progress)
	assert.Equal(t, 0, *snap.Progress)

	rec = s.do(httptest.NewRequest(http.MethodGet, "/api/invoice/results/"+jobID, nil))
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, handler.CodeJobNotComplete, decode[invoice.ErrorResponse](t, rec).Code)

	_, err := s.worker.ClaimJob(ctx, jobID, "w1")
	require.NoError(t, err)
	rec = s.do(httptest.NewRequest(http.MethodGet, "/api/invoice/status/"+jobID, nil))
	snap = decode[invoice.StatusSnapshot](t, rec)
	assert.Equal(t, invoice.StatusProcessing, snap.Status)
	assert.Equal(t, domain.ProgressClaimed, *snap.Progress)

	data := &invoice.Data{InvoiceNumber: "1", VendorName: "ACME", TotalAmount: "10.00", Currency: "EUR"}
	require.NoError(t, s.worker.CompleteJob(ctx, jobID, &invoice.Extraction{Invoice: data, Text: "Invoice No: 1", Confidence: 99}, []byte("PK-xlsx")))

	rec = s.do(httptest.NewRequest(http.MethodGet, "/api/invoice/results/"+jobID, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	payload := decode[invoice.ResultPayload](t, rec)
	assert.Equal(t, jobID, payload.JobID)
	assert.Equal(t, "invoice.txt", payload.Filename)
	assert.Equal(t, invoice.ModeExcel, payload.Mode)
	assert.Equal(t, "1", payload.Invoice.InvoiceNumber)
	assert.Equal(t, 99.0, payload.Confidence)
	assert.Equal(t, "/api/invoice/download/"+jobID, payload.DownloadURL)

	rec = s.do(httptest.NewRequest(http.MethodGet, "/api/invoice/download/"+jobID, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "PK-xlsx", rec.Body.String())
	assert.Equal(t, `attachment; filename=invoice_extracted.xlsx`, rec.Header().Get("Content-Disposition"))

	rec = s.do(httptest.NewRequest(http.MethodGet, "/api/invoice/history", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	entries := decode[[]invoice.HistoryEntry](t, rec)
	require.Len(t, entries, 1)
	assert.Equal(t, "ACME · 10.00 EUR", entries[0].Summary)
	assert.Equal(t, invoice.StatusComplete, entries[0].Status)
}

func TestResults_FailedAndUnknown(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	jobID := s.submit(t, "/api/invoice/ocr-only")

	_, err := s.worker.ClaimJob(ctx, jobID, "w1")
	require.NoError(t, err)
	require.NoError(t, s.worker.FailJob(ctx, jobID, "no text found in document"))

	rec := s.do(httptest.NewRequest(http.MethodGet, "/api/invoice/status/"+jobID, nil))
	snap := decode[invoice.StatusSnapshot](t, rec)
	assert.Equal(t, invoice.StatusFailed, snap.Status)
	assert.Equal(t, "no text found in document", snap.Error)

	rec = s.do(httptest.NewRequest(http.MethodGet, "/api/invoice/results/"+jobID, nil))
	assert.Equal(t, http.StatusConflict, rec.Code)
	body := decode[invoice.ErrorResponse](t, rec)
	assert.Equal(t, handler.CodeJobFailed, body.Code)
	assert.Contains(t, body.Error, "no text found")

	for _, path := range []string{"/api/invoice/status/nope", "/api/invoice/results/nope", "/api/invoice/download/nope"} {
		rec := s.do(httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusNotFound, rec.Code, path)
		assert.Equal(t, handler.CodeJobNotFound, decode[invoice.ErrorResponse](t, rec).Code)
	}
}

func TestDownload_OCRJobHasNoSpreadsheet(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	jobID := s.submit(t, "/api/invoice/ocr-only")

	_, err := s.worker.ClaimJob(ctx, jobID, "w1")
	require.NoError(t, err)
	require.NoError(t, s.worker.CompleteJob(ctx, jobID, &invoice.Extraction{Text: "hello"}, nil))

	rec := s.do(httptest.NewRequest(http.MethodGet, "/api/invoice/results/"+jobID, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[invoice.ResultPayload](t, rec).DownloadURL)

	rec = s.do(httptest.NewRequest(http.MethodGet, "/api/invoice/download/"+jobID, nil))
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, handler.CodeNoSpreadsheet, decode[invoice.ErrorResponse](t, rec).Code)
}

func TestHistory_Pagination(t *testing.T) {
	s := newTestServer(t)
	for i := 0; i < 3; i++ {
		s.submit(t, "/api/invoice/ocr-only")
		time.Sleep(time.Millisecond)
	}

	rec := s.do(httptest.NewRequest(http.MethodGet, "/api/invoice/history?limit=2", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	first := decode[[]invoice.HistoryEntry](t, rec)
	require.Len(t, first, 2)
	assert.True(t, first[0].CreatedAt.After(first[1].CreatedAt))

	next := rec.Header().Get("X-Next-Cursor")
	require.NotEmpty(t, next)

	rec = s.do(httptest.NewRequest(http.MethodGet, "/api/invoice/history?limit=2&cursor="+next, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	second := decode[[]invoice.HistoryEntry](t, rec)
	require.Len(t, second, 1)
	assert.Empty(t, rec.Header().Get("X-Next-Cursor"))

	rec = s.do(httptest.NewRequest(http.MethodGet, "/api/invoice/history?cursor=***", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthInfoAndCORS(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(httptest.NewRequest(http.MethodGet, "/api/invoice/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	health := decode[map[string]string](t, rec)
	assert.Equal(t, "healthy", health["status"])
	assert.Equal(t, "up", health["database"])

	rec = s.do(httptest.NewRequest(http.MethodGet, "/api/invoice", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "POST /invoice/process-to-excel")

	rec = s.do(httptest.NewRequest(http.MethodOptions, "/api/invoice/ocr-only", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}
