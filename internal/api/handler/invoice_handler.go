package handler

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/cuongbtq/invoice-assist/internal/api/dto"
	"github.com/cuongbtq/invoice-assist/internal/api/model"
	"github.com/cuongbtq/invoice-assist/internal/api/storage"
	"github.com/cuongbtq/invoice-assist/internal/broker"
	"github.com/cuongbtq/invoice-assist/internal/invoice"
	"github.com/cuongbtq/invoice-assist/internal/worker/extract"
	"github.com/cuongbtq/invoice-assist/internal/worker/spreadsheet"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// IdempotencyHeader lets a client retry a submission without creating a second job.
const IdempotencyHeader = "X-Idempotency-Key"

// languageRe accepts Tesseract-style codes such as "eng" or "eng+deu".
var languageRe = regexp.MustCompile(`^[a-z]{3}(\+[a-z]{3})*$`)

// ProcessToExcel handles POST /invoice/process-to-excel
func (h *InvoiceHandler) ProcessToExcel(c *gin.Context) {
	h.submit(c, invoice.ModeExcel)
}

// OCROnly handles POST /invoice/ocr-only
func (h *InvoiceHandler) OCROnly(c *gin.Context) {
	h.submit(c, invoice.ModeOCR)
}

func (h *InvoiceHandler) submit(c *gin.Context, mode invoice.Mode) {
	ctx := c.Request.Context()
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.cfg.MaxUploadBytes+(1<<20))

	key := strings.TrimSpace(c.GetHeader(IdempotencyHeader))
	if key != "" {
		if existing, err := h.storage.GetJobByIdempotencyKey(ctx, key); err == nil {
			h.logger.Info("Returning job for repeated idempotency key",
				slog.String("job_id", existing.JobID),
			)
			c.JSON(http.StatusAccepted, dto.SubmitResponse{JobID: existing.JobID, Status: invoice.Status(existing.Status)})
			return
		} else if !errors.Is(err, storage.ErrJobNotFound) {
			respondInternal(c, err)
			return
		}
	}

	fh, err := c.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondError(c, http.StatusRequestEntityTooLarge, CodeFileTooLarge, h.tooLargeMessage())
			return
		}
		respondError(c, http.StatusBadRequest, CodeFileRequired, "a file must be uploaded in the \"file\" field")
		return
	}
	if fh.Size == 0 {
		respondError(c, http.StatusBadRequest, CodeEmptyFile, "uploaded file is empty")
		return
	}
	if fh.Size > h.cfg.MaxUploadBytes {
		respondError(c, http.StatusRequestEntityTooLarge, CodeFileTooLarge, h.tooLargeMessage())
		return
	}

	language := c.DefaultPostForm("language", h.cfg.DefaultLanguage)
	if !languageRe.MatchString(language) {
		respondError(c, http.StatusBadRequest, CodeInvalidLanguage, fmt.Sprintf("invalid language %q", language))
		return
	}

	f, err := fh.Open()
	if err != nil {
		respondInternal(c, fmt.Errorf("failed to open upload: %w", err))
		return
	}
	data, err := io.ReadAll(f)
	f.Close()
	if err != nil {
		respondInternal(c, fmt.Errorf("failed to read upload: %w", err))
		return
	}

	contentType := fh.Header.Get("Content-Type")
	if _, err := extract.DetectFormat(fh.Filename, contentType, data); err != nil {
		respondError(c, http.StatusUnsupportedMediaType, CodeUnsupportedFormat, "unsupported format: upload a PDF or plain-text invoice")
		return
	}

	now := time.Now().UnixNano()
	job := &model.Job{
		JobID:          uuid.New().String(),
		IdempotencyKey: sql.NullString{String: key, Valid: key != ""},
		Filename:       filepath.Base(fh.Filename),
		ContentType:    contentType,
		Mode:           string(mode),
		Language:       language,
		Status:         string(invoice.StatusPending),
		Document:       data,
		MaxRetries:     h.cfg.MaxRetries,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := h.storage.CreateJob(ctx, job); err != nil {
		// A concurrent request with the same key may have won the insert.
		if key != "" {
			if existing, getErr := h.storage.GetJobByIdempotencyKey(ctx, key); getErr == nil {
				c.JSON(http.StatusAccepted, dto.SubmitResponse{JobID: existing.JobID, Status: invoice.Status(existing.Status)})
				return
			}
		}
		h.logger.Error("Failed to create job", slog.Any("error", err))
		respondInternal(c, err)
		return
	}

	if err := h.publisher.Publish(ctx, broker.JobMessage{JobID: job.JobID}); err != nil {
		h.logger.Error("Failed to publish job",
			slog.String("job_id", job.JobID),
			slog.Any("error", err),
		)
		if markErr := h.storage.MarkFailed(context.WithoutCancel(ctx), job.JobID, "job could not be queued"); markErr != nil {
			h.logger.Error("Failed to mark unqueued job failed",
				slog.String("job_id", job.JobID),
				slog.Any("error", markErr),
			)
		}
		respondError(c, http.StatusServiceUnavailable, CodeQueueUnavailable, "processing queue is unavailable, try again later")
		return
	}

	h.logger.Info("Job accepted",
		slog.String("job_id", job.JobID),
		slog.String("filename", job.Filename),
		slog.String("mode", job.Mode),
		slog.Int("size", len(data)),
	)

	c.JSON(http.StatusAccepted, dto.SubmitResponse{
		JobID:   job.JobID,
		Status:  invoice.StatusPending,
		Message: "document accepted for processing",
	})
}

func (h *InvoiceHandler) tooLargeMessage() string {
	return fmt.Sprintf("file exceeds the %d MB limit", h.cfg.MaxUploadBytes>>20)
}

// loadJob fetches the job named by the :jobId parameter, writing the error response itself.
func (h *InvoiceHandler) loadJob(c *gin.Context) (*model.Job, bool) {
	jobID := c.Param("jobId")
	job, err := h.storage.GetJobByID(c.Request.Context(), jobID)
	if err != nil {
		if errors.Is(err, storage.ErrJobNotFound) {
			respondError(c, http.StatusNotFound, CodeJobNotFound, fmt.Sprintf("job %s not found", jobID))
			return nil, false
		}
		h.logger.Error("Failed to get job", slog.String("job_id", jobID), slog.Any("error", err))
		respondInternal(c, err)
		return nil, false
	}
	return job, true
}

// requireComplete writes a 409 unless the job finished successfully.
func requireComplete(c *gin.Context, job *model.Job) bool {
	switch invoice.Status(job.Status) {
	case invoice.StatusComplete:
		return true
	case invoice.StatusFailed:
		respondError(c, http.StatusConflict, CodeJobFailed, "job failed: "+job.ErrorMessage)
	default:
		respondError(c, http.StatusConflict, CodeJobNotComplete, "job is "+job.Status)
	}
	return false
}

// Status handles GET /invoice/status/:jobId
func (h *InvoiceHandler) Status(c *gin.Context) {
	job, ok := h.loadJob(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, dto.ToStatus(job))
}

// Results handles GET /invoice/results/:jobId
func (h *InvoiceHandler) Results(c *gin.Context) {
	job, ok := h.loadJob(c)
	if !ok || !requireComplete(c, job) {
		return
	}

	payload, err := dto.ToResult(job, h.cfg.BasePath+"/invoice/download/"+job.JobID)
	if err != nil {
		h.logger.Error("Failed to build results", slog.String("job_id", job.JobID), slog.Any("error", err))
		respondInternal(c, err)
		return
	}
	c.JSON(http.StatusOK, payload)
}

// Download handles GET /invoice/download/:jobId
func (h *InvoiceHandler) Download(c *gin.Context) {
	job, ok := h.loadJob(c)
	if !ok || !requireComplete(c, job) {
		return
	}
	if !job.HasSpreadsheet {
		respondError(c, http.StatusConflict, CodeNoSpreadsheet, "job produced no spreadsheet")
		return
	}

	data, err := h.storage.GetSpreadsheet(c.Request.Context(), job.JobID)
	if err != nil {
		h.logger.Error("Failed to load spreadsheet", slog.String("job_id", job.JobID), slog.Any("error", err))
		respondInternal(c, err)
		return
	}

	c.Header("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{
		"filename": downloadName(job.Filename),
	}))
	c.Data(http.StatusOK, spreadsheet.ContentType, data)
}

// downloadName turns "invoice.pdf" into "invoice_extracted.xlsx".
func downloadName(filename string) string {
	base := strings.TrimSuffix(filename, filepath.Ext(filename))
	if base == "" {
		base = "invoice"
	}
	return base + "_extracted.xlsx"
}

// History handles GET /invoice/history
// The body is a plain array, newest first; X-Next-Cursor carries the next page.
func (h *InvoiceHandler) History(c *gin.Context) {
	var req dto.HistoryRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		respondError(c, http.StatusBadRequest, CodeInvalidCursor, "invalid query parameters")
		return
	}
	if req.Limit <= 0 || req.Limit > h.cfg.HistoryLimit {
		req.Limit = h.cfg.HistoryLimit
	}

	cursor, err := DecodeJobCursor(req.Cursor)
	if err != nil {
		respondError(c, http.StatusBadRequest, CodeInvalidCursor, "invalid cursor")
		return
	}

	jobs, err := h.storage.ListJobs(c.Request.Context(), storage.JobFilter{
		Status:   req.Status,
		PageSize: req.Limit,
		Cursor:   cursor,
	})
	if err != nil {
		h.logger.Error("Failed to list jobs", slog.Any("error", err))
		respondInternal(c, err)
		return
	}

	if len(jobs) > req.Limit {
		jobs = jobs[:req.Limit]
		last := jobs[len(jobs)-1]
		c.Header("X-Next-Cursor", EncodeJobCursor(&storage.JobCursor{CreatedAt: last.Created(), JobID: last.JobID}))
	}

	entries := make([]invoice.HistoryEntry, len(jobs))
	for i := range jobs {
		entries[i] = dto.ToHistory(&jobs[i])
	}
	c.JSON(http.StatusOK, entries)
}

// Health handles GET /invoice/health
func (h *InvoiceHandler) Health(c *gin.Context) {
	if err := h.storage.HealthCheck(c.Request.Context()); err != nil {
		h.logger.Warn("Health check failed", slog.Any("error", err))
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":   "unhealthy",
			"service":  h.cfg.ServiceName,
			"database": "down",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":   "healthy",
		"service":  h.cfg.ServiceName,
		"version":  h.cfg.Version,
		"database": "up",
	})
}

// Info handles GET /invoice
func (h *InvoiceHandler) Info(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"service": h.cfg.ServiceName,
		"version": h.cfg.Version,
		"endpoints": gin.H{
			"POST /invoice/process-to-excel": "upload a document, extract invoice fields and build a spreadsheet",
			"POST /invoice/ocr-only":         "upload a document and extract its text",
			"GET /invoice/status/{jobId}":    "job status and progress",
			"GET /invoice/results/{jobId}":   "result of a completed job",
			"GET /invoice/download/{jobId}":  "spreadsheet of a completed excel job",
			"GET /invoice/history":           "recent jobs, newest first",
			"GET /invoice/health":            "service health",
		},
		"limits": gin.H{
			"maxUploadBytes": h.cfg.MaxUploadBytes,
			"formats":        []string{"application/pdf", "text/plain"},
		},
	})
}
