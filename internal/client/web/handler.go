package web

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cuongbtq/invoice-assist/internal/client/coordinator"
	"github.com/cuongbtq/invoice-assist/internal/invoice"
	"github.com/gin-gonic/gin"
)

// Backend is what the views need from the transport client beyond the
// coordinator's own operations.
type Backend interface {
	coordinator.Transport
	History(ctx context.Context) ([]invoice.HistoryEntry, error)
	Download(ctx context.Context, jobID string) (io.ReadCloser, string, error)
	Health(ctx context.Context) error
}

// Config holds view settings
type Config struct {
	ServiceName     string
	MaxUploadBytes  int64
	RefreshInterval time.Duration
	HistoryLimit    int
	SessionTTL      time.Duration
	SecureCookies   bool
}

func (c Config) withDefaults() Config {
	if c.ServiceName == "" {
		c.ServiceName = "invoice-assist-web"
	}
	if c.MaxUploadBytes <= 0 {
		c.MaxUploadBytes = 20 << 20
	}
	if c.RefreshInterval <= 0 {
		c.RefreshInterval = 2 * time.Second
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = 5
	}
	if c.SessionTTL <= 0 {
		c.SessionTTL = 30 * time.Minute
	}
	return c
}

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger   *slog.Logger
	Backend  Backend
	Sessions *SessionRegistry
	Config   Config
}

// Handler serves the upload, processing and results screens.
type Handler struct {
	logger  *slog.Logger
	backend Backend
	cfg     Config
}

func NewHandler(deps *Dependencies) *Handler {
	return &Handler{
		logger:  deps.Logger,
		backend: deps.Backend,
		cfg:     deps.Config.withDefaults(),
	}
}

func processingPath(jobID string) string {
	return "/processing?jobId=" + url.QueryEscape(jobID)
}

func resultsPath(jobID string) string {
	return "/results?jobId=" + url.QueryEscape(jobID)
}

// Home handles GET /
func (h *Handler) Home(c *gin.Context) {
	h.renderHome(c, http.StatusOK, "")
}

func (h *Handler) renderHome(c *gin.Context, status int, errMsg string) {
	snap := sessionFrom(c).Coordinator.Snapshot()

	var active *processingView
	if snap.State == coordinator.StateSubmitting || snap.State == coordinator.StatePolling {
		view := newProcessingView(snap)
		active = &view
	}

	recent, err := h.backend.History(c.Request.Context())
	if err != nil {
		h.logger.Warn("Failed to load history", slog.Any("error", err))
	}
	if len(recent) > h.cfg.HistoryLimit {
		recent = recent[:h.cfg.HistoryLimit]
	}

	c.HTML(status, "home.html", gin.H{
		"Title":  "Upload invoice",
		"Error":  errMsg,
		"Active": active,
		"Recent": recent,
		"MaxMB":  h.cfg.MaxUploadBytes >> 20,
	})
}

// Upload handles POST /upload
func (h *Handler) Upload(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.cfg.MaxUploadBytes+(1<<20))

	mode, err := invoice.ParseMode(c.PostForm("mode"))
	if err != nil {
		h.renderHome(c, http.StatusUnprocessableEntity, userMessage(&invoice.ValidationError{Message: err.Error()}))
		return
	}

	upload, err := h.readUpload(c)
	if err != nil {
		h.renderHome(c, http.StatusUnprocessableEntity, userMessage(err))
		return
	}

	coord := sessionFrom(c).Coordinator
	job, err := coord.Submit(c.Request.Context(), upload, mode)
	if err != nil {
		h.logger.Warn("Upload failed",
			slog.String("filename", upload.Filename),
			slog.Any("error", err),
		)

		status := http.StatusBadGateway
		if invoice.IsValidation(err) {
			status = http.StatusUnprocessableEntity
		}
		h.renderHome(c, status, userMessage(err))
		return
	}

	c.Redirect(http.StatusSeeOther, processingPath(job.ID))
}

func (h *Handler) readUpload(c *gin.Context) (invoice.Upload, error) {
	fh, err := c.FormFile("file")
	if err != nil {
		return invoice.Upload{}, &invoice.ValidationError{Message: "choose a file to upload"}
	}
	if fh.Size > h.cfg.MaxUploadBytes {
		return invoice.Upload{}, &invoice.ValidationError{Message: fmt.Sprintf("file is larger than %d MB", h.cfg.MaxUploadBytes>>20)}
	}

	f, err := fh.Open()
	if err != nil {
		return invoice.Upload{}, fmt.Errorf("failed to open upload: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return invoice.Upload{}, fmt.Errorf("failed to read upload: %w", err)
	}
	if len(data) == 0 {
		return invoice.Upload{}, &invoice.ValidationError{Message: "file is empty"}
	}

	return invoice.Upload{
		Filename:    fh.Filename,
		ContentType: fh.Header.Get("Content-Type"),
		Data:        data,
	}, nil
}

// Processing handles GET /processing?jobId=
func (h *Handler) Processing(c *gin.Context) {
	jobID := c.Query("jobId")
	if jobID == "" {
		c.Redirect(http.StatusSeeOther, "/")
		return
	}

	coord := sessionFrom(c).Coordinator
	if coord.Snapshot().JobID() != jobID {
		if err := coord.Attach(jobID); err != nil {
			h.logger.Error("Failed to attach job", slog.String("job_id", jobID), slog.Any("error", err))
			c.HTML(http.StatusInternalServerError, "processing.html", gin.H{
				"Title": "Processing",
				"View":  processingView{JobID: jobID, State: coordinator.StateFailed.String(), Message: userMessage(err)},
			})
			return
		}
	}

	snap := coord.Snapshot()
	if snap.State == coordinator.StateSucceeded {
		c.Redirect(http.StatusSeeOther, resultsPath(jobID))
		return
	}

	refresh := 0
	if !snap.State.Terminal() {
		refresh = int(h.cfg.RefreshInterval.Seconds())
		if refresh < 1 {
			refresh = 1
		}
	}

	c.HTML(http.StatusOK, "processing.html", gin.H{
		"Title":   "Processing",
		"View":    newProcessingView(snap),
		"Refresh": refresh,
		"Failed":  snap.State == coordinator.StateFailed,
	})
}

// Events handles GET /processing/events?jobId= as a server-sent event stream.
// The stream ends once the job is terminal or the session moves to another job.
func (h *Handler) Events(c *gin.Context) {
	jobID := c.Query("jobId")
	if jobID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "jobId is required"})
		return
	}

	coord := sessionFrom(c).Coordinator
	updates := newLatestSnapshot()
	unsubscribe := coord.Subscribe(updates.Put)
	defer unsubscribe()

	updates.Put(coord.Snapshot())
	ctx := c.Request.Context()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case <-updates.Ready():
			snap := updates.Take()
			if snap.JobID() != jobID {
				c.SSEvent("reset", gin.H{"redirect": "/"})
				return false
			}
			c.SSEvent("state", newProcessingView(snap))
			return !snap.State.Terminal()
		}
	})
}

// Cancel handles POST /processing/cancel. It only forgets the job locally;
// the server keeps working on it.
func (h *Handler) Cancel(c *gin.Context) {
	sessionFrom(c).Coordinator.Reset()
	c.Redirect(http.StatusSeeOther, "/")
}

// Results handles GET /results?jobId=
func (h *Handler) Results(c *gin.Context) {
	jobID := c.Query("jobId")
	if jobID == "" {
		c.Redirect(http.StatusSeeOther, "/")
		return
	}

	coord := sessionFrom(c).Coordinator
	snap := coord.Snapshot()
	if snap.JobID() != jobID || !snap.State.Terminal() {
		// Not known to be finished yet: let the processing screen drive it.
		c.Redirect(http.StatusSeeOther, processingPath(jobID))
		return
	}

	payload, err := coord.Results(c.Request.Context())
	if err != nil {
		status := http.StatusBadGateway
		var pre *invoice.PreconditionError
		switch {
		case errors.As(err, &pre):
			status = http.StatusConflict
		case invoice.IsNotFound(err):
			status = http.StatusNotFound
		}
		if snap.State == coordinator.StateFailed {
			err = snap.Err
			status = http.StatusOK
		}

		h.logger.Warn("Failed to load results", slog.String("job_id", jobID), slog.Any("error", err))
		c.HTML(status, "results.html", gin.H{
			"Title": "Results",
			"JobID": jobID,
			"Error": userMessage(err),
		})
		return
	}

	c.HTML(http.StatusOK, "results.html", gin.H{
		"Title":  "Results",
		"JobID":  jobID,
		"Result": payload,
	})
}

// Download handles GET /results/download?jobId=
func (h *Handler) Download(c *gin.Context) {
	jobID := c.Query("jobId")
	if jobID == "" {
		c.Redirect(http.StatusSeeOther, "/")
		return
	}

	body, filename, err := h.backend.Download(c.Request.Context(), jobID)
	if err != nil {
		h.logger.Warn("Failed to download spreadsheet", slog.String("job_id", jobID), slog.Any("error", err))

		status := http.StatusBadGateway
		var pre *invoice.PreconditionError
		switch {
		case errors.As(err, &pre):
			status = http.StatusConflict
		case invoice.IsNotFound(err):
			status = http.StatusNotFound
		}
		c.HTML(status, "results.html", gin.H{
			"Title": "Results",
			"JobID": jobID,
			"Error": userMessage(err),
		})
		return
	}
	defer body.Close()

	c.DataFromReader(http.StatusOK, -1,
		"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
		body,
		map[string]string{"Content-Disposition": fmt.Sprintf(`attachment; filename="%s"`, filename)},
	)
}

// History handles GET /history
func (h *Handler) History(c *gin.Context) {
	entries, err := h.backend.History(c.Request.Context())
	if err != nil {
		h.logger.Warn("Failed to load history", slog.Any("error", err))
		c.HTML(http.StatusBadGateway, "history.html", gin.H{
			"Title": "History",
			"Error": userMessage(err),
		})
		return
	}

	c.HTML(http.StatusOK, "history.html", gin.H{
		"Title":   "History",
		"Entries": entries,
	})
}

// Health handles GET /health
func (h *Handler) Health(c *gin.Context) {
	backend := "healthy"
	if err := h.backend.Health(c.Request.Context()); err != nil {
		backend = "unavailable"
	}

	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"service": h.cfg.ServiceName,
		"backend": backend,
	})
}

// NotFound renders the fallback view for unknown paths.
func (h *Handler) NotFound(c *gin.Context) {
	c.HTML(http.StatusNotFound, "notfound.html", gin.H{
		"Title": "Page not found",
		"Path":  c.Request.URL.Path,
	})
}

// latestSnapshot holds only the newest snapshot for a slow reader. Older ones
// are replaced, so a terminal snapshot is never lost behind stale updates.
type latestSnapshot struct {
	mu    sync.Mutex
	snap  coordinator.Snapshot
	ready chan struct{}
}

func newLatestSnapshot() *latestSnapshot {
	return &latestSnapshot{ready: make(chan struct{}, 1)}
}

// Put stores snap unless a newer snapshot is already held.
func (l *latestSnapshot) Put(snap coordinator.Snapshot) {
	l.mu.Lock()
	if snap.Seq < l.snap.Seq {
		l.mu.Unlock()
		return
	}
	l.snap = snap
	l.mu.Unlock()

	select {
	case l.ready <- struct{}{}:
	default:
	}
}

func (l *latestSnapshot) Ready() <-chan struct{} {
	return l.ready
}

func (l *latestSnapshot) Take() coordinator.Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.snap
}
