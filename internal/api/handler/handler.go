package handler

import (
	"log/slog"
	"net/http"

	"github.com/cuongbtq/invoice-assist/internal/api/storage"
	"github.com/cuongbtq/invoice-assist/internal/broker"
	"github.com/cuongbtq/invoice-assist/internal/invoice"
	"github.com/gin-gonic/gin"
)

// Config holds API behaviour settings
type Config struct {
	ServiceName     string
	Version         string
	BasePath        string // mount point of the invoice routes, used in download links
	MaxUploadBytes  int64
	MaxRetries      int
	HistoryLimit    int
	DefaultLanguage string
}

func (c Config) withDefaults() Config {
	if c.ServiceName == "" {
		c.ServiceName = "invoice-assist-backend"
	}
	if c.BasePath == "" {
		c.BasePath = "/api"
	}
	if c.MaxUploadBytes <= 0 {
		c.MaxUploadBytes = 20 << 20
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = 50
	}
	if c.DefaultLanguage == "" {
		c.DefaultLanguage = "eng"
	}
	return c
}

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger    *slog.Logger
	Storage   *storage.Storage
	Publisher broker.Publisher
	Config    Config
}

// InvoiceHandler handles invoice job HTTP requests
type InvoiceHandler struct {
	logger    *slog.Logger
	storage   *storage.Storage
	publisher broker.Publisher
	cfg       Config
}

// NewInvoiceHandler creates a new InvoiceHandler instance
func NewInvoiceHandler(deps *Dependencies) *InvoiceHandler {
	return &InvoiceHandler{
		logger:    deps.Logger,
		storage:   deps.Storage,
		publisher: deps.Publisher,
		cfg:       deps.Config.withDefaults(),
	}
}

// Error codes carried in error bodies.
const (
	CodeFileRequired      = "FILE_REQUIRED"
	CodeEmptyFile         = "EMPTY_FILE"
	CodeFileTooLarge      = "FILE_TOO_LARGE"
	CodeUnsupportedFormat = "UNSUPPORTED_FORMAT"
	CodeInvalidLanguage   = "INVALID_LANGUAGE"
	CodeInvalidCursor     = "INVALID_CURSOR"
	CodeJobNotFound       = "JOB_NOT_FOUND"
	CodeJobNotComplete    = "JOB_NOT_COMPLETE"
	CodeJobFailed         = "JOB_FAILED"
	CodeNoSpreadsheet     = "NO_SPREADSHEET"
	CodeQueueUnavailable  = "QUEUE_UNAVAILABLE"
	CodeInternal          = "INTERNAL_ERROR"
)

func respondError(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, invoice.ErrorResponse{
		Success: false,
		Error:   message,
		Code:    code,
	})
}

func respondInternal(c *gin.Context, err error) {
	_ = c.Error(err)
	respondError(c, http.StatusInternalServerError, CodeInternal, "internal server error")
}
