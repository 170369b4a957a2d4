package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/cuongbtq/invoice-assist/internal/invoice"
	"github.com/google/uuid"
)

const (
	defaultTimeout  = 30 * time.Second
	defaultLanguage = "eng"
	maxErrorBody    = 64 << 10

	// IdempotencyHeader deduplicates repeated submissions of one upload.
	IdempotencyHeader = "X-Idempotency-Key"
)

// Config holds transport client configuration
type Config struct {
	BaseURL    string // e.g. http://localhost:8080/api
	Timeout    time.Duration
	UserAgent  string
	Language   string // OCR language sent with submissions
	HTTPClient *http.Client
}

// Client issues the backend requests. It keeps no state between calls and never retries.
type Client struct {
	baseURL   string
	userAgent string
	language  string
	http      *http.Client
	logger    *slog.Logger
}

// NewClient creates a new transport client
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	language := cfg.Language
	if language == "" {
		language = defaultLanguage
	}

	return &Client{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		userAgent: cfg.UserAgent,
		language:  language,
		http:      httpClient,
		logger:    logger,
	}
}

// Submit uploads a document and returns the job id assigned by the backend.
func (c *Client) Submit(ctx context.Context, upload invoice.Upload, mode invoice.Mode) (string, error) {
	if len(upload.Data) == 0 {
		return "", &invoice.ValidationError{Message: "file is empty"}
	}

	body, contentType, err := c.multipartBody(upload)
	if err != nil {
		return "", fmt.Errorf("failed to build upload body: %w", err)
	}

	var headers map[string]string
	if upload.IdempotencyKey != "" {
		headers = map[string]string{IdempotencyHeader: upload.IdempotencyKey}
	}

	resp, err := c.do(ctx, "submit", http.MethodPost, mode.SubmitPath(), body, contentType, headers)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusAccepted:
	case http.StatusBadRequest, http.StatusRequestEntityTooLarge, http.StatusUnsupportedMediaType, http.StatusUnprocessableEntity:
		return "", &invoice.ValidationError{Message: readErrorMessage(resp)}
	default:
		return "", unexpectedStatus("submit", resp)
	}

	var out invoice.SubmitResponse
	if err := decodeJSON(resp, &out); err != nil {
		return "", &invoice.TransportError{Op: "submit", Err: err}
	}
	if out.JobID == "" {
		return "", &invoice.TransportError{Op: "submit", Err: errors.New("response carried no job id")}
	}

	return out.JobID, nil
}

// Status reads the current status of a job.
func (c *Client) Status(ctx context.Context, jobID string) (*invoice.StatusSnapshot, error) {
	resp, err := c.do(ctx, "status", http.MethodGet, "/invoice/status/"+url.PathEscape(jobID), nil, "", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, &invoice.NotFoundError{JobID: jobID}
	default:
		return nil, unexpectedStatus("status", resp)
	}

	var snap invoice.StatusSnapshot
	if err := decodeJSON(resp, &snap); err != nil {
		return nil, &invoice.TransportError{Op: "status", Err: err}
	}
	if !snap.Status.Valid() {
		return nil, &invoice.TransportError{Op: "status", Err: fmt.Errorf("unknown job status %q", snap.Status)}
	}
	if snap.JobID == "" {
		snap.JobID = jobID
	}
	snap.ReceivedAt = time.Now()

	return &snap, nil
}

// Results fetches the finalized output of a completed job.
func (c *Client) Results(ctx context.Context, jobID string) (*invoice.ResultPayload, error) {
	resp, err := c.do(ctx, "results", http.MethodGet, "/invoice/results/"+url.PathEscape(jobID), nil, "", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, &invoice.NotFoundError{JobID: jobID}
	case http.StatusConflict:
		return nil, &invoice.PreconditionError{Op: "results", State: readErrorMessage(resp)}
	default:
		return nil, unexpectedStatus("results", resp)
	}

	var payload invoice.ResultPayload
	if err := decodeJSON(resp, &payload); err != nil {
		return nil, &invoice.TransportError{Op: "results", Err: err}
	}
	if payload.JobID == "" {
		payload.JobID = jobID
	}

	return &payload, nil
}

// History lists past jobs, most recent first.
func (c *Client) History(ctx context.Context) ([]invoice.HistoryEntry, error) {
	resp, err := c.do(ctx, "history", http.MethodGet, "/invoice/history", nil, "", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, unexpectedStatus("history", resp)
	}

	var entries []invoice.HistoryEntry
	if err := decodeJSON(resp, &entries); err != nil {
		return nil, &invoice.TransportError{Op: "history", Err: err}
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].CreatedAt.After(entries[j].CreatedAt)
	})

	return entries, nil
}

// Download opens the generated spreadsheet of a job. The caller closes the reader.
func (c *Client) Download(ctx context.Context, jobID string) (io.ReadCloser, string, error) {
	resp, err := c.do(ctx, "download", http.MethodGet, "/invoice/download/"+url.PathEscape(jobID), nil, "", nil)
	if err != nil {
		return nil, "", err
	}

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		resp.Body.Close()
		return nil, "", &invoice.NotFoundError{JobID: jobID}
	case http.StatusConflict:
		msg := readErrorMessage(resp)
		resp.Body.Close()
		return nil, "", &invoice.PreconditionError{Op: "download", State: msg}
	default:
		err := unexpectedStatus("download", resp)
		resp.Body.Close()
		return nil, "", err
	}

	filename := jobID + ".xlsx"
	if _, params, err := mime.ParseMediaType(resp.Header.Get("Content-Disposition")); err == nil && params["filename"] != "" {
		filename = params["filename"]
	}

	return resp.Body, filename, nil
}

// Health checks that the backend answers.
func (c *Client) Health(ctx context.Context) error {
	resp, err := c.do(ctx, "health", http.MethodGet, "/invoice/health", nil, "", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return unexpectedStatus("health", resp)
	}
	return nil
}

// do sends one request and classifies network failures. Status codes are left to the caller.
func (c *Client) do(ctx context.Context, op, method, path string, body io.Reader, contentType string, headers map[string]string) (*http.Response, error) {
	reqID := uuid.New().String()
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to build request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", reqID)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("%s canceled: %w", op, ctxErr)
		}
		c.logger.Warn("Backend request failed",
			slog.String("req_id", reqID),
			slog.String("op", op),
			slog.String("path", path),
			slog.Any("error", err),
		)
		return nil, &invoice.TransportError{Op: op, Err: err}
	}

	c.logger.Debug("Backend request",
		slog.String("req_id", reqID),
		slog.String("op", op),
		slog.String("method", method),
		slog.String("path", path),
		slog.Int("status", resp.StatusCode),
		slog.Duration("latency", time.Since(start)),
	)

	return resp, nil
}

func (c *Client) multipartBody(upload invoice.Upload) (io.Reader, string, error) {
	buf := &bytes.Buffer{}
	writer := multipart.NewWriter(buf)

	filename := upload.Filename
	if filename == "" {
		filename = "document"
	}

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, escapeQuotes(filename)))
	if upload.ContentType != "" {
		header.Set("Content-Type", upload.ContentType)
	} else {
		header.Set("Content-Type", "application/octet-stream")
	}

	part, err := writer.CreatePart(header)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(upload.Data); err != nil {
		return nil, "", err
	}
	if err := writer.WriteField("language", c.language); err != nil {
		return nil, "", err
	}
	if err := writer.Close(); err != nil {
		return nil, "", err
	}

	return buf, writer.FormDataContentType(), nil
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func escapeQuotes(s string) string {
	return quoteEscaper.Replace(s)
}

func decodeJSON(resp *http.Response, out any) error {
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response body: %w", err)
	}
	return nil
}

// readErrorMessage extracts the "error" field of a backend error body, falling back
// to the raw body or the status text.
func readErrorMessage(resp *http.Response) string {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	var body invoice.ErrorResponse
	if err := json.Unmarshal(raw, &body); err == nil && body.Error != "" {
		return body.Error
	}
	if msg := strings.TrimSpace(string(raw)); msg != "" {
		return msg
	}
	return http.StatusText(resp.StatusCode)
}

func unexpectedStatus(op string, resp *http.Response) error {
	return &invoice.TransportError{
		Op:         op,
		StatusCode: resp.StatusCode,
		Err:        errors.New(readErrorMessage(resp)),
	}
}
