package web

import (
	"embed"
	"errors"
	"html/template"
	"strings"
	"time"

	"github.com/cuongbtq/invoice-assist/internal/client/coordinator"
	"github.com/cuongbtq/invoice-assist/internal/invoice"
)

//go:embed templates/*.html
var templateFS embed.FS

var templateFuncs = template.FuncMap{
	"formatTime": func(t time.Time) string {
		if t.IsZero() {
			return ""
		}
		return t.Local().Format("2006-01-02 15:04")
	},
	"modeLabel": func(m invoice.Mode) string {
		if m == invoice.ModeOCR {
			return "OCR only"
		}
		return "Invoice to Excel"
	},
	"statusClass": func(s invoice.Status) string {
		return "status-" + strings.ToLower(string(s))
	},
}

func loadTemplates() *template.Template {
	return template.Must(template.New("").Funcs(templateFuncs).ParseFS(templateFS, "templates/*.html"))
}

// processingView is what the Processing screen and the event stream render.
type processingView struct {
	JobID    string `json:"jobId"`
	Filename string `json:"filename,omitempty"`
	State    string `json:"state"`
	Progress *int   `json:"progress,omitempty"`
	Message  string `json:"message,omitempty"`
	Redirect string `json:"redirect,omitempty"`
}

func newProcessingView(snap coordinator.Snapshot) processingView {
	view := processingView{
		JobID: snap.JobID(),
		State: snap.State.String(),
	}
	if snap.Job != nil {
		view.Filename = snap.Job.Filename
	}
	if p, ok := snap.Progress(); ok {
		view.Progress = &p
	}

	switch snap.State {
	case coordinator.StateFailed:
		view.Message = userMessage(snap.Err)
	case coordinator.StateSucceeded:
		view.Redirect = resultsPath(view.JobID)
	case coordinator.StatePolling:
		view.Message = "Processing your document..."
		if snap.Status != nil && snap.Status.Status == invoice.StatusPending {
			view.Message = "Waiting in the queue..."
		}
	}

	return view
}

// userMessage turns a coordinator or transport error into text for the page.
// Views never show raw errors.
func userMessage(err error) string {
	if err == nil {
		return ""
	}

	var validationErr *invoice.ValidationError
	var processingErr *invoice.ProcessingError
	var preconditionErr *invoice.PreconditionError

	switch {
	case errors.As(err, &validationErr):
		return "The file was rejected: " + validationErr.Message
	case errors.As(err, &processingErr):
		if processingErr.Detail == "" {
			return "Processing failed on the server."
		}
		return "Processing failed: " + processingErr.Detail
	case invoice.IsNotFound(err):
		return "This job is no longer known to the server. It may have expired."
	case errors.Is(err, coordinator.ErrPollTimeout):
		return "Processing is taking too long. Please try again."
	case errors.Is(err, coordinator.ErrConnectivity):
		return "Lost connection to the processing service."
	case invoice.IsRetryable(err):
		return "The processing service is unavailable. Please try again later."
	case errors.As(err, &preconditionErr):
		return "Results are not ready yet."
	default:
		return "Something went wrong. Please start over."
	}
}
