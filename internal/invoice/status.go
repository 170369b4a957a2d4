package invoice

import "fmt"

// Status is the job status reported by the backend on GET /invoice/status/{jobId}.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusComplete   Status = "complete"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further server-side transition is expected.
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusFailed
}

// Valid reports whether s is one of the known wire values.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusComplete, StatusFailed:
		return true
	}
	return false
}

// Mode selects the backend pipeline for a submission.
type Mode string

const (
	// ModeExcel runs the full pipeline: document -> extracted fields -> spreadsheet.
	ModeExcel Mode = "excel"
	// ModeOCR only extracts the raw text.
	ModeOCR Mode = "ocr"
)

// ParseMode converts a form or config value into a Mode.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeExcel, "":
		return ModeExcel, nil
	case ModeOCR:
		return ModeOCR, nil
	}
	return "", fmt.Errorf("unknown processing mode %q", s)
}

// SubmitPath returns the backend path used to submit a document in this mode.
func (m Mode) SubmitPath() string {
	if m == ModeOCR {
		return "/invoice/ocr-only"
	}
	return "/invoice/process-to-excel"
}
