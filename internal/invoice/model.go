package invoice

import "time"

// Data holds the structured fields extracted from one invoice document.
// Amounts are kept as decimal strings so no precision is lost on the wire.
type Data struct {
	InvoiceNumber   string `json:"invoiceNumber,omitempty"`
	InvoiceDate     string `json:"invoiceDate,omitempty"` // yyyy-MM-dd
	VendorName      string `json:"vendorName,omitempty"`
	VendorVATNumber string `json:"vendorVatNumber,omitempty"`
	ClientName      string `json:"clientName,omitempty"`
	ClientVATNumber string `json:"clientVatNumber,omitempty"`
	NetAmount       string `json:"netAmount,omitempty"`
	VATAmount       string `json:"vatAmount,omitempty"`
	TotalAmount     string `json:"totalAmount,omitempty"`
	Currency        string `json:"currency,omitempty"`
	Description     string `json:"description,omitempty"`
	SourceFilename  string `json:"sourceFilename,omitempty"`
	ProcessingNotes string `json:"processingNotes,omitempty"`
}

// Upload is a document picked by the user for submission.
type Upload struct {
	Filename    string
	ContentType string
	Data        []byte

	// IdempotencyKey is sent with every attempt so the backend creates at
	// most one job per upload.
	IdempotencyKey string
}

// StatusSnapshot is one poll's read of a job's status.
type StatusSnapshot struct {
	JobID      string    `json:"jobId"`
	Status     Status    `json:"status"`
	Progress   *int      `json:"progress,omitempty"`
	Error      string    `json:"error,omitempty"`
	ReceivedAt time.Time `json:"-"`
}

// ResultPayload is the finalized output of a completed job.
type ResultPayload struct {
	JobID       string  `json:"jobId"`
	Filename    string  `json:"filename"`
	Mode        Mode    `json:"mode"`
	Invoice     *Data   `json:"invoiceData,omitempty"`
	Text        string  `json:"text,omitempty"`
	Confidence  float64 `json:"confidence"`
	DownloadURL string  `json:"downloadUrl,omitempty"`
}

// HistoryEntry summarizes a past job for listing.
type HistoryEntry struct {
	JobID     string    `json:"jobId"`
	Filename  string    `json:"filename"`
	Mode      Mode      `json:"mode"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
	Summary   string    `json:"summary,omitempty"`
}

// SubmitResponse is the body returned by both submission endpoints.
type SubmitResponse struct {
	JobID string `json:"jobId"`
}

// ErrorResponse is the error body returned by the backend.
type ErrorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
}

// Extraction is what a worker stores for a finished job.
type Extraction struct {
	Invoice    *Data   `json:"invoiceData,omitempty"`
	Text       string  `json:"text,omitempty"`
	Confidence float64 `json:"confidence"`
	Pages      int     `json:"pages"`
}
