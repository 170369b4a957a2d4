package domain

import "github.com/cuongbtq/invoice-assist/internal/invoice"

// Job status values stored in invoice_jobs.status
const (
	JobStatusPending    = string(invoice.StatusPending)
	JobStatusProcessing = string(invoice.StatusProcessing)
	JobStatusComplete   = string(invoice.StatusComplete)
	JobStatusFailed     = string(invoice.StatusFailed)
)

// Progress checkpoints reported while a job runs.
const (
	ProgressClaimed   = 10
	ProgressExtracted = 50
	ProgressParsed    = 75
	ProgressRendered  = 90
	ProgressDone      = 100
)
