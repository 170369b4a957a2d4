package domain

// Job is the slice of an invoice_jobs row the worker needs to process it.
type Job struct {
	JobID       string `db:"job_id"`
	Filename    string `db:"filename"`
	ContentType string `db:"content_type"`
	Mode        string `db:"mode"`
	Language    string `db:"language"`
	Document    []byte `db:"document"`
	Status      string `db:"status"`
	WorkerID    string `db:"worker_id"`
	RetryCount  int    `db:"retry_count"`
	MaxRetries  int    `db:"max_retries"`
}

// JobMessage represents a job message taken off the queue
type JobMessage struct {
	JobID       string `json:"job_id"`
	DeliveryTag uint64 `json:"-"`
}
