package coordinator

import (
	"time"

	"github.com/cuongbtq/invoice-assist/internal/invoice"
)

// State is a coordinator lifecycle state.
type State string

const (
	StateIdle       State = "Idle"
	StateSubmitting State = "Submitting"
	StatePolling    State = "Polling"
	StateSucceeded  State = "Succeeded"
	StateFailed     State = "Failed"
)

// Terminal reports whether only a reset can leave the state.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed
}

func (s State) String() string {
	return string(s)
}

// Job is the single job a coordinator is tracking.
type Job struct {
	ID        string
	Filename  string
	Mode      invoice.Mode
	CreatedAt time.Time
}

// Snapshot is a copy of the coordinator's observable state.
type Snapshot struct {
	// Epoch identifies the tracked job; it grows on every reset.
	Epoch uint64
	// Seq orders snapshots of one coordinator; a larger Seq is newer.
	Seq uint64

	State               State
	Job                 *Job
	Status              *invoice.StatusSnapshot
	Err                 error
	ConsecutiveFailures int
	SubmitAttempts      int
}

// JobID returns the tracked job id, or "" when there is none yet.
func (s Snapshot) JobID() string {
	if s.Job == nil {
		return ""
	}
	return s.Job.ID
}

// Progress returns the last reported progress percentage, if any.
func (s Snapshot) Progress() (int, bool) {
	if s.Status == nil || s.Status.Progress == nil {
		return 0, false
	}
	return *s.Status.Progress, true
}
