package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cuongbtq/invoice-assist/internal/invoice"
	"github.com/google/uuid"
)

var (
	ErrPollTimeout  = errors.New("polling timed out")
	ErrConnectivity = errors.New("lost connection to the processing service")
	ErrClosed       = errors.New("coordinator closed")
	ErrStale        = errors.New("job superseded")
)

// Transport is the subset of the backend client the coordinator drives.
type Transport interface {
	Submit(ctx context.Context, upload invoice.Upload, mode invoice.Mode) (string, error)
	Status(ctx context.Context, jobID string) (*invoice.StatusSnapshot, error)
	Results(ctx context.Context, jobID string) (*invoice.ResultPayload, error)
}

// Config bounds the polling and submit retry policy.
type Config struct {
	PollInterval           time.Duration
	MaxConsecutiveFailures int
	PollTimeout            time.Duration
	SubmitRetries          int
	SubmitBackoff          time.Duration
	BackoffMultiplier      float64
}

// DefaultConfig returns the default policy.
func DefaultConfig() Config {
	return Config{
		PollInterval:           2 * time.Second,
		MaxConsecutiveFailures: 5,
		PollTimeout:            10 * time.Minute,
		SubmitRetries:          3,
		SubmitBackoff:          500 * time.Millisecond,
		BackoffMultiplier:      2.0,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.PollInterval <= 0 {
		c.PollInterval = def.PollInterval
	}
	if c.MaxConsecutiveFailures <= 0 {
		c.MaxConsecutiveFailures = def.MaxConsecutiveFailures
	}
	if c.PollTimeout < 0 {
		c.PollTimeout = 0
	}
	switch {
	case c.SubmitRetries == 0:
		c.SubmitRetries = def.SubmitRetries
	case c.SubmitRetries < 0:
		c.SubmitRetries = 0
	}
	if c.SubmitBackoff <= 0 {
		c.SubmitBackoff = def.SubmitBackoff
	}
	if c.BackoffMultiplier < 1 {
		c.BackoffMultiplier = def.BackoffMultiplier
	}
	return c
}

type Option func(*Coordinator)

// WithConfig overrides the policy. Zero fields keep their defaults, except
// PollTimeout where zero disables the wall-clock bound. A negative
// SubmitRetries disables submit retries.
func WithConfig(cfg Config) Option {
	return func(c *Coordinator) {
		c.cfg = cfg.withDefaults()
	}
}

func WithClock(clock Clock) Option {
	return func(c *Coordinator) {
		if clock != nil {
			c.clock = clock
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// Coordinator owns the lifecycle of a single job: submission, polling, terminal
// detection and the one-time results fetch. All state changes happen under mu,
// which is never held across a transport call.
type Coordinator struct {
	transport Transport
	cfg       Config
	clock     Clock
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	epoch       uint64
	seq         uint64
	state       State
	job         *Job
	status      *invoice.StatusSnapshot
	result      *invoice.ResultPayload
	err         error
	failures    int
	attempts    int
	pollStarted time.Time
	inFlight    bool
	abort       context.CancelFunc
	timer       Timer
	closed      bool

	lmu          sync.Mutex
	listeners    map[int]func(Snapshot)
	nextListener int

	// nmu serializes delivery so listeners see snapshots in Seq order.
	nmu       sync.Mutex
	delivered uint64
}

// New creates an idle coordinator.
func New(transport Transport, opts ...Option) *Coordinator {
	ctx, cancel := context.WithCancel(context.Background())

	c := &Coordinator{
		transport: transport,
		cfg:       DefaultConfig(),
		clock:     SystemClock(),
		logger:    slog.Default(),
		ctx:       ctx,
		cancel:    cancel,
		state:     StateIdle,
		listeners: make(map[int]func(Snapshot)),
	}
	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Submit uploads a document and starts polling the returned job. A job that is
// already being tracked is discarded first. Every attempt carries the same
// idempotency key, generated here when the upload has none.
func (c *Coordinator) Submit(ctx context.Context, upload invoice.Upload, mode invoice.Mode) (*Job, error) {
	if upload.IdempotencyKey == "" {
		upload.IdempotencyKey = uuid.NewString()
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	if c.state != StateIdle {
		c.logger.Info("Discarding current job before new submission",
			slog.String("job_id", c.jobIDLocked()),
			slog.String("state", c.state.String()),
		)
	}
	c.resetLocked()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(c.ctx, cancel)
	defer stop()

	epoch := c.epoch
	job := &Job{Filename: upload.Filename, Mode: mode, CreatedAt: c.clock.Now()}
	c.job = job
	c.state = StateSubmitting
	c.abort = cancel
	snap := c.snapshotLocked()
	c.mu.Unlock()
	c.notify(snap)

	jobID, err := c.submitWithRetry(ctx, epoch, upload, mode)

	c.mu.Lock()
	if c.epoch != epoch {
		c.mu.Unlock()
		c.logger.Debug("Discarding stale submit result", slog.String("filename", upload.Filename))
		return nil, ErrStale
	}
	c.abort = nil

	if err != nil {
		c.failLocked(err)
		snap = c.snapshotLocked()
		c.mu.Unlock()
		c.notify(snap)
		return nil, err
	}

	job.ID = jobID
	c.state = StatePolling
	c.pollStarted = c.clock.Now()
	c.armLocked(c.cfg.PollInterval)
	out := *job
	snap = c.snapshotLocked()
	c.mu.Unlock()

	c.logger.Info("Job submitted",
		slog.String("job_id", jobID),
		slog.String("filename", upload.Filename),
		slog.String("mode", string(mode)),
	)
	c.notify(snap)

	return &out, nil
}

func (c *Coordinator) submitWithRetry(ctx context.Context, epoch uint64, upload invoice.Upload, mode invoice.Mode) (string, error) {
	var lastErr error

	for attempt := 0; attempt <= c.cfg.SubmitRetries; attempt++ {
		if attempt > 0 {
			delay := backoffDelay(c.cfg.SubmitBackoff, c.cfg.BackoffMultiplier, attempt-1)
			c.logger.Warn("Submit failed, retrying",
				slog.Int("attempt", attempt),
				slog.Int("max_retries", c.cfg.SubmitRetries),
				slog.Duration("retry_after", delay),
				slog.Any("error", lastErr),
			)
			if err := c.clock.Sleep(ctx, delay); err != nil {
				return "", fmt.Errorf("submit canceled: %w", err)
			}
		}

		if !c.recordAttempt(epoch, attempt+1) {
			return "", ErrStale
		}

		jobID, err := c.transport.Submit(ctx, upload, mode)
		if err == nil {
			return jobID, nil
		}
		lastErr = err

		if !invoice.IsRetryable(err) {
			return "", err
		}
	}

	return "", fmt.Errorf("submit failed after %d attempts: %w", c.cfg.SubmitRetries+1, lastErr)
}

func (c *Coordinator) recordAttempt(epoch uint64, attempt int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.epoch != epoch {
		return false
	}
	c.attempts = attempt
	return true
}

// Tick runs one status check if the coordinator is polling and no check is in
// flight. Timer callbacks go through the same path.
func (c *Coordinator) Tick(ctx context.Context) {
	c.mu.Lock()
	epoch := c.epoch
	c.mu.Unlock()

	c.tick(ctx, epoch)
}

func (c *Coordinator) tick(parent context.Context, epoch uint64) {
	c.mu.Lock()
	if c.closed || c.epoch != epoch || c.state != StatePolling || c.inFlight {
		c.mu.Unlock()
		return
	}
	c.stopTimerLocked()

	if c.cfg.PollTimeout > 0 && c.clock.Now().Sub(c.pollStarted) >= c.cfg.PollTimeout {
		c.failLocked(fmt.Errorf("%w after %s", ErrPollTimeout, c.cfg.PollTimeout))
		snap := c.snapshotLocked()
		c.mu.Unlock()
		c.notify(snap)
		return
	}

	ctx, cancel := context.WithCancel(parent)
	stop := context.AfterFunc(c.ctx, cancel)
	c.inFlight = true
	c.abort = cancel
	jobID := c.job.ID
	c.mu.Unlock()

	status, err := c.transport.Status(ctx, jobID)
	stop()
	cancel()

	c.mu.Lock()
	if c.epoch != epoch {
		c.mu.Unlock()
		c.logger.Debug("Discarding stale status response", slog.String("job_id", jobID))
		return
	}
	c.inFlight = false
	c.abort = nil
	c.applyStatusLocked(status, err)
	snap := c.snapshotLocked()
	c.mu.Unlock()

	c.notify(snap)
}

func (c *Coordinator) applyStatusLocked(status *invoice.StatusSnapshot, err error) {
	jobID := c.job.ID

	var notFound *invoice.NotFoundError
	switch {
	case err == nil:
		c.failures = 0
		c.status = status

		switch status.Status {
		case invoice.StatusComplete:
			c.state = StateSucceeded
			c.logger.Info("Job completed", slog.String("job_id", jobID))
		case invoice.StatusFailed:
			c.failLocked(&invoice.ProcessingError{JobID: jobID, Detail: status.Error})
		default:
			c.armLocked(c.cfg.PollInterval)
		}

	case errors.As(err, &notFound):
		c.failLocked(err)

	case invoice.IsRetryable(err):
		c.failures++
		if c.failures >= c.cfg.MaxConsecutiveFailures {
			c.failLocked(fmt.Errorf("%w: %d consecutive status checks failed: %w", ErrConnectivity, c.failures, err))
			return
		}
		c.logger.Warn("Status check failed, will retry",
			slog.String("job_id", jobID),
			slog.Int("consecutive_failures", c.failures),
			slog.Int("max_failures", c.cfg.MaxConsecutiveFailures),
			slog.Any("error", err),
		)
		c.armLocked(c.cfg.PollInterval)

	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		if c.ctx.Err() == nil {
			c.armLocked(c.cfg.PollInterval)
		}

	default:
		c.failLocked(err)
	}
}

// Attach starts polling a job that was submitted elsewhere. Attaching the job
// already tracked is a no-op.
func (c *Coordinator) Attach(jobID string) error {
	if jobID == "" {
		return &invoice.ValidationError{Message: "job id is required"}
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.job != nil && c.job.ID == jobID {
		c.mu.Unlock()
		return nil
	}

	c.resetLocked()
	now := c.clock.Now()
	c.job = &Job{ID: jobID, CreatedAt: now}
	c.state = StatePolling
	c.pollStarted = now
	c.armLocked(0)
	snap := c.snapshotLocked()
	c.mu.Unlock()

	c.logger.Info("Attached to job", slog.String("job_id", jobID))
	c.notify(snap)

	return nil
}

// Reset discards the current job and returns to Idle.
func (c *Coordinator) Reset() {
	c.mu.Lock()
	if c.closed || (c.state == StateIdle && c.job == nil) {
		c.mu.Unlock()
		return
	}
	jobID := c.jobIDLocked()
	c.resetLocked()
	snap := c.snapshotLocked()
	c.mu.Unlock()

	c.logger.Info("Job reset", slog.String("job_id", jobID))
	c.notify(snap)
}

// Results returns the output of the succeeded job, fetching it on first use.
// It makes no request unless the job has succeeded.
func (c *Coordinator) Results(ctx context.Context) (*invoice.ResultPayload, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	if c.state != StateSucceeded {
		state := c.state
		c.mu.Unlock()
		return nil, &invoice.PreconditionError{Op: "results", State: state.String()}
	}
	if c.result != nil {
		result := c.result
		c.mu.Unlock()
		return result, nil
	}
	epoch := c.epoch
	jobID := c.job.ID
	c.mu.Unlock()

	payload, err := c.transport.Results(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch results for job %s: %w", jobID, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.epoch != epoch {
		return nil, ErrStale
	}
	if c.result == nil {
		c.result = payload
	}

	return c.result, nil
}

// Snapshot returns a copy of the current state.
func (c *Coordinator) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.snapshotLocked()
}

// Subscribe registers fn to receive a snapshot after every state change. Calls
// happen outside the coordinator lock, possibly from timer goroutines, one at a
// time and in Seq order. Snapshots of a discarded job are never delivered after
// a newer one. fn must not call Submit, Attach, Reset or Close.
func (c *Coordinator) Subscribe(fn func(Snapshot)) (unsubscribe func()) {
	c.lmu.Lock()
	defer c.lmu.Unlock()

	if c.listeners == nil {
		return func() {}
	}
	id := c.nextListener
	c.nextListener++
	c.listeners[id] = fn

	return func() {
		c.lmu.Lock()
		defer c.lmu.Unlock()
		delete(c.listeners, id)
	}
}

// Close stops all activity. Later calls return ErrClosed.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.resetLocked()
	c.closed = true
	c.mu.Unlock()

	c.cancel()

	c.lmu.Lock()
	c.listeners = nil
	c.lmu.Unlock()
}

func (c *Coordinator) resetLocked() {
	c.epoch++
	c.stopTimerLocked()
	if c.abort != nil {
		c.abort()
		c.abort = nil
	}

	c.state = StateIdle
	c.job = nil
	c.status = nil
	c.result = nil
	c.err = nil
	c.failures = 0
	c.attempts = 0
	c.inFlight = false
	c.pollStarted = time.Time{}
}

func (c *Coordinator) failLocked(err error) {
	c.stopTimerLocked()
	c.state = StateFailed
	c.err = err

	c.logger.Warn("Job failed",
		slog.String("job_id", c.jobIDLocked()),
		slog.Any("error", err),
	)
}

func (c *Coordinator) armLocked(d time.Duration) {
	c.stopTimerLocked()

	epoch := c.epoch
	c.timer = c.clock.AfterFunc(d, func() {
		c.tick(c.ctx, epoch)
	})
}

func (c *Coordinator) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *Coordinator) jobIDLocked() string {
	if c.job == nil {
		return ""
	}
	return c.job.ID
}

func (c *Coordinator) snapshotLocked() Snapshot {
	c.seq++
	snap := Snapshot{
		Epoch:               c.epoch,
		Seq:                 c.seq,
		State:               c.state,
		Status:              c.status,
		Err:                 c.err,
		ConsecutiveFailures: c.failures,
		SubmitAttempts:      c.attempts,
	}
	if c.job != nil {
		job := *c.job
		snap.Job = &job
	}
	return snap
}

func (c *Coordinator) notify(snap Snapshot) {
	c.nmu.Lock()
	defer c.nmu.Unlock()

	c.mu.Lock()
	current := c.epoch
	c.mu.Unlock()

	if snap.Epoch < current || snap.Seq <= c.delivered {
		c.logger.Debug("Dropping outdated snapshot",
			slog.String("state", snap.State.String()),
			slog.Uint64("epoch", snap.Epoch),
			slog.Uint64("current_epoch", current),
		)
		return
	}
	c.delivered = snap.Seq

	c.lmu.Lock()
	fns := make([]func(Snapshot), 0, len(c.listeners))
	for _, fn := range c.listeners {
		fns = append(fns, fn)
	}
	c.lmu.Unlock()

	for _, fn := range fns {
		fn(snap)
	}
}
