package web

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cuongbtq/invoice-assist/internal/client/coordinator"
	"github.com/google/uuid"
)

// Session is one browser session and the coordinator that tracks its job.
type Session struct {
	ID          string
	Coordinator *coordinator.Coordinator

	lastSeen time.Time
}

// SessionRegistry creates a coordinator per browser session and closes the ones
// that have been idle longer than the TTL.
type SessionRegistry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	factory  func() *coordinator.Coordinator
	ttl      time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

func NewSessionRegistry(factory func() *coordinator.Coordinator, ttl time.Duration, logger *slog.Logger) *SessionRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}

	return &SessionRegistry{
		sessions: make(map[string]*Session),
		factory:  factory,
		ttl:      ttl,
		logger:   logger,
		now:      time.Now,
	}
}

// GetOrCreate returns the session for id, creating a fresh one when id is
// empty or unknown.
func (r *SessionRegistry) GetOrCreate(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if sess, ok := r.sessions[id]; ok && id != "" {
		sess.lastSeen = r.now()
		return sess, false
	}

	sess := &Session{
		ID:          uuid.New().String(),
		Coordinator: r.factory(),
		lastSeen:    r.now(),
	}
	r.sessions[sess.ID] = sess

	r.logger.Debug("Session created", slog.String("session_id", sess.ID))
	return sess, true
}

// Get returns an existing session without creating one.
func (r *SessionRegistry) Get(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[id]
	return sess, ok
}

func (r *SessionRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Sweep closes sessions idle for longer than the TTL and returns how many it removed.
func (r *SessionRegistry) Sweep() int {
	r.mu.Lock()
	cutoff := r.now().Add(-r.ttl)
	var expired []*Session
	for id, sess := range r.sessions {
		if sess.lastSeen.Before(cutoff) {
			expired = append(expired, sess)
			delete(r.sessions, id)
		}
	}
	r.mu.Unlock()

	for _, sess := range expired {
		sess.Coordinator.Close()
	}
	if len(expired) > 0 {
		r.logger.Info("Expired idle sessions", slog.Int("count", len(expired)))
	}

	return len(expired)
}

// Run sweeps on every interval until ctx is done.
func (r *SessionRegistry) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep()
		}
	}
}

// Close tears down every session.
func (r *SessionRegistry) Close() {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	for _, sess := range sessions {
		sess.Coordinator.Close()
	}
}
