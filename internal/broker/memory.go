package broker

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Memory is an in-process broker used when RabbitMQ is disabled and in tests.
// Nacked messages with requeue go back to the tail of the queue.
type Memory struct {
	logger *slog.Logger
	queue  chan Delivery
	done   chan struct{}
	tag    atomic.Uint64

	mu        sync.RWMutex
	closed    bool
	closeOnce sync.Once
}

// NewMemory creates an in-memory broker holding up to capacity unconsumed messages.
func NewMemory(capacity int, logger *slog.Logger) *Memory {
	if capacity <= 0 {
		capacity = 128
	}
	return &Memory{
		logger: logger,
		queue:  make(chan Delivery, capacity),
		done:   make(chan struct{}),
	}
}

// Publish enqueues msg, blocking while the queue is full.
func (m *Memory) Publish(ctx context.Context, msg JobMessage) error {
	body, err := msg.Encode()
	if err != nil {
		return err
	}
	return m.enqueue(ctx, body)
}

// PublishRaw enqueues an arbitrary body.
func (m *Memory) PublishRaw(ctx context.Context, body []byte) error {
	return m.enqueue(ctx, body)
}

func (m *Memory) enqueue(ctx context.Context, body []byte) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}

	tag := m.tag.Add(1)
	d := NewDelivery(body, tag,
		func() error { return nil },
		func(requeue bool) error {
			if !requeue {
				return nil
			}
			go func() {
				if err := m.enqueue(context.Background(), body); err != nil {
					m.logger.Warn("Failed to requeue message", slog.Uint64("delivery_tag", tag), slog.Any("error", err))
				}
			}()
			return nil
		},
	)

	select {
	case m.queue <- d:
		m.logger.Debug("Message queued", slog.Uint64("delivery_tag", tag), slog.Int("body_size", len(body)))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-m.done:
		return ErrClosed
	}
}

// Consume returns the shared delivery channel. Every consumer competes for messages.
func (m *Memory) Consume(ctx context.Context, consumerTag string) (<-chan Delivery, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}

	m.logger.Info("Started consuming messages", slog.String("consumer_tag", consumerTag))
	return m.queue, nil
}

// Close closes the delivery channel. Messages still queued are dropped.
func (m *Memory) Close() error {
	m.closeOnce.Do(func() {
		// Release publishers blocked on a full queue before taking the write lock.
		close(m.done)

		m.mu.Lock()
		m.closed = true
		close(m.queue)
		m.mu.Unlock()
	})
	return nil
}
