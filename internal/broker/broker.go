// Package broker carries job messages from the API service to the worker.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrClosed is returned by a broker that has been closed.
var ErrClosed = errors.New("broker closed")

// JobMessage is the body published for every accepted upload.
type JobMessage struct {
	JobID string `json:"job_id"`
}

// Encode marshals the message body.
func (m JobMessage) Encode() ([]byte, error) {
	body, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode job message: %w", err)
	}
	return body, nil
}

// Delivery is one received message awaiting acknowledgement.
type Delivery struct {
	Body []byte
	Tag  uint64

	ack  func() error
	nack func(requeue bool) error
}

// NewDelivery builds a Delivery with the given acknowledgement callbacks.
func NewDelivery(body []byte, tag uint64, ack func() error, nack func(requeue bool) error) Delivery {
	return Delivery{Body: body, Tag: tag, ack: ack, nack: nack}
}

// Ack confirms the message was handled.
func (d Delivery) Ack() error {
	if d.ack == nil {
		return nil
	}
	return d.ack()
}

// Nack rejects the message, optionally putting it back on the queue.
func (d Delivery) Nack(requeue bool) error {
	if d.nack == nil {
		return nil
	}
	return d.nack(requeue)
}

// Publisher sends job messages.
type Publisher interface {
	Publish(ctx context.Context, msg JobMessage) error
}

// Consumer receives job messages. The channel closes when the broker does.
type Consumer interface {
	Consume(ctx context.Context, consumerTag string) (<-chan Delivery, error)
}

// Broker is both ends of the job queue.
type Broker interface {
	Publisher
	Consumer
	Close() error
}
