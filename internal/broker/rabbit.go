package broker

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/invoice-assist/shared/rabbitmq"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Rabbit adapts the shared RabbitMQ client to the Broker interface.
type Rabbit struct {
	client *rabbitmq.Client
	logger *slog.Logger
}

// NewRabbit wraps an already connected client.
func NewRabbit(client *rabbitmq.Client, logger *slog.Logger) *Rabbit {
	return &Rabbit{client: client, logger: logger}
}

// Publish sends msg with the client's retry policy. The job id doubles as the AMQP message id.
func (r *Rabbit) Publish(ctx context.Context, msg JobMessage) error {
	body, err := msg.Encode()
	if err != nil {
		return err
	}
	if err := r.client.PublishWithRetry(ctx, body, "application/json", msg.JobID); err != nil {
		return fmt.Errorf("failed to publish job %s: %w", msg.JobID, err)
	}
	return nil
}

// Consume starts a consumer and converts AMQP deliveries until the source closes or ctx ends.
func (r *Rabbit) Consume(ctx context.Context, consumerTag string) (<-chan Delivery, error) {
	source, err := r.client.Consume(consumerTag)
	if err != nil {
		return nil, err
	}

	out := make(chan Delivery)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-source:
				if !ok {
					r.logger.Warn("RabbitMQ delivery channel closed", slog.String("consumer_tag", consumerTag))
					return
				}
				select {
				case out <- fromAMQP(d):
				case <-ctx.Done():
					if err := d.Nack(false, true); err != nil {
						r.logger.Error("Failed to NACK message on shutdown", slog.Any("error", err))
					}
					return
				}
			}
		}
	}()

	return out, nil
}

func fromAMQP(d amqp.Delivery) Delivery {
	return NewDelivery(d.Body, d.DeliveryTag,
		func() error { return d.Ack(false) },
		func(requeue bool) error { return d.Nack(false, requeue) },
	)
}

// Close closes the underlying client.
func (r *Rabbit) Close() error {
	return r.client.Close()
}
