package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/cuongbtq/invoice-assist/internal/broker"
	"github.com/cuongbtq/invoice-assist/internal/worker/domain"
	"github.com/google/uuid"
)

// startMessageDispatcher listens to broker deliveries and dispatches jobs to the worker pool
func (w *Worker) startMessageDispatcher(ctx context.Context, deliveries <-chan broker.Delivery) {
	w.logger.Info("Message dispatcher started")

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Message dispatcher stopped - context canceled")
			return

		case <-w.stopChan:
			w.logger.Info("Message dispatcher stopped - stopChan closed")
			return

		case delivery, ok := <-deliveries:
			if !ok {
				w.logger.Warn("Delivery channel closed")
				return
			}

			msg, err := parseJobMessage(delivery)
			if err != nil {
				w.logger.Error("Discarding malformed job message",
					slog.Any("error", err),
					slog.String("body", string(delivery.Body)),
				)
				// Malformed messages never become valid; drop them.
				if nackErr := delivery.Nack(false); nackErr != nil {
					w.logger.Error("Failed to NACK malformed message",
						slog.Any("error", nackErr),
					)
				}
				continue
			}

			select {
			case w.jobsChan <- &jobDelivery{msg: msg, delivery: delivery}:
				w.logger.Debug("Job dispatched to worker pool",
					slog.String("job_id", msg.JobID),
					slog.Uint64("delivery_tag", msg.DeliveryTag),
				)
			case <-ctx.Done():
				w.logger.Info("Message dispatcher stopped while dispatching job")
				if nackErr := delivery.Nack(true); nackErr != nil {
					w.logger.Error("Failed to NACK message on shutdown",
						slog.Any("error", nackErr),
					)
				}
				return
			case <-w.stopChan:
				if nackErr := delivery.Nack(true); nackErr != nil {
					w.logger.Error("Failed to NACK message on shutdown",
						slog.Any("error", nackErr),
					)
				}
				return
			}
		}
	}
}

// parseJobMessage decodes a delivery body and checks the job id is a UUID.
func parseJobMessage(d broker.Delivery) (*domain.JobMessage, error) {
	var msg domain.JobMessage
	if err := json.Unmarshal(d.Body, &msg); err != nil {
		return nil, errors.Join(domain.ErrInvalidMessage, err)
	}
	if _, err := uuid.Parse(msg.JobID); err != nil {
		return nil, errors.Join(domain.ErrInvalidMessage, err)
	}
	msg.DeliveryTag = d.Tag
	return &msg, nil
}
