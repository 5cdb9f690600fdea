package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/aksellodoo/distance-engine/internal/engine/domain"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// setupConsumer sets up the RabbitMQ consumer with QoS and returns the delivery channel
func (w *Worker) setupConsumer(ctx context.Context) (<-chan amqp.Delivery, error) {
	channel := w.rabbitClient.GetChannel()
	if channel == nil {
		return nil, fmt.Errorf("rabbitmq channel is nil")
	}

	// Low prefetch keeps the broker from parking messages behind a long job
	err := channel.Qos(
		w.prefetchCount,
		0,     // prefetch size
		false, // global
	)
	if err != nil {
		return nil, fmt.Errorf("failed to set QoS: %w", err)
	}

	deliveries, err := w.rabbitClient.Consume(w.workerID)
	if err != nil {
		return nil, fmt.Errorf("failed to start consuming: %w", err)
	}

	w.logger.Info("RabbitMQ consumer started",
		slog.String("consumer_tag", w.workerID),
		slog.String("queue", w.queueName),
	)

	return deliveries, nil
}

// consumeLoop processes deliveries sequentially until the context is canceled
func (w *Worker) consumeLoop(ctx context.Context, deliveries <-chan amqp.Delivery) {
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Consumer loop stopped - context canceled")
			return

		case <-w.stopChan:
			w.logger.Info("Consumer loop stopped")
			return

		case delivery, ok := <-deliveries:
			if !ok {
				w.logger.Warn("RabbitMQ delivery channel closed")
				return
			}

			w.handleDelivery(ctx, delivery)
		}
	}
}

// handleDelivery parses one job command, runs it, and settles the message.
// Temporary failures (including shutdown mid-job) are requeued; everything
// else is acked because the job outcome is already persisted.
func (w *Worker) handleDelivery(ctx context.Context, delivery amqp.Delivery) {
	var msg domain.JobMessage
	if err := json.Unmarshal(delivery.Body, &msg); err != nil {
		w.logger.Error("Failed to parse message JSON",
			slog.String("error", err.Error()),
			slog.String("body", string(delivery.Body)),
		)
		// Malformed messages can never succeed, drop without requeue
		w.nack(delivery, false)
		return
	}

	if _, err := uuid.Parse(msg.JobID); err != nil {
		w.logger.Error("Invalid job_id format - not a UUID",
			slog.String("job_id", msg.JobID),
			slog.String("error", err.Error()),
		)
		w.nack(delivery, false)
		return
	}

	if msg.Action != domain.ActionStart && msg.Action != domain.ActionResume {
		w.logger.Error("Unknown job action",
			slog.String("job_id", msg.JobID),
			slog.String("action", msg.Action),
		)
		w.nack(delivery, false)
		return
	}

	w.logger.Info("Processing job command",
		slog.String("job_id", msg.JobID),
		slog.String("action", msg.Action),
		slog.Uint64("delivery_tag", delivery.DeliveryTag),
	)

	if err := w.runner.Run(ctx, msg.JobID); err != nil {
		if domain.IsTemporary(err) {
			w.logger.Warn("Job interrupted, requeueing message",
				slog.String("job_id", msg.JobID),
				slog.String("error", err.Error()),
			)
			w.nack(delivery, true)
			return
		}

		// Permanent failure is already recorded on the job row
		w.logger.Error("Job run failed",
			slog.String("job_id", msg.JobID),
			slog.String("error", err.Error()),
		)
	}

	if err := delivery.Ack(false); err != nil {
		w.logger.Error("Failed to ACK message",
			slog.String("job_id", msg.JobID),
			slog.String("error", err.Error()),
		)
	}
}

func (w *Worker) nack(delivery amqp.Delivery, requeue bool) {
	if err := delivery.Nack(false, requeue); err != nil {
		w.logger.Error("Failed to NACK message",
			slog.Uint64("delivery_tag", delivery.DeliveryTag),
			slog.Bool("requeue", requeue),
			slog.String("error", err.Error()),
		)
	}
}
