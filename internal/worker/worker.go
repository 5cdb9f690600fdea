// Package worker consumes job commands from RabbitMQ and drives the
// enrichment engine. Jobs run one at a time: the queue serializes work and
// the storage layer rejects concurrent active jobs anyway.
package worker

import (
	"context"
	"log/slog"
	"sync"

	"github.com/aksellodoo/distance-engine/shared/postgresql"
	"github.com/aksellodoo/distance-engine/shared/rabbitmq"
)

// Runner drives a single job to a terminal or interrupted state
type Runner interface {
	Run(ctx context.Context, jobID string) error
}

// Config holds worker configuration
type Config struct {
	Logger        *slog.Logger
	DBClient      *postgresql.Client
	RabbitClient  *rabbitmq.Client
	Runner        Runner
	WorkerID      string
	PrefetchCount int
	QueueName     string
}

// Worker represents the background job worker
type Worker struct {
	logger        *slog.Logger
	dbClient      *postgresql.Client
	rabbitClient  *rabbitmq.Client
	runner        Runner
	workerID      string
	prefetchCount int
	queueName     string
	wg            sync.WaitGroup
	stopChan      chan struct{}
}

// NewWorker creates a new worker instance
func NewWorker(cfg *Config) *Worker {
	prefetch := cfg.PrefetchCount
	if prefetch <= 0 {
		prefetch = 1
	}

	return &Worker{
		logger:        cfg.Logger,
		dbClient:      cfg.DBClient,
		rabbitClient:  cfg.RabbitClient,
		runner:        cfg.Runner,
		workerID:      cfg.WorkerID,
		prefetchCount: prefetch,
		queueName:     cfg.QueueName,
		stopChan:      make(chan struct{}),
	}
}

// Start begins consuming job messages until the context is canceled
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("Starting worker",
		slog.String("worker_id", w.workerID),
		slog.Int("prefetch_count", w.prefetchCount),
	)

	deliveries, err := w.setupConsumer(ctx)
	if err != nil {
		return err
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.consumeLoop(ctx, deliveries)
	}()

	<-ctx.Done()
	w.logger.Info("Worker context canceled, stopping...")

	return nil
}

// Stop waits for the in-flight job to finish
func (w *Worker) Stop() {
	w.logger.Info("Stopping worker...")
	close(w.stopChan)
	w.wg.Wait()
	w.logger.Info("Worker stopped")
}
