package handler

import (
	"log/slog"
	"time"

	"github.com/aksellodoo/distance-engine/internal/api/storage"
	"github.com/aksellodoo/distance-engine/shared/postgresql"
	"github.com/aksellodoo/distance-engine/shared/rabbitmq"
)

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger         *slog.Logger
	DBClient       *postgresql.Client
	RabbitClient   *rabbitmq.Client
	StallThreshold time.Duration
}

// JobHandler handles job-related HTTP requests
type JobHandler struct {
	logger         *slog.Logger
	storage        *storage.Storage
	rabbitClient   *rabbitmq.Client
	stallThreshold time.Duration
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(deps *Dependencies) *JobHandler {
	return &JobHandler{
		logger:         deps.Logger,
		storage:        storage.NewStorage(deps.DBClient),
		rabbitClient:   deps.RabbitClient,
		stallThreshold: deps.StallThreshold,
	}
}
