package worker

import (
	"context"
	"log/slog"
	"time"

	"coachsync/internal/database"
	"coachsync/internal/ingest"
	"coachsync/internal/metrics"
)

// Worker periodically retries failed webhook events. Only transient
// and auth failures are eligible; permanent ones stay parked on their
// event rows.
type Worker struct {
	db           *database.DB
	engine       *ingest.Engine
	logger       *slog.Logger
	pollInterval time.Duration
	minAge       time.Duration
	maxAttempts  int
	batchSize    int
}

// NewWorker creates a new reprocessing worker
func NewWorker(db *database.DB, engine *ingest.Engine) *Worker {
	return &Worker{
		db:           db,
		engine:       engine,
		logger:       slog.Default(),
		pollInterval: 30 * time.Second,
		minAge:       time.Minute,
		maxAttempts:  5,
		batchSize:    25,
	}
}

// Start runs the reprocessing loop until the context is cancelled
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("Starting reprocessing worker",
		"poll_interval", w.pollInterval, "max_attempts", w.maxAttempts)
	metrics.WorkerActive.Set(1)
	defer metrics.WorkerActive.Set(0)

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Stopping reprocessing worker")
			return ctx.Err()
		case <-ticker.C:
			w.runOnce(ctx)
		}
	}
}

// runOnce works through one batch of reprocessable events
func (w *Worker) runOnce(ctx context.Context) {
	if count, err := w.db.CountUnprocessedEvents(); err != nil {
		w.logger.Error("Failed to count unprocessed events", "error", err)
	} else {
		metrics.UnprocessedEventsGauge.Set(float64(count))
	}

	events, err := w.db.ListReprocessableEvents(w.minAge, w.maxAttempts, w.batchSize)
	if err != nil {
		w.logger.Error("Failed to list reprocessable events", "error", err)
		return
	}
	if len(events) == 0 {
		return
	}

	w.logger.Info("Reprocessing failed events", "count", len(events))

	recovered := 0
	for _, event := range events {
		if ctx.Err() != nil {
			return
		}

		result := w.engine.Reprocess(ctx, event)
		if result.Outcome != ingest.OutcomeFailed {
			recovered++
		}
	}

	w.logger.Info("Reprocessing pass finished",
		"attempted", len(events), "recovered", recovered)
}
