package database

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"coachsync/internal/metrics"
)

// IncrementRateLimit atomically increments the counter for (key, window)
// and returns the new count. Counters live in the shared store so that
// every worker process enforces the same limit; a process-local map
// would under-count with more than one process behind the same address.
func (db *DB) IncrementRateLimit(key string, windowStart int64) (int, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpRateLimitIncrement))
	defer timer.ObserveDuration()

	var count int
	err := db.conn.QueryRow(`
		INSERT INTO rate_limits (key, window_start, count) VALUES (?, ?, 1)
		ON CONFLICT(key, window_start) DO UPDATE SET count = count + 1
		RETURNING count
	`, key, windowStart).Scan(&count)

	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpRateLimitIncrement).Inc()
		return 0, fmt.Errorf("failed to increment rate limit: %w", err)
	}

	return count, nil
}

// GetRateLimitCount returns the counts for the given windows summed.
// Used to evaluate a sliding window spanning the current and previous
// fixed window.
func (db *DB) GetRateLimitCount(key string, windowStarts ...int64) (int, error) {
	total := 0
	for _, ws := range windowStarts {
		var count int
		err := db.conn.QueryRow(`
			SELECT count FROM rate_limits WHERE key = ? AND window_start = ?
		`, key, ws).Scan(&count)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				continue
			}
			return 0, fmt.Errorf("failed to get rate limit count: %w", err)
		}
		total += count
	}
	return total, nil
}

// PruneRateLimits deletes counter windows older than the cutoff
func (db *DB) PruneRateLimits(before int64) error {
	_, err := db.conn.Exec(`DELETE FROM rate_limits WHERE window_start < ?`, before)
	if err != nil {
		return fmt.Errorf("failed to prune rate limits: %w", err)
	}
	return nil
}
