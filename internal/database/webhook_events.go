package database

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"coachsync/internal/metrics"
)

// WebhookEvent represents an inbound provider notification.
// Rows are created on receipt, updated in place as processing advances,
// and never deleted (audit trail).
type WebhookEvent struct {
	ID                 int64
	Provider           string
	ProviderUserID     string
	ProviderActivityID *string
	EventType          string // 'push' or 'ping'
	FileURL            *string
	Payload            string
	Processed          bool
	ProcessError       *string
	ErrorKind          *string // 'transient', 'auth' or 'permanent'
	Attempts           int
	ActivityID         *int64
	CreatedAt          int64
	UpdatedAt          int64
}

// CreateWebhookEvent inserts a new webhook event into the database.
// A unique-constraint violation means another delivery for the same
// activity won the race; callers should re-read the existing row.
func (db *DB) CreateWebhookEvent(e *WebhookEvent) error {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpCreateWebhookEvent))
	defer timer.ObserveDuration()

	now := time.Now().Unix()
	e.CreatedAt = now
	e.UpdatedAt = now

	result, err := db.conn.Exec(`
		INSERT INTO webhook_events (
			provider, provider_user_id, provider_activity_id, event_type, file_url,
			payload, processed, process_error, error_kind, attempts, activity_id,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.Provider, e.ProviderUserID, e.ProviderActivityID, e.EventType, e.FileURL,
		e.Payload, e.Processed, e.ProcessError, e.ErrorKind, e.Attempts, e.ActivityID,
		e.CreatedAt, e.UpdatedAt)

	if err != nil {
		if !IsUniqueViolation(err) {
			metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpCreateWebhookEvent).Inc()
		}
		return fmt.Errorf("failed to create webhook event: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}
	e.ID = id

	return nil
}

// GetWebhookEvent retrieves a webhook event by ID
func (db *DB) GetWebhookEvent(eventID int64) (*WebhookEvent, error) {
	return db.scanWebhookEvent(db.conn.QueryRow(webhookEventColumns+` WHERE id = ?`, eventID))
}

// GetWebhookEventByActivity looks up the event for a provider-side activity
func (db *DB) GetWebhookEventByActivity(provider, providerUserID, providerActivityID string) (*WebhookEvent, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpLookupWebhookEvent))
	defer timer.ObserveDuration()

	return db.scanWebhookEvent(db.conn.QueryRow(webhookEventColumns+`
		WHERE provider = ? AND provider_user_id = ? AND provider_activity_id = ?
	`, provider, providerUserID, providerActivityID))
}

const webhookEventColumns = `
	SELECT id, provider, provider_user_id, provider_activity_id, event_type, file_url,
	       payload, processed, process_error, error_kind, attempts, activity_id,
	       created_at, updated_at
	FROM webhook_events`

func (db *DB) scanWebhookEvent(row *sql.Row) (*WebhookEvent, error) {
	var e WebhookEvent
	err := row.Scan(
		&e.ID, &e.Provider, &e.ProviderUserID, &e.ProviderActivityID, &e.EventType, &e.FileURL,
		&e.Payload, &e.Processed, &e.ProcessError, &e.ErrorKind, &e.Attempts, &e.ActivityID,
		&e.CreatedAt, &e.UpdatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get webhook event: %w", err)
	}
	return &e, nil
}

// AttachFileURL records a late-arriving file reference on an existing event
// and marks it for reprocessing (the enrichment path)
func (db *DB) AttachFileURL(eventID int64, fileURL string) error {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpUpdateWebhookEvent))
	defer timer.ObserveDuration()

	result, err := db.conn.Exec(`
		UPDATE webhook_events
		SET file_url = ?, processed = 0, process_error = NULL, error_kind = NULL, updated_at = ?
		WHERE id = ?
	`, fileURL, time.Now().Unix(), eventID)

	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpUpdateWebhookEvent).Inc()
		return fmt.Errorf("failed to attach file url: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("webhook event not found")
	}

	return nil
}

// MarkWebhookEventProcessed marks a webhook event as processed with a
// back-reference to the resolved activity
func (db *DB) MarkWebhookEventProcessed(eventID, activityID int64) error {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpUpdateWebhookEvent))
	defer timer.ObserveDuration()

	result, err := db.conn.Exec(`
		UPDATE webhook_events
		SET processed = 1, process_error = NULL, error_kind = NULL, activity_id = ?,
		    attempts = attempts + 1, updated_at = ?
		WHERE id = ?
	`, activityID, time.Now().Unix(), eventID)

	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpUpdateWebhookEvent).Inc()
		return fmt.Errorf("failed to mark webhook event processed: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("webhook event not found")
	}

	return nil
}

// MarkWebhookEventFailed records a processing failure. The event stays
// unprocessed; transient and auth failures are picked up again by the
// reprocessing pass, permanent ones are not.
func (db *DB) MarkWebhookEventFailed(eventID int64, processError, errorKind string) error {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpUpdateWebhookEvent))
	defer timer.ObserveDuration()

	result, err := db.conn.Exec(`
		UPDATE webhook_events
		SET processed = 0, process_error = ?, error_kind = ?, attempts = attempts + 1, updated_at = ?
		WHERE id = ?
	`, processError, errorKind, time.Now().Unix(), eventID)

	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpUpdateWebhookEvent).Inc()
		return fmt.Errorf("failed to mark webhook event failed: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("webhook event not found")
	}

	return nil
}

// ListReprocessableEvents returns unprocessed events eligible for the
// reprocessing pass: transient or auth failures whose last attempt is
// older than minAge, up to maxAttempts tries. Permanent failures
// (expired file URLs, malformed data) are excluded.
func (db *DB) ListReprocessableEvents(minAge time.Duration, maxAttempts, limit int) ([]*WebhookEvent, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpListReprocessable))
	defer timer.ObserveDuration()

	cutoff := time.Now().Add(-minAge).Unix()

	rows, err := db.conn.Query(webhookEventColumns+`
		WHERE processed = 0
		  AND error_kind IN ('transient', 'auth')
		  AND attempts < ?
		  AND updated_at <= ?
		ORDER BY updated_at ASC
		LIMIT ?
	`, maxAttempts, cutoff, limit)
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpListReprocessable).Inc()
		return nil, fmt.Errorf("failed to list reprocessable events: %w", err)
	}
	defer rows.Close()

	var events []*WebhookEvent
	for rows.Next() {
		var e WebhookEvent
		err := rows.Scan(
			&e.ID, &e.Provider, &e.ProviderUserID, &e.ProviderActivityID, &e.EventType, &e.FileURL,
			&e.Payload, &e.Processed, &e.ProcessError, &e.ErrorKind, &e.Attempts, &e.ActivityID,
			&e.CreatedAt, &e.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan webhook event: %w", err)
		}
		events = append(events, &e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating webhook events: %w", err)
	}

	return events, nil
}

// ListUnprocessedEventsByIntegration returns the pending events for one
// linked account, oldest first. Used by the user-triggered sync path.
func (db *DB) ListUnprocessedEventsByIntegration(provider, providerUserID string, limit int) ([]*WebhookEvent, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpListReprocessable))
	defer timer.ObserveDuration()

	rows, err := db.conn.Query(webhookEventColumns+`
		WHERE provider = ? AND provider_user_id = ? AND processed = 0
		ORDER BY created_at ASC
		LIMIT ?
	`, provider, providerUserID, limit)
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpListReprocessable).Inc()
		return nil, fmt.Errorf("failed to list unprocessed events: %w", err)
	}
	defer rows.Close()

	var events []*WebhookEvent
	for rows.Next() {
		var e WebhookEvent
		err := rows.Scan(
			&e.ID, &e.Provider, &e.ProviderUserID, &e.ProviderActivityID, &e.EventType, &e.FileURL,
			&e.Payload, &e.Processed, &e.ProcessError, &e.ErrorKind, &e.Attempts, &e.ActivityID,
			&e.CreatedAt, &e.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan webhook event: %w", err)
		}
		events = append(events, &e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating webhook events: %w", err)
	}

	return events, nil
}

// CountUnprocessedEvents returns the number of events awaiting processing
func (db *DB) CountUnprocessedEvents() (int, error) {
	var count int
	err := db.conn.QueryRow(`SELECT COUNT(*) FROM webhook_events WHERE processed = 0`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count unprocessed events: %w", err)
	}
	return count, nil
}
