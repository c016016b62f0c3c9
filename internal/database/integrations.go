package database

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"coachsync/internal/metrics"
)

// Integration represents a (user, provider) OAuth connection
type Integration struct {
	ID             int64
	UserID         int64
	Provider       string
	ProviderUserID string
	AccessToken    string
	RefreshToken   string
	TokenExpiresAt int64
	LastSyncAt     *int64
	SyncError      *string
	CreatedAt      int64
	UpdatedAt      int64
}

// UpsertIntegration inserts or replaces the integration for (user, provider)
func (db *DB) UpsertIntegration(i *Integration) error {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpUpsertIntegration))
	defer timer.ObserveDuration()

	now := time.Now().Unix()
	if i.CreatedAt == 0 {
		i.CreatedAt = now
	}
	i.UpdatedAt = now

	result, err := db.conn.Exec(`
		INSERT INTO integrations (
			user_id, provider, provider_user_id, access_token, refresh_token,
			token_expires_at, last_sync_at, sync_error, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, provider) DO UPDATE SET
			provider_user_id = excluded.provider_user_id,
			access_token = excluded.access_token,
			refresh_token = excluded.refresh_token,
			token_expires_at = excluded.token_expires_at,
			sync_error = NULL,
			updated_at = excluded.updated_at
	`, i.UserID, i.Provider, i.ProviderUserID, i.AccessToken, i.RefreshToken,
		i.TokenExpiresAt, i.LastSyncAt, i.SyncError, i.CreatedAt, i.UpdatedAt)

	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpUpsertIntegration).Inc()
		return fmt.Errorf("failed to upsert integration: %w", err)
	}

	if id, err := result.LastInsertId(); err == nil && id != 0 {
		i.ID = id
	}
	return nil
}

// GetIntegration retrieves the integration for (user, provider)
func (db *DB) GetIntegration(userID int64, provider string) (*Integration, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpGetIntegration))
	defer timer.ObserveDuration()

	return db.scanIntegration(db.conn.QueryRow(`
		SELECT id, user_id, provider, provider_user_id, access_token, refresh_token,
		       token_expires_at, last_sync_at, sync_error, created_at, updated_at
		FROM integrations WHERE user_id = ? AND provider = ?
	`, userID, provider))
}

// GetIntegrationByProviderUser resolves the integration a webhook belongs to
func (db *DB) GetIntegrationByProviderUser(provider, providerUserID string) (*Integration, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpGetIntegration))
	defer timer.ObserveDuration()

	return db.scanIntegration(db.conn.QueryRow(`
		SELECT id, user_id, provider, provider_user_id, access_token, refresh_token,
		       token_expires_at, last_sync_at, sync_error, created_at, updated_at
		FROM integrations WHERE provider = ? AND provider_user_id = ?
	`, provider, providerUserID))
}

func (db *DB) scanIntegration(row *sql.Row) (*Integration, error) {
	var i Integration
	err := row.Scan(
		&i.ID, &i.UserID, &i.Provider, &i.ProviderUserID, &i.AccessToken, &i.RefreshToken,
		&i.TokenExpiresAt, &i.LastSyncAt, &i.SyncError, &i.CreatedAt, &i.UpdatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get integration: %w", err)
	}
	return &i, nil
}

// UpdateIntegrationTokens persists a refreshed token pair and clears any
// previously stored sync error
func (db *DB) UpdateIntegrationTokens(integrationID int64, accessToken, refreshToken string, expiresAt int64) error {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpUpdateTokens))
	defer timer.ObserveDuration()

	result, err := db.conn.Exec(`
		UPDATE integrations
		SET access_token = ?, refresh_token = ?, token_expires_at = ?, sync_error = NULL, updated_at = ?
		WHERE id = ?
	`, accessToken, refreshToken, expiresAt, time.Now().Unix(), integrationID)

	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpUpdateTokens).Inc()
		return fmt.Errorf("failed to update integration tokens: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("integration not found")
	}

	return nil
}

// SetIntegrationSyncError records a sync failure on the integration
func (db *DB) SetIntegrationSyncError(integrationID int64, syncError string) error {
	_, err := db.conn.Exec(`
		UPDATE integrations SET sync_error = ?, updated_at = ? WHERE id = ?
	`, syncError, time.Now().Unix(), integrationID)
	if err != nil {
		return fmt.Errorf("failed to set integration sync error: %w", err)
	}
	return nil
}

// SetIntegrationSynced records a successful sync trigger
func (db *DB) SetIntegrationSynced(integrationID int64, syncedAt int64) error {
	_, err := db.conn.Exec(`
		UPDATE integrations SET last_sync_at = ?, sync_error = NULL, updated_at = ? WHERE id = ?
	`, syncedAt, time.Now().Unix(), integrationID)
	if err != nil {
		return fmt.Errorf("failed to set integration synced: %w", err)
	}
	return nil
}

// ClearIntegrationTokens invalidates the stored token pair. Used on
// disconnect and on irrecoverable auth failures.
func (db *DB) ClearIntegrationTokens(integrationID int64, reason string) error {
	_, err := db.conn.Exec(`
		UPDATE integrations
		SET access_token = '', refresh_token = '', token_expires_at = 0, sync_error = ?, updated_at = ?
		WHERE id = ?
	`, reason, time.Now().Unix(), integrationID)
	if err != nil {
		return fmt.Errorf("failed to clear integration tokens: %w", err)
	}
	return nil
}

// ListIntegrationsByUser returns all integrations for a user
func (db *DB) ListIntegrationsByUser(userID int64) ([]*Integration, error) {
	rows, err := db.conn.Query(`
		SELECT id, user_id, provider, provider_user_id, access_token, refresh_token,
		       token_expires_at, last_sync_at, sync_error, created_at, updated_at
		FROM integrations WHERE user_id = ? ORDER BY provider ASC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list integrations: %w", err)
	}
	defer rows.Close()

	var integrations []*Integration
	for rows.Next() {
		var i Integration
		err := rows.Scan(
			&i.ID, &i.UserID, &i.Provider, &i.ProviderUserID, &i.AccessToken, &i.RefreshToken,
			&i.TokenExpiresAt, &i.LastSyncAt, &i.SyncError, &i.CreatedAt, &i.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan integration: %w", err)
		}
		integrations = append(integrations, &i)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating integrations: %w", err)
	}

	return integrations, nil
}
