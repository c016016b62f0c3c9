package tokens

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"coachsync/internal/alerting"
	"coachsync/internal/database"
	"coachsync/internal/metrics"
	"coachsync/internal/provider"
)

// tokenBuffer refreshes tokens 5 minutes before expiry
const tokenBuffer = 5 * time.Minute

// RefreshClient is the provider-side half of a token refresh
type RefreshClient interface {
	RefreshToken(ctx context.Context, refreshToken string) (*provider.TokenResponse, error)
}

// PersistenceError means a refresh succeeded but the new token pair
// could not be stored. The valid token is now orphaned: the next
// invocation will retry the refresh with a rotated-away refresh token
// and hit the auth-expired path. Alerted distinctly for that reason.
type PersistenceError struct {
	IntegrationID int64
	Err           error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("failed to persist refreshed tokens for integration %d: %v", e.IntegrationID, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Manager hands out valid access tokens, refreshing them through the
// provider when they are near expiry.
type Manager struct {
	db      *database.DB
	clients map[string]RefreshClient
	logger  *slog.Logger
}

func NewManager(db *database.DB, clients map[string]RefreshClient, logger *slog.Logger) *Manager {
	return &Manager{
		db:      db,
		clients: clients,
		logger:  logger,
	}
}

// ValidAccessToken returns an access token usable for at least the
// buffer window. Two callers racing past an expiring token may both
// refresh; the provider's rotation means the later persisted pair wins
// and the stale pair surfaces as auth expiry on its next use.
func (m *Manager) ValidAccessToken(ctx context.Context, integration *database.Integration) (string, error) {
	if time.Now().Add(tokenBuffer).Unix() < integration.TokenExpiresAt {
		return integration.AccessToken, nil
	}

	client, ok := m.clients[integration.Provider]
	if !ok {
		return "", fmt.Errorf("no client for provider %q", integration.Provider)
	}

	if integration.RefreshToken == "" {
		metrics.TokenRefreshesTotal.WithLabelValues(integration.Provider, metrics.RefreshResultFailed).Inc()
		return "", fmt.Errorf("integration %d has no refresh token: %w", integration.ID, provider.ErrAuthExpired)
	}

	m.logger.Info("refreshing token", "integration_id", integration.ID, "provider", integration.Provider)

	tokenResp, err := client.RefreshToken(ctx, integration.RefreshToken)
	if err != nil {
		metrics.TokenRefreshesTotal.WithLabelValues(integration.Provider, metrics.RefreshResultFailed).Inc()
		return "", fmt.Errorf("refresh failed for integration %d: %w: %w", integration.ID, err, provider.ErrAuthExpired)
	}

	// Providers may rotate the refresh token; keep the prior one when
	// the response omits it
	newRefreshToken := tokenResp.RefreshToken
	if newRefreshToken == "" {
		newRefreshToken = integration.RefreshToken
	}

	if err := m.db.UpdateIntegrationTokens(integration.ID, tokenResp.AccessToken, newRefreshToken, tokenResp.ExpiresAt); err != nil {
		metrics.TokenRefreshesTotal.WithLabelValues(integration.Provider, metrics.RefreshResultPersistFail).Inc()

		perr := &PersistenceError{IntegrationID: integration.ID, Err: err}
		m.logger.Error("refreshed token could not be persisted",
			"integration_id", integration.ID, "provider", integration.Provider, "error", err)
		alerting.CaptureCritical(perr, map[string]any{
			"integration_id": integration.ID,
			"provider":       integration.Provider,
		})
		return "", perr
	}

	metrics.TokenRefreshesTotal.WithLabelValues(integration.Provider, metrics.RefreshResultSuccess).Inc()

	integration.AccessToken = tokenResp.AccessToken
	integration.RefreshToken = newRefreshToken
	integration.TokenExpiresAt = tokenResp.ExpiresAt

	return tokenResp.AccessToken, nil
}
