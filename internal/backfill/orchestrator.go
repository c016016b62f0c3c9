package backfill

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"coachsync/internal/database"
	"coachsync/internal/metrics"
	"coachsync/internal/provider"
)

// MaxWindowDays is the largest historical window providers accept per
// backfill request.
const MaxWindowDays = 30

// Requester is the provider-side backfill call
type Requester interface {
	RequestBackfill(ctx context.Context, accessToken string, from, to time.Time) error
}

// TokenSource hands out valid access tokens for an integration
type TokenSource interface {
	ValidAccessToken(ctx context.Context, integration *database.Integration) (string, error)
}

// Outcome is the structured result of one backfill request. Accepted
// means the provider will deliver the data asynchronously through the
// webhook pipeline; nothing arrives on this call.
type Outcome struct {
	Provider           string `json:"provider"`
	Accepted           bool   `json:"accepted"`
	RequestedDays      int    `json:"requested_days"`
	WindowDays         int    `json:"window_days"`
	Note               string `json:"note,omitempty"`
	ReconnectRequired  bool   `json:"reconnect_required,omitempty"`
	PermissionRequired bool   `json:"permission_required,omitempty"`
	RetryLater         bool   `json:"retry_later,omitempty"`
}

// Orchestrator triggers provider backfills without ever waiting for
// the asynchronous data.
type Orchestrator struct {
	db      *database.DB
	clients map[string]Requester
	tokens  TokenSource
	logger  *slog.Logger
}

func NewOrchestrator(db *database.DB, clients map[string]Requester, tokens TokenSource, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		db:      db,
		clients: clients,
		tokens:  tokens,
		logger:  logger,
	}
}

// Request asks one provider to redeliver the trailing requestedDays of
// history. Windows beyond the provider bound are clamped, with a note
// telling the caller to re-request for older ranges.
func (o *Orchestrator) Request(ctx context.Context, integ *database.Integration, requestedDays int) (*Outcome, error) {
	if requestedDays <= 0 {
		requestedDays = MaxWindowDays
	}

	outcome := &Outcome{
		Provider:      integ.Provider,
		RequestedDays: requestedDays,
		WindowDays:    requestedDays,
	}
	if requestedDays > MaxWindowDays {
		outcome.WindowDays = MaxWindowDays
		outcome.Note = fmt.Sprintf("window clamped to %d days; re-request for older ranges", MaxWindowDays)
	}

	client, ok := o.clients[integ.Provider]
	if !ok {
		return nil, fmt.Errorf("no client for provider %q", integ.Provider)
	}

	accessToken, err := o.tokens.ValidAccessToken(ctx, integ)
	if err != nil {
		if errors.Is(err, provider.ErrAuthExpired) {
			return o.authFailed(integ, outcome), nil
		}
		return nil, err
	}

	to := time.Now()
	from := to.AddDate(0, 0, -outcome.WindowDays)

	err = client.RequestBackfill(ctx, accessToken, from, to)
	switch {
	case err == nil:
		metrics.BackfillRequestsTotal.WithLabelValues(integ.Provider, "accepted").Inc()
		outcome.Accepted = true
		o.recordAccepted(integ)

	case errors.Is(err, provider.ErrBackfillInFlight):
		// Idempotent: the provider is already working on this window
		metrics.BackfillRequestsTotal.WithLabelValues(integ.Provider, "in_flight").Inc()
		outcome.Accepted = true
		if outcome.Note != "" {
			outcome.Note += "; "
		}
		outcome.Note += "request already in flight"
		o.recordAccepted(integ)

	case errors.Is(err, provider.ErrAuthExpired):
		return o.authFailed(integ, outcome), nil

	case errors.Is(err, provider.ErrPermissionDenied):
		metrics.BackfillRequestsTotal.WithLabelValues(integ.Provider, "permission_denied").Inc()
		outcome.PermissionRequired = true
		if err := o.db.SetIntegrationSyncError(integ.ID, "backfill permission not granted"); err != nil {
			o.logger.Error("failed to record sync error", "integration_id", integ.ID, "error", err)
		}

	case errors.Is(err, provider.ErrRateLimited):
		metrics.BackfillRequestsTotal.WithLabelValues(integ.Provider, "rate_limited").Inc()
		o.logger.Warn("backfill request rate limited",
			"integration_id", integ.ID, "provider", integ.Provider)
		outcome.RetryLater = true
		if outcome.Note != "" {
			outcome.Note += "; "
		}
		outcome.Note += "provider rate limit exceeded"

	case provider.IsTransient(err):
		metrics.BackfillRequestsTotal.WithLabelValues(integ.Provider, "transient").Inc()
		o.logger.Warn("backfill request failed transiently",
			"integration_id", integ.ID, "provider", integ.Provider, "error", err)
		outcome.RetryLater = true

	default:
		metrics.BackfillRequestsTotal.WithLabelValues(integ.Provider, "error").Inc()
		return nil, fmt.Errorf("backfill request failed: %w", err)
	}

	return outcome, nil
}

// RequestForUser triggers a backfill on every linked provider
func (o *Orchestrator) RequestForUser(ctx context.Context, userID int64, requestedDays int) ([]*Outcome, error) {
	integrations, err := o.db.ListIntegrationsByUser(userID)
	if err != nil {
		return nil, err
	}
	if len(integrations) == 0 {
		return nil, nil
	}

	outcomes := make([]*Outcome, 0, len(integrations))
	for _, integ := range integrations {
		outcome, err := o.Request(ctx, integ, requestedDays)
		if err != nil {
			return nil, err
		}
		outcomes = append(outcomes, outcome)
	}
	return outcomes, nil
}

func (o *Orchestrator) authFailed(integ *database.Integration, outcome *Outcome) *Outcome {
	metrics.BackfillRequestsTotal.WithLabelValues(integ.Provider, "auth_expired").Inc()
	outcome.ReconnectRequired = true
	if err := o.db.SetIntegrationSyncError(integ.ID, "authorization expired"); err != nil {
		o.logger.Error("failed to record sync error", "integration_id", integ.ID, "error", err)
	}
	return outcome
}

func (o *Orchestrator) recordAccepted(integ *database.Integration) {
	if err := o.db.SetIntegrationSynced(integ.ID, time.Now().Unix()); err != nil {
		o.logger.Error("failed to record sync time", "integration_id", integ.ID, "error", err)
	}
}
