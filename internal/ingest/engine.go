package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"coachsync/internal/database"
	"coachsync/internal/fitfile"
	"coachsync/internal/metrics"
	"coachsync/internal/provider"
)

// syncBatchSize caps how many pending events one user-triggered sync works through
const syncBatchSize = 50

// ProviderAPI is the slice of the provider client the engine needs
type ProviderAPI interface {
	GetActivityDetail(ctx context.Context, accessToken, activityID string) (*provider.ActivitySummary, error)
	DownloadFile(ctx context.Context, accessToken, fileURL string) ([]byte, error)
}

// TokenSource hands out valid access tokens for an integration
type TokenSource interface {
	ValidAccessToken(ctx context.Context, integration *database.Integration) (string, error)
}

// Store is the slice of the database the engine reads and writes.
// *database.DB satisfies it.
type Store interface {
	GetIntegrationByProviderUser(provider, providerUserID string) (*database.Integration, error)
	ListIntegrationsByUser(userID int64) ([]*database.Integration, error)
	SetIntegrationSyncError(integrationID int64, syncError string) error
	SetIntegrationSynced(integrationID int64, syncedAt int64) error
	CreateWebhookEvent(e *database.WebhookEvent) error
	GetWebhookEventByActivity(provider, providerUserID, providerActivityID string) (*database.WebhookEvent, error)
	AttachFileURL(eventID int64, fileURL string) error
	MarkWebhookEventProcessed(eventID, activityID int64) error
	MarkWebhookEventFailed(eventID int64, processError, errorKind string) error
	ListUnprocessedEventsByIntegration(provider, providerUserID string, limit int) ([]*database.WebhookEvent, error)
	CreateActivity(a *database.Activity) error
	GetActivityByKey(userID int64, provider, providerActivityID string) (*database.Activity, error)
	UpdateActivity(a *database.Activity) error
}

// Outcome is the terminal state of one notification
type Outcome string

const (
	OutcomeCreated   Outcome = "created"
	OutcomeEnriched  Outcome = "enriched"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeNotLinked Outcome = "not_linked"
	OutcomeFailed    Outcome = "failed"
)

// Result reports what happened to one notification. Failed results are
// still acknowledged at the HTTP layer; the error lives on the event row.
type Result struct {
	Outcome    Outcome `json:"outcome"`
	ActivityID int64   `json:"activity_id,omitempty"`
	EventID    int64   `json:"event_id,omitempty"`
	Error      string  `json:"error,omitempty"`
	ErrorKind  string  `json:"error_kind,omitempty"`
}

// Engine reconciles inbound notifications against stored state: events,
// integrations and activities. It is stateless between invocations; all
// cross-delivery coordination happens through the database.
type Engine struct {
	db      Store
	clients map[string]ProviderAPI
	tokens  TokenSource
	logger  *slog.Logger
}

func NewEngine(db Store, clients map[string]ProviderAPI, tokens TokenSource, logger *slog.Logger) *Engine {
	return &Engine{
		db:      db,
		clients: clients,
		tokens:  tokens,
		logger:  logger,
	}
}

// Process runs one inbound webhook delivery through the state machine.
// The returned error is non-nil only for malformed payloads; every
// other failure is recorded on the event row and reported in the Result
// so the delivery can still be acknowledged.
func (e *Engine) Process(ctx context.Context, providerName string, body []byte) (*Result, error) {
	timer := prometheus.NewTimer(metrics.WebhookProcessingDuration.WithLabelValues(providerName))
	defer timer.ObserveDuration()

	n, err := ParseNotification(body)
	if err != nil {
		return nil, err
	}

	result := e.process(ctx, providerName, n)
	metrics.WebhookEventsTotal.WithLabelValues(providerName, string(n.Kind), string(result.Outcome)).Inc()
	return result, nil
}

func (e *Engine) process(ctx context.Context, providerName string, n *Notification) *Result {
	integ, err := e.db.GetIntegrationByProviderUser(providerName, n.ProviderUserID)
	if err != nil {
		e.logger.Error("integration lookup failed", "provider", providerName, "error", err)
		return &Result{Outcome: OutcomeFailed, Error: err.Error(), ErrorKind: metrics.ErrorKindTransient}
	}
	if integ == nil {
		e.logger.Info("notification for unlinked account",
			"provider", providerName, "provider_user_id", n.ProviderUserID)
		return &Result{Outcome: OutcomeNotLinked}
	}

	event, needsProcessing, err := e.resolveEvent(providerName, n)
	if err != nil {
		e.logger.Error("event resolution failed", "provider", providerName, "error", err)
		return &Result{Outcome: OutcomeFailed, Error: err.Error(), ErrorKind: metrics.ErrorKindTransient}
	}
	if !needsProcessing {
		return &Result{Outcome: OutcomeDuplicate, EventID: event.ID}
	}

	return e.processEvent(ctx, integ, event, n)
}

// resolveEvent finds or creates the event row for this notification.
// Exactly one row exists per (provider, providerUserId, activityId);
// a redelivery that brings a file URL the stored event lacks reopens
// that event instead of creating a second one.
func (e *Engine) resolveEvent(providerName string, n *Notification) (*database.WebhookEvent, bool, error) {
	existing, err := e.db.GetWebhookEventByActivity(providerName, n.ProviderUserID, n.ActivityID)
	if err != nil {
		return nil, false, err
	}

	if existing == nil {
		event := &database.WebhookEvent{
			Provider:           providerName,
			ProviderUserID:     n.ProviderUserID,
			ProviderActivityID: &n.ActivityID,
			EventType:          string(n.Kind),
			FileURL:            n.FileURL,
			Payload:            string(n.Raw),
		}
		err := e.db.CreateWebhookEvent(event)
		if err == nil {
			return event, true, nil
		}
		if !database.IsUniqueViolation(err) {
			return nil, false, err
		}
		// Lost the insert race; the winner's row is the event now
		existing, err = e.db.GetWebhookEventByActivity(providerName, n.ProviderUserID, n.ActivityID)
		if err != nil {
			return nil, false, err
		}
		if existing == nil {
			return nil, false, fmt.Errorf("webhook event vanished after unique violation")
		}
	}

	if n.FileURL != nil && existing.FileURL == nil {
		if err := e.db.AttachFileURL(existing.ID, *n.FileURL); err != nil {
			return nil, false, err
		}
		existing.FileURL = n.FileURL
		existing.Processed = false
		return existing, true, nil
	}

	if existing.Processed {
		return existing, false, nil
	}

	// Unprocessed and nothing new: a redelivery gets another attempt
	return existing, true, nil
}

// processEvent runs resolution and enrichment for one event. Failures
// land on the event row with a classification; the activity state
// reached before the failure is kept.
func (e *Engine) processEvent(ctx context.Context, integ *database.Integration, event *database.WebhookEvent, n *Notification) *Result {
	client, ok := e.clients[event.Provider]
	if !ok {
		return e.fail(event, fmt.Errorf("no client for provider %q", event.Provider))
	}

	summary := n.Summary
	if summary == nil {
		// Ping: the summary comes from the detail API, never from the
		// file URL (that response is binary)
		accessToken, err := e.tokens.ValidAccessToken(ctx, integ)
		if err != nil {
			return e.fail(event, err)
		}
		summary, err = client.GetActivityDetail(ctx, accessToken, *event.ProviderActivityID)
		if err != nil {
			return e.fail(event, err)
		}
		if summary.FileURL != nil && event.FileURL == nil {
			if err := e.db.AttachFileURL(event.ID, *summary.FileURL); err != nil {
				return e.fail(event, err)
			}
			event.FileURL = summary.FileURL
		}
	}

	activity, outcome, err := e.resolveActivity(integ, event, summary)
	if err != nil {
		return e.fail(event, err)
	}

	if event.FileURL != nil {
		if err := e.enrichFromFile(ctx, integ, client, event, activity); err != nil {
			return e.fail(event, err)
		}
		metrics.FileEnrichmentsTotal.WithLabelValues(event.Provider).Inc()
	}

	if err := e.db.MarkWebhookEventProcessed(event.ID, activity.ID); err != nil {
		return e.fail(event, err)
	}

	e.logger.Info("notification processed",
		"provider", event.Provider, "event_id", event.ID,
		"activity_id", activity.ID, "outcome", string(outcome))

	return &Result{Outcome: outcome, ActivityID: activity.ID, EventID: event.ID}
}

// resolveActivity creates the activity or enriches the existing one.
// A unique-constraint violation on insert means a concurrent delivery
// created it first; that is the enrichment path, not an error.
func (e *Engine) resolveActivity(integ *database.Integration, event *database.WebhookEvent, summary *provider.ActivitySummary) (*database.Activity, Outcome, error) {
	activity, err := e.db.GetActivityByKey(integ.UserID, event.Provider, *event.ProviderActivityID)
	if err != nil {
		return nil, OutcomeFailed, err
	}

	if activity == nil {
		activity = &database.Activity{
			UserID:             integ.UserID,
			Provider:           event.Provider,
			ProviderActivityID: *event.ProviderActivityID,
			RawData:            event.Payload,
			ImportedFrom:       event.Provider,
		}
		applySummary(activity, summary)

		err := e.db.CreateActivity(activity)
		if err == nil {
			return activity, OutcomeCreated, nil
		}
		if !database.IsUniqueViolation(err) {
			return nil, OutcomeFailed, err
		}

		activity, err = e.db.GetActivityByKey(integ.UserID, event.Provider, *event.ProviderActivityID)
		if err != nil {
			return nil, OutcomeFailed, err
		}
		if activity == nil {
			return nil, OutcomeFailed, fmt.Errorf("activity vanished after unique violation")
		}
	}

	if applySummary(activity, summary) {
		if err := e.db.UpdateActivity(activity); err != nil {
			return nil, OutcomeFailed, err
		}
	}

	return activity, OutcomeEnriched, nil
}

// enrichFromFile downloads the binary file, decodes it, and fills the
// activity's track and power gaps.
func (e *Engine) enrichFromFile(ctx context.Context, integ *database.Integration, client ProviderAPI, event *database.WebhookEvent, activity *database.Activity) error {
	accessToken, err := e.tokens.ValidAccessToken(ctx, integ)
	if err != nil {
		return err
	}

	data, err := client.DownloadFile(ctx, accessToken, *event.FileURL)
	if err != nil {
		return err
	}

	decoded, err := fitfile.Decode(data)
	if err != nil {
		return err
	}

	if applyFileData(activity, decoded) {
		if err := e.db.UpdateActivity(activity); err != nil {
			return err
		}
	}

	return nil
}

// Reprocess re-runs a stored event from its persisted payload. Used by
// the polling worker and the CLI instead of asking the provider to
// redeliver.
func (e *Engine) Reprocess(ctx context.Context, event *database.WebhookEvent) *Result {
	n, err := ParseNotification([]byte(event.Payload))
	if err != nil {
		result := e.fail(event, err)
		metrics.ReprocessedEventsTotal.WithLabelValues(event.Provider, string(result.Outcome)).Inc()
		return result
	}

	// A file URL attached after the original delivery lives only on the
	// event row
	if event.FileURL != nil {
		n.FileURL = event.FileURL
	}

	var result *Result
	integ, err := e.db.GetIntegrationByProviderUser(event.Provider, event.ProviderUserID)
	switch {
	case err != nil:
		result = &Result{Outcome: OutcomeFailed, EventID: event.ID, Error: err.Error(), ErrorKind: metrics.ErrorKindTransient}
	case integ == nil:
		result = e.fail(event, fmt.Errorf("integration no longer linked"))
	default:
		result = e.processEvent(ctx, integ, event, n)
	}

	metrics.ReprocessedEventsTotal.WithLabelValues(event.Provider, string(result.Outcome)).Inc()
	return result
}

// SyncOutcome summarizes a user-triggered sync
type SyncOutcome struct {
	Integrations      int      `json:"integrations"`
	Reprocessed       int      `json:"reprocessed"`
	Failed            int      `json:"failed"`
	ReconnectRequired []string `json:"reconnect_required,omitempty"`
}

// SyncUser works through the user's pending events across all linked
// providers. Auth failures stop that provider's batch and flag it for
// reconnection rather than burning attempts on every event.
func (e *Engine) SyncUser(ctx context.Context, userID int64) (*SyncOutcome, error) {
	integrations, err := e.db.ListIntegrationsByUser(userID)
	if err != nil {
		return nil, err
	}

	outcome := &SyncOutcome{Integrations: len(integrations)}

	for _, integ := range integrations {
		events, err := e.db.ListUnprocessedEventsByIntegration(integ.Provider, integ.ProviderUserID, syncBatchSize)
		if err != nil {
			return nil, err
		}

		authFailed := false
		for _, event := range events {
			result := e.Reprocess(ctx, event)
			if result.Outcome == OutcomeFailed {
				outcome.Failed++
				if result.ErrorKind == metrics.ErrorKindAuth {
					authFailed = true
					break
				}
				continue
			}
			outcome.Reprocessed++
		}

		if authFailed {
			outcome.ReconnectRequired = append(outcome.ReconnectRequired, integ.Provider)
			if err := e.db.SetIntegrationSyncError(integ.ID, "authorization expired"); err != nil {
				e.logger.Error("failed to record sync error", "integration_id", integ.ID, "error", err)
			}
			continue
		}

		if err := e.db.SetIntegrationSynced(integ.ID, time.Now().Unix()); err != nil {
			e.logger.Error("failed to record sync time", "integration_id", integ.ID, "error", err)
		}
	}

	return outcome, nil
}

func (e *Engine) fail(event *database.WebhookEvent, err error) *Result {
	kind := classifyError(err)

	e.logger.Error("event processing failed",
		"provider", event.Provider, "event_id", event.ID,
		"error", err, "error_kind", kind)

	if markErr := e.db.MarkWebhookEventFailed(event.ID, err.Error(), kind); markErr != nil {
		e.logger.Error("failed to record event failure", "event_id", event.ID, "error", markErr)
	}

	return &Result{Outcome: OutcomeFailed, EventID: event.ID, Error: err.Error(), ErrorKind: kind}
}

// classifyError maps a failure to an error kind: auth and transient
// kinds are eligible for the reprocessing pass, permanent ones are not.
func classifyError(err error) string {
	var decodeErr *fitfile.DecodeError
	switch {
	case errors.Is(err, provider.ErrAuthExpired):
		return metrics.ErrorKindAuth
	case errors.Is(err, provider.ErrPermissionDenied):
		// Resolvable by a scope grant, then a reprocess
		return metrics.ErrorKindAuth
	case errors.Is(err, provider.ErrFileGone),
		errors.Is(err, provider.ErrNotFound),
		errors.Is(err, fitfile.ErrMalformedFile),
		errors.Is(err, ErrMalformedPayload),
		errors.As(err, &decodeErr):
		return metrics.ErrorKindPermanent
	default:
		return metrics.ErrorKindTransient
	}
}
