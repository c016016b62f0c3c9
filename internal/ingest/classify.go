package ingest

import (
	"encoding/json"
	"errors"

	"coachsync/internal/provider"
)

// ErrMalformedPayload means the webhook body is structurally invalid.
// The only processing failure that earns a non-200 response.
var ErrMalformedPayload = errors.New("malformed webhook payload")

// EventKind classifies a notification by its payload shape
type EventKind string

const (
	// KindPush carries the activity summary inline
	KindPush EventKind = "push"
	// KindPing carries only a file reference and needs a detail fetch
	KindPing EventKind = "ping"
)

// Notification is one parsed inbound webhook delivery. The kind is
// decided here, once, and never re-derived downstream.
type Notification struct {
	ProviderUserID string
	ActivityID     string
	Kind           EventKind
	Summary        *provider.ActivitySummary
	FileURL        *string
	Raw            []byte
}

type notificationPayload struct {
	UserID     string                    `json:"user_id"`
	ActivityID string                    `json:"activity_id"`
	Summary    *provider.ActivitySummary `json:"summary,omitempty"`
	FileURL    *string                   `json:"file_url,omitempty"`
}

// ParseNotification classifies a webhook body. A summary-bearing
// payload is a push; a file-reference-only payload is a ping. The file
// URL is extracted here regardless of kind, before any duplicate
// handling, so a file arriving alongside a redelivered summary is
// never dropped.
func ParseNotification(body []byte) (*Notification, error) {
	var payload notificationPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, ErrMalformedPayload
	}

	if payload.UserID == "" || payload.ActivityID == "" {
		return nil, ErrMalformedPayload
	}

	n := &Notification{
		ProviderUserID: payload.UserID,
		ActivityID:     payload.ActivityID,
		Summary:        payload.Summary,
		FileURL:        payload.FileURL,
		Raw:            body,
	}

	if n.FileURL == nil && payload.Summary != nil && payload.Summary.FileURL != nil {
		n.FileURL = payload.Summary.FileURL
	}

	switch {
	case payload.Summary != nil:
		n.Kind = KindPush
	case n.FileURL != nil:
		n.Kind = KindPing
	default:
		return nil, ErrMalformedPayload
	}

	return n, nil
}
