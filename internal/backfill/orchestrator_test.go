package backfill

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"coachsync/internal/database"
	"coachsync/internal/provider"
)

type fakeRequester struct {
	err   error
	calls int
	from  time.Time
	to    time.Time
}

func (f *fakeRequester) RequestBackfill(ctx context.Context, accessToken string, from, to time.Time) error {
	f.calls++
	f.from = from
	f.to = to
	return f.err
}

type fakeTokens struct {
	err error
}

func (f *fakeTokens) ValidAccessToken(ctx context.Context, integration *database.Integration) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return "access_token", nil
}

func setupOrchestrator(t *testing.T) (*Orchestrator, *database.DB, *fakeRequester, *fakeTokens) {
	t.Helper()

	db, err := database.Open(t.TempDir() + "/test.db")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Init())

	requester := &fakeRequester{}
	tokens := &fakeTokens{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	o := NewOrchestrator(db, map[string]Requester{"garmin": requester}, tokens, logger)
	return o, db, requester, tokens
}

func linkIntegration(t *testing.T, db *database.DB) *database.Integration {
	t.Helper()

	integ := &database.Integration{
		UserID:         42,
		Provider:       "garmin",
		ProviderUserID: "prov-user-1",
		AccessToken:    "access_token",
		RefreshToken:   "refresh_token",
		TokenExpiresAt: time.Now().Add(time.Hour).Unix(),
	}
	require.NoError(t, db.UpsertIntegration(integ))
	return integ
}

func TestRequestWithinBound(t *testing.T) {
	o, db, requester, _ := setupOrchestrator(t)
	integ := linkIntegration(t, db)

	outcome, err := o.Request(context.Background(), integ, 14)
	require.NoError(t, err)
	require.True(t, outcome.Accepted)
	require.Equal(t, 14, outcome.RequestedDays)
	require.Equal(t, 14, outcome.WindowDays)
	require.Empty(t, outcome.Note)
	require.Equal(t, 1, requester.calls)

	// Requested time range covers the window, nothing more
	wantFrom := time.Now().AddDate(0, 0, -14)
	require.InDelta(t, wantFrom.Unix(), requester.from.Unix(), 5)
	require.InDelta(t, time.Now().Unix(), requester.to.Unix(), 5)

	stored, err := db.GetIntegration(42, "garmin")
	require.NoError(t, err)
	require.NotNil(t, stored.LastSyncAt)
}

func TestRequestClampsOversizedWindow(t *testing.T) {
	o, db, requester, _ := setupOrchestrator(t)
	integ := linkIntegration(t, db)

	outcome, err := o.Request(context.Background(), integ, 45)
	require.NoError(t, err)
	require.True(t, outcome.Accepted)
	require.Equal(t, 45, outcome.RequestedDays)
	require.Equal(t, MaxWindowDays, outcome.WindowDays)
	require.Contains(t, outcome.Note, "re-request")

	wantFrom := time.Now().AddDate(0, 0, -MaxWindowDays)
	require.InDelta(t, wantFrom.Unix(), requester.from.Unix(), 5)
}

func TestRequestInFlightIsAccepted(t *testing.T) {
	o, db, requester, _ := setupOrchestrator(t)
	integ := linkIntegration(t, db)

	requester.err = provider.ErrBackfillInFlight

	outcome, err := o.Request(context.Background(), integ, 30)
	require.NoError(t, err)
	require.True(t, outcome.Accepted)
	require.Contains(t, outcome.Note, "in flight")
}

func TestRequestAuthExpired(t *testing.T) {
	o, db, _, tokens := setupOrchestrator(t)
	integ := linkIntegration(t, db)

	tokens.err = provider.ErrAuthExpired

	outcome, err := o.Request(context.Background(), integ, 30)
	require.NoError(t, err)
	require.False(t, outcome.Accepted)
	require.True(t, outcome.ReconnectRequired)
	require.False(t, outcome.PermissionRequired)

	stored, err := db.GetIntegration(42, "garmin")
	require.NoError(t, err)
	require.NotNil(t, stored.SyncError)
}

func TestRequestPermissionDenied(t *testing.T) {
	o, db, requester, _ := setupOrchestrator(t)
	integ := linkIntegration(t, db)

	requester.err = provider.ErrPermissionDenied

	outcome, err := o.Request(context.Background(), integ, 30)
	require.NoError(t, err)
	require.False(t, outcome.Accepted)
	require.True(t, outcome.PermissionRequired)
	require.False(t, outcome.ReconnectRequired, "permission denial is not an auth failure")
}

func TestRequestTransientFailure(t *testing.T) {
	o, db, requester, _ := setupOrchestrator(t)
	integ := linkIntegration(t, db)

	requester.err = &provider.TransientError{Op: "backfill request", Err: context.DeadlineExceeded}

	outcome, err := o.Request(context.Background(), integ, 30)
	require.NoError(t, err)
	require.False(t, outcome.Accepted)
	require.True(t, outcome.RetryLater)
}

func TestRequestRateLimited(t *testing.T) {
	o, db, requester, _ := setupOrchestrator(t)
	integ := linkIntegration(t, db)

	requester.err = provider.ErrRateLimited

	outcome, err := o.Request(context.Background(), integ, 30)
	require.NoError(t, err, "a rate-limited request is a structured outcome, not a hard failure")
	require.False(t, outcome.Accepted)
	require.True(t, outcome.RetryLater)
	require.Contains(t, outcome.Note, "rate limit")
}

func TestRequestForUser(t *testing.T) {
	o, db, _, _ := setupOrchestrator(t)
	linkIntegration(t, db)

	outcomes, err := o.RequestForUser(context.Background(), 42, 30)
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	require.True(t, outcomes[0].Accepted)
	require.Equal(t, "garmin", outcomes[0].Provider)

	// No linked providers yields no outcomes, not an error
	outcomes, err = o.RequestForUser(context.Background(), 99, 30)
	require.NoError(t, err)
	require.Empty(t, outcomes)
}
