package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/muktihari/fit/encoder"
	"github.com/muktihari/fit/profile/mesgdef"
	"github.com/muktihari/fit/profile/typedef"
	"github.com/muktihari/fit/proto"
	"github.com/stretchr/testify/require"

	"coachsync/internal/database"
	"coachsync/internal/metrics"
	"coachsync/internal/provider"
)

type fakeProviderAPI struct {
	summary       *provider.ActivitySummary
	detailErr     error
	file          []byte
	fileErr       error
	detailCalls   int
	downloadCalls int
}

func (f *fakeProviderAPI) GetActivityDetail(ctx context.Context, accessToken, activityID string) (*provider.ActivitySummary, error) {
	f.detailCalls++
	if f.detailErr != nil {
		return nil, f.detailErr
	}
	return f.summary, nil
}

func (f *fakeProviderAPI) DownloadFile(ctx context.Context, accessToken, fileURL string) ([]byte, error) {
	f.downloadCalls++
	if f.fileErr != nil {
		return nil, f.fileErr
	}
	return f.file, nil
}

type fakeTokens struct {
	token string
	err   error
}

func (f *fakeTokens) ValidAccessToken(ctx context.Context, integration *database.Integration) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.token, nil
}

func setupEngine(t *testing.T) (*Engine, *database.DB, *fakeProviderAPI, *fakeTokens) {
	t.Helper()

	db, err := database.Open(t.TempDir() + "/test.db")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Init())

	api := &fakeProviderAPI{}
	tokens := &fakeTokens{token: "access_token"}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	engine := NewEngine(db, map[string]ProviderAPI{"garmin": api}, tokens, logger)
	return engine, db, api, tokens
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

func testSummary() *provider.ActivitySummary {
	name := "Morning Ride"
	sport := "cycling"
	distance := 20000.0
	avgWatts := 210.0
	return &provider.ActivitySummary{
		Name:      &name,
		Sport:     &sport,
		StartDate: 1700000000,
		DistanceM: &distance,
		AvgWatts:  &avgWatts,
	}
}

func pushBody(t *testing.T, activityID string, summary *provider.ActivitySummary) []byte {
	t.Helper()
	body, err := json.Marshal(notificationPayload{
		UserID:     "prov-user-1",
		ActivityID: activityID,
		Summary:    summary,
	})
	require.NoError(t, err)
	return body
}

func pingBody(t *testing.T, activityID, fileURL string) []byte {
	t.Helper()
	body, err := json.Marshal(notificationPayload{
		UserID:     "prov-user-1",
		ActivityID: activityID,
		FileURL:    &fileURL,
	})
	require.NoError(t, err)
	return body
}

// testFitFile builds a ride with 40 positioned power samples, enough
// for a normalized power value
func testFitFile(t *testing.T) []byte {
	t.Helper()

	start := time.Date(2023, 11, 14, 22, 13, 20, 0, time.UTC)

	fileID := mesgdef.NewFileId(nil).
		SetType(typedef.FileActivity).
		SetManufacturer(typedef.ManufacturerDevelopment).
		SetProduct(1).
		SetTimeCreated(start)

	fit := &proto.FIT{Messages: []proto.Message{fileID.ToMesg(nil)}}
	for i := 0; i < 40; i++ {
		lat := 51.5 + float64(i)*0.0002
		lng := -0.12
		rec := mesgdef.NewRecord(nil).
			SetTimestamp(start.Add(time.Duration(i) * time.Second)).
			SetPositionLat(int32(lat * 11930464.7111)).
			SetPositionLong(int32(lng * 11930464.7111)).
			SetPower(uint16(200 + i)).
			SetHeartRate(uint8(140 + i%10))
		fit.Messages = append(fit.Messages, rec.ToMesg(nil))
	}

	var buf bytes.Buffer
	require.NoError(t, encoder.New(&buf).Encode(fit))
	return buf.Bytes()
}

func TestProcessMalformedPayload(t *testing.T) {
	engine, _, _, _ := setupEngine(t)

	_, err := engine.Process(context.Background(), "garmin", []byte(`{`))
	require.ErrorIs(t, err, ErrMalformedPayload)

	// Valid JSON but neither summary nor file reference
	_, err = engine.Process(context.Background(), "garmin", []byte(`{"user_id":"u","activity_id":"a"}`))
	require.ErrorIs(t, err, ErrMalformedPayload)
}

func TestProcessUnlinkedAccount(t *testing.T) {
	engine, db, _, _ := setupEngine(t)

	result, err := engine.Process(context.Background(), "garmin", pushBody(t, "a-1", testSummary()))
	require.NoError(t, err)
	require.Equal(t, OutcomeNotLinked, result.Outcome)

	// No event row is recorded for unlinked accounts
	event, err := db.GetWebhookEventByActivity("garmin", "prov-user-1", "a-1")
	require.NoError(t, err)
	require.Nil(t, event)
}

func TestProcessPushCreatesActivity(t *testing.T) {
	engine, db, _, _ := setupEngine(t)
	linkIntegration(t, db)

	result, err := engine.Process(context.Background(), "garmin", pushBody(t, "a-1", testSummary()))
	require.NoError(t, err)
	require.Equal(t, OutcomeCreated, result.Outcome)
	require.NotZero(t, result.ActivityID)

	activity, err := db.GetActivity(result.ActivityID)
	require.NoError(t, err)
	require.NotNil(t, activity)
	require.Equal(t, int64(42), activity.UserID)
	require.Equal(t, "a-1", activity.ProviderActivityID)
	require.NotNil(t, activity.Name)
	require.Equal(t, "Morning Ride", *activity.Name)
	require.NotNil(t, activity.AvgWatts)
	require.Equal(t, 210.0, *activity.AvgWatts)
	require.Equal(t, int64(1700000000), activity.StartDate)
	require.Equal(t, "garmin", activity.ImportedFrom)

	event, err := db.GetWebhookEvent(result.EventID)
	require.NoError(t, err)
	require.True(t, event.Processed)
	require.NotNil(t, event.ActivityID)
	require.Equal(t, result.ActivityID, *event.ActivityID)
	require.Equal(t, string(KindPush), event.EventType)
}

func TestRedeliveredPushIsDuplicate(t *testing.T) {
	engine, db, _, _ := setupEngine(t)
	linkIntegration(t, db)

	body := pushBody(t, "a-1", testSummary())

	first, err := engine.Process(context.Background(), "garmin", body)
	require.NoError(t, err)
	require.Equal(t, OutcomeCreated, first.Outcome)

	second, err := engine.Process(context.Background(), "garmin", body)
	require.NoError(t, err)
	require.Equal(t, OutcomeDuplicate, second.Outcome)
	require.Equal(t, first.EventID, second.EventID)
}

func TestProcessPingFetchesDetailAndFile(t *testing.T) {
	engine, db, api, _ := setupEngine(t)
	linkIntegration(t, db)

	api.summary = testSummary()
	api.file = testFitFile(t)

	result, err := engine.Process(context.Background(), "garmin", pingBody(t, "a-1", "https://files.example.com/a-1.fit"))
	require.NoError(t, err)
	require.Equal(t, OutcomeCreated, result.Outcome)
	require.Equal(t, 1, api.detailCalls)
	require.Equal(t, 1, api.downloadCalls)

	activity, err := db.GetActivity(result.ActivityID)
	require.NoError(t, err)
	require.NotNil(t, activity.MapSummaryPolyline, "expected polyline from file track")
	require.NotNil(t, activity.NormalizedWatts, "expected normalized power from file stream")
	require.NotNil(t, activity.PowerCurveJSON)
	// Provider summary fields survive alongside file enrichment
	require.NotNil(t, activity.AvgWatts)
	require.Equal(t, 210.0, *activity.AvgWatts)
}

func TestSummaryBeforeFileOrdering(t *testing.T) {
	engine, db, api, _ := setupEngine(t)
	linkIntegration(t, db)

	// Summary arrives first, no file reference
	first, err := engine.Process(context.Background(), "garmin", pushBody(t, "a-1", testSummary()))
	require.NoError(t, err)
	require.Equal(t, OutcomeCreated, first.Outcome)

	created, err := db.GetActivity(first.ActivityID)
	require.NoError(t, err)
	require.Nil(t, created.MapSummaryPolyline)

	// File reference arrives later for the same activity
	api.summary = testSummary()
	api.file = testFitFile(t)

	second, err := engine.Process(context.Background(), "garmin", pingBody(t, "a-1", "https://files.example.com/a-1.fit"))
	require.NoError(t, err)
	require.Equal(t, OutcomeEnriched, second.Outcome)
	require.Equal(t, first.EventID, second.EventID, "late file must reopen the existing event, not create a second")

	enriched, err := db.GetActivity(first.ActivityID)
	require.NoError(t, err)
	require.NotNil(t, enriched.MapSummaryPolyline)
	require.NotNil(t, enriched.NormalizedWatts)
	// Fill-only: the original summary value is untouched
	require.Equal(t, 210.0, *enriched.AvgWatts)
}

func TestFileBeforeSummaryOrdering(t *testing.T) {
	engine, db, api, _ := setupEngine(t)
	linkIntegration(t, db)

	api.summary = testSummary()
	api.file = testFitFile(t)

	first, err := engine.Process(context.Background(), "garmin", pingBody(t, "a-1", "https://files.example.com/a-1.fit"))
	require.NoError(t, err)
	require.Equal(t, OutcomeCreated, first.Outcome)

	// The push redelivery brings nothing the stored event lacks
	second, err := engine.Process(context.Background(), "garmin", pushBody(t, "a-1", testSummary()))
	require.NoError(t, err)
	require.Equal(t, OutcomeDuplicate, second.Outcome)

	activity, err := db.GetActivity(first.ActivityID)
	require.NoError(t, err)
	require.NotNil(t, activity.MapSummaryPolyline)
}

func TestExistingActivityEnrichedNotOverwritten(t *testing.T) {
	engine, db, _, _ := setupEngine(t)
	linkIntegration(t, db)

	// Backfilled copy already exists with a name but no power
	existingName := "Backfilled Ride"
	require.NoError(t, db.CreateActivity(&database.Activity{
		UserID:             42,
		Provider:           "garmin",
		ProviderActivityID: "a-1",
		Name:               &existingName,
		StartDate:          1700000000,
		RawData:            "{}",
		ImportedFrom:       "garmin",
	}))

	result, err := engine.Process(context.Background(), "garmin", pushBody(t, "a-1", testSummary()))
	require.NoError(t, err)
	require.Equal(t, OutcomeEnriched, result.Outcome)

	activity, err := db.GetActivity(result.ActivityID)
	require.NoError(t, err)
	require.Equal(t, "Backfilled Ride", *activity.Name, "populated fields must not be overwritten")
	require.NotNil(t, activity.AvgWatts, "missing fields must be filled")
	require.Equal(t, 210.0, *activity.AvgWatts)
}

// racingStore hides an existing row from the first lookup, so the
// engine's insert collides with the row a concurrent delivery already
// wrote. That forces the unique-violation fallback without needing two
// real interleaved deliveries.
type racingStore struct {
	Store
	hideActivityOnce bool
	hideEventOnce    bool
}

func (s *racingStore) GetActivityByKey(userID int64, provider, providerActivityID string) (*database.Activity, error) {
	if s.hideActivityOnce {
		s.hideActivityOnce = false
		return nil, nil
	}
	return s.Store.GetActivityByKey(userID, provider, providerActivityID)
}

func (s *racingStore) GetWebhookEventByActivity(provider, providerUserID, providerActivityID string) (*database.WebhookEvent, error) {
	if s.hideEventOnce {
		s.hideEventOnce = false
		return nil, nil
	}
	return s.Store.GetWebhookEventByActivity(provider, providerUserID, providerActivityID)
}

func racingEngine(t *testing.T, db *database.DB, store *racingStore) *Engine {
	t.Helper()
	store.Store = db
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewEngine(store, map[string]ProviderAPI{"garmin": &fakeProviderAPI{}}, &fakeTokens{token: "access_token"}, logger)
}

func TestActivityInsertRaceFallsBackToEnrich(t *testing.T) {
	_, db, _, _ := setupEngine(t)
	linkIntegration(t, db)

	// A concurrent delivery already created the activity
	existingName := "Backfilled Ride"
	require.NoError(t, db.CreateActivity(&database.Activity{
		UserID:             42,
		Provider:           "garmin",
		ProviderActivityID: "a-1",
		Name:               &existingName,
		StartDate:          1700000000,
		RawData:            "{}",
		ImportedFrom:       "garmin",
	}))

	engine := racingEngine(t, db, &racingStore{hideActivityOnce: true})

	result, err := engine.Process(context.Background(), "garmin", pushBody(t, "a-1", testSummary()))
	require.NoError(t, err, "losing the insert race is the enrichment path, not an error")
	require.Equal(t, OutcomeEnriched, result.Outcome)

	activity, err := db.GetActivity(result.ActivityID)
	require.NoError(t, err)
	require.Equal(t, "Backfilled Ride", *activity.Name, "winner's fields survive the re-read")
	require.NotNil(t, activity.AvgWatts)
	require.Equal(t, 210.0, *activity.AvgWatts, "loser's summary still fills the gaps")

	all, err := db.ListActivitiesByUser(42)
	require.NoError(t, err)
	require.Len(t, all, 1, "the collision must not leave a second row")
}

func TestEventInsertRaceReusesWinnersRow(t *testing.T) {
	_, db, _, _ := setupEngine(t)
	linkIntegration(t, db)

	// A concurrent delivery already recorded the event, unprocessed
	body := pushBody(t, "a-1", testSummary())
	winner := &database.WebhookEvent{
		Provider:           "garmin",
		ProviderUserID:     "prov-user-1",
		ProviderActivityID: strPtr("a-1"),
		EventType:          string(KindPush),
		Payload:            string(body),
	}
	require.NoError(t, db.CreateWebhookEvent(winner))

	engine := racingEngine(t, db, &racingStore{hideEventOnce: true})

	result, err := engine.Process(context.Background(), "garmin", body)
	require.NoError(t, err)
	require.Equal(t, OutcomeCreated, result.Outcome)
	require.Equal(t, winner.ID, result.EventID, "the winner's row is the event now")

	event, err := db.GetWebhookEvent(winner.ID)
	require.NoError(t, err)
	require.True(t, event.Processed)
}

func strPtr(s string) *string { return &s }

func TestAuthFailureRecordedAndReprocessable(t *testing.T) {
	engine, db, api, tokens := setupEngine(t)
	linkIntegration(t, db)

	api.summary = testSummary()
	api.file = testFitFile(t)
	tokens.err = provider.ErrAuthExpired

	result, err := engine.Process(context.Background(), "garmin", pingBody(t, "a-1", "https://files.example.com/a-1.fit"))
	require.NoError(t, err, "auth failure is recorded, not surfaced to the delivery")
	require.Equal(t, OutcomeFailed, result.Outcome)
	require.Equal(t, metrics.ErrorKindAuth, result.ErrorKind)

	events, err := db.ListReprocessableEvents(0, 5, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)

	// User re-authorizes; the stored payload is replayed
	tokens.err = nil
	reprocessed := engine.Reprocess(context.Background(), events[0])
	require.Equal(t, OutcomeCreated, reprocessed.Outcome)

	event, err := db.GetWebhookEvent(events[0].ID)
	require.NoError(t, err)
	require.True(t, event.Processed)
	require.Nil(t, event.ProcessError)
}

func TestExpiredFileURLIsPermanent(t *testing.T) {
	engine, db, api, _ := setupEngine(t)
	linkIntegration(t, db)

	api.summary = testSummary()
	api.fileErr = provider.ErrFileGone

	result, err := engine.Process(context.Background(), "garmin", pingBody(t, "a-1", "https://files.example.com/expired.fit"))
	require.NoError(t, err)
	require.Equal(t, OutcomeFailed, result.Outcome)
	require.Equal(t, metrics.ErrorKindPermanent, result.ErrorKind)

	// Permanent failures are never picked up again
	events, err := db.ListReprocessableEvents(0, 5, 10)
	require.NoError(t, err)
	require.Empty(t, events)
}

func TestSyncUserWorksThroughPendingEvents(t *testing.T) {
	engine, db, api, _ := setupEngine(t)
	integ := linkIntegration(t, db)

	api.summary = testSummary()
	api.fileErr = provider.ErrFileGone

	// First delivery fails while the download URL is erroring
	api.detailErr = &provider.TransientError{Op: "activity detail", Err: context.DeadlineExceeded}
	result, err := engine.Process(context.Background(), "garmin", pingBody(t, "a-1", "https://files.example.com/a-1.fit"))
	require.NoError(t, err)
	require.Equal(t, OutcomeFailed, result.Outcome)
	require.Equal(t, metrics.ErrorKindTransient, result.ErrorKind)

	// Provider recovers, then the user hits sync
	api.detailErr = nil
	api.fileErr = nil
	api.file = testFitFile(t)

	outcome, err := engine.SyncUser(context.Background(), 42)
	require.NoError(t, err)
	require.Equal(t, 1, outcome.Integrations)
	require.Equal(t, 1, outcome.Reprocessed)
	require.Zero(t, outcome.Failed)
	require.Empty(t, outcome.ReconnectRequired)

	stored, err := db.GetIntegration(42, "garmin")
	require.NoError(t, err)
	require.NotNil(t, stored.LastSyncAt)
	require.Equal(t, integ.ProviderUserID, stored.ProviderUserID)
}

func TestSyncUserFlagsReconnect(t *testing.T) {
	engine, db, api, tokens := setupEngine(t)
	linkIntegration(t, db)

	api.summary = testSummary()
	tokens.err = provider.ErrAuthExpired

	_, err := engine.Process(context.Background(), "garmin", pingBody(t, "a-1", "https://files.example.com/a-1.fit"))
	require.NoError(t, err)

	outcome, err := engine.SyncUser(context.Background(), 42)
	require.NoError(t, err)
	require.Equal(t, []string{"garmin"}, outcome.ReconnectRequired)

	stored, err := db.GetIntegration(42, "garmin")
	require.NoError(t, err)
	require.NotNil(t, stored.SyncError)
}
