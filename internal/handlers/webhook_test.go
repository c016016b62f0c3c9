package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	"coachsync/internal/config"
	"coachsync/internal/database"
	"coachsync/internal/ingest"
	"coachsync/internal/provider"
)

type fakeAPI struct{}

func (f *fakeAPI) GetActivityDetail(ctx context.Context, accessToken, activityID string) (*provider.ActivitySummary, error) {
	return &provider.ActivitySummary{StartDate: 1700000000}, nil
}

func (f *fakeAPI) DownloadFile(ctx context.Context, accessToken, fileURL string) ([]byte, error) {
	return nil, provider.ErrFileGone
}

type fakeTokens struct{}

func (f *fakeTokens) ValidAccessToken(ctx context.Context, integration *database.Integration) (string, error) {
	return "access-token", nil
}

func testConfig() *config.Config {
	return &config.Config{
		InternalAPIKey: "internal-key",
		Providers: map[string]config.ProviderConfig{
			"garmin": {Name: "garmin", VerifyToken: "verify-secret", Tier: 3},
			"wahoo":  {Name: "wahoo", Tier: 2},
		},
	}
}

func setupWebhook(t *testing.T) (*chi.Mux, *database.DB) {
	t.Helper()

	db, err := database.Open(t.TempDir() + "/test.db")
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := db.Init(); err != nil {
		t.Fatalf("Failed to initialize database: %v", err)
	}

	clients := map[string]ingest.ProviderAPI{"garmin": &fakeAPI{}, "wahoo": &fakeAPI{}}
	engine := ingest.NewEngine(db, clients, &fakeTokens{}, testLogger())
	handler := NewWebhookHandler(engine, testConfig())

	r := chi.NewRouter()
	r.Get("/webhook/{provider}", handler.HandleVerification)
	r.Post("/webhook/{provider}", handler.HandleEvent)
	return r, db
}

func linkTestIntegration(t *testing.T, db *database.DB) {
	t.Helper()

	err := db.UpsertIntegration(&database.Integration{
		UserID:         42,
		Provider:       "garmin",
		ProviderUserID: "prov-user-1",
		AccessToken:    "access-token",
		RefreshToken:   "refresh-token",
		TokenExpiresAt: 9999999999,
	})
	if err != nil {
		t.Fatalf("Failed to link integration: %v", err)
	}
}

func TestVerificationEchoesChallenge(t *testing.T) {
	router, _ := setupWebhook(t)

	req := httptest.NewRequest(http.MethodGet,
		"/webhook/garmin?hub.challenge=abc123&hub.verify_token=verify-secret", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}

	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if resp["hub.challenge"] != "abc123" {
		t.Errorf("Expected challenge echoed back, got %q", resp["hub.challenge"])
	}
}

func TestVerificationRejectsBadToken(t *testing.T) {
	router, _ := setupWebhook(t)

	req := httptest.NewRequest(http.MethodGet,
		"/webhook/garmin?hub.challenge=abc123&hub.verify_token=wrong", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 for bad verify token, got %d", rec.Code)
	}
}

func TestVerificationRejectsMissingToken(t *testing.T) {
	router, _ := setupWebhook(t)

	// The wahoo test fixture has no verify token configured; the
	// endpoint must fail closed rather than accept anything
	req := httptest.NewRequest(http.MethodGet,
		"/webhook/wahoo?hub.challenge=abc123&hub.verify_token=", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 when no verify token is configured, got %d", rec.Code)
	}
}

func TestVerificationUnknownProvider(t *testing.T) {
	router, _ := setupWebhook(t)

	req := httptest.NewRequest(http.MethodGet,
		"/webhook/polar?hub.challenge=abc&hub.verify_token=verify-secret", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown provider, got %d", rec.Code)
	}
}

func TestEventMalformedPayload(t *testing.T) {
	router, _ := setupWebhook(t)

	req := httptest.NewRequest(http.MethodPost, "/webhook/garmin",
		bytes.NewReader([]byte("not json")))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for malformed payload, got %d", rec.Code)
	}
}

func TestEventUnlinkedAccountStillAcknowledged(t *testing.T) {
	router, _ := setupWebhook(t)

	name := "Morning Ride"
	body, _ := json.Marshal(map[string]interface{}{
		"user_id":     "nobody",
		"activity_id": "act-1",
		"summary":     provider.ActivitySummary{Name: &name, StartDate: 1700000000},
	})

	req := httptest.NewRequest(http.MethodPost, "/webhook/garmin", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200 for unlinked account, got %d", rec.Code)
	}

	var result ingest.Result
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("Failed to parse result: %v", err)
	}
	if result.Outcome != ingest.OutcomeNotLinked {
		t.Errorf("Expected not_linked outcome, got %q", result.Outcome)
	}
}

func TestEventCreatesActivity(t *testing.T) {
	router, db := setupWebhook(t)
	linkTestIntegration(t, db)

	name := "Morning Ride"
	distance := 20000.0
	body, _ := json.Marshal(map[string]interface{}{
		"user_id":     "prov-user-1",
		"activity_id": "act-1",
		"summary":     provider.ActivitySummary{Name: &name, StartDate: 1700000000, DistanceM: &distance},
	})

	req := httptest.NewRequest(http.MethodPost, "/webhook/garmin", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}

	var result ingest.Result
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("Failed to parse result: %v", err)
	}
	if result.Outcome != ingest.OutcomeCreated {
		t.Fatalf("Expected created outcome, got %q", result.Outcome)
	}

	activity, err := db.GetActivity(result.ActivityID)
	if err != nil {
		t.Fatalf("Failed to load activity: %v", err)
	}
	if activity == nil || *activity.Name != "Morning Ride" {
		t.Errorf("Expected stored activity, got %+v", activity)
	}
}

func TestEventProcessingFailureStillAcknowledged(t *testing.T) {
	router, db := setupWebhook(t)
	linkTestIntegration(t, db)

	// Ping for a file the fake provider reports gone: processing fails
	// permanently but the delivery is still acknowledged with 200
	body, _ := json.Marshal(map[string]interface{}{
		"user_id":     "prov-user-1",
		"activity_id": "act-2",
		"file_url":    "https://files.example.com/act-2.fit",
	})

	req := httptest.NewRequest(http.MethodPost, "/webhook/garmin", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200 for failed processing, got %d", rec.Code)
	}

	var result ingest.Result
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("Failed to parse result: %v", err)
	}
	if result.Outcome != ingest.OutcomeFailed {
		t.Errorf("Expected failed outcome, got %q", result.Outcome)
	}
	if result.ErrorKind != "permanent" {
		t.Errorf("Expected permanent error kind, got %q", result.ErrorKind)
	}
}
