package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"coachsync/internal/config"
	"coachsync/internal/ingest"
)

// WebhookHandler handles provider webhook callbacks
type WebhookHandler struct {
	engine *ingest.Engine
	config *config.Config
	logger *slog.Logger
}

// NewWebhookHandler creates a new webhook handler
func NewWebhookHandler(engine *ingest.Engine, cfg *config.Config) *WebhookHandler {
	return &WebhookHandler{
		engine: engine,
		config: cfg,
		logger: slog.Default(),
	}
}

// HandleVerification handles GET requests for subscription verification
func (h *WebhookHandler) HandleVerification(w http.ResponseWriter, r *http.Request) {
	providerName := chi.URLParam(r, "provider")
	pc, err := h.config.Provider(providerName)
	if err != nil {
		http.Error(w, "Unknown provider", http.StatusNotFound)
		return
	}

	hubChallenge := r.URL.Query().Get("hub.challenge")
	hubVerifyToken := r.URL.Query().Get("hub.verify_token")

	h.logger.Info("Webhook verification request",
		"provider", providerName,
		"hub.challenge", hubChallenge[:min(20, len(hubChallenge))])

	if pc.VerifyToken == "" || hubVerifyToken != pc.VerifyToken {
		h.logger.Warn("Invalid verify token", "provider", providerName)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	if err := json.NewEncoder(w).Encode(map[string]string{"hub.challenge": hubChallenge}); err != nil {
		h.logger.Error("Failed to encode challenge response", "error", err)
	}
}

// HandleEvent handles POST requests for webhook notifications.
// Every delivery that can be attributed to a provider is acknowledged
// with 200 whatever its processing outcome; a non-2xx answer would only
// make the provider redeliver a payload we have already recorded.
func (h *WebhookHandler) HandleEvent(w http.ResponseWriter, r *http.Request) {
	providerName := chi.URLParam(r, "provider")
	if !h.config.HasProvider(providerName) {
		http.Error(w, "Unknown provider", http.StatusNotFound)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.logger.Error("Failed to read webhook body", "error", err)
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	result, err := h.engine.Process(r.Context(), providerName, body)
	if err != nil {
		if errors.Is(err, ingest.ErrMalformedPayload) {
			h.logger.Warn("Malformed webhook payload", "provider", providerName, "error", err)
			http.Error(w, "Bad request", http.StatusBadRequest)
			return
		}
		h.logger.Error("Webhook processing failed", "provider", providerName, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	h.logger.Info("Webhook processed",
		"provider", providerName,
		"outcome", result.Outcome,
		"event_id", result.EventID,
		"activity_id", result.ActivityID)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(result); err != nil {
		h.logger.Error("Failed to encode webhook response", "error", err)
	}
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
