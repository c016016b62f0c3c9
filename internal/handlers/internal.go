package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"coachsync/internal/backfill"
	"coachsync/internal/config"
	"coachsync/internal/dedup"
	"coachsync/internal/ingest"
)

// InternalHandler serves the internal API consumed by the coaching
// backend: user-triggered sync, backfill and duplicate management.
// Every endpoint requires the shared internal API key.
type InternalHandler struct {
	engine       *ingest.Engine
	orchestrator *backfill.Orchestrator
	dedup        *dedup.Deduplicator
	config       *config.Config
	logger       *slog.Logger
}

// NewInternalHandler creates a new internal API handler
func NewInternalHandler(engine *ingest.Engine, orchestrator *backfill.Orchestrator, dd *dedup.Deduplicator, cfg *config.Config) *InternalHandler {
	return &InternalHandler{
		engine:       engine,
		orchestrator: orchestrator,
		dedup:        dd,
		config:       cfg,
		logger:       slog.Default(),
	}
}

// authorized verifies the Authorization header against the internal API key
func (h *InternalHandler) authorized(w http.ResponseWriter, r *http.Request) bool {
	authHeader := r.Header.Get("Authorization")
	if authHeader != "Bearer "+h.config.InternalAPIKey {
		h.logger.Warn("Unauthorized internal API request",
			"path", r.URL.Path, "has_auth", authHeader != "")
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return false
	}
	return true
}

// userID parses the {userID} path parameter
func (h *InternalHandler) userID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "userID"), 10, 64)
	if err != nil || id <= 0 {
		http.Error(w, "Invalid user ID", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

func (h *InternalHandler) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("Failed to encode response", "error", err)
	}
}

// HandleSync handles POST /api/sync/{userID}: works through the user's
// pending webhook events on demand
func (h *InternalHandler) HandleSync(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(w, r) {
		return
	}
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	outcome, err := h.engine.SyncUser(r.Context(), userID)
	if err != nil {
		h.logger.Error("Sync failed", "user_id", userID, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	h.logger.Info("Sync completed",
		"user_id", userID,
		"integrations", outcome.Integrations,
		"reprocessed", outcome.Reprocessed,
		"failed", outcome.Failed)

	h.writeJSON(w, outcome)
}

// HandleBackfill handles POST /api/backfill/{userID}?days=N: asks every
// linked provider to replay historical activities
func (h *InternalHandler) HandleBackfill(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(w, r) {
		return
	}
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	days := 0
	if daysStr := r.URL.Query().Get("days"); daysStr != "" {
		var err error
		days, err = strconv.Atoi(daysStr)
		if err != nil || days < 0 {
			http.Error(w, "Invalid days parameter", http.StatusBadRequest)
			return
		}
	}

	outcomes, err := h.orchestrator.RequestForUser(r.Context(), userID, days)
	if err != nil {
		h.logger.Error("Backfill failed", "user_id", userID, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, map[string]interface{}{"backfills": outcomes})
}

// HandleDuplicates handles GET /api/duplicates/{userID}: reports
// duplicate groups without touching anything
func (h *InternalHandler) HandleDuplicates(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(w, r) {
		return
	}
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	groups, err := h.dedup.FindDuplicates(userID)
	if err != nil {
		h.logger.Error("Duplicate scan failed", "user_id", userID, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	if groups == nil {
		groups = []dedup.Group{}
	}

	h.writeJSON(w, map[string]interface{}{"groups": groups})
}

type mergeRequest struct {
	DryRun bool `json:"dry_run"`
}

// HandleMerge handles POST /api/duplicates/{userID}/merge: coalesces
// each duplicate group into its recommended record. With dry_run the
// merge plan is returned without modifying anything.
func (h *InternalHandler) HandleMerge(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(w, r) {
		return
	}
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	var req mergeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	groups, err := h.dedup.FindDuplicates(userID)
	if err != nil {
		h.logger.Error("Duplicate scan failed", "user_id", userID, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	outcome, err := h.dedup.Merge(groups, req.DryRun)
	if err != nil {
		h.logger.Error("Merge failed", "user_id", userID, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	h.logger.Info("Merge completed",
		"user_id", userID,
		"dry_run", req.DryRun,
		"merged", outcome.Merged,
		"deleted", outcome.Deleted)

	h.writeJSON(w, outcome)
}
