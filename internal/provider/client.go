package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"coachsync/internal/config"
	"coachsync/internal/metrics"
)

const requestTimeout = 30 * time.Second

// Client talks to one provider's API: token refresh, activity detail,
// binary file download, and backfill requests.
type Client struct {
	httpClient *http.Client
	cfg        config.ProviderConfig
	logger     *slog.Logger
}

// NewClient creates an API client for one configured provider
func NewClient(cfg config.ProviderConfig, logger *slog.Logger) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: requestTimeout},
		cfg:        cfg,
		logger:     logger.With("provider", cfg.Name),
	}
}

// Name returns the provider this client talks to
func (c *Client) Name() string {
	return c.cfg.Name
}

// record observes one outbound call; transport failures carry no status
func (c *Client) record(op string, duration time.Duration, resp *http.Response) {
	status := "error"
	if resp != nil {
		status = strconv.Itoa(resp.StatusCode)
	}
	metrics.ProviderAPICallDuration.WithLabelValues(c.cfg.Name, op, status).Observe(duration.Seconds())
}

// TokenResponse represents the response from a refresh-token exchange
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresAt    int64  `json:"expires_at"`
	ExpiresIn    int    `json:"expires_in"`
}

// ActivitySummary is the provider's summary representation of one
// activity, either embedded in a push notification or returned by the
// activity-detail endpoint.
type ActivitySummary struct {
	Name           *string  `json:"name,omitempty"`
	Sport          *string  `json:"sport,omitempty"`
	StartDate      int64    `json:"start_date"`
	Trainer        bool     `json:"trainer,omitempty"`
	DistanceM      *float64 `json:"distance_m,omitempty"`
	MovingTimeS    *float64 `json:"moving_time_s,omitempty"`
	ElapsedTimeS   *float64 `json:"elapsed_time_s,omitempty"`
	ElevationGainM *float64 `json:"elevation_gain_m,omitempty"`
	AvgSpeedMS     *float64 `json:"avg_speed_ms,omitempty"`
	MaxSpeedMS     *float64 `json:"max_speed_ms,omitempty"`
	AvgWatts       *float64 `json:"avg_watts,omitempty"`
	MaxWatts       *float64 `json:"max_watts,omitempty"`
	AvgHeartRate   *float64 `json:"avg_heart_rate,omitempty"`
	MaxHeartRate   *float64 `json:"max_heart_rate,omitempty"`
	AvgCadence     *float64 `json:"avg_cadence,omitempty"`
	FileURL        *string  `json:"file_url,omitempty"`
}

// RefreshToken exchanges a refresh token for a new token pair.
// Providers may rotate the refresh token; callers must handle an empty
// RefreshToken in the response by keeping the prior one.
func (c *Client) RefreshToken(ctx context.Context, refreshToken string) (*TokenResponse, error) {
	data := map[string]string{
		"client_id":     c.cfg.ClientID,
		"client_secret": c.cfg.ClientSecret,
		"refresh_token": refreshToken,
		"grant_type":    "refresh_token",
	}

	body, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.cfg.TokenURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	duration := time.Since(start)
	c.record(metrics.OpRefreshToken, duration, resp)

	if err != nil {
		c.logger.Error("token refresh failed", "error", err, "duration_ms", duration.Milliseconds())
		return nil, transient("token refresh", err)
	}
	defer resp.Body.Close()

	c.logger.Info("token_refresh", "status", resp.StatusCode, "duration_ms", duration.Milliseconds())

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode >= 500:
		return nil, transient("token refresh", fmt.Errorf("server error (%d)", resp.StatusCode))
	default:
		// 400/401 from a token endpoint means the grant is revoked or
		// the refresh token is stale
		bodyBytes, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("token refresh rejected with status %d: %s: %w",
			resp.StatusCode, string(bodyBytes), ErrAuthExpired)
	}

	var tokenResp TokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tokenResp); err != nil {
		return nil, fmt.Errorf("failed to decode token response: %w", err)
	}

	if tokenResp.ExpiresAt == 0 && tokenResp.ExpiresIn > 0 {
		tokenResp.ExpiresAt = time.Now().Unix() + int64(tokenResp.ExpiresIn)
	}

	return &tokenResp, nil
}

// GetActivityDetail fetches the summary for one activity by its
// provider-side id.
func (c *Client) GetActivityDetail(ctx context.Context, accessToken, activityID string) (*ActivitySummary, error) {
	reqURL := c.cfg.APIBaseURL + "/activities/" + url.PathEscape(activityID)

	req, err := http.NewRequestWithContext(ctx, "GET", reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	duration := time.Since(start)
	c.record(metrics.OpGetActivityDetail, duration, resp)

	if err != nil {
		c.logger.Error("activity detail request failed", "activity_id", activityID, "error", err)
		return nil, transient("activity detail", err)
	}
	defer resp.Body.Close()

	c.logger.Info("activity_detail", "activity_id", activityID, "status", resp.StatusCode, "duration_ms", duration.Milliseconds())

	if err := classifyStatus("activity detail", resp.StatusCode); err != nil {
		return nil, err
	}

	var summary ActivitySummary
	if err := json.NewDecoder(resp.Body).Decode(&summary); err != nil {
		return nil, fmt.Errorf("failed to decode activity detail: %w", err)
	}

	return &summary, nil
}

// DownloadFile fetches the binary activity file behind a download URL.
// The response body is opaque binary, never JSON.
func (c *Client) DownloadFile(ctx context.Context, accessToken, fileURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", fileURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	duration := time.Since(start)
	c.record(metrics.OpDownloadFile, duration, resp)

	if err != nil {
		c.logger.Error("file download failed", "error", err)
		return nil, transient("file download", err)
	}
	defer resp.Body.Close()

	c.logger.Info("file_download", "status", resp.StatusCode, "duration_ms", duration.Milliseconds())

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		// Download URLs expire; once gone the file is gone for good
		return nil, ErrFileGone
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, ErrAuthExpired
	case resp.StatusCode == http.StatusForbidden:
		return nil, ErrPermissionDenied
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, ErrRateLimited
	case resp.StatusCode >= 500:
		return nil, transient("file download", fmt.Errorf("server error (%d)", resp.StatusCode))
	default:
		return nil, fmt.Errorf("file download failed with status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, transient("file download", err)
	}

	return data, nil
}

// RequestBackfill asks the provider to redeliver historical activities
// for a time range. Providers respond asynchronously: a 202 means the
// data will arrive later via webhooks, not that any data exists.
func (c *Client) RequestBackfill(ctx context.Context, accessToken string, from, to time.Time) error {
	reqURL := fmt.Sprintf("%s?start_time=%s&end_time=%s",
		c.cfg.BackfillURL,
		strconv.FormatInt(from.Unix(), 10),
		strconv.FormatInt(to.Unix(), 10))

	req, err := http.NewRequestWithContext(ctx, "POST", reqURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	duration := time.Since(start)
	c.record(metrics.OpRequestBackfill, duration, resp)

	if err != nil {
		c.logger.Error("backfill request failed", "error", err)
		return transient("backfill request", err)
	}
	defer resp.Body.Close()

	c.logger.Info("backfill_request", "status", resp.StatusCode, "duration_ms", duration.Milliseconds(),
		"from", from.Unix(), "to", to.Unix())

	switch {
	case resp.StatusCode == http.StatusAccepted || resp.StatusCode == http.StatusOK:
		return nil
	case resp.StatusCode == http.StatusConflict:
		return ErrBackfillInFlight
	case resp.StatusCode == http.StatusUnauthorized:
		return ErrAuthExpired
	case resp.StatusCode == http.StatusForbidden:
		return ErrPermissionDenied
	case resp.StatusCode == http.StatusTooManyRequests:
		return ErrRateLimited
	case resp.StatusCode >= 500:
		return transient("backfill request", fmt.Errorf("server error (%d)", resp.StatusCode))
	default:
		bodyBytes, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("backfill request failed with status %d: %s", resp.StatusCode, string(bodyBytes))
	}
}

func classifyStatus(op string, status int) error {
	switch {
	case status == http.StatusOK:
		return nil
	case status == http.StatusUnauthorized:
		return ErrAuthExpired
	case status == http.StatusForbidden:
		return ErrPermissionDenied
	case status == http.StatusNotFound:
		return ErrNotFound
	case status == http.StatusTooManyRequests:
		return ErrRateLimited
	case status >= 500:
		return transient(op, fmt.Errorf("server error (%d)", status))
	default:
		return fmt.Errorf("%s failed with status %d", op, status)
	}
}
