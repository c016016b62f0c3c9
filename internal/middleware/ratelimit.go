package middleware

import (
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"coachsync/internal/database"
	"coachsync/internal/metrics"
)

const rateLimitWindow = time.Minute

// RateLimit rejects clients that exceed perMinute requests, tracked in
// the database so limits survive restarts and cover all replicas.
// The check runs before the request body is read.
func RateLimit(db *database.DB, perMinute int) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if perMinute <= 0 {
				next.ServeHTTP(w, r)
				return
			}

			ip := clientIP(r)

			allowed, err := allow(db, perMinute, ip, time.Now())
			if err != nil {
				// Fail open: dropping provider notifications is worse
				// than letting a burst through
				slog.Error("Rate limit check failed", "error", err, "ip", ip)
				next.ServeHTTP(w, r)
				return
			}
			if !allowed {
				metrics.RateLimitedRequestsTotal.Inc()
				slog.Warn("Rate limit exceeded", "ip", ip)
				w.Header().Set("Retry-After", "60")
				http.Error(w, "Too many requests", http.StatusTooManyRequests)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// allow evaluates a sliding window over the two fixed counter windows
// and records the request when it passes. The previous window's count
// is weighted by how much of it the sliding window still overlaps, so
// a saturated minute tapers off instead of blocking the whole next
// minute.
func allow(db *database.DB, perMinute int, ip string, now time.Time) (bool, error) {
	window := now.Truncate(rateLimitWindow).Unix()
	previous := window - int64(rateLimitWindow.Seconds())
	elapsed := now.Sub(now.Truncate(rateLimitWindow))

	current, err := db.GetRateLimitCount(ip, window)
	if err != nil {
		return false, err
	}
	prev, err := db.GetRateLimitCount(ip, previous)
	if err != nil {
		return false, err
	}

	carry := float64(prev) * (1 - elapsed.Seconds()/rateLimitWindow.Seconds())
	if float64(current)+carry >= float64(perMinute) {
		return false, nil
	}

	n, err := db.IncrementRateLimit(ip, window)
	if err != nil {
		slog.Error("Rate limit increment failed", "error", err, "ip", ip)
	} else if n == 1 {
		// First hit in a fresh window doubles as the cleanup tick
		if err := db.PruneRateLimits(previous); err != nil {
			slog.Error("Rate limit prune failed", "error", err)
		}
	}

	return true, nil
}

// clientIP extracts the originating client address, trusting the
// first X-Forwarded-For entry set by the ingress proxy.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		if ip := strings.TrimSpace(parts[0]); ip != "" {
			return ip
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
