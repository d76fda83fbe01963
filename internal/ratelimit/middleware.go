package ratelimit

import (
	"encoding/json"
	"net"
	"net/http"
	"strconv"

	"reward-distributor/internal/observability"
)

// Error is the JSON body returned when a limit is exceeded.
type Error struct {
	Error      string `json:"error"`
	Message    string `json:"message"`
	RetryAfter int    `json:"retry_after"` // seconds
}

// KeyFunc extracts the rate-limit key from a request. An empty key skips limiting.
type KeyFunc func(r *http.Request) string

// ClientIP keys requests by remote address. Run chi's RealIP middleware
// first so proxies are honored.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Middleware rate limits requests using limiter and key.
func Middleware(limiter *Limiter, key KeyFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			k := key(r)
			if k == "" {
				next.ServeHTTP(w, r)
				return
			}
			allowed, retryAfter := limiter.AllowWithRetry(k)
			if !allowed {
				observability.RecordRateLimited(limiter.Scope())
				WriteLimited(w, retryAfter.Seconds())
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// WriteLimited writes a 429 response with a Retry-After header.
func WriteLimited(w http.ResponseWriter, retryAfterSeconds float64) {
	retry := int(retryAfterSeconds)
	if retry < 1 {
		retry = 1
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Retry-After", strconv.Itoa(retry))
	w.WriteHeader(http.StatusTooManyRequests)

	_ = json.NewEncoder(w).Encode(Error{
		Error:      "rate_limit_exceeded",
		Message:    "Too many requests. Please slow down.",
		RetryAfter: retry,
	})
}
