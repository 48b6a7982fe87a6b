package ratelimit

import (
	"fmt"
	"net/http"
	"strconv"
)

// IdentityFunc extracts the authenticated user ID and billing tier for a
// request. The auth package supplies the concrete implementation; kept as
// a function value here so ratelimit has no dependency on auth.
type IdentityFunc func(r *http.Request) (userID, tier string, ok bool)

// Handler returns chi-compatible middleware enforcing the per-minute RPM
// admission for authenticated requests. Unauthenticated requests (ok ==
// false from identify) are checked against the IP limiter instead.
func (l *Limiter) Handler(identify IdentityFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var d Decision
			userID, tier, ok := identify(r)
			if ok {
				d = l.CheckRPM(r.Context(), userID, tier)
			} else {
				d = l.CheckIP(r.Context(), clientIP(r))
			}

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
			if !d.ResetAt.IsZero() {
				w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
			}

			if !d.Allowed {
				w.Header().Set("Retry-After", strconv.Itoa(d.RetryAfterSecs))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				fmt.Fprintf(w, `{"error":{"code":"rate_limit_exceeded","message":"rate limit exceeded","retry_after":%d}}`, d.RetryAfterSecs)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	return r.RemoteAddr
}
