package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/Emcas152/CRMv2-sub000/internal/ratelimit"
)

// Quota takes one request from the caller's quota. *ratelimit.Limiter
// implements it.
type Quota interface {
	CheckAndConsume(ctx context.Context, r ratelimit.Request) ratelimit.Decision
}

// rateLimitResponse is the 429 body
type rateLimitResponse struct {
	Error      string `json:"error"`
	RetryAfter int    `json:"retry_after"`
}

// RateLimitMiddleware charges each request against quota and sets the
// X-RateLimit-* headers. endpoint selects an override rule; pass "" for the
// tier limits. Placed after AuthMiddleware the caller is counted by user id.
func RateLimitMiddleware(quota Quota, endpoint string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			req := ratelimit.Request{IP: ClientIP(r), Endpoint: endpoint}
			if id, ok := GetUserID(r.Context()); ok {
				req.UserID = id.String()
			}

			d := quota.CheckAndConsume(r.Context(), req)
			setRateLimitHeaders(w, d)

			if !d.Allowed {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				_ = json.NewEncoder(w).Encode(rateLimitResponse{
					Error:      "rate limit exceeded",
					RetryAfter: int(d.RetryAfter.Seconds()),
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func setRateLimitHeaders(w http.ResponseWriter, d ratelimit.Decision) {
	h := w.Header()
	h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
	if d.Remaining == 0 && d.RetryAfter > 0 {
		h.Set("Retry-After", strconv.Itoa(int(d.RetryAfter.Seconds())))
	} else {
		h.Del("Retry-After")
	}
}
