package middleware

import (
	"net/http"
	"strconv"

	"jihu_proxy/internal/ratelimit"
	"jihu_proxy/internal/utils"
)

// RateLimitMiddleware limits requests per API key. It must run after
// APIKeyMiddleware. Limiter errors let the request through.
func RateLimitMiddleware(limiter ratelimit.Limiter) func(http.Handler) http.Handler {
	logger := utils.NewLogger("ratelimit")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			record, ok := GetAPIKeyRecord(r.Context())
			if !ok {
				next.ServeHTTP(w, r)
				return
			}

			res, err := limiter.Allow(r.Context(), strconv.FormatInt(record.ID, 10))
			if err != nil {
				logger.Warn("rate limiter unavailable, allowing request", "api_key_id", record.ID, "err", err)
				next.ServeHTTP(w, r)
				return
			}

			if res.Limit > 0 {
				w.Header().Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
				w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
				w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt.Unix(), 10))
			}
			if !res.Allowed {
				utils.RespondWithError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
