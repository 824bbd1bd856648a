package middleware

import (
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
)

// RateLimit caps requests per caller inside a sliding window. Callers are
// keyed by session when the checkout client identifies itself, by IP
// otherwise.
func RateLimit(rdb *redis.Client, limit int, window time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			caller := r.Header.Get("X-Session-ID")
			if caller == "" {
				caller = r.RemoteAddr
			}
			key := "rate_limit:" + caller

			current, err := rdb.Incr(ctx, key).Result()
			if err != nil {
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				return
			}

			if current == 1 {
				rdb.Expire(ctx, key, window)
			}

			if current > int64(limit) {
				http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
