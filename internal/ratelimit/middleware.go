package ratelimit

import (
	"encoding/json"
	"math"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/ferro-labs/openai-relay/identity"
	"github.com/ferro-labs/openai-relay/internal/metrics"
)

// Middleware rejects requests with 429 once the caller's bucket is empty.
// Requests are keyed by authenticated caller id, falling back to the
// remote IP for anonymous requests. Rejections carry a Retry-After header in
// whole seconds.
func Middleware(store *Store) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key, keyType := requestKey(r)
			if ok, wait := store.Take(key); !ok {
				metrics.RateLimitRejections.WithLabelValues(keyType).Inc()
				w.Header().Set("Retry-After", retryAfter(wait))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				_ = json.NewEncoder(w).Encode(map[string]interface{}{
					"error": map[string]string{
						"message": "rate limit exceeded",
						"type":    "rate_limit_error",
						"code":    "rate_limit_exceeded",
					},
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func requestKey(r *http.Request) (string, string) {
	if c, ok := identity.FromContext(r.Context()); ok {
		return "caller:" + c.ID, "caller"
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host, "ip"
}

func retryAfter(wait time.Duration) string {
	secs := math.Ceil(wait.Seconds())
	if secs < 1 {
		secs = 1
	}
	if secs > math.MaxInt32 {
		secs = math.MaxInt32
	}
	return strconv.Itoa(int(secs))
}
