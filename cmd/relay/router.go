package main

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	relay "github.com/ferro-labs/openai-relay"
	"github.com/ferro-labs/openai-relay/internal/auth"
	"github.com/ferro-labs/openai-relay/internal/logging"
	"github.com/ferro-labs/openai-relay/internal/ratelimit"
	"github.com/ferro-labs/openai-relay/internal/version"
)

// keyringFromConfig builds the bearer keyring from the configured users.
func keyringFromConfig(cfg relay.Config) *auth.Keyring {
	keys := make([]auth.Key, 0, len(cfg.Users))
	for _, u := range cfg.Users {
		keys = append(keys, auth.Key{Token: u.APIKey, Caller: *u.Caller()})
	}
	return auth.NewKeyring(keys)
}

// newRouter builds the HTTP router.
func newRouter(rl *relay.Relay, keys *auth.Keyring) http.Handler {
	cfg := rl.Config()
	h := &handlers{relay: rl, now: time.Now}

	r := chi.NewRouter()
	r.Use(logging.Middleware)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(corsMiddleware(cfg.Server.CORSOrigins...))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		n := rl.Registry.Len()
		circuits := make([]string, n)
		for i := range circuits {
			circuits[i] = rl.BackendState(i)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"status":   "ok",
			"version":  version.Short(),
			"backends": n,
			"circuits": circuits,
		})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(keys))
		if cfg.RateLimit.RequestsPerSecond > 0 {
			r.Use(ratelimit.Middleware(ratelimit.NewStore(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)))
		}

		r.Get("/models", h.listModels)
		r.Get("/models/{idx}", h.listBackendModels)
		r.Post("/chat/completions", h.chatCompletions)
		r.Post("/rag/chat/completions", h.ragChat)

		r.Group(func(r chi.Router) {
			r.Use(auth.RequireAdmin)
			r.Post("/verify", h.verify)
			r.Get("/rag/config", h.ragConfig)
			r.Post("/rag/config/update", h.ragConfigUpdate)
		})

		// Deprecated pass-through to the first backend. Registered last so
		// explicit routes take precedence.
		proxy := rl.Proxy()
		r.Get("/*", proxy.ServeHTTP)
		r.Post("/*", proxy.ServeHTTP)
		r.Put("/*", proxy.ServeHTTP)
		r.Delete("/*", proxy.ServeHTTP)
	})

	return r
}
