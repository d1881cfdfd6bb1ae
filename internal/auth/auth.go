// Package auth authenticates inbound requests against the statically
// configured API keys and attaches the resulting identity.Caller to the
// request context.
package auth

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/ferro-labs/openai-relay/identity"
)

// Key binds one API key to the caller it authenticates.
type Key struct {
	Token  string
	Caller identity.Caller
}

// Keyring resolves bearer tokens to callers.
type Keyring struct {
	keys []Key
}

// NewKeyring builds a Keyring. Keys with an empty token are ignored.
func NewKeyring(keys []Key) *Keyring {
	k := &Keyring{keys: make([]Key, 0, len(keys))}
	for _, key := range keys {
		if key.Token != "" {
			k.keys = append(k.keys, key)
		}
	}
	return k
}

// Lookup returns the caller authenticated by token.
func (k *Keyring) Lookup(token string) (*identity.Caller, bool) {
	for i := range k.keys {
		if subtle.ConstantTimeCompare([]byte(k.keys[i].Token), []byte(token)) == 1 {
			c := k.keys[i].Caller
			return &c, true
		}
	}
	return nil, false
}

// Len returns the number of usable keys.
func (k *Keyring) Len() int { return len(k.keys) }

// Middleware returns a chi-compatible middleware that validates bearer
// tokens and stores the authenticated caller in the request context.
// Pending callers are rejected.
func Middleware(keys *Keyring) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if header == "" || !strings.HasPrefix(header, "Bearer ") {
				writeError(w, http.StatusUnauthorized, "missing or invalid authorization header", "authentication_error", "missing_api_key")
				return
			}

			caller, ok := keys.Lookup(strings.TrimPrefix(header, "Bearer "))
			if !ok {
				writeError(w, http.StatusUnauthorized, "invalid API key", "authentication_error", "invalid_api_key")
				return
			}
			if caller.Role == identity.RolePending {
				writeError(w, http.StatusForbidden, "account is pending approval", "permission_error", "pending_user")
				return
			}

			ctx := identity.WithCaller(r.Context(), caller)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireAdmin rejects callers without the admin role.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller, ok := identity.FromContext(r.Context())
		if !ok {
			writeError(w, http.StatusUnauthorized, "authentication required", "authentication_error", "authentication_required")
			return
		}
		if !caller.IsAdmin() {
			writeError(w, http.StatusForbidden, "admin role required", "permission_error", "insufficient_role")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// writeError writes a unified OpenAI-compatible JSON error response:
//
//	{"error":{"message":"...","type":"...","code":"..."}}
func writeError(w http.ResponseWriter, status int, message, errType, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]string{
			"message": message,
			"type":    errType,
			"code":    code,
		},
	})
}
