// Package identity defines the caller identity consumed by the relay.
//
// A Caller is produced by the authentication layer and is never mutated
// by the catalog, dispatch or RAG components.
package identity

import (
	"context"
	"net/http"
)

// Role is the coarse authorization class of a caller.
type Role string

// Known roles.
const (
	RoleAdmin   Role = "admin"
	RoleUser    Role = "user"
	RolePending Role = "pending"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleUser, RolePending:
		return true
	}
	return false
}

// Header names used when forwarding caller identity to backends.
const (
	HeaderName  = "X-Caller-Name"
	HeaderID    = "X-Caller-Id"
	HeaderEmail = "X-Caller-Email"
	HeaderRole  = "X-Caller-Role"
)

// Caller is the authenticated principal of a request.
type Caller struct {
	ID    string `json:"id" yaml:"id"`
	Name  string `json:"name" yaml:"name"`
	Email string `json:"email" yaml:"email"`
	Role  Role   `json:"role" yaml:"role"`
}

// IsAdmin reports whether c has the admin role. A nil caller is not admin.
func (c *Caller) IsAdmin() bool {
	return c != nil && c.Role == RoleAdmin
}

// SetHeaders writes the forwarded identity headers onto h. It is a no-op
// for a nil caller.
func (c *Caller) SetHeaders(h http.Header) {
	if c == nil {
		return
	}
	h.Set(HeaderName, c.Name)
	h.Set(HeaderID, c.ID)
	h.Set(HeaderEmail, c.Email)
	h.Set(HeaderRole, string(c.Role))
}

// Payload returns the identity object injected into pipeline model payloads.
func (c *Caller) Payload() map[string]any {
	if c == nil {
		return nil
	}
	return map[string]any{
		"name":  c.Name,
		"id":    c.ID,
		"email": c.Email,
		"role":  string(c.Role),
	}
}

type contextKey struct{}

// WithCaller stores c in ctx.
func WithCaller(ctx context.Context, c *Caller) context.Context {
	return context.WithValue(ctx, contextKey{}, c)
}

// FromContext returns the caller stored in ctx, if any.
func FromContext(ctx context.Context) (*Caller, bool) {
	c, ok := ctx.Value(contextKey{}).(*Caller)
	return c, ok && c != nil
}
