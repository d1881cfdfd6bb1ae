package identity

import (
	"context"
	"net/http"
	"testing"
)

func TestCaller_IsAdmin(t *testing.T) {
	tests := []struct {
		name   string
		caller *Caller
		want   bool
	}{
		{"nil caller", nil, false},
		{"user", &Caller{ID: "u1", Role: RoleUser}, false},
		{"admin", &Caller{ID: "a1", Role: RoleAdmin}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.caller.IsAdmin(); got != tt.want {
				t.Errorf("IsAdmin() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCaller_SetHeaders(t *testing.T) {
	c := &Caller{ID: "u1", Name: "Ada", Email: "ada@example.com", Role: RoleUser}
	h := http.Header{}
	c.SetHeaders(h)

	if h.Get(HeaderID) != "u1" || h.Get(HeaderName) != "Ada" ||
		h.Get(HeaderEmail) != "ada@example.com" || h.Get(HeaderRole) != "user" {
		t.Errorf("unexpected headers: %v", h)
	}

	var nilCaller *Caller
	empty := http.Header{}
	nilCaller.SetHeaders(empty)
	if len(empty) != 0 {
		t.Errorf("nil caller set headers: %v", empty)
	}
}

func TestContextRoundTrip(t *testing.T) {
	c := &Caller{ID: "u1", Role: RoleUser}
	ctx := WithCaller(context.Background(), c)
	got, ok := FromContext(ctx)
	if !ok || got.ID != "u1" {
		t.Fatalf("FromContext() = %v, %v; want u1", got, ok)
	}
	if _, ok := FromContext(context.Background()); ok {
		t.Error("FromContext() on empty context returned ok")
	}
}

func TestRole_Valid(t *testing.T) {
	if !RoleAdmin.Valid() || !RoleUser.Valid() || !RolePending.Valid() {
		t.Error("known role reported invalid")
	}
	if Role("root").Valid() {
		t.Error("unknown role reported valid")
	}
}
