// Package access narrows the aggregated catalog to the models a caller may
// read.
package access

import (
	"context"
	"errors"
	"slices"

	"github.com/ferro-labs/openai-relay/catalog"
	"github.com/ferro-labs/openai-relay/identity"
	"github.com/ferro-labs/openai-relay/internal/logging"
	"github.com/ferro-labs/openai-relay/modelstore"
)

// Permission is an access-control permission.
type Permission string

// Permissions.
const (
	PermRead  Permission = "read"
	PermWrite Permission = "write"
)

// Checker decides whether a user holds perm under ac.
type Checker interface {
	HasAccess(userID string, perm Permission, ac *modelstore.AccessControl) bool
}

// Policy is the default Checker over static group membership.
type Policy struct {
	memberOf map[string][]string
}

// NewPolicy builds a Policy from group id → member user ids.
func NewPolicy(groups map[string][]string) *Policy {
	memberOf := make(map[string][]string)
	for group, members := range groups {
		for _, u := range members {
			memberOf[u] = append(memberOf[u], group)
		}
	}
	return &Policy{memberOf: memberOf}
}

// HasAccess reports whether userID holds perm. A nil ac grants read to
// everyone and write to no one.
func (p *Policy) HasAccess(userID string, perm Permission, ac *modelstore.AccessControl) bool {
	if ac == nil {
		return perm == PermRead
	}
	grant := ac.Read
	if perm == PermWrite {
		grant = ac.Write
	}
	if userID != "" && slices.Contains(grant.UserIDs, userID) {
		return true
	}
	for _, g := range p.memberOf[userID] {
		if slices.Contains(grant.GroupIDs, g) {
			return true
		}
	}
	return false
}

// Filter applies per-caller read access to catalog records.
type Filter struct {
	store   modelstore.Store
	checker Checker
	bypass  func() bool
}

// NewFilter creates a Filter. A nil bypass never bypasses.
func NewFilter(store modelstore.Store, checker Checker, bypass func() bool) *Filter {
	if bypass == nil {
		bypass = func() bool { return false }
	}
	return &Filter{store: store, checker: checker, bypass: bypass}
}

// Exempt reports whether caller skips access checks entirely.
func (f *Filter) Exempt(caller *identity.Caller) bool {
	return f.bypass() || caller.IsAdmin()
}

// CanRead reports whether caller owns m or is granted read on it.
func (f *Filter) CanRead(caller *identity.Caller, m *modelstore.Model) bool {
	if caller == nil || m == nil {
		return false
	}
	if caller.ID != "" && caller.ID == m.UserID {
		return true
	}
	return f.checker.HasAccess(caller.ID, PermRead, m.AccessControl)
}

// Narrow returns the records caller may read, in catalog order. Records
// without a stored metadata entry are excluded.
func (f *Filter) Narrow(ctx context.Context, records []catalog.Record, caller *identity.Caller) []catalog.Record {
	if f.Exempt(caller) {
		return records
	}
	out := make([]catalog.Record, 0, len(records))
	if caller == nil {
		return out
	}
	for _, r := range records {
		m, err := f.store.Get(ctx, r.ID)
		if err != nil {
			if !errors.Is(err, modelstore.ErrNotFound) {
				logging.FromContext(ctx).Error("model metadata lookup failed", "model", r.ID, "error", err)
			}
			continue
		}
		if f.CanRead(caller, m) {
			out = append(out, r)
		}
	}
	return out
}
