package access

import (
	"context"
	"testing"

	"github.com/ferro-labs/openai-relay/catalog"
	"github.com/ferro-labs/openai-relay/identity"
	"github.com/ferro-labs/openai-relay/modelstore"
)

func seed(t *testing.T, models ...*modelstore.Model) modelstore.Store {
	t.Helper()
	s := modelstore.NewMemoryStore()
	for _, m := range models {
		if err := s.Put(context.Background(), m); err != nil {
			t.Fatalf("seed %s: %v", m.ID, err)
		}
	}
	return s
}

func records(ids ...string) []catalog.Record {
	out := make([]catalog.Record, len(ids))
	for i, id := range ids {
		out[i] = catalog.Record{ID: id}
	}
	return out
}

func recordIDs(rs []catalog.Record) []string {
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = r.ID
	}
	return out
}

func TestPolicy_HasAccess(t *testing.T) {
	p := NewPolicy(map[string][]string{"eng": {"u2"}})
	ac := &modelstore.AccessControl{
		Read:  modelstore.Grant{GroupIDs: []string{"eng"}, UserIDs: []string{"u3"}},
		Write: modelstore.Grant{UserIDs: []string{"u3"}},
	}
	tests := []struct {
		name string
		user string
		perm Permission
		ac   *modelstore.AccessControl
		want bool
	}{
		{"nil ac read", "anyone", PermRead, nil, true},
		{"nil ac write", "anyone", PermWrite, nil, false},
		{"group member read", "u2", PermRead, ac, true},
		{"group member write", "u2", PermWrite, ac, false},
		{"listed user read", "u3", PermRead, ac, true},
		{"listed user write", "u3", PermWrite, ac, true},
		{"stranger", "u9", PermRead, ac, false},
		{"empty user", "", PermRead, &modelstore.AccessControl{Read: modelstore.Grant{UserIDs: []string{""}}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := p.HasAccess(tt.user, tt.perm, tt.ac); got != tt.want {
				t.Errorf("HasAccess(%q, %s) = %v, want %v", tt.user, tt.perm, got, tt.want)
			}
		})
	}
}

func TestFilter_Narrow(t *testing.T) {
	store := seed(t,
		&modelstore.Model{ID: "owned", UserID: "u1", AccessControl: &modelstore.AccessControl{}},
		&modelstore.Model{ID: "public", UserID: "u9"},
		&modelstore.Model{ID: "private", UserID: "u9", AccessControl: &modelstore.AccessControl{}},
		&modelstore.Model{ID: "shared", UserID: "u9", AccessControl: &modelstore.AccessControl{
			Read: modelstore.Grant{GroupIDs: []string{"team"}},
		}},
	)
	f := NewFilter(store, NewPolicy(map[string][]string{"team": {"u1"}}), nil)
	all := records("owned", "public", "private", "shared", "unregistered")

	user := &identity.Caller{ID: "u1", Role: identity.RoleUser}
	got := f.Narrow(context.Background(), all, user)
	want := []string{"owned", "public", "shared"}
	if len(got) != len(want) {
		t.Fatalf("Narrow = %v, want %v", recordIDs(got), want)
	}
	for i := range want {
		if got[i].ID != want[i] {
			t.Errorf("Narrow[%d] = %q, want %q", i, got[i].ID, want[i])
		}
	}

	admin := &identity.Caller{ID: "root", Role: identity.RoleAdmin}
	if got := f.Narrow(context.Background(), all, admin); len(got) != len(all) {
		t.Errorf("admin Narrow len = %d, want %d", len(got), len(all))
	}
	if got := f.Narrow(context.Background(), all, nil); len(got) != 0 {
		t.Errorf("nil caller Narrow = %v, want empty", recordIDs(got))
	}
}

func TestFilter_Bypass(t *testing.T) {
	bypass := true
	f := NewFilter(modelstore.NewMemoryStore(), NewPolicy(nil), func() bool { return bypass })
	all := records("a", "b")
	user := &identity.Caller{ID: "u1", Role: identity.RoleUser}

	if got := f.Narrow(context.Background(), all, user); len(got) != 2 {
		t.Errorf("bypassed Narrow len = %d, want 2", len(got))
	}
	bypass = false
	if got := f.Narrow(context.Background(), all, user); len(got) != 0 {
		t.Errorf("Narrow without metadata = %v, want fail-closed empty", recordIDs(got))
	}
	if !f.Exempt(&identity.Caller{Role: identity.RoleAdmin}) {
		t.Error("admin should be exempt")
	}
}

func TestFilter_CanRead(t *testing.T) {
	f := NewFilter(modelstore.NewMemoryStore(), NewPolicy(nil), nil)
	m := &modelstore.Model{ID: "m", UserID: "owner", AccessControl: &modelstore.AccessControl{}}

	if !f.CanRead(&identity.Caller{ID: "owner"}, m) {
		t.Error("owner denied")
	}
	if f.CanRead(&identity.Caller{ID: "other"}, m) {
		t.Error("non-owner granted on private model")
	}
	if f.CanRead(nil, m) {
		t.Error("nil caller granted")
	}
	if f.CanRead(&identity.Caller{ID: ""}, &modelstore.Model{ID: "m", AccessControl: &modelstore.AccessControl{}}) {
		t.Error("empty caller id matched empty owner")
	}
}
