package backends

import "testing"

func boolPtr(b bool) *bool { return &b }

func TestReconcile_PadsAndTruncatesKeys(t *testing.T) {
	tests := []struct {
		name string
		urls []string
		keys []string
		want []string
	}{
		{"equal", []string{"a", "b"}, []string{"k1", "k2"}, []string{"k1", "k2"}},
		{"fewer keys", []string{"a", "b", "c"}, []string{"k1"}, []string{"k1", "", ""}},
		{"more keys", []string{"a"}, []string{"k1", "k2", "k3"}, []string{"k1"}},
		{"no keys", []string{"a", "b"}, nil, []string{"", ""}},
		{"no urls", nil, []string{"k1"}, []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			descs := Reconcile(tt.urls, tt.keys, nil)
			if len(descs) != len(tt.urls) {
				t.Fatalf("len = %d, want %d", len(descs), len(tt.urls))
			}
			for i, d := range descs {
				if d.Index != i {
					t.Errorf("descs[%d].Index = %d", i, d.Index)
				}
				if d.APIKey != tt.want[i] {
					t.Errorf("descs[%d].APIKey = %q, want %q", i, d.APIKey, tt.want[i])
				}
				if !d.Enabled {
					t.Errorf("descs[%d] disabled, want enabled by default", i)
				}
			}
		})
	}
}

func TestLookupConfigs_IndexBeforeURL(t *testing.T) {
	configs := map[string]APIConfig{
		"0":                {PrefixID: "by-index"},
		"http://a.test/v1": {PrefixID: "by-url"},
		"http://b.test/v1": {Enable: boolPtr(false)},
	}
	descs := Reconcile([]string{"http://a.test/v1", "http://b.test/v1"}, nil, LookupConfigs(configs))

	if descs[0].Prefix != "by-index" {
		t.Errorf("descs[0].Prefix = %q, want by-index", descs[0].Prefix)
	}
	if descs[1].Enabled {
		t.Error("descs[1] should be disabled through the legacy URL key")
	}
}

func TestReconcile_ModelIDsCopied(t *testing.T) {
	ids := []string{"m1", "m2"}
	descs := Reconcile([]string{"u"}, nil, LookupConfigs(map[string]APIConfig{"0": {ModelIDs: ids}}))
	ids[0] = "mutated"
	if descs[0].ModelIDs[0] != "m1" {
		t.Errorf("ModelIDs aliased config slice: %v", descs[0].ModelIDs)
	}
}

func TestDescriptor_StripPrefix(t *testing.T) {
	d := Descriptor{Prefix: "work"}
	cases := map[string]string{
		"work.gpt-4o": "gpt-4o",
		"gpt-4o":      "gpt-4o",
		"work.":       "work.",
		"other.x":     "other.x",
	}
	for in, want := range cases {
		if got := d.StripPrefix(in); got != want {
			t.Errorf("StripPrefix(%q) = %q, want %q", in, got, want)
		}
	}
	if got := (Descriptor{}).StripPrefix("a.b"); got != "a.b" {
		t.Errorf("no prefix: got %q", got)
	}
}

func TestRegistry_LoadSnapshotGet(t *testing.T) {
	r := NewRegistry()
	if r.Len() != 0 {
		t.Fatalf("new registry Len = %d", r.Len())
	}
	r.Load([]string{"http://a", "http://b"}, []string{"ka"}, nil)

	if r.Len() != 2 {
		t.Fatalf("Len = %d, want 2", r.Len())
	}
	snap := r.Snapshot()
	snap[0].BaseURL = "changed"
	if d, _ := r.Get(0); d.BaseURL != "http://a" {
		t.Errorf("snapshot mutation leaked into registry: %q", d.BaseURL)
	}
	if _, ok := r.Get(2); ok {
		t.Error("Get(2) ok, want out of range")
	}
	if _, ok := r.Get(-1); ok {
		t.Error("Get(-1) ok, want out of range")
	}
}

func TestReconcileKeys(t *testing.T) {
	got := ReconcileKeys([]string{"a", "b", "c"}, 2)
	if len(got) != 2 || got[1] != "b" {
		t.Errorf("ReconcileKeys truncate = %v", got)
	}
	got = ReconcileKeys([]string{"a"}, 3)
	if len(got) != 3 || got[2] != "" {
		t.Errorf("ReconcileKeys pad = %v", got)
	}
}
