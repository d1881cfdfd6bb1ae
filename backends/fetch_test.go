package backends

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ferro-labs/openai-relay/identity"
	"github.com/ferro-labs/openai-relay/internal/circuitbreaker"
)

func serveJSON(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/models" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestParseList(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		want    int
		errored bool
		wantErr bool
	}{
		{"envelope", `{"object":"list","data":[{"id":"a"},{"id":"b"}]}`, 2, false, false},
		{"bare list", `[{"id":"a"}]`, 1, false, false},
		{"error key", `{"error":{"message":"nope"}}`, 0, true, false},
		{"no data", `{"object":"list"}`, 0, false, false},
		{"null data", `{"data":null}`, 0, false, false},
		{"garbage", `not json`, 0, false, true},
		{"empty", ``, 0, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseList([]byte(tt.body))
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseList: %v", err)
			}
			if len(got.Data) != tt.want {
				t.Errorf("len(Data) = %d, want %d", len(got.Data), tt.want)
			}
			if got.Errored != tt.errored {
				t.Errorf("Errored = %v, want %v", got.Errored, tt.errored)
			}
		})
	}
}

func TestSynthesize(t *testing.T) {
	resp := Synthesize(Descriptor{Index: 3, ModelIDs: []string{"m1", "m2"}})
	if len(resp.Data) != 2 {
		t.Fatalf("len = %d", len(resp.Data))
	}
	m := resp.Data[1]
	if m.ID() != "m2" || m["name"] != "m2" || m["owned_by"] != OwnerTag || m["urlIdx"] != 3 {
		t.Errorf("unexpected synthesized entry: %v", m)
	}
	if inner, _ := m["openai"].(map[string]any); inner["id"] != "m2" {
		t.Errorf("openai.id = %v", inner["id"])
	}
}

func TestFetcher_ListSendsHeaders(t *testing.T) {
	var got http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		_, _ = w.Write([]byte(`{"data":[]}`))
	}))
	defer srv.Close()

	f := NewFetcher(FetcherOptions{ForwardIdentity: func() bool { return true }})
	caller := &identity.Caller{ID: "u1", Name: "Ann", Email: "a@x", Role: identity.RoleUser}
	if _, err := f.List(context.Background(), srv.URL+"/", "sk-1", caller); err != nil {
		t.Fatalf("List: %v", err)
	}
	if got.Get("Authorization") != "Bearer sk-1" {
		t.Errorf("Authorization = %q", got.Get("Authorization"))
	}
	if got.Get(identity.HeaderID) != "u1" || got.Get(identity.HeaderRole) != "user" {
		t.Errorf("identity headers missing: %v", got)
	}
}

func TestFetcher_ListOmitsIdentityWhenDisabled(t *testing.T) {
	var got http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		_, _ = w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	f := NewFetcher(FetcherOptions{})
	if _, err := f.List(context.Background(), srv.URL, "", &identity.Caller{ID: "u1"}); err != nil {
		t.Fatalf("List: %v", err)
	}
	if got.Get(identity.HeaderID) != "" {
		t.Error("identity header forwarded while disabled")
	}
	if got.Get("Authorization") != "" {
		t.Error("Authorization sent for empty key")
	}
}

func TestFetcher_ListStatusError(t *testing.T) {
	srv := serveJSON(t, http.StatusUnauthorized, `{"error":{"message":"bad key"}}`)
	_, err := NewFetcher(FetcherOptions{}).List(context.Background(), srv.URL, "k", nil)

	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v, want *StatusError", err)
	}
	if se.Status != http.StatusUnauthorized {
		t.Errorf("Status = %d", se.Status)
	}
	if se.Error() != "External Error: bad key" {
		t.Errorf("Error() = %q", se.Error())
	}

	plain := &StatusError{Status: 502}
	if plain.Error() != "HTTP Error: 502" {
		t.Errorf("Error() = %q", plain.Error())
	}
}

func TestFetcher_ListUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewFetcher(FetcherOptions{}).List(context.Background(), url, "", nil)
	if !errors.Is(err, ErrBackendUnavailable) {
		t.Fatalf("err = %v, want ErrBackendUnavailable", err)
	}
}

func TestFetchAll_ResilientToFailures(t *testing.T) {
	ok := serveJSON(t, http.StatusOK, `{"data":[{"id":"gpt-4o"}]}`)
	bad := serveJSON(t, http.StatusInternalServerError, `oops`)
	errored := serveJSON(t, http.StatusOK, `{"error":"quota"}`)

	hang := make(chan struct{})
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-hang:
		case <-r.Context().Done():
		}
	}))
	defer slow.Close()
	defer close(hang)

	descs := Reconcile(
		[]string{ok.URL, bad.URL, slow.URL, errored.URL, "http://unused.test", "http://local.test"},
		nil,
		LookupConfigs(map[string]APIConfig{
			"4": {Enable: boolPtr(false)},
			"5": {ModelIDs: []string{"local-1"}},
		}),
	)

	f := NewFetcher(FetcherOptions{Timeout: 200 * time.Millisecond})
	start := time.Now()
	results := f.FetchAll(context.Background(), descs, nil)
	elapsed := time.Since(start)

	if elapsed > 2*time.Second {
		t.Errorf("FetchAll took %v, want bounded by the listing timeout", elapsed)
	}
	if len(results) != len(descs) {
		t.Fatalf("len(results) = %d, want %d", len(results), len(descs))
	}
	if results[0] == nil || len(results[0].Data) != 1 {
		t.Errorf("results[0] = %+v, want one model", results[0])
	}
	for _, i := range []int{1, 2, 4} {
		if results[i] != nil {
			t.Errorf("results[%d] = %+v, want nil", i, results[i])
		}
	}
	if results[3] == nil || !results[3].Errored {
		t.Errorf("results[3] = %+v, want errored list", results[3])
	}
	if results[5] == nil || results[5].Data[0].ID() != "local-1" {
		t.Errorf("results[5] = %+v, want synthesized list", results[5])
	}
}

func TestFetchAll_NoBackends(t *testing.T) {
	if got := NewFetcher(FetcherOptions{}).FetchAll(context.Background(), nil, nil); len(got) != 0 {
		t.Errorf("FetchAll(nil) = %v", got)
	}
}

func TestFetchAll_SkipsOpenCircuit(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	breakers := circuitbreaker.NewSet(circuitbreaker.Settings{FailureThreshold: 1, OpenTimeout: time.Hour})
	f := NewFetcher(FetcherOptions{Breakers: breakers})
	descs := Reconcile([]string{srv.URL}, nil, nil)

	for i := 0; i < 3; i++ {
		if got := f.FetchAll(context.Background(), descs, nil); got[0] != nil {
			t.Fatalf("round %d: got %+v, want nil slot", i, got[0])
		}
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("upstream calls = %d, want 1 before the circuit opened", got)
	}
}

func TestListHealthy(t *testing.T) {
	if !listHealthy(nil) {
		t.Error("nil error should be healthy")
	}
	if !listHealthy(&StatusError{Status: http.StatusUnauthorized}) {
		t.Error("4xx should not trip the circuit")
	}
	if listHealthy(&StatusError{Status: http.StatusBadGateway}) {
		t.Error("5xx should trip the circuit")
	}
	if listHealthy(ErrBackendUnavailable) {
		t.Error("transport failures should trip the circuit")
	}
}
