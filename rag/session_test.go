package rag

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ferro-labs/openai-relay/identity"
)

type fakeWatcher struct {
	mu   sync.Mutex
	snap Snapshot
	err  error
}

func (w *fakeWatcher) Observe() (Snapshot, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.snap, w.err
}

func (w *fakeWatcher) set(snap Snapshot, err error) {
	w.mu.Lock()
	w.snap, w.err = snap, err
	w.mu.Unlock()
}

type fakeEngine struct {
	answer string
	closed int
	secret string
}

func (e *fakeEngine) Answer(context.Context, string) (Answer, error) {
	return Answer{Text: e.answer}, nil
}

func (e *fakeEngine) Close() error {
	e.closed++
	return nil
}

type fakeFactory struct {
	mu      sync.Mutex
	built   []*fakeEngine
	answer  string
	failErr error
}

func (f *fakeFactory) build(_ context.Context, cfg EngineConfig) (Engine, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failErr != nil {
		return nil, f.failErr
	}
	e := &fakeEngine{answer: f.answer, secret: cfg.Secret}
	f.built = append(f.built, e)
	return e, nil
}

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "config_updated.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func newTestSession(t *testing.T, llm string, secret string) (*Session, *fakeWatcher, *fakeFactory) {
	t.Helper()
	path := writeConfig(t, t.TempDir(), "llm_name: "+llm+"\nquery_analyser:\n  llm_name: "+llm+"\n")
	w := &fakeWatcher{snap: Snapshot{Path: path, ModTime: time.Unix(100, 0), Secret: secret}}
	f := &fakeFactory{answer: "42"}
	return NewSession(w, f.build, SessionOptions{}), w, f
}

func TestSession_CapsNonAdminOnSixthQuery(t *testing.T) {
	s, _, _ := newTestSession(t, "llama3", "")
	ctx := context.Background()
	caller := &identity.Caller{ID: "u1", Role: identity.RoleUser}

	for i := 1; i <= 5; i++ {
		got, err := s.Query(ctx, caller, "q")
		if err != nil {
			t.Fatalf("query %d: %v", i, err)
		}
		if got == CappedMessage {
			t.Fatalf("query %d capped, want answered", i)
		}
	}
	for i := 6; i <= 8; i++ {
		got, err := s.Query(ctx, caller, "q")
		if err != nil {
			t.Fatalf("query %d: %v", i, err)
		}
		if got != CappedMessage {
			t.Fatalf("query %d = %q, want capped message", i, got)
		}
	}
	if s.Count(caller) != 5 {
		t.Errorf("Count = %d, want 5", s.Count(caller))
	}

	other := &identity.Caller{ID: "u2", Role: identity.RoleUser}
	if got, _ := s.Query(ctx, other, "q"); got == CappedMessage {
		t.Error("independent caller capped")
	}
}

func TestSession_AdminExempt(t *testing.T) {
	s, _, _ := newTestSession(t, "llama3", "")
	admin := &identity.Caller{ID: "root", Role: identity.RoleAdmin}
	for i := 0; i < 10; i++ {
		if got, _ := s.Query(context.Background(), admin, "q"); got == CappedMessage {
			t.Fatalf("admin capped on query %d", i+1)
		}
	}
}

func TestSession_ReloadsOnChange(t *testing.T) {
	s, w, f := newTestSession(t, "llama3", "k1")
	ctx := context.Background()
	admin := &identity.Caller{ID: "root", Role: identity.RoleAdmin}

	_, _ = s.Query(ctx, admin, "q")
	_, _ = s.Query(ctx, admin, "q")
	if len(f.built) != 1 {
		t.Fatalf("builds = %d, want 1 while unchanged", len(f.built))
	}

	snap := w.snap
	snap.ModTime = snap.ModTime.Add(time.Second)
	w.set(snap, nil)
	_, _ = s.Query(ctx, admin, "q")
	if len(f.built) != 2 {
		t.Fatalf("builds = %d, want 2 after mtime change", len(f.built))
	}
	if f.built[0].closed != 1 {
		t.Errorf("old engine closed %d times, want 1", f.built[0].closed)
	}

	snap.Secret = "k2"
	w.set(snap, nil)
	_, _ = s.Query(ctx, admin, "q")
	if len(f.built) != 3 || f.built[2].secret != "k2" {
		t.Fatalf("builds = %d, want 3 with new secret", len(f.built))
	}

	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if f.built[2].closed != 1 {
		t.Errorf("current engine closed %d times, want 1", f.built[2].closed)
	}
}

func TestSession_ReloadFailureIsRequestScoped(t *testing.T) {
	s, w, f := newTestSession(t, "llama3", "")
	ctx := context.Background()
	admin := &identity.Caller{ID: "root", Role: identity.RoleAdmin}

	f.failErr = errors.New("vector db missing")
	if _, err := s.Query(ctx, admin, "q"); !errors.Is(err, ErrEngineReload) {
		t.Fatalf("err = %v, want ErrEngineReload", err)
	}

	f.failErr = nil
	got, err := s.Query(ctx, admin, "q")
	if err != nil {
		t.Fatalf("query after recovery: %v", err)
	}
	if got != "42" {
		t.Errorf("answer = %q, want 42", got)
	}

	w.set(Snapshot{}, errors.New("stat failed"))
	if _, err := s.Query(ctx, admin, "q"); !errors.Is(err, ErrEngineReload) {
		t.Fatalf("err = %v, want ErrEngineReload on watcher failure", err)
	}
}

func TestSession_GuidanceForGPTWithoutSecret(t *testing.T) {
	for _, secret := range []string{"", PlaceholderSecret, "  "} {
		s, _, f := newTestSession(t, "gpt-4o-mini", secret)
		got, err := s.Query(context.Background(), &identity.Caller{ID: "u1"}, "q")
		if err != nil {
			t.Fatalf("Query: %v", err)
		}
		if got != GuidanceMessage {
			t.Errorf("secret %q: answer = %q, want guidance", secret, got)
		}
		if len(f.built) != 0 {
			t.Errorf("secret %q: engine built without usable key", secret)
		}
	}

	s, w, f := newTestSession(t, "GPT-4o", "")
	_, _ = s.Query(context.Background(), nil, "q")
	snap := w.snap
	snap.Secret = "sk-real"
	w.set(snap, nil)
	if got, _ := s.Query(context.Background(), nil, "q"); got != "42" {
		t.Errorf("answer after key added = %q, want 42", got)
	}
	if len(f.built) != 1 {
		t.Errorf("builds = %d, want 1", len(f.built))
	}
}

func TestSession_EmptyAnswerFallback(t *testing.T) {
	s, _, f := newTestSession(t, "llama3", "")
	f.answer = ""
	got, err := s.Query(context.Background(), &identity.Caller{ID: "u1"}, "q")
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if got != EmptyAnswer {
		t.Errorf("answer = %q, want %q", got, EmptyAnswer)
	}
}

func TestSession_AnonymousCallersShareAllowance(t *testing.T) {
	s, _, _ := newTestSession(t, "llama3", "")
	for i := 0; i < DefaultMaxQueries; i++ {
		_, _ = s.Query(context.Background(), nil, "q")
	}
	if got, _ := s.Query(context.Background(), &identity.Caller{}, "q"); got != CappedMessage {
		t.Errorf("anonymous query = %q, want capped", got)
	}
}

func TestSession_ConcurrentQueriesBuildOnce(t *testing.T) {
	s, _, f := newTestSession(t, "llama3", "")
	admin := &identity.Caller{ID: "root", Role: identity.RoleAdmin}
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Query(context.Background(), admin, "q"); err != nil {
				t.Errorf("Query: %v", err)
			}
		}()
	}
	wg.Wait()
	if len(f.built) != 1 {
		t.Errorf("builds = %d, want 1", len(f.built))
	}
}

func TestEngineConfig_NeedsSecret(t *testing.T) {
	tests := []struct {
		cfg  EngineConfig
		want bool
	}{
		{EngineConfig{LLMName: "gpt-4o"}, true},
		{EngineConfig{LLMName: "llama3", QueryAnalyser: QueryAnalyserConfig{LLMName: "gpt-3.5-turbo"}}, true},
		{EngineConfig{LLMName: "llama3", QueryAnalyser: QueryAnalyserConfig{LLMName: "mistral"}}, false},
	}
	for _, tt := range tests {
		if got := tt.cfg.NeedsSecret(); got != tt.want {
			t.Errorf("NeedsSecret(%+v) = %v, want %v", tt.cfg, got, tt.want)
		}
	}
}
