package rag

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/ferro-labs/openai-relay/identity"
	"github.com/ferro-labs/openai-relay/internal/logging"
	"github.com/ferro-labs/openai-relay/internal/metrics"
	"github.com/ferro-labs/openai-relay/internal/ratelimit"
)

// DefaultMaxQueries is the lifetime query allowance per non-admin caller.
const DefaultMaxQueries = 5

// Fixed replies.
const (
	CappedMessage   = "You have reached the maximum number of queries allowed."
	GuidanceMessage = "A GPT model is configured but no OpenAI API key is set. Add OPENAI_API_KEY in the RAG settings and try again."
	EmptyAnswer     = "Successfully!"
)

const anonymousCaller = "default_user"

// ErrEngineReload is returned when the engine could not be rebuilt.
var ErrEngineReload = errors.New("rag engine reload failed")

// SessionOptions configures a Session.
type SessionOptions struct {
	// MaxQueries caps queries per caller. Zero means DefaultMaxQueries.
	MaxQueries int
}

// Session is the conversational front of one engine. It caps non-admin
// callers, and rebuilds the engine whenever the watcher reports a new
// config file timestamp or secret.
type Session struct {
	watcher ConfigWatcher
	factory Factory
	queries *ratelimit.Cap

	mu       sync.RWMutex
	engine   Engine
	last     Snapshot
	loaded   bool
	guidance bool
}

// NewSession creates a Session. The engine is built lazily on first query.
func NewSession(watcher ConfigWatcher, factory Factory, opts SessionOptions) *Session {
	limit := opts.MaxQueries
	if limit <= 0 {
		limit = DefaultMaxQueries
	}
	return &Session{
		watcher: watcher,
		factory: factory,
		queries: ratelimit.NewCap(limit),
	}
}

// Query answers query for caller. Capped callers and a GPT model without a
// key get fixed textual replies; those are not errors.
func (s *Session) Query(ctx context.Context, caller *identity.Caller, query string) (string, error) {
	if !caller.IsAdmin() && !s.queries.Allow(callerKey(caller)) {
		metrics.RAGQueries.WithLabelValues("capped").Inc()
		return CappedMessage, nil
	}

	if err := s.refresh(ctx); err != nil {
		metrics.RAGQueries.WithLabelValues("error").Inc()
		return "", err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.guidance {
		metrics.RAGQueries.WithLabelValues("guidance").Inc()
		return GuidanceMessage, nil
	}
	if s.engine == nil {
		metrics.RAGQueries.WithLabelValues("error").Inc()
		return "", ErrEngineReload
	}

	ans, err := s.engine.Answer(ctx, query)
	if err != nil {
		metrics.RAGQueries.WithLabelValues("error").Inc()
		return "", fmt.Errorf("rag answer: %w", err)
	}
	metrics.RAGQueries.WithLabelValues("answered").Inc()
	if strings.TrimSpace(ans.Text) == "" {
		return EmptyAnswer, nil
	}
	return ans.Text, nil
}

// Count returns how many queries caller has been admitted.
func (s *Session) Count(caller *identity.Caller) int {
	return s.queries.Count(callerKey(caller))
}

// refresh rebuilds the engine when the observed state changed since the
// last successful build.
func (s *Session) refresh(ctx context.Context) error {
	snap, err := s.watcher.Observe()
	if err != nil {
		metrics.EngineReloads.WithLabelValues("error").Inc()
		return fmt.Errorf("%w: %v", ErrEngineReload, err)
	}

	s.mu.RLock()
	fresh := s.loaded && !snap.Changed(s.last)
	s.mu.RUnlock()
	if fresh {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loaded && !snap.Changed(s.last) {
		return nil
	}
	return s.rebuild(ctx, snap)
}

// rebuild must be called with mu held.
func (s *Session) rebuild(ctx context.Context, snap Snapshot) error {
	log := logging.FromContext(ctx)
	s.closeEngine(ctx)
	s.loaded = false
	s.guidance = false

	cfg, err := LoadEngineConfig(snap.Path)
	if err != nil {
		metrics.EngineReloads.WithLabelValues("error").Inc()
		return fmt.Errorf("%w: %v", ErrEngineReload, err)
	}
	cfg.Secret = snap.Secret

	if cfg.NeedsSecret() && !UsableSecret(cfg.Secret) {
		log.Warn("rag engine needs an API key", "llm", cfg.LLMName, "query_analyser_llm", cfg.QueryAnalyser.LLMName)
		s.guidance = true
		s.last = snap
		s.loaded = true
		metrics.EngineReloads.WithLabelValues("guidance").Inc()
		return nil
	}

	engine, err := s.factory(ctx, cfg)
	if err != nil {
		metrics.EngineReloads.WithLabelValues("error").Inc()
		log.Error("rag engine reload failed", "config", snap.Path, "error", err)
		return fmt.Errorf("%w: %v", ErrEngineReload, err)
	}
	s.engine = engine
	s.last = snap
	s.loaded = true
	metrics.EngineReloads.WithLabelValues("ok").Inc()
	log.Info("rag engine loaded", "config", snap.Path, "llm", cfg.LLMName)
	return nil
}

func (s *Session) closeEngine(ctx context.Context) {
	if s.engine == nil {
		return
	}
	if err := s.engine.Close(); err != nil {
		logging.FromContext(ctx).Warn("rag engine close failed", "error", err)
	}
	s.engine = nil
}

// Close releases the current engine.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err error
	if s.engine != nil {
		err = s.engine.Close()
		s.engine = nil
	}
	s.loaded = false
	return err
}

func callerKey(c *identity.Caller) string {
	if c == nil || c.ID == "" {
		return anonymousCaller
	}
	return c.ID
}
