// Package relay assembles an OpenAI-compatible gateway in front of one or
// more OpenAI-compatible backends.
//
// The gateway merges the backends' model lists into one catalog, narrows it
// per caller through stored model access rules, and dispatches chat
// completions to the backend owning the requested model. An optional
// retrieval session answers queries through an external engine.
//
// Build a Relay from a [Config], typically loaded with [LoadConfig], and
// serve it with the handlers in cmd/relay.
package relay

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"

	"github.com/ferro-labs/openai-relay/access"
	"github.com/ferro-labs/openai-relay/backends"
	"github.com/ferro-labs/openai-relay/catalog"
	"github.com/ferro-labs/openai-relay/dispatch"
	"github.com/ferro-labs/openai-relay/identity"
	"github.com/ferro-labs/openai-relay/internal/circuitbreaker"
	"github.com/ferro-labs/openai-relay/internal/logging"
	"github.com/ferro-labs/openai-relay/internal/requestlog"
	"github.com/ferro-labs/openai-relay/modelstore"
	"github.com/ferro-labs/openai-relay/rag"
)

// ErrBackendNotFound is returned for a backend index outside the registry.
var ErrBackendNotFound = errors.New("backend not found")

// ErrRAGDisabled is returned by retrieval operations when RAG is off.
var ErrRAGDisabled = errors.New("rag is not enabled")

// Option customizes New.
type Option func(*options)

type options struct {
	client *http.Client
	store  modelstore.Store
}

// WithHTTPClient sets the client used for every backend call.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.client = c }
}

// WithModelStore uses store instead of opening the configured one. The
// Relay takes ownership and closes it.
func WithModelStore(store modelstore.Store) Option {
	return func(o *options) { o.store = store }
}

// Relay is the assembled gateway.
type Relay struct {
	Registry   *backends.Registry
	Fetcher    *backends.Fetcher
	Aggregator *catalog.Aggregator
	Store      modelstore.Store
	Policy     *access.Policy
	Filter     *access.Filter
	Dispatcher *dispatch.Dispatcher

	// RAG and RAGEditor are nil when retrieval is disabled.
	RAG       *rag.Session
	RAGEditor *rag.Editor

	cfg        atomic.Pointer[Config]
	features   atomic.Pointer[FeatureFlags]
	enabled    atomic.Bool
	breakers   *circuitbreaker.Set
	requestLog *requestlog.SQLWriter
}

// New wires a Relay from cfg.
func New(cfg Config, opts ...Option) (*Relay, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.client == nil {
		o.client = &http.Client{}
	}
	cfg.applyDefaults()

	store := o.store
	if store == nil {
		var err error
		store, err = modelstore.Open(cfg.ModelStore.Driver, cfg.ModelStore.DSN)
		if err != nil {
			return nil, fmt.Errorf("open model store: %w", err)
		}
	}
	if err := seedModels(context.Background(), store, cfg.Models); err != nil {
		_ = store.Close()
		return nil, err
	}

	reqLog, err := requestlog.Open(cfg.RequestLog.Driver, cfg.RequestLog.DSN)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("open request log: %w", err)
	}

	r := &Relay{
		Store:      store,
		requestLog: reqLog,
		breakers: circuitbreaker.NewSet(circuitbreaker.Settings{
			FailureThreshold: cfg.Circuit.FailureThreshold,
			SuccessThreshold: cfg.Circuit.SuccessThreshold,
			OpenTimeout:      cfg.Circuit.OpenTimeout.Std(),
		}),
	}
	r.setConfig(cfg)

	r.Registry = backends.NewRegistry()
	r.Registry.Load(cfg.OpenAI.BaseURLs, cfg.OpenAI.Keys, cfg.OpenAI.Configs)

	r.Fetcher = backends.NewFetcher(backends.FetcherOptions{
		Client:          o.client,
		Timeout:         cfg.Timeouts.ModelList.Std(),
		ForwardIdentity: r.forwardIdentity,
		Breakers:        r.breakers,
	})
	r.Aggregator = catalog.NewAggregator(r.Registry, r.Fetcher, catalog.Options{
		TTL:     cfg.Catalog.TTL.Std(),
		Enabled: r.enabled.Load,
	})

	r.Policy = access.NewPolicy(groupMembers(cfg.Groups))
	r.Filter = access.NewFilter(store, r.Policy, func() bool {
		return r.features.Load().BypassModelAccessControl
	})
	dopts := dispatch.Options{
		Client:          o.client,
		Timeout:         cfg.Timeouts.Chat.Std(),
		ForwardIdentity: r.forwardIdentity,
		Breakers:        r.breakers,
	}
	if reqLog != nil {
		dopts.RequestLog = reqLog
	}
	r.Dispatcher = dispatch.New(r.Registry, r.Aggregator, store, r.Filter, dopts)

	if cfg.RAG.Enabled {
		watcher := &rag.FileWatcher{
			ConfigPath:        cfg.RAG.ConfigPath,
			DefaultConfigPath: cfg.RAG.DefaultConfigPath,
			EnvPath:           cfg.RAG.EnvPath,
		}
		factory := rag.NewFactory(rag.FactoryOptions{
			EngineURL:     cfg.RAG.EngineURL,
			OpenAIBaseURL: cfg.RAG.OpenAIBaseURL,
			Client:        o.client,
		})
		r.RAG = rag.NewSession(watcher, factory, rag.SessionOptions{MaxQueries: cfg.RAG.MaxQueries})
		r.RAGEditor = &rag.Editor{
			ConfigPath:        cfg.RAG.ConfigPath,
			DefaultConfigPath: cfg.RAG.DefaultConfigPath,
			EnvPath:           cfg.RAG.EnvPath,
		}
	}

	logging.Logger.Info("relay assembled",
		"backends", r.Registry.Len(),
		"aggregation", cfg.OpenAI.Enabled,
		"model_store", cfg.ModelStore.Driver,
		"rag", cfg.RAG.Enabled,
	)
	return r, nil
}

func (r *Relay) setConfig(cfg Config) {
	r.cfg.Store(&cfg)
	features := cfg.Features
	r.features.Store(&features)
	r.enabled.Store(cfg.OpenAI.Enabled)
}

// Config returns the active configuration.
func (r *Relay) Config() Config { return *r.cfg.Load() }

// Reload swaps in the backend list and feature flags of cfg and drops the
// cached catalog, whose backend indexes may no longer match. Timeouts,
// store and RAG settings take effect only on restart.
func (r *Relay) Reload(cfg Config) {
	cfg.applyDefaults()
	r.setConfig(cfg)
	r.Registry.Load(cfg.OpenAI.BaseURLs, cfg.OpenAI.Keys, cfg.OpenAI.Configs)
	r.Aggregator.Invalidate()
	logging.Logger.Info("relay config reloaded", "backends", r.Registry.Len())
}

// Models returns the aggregated catalog narrowed to what caller may read.
func (r *Relay) Models(ctx context.Context, caller *identity.Caller) catalog.List {
	records := r.Aggregator.Catalog(ctx, caller).Records()
	return catalog.NewList(r.Filter.Narrow(ctx, records, caller))
}

// BackendModels lists one backend directly, bypassing the catalog cache.
// The canonical exclusion rule and the caller's access narrowing apply.
func (r *Relay) BackendModels(ctx context.Context, index int, caller *identity.Caller) (catalog.List, error) {
	desc, ok := r.Registry.Get(index)
	if !ok {
		return catalog.List{}, ErrBackendNotFound
	}
	resp, err := r.Fetcher.List(ctx, desc.BaseURL, desc.APIKey, caller)
	if err != nil {
		return catalog.List{}, err
	}
	var records []catalog.Record
	if !resp.Errored {
		for _, raw := range catalog.FilterExcluded(desc.BaseURL, resp.Data) {
			if raw.ID() == "" {
				continue
			}
			records = append(records, catalog.NewRecord(desc, raw))
		}
	}
	return catalog.NewList(r.Filter.Narrow(ctx, records, caller)), nil
}

// Verify checks that baseURL answers a model listing with apiKey and
// returns the upstream reply. caller is forwarded when identity headers
// are enabled.
func (r *Relay) Verify(ctx context.Context, baseURL, apiKey string, caller *identity.Caller) (*backends.ListResponse, error) {
	return r.Fetcher.List(ctx, baseURL, apiKey, caller)
}

// Chat parses body as a chat completion request and dispatches it.
func (r *Relay) Chat(ctx context.Context, body []byte, caller *identity.Caller) (*dispatch.Result, error) {
	req, err := dispatch.ParseRequest(body)
	if err != nil {
		return nil, err
	}
	return r.Dispatcher.Dispatch(ctx, req, caller, false)
}

// Ask answers a retrieval query for caller.
func (r *Relay) Ask(ctx context.Context, caller *identity.Caller, query string) (string, error) {
	if r.RAG == nil {
		return "", ErrRAGDisabled
	}
	return r.RAG.Query(ctx, caller, query)
}

// Proxy returns the pass-through handler for unrouted paths.
func (r *Relay) Proxy() http.Handler {
	return dispatch.Proxy(r.Registry, r.forwardIdentity)
}

func (r *Relay) forwardIdentity() bool {
	return r.features.Load().ForwardUserInfoHeaders
}

// BackendState reports the circuit state of backend index. Backends are
// always closed when circuit breaking is off.
func (r *Relay) BackendState(index int) string {
	desc, ok := r.Registry.Get(index)
	if !ok {
		return circuitbreaker.StateClosed.String()
	}
	return r.breakers.State(desc.BaseURL).String()
}

// Close releases the RAG engine, the request log and the model store.
func (r *Relay) Close() error {
	var errs []error
	if r.RAG != nil {
		errs = append(errs, r.RAG.Close())
	}
	errs = append(errs, r.requestLog.Close(), r.Store.Close())
	return errors.Join(errs...)
}

// seedModels stores configured models that are not stored yet. Existing
// records are left alone so edits made through the CLI survive restarts.
func seedModels(ctx context.Context, store modelstore.Store, models []modelstore.Model) error {
	for i := range models {
		m := models[i]
		_, err := store.Get(ctx, m.ID)
		if err == nil {
			continue
		}
		if !errors.Is(err, modelstore.ErrNotFound) {
			return fmt.Errorf("seed model %q: %w", m.ID, err)
		}
		if err := store.Put(ctx, &m); err != nil {
			return fmt.Errorf("seed model %q: %w", m.ID, err)
		}
	}
	return nil
}

func groupMembers(groups []Group) map[string][]string {
	out := make(map[string][]string, len(groups))
	for _, g := range groups {
		out[g.ID] = append(out[g.ID], g.Members...)
	}
	return out
}
