package catalog

import (
	"context"
	"strconv"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/ferro-labs/openai-relay/backends"
	"github.com/ferro-labs/openai-relay/identity"
	"github.com/ferro-labs/openai-relay/internal/cache"
	"github.com/ferro-labs/openai-relay/internal/logging"
	"github.com/ferro-labs/openai-relay/internal/metrics"
)

// DefaultTTL is how long an aggregated catalog is served before rebuild.
const DefaultTTL = 3 * time.Second

const cacheKey = "catalog"

// Fetcher lists every backend. *backends.Fetcher satisfies it.
type Fetcher interface {
	FetchAll(ctx context.Context, descs []backends.Descriptor, caller *identity.Caller) []*backends.ListResponse
}

// Options configures an Aggregator.
type Options struct {
	// TTL is the catalog lifetime. Zero means DefaultTTL.
	TTL time.Duration
	// Enabled reports whether aggregation is on. Nil means always on.
	Enabled func() bool
	// Now overrides the clock.
	Now func() time.Time
}

// Aggregator builds and caches the aggregated catalog. One catalog is shared
// by every caller within a TTL window and concurrent callers that find it
// stale share a single rebuild.
type Aggregator struct {
	registry *backends.Registry
	fetcher  Fetcher
	enabled  func() bool
	now      func() time.Time
	cache    *cache.Memory[*Catalog]
	group    singleflight.Group
	// gen advances on Invalidate; builds started under an older gen are
	// returned to their callers but never cached.
	gen atomic.Uint64
}

// NewAggregator creates an Aggregator over registry.
func NewAggregator(registry *backends.Registry, fetcher Fetcher, opts Options) *Aggregator {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	enabled := opts.Enabled
	if enabled == nil {
		enabled = func() bool { return true }
	}
	return &Aggregator{
		registry: registry,
		fetcher:  fetcher,
		enabled:  enabled,
		now:      now,
		cache:    cache.NewMemory[*Catalog](1, ttl, cache.WithClock(now)),
	}
}

// Catalog returns the current catalog, rebuilding it when the cached one
// has expired. caller is used only for identity headers on listing calls;
// nothing caller-specific is stored in the catalog.
func (a *Aggregator) Catalog(ctx context.Context, caller *identity.Caller) *Catalog {
	if !a.enabled() {
		return newCatalog(nil, a.now())
	}
	if c, ok := a.cache.Get(cacheKey); ok {
		return c
	}

	gen := a.gen.Load()
	v, _, _ := a.group.Do(strconv.FormatUint(gen, 10), func() (any, error) {
		if c, ok := a.cache.Get(cacheKey); ok {
			return c, nil
		}
		c := a.Build(context.WithoutCancel(ctx), caller)
		if a.gen.Load() == gen {
			a.cache.Set(cacheKey, c)
		}
		return c, nil
	})
	return v.(*Catalog)
}

// Invalidate drops the cached catalog so the next call rebuilds it from the
// current registry. Used when the backend list is replaced.
func (a *Aggregator) Invalidate() {
	a.gen.Add(1)
	a.cache.Delete(cacheKey)
}

// Build fetches every backend and merges the results without consulting
// the cache.
func (a *Aggregator) Build(ctx context.Context, caller *identity.Caller) *Catalog {
	descs := a.registry.Snapshot()
	responses := a.fetcher.FetchAll(ctx, descs, caller)
	c := Merge(descs, responses, a.now())

	metrics.CatalogBuilds.Inc()
	metrics.CatalogModels.Set(float64(c.Len()))
	logging.FromContext(ctx).Info("catalog rebuilt",
		"backends", len(descs),
		"models", c.Len(),
	)
	return c
}

// Merge combines per-backend responses, aligned with descs, into a catalog.
// Nil and errored responses contribute nothing. Canonical endpoints have
// excluded ids dropped, prefixes are applied, and a later backend's record
// replaces an earlier one with the same id in place.
func Merge(descs []backends.Descriptor, responses []*backends.ListResponse, builtAt time.Time) *Catalog {
	var entries []Record
	for i, resp := range responses {
		if resp == nil || resp.Errored || i >= len(descs) {
			continue
		}
		d := descs[i]
		for _, raw := range FilterExcluded(d.BaseURL, resp.Data) {
			if raw.ID() == "" {
				continue
			}
			entries = append(entries, NewRecord(d, raw))
		}
	}
	return newCatalog(entries, builtAt)
}
