// Package backends holds the ordered set of OpenAI-compatible upstreams the
// relay forwards to, and the fetcher that lists their models.
//
// A Descriptor's Index is positional: it is stable for one aggregation pass
// and changes only when the Registry is reloaded with a new URL list.
package backends

import (
	"strconv"
	"sync"
)

// APIConfig is the per-backend configuration entry. Configs are keyed by
// the backend's positional index rendered as a string, or by its base URL
// for entries written by older configurations.
type APIConfig struct {
	Enable   *bool    `json:"enable,omitempty" yaml:"enable,omitempty"`
	ModelIDs []string `json:"model_ids,omitempty" yaml:"model_ids,omitempty"`
	PrefixID string   `json:"prefix_id,omitempty" yaml:"prefix_id,omitempty"`
}

// Enabled reports whether the backend is enabled. Absent means enabled.
func (c APIConfig) Enabled() bool {
	return c.Enable == nil || *c.Enable
}

// ConfigLookup resolves the APIConfig for a backend.
type ConfigLookup func(index int, baseURL string) (APIConfig, bool)

// LookupConfigs returns a ConfigLookup over configs that tries the index key
// first and falls back to the base URL key.
func LookupConfigs(configs map[string]APIConfig) ConfigLookup {
	return func(index int, baseURL string) (APIConfig, bool) {
		if c, ok := configs[strconv.Itoa(index)]; ok {
			return c, true
		}
		c, ok := configs[baseURL]
		return c, ok
	}
}

// Descriptor describes one configured upstream.
type Descriptor struct {
	Index    int      `json:"index"`
	BaseURL  string   `json:"base_url"`
	APIKey   string   `json:"-"`
	Enabled  bool     `json:"enabled"`
	ModelIDs []string `json:"model_ids,omitempty"`
	Prefix   string   `json:"prefix_id,omitempty"`
}

// StripPrefix removes the backend's "<prefix>." marker from model.
func (d Descriptor) StripPrefix(model string) string {
	if d.Prefix == "" {
		return model
	}
	p := d.Prefix + "."
	if len(model) > len(p) && model[:len(p)] == p {
		return model[len(p):]
	}
	return model
}

// Reconcile aligns keys to baseURLs and resolves per-backend configuration.
// Extra keys are dropped and missing keys are padded with "". The result
// always has exactly len(baseURLs) entries. A nil lookup applies defaults.
func Reconcile(baseURLs, keys []string, lookup ConfigLookup) []Descriptor {
	keys = ReconcileKeys(keys, len(baseURLs))
	out := make([]Descriptor, len(baseURLs))
	for i, url := range baseURLs {
		d := Descriptor{Index: i, BaseURL: url, APIKey: keys[i], Enabled: true}
		if lookup != nil {
			if cfg, ok := lookup(i, url); ok {
				d.Enabled = cfg.Enabled()
				d.Prefix = cfg.PrefixID
				if len(cfg.ModelIDs) > 0 {
					d.ModelIDs = append([]string(nil), cfg.ModelIDs...)
				}
			}
		}
		out[i] = d
	}
	return out
}

// ReconcileKeys returns keys truncated or padded to n entries.
func ReconcileKeys(keys []string, n int) []string {
	out := make([]string, n)
	copy(out, keys)
	return out
}

// Registry is the mutable, concurrency-safe set of backends. Reads return
// snapshots; Load replaces the whole set.
type Registry struct {
	mu          sync.RWMutex
	descriptors []Descriptor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Load rebuilds the registry from raw configuration.
func (r *Registry) Load(baseURLs, keys []string, configs map[string]APIConfig) {
	descs := Reconcile(baseURLs, keys, LookupConfigs(configs))
	r.mu.Lock()
	r.descriptors = descs
	r.mu.Unlock()
}

// Snapshot returns a copy of the current descriptors in index order.
func (r *Registry) Snapshot() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, len(r.descriptors))
	copy(out, r.descriptors)
	return out
}

// Get returns the descriptor at index.
func (r *Registry) Get(index int) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if index < 0 || index >= len(r.descriptors) {
		return Descriptor{}, false
	}
	return r.descriptors[index], true
}

// Len returns the number of configured backends.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.descriptors)
}
