// Package catalog merges the per-backend model lists into one aggregated
// catalog and indexes it by model id for dispatch.
package catalog

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/ferro-labs/openai-relay/backends"
)

// CanonicalHost identifies the public OpenAI endpoint.
const CanonicalHost = "api.openai.com"

// excludedSubstrings are dropped from canonical endpoints' model lists.
var excludedSubstrings = []string{"babbage", "dall-e", "davinci", "embedding", "tts", "whisper"}

// IsCanonical reports whether baseURL is the public OpenAI endpoint.
func IsCanonical(baseURL string) bool {
	return strings.Contains(baseURL, CanonicalHost)
}

// Excluded reports whether a raw model id is dropped from a canonical
// endpoint's list.
func Excluded(id string) bool {
	for _, s := range excludedSubstrings {
		if strings.Contains(id, s) {
			return true
		}
	}
	return false
}

// FilterExcluded drops excluded models when baseURL is canonical. Lists from
// other endpoints are returned unchanged.
func FilterExcluded(baseURL string, models []backends.RawModel) []backends.RawModel {
	if !IsCanonical(baseURL) {
		return models
	}
	out := make([]backends.RawModel, 0, len(models))
	for _, m := range models {
		if !Excluded(m.ID()) {
			out = append(out, m)
		}
	}
	return out
}

// Record is one model in the aggregated catalog. Records are immutable once
// placed in a Catalog.
type Record struct {
	// ID is the catalog id, prefixed when the backend has an id prefix.
	ID           string
	Name         string
	OwnedBy      string
	BackendIndex int
	// Pipeline marks models that expect caller identity in the payload.
	Pipeline bool
	// Raw is the upstream object as returned by the backend.
	Raw backends.RawModel
}

// NewRecord builds a Record for raw as listed by backend d.
func NewRecord(d backends.Descriptor, raw backends.RawModel) Record {
	id := raw.ID()
	if d.Prefix != "" {
		id = d.Prefix + "." + id
	}
	name, ok := raw["name"].(string)
	if !ok {
		name = id
	}
	pipeline := false
	if v, ok := raw["pipeline"]; ok && v != nil && v != false {
		pipeline = true
	}
	return Record{
		ID:           id,
		Name:         name,
		OwnedBy:      backends.OwnerTag,
		BackendIndex: d.Index,
		Pipeline:     pipeline,
		Raw:          raw,
	}
}

// MarshalJSON renders the record as the upstream object overlaid with the
// relay fields.
func (r Record) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(r.Raw)+5)
	for k, v := range r.Raw {
		out[k] = v
	}
	out["id"] = r.ID
	out["name"] = r.Name
	out["owned_by"] = r.OwnedBy
	out["openai"] = r.Raw
	out["urlIdx"] = r.BackendIndex
	return json.Marshal(out)
}

// Catalog is one aggregated, deduplicated model list.
type Catalog struct {
	Entries []Record
	BuiltAt time.Time
	index   map[string]int
}

func newCatalog(entries []Record, builtAt time.Time) *Catalog {
	c := &Catalog{BuiltAt: builtAt, index: make(map[string]int, len(entries))}
	for _, r := range entries {
		if pos, ok := c.index[r.ID]; ok {
			c.Entries[pos] = r
			continue
		}
		c.index[r.ID] = len(c.Entries)
		c.Entries = append(c.Entries, r)
	}
	return c
}

// Lookup returns the record with the given catalog id.
func (c *Catalog) Lookup(id string) (Record, bool) {
	if c == nil {
		return Record{}, false
	}
	pos, ok := c.index[id]
	if !ok {
		return Record{}, false
	}
	return c.Entries[pos], true
}

// Records returns a copy of the catalog entries.
func (c *Catalog) Records() []Record {
	if c == nil {
		return nil
	}
	return append([]Record(nil), c.Entries...)
}

// Len returns the number of entries.
func (c *Catalog) Len() int {
	if c == nil {
		return 0
	}
	return len(c.Entries)
}

// List is the wire shape of a model listing.
type List struct {
	Object string   `json:"object"`
	Data   []Record `json:"data"`
}

// NewList wraps records in the list envelope.
func NewList(records []Record) List {
	if records == nil {
		records = []Record{}
	}
	return List{Object: "list", Data: records}
}
