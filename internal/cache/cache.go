// Package cache provides a generic in-process cache with TTL expiry used by
// the catalog aggregator. The default implementation is Memory.
package cache

// Cache defines the interface for a keyed value cache.
type Cache[V any] interface {
	Get(key string) (V, bool)
	Set(key string, value V)
	Delete(key string)
	Len() int
	Clear()
}
