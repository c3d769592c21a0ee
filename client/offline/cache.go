package offline

import (
	"encoding/json"
	"fmt"
	"time"
)

// CacheEntry is a cached snapshot of server data. The UI always reads the
// cache; the coordinator decides when to refresh it. Stale is set when a
// background refresh is due but has not completed yet.
type CacheEntry[T any] struct {
	Data        T         `json:"data"`
	LastUpdated time.Time `json:"last_updated"`
	Stale       bool      `json:"stale"`
}

// NewCacheEntry wraps freshly fetched data in a non-stale entry stamped now.
func NewCacheEntry[T any](data T) CacheEntry[T] {
	return CacheEntry[T]{Data: data, LastUpdated: time.Now()}
}

// Age returns how long ago the entry was refreshed.
func (e *CacheEntry[T]) Age() time.Duration {
	return time.Since(e.LastUpdated)
}

// LoadCache reads and decodes a cache entry from the KV store. Returns
// (nil, nil) when the key does not exist.
func LoadCache[T any](kv KVStore, key string) (*CacheEntry[T], error) {
	raw, ok, err := kv.Get(key)
	if err != nil {
		return nil, fmt.Errorf("offline: load cache %s: %w", key, err)
	}
	if !ok {
		return nil, nil
	}
	var entry CacheEntry[T]
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, fmt.Errorf("offline: decode cache %s: %w", key, err)
	}
	return &entry, nil
}

// SaveCache encodes and writes a cache entry to the KV store.
func SaveCache[T any](kv KVStore, key string, entry CacheEntry[T]) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("offline: encode cache %s: %w", key, err)
	}
	if err := kv.Set(key, raw); err != nil {
		return fmt.Errorf("offline: save cache %s: %w", key, err)
	}
	return nil
}

// MarkStale flags an existing cache entry as due for refresh without
// touching its data. A missing entry is left missing.
func MarkStale[T any](kv KVStore, key string) error {
	entry, err := LoadCache[T](kv, key)
	if err != nil {
		return err
	}
	if entry == nil {
		return nil
	}
	entry.Stale = true
	return SaveCache(kv, key, *entry)
}
