package cache

import "time"

// Cache stores decoded venue responses and derived market state under
// string keys with per-entry TTLs. Implementations may admit entries
// asynchronously and may refuse an entry under memory pressure, so a
// Set is a hint, not a guarantee.
type Cache interface {
	// Get returns (value, true) when the key is present and unexpired.
	Get(key string) (interface{}, bool)

	// Set stores a value with a TTL. Returns false when the entry was
	// not accepted for admission.
	Set(key string, value interface{}, ttl time.Duration) bool

	// Delete removes a key.
	Delete(key string)

	// Clear removes every entry.
	Clear()

	// Close releases the backing store.
	Close()
}
