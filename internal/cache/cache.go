package cache

// Cache defines a generic bounded key/value cache.
type Cache[K comparable, V any] interface {
	// Get retrieves a value and marks the key most recently used.
	Get(key K) (V, bool)

	// Put inserts or overwrites a value.
	Put(key K, value V)

	// Remove deletes a key; it is a no-op if the key is absent.
	Remove(key K)

	// Touch re-marks a key as most recently used without changing its value.
	Touch(key K)

	// Len returns the current number of entries.
	Len() int
}
