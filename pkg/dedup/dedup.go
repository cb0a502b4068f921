// Package dedup provides a bounded in-memory signature cache that
// suppresses repeated reports of the same finding. The cache is
// intentionally approximate: when full it evicts roughly half its
// entries in arbitrary order instead of tracking strict LRU, trading
// exactness for a lock-cheap hot path. Cross-restart deduplication is
// the persistence layer's concern, not this package's.
package dedup

import "sync"

// DefaultMaxSize bounds the cache when no size is configured.
const DefaultMaxSize = 10000

// Deduplicator is a bounded signature set safe for concurrent use.
type Deduplicator struct {
	mu      sync.RWMutex
	seen    map[string]struct{}
	maxSize int
}

// New creates a deduplicator bounded to maxSize signatures.
// A non-positive maxSize uses DefaultMaxSize.
func New(maxSize int) *Deduplicator {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	return &Deduplicator{
		seen:    make(map[string]struct{}),
		maxSize: maxSize,
	}
}

// IsDuplicate reports whether the signature has been seen before.
func (d *Deduplicator) IsDuplicate(signature string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.seen[signature]
	return ok
}

// MarkSeen records the signature. If the set is at capacity it first
// evicts about half the existing entries (map iteration order, so an
// arbitrary subset) to bound memory use.
func (d *Deduplicator) MarkSeen(signature string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.seen) >= d.maxSize {
		drop := len(d.seen) / 2
		if drop < 1 {
			drop = 1
		}
		for sig := range d.seen {
			delete(d.seen, sig)
			drop--
			if drop == 0 {
				break
			}
		}
	}

	d.seen[signature] = struct{}{}
}

// Size returns the current number of cached signatures.
func (d *Deduplicator) Size() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.seen)
}

// Clear resets the cache.
func (d *Deduplicator) Clear() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seen = make(map[string]struct{})
}
