// Package ttlcache is a bounded, TTL-expiring cache that coalesces
// concurrent producers for the same key into a single call. It
// generalizes the runbook cache's lazy-expiry map with the singleflight
// coalescing and capacity-based eviction the orchestration core's
// backend/session lookups need under load.
package ttlcache

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

// Producer computes the value for a cache miss. A false ok or a non-nil
// err means the result is not cached, so a transient backend outage
// doesn't get pinned into the cache for the full TTL.
type Producer[V any] func(ctx context.Context) (value V, ok bool, err error)

type entry[V any] struct {
	value  V
	expiry time.Time
	index  int // position in the expiry heap
}

// expiryHeap orders live entries by expiry ascending so the next entry
// to evict is always at the root — O(log n) eviction instead of the
// O(n) linear scan a plain map forces.
type expiryHeap[V any] []*entry[V]

func (h expiryHeap[V]) Len() int            { return len(h) }
func (h expiryHeap[V]) Less(i, j int) bool  { return h[i].expiry.Before(h[j].expiry) }
func (h expiryHeap[V]) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *expiryHeap[V]) Push(x interface{}) {
	e := x.(*entry[V])
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *expiryHeap[V]) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// Stats is a point-in-time snapshot of cache activity counters.
type Stats struct {
	Hits     int64
	Misses   int64
	Replaces int64
	Len      int64
}

// Cache is safe for concurrent use. The zero value is not usable; build
// one with New.
type Cache[K comparable, V any] struct {
	ttl         time.Duration
	maxCapacity int

	mu      sync.Mutex
	entries map[K]*entry[V]
	expiry  expiryHeap[V]

	group singleflight.Group

	hits, misses, replaces int64
}

// New creates a Cache that holds at most maxCapacity entries, each
// valid for ttl after it was produced.
func New[K comparable, V any](ttl time.Duration, maxCapacity int) *Cache[K, V] {
	return &Cache[K, V]{
		ttl:         ttl,
		maxCapacity: maxCapacity,
		entries:     make(map[K]*entry[V]),
	}
}

// GetOrInsert returns the cached value for key if live, otherwise runs
// produce — coalescing concurrent callers for the same key into one
// producer invocation — and caches the result if produce reports ok.
func (c *Cache[K, V]) GetOrInsert(ctx context.Context, key K, produce Producer[V]) (V, bool, error) {
	if v, ok := c.get(key); ok {
		atomic.AddInt64(&c.hits, 1)
		return v, true, nil
	}

	groupKey := fmt.Sprintf("%v", key)
	res, err, _ := c.group.Do(groupKey, func() (interface{}, error) {
		// Re-check under the group: another goroutine may have just
		// finished populating this key while we were scheduled.
		if v, ok := c.get(key); ok {
			atomic.AddInt64(&c.hits, 1)
			return v, nil
		}

		value, ok, produceErr := produce(ctx)
		if produceErr != nil {
			return nil, produceErr
		}
		if !ok {
			var zero V
			return zero, errNoValue
		}
		c.insert(key, value)
		return value, nil
	})

	if err == errNoValue {
		var zero V
		return zero, false, nil
	}
	if err != nil {
		var zero V
		return zero, false, err
	}
	return res.(V), true, nil
}

var errNoValue = &noValueError{}

type noValueError struct{}

func (*noValueError) Error() string { return "ttlcache: producer returned no value" }

func (c *Cache[K, V]) get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return zeroOf[V](), false
	}
	if time.Now().After(e.expiry) {
		c.removeLocked(key, e)
		return zeroOf[V](), false
	}
	return e.value, true
}

func (c *Cache[K, V]) insert(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.entries[key]; ok {
		existing.value = value
		existing.expiry = time.Now().Add(c.ttl)
		heap.Fix(&c.expiry, existing.index)
		atomic.AddInt64(&c.replaces, 1)
		return
	}

	if len(c.entries) >= c.maxCapacity {
		c.evictOldestLocked()
	} else {
		c.pruneExpiredLocked(2)
	}

	e := &entry[V]{value: value, expiry: time.Now().Add(c.ttl)}
	c.entries[key] = e
	heap.Push(&c.expiry, e)
	atomic.AddInt64(&c.misses, 1)
}

// evictOldestLocked drops the entry with the nearest expiry, the cache
// equivalent of evicting the entry that will go stale soonest when
// under capacity pressure. Callers must hold c.mu.
func (c *Cache[K, V]) evictOldestLocked() {
	if c.expiry.Len() == 0 {
		return
	}
	e := heap.Pop(&c.expiry).(*entry[V])
	for k, v := range c.entries {
		if v == e {
			delete(c.entries, k)
			return
		}
	}
}

// pruneExpiredLocked removes up to n already-expired entries so the
// cache doesn't accumulate stale entries indefinitely between capacity
// pressure events. Callers must hold c.mu.
func (c *Cache[K, V]) pruneExpiredLocked(n int) {
	now := time.Now()
	for i := 0; i < n && c.expiry.Len() > 0; i++ {
		if c.expiry[0].expiry.After(now) {
			return
		}
		e := heap.Pop(&c.expiry).(*entry[V])
		for k, v := range c.entries {
			if v == e {
				delete(c.entries, k)
				break
			}
		}
	}
}

func (c *Cache[K, V]) removeLocked(key K, e *entry[V]) {
	delete(c.entries, key)
	if e.index >= 0 && e.index < c.expiry.Len() && c.expiry[e.index] == e {
		heap.Remove(&c.expiry, e.index)
	}
}

// Stats returns a snapshot of activity counters.
func (c *Cache[K, V]) Stats() Stats {
	c.mu.Lock()
	length := int64(len(c.entries))
	c.mu.Unlock()

	return Stats{
		Hits:     atomic.LoadInt64(&c.hits),
		Misses:   atomic.LoadInt64(&c.misses),
		Replaces: atomic.LoadInt64(&c.replaces),
		Len:      length,
	}
}

func zeroOf[V any]() V {
	var zero V
	return zero
}
