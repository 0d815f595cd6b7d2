package pull

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// geometryCache is a thread-safe, fixed-capacity LRU cache with a per-entry
// expiry, used to avoid re-fetching zone geometry that rarely changes.
// Adapted from the project's Mapbox geocoding LRU into a generic,
// TTL-aware shape: eviction happens on both capacity overflow (LRU) and
// staleness (TTL), whichever comes first.
type geometryCache[V any] struct {
	maxEntries int
	ttl        time.Duration
	clock      clockwork.Clock

	mu      sync.Mutex
	entries map[string]*cacheEntry[V]
	head    *cacheEntry[V] // most recently used
	tail    *cacheEntry[V] // least recently used
}

type cacheEntry[V any] struct {
	key      string
	value    V
	expireAt time.Time
	prev     *cacheEntry[V]
	next     *cacheEntry[V]
}

// newGeometryCache creates a cache holding at most maxEntries items, each
// valid for ttl after insertion.
func newGeometryCache[V any](maxEntries int, ttl time.Duration, clock clockwork.Clock) *geometryCache[V] {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &geometryCache[V]{
		maxEntries: maxEntries,
		ttl:        ttl,
		clock:      clock,
		entries:    make(map[string]*cacheEntry[V]),
	}
}

func (c *geometryCache[V]) get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		var zero V
		return zero, false
	}
	if c.clock.Now().After(e.expireAt) {
		c.remove(e)
		delete(c.entries, key)
		var zero V
		return zero, false
	}
	c.moveToFront(e)
	return e.value, true
}

func (c *geometryCache[V]) put(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	expireAt := c.clock.Now().Add(c.ttl)
	if e, ok := c.entries[key]; ok {
		e.value = value
		e.expireAt = expireAt
		c.moveToFront(e)
		return
	}

	e := &cacheEntry[V]{key: key, value: value, expireAt: expireAt}
	c.entries[key] = e
	c.addToFront(e)

	if len(c.entries) > c.maxEntries {
		c.evictTail()
	}
}

func (c *geometryCache[V]) moveToFront(e *cacheEntry[V]) {
	if e == c.head {
		return
	}
	c.remove(e)
	c.addToFront(e)
}

func (c *geometryCache[V]) addToFront(e *cacheEntry[V]) {
	e.next = c.head
	e.prev = nil
	if c.head != nil {
		c.head.prev = e
	}
	c.head = e
	if c.tail == nil {
		c.tail = e
	}
}

func (c *geometryCache[V]) remove(e *cacheEntry[V]) {
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		c.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		c.tail = e.prev
	}
}

func (c *geometryCache[V]) evictTail() {
	if c.tail == nil {
		return
	}
	delete(c.entries, c.tail.key)
	c.remove(c.tail)
}
