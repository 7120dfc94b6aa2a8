// Package cache provides a typed in-process LRU cache with per-entry TTL.
package cache

import (
	"container/list"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Config configures an LRU.
type Config struct {
	// MaxSize is the maximum number of entries kept.
	MaxSize int
	// TTL is how long an entry stays fresh.
	TTL time.Duration
}

// LRU is a thread-safe cache with TTL expiry and least-recently-used eviction.
// Loads through GetOrLoad are collapsed per key.
type LRU[K comparable, V any] struct {
	mu       sync.Mutex
	items    map[K]*list.Element
	eviction *list.List // front = most recently used
	maxSize  int
	ttl      time.Duration
	now      func() time.Time
	group    singleflight.Group

	// epoch counts deletes. deleted records the epoch of deletes that raced
	// an in-flight load so the load does not store its result.
	epoch    uint64
	deleted  map[K]uint64
	loading  map[K]string
	inflight int

	hits, misses, evictions int64
}

type entry[K comparable, V any] struct {
	key       K
	value     V
	expiresAt time.Time
}

// New creates an LRU. Non-positive sizes default to 10000 entries and five
// minutes.
func New[K comparable, V any](cfg Config) *LRU[K, V] {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 10000
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 5 * time.Minute
	}
	return &LRU[K, V]{
		items:    make(map[K]*list.Element),
		eviction: list.New(),
		deleted:  make(map[K]uint64),
		loading:  make(map[K]string),
		maxSize:  cfg.MaxSize,
		ttl:      cfg.TTL,
		now:      time.Now,
	}
}

// Get returns the fresh value for key.
func (c *LRU[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	elem, ok := c.items[key]
	if !ok {
		c.misses++
		return zero, false
	}
	e := elem.Value.(*entry[K, V])
	if c.now().After(e.expiresAt) {
		c.removeLocked(elem)
		c.misses++
		return zero, false
	}
	c.eviction.MoveToFront(elem)
	c.hits++
	return e.value, true
}

// Set stores value under key with the default TTL.
func (c *LRU[K, V]) Set(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setLocked(key, value)
}

func (c *LRU[K, V]) setLocked(key K, value V) {
	expires := c.now().Add(c.ttl)
	if elem, ok := c.items[key]; ok {
		e := elem.Value.(*entry[K, V])
		e.value = value
		e.expiresAt = expires
		c.eviction.MoveToFront(elem)
		return
	}
	for c.eviction.Len() >= c.maxSize {
		back := c.eviction.Back()
		if back == nil {
			break
		}
		c.removeLocked(back)
		c.evictions++
	}
	c.items[key] = c.eviction.PushFront(&entry[K, V]{key: key, value: value, expiresAt: expires})
}

// Delete removes key. A GetOrLoad already loading key does not cache its
// result, and later callers start a fresh load instead of joining it.
func (c *LRU[K, V]) Delete(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.items[key]; ok {
		c.removeLocked(elem)
	}
	c.epoch++
	if c.inflight > 0 {
		c.deleted[key] = c.epoch
		if ks, ok := c.loading[key]; ok {
			c.group.Forget(ks)
		}
	}
}

// Len returns the number of entries, including expired ones not yet evicted.
func (c *LRU[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.eviction.Len()
}

// Stats holds cache counters.
type Stats struct {
	Size      int
	Hits      int64
	Misses    int64
	Evictions int64
}

// Stats returns a snapshot of the cache counters.
func (c *LRU[K, V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{Size: c.eviction.Len(), Hits: c.hits, Misses: c.misses, Evictions: c.evictions}
}

// GetOrLoad returns the cached value or calls load once per key across
// concurrent callers and caches a successful result. keyString names the key
// for call deduplication.
func (c *LRU[K, V]) GetOrLoad(key K, keyString string, load func() (V, error)) (V, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}
	res, err, _ := c.group.Do(keyString, func() (any, error) {
		start := c.beginLoad(key, keyString)
		v, err := load()
		c.finishLoad(key, start, v, err == nil)
		return v, err
	})
	if err != nil {
		var zero V
		return zero, err
	}
	return res.(V), nil
}

func (c *LRU[K, V]) beginLoad(key K, keyString string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inflight++
	c.loading[key] = keyString
	return c.epoch
}

// finishLoad stores v unless key was deleted after the load began.
func (c *LRU[K, V]) finishLoad(key K, start uint64, v V, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	stale := c.deleted[key] > start
	c.inflight--
	if c.inflight == 0 {
		clear(c.deleted)
		clear(c.loading)
	}
	if ok && !stale {
		c.setLocked(key, v)
	}
}

func (c *LRU[K, V]) removeLocked(elem *list.Element) {
	e := elem.Value.(*entry[K, V])
	delete(c.items, e.key)
	c.eviction.Remove(elem)
}
