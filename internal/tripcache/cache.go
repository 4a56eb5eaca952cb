// Package tripcache is a TTL cache for per-trip schedule data with in-flight
// request de-duplication.
package tripcache

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

const (
	DefaultTTL      = 10 * time.Minute
	DefaultCapacity = 200
)

// FetchFunc loads the value for a trip.
type FetchFunc[V any] func(ctx context.Context, tripID string) (V, error)

type entry[V any] struct {
	value     V
	fetchedAt time.Time
}

// Stats are the cache counters.
type Stats struct {
	Hits    int64   `json:"hits"`
	Misses  int64   `json:"misses"`
	HitRate float64 `json:"hitRate"`
	Size    int     `json:"size"`
}

// Cache holds at most capacity entries for ttl each. When full, inserting a
// new trip evicts the single oldest-fetched entry.
type Cache[V any] struct {
	fetch    FetchFunc[V]
	ttl      time.Duration
	capacity int
	now      func() time.Time

	mu      sync.Mutex
	entries map[string]entry[V]
	hits    int64
	misses  int64

	group singleflight.Group
}

// Option configures a Cache.
type Option func(*options)

type options struct {
	ttl      time.Duration
	capacity int
	now      func() time.Time
}

// WithTTL sets the entry lifetime.
func WithTTL(ttl time.Duration) Option {
	return func(o *options) {
		if ttl > 0 {
			o.ttl = ttl
		}
	}
}

// WithCapacity sets the maximum number of entries.
func WithCapacity(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.capacity = n
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// New returns a cache backed by fetch.
func New[V any](fetch FetchFunc[V], opts ...Option) *Cache[V] {
	o := options{ttl: DefaultTTL, capacity: DefaultCapacity, now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return &Cache[V]{
		fetch:    fetch,
		ttl:      o.ttl,
		capacity: o.capacity,
		now:      o.now,
		entries:  make(map[string]entry[V]),
	}
}

// GetOrFetch returns the cached value for tripID if it has not expired.
// Otherwise it joins an in-flight fetch for the same trip or starts one.
// Cancelling ctx abandons the wait but not the fetch, whose result still
// lands in the cache.
func (c *Cache[V]) GetOrFetch(ctx context.Context, tripID string) (V, error) {
	if v, ok := c.lookup(tripID, true); ok {
		return v, nil
	}

	ch := c.group.DoChan(tripID, func() (any, error) {
		v, err := c.fetch(context.WithoutCancel(ctx), tripID)
		if err != nil {
			return nil, err
		}
		c.store(tripID, v)
		return v, nil
	})

	select {
	case <-ctx.Done():
		var zero V
		return zero, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			var zero V
			return zero, res.Err
		}
		return res.Val.(V), nil
	}
}

// Peek returns an unexpired value without fetching or touching the counters.
func (c *Cache[V]) Peek(tripID string) (V, bool) {
	return c.lookup(tripID, false)
}

// Prefetch starts a background fetch for tripID unless a fresh value is
// cached or a fetch is already in flight. It never blocks.
func (c *Cache[V]) Prefetch(ctx context.Context, tripID string) {
	if _, ok := c.lookup(tripID, false); ok {
		return
	}
	c.group.DoChan(tripID, func() (any, error) {
		v, err := c.fetch(context.WithoutCancel(ctx), tripID)
		if err != nil {
			return nil, err
		}
		c.store(tripID, v)
		return v, nil
	})
}

// Invalidate removes a single trip.
func (c *Cache[V]) Invalidate(tripID string) {
	c.mu.Lock()
	delete(c.entries, tripID)
	c.mu.Unlock()
}

// Stats returns the current counters.
func (c *Cache[V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Stats{Hits: c.hits, Misses: c.misses, Size: len(c.entries)}
	if total := c.hits + c.misses; total > 0 {
		s.HitRate = float64(c.hits) / float64(total)
	}
	return s
}

func (c *Cache[V]) lookup(tripID string, count bool) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[tripID]
	if ok && c.now().Sub(e.fetchedAt) >= c.ttl {
		delete(c.entries, tripID)
		ok = false
	}
	if count {
		if ok {
			c.hits++
		} else {
			c.misses++
		}
	}
	if !ok {
		var zero V
		return zero, false
	}
	return e.value, true
}

func (c *Cache[V]) store(tripID string, v V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[tripID]; !exists && len(c.entries) >= c.capacity {
		c.evictOldest()
	}
	c.entries[tripID] = entry[V]{value: v, fetchedAt: c.now()}
}

func (c *Cache[V]) evictOldest() {
	var (
		oldestID string
		oldestAt time.Time
		found    bool
	)
	for id, e := range c.entries {
		if !found || e.fetchedAt.Before(oldestAt) {
			oldestID, oldestAt, found = id, e.fetchedAt, true
		}
	}
	if found {
		delete(c.entries, oldestID)
	}
}
