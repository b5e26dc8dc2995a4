// Package cache holds read results in process memory, bounded by entry count
// and expired by TTL.
package cache

import (
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/powa-team/querypool/internal/model"
	"github.com/powa-team/querypool/internal/sqltext"
)

type entry struct {
	key        string
	value      *model.QueryResult
	insertedAt time.Time
}

// ResultCache maps query keys to results. Eviction is by insertion order:
// when full, the oldest inserted entry goes first regardless of how often it
// was read. Setting an existing key counts as a fresh insertion.
type ResultCache struct {
	ttl        time.Duration
	maxEntries int
	now        func() time.Time

	mu      sync.Mutex
	order   *list.List
	entries map[string]*list.Element

	hits      int64
	misses    int64
	evictions int64
	expired   int64
}

// Stats are the cache counters.
type Stats struct {
	Entries   int
	Hits      int64
	Misses    int64
	Evictions int64
	Expired   int64
}

// Option configures a ResultCache.
type Option func(*ResultCache)

// WithClock replaces the time source used for TTL checks.
func WithClock(now func() time.Time) Option {
	return func(c *ResultCache) { c.now = now }
}

// New creates a ResultCache.
func New(ttl time.Duration, maxEntries int, opts ...Option) *ResultCache {
	if maxEntries < 1 {
		maxEntries = 1
	}
	c := &ResultCache{
		ttl:        ttl,
		maxEntries: maxEntries,
		now:        time.Now,
		order:      list.New(),
		entries:    make(map[string]*list.Element),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the cached result for key while it is within TTL. An expired
// entry is evicted and reported as a miss.
func (c *ResultCache) Get(key string) (*model.QueryResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		c.misses++
		return nil, false
	}
	e := el.Value.(*entry)
	if c.now().Sub(e.insertedAt) >= c.ttl {
		c.remove(el)
		c.expired++
		c.misses++
		return nil, false
	}
	c.hits++
	return e.value, true
}

// Set stores value under key, evicting the oldest inserted entry when the
// cache is full.
func (c *ResultCache) Set(key string, value *model.QueryResult) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[key]; ok {
		c.remove(el)
	}
	for c.order.Len() >= c.maxEntries {
		c.remove(c.order.Front())
		c.evictions++
	}
	c.entries[key] = c.order.PushBack(&entry{
		key:        key,
		value:      value,
		insertedAt: c.now(),
	})
}

// Sweep removes every expired entry and returns how many were removed.
func (c *ResultCache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for el := c.order.Front(); el != nil; {
		next := el.Next()
		if now.Sub(el.Value.(*entry).insertedAt) >= c.ttl {
			c.remove(el)
			removed++
		}
		el = next
	}
	c.expired += int64(removed)
	return removed
}

func (c *ResultCache) remove(el *list.Element) {
	e := c.order.Remove(el).(*entry)
	delete(c.entries, e.key)
}

// Len returns the number of stored entries, expired ones included.
func (c *ResultCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Stats returns the cache counters.
func (c *ResultCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Entries:   c.order.Len(),
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		Expired:   c.expired,
	}
}

type keyParam struct {
	Type  string `json:"t"`
	Value any    `json:"v"`
}

// Key derives the cache key for a query. Queries that differ only in
// whitespace, comments or keyword case share a key; any difference in
// parameters, parameter types or options does not.
func Key(query string, params []any, opts model.Options) (string, error) {
	typed := make([]keyParam, len(params))
	for i, p := range params {
		typed[i] = keyParam{Type: fmt.Sprintf("%T", p), Value: p}
	}
	payload, err := json.Marshal(struct {
		Query  string        `json:"q"`
		Params []keyParam    `json:"p"`
		Opts   model.Options `json:"o"`
	}{
		Query:  sqltext.Normalize(query),
		Params: typed,
		Opts:   model.Options{IncludeTiming: opts.IncludeTiming},
	})
	if err != nil {
		return "", fmt.Errorf("encoding cache key: %w", err)
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:]), nil
}
