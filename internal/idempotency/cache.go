// Package idempotency deduplicates tool invocations inside one traced
// request. A retried tool call with identical arguments returns the
// recorded result instead of executing twice.
package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/lightningnetwork/lnd/clock"
)

const (
	// DefaultCapacity bounds one trace's cache.
	DefaultCapacity = 10000
	// DefaultTTL matches the maximum orchestrator wall-time budget: a
	// result can never outlive the request that produced it.
	DefaultTTL = 10 * time.Minute
)

// Canonicalize renders a value as deterministic JSON: map keys sorted
// recursively at every depth, array order preserved. Two semantically
// equal argument sets always canonicalize to the same bytes.
func Canonicalize(v interface{}) ([]byte, error) {
	norm, err := normalize(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(norm)
}

// normalize rewrites maps as ordered key/value slices so Marshal emits
// keys in sorted order regardless of input type.
func normalize(v interface{}) (interface{}, error) {
	switch t := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := orderedMap{keys: keys, values: make([]interface{}, len(keys))}
		for i, k := range keys {
			nv, err := normalize(t[k])
			if err != nil {
				return nil, err
			}
			out.values[i] = nv
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			nv, err := normalize(e)
			if err != nil {
				return nil, err
			}
			out[i] = nv
		}
		return out, nil
	case nil, bool, string, float64, int, int64, uint64, json.Number:
		return t, nil
	default:
		// Structs and other shapes round-trip through JSON first.
		raw, err := json.Marshal(t)
		if err != nil {
			return nil, err
		}
		var generic interface{}
		dec := json.NewDecoder(strings.NewReader(string(raw)))
		dec.UseNumber()
		if err := dec.Decode(&generic); err != nil {
			return nil, err
		}
		return normalize(generic)
	}
}

// orderedMap marshals as a JSON object with keys in slice order.
type orderedMap struct {
	keys   []string
	values []interface{}
}

func (m orderedMap) MarshalJSON() ([]byte, error) {
	var b strings.Builder
	b.WriteByte('{')
	for i, k := range m.keys {
		if i > 0 {
			b.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		b.Write(kb)
		b.WriteByte(':')
		vb, err := json.Marshal(m.values[i])
		if err != nil {
			return nil, err
		}
		b.Write(vb)
	}
	b.WriteByte('}')
	return []byte(b.String()), nil
}

// Key derives the cache key for one tool invocation:
// trace_id plus the first 16 hex chars of sha256(tool || canonical args).
func Key(traceID, tool string, args interface{}) (string, error) {
	canonical, err := Canonicalize(args)
	if err != nil {
		return "", fmt.Errorf("canonicalize args: %w", err)
	}
	sum := sha256.Sum256(append([]byte(tool), canonical...))
	return traceID + hex.EncodeToString(sum[:])[:16], nil
}

type entry struct {
	value     interface{}
	expiresAt time.Time
}

// Cache is one trace's bounded result store: LRU eviction at capacity
// and TTL expiry checked on read.
type Cache struct {
	inner *lru.Cache
	ttl   time.Duration
	clk   clock.Clock
}

// NewCache builds a cache; zero values take the defaults.
func NewCache(capacity int, ttl time.Duration, clk clock.Clock) *Cache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if clk == nil {
		clk = clock.NewDefaultClock()
	}
	inner, _ := lru.New(capacity)
	return &Cache{inner: inner, ttl: ttl, clk: clk}
}

// Get returns the cached value, expiring lazily.
func (c *Cache) Get(key string) (interface{}, bool) {
	raw, ok := c.inner.Get(key)
	if !ok {
		return nil, false
	}
	e := raw.(entry)
	if c.clk.Now().After(e.expiresAt) {
		c.inner.Remove(key)
		return nil, false
	}
	return e.value, true
}

// Set stores a value under the cache TTL.
func (c *Cache) Set(key string, value interface{}) {
	c.inner.Add(key, entry{value: value, expiresAt: c.clk.Now().Add(c.ttl)})
}

// Has reports presence without refreshing recency.
func (c *Cache) Has(key string) bool {
	raw, ok := c.inner.Peek(key)
	if !ok {
		return false
	}
	if c.clk.Now().After(raw.(entry).expiresAt) {
		c.inner.Remove(key)
		return false
	}
	return true
}

// Len returns the live entry count, counting expired-but-unswept
// entries until their next read.
func (c *Cache) Len() int { return c.inner.Len() }

// Manager hands out one cache per trace and tears it down when the
// request finishes.
type Manager struct {
	capacity int
	ttl      time.Duration
	clk      clock.Clock

	mu     sync.Mutex
	traces map[string]*Cache
}

// NewManager builds a manager; zero values take the defaults.
func NewManager(capacity int, ttl time.Duration, clk clock.Clock) *Manager {
	if clk == nil {
		clk = clock.NewDefaultClock()
	}
	return &Manager{
		capacity: capacity,
		ttl:      ttl,
		clk:      clk,
		traces:   make(map[string]*Cache),
	}
}

// ForTrace returns the trace's cache, creating it on first use.
func (m *Manager) ForTrace(traceID string) *Cache {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.traces[traceID]
	if !ok {
		c = NewCache(m.capacity, m.ttl, m.clk)
		m.traces[traceID] = c
	}
	return c
}

// Destroy drops a trace's cache.
func (m *Manager) Destroy(traceID string) {
	m.mu.Lock()
	delete(m.traces, traceID)
	m.mu.Unlock()
}

// Traces returns the number of live per-trace caches.
func (m *Manager) Traces() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.traces)
}
