// Package nonce is the replay-protection set. A key is admitted exactly
// once within its TTL; everything else about the signed authorization
// is opaque to this package.
package nonce

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/redis/go-redis/v9"
)

// Registry admits each key at most once per TTL window.
type Registry interface {
	// Reserve atomically inserts the key. True iff it was absent.
	Reserve(ctx context.Context, key string) (bool, error)
}

// UnlockFingerprint derives the registry key for an EIP-3009-style
// authorization: sha256 over the lowercased signer fields joined with
// ":". The digest is the only thing the core ever sees.
func UnlockFingerprint(from, to, nonce, value, validBefore string) string {
	canonical := strings.ToLower(strings.Join(
		[]string{from, to, nonce, value, validBefore}, ":"))
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:])
}

// ============================================================================
// REDIS REGISTRY
// ============================================================================

// RedisRegistry uses SETNX with a TTL; the insert is the membership
// test, so there is no check-then-act window.
type RedisRegistry struct {
	rdb    redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisRegistry creates a registry under the given key prefix. The
// TTL must cover the authorization's validity window plus safety
// margin.
func NewRedisRegistry(rdb redis.UniversalClient, prefix string, ttl time.Duration) *RedisRegistry {
	if prefix == "" {
		prefix = "finn:nonce"
	}
	return &RedisRegistry{rdb: rdb, prefix: prefix, ttl: ttl}
}

// Reserve implements Registry.
func (r *RedisRegistry) Reserve(ctx context.Context, key string) (bool, error) {
	ok, err := r.rdb.SetNX(ctx, fmt.Sprintf("%s:%s", r.prefix, key), 1, r.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("nonce reserve: %w", err)
	}
	return ok, nil
}

// ============================================================================
// MEMORY REGISTRY
// ============================================================================

// MemoryRegistry is the in-process fallback used by tests and dev.
type MemoryRegistry struct {
	mu      sync.Mutex
	entries map[string]time.Time // key -> expiry
	ttl     time.Duration
	clk     clock.Clock
}

// NewMemoryRegistry creates an in-memory registry.
func NewMemoryRegistry(ttl time.Duration, clk clock.Clock) *MemoryRegistry {
	if clk == nil {
		clk = clock.NewDefaultClock()
	}
	return &MemoryRegistry{
		entries: make(map[string]time.Time),
		ttl:     ttl,
		clk:     clk,
	}
}

// Reserve implements Registry.
func (m *MemoryRegistry) Reserve(ctx context.Context, key string) (bool, error) {
	now := m.clk.Now()
	m.mu.Lock()
	defer m.mu.Unlock()

	if exp, ok := m.entries[key]; ok && now.Before(exp) {
		return false, nil
	}
	m.entries[key] = now.Add(m.ttl)

	// Opportunistic sweep keeps the map bounded without a timer.
	if len(m.entries) > 4096 {
		for k, exp := range m.entries {
			if now.After(exp) {
				delete(m.entries, k)
			}
		}
	}
	return true, nil
}

var (
	_ Registry = (*RedisRegistry)(nil)
	_ Registry = (*MemoryRegistry)(nil)
)
