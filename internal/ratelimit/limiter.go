// Package ratelimit enforces per-tier sliding windows over request
// timestamps. The Redis implementation runs the whole check as one Lua
// script; the in-memory twin serves tests and single-node deployments.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/redis/go-redis/v9"

	"github.com/hounfour/finn/internal/metrics"
)

// Limit is one tier's budget.
type Limit struct {
	Max    int           `yaml:"max"`
	Window time.Duration `yaml:"window"`
}

// Limiter answers allow/deny for one (tier, identifier) pair.
type Limiter interface {
	Allow(ctx context.Context, tier, id string) (bool, error)
}

// slidingWindow is the atomic check-and-insert: prune entries older
// than the window, count, insert on admit. Keys: window sorted set.
// ARGV: now-micros, window-micros, max, member nonce.
var slidingWindow = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local max = tonumber(ARGV[3])

redis.call("ZREMRANGEBYSCORE", key, "-inf", now - window)
local count = redis.call("ZCARD", key)
if count < max then
  redis.call("ZADD", key, now, ARGV[4])
  redis.call("PEXPIRE", key, math.ceil(window / 1000))
  return 1
end
return 0
`)

// RedisLimiter shares the window across gateway nodes.
type RedisLimiter struct {
	rdb    redis.UniversalClient
	limits map[string]Limit
	prefix string
	clk    clock.Clock
	met    *metrics.Metrics
}

// NewRedisLimiter builds a limiter; met may be nil.
func NewRedisLimiter(rdb redis.UniversalClient, limits map[string]Limit, prefix string, clk clock.Clock, met *metrics.Metrics) *RedisLimiter {
	if prefix == "" {
		prefix = "finn:rl"
	}
	if clk == nil {
		clk = clock.NewDefaultClock()
	}
	return &RedisLimiter{rdb: rdb, limits: limits, prefix: prefix, clk: clk, met: met}
}

// Allow runs the window script. Unknown tiers are denied.
func (l *RedisLimiter) Allow(ctx context.Context, tier, id string) (bool, error) {
	limit, ok := l.limits[tier]
	if !ok {
		return false, nil
	}
	key := fmt.Sprintf("%s:%s:%s", l.prefix, tier, id)
	now := l.clk.Now().UnixMicro()
	member := fmt.Sprintf("%d-%s", now, uuid.NewString()[:8])

	res, err := slidingWindow.Run(ctx, l.rdb, []string{key},
		now, limit.Window.Microseconds(), limit.Max, member).Int()
	if err != nil {
		return false, fmt.Errorf("rate limit script: %w", err)
	}
	allowed := res == 1
	if !allowed && l.met != nil {
		l.met.RateLimitDenied.WithLabelValues(tier).Inc()
	}
	return allowed, nil
}

// MemoryLimiter is the single-node twin: same window semantics under a
// local mutex.
type MemoryLimiter struct {
	limits map[string]Limit
	clk    clock.Clock
	met    *metrics.Metrics

	mu      sync.Mutex
	windows map[string][]time.Time
}

// NewMemoryLimiter builds the in-memory limiter; met may be nil.
func NewMemoryLimiter(limits map[string]Limit, clk clock.Clock, met *metrics.Metrics) *MemoryLimiter {
	if clk == nil {
		clk = clock.NewDefaultClock()
	}
	return &MemoryLimiter{
		limits:  limits,
		clk:     clk,
		met:     met,
		windows: make(map[string][]time.Time),
	}
}

// Allow implements Limiter.
func (l *MemoryLimiter) Allow(_ context.Context, tier, id string) (bool, error) {
	limit, ok := l.limits[tier]
	if !ok {
		return false, nil
	}
	key := tier + ":" + id
	now := l.clk.Now()
	cutoff := now.Add(-limit.Window)

	l.mu.Lock()
	defer l.mu.Unlock()

	win := l.windows[key]
	kept := win[:0]
	for _, ts := range win {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	if len(kept) < limit.Max {
		kept = append(kept, now)
		l.windows[key] = kept
		return true, nil
	}
	l.windows[key] = kept
	if l.met != nil {
		l.met.RateLimitDenied.WithLabelValues(tier).Inc()
	}
	return false, nil
}

var (
	_ Limiter = (*RedisLimiter)(nil)
	_ Limiter = (*MemoryLimiter)(nil)
)
