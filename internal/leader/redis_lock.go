package leader

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the election key only if we still hold it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// refreshScript extends the lease only if we still hold it.
var refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// RedisLock implements Lock on a shared Redis. Acquisition is a single
// SET NX; the fencing counter lives beside the key and only ever
// increments, so a later leader always carries a larger token.
type RedisLock struct {
	rdb    redis.UniversalClient
	cfg    Config
	logger *log.Logger

	mu      sync.Mutex
	held    bool
	token   uint64
	stopRef context.CancelFunc
}

// NewRedisLock builds a lock; it does not attempt acquisition.
func NewRedisLock(rdb redis.UniversalClient, cfg Config) *RedisLock {
	if cfg.Key == "" {
		cfg.Key = DefaultKey
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.HolderID == "" {
		cfg.HolderID = uuid.NewString()
	}
	return &RedisLock{
		rdb:    rdb,
		cfg:    cfg,
		logger: log.New(log.Writer(), "[LEADER] ", log.LstdFlags),
	}
}

func (l *RedisLock) fencingKey() string { return l.cfg.Key + ":fence" }

// Acquire implements Lock. On success the fencing counter is
// incremented and its new value becomes this lease's token.
func (l *RedisLock) Acquire(ctx context.Context) (AcquireResult, error) {
	ok, err := l.rdb.SetNX(ctx, l.cfg.Key, l.cfg.HolderID, l.cfg.TTL).Result()
	if err != nil {
		return AcquireResult{}, err
	}
	if !ok {
		holder, err := l.rdb.Get(ctx, l.cfg.Key).Result()
		if err != nil && err != redis.Nil {
			return AcquireResult{}, err
		}
		return AcquireResult{Acquired: false, CurrentHolder: holder}, nil
	}

	token, err := l.rdb.Incr(ctx, l.fencingKey()).Result()
	if err != nil {
		// Undo the claim: without a token we must not write.
		releaseScript.Run(context.Background(), l.rdb, []string{l.cfg.Key}, l.cfg.HolderID)
		return AcquireResult{}, err
	}

	refreshCtx, cancel := context.WithCancel(context.Background())
	l.mu.Lock()
	l.held = true
	l.token = uint64(token)
	l.stopRef = cancel
	l.mu.Unlock()

	go l.refreshLoop(refreshCtx)

	l.logger.Printf("👑 Acquired leadership (holder=%s fence=%d ttl=%s)",
		l.cfg.HolderID, token, l.cfg.TTL)
	return AcquireResult{Acquired: true, FencingToken: uint64(token), CurrentHolder: l.cfg.HolderID}, nil
}

// refreshLoop extends the TTL every TTL/3 until the lease is released
// or lost.
func (l *RedisLock) refreshLoop(ctx context.Context) {
	ticker := time.NewTicker(l.cfg.TTL / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			opCtx, cancel := context.WithTimeout(ctx, l.cfg.TTL/3)
			n, err := refreshScript.Run(opCtx, l.rdb,
				[]string{l.cfg.Key}, l.cfg.HolderID, l.cfg.TTL.Milliseconds()).Int64()
			cancel()

			if err != nil || n == 0 {
				l.markLost(err)
				return
			}
		}
	}
}

func (l *RedisLock) markLost(cause error) {
	l.mu.Lock()
	wasHeld := l.held
	l.held = false
	if l.stopRef != nil {
		l.stopRef()
		l.stopRef = nil
	}
	l.mu.Unlock()

	if !wasHeld {
		return
	}
	if cause != nil {
		l.logger.Printf("⚠️ Leadership lost (refresh error): %v", cause)
	} else {
		l.logger.Printf("⚠️ Leadership lost (lease stolen or expired)")
	}
	if l.cfg.OnLoss != nil {
		l.cfg.OnLoss()
	}
}

// Release implements Lock: compare-and-delete guarded by holder
// identity, then stop the refresher.
func (l *RedisLock) Release(ctx context.Context) error {
	l.mu.Lock()
	l.held = false
	if l.stopRef != nil {
		l.stopRef()
		l.stopRef = nil
	}
	l.mu.Unlock()

	return releaseScript.Run(ctx, l.rdb, []string{l.cfg.Key}, l.cfg.HolderID).Err()
}

// Validate implements Lock. The held flag is maintained by the
// refresher: by the time another instance can win the key (TTL expiry),
// the refresher has already flipped us to lost.
func (l *RedisLock) Validate(token uint64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held && token == l.token
}

var _ Lock = (*RedisLock)(nil)
