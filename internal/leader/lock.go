// Package leader elects the single billing writer. The winner gets a
// fencing token (a monotonically increasing counter) that the WAL
// checks on every append, so a deposed leader can never write after
// fail-over even if it has not yet noticed the loss.
package leader

import (
	"context"
	"time"
)

// AcquireResult reports the outcome of an election attempt.
type AcquireResult struct {
	Acquired      bool
	FencingToken  uint64
	CurrentHolder string
}

// LossFn is invoked once when a held lease is lost (refresh failure or
// key stolen). It runs on the refresher goroutine.
type LossFn func()

// Lock is the single-writer election. Validate answers the WAL's
// fencing check: true iff this instance still holds the lease and the
// token matches the one issued at acquisition.
type Lock interface {
	Acquire(ctx context.Context) (AcquireResult, error)
	Release(ctx context.Context) error
	Validate(token uint64) bool
}

// Config tunes a lock.
type Config struct {
	// Key is the well-known election key.
	Key string

	// TTL is the lease duration. The refresher extends it every TTL/3.
	TTL time.Duration

	// HolderID identifies this instance (defaults to a fresh UUID).
	HolderID string

	// OnLoss is called when the lease is lost while held.
	OnLoss LossFn
}

const (
	// DefaultTTL keeps fail-over under half a minute while surviving
	// routine Redis latency spikes.
	DefaultTTL = 15 * time.Second

	// DefaultKey is the election key used by the billing writer.
	DefaultKey = "finn:leader:billing"
)
