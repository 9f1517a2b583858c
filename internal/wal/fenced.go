package wal

import (
	"context"

	"github.com/hounfour/finn/internal/faults"
	"github.com/hounfour/finn/internal/metrics"
)

// FencingValidator answers whether a fencing token is still the live
// one. Satisfied by leader.Lock.
type FencingValidator interface {
	Validate(token uint64) bool
}

// FencedLog wraps a Log and refuses appends unless the fencing token is
// valid at the moment of append. This is what stops a deposed leader
// from writing after fail-over.
type FencedLog struct {
	inner     Log
	validator FencingValidator
	token     uint64
	met       *metrics.Metrics
}

// NewFencedLog binds a log to a leader lease. The token is the fencing
// value issued at acquisition.
func NewFencedLog(inner Log, validator FencingValidator, token uint64) *FencedLog {
	return &FencedLog{inner: inner, validator: validator, token: token}
}

// WithMetrics attaches instruments and returns the log for chaining.
func (f *FencedLog) WithMetrics(met *metrics.Metrics) *FencedLog {
	f.met = met
	return f
}

// Token returns the fencing token this writer was issued.
func (f *FencedLog) Token() uint64 { return f.token }

// Append implements Log. A write without a valid token is fatal: the
// process holding a stale lease must not continue.
func (f *FencedLog) Append(ctx context.Context, stream, eventType string, payload interface{}, correlationID string) (*Record, error) {
	if !f.validator.Validate(f.token) {
		if f.met != nil {
			f.met.FencedWrites.Inc()
		}
		return nil, faults.Wrap(faults.KindFatal, "WAL_FENCED_WRITE", ErrFencedWriter)
	}
	return f.inner.Append(ctx, stream, eventType, payload, correlationID)
}

// Replay implements Log. Reads are never fenced.
func (f *FencedLog) Replay(ctx context.Context, stream string, cursor *Cursor, fn ReplayFn) error {
	return f.inner.Replay(ctx, stream, cursor, fn)
}

// LatestSequence implements Log.
func (f *FencedLog) LatestSequence(ctx context.Context, stream string) (uint64, error) {
	return f.inner.LatestSequence(ctx, stream)
}

// Close implements Log.
func (f *FencedLog) Close() error { return f.inner.Close() }

var _ Log = (*FencedLog)(nil)
