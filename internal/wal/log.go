package wal

import (
	"context"
	"errors"
	"fmt"

	"github.com/hounfour/finn/internal/faults"
)

// Errors returned by log implementations.
var (
	// ErrLogClosed is returned by Append after Close.
	ErrLogClosed = errors.New("wal: log closed")

	// ErrCapacityExhausted is returned when the backing store refuses
	// further appends (disk full, table quota).
	ErrCapacityExhausted = errors.New("wal: capacity exhausted")

	// ErrFencedWriter is returned when an append is attempted without a
	// valid fencing token. This is fatal for the losing leader.
	ErrFencedWriter = errors.New("wal: append without valid fencing token")
)

// ReplayFn receives records in ascending sequence order. Returning a
// non-nil error stops the replay and propagates the error.
type ReplayFn func(Record) error

// Log is the append-only event log. A partial write must never be
// visible to readers; readers tolerate missing records (CRC skip) but
// never out-of-order ones.
type Log interface {
	// Append atomically assigns the next sequence for the stream,
	// persists the record and returns the stored envelope.
	Append(ctx context.Context, stream, eventType string, payload interface{}, correlationID string) (*Record, error)

	// Replay yields records with sequence > cursor.LastSequence in
	// ascending order. A nil cursor replays from the start. Records
	// whose checksum does not match are skipped with a warning; a
	// sequence gap beyond skipped records is fatal.
	Replay(ctx context.Context, stream string, cursor *Cursor, fn ReplayFn) error

	// LatestSequence returns the highest sequence in the stream, or 0
	// when the stream is empty.
	LatestSequence(ctx context.Context, stream string) (uint64, error)

	Close() error
}

// GapError reports a hole in a stream's sequence that is not explained
// by checksum-skipped records. Replay treats it as fatal.
type GapError struct {
	Stream   string
	Expected uint64
	Got      uint64
}

func (e *GapError) Error() string {
	return fmt.Sprintf("wal: stream %s: expected sequence %d, got %d", e.Stream, e.Expected, e.Got)
}

// Unwrap classifies the gap as fatal for callers using faults.KindOf.
func (e *GapError) Unwrap() error {
	return faults.New(faults.KindFatal, "WAL_SEQUENCE_GAP", "sequence gap on replay")
}
