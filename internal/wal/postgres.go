package wal

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"github.com/lib/pq"
	"github.com/lightningnetwork/lnd/clock"

	"github.com/hounfour/finn/internal/metrics"
)

// PostgresLog persists records in a single append-only table. Sequence
// assignment happens inside a serializable transaction so two writers
// can never take the same slot; serialization failures are retried.
type PostgresLog struct {
	db        *sql.DB
	clk       clock.Clock
	met       *metrics.Metrics
	batchSize int
	closed    bool
}

// payload is BYTEA, not JSONB: the checksum covers the exact appended
// bytes, and jsonb re-serializes on read (key order, whitespace), which
// would fail CRC verification for every record on replay.
const walSchema = `
CREATE TABLE IF NOT EXISTS wal_events (
    stream         TEXT        NOT NULL,
    sequence       BIGINT      NOT NULL,
    schema_version INT         NOT NULL,
    event_type     TEXT        NOT NULL,
    correlation_id TEXT        NOT NULL DEFAULT '',
    checksum       CHAR(8)     NOT NULL,
    payload        BYTEA       NOT NULL,
    created_at     TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (stream, sequence)
)`

const (
	defaultReplayBatch = 500
	appendMaxRetries   = 5
)

// NewPostgresLog creates the backing table if needed and returns the log.
func NewPostgresLog(ctx context.Context, db *sql.DB, clk clock.Clock) (*PostgresLog, error) {
	if clk == nil {
		clk = clock.NewDefaultClock()
	}
	if _, err := db.ExecContext(ctx, walSchema); err != nil {
		return nil, err
	}
	return &PostgresLog{db: db, clk: clk, batchSize: defaultReplayBatch}, nil
}

// WithMetrics attaches instruments and returns the log for chaining.
func (l *PostgresLog) WithMetrics(met *metrics.Metrics) *PostgresLog {
	l.met = met
	return l
}

// Append implements Log.
func (l *PostgresLog) Append(ctx context.Context, stream, eventType string, payload interface{}, correlationID string) (*Record, error) {
	if l.closed {
		return nil, ErrLogClosed
	}
	raw, err := EncodePayload(payload)
	if err != nil {
		return nil, err
	}

	rec := Record{
		SchemaVersion: SchemaVersion,
		EventType:     eventType,
		Timestamp:     timeNow(l.clk),
		CorrelationID: correlationID,
		Stream:        stream,
		Checksum:      ChecksumPayload(raw),
		Payload:       raw,
	}

	for attempt := 0; ; attempt++ {
		seq, err := l.appendOnce(ctx, &rec)
		if err == nil {
			rec.Sequence = seq
			if l.met != nil {
				l.met.WALAppends.WithLabelValues(stream).Inc()
			}
			return &rec, nil
		}
		if !isSerializationFailure(err) || attempt >= appendMaxRetries {
			return nil, classifyAppendErr(err)
		}
		// Contended slot; back off briefly and retake MAX(sequence)+1.
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(1<<attempt) * 5 * time.Millisecond):
		}
	}
}

func (l *PostgresLog) appendOnce(ctx context.Context, rec *Record) (uint64, error) {
	tx, err := l.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var seq uint64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM wal_events WHERE stream = $1`,
		rec.Stream,
	).Scan(&seq)
	if err != nil {
		return 0, err
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO wal_events
		   (stream, sequence, schema_version, event_type, correlation_id, checksum, payload, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		rec.Stream, seq, rec.SchemaVersion, rec.EventType,
		rec.CorrelationID, rec.Checksum, []byte(rec.Payload), rec.Timestamp,
	)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return seq, nil
}

// Replay implements Log. Reads in batches ordered by sequence.
func (l *PostgresLog) Replay(ctx context.Context, stream string, cursor *Cursor, fn ReplayFn) error {
	var after uint64
	if cursor != nil {
		after = cursor.LastSequence
	}

	var prev uint64
	for {
		recs, err := l.fetchBatch(ctx, stream, after)
		if err != nil {
			return err
		}
		if len(recs) == 0 {
			return nil
		}
		for i := range recs {
			rec := recs[i]
			if prev != 0 && rec.Sequence != prev+1 {
				return &GapError{Stream: stream, Expected: prev + 1, Got: rec.Sequence}
			}
			prev = rec.Sequence
			after = rec.Sequence

			if !rec.VerifyChecksum() {
				slog.Warn("wal: checksum mismatch, skipping record",
					"stream", stream, "sequence", rec.Sequence, "event_type", rec.EventType)
				if l.met != nil {
					l.met.WALCRCSkips.Inc()
				}
				continue
			}
			if err := fn(rec); err != nil {
				return err
			}
		}
		if len(recs) < l.batchSize {
			return nil
		}
	}
}

func (l *PostgresLog) fetchBatch(ctx context.Context, stream string, after uint64) ([]Record, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT sequence, schema_version, event_type, correlation_id, checksum, payload, created_at
		   FROM wal_events
		  WHERE stream = $1 AND sequence > $2
		  ORDER BY sequence ASC
		  LIMIT $3`,
		stream, after, l.batchSize,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec := Record{Stream: stream}
		var payload []byte
		if err := rows.Scan(&rec.Sequence, &rec.SchemaVersion, &rec.EventType,
			&rec.CorrelationID, &rec.Checksum, &payload, &rec.Timestamp); err != nil {
			return nil, err
		}
		rec.Payload = payload
		out = append(out, rec)
	}
	return out, rows.Err()
}

// LatestSequence implements Log.
func (l *PostgresLog) LatestSequence(ctx context.Context, stream string) (uint64, error) {
	var seq uint64
	err := l.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) FROM wal_events WHERE stream = $1`, stream,
	).Scan(&seq)
	return seq, err
}

// Close implements Log. The *sql.DB is owned by the caller.
func (l *PostgresLog) Close() error {
	l.closed = true
	return nil
}

func isSerializationFailure(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		// 40001 serialization_failure, 23505 duplicate (stream, sequence)
		return pqErr.Code == "40001" || pqErr.Code == "23505"
	}
	return false
}

func classifyAppendErr(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "53100" { // disk_full
		return ErrCapacityExhausted
	}
	return err
}

var _ Log = (*PostgresLog)(nil)
