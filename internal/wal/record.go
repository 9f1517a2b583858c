// Package wal is the append-only event log backing every credit
// mutation. Records carry a per-stream monotonic sequence and a CRC32
// checksum over the serialized payload; replaying a stream rebuilds the
// in-memory ledger projection after a crash.
package wal

import (
	"encoding/json"
	"fmt"
	"hash/crc32"
	"time"
)

// SchemaVersion is the persisted envelope version.
const SchemaVersion = 1

// Well-known billing event types written to the log.
const (
	EventBillingReserve      = "billing_reserve"
	EventBillingCommit       = "billing_commit"
	EventBillingRelease      = "billing_release"
	EventBillingVoid         = "billing_void"
	EventBillingFinalizeAck  = "billing_finalize_ack"
	EventBillingFinalizeFail = "billing_finalize_fail"
	EventCreditMint          = "credit_mint"
	EventCreditRevalidated   = "credit_mint_revalidated"
	EventCreditReverted      = "credit_mint_reverted"
	EventRektdropAllocate    = "rektdrop_allocate"
	EventUSDCUnlock          = "usdc_unlock"
)

// Record is one immutable log entry.
type Record struct {
	SchemaVersion int             `json:"schema_version"`
	EventType     string          `json:"event_type"`
	Timestamp     time.Time       `json:"timestamp"`
	CorrelationID string          `json:"correlation_id"`
	Stream        string          `json:"stream"`
	Sequence      uint64          `json:"sequence"`
	Checksum      string          `json:"checksum"`
	Payload       json.RawMessage `json:"payload"`
}

// Cursor marks a replay position: records with Sequence >
// LastSequence are yielded.
type Cursor struct {
	Stream       string `json:"stream"`
	LastSequence uint64 `json:"last_sequence"`
}

// ChecksumPayload computes the CRC32 of a serialized payload, rendered
// as 8 lowercase hex characters (zero-padded).
func ChecksumPayload(payload []byte) string {
	return fmt.Sprintf("%08x", crc32.ChecksumIEEE(payload))
}

// VerifyChecksum reports whether the record's stored checksum matches
// its payload.
func (r *Record) VerifyChecksum() bool {
	return r.Checksum == ChecksumPayload(r.Payload)
}

// DecodePayload unmarshals the payload into out.
func (r *Record) DecodePayload(out interface{}) error {
	return json.Unmarshal(r.Payload, out)
}

// EncodePayload serializes an arbitrary payload value for appending.
// Map keys are sorted by encoding/json, so the checksum is stable.
func EncodePayload(v interface{}) (json.RawMessage, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return b, nil
}
