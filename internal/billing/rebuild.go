package billing

import (
	"context"
	"encoding/json"

	"github.com/hounfour/finn/internal/ledger"
	"github.com/hounfour/finn/internal/wal"
)

// Rebuild reconstructs every entry by replaying the billing stream.
// Call after ledger.Rebuild during startup; the WAL is the only
// authority for entry state.
func (m *StateMachine) Rebuild(ctx context.Context) error {
	return m.log.Replay(ctx, ledger.StreamBilling, nil, func(rec wal.Record) error {
		switch rec.EventType {
		case wal.EventBillingReserve:
			m.rebuildReserve(rec)
		case wal.EventBillingCommit:
			m.rebuildTransition(rec, StateFinalizePending)
		case wal.EventBillingRelease:
			m.rebuildTransition(rec, StateReleased)
		case wal.EventBillingVoid:
			m.rebuildTransition(rec, StateVoided)
		case wal.EventBillingFinalizeAck, wal.EventBillingFinalizeFail:
			m.rebuildFinalize(rec)
		}
		return nil
	})
}

func (m *StateMachine) rebuildReserve(rec wal.Record) {
	var tx ledger.Transaction
	if err := rec.DecodePayload(&tx); err != nil {
		return
	}
	entryID, _ := tx.Metadata["entry_id"].(string)
	if entryID == "" {
		return
	}
	rate, _ := tx.Metadata["exchange_rate_snapshot"].(string)
	m.restore(&Entry{
		ID:            entryID,
		CorrelationID: tx.CorrelationID,
		State:         StateReserveHeld,
		AccountID:     tx.AccountID,
		EstimatedCost: metadataUint(tx.Metadata, "estimated_cost"),
		RateSnapshot:  rate,
		WALOffset:     rec.Sequence,
		CreatedAt:     rec.Timestamp,
		UpdatedAt:     rec.Timestamp,
	})
}

func (m *StateMachine) rebuildTransition(rec wal.Record, to State) {
	var tx ledger.Transaction
	if err := rec.DecodePayload(&tx); err != nil {
		return
	}
	entryID, _ := tx.Metadata["entry_id"].(string)
	if entryID == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[entryID]
	if !ok {
		return
	}
	entry.State = to
	entry.WALOffset = rec.Sequence
	entry.UpdatedAt = rec.Timestamp
	if to == StateFinalizePending {
		charged := metadataUint(tx.Metadata, "actual_cost")
		entry.ActualCost = &charged
	}
}

func (m *StateMachine) rebuildFinalize(rec wal.Record) {
	var p finalizePayload
	if err := rec.DecodePayload(&p); err != nil || p.EntryID == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[p.EntryID]
	if !ok {
		return
	}
	entry.State = p.State
	entry.WALOffset = rec.Sequence
	entry.UpdatedAt = rec.Timestamp
	if p.State == StateFinalizeFailed {
		entry.FinalizeAttempts = p.Attempt
	}
}

// metadataUint tolerates the float64 that encoding/json produces for
// numbers round-tripped through the WAL.
func metadataUint(md map[string]interface{}, key string) uint64 {
	switch v := md[key].(type) {
	case uint64:
		return v
	case int:
		return uint64(v)
	case float64:
		if v < 0 {
			return 0
		}
		return uint64(v)
	case json.Number:
		if n, err := v.Int64(); err == nil && n >= 0 {
			return uint64(n)
		}
	}
	return 0
}
