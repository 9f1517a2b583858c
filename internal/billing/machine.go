package billing

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/google/uuid"
	"github.com/lightningnetwork/lnd/clock"

	"github.com/hounfour/finn/internal/faults"
	"github.com/hounfour/finn/internal/ledger"
	"github.com/hounfour/finn/internal/wal"
)

// finalizePayload is the WAL shape for the two finalize events, which
// carry no ledger moves.
type finalizePayload struct {
	EntryID        string `json:"entry_id"`
	State          State  `json:"state"`
	Attempt        int    `json:"attempt,omitempty"`
	ResponseStatus int    `json:"response_status,omitempty"`
	Reason         string `json:"reason,omitempty"`
}

// Enqueuer receives finalize jobs after a commit. Satisfied by
// *FinalizeQueue; tests use a recorder.
type Enqueuer interface {
	Enqueue(job FinalizeJob)
}

// StateMachine governs billing entries. Ledger mutations and WAL
// appends share the billing stream, so the record order readers see
// matches the transition order.
type StateMachine struct {
	log    wal.Log
	ledger *ledger.Ledger
	queue  Enqueuer
	clk    clock.Clock
	logger *log.Logger

	mu      sync.RWMutex
	entries map[string]*Entry
}

// NewStateMachine wires the machine to its collaborators. The queue may
// be nil when finalization is handled out-of-band (tests).
func NewStateMachine(lg wal.Log, led *ledger.Ledger, queue Enqueuer, clk clock.Clock) *StateMachine {
	if clk == nil {
		clk = clock.NewDefaultClock()
	}
	return &StateMachine{
		log:     lg,
		ledger:  led,
		queue:   queue,
		clk:     clk,
		logger:  log.New(log.Writer(), "[BILLING] ", log.LstdFlags),
		entries: make(map[string]*Entry),
	}
}

// AttachQueue installs the finalize queue after construction. The
// queue takes the machine in its own constructor, so one of the two
// has to come second. Call before serving traffic.
func (m *StateMachine) AttachQueue(q Enqueuer) {
	m.mu.Lock()
	m.queue = q
	m.mu.Unlock()
}

// Get returns a snapshot copy of an entry, or nil.
func (m *StateMachine) Get(entryID string) *Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[entryID]
	if !ok {
		return nil
	}
	cp := *e
	return &cp
}

// Reserve creates a new entry and holds the estimated cost against the
// account. idle -> reserve_held.
func (m *StateMachine) Reserve(ctx context.Context, accountID string, estimatedCost uint64, correlationID, rateSnapshot string) (*Entry, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, err
	}
	entryID := id.String()

	tx, err := m.ledger.Apply(ctx, &ledger.Transaction{
		Op:        ledger.OpReserve,
		AccountID: accountID,
		Moves: []ledger.Move{{
			From: ledger.BucketUnlocked, To: ledger.BucketReserved, Amount: estimatedCost,
		}},
		IdempotencyKey: "billing:reserve:" + correlationID,
		CorrelationID:  correlationID,
		EventType:      wal.EventBillingReserve,
		Metadata: map[string]interface{}{
			"entry_id":               entryID,
			"estimated_cost":         estimatedCost,
			"exchange_rate_snapshot": rateSnapshot,
		},
	})
	if err != nil {
		return nil, err
	}

	// A replayed correlation returns the already-created entry.
	if existing := m.entryByMetadata(tx); existing != nil {
		return existing, nil
	}

	now := m.clk.Now().UTC()
	entry := &Entry{
		ID:            entryID,
		CorrelationID: correlationID,
		State:         StateReserveHeld,
		AccountID:     ledger.NormalizeAccountID(accountID),
		EstimatedCost: estimatedCost,
		RateSnapshot:  rateSnapshot,
		WALOffset:     tx.Sequence,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	m.mu.Lock()
	m.entries[entry.ID] = entry
	m.mu.Unlock()

	cp := *entry
	return &cp, nil
}

// entryByMetadata resolves the entry a replayed reserve transaction
// originally created.
func (m *StateMachine) entryByMetadata(tx *ledger.Transaction) *Entry {
	originalID, _ := tx.Metadata["entry_id"].(string)
	if originalID == "" {
		return nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if e, ok := m.entries[originalID]; ok {
		cp := *e
		return &cp
	}
	return nil
}

// Commit settles the observed cost: consume actualCost, release the
// residual reservation, and hand the entry to the finalize queue.
// reserve_held -> committed -> finalize_pending.
//
// An actual cost above the reservation is clamped to it: the tenant is
// never charged past what was held. The overflow is recorded for
// operators.
func (m *StateMachine) Commit(ctx context.Context, entryID string, actualCost uint64) (*Entry, error) {
	m.mu.Lock()
	entry, ok := m.entries[entryID]
	if !ok {
		m.mu.Unlock()
		return nil, faults.Newf(faults.KindPrecondition, "BILLING_ENTRY_NOT_FOUND",
			"unknown billing entry %s", entryID)
	}
	if !entry.State.CanTransition(StateCommitted) {
		from := entry.State
		m.mu.Unlock()
		return nil, illegalTransition(from, StateCommitted)
	}
	m.mu.Unlock()

	charged := actualCost
	var overflow uint64
	if charged > entry.EstimatedCost {
		overflow = charged - entry.EstimatedCost
		charged = entry.EstimatedCost
	}
	residual := entry.EstimatedCost - charged

	moves := make([]ledger.Move, 0, 2)
	if charged > 0 {
		moves = append(moves, ledger.Move{
			From: ledger.BucketReserved, To: ledger.BucketConsumed, Amount: charged,
		})
	}
	if residual > 0 {
		moves = append(moves, ledger.Move{
			From: ledger.BucketReserved, To: ledger.BucketUnlocked, Amount: residual,
		})
	}
	if len(moves) == 0 {
		moves = append(moves, ledger.Move{
			From: ledger.BucketReserved, To: ledger.BucketConsumed, Amount: 0,
		})
	}

	md := map[string]interface{}{
		"entry_id":    entry.ID,
		"actual_cost": charged,
		"residual":    residual,
	}
	if overflow > 0 {
		md["overflow"] = overflow
		m.logger.Printf("⚠️ Entry %s cost %d exceeds reservation %d; clamped",
			entry.ID, actualCost, entry.EstimatedCost)
	}

	tx, err := m.ledger.Apply(ctx, &ledger.Transaction{
		Op:             ledger.OpConsume,
		AccountID:      entry.AccountID,
		Moves:          moves,
		IdempotencyKey: "billing:commit:" + entry.ID,
		CorrelationID:  entry.CorrelationID,
		EventType:      wal.EventBillingCommit,
		Metadata:       md,
	})
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	entry.State = StateCommitted
	entry.ActualCost = &charged
	entry.WALOffset = tx.Sequence
	entry.UpdatedAt = m.clk.Now().UTC()
	// The commit record implies the finalize handoff; the entry rests
	// in finalize_pending awaiting external acknowledgement.
	entry.State = StateFinalizePending
	cp := *entry
	m.mu.Unlock()

	if m.queue != nil {
		m.queue.Enqueue(FinalizeJob{
			EntryID:       entry.ID,
			AccountID:     entry.AccountID,
			Amount:        charged,
			CorrelationID: entry.CorrelationID,
		})
	}
	return &cp, nil
}

// Release abandons a reservation. reserve_held -> released.
func (m *StateMachine) Release(ctx context.Context, entryID, reason string) (*Entry, error) {
	m.mu.Lock()
	entry, ok := m.entries[entryID]
	if !ok {
		m.mu.Unlock()
		return nil, faults.Newf(faults.KindPrecondition, "BILLING_ENTRY_NOT_FOUND",
			"unknown billing entry %s", entryID)
	}
	if !entry.State.CanTransition(StateReleased) {
		from := entry.State
		m.mu.Unlock()
		return nil, illegalTransition(from, StateReleased)
	}
	m.mu.Unlock()

	tx, err := m.ledger.Apply(ctx, &ledger.Transaction{
		Op:        ledger.OpRelease,
		AccountID: entry.AccountID,
		Moves: []ledger.Move{{
			From: ledger.BucketReserved, To: ledger.BucketUnlocked, Amount: entry.EstimatedCost,
		}},
		IdempotencyKey: "billing:release:" + entry.ID,
		CorrelationID:  entry.CorrelationID,
		EventType:      wal.EventBillingRelease,
		Metadata:       map[string]interface{}{"entry_id": entry.ID, "reason": reason},
	})
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	entry.State = StateReleased
	entry.WALOffset = tx.Sequence
	entry.UpdatedAt = m.clk.Now().UTC()
	cp := *entry
	m.mu.Unlock()
	return &cp, nil
}

// Void rolls back a committed charge. committed|finalize_failed -> voided.
func (m *StateMachine) Void(ctx context.Context, entryID, reason, adminID string) (*Entry, error) {
	m.mu.Lock()
	entry, ok := m.entries[entryID]
	if !ok {
		m.mu.Unlock()
		return nil, faults.Newf(faults.KindPrecondition, "BILLING_ENTRY_NOT_FOUND",
			"unknown billing entry %s", entryID)
	}
	if !entry.State.CanTransition(StateVoided) {
		from := entry.State
		m.mu.Unlock()
		return nil, illegalTransition(from, StateVoided)
	}
	var charged uint64
	if entry.ActualCost != nil {
		charged = *entry.ActualCost
	}
	m.mu.Unlock()

	moves := []ledger.Move{{
		From: ledger.BucketConsumed, To: ledger.BucketUnlocked, Amount: charged,
	}}
	tx, err := m.ledger.Apply(ctx, &ledger.Transaction{
		Op:             ledger.OpVoid,
		AccountID:      entry.AccountID,
		Moves:          moves,
		IdempotencyKey: "billing:void:" + entry.ID,
		CorrelationID:  entry.CorrelationID,
		EventType:      wal.EventBillingVoid,
		Metadata: map[string]interface{}{
			"entry_id": entry.ID, "reason": reason, "admin_id": adminID,
		},
	})
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	entry.State = StateVoided
	entry.WALOffset = tx.Sequence
	entry.UpdatedAt = m.clk.Now().UTC()
	cp := *entry
	m.mu.Unlock()
	return &cp, nil
}

// FinalizeAck marks external acknowledgement. finalize_pending ->
// finalize_acked. State-only; no ledger movement.
func (m *StateMachine) FinalizeAck(ctx context.Context, entryID string, responseStatus int) (*Entry, error) {
	return m.finalizeTransition(ctx, entryID, StateFinalizeAcked, wal.EventBillingFinalizeAck,
		func(e *Entry) finalizePayload {
			return finalizePayload{
				EntryID: e.ID, State: StateFinalizeAcked, ResponseStatus: responseStatus,
			}
		})
}

// FinalizeFail records a failed finalize attempt. finalize_pending ->
// finalize_failed.
func (m *StateMachine) FinalizeFail(ctx context.Context, entryID string, attempt int, reason string) (*Entry, error) {
	return m.finalizeTransition(ctx, entryID, StateFinalizeFailed, wal.EventBillingFinalizeFail,
		func(e *Entry) finalizePayload {
			return finalizePayload{
				EntryID: e.ID, State: StateFinalizeFailed, Attempt: attempt, Reason: reason,
			}
		})
}

// Requeue moves a failed entry back to pending for another attempt.
// In-memory scheduling only; the fail record already carries the
// attempt count.
func (m *StateMachine) Requeue(entryID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[entryID]
	if !ok {
		return faults.Newf(faults.KindPrecondition, "BILLING_ENTRY_NOT_FOUND",
			"unknown billing entry %s", entryID)
	}
	if !entry.State.CanTransition(StateFinalizePending) {
		return illegalTransition(entry.State, StateFinalizePending)
	}
	entry.State = StateFinalizePending
	entry.UpdatedAt = m.clk.Now().UTC()
	return nil
}

func (m *StateMachine) finalizeTransition(ctx context.Context, entryID string, to State, eventType string, payloadFn func(*Entry) finalizePayload) (*Entry, error) {
	m.mu.Lock()
	entry, ok := m.entries[entryID]
	if !ok {
		m.mu.Unlock()
		return nil, faults.Newf(faults.KindPrecondition, "BILLING_ENTRY_NOT_FOUND",
			"unknown billing entry %s", entryID)
	}
	if !entry.State.CanTransition(to) {
		from := entry.State
		m.mu.Unlock()
		return nil, illegalTransition(from, to)
	}
	payload := payloadFn(entry)
	corr := entry.CorrelationID
	m.mu.Unlock()

	rec, err := m.log.Append(ctx, ledger.StreamBilling, eventType, payload, corr)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	entry.State = to
	entry.WALOffset = rec.Sequence
	entry.UpdatedAt = m.clk.Now().UTC()
	if to == StateFinalizeFailed {
		entry.FinalizeAttempts = payload.Attempt
	}
	cp := *entry
	m.mu.Unlock()
	return &cp, nil
}

// Entries returns snapshot copies of all known entries.
func (m *StateMachine) Entries() []*Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Entry, 0, len(m.entries))
	for _, e := range m.entries {
		cp := *e
		out = append(out, &cp)
	}
	return out
}

// restore inserts an entry rebuilt from the WAL (see Rebuild).
func (m *StateMachine) restore(e *Entry) {
	m.mu.Lock()
	m.entries[e.ID] = e
	m.mu.Unlock()
}

var _ fmt.Stringer = State("")

func (s State) String() string { return string(s) }
