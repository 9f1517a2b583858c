// Package billing drives a chargeable operation through its lifecycle:
// reserve a cost estimate, commit the observed cost, and finalize
// asynchronously against the external acknowledger. The state machine
// holds no durable state of its own; the WAL is the authority and the
// ledger holds the derived balances.
package billing

import (
	"time"

	"github.com/hounfour/finn/internal/faults"
)

// State is a billing entry's position in the lifecycle.
type State string

const (
	StateIdle            State = "idle"
	StateReserveHeld     State = "reserve_held"
	StateCommitted       State = "committed"
	StateFinalizePending State = "finalize_pending"
	StateFinalizeAcked   State = "finalize_acked"
	StateFinalizeFailed  State = "finalize_failed"
	StateReleased        State = "released"
	StateVoided          State = "voided"
)

// legalNext is the only adjacency the machine accepts. Everything else
// is an IllegalTransition.
var legalNext = map[State][]State{
	StateIdle:            {StateReserveHeld},
	StateReserveHeld:     {StateCommitted, StateReleased},
	StateCommitted:       {StateFinalizePending, StateVoided},
	StateFinalizePending: {StateFinalizeAcked, StateFinalizeFailed},
	StateFinalizeFailed:  {StateFinalizePending, StateVoided},
}

// Terminal reports whether no further transition is legal.
func (s State) Terminal() bool {
	switch s {
	case StateReleased, StateFinalizeAcked, StateVoided:
		return true
	}
	return false
}

// CanTransition reports whether s -> next is in the adjacency table.
func (s State) CanTransition(next State) bool {
	for _, n := range legalNext[s] {
		if n == next {
			return true
		}
	}
	return false
}

// ErrIllegalTransition is returned (wrapped with both states) for any
// transition outside the adjacency table.
var ErrIllegalTransition = faults.New(faults.KindPrecondition,
	"BILLING_ILLEGAL_TRANSITION", "illegal billing state transition")

func illegalTransition(from, to State) error {
	return faults.Wrap(faults.KindPrecondition, "BILLING_ILLEGAL_TRANSITION",
		&transitionError{from: from, to: to})
}

type transitionError struct {
	from, to State
}

func (e *transitionError) Error() string {
	return "illegal billing state transition " + string(e.from) + " -> " + string(e.to)
}

func (e *transitionError) Unwrap() error { return ErrIllegalTransition }

// Entry is the lifecycle object for one chargeable operation.
type Entry struct {
	// ID is a UUIDv7: sortable by creation time.
	ID            string `json:"id"`
	CorrelationID string `json:"correlation_id"`
	State         State  `json:"state"`
	AccountID     string `json:"account_id"`

	// Costs are integer micro-USD. ActualCost is nil until committed.
	EstimatedCost uint64  `json:"estimated_cost"`
	ActualCost    *uint64 `json:"actual_cost,omitempty"`

	// RateSnapshot pins the credit/USD exchange rate at reserve time.
	RateSnapshot string `json:"exchange_rate_snapshot"`

	// WALOffset is the sequence of the last log record that mutated
	// this entry.
	WALOffset uint64 `json:"wal_offset"`

	FinalizeAttempts int       `json:"finalize_attempts"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}
