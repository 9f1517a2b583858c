package ledger

import (
	"context"
	"time"

	"github.com/hounfour/finn/internal/wal"
)

var zeroTime time.Time

func defaultEventType(op Op) string {
	switch op {
	case OpAllocate:
		return wal.EventRektdropAllocate
	case OpUnlock:
		return wal.EventUSDCUnlock
	case OpReserve:
		return wal.EventBillingReserve
	case OpConsume:
		return wal.EventBillingCommit
	case OpRelease:
		return wal.EventBillingRelease
	case OpVoid:
		return wal.EventBillingVoid
	case OpExpire:
		return "credit_expire"
	case OpFreeze:
		return wal.EventCreditReverted
	case OpUnfreeze:
		return wal.EventCreditRevalidated
	}
	return "ledger_tx"
}

func metadataTime(md map[string]interface{}, key string) time.Time {
	if md == nil {
		return zeroTime
	}
	switch v := md[key].(type) {
	case time.Time:
		return v
	case string:
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			return t
		}
	}
	return zeroTime
}

// Allocate creates the account with its initial allocation. Fails if
// the account already exists.
func (l *Ledger) Allocate(ctx context.Context, accountID string, amount uint64, tier Tier, expiresAt time.Time, idempotencyKey, correlationID string) (*Transaction, error) {
	return l.Apply(ctx, &Transaction{
		Op:             OpAllocate,
		AccountID:      accountID,
		Moves:          []Move{{From: "", To: BucketAllocated, Amount: amount}},
		IdempotencyKey: idempotencyKey,
		CorrelationID:  correlationID,
		Metadata: map[string]interface{}{
			"tier":       string(tier),
			"expires_at": expiresAt.UTC().Format(time.RFC3339),
		},
	})
}

// Unlock moves allocated credits into the spendable bucket.
func (l *Ledger) Unlock(ctx context.Context, accountID string, amount uint64, idempotencyKey, correlationID string) (*Transaction, error) {
	return l.Apply(ctx, &Transaction{
		Op:             OpUnlock,
		AccountID:      accountID,
		Moves:          []Move{{From: BucketAllocated, To: BucketUnlocked, Amount: amount}},
		IdempotencyKey: idempotencyKey,
		CorrelationID:  correlationID,
	})
}

// Reserve holds unlocked credits against an in-flight request.
func (l *Ledger) Reserve(ctx context.Context, accountID string, amount uint64, idempotencyKey, correlationID string) (*Transaction, error) {
	return l.Apply(ctx, &Transaction{
		Op:             OpReserve,
		AccountID:      accountID,
		Moves:          []Move{{From: BucketUnlocked, To: BucketReserved, Amount: amount}},
		IdempotencyKey: idempotencyKey,
		CorrelationID:  correlationID,
	})
}

// Consume burns reserved credits as actual cost.
func (l *Ledger) Consume(ctx context.Context, accountID string, amount uint64, idempotencyKey, correlationID string) (*Transaction, error) {
	return l.Apply(ctx, &Transaction{
		Op:             OpConsume,
		AccountID:      accountID,
		Moves:          []Move{{From: BucketReserved, To: BucketConsumed, Amount: amount}},
		IdempotencyKey: idempotencyKey,
		CorrelationID:  correlationID,
	})
}

// Release returns reserved credits to the spendable bucket.
func (l *Ledger) Release(ctx context.Context, accountID string, amount uint64, idempotencyKey, correlationID string) (*Transaction, error) {
	return l.Apply(ctx, &Transaction{
		Op:             OpRelease,
		AccountID:      accountID,
		Moves:          []Move{{From: BucketReserved, To: BucketUnlocked, Amount: amount}},
		IdempotencyKey: idempotencyKey,
		CorrelationID:  correlationID,
	})
}

// Expire sweeps whatever remains in allocated and unlocked into the
// expired bucket. Legal only once the account is past its expiry.
func (l *Ledger) Expire(ctx context.Context, accountID string, idempotencyKey, correlationID string) (*Transaction, error) {
	id := NormalizeAccountID(accountID)
	acct := l.GetAccount(id)
	if acct == nil {
		return nil, ErrAccountNotFound
	}

	var moves []Move
	if acct.Balances.Allocated > 0 {
		moves = append(moves, Move{From: BucketAllocated, To: BucketExpired, Amount: acct.Balances.Allocated})
	}
	if acct.Balances.Unlocked > 0 {
		moves = append(moves, Move{From: BucketUnlocked, To: BucketExpired, Amount: acct.Balances.Unlocked})
	}
	if len(moves) == 0 {
		// Nothing to sweep; still subject to the expiry precondition so
		// callers get a consistent answer.
		moves = append(moves, Move{From: BucketAllocated, To: BucketExpired, Amount: 0})
	}

	return l.Apply(ctx, &Transaction{
		Op:             OpExpire,
		AccountID:      id,
		Moves:          moves,
		IdempotencyKey: idempotencyKey,
		CorrelationID:  correlationID,
	})
}

// Freeze parks unlocked credits in reserved under a frozen marker.
// Used by the reorg watcher when a mint's chain history diverges.
func (l *Ledger) Freeze(ctx context.Context, accountID string, amount uint64, reason, idempotencyKey, correlationID string) (*Transaction, error) {
	return l.Apply(ctx, &Transaction{
		Op:             OpFreeze,
		AccountID:      accountID,
		Moves:          []Move{{From: BucketUnlocked, To: BucketReserved, Amount: amount}},
		IdempotencyKey: idempotencyKey,
		CorrelationID:  correlationID,
		Metadata:       map[string]interface{}{"frozen": true, "reason": reason},
	})
}

// Unfreeze reverses a Freeze after the mint revalidates.
func (l *Ledger) Unfreeze(ctx context.Context, accountID string, amount uint64, idempotencyKey, correlationID string) (*Transaction, error) {
	return l.Apply(ctx, &Transaction{
		Op:             OpUnfreeze,
		AccountID:      accountID,
		Moves:          []Move{{From: BucketReserved, To: BucketUnlocked, Amount: amount}},
		IdempotencyKey: idempotencyKey,
		CorrelationID:  correlationID,
		Metadata:       map[string]interface{}{"frozen": false},
	})
}

// Rebuild discards the projection and replays the billing stream.
// Records that do not carry a ledger transaction (pure state-machine
// events) are skipped. Crash recovery starts here.
func (l *Ledger) Rebuild(ctx context.Context) error {
	l.mu.Lock()
	l.accounts = make(map[string]*Account)
	l.seen = make(map[string]*Transaction)
	l.journal = nil
	l.mu.Unlock()

	return l.log.Replay(ctx, l.stream, nil, func(rec wal.Record) error {
		var tx Transaction
		if err := rec.DecodePayload(&tx); err != nil {
			return nil // foreign payload shape, not a ledger record
		}
		if tx.Op == "" || len(tx.Moves) == 0 {
			return nil
		}
		tx.Sequence = rec.Sequence
		l.mutate(&tx)
		l.remember(&tx)
		return nil
	})
}
