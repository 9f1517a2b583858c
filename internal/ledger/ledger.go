package ledger

import (
	"context"
	"log"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/lightningnetwork/lnd/clock"

	"github.com/hounfour/finn/internal/faults"
	"github.com/hounfour/finn/internal/wal"
)

// StreamBilling is the WAL stream carrying every credit mutation. One
// stream means one total order for all billing-relevant records, and
// one fencing domain for the single writer.
const StreamBilling = "billing"

// Typed failure reasons. All map to faults.KindPrecondition except the
// tier check, which is caller input.
var (
	ErrAccountExists   = faults.New(faults.KindPrecondition, "LEDGER_ACCOUNT_EXISTS", "account already allocated")
	ErrAccountNotFound = faults.New(faults.KindPrecondition, "LEDGER_ACCOUNT_NOT_FOUND", "account does not exist")
	ErrInsufficient    = faults.New(faults.KindPrecondition, "LEDGER_INSUFFICIENT", "insufficient balance in source bucket")
	ErrNotExpired      = faults.New(faults.KindPrecondition, "LEDGER_NOT_EXPIRED", "account has not passed its expiry")
	ErrInvalidTier     = faults.New(faults.KindInputInvalid, "LEDGER_INVALID_TIER", "unknown account tier")
	ErrEmptyTx         = faults.New(faults.KindInputInvalid, "LEDGER_EMPTY_TX", "transaction carries no moves")
)

// Ledger is the in-memory projection plus the write path. Mutations are
// serialized per account by a keyed mutex; reads take a snapshot copy.
type Ledger struct {
	log    wal.Log
	clk    clock.Clock
	stream string
	logger *log.Logger

	mu       sync.RWMutex
	accounts map[string]*Account
	locks    map[string]*sync.Mutex
	seen     map[string]*Transaction // idempotency_key -> prior result
	journal  []*Transaction

	// fatalf terminates the process on a conservation violation. Tests
	// substitute a recorder.
	fatalf func(format string, args ...interface{})
}

// New creates a ledger writing to the billing stream of lg.
func New(lg wal.Log, clk clock.Clock) *Ledger {
	if clk == nil {
		clk = clock.NewDefaultClock()
	}
	logger := log.New(log.Writer(), "[LEDGER] ", log.LstdFlags)
	return &Ledger{
		log:      lg,
		clk:      clk,
		stream:   StreamBilling,
		logger:   logger,
		accounts: make(map[string]*Account),
		locks:    make(map[string]*sync.Mutex),
		seen:     make(map[string]*Transaction),
		fatalf:   logger.Fatalf,
	}
}

func (l *Ledger) accountLock(id string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.locks[id]
	if !ok {
		m = &sync.Mutex{}
		l.locks[id] = m
	}
	return m
}

// Apply validates, logs and applies one transaction. Either the whole
// transition happens, including its WAL record, or none of it does.
// A previously seen idempotency key returns the prior result untouched.
func (l *Ledger) Apply(ctx context.Context, tx *Transaction) (*Transaction, error) {
	if len(tx.Moves) == 0 {
		return nil, ErrEmptyTx
	}
	tx.AccountID = NormalizeAccountID(tx.AccountID)

	if prior := l.priorResult(tx.IdempotencyKey); prior != nil {
		return prior, nil
	}

	acctMu := l.accountLock(tx.AccountID)
	acctMu.Lock()
	defer acctMu.Unlock()

	// Re-check under the account lock: a concurrent duplicate may have
	// won the race.
	if prior := l.priorResult(tx.IdempotencyKey); prior != nil {
		return prior, nil
	}

	if err := l.validate(tx); err != nil {
		return nil, err
	}

	if tx.ID == "" {
		tx.ID = uuid.NewString()
	}
	tx.Timestamp = l.clk.Now().UTC()
	if tx.EventType == "" {
		tx.EventType = defaultEventType(tx.Op)
	}

	// WAL first: the log record is authoritative.
	rec, err := l.log.Append(ctx, l.stream, tx.EventType, tx, tx.CorrelationID)
	if err != nil {
		return nil, err
	}
	tx.Sequence = rec.Sequence

	l.mutate(tx)
	return l.remember(tx), nil
}

func (l *Ledger) priorResult(key string) *Transaction {
	if key == "" {
		return nil
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	if prior, ok := l.seen[key]; ok {
		cp := *prior
		return &cp
	}
	return nil
}

func (l *Ledger) remember(tx *Transaction) *Transaction {
	l.mu.Lock()
	defer l.mu.Unlock()
	cp := *tx
	if tx.IdempotencyKey != "" {
		l.seen[tx.IdempotencyKey] = &cp
	}
	l.journal = append(l.journal, &cp)
	out := cp
	return &out
}

// validate runs every precondition against a scratch copy so a failed
// transaction leaves no trace.
func (l *Ledger) validate(tx *Transaction) error {
	l.mu.RLock()
	acct, exists := l.accounts[tx.AccountID]
	var scratch Balances
	var expiresAt = zeroTime
	if exists {
		scratch = acct.Balances
		expiresAt = acct.ExpiresAt
	}
	l.mu.RUnlock()

	switch tx.Op {
	case OpAllocate:
		if exists {
			return ErrAccountExists
		}
		tier, _ := tx.Metadata["tier"].(string)
		if !ValidTier(Tier(tier)) {
			return ErrInvalidTier
		}
		return nil
	case OpExpire:
		if !exists {
			return ErrAccountNotFound
		}
		if !l.clk.Now().After(expiresAt) {
			return ErrNotExpired
		}
	default:
		if !exists {
			return ErrAccountNotFound
		}
	}

	for _, mv := range tx.Moves {
		src := scratch.bucket(mv.From)
		dst := scratch.bucket(mv.To)
		if src == nil || dst == nil {
			return faults.Newf(faults.KindInputInvalid, "LEDGER_BAD_BUCKET",
				"unknown bucket in move %s -> %s", mv.From, mv.To)
		}
		if *src < mv.Amount {
			return ErrInsufficient
		}
		*src -= mv.Amount
		*dst += mv.Amount
	}
	return nil
}

// mutate applies a validated, logged transaction to the projection and
// re-checks conservation. A violation here is a code bug, not a user
// error: the process terminates.
func (l *Ledger) mutate(tx *Transaction) {
	l.mu.Lock()
	defer l.mu.Unlock()

	acct, exists := l.accounts[tx.AccountID]
	if tx.Op == OpAllocate && !exists {
		tier, _ := tx.Metadata["tier"].(string)
		acct = &Account{
			ID:        tx.AccountID,
			Tier:      Tier(tier),
			ExpiresAt: metadataTime(tx.Metadata, "expires_at"),
			CreatedAt: tx.Timestamp,
		}
		l.accounts[tx.AccountID] = acct
	}
	if acct == nil {
		l.fatalf("ledger: mutate on missing account %s (tx %s)", tx.AccountID, tx.ID)
		return
	}

	for _, mv := range tx.Moves {
		if mv.From == "" {
			// Mint: grows the initial allocation rather than moving
			// between buckets. Only allocate transactions carry these.
			acct.InitialAllocation += mv.Amount
			*acct.Balances.bucket(mv.To) += mv.Amount
			continue
		}
		src := acct.Balances.bucket(mv.From)
		dst := acct.Balances.bucket(mv.To)
		*src -= mv.Amount
		*dst += mv.Amount
	}

	switch tx.Op {
	case OpFreeze:
		acct.Frozen += moveTotal(tx.Moves)
	case OpUnfreeze:
		if ft := moveTotal(tx.Moves); ft <= acct.Frozen {
			acct.Frozen -= ft
		} else {
			acct.Frozen = 0
		}
	}
	acct.UpdatedAt = tx.Timestamp

	// The five buckets must always sum to the initial allocation.
	if got := acct.Balances.Total(); got != acct.InitialAllocation {
		l.fatalf("ledger: conservation violated for %s: buckets sum %d != initial %d (tx %s)",
			acct.ID, got, acct.InitialAllocation, tx.ID)
	}
}

func moveTotal(moves []Move) uint64 {
	var t uint64
	for _, m := range moves {
		t += m.Amount
	}
	return t
}

// GetAccount returns a snapshot copy, or nil if the account is unknown.
func (l *Ledger) GetAccount(id string) *Account {
	l.mu.RLock()
	defer l.mu.RUnlock()
	acct, ok := l.accounts[NormalizeAccountID(id)]
	if !ok {
		return nil
	}
	cp := *acct
	return &cp
}

// Accounts returns snapshot copies of every account, sorted by ID.
func (l *Ledger) Accounts() []*Account {
	l.mu.RLock()
	out := make([]*Account, 0, len(l.accounts))
	for _, acct := range l.accounts {
		cp := *acct
		out = append(out, &cp)
	}
	l.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Journal returns a copy of the applied transaction journal, in order.
func (l *Ledger) Journal() []*Transaction {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*Transaction, len(l.journal))
	copy(out, l.journal)
	return out
}
