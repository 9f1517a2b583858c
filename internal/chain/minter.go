package chain

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/lightningnetwork/lnd/clock"

	"github.com/hounfour/finn/internal/faults"
	"github.com/hounfour/finn/internal/ledger"
	"github.com/hounfour/finn/internal/nonce"
	"github.com/hounfour/finn/internal/wal"
)

// MintKind distinguishes the two on-chain events that create spendable
// value.
type MintKind string

const (
	// KindAllocate is the airdrop allocation that creates the account.
	KindAllocate MintKind = "allocate"
	// KindUnlock is an authorized transfer moving allocated credits
	// into the spendable bucket.
	KindUnlock MintKind = "unlock"
)

// MintRecord pins one observed on-chain event to its block coordinates
// so the reorg watcher can re-verify it until it ages out.
type MintRecord struct {
	TxHash      string    `json:"tx_hash"`
	Kind        MintKind  `json:"kind"`
	AccountID   string    `json:"account_id"`
	Amount      uint64    `json:"amount"`
	BlockNumber uint64    `json:"block_number"`
	BlockHash   string    `json:"block_hash"`
	ObservedAt  time.Time `json:"observed_at"`
	Frozen      bool      `json:"frozen"`
}

// UnlockAuthorization is the caller-supplied EIP-3009 style payload.
// The minter only fingerprints it; signature verification happens on
// chain before the event is ever observed.
type UnlockAuthorization struct {
	From        string
	To          string
	Nonce       string
	Value       string
	ValidBefore string
}

// Minter applies observed chain events to the ledger and remembers
// their block coordinates for the watcher.
type Minter struct {
	ledger   *ledger.Ledger
	registry nonce.Registry
	clk      clock.Clock
	logger   *log.Logger

	mu    sync.RWMutex
	mints map[string]*MintRecord
}

// NewMinter wires the minter to the ledger and the replay registry.
func NewMinter(led *ledger.Ledger, registry nonce.Registry, clk clock.Clock) *Minter {
	if clk == nil {
		clk = clock.NewDefaultClock()
	}
	return &Minter{
		ledger:   led,
		registry: registry,
		clk:      clk,
		logger:   log.New(log.Writer(), "[CHAIN] ", log.LstdFlags),
		mints:    make(map[string]*MintRecord),
	}
}

// RecordAllocation applies a confirmed allocation mint: the account is
// created with its tier and expiry, and the mint enters the watch set.
// Keyed by transaction hash, so re-observing a tx is a no-op.
func (m *Minter) RecordAllocation(ctx context.Context, accountID string, amount uint64, tier ledger.Tier, expiresAt time.Time, txHash string, block *Block) (*MintRecord, error) {
	_, err := m.ledger.Apply(ctx, &ledger.Transaction{
		Op:        ledger.OpAllocate,
		AccountID: accountID,
		Moves: []ledger.Move{{
			From: "", To: ledger.BucketAllocated, Amount: amount,
		}},
		IdempotencyKey: "mint:" + txHash,
		CorrelationID:  txHash,
		EventType:      wal.EventCreditMint,
		Metadata: map[string]interface{}{
			"tier":         string(tier),
			"expires_at":   expiresAt.UTC().Format(time.RFC3339),
			"tx_hash":      txHash,
			"block_number": block.Number,
			"block_hash":   block.Hash,
		},
	})
	if err != nil {
		return nil, err
	}
	return m.track(&MintRecord{
		TxHash:      txHash,
		Kind:        KindAllocate,
		AccountID:   ledger.NormalizeAccountID(accountID),
		Amount:      amount,
		BlockNumber: block.Number,
		BlockHash:   block.Hash,
		ObservedAt:  m.clk.Now().UTC(),
	}), nil
}

// ProcessUnlock applies an authorized unlock. The authorization's
// fingerprint is reserved in the nonce registry first; a replayed
// authorization fails AuthFailed before any balance moves.
func (m *Minter) ProcessUnlock(ctx context.Context, auth UnlockAuthorization, amount uint64, txHash string, block *Block) (*MintRecord, error) {
	fp := nonce.UnlockFingerprint(auth.From, auth.To, auth.Nonce, auth.Value, auth.ValidBefore)
	fresh, err := m.registry.Reserve(ctx, fp)
	if err != nil {
		return nil, faults.Wrap(faults.KindTransient, "NONCE_REGISTRY_UNAVAILABLE", err)
	}
	if !fresh {
		m.logger.Printf("🔁 Unlock authorization replayed (tx %s)", txHash)
		return nil, faults.New(faults.KindAuthFailed, "AUTH_FAILED", faults.OpaqueAuthMessage)
	}

	_, err = m.ledger.Apply(ctx, &ledger.Transaction{
		Op:        ledger.OpUnlock,
		AccountID: auth.From,
		Moves: []ledger.Move{{
			From: ledger.BucketAllocated, To: ledger.BucketUnlocked, Amount: amount,
		}},
		IdempotencyKey: "unlock:" + txHash,
		CorrelationID:  txHash,
		EventType:      wal.EventUSDCUnlock,
		Metadata: map[string]interface{}{
			"tx_hash":      txHash,
			"block_number": block.Number,
			"block_hash":   block.Hash,
			"fingerprint":  fp,
		},
	})
	if err != nil {
		return nil, err
	}
	return m.track(&MintRecord{
		TxHash:      txHash,
		Kind:        KindUnlock,
		AccountID:   ledger.NormalizeAccountID(auth.From),
		Amount:      amount,
		BlockNumber: block.Number,
		BlockHash:   block.Hash,
		ObservedAt:  m.clk.Now().UTC(),
	}), nil
}

func (m *Minter) track(rec *MintRecord) *MintRecord {
	m.mu.Lock()
	m.mints[rec.TxHash] = rec
	m.mu.Unlock()
	cp := *rec
	return &cp
}

// Recent returns snapshot copies of records observed within the
// horizon and not yet reverted.
func (m *Minter) Recent(horizon time.Duration) []*MintRecord {
	cutoff := m.clk.Now().Add(-horizon)
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*MintRecord, 0, len(m.mints))
	for _, rec := range m.mints {
		if rec.ObservedAt.Before(cutoff) {
			continue
		}
		cp := *rec
		out = append(out, &cp)
	}
	return out
}

// Get returns a snapshot copy by transaction hash, or nil.
func (m *Minter) Get(txHash string) *MintRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.mints[txHash]
	if !ok {
		return nil
	}
	cp := *rec
	return &cp
}

// setFrozen flips the frozen marker; used by the watcher.
func (m *Minter) setFrozen(txHash string, frozen bool) {
	m.mu.Lock()
	if rec, ok := m.mints[txHash]; ok {
		rec.Frozen = frozen
	}
	m.mu.Unlock()
}

// rebase updates stored block coordinates after a benign reorg.
func (m *Minter) rebase(txHash string, blockNumber uint64, blockHash string) {
	m.mu.Lock()
	if rec, ok := m.mints[txHash]; ok {
		rec.BlockNumber = blockNumber
		rec.BlockHash = blockHash
	}
	m.mu.Unlock()
}
