// Package ledger keeps the five-bucket credit balances per account.
// Every mutation is a Transaction: validated, appended to the WAL, and
// only then applied to the in-memory projection. The projection is
// disposable; replaying the WAL rebuilds it.
package ledger

import (
	"strings"
	"time"
)

// Bucket is one of the five credit states.
type Bucket string

const (
	BucketAllocated Bucket = "allocated"
	BucketUnlocked  Bucket = "unlocked"
	BucketReserved  Bucket = "reserved"
	BucketConsumed  Bucket = "consumed"
	BucketExpired   Bucket = "expired"
)

// Tier is the coarse account class assigned at allocation.
type Tier string

const (
	TierOG          Tier = "OG"
	TierContributor Tier = "CONTRIBUTOR"
	TierCommunity   Tier = "COMMUNITY"
	TierPartner     Tier = "PARTNER"
)

// ValidTier reports whether t is a known tier.
func ValidTier(t Tier) bool {
	switch t {
	case TierOG, TierContributor, TierCommunity, TierPartner:
		return true
	}
	return false
}

// Op names a ledger operation. The op decides which bucket-to-bucket
// moves are legal.
type Op string

const (
	OpAllocate Op = "allocate"
	OpUnlock   Op = "unlock"
	OpReserve  Op = "reserve"
	OpConsume  Op = "consume"
	OpRelease  Op = "release"
	OpExpire   Op = "expire"
	OpFreeze   Op = "freeze"
	OpUnfreeze Op = "unfreeze"
	OpVoid     Op = "void"
)

// Move is a single debit→credit transfer between two buckets of one
// account. Amounts are integer credits.
type Move struct {
	From   Bucket `json:"from"`
	To     Bucket `json:"to"`
	Amount uint64 `json:"amount"`
}

// Transaction is the immutable journal row for one atomic mutation.
// A transaction either applies fully (including its WAL record) or not
// at all.
type Transaction struct {
	ID             string                 `json:"id"`
	Op             Op                     `json:"op"`
	AccountID      string                 `json:"account_id"`
	Moves          []Move                 `json:"moves"`
	IdempotencyKey string                 `json:"idempotency_key"`
	CorrelationID  string                 `json:"correlation_id"`
	EventType      string                 `json:"event_type"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
	Timestamp      time.Time              `json:"timestamp"`

	// Sequence is the WAL sequence of the record that carried this
	// transaction; populated after append.
	Sequence uint64 `json:"sequence,omitempty"`
}

// Balances is a point-in-time snapshot of one account's buckets.
type Balances struct {
	Allocated uint64 `json:"allocated"`
	Unlocked  uint64 `json:"unlocked"`
	Reserved  uint64 `json:"reserved"`
	Consumed  uint64 `json:"consumed"`
	Expired   uint64 `json:"expired"`
}

// Total sums the five buckets.
func (b Balances) Total() uint64 {
	return b.Allocated + b.Unlocked + b.Reserved + b.Consumed + b.Expired
}

// Account is a unit of credit ownership keyed by wallet identifier.
// Never deleted; expired credits stay in the expired bucket.
type Account struct {
	ID                string    `json:"id"`
	InitialAllocation uint64    `json:"initial_allocation"`
	Balances          Balances  `json:"balances"`
	Tier              Tier      `json:"tier"`
	ExpiresAt         time.Time `json:"expires_at"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`

	// Frozen tracks the portion of Reserved held by a reorg freeze.
	Frozen uint64 `json:"frozen,omitempty"`
}

// NormalizeAccountID lowercases a wallet identifier; the lowercased
// form is the primary key everywhere.
func NormalizeAccountID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

func (b *Balances) bucket(name Bucket) *uint64 {
	switch name {
	case BucketAllocated:
		return &b.Allocated
	case BucketUnlocked:
		return &b.Unlocked
	case BucketReserved:
		return &b.Reserved
	case BucketConsumed:
		return &b.Consumed
	case BucketExpired:
		return &b.Expired
	}
	return nil
}
