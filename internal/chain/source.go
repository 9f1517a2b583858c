// Package chain tracks the on-chain side of the credit economy: mints
// and unlocks observed from a block source, and a watcher that
// re-verifies recent history so a reorg cannot leave phantom credits
// spendable.
package chain

import (
	"context"

	"github.com/hounfour/finn/internal/faults"
)

// ErrNotFound reports a block or receipt the source no longer has.
// After a reorg the canonical chain may simply not contain the
// transaction anymore.
var ErrNotFound = faults.New(faults.KindPrecondition, "CHAIN_NOT_FOUND",
	"block or receipt not found")

// ReceiptStatusSuccess is the EVM success status.
const ReceiptStatusSuccess = 1

// Block is the subset of a chain block the watcher compares.
type Block struct {
	Number     uint64 `json:"number"`
	Hash       string `json:"hash"`
	ParentHash string `json:"parent_hash"`
}

// Receipt is the subset of a transaction receipt the watcher needs.
type Receipt struct {
	TxHash      string `json:"tx_hash"`
	Status      uint64 `json:"status"`
	BlockHash   string `json:"block_hash"`
	BlockNumber uint64 `json:"block_number"`
}

// BlockSource reads chain state. Implementations wrap an RPC endpoint;
// tests use a scripted fake.
type BlockSource interface {
	BlockByNumber(ctx context.Context, number uint64) (*Block, error)
	TransactionReceipt(ctx context.Context, txHash string) (*Receipt, error)
}
