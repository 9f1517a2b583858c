package chain

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/lightningnetwork/lnd/clock"

	"github.com/hounfour/finn/internal/ledger"
	"github.com/hounfour/finn/internal/metrics"
	"github.com/hounfour/finn/internal/wal"
)

// ReorgAlertFn is raised once per reverted mint. Runs on the sweep
// goroutine.
type ReorgAlertFn func(rec MintRecord, reason string)

// WatchConfig tunes the re-verification loop.
type WatchConfig struct {
	// Horizon is how long after observation a mint stays in the watch
	// set. Past it the mint is considered final.
	Horizon time.Duration
	// Cadence is the sweep interval.
	Cadence time.Duration
}

// DefaultWatchConfig mirrors a ~12-block finality window on a
// 2-second chain.
func DefaultWatchConfig() WatchConfig {
	return WatchConfig{
		Horizon: 5 * time.Minute,
		Cadence: 30 * time.Second,
	}
}

// ReorgWatch re-verifies recent mints against the chain on a fixed
// cadence. A mint whose history diverged gets its credits frozen; one
// that merely moved blocks is rebased in place.
type ReorgWatch struct {
	cfg      WatchConfig
	primary  BlockSource
	fallback BlockSource
	minter   *Minter
	ledger   *ledger.Ledger
	log      wal.Log
	clk      clock.Clock
	alert    ReorgAlertFn
	met      *metrics.Metrics
	logger   *log.Logger
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewReorgWatch wires the watcher. fallback, alert and met may be nil;
// without a fallback the single-source answer is trusted.
func NewReorgWatch(cfg WatchConfig, primary, fallback BlockSource, minter *Minter, led *ledger.Ledger, lg wal.Log, clk clock.Clock, alert ReorgAlertFn, met *metrics.Metrics) *ReorgWatch {
	if cfg.Horizon <= 0 {
		cfg.Horizon = DefaultWatchConfig().Horizon
	}
	if cfg.Cadence <= 0 {
		cfg.Cadence = DefaultWatchConfig().Cadence
	}
	if clk == nil {
		clk = clock.NewDefaultClock()
	}
	return &ReorgWatch{
		cfg:      cfg,
		primary:  primary,
		fallback: fallback,
		minter:   minter,
		ledger:   led,
		log:      lg,
		clk:      clk,
		alert:    alert,
		met:      met,
		logger:   log.New(log.Writer(), "[REORG] ", log.LstdFlags),
	}
}

// Start launches the sweep loop.
func (w *ReorgWatch) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.done = make(chan struct{})
	go w.loop(ctx)
}

// Stop terminates the loop and waits for the in-flight sweep.
func (w *ReorgWatch) Stop() {
	if w.cancel != nil {
		w.cancel()
		<-w.done
	}
}

func (w *ReorgWatch) loop(ctx context.Context) {
	defer close(w.done)
	ticker := time.NewTicker(w.cfg.Cadence)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Sweep(ctx)
		}
	}
}

// Sweep re-verifies every mint inside the horizon once.
func (w *ReorgWatch) Sweep(ctx context.Context) {
	for _, rec := range w.minter.Recent(w.cfg.Horizon) {
		if rec.Frozen {
			w.recheckFrozen(ctx, rec)
			continue
		}
		w.verify(ctx, rec)
	}
	if w.met != nil {
		w.met.ReorgChecks.Inc()
	}
}

// verify compares a live mint's stored coordinates against the chain.
func (w *ReorgWatch) verify(ctx context.Context, rec *MintRecord) {
	blk, err := w.primary.BlockByNumber(ctx, rec.BlockNumber)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			w.logger.Printf("⚠️ Block fetch failed for tx %s at height %d: %v",
				rec.TxHash, rec.BlockNumber, err)
			return // transient; next sweep retries
		}
		w.revert(ctx, rec, "block no longer exists")
		return
	}
	if blk.Hash == rec.BlockHash {
		return // still on the chain we recorded
	}

	// The block at our height changed. Ask where the tx lives now.
	receipt, err := w.primary.TransactionReceipt(ctx, rec.TxHash)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			w.revert(ctx, rec, "transaction dropped in reorg")
			return
		}
		w.logger.Printf("⚠️ Receipt fetch failed for tx %s: %v", rec.TxHash, err)
		return
	}
	if receipt.Status != ReceiptStatusSuccess {
		w.revert(ctx, rec, "transaction no longer successful")
		return
	}
	if w.fallback != nil {
		fb, err := w.fallback.TransactionReceipt(ctx, rec.TxHash)
		if err != nil || fb.BlockHash != receipt.BlockHash {
			w.revert(ctx, rec, "primary and fallback sources disagree")
			return
		}
	}
	w.revalidate(ctx, rec, receipt)
}

// recheckFrozen looks for a frozen mint coming back: if the receipt is
// successful again on a canonical block, the credits thaw.
func (w *ReorgWatch) recheckFrozen(ctx context.Context, rec *MintRecord) {
	receipt, err := w.primary.TransactionReceipt(ctx, rec.TxHash)
	if err != nil || receipt.Status != ReceiptStatusSuccess {
		return // still gone; credits stay frozen
	}
	if w.fallback != nil {
		fb, fbErr := w.fallback.TransactionReceipt(ctx, rec.TxHash)
		if fbErr != nil || fb.BlockHash != receipt.BlockHash {
			return
		}
	}
	if _, err := w.ledger.Unfreeze(ctx, rec.AccountID, rec.Amount,
		"thaw:"+rec.TxHash+":"+receipt.BlockHash, rec.TxHash); err != nil {
		w.logger.Printf("❌ Unfreeze failed for tx %s: %v", rec.TxHash, err)
		return
	}
	w.minter.setFrozen(rec.TxHash, false)
	w.minter.rebase(rec.TxHash, receipt.BlockNumber, receipt.BlockHash)
	w.logger.Printf("✅ Tx %s revalidated after freeze; credits thawed", rec.TxHash)
}

// revert freezes the minted credits and raises the operator alert. The
// freeze transaction is the reverted event; no separate record needed.
func (w *ReorgWatch) revert(ctx context.Context, rec *MintRecord, reason string) {
	if w.met != nil {
		w.met.ReorgAlerts.Inc()
	}
	w.logger.Printf("🚨 Reorg reverted tx %s (%s): freezing %d credits of %s",
		rec.TxHash, reason, rec.Amount, rec.AccountID)

	if _, err := w.ledger.Freeze(ctx, rec.AccountID, rec.Amount, reason,
		"freeze:"+rec.TxHash, rec.TxHash); err != nil {
		// Credits may already be spent past the frozen amount. The
		// alert still fires; the shortfall is an operator problem.
		w.logger.Printf("❌ Freeze failed for tx %s: %v", rec.TxHash, err)
	} else {
		w.minter.setFrozen(rec.TxHash, true)
	}
	if w.alert != nil {
		w.alert(*rec, reason)
	}
}

// revalidate records the mint's new coordinates after a benign move.
func (w *ReorgWatch) revalidate(ctx context.Context, rec *MintRecord, receipt *Receipt) {
	payload := map[string]interface{}{
		"tx_hash":          rec.TxHash,
		"account_id":       rec.AccountID,
		"old_block_number": rec.BlockNumber,
		"old_block_hash":   rec.BlockHash,
		"new_block_number": receipt.BlockNumber,
		"new_block_hash":   receipt.BlockHash,
	}
	if _, err := w.log.Append(ctx, ledger.StreamBilling, wal.EventCreditRevalidated, payload, rec.TxHash); err != nil {
		w.logger.Printf("❌ Revalidation append failed for tx %s: %v", rec.TxHash, err)
		return
	}
	w.minter.rebase(rec.TxHash, receipt.BlockNumber, receipt.BlockHash)
	w.logger.Printf("🔀 Tx %s moved to block %d after reorg", rec.TxHash, receipt.BlockNumber)
}
