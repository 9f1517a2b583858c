package chain

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hounfour/finn/internal/faults"
	"github.com/hounfour/finn/internal/ledger"
	"github.com/hounfour/finn/internal/nonce"
	"github.com/hounfour/finn/internal/wal"
)

// fakeSource serves scripted blocks and receipts.
type fakeSource struct {
	mu       sync.Mutex
	blocks   map[uint64]*Block
	receipts map[string]*Receipt
}

func newFakeSource() *fakeSource {
	return &fakeSource{blocks: make(map[uint64]*Block), receipts: make(map[string]*Receipt)}
}

func (f *fakeSource) setBlock(b *Block) {
	f.mu.Lock()
	f.blocks[b.Number] = b
	f.mu.Unlock()
}

func (f *fakeSource) setReceipt(r *Receipt) {
	f.mu.Lock()
	f.receipts[r.TxHash] = r
	f.mu.Unlock()
}

func (f *fakeSource) dropReceipt(txHash string) {
	f.mu.Lock()
	delete(f.receipts, txHash)
	f.mu.Unlock()
}

func (f *fakeSource) BlockByNumber(_ context.Context, n uint64) (*Block, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.blocks[n]
	if !ok {
		return nil, ErrNotFound
	}
	return b, nil
}

func (f *fakeSource) TransactionReceipt(_ context.Context, txHash string) (*Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.receipts[txHash]
	if !ok {
		return nil, ErrNotFound
	}
	return r, nil
}

type watchFixture struct {
	ctx    context.Context
	clk    *clock.TestClock
	lg     *wal.MemoryLog
	led    *ledger.Ledger
	minter *Minter
	source *fakeSource
	watch  *ReorgWatch
	alerts []string
}

func newWatchFixture(t *testing.T) *watchFixture {
	t.Helper()
	f := &watchFixture{ctx: context.Background()}
	f.clk = clock.NewTestClock(time.Unix(1700000000, 0))
	f.lg = wal.NewMemoryLog(f.clk)
	f.led = ledger.New(f.lg, f.clk)
	f.minter = NewMinter(f.led, nonce.NewMemoryRegistry(time.Hour, f.clk), f.clk)
	f.source = newFakeSource()
	f.watch = NewReorgWatch(WatchConfig{Horizon: 5 * time.Minute, Cadence: time.Second},
		f.source, nil, f.minter, f.led, f.lg, f.clk,
		func(rec MintRecord, reason string) { f.alerts = append(f.alerts, reason) }, nil)
	return f
}

// mintAndUnlock puts a confirmed allocation plus unlock on chain and in
// the ledger.
func (f *watchFixture) mintAndUnlock(t *testing.T) (allocTx, unlockTx string) {
	t.Helper()
	blk100 := &Block{Number: 100, Hash: "0xaaa"}
	blk101 := &Block{Number: 101, Hash: "0xbbb"}
	f.source.setBlock(blk100)
	f.source.setBlock(blk101)
	f.source.setReceipt(&Receipt{TxHash: "0xmint", Status: 1, BlockHash: "0xaaa", BlockNumber: 100})
	f.source.setReceipt(&Receipt{TxHash: "0xunlock", Status: 1, BlockHash: "0xbbb", BlockNumber: 101})

	_, err := f.minter.RecordAllocation(f.ctx, "0xWallet", 10000, ledger.TierOG,
		f.clk.Now().Add(365*24*time.Hour), "0xmint", blk100)
	require.NoError(t, err)

	_, err = f.minter.ProcessUnlock(f.ctx, UnlockAuthorization{
		From: "0xWallet", To: "0xTreasury", Nonce: "n1", Value: "10000", ValidBefore: "2000000000",
	}, 10000, "0xunlock", blk101)
	require.NoError(t, err)
	return "0xmint", "0xunlock"
}

func TestReorgWatch_StableChainIsQuiet(t *testing.T) {
	f := newWatchFixture(t)
	f.mintAndUnlock(t)

	before, err := f.lg.LatestSequence(f.ctx, ledger.StreamBilling)
	require.NoError(t, err)
	f.watch.Sweep(f.ctx)
	after, err := f.lg.LatestSequence(f.ctx, ledger.StreamBilling)
	require.NoError(t, err)

	assert.Equal(t, before, after, "no divergence, no records")
	assert.Empty(t, f.alerts)
}

func TestReorgWatch_DroppedTxFreezesCredits(t *testing.T) {
	f := newWatchFixture(t)
	_, unlockTx := f.mintAndUnlock(t)

	// The unlock's block is replaced and the tx vanishes.
	f.source.setBlock(&Block{Number: 101, Hash: "0xccc"})
	f.source.dropReceipt(unlockTx)

	f.watch.Sweep(f.ctx)

	bal := f.led.GetAccount("0xWallet").Balances
	assert.Equal(t, uint64(0), bal.Unlocked, "phantom credits frozen")
	assert.Equal(t, uint64(10000), bal.Reserved)
	assert.True(t, f.minter.Get(unlockTx).Frozen)
	require.Len(t, f.alerts, 1)
	assert.Contains(t, f.alerts[0], "dropped")

	// Conservation holds through the freeze.
	assert.Equal(t, uint64(10000), bal.Total())
}

func TestReorgWatch_FrozenMintThawsOnReinclusion(t *testing.T) {
	f := newWatchFixture(t)
	_, unlockTx := f.mintAndUnlock(t)

	f.source.setBlock(&Block{Number: 101, Hash: "0xccc"})
	f.source.dropReceipt(unlockTx)
	f.watch.Sweep(f.ctx)
	require.True(t, f.minter.Get(unlockTx).Frozen)

	// The tx lands again on the new canonical chain.
	f.source.setReceipt(&Receipt{TxHash: unlockTx, Status: 1, BlockHash: "0xccc", BlockNumber: 101})
	f.watch.Sweep(f.ctx)

	rec := f.minter.Get(unlockTx)
	assert.False(t, rec.Frozen)
	assert.Equal(t, "0xccc", rec.BlockHash)
	assert.Equal(t, uint64(10000), f.led.GetAccount("0xWallet").Balances.Unlocked)
}

func TestReorgWatch_MovedTxRevalidates(t *testing.T) {
	f := newWatchFixture(t)
	_, unlockTx := f.mintAndUnlock(t)

	// Same tx, different block after a shallow reorg.
	f.source.setBlock(&Block{Number: 101, Hash: "0xccc"})
	f.source.setReceipt(&Receipt{TxHash: unlockTx, Status: 1, BlockHash: "0xccc", BlockNumber: 101})

	f.watch.Sweep(f.ctx)

	rec := f.minter.Get(unlockTx)
	assert.False(t, rec.Frozen)
	assert.Equal(t, "0xccc", rec.BlockHash, "coordinates rebased")
	assert.Empty(t, f.alerts)

	var events []string
	require.NoError(t, f.lg.Replay(f.ctx, ledger.StreamBilling, nil, func(r wal.Record) error {
		events = append(events, r.EventType)
		return nil
	}))
	assert.Contains(t, events, wal.EventCreditRevalidated)
}

func TestReorgWatch_SourceDisagreementFreezes(t *testing.T) {
	f := newWatchFixture(t)
	_, unlockTx := f.mintAndUnlock(t)

	fallback := newFakeSource()
	fallback.setReceipt(&Receipt{TxHash: unlockTx, Status: 1, BlockHash: "0xddd", BlockNumber: 101})
	f.watch.fallback = fallback

	// Primary says the tx moved to 0xccc; fallback says 0xddd.
	f.source.setBlock(&Block{Number: 101, Hash: "0xccc"})
	f.source.setReceipt(&Receipt{TxHash: unlockTx, Status: 1, BlockHash: "0xccc", BlockNumber: 101})

	f.watch.Sweep(f.ctx)

	assert.True(t, f.minter.Get(unlockTx).Frozen)
	require.Len(t, f.alerts, 1)
	assert.Contains(t, f.alerts[0], "disagree")
}

func TestReorgWatch_AgedMintsLeaveTheWatchSet(t *testing.T) {
	f := newWatchFixture(t)
	f.mintAndUnlock(t)

	f.clk.SetTime(f.clk.Now().Add(10 * time.Minute))
	assert.Empty(t, f.minter.Recent(5*time.Minute), "past the horizon nothing is rechecked")
}

func TestMinter_UnlockReplayRejected(t *testing.T) {
	f := newWatchFixture(t)
	f.mintAndUnlock(t)

	_, err := f.minter.ProcessUnlock(f.ctx, UnlockAuthorization{
		From: "0xWallet", To: "0xTreasury", Nonce: "n1", Value: "10000", ValidBefore: "2000000000",
	}, 10000, "0xunlock2", &Block{Number: 102, Hash: "0xeee"})
	require.Error(t, err)
	assert.Equal(t, faults.KindAuthFailed, faults.KindOf(err))
	assert.EqualError(t, err, "AUTH_FAILED: invalid or expired credentials")
}
