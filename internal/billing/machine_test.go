package billing

import (
	"context"
	"testing"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hounfour/finn/internal/ledger"
	"github.com/hounfour/finn/internal/wal"
)

type recordingQueue struct {
	jobs []FinalizeJob
}

func (r *recordingQueue) Enqueue(job FinalizeJob) { r.jobs = append(r.jobs, job) }

func newTestMachine(t *testing.T) (*StateMachine, *ledger.Ledger, *wal.MemoryLog, *recordingQueue) {
	t.Helper()
	ctx := context.Background()
	clk := clock.NewTestClock(time.Unix(1700000000, 0))
	lg := wal.NewMemoryLog(clk)
	led := ledger.New(lg, clk)

	_, err := led.Allocate(ctx, "0xAcct", 10000, ledger.TierOG,
		clk.Now().Add(365*24*time.Hour), "alloc-1", "corr-alloc")
	require.NoError(t, err)
	_, err = led.Unlock(ctx, "0xAcct", 10000, "unlock-1", "corr-unlock")
	require.NoError(t, err)

	q := &recordingQueue{}
	return NewStateMachine(lg, led, q, clk), led, lg, q
}

func TestMachine_ReserveCommitFinalize(t *testing.T) {
	ctx := context.Background()
	m, led, _, q := newTestMachine(t)

	entry, err := m.Reserve(ctx, "0xAcct", 2000, "corr-1", "rate-v1")
	require.NoError(t, err)
	assert.Equal(t, StateReserveHeld, entry.State)
	assert.Equal(t, uint64(2000), led.GetAccount("0xAcct").Balances.Reserved)

	entry, err = m.Commit(ctx, entry.ID, 1500)
	require.NoError(t, err)
	assert.Equal(t, StateFinalizePending, entry.State)
	require.NotNil(t, entry.ActualCost)
	assert.Equal(t, uint64(1500), *entry.ActualCost)

	bal := led.GetAccount("0xAcct").Balances
	assert.Equal(t, uint64(0), bal.Reserved, "residual released with the commit")
	assert.Equal(t, uint64(1500), bal.Consumed)
	assert.Equal(t, uint64(8500), bal.Unlocked)

	require.Len(t, q.jobs, 1)
	assert.Equal(t, uint64(1500), q.jobs[0].Amount)

	entry, err = m.FinalizeAck(ctx, entry.ID, 200)
	require.NoError(t, err)
	assert.Equal(t, StateFinalizeAcked, entry.State)
	assert.True(t, entry.State.Terminal())
}

func TestMachine_CommitAfterReleaseAppendsNothing(t *testing.T) {
	ctx := context.Background()
	m, _, lg, _ := newTestMachine(t)

	entry, err := m.Reserve(ctx, "0xAcct", 2000, "corr-1", "rate-v1")
	require.NoError(t, err)
	_, err = m.Release(ctx, entry.ID, "client disconnect")
	require.NoError(t, err)

	before, err := lg.LatestSequence(ctx, ledger.StreamBilling)
	require.NoError(t, err)

	_, err = m.Commit(ctx, entry.ID, 1500)
	require.ErrorIs(t, err, ErrIllegalTransition)

	after, err := lg.LatestSequence(ctx, ledger.StreamBilling)
	require.NoError(t, err)
	assert.Equal(t, before, after, "a refused transition leaves no record")
	assert.Equal(t, StateReleased, m.Get(entry.ID).State)
}

func TestMachine_TerminalStatesRefuseEverything(t *testing.T) {
	ctx := context.Background()
	m, _, _, _ := newTestMachine(t)

	// Released entry.
	released, err := m.Reserve(ctx, "0xAcct", 100, "corr-r", "rate-v1")
	require.NoError(t, err)
	_, err = m.Release(ctx, released.ID, "test")
	require.NoError(t, err)

	// Acked entry.
	acked, err := m.Reserve(ctx, "0xAcct", 100, "corr-a", "rate-v1")
	require.NoError(t, err)
	_, err = m.Commit(ctx, acked.ID, 100)
	require.NoError(t, err)
	_, err = m.FinalizeAck(ctx, acked.ID, 200)
	require.NoError(t, err)

	// Voided entry.
	voided, err := m.Reserve(ctx, "0xAcct", 100, "corr-v", "rate-v1")
	require.NoError(t, err)
	_, err = m.Commit(ctx, voided.ID, 100)
	require.NoError(t, err)
	_, err = m.FinalizeFail(ctx, voided.ID, 1, "upstream 500")
	require.NoError(t, err)
	_, err = m.Void(ctx, voided.ID, "manual correction", "admin-1")
	require.NoError(t, err)

	for _, id := range []string{released.ID, acked.ID, voided.ID} {
		assert.True(t, m.Get(id).State.Terminal())
		_, err := m.Commit(ctx, id, 1)
		assert.ErrorIs(t, err, ErrIllegalTransition)
		_, err = m.Release(ctx, id, "x")
		assert.ErrorIs(t, err, ErrIllegalTransition)
		_, err = m.FinalizeAck(ctx, id, 200)
		assert.ErrorIs(t, err, ErrIllegalTransition)
	}
}

func TestMachine_CommitClampsToReservation(t *testing.T) {
	ctx := context.Background()
	m, led, _, q := newTestMachine(t)

	entry, err := m.Reserve(ctx, "0xAcct", 1000, "corr-1", "rate-v1")
	require.NoError(t, err)

	entry, err = m.Commit(ctx, entry.ID, 1800)
	require.NoError(t, err)
	assert.Equal(t, uint64(1000), *entry.ActualCost, "charge never exceeds the hold")
	assert.Equal(t, uint64(1000), led.GetAccount("0xAcct").Balances.Consumed)
	assert.Equal(t, uint64(1000), q.jobs[0].Amount)
}

func TestMachine_VoidReturnsConsumedCredits(t *testing.T) {
	ctx := context.Background()
	m, led, _, _ := newTestMachine(t)

	entry, err := m.Reserve(ctx, "0xAcct", 500, "corr-1", "rate-v1")
	require.NoError(t, err)
	_, err = m.Commit(ctx, entry.ID, 500)
	require.NoError(t, err)
	_, err = m.FinalizeFail(ctx, entry.ID, 1, "upstream 500")
	require.NoError(t, err)

	entry, err = m.Void(ctx, entry.ID, "billing dispute", "admin-1")
	require.NoError(t, err)
	assert.Equal(t, StateVoided, entry.State)

	bal := led.GetAccount("0xAcct").Balances
	assert.Equal(t, uint64(0), bal.Consumed)
	assert.Equal(t, uint64(10000), bal.Unlocked)
}

func TestMachine_ReserveIdempotentPerCorrelation(t *testing.T) {
	ctx := context.Background()
	m, led, _, _ := newTestMachine(t)

	first, err := m.Reserve(ctx, "0xAcct", 2000, "corr-dup", "rate-v1")
	require.NoError(t, err)
	second, err := m.Reserve(ctx, "0xAcct", 2000, "corr-dup", "rate-v1")
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID, "retry resolves to the original entry")
	assert.Equal(t, uint64(2000), led.GetAccount("0xAcct").Balances.Reserved,
		"the hold is taken once")
}

func TestMachine_RebuildRestoresEntries(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewTestClock(time.Unix(1700000000, 0))
	lg := wal.NewMemoryLog(clk)
	led := ledger.New(lg, clk)
	_, err := led.Allocate(ctx, "0xAcct", 10000, ledger.TierOG,
		clk.Now().Add(time.Hour), "alloc-1", "corr-alloc")
	require.NoError(t, err)
	_, err = led.Unlock(ctx, "0xAcct", 10000, "unlock-1", "corr-unlock")
	require.NoError(t, err)

	m := NewStateMachine(lg, led, nil, clk)
	committed, err := m.Reserve(ctx, "0xAcct", 1000, "corr-c", "rate-v1")
	require.NoError(t, err)
	_, err = m.Commit(ctx, committed.ID, 800)
	require.NoError(t, err)
	held, err := m.Reserve(ctx, "0xAcct", 500, "corr-h", "rate-v1")
	require.NoError(t, err)

	// A fresh process rebuilds ledger and machine from the same log.
	led2 := ledger.New(lg, clk)
	require.NoError(t, led2.Rebuild(ctx))
	m2 := NewStateMachine(lg, led2, nil, clk)
	require.NoError(t, m2.Rebuild(ctx))

	got := m2.Get(committed.ID)
	require.NotNil(t, got)
	assert.Equal(t, StateFinalizePending, got.State)
	require.NotNil(t, got.ActualCost)
	assert.Equal(t, uint64(800), *got.ActualCost)

	got = m2.Get(held.ID)
	require.NotNil(t, got)
	assert.Equal(t, StateReserveHeld, got.State)
	assert.Equal(t, uint64(500), got.EstimatedCost)
}
