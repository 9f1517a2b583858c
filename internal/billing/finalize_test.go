package billing

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hounfour/finn/internal/ledger"
	"github.com/hounfour/finn/internal/wal"
)

// scriptedAck fails the first n calls, then acks.
type scriptedAck struct {
	mu       sync.Mutex
	failures int
	calls    int
	done     chan struct{}
}

func newScriptedAck(failures int) *scriptedAck {
	return &scriptedAck{failures: failures, done: make(chan struct{})}
}

func (a *scriptedAck) Finalize(_ context.Context, _, _ string, _ uint64, _ string) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	if a.calls <= a.failures {
		if a.calls == a.failures && a.done != nil {
			close(a.done)
			a.done = nil
		}
		return 503, errors.New("upstream unavailable")
	}
	if a.done != nil {
		close(a.done)
		a.done = nil
	}
	return 200, nil
}

func (a *scriptedAck) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

func pendingEntry(t *testing.T, m *StateMachine) *Entry {
	t.Helper()
	ctx := context.Background()
	entry, err := m.Reserve(ctx, "0xAcct", 1000, "corr-fq", "rate-v1")
	require.NoError(t, err)
	entry, err = m.Commit(ctx, entry.ID, 800)
	require.NoError(t, err)
	require.Equal(t, StateFinalizePending, entry.State)
	return entry
}

func quickConfig(maxAttempts int) FinalizeQueueConfig {
	return FinalizeQueueConfig{
		Workers:     1,
		BaseBackoff: time.Millisecond,
		MaxBackoff:  5 * time.Millisecond,
		MaxAttempts: maxAttempts,
		CallTimeout: time.Second,
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestFinalizeQueue_AckOnFirstAttempt(t *testing.T) {
	clk := clock.NewTestClock(time.Unix(1700000000, 0))
	lg := wal.NewMemoryLog(clk)
	led := ledger.New(lg, clk)
	fund(t, led, clk)
	m := NewStateMachine(lg, led, nil, clk)
	entry := pendingEntry(t, m)

	ack := newScriptedAck(0)
	q := NewFinalizeQueue(quickConfig(3), m, ack, lg, nil, nil)
	q.Start()
	defer q.Stop()

	q.Enqueue(FinalizeJob{EntryID: entry.ID, AccountID: entry.AccountID, Amount: 800, CorrelationID: entry.CorrelationID})

	waitFor(t, time.Second, func() bool { return m.Get(entry.ID).State == StateFinalizeAcked })
	assert.Equal(t, 1, ack.callCount())
}

func TestFinalizeQueue_RetriesThenAcks(t *testing.T) {
	clk := clock.NewTestClock(time.Unix(1700000000, 0))
	lg := wal.NewMemoryLog(clk)
	led := ledger.New(lg, clk)
	fund(t, led, clk)
	m := NewStateMachine(lg, led, nil, clk)
	entry := pendingEntry(t, m)

	ack := newScriptedAck(2)
	q := NewFinalizeQueue(quickConfig(5), m, ack, lg, nil, nil)
	q.Start()
	defer q.Stop()

	q.Enqueue(FinalizeJob{EntryID: entry.ID, AccountID: entry.AccountID, Amount: 800, CorrelationID: entry.CorrelationID})

	waitFor(t, 2*time.Second, func() bool { return m.Get(entry.ID).State == StateFinalizeAcked })
	assert.Equal(t, 3, ack.callCount(), "two failures plus the ack")
}

func TestFinalizeQueue_DeadLettersAfterExhaustion(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewTestClock(time.Unix(1700000000, 0))
	lg := wal.NewMemoryLog(clk)
	led := ledger.New(lg, clk)
	fund(t, led, clk)
	m := NewStateMachine(lg, led, nil, clk)
	entry := pendingEntry(t, m)

	var alerted FinalizeJob
	alertCh := make(chan struct{})
	alert := func(job FinalizeJob, _ error) {
		alerted = job
		close(alertCh)
	}

	ack := newScriptedAck(100) // never succeeds
	q := NewFinalizeQueue(quickConfig(3), m, ack, lg, alert, nil)
	q.Start()
	defer q.Stop()

	q.Enqueue(FinalizeJob{EntryID: entry.ID, AccountID: entry.AccountID, Amount: 800, CorrelationID: entry.CorrelationID})

	select {
	case <-alertCh:
	case <-time.After(2 * time.Second):
		t.Fatal("dead-letter alert never fired")
	}
	assert.Equal(t, entry.ID, alerted.EntryID)
	assert.Equal(t, 3, alerted.Attempt)
	assert.Equal(t, StateFinalizeFailed, m.Get(entry.ID).State,
		"entry stays failed for manual void or drain")

	var dlq []wal.Record
	require.NoError(t, lg.Replay(ctx, StreamDeadLetter, nil, func(rec wal.Record) error {
		dlq = append(dlq, rec)
		return nil
	}))
	require.Len(t, dlq, 1)
	assert.Equal(t, EventFinalizeDeadLetter, dlq[0].EventType)
}

func TestFinalizeQueue_BackoffGrowsAndCaps(t *testing.T) {
	q := NewFinalizeQueue(FinalizeQueueConfig{
		Workers:     1,
		BaseBackoff: 500 * time.Millisecond,
		MaxBackoff:  2 * time.Second,
		MaxAttempts: 10,
	}, nil, nil, nil, nil, nil)

	assert.Equal(t, 500*time.Millisecond, q.backoff(1))
	assert.Equal(t, time.Second, q.backoff(2))
	assert.Equal(t, 2*time.Second, q.backoff(3))
	assert.Equal(t, 2*time.Second, q.backoff(8), "capped")
}

func fund(t *testing.T, led *ledger.Ledger, clk clock.Clock) {
	t.Helper()
	ctx := context.Background()
	_, err := led.Allocate(ctx, "0xAcct", 10000, ledger.TierOG,
		clk.Now().Add(365*24*time.Hour), "alloc-1", "corr-alloc")
	require.NoError(t, err)
	_, err = led.Unlock(ctx, "0xAcct", 10000, "unlock-1", "corr-unlock")
	require.NoError(t, err)
}
