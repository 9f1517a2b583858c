package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hounfour/finn/internal/adapter"
	"github.com/hounfour/finn/internal/billing"
	"github.com/hounfour/finn/internal/breaker"
	"github.com/hounfour/finn/internal/faults"
	"github.com/hounfour/finn/internal/idempotency"
	"github.com/hounfour/finn/internal/ledger"
	"github.com/hounfour/finn/internal/metering"
	"github.com/hounfour/finn/internal/metrics"
	"github.com/hounfour/finn/internal/sse"
	"github.com/hounfour/finn/internal/wal"
)

// scriptedStream plays one slice of events per iteration.
type scriptedStream struct {
	name  string
	turns [][]sse.Event
	calls int
}

func (s *scriptedStream) Name() string { return s.name }

func (s *scriptedStream) Complete(context.Context, adapter.Request) (*adapter.Response, error) {
	return nil, errors.New("stream-only stub")
}

func (s *scriptedStream) Stream(ctx context.Context, _ adapter.Request) (<-chan sse.Event, error) {
	turn := s.turns[s.calls%len(s.turns)]
	s.calls++
	out := make(chan sse.Event)
	go func() {
		defer close(out)
		for _, ev := range turn {
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

type echoTool struct{ invocations int }

func (e *echoTool) Name() string { return "echo" }
func (e *echoTool) Invoke(_ context.Context, args map[string]interface{}) (interface{}, error) {
	e.invocations++
	return map[string]interface{}{"echoed": args["msg"]}, nil
}

type fixture struct {
	orch *Orchestrator
	led  *ledger.Ledger
	bsm  *billing.StateMachine
	lg   *wal.MemoryLog
	tool *echoTool
}

func pricingTable() *metering.Table {
	return &metering.Table{Entries: []metering.PricingEntry{{
		Provider:      "openrouter",
		Model:         "sonnet",
		InputRate:     3_000_000,
		OutputRate:    15_000_000,
		BytesPerToken: 4,
	}}}
}

func newFixture(t *testing.T, ad adapter.ModelAdapter) *fixture {
	t.Helper()
	ctx := context.Background()
	clk := clock.NewTestClock(time.Unix(1700000000, 0))
	lg := wal.NewMemoryLog(clk)
	led := ledger.New(lg, clk)
	_, err := led.Allocate(ctx, "0xAcct", 100_000_000, ledger.TierOG,
		clk.Now().Add(365*24*time.Hour), "alloc", "corr-a")
	require.NoError(t, err)
	_, err = led.Unlock(ctx, "0xAcct", 100_000_000, "unlock", "corr-u")
	require.NoError(t, err)
	bsm := billing.NewStateMachine(lg, led, nil, clk)

	reg := adapter.NewRegistry(clk)
	reg.Register(ad)
	reg.DefinePool("pro", []string{ad.Name()})

	budget := breaker.New(breaker.Config{Name: "budget"}, clk)
	orch := New(Config{MaxIterations: 4, WallBudget: time.Minute, EventBuffer: 256},
		reg, pricingTable(), bsm, idempotency.NewManager(0, 0, clk), budget, clk, nil)
	tool := &echoTool{}
	orch.RegisterTool(tool)
	return &fixture{orch: orch, led: led, bsm: bsm, lg: lg, tool: tool}
}

func baseRequest() Request {
	return Request{
		TraceID:      "trace-1",
		AccountID:    "0xAcct",
		Tier:         "pro",
		Provider:     "openrouter",
		Model:        "sonnet",
		Archetype:    "a terse assistant",
		Prompt:       "hello",
		PromptTokens: 1000,
		MaxTokens:    100,
	}
}

func collect(t *testing.T, events <-chan Event) []Event {
	t.Helper()
	var out []Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatalf("event stream never closed; got %d events", len(out))
		}
	}
}

func eventTypes(events []Event) []EventType {
	out := make([]EventType, len(events))
	for i, ev := range events {
		out[i] = ev.Type
	}
	return out
}

func TestOrchestrator_SimpleCompletion(t *testing.T) {
	ad := &scriptedStream{name: "p1", turns: [][]sse.Event{{
		{Type: sse.EventChunk, Delta: "Hello"},
		{Type: sse.EventChunk, Delta: " world"},
		{Type: sse.EventUsage, Usage: &sse.Usage{PromptTokens: 1000, CompletionTokens: 2}},
		{Type: sse.EventDone, FinishReason: "stop"},
	}}}
	f := newFixture(t, ad)

	events, err := f.orch.Run(context.Background(), baseRequest())
	require.NoError(t, err)
	got := collect(t, events)

	types := eventTypes(got)
	assert.Equal(t, EventType("budget_check"), types[0])
	assert.Equal(t, EventType("stream_start"), types[1])
	assert.Contains(t, types, EventToken)
	last := got[len(got)-1]
	require.Equal(t, EventLoopComplete, last.Type)
	assert.Equal(t, metering.MethodProviderReported, last.Usage.Method)
	assert.False(t, last.Usage.WasAborted)

	// The commit landed: reserved returned, actual consumed.
	bal := f.led.GetAccount("0xAcct").Balances
	assert.Equal(t, uint64(0), bal.Reserved)
	assert.Equal(t, last.Usage.Cost.TotalCostMicro, bal.Consumed)
}

func TestOrchestrator_ToolLoopWithIdempotency(t *testing.T) {
	toolTurn := []sse.Event{
		{Type: sse.EventToolCall, ToolCall: &sse.ToolCallFragment{Index: 0, ID: "call_1", Name: "echo", Arguments: `{"msg":`}},
		{Type: sse.EventToolCall, ToolCall: &sse.ToolCallFragment{Index: 0, Arguments: `"hi"}`}},
		{Type: sse.EventDone, FinishReason: "tool_calls"},
	}
	finalTurn := []sse.Event{
		{Type: sse.EventChunk, Delta: "done"},
		{Type: sse.EventDone, FinishReason: "stop"},
	}
	ad := &scriptedStream{name: "p1", turns: [][]sse.Event{toolTurn, toolTurn, finalTurn}}
	f := newFixture(t, ad)

	events, err := f.orch.Run(context.Background(), baseRequest())
	require.NoError(t, err)
	got := collect(t, events)

	assert.Equal(t, 1, f.tool.invocations,
		"second identical call served from the trace cache")

	var executed []Event
	for _, ev := range got {
		if ev.Type == EventToolExecuted {
			executed = append(executed, ev)
		}
	}
	require.Len(t, executed, 2)
	assert.False(t, executed[0].Cached)
	assert.True(t, executed[1].Cached)
	assert.Equal(t, EventLoopComplete, got[len(got)-1].Type)
}

func TestOrchestrator_UnknownToolFailsLoop(t *testing.T) {
	ad := &scriptedStream{name: "p1", turns: [][]sse.Event{{
		{Type: sse.EventToolCall, ToolCall: &sse.ToolCallFragment{Index: 0, ID: "c", Name: "rm_rf", Arguments: `{}`}},
		{Type: sse.EventDone, FinishReason: "tool_calls"},
	}}}
	f := newFixture(t, ad)

	events, err := f.orch.Run(context.Background(), baseRequest())
	require.NoError(t, err)
	got := collect(t, events)

	last := got[len(got)-1]
	require.Equal(t, EventLoopError, last.Type)
	assert.Equal(t, "ORCH_UNKNOWN_TOOL", last.Code)
	assert.True(t, last.Usage.WasAborted)

	// The partial work was still committed.
	assert.Equal(t, billing.StateFinalizePending, f.bsm.Entries()[0].State)
}

func TestOrchestrator_StreamErrorCommitsPartial(t *testing.T) {
	ad := &scriptedStream{name: "p1", turns: [][]sse.Event{{
		{Type: sse.EventChunk, Delta: "partial output"},
		{Type: sse.EventError, Code: "rate_limited", Message: "slow down"},
	}}}
	f := newFixture(t, ad)

	events, err := f.orch.Run(context.Background(), baseRequest())
	require.NoError(t, err)
	got := collect(t, events)

	last := got[len(got)-1]
	require.Equal(t, EventLoopError, last.Type)
	assert.True(t, last.Usage.WasAborted)
	assert.Equal(t, metering.MethodByteEstimated, last.Usage.Method)
	assert.Greater(t, last.Usage.Cost.TotalCostMicro, uint64(0))

	bal := f.led.GetAccount("0xAcct").Balances
	assert.Equal(t, uint64(0), bal.Reserved, "hold settled even on error")
	assert.Equal(t, last.Usage.Cost.TotalCostMicro, bal.Consumed)
}

func TestOrchestrator_BudgetCircuitFailsFast(t *testing.T) {
	ad := &scriptedStream{name: "p1", turns: [][]sse.Event{{
		{Type: sse.EventDone, FinishReason: "stop"},
	}}}
	f := newFixture(t, ad)

	// Exhaust the account so reserves fail and trip the circuit.
	req := baseRequest()
	req.AccountID = "0xEmpty"
	for i := 0; i < 6; i++ {
		req.TraceID = fmt.Sprintf("trace-empty-%d", i)
		_, err := f.orch.Run(context.Background(), req)
		require.Error(t, err)
	}

	req.TraceID = "trace-empty-final"
	_, err := f.orch.Run(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, faults.KindCircuitOpen, faults.KindOf(err),
		"degraded ledger writer fails fast")
}

// commitFailLog refuses billing commit appends, leaving release as the
// only settlement path.
type commitFailLog struct {
	*wal.MemoryLog
}

func (l *commitFailLog) Append(ctx context.Context, stream, eventType string, payload interface{}, correlationID string) (*wal.Record, error) {
	if eventType == wal.EventBillingCommit {
		return nil, errors.New("log unavailable")
	}
	return l.MemoryLog.Append(ctx, stream, eventType, payload, correlationID)
}

func TestOrchestrator_FailedCommitReleasesReservation(t *testing.T) {
	ad := &scriptedStream{name: "p1", turns: [][]sse.Event{{
		{Type: sse.EventChunk, Delta: "Hello"},
		{Type: sse.EventDone, FinishReason: "stop"},
	}}}

	ctx := context.Background()
	clk := clock.NewTestClock(time.Unix(1700000000, 0))
	lg := &commitFailLog{MemoryLog: wal.NewMemoryLog(clk)}
	led := ledger.New(lg, clk)
	_, err := led.Allocate(ctx, "0xAcct", 100_000_000, ledger.TierOG,
		clk.Now().Add(365*24*time.Hour), "alloc", "corr-a")
	require.NoError(t, err)
	_, err = led.Unlock(ctx, "0xAcct", 100_000_000, "unlock", "corr-u")
	require.NoError(t, err)
	bsm := billing.NewStateMachine(lg, led, nil, clk)

	reg := adapter.NewRegistry(clk)
	reg.Register(ad)
	reg.DefinePool("pro", []string{ad.Name()})
	budget := breaker.New(breaker.Config{Name: "budget"}, clk)
	orch := New(Config{MaxIterations: 4, WallBudget: time.Minute, EventBuffer: 256},
		reg, pricingTable(), bsm, idempotency.NewManager(0, 0, clk), budget, clk, nil)

	events, err := orch.Run(ctx, baseRequest())
	require.NoError(t, err)
	collect(t, events)

	// The hold must not be stranded: a failed commit falls back to a
	// release, and the entry still reaches a terminal state.
	entry := bsm.Entries()[0]
	assert.True(t, entry.State.Terminal(), "entry state %s", entry.State)
	assert.Equal(t, billing.StateReleased, entry.State)

	bal := led.GetAccount("0xAcct").Balances
	assert.Equal(t, uint64(0), bal.Reserved)
	assert.Equal(t, uint64(0), bal.Consumed)
	assert.Equal(t, uint64(100_000_000), bal.Unlocked)
}

func TestOrchestrator_SettlementMetrics(t *testing.T) {
	ad := &scriptedStream{name: "p1", turns: [][]sse.Event{{
		{Type: sse.EventChunk, Delta: "Hello"},
		{Type: sse.EventUsage, Usage: &sse.Usage{PromptTokens: 1000, CompletionTokens: 2}},
		{Type: sse.EventDone, FinishReason: "stop"},
	}}}
	f := newFixture(t, ad)
	met := metrics.New(prometheus.NewRegistry())
	f.orch.met = met

	events, err := f.orch.Run(context.Background(), baseRequest())
	require.NoError(t, err)
	collect(t, events)

	assert.Equal(t, 1.0, testutil.ToFloat64(met.BillingReserves))
	assert.Equal(t, 1.0, testutil.ToFloat64(met.BillingCommits.WithLabelValues("committed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(met.StreamsStarted.WithLabelValues("provider_reported")))
	assert.Equal(t, 0.0, testutil.ToFloat64(met.StreamsAborted))
}

func TestOrchestrator_UnknownModelRefused(t *testing.T) {
	ad := &scriptedStream{name: "p1", turns: [][]sse.Event{{{Type: sse.EventDone}}}}
	f := newFixture(t, ad)

	req := baseRequest()
	req.Model = "unknown"
	_, err := f.orch.Run(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, faults.KindInputInvalid, faults.KindOf(err))
}
