// Package orchestrator drives one completion request end to end:
// reserve credits, stream the model, execute tools, track cost, and
// commit what was actually observed — on success, error, and abort
// alike.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/lightningnetwork/lnd/clock"

	"github.com/hounfour/finn/internal/adapter"
	"github.com/hounfour/finn/internal/billing"
	"github.com/hounfour/finn/internal/breaker"
	"github.com/hounfour/finn/internal/faults"
	"github.com/hounfour/finn/internal/idempotency"
	"github.com/hounfour/finn/internal/metering"
	"github.com/hounfour/finn/internal/metrics"
	"github.com/hounfour/finn/internal/sse"
)

// Tool executes one named capability for the model.
type Tool interface {
	Name() string
	Invoke(ctx context.Context, args map[string]interface{}) (interface{}, error)
}

// Request is one tenant completion.
type Request struct {
	TraceID   string
	AccountID string
	Tier      string
	Pool      string
	Provider  string
	Model     string
	Archetype string

	Prompt       string
	Messages     []adapter.Message
	PromptTokens uint64
	MaxTokens    int

	RateSnapshot string
}

// Config tunes the loop.
type Config struct {
	// MaxIterations bounds tool-call round trips.
	MaxIterations int
	// WallBudget bounds the whole request; the adapter ceiling is
	// typically twice the per-call share.
	WallBudget time.Duration
	// EventBuffer is the per-request channel capacity.
	EventBuffer int
	// OvercountPercent passes through to the cost tracker.
	OvercountPercent int
	// SystemTemplate renders the system prompt; {{archetype}} and
	// {{model}} substitute.
	SystemTemplate string
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		MaxIterations:  8,
		WallBudget:     10 * time.Minute,
		EventBuffer:    64,
		SystemTemplate: "You are {{archetype}}.",
	}
}

// Orchestrator executes request loops against shared collaborators.
type Orchestrator struct {
	cfg      Config
	registry *adapter.Registry
	pricing  *metering.Table
	billing  *billing.StateMachine
	idem     *idempotency.Manager
	budget   *breaker.Breaker
	tools    map[string]Tool
	clk      clock.Clock
	met      *metrics.Metrics
	logger   *log.Logger
}

// New wires the orchestrator. met may be nil.
func New(cfg Config, registry *adapter.Registry, pricing *metering.Table, bsm *billing.StateMachine, idem *idempotency.Manager, budget *breaker.Breaker, clk clock.Clock, met *metrics.Metrics) *Orchestrator {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultConfig().MaxIterations
	}
	if cfg.WallBudget <= 0 {
		cfg.WallBudget = DefaultConfig().WallBudget
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = DefaultConfig().EventBuffer
	}
	if cfg.SystemTemplate == "" {
		cfg.SystemTemplate = DefaultConfig().SystemTemplate
	}
	if clk == nil {
		clk = clock.NewDefaultClock()
	}
	return &Orchestrator{
		cfg:      cfg,
		registry: registry,
		pricing:  pricing,
		billing:  bsm,
		idem:     idem,
		budget:   budget,
		tools:    make(map[string]Tool),
		clk:      clk,
		met:      met,
		logger:   log.New(log.Writer(), "[ORCH] ", log.LstdFlags),
	}
}

// RegisterTool makes a tool dispatchable.
func (o *Orchestrator) RegisterTool(t Tool) {
	o.tools[t.Name()] = t
}

// systemPrompt renders the template for one request.
func (o *Orchestrator) systemPrompt(req Request) string {
	s := strings.ReplaceAll(o.cfg.SystemTemplate, "{{archetype}}", req.Archetype)
	return strings.ReplaceAll(s, "{{model}}", req.Model)
}

// Run validates, reserves, and starts the loop. Validation, the budget
// circuit, and the reserve happen synchronously so the caller gets a
// typed refusal before any stream exists; everything after arrives on
// the returned channel, which closes when the loop ends.
func (o *Orchestrator) Run(ctx context.Context, req Request) (<-chan Event, error) {
	if req.TraceID == "" || req.AccountID == "" {
		return nil, faults.New(faults.KindInputInvalid, "ORCH_BAD_REQUEST",
			"trace_id and account are required")
	}
	if req.Pool == "" {
		req.Pool = req.Tier
	}

	entry, pricingEntry, err := o.reserve(ctx, req)
	if err != nil {
		return nil, err
	}

	events := make(chan Event, o.cfg.EventBuffer)
	go o.loop(ctx, req, entry, pricingEntry, events)
	return events, nil
}

// reserve prices the worst case and holds it, under the budget
// circuit.
func (o *Orchestrator) reserve(ctx context.Context, req Request) (*billing.Entry, *metering.PricingEntry, error) {
	pricingEntry, err := o.pricing.Find(req.Provider, req.Model)
	if err != nil {
		return nil, nil, err
	}

	maxCompletion := uint64(req.MaxTokens)
	if maxCompletion == 0 {
		maxCompletion = 4096
	}
	estimate := pricingEntry.Cost(req.PromptTokens, maxCompletion, 0).TotalCostMicro

	var entry *billing.Entry
	err = o.budget.Do(func() error {
		var rerr error
		entry, rerr = o.billing.Reserve(ctx, req.AccountID, estimate, req.TraceID, req.RateSnapshot)
		return rerr
	})
	if err != nil {
		return nil, nil, err
	}
	if o.met != nil {
		o.met.BillingReserves.Inc()
	}
	return entry, pricingEntry, nil
}

// loop runs the iteration cycle and always commits exactly once.
func (o *Orchestrator) loop(ctx context.Context, req Request, entry *billing.Entry, pricingEntry *metering.PricingEntry, events chan<- Event) {
	defer close(events)
	defer o.idem.Destroy(req.TraceID)

	ctx, cancel := context.WithTimeout(ctx, o.cfg.WallBudget)
	defer cancel()

	emit := func(ev Event) bool {
		ev.TraceID = req.TraceID
		select {
		case events <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	tracker := metering.NewTracker(pricingEntry, req.PromptTokens, o.cfg.OvercountPercent)
	emit(Event{Type: EventBudgetCheck})
	emit(Event{Type: EventStreamStart})

	messages := append([]adapter.Message(nil), req.Messages...)
	if req.Prompt != "" {
		messages = append(messages, adapter.Message{Role: "user", Content: req.Prompt})
	}

	var loopErr error
	for iter := 1; iter <= o.cfg.MaxIterations; iter++ {
		emit(Event{Type: EventIterationStart, Iteration: iter})

		calls, done, err := o.iterate(ctx, req, messages, tracker, iter, emit)
		if err != nil {
			loopErr = err
			tracker.Abort()
			break
		}
		emit(Event{Type: EventIterationComplete, Iteration: iter})
		if done || len(calls) == 0 {
			break
		}

		fed, err := o.dispatchTools(ctx, req, calls, iter, emit)
		if err != nil {
			loopErr = err
			tracker.Abort()
			break
		}
		messages = append(messages, fed...)
	}

	o.settle(req, entry, tracker, loopErr, emit)
}

// toolCall is one assembled call from streamed fragments.
type toolCall struct {
	id   string
	name string
	args string
}

// iterate streams one model turn. Returns assembled tool calls and
// whether the model finished without requesting any.
func (o *Orchestrator) iterate(ctx context.Context, req Request, messages []adapter.Message, tracker *metering.Tracker, iter int, emit func(Event) bool) ([]toolCall, bool, error) {
	sel, err := o.registry.Select(req.Pool)
	if err != nil {
		return nil, false, err
	}

	areq := adapter.Request{
		Provider:     req.Provider,
		Model:        req.Model,
		System:       o.systemPrompt(req),
		Messages:     messages,
		MaxTokens:    req.MaxTokens,
		PromptTokens: req.PromptTokens,
		TraceID:      req.TraceID,
	}

	streamer, ok := sel.Adapter.(adapter.StreamingAdapter)
	if !ok {
		return o.iterateBatch(ctx, sel, areq, tracker, emit)
	}

	stream, err := streamer.Stream(ctx, areq)
	if err != nil {
		sel.Done(false)
		return nil, false, err
	}

	fragments := make(map[int]*toolCall)
	finished := false
	var streamErr error
	for ev := range stream {
		tracker.Observe(ev)
		switch ev.Type {
		case sse.EventChunk:
			if o.met != nil {
				o.met.StreamTokensOut.Add(float64(len(ev.Delta)))
			}
			if !emit(Event{Type: EventToken, Iteration: iter, Delta: ev.Delta}) {
				streamErr = ctx.Err()
			}
		case sse.EventToolCall:
			f := ev.ToolCall
			tc, ok := fragments[f.Index]
			if !ok {
				tc = &toolCall{}
				fragments[f.Index] = tc
			}
			if f.ID != "" {
				tc.id = f.ID
			}
			if f.Name != "" {
				tc.name = f.Name
			}
			tc.args += f.Arguments
		case sse.EventDone:
			finished = ev.FinishReason != "tool_calls"
		case sse.EventError:
			streamErr = faults.Newf(faults.KindTransient, "ORCH_STREAM_ERROR",
				"%s: %s", ev.Code, ev.Message)
		}
		if streamErr != nil {
			break
		}
	}
	sel.Done(streamErr == nil)
	if streamErr != nil {
		return nil, false, streamErr
	}
	if err := ctx.Err(); err != nil {
		return nil, false, faults.Wrap(faults.KindTransient, "ORCH_ABORTED", err)
	}

	indices := make([]int, 0, len(fragments))
	for i := range fragments {
		indices = append(indices, i)
	}
	sort.Ints(indices)
	calls := make([]toolCall, 0, len(indices))
	for _, i := range indices {
		calls = append(calls, *fragments[i])
	}
	return calls, finished, nil
}

// iterateBatch serves adapters without the stream capability.
func (o *Orchestrator) iterateBatch(ctx context.Context, sel *adapter.Selection, areq adapter.Request, tracker *metering.Tracker, emit func(Event) bool) ([]toolCall, bool, error) {
	resp, err := sel.Adapter.Complete(ctx, areq)
	sel.Done(err == nil)
	if err != nil {
		return nil, false, err
	}
	if resp.Content != "" {
		tracker.Observe(sse.Event{Type: sse.EventChunk, Delta: resp.Content})
		emit(Event{Type: EventToken, Delta: resp.Content})
	}
	if resp.Usage != nil {
		tracker.Observe(sse.Event{Type: sse.EventUsage, Usage: resp.Usage})
	}
	tracker.Observe(sse.Event{Type: sse.EventDone, FinishReason: resp.FinishReason})
	return nil, true, nil
}

// dispatchTools executes assembled calls through the per-trace
// idempotency cache and returns the synthetic messages to feed back.
func (o *Orchestrator) dispatchTools(ctx context.Context, req Request, calls []toolCall, iter int, emit func(Event) bool) ([]adapter.Message, error) {
	cache := o.idem.ForTrace(req.TraceID)
	var fed []adapter.Message

	for _, call := range calls {
		emit(Event{Type: EventToolRequested, Iteration: iter, Tool: call.name, ToolID: call.id})

		tool, ok := o.tools[call.name]
		if !ok {
			return nil, faults.Newf(faults.KindInputInvalid, "ORCH_UNKNOWN_TOOL",
				"model requested unknown tool %q", call.name)
		}

		var args map[string]interface{}
		if call.args != "" {
			if err := json.Unmarshal([]byte(call.args), &args); err != nil {
				return nil, faults.Newf(faults.KindInputInvalid, "ORCH_BAD_TOOL_ARGS",
					"tool %s arguments are not valid JSON: %v", call.name, err)
			}
		}

		key, err := idempotency.Key(req.TraceID, call.name, args)
		if err != nil {
			return nil, err
		}

		var result interface{}
		cached := false
		if v, ok := cache.Get(key); ok {
			result, cached = v, true
		} else {
			emit(Event{Type: EventToolExecuting, Iteration: iter, Tool: call.name, ToolID: call.id})
			result, err = tool.Invoke(ctx, args)
			if err != nil {
				return nil, faults.Wrap(faults.KindTransient, "ORCH_TOOL_FAILED", err)
			}
			cache.Set(key, result)
		}
		emit(Event{Type: EventToolExecuted, Iteration: iter, Tool: call.name, ToolID: call.id, Cached: cached, Result: result})

		raw, err := json.Marshal(result)
		if err != nil {
			return nil, err
		}
		fed = append(fed, adapter.Message{
			Role:    "tool",
			Content: fmt.Sprintf("[%s:%s] %s", call.name, call.id, raw),
		})
		emit(Event{Type: EventToolResultFed, Iteration: iter, Tool: call.name, ToolID: call.id})
	}
	return fed, nil
}

// settle commits observed cost exactly once, success or not, and emits
// the terminal event.
func (o *Orchestrator) settle(req Request, entry *billing.Entry, tracker *metering.Tracker, loopErr error, emit func(Event) bool) {
	result := tracker.Result()

	// Commit regardless of the request context; billing must not die
	// with an aborted client.
	cctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	commitErr := o.budget.Do(func() error {
		_, cerr := o.billing.Commit(cctx, entry.ID, result.Cost.TotalCostMicro)
		return cerr
	})
	outcome := "committed"
	if commitErr != nil {
		o.logger.Printf("❌ Commit failed for entry %s (trace %s): %v", entry.ID, req.TraceID, commitErr)
		// The reservation must still reach a terminal state; a hold
		// that never settles strands the tenant's credits.
		if _, relErr := o.billing.Release(cctx, entry.ID, "commit_failed"); relErr != nil {
			outcome = "orphaned"
			o.logger.Printf("🚨 Release after failed commit also failed for entry %s: %v", entry.ID, relErr)
		} else {
			outcome = "released"
			o.logger.Printf("↩️ Reservation released for entry %s after failed commit", entry.ID)
		}
	}
	if o.met != nil {
		o.met.BillingCommits.WithLabelValues(outcome).Inc()
		o.met.BillingCostMicro.Observe(float64(result.Cost.TotalCostMicro))
		o.met.StreamsStarted.WithLabelValues(string(result.Method)).Inc()
		if result.WasAborted {
			o.met.StreamsAborted.Inc()
		}
	}

	if loopErr != nil {
		o.logger.Printf("⚠️ Loop for trace %s ended in error: %v", req.TraceID, loopErr)
		emit(Event{Type: EventLoopError, Usage: &result,
			Code: faults.CodeOf(loopErr), Error: loopErr.Error()})
		return
	}
	emit(Event{Type: EventLoopComplete, Usage: &result})
}
