package metering

import (
	"sync"

	"github.com/hounfour/finn/internal/sse"
)

// BillingMethod states how completion tokens were determined.
type BillingMethod string

const (
	// MethodProviderReported: a usage event arrived; its numbers win.
	MethodProviderReported BillingMethod = "provider_reported"
	// MethodByteEstimated: chunks were observed but no usage event;
	// tokens are estimated from byte length.
	MethodByteEstimated BillingMethod = "byte_estimated"
	// MethodPromptOnly: no output was observed at all.
	MethodPromptOnly BillingMethod = "prompt_only"
)

// DefaultOvercountPercent inflates byte-estimated completion tokens in
// the overcount view, covering estimation error for ensemble losers.
const DefaultOvercountPercent = 10

// Result is one cost view of the stream at a point in time.
type Result struct {
	Method           BillingMethod `json:"billing_method"`
	PromptTokens     uint64        `json:"prompt_tokens"`
	CompletionTokens uint64        `json:"completion_tokens"`
	ReasoningTokens  uint64        `json:"reasoning_tokens"`
	Cost             CostBreakdown `json:"cost"`
	WasAborted       bool          `json:"was_aborted"`
	FinishReason     string        `json:"finish_reason,omitempty"`
}

// Tracker observes a model stream and prices it. Both result views are
// readable at any moment, including mid-stream.
type Tracker struct {
	entry            *PricingEntry
	promptTokens     uint64
	overcountPercent int

	mu           sync.Mutex
	bytesOut     uint64
	chunks       int
	usage        *sse.Usage
	sawDone      bool
	sawError     bool
	aborted      bool
	finishReason string
}

// NewTracker prices one stream. Prompt tokens always come from the
// caller; providers under-report them for cached prompts.
func NewTracker(entry *PricingEntry, promptTokens uint64, overcountPercent int) *Tracker {
	if overcountPercent <= 0 {
		overcountPercent = DefaultOvercountPercent
	}
	return &Tracker{
		entry:            entry,
		promptTokens:     promptTokens,
		overcountPercent: overcountPercent,
	}
}

// Observe folds one stream event into the tracker.
func (t *Tracker) Observe(ev sse.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch ev.Type {
	case sse.EventChunk:
		t.bytesOut += uint64(len(ev.Delta))
		t.chunks++
	case sse.EventToolCall:
		if ev.ToolCall != nil {
			t.bytesOut += uint64(len(ev.ToolCall.Name) + len(ev.ToolCall.Arguments))
			t.chunks++
		}
	case sse.EventUsage:
		u := *ev.Usage
		t.usage = &u
	case sse.EventDone:
		t.sawDone = true
		t.finishReason = ev.FinishReason
	case sse.EventError:
		t.sawError = true
	}
}

// Abort marks an external cancellation.
func (t *Tracker) Abort() {
	t.mu.Lock()
	t.aborted = true
	t.mu.Unlock()
}

// Result is the primary billing view.
func (t *Tracker) Result() Result {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.result(false)
}

// OvercountResult inflates byte-estimated completion tokens by the
// configured percentage (ceiling). Ensemble losers bill this view.
func (t *Tracker) OvercountResult() Result {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.result(true)
}

func (t *Tracker) result(overcount bool) Result {
	r := Result{
		PromptTokens: t.promptTokens,
		WasAborted:   t.sawError || t.aborted || !t.sawDone,
		FinishReason: t.finishReason,
	}

	switch {
	case t.usage != nil:
		r.Method = MethodProviderReported
		r.CompletionTokens = uint64(t.usage.CompletionTokens)
		r.ReasoningTokens = uint64(t.usage.ReasoningTokens)
	case t.chunks > 0:
		r.Method = MethodByteEstimated
		r.CompletionTokens = t.estimateTokens()
		if overcount {
			pct := uint64(t.overcountPercent)
			extra := r.CompletionTokens * pct
			r.CompletionTokens += (extra + 99) / 100 // ceil
		}
	default:
		r.Method = MethodPromptOnly
	}

	r.Cost = t.entry.Cost(r.PromptTokens, r.CompletionTokens, r.ReasoningTokens)
	return r
}

// estimateTokens is ceil(bytes / bytes_per_token), never zero once any
// output was seen.
func (t *Tracker) estimateTokens() uint64 {
	bpt := uint64(t.entry.bytesPerToken())
	tokens := (t.bytesOut + bpt - 1) / bpt
	if tokens == 0 {
		tokens = 1
	}
	return tokens
}
