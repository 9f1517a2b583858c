// Package adapter executes one model completion against a provider
// runtime. The base contract is a blocking completion; adapters that
// can stream additionally implement StreamingAdapter, and dispatch
// picks the richer interface when present.
package adapter

import (
	"context"

	"github.com/hounfour/finn/internal/faults"
	"github.com/hounfour/finn/internal/sse"
)

// Message is one turn of conversation input.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is one completion to execute.
type Request struct {
	Provider     string    `json:"provider"`
	Model        string    `json:"model"`
	System       string    `json:"system,omitempty"`
	Messages     []Message `json:"messages"`
	MaxTokens    int       `json:"max_tokens,omitempty"`
	Temperature  float64   `json:"temperature,omitempty"`
	PromptTokens uint64    `json:"prompt_tokens"`
	TraceID      string    `json:"trace_id"`
}

// Response is a completed (non-streamed) result.
type Response struct {
	Content      string     `json:"content"`
	FinishReason string     `json:"finish_reason"`
	Usage        *sse.Usage `json:"usage,omitempty"`
}

// ModelAdapter executes one completion.
type ModelAdapter interface {
	Name() string
	Complete(ctx context.Context, req Request) (*Response, error)
}

// StreamingAdapter is the optional stream capability. Events arrive on
// the returned channel; it closes when the stream ends for any reason.
type StreamingAdapter interface {
	ModelAdapter
	Stream(ctx context.Context, req Request) (<-chan sse.Event, error)
}

// Exit codes of the subprocess runtime.
const (
	ExitSuccess       = 0
	ExitProviderError = 1
	ExitNetworkError  = 2
	ExitAuthFailed    = 3
	ExitBadRequest    = 4
	ExitInternal      = 5
)

// classifyExit maps a subprocess exit code onto the fault taxonomy.
func classifyExit(code int, stderrTail string) error {
	switch code {
	case ExitSuccess:
		return nil
	case ExitProviderError:
		return faults.Newf(faults.KindTransient, "ADAPTER_PROVIDER_ERROR",
			"provider returned an error: %s", stderrTail)
	case ExitNetworkError:
		return faults.Newf(faults.KindTransient, "ADAPTER_NETWORK_ERROR",
			"network or timeout failure: %s", stderrTail)
	case ExitAuthFailed:
		return faults.New(faults.KindAuthFailed, "AUTH_FAILED", faults.OpaqueAuthMessage)
	case ExitBadRequest:
		return faults.Newf(faults.KindInputInvalid, "ADAPTER_BAD_REQUEST",
			"runtime rejected the request: %s", stderrTail)
	default:
		return faults.Newf(faults.KindPrecondition, "ADAPTER_INTERNAL",
			"runtime internal failure (exit %d): %s", code, stderrTail)
	}
}
