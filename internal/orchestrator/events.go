package orchestrator

import "github.com/hounfour/finn/internal/metering"

// EventType names the observable moments of one request loop.
type EventType string

const (
	EventToken             EventType = "token"
	EventToolRequested     EventType = "tool_requested"
	EventToolExecuting     EventType = "tool_executing"
	EventToolExecuted      EventType = "tool_executed"
	EventToolResultFed     EventType = "tool_result_fed"
	EventBudgetCheck       EventType = "budget_check"
	EventStreamStart       EventType = "stream_start"
	EventIterationStart    EventType = "iteration_start"
	EventIterationComplete EventType = "iteration_complete"
	EventLoopComplete      EventType = "loop_complete"
	EventLoopError         EventType = "loop_error"
)

// Event is one frame on the per-request channel. The bridge forwards
// these verbatim; a full channel blocks the producer rather than
// buffering without bound.
type Event struct {
	Type      EventType `json:"type"`
	TraceID   string    `json:"trace_id"`
	Iteration int       `json:"iteration,omitempty"`

	// token
	Delta string `json:"delta,omitempty"`

	// tool_*
	Tool     string      `json:"tool,omitempty"`
	ToolID   string      `json:"tool_id,omitempty"`
	Cached   bool        `json:"cached,omitempty"`
	Result   interface{} `json:"result,omitempty"`

	// loop_complete / loop_error
	Usage *metering.Result `json:"usage,omitempty"`
	Code  string           `json:"code,omitempty"`
	Error string           `json:"error,omitempty"`
}
