package sse

import (
	"encoding/json"
	"log/slog"
)

// EventType classifies a typed stream event.
type EventType string

const (
	// EventChunk carries a content delta.
	EventChunk EventType = "chunk"
	// EventToolCall carries one tool-call fragment.
	EventToolCall EventType = "tool_call"
	// EventUsage carries the provider's token accounting.
	EventUsage EventType = "usage"
	// EventDone terminates the stream with a finish reason.
	EventDone EventType = "done"
	// EventError carries a provider-reported failure.
	EventError EventType = "error"
)

// Usage is the provider's token report.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	ReasoningTokens  int `json:"reasoning_tokens,omitempty"`
}

// ToolCallFragment is one incremental piece of a tool call. Providers
// stream the arguments string across many fragments; Index ties the
// pieces together.
type ToolCallFragment struct {
	Index     int    `json:"index"`
	ID        string `json:"id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

// Event is one typed occurrence on a model stream.
type Event struct {
	Type         EventType
	Delta        string
	ToolCall     *ToolCallFragment
	Usage        *Usage
	FinishReason string
	Code         string
	Message      string
}

// providerChunk is the provider's data payload shape.
type providerChunk struct {
	Choices []struct {
		Delta struct {
			Content   string `json:"content"`
			ToolCalls []struct {
				Index    int    `json:"index"`
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *Usage `json:"usage"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// doneSentinel terminates provider streams.
const doneSentinel = "[DONE]"

// Consumer lifts wire frames into typed events.
type Consumer struct {
	dec  *Decoder
	done bool
}

// NewConsumer returns a consumer over a fresh decoder.
func NewConsumer() *Consumer {
	return &Consumer{dec: NewDecoder()}
}

// Feed consumes a byte chunk and returns the typed events it completes.
func (c *Consumer) Feed(p []byte) []Event {
	return c.lift(c.dec.Feed(p))
}

// Close flushes the decoder at end-of-stream.
func (c *Consumer) Close() []Event {
	return c.lift(c.dec.Close())
}

// Done reports whether a done event has been emitted.
func (c *Consumer) Done() bool { return c.done }

func (c *Consumer) lift(frames []Frame) []Event {
	var events []Event
	for _, f := range frames {
		events = append(events, c.liftFrame(f)...)
	}
	return events
}

func (c *Consumer) liftFrame(f Frame) []Event {
	if f.Data == "" {
		return nil
	}
	if f.Data == doneSentinel {
		c.done = true
		return []Event{{Type: EventDone, FinishReason: "stop"}}
	}

	// Typed frames dispatch on the event field; the data payload only
	// carries the details. Untyped frames ("message") carry the full
	// provider chunk shape.
	switch EventType(f.Type) {
	case EventDone:
		var p struct {
			FinishReason string `json:"finish_reason"`
		}
		_ = json.Unmarshal([]byte(f.Data), &p)
		if p.FinishReason == "" {
			p.FinishReason = "stop"
		}
		c.done = true
		return []Event{{Type: EventDone, FinishReason: p.FinishReason}}
	case EventError:
		var p struct {
			Code    string `json:"code"`
			Message string `json:"message"`
			Error   *struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		_ = json.Unmarshal([]byte(f.Data), &p)
		if p.Error != nil {
			p.Code, p.Message = p.Error.Code, p.Error.Message
		}
		return []Event{{Type: EventError, Code: p.Code, Message: p.Message}}
	case EventUsage:
		var p struct {
			Usage
			Nested *Usage `json:"usage"`
		}
		if err := json.Unmarshal([]byte(f.Data), &p); err != nil {
			slog.Warn("sse: dropping undecodable usage frame", "err", err)
			return nil
		}
		u := p.Usage
		if p.Nested != nil {
			u = *p.Nested
		}
		return []Event{{Type: EventUsage, Usage: &u}}
	}

	var chunk providerChunk
	if err := json.Unmarshal([]byte(f.Data), &chunk); err != nil {
		slog.Warn("sse: dropping undecodable data frame", "err", err)
		return nil
	}

	var events []Event
	if chunk.Error != nil {
		events = append(events, Event{
			Type: EventError, Code: chunk.Error.Code, Message: chunk.Error.Message,
		})
		return events
	}
	for _, choice := range chunk.Choices {
		if choice.Delta.Content != "" {
			events = append(events, Event{Type: EventChunk, Delta: choice.Delta.Content})
		}
		for _, tc := range choice.Delta.ToolCalls {
			events = append(events, Event{Type: EventToolCall, ToolCall: &ToolCallFragment{
				Index:     tc.Index,
				ID:        tc.ID,
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			}})
		}
		if choice.FinishReason != nil && *choice.FinishReason != "" {
			c.done = true
			events = append(events, Event{Type: EventDone, FinishReason: *choice.FinishReason})
		}
	}
	if chunk.Usage != nil {
		events = append(events, Event{Type: EventUsage, Usage: chunk.Usage})
	}
	return events
}
