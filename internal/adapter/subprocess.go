package adapter

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/hounfour/finn/internal/faults"
	"github.com/hounfour/finn/internal/sse"
)

// Stdout protocols a child runtime can speak in stream mode.
const (
	// ProtocolJSONL: one JSON event object per line.
	ProtocolJSONL = "jsonl"
	// ProtocolSSE: a server-sent event stream, decoded frame by frame.
	ProtocolSSE = "sse"
)

// SubprocessConfig describes the child runtime.
type SubprocessConfig struct {
	Name    string
	Command string
	Args    []string
	Env     []string
	// Protocol selects the stream-mode stdout format; empty means
	// JSONL.
	Protocol string
	// Timeout bounds the whole completion; zero means the context
	// alone governs.
	Timeout time.Duration
	// Grace is the SIGTERM-to-SIGKILL window.
	Grace time.Duration
}

// SubprocessAdapter runs each completion as a child process in its own
// process group: request on stdin, events or a result on stdout.
type SubprocessAdapter struct {
	cfg    SubprocessConfig
	logger *log.Logger
}

// NewSubprocessAdapter builds the adapter.
func NewSubprocessAdapter(cfg SubprocessConfig) *SubprocessAdapter {
	if cfg.Grace <= 0 {
		cfg.Grace = 5 * time.Second
	}
	return &SubprocessAdapter{
		cfg:    cfg,
		logger: log.New(log.Writer(), "[ADAPTER] ", log.LstdFlags),
	}
}

func (a *SubprocessAdapter) Name() string { return a.cfg.Name }

// streamLine is the child's per-line event shape in stream mode.
type streamLine struct {
	Type         string                `json:"type"`
	Delta        string                `json:"delta,omitempty"`
	ToolCall     *sse.ToolCallFragment `json:"tool_call,omitempty"`
	Usage        *sse.Usage            `json:"usage,omitempty"`
	FinishReason string                `json:"finish_reason,omitempty"`
	Code         string                `json:"code,omitempty"`
	Message      string                `json:"message,omitempty"`
}

func (l streamLine) event() (sse.Event, bool) {
	switch sse.EventType(l.Type) {
	case sse.EventChunk:
		return sse.Event{Type: sse.EventChunk, Delta: l.Delta}, true
	case sse.EventToolCall:
		return sse.Event{Type: sse.EventToolCall, ToolCall: l.ToolCall}, true
	case sse.EventUsage:
		return sse.Event{Type: sse.EventUsage, Usage: l.Usage}, true
	case sse.EventDone:
		return sse.Event{Type: sse.EventDone, FinishReason: l.FinishReason}, true
	case sse.EventError:
		return sse.Event{Type: sse.EventError, Code: l.Code, Message: l.Message}, true
	}
	return sse.Event{}, false
}

// child wraps one running process group.
type child struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	stderr bytes.Buffer
	grace  time.Duration
	logger *log.Logger

	mu        sync.Mutex
	exited    bool
	killTimer *time.Timer
}

func (a *SubprocessAdapter) spawn(ctx context.Context, req Request, stream bool) (*child, error) {
	payload, err := json.Marshal(struct {
		Request
		Stream bool `json:"stream"`
	}{req, stream})
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(a.cfg.Command, a.cfg.Args...)
	cmd.Env = a.cfg.Env
	// Own process group so the escalated kill reaches grandchildren.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	cmd.Stdin = bytes.NewReader(payload)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	c := &child{cmd: cmd, stdout: stdout, grace: a.cfg.Grace, logger: a.logger}
	cmd.Stderr = &c.stderr

	if err := cmd.Start(); err != nil {
		return nil, faults.Wrap(faults.KindPrecondition, "ADAPTER_SPAWN_FAILED", err)
	}

	// Abort propagation: context cancellation escalates to a kill.
	go func() {
		<-ctx.Done()
		if ctx.Err() != nil {
			c.kill()
		}
	}()
	return c, nil
}

// kill escalates: SIGTERM to the group, grace, SIGKILL, then verify.
// A reaped child is never signalled; its pgid may belong to someone
// else by now.
func (c *child) kill() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.exited || c.killTimer != nil {
		return
	}
	pgid := -c.cmd.Process.Pid
	_ = syscall.Kill(pgid, syscall.SIGTERM)
	c.killTimer = time.AfterFunc(c.grace, func() {
		_ = syscall.Kill(pgid, syscall.SIGKILL)
		// The group should be empty now; a survivor means a
		// grandchild escaped the first SIGKILL.
		if err := syscall.Kill(pgid, 0); err == nil {
			c.logger.Printf("⚠️ Process group %d survived SIGKILL; re-killing", -pgid)
			_ = syscall.Kill(pgid, syscall.SIGKILL)
		}
	})
}

// stderrTail returns the last line of captured stderr for diagnostics.
func (c *child) stderrTail() string {
	s := strings.TrimSpace(c.stderr.String())
	if idx := strings.LastIndexByte(s, '\n'); idx >= 0 {
		s = s[idx+1:]
	}
	if len(s) > 300 {
		s = s[:300]
	}
	return s
}

// wait reaps the child and classifies its exit.
func (c *child) wait() error {
	err := c.cmd.Wait()
	c.mu.Lock()
	c.exited = true
	if c.killTimer != nil && c.killTimer.Stop() {
		// The escalation was pending; sweep any grandchildren still in
		// the group now instead of signalling a possibly recycled pgid
		// after the grace window.
		pgid := -c.cmd.Process.Pid
		if kerr := syscall.Kill(pgid, 0); kerr == nil {
			_ = syscall.Kill(pgid, syscall.SIGKILL)
		}
	}
	c.mu.Unlock()
	if err == nil {
		return nil
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return classifyExit(exitErr.ExitCode(), c.stderrTail())
	}
	return faults.Wrap(faults.KindPrecondition, "ADAPTER_WAIT_FAILED", err)
}

// Complete runs the child in batch mode: stdout is either one JSON
// object or concatenated JSONL whose chunks accumulate into content.
func (a *SubprocessAdapter) Complete(ctx context.Context, req Request) (*Response, error) {
	if a.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.cfg.Timeout)
		defer cancel()
	}
	c, err := a.spawn(ctx, req, false)
	if err != nil {
		return nil, err
	}

	out, readErr := io.ReadAll(c.stdout)
	waitErr := c.wait()
	if waitErr != nil {
		return nil, waitErr
	}
	if readErr != nil {
		return nil, faults.Wrap(faults.KindTransient, "ADAPTER_READ_FAILED", readErr)
	}
	return parseBatchOutput(out)
}

// parseBatchOutput accepts a single result object or a JSONL event
// stream.
func parseBatchOutput(out []byte) (*Response, error) {
	trimmed := bytes.TrimSpace(out)
	if len(trimmed) == 0 {
		return nil, faults.New(faults.KindPrecondition, "ADAPTER_EMPTY_OUTPUT",
			"runtime produced no output")
	}

	var resp Response
	if err := json.Unmarshal(trimmed, &resp); err == nil && (resp.Content != "" || resp.Usage != nil || resp.FinishReason != "") {
		return &resp, nil
	}

	// JSONL: accumulate chunk deltas into content.
	var acc Response
	var sb strings.Builder
	sc := bufio.NewScanner(bytes.NewReader(trimmed))
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var l streamLine
		if err := json.Unmarshal(line, &l); err != nil {
			continue
		}
		switch sse.EventType(l.Type) {
		case sse.EventChunk:
			sb.WriteString(l.Delta)
		case sse.EventUsage:
			acc.Usage = l.Usage
		case sse.EventDone:
			acc.FinishReason = l.FinishReason
		case sse.EventError:
			return nil, faults.Newf(faults.KindTransient, "ADAPTER_STREAM_ERROR",
				"%s: %s", l.Code, l.Message)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, faults.Wrap(faults.KindTransient, "ADAPTER_READ_FAILED", err)
	}
	acc.Content = sb.String()
	if acc.Content == "" && acc.Usage == nil && acc.FinishReason == "" {
		return nil, faults.New(faults.KindPrecondition, "ADAPTER_EMPTY_OUTPUT",
			"runtime output held no recognizable result")
	}
	return &acc, nil
}

// Stream runs the child in stream mode. JSONL children emit one JSON
// event per stdout line; SSE children emit a server-sent event stream
// lifted through the typed consumer. Malformed input is dropped with a
// warning. The channel closes when the child exits.
func (a *SubprocessAdapter) Stream(ctx context.Context, req Request) (<-chan sse.Event, error) {
	cancel := context.CancelFunc(func() {})
	if a.cfg.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, a.cfg.Timeout)
	}
	c, err := a.spawn(ctx, req, true)
	if err != nil {
		cancel()
		return nil, err
	}

	events := make(chan sse.Event, 16)
	go func() {
		defer close(events)
		defer cancel()
		if a.cfg.Protocol == ProtocolSSE {
			a.pumpSSE(ctx, c, events)
		} else {
			a.pumpJSONL(ctx, c, events)
		}
	}()
	return events, nil
}

// deliver forwards lifted events, killing the child on abort. Returns
// false once the stream is dead.
func (a *SubprocessAdapter) deliver(ctx context.Context, c *child, out chan<- sse.Event, evs []sse.Event) bool {
	for _, ev := range evs {
		select {
		case out <- ev:
		case <-ctx.Done():
			c.kill()
			_ = c.wait()
			return false
		}
	}
	return true
}

// emitExitError surfaces a non-zero exit as a terminal error event.
func (a *SubprocessAdapter) emitExitError(ctx context.Context, c *child, out chan<- sse.Event) {
	if err := c.wait(); err != nil {
		select {
		case out <- sse.Event{Type: sse.EventError,
			Code: faults.CodeOf(err), Message: err.Error()}:
		case <-ctx.Done():
		}
	}
}

func (a *SubprocessAdapter) pumpJSONL(ctx context.Context, c *child, out chan<- sse.Event) {
	sc := bufio.NewScanner(c.stdout)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var l streamLine
		if err := json.Unmarshal([]byte(line), &l); err != nil {
			a.logger.Printf("⚠️ Dropping malformed event line from %s: %v", a.cfg.Name, err)
			continue
		}
		ev, ok := l.event()
		if !ok {
			a.logger.Printf("⚠️ Dropping unknown event type %q from %s", l.Type, a.cfg.Name)
			continue
		}
		if !a.deliver(ctx, c, out, []sse.Event{ev}) {
			return
		}
	}
	a.emitExitError(ctx, c, out)
}

func (a *SubprocessAdapter) pumpSSE(ctx context.Context, c *child, out chan<- sse.Event) {
	consumer := sse.NewConsumer()
	buf := make([]byte, 32*1024)
	for {
		n, err := c.stdout.Read(buf)
		if n > 0 {
			if !a.deliver(ctx, c, out, consumer.Feed(buf[:n])) {
				return
			}
		}
		if err != nil {
			break
		}
	}
	if !a.deliver(ctx, c, out, consumer.Close()) {
		return
	}
	a.emitExitError(ctx, c, out)
}

var (
	_ ModelAdapter     = (*SubprocessAdapter)(nil)
	_ StreamingAdapter = (*SubprocessAdapter)(nil)
	_ fmt.Stringer     = SubprocessConfig{}
)

// String identifies the runtime in logs.
func (c SubprocessConfig) String() string {
	return fmt.Sprintf("%s(%s)", c.Name, c.Command)
}
