// Package bridge carries one request's event stream over a WebSocket.
// The remote closing its side aborts that request and nothing else; a
// full outbound channel blocks the producer instead of buffering
// without bound.
package bridge

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hounfour/finn/internal/metrics"
	"github.com/hounfour/finn/internal/orchestrator"
)

// Config tunes one bridge.
type Config struct {
	// WriteTimeout bounds each frame write.
	WriteTimeout time.Duration
	// PingInterval keeps idle connections alive.
	PingInterval time.Duration
	// PongWait is how long a silent peer stays connected.
	PongWait time.Duration
	// WarnDepth is the outbound backlog, in frames, that triggers the
	// one-shot backpressure warning.
	WarnDepth int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		WriteTimeout: 10 * time.Second,
		PingInterval: 30 * time.Second,
		PongWait:     75 * time.Second,
		WarnDepth:    48,
	}
}

// Upgrader is the shared handshake configuration. Origin checks happen
// in middleware before the upgrade.
var Upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// warningFrame is the out-of-band slow-consumer notice. It is sent at
// most once per connection.
type warningFrame struct {
	Type    string `json:"type"`
	TraceID string `json:"trace_id"`
	Message string `json:"message"`
}

// Bridge pumps one orchestrator event stream to one connection.
type Bridge struct {
	cfg     Config
	conn    *websocket.Conn
	traceID string
	met     *metrics.Metrics
	logger  *log.Logger
	warned  bool
}

// New wraps an upgraded connection. met may be nil.
func New(cfg Config, conn *websocket.Conn, traceID string, met *metrics.Metrics) *Bridge {
	def := DefaultConfig()
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = def.PongWait
	}
	if cfg.WarnDepth <= 0 {
		cfg.WarnDepth = def.WarnDepth
	}
	return &Bridge{
		cfg:     cfg,
		conn:    conn,
		traceID: traceID,
		met:     met,
		logger:  log.New(log.Writer(), "[BRIDGE] ", log.LstdFlags),
	}
}

// Run forwards events until the channel closes or the peer goes away.
// abort cancels the request context; it fires when the remote closes,
// the read side errors, or a write fails. Run returns after sending the
// close frame or after the connection dies.
func (b *Bridge) Run(ctx context.Context, events <-chan orchestrator.Event, abort context.CancelFunc) error {
	defer b.conn.Close()

	readDone := make(chan struct{})
	go b.readPump(readDone, abort)

	ping := time.NewTicker(b.cfg.PingInterval)
	defer ping.Stop()

	ctxDone := ctx.Done()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				// Producer finished; say goodbye properly.
				deadline := time.Now().Add(b.cfg.WriteTimeout)
				_ = b.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
				return nil
			}
			if err := b.write(ev); err != nil {
				abort()
				b.logger.Printf("⚠️ Write failed for trace %s, aborting request: %v", b.traceID, err)
				return err
			}
			b.checkBackpressure(len(events))

		case <-readDone:
			// Peer closed or the socket died under us.
			b.logger.Printf("📡 Remote closed trace %s, aborting request", b.traceID)
			return nil

		case <-ping.C:
			deadline := time.Now().Add(b.cfg.WriteTimeout)
			if err := b.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				abort()
				return err
			}

		case <-ctxDone:
			// Producer-side abort; keep draining until the events
			// channel closes and the close frame goes out.
			ctxDone = nil
		}
	}
}

// write sends one event frame under the write deadline.
func (b *Bridge) write(ev orchestrator.Event) error {
	if err := b.conn.SetWriteDeadline(time.Now().Add(b.cfg.WriteTimeout)); err != nil {
		return err
	}
	return b.conn.WriteJSON(ev)
}

// checkBackpressure warns once when the outbound backlog crosses the
// threshold. The producer is already blocked by the bounded channel;
// this is the operator signal, not the flow control.
func (b *Bridge) checkBackpressure(depth int) {
	if b.warned || depth < b.cfg.WarnDepth {
		return
	}
	b.warned = true
	b.logger.Printf("⚠️ Slow consumer on trace %s: %d frames queued", b.traceID, depth)
	if b.met != nil {
		b.met.BridgeBackpressure.Inc()
	}
	_ = b.conn.SetWriteDeadline(time.Now().Add(b.cfg.WriteTimeout))
	_ = b.conn.WriteJSON(warningFrame{
		Type:    "warning",
		TraceID: b.traceID,
		Message: "consumer is reading slowly; delivery is falling behind",
	})
}

// readPump drains inbound frames. Clients send nothing meaningful after
// the request; a read error means the peer is gone.
func (b *Bridge) readPump(done chan<- struct{}, abort context.CancelFunc) {
	defer close(done)
	_ = b.conn.SetReadDeadline(time.Now().Add(b.cfg.PongWait))
	b.conn.SetPongHandler(func(string) error {
		return b.conn.SetReadDeadline(time.Now().Add(b.cfg.PongWait))
	})
	for {
		if _, _, err := b.conn.ReadMessage(); err != nil {
			abort()
			return
		}
	}
}
