// Package gateway assembles the HTTP surface: the WebSocket completion
// endpoint, health and readiness probes, and the metrics scrape. All
// domain logic lives below it; the gateway authenticates, admits, and
// hands off.
package gateway

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hounfour/finn/internal/adapter"
	"github.com/hounfour/finn/internal/auth"
	"github.com/hounfour/finn/internal/bridge"
	"github.com/hounfour/finn/internal/faults"
	"github.com/hounfour/finn/internal/metrics"
	"github.com/hounfour/finn/internal/orchestrator"
	"github.com/hounfour/finn/internal/ratelimit"
)

// handshakeTimeout bounds the wait for the client's request frame.
const handshakeTimeout = 10 * time.Second

// Gateway holds the wired collaborators for the HTTP surface.
type Gateway struct {
	verifier  *auth.ClaimsVerifier
	jwks      *auth.JWKSCache
	limiter   ratelimit.Limiter
	orch      *orchestrator.Orchestrator
	bridgeCfg bridge.Config
	readiness []ReadinessCheck
	met       *metrics.Metrics
	registry  prometheus.Gatherer
	logger    *log.Logger
}

// ReadinessCheck is one named gate on /readyz.
type ReadinessCheck struct {
	Name  string
	Check func() error
}

// New assembles the gateway. met and gatherer may be nil.
func New(verifier *auth.ClaimsVerifier, jwks *auth.JWKSCache, limiter ratelimit.Limiter, orch *orchestrator.Orchestrator, bridgeCfg bridge.Config, met *metrics.Metrics, gatherer prometheus.Gatherer) *Gateway {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &Gateway{
		verifier:  verifier,
		jwks:      jwks,
		limiter:   limiter,
		orch:      orch,
		bridgeCfg: bridgeCfg,
		met:       met,
		registry:  gatherer,
		logger:    log.New(log.Writer(), "[GATEWAY] ", log.LstdFlags),
	}
}

// AddReadiness registers a gate evaluated by /readyz.
func (g *Gateway) AddReadiness(name string, check func() error) {
	g.readiness = append(g.readiness, ReadinessCheck{Name: name, Check: check})
}

// Router builds the route table.
func (g *Gateway) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/v1/complete", g.handleComplete).Methods(http.MethodGet)
	r.HandleFunc("/healthz", g.handleHealthz).Methods(http.MethodGet)
	r.HandleFunc("/readyz", g.handleReadyz).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(g.registry, promhttp.HandlerOpts{}))
	return r
}

// completeRequest is the client's first frame on the socket.
type completeRequest struct {
	TraceID      string            `json:"trace_id,omitempty"`
	Provider     string            `json:"provider"`
	Model        string            `json:"model"`
	Archetype    string            `json:"archetype"`
	Prompt       string            `json:"prompt"`
	Messages     []completeMessage `json:"messages,omitempty"`
	PromptTokens uint64            `json:"prompt_tokens"`
	MaxTokens    int               `json:"max_tokens,omitempty"`
}

type completeMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// errorFrame is the terminal frame for requests refused before the
// loop starts.
type errorFrame struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// handleComplete runs one completion over a WebSocket. The client
// connects with a bearer token, sends the request as the first frame,
// and receives the event stream back. Closing the socket aborts the
// request.
func (g *Gateway) handleComplete(w http.ResponseWriter, r *http.Request) {
	conn, err := bridge.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		return
	}
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	_, body, err := conn.ReadMessage()
	if err != nil {
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	claims, err := g.verifier.Verify(bearerToken(r), body)
	if err != nil {
		g.refuse(conn, "AUTH_FAILED", faults.OpaqueAuthMessage)
		return
	}

	allowed, err := g.limiter.Allow(r.Context(), string(claims.Tier), claims.TenantID)
	if err != nil {
		g.logger.Printf("❌ Rate limit check failed for tenant %s: %v", claims.TenantID, err)
		g.refuse(conn, "RATE_LIMIT_UNAVAILABLE", "admission check unavailable")
		return
	}
	if !allowed {
		g.refuse(conn, "RATE_LIMITED", "request rate exceeded for tier "+string(claims.Tier))
		return
	}

	var req completeRequest
	if err := json.Unmarshal(body, &req); err != nil {
		g.refuse(conn, "BAD_REQUEST", "request frame is not valid JSON")
		return
	}
	if req.TraceID == "" {
		id, _ := uuid.NewV7()
		req.TraceID = id.String()
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	events, err := g.orch.Run(ctx, orchestratorRequest(req, claims))
	if err != nil {
		g.refuse(conn, faults.CodeOf(err), publicMessage(err))
		return
	}

	b := bridge.New(g.bridgeCfg, conn, req.TraceID, g.met)
	if err := b.Run(ctx, events, cancel); err != nil {
		g.logger.Printf("⚠️ Bridge for trace %s ended: %v", req.TraceID, err)
	}
}

func orchestratorRequest(req completeRequest, claims *auth.TenantClaims) orchestrator.Request {
	out := orchestrator.Request{
		TraceID:      req.TraceID,
		AccountID:    claims.Subject,
		Tier:         string(claims.Tier),
		Provider:     req.Provider,
		Model:        req.Model,
		Archetype:    req.Archetype,
		Prompt:       req.Prompt,
		PromptTokens: req.PromptTokens,
		MaxTokens:    req.MaxTokens,
	}
	for _, m := range req.Messages {
		out.Messages = append(out.Messages, adapter.Message{Role: m.Role, Content: m.Content})
	}
	return out
}

// refuse sends one error frame and the close handshake.
func (g *Gateway) refuse(conn *websocket.Conn, code, message string) {
	deadline := time.Now().Add(handshakeTimeout)
	_ = conn.SetWriteDeadline(deadline)
	_ = conn.WriteJSON(errorFrame{Type: "error", Code: code, Message: message})
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, code), deadline)
}

// publicMessage keeps auth detail opaque and passes everything else
// through.
func publicMessage(err error) string {
	if faults.KindOf(err) == faults.KindAuthFailed {
		return faults.OpaqueAuthMessage
	}
	return err.Error()
}

// bearerToken pulls the credential from the Authorization header, with
// a query fallback for clients that cannot set WebSocket headers.
func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("access_token")
}
