package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/hounfour/finn/internal/auth"
)

// handleHealthz answers liveness: the process is up and serving.
func (g *Gateway) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// readyzReport is the /readyz body, degraded or not.
type readyzReport struct {
	Ready  bool              `json:"ready"`
	Keyset auth.KeysetHealth `json:"keyset"`
	Gates  map[string]string `json:"gates,omitempty"`
}

// handleReadyz answers readiness: the keyset must not be degraded and
// every registered gate must pass. A failing probe returns 503 with
// the reasons so operators can see what is holding admission.
func (g *Gateway) handleReadyz(w http.ResponseWriter, _ *http.Request) {
	report := readyzReport{Ready: true, Gates: make(map[string]string)}

	report.Keyset = g.jwks.Health()
	if report.Keyset == auth.KeysetDegraded {
		report.Ready = false
	}

	for _, gate := range g.readiness {
		if err := gate.Check(); err != nil {
			report.Ready = false
			report.Gates[gate.Name] = err.Error()
		} else {
			report.Gates[gate.Name] = "ok"
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if !report.Ready {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(report)
}
