// Package auth verifies the two credential shapes the gateway accepts:
// ES256 JWTs from tenants and HMAC-signed envelopes on intra-service
// calls. Every failure surfaces as the same opaque message; the failed
// check is only logged server-side.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/lightningnetwork/lnd/clock"

	"github.com/hounfour/finn/internal/faults"
)

// ErrAuthFailed is the only credential error callers ever see.
var ErrAuthFailed = faults.New(faults.KindAuthFailed, "AUTH_FAILED", faults.OpaqueAuthMessage)

// BuildCanonical assembles the signing string for an intra-service
// call: method, path, body hash, issued_at, nonce and trace id, each on
// its own line. Both sides must produce byte-identical strings.
func BuildCanonical(method, path string, body []byte, issuedAt, nonceValue, traceID string) string {
	bodyHash := sha256.Sum256(body)
	return fmt.Sprintf("%s\n%s\n%s\n%s\n%s\n%s",
		method, path, hex.EncodeToString(bodyHash[:]), issuedAt, nonceValue, traceID)
}

// SignEnvelope computes the hex HMAC-SHA256 of the canonical string.
func SignEnvelope(canonical, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(canonical))
	return hex.EncodeToString(mac.Sum(nil))
}

// TimingSafeEqual compares two strings in constant time.
func TimingSafeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// EnvelopeVerifier checks inbound intra-service signatures. It accepts
// the current or, during rotation, the previous secret.
type EnvelopeVerifier struct {
	secret     string
	prevSecret string
	skew       time.Duration
	clk        clock.Clock
}

// NewEnvelopeVerifier builds a verifier; prevSecret may be empty.
func NewEnvelopeVerifier(secret, prevSecret string, skew time.Duration, clk clock.Clock) *EnvelopeVerifier {
	if skew <= 0 {
		skew = 30 * time.Second
	}
	if clk == nil {
		clk = clock.NewDefaultClock()
	}
	return &EnvelopeVerifier{secret: secret, prevSecret: prevSecret, skew: skew, clk: clk}
}

// Verify checks skew, then the signature against the rotation window.
// All failures return ErrAuthFailed.
func (v *EnvelopeVerifier) Verify(method, path string, body []byte, signature, nonceValue, traceID, issuedAt string) error {
	if v.secret == "" {
		slog.Error("auth: HMAC secret not configured")
		return ErrAuthFailed
	}

	issued, err := time.Parse(time.RFC3339, issuedAt)
	if err != nil {
		slog.Warn("auth: envelope rejected, unparseable issued_at", "trace_id", traceID)
		return ErrAuthFailed
	}
	delta := v.clk.Now().Sub(issued)
	if delta < 0 {
		delta = -delta
	}
	if delta > v.skew {
		slog.Warn("auth: envelope rejected, clock skew exceeded",
			"trace_id", traceID, "delta", delta)
		return ErrAuthFailed
	}

	canonical := BuildCanonical(method, path, body, issuedAt, nonceValue, traceID)
	if TimingSafeEqual(signature, SignEnvelope(canonical, v.secret)) {
		return nil
	}
	if v.prevSecret != "" && TimingSafeEqual(signature, SignEnvelope(canonical, v.prevSecret)) {
		return nil
	}
	slog.Warn("auth: envelope rejected, signature mismatch", "trace_id", traceID)
	return ErrAuthFailed
}

// EnvelopeSigner produces outbound signatures.
type EnvelopeSigner struct {
	secret string
	clk    clock.Clock
}

// NewEnvelopeSigner builds a signer with the current secret.
func NewEnvelopeSigner(secret string, clk clock.Clock) *EnvelopeSigner {
	if clk == nil {
		clk = clock.NewDefaultClock()
	}
	return &EnvelopeSigner{secret: secret, clk: clk}
}

// Sign returns (signature, issuedAt) for one outbound call.
func (s *EnvelopeSigner) Sign(method, path string, body []byte, nonceValue, traceID string) (signature, issuedAt string) {
	issuedAt = s.clk.Now().UTC().Format(time.RFC3339)
	canonical := BuildCanonical(method, path, body, issuedAt, nonceValue, traceID)
	return SignEnvelope(canonical, s.secret), issuedAt
}
