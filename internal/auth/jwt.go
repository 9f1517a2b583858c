package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/lightningnetwork/lnd/clock"
)

// RequestTier is the coarse service level carried in tenant claims.
type RequestTier string

const (
	TierFree       RequestTier = "free"
	TierPro        RequestTier = "pro"
	TierEnterprise RequestTier = "enterprise"
)

func validRequestTier(t RequestTier) bool {
	switch t {
	case TierFree, TierPro, TierEnterprise:
		return true
	}
	return false
}

// TenantClaims is the claim contract the gateway consumes. The gateway
// never issues these tokens.
type TenantClaims struct {
	TenantID         string            `json:"tenant_id"`
	Tier             RequestTier       `json:"tier"`
	ReqHash          string            `json:"req_hash"`
	NFTID            string            `json:"nft_id,omitempty"`
	BYOK             bool              `json:"byok,omitempty"`
	ModelPreferences map[string]string `json:"model_preferences,omitempty"`
	jwt.RegisteredClaims
}

// ClaimsVerifierConfig pins issuer and audience.
type ClaimsVerifierConfig struct {
	Issuer     string
	Audience   string
	ClockSkew  time.Duration // default ±30s
	RequireJTI bool
}

// ClaimsVerifier validates tenant JWTs: ES256 signature via the JWKS
// cache, issuer, audience, expiry with skew, and the required claims.
type ClaimsVerifier struct {
	cfg  ClaimsVerifierConfig
	keys *JWKSCache
	clk  clock.Clock
}

// NewClaimsVerifier builds a verifier over a JWKS cache.
func NewClaimsVerifier(cfg ClaimsVerifierConfig, keys *JWKSCache, clk clock.Clock) *ClaimsVerifier {
	if cfg.ClockSkew <= 0 {
		cfg.ClockSkew = 30 * time.Second
	}
	if clk == nil {
		clk = clock.NewDefaultClock()
	}
	return &ClaimsVerifier{cfg: cfg, keys: keys, clk: clk}
}

// Verify parses and validates a token. body is the raw request body the
// req_hash claim must bind to. All failures are ErrAuthFailed.
//
// Claims validation is taken over from the parser: the library would
// check exp/iat against the wall clock, and the time authority here is
// the injected clock with the configured skew allowance.
func (v *ClaimsVerifier) Verify(tokenString string, body []byte) (*TenantClaims, error) {
	claims := &TenantClaims{}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{"ES256"}),
		jwt.WithoutClaimsValidation(),
	)
	token, err := parser.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		kid, _ := t.Header["kid"].(string)
		return v.keys.Key(kid)
	})
	if err != nil || !token.Valid {
		slog.Warn("auth: jwt rejected, parse or signature failure", "err", err)
		return nil, ErrAuthFailed
	}

	if !claims.VerifyIssuer(v.cfg.Issuer, true) {
		slog.Warn("auth: jwt rejected, issuer mismatch")
		return nil, ErrAuthFailed
	}
	if !claims.VerifyAudience(v.cfg.Audience, true) {
		slog.Warn("auth: jwt rejected, audience mismatch")
		return nil, ErrAuthFailed
	}
	if claims.ExpiresAt == nil || claims.IssuedAt == nil {
		slog.Warn("auth: jwt rejected, missing exp or iat")
		return nil, ErrAuthFailed
	}
	now := v.clk.Now()
	if now.After(claims.ExpiresAt.Time.Add(v.cfg.ClockSkew)) {
		slog.Warn("auth: jwt rejected, expired")
		return nil, ErrAuthFailed
	}
	if claims.IssuedAt.Time.After(now.Add(v.cfg.ClockSkew)) {
		slog.Warn("auth: jwt rejected, issued in the future")
		return nil, ErrAuthFailed
	}
	if claims.NotBefore != nil && claims.NotBefore.Time.After(now.Add(v.cfg.ClockSkew)) {
		slog.Warn("auth: jwt rejected, not yet valid")
		return nil, ErrAuthFailed
	}
	if claims.Subject == "" || claims.TenantID == "" {
		slog.Warn("auth: jwt rejected, missing required claim")
		return nil, ErrAuthFailed
	}
	if !validRequestTier(claims.Tier) {
		slog.Warn("auth: jwt rejected, unknown tier", "tier", claims.Tier)
		return nil, ErrAuthFailed
	}
	if v.cfg.RequireJTI && claims.ID == "" {
		slog.Warn("auth: jwt rejected, jti required but absent")
		return nil, ErrAuthFailed
	}
	if claims.ReqHash != RequestHash(body) {
		slog.Warn("auth: jwt rejected, req_hash does not bind body")
		return nil, ErrAuthFailed
	}
	return claims, nil
}

// RequestHash renders the binding claim for a canonical request body:
// "sha256:" plus the hex digest.
func RequestHash(body []byte) string {
	sum := sha256.Sum256(body)
	return "sha256:" + hex.EncodeToString(sum[:])
}
