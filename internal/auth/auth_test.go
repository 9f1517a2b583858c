package auth

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hounfour/finn/internal/faults"
)

// ============================================================================
// HMAC ENVELOPE
// ============================================================================

func TestEnvelope_SignAndVerify(t *testing.T) {
	clk := clock.NewTestClock(time.Unix(1700000000, 0))
	signer := NewEnvelopeSigner("secret-a", clk)
	verifier := NewEnvelopeVerifier("secret-a", "", 30*time.Second, clk)

	body := []byte(`{"model":"sonnet"}`)
	sig, issuedAt := signer.Sign("POST", "/invoke", body, "n-1", "trace-1")

	require.NoError(t, verifier.Verify("POST", "/invoke", body, sig, "n-1", "trace-1", issuedAt))

	// Any mutation of the canonical fields breaks the signature.
	assert.ErrorIs(t, verifier.Verify("POST", "/other", body, sig, "n-1", "trace-1", issuedAt), ErrAuthFailed)
	assert.ErrorIs(t, verifier.Verify("POST", "/invoke", []byte("x"), sig, "n-1", "trace-1", issuedAt), ErrAuthFailed)
	assert.ErrorIs(t, verifier.Verify("POST", "/invoke", body, sig, "n-2", "trace-1", issuedAt), ErrAuthFailed)
}

func TestEnvelope_SecretRotationWindow(t *testing.T) {
	clk := clock.NewTestClock(time.Unix(1700000000, 0))
	oldSigner := NewEnvelopeSigner("secret-old", clk)
	verifier := NewEnvelopeVerifier("secret-new", "secret-old", 30*time.Second, clk)

	body := []byte(`{}`)
	sig, issuedAt := oldSigner.Sign("POST", "/invoke", body, "n-1", "t-1")
	assert.NoError(t, verifier.Verify("POST", "/invoke", body, sig, "n-1", "t-1", issuedAt),
		"previous secret accepted during rotation")

	strict := NewEnvelopeVerifier("secret-new", "", 30*time.Second, clk)
	assert.ErrorIs(t, strict.Verify("POST", "/invoke", body, sig, "n-1", "t-1", issuedAt), ErrAuthFailed)
}

func TestEnvelope_ClockSkewRejected(t *testing.T) {
	clk := clock.NewTestClock(time.Unix(1700000000, 0))
	signer := NewEnvelopeSigner("s", clk)
	body := []byte(`{}`)
	sig, issuedAt := signer.Sign("POST", "/invoke", body, "n", "t")

	// Move the verifier's clock past the skew window.
	late := clock.NewTestClock(time.Unix(1700000000, 0).Add(2 * time.Minute))
	verifier := NewEnvelopeVerifier("s", "", 30*time.Second, late)
	err := verifier.Verify("POST", "/invoke", body, sig, "n", "t", issuedAt)
	assert.ErrorIs(t, err, ErrAuthFailed)
	assert.Equal(t, faults.KindAuthFailed, faults.KindOf(err))
	assert.Equal(t, faults.OpaqueAuthMessage, "invalid or expired credentials")
}

// ============================================================================
// JWT CLAIMS
// ============================================================================

func testKeyAndCache(t *testing.T, clk clock.Clock) (*ecdsa.PrivateKey, *JWKSCache) {
	t.Helper()
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	cache := NewJWKSCache("http://unused.invalid/jwks", nil, clk)
	cache.SetKeys(map[string]*ecdsa.PublicKey{"kid-1": &priv.PublicKey})
	return priv, cache
}

func signToken(t *testing.T, priv *ecdsa.PrivateKey, claims *TenantClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	token.Header["kid"] = "kid-1"
	s, err := token.SignedString(priv)
	require.NoError(t, err)
	return s
}

func baseClaims(now time.Time, body []byte) *TenantClaims {
	return &TenantClaims{
		TenantID: "tenant-1",
		Tier:     TierPro,
		ReqHash:  RequestHash(body),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "https://issuer.test",
			Audience:  jwt.ClaimStrings{"finn-gateway"},
			Subject:   "0xabc",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(5 * time.Minute)),
		},
	}
}

func TestClaimsVerifier_Accepts(t *testing.T) {
	now := time.Unix(1700000000, 0)
	clk := clock.NewTestClock(now)
	priv, cache := testKeyAndCache(t, clk)
	v := NewClaimsVerifier(ClaimsVerifierConfig{
		Issuer: "https://issuer.test", Audience: "finn-gateway",
	}, cache, clk)

	body := []byte(`{"prompt":"hello"}`)
	token := signToken(t, priv, baseClaims(now, body))

	claims, err := v.Verify(token, body)
	require.NoError(t, err)
	assert.Equal(t, "tenant-1", claims.TenantID)
	assert.Equal(t, TierPro, claims.Tier)
	assert.Equal(t, "0xabc", claims.Subject)
}

func TestClaimsVerifier_RejectionsAreOpaque(t *testing.T) {
	now := time.Unix(1700000000, 0)
	clk := clock.NewTestClock(now)
	priv, cache := testKeyAndCache(t, clk)
	v := NewClaimsVerifier(ClaimsVerifierConfig{
		Issuer: "https://issuer.test", Audience: "finn-gateway",
	}, cache, clk)
	body := []byte(`{"prompt":"hello"}`)

	cases := []struct {
		name   string
		mutate func(*TenantClaims)
	}{
		{"wrong issuer", func(c *TenantClaims) { c.Issuer = "https://evil.test" }},
		{"wrong audience", func(c *TenantClaims) { c.Audience = jwt.ClaimStrings{"other"} }},
		{"expired", func(c *TenantClaims) { c.ExpiresAt = jwt.NewNumericDate(now.Add(-2 * time.Minute)) }},
		{"issued in the future", func(c *TenantClaims) { c.IssuedAt = jwt.NewNumericDate(now.Add(2 * time.Minute)) }},
		{"nbf in the future", func(c *TenantClaims) { c.NotBefore = jwt.NewNumericDate(now.Add(2 * time.Minute)) }},
		{"missing tenant", func(c *TenantClaims) { c.TenantID = "" }},
		{"missing subject", func(c *TenantClaims) { c.Subject = "" }},
		{"unknown tier", func(c *TenantClaims) { c.Tier = "platinum" }},
		{"req_hash mismatch", func(c *TenantClaims) { c.ReqHash = "sha256:deadbeef" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			claims := baseClaims(now, body)
			tc.mutate(claims)
			_, err := v.Verify(signToken(t, priv, claims), body)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrAuthFailed, "every rejection is the same opaque error")
		})
	}
}

func TestClaimsVerifier_ExpiryLeeway(t *testing.T) {
	now := time.Unix(1700000000, 0)
	clk := clock.NewTestClock(now)
	priv, cache := testKeyAndCache(t, clk)
	v := NewClaimsVerifier(ClaimsVerifierConfig{
		Issuer: "https://issuer.test", Audience: "finn-gateway",
	}, cache, clk)
	body := []byte(`{}`)

	// Expired 10s ago: inside the ±30s skew allowance.
	claims := baseClaims(now, body)
	claims.ExpiresAt = jwt.NewNumericDate(now.Add(-10 * time.Second))
	_, err := v.Verify(signToken(t, priv, claims), body)
	assert.NoError(t, err)

	// Issued 10s ahead of the verifier's clock: same allowance. The
	// verifier's injected clock is the time authority, not the wall
	// clock the parser would use.
	claims = baseClaims(now, body)
	claims.IssuedAt = jwt.NewNumericDate(now.Add(10 * time.Second))
	_, err = v.Verify(signToken(t, priv, claims), body)
	assert.NoError(t, err)
}

// ============================================================================
// JWKS HEALTH
// ============================================================================

func TestJWKSCache_HealthWindows(t *testing.T) {
	start := time.Unix(1700000000, 0)
	clk := clock.NewTestClock(start)
	cache := NewJWKSCache("http://unused.invalid/jwks", nil, clk)

	assert.Equal(t, KeysetDegraded, cache.Health(), "never fetched")

	cache.SetKeys(map[string]*ecdsa.PublicKey{})
	assert.Equal(t, KeysetHealthy, cache.Health())

	clk.SetTime(start.Add(16 * time.Minute))
	assert.Equal(t, KeysetStale, cache.Health())

	clk.SetTime(start.Add(25 * time.Hour))
	assert.Equal(t, KeysetDegraded, cache.Health())
}
