package auth

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/lightningnetwork/lnd/clock"
)

// KeysetHealth reflects the age of the cached JWKS document.
type KeysetHealth string

const (
	// KeysetHealthy: fetched within the last 15 minutes.
	KeysetHealthy KeysetHealth = "HEALTHY"
	// KeysetStale: older, but still trusted up to 24 hours.
	KeysetStale KeysetHealth = "STALE"
	// KeysetDegraded: too old to trust; verification fails closed.
	KeysetDegraded KeysetHealth = "DEGRADED"
)

const (
	healthyWindow = 15 * time.Minute
	staleWindow   = 24 * time.Hour
)

// JWKSCache fetches and caches an ES256 keyset. A fetch failure does
// not evict the cached keys; they serve until the stale window ends.
type JWKSCache struct {
	url    string
	client *http.Client
	clk    clock.Clock

	mu        sync.RWMutex
	keys      map[string]*ecdsa.PublicKey
	fetchedAt time.Time
}

// NewJWKSCache builds a cache for the given endpoint.
func NewJWKSCache(url string, client *http.Client, clk clock.Clock) *JWKSCache {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	if clk == nil {
		clk = clock.NewDefaultClock()
	}
	return &JWKSCache{
		url:    url,
		client: client,
		clk:    clk,
		keys:   make(map[string]*ecdsa.PublicKey),
	}
}

// Health classifies the cache age.
func (c *JWKSCache) Health() KeysetHealth {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.fetchedAt.IsZero() {
		return KeysetDegraded
	}
	age := c.clk.Now().Sub(c.fetchedAt)
	switch {
	case age <= healthyWindow:
		return KeysetHealthy
	case age <= staleWindow:
		return KeysetStale
	default:
		return KeysetDegraded
	}
}

// Key resolves a kid, refreshing opportunistically when the cache is
// not healthy. A degraded cache fails closed.
func (c *JWKSCache) Key(kid string) (*ecdsa.PublicKey, error) {
	if c.Health() != KeysetHealthy {
		if err := c.Refresh(); err != nil {
			slog.Warn("auth: jwks refresh failed, serving cached keys", "err", err)
		}
	}
	if c.Health() == KeysetDegraded {
		return nil, errors.New("jwks cache degraded")
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	key, ok := c.keys[kid]
	if !ok {
		return nil, fmt.Errorf("unknown key id %q", kid)
	}
	return key, nil
}

// jwksDocument is the wire shape of the endpoint.
type jwksDocument struct {
	Keys []struct {
		Kty string `json:"kty"`
		Crv string `json:"crv"`
		Kid string `json:"kid"`
		X   string `json:"x"`
		Y   string `json:"y"`
	} `json:"keys"`
}

// Refresh fetches the keyset. Keys that fail to parse are skipped.
func (c *JWKSCache) Refresh() error {
	resp, err := c.client.Get(c.url)
	if err != nil {
		return fmt.Errorf("jwks fetch: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("jwks fetch: status %d", resp.StatusCode)
	}

	var doc jwksDocument
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return fmt.Errorf("jwks decode: %w", err)
	}

	keys := make(map[string]*ecdsa.PublicKey, len(doc.Keys))
	for _, k := range doc.Keys {
		if k.Kty != "EC" || k.Crv != "P-256" {
			continue
		}
		pub, err := parseP256(k.X, k.Y)
		if err != nil {
			slog.Warn("auth: skipping unparseable jwks key", "kid", k.Kid, "err", err)
			continue
		}
		keys[k.Kid] = pub
	}

	c.mu.Lock()
	c.keys = keys
	c.fetchedAt = c.clk.Now()
	c.mu.Unlock()
	return nil
}

// SetKeys installs keys directly; test hook and static-key deployments.
func (c *JWKSCache) SetKeys(keys map[string]*ecdsa.PublicKey) {
	c.mu.Lock()
	c.keys = keys
	c.fetchedAt = c.clk.Now()
	c.mu.Unlock()
}

func parseP256(xs, ys string) (*ecdsa.PublicKey, error) {
	xb, err := base64.RawURLEncoding.DecodeString(xs)
	if err != nil {
		return nil, err
	}
	yb, err := base64.RawURLEncoding.DecodeString(ys)
	if err != nil {
		return nil, err
	}
	x := new(big.Int).SetBytes(xb)
	y := new(big.Int).SetBytes(yb)
	curve := elliptic.P256()
	if !curve.IsOnCurve(x, y) {
		return nil, errors.New("point not on P-256")
	}
	return &ecdsa.PublicKey{Curve: curve, X: x, Y: y}, nil
}
