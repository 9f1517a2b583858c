package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
server:
  addr: ":9090"
  env: test
redis:
  addr: localhost:6379
postgres:
  dsn: postgres://finn@localhost/finn?sslmode=disable
auth:
  jwks_url: https://issuer.test/.well-known/jwks.json
  issuer: https://issuer.test
  audience: finn-gateway
  hmac_secret: s3cret
leader:
  ttl: 20s
  renew: 7s
chain:
  primary_rpc: https://rpc.test
  reorg_horizon: 10m
  reorg_cadence: 15s
metering:
  pricing_path: pricing.yaml
  overcount_percent: 10
billing:
  finalize_endpoint: https://ledger.test/finalize
  workers: 2
  max_attempts: 5
  backoff_base: 250ms
orchestrator:
  max_iterations: 6
  wall_budget: 5m
rate_limits:
  free:
    max: 10
    window: 1m
  pro:
    max: 100
    window: 1m
adapters:
  - name: openrouter
    command: ./bin/openrouter-adapter
    args: ["--stream"]
    timeout: 2m
pools:
  pro: [openrouter]
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "finn.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_ParsesFullFile(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, 10*time.Minute, cfg.Chain.ReorgHorizon.Std())
	assert.Equal(t, 15*time.Second, cfg.Chain.ReorgCadence.Std())
	assert.Equal(t, 250*time.Millisecond, cfg.Billing.BackoffBase.Std())
	assert.Equal(t, 6, cfg.Orchestrator.MaxIterations)
	assert.Equal(t, 100, cfg.RateLimits["pro"].Max)
	assert.Equal(t, time.Minute, cfg.RateLimits["pro"].Window.Std())
	require.Len(t, cfg.Adapters, 1)
	assert.Equal(t, 2*time.Minute, cfg.Adapters[0].Timeout.Std())
	assert.Equal(t, []string{"openrouter"}, cfg.Pools["pro"])
}

func TestLoad_DefaultsFillGaps(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
auth:
  hmac_secret: s
metering:
  pricing_path: p.yaml
billing:
  finalize_endpoint: https://ledger.test/finalize
`))
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "finn:leader", cfg.Leader.Key)
	assert.Equal(t, 15*time.Second, cfg.Leader.TTL.Std())
	assert.Equal(t, 5*time.Minute, cfg.Chain.ReorgHorizon.Std())
	assert.Equal(t, 8, cfg.Billing.MaxAttempts)
	assert.Equal(t, 30*time.Second, cfg.Auth.SkewAllowance.Std())
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	t.Setenv("FINN_REDIS_ADDR", "redis.prod:6379")
	t.Setenv("FINN_HMAC_SECRET", "rotated")
	t.Setenv("FINN_OVERCOUNT_PERCENT", "25")

	cfg, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, "redis.prod:6379", cfg.Redis.Addr)
	assert.Equal(t, "rotated", cfg.Auth.HMACSecret)
	assert.Equal(t, 25, cfg.Metering.OvercountPercent)
}

func TestLoad_ValidationFailures(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{
			name: "missing pricing path",
			body: "auth:\n  hmac_secret: s\nbilling:\n  finalize_endpoint: https://x\n",
			want: "pricing_path",
		},
		{
			name: "missing hmac secret",
			body: "metering:\n  pricing_path: p\nbilling:\n  finalize_endpoint: https://x\n",
			want: "hmac_secret",
		},
		{
			name: "renew not shorter than ttl",
			body: "auth:\n  hmac_secret: s\nmetering:\n  pricing_path: p\nbilling:\n  finalize_endpoint: https://x\nleader:\n  ttl: 5s\n  renew: 5s\n",
			want: "leader.renew",
		},
		{
			name: "zero rate limit",
			body: "auth:\n  hmac_secret: s\nmetering:\n  pricing_path: p\nbilling:\n  finalize_endpoint: https://x\nrate_limits:\n  free:\n    max: 0\n    window: 1m\n",
			want: "rate_limits.free",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestDuration_RejectsGarbage(t *testing.T) {
	_, err := Load(writeConfig(t, "leader:\n  ttl: soon\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid duration")
}
