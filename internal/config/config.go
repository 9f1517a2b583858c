// Package config loads the gateway's YAML configuration and applies
// environment overrides on top. File values are the baseline;
// FINN_*-prefixed variables win, which is how deployments inject
// addresses and secrets without editing the file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// Duration parses "500ms", "30s", "5m" style YAML values.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var raw string
	if err := unmarshal(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the standard-library value.
func (d Duration) Std() time.Duration { return time.Duration(d) }

type Config struct {
	Server       ServerConfig        `yaml:"server"`
	Redis        RedisConfig         `yaml:"redis"`
	Postgres     PostgresConfig      `yaml:"postgres"`
	Auth         AuthConfig          `yaml:"auth"`
	Leader       LeaderConfig        `yaml:"leader"`
	Chain        ChainConfig         `yaml:"chain"`
	Metering     MeteringConfig      `yaml:"metering"`
	Billing      BillingConfig       `yaml:"billing"`
	Orchestrator OrchestratorConfig  `yaml:"orchestrator"`
	Bridge       BridgeConfig        `yaml:"bridge"`
	RateLimits   map[string]TierRate `yaml:"rate_limits"`
	Adapters     []AdapterConfig     `yaml:"adapters"`
	Pools        map[string][]string `yaml:"pools"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
	Env  string `yaml:"env"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

type AuthConfig struct {
	JWKSURL  string   `yaml:"jwks_url"`
	Issuer   string   `yaml:"issuer"`
	Audience string   `yaml:"audience"`
	// HMACSecret signs outbound finalize envelopes; the previous value
	// stays valid through rotation.
	HMACSecret         string   `yaml:"hmac_secret"`
	HMACSecretPrevious string   `yaml:"hmac_secret_previous"`
	SkewAllowance      Duration `yaml:"skew_allowance"`
}

type LeaderConfig struct {
	Key      string   `yaml:"key"`
	TTL      Duration `yaml:"ttl"`
	Renew    Duration `yaml:"renew"`
	NodeName string   `yaml:"node_name"`
}

type ChainConfig struct {
	PrimaryRPC   string   `yaml:"primary_rpc"`
	FallbackRPC  string   `yaml:"fallback_rpc"`
	ReorgHorizon Duration `yaml:"reorg_horizon"`
	ReorgCadence Duration `yaml:"reorg_cadence"`
}

type MeteringConfig struct {
	PricingPath      string `yaml:"pricing_path"`
	OvercountPercent int    `yaml:"overcount_percent"`
}

type BillingConfig struct {
	FinalizeEndpoint string   `yaml:"finalize_endpoint"`
	Workers          int      `yaml:"workers"`
	MaxAttempts      int      `yaml:"max_attempts"`
	BackoffBase      Duration `yaml:"backoff_base"`
	BackoffCap       Duration `yaml:"backoff_cap"`
}

type OrchestratorConfig struct {
	MaxIterations  int      `yaml:"max_iterations"`
	WallBudget     Duration `yaml:"wall_budget"`
	EventBuffer    int      `yaml:"event_buffer"`
	SystemTemplate string   `yaml:"system_template"`
}

type BridgeConfig struct {
	WriteTimeout Duration `yaml:"write_timeout"`
	PingInterval Duration `yaml:"ping_interval"`
	WarnDepth    int      `yaml:"warn_depth"`
}

// TierRate is one tier's sliding-window budget.
type TierRate struct {
	Max    int      `yaml:"max"`
	Window Duration `yaml:"window"`
}

// AdapterConfig describes one subprocess model adapter.
type AdapterConfig struct {
	Name    string   `yaml:"name"`
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
	// Protocol is the stream-mode stdout format: "jsonl" (default) or
	// "sse".
	Protocol string   `yaml:"protocol"`
	Timeout  Duration `yaml:"timeout"`
	Grace    Duration `yaml:"grace"`
}

// Load reads path, applies env overrides, fills defaults, and
// validates.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	applyEnv(&cfg)
	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Leader.Key == "" {
		cfg.Leader.Key = "finn:leader"
	}
	if cfg.Leader.TTL == 0 {
		cfg.Leader.TTL = Duration(15 * time.Second)
	}
	if cfg.Leader.Renew == 0 {
		cfg.Leader.Renew = Duration(5 * time.Second)
	}
	if cfg.Leader.NodeName == "" {
		host, _ := os.Hostname()
		cfg.Leader.NodeName = host
	}
	if cfg.Chain.ReorgHorizon == 0 {
		cfg.Chain.ReorgHorizon = Duration(5 * time.Minute)
	}
	if cfg.Chain.ReorgCadence == 0 {
		cfg.Chain.ReorgCadence = Duration(30 * time.Second)
	}
	if cfg.Billing.Workers == 0 {
		cfg.Billing.Workers = 4
	}
	if cfg.Billing.MaxAttempts == 0 {
		cfg.Billing.MaxAttempts = 8
	}
	if cfg.Billing.BackoffBase == 0 {
		cfg.Billing.BackoffBase = Duration(500 * time.Millisecond)
	}
	if cfg.Billing.BackoffCap == 0 {
		cfg.Billing.BackoffCap = Duration(time.Minute)
	}
	if cfg.Auth.SkewAllowance == 0 {
		cfg.Auth.SkewAllowance = Duration(30 * time.Second)
	}
}

// Validate rejects configurations the process cannot run with.
func (c *Config) Validate() error {
	if c.Metering.PricingPath == "" {
		return fmt.Errorf("metering.pricing_path is required")
	}
	if c.Billing.FinalizeEndpoint == "" {
		return fmt.Errorf("billing.finalize_endpoint is required")
	}
	if c.Auth.HMACSecret == "" {
		return fmt.Errorf("auth.hmac_secret is required")
	}
	if c.Leader.Renew.Std() >= c.Leader.TTL.Std() {
		return fmt.Errorf("leader.renew (%s) must be shorter than leader.ttl (%s)",
			c.Leader.Renew.Std(), c.Leader.TTL.Std())
	}
	for name, tr := range c.RateLimits {
		if tr.Max <= 0 || tr.Window == 0 {
			return fmt.Errorf("rate_limits.%s: max and window are required", name)
		}
	}
	for _, a := range c.Adapters {
		if a.Name == "" || a.Command == "" {
			return fmt.Errorf("adapters: name and command are required")
		}
		switch a.Protocol {
		case "", "jsonl", "sse":
		default:
			return fmt.Errorf("adapters.%s: unknown protocol %q", a.Name, a.Protocol)
		}
	}
	return nil
}
