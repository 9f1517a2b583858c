package config

import (
	"os"
	"strconv"
)

// applyEnv layers FINN_* variables over file values. Only operational
// knobs are overridable; structural settings (pools, adapters, rate
// tiers) stay in the file.
func applyEnv(cfg *Config) {
	setString(&cfg.Server.Addr, "FINN_ADDR")
	setString(&cfg.Server.Env, "FINN_ENV")
	setString(&cfg.Redis.Addr, "FINN_REDIS_ADDR")
	setString(&cfg.Redis.Password, "FINN_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "FINN_REDIS_DB")
	setString(&cfg.Postgres.DSN, "FINN_POSTGRES_DSN")
	setString(&cfg.Auth.JWKSURL, "FINN_JWKS_URL")
	setString(&cfg.Auth.Issuer, "FINN_JWT_ISSUER")
	setString(&cfg.Auth.Audience, "FINN_JWT_AUDIENCE")
	setString(&cfg.Auth.HMACSecret, "FINN_HMAC_SECRET")
	setString(&cfg.Auth.HMACSecretPrevious, "FINN_HMAC_SECRET_PREVIOUS")
	setString(&cfg.Leader.NodeName, "FINN_NODE_NAME")
	setString(&cfg.Chain.PrimaryRPC, "FINN_CHAIN_RPC")
	setString(&cfg.Chain.FallbackRPC, "FINN_CHAIN_RPC_FALLBACK")
	setString(&cfg.Metering.PricingPath, "FINN_PRICING_PATH")
	setInt(&cfg.Metering.OvercountPercent, "FINN_OVERCOUNT_PERCENT")
	setString(&cfg.Billing.FinalizeEndpoint, "FINN_FINALIZE_ENDPOINT")
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}
