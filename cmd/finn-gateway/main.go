package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq" // Postgres driver
	"github.com/lightningnetwork/lnd/clock"
	"github.com/redis/go-redis/v9"

	"github.com/hounfour/finn/internal/adapter"
	"github.com/hounfour/finn/internal/auth"
	"github.com/hounfour/finn/internal/billing"
	"github.com/hounfour/finn/internal/breaker"
	"github.com/hounfour/finn/internal/bridge"
	"github.com/hounfour/finn/internal/chain"
	"github.com/hounfour/finn/internal/config"
	"github.com/hounfour/finn/internal/gateway"
	"github.com/hounfour/finn/internal/idempotency"
	"github.com/hounfour/finn/internal/leader"
	"github.com/hounfour/finn/internal/ledger"
	"github.com/hounfour/finn/internal/metering"
	"github.com/hounfour/finn/internal/metrics"
	"github.com/hounfour/finn/internal/nonce"
	"github.com/hounfour/finn/internal/orchestrator"
	"github.com/hounfour/finn/internal/ratelimit"
	"github.com/hounfour/finn/internal/wal"
)

// nonceTTL must outlive any unlock authorization's validity window.
const nonceTTL = 24 * time.Hour

func main() {
	_ = godotenv.Load()

	configPath := flag.String("config", envOr("FINN_CONFIG", "finn.yaml"), "path to the gateway config")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Config load failed: %v", err)
	}

	log.Println("🔥 Starting Finn gateway...")
	clk := clock.NewDefaultClock()
	met := metrics.New(nil)
	ctx := context.Background()

	// Shared infrastructure: Redis and Postgres are preferred, with
	// in-memory twins for single-node and development runs.
	rdb := dialRedis(cfg.Redis)
	baseLog := openWAL(ctx, cfg.Postgres, clk, met)
	defer baseLog.Close()

	// Leadership gates every billing write through the fencing token.
	lock := buildLock(rdb, cfg.Leader)
	token := acquireLeadership(ctx, lock, cfg.Leader.Renew.Std())
	defer lock.Release(context.Background())
	fenced := wal.NewFencedLog(baseLog, lock, token).WithMetrics(met)

	// Rebuild state from the log before accepting traffic.
	led := ledger.New(fenced, clk)
	if err := led.Rebuild(ctx); err != nil {
		log.Fatalf("Ledger rebuild failed: %v", err)
	}
	machine := billing.NewStateMachine(fenced, led, nil, clk)
	if err := machine.Rebuild(ctx); err != nil {
		log.Fatalf("Billing rebuild failed: %v", err)
	}
	log.Println("📒 Ledger and billing state rebuilt from the event log")

	// Finalize queue settles commits against the upstream billing
	// system.
	signer := auth.NewEnvelopeSigner(cfg.Auth.HMACSecret, clk)
	ack := billing.NewHTTPAcknowledger(cfg.Billing.FinalizeEndpoint, signer, nil)
	fq := billing.NewFinalizeQueue(billing.FinalizeQueueConfig{
		Workers:     cfg.Billing.Workers,
		BaseBackoff: cfg.Billing.BackoffBase.Std(),
		MaxBackoff:  cfg.Billing.BackoffCap.Std(),
		MaxAttempts: cfg.Billing.MaxAttempts,
		Jitter:      0.2,
		CallTimeout: 10 * time.Second,
	}, machine, ack, fenced, func(job billing.FinalizeJob, lastErr error) {
		log.Printf("🚨 Finalize dead-letter: entry=%s account=%s amount=%d err=%v",
			job.EntryID, job.AccountID, job.Amount, lastErr)
	}, met)
	machine.AttachQueue(fq)
	fq.Start()
	defer fq.Stop()

	// Chain side: replay protection, minting, reorg surveillance.
	var nonces nonce.Registry
	if rdb != nil {
		nonces = nonce.NewRedisRegistry(rdb, "finn:nonce", nonceTTL)
	} else {
		nonces = nonce.NewMemoryRegistry(nonceTTL, clk)
	}
	minter := chain.NewMinter(led, nonces, clk)
	if watch := buildReorgWatch(ctx, cfg.Chain, minter, led, fenced, clk, met); watch != nil {
		watch.Start()
		defer watch.Stop()
	}

	// Model adapters and their pools.
	pricing, err := metering.LoadTable(cfg.Metering.PricingPath)
	if err != nil {
		log.Fatalf("Pricing table load failed: %v", err)
	}
	areg := adapter.NewRegistry(clk)
	for _, a := range cfg.Adapters {
		areg.Register(adapter.NewSubprocessAdapter(adapter.SubprocessConfig{
			Name:     a.Name,
			Command:  a.Command,
			Args:     a.Args,
			Protocol: a.Protocol,
			Timeout:  a.Timeout.Std(),
			Grace:    a.Grace.Std(),
		}))
		log.Printf("🔌 Registered adapter %s (%s)", a.Name, a.Command)
	}
	for pool, providers := range cfg.Pools {
		areg.DefinePool(pool, providers)
	}

	// Admission: tenant JWTs and the per-tier sliding window.
	jwks := auth.NewJWKSCache(cfg.Auth.JWKSURL, nil, clk)
	if err := jwks.Refresh(); err != nil {
		log.Printf("⚠️ Initial JWKS fetch failed (will retry): %v", err)
	}
	go refreshKeysLoop(jwks)
	verifier := auth.NewClaimsVerifier(auth.ClaimsVerifierConfig{
		Issuer:    cfg.Auth.Issuer,
		Audience:  cfg.Auth.Audience,
		ClockSkew: cfg.Auth.SkewAllowance.Std(),
	}, jwks, clk)
	limiter := buildLimiter(rdb, cfg.RateLimits, clk, met)

	// The request loop itself.
	budget := breaker.New(breaker.Config{Name: "billing-writer"}, clk)
	orch := orchestrator.New(orchestrator.Config{
		MaxIterations:    cfg.Orchestrator.MaxIterations,
		WallBudget:       cfg.Orchestrator.WallBudget.Std(),
		EventBuffer:      cfg.Orchestrator.EventBuffer,
		OvercountPercent: cfg.Metering.OvercountPercent,
		SystemTemplate:   cfg.Orchestrator.SystemTemplate,
	}, areg, pricing, machine, idempotency.NewManager(0, 0, clk), budget, clk, met)

	gw := gateway.New(verifier, jwks, limiter, orch, bridge.Config{
		WriteTimeout: cfg.Bridge.WriteTimeout.Std(),
		PingInterval: cfg.Bridge.PingInterval.Std(),
		WarnDepth:    cfg.Bridge.WarnDepth,
	}, met, nil)
	gw.AddReadiness("leader", func() error {
		if !lock.Validate(token) {
			return errors.New("fencing token no longer valid")
		}
		return nil
	})

	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           gw.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		log.Printf("🚀 Listening on %s", cfg.Server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	log.Println("Received shutdown signal, shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("⚠️ Shutdown incomplete: %v", err)
	}
	log.Println("👋 Gateway stopped")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// dialRedis returns nil when Redis is not configured or unreachable;
// callers fall back to the in-memory twins.
func dialRedis(cfg config.RedisConfig) *redis.Client {
	if cfg.Addr == "" {
		log.Println("💾 Redis not configured, using in-memory coordination")
		return nil
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Printf("⚠️ Redis unreachable at %s, using in-memory coordination: %v", cfg.Addr, err)
		return nil
	}
	log.Printf("💾 Redis connected at %s", cfg.Addr)
	return rdb
}

// openWAL prefers the Postgres event log and falls back to memory.
func openWAL(ctx context.Context, cfg config.PostgresConfig, clk clock.Clock, met *metrics.Metrics) wal.Log {
	if cfg.DSN == "" {
		log.Println("📝 Postgres not configured, event log is in-memory (non-durable)")
		return wal.NewMemoryLog(clk).WithMetrics(met)
	}
	db, err := sql.Open("postgres", cfg.DSN)
	if err == nil {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = db.PingContext(pingCtx)
		cancel()
	}
	if err != nil {
		log.Printf("⚠️ Postgres unreachable, event log is in-memory (non-durable): %v", err)
		return wal.NewMemoryLog(clk).WithMetrics(met)
	}
	lg, err := wal.NewPostgresLog(ctx, db, clk)
	if err != nil {
		log.Fatalf("Event log init failed: %v", err)
	}
	log.Println("📝 Durable event log on Postgres")
	return lg.WithMetrics(met)
}

func buildLock(rdb *redis.Client, cfg config.LeaderConfig) leader.Lock {
	onLoss := func() {
		// A deposed leader must never append again; restart clean.
		log.Fatalf("💀 Leadership lost, exiting so a clean follower can take over")
	}
	if rdb != nil {
		return leader.NewRedisLock(rdb, leader.Config{
			Key:      cfg.Key,
			TTL:      cfg.TTL.Std(),
			HolderID: cfg.NodeName,
			OnLoss:   onLoss,
		})
	}
	return leader.NewMemoryElection().NewMemoryLock(cfg.NodeName, onLoss)
}

// acquireLeadership blocks until this node wins the election.
func acquireLeadership(ctx context.Context, lock leader.Lock, retry time.Duration) uint64 {
	for {
		res, err := lock.Acquire(ctx)
		if err != nil {
			log.Printf("⚠️ Election attempt failed: %v", err)
		} else if res.Acquired {
			return res.FencingToken
		} else {
			log.Printf("⏳ Follower (leader is %s), retrying in %s", res.CurrentHolder, retry)
		}
		time.Sleep(retry)
	}
}

func buildReorgWatch(ctx context.Context, cfg config.ChainConfig, minter *chain.Minter, led *ledger.Ledger, lg wal.Log, clk clock.Clock, met *metrics.Metrics) *chain.ReorgWatch {
	if cfg.PrimaryRPC == "" {
		log.Println("⛓️ Chain RPC not configured, reorg watch disabled")
		return nil
	}
	primary, err := chain.DialRPC(ctx, cfg.PrimaryRPC)
	if err != nil {
		log.Fatalf("Chain RPC dial failed: %v", err)
	}
	var fallback chain.BlockSource
	if cfg.FallbackRPC != "" {
		fb, err := chain.DialRPC(ctx, cfg.FallbackRPC)
		if err != nil {
			log.Printf("⚠️ Fallback RPC dial failed, continuing without: %v", err)
		} else {
			fallback = fb
		}
	}
	alert := func(rec chain.MintRecord, reason string) {
		log.Printf("🚨 Reorg alert: tx=%s account=%s amount=%d reason=%s",
			rec.TxHash, rec.AccountID, rec.Amount, reason)
	}
	watch := chain.NewReorgWatch(chain.WatchConfig{
		Horizon: cfg.ReorgHorizon.Std(),
		Cadence: cfg.ReorgCadence.Std(),
	}, primary, fallback, minter, led, lg, clk, alert, met)
	log.Printf("⛓️ Reorg watch armed (horizon=%s cadence=%s)",
		cfg.ReorgHorizon.Std(), cfg.ReorgCadence.Std())
	return watch
}

func buildLimiter(rdb *redis.Client, tiers map[string]config.TierRate, clk clock.Clock, met *metrics.Metrics) ratelimit.Limiter {
	limits := make(map[string]ratelimit.Limit, len(tiers))
	for name, tr := range tiers {
		limits[name] = ratelimit.Limit{Max: tr.Max, Window: tr.Window.Std()}
	}
	if rdb != nil {
		return ratelimit.NewRedisLimiter(rdb, limits, "finn:rl", clk, met)
	}
	return ratelimit.NewMemoryLimiter(limits, clk, met)
}

// refreshKeysLoop keeps the JWKS cache inside its healthy window.
func refreshKeysLoop(jwks *auth.JWKSCache) {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		if err := jwks.Refresh(); err != nil {
			log.Printf("⚠️ JWKS refresh failed: %v", err)
		}
	}
}
