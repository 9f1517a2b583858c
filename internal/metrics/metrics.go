// Package metrics registers the gateway's Prometheus instruments.
// One Metrics value is built by the top-level assembly and passed by
// reference; tests construct fresh instances against a private
// registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every instrument the core emits.
type Metrics struct {
	// Billing
	BillingReserves  prometheus.Counter
	BillingCommits   *prometheus.CounterVec // outcome: committed, released, orphaned
	BillingCostMicro prometheus.Histogram

	// Finalize queue
	FinalizeAttempts   *prometheus.CounterVec // result: ack, fail
	FinalizeDeadLetter prometheus.Counter
	FinalizeQueueDepth prometheus.Gauge

	// WAL
	WALAppends   *prometheus.CounterVec // stream
	WALCRCSkips  prometheus.Counter
	FencedWrites prometheus.Counter

	// Streams
	StreamsStarted  *prometheus.CounterVec // billing_method
	StreamsAborted  prometheus.Counter
	StreamTokensOut prometheus.Counter

	// Chain
	ReorgChecks prometheus.Counter
	ReorgAlerts prometheus.Counter

	// Bridge
	BridgeBackpressure prometheus.Counter

	// Rate limiting
	RateLimitDenied *prometheus.CounterVec // tier
}

// New registers all instruments on reg (the default registerer when
// nil).
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		BillingReserves: factory.NewCounter(prometheus.CounterOpts{
			Name: "finn_billing_reserves_total",
			Help: "Billing reservations opened",
		}),
		BillingCommits: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "finn_billing_settlements_total",
			Help: "Billing entries settled by outcome",
		}, []string{"outcome"}),
		BillingCostMicro: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "finn_billing_cost_micro",
			Help:    "Committed cost per request in micro-USD",
			Buckets: prometheus.ExponentialBuckets(100, 10, 7),
		}),
		FinalizeAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "finn_finalize_attempts_total",
			Help: "Finalize attempts against the billing acknowledger",
		}, []string{"result"}),
		FinalizeDeadLetter: factory.NewCounter(prometheus.CounterOpts{
			Name: "finn_finalize_dead_letter_total",
			Help: "Finalize jobs exhausted into the dead-letter stream",
		}),
		FinalizeQueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "finn_finalize_queue_depth",
			Help: "Finalize jobs waiting or in flight",
		}),
		WALAppends: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "finn_wal_appends_total",
			Help: "Records appended to the event log",
		}, []string{"stream"}),
		WALCRCSkips: factory.NewCounter(prometheus.CounterOpts{
			Name: "finn_wal_crc_skips_total",
			Help: "Records skipped on replay due to checksum mismatch",
		}),
		FencedWrites: factory.NewCounter(prometheus.CounterOpts{
			Name: "finn_wal_fenced_writes_total",
			Help: "Appends refused for a stale fencing token",
		}),
		StreamsStarted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "finn_streams_total",
			Help: "Completed streams by billing method",
		}, []string{"billing_method"}),
		StreamsAborted: factory.NewCounter(prometheus.CounterOpts{
			Name: "finn_streams_aborted_total",
			Help: "Streams ended by abort, error, or missing done event",
		}),
		StreamTokensOut: factory.NewCounter(prometheus.CounterOpts{
			Name: "finn_stream_completion_tokens_total",
			Help: "Completion tokens observed across all streams",
		}),
		ReorgChecks: factory.NewCounter(prometheus.CounterOpts{
			Name: "finn_reorg_checks_total",
			Help: "On-chain mints re-verified by the reorg watcher",
		}),
		ReorgAlerts: factory.NewCounter(prometheus.CounterOpts{
			Name: "finn_reorg_alerts_total",
			Help: "Mints frozen after chain divergence",
		}),
		BridgeBackpressure: factory.NewCounter(prometheus.CounterOpts{
			Name: "finn_bridge_backpressure_warnings_total",
			Help: "Slow-consumer warnings issued across all connections",
		}),
		RateLimitDenied: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "finn_rate_limit_denied_total",
			Help: "Requests denied by the sliding-window limiter",
		}, []string{"tier"}),
	}
}
