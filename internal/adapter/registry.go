package adapter

import (
	"log"
	"sync"

	"github.com/lightningnetwork/lnd/clock"

	"github.com/hounfour/finn/internal/breaker"
	"github.com/hounfour/finn/internal/faults"
)

// Registry maps named pools to provider adapters. A pool is the
// tier-facing unit of selection; providers inside it rotate
// round-robin, skipping any whose circuit is open.
type Registry struct {
	clk    clock.Clock
	logger *log.Logger

	mu       sync.Mutex
	adapters map[string]ModelAdapter
	breakers map[string]*breaker.Breaker
	pools    map[string][]string
	cursor   map[string]int
}

// NewRegistry builds an empty registry.
func NewRegistry(clk clock.Clock) *Registry {
	if clk == nil {
		clk = clock.NewDefaultClock()
	}
	return &Registry{
		clk:      clk,
		logger:   log.New(log.Writer(), "[REGISTRY] ", log.LstdFlags),
		adapters: make(map[string]ModelAdapter),
		breakers: make(map[string]*breaker.Breaker),
		pools:    make(map[string][]string),
		cursor:   make(map[string]int),
	}
}

// Register adds a provider adapter under its own circuit breaker.
func (r *Registry) Register(a ModelAdapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := a.Name()
	r.adapters[name] = a
	r.breakers[name] = breaker.New(breaker.Config{
		Name: name,
		OnStateChange: func(n string, from, to breaker.State) {
			r.logger.Printf("⚡ Provider %s circuit %s -> %s", n, from, to)
		},
	}, r.clk)
}

// DefinePool binds a pool name to an ordered provider list.
func (r *Registry) DefinePool(pool string, providers []string) {
	r.mu.Lock()
	r.pools[pool] = append([]string(nil), providers...)
	r.mu.Unlock()
}

// Selection is one admitted provider pick. Callers report the outcome
// through Done so the breaker learns.
type Selection struct {
	Adapter ModelAdapter
	done    func(success bool)
}

// Done reports the call outcome.
func (s *Selection) Done(success bool) {
	if s.done != nil {
		s.done(success)
		s.done = nil
	}
}

// Select picks the next healthy provider in the pool. With every
// circuit open the pool is exhausted and the request fails fast.
func (r *Registry) Select(pool string) (*Selection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	providers, ok := r.pools[pool]
	if !ok || len(providers) == 0 {
		return nil, faults.Newf(faults.KindInputInvalid, "REGISTRY_UNKNOWN_POOL",
			"no providers configured for pool %q", pool)
	}

	start := r.cursor[pool]
	for i := 0; i < len(providers); i++ {
		name := providers[(start+i)%len(providers)]
		a, ok := r.adapters[name]
		if !ok {
			continue
		}
		b := r.breakers[name]
		gen, err := b.Allow()
		if err != nil {
			continue
		}
		r.cursor[pool] = (start + i + 1) % len(providers)
		return &Selection{
			Adapter: a,
			done:    func(success bool) { b.Record(gen, success) },
		}, nil
	}
	return nil, faults.Newf(faults.KindCircuitOpen, "REGISTRY_POOL_EXHAUSTED",
		"every provider in pool %q is degraded", pool)
}

// BreakerState exposes a provider's circuit position for readiness
// checks.
func (r *Registry) BreakerState(provider string) (breaker.State, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[provider]
	if !ok {
		return breaker.StateClosed, false
	}
	return b.State(), true
}

// Providers lists registered provider names.
func (r *Registry) Providers() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		out = append(out, name)
	}
	return out
}
