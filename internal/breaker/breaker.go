// Package breaker guards a dependency with a three-state circuit:
// closed while healthy, open after the trip condition fires, half-open
// to probe recovery.
package breaker

import (
	"sync"
	"time"

	"github.com/lightningnetwork/lnd/clock"

	"github.com/hounfour/finn/internal/faults"
)

// State is the circuit position.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// ErrOpen fails fast while the circuit is open.
var ErrOpen = faults.New(faults.KindCircuitOpen, "CIRCUIT_OPEN",
	"circuit open; request refused")

// Counts is the rolling window of the current generation.
type Counts struct {
	Requests            uint32
	Successes           uint32
	Failures            uint32
	ConsecutiveFailures uint32
}

// Config tunes one breaker.
type Config struct {
	Name string
	// Trip decides on each failure whether to open. Default: 5
	// consecutive failures.
	Trip func(Counts) bool
	// CoolOff is the open period before a half-open probe.
	CoolOff time.Duration
	// HalfOpenMax is the probe budget in half-open state.
	HalfOpenMax uint32
	// OnStateChange observes transitions; may be nil.
	OnStateChange func(name string, from, to State)
}

// Breaker is a clock-injected circuit breaker.
type Breaker struct {
	cfg Config
	clk clock.Clock

	mu         sync.Mutex
	state      State
	counts     Counts
	generation uint64
	openUntil  time.Time
}

// New builds a breaker; zero config fields take defaults.
func New(cfg Config, clk clock.Clock) *Breaker {
	if cfg.Trip == nil {
		cfg.Trip = func(c Counts) bool { return c.ConsecutiveFailures >= 5 }
	}
	if cfg.CoolOff <= 0 {
		cfg.CoolOff = 30 * time.Second
	}
	if cfg.HalfOpenMax == 0 {
		cfg.HalfOpenMax = 1
	}
	if clk == nil {
		clk = clock.NewDefaultClock()
	}
	return &Breaker{cfg: cfg, clk: clk}
}

// State reports the current position, resolving an expired cool-off.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentState()
}

// Allow reserves one request slot. Callers must follow with Record.
func (b *Breaker) Allow() (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.currentState() {
	case StateOpen:
		return b.generation, ErrOpen
	case StateHalfOpen:
		if b.counts.Requests >= b.cfg.HalfOpenMax {
			return b.generation, ErrOpen
		}
	}
	b.counts.Requests++
	return b.generation, nil
}

// Record reports the outcome of an allowed request. Results from a
// previous generation are dropped.
func (b *Breaker) Record(generation uint64, success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if generation != b.generation {
		return
	}
	state := b.currentState()
	if success {
		b.counts.Successes++
		b.counts.ConsecutiveFailures = 0
		if state == StateHalfOpen {
			b.transition(StateClosed)
		}
		return
	}
	b.counts.Failures++
	b.counts.ConsecutiveFailures++
	if state == StateHalfOpen || b.cfg.Trip(b.counts) {
		b.openUntil = b.clk.Now().Add(b.cfg.CoolOff)
		b.transition(StateOpen)
	}
}

// Do runs fn under the breaker.
func (b *Breaker) Do(fn func() error) error {
	gen, err := b.Allow()
	if err != nil {
		return err
	}
	err = fn()
	b.Record(gen, err == nil)
	return err
}

func (b *Breaker) currentState() State {
	if b.state == StateOpen && !b.clk.Now().Before(b.openUntil) {
		b.transition(StateHalfOpen)
	}
	return b.state
}

func (b *Breaker) transition(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	b.generation++
	b.counts = Counts{}
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(b.cfg.Name, from, to)
	}
}
