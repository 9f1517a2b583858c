package leader

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// MemoryElection is a process-local election shared by all MemoryLock
// instances built from it. Used in tests and single-node dev where no
// Redis is configured.
type MemoryElection struct {
	mu      sync.Mutex
	holder  string
	fencing uint64
}

// NewMemoryElection creates an empty election.
func NewMemoryElection() *MemoryElection { return &MemoryElection{} }

// MemoryLock is one participant in a MemoryElection.
type MemoryLock struct {
	election *MemoryElection
	holderID string
	onLoss   LossFn

	mu    sync.Mutex
	held  bool
	token uint64
}

// NewMemoryLock creates a participant with its own identity.
func (e *MemoryElection) NewMemoryLock(holderID string, onLoss LossFn) *MemoryLock {
	if holderID == "" {
		holderID = uuid.NewString()
	}
	return &MemoryLock{election: e, holderID: holderID, onLoss: onLoss}
}

// Acquire implements Lock.
func (l *MemoryLock) Acquire(ctx context.Context) (AcquireResult, error) {
	l.election.mu.Lock()
	defer l.election.mu.Unlock()

	if l.election.holder != "" && l.election.holder != l.holderID {
		return AcquireResult{Acquired: false, CurrentHolder: l.election.holder}, nil
	}

	l.election.holder = l.holderID
	l.election.fencing++
	token := l.election.fencing

	l.mu.Lock()
	l.held = true
	l.token = token
	l.mu.Unlock()

	return AcquireResult{Acquired: true, FencingToken: token, CurrentHolder: l.holderID}, nil
}

// Release implements Lock.
func (l *MemoryLock) Release(ctx context.Context) error {
	l.election.mu.Lock()
	if l.election.holder == l.holderID {
		l.election.holder = ""
	}
	l.election.mu.Unlock()

	l.mu.Lock()
	l.held = false
	l.mu.Unlock()
	return nil
}

// Validate implements Lock.
func (l *MemoryLock) Validate(token uint64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held && token == l.token
}

// Steal forcibly expires the current holder's lease, simulating TTL
// expiry. The deposed participant observes the loss.
func (e *MemoryElection) Steal() {
	e.mu.Lock()
	e.holder = ""
	e.mu.Unlock()
}

// NotifyLost flips a participant to lost and fires its loss callback.
// Test hook mirroring what the Redis refresher does on refresh failure.
func (l *MemoryLock) NotifyLost() {
	l.mu.Lock()
	wasHeld := l.held
	l.held = false
	l.mu.Unlock()
	if wasHeld && l.onLoss != nil {
		l.onLoss()
	}
}

var _ Lock = (*MemoryLock)(nil)
