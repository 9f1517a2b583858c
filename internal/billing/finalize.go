package billing

import (
	"context"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/lightningnetwork/lnd/queue"

	"github.com/hounfour/finn/internal/metrics"
	"github.com/hounfour/finn/internal/wal"
)

// StreamDeadLetter is the WAL stream receiving exhausted finalize jobs.
const StreamDeadLetter = "billing_dlq"

// EventFinalizeDeadLetter marks a job parked after max attempts.
const EventFinalizeDeadLetter = "billing_finalize_dead_letter"

// FinalizeJob is one pending acknowledgement.
type FinalizeJob struct {
	EntryID       string `json:"entry_id"`
	AccountID     string `json:"account_id"`
	Amount        uint64 `json:"amount"`
	CorrelationID string `json:"correlation_id"`
	Attempt       int    `json:"attempt"`
}

// Acknowledger is the external billing system the queue settles
// against. Implementations must be safe for concurrent use.
type Acknowledger interface {
	Finalize(ctx context.Context, entryID, accountID string, amount uint64, correlationID string) (status int, err error)
}

// AlertFn is raised when a job dead-letters. Runs on a queue worker.
type AlertFn func(job FinalizeJob, lastErr error)

// FinalizeQueueConfig tunes retry behavior.
type FinalizeQueueConfig struct {
	Workers     int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	MaxAttempts int
	Jitter      float64 // fraction of the backoff, e.g. 0.2 for ±20%
	CallTimeout time.Duration
}

// DefaultFinalizeQueueConfig mirrors the retry policy of the upstream
// billing bridge.
func DefaultFinalizeQueueConfig() FinalizeQueueConfig {
	return FinalizeQueueConfig{
		Workers:     2,
		BaseBackoff: 500 * time.Millisecond,
		MaxBackoff:  2 * time.Minute,
		MaxAttempts: 6,
		Jitter:      0.2,
		CallTimeout: 10 * time.Second,
	}
}

// FinalizeQueue delivers commits to the acknowledger at least once,
// with exponential backoff between attempts and a dead-letter stream
// after exhaustion. Each item is consumed by at most one worker.
type FinalizeQueue struct {
	cfg     FinalizeQueueConfig
	machine *StateMachine
	ack     Acknowledger
	log     wal.Log
	alert   AlertFn
	met     *metrics.Metrics
	logger  *log.Logger

	jobs   *queue.ConcurrentQueue
	wg     sync.WaitGroup
	cancel context.CancelFunc

	mu      sync.Mutex
	timers  []*time.Timer
	stopped bool
}

// NewFinalizeQueue builds the queue; Start launches its workers.
// met and alert may be nil.
func NewFinalizeQueue(cfg FinalizeQueueConfig, machine *StateMachine, ack Acknowledger, lg wal.Log, alert AlertFn, met *metrics.Metrics) *FinalizeQueue {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = 500 * time.Millisecond
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 6
	}
	return &FinalizeQueue{
		cfg:     cfg,
		machine: machine,
		ack:     ack,
		log:     lg,
		alert:   alert,
		met:     met,
		logger:  log.New(log.Writer(), "[FINALIZE] ", log.LstdFlags),
		jobs:    queue.NewConcurrentQueue(64),
	}
}

// Start launches the worker pool.
func (q *FinalizeQueue) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	q.cancel = cancel
	q.jobs.Start()
	for i := 0; i < q.cfg.Workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx)
	}
}

// Stop drains workers and cancels pending retry timers. No timer
// survives the queue's lifetime.
func (q *FinalizeQueue) Stop() {
	q.mu.Lock()
	q.stopped = true
	for _, t := range q.timers {
		t.Stop()
	}
	q.timers = nil
	q.mu.Unlock()

	if q.cancel != nil {
		q.cancel()
	}
	q.jobs.Stop()
	q.wg.Wait()
}

// Enqueue implements Enqueuer.
func (q *FinalizeQueue) Enqueue(job FinalizeJob) {
	if job.Attempt == 0 {
		job.Attempt = 1
	}
	if q.met != nil {
		q.met.FinalizeQueueDepth.Inc()
	}
	q.jobs.ChanIn() <- job
}

func (q *FinalizeQueue) worker(ctx context.Context) {
	defer q.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case item, ok := <-q.jobs.ChanOut():
			if !ok {
				return
			}
			job := item.(FinalizeJob)
			q.process(ctx, job)
			if q.met != nil {
				q.met.FinalizeQueueDepth.Dec()
			}
		}
	}
}

func (q *FinalizeQueue) process(ctx context.Context, job FinalizeJob) {
	callCtx, cancel := context.WithTimeout(ctx, q.cfg.CallTimeout)
	status, err := q.ack.Finalize(callCtx, job.EntryID, job.AccountID, job.Amount, job.CorrelationID)
	cancel()

	if err == nil {
		if q.met != nil {
			q.met.FinalizeAttempts.WithLabelValues("ack").Inc()
		}
		if _, ackErr := q.machine.FinalizeAck(ctx, job.EntryID, status); ackErr != nil {
			q.logger.Printf("❌ Ack bookkeeping failed for entry %s: %v", job.EntryID, ackErr)
		}
		return
	}

	if q.met != nil {
		q.met.FinalizeAttempts.WithLabelValues("fail").Inc()
	}
	if _, failErr := q.machine.FinalizeFail(ctx, job.EntryID, job.Attempt, err.Error()); failErr != nil {
		q.logger.Printf("❌ Fail bookkeeping failed for entry %s: %v", job.EntryID, failErr)
	}

	if job.Attempt >= q.cfg.MaxAttempts {
		q.deadLetter(ctx, job, err)
		return
	}

	delay := q.backoff(job.Attempt)
	q.logger.Printf("⏳ Entry %s finalize attempt %d failed (%v); retrying in %s",
		job.EntryID, job.Attempt, err, delay)
	q.scheduleRetry(job, delay)
}

// backoff computes base·2^(attempt-1)·(1±jitter), capped at MaxBackoff.
func (q *FinalizeQueue) backoff(attempt int) time.Duration {
	d := q.cfg.BaseBackoff << uint(attempt-1)
	if q.cfg.MaxBackoff > 0 && d > q.cfg.MaxBackoff {
		d = q.cfg.MaxBackoff
	}
	if q.cfg.Jitter > 0 {
		spread := 1 + q.cfg.Jitter*(2*rand.Float64()-1)
		d = time.Duration(float64(d) * spread)
	}
	return d
}

func (q *FinalizeQueue) scheduleRetry(job FinalizeJob, delay time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		return
	}
	next := job
	next.Attempt++
	t := time.AfterFunc(delay, func() {
		if err := q.machine.Requeue(next.EntryID); err != nil {
			q.logger.Printf("⚠️ Requeue of entry %s refused: %v", next.EntryID, err)
			return
		}
		q.mu.Lock()
		stopped := q.stopped
		q.mu.Unlock()
		if stopped {
			return
		}
		if q.met != nil {
			q.met.FinalizeQueueDepth.Inc()
		}
		q.jobs.ChanIn() <- next
	})
	q.timers = append(q.timers, t)
}

// deadLetter parks the job on the dead-letter stream and raises the
// operator alert. At-least-once delivery ends here; recovery is manual
// (finnctl drain).
func (q *FinalizeQueue) deadLetter(ctx context.Context, job FinalizeJob, lastErr error) {
	if q.met != nil {
		q.met.FinalizeDeadLetter.Inc()
	}
	payload := map[string]interface{}{
		"entry_id":       job.EntryID,
		"account_id":     job.AccountID,
		"amount":         job.Amount,
		"correlation_id": job.CorrelationID,
		"attempts":       job.Attempt,
		"last_error":     lastErr.Error(),
	}
	if _, err := q.log.Append(ctx, StreamDeadLetter, EventFinalizeDeadLetter, payload, job.CorrelationID); err != nil {
		q.logger.Printf("❌ Dead-letter append failed for entry %s: %v", job.EntryID, err)
	}
	q.logger.Printf("💀 Entry %s dead-lettered after %d attempts: %v", job.EntryID, job.Attempt, lastErr)
	if q.alert != nil {
		q.alert(job, lastErr)
	}
}

var _ Enqueuer = (*FinalizeQueue)(nil)
