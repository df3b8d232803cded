// Package scheduler dispatches analysis work per backend, highest priority
// first, under each backend's token-bucket quota.
package scheduler

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonesrussell/mailtriage/internal/logging"
	"github.com/jonesrussell/mailtriage/internal/ratelimit"
	"github.com/jonesrussell/mailtriage/internal/telemetry"
)

// defaultPollInterval is how long the drain loop sleeps when the bucket has
// no token. A busy-poll keeps the loop simple; the latency cost is bounded by
// this interval.
const defaultPollInterval = 100 * time.Millisecond

// ErrUnknownBackend is returned when work is submitted for a backend that
// was never configured.
var ErrUnknownBackend = errors.New("unknown backend")

// BackendConfig describes one backend's admission quota.
type BackendConfig struct {
	// Capacity is the number of requests admitted per Window.
	Capacity int
	// Window is the quota refill window.
	Window time.Duration
}

// backendQueue owns one backend's bucket and pending-task heap. The mutex
// serializes queue access; the bucket serializes itself.
type backendQueue struct {
	name     string
	bucket   *ratelimit.TokenBucket
	mu       sync.Mutex
	tasks    taskHeap
	seq      uint64
	draining bool
}

// Scheduler owns one queue per configured backend. Backends are fixed at
// construction; submission to anything else fails fast.
type Scheduler struct {
	backends     map[string]*backendQueue
	pollInterval time.Duration
	logger       logging.Logger
	telemetry    *telemetry.Provider
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithPollInterval overrides the bucket poll interval.
func WithPollInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.pollInterval = d
		}
	}
}

// WithTelemetry attaches a telemetry provider.
func WithTelemetry(tp *telemetry.Provider) Option {
	return func(s *Scheduler) {
		s.telemetry = tp
	}
}

// New creates a scheduler with one queue and token bucket per configured
// backend.
func New(backends map[string]BackendConfig, logger logging.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		backends:     make(map[string]*backendQueue, len(backends)),
		pollInterval: defaultPollInterval,
		logger:       logger,
	}
	for name, cfg := range backends {
		s.backends[name] = &backendQueue{
			name:   name,
			bucket: ratelimit.NewTokenBucket(cfg.Capacity, cfg.Window),
		}
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Submit enqueues work for a backend. The returned channel receives exactly
// one Result once the work has been dispatched and finished. Submitting to an
// unconfigured backend fails immediately.
func (s *Scheduler) Submit(ctx context.Context, backendID string, priority int, work Work) (<-chan Result, error) {
	bq, ok := s.backends[backendID]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, backendID)
	}

	t := &task{
		ctx:        ctx,
		work:       work,
		priority:   priority,
		enqueuedAt: time.Now(),
		done:       make(chan Result, 1),
	}

	bq.mu.Lock()
	bq.seq++
	t.seq = bq.seq
	heap.Push(&bq.tasks, t)
	depth := bq.tasks.Len()
	startDrain := !bq.draining
	if startDrain {
		bq.draining = true
	}
	bq.mu.Unlock()

	if s.telemetry != nil {
		s.telemetry.Metrics.QueueDepth.WithLabelValues(backendID).Set(float64(depth))
	}
	s.logger.Debug("Task enqueued",
		logging.String("backend", backendID),
		logging.Int("priority", priority),
		logging.Int("queue_depth", depth),
	)

	if startDrain {
		go s.drain(bq)
	}

	return t.done, nil
}

// QueueDepth returns the number of pending tasks for a backend.
func (s *Scheduler) QueueDepth(backendID string) int {
	bq, ok := s.backends[backendID]
	if !ok {
		return 0
	}
	bq.mu.Lock()
	defer bq.mu.Unlock()
	return bq.tasks.Len()
}

// Tokens returns the current token count for a backend's bucket.
func (s *Scheduler) Tokens(backendID string) float64 {
	bq, ok := s.backends[backendID]
	if !ok {
		return 0
	}
	return bq.bucket.Tokens()
}

// Backends returns the configured backend identifiers.
func (s *Scheduler) Backends() []string {
	names := make([]string, 0, len(s.backends))
	for name := range s.backends {
		names = append(names, name)
	}
	return names
}

// drain admits tasks until the backend queue is empty. Exactly one drain
// goroutine runs per backend at a time; Submit restarts it when new work
// arrives on an idle queue. Admission is serialized on the bucket, but each
// admitted task runs in its own goroutine: in-flight work never blocks the
// next dispatch, so the per-model concurrency cap is enforced by the callers'
// semaphore, not by the queue. The highest-priority task is picked at token
// time, not ahead of it.
func (s *Scheduler) drain(bq *backendQueue) {
	for {
		bq.mu.Lock()
		if bq.tasks.Len() == 0 {
			bq.draining = false
			bq.mu.Unlock()
			return
		}
		bq.mu.Unlock()

		if !bq.bucket.TryTake() {
			s.reapCancelled(bq)
			time.Sleep(s.pollInterval)
			continue
		}

		bq.mu.Lock()
		t := heap.Pop(&bq.tasks).(*task)
		depth := bq.tasks.Len()
		bq.mu.Unlock()

		if s.telemetry != nil {
			s.telemetry.Metrics.QueueDepth.WithLabelValues(bq.name).Set(float64(depth))
			s.telemetry.Metrics.BucketTokens.WithLabelValues(bq.name).Set(bq.bucket.Tokens())
		}

		// A task whose submitter already gave up must not consume quota.
		if err := t.ctx.Err(); err != nil {
			bq.bucket.Refund()
			t.done <- Result{Err: err}
			continue
		}

		go s.run(bq, t)
	}
}

// reapCancelled removes tasks whose context is done while the queue waits on
// quota, delivering their error without consuming a token. Keeps cancellation
// responsive through a long bucket drought.
func (s *Scheduler) reapCancelled(bq *backendQueue) {
	bq.mu.Lock()
	defer bq.mu.Unlock()

	for i := 0; i < bq.tasks.Len(); {
		t := bq.tasks[i]
		if err := t.ctx.Err(); err != nil {
			heap.Remove(&bq.tasks, i)
			t.done <- Result{Err: err}
			continue
		}
		i++
	}
}

// run executes one admitted task and delivers its outcome on the completion
// channel.
func (s *Scheduler) run(bq *backendQueue, t *task) {
	start := time.Now()
	value, err := t.work(t.ctx)
	if err != nil {
		s.logger.Warn("Task failed",
			logging.String("backend", bq.name),
			logging.Duration("queued_for", start.Sub(t.enqueuedAt)),
			logging.Error(err),
		)
	} else {
		s.logger.Debug("Task dispatched",
			logging.String("backend", bq.name),
			logging.Duration("queued_for", start.Sub(t.enqueuedAt)),
			logging.Duration("duration", time.Since(start)),
		)
	}
	t.done <- Result{Value: value, Err: err}
}
