// Package orchestrator drives batch analysis runs: chunking, fan-out,
// per-item failure isolation, progress tracking, and cooperative
// cancellation.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/jonesrussell/mailtriage/internal/backend"
	"github.com/jonesrussell/mailtriage/internal/cache"
	"github.com/jonesrussell/mailtriage/internal/domain"
	"github.com/jonesrussell/mailtriage/internal/gate"
	"github.com/jonesrussell/mailtriage/internal/logging"
	"github.com/jonesrussell/mailtriage/internal/ratelimit"
	"github.com/jonesrussell/mailtriage/internal/retry"
	"github.com/jonesrussell/mailtriage/internal/scheduler"
	"github.com/jonesrussell/mailtriage/internal/semaphore"
	"github.com/jonesrussell/mailtriage/internal/telemetry"
)

const (
	// defaultChunkSize is how many messages are processed between progress
	// persists and cancellation checks.
	defaultChunkSize = 10
	// defaultCacheTTL is how long analysis results stay valid.
	defaultCacheTTL = 24 * time.Hour
	// reviewTagColor is the color for tags created on the fly.
	reviewTagColor = "#6b7280"
)

var (
	// ErrRunInProgress is returned when a batch run is already running.
	ErrRunInProgress = errors.New("a batch run is already in progress")
)

// RunSettings selects the backend and dispatch priority for one batch run.
type RunSettings struct {
	BackendID string
	Priority  int
}

// Config holds orchestrator tuning.
type Config struct {
	ChunkSize       int
	CacheTTL        time.Duration
	GlobalThreshold int
	Retry           retry.Config
}

// Orchestrator coordinates the fetch -> analyze -> gate -> tag pipeline.
type Orchestrator struct {
	mailStore    MailStore
	tagRegistry  TagRegistry
	progressSink ProgressSink
	reviewSink   ReviewSink
	notifier     Notifier

	analyzers    *backend.Registry
	sched        *scheduler.Scheduler
	sem          *semaphore.Keyed
	cache        cache.Store
	gate         *gate.Gate
	fetchLimiter *ratelimit.Limiter

	cfg       Config
	logger    logging.Logger
	telemetry *telemetry.Provider

	mu        sync.Mutex
	running   bool
	progress  domain.BatchProgress
	cancelled atomic.Bool
}

// Deps bundles the orchestrator's collaborators and pipeline components.
type Deps struct {
	MailStore    MailStore
	TagRegistry  TagRegistry
	ProgressSink ProgressSink
	ReviewSink   ReviewSink
	Notifier     Notifier
	Analyzers    *backend.Registry
	Scheduler    *scheduler.Scheduler
	Semaphore    *semaphore.Keyed
	Cache        cache.Store
	Gate         *gate.Gate
	FetchLimiter *ratelimit.Limiter
	Telemetry    *telemetry.Provider
}

// New creates an orchestrator.
func New(deps Deps, cfg Config, logger logging.Logger) *Orchestrator {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = defaultChunkSize
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = defaultCacheTTL
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultConfig()
	}
	return &Orchestrator{
		mailStore:    deps.MailStore,
		tagRegistry:  deps.TagRegistry,
		progressSink: deps.ProgressSink,
		reviewSink:   deps.ReviewSink,
		notifier:     deps.Notifier,
		analyzers:    deps.Analyzers,
		sched:        deps.Scheduler,
		sem:          deps.Semaphore,
		cache:        deps.Cache,
		gate:         deps.Gate,
		fetchLimiter: deps.FetchLimiter,
		cfg:          cfg,
		logger:       logger,
		telemetry:    deps.Telemetry,
		progress:     domain.BatchProgress{Status: domain.BatchIdle},
	}
}

// Start validates settings and launches a batch run in the background.
// Exactly one run may be in flight; a second Start is rejected. Validation
// failures are configuration errors and fail before any work is dispatched.
func (o *Orchestrator) Start(ctx context.Context, messageIDs []string, settings RunSettings) error {
	analyzer, err := o.analyzers.Get(settings.BackendID)
	if err != nil {
		return err
	}

	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return ErrRunInProgress
	}
	o.running = true
	o.cancelled.Store(false)
	o.progress = domain.BatchProgress{
		RunID:     uuid.NewString(),
		Status:    domain.BatchRunning,
		Total:     len(messageIDs),
		StartTime: time.Now(),
	}
	progress := o.progress
	o.mu.Unlock()

	o.persist(ctx, &progress)
	o.logger.Info("Batch run starting",
		logging.String("run_id", progress.RunID),
		logging.String("backend", settings.BackendID),
		logging.Int("total", progress.Total),
		logging.Int("chunk_size", o.cfg.ChunkSize),
	)

	go o.run(ctx, messageIDs, settings, analyzer)
	return nil
}

// Cancel requests cooperative cancellation. The run stops at the next chunk
// boundary; in-flight calls inside the current chunk are not aborted.
func (o *Orchestrator) Cancel() {
	o.cancelled.Store(true)
	o.logger.Info("Batch cancellation requested")
}

// Progress returns a snapshot of the current run state.
func (o *Orchestrator) Progress() domain.BatchProgress {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.progress
}

// run executes the whole batch. A panic escaping the per-item isolation is a
// bug, not an item failure; it lands the run in the error state with
// counters preserved.
func (o *Orchestrator) run(ctx context.Context, messageIDs []string, settings RunSettings, analyzer backend.Analyzer) {
	defer func() {
		if r := recover(); r != nil {
			o.finish(ctx, domain.BatchError, fmt.Sprintf("unhandled failure: %v", r))
		}
	}()

	if o.telemetry != nil {
		var span trace.Span
		ctx, span = o.telemetry.Tracer.Start(ctx, "batch.run")
		defer span.End()
	}

	for start := 0; start < len(messageIDs); start += o.cfg.ChunkSize {
		if o.cancelled.Load() || ctx.Err() != nil {
			o.finish(ctx, domain.BatchCancelled, "")
			return
		}

		end := start + o.cfg.ChunkSize
		if end > len(messageIDs) {
			end = len(messageIDs)
		}
		chunk := messageIDs[start:end]

		chunkStart := time.Now()
		successful, failed := o.processChunk(ctx, chunk, settings, analyzer)

		o.mu.Lock()
		o.progress.Processed += len(chunk)
		o.progress.Successful += successful
		o.progress.Failed += failed
		progress := o.progress
		o.mu.Unlock()

		o.persist(ctx, &progress)

		if o.telemetry != nil {
			o.telemetry.Metrics.ChunkDuration.Observe(time.Since(chunkStart).Seconds())
		}
		o.logger.Info("Chunk complete",
			logging.String("run_id", progress.RunID),
			logging.Int("processed", progress.Processed),
			logging.Int("successful", progress.Successful),
			logging.Int("failed", progress.Failed),
			logging.Duration("duration", time.Since(chunkStart)),
		)
	}

	o.finish(ctx, domain.BatchCompleted, "")
}

// finish moves the run to a terminal state, persists it, and notifies.
func (o *Orchestrator) finish(ctx context.Context, status domain.BatchStatus, errorMessage string) {
	now := time.Now()

	o.mu.Lock()
	o.running = false
	o.progress.Status = status
	o.progress.EndTime = &now
	o.progress.ErrorMessage = errorMessage
	progress := o.progress
	o.mu.Unlock()

	o.persist(ctx, &progress)

	if o.telemetry != nil {
		o.telemetry.Metrics.BatchesTotal.WithLabelValues(string(status)).Inc()
	}
	o.logger.Info("Batch run finished",
		logging.String("run_id", progress.RunID),
		logging.String("status", string(status)),
		logging.Int("successful", progress.Successful),
		logging.Int("failed", progress.Failed),
	)

	if o.notifier != nil {
		go o.notifier.BatchFinished(progress)
	}
}

// persist writes progress through the sink; a persist failure is logged, not
// fatal, since the in-memory state remains authoritative for this process.
func (o *Orchestrator) persist(ctx context.Context, progress *domain.BatchProgress) {
	if err := o.progressSink.Persist(ctx, progress); err != nil {
		o.logger.Warn("Failed to persist batch progress",
			logging.String("run_id", progress.RunID),
			logging.Error(err),
		)
	}
}

// processChunk runs every message of one chunk in parallel with per-item
// isolation and returns the successful and failed counts.
func (o *Orchestrator) processChunk(ctx context.Context, chunk []string, settings RunSettings, analyzer backend.Analyzer) (successful, failed int) {
	// Tag configuration is re-read per chunk so threshold edits between
	// batches (and mid-run) take effect and feed the cache key.
	knownTags, err := o.tagRegistry.ListKnownTags(ctx)
	if err != nil {
		o.logger.Error("Failed to list known tags; chunk counts as failed", logging.Error(err))
		return 0, len(chunk)
	}
	thresholds := gate.ThresholdsFromTags(knownTags, o.cfg.GlobalThreshold)

	var wg sync.WaitGroup
	outcomes := make([]error, len(chunk))

	for i, id := range chunk {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			defer func() {
				// A panic for one message is that message's failure, not
				// the run's.
				if r := recover(); r != nil {
					outcomes[i] = fmt.Errorf("panic processing message %s: %v", id, r)
				}
			}()
			outcomes[i] = o.processMessage(ctx, id, settings, analyzer, knownTags, thresholds)
		}(i, id)
	}
	wg.Wait()

	runID := o.Progress().RunID
	for i, err := range outcomes {
		if err != nil {
			failed++
			o.logger.Warn("Message failed",
				logging.String("run_id", runID),
				logging.String("message_id", chunk[i]),
				logging.Error(err),
			)
			if o.telemetry != nil {
				o.telemetry.Metrics.MessagesProcessed.WithLabelValues("failed").Inc()
			}
			continue
		}
		successful++
		if o.telemetry != nil {
			o.telemetry.Metrics.MessagesProcessed.WithLabelValues("success").Inc()
		}
	}
	return successful, failed
}

// processMessage runs the full pipeline for one message. Any returned error
// is an isolated item failure.
func (o *Orchestrator) processMessage(
	ctx context.Context,
	id string,
	settings RunSettings,
	analyzer backend.Analyzer,
	knownTags []domain.KnownTag,
	thresholds gate.Thresholds,
) error {
	msg, err := o.fetchMessage(ctx, id)
	if err != nil {
		return fmt.Errorf("fetch: %w", err)
	}

	result, err := o.analyze(ctx, msg, settings, analyzer, knownTags)
	if err != nil {
		return fmt.Errorf("analyze: %w", err)
	}

	decision := o.gate.Decide(result, thresholds)

	if err := o.applyTags(ctx, msg.ID, decision.Applied, knownTags); err != nil {
		// A tagging failure demotes the message to failed even though the
		// analysis itself succeeded.
		return fmt.Errorf("apply tags: %w", err)
	}

	o.recordFlagged(ctx, msg.ID, decision.Flagged)

	if o.telemetry != nil {
		o.telemetry.Metrics.TagsApplied.Add(float64(len(decision.Applied)))
		o.telemetry.Metrics.TagsFlagged.Add(float64(len(decision.Flagged)))
	}
	return nil
}

// fetchMessage pulls full message content under the fetch rate limit.
func (o *Orchestrator) fetchMessage(ctx context.Context, id string) (*domain.EmailMessage, error) {
	if o.fetchLimiter != nil {
		if err := o.fetchLimiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	return o.mailStore.FetchFullMessage(ctx, id)
}

// analyze returns a cached result when the content and tag configuration
// match a prior analysis; otherwise it schedules a backend call under the
// quota, concurrency cap, and retry policy.
func (o *Orchestrator) analyze(
	ctx context.Context,
	msg *domain.EmailMessage,
	settings RunSettings,
	analyzer backend.Analyzer,
	knownTags []domain.KnownTag,
) (*domain.AnalysisResult, error) {
	key := cache.Key(msg, knownTags, o.cfg.GlobalThreshold)

	cached, ok, err := o.cache.Get(ctx, key)
	if err != nil {
		// A broken cache backend degrades to a miss, but loudly.
		o.logger.Warn("Cache lookup failed",
			logging.String("message_id", msg.ID),
			logging.Error(err),
		)
	} else if ok {
		if o.telemetry != nil {
			o.telemetry.Metrics.CacheHits.Inc()
		}
		o.logger.Debug("Analysis served from cache", logging.String("message_id", msg.ID))
		return cached, nil
	}
	if o.telemetry != nil {
		o.telemetry.Metrics.CacheMisses.Inc()
	}

	work := func(ctx context.Context) (*domain.AnalysisResult, error) {
		if err := o.sem.Acquire(ctx, analyzer.Name(), analyzer.Model()); err != nil {
			return nil, err
		}
		defer o.sem.Release(analyzer.Name(), analyzer.Model())

		if o.telemetry != nil {
			o.telemetry.Metrics.SemaphoreActive.
				WithLabelValues(analyzer.Name(), analyzer.Model()).
				Set(float64(o.sem.Active(analyzer.Name(), analyzer.Model())))
		}

		start := time.Now()
		attempts := 0
		var result *domain.AnalysisResult
		err := retry.Do(ctx, o.cfg.Retry, func() error {
			attempts++
			var callErr error
			result, callErr = analyzer.Analyze(ctx, msg, knownTags)
			return callErr
		})
		if o.telemetry != nil && attempts > 1 {
			o.telemetry.Metrics.RetriesTotal.Add(float64(attempts - 1))
		}
		if o.telemetry != nil {
			o.telemetry.Metrics.AnalysisDuration.
				WithLabelValues(analyzer.Name()).
				Observe(time.Since(start).Seconds())
		}
		return result, err
	}

	done, err := o.sched.Submit(ctx, settings.BackendID, settings.Priority, work)
	if err != nil {
		return nil, err
	}

	outcome := <-done
	if outcome.Err != nil {
		return nil, outcome.Err
	}

	if err := o.cache.Set(ctx, key, outcome.Value, o.cfg.CacheTTL); err != nil {
		o.logger.Warn("Failed to cache analysis result",
			logging.String("message_id", msg.ID),
			logging.Error(err),
		)
	}
	return outcome.Value, nil
}

// applyTags merges the gated tags into the message's existing tag set,
// registering unknown tags first so the store accepts them.
func (o *Orchestrator) applyTags(ctx context.Context, messageID string, applied []string, knownTags []domain.KnownTag) error {
	if len(applied) == 0 {
		return nil
	}

	known := make(map[string]bool, len(knownTags))
	for _, t := range knownTags {
		known[t.Key] = true
	}
	for _, tag := range applied {
		if !known[tag] {
			if err := o.tagRegistry.EnsureTagExists(ctx, tag, tag, reviewTagColor); err != nil {
				return fmt.Errorf("ensure tag %s: %w", tag, err)
			}
		}
	}

	existing, err := o.mailStore.GetMessageTags(ctx, messageID)
	if err != nil {
		return err
	}

	current := make(map[string]bool, len(existing))
	merged := make([]string, 0, len(existing)+len(applied))
	for _, tag := range existing {
		current[tag] = true
		merged = append(merged, tag)
	}
	for _, tag := range applied {
		if !current[tag] {
			merged = append(merged, tag)
		}
	}

	return o.mailStore.SetMessageTags(ctx, messageID, merged)
}

// recordFlagged hands withheld tags to the review sink. A sink failure is
// logged; it never demotes the message.
func (o *Orchestrator) recordFlagged(ctx context.Context, messageID string, flagged []domain.FlaggedTag) {
	if len(flagged) == 0 || o.reviewSink == nil {
		return
	}
	runID := o.Progress().RunID
	if err := o.reviewSink.RecordFlagged(ctx, runID, messageID, flagged); err != nil {
		o.logger.Warn("Failed to record flagged tags",
			logging.String("message_id", messageID),
			logging.Error(err),
		)
	}
}
