//nolint:testpackage // Testing internal run state requires same package access
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonesrussell/mailtriage/internal/backend"
	"github.com/jonesrussell/mailtriage/internal/cache"
	"github.com/jonesrussell/mailtriage/internal/domain"
	"github.com/jonesrussell/mailtriage/internal/gate"
	"github.com/jonesrussell/mailtriage/internal/logging"
	"github.com/jonesrussell/mailtriage/internal/retry"
	"github.com/jonesrussell/mailtriage/internal/scheduler"
	"github.com/jonesrussell/mailtriage/internal/semaphore"
)

// fakeMailStore serves canned messages and records tag writes.
type fakeMailStore struct {
	mu        sync.Mutex
	messages  map[string]*domain.EmailMessage
	tags      map[string][]string
	fetchErr  map[string]error
	setTagErr map[string]error
}

func newFakeMailStore() *fakeMailStore {
	return &fakeMailStore{
		messages:  make(map[string]*domain.EmailMessage),
		tags:      make(map[string][]string),
		fetchErr:  make(map[string]error),
		setTagErr: make(map[string]error),
	}
}

func (f *fakeMailStore) addMessage(id, subject, body string) {
	f.messages[id] = &domain.EmailMessage{
		ID:      id,
		Headers: map[string]string{"From": "sender@example.com", "Subject": subject},
		Body:    body,
	}
}

func (f *fakeMailStore) ListMessages(_ context.Context, _ string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, 0, len(f.messages))
	for id := range f.messages {
		ids = append(ids, id)
	}
	return ids, nil
}

func (f *fakeMailStore) FetchFullMessage(_ context.Context, id string) (*domain.EmailMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fetchErr[id]; err != nil {
		return nil, err
	}
	msg, ok := f.messages[id]
	if !ok {
		return nil, fmt.Errorf("no such message %s", id)
	}
	return msg, nil
}

func (f *fakeMailStore) GetMessageTags(_ context.Context, id string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.tags[id]...), nil
}

func (f *fakeMailStore) SetMessageTags(_ context.Context, id string, tags []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.setTagErr[id]; err != nil {
		return err
	}
	f.tags[id] = append([]string(nil), tags...)
	return nil
}

func (f *fakeMailStore) tagsFor(id string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.tags[id]...)
}

// fakeTagRegistry serves a fixed known-tag list.
type fakeTagRegistry struct {
	mu        sync.Mutex
	known     []domain.KnownTag
	ensured   []string
	listErr   error
	listPanic bool
}

func (f *fakeTagRegistry) ListKnownTags(_ context.Context) ([]domain.KnownTag, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listPanic {
		panic("registry exploded")
	}
	if f.listErr != nil {
		return nil, f.listErr
	}
	return append([]domain.KnownTag(nil), f.known...), nil
}

func (f *fakeTagRegistry) EnsureTagExists(_ context.Context, key, _, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ensured = append(f.ensured, key)
	return nil
}

// fakeProgressSink collects every persisted snapshot.
type fakeProgressSink struct {
	mu        sync.Mutex
	snapshots []domain.BatchProgress
}

func (f *fakeProgressSink) Persist(_ context.Context, p *domain.BatchProgress) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapshots = append(f.snapshots, *p)
	return nil
}

func (f *fakeProgressSink) Read(_ context.Context) (*domain.BatchProgress, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.snapshots) == 0 {
		return nil, nil
	}
	last := f.snapshots[len(f.snapshots)-1]
	return &last, nil
}

// fakeReviewSink records flagged tags per message.
type fakeReviewSink struct {
	mu      sync.Mutex
	flagged map[string][]domain.FlaggedTag
}

func newFakeReviewSink() *fakeReviewSink {
	return &fakeReviewSink{flagged: make(map[string][]domain.FlaggedTag)}
}

func (f *fakeReviewSink) RecordFlagged(_ context.Context, _, messageID string, flagged []domain.FlaggedTag) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flagged[messageID] = append(f.flagged[messageID], flagged...)
	return nil
}

// fakeNotifier signals terminal runs so tests can wait instead of polling.
type fakeNotifier struct {
	done chan domain.BatchProgress
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{done: make(chan domain.BatchProgress, 8)}
}

func (f *fakeNotifier) BatchFinished(progress domain.BatchProgress) {
	f.done <- progress
}

func (f *fakeNotifier) wait(t *testing.T) domain.BatchProgress {
	t.Helper()
	select {
	case p := <-f.done:
		return p
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for the run to finish")
		return domain.BatchProgress{}
	}
}

// fakeAnalyzer returns a fixed verdict and counts calls.
type fakeAnalyzer struct {
	name    string
	model   string
	calls   atomic.Int64
	analyze func(ctx context.Context, msg *domain.EmailMessage) (*domain.AnalysisResult, error)
}

func (f *fakeAnalyzer) Name() string  { return f.name }
func (f *fakeAnalyzer) Model() string { return f.model }

func (f *fakeAnalyzer) Analyze(ctx context.Context, msg *domain.EmailMessage, _ []domain.KnownTag) (*domain.AnalysisResult, error) {
	f.calls.Add(1)
	if f.analyze != nil {
		return f.analyze(ctx, msg)
	}
	return &domain.AnalysisResult{
		Tags:       []string{"is_urgent"},
		Confidence: 0.9,
		Backend:    f.name,
		Model:      f.model,
		AnalyzedAt: time.Now(),
	}, nil
}

type harness struct {
	orch     *Orchestrator
	mail     *fakeMailStore
	registry *fakeTagRegistry
	progress *fakeProgressSink
	reviews  *fakeReviewSink
	notifier *fakeNotifier
	analyzer *fakeAnalyzer
}

func newHarness(t *testing.T, chunkSize int) *harness {
	t.Helper()

	h := &harness{
		mail:     newFakeMailStore(),
		registry: &fakeTagRegistry{known: []domain.KnownTag{{Key: "is_urgent", Name: "Urgent"}}},
		progress: &fakeProgressSink{},
		reviews:  newFakeReviewSink(),
		notifier: newFakeNotifier(),
		analyzer: &fakeAnalyzer{name: "anthropic", model: "claude-sonnet-4-5"},
	}

	sched := scheduler.New(map[string]scheduler.BackendConfig{
		"anthropic": {Capacity: 1000, Window: time.Minute},
	}, logging.NewNop(), scheduler.WithPollInterval(time.Millisecond))

	h.orch = New(Deps{
		MailStore:    h.mail,
		TagRegistry:  h.registry,
		ProgressSink: h.progress,
		ReviewSink:   h.reviews,
		Notifier:     h.notifier,
		Analyzers:    backend.NewRegistry(h.analyzer),
		Scheduler:    sched,
		Semaphore:    semaphore.NewKeyed(3, nil),
		Cache:        cache.NewMemory(logging.NewNop()),
		Gate:         gate.New(logging.NewNop()),
	}, Config{
		ChunkSize:       chunkSize,
		CacheTTL:        time.Hour,
		GlobalThreshold: 70,
		Retry: retry.Config{
			MaxAttempts:  2,
			InitialDelay: time.Millisecond,
			MaxDelay:     5 * time.Millisecond,
			Multiplier:   2.0,
			IsRetryable:  retry.IsTransient,
		},
	}, logging.NewNop())

	return h
}

func messageIDs(n int) []string {
	ids := make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("msg-%d", i)
	}
	return ids
}

func TestOrchestrator_CompletedRun(t *testing.T) {
	h := newHarness(t, 10)
	ids := messageIDs(3)
	for i, id := range ids {
		h.mail.addMessage(id, fmt.Sprintf("subject %d", i), fmt.Sprintf("body %d", i))
	}

	if err := h.orch.Start(context.Background(), ids, RunSettings{BackendID: "anthropic"}); err != nil {
		t.Fatalf("start: %v", err)
	}

	final := h.notifier.wait(t)
	if final.Status != domain.BatchCompleted {
		t.Errorf("status: got %s, want completed", final.Status)
	}
	if final.Total != 3 || final.Processed != 3 || final.Successful != 3 || final.Failed != 0 {
		t.Errorf("counters: got %+v", final)
	}
	if final.EndTime == nil {
		t.Error("terminal progress must carry an end time")
	}

	for _, id := range ids {
		if tags := h.mail.tagsFor(id); len(tags) != 1 || tags[0] != "is_urgent" {
			t.Errorf("tags for %s: got %v, want [is_urgent]", id, tags)
		}
	}
}

func TestOrchestrator_UnknownBackendFailsBeforeStarting(t *testing.T) {
	h := newHarness(t, 10)

	err := h.orch.Start(context.Background(), messageIDs(1), RunSettings{BackendID: "missing"})
	if !errors.Is(err, backend.ErrNotConfigured) {
		t.Errorf("err: got %v, want ErrNotConfigured", err)
	}
	if got := h.orch.Progress().Status; got != domain.BatchIdle {
		t.Errorf("status: got %s, want idle", got)
	}
}

func TestOrchestrator_RejectsConcurrentRuns(t *testing.T) {
	h := newHarness(t, 10)
	ids := messageIDs(1)
	h.mail.addMessage(ids[0], "s", "b")

	release := make(chan struct{})
	h.analyzer.analyze = func(context.Context, *domain.EmailMessage) (*domain.AnalysisResult, error) {
		<-release
		return &domain.AnalysisResult{Tags: []string{"is_urgent"}, Confidence: 0.9}, nil
	}

	if err := h.orch.Start(context.Background(), ids, RunSettings{BackendID: "anthropic"}); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := h.orch.Start(context.Background(), ids, RunSettings{BackendID: "anthropic"}); !errors.Is(err, ErrRunInProgress) {
		t.Errorf("second start: got %v, want ErrRunInProgress", err)
	}

	close(release)
	h.notifier.wait(t)

	// The slot frees up once the run is terminal.
	if err := h.orch.Start(context.Background(), ids, RunSettings{BackendID: "anthropic"}); err != nil {
		t.Errorf("start after finish: %v", err)
	}
	h.notifier.wait(t)
}

// One fetch failure and one tag-write failure must not disturb the other
// eight messages or the run's terminal status.
func TestOrchestrator_ItemFailuresAreIsolated(t *testing.T) {
	h := newHarness(t, 10)
	ids := messageIDs(10)
	for i, id := range ids {
		h.mail.addMessage(id, fmt.Sprintf("subject %d", i), fmt.Sprintf("body %d", i))
	}
	h.mail.fetchErr["msg-4"] = errors.New("mail store hiccup")
	h.mail.setTagErr["msg-7"] = errors.New("tag write rejected")

	if err := h.orch.Start(context.Background(), ids, RunSettings{BackendID: "anthropic"}); err != nil {
		t.Fatalf("start: %v", err)
	}

	final := h.notifier.wait(t)
	if final.Status != domain.BatchCompleted {
		t.Errorf("status: got %s, want completed", final.Status)
	}
	if final.Processed != 10 || final.Successful != 8 || final.Failed != 2 {
		t.Errorf("counters: got processed=%d successful=%d failed=%d, want 10/8/2",
			final.Processed, final.Successful, final.Failed)
	}

	if tags := h.mail.tagsFor("msg-3"); len(tags) != 1 {
		t.Errorf("healthy message msg-3 lost its tags: %v", tags)
	}
	if tags := h.mail.tagsFor("msg-4"); len(tags) != 0 {
		t.Errorf("failed message msg-4 must not be tagged: %v", tags)
	}
}

// A panic while processing one message is that message's failure only.
func TestOrchestrator_PanicInOneMessageIsItemFailure(t *testing.T) {
	h := newHarness(t, 10)
	ids := messageIDs(3)
	for i, id := range ids {
		h.mail.addMessage(id, fmt.Sprintf("subject %d", i), fmt.Sprintf("body %d", i))
	}
	h.analyzer.analyze = func(_ context.Context, msg *domain.EmailMessage) (*domain.AnalysisResult, error) {
		if msg.ID == "msg-1" {
			panic("backend adapter bug")
		}
		return &domain.AnalysisResult{Tags: []string{"is_urgent"}, Confidence: 0.9}, nil
	}

	if err := h.orch.Start(context.Background(), ids, RunSettings{BackendID: "anthropic"}); err != nil {
		t.Fatalf("start: %v", err)
	}

	final := h.notifier.wait(t)
	if final.Status != domain.BatchCompleted {
		t.Errorf("status: got %s, want completed", final.Status)
	}
	if final.Successful != 2 || final.Failed != 1 {
		t.Errorf("counters: got successful=%d failed=%d, want 2/1", final.Successful, final.Failed)
	}
}

// Cancellation lands at the next chunk boundary: the in-flight chunk
// finishes, later chunks never start.
func TestOrchestrator_CancelStopsAtChunkBoundary(t *testing.T) {
	h := newHarness(t, 10)
	ids := messageIDs(30)
	for i, id := range ids {
		h.mail.addMessage(id, fmt.Sprintf("subject %d", i), fmt.Sprintf("body %d", i))
	}

	var once sync.Once
	h.analyzer.analyze = func(_ context.Context, msg *domain.EmailMessage) (*domain.AnalysisResult, error) {
		once.Do(h.orch.Cancel)
		return &domain.AnalysisResult{Tags: []string{"is_urgent"}, Confidence: 0.9}, nil
	}

	if err := h.orch.Start(context.Background(), ids, RunSettings{BackendID: "anthropic"}); err != nil {
		t.Fatalf("start: %v", err)
	}

	final := h.notifier.wait(t)
	if final.Status != domain.BatchCancelled {
		t.Errorf("status: got %s, want cancelled", final.Status)
	}
	if final.Processed != 10 {
		t.Errorf("processed: got %d, want the first chunk only (10)", final.Processed)
	}
	if final.Total != 30 {
		t.Errorf("total: got %d, want 30", final.Total)
	}
}

// Identical content under identical tag configuration is served from cache;
// the backend sees exactly one call.
func TestOrchestrator_CacheShortCircuitsRepeatAnalysis(t *testing.T) {
	h := newHarness(t, 10)
	h.mail.addMessage("msg-0", "same subject", "same body")

	run := func() {
		t.Helper()
		if err := h.orch.Start(context.Background(), []string{"msg-0"}, RunSettings{BackendID: "anthropic"}); err != nil {
			t.Fatalf("start: %v", err)
		}
		final := h.notifier.wait(t)
		if final.Status != domain.BatchCompleted {
			t.Fatalf("status: got %s, want completed", final.Status)
		}
	}

	run()
	run()

	if got := h.analyzer.calls.Load(); got != 1 {
		t.Errorf("backend calls: got %d, want 1 (second run should hit the cache)", got)
	}
}

// failingCache errors on every operation, the way a Redis outage would.
type failingCache struct{}

func (failingCache) Get(context.Context, string) (*domain.AnalysisResult, bool, error) {
	return nil, false, errors.New("cache backend down")
}

func (failingCache) Set(context.Context, string, *domain.AnalysisResult, time.Duration) error {
	return errors.New("cache backend down")
}

func (failingCache) Invalidate(context.Context, string) error {
	return errors.New("cache backend down")
}

func (failingCache) Stats() cache.Stats { return cache.Stats{} }

// A cache outage degrades to fresh analysis; it never fails messages.
func TestOrchestrator_CacheOutageFallsBackToAnalysis(t *testing.T) {
	h := newHarness(t, 10)
	h.orch.cache = failingCache{}
	ids := messageIDs(2)
	for i, id := range ids {
		h.mail.addMessage(id, fmt.Sprintf("subject %d", i), fmt.Sprintf("body %d", i))
	}

	if err := h.orch.Start(context.Background(), ids, RunSettings{BackendID: "anthropic"}); err != nil {
		t.Fatalf("start: %v", err)
	}

	final := h.notifier.wait(t)
	if final.Status != domain.BatchCompleted {
		t.Errorf("status: got %s, want completed", final.Status)
	}
	if final.Successful != 2 || final.Failed != 0 {
		t.Errorf("counters: got successful=%d failed=%d, want 2/0", final.Successful, final.Failed)
	}
	if got := h.analyzer.calls.Load(); got != 2 {
		t.Errorf("backend calls: got %d, want 2", got)
	}
}

// Tags below their threshold are withheld and land in the review sink, not
// on the message.
func TestOrchestrator_FlaggedTagsGoToReview(t *testing.T) {
	h := newHarness(t, 10)
	h.mail.addMessage("msg-0", "maybe business", "quarterly numbers inside")
	threshold := 75
	h.registry.known = []domain.KnownTag{
		{Key: "is_urgent", Name: "Urgent"},
		{Key: "is_business", Name: "Business", Threshold: &threshold},
	}
	h.analyzer.analyze = func(context.Context, *domain.EmailMessage) (*domain.AnalysisResult, error) {
		return &domain.AnalysisResult{Tags: []string{"is_urgent", "is_business"}, Confidence: 0.72}, nil
	}

	if err := h.orch.Start(context.Background(), []string{"msg-0"}, RunSettings{BackendID: "anthropic"}); err != nil {
		t.Fatalf("start: %v", err)
	}
	h.notifier.wait(t)

	if tags := h.mail.tagsFor("msg-0"); len(tags) != 1 || tags[0] != "is_urgent" {
		t.Errorf("applied tags: got %v, want [is_urgent]", tags)
	}

	h.reviews.mu.Lock()
	flagged := h.reviews.flagged["msg-0"]
	h.reviews.mu.Unlock()
	if len(flagged) != 1 {
		t.Fatalf("flagged: got %v, want one entry", flagged)
	}
	if flagged[0].Tag != "is_business" || flagged[0].Confidence != 72 || flagged[0].Threshold != 75 {
		t.Errorf("flagged entry: got %+v", flagged[0])
	}
	if flagged[0].ThresholdType != gate.ThresholdCustom {
		t.Errorf("threshold type: got %s, want custom", flagged[0].ThresholdType)
	}
}

// A transient backend failure is retried within the same message; the
// message still succeeds.
func TestOrchestrator_TransientBackendFailureIsRetried(t *testing.T) {
	h := newHarness(t, 10)
	h.mail.addMessage("msg-0", "s", "b")

	var calls atomic.Int64
	h.analyzer.analyze = func(context.Context, *domain.EmailMessage) (*domain.AnalysisResult, error) {
		if calls.Add(1) == 1 {
			return nil, &transientErr{}
		}
		return &domain.AnalysisResult{Tags: []string{"is_urgent"}, Confidence: 0.9}, nil
	}

	if err := h.orch.Start(context.Background(), []string{"msg-0"}, RunSettings{BackendID: "anthropic"}); err != nil {
		t.Fatalf("start: %v", err)
	}

	final := h.notifier.wait(t)
	if final.Successful != 1 || final.Failed != 0 {
		t.Errorf("counters: got successful=%d failed=%d, want 1/0", final.Successful, final.Failed)
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("backend calls: got %d, want 2", got)
	}
}

// transientErr satisfies net.Error so the retry policy treats it as
// worth retrying.
type transientErr struct{}

func (*transientErr) Error() string   { return "connection reset" }
func (*transientErr) Timeout() bool   { return true }
func (*transientErr) Temporary() bool { return true }

// A failing tag-registry read fails the whole chunk; the run still reaches a
// terminal state with the counts recorded.
func TestOrchestrator_TagListFailureFailsChunk(t *testing.T) {
	h := newHarness(t, 10)
	ids := messageIDs(3)
	for i, id := range ids {
		h.mail.addMessage(id, fmt.Sprintf("subject %d", i), fmt.Sprintf("body %d", i))
	}
	h.registry.listErr = errors.New("registry unavailable")

	if err := h.orch.Start(context.Background(), ids, RunSettings{BackendID: "anthropic"}); err != nil {
		t.Fatalf("start: %v", err)
	}

	final := h.notifier.wait(t)
	if final.Status != domain.BatchCompleted {
		t.Errorf("status: got %s, want completed", final.Status)
	}
	if final.Processed != 3 || final.Failed != 3 || final.Successful != 0 {
		t.Errorf("counters: got %+v", final)
	}
}

// A panic escaping per-item isolation lands the run in the error state with
// the error message set.
func TestOrchestrator_RunLevelPanicEndsInErrorState(t *testing.T) {
	h := newHarness(t, 10)
	ids := messageIDs(2)
	for i, id := range ids {
		h.mail.addMessage(id, fmt.Sprintf("subject %d", i), fmt.Sprintf("body %d", i))
	}
	h.registry.listPanic = true

	if err := h.orch.Start(context.Background(), ids, RunSettings{BackendID: "anthropic"}); err != nil {
		t.Fatalf("start: %v", err)
	}

	final := h.notifier.wait(t)
	if final.Status != domain.BatchError {
		t.Errorf("status: got %s, want error", final.Status)
	}
	if final.ErrorMessage == "" {
		t.Error("error state must carry a message")
	}
	if final.Total != 2 {
		t.Errorf("total: got %d, want 2", final.Total)
	}
}

func TestOrchestrator_MergesWithExistingTags(t *testing.T) {
	h := newHarness(t, 10)
	h.mail.addMessage("msg-0", "s", "b")
	h.mail.tags["msg-0"] = []string{"manual_label"}

	if err := h.orch.Start(context.Background(), []string{"msg-0"}, RunSettings{BackendID: "anthropic"}); err != nil {
		t.Fatalf("start: %v", err)
	}
	h.notifier.wait(t)

	tags := h.mail.tagsFor("msg-0")
	if len(tags) != 2 || tags[0] != "manual_label" || tags[1] != "is_urgent" {
		t.Errorf("tags: got %v, want [manual_label is_urgent]", tags)
	}
}
