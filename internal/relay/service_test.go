package relay_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/spunwebtech/wayback-relay/internal/archive"
	"github.com/spunwebtech/wayback-relay/internal/config"
	"github.com/spunwebtech/wayback-relay/internal/domain"
	"github.com/spunwebtech/wayback-relay/internal/logger"
	"github.com/spunwebtech/wayback-relay/internal/metrics"
	"github.com/spunwebtech/wayback-relay/internal/relay"
)

type fakeQueue struct {
	mu sync.Mutex

	claimItems []domain.QueueItem
	claimErr   error
	stuckItems []domain.QueueItem

	fetchedThreshold time.Duration
	fetchedLimit     int

	enqueueErr error
	enqueued   []*domain.QueueItem

	succeeded []uuid.UUID
	requeued  map[uuid.UUID]string
	failed    map[uuid.UUID]string

	markSucceededErr    error
	markSucceededMissed bool
	markRequeuedMissed  bool
	markFailedMissed    bool

	resetCount  int64
	prunedCount int64
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{
		requeued: make(map[uuid.UUID]string),
		failed:   make(map[uuid.UUID]string),
	}
}

func (f *fakeQueue) Enqueue(_ context.Context, item *domain.QueueItem) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.enqueueErr != nil {
		return f.enqueueErr
	}
	f.enqueued = append(f.enqueued, item)
	return nil
}

func (f *fakeQueue) ClaimDue(_ context.Context, _ int, _ time.Duration) ([]domain.QueueItem, error) {
	return f.claimItems, f.claimErr
}

func (f *fakeQueue) MarkSucceeded(_ context.Context, id uuid.UUID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.markSucceededErr != nil {
		return false, f.markSucceededErr
	}
	if f.markSucceededMissed {
		return false, nil
	}
	f.succeeded = append(f.succeeded, id)
	return true, nil
}

func (f *fakeQueue) MarkRequeued(_ context.Context, id uuid.UUID, errorMsg string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.markRequeuedMissed {
		return false, nil
	}
	f.requeued[id] = errorMsg
	return true, nil
}

func (f *fakeQueue) MarkFailed(_ context.Context, id uuid.UUID, errorMsg string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.markFailedMissed {
		return false, nil
	}
	f.failed[id] = errorMsg
	return true, nil
}

func (f *fakeQueue) ResetFailedToPending(_ context.Context, _ int) (int64, error) {
	return f.resetCount, nil
}

func (f *fakeQueue) FetchStuck(_ context.Context, olderThan time.Duration, limit int) ([]domain.QueueItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetchedThreshold = olderThan
	f.fetchedLimit = limit
	return f.stuckItems, nil
}

func (f *fakeQueue) CleanupSucceeded(_ context.Context, _ time.Duration) (int64, error) {
	return f.prunedCount, nil
}

func (f *fakeQueue) Stats(_ context.Context) (*domain.QueueStats, error) {
	return &domain.QueueStats{}, nil
}

type fakeSubmissions struct {
	mu             sync.Mutex
	outcomes       []recordedOutcome
	pendings       []string
	submittedSince bool
}

type recordedOutcome struct {
	contentID  string
	status     domain.SubmissionStatus
	archiveURL string
	errorMsg   string
}

func (f *fakeSubmissions) RecordOutcome(_ context.Context, contentID, _ string,
	status domain.SubmissionStatus, archiveURL, errorMsg, _ string,
) (*domain.SubmissionRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outcomes = append(f.outcomes, recordedOutcome{
		contentID:  contentID,
		status:     status,
		archiveURL: archiveURL,
		errorMsg:   errorMsg,
	})
	return &domain.SubmissionRecord{}, nil
}

func (f *fakeSubmissions) RecordPending(_ context.Context, contentID, _ string) (*domain.SubmissionRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pendings = append(f.pendings, contentID)
	return &domain.SubmissionRecord{}, nil
}

func (f *fakeSubmissions) SubmittedSince(_ context.Context, _ string, _ time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.submittedSince, nil
}

type fakeClient struct {
	mu         sync.Mutex
	submitErrs map[string]error
	snapshots  map[string]*archive.Snapshot
	checkErrs  map[string]error
	submitted  []string
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		submitErrs: make(map[string]error),
		snapshots:  make(map[string]*archive.Snapshot),
		checkErrs:  make(map[string]error),
	}
}

func (f *fakeClient) Submit(_ context.Context, rawURL string) (*archive.SubmitResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted = append(f.submitted, rawURL)
	if err := f.submitErrs[rawURL]; err != nil {
		return nil, err
	}
	return &archive.SubmitResult{
		ArchiveURL: "https://web.archive.org/web/20260829120000/" + rawURL,
		StatusCode: 200,
	}, nil
}

func (f *fakeClient) CheckAvailability(_ context.Context, rawURL string) (*archive.Snapshot, error) {
	if err := f.checkErrs[rawURL]; err != nil {
		return nil, err
	}
	return f.snapshots[rawURL], nil
}

type fakeTracker struct {
	mu     sync.Mutex
	recent map[string]bool
	marked []string
}

func newFakeTracker() *fakeTracker {
	return &fakeTracker{recent: make(map[string]bool)}
}

func (f *fakeTracker) RecentlySubmitted(_ context.Context, contentID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.recent[contentID]
}

func (f *fakeTracker) MarkSubmitted(_ context.Context, contentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.marked = append(f.marked, contentID)
	return nil
}

func testQueueConfig() config.QueueConfig {
	return config.QueueConfig{
		MaxAttempts:        3,
		BatchSize:          10,
		Concurrency:        3,
		StalenessThreshold: 15 * time.Minute,
		SweepBatchLimit:    50,
		FailCeiling:        time.Hour,
		Retention:          30 * 24 * time.Hour,
	}
}

func newTestService(queue *fakeQueue, subs *fakeSubmissions, client *fakeClient, tracker relay.RecentTracker) *relay.Service {
	m := metrics.NewWith(prometheus.NewRegistry())
	return relay.NewService(queue, subs, client, tracker, m, testQueueConfig(), 24*time.Hour, logger.NewNopLogger())
}

func queueItem(url string, attempts, maxAttempts int) domain.QueueItem {
	return domain.QueueItem{
		ID:          uuid.New(),
		ContentID:   fmt.Sprintf("content-%s", uuid.NewString()[:8]),
		URL:         url,
		Title:       "Test Post",
		ContentType: "post",
		Status:      domain.QueueStatusProcessing,
		Attempts:    attempts,
		MaxAttempts: maxAttempts,
		CreatedAt:   time.Now(),
	}
}

func TestService_ProcessQueue_Success(t *testing.T) {
	queue := newFakeQueue()
	queue.claimItems = []domain.QueueItem{
		queueItem("https://example.com/a", 0, 3),
		queueItem("https://example.com/b", 0, 3),
	}
	subs := &fakeSubmissions{}
	client := newFakeClient()
	tracker := newFakeTracker()

	svc := newTestService(queue, subs, client, tracker)

	summary, err := svc.ProcessQueue(context.Background())
	if err != nil {
		t.Fatalf("ProcessQueue() error = %v", err)
	}
	if summary.Claimed != 2 || summary.Succeeded != 2 {
		t.Errorf("summary = %+v, want 2 claimed and 2 succeeded", summary)
	}
	if len(queue.succeeded) != 2 {
		t.Errorf("MarkSucceeded called %d times, want 2", len(queue.succeeded))
	}
	if len(subs.outcomes) != 2 {
		t.Fatalf("recorded %d outcomes, want 2", len(subs.outcomes))
	}
	for _, o := range subs.outcomes {
		if o.status != domain.SubmissionStatusSuccess {
			t.Errorf("outcome status = %q, want success", o.status)
		}
		if o.archiveURL == "" {
			t.Error("outcome missing archive URL")
		}
	}
	if len(tracker.marked) != 2 {
		t.Errorf("tracker marked %d items, want 2", len(tracker.marked))
	}
}

func TestService_ProcessQueue_TransientRequeues(t *testing.T) {
	item := queueItem("https://example.com/flaky", 0, 3)
	queue := newFakeQueue()
	queue.claimItems = []domain.QueueItem{item}
	client := newFakeClient()
	client.submitErrs[item.URL] = fmt.Errorf("%w: HTTP 503", archive.ErrTransient)
	subs := &fakeSubmissions{}

	svc := newTestService(queue, subs, client, nil)

	summary, err := svc.ProcessQueue(context.Background())
	if err != nil {
		t.Fatalf("ProcessQueue() error = %v", err)
	}
	if summary.Requeued != 1 {
		t.Errorf("summary.Requeued = %d, want 1", summary.Requeued)
	}
	if _, ok := queue.requeued[item.ID]; !ok {
		t.Error("item was not requeued")
	}
	if len(subs.outcomes) != 0 {
		t.Errorf("recorded %d outcomes for a requeue, want 0", len(subs.outcomes))
	}
}

func TestService_ProcessQueue_TransientBudgetExhausted(t *testing.T) {
	// Third attempt of three: transient failure must become terminal.
	item := queueItem("https://example.com/flaky", 2, 3)
	queue := newFakeQueue()
	queue.claimItems = []domain.QueueItem{item}
	client := newFakeClient()
	client.submitErrs[item.URL] = fmt.Errorf("%w: HTTP 503", archive.ErrTransient)
	subs := &fakeSubmissions{}

	svc := newTestService(queue, subs, client, nil)

	summary, err := svc.ProcessQueue(context.Background())
	if err != nil {
		t.Fatalf("ProcessQueue() error = %v", err)
	}
	if summary.Failed != 1 {
		t.Errorf("summary.Failed = %d, want 1", summary.Failed)
	}
	if _, ok := queue.failed[item.ID]; !ok {
		t.Error("item was not marked failed")
	}
	if len(subs.outcomes) != 1 || subs.outcomes[0].status != domain.SubmissionStatusFailed {
		t.Errorf("outcomes = %+v, want one failed record", subs.outcomes)
	}
}

func TestService_ProcessQueue_PermanentFailsImmediately(t *testing.T) {
	item := queueItem("https://example.com/gone", 0, 3)
	queue := newFakeQueue()
	queue.claimItems = []domain.QueueItem{item}
	client := newFakeClient()
	client.submitErrs[item.URL] = fmt.Errorf("%w: HTTP 404", archive.ErrPermanent)
	subs := &fakeSubmissions{}

	svc := newTestService(queue, subs, client, nil)

	summary, err := svc.ProcessQueue(context.Background())
	if err != nil {
		t.Fatalf("ProcessQueue() error = %v", err)
	}
	if summary.Failed != 1 || summary.Requeued != 0 {
		t.Errorf("summary = %+v, want immediate failure", summary)
	}
}

func TestService_ProcessQueue_StoreFaultIsolated(t *testing.T) {
	queue := newFakeQueue()
	queue.claimItems = []domain.QueueItem{queueItem("https://example.com/a", 0, 3)}
	queue.markSucceededErr = errors.New("connection lost")
	subs := &fakeSubmissions{}

	svc := newTestService(queue, subs, newFakeClient(), nil)

	summary, err := svc.ProcessQueue(context.Background())
	if err != nil {
		t.Fatalf("ProcessQueue() error = %v", err)
	}
	if summary.StoreFaults != 1 {
		t.Errorf("summary.StoreFaults = %d, want 1", summary.StoreFaults)
	}
	if len(subs.outcomes) != 0 {
		t.Error("outcome recorded despite store fault")
	}
}

func TestService_ProcessQueue_GuardMissedFailureRecordsNothing(t *testing.T) {
	// The item was resolved by a concurrent pass before MarkFailed ran:
	// the duplicate completion must stay a no-op.
	item := queueItem("https://example.com/gone", 0, 3)
	queue := newFakeQueue()
	queue.claimItems = []domain.QueueItem{item}
	queue.markFailedMissed = true
	client := newFakeClient()
	client.submitErrs[item.URL] = fmt.Errorf("%w: HTTP 404", archive.ErrPermanent)
	subs := &fakeSubmissions{}

	svc := newTestService(queue, subs, client, nil)

	summary, err := svc.ProcessQueue(context.Background())
	if err != nil {
		t.Fatalf("ProcessQueue() error = %v", err)
	}
	if summary.Failed != 0 {
		t.Errorf("summary.Failed = %d, want 0 for a guard-missed transition", summary.Failed)
	}
	if len(subs.outcomes) != 0 {
		t.Errorf("recorded %d outcomes, want 0 when MarkFailed matched no row", len(subs.outcomes))
	}
}

func TestService_ProcessQueue_GuardMissedRequeueCountsNothing(t *testing.T) {
	item := queueItem("https://example.com/flaky", 0, 3)
	queue := newFakeQueue()
	queue.claimItems = []domain.QueueItem{item}
	queue.markRequeuedMissed = true
	client := newFakeClient()
	client.submitErrs[item.URL] = fmt.Errorf("%w: HTTP 503", archive.ErrTransient)
	subs := &fakeSubmissions{}

	svc := newTestService(queue, subs, client, nil)

	summary, err := svc.ProcessQueue(context.Background())
	if err != nil {
		t.Fatalf("ProcessQueue() error = %v", err)
	}
	if summary.Requeued != 0 {
		t.Errorf("summary.Requeued = %d, want 0 for a guard-missed transition", summary.Requeued)
	}
}

func TestService_ProcessQueue_EmptyBatch(t *testing.T) {
	svc := newTestService(newFakeQueue(), &fakeSubmissions{}, newFakeClient(), nil)

	summary, err := svc.ProcessQueue(context.Background())
	if err != nil {
		t.Fatalf("ProcessQueue() error = %v", err)
	}
	if summary.Claimed != 0 {
		t.Errorf("summary.Claimed = %d, want 0", summary.Claimed)
	}
}

func TestService_Enqueue(t *testing.T) {
	queue := newFakeQueue()
	subs := &fakeSubmissions{}
	svc := newTestService(queue, subs, newFakeClient(), nil)

	item, err := svc.Enqueue(context.Background(), "42", "https://example.com/a", "Example", "post", 0)
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if item.MaxAttempts != 3 {
		t.Errorf("MaxAttempts = %d, want configured cap 3", item.MaxAttempts)
	}
	if item.Priority != domain.DefaultPriority {
		t.Errorf("Priority = %d, want default %d", item.Priority, domain.DefaultPriority)
	}
	if len(queue.enqueued) != 1 {
		t.Errorf("enqueued %d items, want 1", len(queue.enqueued))
	}
	if len(subs.pendings) != 1 || subs.pendings[0] != "42" {
		t.Errorf("pending history rows = %v, want one for content 42", subs.pendings)
	}
}

func TestService_Enqueue_RejectedWritesNoHistory(t *testing.T) {
	queue := newFakeQueue()
	queue.enqueueErr = domain.ErrDuplicate
	subs := &fakeSubmissions{}
	svc := newTestService(queue, subs, newFakeClient(), nil)

	_, err := svc.Enqueue(context.Background(), "42", "https://example.com/a", "Example", "post", 0)
	if !errors.Is(err, domain.ErrDuplicate) {
		t.Fatalf("Enqueue() error = %v, want ErrDuplicate", err)
	}
	if len(subs.pendings) != 0 {
		t.Errorf("pending history rows = %v, want none for a rejected enqueue", subs.pendings)
	}
}

func TestService_Enqueue_RecentlySubmitted(t *testing.T) {
	tracker := newFakeTracker()
	tracker.recent["42"] = true
	queue := newFakeQueue()
	svc := newTestService(queue, &fakeSubmissions{}, newFakeClient(), tracker)

	_, err := svc.Enqueue(context.Background(), "42", "https://example.com/a", "Example", "post", 0)
	if !errors.Is(err, relay.ErrRecentlySubmitted) {
		t.Errorf("Enqueue() error = %v, want ErrRecentlySubmitted", err)
	}
	if len(queue.enqueued) != 0 {
		t.Error("item enqueued despite recent submission")
	}
}

func TestService_Enqueue_HistoryFallbackBlocksRecent(t *testing.T) {
	queue := newFakeQueue()
	subs := &fakeSubmissions{submittedSince: true}
	svc := newTestService(queue, subs, newFakeClient(), nil)

	_, err := svc.Enqueue(context.Background(), "42", "https://example.com/a", "Example", "post", 0)
	if !errors.Is(err, relay.ErrRecentlySubmitted) {
		t.Errorf("Enqueue() error = %v, want ErrRecentlySubmitted", err)
	}
	if len(queue.enqueued) != 0 {
		t.Error("item enqueued despite recent submission in history")
	}
}

func TestService_Enqueue_Duplicate(t *testing.T) {
	queue := newFakeQueue()
	queue.enqueueErr = domain.ErrDuplicate
	svc := newTestService(queue, &fakeSubmissions{}, newFakeClient(), nil)

	_, err := svc.Enqueue(context.Background(), "42", "https://example.com/a", "Example", "post", 0)
	if !errors.Is(err, domain.ErrDuplicate) {
		t.Errorf("Enqueue() error = %v, want ErrDuplicate", err)
	}
}

func TestService_RetryFailed(t *testing.T) {
	queue := newFakeQueue()
	queue.resetCount = 4
	queue.prunedCount = 2
	svc := newTestService(queue, &fakeSubmissions{}, newFakeClient(), nil)

	count, err := svc.RetryFailed(context.Background())
	if err != nil {
		t.Fatalf("RetryFailed() error = %v", err)
	}
	if count != 4 {
		t.Errorf("RetryFailed() count = %d, want 4", count)
	}
}

// stuckItem builds a processing item whose last attempt was age ago.
func stuckItem(url string, age time.Duration) domain.QueueItem {
	item := queueItem(url, 1, 3)
	lastAttempt := time.Now().Add(-age)
	item.LastAttemptAt = &lastAttempt
	return item
}

func TestService_SweepStuck(t *testing.T) {
	// Fail ceiling is 1h: the 20-minute items are inside the grace window,
	// the 2-hour item is past it.
	archived := stuckItem("https://example.com/archived", 20*time.Minute)
	inGrace := stuckItem("https://example.com/in-grace", 20*time.Minute)
	expired := stuckItem("https://example.com/expired", 2*time.Hour)
	flaky := stuckItem("https://example.com/flaky", 2*time.Hour)

	queue := newFakeQueue()
	queue.stuckItems = []domain.QueueItem{archived, inGrace, expired, flaky}

	client := newFakeClient()
	client.snapshots[archived.URL] = &archive.Snapshot{
		URL:       "https://web.archive.org/web/20260801000000/" + archived.URL,
		Timestamp: "20260801000000",
	}
	client.checkErrs[flaky.URL] = fmt.Errorf("%w: availability timeout", archive.ErrTransient)

	subs := &fakeSubmissions{}
	svc := newTestService(queue, subs, client, nil)

	summary, err := svc.SweepStuck(context.Background(), 0, 0)
	if err != nil {
		t.Fatalf("SweepStuck() error = %v", err)
	}

	if summary.Examined != 4 {
		t.Errorf("summary.Examined = %d, want 4", summary.Examined)
	}
	if summary.Archived != 1 {
		t.Errorf("summary.Archived = %d, want 1", summary.Archived)
	}
	if summary.Failed != 1 {
		t.Errorf("summary.Failed = %d, want 1", summary.Failed)
	}
	if summary.InGrace != 1 {
		t.Errorf("summary.InGrace = %d, want 1", summary.InGrace)
	}

	// A snapshot resolves the item without another submit call.
	if len(queue.succeeded) != 1 || queue.succeeded[0] != archived.ID {
		t.Error("archived item was not marked succeeded")
	}
	if len(client.submitted) != 0 {
		t.Errorf("sweep submitted %v, want no submit calls", client.submitted)
	}
	if _, ok := queue.failed[expired.ID]; !ok {
		t.Error("past-ceiling item was not failed")
	}
	if _, ok := queue.failed[inGrace.ID]; ok {
		t.Error("in-grace item should be left untouched")
	}
	if len(queue.requeued) != 0 {
		t.Errorf("sweep requeued %v, want none", queue.requeued)
	}
	if _, ok := queue.failed[flaky.ID]; ok {
		t.Error("item with availability error should be left untouched")
	}
}

func TestService_SweepStuck_DefaultsAndOverrides(t *testing.T) {
	queue := newFakeQueue()
	svc := newTestService(queue, &fakeSubmissions{}, newFakeClient(), nil)

	if _, err := svc.SweepStuck(context.Background(), 0, 0); err != nil {
		t.Fatalf("SweepStuck() error = %v", err)
	}
	if queue.fetchedThreshold != 15*time.Minute || queue.fetchedLimit != 50 {
		t.Errorf("defaults: fetched (%v, %d), want (15m, 50)",
			queue.fetchedThreshold, queue.fetchedLimit)
	}

	if _, err := svc.SweepStuck(context.Background(), 30*time.Minute, 5); err != nil {
		t.Fatalf("SweepStuck() error = %v", err)
	}
	if queue.fetchedThreshold != 30*time.Minute || queue.fetchedLimit != 5 {
		t.Errorf("overrides: fetched (%v, %d), want (30m, 5)",
			queue.fetchedThreshold, queue.fetchedLimit)
	}
}

func TestService_SweepStuck_GuardMissedFailureRecordsNothing(t *testing.T) {
	queue := newFakeQueue()
	queue.stuckItems = []domain.QueueItem{stuckItem("https://example.com/a", 2*time.Hour)}
	queue.markFailedMissed = true
	subs := &fakeSubmissions{}
	svc := newTestService(queue, subs, newFakeClient(), nil)

	summary, err := svc.SweepStuck(context.Background(), 0, 0)
	if err != nil {
		t.Fatalf("SweepStuck() error = %v", err)
	}
	if summary.Failed != 0 {
		t.Errorf("summary.Failed = %d, want 0 for a guard-missed transition", summary.Failed)
	}
	if len(subs.outcomes) != 0 {
		t.Errorf("recorded %d outcomes, want 0 when MarkFailed matched no row", len(subs.outcomes))
	}
}

func TestService_SweepStuck_Idempotent(t *testing.T) {
	// Re-running over an unchanged in-grace set mutates nothing.
	queue := newFakeQueue()
	queue.stuckItems = []domain.QueueItem{stuckItem("https://example.com/a", 20*time.Minute)}
	subs := &fakeSubmissions{}
	svc := newTestService(queue, subs, newFakeClient(), nil)

	for i := 0; i < 2; i++ {
		summary, err := svc.SweepStuck(context.Background(), 0, 0)
		if err != nil {
			t.Fatalf("SweepStuck() run %d error = %v", i, err)
		}
		if summary.InGrace != 1 {
			t.Errorf("run %d InGrace = %d, want 1", i, summary.InGrace)
		}
	}
	if len(queue.succeeded)+len(queue.requeued)+len(queue.failed) != 0 {
		t.Error("sweep mutated an in-grace item")
	}
	if len(subs.outcomes) != 0 {
		t.Errorf("sweep recorded %d outcomes, want 0", len(subs.outcomes))
	}
}
