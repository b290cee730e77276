// Package relay implements the archive submission pipeline: enqueueing
// content, processing the queue against Save Page Now, retrying failures and
// sweeping stuck items.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/spunwebtech/wayback-relay/internal/archive"
	"github.com/spunwebtech/wayback-relay/internal/config"
	"github.com/spunwebtech/wayback-relay/internal/domain"
	"github.com/spunwebtech/wayback-relay/internal/logger"
	"github.com/spunwebtech/wayback-relay/internal/metrics"
)

// ErrRecentlySubmitted is returned by Enqueue when the content was submitted
// inside the dedup window.
var ErrRecentlySubmitted = errors.New("content recently submitted")

// QueueStore is the queue persistence surface the service needs.
type QueueStore interface {
	Enqueue(ctx context.Context, item *domain.QueueItem) error
	ClaimDue(ctx context.Context, limit int, staleness time.Duration) ([]domain.QueueItem, error)
	MarkSucceeded(ctx context.Context, id uuid.UUID) (bool, error)
	MarkRequeued(ctx context.Context, id uuid.UUID, errorMsg string) (bool, error)
	MarkFailed(ctx context.Context, id uuid.UUID, errorMsg string) (bool, error)
	ResetFailedToPending(ctx context.Context, limit int) (int64, error)
	FetchStuck(ctx context.Context, olderThan time.Duration, limit int) ([]domain.QueueItem, error)
	CleanupSucceeded(ctx context.Context, olderThan time.Duration) (int64, error)
	Stats(ctx context.Context) (*domain.QueueStats, error)
}

// SubmissionStore records the append-only submission history: a pending row
// at enqueue time and a terminal row at resolution.
type SubmissionStore interface {
	RecordPending(ctx context.Context, contentID, url string) (*domain.SubmissionRecord, error)
	RecordOutcome(ctx context.Context, contentID, url string, status domain.SubmissionStatus,
		archiveURL, errorMsg, rawResponse string) (*domain.SubmissionRecord, error)
	SubmittedSince(ctx context.Context, contentID string, since time.Time) (bool, error)
}

// ArchiveClient submits URLs and checks snapshot availability.
type ArchiveClient interface {
	Submit(ctx context.Context, rawURL string) (*archive.SubmitResult, error)
	CheckAvailability(ctx context.Context, rawURL string) (*archive.Snapshot, error)
}

// RecentTracker is the optional recently-submitted cache. A nil tracker
// disables the guard.
type RecentTracker interface {
	RecentlySubmitted(ctx context.Context, contentID string) bool
	MarkSubmitted(ctx context.Context, contentID string) error
}

// Summary reports what one processing pass did.
type Summary struct {
	Claimed     int           `json:"claimed"`
	Succeeded   int           `json:"succeeded"`
	Requeued    int           `json:"requeued"`
	Failed      int           `json:"failed"`
	StoreFaults int           `json:"store_faults"`
	Duration    time.Duration `json:"-"`
}

// SweepSummary reports what one sweep pass resolved. InGrace counts items
// with no snapshot yet that are still inside the fail ceiling and were left
// untouched.
type SweepSummary struct {
	Examined    int `json:"examined"`
	Archived    int `json:"archived"`
	Failed      int `json:"failed"`
	InGrace     int `json:"in_grace"`
	StoreFaults int `json:"store_faults"`
}

// Service coordinates the queue, the archive client and the outcome history.
type Service struct {
	queue       QueueStore
	submissions SubmissionStore
	client      ArchiveClient
	tracker     RecentTracker
	metrics     *metrics.Metrics
	logger      logger.Logger
	tracer      trace.Tracer
	cfg         config.QueueConfig
	dedupWindow time.Duration
}

func NewService(
	queue QueueStore,
	submissions SubmissionStore,
	client ArchiveClient,
	tracker RecentTracker,
	m *metrics.Metrics,
	cfg config.QueueConfig,
	dedupWindow time.Duration,
	log logger.Logger,
) *Service {
	return &Service{
		queue:       queue,
		submissions: submissions,
		client:      client,
		tracker:     tracker,
		metrics:     m,
		logger:      log,
		tracer:      otel.Tracer("relay-service"),
		cfg:         cfg,
		dedupWindow: dedupWindow,
	}
}

// Enqueue validates and inserts a new queue item and writes the initial
// pending history row. Content submitted inside the dedup window is rejected
// with ErrRecentlySubmitted; content already queued is rejected with
// domain.ErrDuplicate.
func (s *Service) Enqueue(ctx context.Context, contentID, url, title, contentType string, priority int) (*domain.QueueItem, error) {
	if s.recentlySubmitted(ctx, contentID) {
		s.metrics.EnqueueRejected.WithLabelValues("recent").Inc()
		return nil, ErrRecentlySubmitted
	}

	item, err := domain.NewQueueItem(contentID, url, title, contentType, priority)
	if err != nil {
		s.metrics.EnqueueRejected.WithLabelValues("invalid").Inc()
		return nil, err
	}
	item.MaxAttempts = s.cfg.MaxAttempts

	if err := s.queue.Enqueue(ctx, item); err != nil {
		if errors.Is(err, domain.ErrDuplicate) {
			s.metrics.EnqueueRejected.WithLabelValues("duplicate").Inc()
		}
		return nil, err
	}

	if _, err := s.submissions.RecordPending(ctx, contentID, url); err != nil {
		// History write failure never blocks the enqueue.
		s.logger.Error("Failed to record pending submission",
			logger.String("queue_id", item.ID.String()),
			logger.String("content_id", contentID),
			logger.Error(err),
		)
	}

	s.metrics.ItemsEnqueued.Inc()
	s.logger.Info("Enqueued content for archiving",
		logger.String("queue_id", item.ID.String()),
		logger.String("content_id", contentID),
		logger.String("url", url),
	)

	return item, nil
}

// recentlySubmitted consults the redis guard when one is configured and falls
// back to the submission history otherwise. Guard errors never block an
// enqueue; the queue's unresolved-item constraint remains authoritative.
func (s *Service) recentlySubmitted(ctx context.Context, contentID string) bool {
	if s.tracker != nil {
		return s.tracker.RecentlySubmitted(ctx, contentID)
	}
	if s.dedupWindow <= 0 {
		return false
	}

	recent, err := s.submissions.SubmittedSince(ctx, contentID, time.Now().Add(-s.dedupWindow))
	if err != nil {
		s.logger.Warn("Recently-submitted history check failed",
			logger.String("content_id", contentID),
			logger.Error(err),
		)
		return false
	}
	return recent
}

// ProcessQueue claims one batch of due items and submits each to Save Page
// Now. Items run concurrently up to the configured limit; one item's failure
// never stops the rest of the batch.
func (s *Service) ProcessQueue(ctx context.Context) (*Summary, error) {
	start := time.Now()

	items, err := s.queue.ClaimDue(ctx, s.cfg.BatchSize, s.cfg.StalenessThreshold)
	if err != nil {
		return nil, err
	}

	summary := &Summary{Claimed: len(items)}
	if len(items) == 0 {
		summary.Duration = time.Since(start)
		return summary, nil
	}

	s.metrics.BatchSize.Observe(float64(len(items)))
	s.logger.Debug("Processing claimed batch", logger.Int("count", len(items)))

	var mu sync.Mutex
	var wg sync.WaitGroup
	sem := make(chan struct{}, s.cfg.Concurrency)

	for i := range items {
		wg.Add(1)
		sem <- struct{}{}
		go func(item *domain.QueueItem) {
			defer wg.Done()
			defer func() { <-sem }()

			outcome := s.processOne(ctx, item)

			mu.Lock()
			switch outcome {
			case outcomeSucceeded:
				summary.Succeeded++
			case outcomeRequeued:
				summary.Requeued++
			case outcomeFailed:
				summary.Failed++
			case outcomeStoreFault:
				summary.StoreFaults++
			}
			mu.Unlock()
		}(&items[i])
	}
	wg.Wait()

	summary.Duration = time.Since(start)
	s.refreshDepthGauges(ctx)

	s.logger.Info("Processing pass complete",
		logger.Int("claimed", summary.Claimed),
		logger.Int("succeeded", summary.Succeeded),
		logger.Int("requeued", summary.Requeued),
		logger.Int("failed", summary.Failed),
		logger.Int("store_faults", summary.StoreFaults),
		logger.Duration("duration", summary.Duration),
	)

	return summary, nil
}

type outcome int

const (
	outcomeSucceeded outcome = iota
	outcomeRequeued
	outcomeFailed
	outcomeStoreFault
	// outcomeNoop: the guarded transition matched no row, meaning a
	// concurrent pass already resolved the item. Nothing is recorded.
	outcomeNoop
)

func (s *Service) processOne(ctx context.Context, item *domain.QueueItem) outcome {
	ctx, span := s.tracer.Start(ctx, "relay.submit",
		trace.WithAttributes(
			attribute.String("queue_id", item.ID.String()),
			attribute.String("content_id", item.ContentID),
			attribute.Int("attempt", item.Attempts+1),
		))
	defer span.End()

	submitStart := time.Now()
	result, err := s.client.Submit(ctx, item.URL)
	s.metrics.SubmitDuration.Observe(time.Since(submitStart).Seconds())

	if err != nil {
		return s.handleSubmitError(ctx, item, err)
	}

	updated, markErr := s.queue.MarkSucceeded(ctx, item.ID)
	if markErr != nil {
		s.logger.Error("Failed to mark item as succeeded",
			logger.String("queue_id", item.ID.String()),
			logger.Error(markErr),
		)
		return outcomeStoreFault
	}
	if !updated {
		// Another pass already resolved the item, nothing to record.
		s.logger.Warn("Item no longer in processing state after submit",
			logger.String("queue_id", item.ID.String()),
		)
		return outcomeNoop
	}

	s.recordOutcome(ctx, item, domain.SubmissionStatusSuccess, result.ArchiveURL, "", result)
	if s.tracker != nil {
		if trackErr := s.tracker.MarkSubmitted(ctx, item.ContentID); trackErr != nil {
			s.logger.Warn("Failed to mark content in dedup cache",
				logger.String("content_id", item.ContentID),
				logger.Error(trackErr),
			)
		}
	}

	s.metrics.ItemsProcessed.WithLabelValues("success").Inc()
	s.logger.Info("Archived content",
		logger.String("queue_id", item.ID.String()),
		logger.String("content_id", item.ContentID),
		logger.String("archive_url", result.ArchiveURL),
		logger.Int("attempt", item.Attempts+1),
	)

	return outcomeSucceeded
}

// handleSubmitError routes a submission failure. Transient errors requeue the
// item while attempts remain; permanent errors and exhausted budgets fail it.
func (s *Service) handleSubmitError(ctx context.Context, item *domain.QueueItem, submitErr error) outcome {
	transient := errors.Is(submitErr, archive.ErrTransient)
	retryable := transient && item.Attempts+1 < item.MaxAttempts

	if retryable {
		updated, err := s.queue.MarkRequeued(ctx, item.ID, submitErr.Error())
		if err != nil {
			s.logger.Error("Failed to requeue item",
				logger.String("queue_id", item.ID.String()),
				logger.Error(err),
			)
			return outcomeStoreFault
		}
		if !updated {
			s.logger.Warn("Item no longer in processing state, requeue skipped",
				logger.String("queue_id", item.ID.String()),
			)
			return outcomeNoop
		}

		s.metrics.ItemsProcessed.WithLabelValues("requeued").Inc()
		s.logger.Warn("Submission failed, item requeued",
			logger.String("queue_id", item.ID.String()),
			logger.String("content_id", item.ContentID),
			logger.Int("attempt", item.Attempts+1),
			logger.Int("max_attempts", item.MaxAttempts),
			logger.Error(submitErr),
		)
		return outcomeRequeued
	}

	updated, err := s.queue.MarkFailed(ctx, item.ID, submitErr.Error())
	if err != nil {
		s.logger.Error("Failed to mark item as failed",
			logger.String("queue_id", item.ID.String()),
			logger.Error(err),
		)
		return outcomeStoreFault
	}
	if !updated {
		s.logger.Warn("Item no longer in processing state, failure skipped",
			logger.String("queue_id", item.ID.String()),
		)
		return outcomeNoop
	}

	s.recordOutcome(ctx, item, domain.SubmissionStatusFailed, "", submitErr.Error(), nil)
	s.metrics.ItemsProcessed.WithLabelValues("failed").Inc()
	s.logger.Error("Submission failed permanently",
		logger.String("queue_id", item.ID.String()),
		logger.String("content_id", item.ContentID),
		logger.Int("attempt", item.Attempts+1),
		logger.Bool("transient", transient),
		logger.Error(submitErr),
	)

	return outcomeFailed
}

// recordOutcome writes the terminal outcome to the submission history. A
// history write failure is logged but never alters the queue state.
func (s *Service) recordOutcome(ctx context.Context, item *domain.QueueItem,
	status domain.SubmissionStatus, archiveURL, errorMsg string, result *archive.SubmitResult,
) {
	var raw string
	if result != nil {
		if data, err := json.Marshal(result); err == nil {
			raw = string(data)
		}
	}

	if _, err := s.submissions.RecordOutcome(ctx, item.ContentID, item.URL, status, archiveURL, errorMsg, raw); err != nil {
		s.logger.Error("Failed to record submission outcome",
			logger.String("queue_id", item.ID.String()),
			logger.String("content_id", item.ContentID),
			logger.Error(err),
		)
	}
}

// RetryFailed moves failed items with remaining attempt budget back to
// pending and prunes success rows older than the retention window. The next
// processing pass picks up the requeued items.
func (s *Service) RetryFailed(ctx context.Context) (int64, error) {
	count, err := s.queue.ResetFailedToPending(ctx, s.cfg.SweepBatchLimit)
	if err != nil {
		return 0, err
	}

	if count > 0 {
		s.metrics.RetriesRequeued.Add(float64(count))
		s.logger.Info("Requeued failed items for retry", logger.Int64("count", count))
	}

	if pruned, err := s.queue.CleanupSucceeded(ctx, s.cfg.Retention); err != nil {
		s.logger.Error("Failed to prune resolved queue items", logger.Error(err))
	} else if pruned > 0 {
		s.logger.Info("Pruned resolved queue items", logger.Int64("count", pruned))
	}
	s.refreshDepthGauges(ctx)

	return count, nil
}

// SweepStuck reconciles processing items older than the threshold. The
// availability API decides each item's fate: an existing snapshot resolves it
// as archived without resubmitting; with no snapshot the item is failed once
// it has sat past the fail ceiling and left untouched inside the grace
// window. Zero threshold or limit fall back to the configured defaults, so
// the scheduler can call it with no overrides.
func (s *Service) SweepStuck(ctx context.Context, threshold time.Duration, limit int) (*SweepSummary, error) {
	if threshold <= 0 {
		threshold = s.cfg.StalenessThreshold
	}
	if limit <= 0 {
		limit = s.cfg.SweepBatchLimit
	}

	items, err := s.queue.FetchStuck(ctx, threshold, limit)
	if err != nil {
		return nil, err
	}

	summary := &SweepSummary{Examined: len(items)}
	for i := range items {
		s.sweepOne(ctx, &items[i], summary)
	}

	if summary.Examined > 0 {
		s.logger.Info("Sweep pass complete",
			logger.Int("examined", summary.Examined),
			logger.Int("archived", summary.Archived),
			logger.Int("failed", summary.Failed),
			logger.Int("in_grace", summary.InGrace),
			logger.Int("store_faults", summary.StoreFaults),
		)
	}
	s.refreshDepthGauges(ctx)

	return summary, nil
}

func (s *Service) sweepOne(ctx context.Context, item *domain.QueueItem, summary *SweepSummary) {
	ctx, span := s.tracer.Start(ctx, "relay.sweep",
		trace.WithAttributes(
			attribute.String("queue_id", item.ID.String()),
			attribute.String("content_id", item.ContentID),
		))
	defer span.End()

	snapshot, err := s.client.CheckAvailability(ctx, item.URL)
	if err != nil {
		// Leave the item for the next sweep, availability is best-effort.
		s.logger.Warn("Availability check failed for stuck item",
			logger.String("queue_id", item.ID.String()),
			logger.String("url", item.URL),
			logger.Error(err),
		)
		return
	}

	if snapshot != nil {
		updated, markErr := s.queue.MarkSucceeded(ctx, item.ID)
		if markErr != nil {
			summary.StoreFaults++
			s.logger.Error("Failed to resolve stuck item as archived",
				logger.String("queue_id", item.ID.String()),
				logger.Error(markErr),
			)
			return
		}
		if updated {
			s.recordOutcome(ctx, item, domain.SubmissionStatusSuccess, snapshot.URL, "", nil)
			summary.Archived++
			s.metrics.SweepResolutions.WithLabelValues("archived").Inc()
			s.logger.Info("Stuck item resolved as archived",
				logger.String("queue_id", item.ID.String()),
				logger.String("archive_url", snapshot.URL),
			)
		}
		return
	}

	// No snapshot. Inside the grace window the item stays untouched; the
	// processor is free to reclaim and resubmit it.
	if item.LastAttemptAt == nil || time.Since(*item.LastAttemptAt) < s.cfg.FailCeiling {
		summary.InGrace++
		return
	}

	updated, markErr := s.queue.MarkFailed(ctx, item.ID, "no snapshot found past fail ceiling")
	if markErr != nil {
		summary.StoreFaults++
		s.logger.Error("Failed to fail stuck item",
			logger.String("queue_id", item.ID.String()),
			logger.Error(markErr),
		)
		return
	}
	if !updated {
		return
	}
	s.recordOutcome(ctx, item, domain.SubmissionStatusFailed, "", "no snapshot found past fail ceiling", nil)
	summary.Failed++
	s.metrics.SweepResolutions.WithLabelValues("failed").Inc()
}

// QueueStats exposes queue depth counts for the API.
func (s *Service) QueueStats(ctx context.Context) (*domain.QueueStats, error) {
	return s.queue.Stats(ctx)
}

func (s *Service) refreshDepthGauges(ctx context.Context) {
	stats, err := s.queue.Stats(ctx)
	if err != nil {
		s.logger.Debug("Failed to refresh queue depth gauges", logger.Error(err))
		return
	}

	s.metrics.QueueDepth.WithLabelValues("pending").Set(float64(stats.Pending))
	s.metrics.QueueDepth.WithLabelValues("processing").Set(float64(stats.Processing))
	s.metrics.QueueDepth.WithLabelValues("success").Set(float64(stats.Success))
	s.metrics.QueueDepth.WithLabelValues("failed").Set(float64(stats.Failed))
}
