package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/spunwebtech/wayback-relay/internal/domain"
)

// queueSelectList is the column list for SELECT/RETURNING on archive_queue
// (single source for schema changes).
const queueSelectList = `id, content_id, url, title, content_type, priority,
			status, attempts, max_attempts, error_message, last_attempt_at,
			created_at, archived_at`

// pqUniqueViolation is the PostgreSQL error code for unique constraint violations.
const pqUniqueViolation = "23505"

// QueueRepository manages the durable archive queue in PostgreSQL.
//
// Claiming is the sole concurrency-control boundary: ClaimDue transitions rows
// with FOR UPDATE SKIP LOCKED so two concurrent processors never claim the
// same item. Every other mutation is guarded on the row already being in
// processing state.
type QueueRepository struct {
	db *sqlx.DB
}

// NewQueueRepository creates a new repository.
func NewQueueRepository(db *sqlx.DB) *QueueRepository {
	return &QueueRepository{db: db}
}

// Enqueue inserts a new pending item. Returns domain.ErrDuplicate when an
// unresolved (pending or processing) item already exists for the same
// content id, enforced by a partial unique index.
func (r *QueueRepository) Enqueue(ctx context.Context, item *domain.QueueItem) error {
	if item.ID == uuid.Nil {
		item.ID = uuid.New()
	}

	query := `
		INSERT INTO archive_queue (id, content_id, url, title, content_type,
			priority, status, attempts, max_attempts, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
		RETURNING created_at`

	err := r.db.QueryRowContext(ctx, query,
		item.ID, item.ContentID, item.URL, item.Title, item.ContentType,
		item.Priority, domain.QueueStatusPending, 0, item.MaxAttempts,
	).Scan(&item.CreatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation {
			return fmt.Errorf("%w: content_id %s", domain.ErrDuplicate, item.ContentID)
		}
		return fmt.Errorf("enqueue: %w", err)
	}

	item.Status = domain.QueueStatusPending
	item.Attempts = 0
	return nil
}

// ClaimDue atomically claims up to limit due items and transitions them to
// processing, stamping last_attempt_at. Due items are pending rows plus
// processing rows older than the staleness threshold (crash recovery).
// Lower priority values are claimed first, ties broken by age.
func (r *QueueRepository) ClaimDue(ctx context.Context, limit int, staleness time.Duration) ([]domain.QueueItem, error) {
	query := `
		UPDATE archive_queue
		SET status = 'processing', last_attempt_at = NOW()
		WHERE id IN (
			SELECT id FROM archive_queue
			WHERE status = 'pending'
			   OR (status = 'processing' AND last_attempt_at < NOW() - $2::interval)
			ORDER BY priority ASC, created_at ASC
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + queueSelectList

	rows, err := r.db.QueryxContext(ctx, query, limit, staleness.String())
	if err != nil {
		return nil, fmt.Errorf("claim due: %w", err)
	}
	defer rows.Close()

	return scanQueueItems(rows)
}

// markResult runs a guarded status transition and reports whether a row moved.
// A zero row count means the item was not in processing state (for example a
// duplicate completion) and the call is a no-op.
func (r *QueueRepository) markResult(ctx context.Context, query string, args ...any) (bool, error) {
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	rows, rowsErr := result.RowsAffected()
	if rowsErr != nil {
		return false, fmt.Errorf("get affected rows: %w", rowsErr)
	}
	return rows > 0, nil
}

// MarkSucceeded transitions processing -> success, incrementing attempts,
// setting archived_at and clearing the error message.
func (r *QueueRepository) MarkSucceeded(ctx context.Context, id uuid.UUID) (bool, error) {
	query := `
		UPDATE archive_queue
		SET status = 'success',
		    attempts = attempts + 1,
		    archived_at = NOW(),
		    error_message = NULL
		WHERE id = $1 AND status = 'processing'`

	updated, err := r.markResult(ctx, query, id)
	if err != nil {
		return false, fmt.Errorf("mark succeeded: %w", err)
	}
	return updated, nil
}

// MarkRequeued transitions processing -> pending for another attempt,
// incrementing attempts and recording the failure detail.
func (r *QueueRepository) MarkRequeued(ctx context.Context, id uuid.UUID, errorMsg string) (bool, error) {
	query := `
		UPDATE archive_queue
		SET status = 'pending',
		    attempts = attempts + 1,
		    error_message = $2
		WHERE id = $1 AND status = 'processing'`

	updated, err := r.markResult(ctx, query, id, errorMsg)
	if err != nil {
		return false, fmt.Errorf("mark requeued: %w", err)
	}
	return updated, nil
}

// MarkFailed transitions processing -> failed (terminal unless the retry pass
// resurrects it), incrementing attempts and recording the failure detail.
func (r *QueueRepository) MarkFailed(ctx context.Context, id uuid.UUID, errorMsg string) (bool, error) {
	query := `
		UPDATE archive_queue
		SET status = 'failed',
		    attempts = attempts + 1,
		    error_message = $2
		WHERE id = $1 AND status = 'processing'`

	updated, err := r.markResult(ctx, query, id, errorMsg)
	if err != nil {
		return false, fmt.Errorf("mark failed: %w", err)
	}
	return updated, nil
}

// ResetFailedToPending re-enters failed items with attempt budget remaining
// into the queue. Attempts are left unchanged; exhausted items stay failed.
func (r *QueueRepository) ResetFailedToPending(ctx context.Context, limit int) (int64, error) {
	query := `
		UPDATE archive_queue
		SET status = 'pending'
		WHERE id IN (
			SELECT id FROM archive_queue
			WHERE status = 'failed'
			  AND attempts < max_attempts
			ORDER BY last_attempt_at ASC NULLS FIRST
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)`

	result, err := r.db.ExecContext(ctx, query, limit)
	if err != nil {
		return 0, fmt.Errorf("reset failed to pending: %w", err)
	}

	return result.RowsAffected()
}

// FetchStuck returns processing items older than the threshold, oldest first.
// Read-only: resolution goes through the guarded mark methods, so re-running
// a sweep over an unchanged set mutates nothing.
func (r *QueueRepository) FetchStuck(ctx context.Context, olderThan time.Duration, limit int) ([]domain.QueueItem, error) {
	query := `
		SELECT ` + queueSelectList + `
		FROM archive_queue
		WHERE status = 'processing'
		  AND last_attempt_at < NOW() - $1::interval
		ORDER BY last_attempt_at ASC
		LIMIT $2`

	rows, err := r.db.QueryxContext(ctx, query, olderThan.String(), limit)
	if err != nil {
		return nil, fmt.Errorf("fetch stuck: %w", err)
	}
	defer rows.Close()

	return scanQueueItems(rows)
}

// PendingItems returns pending items in claim order.
func (r *QueueRepository) PendingItems(ctx context.Context, limit int) ([]domain.QueueItem, error) {
	query := `
		SELECT ` + queueSelectList + `
		FROM archive_queue
		WHERE status = 'pending'
		ORDER BY priority ASC, created_at ASC
		LIMIT $1`

	items := []domain.QueueItem{}
	if err := r.db.SelectContext(ctx, &items, query, limit); err != nil {
		return nil, fmt.Errorf("pending items: %w", err)
	}
	return items, nil
}

// GetByID retrieves a single queue item.
func (r *QueueRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.QueueItem, error) {
	query := `SELECT ` + queueSelectList + `
		FROM archive_queue
		WHERE id = $1`

	var item domain.QueueItem
	err := r.db.GetContext(ctx, &item, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get by id: %w", err)
	}
	return &item, nil
}

// Stats returns queue counts by status.
func (r *QueueRepository) Stats(ctx context.Context) (*domain.QueueStats, error) {
	query := `
		SELECT
			COUNT(*) FILTER (WHERE status = 'pending') AS pending,
			COUNT(*) FILTER (WHERE status = 'processing') AS processing,
			COUNT(*) FILTER (WHERE status = 'success') AS success,
			COUNT(*) FILTER (WHERE status = 'failed') AS failed,
			COUNT(*) AS total
		FROM archive_queue`

	var stats domain.QueueStats
	err := r.db.QueryRowContext(ctx, query).Scan(
		&stats.Pending,
		&stats.Processing,
		&stats.Success,
		&stats.Failed,
		&stats.Total,
	)
	if err != nil {
		return nil, fmt.Errorf("get queue stats: %w", err)
	}
	return &stats, nil
}

// CleanupSucceeded removes terminal success rows older than the retention
// window. Non-terminal rows are never touched.
func (r *QueueRepository) CleanupSucceeded(ctx context.Context, olderThan time.Duration) (int64, error) {
	query := `
		DELETE FROM archive_queue
		WHERE status = 'success'
		  AND archived_at < NOW() - $1::interval`

	result, err := r.db.ExecContext(ctx, query, olderThan.String())
	if err != nil {
		return 0, fmt.Errorf("cleanup succeeded: %w", err)
	}

	return result.RowsAffected()
}

func scanQueueItems(rows *sqlx.Rows) ([]domain.QueueItem, error) {
	items := []domain.QueueItem{}
	for rows.Next() {
		var item domain.QueueItem
		if err := rows.StructScan(&item); err != nil {
			return nil, fmt.Errorf("scan queue item: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}
