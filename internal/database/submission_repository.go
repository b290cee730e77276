package database

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/spunwebtech/wayback-relay/internal/domain"
)

const submissionSelectList = `id, content_id, url, status, archive_url,
			error_message, response_data, submitted_at`

// Pagination bounds for submission queries.
const (
	defaultSubmissionLimit = 100
	maxSubmissionLimit     = 1000
)

// SubmissionRepository manages the append-only submission audit trail.
// Rows are inserted and never mutated; a queue item's resolution adds a new
// terminal-status row alongside the pending row written at enqueue time.
type SubmissionRepository struct {
	db *sqlx.DB
}

// NewSubmissionRepository creates a new repository.
func NewSubmissionRepository(db *sqlx.DB) *SubmissionRepository {
	return &SubmissionRepository{db: db}
}

// RecordPending inserts the initial pending history row at enqueue time.
func (r *SubmissionRepository) RecordPending(ctx context.Context, contentID, url string) (*domain.SubmissionRecord, error) {
	record := &domain.SubmissionRecord{
		ID:        uuid.New(),
		ContentID: contentID,
		URL:       url,
		Status:    domain.SubmissionStatusPending,
	}

	query := `
		INSERT INTO submissions (id, content_id, url, status, submitted_at)
		VALUES ($1, $2, $3, $4, NOW())
		RETURNING submitted_at`

	err := r.db.QueryRowContext(ctx, query,
		record.ID, record.ContentID, record.URL, record.Status,
	).Scan(&record.SubmittedAt)
	if err != nil {
		return nil, fmt.Errorf("record pending submission: %w", err)
	}

	return record, nil
}

// RecordOutcome inserts a terminal-status history row. The archive URL is
// stored only for successes; the raw normalized API response is retained for
// audit.
func (r *SubmissionRepository) RecordOutcome(
	ctx context.Context,
	contentID, url string,
	status domain.SubmissionStatus,
	archiveURL, errorMsg, rawResponse string,
) (*domain.SubmissionRecord, error) {
	record := &domain.SubmissionRecord{
		ID:        uuid.New(),
		ContentID: contentID,
		URL:       url,
		Status:    status,
	}
	if archiveURL != "" {
		record.ArchiveURL = &archiveURL
	}
	if errorMsg != "" {
		record.ErrorMessage = &errorMsg
	}
	if rawResponse != "" {
		record.ResponseData = &rawResponse
	}

	query := `
		INSERT INTO submissions (id, content_id, url, status, archive_url,
			error_message, response_data, submitted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		RETURNING submitted_at`

	err := r.db.QueryRowContext(ctx, query,
		record.ID, record.ContentID, record.URL, record.Status,
		record.ArchiveURL, record.ErrorMessage, record.ResponseData,
	).Scan(&record.SubmittedAt)
	if err != nil {
		return nil, fmt.Errorf("record submission outcome: %w", err)
	}

	return record, nil
}

// List retrieves submission records matching the filter, newest first.
func (r *SubmissionRepository) List(ctx context.Context, filter *domain.SubmissionFilter) ([]domain.SubmissionRecord, error) {
	if filter.Limit == 0 {
		filter.Limit = defaultSubmissionLimit
	}
	if filter.Limit > maxSubmissionLimit {
		filter.Limit = maxSubmissionLimit
	}

	query := `
		SELECT ` + submissionSelectList + `
		FROM submissions
		WHERE 1=1`

	args := []any{}
	argPos := 1

	if filter.ContentID != "" {
		query += fmt.Sprintf(" AND content_id = $%d", argPos)
		args = append(args, filter.ContentID)
		argPos++
	}

	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argPos)
		args = append(args, filter.Status)
		argPos++
	}

	if filter.StartDate != nil {
		query += fmt.Sprintf(" AND submitted_at >= $%d", argPos)
		args = append(args, *filter.StartDate)
		argPos++
	}

	if filter.EndDate != nil {
		query += fmt.Sprintf(" AND submitted_at <= $%d", argPos)
		args = append(args, *filter.EndDate)
		argPos++
	}

	query += " ORDER BY submitted_at DESC"
	query += fmt.Sprintf(" LIMIT $%d OFFSET $%d", argPos, argPos+1)
	args = append(args, filter.Limit, filter.Offset)

	records := []domain.SubmissionRecord{}
	if err := r.db.SelectContext(ctx, &records, query, args...); err != nil {
		return nil, fmt.Errorf("list submissions: %w", err)
	}

	return records, nil
}

// ByContent retrieves the full submission history for one content item,
// newest first.
func (r *SubmissionRepository) ByContent(ctx context.Context, contentID string) ([]domain.SubmissionRecord, error) {
	query := `
		SELECT ` + submissionSelectList + `
		FROM submissions
		WHERE content_id = $1
		ORDER BY submitted_at DESC`

	records := []domain.SubmissionRecord{}
	if err := r.db.SelectContext(ctx, &records, query, contentID); err != nil {
		return nil, fmt.Errorf("get submissions by content: %w", err)
	}

	return records, nil
}

// Recent returns the n most recent submission records.
func (r *SubmissionRepository) Recent(ctx context.Context, n int) ([]domain.SubmissionRecord, error) {
	query := `
		SELECT ` + submissionSelectList + `
		FROM submissions
		ORDER BY submitted_at DESC
		LIMIT $1`

	records := []domain.SubmissionRecord{}
	if err := r.db.SelectContext(ctx, &records, query, n); err != nil {
		return nil, fmt.Errorf("recent submissions: %w", err)
	}

	return records, nil
}

// Popular ranks content by submission frequency, most submitted first.
func (r *SubmissionRepository) Popular(ctx context.Context, n int) ([]domain.PopularContent, error) {
	query := `
		SELECT content_id,
		       MAX(url) AS url,
		       COUNT(*) AS submissions,
		       MAX(submitted_at) AS last_submit
		FROM submissions
		GROUP BY content_id
		ORDER BY submissions DESC, last_submit DESC
		LIMIT $1`

	ranked := []domain.PopularContent{}
	if err := r.db.SelectContext(ctx, &ranked, query, n); err != nil {
		return nil, fmt.Errorf("popular submissions: %w", err)
	}

	return ranked, nil
}

// Stats returns submission counts by status.
func (r *SubmissionRepository) Stats(ctx context.Context) (*domain.SubmissionStats, error) {
	query := `
		SELECT
			COUNT(*) FILTER (WHERE status = 'pending') AS pending,
			COUNT(*) FILTER (WHERE status = 'success') AS success,
			COUNT(*) FILTER (WHERE status = 'failed') AS failed,
			COUNT(*) AS total
		FROM submissions`

	var stats domain.SubmissionStats
	err := r.db.QueryRowContext(ctx, query).Scan(
		&stats.Pending,
		&stats.Success,
		&stats.Failed,
		&stats.Total,
	)
	if err != nil {
		return nil, fmt.Errorf("get submission stats: %w", err)
	}
	return &stats, nil
}

// SubmittedSince reports whether the content was submitted within the window.
// Used as a fallback recently-submitted check when Redis is not configured.
func (r *SubmissionRepository) SubmittedSince(ctx context.Context, contentID string, since time.Time) (bool, error) {
	var exists bool
	query := `
		SELECT EXISTS(
			SELECT 1 FROM submissions
			WHERE content_id = $1 AND submitted_at >= $2
		)`

	if err := r.db.GetContext(ctx, &exists, query, contentID, since); err != nil {
		return false, fmt.Errorf("check submitted since: %w", err)
	}

	return exists, nil
}
