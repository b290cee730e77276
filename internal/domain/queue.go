// Package domain contains the core domain models for the wayback-relay service.
package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when an entity is not found in the database.
var ErrNotFound = errors.New("entity not found")

// ErrDuplicate is returned when enqueueing content that already has an
// unresolved (pending or processing) queue item.
var ErrDuplicate = errors.New("content already queued")

// ErrInvalidQueueItem is returned when creating a queue item with invalid fields.
var ErrInvalidQueueItem = errors.New("invalid queue item")

// QueueStatus represents the state of a queue item.
type QueueStatus string

const (
	QueueStatusPending    QueueStatus = "pending"
	QueueStatusProcessing QueueStatus = "processing"
	QueueStatusSuccess    QueueStatus = "success"
	QueueStatusFailed     QueueStatus = "failed"
)

// QueueItem is one unit of archival work. The content snapshot (URL, title,
// type) is immutable after creation; only the queue processor and the sweeper
// mutate status fields, and only through the repository contract.
type QueueItem struct {
	ID            uuid.UUID   `db:"id"              json:"id"`
	ContentID     string      `db:"content_id"      json:"content_id"`
	URL           string      `db:"url"             json:"url"`
	Title         string      `db:"title"           json:"title"`
	ContentType   string      `db:"content_type"    json:"content_type"`
	Priority      int         `db:"priority"        json:"priority"`
	Status        QueueStatus `db:"status"          json:"status"`
	Attempts      int         `db:"attempts"        json:"attempts"`
	MaxAttempts   int         `db:"max_attempts"    json:"max_attempts"`
	ErrorMessage  *string     `db:"error_message"   json:"error_message,omitempty"`
	LastAttemptAt *time.Time  `db:"last_attempt_at" json:"last_attempt_at,omitempty"`
	CreatedAt     time.Time   `db:"created_at"      json:"created_at"`
	ArchivedAt    *time.Time  `db:"archived_at"     json:"archived_at,omitempty"`
}

// ShouldRetry reports whether the item has attempt budget remaining.
func (q *QueueItem) ShouldRetry() bool {
	return q.Attempts < q.MaxAttempts
}

// IsExhausted reports whether all attempts have been used.
func (q *QueueItem) IsExhausted() bool {
	return q.Attempts >= q.MaxAttempts
}

// IsTerminal reports whether the item has reached a terminal status.
func (q *QueueItem) IsTerminal() bool {
	return q.Status == QueueStatusSuccess || q.Status == QueueStatusFailed
}

// QueueStats holds queue counts by status for monitoring.
type QueueStats struct {
	Pending    int64 `json:"pending"`
	Processing int64 `json:"processing"`
	Success    int64 `json:"success"`
	Failed     int64 `json:"failed"`
	Total      int64 `json:"total"`
}

const defaultMaxAttempts = 3

// DefaultPriority is the claim priority assigned when the caller passes none.
// Lower values are claimed first.
const DefaultPriority = 10

// NewQueueItem creates a queue item with validation. Status starts at pending
// with zero attempts; a non-positive priority falls back to DefaultPriority.
func NewQueueItem(contentID, url, title, contentType string, priority int) (*QueueItem, error) {
	if contentID == "" {
		return nil, fmt.Errorf("%w: content_id is required", ErrInvalidQueueItem)
	}
	if url == "" {
		return nil, fmt.Errorf("%w: url is required", ErrInvalidQueueItem)
	}
	if contentType == "" {
		contentType = "post"
	}
	if priority <= 0 {
		priority = DefaultPriority
	}

	return &QueueItem{
		ContentID:   contentID,
		URL:         url,
		Title:       title,
		ContentType: contentType,
		Priority:    priority,
		Status:      QueueStatusPending,
		MaxAttempts: defaultMaxAttempts,
		CreatedAt:   time.Now(),
	}, nil
}
