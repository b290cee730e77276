package domain

import (
	"time"

	"github.com/google/uuid"
)

// SubmissionStatus is the coarse, display-oriented outcome of a submission.
type SubmissionStatus string

const (
	SubmissionStatusPending SubmissionStatus = "pending"
	SubmissionStatusSuccess SubmissionStatus = "success"
	SubmissionStatusFailed  SubmissionStatus = "failed"
)

// SubmissionRecord is an append-only audit row describing one submission
// attempt's outcome. Rows are never mutated after insert; resolution writes a
// new row rather than updating the pending one.
type SubmissionRecord struct {
	ID           uuid.UUID        `db:"id"            json:"id"`
	ContentID    string           `db:"content_id"    json:"content_id"`
	URL          string           `db:"url"           json:"url"`
	Status       SubmissionStatus `db:"status"        json:"status"`
	ArchiveURL   *string          `db:"archive_url"   json:"archive_url,omitempty"`
	ErrorMessage *string          `db:"error_message" json:"error_message,omitempty"`
	ResponseData *string          `db:"response_data" json:"response_data,omitempty"`
	SubmittedAt  time.Time        `db:"submitted_at"  json:"submitted_at"`
}

// SubmissionFilter holds filter criteria for querying submission records.
type SubmissionFilter struct {
	ContentID string           `form:"content_id"`
	Status    SubmissionStatus `form:"status"`
	StartDate *time.Time       `form:"start_date" time_format:"2006-01-02"`
	EndDate   *time.Time       `form:"end_date"   time_format:"2006-01-02"`
	Limit     int              `form:"limit"      binding:"omitempty,min=1,max=1000"`
	Offset    int              `form:"offset"     binding:"omitempty,min=0"`
}

// SubmissionStats holds submission counts by status.
type SubmissionStats struct {
	Pending int64 `json:"pending"`
	Success int64 `json:"success"`
	Failed  int64 `json:"failed"`
	Total   int64 `json:"total"`
}

// PopularContent ranks a content item by how often it has been submitted.
type PopularContent struct {
	ContentID   string    `db:"content_id"   json:"content_id"`
	URL         string    `db:"url"          json:"url"`
	Submissions int64     `db:"submissions"  json:"submissions"`
	LastSubmit  time.Time `db:"last_submit"  json:"last_submit"`
}
