package domain_test

import (
	"errors"
	"testing"

	"github.com/spunwebtech/wayback-relay/internal/domain"
)

func TestNewQueueItem(t *testing.T) {
	testCases := []struct {
		name         string
		contentID    string
		url          string
		title        string
		contentType  string
		priority     int
		wantErr      bool
		wantType     string
		wantPriority int
	}{
		{
			name:         "valid item",
			contentID:    "42",
			url:          "https://example.com/a",
			title:        "Example",
			contentType:  "post",
			priority:     5,
			wantType:     "post",
			wantPriority: 5,
		},
		{
			name:    "missing content id",
			url:     "https://example.com/a",
			wantErr: true,
		},
		{
			name:      "missing url",
			contentID: "42",
			wantErr:   true,
		},
		{
			name:         "content type and priority default",
			contentID:    "42",
			url:          "https://example.com/a",
			wantType:     "post",
			wantPriority: domain.DefaultPriority,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			item, err := domain.NewQueueItem(tc.contentID, tc.url, tc.title, tc.contentType, tc.priority)
			if tc.wantErr {
				if err == nil {
					t.Fatal("NewQueueItem() error = nil, want error")
				}
				if !errors.Is(err, domain.ErrInvalidQueueItem) {
					t.Errorf("error = %v, want ErrInvalidQueueItem", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("NewQueueItem() error = %v", err)
			}
			if item.Status != domain.QueueStatusPending {
				t.Errorf("Status = %q, want %q", item.Status, domain.QueueStatusPending)
			}
			if item.Attempts != 0 {
				t.Errorf("Attempts = %d, want 0", item.Attempts)
			}
			if item.ContentType != tc.wantType {
				t.Errorf("ContentType = %q, want %q", item.ContentType, tc.wantType)
			}
			if item.Priority != tc.wantPriority {
				t.Errorf("Priority = %d, want %d", item.Priority, tc.wantPriority)
			}
			if item.MaxAttempts <= 0 {
				t.Errorf("MaxAttempts = %d, want positive default", item.MaxAttempts)
			}
		})
	}
}

func TestQueueItem_RetryHelpers(t *testing.T) {
	item := domain.QueueItem{Attempts: 2, MaxAttempts: 3}
	if !item.ShouldRetry() {
		t.Error("ShouldRetry() = false, want true with attempts below max")
	}
	if item.IsExhausted() {
		t.Error("IsExhausted() = true, want false with attempts below max")
	}

	item.Attempts = 3
	if item.ShouldRetry() {
		t.Error("ShouldRetry() = true, want false at max attempts")
	}
	if !item.IsExhausted() {
		t.Error("IsExhausted() = false, want true at max attempts")
	}
}

func TestQueueItem_IsTerminal(t *testing.T) {
	testCases := []struct {
		status domain.QueueStatus
		want   bool
	}{
		{domain.QueueStatusPending, false},
		{domain.QueueStatusProcessing, false},
		{domain.QueueStatusSuccess, true},
		{domain.QueueStatusFailed, true},
	}

	for _, tc := range testCases {
		item := domain.QueueItem{Status: tc.status}
		if got := item.IsTerminal(); got != tc.want {
			t.Errorf("IsTerminal() with status %q = %v, want %v", tc.status, got, tc.want)
		}
	}
}
