package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/spunwebtech/wayback-relay/internal/archive"
	"github.com/spunwebtech/wayback-relay/internal/domain"
	"github.com/spunwebtech/wayback-relay/internal/logger"
	"github.com/spunwebtech/wayback-relay/internal/relay"
)

const defaultListLimit = 50

// Handlers provides HTTP handlers for the relay API.
type Handlers struct {
	service     RelayService
	queue       QueueReader
	submissions SubmissionReader
	tester      ConnectionTester
	logger      logger.Logger
	version     string
}

func NewHandlers(
	service RelayService,
	queue QueueReader,
	submissions SubmissionReader,
	tester ConnectionTester,
	log logger.Logger,
	version string,
) *Handlers {
	return &Handlers{
		service:     service,
		queue:       queue,
		submissions: submissions,
		tester:      tester,
		logger:      log,
		version:     version,
	}
}

// EnqueueRequest is the POST /api/v1/queue body. Priority is optional; lower
// values are claimed first and zero falls back to the default.
type EnqueueRequest struct {
	ContentID   string `json:"content_id" binding:"required"`
	URL         string `json:"url"        binding:"required"`
	Title       string `json:"title"`
	ContentType string `json:"content_type"`
	Priority    int    `json:"priority"`
}

// EnqueueContent handles POST /api/v1/queue
func (h *Handlers) EnqueueContent(c *gin.Context) {
	var req EnqueueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	item, err := h.service.Enqueue(c.Request.Context(), req.ContentID, req.URL, req.Title, req.ContentType, req.Priority)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrDuplicate):
			c.JSON(http.StatusConflict, gin.H{"error": "Content is already queued"})
		case errors.Is(err, relay.ErrRecentlySubmitted):
			c.JSON(http.StatusConflict, gin.H{"error": "Content was recently submitted"})
		case errors.Is(err, domain.ErrInvalidQueueItem):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		default:
			h.logger.Error("Failed to enqueue content",
				logger.String("content_id", req.ContentID),
				logger.Error(err),
			)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to enqueue content"})
		}
		return
	}

	c.JSON(http.StatusCreated, item)
}

// GetQueueStats handles GET /api/v1/queue/stats
func (h *Handlers) GetQueueStats(c *gin.Context) {
	stats, err := h.service.QueueStats(c.Request.Context())
	if err != nil {
		h.logger.Error("Failed to get queue stats", logger.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve queue statistics"})
		return
	}
	c.JSON(http.StatusOK, stats)
}

// GetPendingItems handles GET /api/v1/queue/pending
func (h *Handlers) GetPendingItems(c *gin.Context) {
	limit := parseLimit(c, defaultListLimit)

	items, err := h.queue.PendingItems(c.Request.Context(), limit)
	if err != nil {
		h.logger.Error("Failed to list pending items", logger.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve pending items"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"items": items,
		"count": len(items),
	})
}

// GetQueueItem handles GET /api/v1/queue/:id
func (h *Handlers) GetQueueItem(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid queue item ID format"})
		return
	}

	item, err := h.queue.GetByID(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Queue item not found"})
			return
		}
		h.logger.Error("Failed to get queue item",
			logger.String("queue_id", id.String()),
			logger.Error(err),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve queue item"})
		return
	}

	c.JSON(http.StatusOK, item)
}

// TriggerProcess handles POST /api/v1/queue/process
func (h *Handlers) TriggerProcess(c *gin.Context) {
	summary, err := h.service.ProcessQueue(c.Request.Context())
	if err != nil {
		h.logger.Error("Manual processing pass failed", logger.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Processing pass failed"})
		return
	}
	c.JSON(http.StatusOK, summary)
}

// TriggerRetry handles POST /api/v1/queue/retry
func (h *Handlers) TriggerRetry(c *gin.Context) {
	count, err := h.service.RetryFailed(c.Request.Context())
	if err != nil {
		h.logger.Error("Manual retry pass failed", logger.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Retry pass failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"requeued": count})
}

// TriggerSweep handles POST /api/v1/queue/sweep. Optional query params
// threshold (Go duration) and limit override the configured defaults.
func (h *Handlers) TriggerSweep(c *gin.Context) {
	var threshold time.Duration
	if raw := c.Query("threshold"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid threshold duration"})
			return
		}
		threshold = parsed
	}

	var limit int
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = parsed
	}

	summary, err := h.service.SweepStuck(c.Request.Context(), threshold, limit)
	if err != nil {
		h.logger.Error("Manual sweep pass failed", logger.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Sweep pass failed"})
		return
	}
	c.JSON(http.StatusOK, summary)
}

// ListSubmissions handles GET /api/v1/submissions
func (h *Handlers) ListSubmissions(c *gin.Context) {
	var filter domain.SubmissionFilter
	if err := c.ShouldBindQuery(&filter); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	records, err := h.submissions.List(c.Request.Context(), &filter)
	if err != nil {
		h.logger.Error("Failed to list submissions", logger.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve submissions"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"submissions": records,
		"count":       len(records),
	})
}

// GetRecentSubmissions handles GET /api/v1/submissions/recent
func (h *Handlers) GetRecentSubmissions(c *gin.Context) {
	limit := parseLimit(c, defaultListLimit)

	records, err := h.submissions.Recent(c.Request.Context(), limit)
	if err != nil {
		h.logger.Error("Failed to get recent submissions", logger.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve recent submissions"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"submissions": records,
		"count":       len(records),
	})
}

// GetPopularContent handles GET /api/v1/submissions/popular
func (h *Handlers) GetPopularContent(c *gin.Context) {
	limit := parseLimit(c, defaultListLimit)

	popular, err := h.submissions.Popular(c.Request.Context(), limit)
	if err != nil {
		h.logger.Error("Failed to get popular content", logger.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve popular content"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"content": popular,
		"count":   len(popular),
	})
}

// GetSubmissionStats handles GET /api/v1/submissions/stats
func (h *Handlers) GetSubmissionStats(c *gin.Context) {
	stats, err := h.submissions.Stats(c.Request.Context())
	if err != nil {
		h.logger.Error("Failed to get submission stats", logger.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve submission statistics"})
		return
	}
	c.JSON(http.StatusOK, stats)
}

// GetContentSubmissions handles GET /api/v1/content/:content_id/submissions
func (h *Handlers) GetContentSubmissions(c *gin.Context) {
	contentID := c.Param("content_id")
	if contentID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "content_id is required"})
		return
	}

	records, err := h.submissions.ByContent(c.Request.Context(), contentID)
	if err != nil {
		h.logger.Error("Failed to get content submissions",
			logger.String("content_id", contentID),
			logger.Error(err),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve content submissions"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"content_id":  contentID,
		"submissions": records,
		"count":       len(records),
	})
}

// TestArchiveConnection handles POST /api/v1/archive/test
func (h *Handlers) TestArchiveConnection(c *gin.Context) {
	if err := h.tester.TestConnection(c.Request.Context()); err != nil {
		if errors.Is(err, archive.ErrInvalidCredentials) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid archive credentials"})
			return
		}
		h.logger.Error("Archive connection test failed", logger.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "Archive connection test failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok", "message": "Archive credentials are valid"})
}

func parseLimit(c *gin.Context, fallback int) int {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(fallback)))
	if err != nil || limit <= 0 {
		return fallback
	}
	return limit
}
