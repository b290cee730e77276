// Package api exposes the relay HTTP surface: queue management, submission
// history, pass triggers and health.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"

	"github.com/spunwebtech/wayback-relay/internal/domain"
	"github.com/spunwebtech/wayback-relay/internal/logger"
	"github.com/spunwebtech/wayback-relay/internal/metrics"
	"github.com/spunwebtech/wayback-relay/internal/relay"
)

const (
	defaultReadTimeout  = 30 * time.Second
	defaultWriteTimeout = 60 * time.Second
	defaultIdleTimeout  = 120 * time.Second
	healthCheckTimeout  = 2 * time.Second

	healthStatusHealthy  = "healthy"
	healthStatusDegraded = "degraded"
)

// RelayService is the pipeline surface the handlers call.
type RelayService interface {
	Enqueue(ctx context.Context, contentID, url, title, contentType string, priority int) (*domain.QueueItem, error)
	ProcessQueue(ctx context.Context) (*relay.Summary, error)
	RetryFailed(ctx context.Context) (int64, error)
	SweepStuck(ctx context.Context, threshold time.Duration, limit int) (*relay.SweepSummary, error)
	QueueStats(ctx context.Context) (*domain.QueueStats, error)
}

// QueueReader is the read-only queue surface.
type QueueReader interface {
	PendingItems(ctx context.Context, limit int) ([]domain.QueueItem, error)
	GetByID(ctx context.Context, id uuid.UUID) (*domain.QueueItem, error)
}

// SubmissionReader is the read-only submission history surface.
type SubmissionReader interface {
	List(ctx context.Context, filter *domain.SubmissionFilter) ([]domain.SubmissionRecord, error)
	Recent(ctx context.Context, n int) ([]domain.SubmissionRecord, error)
	Popular(ctx context.Context, n int) ([]domain.PopularContent, error)
	ByContent(ctx context.Context, contentID string) ([]domain.SubmissionRecord, error)
	Stats(ctx context.Context) (*domain.SubmissionStats, error)
}

// ConnectionTester verifies archive credentials.
type ConnectionTester interface {
	TestConnection(ctx context.Context) error
}

// Router wires the HTTP handlers to their dependencies.
type Router struct {
	handlers *Handlers
	db       *sqlx.DB
	redis    *redis.Client
	version  string
	debug    bool
}

func NewRouter(
	service RelayService,
	queue QueueReader,
	submissions SubmissionReader,
	tester ConnectionTester,
	db *sqlx.DB,
	redisClient *redis.Client,
	version string,
	debug bool,
	log logger.Logger,
) *Router {
	return &Router{
		handlers: NewHandlers(service, queue, submissions, tester, log, version),
		db:       db,
		redis:    redisClient,
		version:  version,
		debug:    debug,
	}
}

// Engine builds the gin engine with all routes registered.
func (r *Router) Engine() *gin.Engine {
	if !r.debug {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(gin.Recovery())

	engine.GET("/health", r.health)
	engine.GET("/metrics", gin.WrapH(metrics.Handler()))

	v1 := engine.Group("/api/v1")
	{
		queue := v1.Group("/queue")
		{
			queue.POST("", r.handlers.EnqueueContent)
			queue.GET("/stats", r.handlers.GetQueueStats)
			queue.GET("/pending", r.handlers.GetPendingItems)
			queue.GET("/:id", r.handlers.GetQueueItem)
			queue.POST("/process", r.handlers.TriggerProcess)
			queue.POST("/retry", r.handlers.TriggerRetry)
			queue.POST("/sweep", r.handlers.TriggerSweep)
		}

		submissions := v1.Group("/submissions")
		{
			submissions.GET("", r.handlers.ListSubmissions)
			submissions.GET("/recent", r.handlers.GetRecentSubmissions)
			submissions.GET("/popular", r.handlers.GetPopularContent)
			submissions.GET("/stats", r.handlers.GetSubmissionStats)
		}

		v1.GET("/content/:content_id/submissions", r.handlers.GetContentSubmissions)
		v1.POST("/archive/test", r.handlers.TestArchiveConnection)
	}

	return engine
}

// NewServer wraps the engine in an http.Server with sane timeouts.
func (r *Router) NewServer(addr string) *http.Server {
	return &http.Server{
		Addr:         addr,
		Handler:      r.Engine(),
		ReadTimeout:  defaultReadTimeout,
		WriteTimeout: defaultWriteTimeout,
		IdleTimeout:  defaultIdleTimeout,
	}
}

// health reports degraded instead of failing outright when a dependency is
// down, so orchestrators can tell "up but impaired" from "down".
func (r *Router) health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthCheckTimeout)
	defer cancel()

	status := healthStatusHealthy
	checks := gin.H{}

	if r.db != nil {
		if err := r.db.PingContext(ctx); err != nil {
			status = healthStatusDegraded
			checks["database"] = err.Error()
		} else {
			checks["database"] = "ok"
		}
	}

	if r.redis != nil {
		if err := r.redis.Ping(ctx).Err(); err != nil {
			status = healthStatusDegraded
			checks["redis"] = err.Error()
		} else {
			checks["redis"] = "ok"
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"status":  status,
		"service": "wayback-relay",
		"version": r.version,
		"checks":  checks,
	})
}
