package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/spunwebtech/wayback-relay/internal/logger"
)

// Tracker remembers which content was recently submitted to the archive so
// repeated enqueue requests within the window are skipped. Redis errors are
// treated as "not recently submitted": the queue's unique index is the real
// duplicate guard, this cache only saves round trips.
type Tracker struct {
	client *redis.Client
	ttl    time.Duration
	logger logger.Logger
}

func NewTracker(client *redis.Client, ttl time.Duration, log logger.Logger) *Tracker {
	return &Tracker{
		client: client,
		ttl:    ttl,
		logger: log,
	}
}

func (t *Tracker) key(contentID string) string {
	return fmt.Sprintf("submitted:content:%s", contentID)
}

// RecentlySubmitted reports whether the content was submitted within the TTL
// window.
func (t *Tracker) RecentlySubmitted(ctx context.Context, contentID string) bool {
	key := t.key(contentID)

	exists, err := t.client.Exists(ctx, key).Result()
	if err != nil {
		t.logger.Error("Redis error checking recent submission",
			logger.String("content_id", contentID),
			logger.String("redis_key", key),
			logger.Error(err),
		)
		return false
	}

	recent := exists == 1
	if recent {
		t.logger.Debug("Content recently submitted, skipping",
			logger.String("content_id", contentID),
			logger.String("redis_key", key),
		)
	}

	return recent
}

// MarkSubmitted records the content as submitted for the TTL window.
func (t *Tracker) MarkSubmitted(ctx context.Context, contentID string) error {
	key := t.key(contentID)

	if err := t.client.Set(ctx, key, "1", t.ttl).Err(); err != nil {
		t.logger.Error("Redis error marking content as submitted",
			logger.String("content_id", contentID),
			logger.String("redis_key", key),
			logger.Duration("ttl", t.ttl),
			logger.Error(err),
		)
		return err
	}

	return nil
}

// Clear forgets a single content item, letting the next enqueue through.
func (t *Tracker) Clear(ctx context.Context, contentID string) error {
	key := t.key(contentID)

	if err := t.client.Del(ctx, key).Err(); err != nil {
		t.logger.Error("Redis error clearing submission marker",
			logger.String("content_id", contentID),
			logger.String("redis_key", key),
			logger.Error(err),
		)
		return err
	}

	return nil
}

// FlushAll removes every submission marker. SCAN keeps this scoped to our
// key prefix instead of clearing the whole database.
func (t *Tracker) FlushAll(ctx context.Context) error {
	pattern := "submitted:content:*"
	var cursor uint64
	var deletedCount int

	for {
		var keys []string
		var err error
		const scanBatchSize = 100
		keys, cursor, err = t.client.Scan(ctx, cursor, pattern, scanBatchSize).Result()
		if err != nil {
			return fmt.Errorf("scan keys: %w", err)
		}

		if len(keys) > 0 {
			deleted, delErr := t.client.Del(ctx, keys...).Result()
			if delErr != nil {
				return fmt.Errorf("delete keys: %w", delErr)
			}
			deletedCount += int(deleted)
		}

		if cursor == 0 {
			break
		}
	}

	t.logger.Info("Flushed submission markers",
		logger.Int("keys_deleted", deletedCount),
		logger.String("pattern", pattern),
	)

	return nil
}
