// Package cache provides read-through caches for revision content, backed by
// Redis or by process memory. Revisions never change once written, so
// entries only leave the cache by expiry.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"storyline/api/internal/store"
)

// cachedRevision is the JSON shape stored under each key.
type cachedRevision struct {
	ID        string    `json:"id"`
	StoryID   string    `json:"story_id"`
	AuthorID  string    `json:"author_id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// RedisRevisionCache stores revisions keyed by revision id with a fixed TTL.
type RedisRevisionCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisRevisionCache connects to redisURL and verifies the connection.
func NewRedisRevisionCache(redisURL string, ttl time.Duration) (*RedisRevisionCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisRevisionCacheWithClient(client, ttl), nil
}

func NewRedisRevisionCacheWithClient(client *redis.Client, ttl time.Duration) *RedisRevisionCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &RedisRevisionCache{client: client, prefix: "revision:", ttl: ttl}
}

func (c *RedisRevisionCache) key(revisionID string) string {
	return c.prefix + revisionID
}

// GetRevision reports ok=false on a miss.
func (c *RedisRevisionCache) GetRevision(ctx context.Context, revisionID string) (store.Revision, bool, error) {
	raw, err := c.client.Get(ctx, c.key(revisionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return store.Revision{}, false, nil
	}
	if err != nil {
		return store.Revision{}, false, fmt.Errorf("get revision: %w", err)
	}

	var data cachedRevision
	if err := json.Unmarshal(raw, &data); err != nil {
		return store.Revision{}, false, fmt.Errorf("unmarshal revision: %w", err)
	}
	return store.Revision{
		ID:        data.ID,
		StoryID:   data.StoryID,
		AuthorID:  data.AuthorID,
		Content:   data.Content,
		CreatedAt: data.CreatedAt,
	}, true, nil
}

func (c *RedisRevisionCache) PutRevision(ctx context.Context, revision store.Revision) error {
	payload, err := json.Marshal(cachedRevision{
		ID:        revision.ID,
		StoryID:   revision.StoryID,
		AuthorID:  revision.AuthorID,
		Content:   revision.Content,
		CreatedAt: revision.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("marshal revision: %w", err)
	}
	if err := c.client.Set(ctx, c.key(revision.ID), payload, c.ttl).Err(); err != nil {
		return fmt.Errorf("put revision: %w", err)
	}
	return nil
}

func (c *RedisRevisionCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisRevisionCache) Close() error {
	return c.client.Close()
}
