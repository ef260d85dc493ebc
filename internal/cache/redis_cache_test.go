package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storyline/api/internal/store"
)

func setupTestCache(t *testing.T, ttl time.Duration) (*RedisRevisionCache, *miniredis.Miniredis) {
	t.Helper()
	s := miniredis.RunT(t)
	c, err := NewRedisRevisionCache("redis://"+s.Addr(), ttl)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c, s
}

func fixtureRevision() store.Revision {
	return store.Revision{
		ID:        "rev_2",
		StoryID:   "story_1",
		AuthorID:  "usr_2",
		Content:   "Hello, world",
		CreatedAt: time.Date(2024, 5, 1, 10, 30, 0, 0, time.UTC),
	}
}

func TestNewRedisRevisionCacheRejectsBadURL(t *testing.T) {
	_, err := NewRedisRevisionCache("not-a-url", time.Minute)
	require.Error(t, err)
}

func TestPutAndGetRevision(t *testing.T) {
	c, s := setupTestCache(t, time.Minute)
	ctx := context.Background()

	_, ok, err := c.GetRevision(ctx, "rev_2")
	require.NoError(t, err)
	assert.False(t, ok)

	revision := fixtureRevision()
	require.NoError(t, c.PutRevision(ctx, revision))
	assert.True(t, s.Exists("revision:rev_2"))

	got, ok, err := c.GetRevision(ctx, "rev_2")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, revision, got)
}

func TestRevisionExpires(t *testing.T) {
	c, s := setupTestCache(t, time.Minute)
	ctx := context.Background()
	require.NoError(t, c.PutRevision(ctx, fixtureRevision()))

	s.FastForward(2 * time.Minute)

	_, ok, err := c.GetRevision(ctx, "rev_2")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGetRevisionCorruptPayload(t *testing.T) {
	c, s := setupTestCache(t, time.Minute)
	require.NoError(t, s.Set("revision:rev_2", "{not json"))

	_, ok, err := c.GetRevision(context.Background(), "rev_2")
	require.Error(t, err)
	assert.False(t, ok)
}

func TestDefaultTTL(t *testing.T) {
	c, s := setupTestCache(t, 0)
	require.NoError(t, c.PutRevision(context.Background(), fixtureRevision()))
	assert.Equal(t, 5*time.Minute, s.TTL("revision:rev_2"))
}
