package cache

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"storyline/api/internal/store"
)

// LocalRevisionCache keeps revisions in process memory. It is used when no
// Redis is configured; entries are never stale, so replicas need no
// coordination.
type LocalRevisionCache struct {
	items *gocache.Cache
}

func NewLocalRevisionCache(ttl time.Duration) *LocalRevisionCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &LocalRevisionCache{items: gocache.New(ttl, 2*ttl)}
}

func (c *LocalRevisionCache) GetRevision(_ context.Context, revisionID string) (store.Revision, bool, error) {
	value, ok := c.items.Get(revisionID)
	if !ok {
		return store.Revision{}, false, nil
	}
	revision, ok := value.(store.Revision)
	return revision, ok, nil
}

func (c *LocalRevisionCache) PutRevision(_ context.Context, revision store.Revision) error {
	c.items.SetDefault(revision.ID, revision)
	return nil
}

// Len reports how many revisions are cached, expired ones included until the
// janitor runs.
func (c *LocalRevisionCache) Len() int {
	return c.items.ItemCount()
}
