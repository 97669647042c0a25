package embeddings

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"
)

// Cache memoizes embedding vectors across pipeline runs, combining LRU storage
// with singleflight to coalesce concurrent loads for the same video. The key
// covers the embedded text content, so an edited title or description re-embeds
// while unchanged videos in overlapping snapshots are served from memory.
type Cache struct {
	lru   *lru.Cache[string, []float32]
	group singleflight.Group
}

// NewCache creates an embedding cache holding up to maxEntries vectors.
func NewCache(maxEntries int) (*Cache, error) {
	lruCache, err := lru.New[string, []float32](maxEntries)
	if err != nil {
		return nil, err
	}

	return &Cache{lru: lruCache}, nil
}

// Get returns the embedding for (videoID, text), calling load on cache miss.
// Concurrent misses for the same key share one load; failed loads are not
// cached, so the next run retries.
func (c *Cache) Get(
	ctx context.Context, videoID, text string,
	load func(context.Context, string) ([]float32, error),
) ([]float32, error) {
	key := cacheKey(videoID, text)

	if vec, ok := c.lru.Get(key); ok {
		return vec, nil
	}

	result, err, _ := c.group.Do(key, func() (any, error) {
		// Another goroutine may have populated the entry while this one
		// waited on the singleflight lock.
		if vec, ok := c.lru.Get(key); ok {
			return vec, nil
		}

		vec, err := load(ctx, text)
		if err != nil {
			return nil, err
		}

		c.lru.Add(key, vec)
		return vec, nil
	})
	if err != nil {
		return nil, err
	}

	return result.([]float32), nil
}

// Peek returns the cached embedding for (videoID, text) without loading.
func (c *Cache) Peek(videoID, text string) ([]float32, bool) {
	return c.lru.Get(cacheKey(videoID, text))
}

// Add stores an embedding loaded outside Get, e.g. from a batch request.
func (c *Cache) Add(videoID, text string, vec []float32) {
	c.lru.Add(cacheKey(videoID, text), vec)
}

// Len returns the number of cached vectors.
func (c *Cache) Len() int {
	return c.lru.Len()
}

func cacheKey(videoID, text string) string {
	sum := sha256.Sum256([]byte(text))
	return videoID + ":" + hex.EncodeToString(sum[:])
}
