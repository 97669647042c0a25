package embeddings

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCache_MissThenHit(t *testing.T) {
	c, err := NewCache(10)
	require.NoError(t, err)

	var loads atomic.Int32
	load := func(_ context.Context, _ string) ([]float32, error) {
		loads.Add(1)
		return []float32{1, 0}, nil
	}

	first, err := c.Get(t.Context(), "vid-1", "some title", load)
	require.NoError(t, err)
	second, err := c.Get(t.Context(), "vid-1", "some title", load)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), loads.Load(), "second call must be served from cache")
	assert.Equal(t, 1, c.Len())
}

func TestCache_KeyCoversTextContent(t *testing.T) {
	c, err := NewCache(10)
	require.NoError(t, err)

	var loads atomic.Int32
	load := func(_ context.Context, _ string) ([]float32, error) {
		loads.Add(1)
		return []float32{1, 0}, nil
	}

	_, err = c.Get(t.Context(), "vid-1", "original title", load)
	require.NoError(t, err)
	_, err = c.Get(t.Context(), "vid-1", "edited title", load)
	require.NoError(t, err)

	assert.Equal(t, int32(2), loads.Load(), "changed text must reload")
}

func TestCache_PeekAndAdd(t *testing.T) {
	c, err := NewCache(10)
	require.NoError(t, err)

	_, ok := c.Peek("vid-1", "title")
	assert.False(t, ok)

	c.Add("vid-1", "title", []float32{1, 0})

	vec, ok := c.Peek("vid-1", "title")
	require.True(t, ok)
	assert.Equal(t, []float32{1, 0}, vec)

	_, ok = c.Peek("vid-1", "other title")
	assert.False(t, ok, "the key covers the text content")
}

func TestCache_ErrorNotCached(t *testing.T) {
	c, err := NewCache(10)
	require.NoError(t, err)

	calls := 0
	load := func(_ context.Context, _ string) ([]float32, error) {
		calls++
		if calls == 1 {
			return nil, errors.New("transient")
		}
		return []float32{0, 1}, nil
	}

	_, err = c.Get(t.Context(), "vid-1", "title", load)
	require.Error(t, err)

	vec, err := c.Get(t.Context(), "vid-1", "title", load)
	require.NoError(t, err, "the retry after a failed load must reach the loader")
	assert.Equal(t, []float32{0, 1}, vec)
}

func TestCache_ConcurrentMissesCoalesce(t *testing.T) {
	c, err := NewCache(10)
	require.NoError(t, err)

	var loads atomic.Int32
	gate := make(chan struct{})
	load := func(_ context.Context, _ string) ([]float32, error) {
		loads.Add(1)
		<-gate
		return []float32{1, 0}, nil
	}

	const goroutines = 8
	var wg sync.WaitGroup
	results := make([][]float32, goroutines)

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			vec, err := c.Get(context.Background(), "vid-1", "title", load)
			assert.NoError(t, err)
			results[i] = vec
		}()
	}

	close(gate)
	wg.Wait()

	assert.LessOrEqual(t, loads.Load(), int32(goroutines))
	for _, vec := range results {
		assert.Equal(t, []float32{1, 0}, vec)
	}
}
