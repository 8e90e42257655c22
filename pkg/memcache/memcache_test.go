package memcache

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetSet(t *testing.T) {
	c := New(100, 0)

	c.Set("a", "one", 10)

	v, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, "one", v)

	_, ok = c.Get("missing")
	assert.False(t, ok)
	assert.Equal(t, int64(10), c.TotalCost())
}

func TestReplaceAdjustsCost(t *testing.T) {
	c := New(100, 0)

	c.Set("a", "one", 10)
	c.Set("a", "two", 30)

	v, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, "two", v)
	assert.Equal(t, int64(30), c.TotalCost())
	assert.Equal(t, 1, c.Len())
}

func TestEvictsLRUSynchronously(t *testing.T) {
	c := New(30, 0)

	c.Set("a", 1, 10)
	c.Set("b", 2, 10)
	c.Set("c", 3, 10)

	// Touch "a" so "b" becomes the least recently used.
	_, ok := c.Get("a")
	require.True(t, ok)

	// Inserting "d" must evict "b" before Set returns.
	c.Set("d", 4, 10)

	_, ok = c.Get("b")
	assert.False(t, ok, "evicted entry must never be returned")
	for _, key := range []string{"a", "c", "d"} {
		_, ok := c.Get(key)
		assert.True(t, ok, "expected %q to survive eviction", key)
	}
	assert.Equal(t, int64(30), c.TotalCost())
}

func TestOversizedValueNotStored(t *testing.T) {
	c := New(30, 0)

	c.Set("big", 1, 31)

	_, ok := c.Get("big")
	assert.False(t, ok)
	assert.Equal(t, int64(0), c.TotalCost())
}

func TestSetUpdatesRecency(t *testing.T) {
	c := New(20, 0)

	c.Set("a", 1, 10)
	c.Set("b", 2, 10)

	// Re-setting "a" makes it most recent, so "b" is the eviction victim.
	c.Set("a", 1, 10)
	c.Set("c", 3, 10)

	_, ok := c.Get("b")
	assert.False(t, ok)
	_, ok = c.Get("a")
	assert.True(t, ok)
}

func TestTTLExpiry(t *testing.T) {
	c := New(100, time.Minute)

	current := time.Unix(1000, 0)
	c.now = func() time.Time { return current }

	c.Set("a", 1, 10)

	_, ok := c.Get("a")
	require.True(t, ok)

	current = current.Add(2 * time.Minute)

	_, ok = c.Get("a")
	assert.False(t, ok, "expired entry must be a miss")
	assert.Equal(t, int64(0), c.TotalCost())
}

func TestRemoveAll(t *testing.T) {
	c := New(100, 0)
	c.Set("a", 1, 10)
	c.Set("b", 2, 10)

	c.RemoveAll()

	assert.Equal(t, 0, c.Len())
	assert.Equal(t, int64(0), c.TotalCost())
	_, ok := c.Get("a")
	assert.False(t, ok)
}

func TestConcurrentAccess(t *testing.T) {
	c := New(1000, 0)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				key := fmt.Sprintf("key-%d", i%50)
				c.Set(key, i, 10)
				c.Get(key)
			}
		}(g)
	}
	wg.Wait()

	assert.LessOrEqual(t, c.TotalCost(), int64(1000))
}
