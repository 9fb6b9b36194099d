package fallback

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCacheGetMiss(t *testing.T) {
	c := NewCache(time.Minute, 10)
	_, ok := c.Get("missing")
	assert.False(t, ok)
}

func TestCachePutThenGet(t *testing.T) {
	c := NewCache(time.Minute, 10)
	c.Put("alice/widget", "huggingface")
	src, ok := c.Get("alice/widget")
	assert.True(t, ok)
	assert.Equal(t, "huggingface", src)
}

func TestCacheExpiry(t *testing.T) {
	c := NewCache(time.Millisecond, 10)
	c.Put("alice/widget", "huggingface")
	time.Sleep(5 * time.Millisecond)
	_, ok := c.Get("alice/widget")
	assert.False(t, ok)
}

func TestCacheEvictsLeastRecentlyUsed(t *testing.T) {
	c := NewCache(time.Minute, 2)
	c.Put("a", "s1")
	c.Put("b", "s2")
	// touch "a" so "b" becomes the least-recently-used entry
	c.Get("a")
	c.Put("c", "s3")

	_, ok := c.Get("b")
	assert.False(t, ok)
	_, ok = c.Get("a")
	assert.True(t, ok)
	_, ok = c.Get("c")
	assert.True(t, ok)
	assert.Equal(t, 2, c.Size())
}

func TestEvictExpiredRemovesOnlyExpired(t *testing.T) {
	c := NewCache(time.Millisecond, 10)
	c.Put("a", "s1")
	time.Sleep(5 * time.Millisecond)
	c.Put("b", "s2")

	removed := c.EvictExpired()
	assert.Equal(t, 1, removed)
	assert.Equal(t, 1, c.Size())
}
