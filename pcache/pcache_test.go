package pcache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCache(t *testing.T) {
	c := New[int](16, time.Minute)

	_, ok := c.Get("did:plc:alice")
	assert.False(t, ok)

	c.Add("did:plc:alice", 7)
	v, ok := c.Get("did:plc:alice")
	assert.True(t, ok)
	assert.Equal(t, 7, v)
	assert.True(t, c.Has("did:plc:alice"))

	c.Remove("did:plc:alice")
	assert.False(t, c.Has("did:plc:alice"))
}

func TestCacheExpiry(t *testing.T) {
	c := New[string](16, 10*time.Millisecond)

	c.Add("at://did:plc:bob/app.bsky.feed.post/3k", "x")
	assert.True(t, c.Has("at://did:plc:bob/app.bsky.feed.post/3k"))

	time.Sleep(50 * time.Millisecond)
	assert.False(t, c.Has("at://did:plc:bob/app.bsky.feed.post/3k"))
}

func TestCacheEviction(t *testing.T) {
	c := New[int](2, time.Minute)

	c.Add("a", 1)
	c.Add("b", 2)
	c.Add("c", 3)

	assert.Equal(t, 2, c.Len())
	assert.False(t, c.Has("a"))
}
