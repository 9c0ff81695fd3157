package fetch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skymirror/skymirror/ratelimit"
)

func TestBatcherFlushOnSize(t *testing.T) {
	var batches int32
	b := NewBatcher(context.Background(), 2, time.Minute, func(ctx context.Context, keys []string) (map[string]*string, error) {
		atomic.AddInt32(&batches, 1)
		out := make(map[string]*string)
		for _, k := range keys {
			v := "val:" + k
			out[k] = &v
		}
		return out, nil
	})

	var wg sync.WaitGroup
	results := make([]*string, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := b.Request(context.Background(), fmt.Sprintf("k%d", i))
			require.NoError(t, err)
			results[i] = v
		}(i)
	}
	wg.Wait()

	assert.EqualValues(t, 1, atomic.LoadInt32(&batches))
	require.NotNil(t, results[0])
	assert.Equal(t, "val:k0", *results[0])
	require.NotNil(t, results[1])
	assert.Equal(t, "val:k1", *results[1])
}

func TestBatcherFlushOnTimer(t *testing.T) {
	b := NewBatcher(context.Background(), 25, 20*time.Millisecond, func(ctx context.Context, keys []string) (map[string]*string, error) {
		out := make(map[string]*string)
		for _, k := range keys {
			v := k
			out[k] = &v
		}
		return out, nil
	})

	start := time.Now()
	v, err := b.Request(context.Background(), "solo")
	require.NoError(t, err)
	require.NotNil(t, v)
	assert.Equal(t, "solo", *v)
	assert.Less(t, time.Since(start), time.Second)
}

func TestBatcherMissingKey(t *testing.T) {
	b := NewBatcher(context.Background(), 25, 10*time.Millisecond, func(ctx context.Context, keys []string) (map[string]*string, error) {
		return map[string]*string{}, nil
	})

	v, err := b.Request(context.Background(), "gone")
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestBatcherError(t *testing.T) {
	b := NewBatcher(context.Background(), 2, time.Minute, func(ctx context.Context, keys []string) (map[string]*string, error) {
		return nil, fmt.Errorf("upstream broke")
	})

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := b.Request(context.Background(), fmt.Sprintf("k%d", i))
			assert.ErrorContains(t, err, "upstream broke")
		}(i)
	}
	wg.Wait()
}

func TestBatcherOwnerContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	b := NewBatcher(ctx, 25, 10*time.Millisecond, func(ctx context.Context, keys []string) (map[string]*string, error) {
		return nil, ctx.Err()
	})

	cancel()
	_, err := b.Request(context.Background(), "k")
	require.ErrorIs(t, err, context.Canceled)
}

func newTestAppview(t *testing.T, profileHits, postHits *int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/xrpc/app.bsky.actor.getProfiles":
			atomic.AddInt32(profileHits, 1)
			profiles := []map[string]any{}
			for _, did := range r.URL.Query()["actors"] {
				if strings.Contains(did, "missing") {
					continue
				}
				profiles = append(profiles, map[string]any{
					"did":       did,
					"handle":    strings.TrimPrefix(did, "did:plc:") + ".bsky.social",
					"indexedAt": time.Now().Format(time.RFC3339),
				})
			}
			json.NewEncoder(w).Encode(map[string]any{"profiles": profiles})
		case "/xrpc/app.bsky.feed.getPosts":
			atomic.AddInt32(postHits, 1)
			posts := []map[string]any{}
			for _, uri := range r.URL.Query()["uris"] {
				if strings.Contains(uri, "missing") {
					continue
				}
				posts = append(posts, map[string]any{
					"uri": uri,
					"cid": "bafyreib2rxk3rybk3aobmv5cjuql3bm2twh4jo5uxgf5kpqrsqxi3zxldq",
					"author": map[string]any{
						"did":    "did:plc:author",
						"handle": "author.bsky.social",
					},
					"record": map[string]any{
						"$type":     "app.bsky.feed.post",
						"text":      "hello world",
						"createdAt": time.Now().Format(time.RFC3339),
					},
					"indexedAt": time.Now().Format(time.RFC3339),
				})
			}
			json.NewEncoder(w).Encode(map[string]any{"posts": posts})
		default:
			http.NotFound(w, r)
		}
	}))
}

func testClient(host string) *Client {
	return NewClient(context.Background(), host, ratelimit.NewScheduler(time.Millisecond, 1000, time.Minute))
}

func TestClientGetProfile(t *testing.T) {
	var profileHits, postHits int32
	ts := newTestAppview(t, &profileHits, &postHits)
	defer ts.Close()

	c := testClient(ts.URL)

	prof, err := c.GetProfile(context.Background(), "did:plc:alice")
	require.NoError(t, err)
	require.NotNil(t, prof)
	assert.Equal(t, "did:plc:alice", prof.Did)
	assert.Equal(t, "alice.bsky.social", prof.Handle)
}

func TestClientGetProfileMissing(t *testing.T) {
	var profileHits, postHits int32
	ts := newTestAppview(t, &profileHits, &postHits)
	defer ts.Close()

	c := testClient(ts.URL)

	prof, err := c.GetProfile(context.Background(), "did:plc:missing")
	require.NoError(t, err)
	assert.Nil(t, prof)
}

func TestClientGetPost(t *testing.T) {
	var profileHits, postHits int32
	ts := newTestAppview(t, &profileHits, &postHits)
	defer ts.Close()

	c := testClient(ts.URL)

	uri := "at://did:plc:author/app.bsky.feed.post/3kabc"
	post, err := c.GetPost(context.Background(), uri)
	require.NoError(t, err)
	require.NotNil(t, post)
	assert.Equal(t, uri, post.Uri)
	assert.Equal(t, "did:plc:author", post.Author.Did)

	missing, err := c.GetPost(context.Background(), "at://did:plc:x/app.bsky.feed.post/missing")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestClientCoalesce(t *testing.T) {
	var profileHits, postHits int32
	ts := newTestAppview(t, &profileHits, &postHits)
	defer ts.Close()

	c := testClient(ts.URL)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			prof, err := c.GetProfile(context.Background(), "did:plc:bob")
			assert.NoError(t, err)
			assert.NotNil(t, prof)
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, atomic.LoadInt32(&profileHits))
}

func TestClientRetriesServerError(t *testing.T) {
	var hits int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) == 1 {
			http.Error(w, "oops", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"profiles": []map[string]any{{
			"did":    "did:plc:carol",
			"handle": "carol.bsky.social",
		}}})
	}))
	defer ts.Close()

	c := testClient(ts.URL)

	prof, err := c.GetProfile(context.Background(), "did:plc:carol")
	require.NoError(t, err)
	require.NotNil(t, prof)
	assert.EqualValues(t, 2, atomic.LoadInt32(&hits))
}
