// Package fetch wraps the appview read API with the plumbing the
// resolver needs: request coalescing, batched lookups, and rate limited
// dispatch.
package fetch

import (
	"context"
	"errors"
	"time"

	"github.com/bluesky-social/indigo/api/bsky"
	"github.com/bluesky-social/indigo/xrpc"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/singleflight"

	"github.com/skymirror/skymirror/ratelimit"
)

const (
	// Both getProfiles and getPosts cap their inputs at 25.
	batchMaxSize = 25
	batchMaxTime = time.Second
)

var outboundCallsCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "outbound_api_calls",
	Help: "Batched appview calls issued, by endpoint",
}, []string{"endpoint"})

// Error adapts an upstream XRPC failure to the scheduler's retry policy.
type Error struct {
	inner *xrpc.Error
}

func (e *Error) Error() string { return e.inner.Error() }
func (e *Error) Unwrap() error { return e.inner }

func (e *Error) Retryable() bool {
	return e.inner.StatusCode == 429 || e.inner.StatusCode >= 500
}

func (e *Error) RateLimitReset() (time.Time, bool) {
	if e.inner.Ratelimit != nil && e.inner.Ratelimit.Remaining == 0 {
		return e.inner.Ratelimit.Reset, true
	}
	return time.Time{}, false
}

func wrapRetry(err error) error {
	var xe *xrpc.Error
	if errors.As(err, &xe) {
		return &Error{inner: xe}
	}
	return err
}

// Client fetches profiles and posts from the appview. Concurrent lookups
// for the same identifier coalesce into a single in-flight call, and
// distinct identifiers ride batched API requests.
type Client struct {
	xrpc  *xrpc.Client
	sched *ratelimit.Scheduler
	sf    singleflight.Group

	profiles *Batcher[string, *bsky.ActorDefs_ProfileViewDetailed]
	posts    *Batcher[string, *bsky.FeedDefs_PostView]
}

// NewClient's ctx owns the batched API calls; cancel it to shut the
// client down.
func NewClient(ctx context.Context, host string, sched *ratelimit.Scheduler) *Client {
	c := &Client{
		xrpc:  &xrpc.Client{Host: host},
		sched: sched,
	}
	c.profiles = NewBatcher(ctx, batchMaxSize, batchMaxTime, c.fetchProfiles)
	c.posts = NewBatcher(ctx, batchMaxSize, batchMaxTime, c.fetchPosts)
	return c
}

// GetProfile returns the profile for did, or (nil, nil) when the appview
// does not know the account.
func (c *Client) GetProfile(ctx context.Context, did string) (*bsky.ActorDefs_ProfileViewDetailed, error) {
	v, err, _ := c.sf.Do("profile:"+did, func() (any, error) {
		return c.profiles.Request(ctx, did)
	})
	if err != nil {
		return nil, err
	}
	prof, _ := v.(*bsky.ActorDefs_ProfileViewDetailed)
	return prof, nil
}

// GetPost returns the post at uri, or (nil, nil) when the appview does
// not have it (deleted, or the author is gone).
func (c *Client) GetPost(ctx context.Context, uri string) (*bsky.FeedDefs_PostView, error) {
	v, err, _ := c.sf.Do("post:"+uri, func() (any, error) {
		return c.posts.Request(ctx, uri)
	})
	if err != nil {
		return nil, err
	}
	post, _ := v.(*bsky.FeedDefs_PostView)
	return post, nil
}

func (c *Client) fetchProfiles(ctx context.Context, dids []string) (map[string]*bsky.ActorDefs_ProfileViewDetailed, error) {
	var out map[string]*bsky.ActorDefs_ProfileViewDetailed
	err := c.sched.Submit(ctx, "app.bsky.actor.getProfiles", func(ctx context.Context) error {
		outboundCallsCounter.WithLabelValues("getProfiles").Inc()
		resp, err := bsky.ActorGetProfiles(ctx, c.xrpc, dids)
		if err != nil {
			return wrapRetry(err)
		}
		out = make(map[string]*bsky.ActorDefs_ProfileViewDetailed, len(resp.Profiles))
		for _, p := range resp.Profiles {
			out[p.Did] = p
		}
		return nil
	})
	return out, err
}

func (c *Client) fetchPosts(ctx context.Context, uris []string) (map[string]*bsky.FeedDefs_PostView, error) {
	var out map[string]*bsky.FeedDefs_PostView
	err := c.sched.Submit(ctx, "app.bsky.feed.getPosts", func(ctx context.Context) error {
		outboundCallsCounter.WithLabelValues("getPosts").Inc()
		resp, err := bsky.FeedGetPosts(ctx, c.xrpc, uris)
		if err != nil {
			return wrapRetry(err)
		}
		out = make(map[string]*bsky.FeedDefs_PostView, len(resp.Posts))
		for _, p := range resp.Posts {
			out[p.Uri] = p
		}
		return nil
	})
	return out, err
}
