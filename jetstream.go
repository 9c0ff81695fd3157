package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/bluesky-social/indigo/api/bsky"
	jsclient "github.com/bluesky-social/jetstream/pkg/client"
	jsparallel "github.com/bluesky-social/jetstream/pkg/client/schedulers/parallel"
	"github.com/bluesky-social/jetstream/pkg/models"
)

// Jetstream is the JSON alternative to the binary firehose. Records
// arrive pre-extracted per collection, so commits skip CAR decoding and
// feed the same typed handlers.

func (s *Server) runSyncJetstream(ctx context.Context, be SyncBackend) {
	var failures int
	for {
		if ctx.Err() != nil {
			return
		}

		maxWorkers := 10
		if be.MaxWorkers != 0 {
			maxWorkers = be.MaxWorkers
		}

		start := time.Now()
		if err := s.jetstreamTail(ctx, be.Host, maxWorkers); err != nil {
			slog.Error("jetstream connection lost", "host", be.Host, "error", err)
		}

		if time.Since(start) > failureTimeInterval {
			failures = 0
			continue
		}
		failures++

		delay := delayForFailureCount(failures)
		slog.Warn("retrying jetstream connection after delay", "host", be.Host, "delay", delay)
		time.Sleep(delay)
	}
}

func (s *Server) jetstreamTail(ctx context.Context, host string, parWorkers int) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	cursor := s.cursor.Get()
	slog.Info("starting jetstream tail", "host", host, "cursor", cursor)

	sched := jsparallel.NewScheduler(
		parWorkers,
		host,
		slog.Default(),
		func(ctx context.Context, event *models.Event) error {
			firehoseCursorGauge.WithLabelValues("ingest").Set(float64(event.TimeUS))

			if err := s.handleJetstreamEvent(ctx, event); err != nil {
				return fmt.Errorf("handle event (%s,%d): %w", event.Did, event.TimeUS, err)
			}

			s.cursor.Set(event.TimeUS)
			firehoseCursorGauge.WithLabelValues("complete").Set(float64(event.TimeUS))
			return nil
		},
	)

	config := jsclient.DefaultClientConfig()
	config.WebsocketURL = fmt.Sprintf("wss://%s/subscribe", host)

	var cursorPtr *int64
	if cursor > 0 {
		cursorPtr = &cursor
	}

	client, err := jsclient.NewClient(config, slog.Default(), sched)
	if err != nil {
		return fmt.Errorf("create jetstream client: %w", err)
	}

	return client.ConnectAndRead(ctx, cursorPtr)
}

func (s *Server) handleJetstreamEvent(ctx context.Context, event *models.Event) error {
	switch {
	case event.Commit != nil:
		return s.handleJetstreamCommit(ctx, event.Did, event.Commit)
	case event.Identity != nil:
		if event.Identity.Handle != nil && *event.Identity.Handle != "" {
			return s.backend.HandleUpdateHandle(ctx, event.Did, *event.Identity.Handle)
		}
		return s.backend.HandleIdentity(ctx, event.Did)
	case event.Account != nil:
		if event.Account.Active {
			return nil
		}
		if event.Account.Status != nil && *event.Account.Status == "deleted" {
			return s.backend.HandleTombstone(ctx, event.Did)
		}
		return nil
	}
	return nil
}

func (s *Server) handleJetstreamCommit(ctx context.Context, did string, c *models.Commit) error {
	b := s.backend

	switch c.Operation {
	case "create":
		switch c.Collection {
		case "app.bsky.feed.post":
			var rec bsky.FeedPost
			if err := json.Unmarshal(c.Record, &rec); err != nil {
				return err
			}
			return b.HandleCreatePost(ctx, did, c.RKey, &rec, c.CID)
		case "app.bsky.feed.like":
			var rec bsky.FeedLike
			if err := json.Unmarshal(c.Record, &rec); err != nil {
				return err
			}
			return b.HandleCreateLike(ctx, did, c.RKey, &rec, c.CID)
		case "app.bsky.feed.repost":
			var rec bsky.FeedRepost
			if err := json.Unmarshal(c.Record, &rec); err != nil {
				return err
			}
			return b.HandleCreateRepost(ctx, did, c.RKey, &rec, c.CID)
		case "app.bsky.graph.follow":
			var rec bsky.GraphFollow
			if err := json.Unmarshal(c.Record, &rec); err != nil {
				return err
			}
			return b.HandleCreateFollow(ctx, did, c.RKey, &rec)
		case "app.bsky.actor.profile":
			var rec bsky.ActorProfile
			if err := json.Unmarshal(c.Record, &rec); err != nil {
				return err
			}
			return b.HandleCreateProfile(ctx, did, c.RKey, &rec)
		}
	case "update":
		if c.Collection == "app.bsky.actor.profile" {
			var rec bsky.ActorProfile
			if err := json.Unmarshal(c.Record, &rec); err != nil {
				return err
			}
			return b.HandleUpdateProfile(ctx, did, &rec)
		}
	case "delete":
		return b.HandleRecordDelete(ctx, did, c.Collection+"/"+c.RKey)
	}

	return nil
}
