package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bluesky-social/indigo/api/atproto"
	"github.com/bluesky-social/indigo/api/bsky"
	"github.com/bluesky-social/indigo/atproto/syntax"
	"github.com/bluesky-social/indigo/repo"
	"github.com/ipfs/go-cid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"gorm.io/gorm"
)

// Backend applies firehose operations to the database. The typed
// handlers are shared between the firehose (CBOR records), jetstream
// (JSON records), and the backfill driver.
type Backend struct {
	db  *gorm.DB
	pgx *pgxpool.Pool
	res *Resolver
}

func NewBackend(db *gorm.DB, pool *pgxpool.Pool, res *Resolver) *Backend {
	return &Backend{db: db, pgx: pool, res: res}
}

func (b *Backend) HandleCommit(ctx context.Context, evt *atproto.SyncSubscribeRepos_Commit) error {
	ctx, span := tracer.Start(ctx, "handleCommit")
	defer span.End()

	if len(evt.Blocks) == 0 {
		return nil
	}

	r, err := repo.ReadRepoFromCar(ctx, bytes.NewReader(evt.Blocks))
	if err != nil {
		return fmt.Errorf("failed to read event repo: %w", err)
	}

	for _, op := range evt.Ops {
		switch op.Action {
		case "create":
			c, rec, err := r.GetRecordBytes(ctx, op.Path)
			if err != nil {
				slog.Debug("op block missing from commit, skipping", "repo", evt.Repo, "path", op.Path, "error", err)
				continue
			}
			if err := b.HandleRecordCreate(ctx, evt.Repo, op.Path, *rec, c); err != nil {
				return fmt.Errorf("create record failed: %w", err)
			}
		case "update":
			c, rec, err := r.GetRecordBytes(ctx, op.Path)
			if err != nil {
				slog.Debug("op block missing from commit, skipping", "repo", evt.Repo, "path", op.Path, "error", err)
				continue
			}
			if err := b.HandleRecordUpdate(ctx, evt.Repo, op.Path, *rec, c); err != nil {
				return fmt.Errorf("update record failed: %w", err)
			}
		case "delete":
			if err := b.HandleRecordDelete(ctx, evt.Repo, op.Path); err != nil {
				return fmt.Errorf("delete record failed: %w", err)
			}
		}
	}

	return nil
}

func (b *Backend) HandleRecordCreate(ctx context.Context, did, path string, recb []byte, cc cid.Cid) error {
	start := time.Now()

	col, rkey := splitRecordPath(path)
	if col == "" || rkey == "" {
		return fmt.Errorf("invalid record path: %q", path)
	}

	defer func() {
		handleOpHist.WithLabelValues("create", col).Observe(float64(time.Since(start).Milliseconds()))
	}()

	switch col {
	case "app.bsky.feed.post":
		var rec bsky.FeedPost
		if err := rec.UnmarshalCBOR(bytes.NewReader(recb)); err != nil {
			return err
		}
		return b.HandleCreatePost(ctx, did, rkey, &rec, cc.String())
	case "app.bsky.feed.like":
		var rec bsky.FeedLike
		if err := rec.UnmarshalCBOR(bytes.NewReader(recb)); err != nil {
			return err
		}
		return b.HandleCreateLike(ctx, did, rkey, &rec, cc.String())
	case "app.bsky.feed.repost":
		var rec bsky.FeedRepost
		if err := rec.UnmarshalCBOR(bytes.NewReader(recb)); err != nil {
			return err
		}
		return b.HandleCreateRepost(ctx, did, rkey, &rec, cc.String())
	case "app.bsky.graph.follow":
		var rec bsky.GraphFollow
		if err := rec.UnmarshalCBOR(bytes.NewReader(recb)); err != nil {
			return err
		}
		return b.HandleCreateFollow(ctx, did, rkey, &rec)
	case "app.bsky.actor.profile":
		var rec bsky.ActorProfile
		if err := rec.UnmarshalCBOR(bytes.NewReader(recb)); err != nil {
			return err
		}
		return b.HandleCreateProfile(ctx, did, rkey, &rec)
	default:
		slog.Debug("unrecognized record type", "repo", did, "path", path)
	}

	return nil
}

func (b *Backend) HandleRecordUpdate(ctx context.Context, did, path string, recb []byte, cc cid.Cid) error {
	start := time.Now()

	col, _ := splitRecordPath(path)
	if col == "" {
		return fmt.Errorf("invalid record path: %q", path)
	}

	defer func() {
		handleOpHist.WithLabelValues("update", col).Observe(float64(time.Since(start).Milliseconds()))
	}()

	switch col {
	case "app.bsky.actor.profile":
		var rec bsky.ActorProfile
		if err := rec.UnmarshalCBOR(bytes.NewReader(recb)); err != nil {
			return err
		}
		return b.HandleUpdateProfile(ctx, did, &rec)
	default:
		slog.Debug("unrecognized record type in update", "repo", did, "path", path)
	}

	return nil
}

func (b *Backend) HandleRecordDelete(ctx context.Context, did, path string) error {
	start := time.Now()

	col, rkey := splitRecordPath(path)
	if col == "" || rkey == "" {
		return fmt.Errorf("invalid record path: %q", path)
	}

	defer func() {
		handleOpHist.WithLabelValues("delete", col).Observe(float64(time.Since(start).Milliseconds()))
	}()

	switch col {
	case "app.bsky.feed.post":
		return b.HandleDeletePost(ctx, did, rkey)
	case "app.bsky.feed.like":
		return b.HandleDeleteLike(ctx, did, rkey)
	case "app.bsky.feed.repost":
		return b.HandleDeleteRepost(ctx, did, rkey)
	case "app.bsky.graph.follow":
		return b.HandleDeleteFollow(ctx, did, rkey)
	default:
		slog.Debug("delete of unrecognized record type", "repo", did, "path", path)
	}

	return nil
}

func (b *Backend) HandleCreatePost(ctx context.Context, did, rkey string, rec *bsky.FeedPost, cidStr string) error {
	uri := "at://" + did + "/app.bsky.feed.post/" + rkey

	p, err := b.res.insertPostRecord(ctx, rec, did, uri, cidStr)
	if err != nil {
		return err
	}
	if p == nil {
		slog.Warn("skipping post create, author gone upstream", "uri", uri)
	}
	return nil
}

func (b *Backend) HandleCreateLike(ctx context.Context, did, rkey string, rec *bsky.FeedLike, cidStr string) error {
	if rec.Subject == nil {
		return nil
	}
	// feed generators receive likes too, we only track posts
	if !strings.Contains(rec.Subject.Uri, "app.bsky.feed.post") {
		return nil
	}

	subj, err := b.res.ResolvePost(ctx, rec.Subject.Uri)
	if err != nil {
		return fmt.Errorf("getting like subject: %w", err)
	}
	if subj == nil {
		slog.Warn("skipping like of missing post", "uri", rec.Subject.Uri)
		return nil
	}

	author, err := b.res.ResolveUser(ctx, did)
	if err != nil {
		return err
	}
	if author == nil {
		return nil
	}

	created, err := syntax.ParseDatetimeLenient(rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("invalid timestamp: %w", err)
	}

	if _, err := b.pgx.Exec(ctx, `INSERT INTO "likes" ("created","indexed","author","rkey","subject","cid") VALUES ($1, $2, $3, $4, $5, $6)`, created.Time(), time.Now(), author.ID, rkey, subj.ID, cidStr); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil
		}
		return err
	}

	return nil
}

func (b *Backend) HandleCreateRepost(ctx context.Context, did, rkey string, rec *bsky.FeedRepost, cidStr string) error {
	if rec.Subject == nil {
		return nil
	}

	subj, err := b.res.ResolvePost(ctx, rec.Subject.Uri)
	if err != nil {
		return fmt.Errorf("getting repost subject: %w", err)
	}
	if subj == nil {
		slog.Warn("skipping repost of missing post", "uri", rec.Subject.Uri)
		return nil
	}

	author, err := b.res.ResolveUser(ctx, did)
	if err != nil {
		return err
	}
	if author == nil {
		return nil
	}

	created, err := syntax.ParseDatetimeLenient(rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("invalid timestamp: %w", err)
	}

	if _, err := b.pgx.Exec(ctx, `INSERT INTO "reposts" ("created","indexed","author","rkey","subject","cid") VALUES ($1, $2, $3, $4, $5, $6)`, created.Time(), time.Now(), author.ID, rkey, subj.ID, cidStr); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil
		}
		return err
	}

	return nil
}

func (b *Backend) HandleCreateFollow(ctx context.Context, did, rkey string, rec *bsky.GraphFollow) error {
	author, err := b.res.ResolveUser(ctx, did)
	if err != nil {
		return err
	}
	if author == nil {
		return nil
	}

	subj, err := b.res.ResolveUser(ctx, rec.Subject)
	if err != nil {
		return err
	}
	if subj == nil {
		slog.Warn("skipping follow of missing user", "did", rec.Subject)
		return nil
	}

	created, err := syntax.ParseDatetimeLenient(rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("invalid timestamp: %w", err)
	}

	if _, err := b.pgx.Exec(ctx, "INSERT INTO follows (created, indexed, author, rkey, subject) VALUES ($1, $2, $3, $4, $5) ON CONFLICT DO NOTHING", created.Time(), time.Now(), author.ID, rkey, subj.ID); err != nil {
		return err
	}

	return nil
}

// HandleCreateProfile resolves through the appview instead of using the
// record body: the firehose profile record has no handle.
func (b *Backend) HandleCreateProfile(ctx context.Context, did, rkey string, rec *bsky.ActorProfile) error {
	_, err := b.res.ResolveUser(ctx, did)
	return err
}

func (b *Backend) HandleUpdateProfile(ctx context.Context, did string, rec *bsky.ActorProfile) error {
	u, err := b.res.ResolveUser(ctx, did)
	if err != nil || u == nil {
		return err
	}

	// keep the old value where the record omits a field
	updates := map[string]any{}
	if rec.DisplayName != nil {
		updates["display_name"] = normalizeString(*rec.DisplayName)
	}
	if rec.Description != nil {
		updates["bio"] = normalizeString(*rec.Description)
	}
	if len(updates) == 0 {
		return nil
	}

	if err := b.db.Model(&User{}).Where("id = ?", u.ID).Updates(updates).Error; err != nil {
		return err
	}

	b.res.userCache.Remove(did)
	return nil
}

func (b *Backend) HandleUpdateHandle(ctx context.Context, did, handle string) error {
	u, err := b.res.ResolveUser(ctx, did)
	if err != nil || u == nil {
		return err
	}

	h := normalizeString(handle)
	err = b.db.Model(&User{}).Where("id = ?", u.ID).Update("handle", h).Error

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		var holder User
		if err := b.db.Find(&holder, "handle = ?", h).Error; err != nil {
			return err
		}
		if holder.ID != 0 && holder.ID != u.ID {
			if err := b.res.reclaimHandle(ctx, &holder); err != nil {
				return fmt.Errorf("reconciling handle %q: %w", h, err)
			}
			err = b.db.Model(&User{}).Where("id = ?", u.ID).Update("handle", h).Error
		}
	}
	if err != nil {
		return err
	}

	b.res.userCache.Remove(did)
	return nil
}

// HandleIdentity refreshes the user's profile from the appview.
func (b *Backend) HandleIdentity(ctx context.Context, did string) error {
	return b.res.RefreshUser(ctx, did)
}

// HandleTombstone removes the account. Their posts and edges go with
// them through the cascade constraints.
func (b *Backend) HandleTombstone(ctx context.Context, did string) error {
	var u User
	if err := b.db.Find(&u, "did = ?", did).Error; err != nil {
		return err
	}
	if u.ID == 0 {
		return nil
	}

	if err := b.db.Exec("DELETE FROM users WHERE id = ?", u.ID).Error; err != nil {
		return err
	}

	b.res.userCache.Remove(did)
	return nil
}

func (b *Backend) HandleDeletePost(ctx context.Context, did, rkey string) error {
	u, err := b.userByDid(did)
	if err != nil || u == nil {
		return err
	}

	var p Post
	if err := b.db.Find(&p, "author = ? AND rkey = ?", u.ID, rkey).Error; err != nil {
		return err
	}
	if p.ID == 0 {
		return nil
	}

	if err := b.db.Exec("DELETE FROM posts WHERE id = ?", p.ID).Error; err != nil {
		return err
	}

	b.res.postCache.Remove(p.Uri)
	return nil
}

func (b *Backend) HandleDeleteLike(ctx context.Context, did, rkey string) error {
	u, err := b.userByDid(did)
	if err != nil || u == nil {
		return err
	}

	var like Like
	if err := b.db.Find(&like, "author = ? AND rkey = ?", u.ID, rkey).Error; err != nil {
		return err
	}
	if like.ID == 0 {
		return nil
	}

	return b.db.Exec("DELETE FROM likes WHERE id = ?", like.ID).Error
}

func (b *Backend) HandleDeleteRepost(ctx context.Context, did, rkey string) error {
	u, err := b.userByDid(did)
	if err != nil || u == nil {
		return err
	}

	var repost Repost
	if err := b.db.Find(&repost, "author = ? AND rkey = ?", u.ID, rkey).Error; err != nil {
		return err
	}
	if repost.ID == 0 {
		return nil
	}

	return b.db.Exec("DELETE FROM reposts WHERE id = ?", repost.ID).Error
}

func (b *Backend) HandleDeleteFollow(ctx context.Context, did, rkey string) error {
	u, err := b.userByDid(did)
	if err != nil || u == nil {
		return err
	}

	var follow Follow
	if err := b.db.Find(&follow, "author = ? AND rkey = ?", u.ID, rkey).Error; err != nil {
		return err
	}
	if follow.ID == 0 {
		return nil
	}

	return b.db.Exec("DELETE FROM follows WHERE id = ?", follow.ID).Error
}

// userByDid looks up an existing user without creating one; deletes for
// unknown repos are no-ops.
func (b *Backend) userByDid(did string) (*User, error) {
	var u User
	if err := b.db.Find(&u, "did = ?", did).Error; err != nil {
		return nil, err
	}
	if u.ID == 0 {
		return nil, nil
	}
	return &u, nil
}
