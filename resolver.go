package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bluesky-social/indigo/api/bsky"
	"github.com/bluesky-social/indigo/atproto/syntax"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/skymirror/skymirror/fetch"
	"github.com/skymirror/skymirror/pcache"
)

var tracer = otel.Tracer("skymirror")

// rawDB is the slice of pgxpool.Pool the resolver needs for its
// conflict-returning inserts.
type rawDB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Resolver materializes users and posts on demand. Referenced rows that
// do not exist yet are fetched from the appview and inserted; everything
// is idempotent so replays and concurrent resolution are safe.
type Resolver struct {
	db  *gorm.DB
	raw rawDB
	api *fetch.Client

	userCache *pcache.Cache[*User]
	postCache *pcache.Cache[*Post]
}

func NewResolver(db *gorm.DB, raw rawDB, api *fetch.Client, users *pcache.Cache[*User], posts *pcache.Cache[*Post]) *Resolver {
	return &Resolver{
		db:        db,
		raw:       raw,
		api:       api,
		userCache: users,
		postCache: posts,
	}
}

const userInsertQuery = `
INSERT INTO users (indexed, did, handle, display_name, bio)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (handle) DO NOTHING
RETURNING id, did`

const userUpsertByDidQuery = `
INSERT INTO users (indexed, did, handle, display_name, bio)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (did) DO UPDATE SET handle = $3, display_name = $4, bio = $5
RETURNING id`

func isProfileGone(err error) bool {
	return err != nil && strings.Contains(err.Error(), "Profile not found")
}

// ResolveUser returns the User row for did, creating it from the appview
// profile when it is not yet in the database. A (nil, nil) return means
// the account does not exist upstream.
func (r *Resolver) ResolveUser(ctx context.Context, did string) (*User, error) {
	ctx, span := tracer.Start(ctx, "resolveUser")
	defer span.End()

	if u, ok := r.userCache.Get(did); ok {
		return u, nil
	}

	var existing User
	if err := r.db.Find(&existing, "did = ?", did).Error; err != nil {
		return nil, err
	}
	if existing.ID != 0 {
		r.userCache.Add(did, &existing)
		return &existing, nil
	}

	prof, err := r.api.GetProfile(ctx, did)
	if err != nil {
		if isProfileGone(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("fetching profile %s: %w", did, err)
	}
	if prof == nil {
		return nil, nil
	}

	handle := normalizeString(prof.Handle)
	name := handle
	if prof.DisplayName != nil && *prof.DisplayName != "" {
		name = normalizeString(*prof.DisplayName)
	}
	var bio string
	if prof.Description != nil {
		bio = normalizeString(*prof.Description)
	}

	return r.insertUser(ctx, did, handle, name, bio)
}

// insertUser inserts conflict-on-handle first: a handle conflict is the
// signal that the handle moved between accounts and needs reconciling.
// A did conflict just means another resolver won the race.
func (r *Resolver) insertUser(ctx context.Context, did, handle, name, bio string) (*User, error) {
	u := User{
		Indexed:     time.Now(),
		Did:         did,
		Handle:      handle,
		DisplayName: name,
		Bio:         bio,
	}

	var retDid string
	err := r.raw.QueryRow(ctx, userInsertQuery, u.Indexed, did, handle, name, bio).Scan(&u.ID, &retDid)
	switch {
	case err == nil:
		r.userCache.Add(did, &u)
		return &u, nil
	case errors.Is(err, pgx.ErrNoRows):
		// handle is already held, fall through to reconciliation
	default:
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			// lost a race on did, the row is there now
			var won User
			if err := r.db.Find(&won, "did = ?", did).Error; err != nil {
				return nil, err
			}
			if won.ID != 0 {
				r.userCache.Add(did, &won)
				return &won, nil
			}
		}
		return nil, fmt.Errorf("inserting user %s: %w", did, err)
	}

	var holder User
	if err := r.db.Find(&holder, "handle = ?", handle).Error; err != nil {
		return nil, err
	}
	if holder.ID != 0 && holder.Did == did {
		r.userCache.Add(did, &holder)
		return &holder, nil
	}

	if holder.ID != 0 {
		if err := r.reclaimHandle(ctx, &holder); err != nil {
			return nil, fmt.Errorf("reconciling handle %q: %w", handle, err)
		}
	}

	if err := r.raw.QueryRow(ctx, userUpsertByDidQuery, u.Indexed, did, handle, name, bio).Scan(&u.ID); err != nil {
		return nil, fmt.Errorf("inserting user %s after handle reconciliation: %w", did, err)
	}

	r.userCache.Add(did, &u)
	return &u, nil
}

// reclaimHandle frees a handle held by a different did. The previous
// owner either vanished upstream, in which case they are deleted, or has
// a new handle, which we adopt from their live profile.
func (r *Resolver) reclaimHandle(ctx context.Context, holder *User) error {
	prof, err := r.api.GetProfile(ctx, holder.Did)
	if err != nil && !isProfileGone(err) {
		return err
	}

	if prof == nil || isProfileGone(err) {
		slog.Info("previous handle owner is gone, deleting", "did", holder.Did, "handle", holder.Handle)
		if err := r.db.Exec("DELETE FROM users WHERE id = ?", holder.ID).Error; err != nil {
			return err
		}
		r.userCache.Remove(holder.Did)
		return nil
	}

	current := normalizeString(prof.Handle)
	slog.Info("handle moved, updating previous owner", "did", holder.Did, "old", holder.Handle, "new", current)
	return r.db.Model(&User{}).Where("id = ?", holder.ID).Update("handle", current).Error
}

// RefreshUser re-fetches the profile for a known user and updates the
// stored handle, display name, and bio. Unknown users resolve as usual.
func (r *Resolver) RefreshUser(ctx context.Context, did string) error {
	u, err := r.ResolveUser(ctx, did)
	if err != nil || u == nil {
		return err
	}

	prof, err := r.api.GetProfile(ctx, did)
	if err != nil {
		if isProfileGone(err) {
			return nil
		}
		return fmt.Errorf("refreshing profile %s: %w", did, err)
	}
	if prof == nil {
		return nil
	}

	updates := map[string]any{"handle": normalizeString(prof.Handle)}
	if prof.DisplayName != nil {
		updates["display_name"] = normalizeString(*prof.DisplayName)
	}
	if prof.Description != nil {
		updates["bio"] = normalizeString(*prof.Description)
	}

	if err := r.db.Model(&User{}).Where("id = ?", u.ID).Updates(updates).Error; err != nil {
		return err
	}

	r.userCache.Remove(did)
	return nil
}

// ResolvePost returns the Post row for uri, fetching and inserting it
// when unknown. (nil, nil) means the post is gone upstream.
func (r *Resolver) ResolvePost(ctx context.Context, uri string) (*Post, error) {
	ctx, span := tracer.Start(ctx, "resolvePost")
	defer span.End()

	if p, ok := r.postCache.Get(uri); ok {
		return p, nil
	}

	var existing Post
	if err := r.db.Find(&existing, "uri = ?", uri).Error; err != nil {
		return nil, err
	}
	if existing.ID != 0 {
		r.postCache.Add(uri, &existing)
		return &existing, nil
	}

	pv, err := r.api.GetPost(ctx, uri)
	if err != nil {
		return nil, fmt.Errorf("fetching post %s: %w", uri, err)
	}
	if pv == nil {
		return nil, nil
	}

	if pv.Record == nil {
		return nil, fmt.Errorf("post view for %s carried no record", uri)
	}
	rec, ok := pv.Record.Val.(*bsky.FeedPost)
	if !ok {
		return nil, fmt.Errorf("post view for %s was not a feed post", uri)
	}
	if pv.Author == nil || pv.Author.Did == "" {
		return nil, fmt.Errorf("post view for %s carried no author", uri)
	}

	return r.insertPostRecord(ctx, rec, pv.Author.Did, pv.Uri, pv.Cid)
}

type postEmbed struct {
	altText   string
	title     string
	desc      string
	uri       string
	quotedUri string
}

// extractEmbed disambiguates the embed union. Empty externals collapse
// to nothing, and only quote embeds pointing at actual posts count.
func extractEmbed(embed *bsky.FeedPost_Embed) postEmbed {
	var out postEmbed
	if embed == nil {
		return out
	}

	if embed.EmbedImages != nil {
		var alts []string
		for _, img := range embed.EmbedImages.Images {
			if img.Alt != "" {
				alts = append(alts, img.Alt)
			}
		}
		out.altText = strings.Join(alts, "\n")
	}

	if embed.EmbedExternal != nil && embed.EmbedExternal.External != nil {
		ext := embed.EmbedExternal.External
		if ext.Title != "" || ext.Description != "" || ext.Uri != "" {
			out.title = ext.Title
			out.desc = ext.Description
			out.uri = ext.Uri
		}
	}

	var quoted string
	if embed.EmbedRecord != nil && embed.EmbedRecord.Record != nil {
		quoted = embed.EmbedRecord.Record.Uri
	}
	if embed.EmbedRecordWithMedia != nil &&
		embed.EmbedRecordWithMedia.Record != nil &&
		embed.EmbedRecordWithMedia.Record.Record != nil {
		quoted = embed.EmbedRecordWithMedia.Record.Record.Uri
	}
	if quoted != "" && strings.Contains(quoted, "app.bsky.feed.post") {
		out.quotedUri = quoted
	}

	return out
}

func selfLabelValues(labels *bsky.FeedPost_Labels) []string {
	if labels == nil || labels.LabelDefs_SelfLabels == nil {
		return nil
	}
	var out []string
	for _, v := range labels.LabelDefs_SelfLabels.Values {
		if v != nil {
			out = append(out, v.Val)
		}
	}
	return out
}

// insertPostRecord materializes a post and its reference chain. Soft
// misses on the author make the whole insert a soft miss; misses on
// parent, root, or quoted just leave that link unset.
func (r *Resolver) insertPostRecord(ctx context.Context, rec *bsky.FeedPost, repoDid, uri, cidStr string) (*Post, error) {
	ctx, span := tracer.Start(ctx, "insertPostRecord")
	defer span.End()

	author, err := r.ResolveUser(ctx, repoDid)
	if err != nil {
		return nil, fmt.Errorf("resolving post author: %w", err)
	}
	if author == nil {
		return nil, nil
	}

	emb := extractEmbed(rec.Embed)

	var parentID, rootID, quotedID *uint
	if rec.Reply != nil && rec.Reply.Parent != nil {
		parent, err := r.ResolvePost(ctx, rec.Reply.Parent.Uri)
		if err != nil {
			return nil, fmt.Errorf("getting reply parent: %w", err)
		}
		if parent != nil {
			parentID = &parent.ID
		}

		if rec.Reply.Root != nil {
			if rec.Reply.Root.Uri == rec.Reply.Parent.Uri {
				rootID = parentID
			} else {
				root, err := r.ResolvePost(ctx, rec.Reply.Root.Uri)
				if err != nil {
					return nil, fmt.Errorf("getting thread root: %w", err)
				}
				if root != nil {
					rootID = &root.ID
				}
			}
		}
	}

	if emb.quotedUri != "" {
		quoted, err := r.ResolvePost(ctx, emb.quotedUri)
		if err != nil {
			return nil, fmt.Errorf("getting quote subject: %w", err)
		}
		if quoted != nil {
			quotedID = &quoted.ID
		}
	}

	created, err := syntax.ParseDatetimeLenient(rec.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("invalid timestamp: %w", err)
	}

	_, rkey := splitRecordPath(uri)

	p := Post{
		Created:          created.Time(),
		Indexed:          time.Now(),
		Author:           author.ID,
		Rkey:             rkey,
		Uri:              uri,
		Cid:              cidStr,
		Text:             normalizeString(rec.Text),
		AltText:          normalizeString(emb.altText),
		EmbedTitle:       normalizeString(emb.title),
		EmbedDescription: normalizeString(emb.desc),
		EmbedUri:         normalizeString(emb.uri),
		Parent:           parentID,
		Root:             rootID,
		Quoted:           quotedID,
		Langs:            normalizeStrings(rec.Langs),
		Tags:             normalizeStrings(rec.Tags),
		Labels:           normalizeStrings(selfLabelValues(rec.Labels)),
	}

	if err := r.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "uri"}},
		DoNothing: true,
	}).Create(&p).Error; err != nil {
		return nil, fmt.Errorf("inserting post %s: %w", uri, err)
	}

	if p.ID == 0 {
		// conflict, someone else inserted it first
		var won Post
		if err := r.db.Find(&won, "uri = ?", uri).Error; err != nil {
			return nil, err
		}
		if won.ID == 0 {
			return nil, fmt.Errorf("post %s vanished between insert and select", uri)
		}
		p = won
	}

	r.postCache.Add(uri, &p)
	return &p, nil
}

// splitRecordPath splits an at:// uri or a bare collection/rkey path
// into its collection and rkey.
func splitRecordPath(s string) (string, string) {
	s = strings.TrimPrefix(s, "at://")
	parts := strings.Split(s, "/")
	if len(parts) < 2 {
		return "", ""
	}
	return parts[len(parts)-2], parts[len(parts)-1]
}
