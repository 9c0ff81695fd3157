package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/skymirror/skymirror/fetch"
	"github.com/skymirror/skymirror/pcache"
	"github.com/skymirror/skymirror/ratelimit"
)

type scanFunc func(dest ...any) error

func (f scanFunc) Scan(dest ...any) error { return f(dest...) }

// sqliteRaw emulates the resolver's two conflict-returning inserts on
// top of the test database: ON CONFLICT (handle) DO NOTHING becomes
// ErrNoRows when the handle is held, a did collision becomes 23505, and
// the by-did upsert updates in place.
type sqliteRaw struct {
	db *gorm.DB
}

func (s *sqliteRaw) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	switch sql {
	case userInsertQuery:
		u := userFromArgs(args)
		return scanFunc(func(dest ...any) error {
			var held User
			if err := s.db.Find(&held, "handle = ?", u.Handle).Error; err != nil {
				return err
			}
			if held.ID != 0 {
				return pgx.ErrNoRows
			}
			var byDid User
			if err := s.db.Find(&byDid, "did = ?", u.Did).Error; err != nil {
				return err
			}
			if byDid.ID != 0 {
				return &pgconn.PgError{Code: "23505"}
			}
			if err := s.db.Create(&u).Error; err != nil {
				return err
			}
			*dest[0].(*uint) = u.ID
			*dest[1].(*string) = u.Did
			return nil
		})
	case userUpsertByDidQuery:
		u := userFromArgs(args)
		return scanFunc(func(dest ...any) error {
			var existing User
			if err := s.db.Find(&existing, "did = ?", u.Did).Error; err != nil {
				return err
			}
			if existing.ID != 0 {
				updates := map[string]any{"handle": u.Handle, "display_name": u.DisplayName, "bio": u.Bio}
				if err := s.db.Model(&User{}).Where("id = ?", existing.ID).Updates(updates).Error; err != nil {
					return err
				}
				*dest[0].(*uint) = existing.ID
				return nil
			}
			if err := s.db.Create(&u).Error; err != nil {
				return err
			}
			*dest[0].(*uint) = u.ID
			return nil
		})
	default:
		return scanFunc(func(dest ...any) error {
			return fmt.Errorf("unexpected query: %s", sql)
		})
	}
}

func userFromArgs(args []any) User {
	return User{
		Indexed:     args[0].(time.Time),
		Did:         args[1].(string),
		Handle:      args[2].(string),
		DisplayName: args[3].(string),
		Bio:         args[4].(string),
	}
}

// newResolverAppview serves getProfiles from a fixed did -> handle map;
// dids not in the map resolve as gone.
func newResolverAppview(t *testing.T, handles map[string]string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/xrpc/app.bsky.actor.getProfiles" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		profiles := []map[string]any{}
		for _, did := range r.URL.Query()["actors"] {
			h, ok := handles[did]
			if !ok {
				continue
			}
			profiles = append(profiles, map[string]any{"did": did, "handle": h})
		}
		json.NewEncoder(w).Encode(map[string]any{"profiles": profiles})
	}))
}

func newTestResolver(t *testing.T, db *gorm.DB, handles map[string]string) *Resolver {
	t.Helper()

	ts := newResolverAppview(t, handles)
	t.Cleanup(ts.Close)

	sched := ratelimit.NewScheduler(time.Millisecond, 1000, time.Minute)
	api := fetch.NewClient(context.Background(), ts.URL, sched)

	return NewResolver(db, &sqliteRaw{db: db}, api,
		pcache.New[*User](1024, time.Minute), pcache.New[*Post](1024, time.Minute))
}

func TestInsertUserHandleMoved(t *testing.T) {
	db := testDB(t)

	old := User{Indexed: time.Now(), Did: "did:plc:old", Handle: "alice.test"}
	require.NoError(t, db.Create(&old).Error)

	// the handle moved: its previous owner now answers with a new one
	r := newTestResolver(t, db, map[string]string{
		"did:plc:old": "alice-prev.test",
		"did:plc:new": "alice.test",
	})

	u, err := r.insertUser(context.Background(), "did:plc:new", "alice.test", "Alice", "")
	require.NoError(t, err)
	require.NotNil(t, u)
	assert.Equal(t, "did:plc:new", u.Did)
	assert.Equal(t, "alice.test", u.Handle)

	var prev User
	require.NoError(t, db.Find(&prev, "did = ?", "did:plc:old").Error)
	require.NotZero(t, prev.ID)
	assert.Equal(t, "alice-prev.test", prev.Handle)
}

func TestInsertUserPreviousOwnerGone(t *testing.T) {
	db := testDB(t)

	old := User{Indexed: time.Now(), Did: "did:plc:gone", Handle: "bob.test"}
	require.NoError(t, db.Create(&old).Error)

	r := newTestResolver(t, db, map[string]string{
		"did:plc:new": "bob.test",
	})

	u, err := r.insertUser(context.Background(), "did:plc:new", "bob.test", "Bob", "")
	require.NoError(t, err)
	require.NotNil(t, u)
	assert.Equal(t, "did:plc:new", u.Did)
	assert.Equal(t, "bob.test", u.Handle)

	var prev User
	require.NoError(t, db.Find(&prev, "did = ?", "did:plc:gone").Error)
	assert.Zero(t, prev.ID)
}

func TestInsertUserDidRace(t *testing.T) {
	db := testDB(t)

	existing := User{Indexed: time.Now(), Did: "did:plc:carol", Handle: "carol.test"}
	require.NoError(t, db.Create(&existing).Error)

	// handle free, did taken: we lost the insert race and re-select
	r := newTestResolver(t, db, nil)

	u, err := r.insertUser(context.Background(), "did:plc:carol", "carol-new.test", "Carol", "")
	require.NoError(t, err)
	require.NotNil(t, u)
	assert.Equal(t, existing.ID, u.ID)
	assert.Equal(t, "did:plc:carol", u.Did)
}
