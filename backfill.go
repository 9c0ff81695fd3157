package main

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"

	"github.com/bluesky-social/indigo/api/atproto"
	"github.com/bluesky-social/indigo/atproto/identity"
	"github.com/bluesky-social/indigo/atproto/syntax"
	"github.com/bluesky-social/indigo/repo"
	"github.com/bluesky-social/indigo/xrpc"
	"github.com/ipfs/go-cid"
	"github.com/urfave/cli/v2"
)

// One-shot historical import: walk the relay's repo listing and replay
// every record through the create handlers. Handlers are idempotent so
// running this against a live projection is safe.
var backfillCmd = &cli.Command{
	Name:  "backfill",
	Usage: "import existing repos from the relay",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "repo",
			Usage: "backfill a single did instead of the full listing",
		},
		&cli.Int64Flag{
			Name:  "page-size",
			Value: 1000,
		},
	},
	Action: func(cctx *cli.Context) error {
		ctx := context.Background()

		s, cleanup, err := setupServer(cctx)
		if err != nil {
			return err
		}
		defer cleanup()

		dir := identity.DefaultDirectory()

		if did := cctx.String("repo"); did != "" {
			return s.backfillRepo(ctx, dir, did)
		}

		c := &xrpc.Client{
			Host: "https://" + cctx.String("relay-host"),
		}

		var cursor string
		for {
			resp, err := atproto.SyncListRepos(ctx, c, cursor, cctx.Int64("page-size"))
			if err != nil {
				return fmt.Errorf("listing repos: %w", err)
			}

			for _, r := range resp.Repos {
				if r == nil {
					continue
				}
				if r.Active != nil && !*r.Active {
					continue
				}
				if err := s.backfillRepo(ctx, dir, r.Did); err != nil {
					slog.Error("failed to backfill repo", "did", r.Did, "error", err)
				}
			}

			if resp.Cursor == nil || *resp.Cursor == "" {
				return nil
			}
			cursor = *resp.Cursor
		}
	},
}

func (s *Server) backfillRepo(ctx context.Context, dir identity.Directory, did string) error {
	resp, err := dir.LookupDID(ctx, syntax.DID(did))
	if err != nil {
		return err
	}

	c := &xrpc.Client{
		Host: resp.PDSEndpoint(),
	}

	repob, err := atproto.SyncGetRepo(ctx, c, did, "")
	if err != nil {
		return err
	}

	rep, err := repo.ReadRepoFromCar(ctx, bytes.NewReader(repob))
	if err != nil {
		return err
	}

	return rep.ForEach(ctx, "", func(k string, v cid.Cid) error {
		blk, err := rep.Blockstore().Get(ctx, v)
		if err != nil {
			slog.Error("record missing in repo", "path", k, "cid", v, "error", err)
			return nil
		}

		if err := s.backend.HandleRecordCreate(ctx, did, k, blk.RawData(), v); err != nil {
			slog.Error("failed to index record", "path", k, "cid", v, "error", err)
		}
		return nil
	})
}
