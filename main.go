package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"runtime"
	"time"

	"github.com/bluesky-social/indigo/util/cliutil"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/urfave/cli/v2"
	"gorm.io/gorm/logger"

	"github.com/skymirror/skymirror/diskstate"
	"github.com/skymirror/skymirror/fetch"
	"github.com/skymirror/skymirror/pcache"
	"github.com/skymirror/skymirror/ratelimit"
)

const (
	rowCacheSize = 1_000_000
	rowCacheTTL  = 24 * time.Hour
)

func main() {
	app := cli.App{
		Name:  "skymirror",
		Usage: "firehose to postgres social graph projection",
	}

	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:    "db-url",
			EnvVars: []string{"DATABASE_URL"},
		},
		&cli.StringFlag{
			Name:  "relay-host",
			Value: "bsky.network",
		},
		&cli.StringFlag{
			Name:  "jetstream-host",
			Usage: "consume jetstream instead of the binary firehose",
		},
		&cli.StringFlag{
			Name:  "api-host",
			Value: "https://public.api.bsky.app",
		},
		&cli.StringFlag{
			Name:  "state-dir",
			Value: ".",
		},
		&cli.IntFlag{
			Name:  "max-db-connections",
			Value: runtime.NumCPU(),
		},
		&cli.StringFlag{
			Name:  "metrics-addr",
			Value: ":4444",
		},
		&cli.IntFlag{
			Name:  "max-workers",
			Value: 10,
		},
		&cli.BoolFlag{
			Name: "verbose",
		},
	}

	app.Commands = []*cli.Command{
		backfillCmd,
	}

	app.Action = func(cctx *cli.Context) error {
		ctx := context.Background()

		s, cleanup, err := setupServer(cctx)
		if err != nil {
			return err
		}
		defer cleanup()

		go func() {
			if err := s.runApiServer(cctx.String("metrics-addr")); err != nil {
				slog.Error("failed to start api server", "error", err)
			}
		}()

		s.drainFailed(ctx)

		be := SyncBackend{
			Type:       "firehose",
			Host:       cctx.String("relay-host"),
			MaxWorkers: cctx.Int("max-workers"),
		}
		if jh := cctx.String("jetstream-host"); jh != "" {
			be.Type = "jetstream"
			be.Host = jh
		}

		return s.StartSyncEngine(ctx, &SyncConfig{Backends: []SyncBackend{be}})
	}

	app.RunAndExitOnError()
}

func setupServer(cctx *cli.Context) (*Server, func(), error) {
	if cctx.Bool("verbose") {
		slog.SetLogLoggerLevel(slog.LevelDebug)
	}

	db, err := cliutil.SetupDatabase(cctx.String("db-url"), cctx.Int("max-db-connections"))
	if err != nil {
		return nil, nil, err
	}

	db.Logger = logger.New(log.New(os.Stdout, "\r\n", log.LstdFlags), logger.Config{
		SlowThreshold:             500 * time.Millisecond,
		LogLevel:                  logger.Warn,
		IgnoreRecordNotFoundError: false,
		Colorful:                  true,
	})

	if err := setupDatabase(db); err != nil {
		return nil, nil, fmt.Errorf("migrating schema: %w", err)
	}

	cfg, err := pgxpool.ParseConfig(cctx.String("db-url"))
	if err != nil {
		return nil, nil, err
	}
	if cfg.MaxConns < 8 {
		cfg.MaxConns = 8
	}

	pool, err := pgxpool.NewWithConfig(context.TODO(), cfg)
	if err != nil {
		return nil, nil, err
	}
	if err := pool.Ping(context.TODO()); err != nil {
		return nil, nil, err
	}

	sched := ratelimit.DefaultScheduler()
	api := fetch.NewClient(context.Background(), cctx.String("api-host"), sched)

	users := pcache.New[*User](rowCacheSize, rowCacheTTL)
	posts := pcache.New[*Post](rowCacheSize, rowCacheTTL)

	res := NewResolver(db, pool, api, users, posts)

	cursor, err := diskstate.LoadCursor(cctx.String("state-dir"))
	if err != nil {
		return nil, nil, err
	}
	failed, err := diskstate.LoadFailQueue(cctx.String("state-dir"))
	if err != nil {
		return nil, nil, err
	}
	failedQueueGauge.Set(float64(failed.Len()))

	s := &Server{
		backend: NewBackend(db, pool, res),
		cursor:  cursor,
		failed:  failed,
		sched:   sched,
		verbose: cctx.Bool("verbose"),
	}

	cleanup := func() {
		cursor.Close()
		pool.Close()
	}

	return s, cleanup, nil
}
