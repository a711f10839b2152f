package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	gpubsub "cloud.google.com/go/pubsub"
	gstorage "cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/JakeFAU/forum-case-harvester/internal/api"
	"github.com/JakeFAU/forum-case-harvester/internal/config"
	"github.com/JakeFAU/forum-case-harvester/internal/crawler"
	"github.com/JakeFAU/forum-case-harvester/internal/extractor"
	"github.com/JakeFAU/forum-case-harvester/internal/ingest"
	"github.com/JakeFAU/forum-case-harvester/internal/logging"
	"github.com/JakeFAU/forum-case-harvester/internal/metrics"
	memorypublisher "github.com/JakeFAU/forum-case-harvester/internal/publisher/memory"
	"github.com/JakeFAU/forum-case-harvester/internal/publisher/pubsub"
	"github.com/JakeFAU/forum-case-harvester/internal/runner"
	"github.com/JakeFAU/forum-case-harvester/internal/scheduler"
	"github.com/JakeFAU/forum-case-harvester/internal/source"
	"github.com/JakeFAU/forum-case-harvester/internal/storage/gcs"
	"github.com/JakeFAU/forum-case-harvester/internal/storage/local"
	"github.com/JakeFAU/forum-case-harvester/internal/storage/memory"
	"github.com/JakeFAU/forum-case-harvester/internal/storage/postgres"
	"github.com/JakeFAU/forum-case-harvester/internal/store"
)

type flags struct {
	configPath     string
	dryRun         bool
	resume         bool
	since          string
	maxThreads     int
	reextract      bool
	reextractBatch int
}

func parseFlags(args []string, stderr io.Writer) (flags, error) {
	var f flags
	fs := flag.NewFlagSet("harvester", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&f.configPath, "config", "", "Path to config file")
	fs.BoolVar(&f.dryRun, "dry-run", false, "Parse and extract without writing anything")
	fs.BoolVar(&f.resume, "resume", true, "Start each thread from its persisted cursor")
	fs.StringVar(&f.since, "since", "", "Skip posts older than this date (YYYY-MM-DD or RFC3339)")
	fs.IntVar(&f.maxThreads, "max-threads", 0, "Scrape at most N threads (0 = all)")
	fs.BoolVar(&f.reextract, "reextract", false, "Re-run extraction over stored posts and exit")
	fs.IntVar(&f.reextractBatch, "reextract-batch", ingest.DefaultReextractBatch, "Posts per re-extraction page")
	if err := fs.Parse(args); err != nil {
		return flags{}, fmt.Errorf("parse flags: %w", err)
	}
	if f.maxThreads < 0 {
		return flags{}, fmt.Errorf("-max-threads must be >= 0")
	}
	return f, nil
}

func parseSince(value string) (*time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, value); err == nil {
			t = t.UTC()
			return &t, nil
		}
	}
	return nil, fmt.Errorf("invalid -since %q: want YYYY-MM-DD or RFC3339", value)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stderr io.Writer) int {
	f, err := parseFlags(args, stderr)
	if err != nil {
		return 2
	}
	since, err := parseSince(f.since)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}
	cfg, err := config.Load(f.configPath)
	if err != nil {
		fmt.Fprintf(stderr, "load config failed: %v\n", err)
		return 1
	}
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		fmt.Fprintf(stderr, "logger init failed: %v\n", err)
		return 1
	}
	defer func() { _ = logger.Sync() }()
	zap.ReplaceGlobals(logger)
	metrics.Init()

	app, err := wire(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup failed", zap.Error(err))
		app.close(logger)
		return 1
	}
	defer app.close(logger)

	if f.reextract {
		stats, err := app.runner.Reextract(ctx, cfg.Source.ID, f.reextractBatch)
		if err != nil {
			logger.Error("reextraction failed", zap.Error(err))
			return 1
		}
		logger.Info("reextraction done",
			zap.Int("examined", stats.Examined),
			zap.Int("upserted", stats.Upserted),
			zap.Int("removed", stats.Removed),
		)
		return 0
	}

	adapterCfg, err := cfg.AdapterConfig()
	if err != nil {
		logger.Error("invalid source config", zap.Error(err))
		return 1
	}
	adapter, err := source.New(adapterCfg, logger)
	if err != nil {
		logger.Error("build source adapter failed", zap.Error(err))
		return 1
	}
	opts := runner.Options{Since: since, MaxThreads: f.maxThreads, DryRun: f.dryRun, Resume: f.resume}

	if cfg.Server.Port > 0 {
		server := api.NewServer(app.repo, app.runner, logger)
		go func() {
			if err := server.ListenAndServe(ctx, cfg.Server.Port); err != nil {
				logger.Error("ops server stopped", zap.Error(err))
			}
		}()
	}

	if cfg.Schedule.Cron == "" {
		stats, err := app.runner.Run(ctx, adapter, opts)
		if err != nil || stats.Status != store.RunCompleted {
			if errors.Is(err, crawler.ErrStopped) {
				logger.Warn("run stopped", zap.Error(err))
			}
			return 1
		}
		return 0
	}

	sched, err := scheduler.New(cfg.Source.Timezone, logger)
	if err != nil {
		logger.Error("build scheduler failed", zap.Error(err))
		return 1
	}
	err = sched.AddJob("scrape", cfg.Schedule.Cron, func(ctx context.Context) error {
		_, err := app.runner.Run(ctx, adapter, opts)
		return err
	})
	if err != nil {
		logger.Error("schedule scrape failed", zap.Error(err))
		return 1
	}
	sched.Run(ctx)
	logger.Info("shutdown complete")
	return 0
}

type application struct {
	repo    store.Repository
	runner  *runner.Runner
	closers []func() error
}

// close releases everything wire built, in reverse order. It tolerates a
// partially built application.
func (a *application) close(logger *zap.Logger) {
	if a == nil {
		return
	}
	if a.runner != nil {
		if err := a.runner.Cleanup(); err != nil {
			logger.Warn("cleanup failed", zap.Error(err))
		}
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			logger.Warn("close failed", zap.Error(err))
		}
	}
	a.closers = nil
}

func wire(ctx context.Context, cfg config.Config, logger *zap.Logger) (*application, error) {
	app := &application{}

	if cfg.DB.DSN == "" {
		logger.Warn("db.dsn is empty; using the in-memory store")
		app.repo = memory.NewRepository()
	} else {
		pg, err := postgres.New(ctx, postgres.Config{
			DSN:             cfg.DB.DSN,
			Schema:          cfg.DB.Schema,
			MaxConns:        cfg.DB.MaxConns,
			MinConns:        cfg.DB.MinConns,
			MaxConnLifetime: cfg.DB.MaxConnLifetime,
		})
		if err != nil {
			return app, fmt.Errorf("connect postgres: %w", err)
		}
		app.closers = append(app.closers, func() error { pg.Close(); return nil })
		if cfg.DB.EnsureSchema {
			if err := pg.EnsureSchema(ctx); err != nil {
				return app, fmt.Errorf("ensure schema: %w", err)
			}
		}
		app.repo = pg
	}

	var ingestOpts []ingest.Option
	switch cfg.Archive.Backend {
	case config.ArchiveMemory:
		ingestOpts = append(ingestOpts, ingest.WithArchive(memory.NewBlobStore()))
	case config.ArchiveLocal:
		blobs, err := local.New(local.Config{BaseDir: cfg.Archive.Dir})
		if err != nil {
			return app, fmt.Errorf("open local archive: %w", err)
		}
		ingestOpts = append(ingestOpts, ingest.WithArchive(blobs))
	case config.ArchiveGCS:
		client, err := gstorage.NewClient(ctx)
		if err != nil {
			return app, fmt.Errorf("create storage client: %w", err)
		}
		blobs, err := gcs.New(client, gcs.Config{Bucket: cfg.Archive.Bucket})
		if err != nil {
			_ = client.Close()
			return app, fmt.Errorf("open gcs archive: %w", err)
		}
		app.closers = append(app.closers, blobs.Close)
		ingestOpts = append(ingestOpts, ingest.WithArchive(blobs))
	}

	if cfg.PubSub.Topic != "" {
		if cfg.PubSub.ProjectID == "memory" {
			ingestOpts = append(ingestOpts, ingest.WithPublisher(memorypublisher.New()))
		} else {
			client, err := gpubsub.NewClient(ctx, cfg.PubSub.ProjectID)
			if err != nil {
				return app, fmt.Errorf("create pubsub client: %w", err)
			}
			pub, err := pubsub.New(client, logger)
			if err != nil {
				_ = client.Close()
				return app, err
			}
			app.closers = append(app.closers, pub.Close)
			ingestOpts = append(ingestOpts, ingest.WithPublisher(pub))
		}
	}

	engine := extractor.New()
	r, err := runner.New(app.repo, engine, cfg.IngestConfig(), logger, runner.WithIngestOptions(ingestOpts...))
	if err != nil {
		return app, fmt.Errorf("build runner: %w", err)
	}
	app.runner = r
	return app, nil
}
