// Package runner drives one scrape run: it lists threads from a source
// adapter, walks each through the ingestion pipeline and records the run.
package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/forum-case-harvester/internal/clock/system"
	"github.com/JakeFAU/forum-case-harvester/internal/crawler"
	"github.com/JakeFAU/forum-case-harvester/internal/id/uuid"
	"github.com/JakeFAU/forum-case-harvester/internal/ingest"
	"github.com/JakeFAU/forum-case-harvester/internal/metrics"
	"github.com/JakeFAU/forum-case-harvester/internal/source"
	"github.com/JakeFAU/forum-case-harvester/internal/store"
)

// finalWriteTimeout bounds the terminal ScrapeRun update, which runs even
// after the caller's context is done.
const finalWriteTimeout = 15 * time.Second

// Options are the per-run switches.
type Options struct {
	Since      *time.Time
	MaxThreads int
	DryRun     bool
	Resume     bool
}

// Stats summarizes a finished run.
type Stats struct {
	RunID        string
	Status       store.RunStatus
	Counters     store.RunCounters
	ThreadErrors map[string]string
	Duration     time.Duration
}

// Option customizes a Runner.
type Option func(*Runner)

// WithIDGenerator overrides run id generation.
func WithIDGenerator(ids crawler.IDGenerator) Option {
	return func(r *Runner) {
		if ids != nil {
			r.ids = ids
		}
	}
}

// WithClock overrides the clock used for run timestamps.
func WithClock(c crawler.Clock) Option {
	return func(r *Runner) {
		if c != nil {
			r.clock = c
		}
	}
}

// WithPause replaces backoff sleeps for the pipeline and the final run update.
func WithPause(fn crawler.PauseFunc) Option {
	return func(r *Runner) { r.pause = fn }
}

// WithIngestOptions passes options through to every pipeline the runner builds.
func WithIngestOptions(opts ...ingest.Option) Option {
	return func(r *Runner) { r.ingestOpts = append(r.ingestOpts, opts...) }
}

// Runner executes scrape runs. Run is not meant to be called concurrently.
type Runner struct {
	repo       store.Repository
	extractor  crawler.Extractor
	ids        crawler.IDGenerator
	clock      crawler.Clock
	ingestCfg  ingest.Config
	ingestOpts []ingest.Option
	pause      crawler.PauseFunc
	logger     *zap.Logger

	mu       sync.Mutex
	adapters []source.Adapter
	last     *Stats
}

// New wires a Runner. repo may be nil only if every run is a dry run.
func New(repo store.Repository, extractor crawler.Extractor, ingestCfg ingest.Config, logger *zap.Logger, opts ...Option) (*Runner, error) {
	if extractor == nil {
		return nil, fmt.Errorf("extractor is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Runner{
		repo:      repo,
		extractor: extractor,
		ids:       uuid.New(),
		clock:     system.New(),
		ingestCfg: ingestCfg,
		logger:    logger.Named("runner"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

func (r *Runner) pipeline(sourceID string, run Options) (*ingest.Pipeline, error) {
	cfg := r.ingestCfg
	cfg.SourceID = sourceID
	cfg.Since = run.Since
	cfg.DryRun = run.DryRun
	opts := r.ingestOpts
	if r.pause != nil {
		opts = append(append([]ingest.Option(nil), opts...), ingest.WithPause(r.pause))
	}
	p, err := ingest.New(r.repo, r.extractor, cfg, r.logger, opts...)
	if err != nil {
		return nil, fmt.Errorf("build ingest pipeline: %w", err)
	}
	return p, nil
}

func (r *Runner) track(src source.Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range r.adapters {
		if a == src {
			return
		}
	}
	r.adapters = append(r.adapters, src)
}

// Run scrapes every thread src lists. Setup failures and cancellation are
// returned; per-thread failures are logged and recorded on the run. The run
// row always ends completed or failed.
func (r *Runner) Run(ctx context.Context, src source.Adapter, opts Options) (Stats, error) {
	if src == nil {
		return Stats{}, fmt.Errorf("source adapter is required")
	}
	r.track(src)
	logger := r.logger.With(zap.String("source", src.ID()))

	pipeline, err := r.pipeline(src.ID(), opts)
	if err != nil {
		return Stats{}, err
	}
	runID, err := r.ids.NewID()
	if err != nil {
		return Stats{}, fmt.Errorf("generate run id: %w", err)
	}
	run := store.ScrapeRun{
		ID:        runID,
		SourceID:  src.ID(),
		Status:    store.RunRunning,
		StartedAt: r.clock.Now(),
		Config: store.RunConfig{
			SourceID:         src.ID(),
			Since:            opts.Since,
			MaxThreads:       opts.MaxThreads,
			Resume:           opts.Resume,
			DryRun:           opts.DryRun,
			ExtractorVersion: r.extractor.Version(),
		},
		ErrorDetails: map[string]string{},
	}
	logger = logger.With(zap.String("run_id", runID))
	if !opts.DryRun {
		if err := r.repo.CreateScrapeRun(ctx, run); err != nil {
			return Stats{RunID: runID}, fmt.Errorf("create scrape run: %w", err)
		}
	}
	logger.Info("scrape run started", zap.Bool("dry_run", opts.DryRun), zap.Bool("resume", opts.Resume))

	runErr := r.scrape(ctx, logger, src, pipeline, opts, &run)
	return r.finish(ctx, logger, run, opts, runErr)
}

func (r *Runner) scrape(
	ctx context.Context,
	logger *zap.Logger,
	src source.Adapter,
	pipeline *ingest.Pipeline,
	opts Options,
	run *store.ScrapeRun,
) error {
	threads, err := src.Threads(ctx, source.ThreadFilter{MaxThreads: opts.MaxThreads})
	if err != nil {
		return fmt.Errorf("list threads: %w", err)
	}
	run.Counters.ThreadsFound = len(threads)
	logger.Info("threads listed", zap.Int("threads", len(threads)))

	for _, thread := range threads {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %w", crawler.ErrStopped, context.Cause(ctx))
		}
		err := r.scrapeThread(ctx, logger, src, pipeline, thread, opts, &run.Counters)
		if err == nil {
			run.Counters.ThreadsScraped++
			metrics.ObserveThread(src.ID(), "completed")
			continue
		}
		run.Counters.ThreadsFailed++
		run.ErrorDetails[thread.ExternalID] = err.Error()
		if errors.Is(err, crawler.ErrStopped) || ctx.Err() != nil {
			metrics.ObserveThread(src.ID(), "stopped")
			if !errors.Is(err, crawler.ErrStopped) {
				err = fmt.Errorf("%w: %w", crawler.ErrStopped, err)
			}
			return err
		}
		if errors.Is(err, crawler.ErrSessionLaunch) {
			metrics.ObserveThread(src.ID(), "failed")
			logger.Error("session could not start, abandoning run", zap.String("thread", thread.ExternalID), zap.Error(err))
			return err
		}
		if errors.Is(err, crawler.ErrThreadAborted) {
			metrics.ObserveThread(src.ID(), "aborted")
		} else {
			metrics.ObserveThread(src.ID(), "failed")
		}
		logger.Error("thread failed", zap.String("thread", thread.ExternalID), zap.Error(err))
	}
	return nil
}

func (r *Runner) scrapeThread(
	ctx context.Context,
	logger *zap.Logger,
	src source.Adapter,
	pipeline *ingest.Pipeline,
	thread crawler.Thread,
	opts Options,
	counters *store.RunCounters,
) error {
	sink, err := pipeline.Begin(ctx, thread)
	if err != nil {
		return err
	}
	cursor := 0
	if opts.Resume {
		cursor = sink.Handle().LastScrapedPage
		if thread.TotalPages == 0 {
			thread.TotalPages = sink.Handle().TotalPages
		}
	}
	res, err := src.Posts(ctx, thread, source.PostsOptions{
		StartFromPage: max(cursor, 1),
		ResumeCursor:  cursor,
		Sink:          sink,
	})
	stats := sink.Stats()
	counters.PostsFound += stats.PostsFound
	counters.PostsScraped += stats.PostsScraped()
	counters.CasesExtracted += stats.CasesExtracted
	logger.Info("thread finished",
		zap.String("thread", thread.ExternalID),
		zap.Int("resume_cursor", cursor),
		zap.Int("last_scraped_page", res.LastScrapedPage),
		zap.Int("total_pages", res.TotalPages),
		zap.Int("pages_failed", res.PagesFailed),
		zap.Int("posts_new", stats.PostsNew),
		zap.Int("posts_changed", stats.PostsChanged),
		zap.Int("posts_unchanged", stats.PostsUnchanged),
		zap.Int("cases", stats.CasesExtracted),
	)
	if err != nil {
		return fmt.Errorf("thread %s: %w", thread.ExternalID, err)
	}
	return nil
}

// finish writes the terminal run row, detached from ctx so that a shutdown
// still records why the run ended.
func (r *Runner) finish(ctx context.Context, logger *zap.Logger, run store.ScrapeRun, opts Options, runErr error) (Stats, error) {
	status, message := deriveFinalStatus(ctx, run.Counters, runErr)
	completed := r.clock.Now()
	run.Status = status
	run.CompletedAt = &completed
	run.ErrorMessage = message
	if len(run.ErrorDetails) == 0 {
		run.ErrorDetails = nil
	}

	stats := Stats{
		RunID:        run.ID,
		Status:       status,
		Counters:     run.Counters,
		ThreadErrors: run.ErrorDetails,
		Duration:     completed.Sub(run.StartedAt),
	}
	metrics.ObserveRun(string(status))

	if !opts.DryRun {
		finalCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalWriteTimeout)
		defer cancel()
		policy := crawler.NewExponentialRetryPolicy(3, 0, 0).WithPause(r.pause)
		err := policy.Do(finalCtx, func(ctx context.Context) error {
			return r.repo.UpdateScrapeRun(ctx, run)
		}, func(attempt int, err error, _ time.Duration) {
			metrics.ObserveStoreRetry("update_run")
			logger.Warn("final run update failed, retrying", zap.Int("attempt", attempt), zap.Error(err))
		})
		if err != nil {
			logger.Error("final run update failed", zap.Error(err))
			runErr = errors.Join(runErr, fmt.Errorf("record run status: %w", err))
		}
	}

	fields := []zap.Field{
		zap.String("status", string(status)),
		zap.Int("threads_found", run.Counters.ThreadsFound),
		zap.Int("threads_scraped", run.Counters.ThreadsScraped),
		zap.Int("threads_failed", run.Counters.ThreadsFailed),
		zap.Int("posts_found", run.Counters.PostsFound),
		zap.Int("posts_scraped", run.Counters.PostsScraped),
		zap.Int("cases_extracted", run.Counters.CasesExtracted),
		zap.Duration("duration", stats.Duration),
	}
	r.mu.Lock()
	r.last = &stats
	r.mu.Unlock()
	if status == store.RunCompleted {
		logger.Info("scrape run completed", fields...)
	} else {
		logger.Error("scrape run failed", append(fields, zap.String("reason", message))...)
	}
	return stats, runErr
}

func deriveFinalStatus(ctx context.Context, counters store.RunCounters, runErr error) (store.RunStatus, string) {
	switch {
	case runErr != nil:
		return store.RunFailed, runErr.Error()
	case ctx.Err() != nil:
		return store.RunFailed, fmt.Sprintf("%v: %v", crawler.ErrStopped, context.Cause(ctx))
	case counters.ThreadsFound > 0 && counters.ThreadsScraped == 0:
		return store.RunFailed, "no threads were scraped"
	default:
		return store.RunCompleted, ""
	}
}

// LastRun returns the stats of the most recently finished run.
func (r *Runner) LastRun() (Stats, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.last == nil {
		return Stats{}, false
	}
	return *r.last, true
}

// Cleanup closes every adapter this runner has driven. It is idempotent and
// safe to call when Run was never reached.
func (r *Runner) Cleanup() error {
	r.mu.Lock()
	adapters := r.adapters
	r.adapters = nil
	r.mu.Unlock()

	var errs []error
	for _, a := range adapters {
		if err := a.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close source %s: %w", a.ID(), err))
		}
	}
	return errors.Join(errs...)
}

// Reextract re-runs the current extractor over stored posts.
func (r *Runner) Reextract(ctx context.Context, sourceID string, batchSize int) (ingest.ReextractStats, error) {
	if r.repo == nil {
		return ingest.ReextractStats{}, fmt.Errorf("repository is required")
	}
	p, err := r.pipeline(sourceID, Options{})
	if err != nil {
		return ingest.ReextractStats{}, err
	}
	return p.Reextract(ctx, batchSize)
}
