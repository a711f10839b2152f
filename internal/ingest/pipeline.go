// Package ingest persists streamed thread pages: it classifies posts against
// stored state, runs extraction, writes batches and checkpoints the resume
// cursor.
package ingest

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/forum-case-harvester/internal/crawler"
	"github.com/JakeFAU/forum-case-harvester/internal/hash/sha256"
	"github.com/JakeFAU/forum-case-harvester/internal/metrics"
	"github.com/JakeFAU/forum-case-harvester/internal/store"
)

// Pipeline defaults.
const (
	DefaultBatchSize          = 50
	DefaultCheckpointEvery    = 10
	DefaultWriteAttempts      = 5
	DefaultCheckpointAttempts = 2
	DefaultRetryBase          = 250 * time.Millisecond
	DefaultRetryMax           = 5 * time.Second
	DefaultArchivePrefix      = "threads"
)

// Config tunes batching, retries and optional side outputs.
type Config struct {
	SourceID           string
	BatchSize          int
	CheckpointEvery    int
	WriteAttempts      int
	CheckpointAttempts int
	RetryBase          time.Duration
	RetryMax           time.Duration
	// Since drops posts whose known timestamp is older.
	Since *time.Time
	// DryRun parses and extracts but never writes.
	DryRun        bool
	ArchivePrefix string
	Topic         string
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.CheckpointEvery <= 0 {
		c.CheckpointEvery = DefaultCheckpointEvery
	}
	if c.WriteAttempts <= 0 {
		c.WriteAttempts = DefaultWriteAttempts
	}
	if c.CheckpointAttempts <= 0 {
		c.CheckpointAttempts = DefaultCheckpointAttempts
	}
	if c.RetryBase <= 0 {
		c.RetryBase = DefaultRetryBase
	}
	if c.RetryMax <= 0 {
		c.RetryMax = DefaultRetryMax
	}
	if c.ArchivePrefix == "" {
		c.ArchivePrefix = DefaultArchivePrefix
	}
	return c
}

// BodyHasher fingerprints cleaned post bodies.
type BodyHasher interface {
	HashBody(body string) string
}

// Option customizes a Pipeline.
type Option func(*Pipeline)

// WithHasher overrides the body hasher.
func WithHasher(h BodyHasher) Option {
	return func(p *Pipeline) {
		if h != nil {
			p.hasher = h
		}
	}
}

// WithArchive stores each page's raw HTML in blobs.
func WithArchive(blobs crawler.BlobStore) Option {
	return func(p *Pipeline) { p.archive = blobs }
}

// WithPublisher announces accepted cases on cfg.Topic.
func WithPublisher(pub crawler.Publisher) Option {
	return func(p *Pipeline) { p.publisher = pub }
}

// WithPause replaces the retry backoff sleep.
func WithPause(fn crawler.PauseFunc) Option {
	return func(p *Pipeline) { p.pause = fn }
}

// Pipeline is shared by every thread of a run. It holds no per-thread state.
type Pipeline struct {
	repo      store.Repository
	extractor crawler.Extractor
	hasher    BodyHasher
	archive   crawler.BlobStore
	publisher crawler.Publisher
	pause     crawler.PauseFunc
	cfg       Config
	logger    *zap.Logger

	writes      *crawler.ExponentialRetryPolicy
	checkpoints *crawler.ExponentialRetryPolicy
}

// New builds a Pipeline writing to repo.
func New(repo store.Repository, extractor crawler.Extractor, cfg Config, logger *zap.Logger, opts ...Option) (*Pipeline, error) {
	if repo == nil && !cfg.DryRun {
		return nil, fmt.Errorf("repository is required")
	}
	if extractor == nil {
		return nil, fmt.Errorf("extractor is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	p := &Pipeline{
		repo:      repo,
		extractor: extractor,
		hasher:    sha256.New(),
		cfg:       cfg,
		logger:    logger.Named("ingest"),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.publisher != nil && cfg.Topic == "" {
		return nil, fmt.Errorf("publisher configured without a topic")
	}
	p.writes = crawler.NewExponentialRetryPolicy(cfg.WriteAttempts, cfg.RetryBase, cfg.RetryMax).WithPause(p.pause)
	p.checkpoints = crawler.NewExponentialRetryPolicy(cfg.CheckpointAttempts, cfg.RetryBase, cfg.RetryMax).WithPause(p.pause)
	return p, nil
}

// DryRun reports whether writes are suppressed.
func (p *Pipeline) DryRun() bool {
	return p.cfg.DryRun
}

// Begin registers thread in the store and returns a sink for its pages. The
// returned handle carries the persisted resume cursor.
func (p *Pipeline) Begin(ctx context.Context, thread crawler.Thread) (*ThreadSink, error) {
	sink := &ThreadSink{
		pipeline: p,
		thread:   thread,
		logger:   p.logger.With(zap.String("thread", thread.ExternalID)),
	}
	if p.cfg.DryRun {
		sink.handle = store.ThreadHandle{ExternalID: thread.ExternalID, URL: thread.URL, Title: thread.Title}
		return sink, nil
	}
	err := p.retryWrite(ctx, "upsert_thread", func(ctx context.Context) error {
		handle, err := p.repo.UpsertThread(ctx, p.cfg.SourceID, thread)
		if err != nil {
			return err
		}
		sink.handle = handle
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("upsert thread %s: %w", thread.ExternalID, err)
	}
	sink.persisted = sink.handle.LastScrapedPage
	return sink, nil
}

func (p *Pipeline) retryWrite(ctx context.Context, op string, fn func(context.Context) error) error {
	return p.retry(ctx, p.writes, op, fn)
}

func (p *Pipeline) retry(
	ctx context.Context,
	policy *crawler.ExponentialRetryPolicy,
	op string,
	fn func(context.Context) error,
) error {
	return policy.Do(ctx, fn, func(attempt int, err error, wait time.Duration) {
		metrics.ObserveStoreRetry(op)
		p.logger.Warn("store write failed, retrying",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", wait),
			zap.Error(err),
		)
	})
}
