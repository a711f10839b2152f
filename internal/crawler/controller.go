package crawler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/forum-case-harvester/internal/metrics"
)

// Controller defaults.
const (
	DefaultPageSize               = 15
	DefaultOffsetParam            = "start"
	DefaultPageTimeout            = 90 * time.Second
	DefaultJitterMin              = 3 * time.Second
	DefaultJitterMax              = 6 * time.Second
	DefaultMaxConsecutiveFailures = 5

	// drainGrace bounds how long a timed-out page may keep the session busy
	// before the session is considered unusable.
	drainGrace = 5 * time.Second
)

var errRelaunchFailed = errors.New("session relaunch failed")

// ControllerConfig tunes the page loop.
type ControllerConfig struct {
	SourceID               string
	PageSize               int
	OffsetParam            string
	SessionParams          []string
	PageTimeout            time.Duration
	JitterMin              time.Duration
	JitterMax              time.Duration
	MaxConsecutiveFailures int
}

func (c ControllerConfig) withDefaults() ControllerConfig {
	if c.PageSize <= 0 {
		c.PageSize = DefaultPageSize
	}
	if c.OffsetParam == "" {
		c.OffsetParam = DefaultOffsetParam
	}
	if c.PageTimeout <= 0 {
		c.PageTimeout = DefaultPageTimeout
	}
	if c.JitterMin < 0 {
		c.JitterMin = 0
	}
	if c.JitterMax < c.JitterMin {
		c.JitterMax = c.JitterMin
	}
	if c.MaxConsecutiveFailures <= 0 {
		c.MaxConsecutiveFailures = DefaultMaxConsecutiveFailures
	}
	return c
}

// Controller walks a thread page by page over a single Session.
type Controller struct {
	session Session
	parser  PageParser
	cfg     ControllerConfig
	pauser  pauseController
	jitter  jitter
	logger  *zap.Logger

	open          bool
	fetched       bool
	needsRelaunch bool
}

// NewController wires a controller around session and parser.
func NewController(session Session, parser PageParser, cfg ControllerConfig, logger *zap.Logger) (*Controller, error) {
	if session == nil {
		return nil, fmt.Errorf("session is required")
	}
	if parser == nil {
		return nil, fmt.Errorf("parser is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	return &Controller{
		session: session,
		parser:  parser,
		cfg:     cfg,
		pauser:  &timerPauseController{},
		jitter:  jitter{min: cfg.JitterMin, max: cfg.JitterMax},
		logger:  logger.Named("controller"),
	}, nil
}

// Close releases the session. It is safe to call repeatedly.
func (c *Controller) Close() error {
	if !c.open {
		return nil
	}
	c.open = false
	if err := c.session.Close(); err != nil {
		return fmt.Errorf("close session: %w", err)
	}
	return nil
}

func (c *Controller) ensureOpen(ctx context.Context) error {
	if c.open {
		return nil
	}
	if err := c.session.Open(ctx); err != nil {
		if ctx.Err() != nil {
			return stopped(ctx)
		}
		return fmt.Errorf("%w: %w", ErrSessionLaunch, err)
	}
	c.open = true
	c.fetched = false
	c.needsRelaunch = false
	return nil
}

// Crawl fetches pages from the resume point to the last known page, handing
// each parsed page to sink before moving on. It returns ErrStopped when ctx
// ends the walk and ErrThreadAborted when consecutive failures reach the
// configured ceiling. The result always carries the best-known cursor.
func (c *Controller) Crawl(ctx context.Context, req CrawlRequest, sink PageSink) (CrawlResult, error) {
	res := CrawlResult{LastScrapedPage: req.ResumeCursor, TotalPages: req.Thread.TotalPages}
	if sink == nil {
		return res, fmt.Errorf("page sink is required")
	}
	canonical, err := CanonicalThreadURL(req.Thread.URL, c.cfg.SessionParams)
	if err != nil {
		return res, fmt.Errorf("canonicalize thread url: %w", err)
	}
	if err := c.ensureOpen(ctx); err != nil {
		return res, err
	}

	logger := c.logger.With(zap.String("thread", req.Thread.ExternalID))
	start := req.StartPage
	if start < 1 {
		start = max(req.ResumeCursor, 1)
	}
	logger.Info("thread crawl starting", zap.Int("start_page", start), zap.Int("total_pages_hint", res.TotalPages))

	failures := 0
	for page := start; res.TotalPages == 0 || page <= res.TotalPages; page++ {
		if ctx.Err() != nil {
			return res, c.finish(ctx, logger, sink, res, stopped(ctx))
		}
		if c.fetched {
			c.pauser.Pause(ctx, c.jitter.next())
			if ctx.Err() != nil {
				return res, c.finish(ctx, logger, sink, res, stopped(ctx))
			}
		}

		parsed, html, err := c.fetchPage(ctx, logger, canonical, page, &res)
		c.fetched = true
		if err != nil {
			if ctx.Err() != nil {
				return res, c.finish(ctx, logger, sink, res, stopped(ctx))
			}
			if errors.Is(err, errRelaunchFailed) {
				return res, c.finish(ctx, logger, sink, res, err)
			}
			failures++
			res.PagesFailed++
			res.FailedPages = append(res.FailedPages, page)
			logger.Warn("page failed",
				zap.Int("page", page),
				zap.Int("consecutive_failures", failures),
				zap.Error(err),
			)
			if failures >= c.cfg.MaxConsecutiveFailures {
				res.Aborted = true
				abortErr := fmt.Errorf("%w after %d consecutive page failures (last good page %d): %w",
					ErrThreadAborted, failures, res.LastScrapedPage, err)
				return res, c.finish(ctx, logger, sink, res, abortErr)
			}
			continue
		}
		failures = 0

		if parsed.TotalPages > res.TotalPages {
			res.TotalPages = parsed.TotalPages
		}
		if res.TotalPages < page {
			res.TotalPages = page
		}

		batch := PageBatch{
			Thread:     req.Thread,
			Page:       page,
			TotalPages: res.TotalPages,
			Posts:      parsed.Posts,
			HTML:       html,
			FetchedAt:  time.Now().UTC(),
		}
		if err := sink.HandlePage(ctx, batch); err != nil {
			if ctx.Err() != nil {
				return res, c.finish(ctx, logger, sink, res, stopped(ctx))
			}
			return res, c.finish(ctx, logger, sink, res, fmt.Errorf("handle page %d: %w", page, err))
		}
		res.LastScrapedPage = max(res.LastScrapedPage, page)
		res.PagesScraped++
		res.PostsFound += len(parsed.Posts)

		if err := sink.Checkpoint(ctx, Progress{LastScrapedPage: res.LastScrapedPage, TotalPages: res.TotalPages}); err != nil {
			logger.Warn("checkpoint failed", zap.Int("page", page), zap.Error(err))
		}
	}
	return res, c.finish(ctx, logger, sink, res, nil)
}

// finish records the end-of-thread checkpoint even when ctx is already done.
func (c *Controller) finish(ctx context.Context, logger *zap.Logger, sink PageSink, res CrawlResult, cause error) error {
	finalCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.PageTimeout)
	defer cancel()
	progress := Progress{LastScrapedPage: res.LastScrapedPage, TotalPages: res.TotalPages, Final: true}
	if err := sink.Checkpoint(finalCtx, progress); err != nil {
		logger.Warn("final checkpoint failed", zap.Int("last_scraped_page", res.LastScrapedPage), zap.Error(err))
	}

	fields := []zap.Field{
		zap.Int("last_scraped_page", res.LastScrapedPage),
		zap.Int("total_pages", res.TotalPages),
		zap.Int("pages_scraped", res.PagesScraped),
		zap.Int("pages_failed", res.PagesFailed),
		zap.Int("relaunches", res.Relaunches),
	}
	switch {
	case cause == nil:
		logger.Info("thread crawl finished", fields...)
	case errors.Is(cause, ErrStopped):
		logger.Warn("thread crawl stopped", append(fields, zap.Error(cause))...)
	default:
		logger.Error("thread crawl ended early", append(fields, zap.Error(cause))...)
	}
	return cause
}

// fetchPage loads and parses one page, relaunching a dead session and
// replaying the page exactly once.
func (c *Controller) fetchPage(
	ctx context.Context,
	logger *zap.Logger,
	canonical string,
	page int,
	res *CrawlResult,
) (ParsedPage, string, error) {
	pageURL, err := PageURL(canonical, page, c.cfg.PageSize, c.cfg.OffsetParam)
	if err != nil {
		return ParsedPage{}, "", err
	}

	if c.needsRelaunch {
		if err := c.relaunch(ctx, logger, page, res); err != nil {
			return ParsedPage{}, "", err
		}
	}

	parsed, html, err := c.attempt(ctx, pageURL, page)
	if err == nil || !errors.Is(err, ErrSessionDead) || ctx.Err() != nil {
		return parsed, html, err
	}
	logger.Warn("session died, relaunching", zap.Int("page", page), zap.Error(err))
	if err := c.relaunch(ctx, logger, page, res); err != nil {
		return ParsedPage{}, "", err
	}
	return c.attempt(ctx, pageURL, page)
}

func (c *Controller) relaunch(ctx context.Context, logger *zap.Logger, page int, res *CrawlResult) error {
	res.Relaunches++
	metrics.ObserveSessionRelaunch(c.cfg.SourceID)
	if err := c.session.Relaunch(ctx); err != nil {
		logger.Error("session relaunch failed", zap.Int("page", page), zap.Error(err))
		return fmt.Errorf("%w: %w", errRelaunchFailed, err)
	}
	c.needsRelaunch = false
	return nil
}

type pageOutcome struct {
	parsed ParsedPage
	html   string
	err    error
}

// attempt runs navigation and parsing under the per-page budget.
func (c *Controller) attempt(ctx context.Context, pageURL string, page int) (ParsedPage, string, error) {
	pageCtx, cancel := context.WithTimeoutCause(ctx, c.cfg.PageTimeout, ErrPageTimeout)
	defer cancel()

	start := time.Now()
	done := make(chan pageOutcome, 1)
	go func() {
		snap, err := c.session.LoadPage(pageCtx, pageURL)
		if err != nil {
			done <- pageOutcome{err: fmt.Errorf("load page %d: %w", page, err)}
			return
		}
		parsed, err := c.parser.Parse(snap.HTML, page)
		if err != nil {
			done <- pageOutcome{err: fmt.Errorf("parse page %d: %w", page, err)}
			return
		}
		done <- pageOutcome{parsed: parsed, html: snap.HTML}
	}()

	select {
	case out := <-done:
		result := metrics.PageResultOK
		if out.err != nil {
			result = metrics.PageResultFailed
			if errors.Is(context.Cause(pageCtx), ErrPageTimeout) && ctx.Err() == nil {
				result = metrics.PageResultTimeout
				out.err = fmt.Errorf("%w: %w", ErrPageTimeout, out.err)
			}
		}
		metrics.ObservePage(c.cfg.SourceID, result, time.Since(start))
		return out.parsed, out.html, out.err
	case <-pageCtx.Done():
		if ctx.Err() != nil {
			// The load goroutine sees pageCtx cancelled too. It owns its
			// snapshot and the buffered done slot, so it exits on its own.
			return ParsedPage{}, "", stopped(ctx)
		}
		metrics.ObservePage(c.cfg.SourceID, metrics.PageResultTimeout, time.Since(start))
		timer := time.NewTimer(drainGrace)
		defer timer.Stop()
		select {
		case <-done:
		case <-timer.C:
			c.needsRelaunch = true
		}
		return ParsedPage{}, "", fmt.Errorf("page %d: %w after %s", page, ErrPageTimeout, c.cfg.PageTimeout)
	}
}
