package source

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/forum-case-harvester/internal/crawler"
	collyfetcher "github.com/JakeFAU/forum-case-harvester/internal/fetcher/colly"
	"github.com/JakeFAU/forum-case-harvester/internal/fetcher/headless"
	"github.com/JakeFAU/forum-case-harvester/internal/parser"
)

// ThreadFilter narrows the thread listing.
type ThreadFilter struct {
	// MaxThreads caps the listing; zero means no cap.
	MaxThreads int
}

// PostsOptions controls one thread walk.
type PostsOptions struct {
	StartFromPage int
	ResumeCursor  int
	Sink          crawler.PageSink
}

// PostsResult summarizes a thread walk.
type PostsResult = crawler.CrawlResult

// Adapter is the boundary the runner drives. Implementations are used by a
// single goroutine.
type Adapter interface {
	ID() string
	Threads(ctx context.Context, filter ThreadFilter) ([]crawler.Thread, error)
	Posts(ctx context.Context, thread crawler.Thread, opts PostsOptions) (PostsResult, error)
	Close() error
}

// Option customizes a Forum adapter.
type Option func(*options)

type options struct {
	session crawler.Session
}

// WithSession replaces the transport chosen by Kind.
func WithSession(s crawler.Session) Option {
	return func(o *options) { o.session = s }
}

// Forum walks phpBB-style threads listed in its configuration.
type Forum struct {
	cfg        Config
	controller *crawler.Controller
	logger     *zap.Logger

	closeOnce sync.Once
	closeErr  error
}

var _ Adapter = (*Forum)(nil)

// New validates cfg and builds the session, parser and controller.
func New(cfg Config, logger *zap.Logger, opts ...Option) (*Forum, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("source", cfg.ID))
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	session := o.session
	if session == nil {
		var err error
		session, err = newSession(cfg, logger)
		if err != nil {
			return nil, err
		}
	}
	p := parser.New(parser.Config{Selectors: cfg.Selectors, Location: cfg.Location})
	controller, err := crawler.NewController(session, p, cfg.controllerConfig(), logger)
	if err != nil {
		return nil, fmt.Errorf("build controller: %w", err)
	}
	return &Forum{cfg: cfg, controller: controller, logger: logger.Named("forum")}, nil
}

func newSession(cfg Config, logger *zap.Logger) (crawler.Session, error) {
	sel := cfg.Selectors
	if sel.Post == "" {
		sel.Post = parser.DefaultSelectors().Post
	}
	switch cfg.Kind {
	case KindHeadless:
		hc := *cfg.Headless
		if hc.WaitSelector == "" {
			hc.WaitSelector = sel.Post
		}
		s, err := headless.New(hc, logger)
		if err != nil {
			return nil, fmt.Errorf("build headless session: %w", err)
		}
		return s, nil
	case KindStatic:
		sc := *cfg.Static
		if sc.WaitSelector == "" {
			sc.WaitSelector = sel.Post
		}
		return collyfetcher.New(sc, logger), nil
	default:
		return nil, fmt.Errorf("unknown source kind %q", cfg.Kind)
	}
}

// ID returns the configured source id.
func (f *Forum) ID() string {
	return f.cfg.ID
}

// Threads lists the configured threads with canonical URLs, dropping
// duplicates that differ only by session parameters.
func (f *Forum) Threads(ctx context.Context, filter ThreadFilter) ([]crawler.Thread, error) {
	params := f.cfg.controllerConfig().SessionParams
	idParam := f.cfg.ThreadIDParam
	if idParam == "" {
		idParam = DefaultThreadIDParam
	}
	seen := make(map[string]struct{}, len(f.cfg.Threads))
	threads := make([]crawler.Thread, 0, len(f.cfg.Threads))
	for _, spec := range f.cfg.Threads {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("list threads: %w", err)
		}
		canonical, err := crawler.CanonicalThreadURL(spec.URL, params)
		if err != nil {
			return nil, fmt.Errorf("canonicalize %s: %w", spec.URL, err)
		}
		id, err := crawler.ThreadExternalID(canonical, idParam)
		if err != nil {
			return nil, fmt.Errorf("thread id for %s: %w", spec.URL, err)
		}
		if _, dup := seen[id]; dup {
			f.logger.Debug("duplicate thread skipped", zap.String("thread", id))
			continue
		}
		seen[id] = struct{}{}
		threads = append(threads, crawler.Thread{ExternalID: id, URL: canonical, Title: spec.Title})
		if filter.MaxThreads > 0 && len(threads) >= filter.MaxThreads {
			break
		}
	}
	return threads, nil
}

// Posts walks the thread and streams each page to opts.Sink.
func (f *Forum) Posts(ctx context.Context, thread crawler.Thread, opts PostsOptions) (PostsResult, error) {
	return f.controller.Crawl(ctx, crawler.CrawlRequest{
		Thread:       thread,
		ResumeCursor: opts.ResumeCursor,
		StartPage:    opts.StartFromPage,
	}, opts.Sink)
}

// Close releases the session once; later calls return the first result.
func (f *Forum) Close() error {
	f.closeOnce.Do(func() {
		f.closeErr = f.controller.Close()
	})
	return f.closeErr
}
