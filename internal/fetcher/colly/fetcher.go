// Package collyfetcher implements crawler.Session over plain HTTP using
// gocolly, for forums that render their threads server-side.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/forum-case-harvester/internal/crawler"
)

// Defaults applied by New.
const (
	DefaultTimeout      = 20 * time.Second
	DefaultWaitSelector = "div.post"
)

var errNotOpen = errors.New("session is not open")

// Config controls collector behavior.
type Config struct {
	UserAgent     string
	RespectRobots bool
	Timeout       time.Duration
	// WaitSelector must match at least once or the page counts as failed.
	WaitSelector string
}

// Session implements crawler.Session using a Colly collector. The collector
// keeps a cookie jar, so a session id issued on page 1 is reused.
type Session struct {
	cfg       Config
	transport http.RoundTripper
	logger    *zap.Logger

	mu   sync.Mutex
	base *colly.Collector
}

var _ crawler.Session = (*Session)(nil)

type collectorHooks interface {
	OnResponse(colly.ResponseCallback)
	OnHTML(string, colly.HTMLCallback)
	OnError(colly.ErrorCallback)
}

// New builds an unopened Session.
func New(cfg Config, logger *zap.Logger) *Session {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if strings.TrimSpace(cfg.WaitSelector) == "" {
		cfg.WaitSelector = DefaultWaitSelector
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Session{
		cfg:       cfg,
		transport: newHTTPTransport(),
		logger:    logger.Named("static"),
	}
}

// Open creates the collector. Calling Open twice is a no-op.
func (s *Session) Open(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.base == nil {
		s.base = s.newCollector()
	}
	return nil
}

// Relaunch discards the collector and its cookies.
func (s *Session) Relaunch(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.base = s.newCollector()
	s.logger.Info("http session relaunched")
	return nil
}

// Close drops the collector. It is safe to call repeatedly.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.base = nil
	return nil
}

func (s *Session) newCollector() *colly.Collector {
	c := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	if s.cfg.UserAgent != "" {
		c.UserAgent = s.cfg.UserAgent
	}
	c.IgnoreRobotsTxt = !s.cfg.RespectRobots
	c.SetRequestTimeout(s.cfg.Timeout)
	c.WithTransport(s.transport)
	return c
}

type pageState struct {
	snapshot  crawler.PageSnapshot
	container bool
	err       error
}

// LoadPage fetches pageURL and returns the body once the post container
// selector has matched.
func (s *Session) LoadPage(ctx context.Context, pageURL string) (crawler.PageSnapshot, error) {
	s.mu.Lock()
	base := s.base
	s.mu.Unlock()
	if base == nil {
		return crawler.PageSnapshot{}, crawler.SessionDead(errNotOpen)
	}

	collector := base.Clone()
	state := &pageState{}
	start := time.Now()
	s.configureCollectorHooks(collector, pageURL, start, state)

	if err := runCollector(ctx, collector, pageURL); err != nil {
		if ctx.Err() == nil && state.err != nil {
			return crawler.PageSnapshot{}, fmt.Errorf("colly response failed: %w", state.err)
		}
		return crawler.PageSnapshot{}, err
	}
	if state.err != nil {
		return crawler.PageSnapshot{}, fmt.Errorf("colly response failed: %w", state.err)
	}
	if !state.container {
		return crawler.PageSnapshot{}, fmt.Errorf("load %s: post container %q not found", pageURL, s.cfg.WaitSelector)
	}
	return state.snapshot, nil
}

func (s *Session) configureCollectorHooks(hooks collectorHooks, pageURL string, start time.Time, state *pageState) {
	hooks.OnResponse(func(r *colly.Response) {
		state.snapshot = crawler.PageSnapshot{
			URL:      pageURL,
			FinalURL: r.Request.URL.String(),
			HTML:     string(r.Body),
			Duration: time.Since(start),
		}
	})
	hooks.OnHTML(s.cfg.WaitSelector, func(*colly.HTMLElement) {
		state.container = true
	})
	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode != 0 {
			err = fmt.Errorf("http status %d: %w", r.StatusCode, err)
		}
		state.err = err
	})
}

func runCollector(ctx context.Context, collector *colly.Collector, url string) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		// Visit takes no context and may still be running. Its hooks only
		// write the per-call pageState, which the caller drops with this
		// error, and done is buffered so the goroutine never blocks.
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		return nil
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
	}
}
