// Package headless implements the browser-backed crawler.Session used for
// forums that render behind consent walls or scripts.
package headless

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/forum-case-harvester/internal/crawler"
)

// Defaults applied by New.
const (
	DefaultNavigationTimeout = 45 * time.Second
	DefaultWaitSelector      = "div.post"
)

// Obstruction is a transient overlay that must be clicked away before the
// posts are visible, such as a cookie consent dialog.
type Obstruction struct {
	Name     string `mapstructure:"name"`
	Selector string `mapstructure:"selector"`
}

// DefaultObstructions covers the consent banners seen on phpBB boards.
func DefaultObstructions() []Obstruction {
	return []Obstruction{
		{Name: "cookie-consent", Selector: "#cookie-consent button.accept, .cc-window .cc-allow, .cc-btn.cc-dismiss"},
		{Name: "consent-dialog", Selector: ".fc-consent-root .fc-cta-consent, #onetrust-accept-btn-handler"},
		{Name: "overlay-close", Selector: ".modal.show [data-dismiss='modal'], .overlay .close"},
	}
}

// Config controls the browser session.
type Config struct {
	ExecPath          string
	Headless          bool
	UserAgent         string
	NavigationTimeout time.Duration
	// WaitSelector must be visible before the DOM is captured.
	WaitSelector string
	Obstructions []Obstruction
}

// Session drives one Chrome instance. Each page is loaded in a fresh tab of
// the same browser so cookies and consent choices carry across pages.
type Session struct {
	cfg    Config
	logger *zap.Logger

	mu            sync.Mutex
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc
	dismissed     map[string]bool
}

var _ crawler.Session = (*Session)(nil)

// New validates cfg and returns an unopened Session.
func New(cfg Config, logger *zap.Logger) (*Session, error) {
	if cfg.NavigationTimeout < 0 {
		return nil, fmt.Errorf("navigation timeout must be >= 0")
	}
	if cfg.NavigationTimeout == 0 {
		cfg.NavigationTimeout = DefaultNavigationTimeout
	}
	if strings.TrimSpace(cfg.WaitSelector) == "" {
		cfg.WaitSelector = DefaultWaitSelector
	}
	if cfg.Obstructions == nil {
		cfg.Obstructions = DefaultObstructions()
	}
	for i, o := range cfg.Obstructions {
		if strings.TrimSpace(o.Selector) == "" {
			return nil, fmt.Errorf("obstruction %d (%s) has no selector", i, o.Name)
		}
		if o.Name == "" {
			cfg.Obstructions[i].Name = o.Selector
		}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Session{
		cfg:       cfg,
		logger:    logger.Named("headless"),
		dismissed: make(map[string]bool),
	}, nil
}

func (s *Session) allocatorOptions() []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption(nil), chromedp.DefaultExecAllocatorOptions[:]...)
	opts = append(opts,
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
		chromedp.WindowSize(1366, 900),
	)
	if !s.cfg.Headless {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	if s.cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(s.cfg.ExecPath))
	}
	if s.cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(s.cfg.UserAgent))
	}
	return opts
}

// Open launches the browser. Calling Open on an open session is a no-op.
func (s *Session) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.openLocked(ctx)
}

func (s *Session) openLocked(ctx context.Context) error {
	if s.browserCtx != nil {
		return nil
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), s.allocatorOptions()...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	warmCtx, cancelWarm := context.WithTimeout(browserCtx, s.cfg.NavigationTimeout)
	defer cancelWarm()
	stopForward := forwardCancel(ctx, cancelWarm)
	defer stopForward()
	if err := chromedp.Run(warmCtx); err != nil {
		browserCancel()
		allocCancel()
		return fmt.Errorf("chromedp warmup: %w", err)
	}
	s.allocCancel = allocCancel
	s.browserCtx = browserCtx
	s.browserCancel = browserCancel
	s.dismissed = make(map[string]bool)
	s.logger.Info("browser session opened", zap.Bool("headless", s.cfg.Headless))
	return nil
}

// Relaunch closes the browser and starts a new one. Dismissal state is
// forgotten because the new profile has no consent cookies.
func (s *Session) Relaunch(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
	if err := s.openLocked(ctx); err != nil {
		return fmt.Errorf("relaunch browser: %w", err)
	}
	s.logger.Info("browser session relaunched")
	return nil
}

// Close shuts the browser down. It is safe to call repeatedly.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
	return nil
}

func (s *Session) closeLocked() {
	if s.browserCtx == nil {
		return
	}
	s.browserCancel()
	s.allocCancel()
	s.browserCtx = nil
	s.browserCancel = nil
	s.allocCancel = nil
	s.dismissed = make(map[string]bool)
}

// LoadPage renders pageURL in a new tab and returns the DOM once the post
// container is visible.
func (s *Session) LoadPage(ctx context.Context, pageURL string) (crawler.PageSnapshot, error) {
	s.mu.Lock()
	browserCtx := s.browserCtx
	s.mu.Unlock()
	if browserCtx == nil {
		return crawler.PageSnapshot{}, crawler.SessionDead(errors.New("session is not open"))
	}
	if browserCtx.Err() != nil {
		return crawler.PageSnapshot{}, crawler.SessionDead(fmt.Errorf("browser context: %w", browserCtx.Err()))
	}

	tabCtx, cancelTab := chromedp.NewContext(browserCtx)
	defer cancelTab()
	taskCtx, cancelTask := context.WithTimeout(tabCtx, s.cfg.NavigationTimeout)
	defer cancelTask()
	stopForward := forwardCancel(ctx, cancelTask)
	defer stopForward()

	meta := &responseMeta{}
	chromedp.ListenTarget(tabCtx, meta.captureEvent)

	start := time.Now()
	var html, finalURL string
	tasks := chromedp.Tasks{
		network.Enable(),
		s.userAgentAction(),
		chromedp.Navigate(pageURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.ActionFunc(s.dismissObstructions),
		chromedp.WaitVisible(s.cfg.WaitSelector, chromedp.ByQuery),
		chromedp.Location(&finalURL),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	}
	if err := chromedp.Run(taskCtx, tasks); err != nil {
		if ctx.Err() != nil {
			return crawler.PageSnapshot{}, fmt.Errorf("load %s: %w", pageURL, ctx.Err())
		}
		return crawler.PageSnapshot{}, s.classify(browserCtx, fmt.Errorf("load %s: %w", pageURL, err))
	}
	if status := meta.status(); status >= http.StatusBadRequest {
		return crawler.PageSnapshot{}, fmt.Errorf("load %s: http status %d", pageURL, status)
	}
	if finalURL == "" {
		finalURL = pageURL
	}
	return crawler.PageSnapshot{
		URL:      pageURL,
		FinalURL: finalURL,
		HTML:     html,
		Duration: time.Since(start),
	}, nil
}

func (s *Session) userAgentAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if s.cfg.UserAgent == "" {
			return nil
		}
		if err := emulation.SetUserAgentOverride(s.cfg.UserAgent).Do(ctx); err != nil {
			return fmt.Errorf("set user-agent: %w", err)
		}
		return nil
	})
}

// pendingObstructions lists obstructions not yet dismissed this session.
func (s *Session) pendingObstructions() []Obstruction {
	s.mu.Lock()
	defer s.mu.Unlock()
	var pending []Obstruction
	for _, o := range s.cfg.Obstructions {
		if !s.dismissed[o.Name] {
			pending = append(pending, o)
		}
	}
	return pending
}

func (s *Session) markDismissed(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dismissed[name] = true
}

func (s *Session) dismissObstructions(ctx context.Context) error {
	for _, o := range s.pendingObstructions() {
		script, err := clickScript(o.Selector)
		if err != nil {
			return err
		}
		var clicked bool
		if err := chromedp.Evaluate(script, &clicked).Do(ctx); err != nil {
			return fmt.Errorf("dismiss %s: %w", o.Name, err)
		}
		if clicked {
			s.markDismissed(o.Name)
			s.logger.Debug("obstruction dismissed", zap.String("obstruction", o.Name))
		}
	}
	return nil
}

// clickScript builds a snippet that clicks the first match of selector and
// reports whether anything was clicked.
func clickScript(selector string) (string, error) {
	quoted, err := json.Marshal(selector)
	if err != nil {
		return "", fmt.Errorf("encode selector: %w", err)
	}
	return fmt.Sprintf(`(() => { const el = document.querySelector(%s); if (!el) { return false; } el.click(); return true; })()`, quoted), nil
}

var deadSignatures = []string{
	"target closed",
	"session closed",
	"websocket",
	"broken pipe",
	"connection reset",
	"connection refused",
	"no such target",
	"browser has disconnected",
}

// classify marks err as session-fatal when the browser or the protocol
// connection is gone.
func (s *Session) classify(browserCtx context.Context, err error) error {
	if isDead(browserCtx, err) {
		return crawler.SessionDead(err)
	}
	return err
}

func isDead(browserCtx context.Context, err error) bool {
	if err == nil {
		return false
	}
	if browserCtx != nil && browserCtx.Err() != nil {
		return true
	}
	if errors.Is(err, chromedp.ErrChannelClosed) ||
		errors.Is(err, chromedp.ErrInvalidTarget) ||
		errors.Is(err, chromedp.ErrInvalidContext) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, sig := range deadSignatures {
		if strings.Contains(msg, sig) {
			return true
		}
	}
	return false
}

func forwardCancel(parent context.Context, cancel context.CancelFunc) func() {
	if parent == nil {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-parent.Done():
			cancel()
		case <-done:
		}
	}()
	return func() { close(done) }
}

// responseMeta records the status of the main document response.
type responseMeta struct {
	mu         sync.Mutex
	statusCode int
}

func (m *responseMeta) captureEvent(ev any) {
	resp, ok := ev.(*network.EventResponseReceived)
	if !ok || resp.Type != network.ResourceTypeDocument || resp.Response == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.statusCode == 0 {
		m.statusCode = int(resp.Response.Status)
	}
}

func (m *responseMeta) status() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statusCode
}
