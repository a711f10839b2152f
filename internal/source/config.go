// Package source adapts a configured forum into crawlable threads. Each
// adapter variant pairs a transport (browser or plain HTTP) with the shared
// page controller and parser.
package source

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/JakeFAU/forum-case-harvester/internal/crawler"
	collyfetcher "github.com/JakeFAU/forum-case-harvester/internal/fetcher/colly"
	"github.com/JakeFAU/forum-case-harvester/internal/fetcher/headless"
	"github.com/JakeFAU/forum-case-harvester/internal/parser"
)

// Kind selects the adapter variant.
type Kind string

// Supported adapter kinds.
const (
	KindHeadless Kind = "headless"
	KindStatic   Kind = "static"
)

// DefaultThreadIDParam is the phpBB topic query parameter.
const DefaultThreadIDParam = "t"

// ThreadSpec names one thread to harvest.
type ThreadSpec struct {
	URL   string `mapstructure:"url"`
	Title string `mapstructure:"title"`
}

// CrawlConfig tunes the page loop shared by all kinds.
type CrawlConfig struct {
	PageTimeout            time.Duration
	JitterMin              time.Duration
	JitterMax              time.Duration
	MaxConsecutiveFailures int
}

// Config is a tagged union: Kind decides which of Headless or Static is set.
type Config struct {
	ID            string
	Kind          Kind
	Threads       []ThreadSpec
	SessionParams []string
	PageSize      int
	OffsetParam   string
	ThreadIDParam string
	Selectors     parser.Selectors
	Location      *time.Location
	Crawl         CrawlConfig

	Headless *headless.Config
	Static   *collyfetcher.Config
}

// Validate checks the union and the thread list.
func (c Config) Validate() error {
	if strings.TrimSpace(c.ID) == "" {
		return fmt.Errorf("source id is required")
	}
	switch c.Kind {
	case KindHeadless:
		if c.Headless == nil {
			return fmt.Errorf("source %s: kind %q requires headless settings", c.ID, c.Kind)
		}
		if c.Static != nil {
			return fmt.Errorf("source %s: kind %q must not carry static settings", c.ID, c.Kind)
		}
	case KindStatic:
		if c.Static == nil {
			return fmt.Errorf("source %s: kind %q requires static settings", c.ID, c.Kind)
		}
		if c.Headless != nil {
			return fmt.Errorf("source %s: kind %q must not carry headless settings", c.ID, c.Kind)
		}
	default:
		return fmt.Errorf("source %s: unknown kind %q", c.ID, c.Kind)
	}
	if len(c.Threads) == 0 {
		return fmt.Errorf("source %s: at least one thread is required", c.ID)
	}
	for i, t := range c.Threads {
		u, err := url.Parse(t.URL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("source %s: thread %d has invalid url %q", c.ID, i, t.URL)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("source %s: thread %d must use http(s), got %q", c.ID, i, u.Scheme)
		}
	}
	if c.PageSize < 0 {
		return fmt.Errorf("source %s: page size must be >= 0", c.ID)
	}
	if c.Crawl.JitterMax < c.Crawl.JitterMin {
		return fmt.Errorf("source %s: jitter max must be >= jitter min", c.ID)
	}
	return nil
}

func (c Config) controllerConfig() crawler.ControllerConfig {
	params := c.SessionParams
	if len(params) == 0 {
		params = crawler.DefaultSessionParams
	}
	return crawler.ControllerConfig{
		SourceID:               c.ID,
		PageSize:               c.PageSize,
		OffsetParam:            c.OffsetParam,
		SessionParams:          params,
		PageTimeout:            c.Crawl.PageTimeout,
		JitterMin:              c.Crawl.JitterMin,
		JitterMax:              c.Crawl.JitterMax,
		MaxConsecutiveFailures: c.Crawl.MaxConsecutiveFailures,
	}
}
