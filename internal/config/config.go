// Package config loads and validates harvester configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"

	"github.com/JakeFAU/forum-case-harvester/internal/crawler"
	collyfetcher "github.com/JakeFAU/forum-case-harvester/internal/fetcher/colly"
	"github.com/JakeFAU/forum-case-harvester/internal/fetcher/headless"
	"github.com/JakeFAU/forum-case-harvester/internal/ingest"
	"github.com/JakeFAU/forum-case-harvester/internal/parser"
	"github.com/JakeFAU/forum-case-harvester/internal/source"
)

// EnvPrefix prefixes environment overrides, e.g. HARVEST_DB_DSN.
const EnvPrefix = "HARVEST"

// Archive backends.
const (
	ArchiveNone   = "none"
	ArchiveMemory = "memory"
	ArchiveLocal  = "local"
	ArchiveGCS    = "gcs"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Logging  LoggingConfig  `mapstructure:"logging"`
	DB       DBConfig       `mapstructure:"db"`
	Source   SourceConfig   `mapstructure:"source"`
	Crawl    CrawlConfig    `mapstructure:"crawl"`
	Ingest   IngestConfig   `mapstructure:"ingest"`
	Archive  ArchiveConfig  `mapstructure:"archive"`
	PubSub   PubSubConfig   `mapstructure:"pubsub"`
	Server   ServerConfig   `mapstructure:"server"`
	Schedule ScheduleConfig `mapstructure:"schedule"`
}

// LoggingConfig toggles zap development features and the level.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// DBConfig controls access to Postgres. An empty DSN selects the in-memory
// repository.
type DBConfig struct {
	DSN             string        `mapstructure:"dsn"`
	Schema          string        `mapstructure:"schema"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	EnsureSchema    bool          `mapstructure:"ensure_schema"`
}

// SourceConfig describes the forum being harvested.
type SourceConfig struct {
	ID            string              `mapstructure:"id"`
	Kind          string              `mapstructure:"kind"`
	Timezone      string              `mapstructure:"timezone"`
	Threads       []source.ThreadSpec `mapstructure:"threads"`
	SessionParams []string            `mapstructure:"session_params"`
	PageSize      int                 `mapstructure:"page_size"`
	OffsetParam   string              `mapstructure:"offset_param"`
	ThreadIDParam string              `mapstructure:"thread_id_param"`
	Selectors     parser.Selectors    `mapstructure:"selectors"`
	Headless      HeadlessConfig      `mapstructure:"headless"`
	Static        StaticConfig        `mapstructure:"static"`
}

// HeadlessConfig configures the chromedp session.
type HeadlessConfig struct {
	ExecPath          string                 `mapstructure:"exec_path"`
	Headless          bool                   `mapstructure:"headless"`
	UserAgent         string                 `mapstructure:"user_agent"`
	NavigationTimeout time.Duration          `mapstructure:"navigation_timeout"`
	WaitSelector      string                 `mapstructure:"wait_selector"`
	Obstructions      []headless.Obstruction `mapstructure:"obstructions"`
}

// StaticConfig configures the colly session.
type StaticConfig struct {
	UserAgent     string        `mapstructure:"user_agent"`
	Timeout       time.Duration `mapstructure:"timeout"`
	RespectRobots bool          `mapstructure:"respect_robots"`
}

// CrawlConfig governs the per-thread page loop.
type CrawlConfig struct {
	PageTimeout            time.Duration `mapstructure:"page_timeout"`
	JitterMin              time.Duration `mapstructure:"jitter_min"`
	JitterMax              time.Duration `mapstructure:"jitter_max"`
	MaxConsecutiveFailures int           `mapstructure:"max_consecutive_failures"`
}

// IngestConfig tunes write batching and retries.
type IngestConfig struct {
	BatchSize          int           `mapstructure:"batch_size"`
	CheckpointEvery    int           `mapstructure:"checkpoint_every"`
	WriteAttempts      int           `mapstructure:"write_attempts"`
	CheckpointAttempts int           `mapstructure:"checkpoint_attempts"`
	RetryBase          time.Duration `mapstructure:"retry_base"`
	RetryMax           time.Duration `mapstructure:"retry_max"`
}

// ArchiveConfig selects where raw pages are kept.
type ArchiveConfig struct {
	Backend string `mapstructure:"backend"`
	Dir     string `mapstructure:"dir"`
	Bucket  string `mapstructure:"bucket"`
	Prefix  string `mapstructure:"prefix"`
}

// PubSubConfig holds metadata for case notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// ServerConfig controls the ops HTTP server. Port 0 disables it.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// ScheduleConfig enables recurring runs. An empty Cron means one-shot.
type ScheduleConfig struct {
	Cron string `mapstructure:"cron"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.schema", "public")
	v.SetDefault("db.max_conns", 4)
	v.SetDefault("db.min_conns", 0)
	v.SetDefault("db.max_conn_lifetime", time.Hour)
	v.SetDefault("db.ensure_schema", false)

	v.SetDefault("source.id", "ukvisa-ilr")
	v.SetDefault("source.kind", string(source.KindHeadless))
	v.SetDefault("source.timezone", "UTC")
	v.SetDefault("source.session_params", crawler.DefaultSessionParams)
	v.SetDefault("source.page_size", 15)
	v.SetDefault("source.offset_param", "start")
	v.SetDefault("source.thread_id_param", source.DefaultThreadIDParam)
	sel := parser.DefaultSelectors()
	v.SetDefault("source.selectors.post", sel.Post)
	v.SetDefault("source.selectors.body", sel.Body)
	v.SetDefault("source.selectors.author", sel.Author)
	v.SetDefault("source.selectors.datetime", sel.DateTime)
	v.SetDefault("source.selectors.quote", sel.Quote)
	v.SetDefault("source.selectors.pagination", sel.Pagination)
	v.SetDefault("source.selectors.anchor", sel.Anchor)
	v.SetDefault("source.headless.headless", true)
	v.SetDefault("source.headless.navigation_timeout", headless.DefaultNavigationTimeout)
	v.SetDefault("source.static.timeout", 20*time.Second)
	v.SetDefault("source.static.respect_robots", true)

	v.SetDefault("crawl.page_timeout", crawler.DefaultPageTimeout)
	v.SetDefault("crawl.jitter_min", 3*time.Second)
	v.SetDefault("crawl.jitter_max", 6*time.Second)
	v.SetDefault("crawl.max_consecutive_failures", crawler.DefaultMaxConsecutiveFailures)

	v.SetDefault("ingest.batch_size", ingest.DefaultBatchSize)
	v.SetDefault("ingest.checkpoint_every", ingest.DefaultCheckpointEvery)
	v.SetDefault("ingest.write_attempts", ingest.DefaultWriteAttempts)
	v.SetDefault("ingest.checkpoint_attempts", ingest.DefaultCheckpointAttempts)
	v.SetDefault("ingest.retry_base", ingest.DefaultRetryBase)
	v.SetDefault("ingest.retry_max", ingest.DefaultRetryMax)

	v.SetDefault("archive.backend", ArchiveNone)
	v.SetDefault("archive.prefix", ingest.DefaultArchivePrefix)
	v.SetDefault("server.port", 0)
	v.SetDefault("schedule.cron", "")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Logging.Level != "" {
		if _, err := zapcore.ParseLevel(c.Logging.Level); err != nil {
			return fmt.Errorf("logging.level: %w", err)
		}
	}
	if c.DB.MaxConns < 0 || c.DB.MinConns < 0 {
		return fmt.Errorf("db.max_conns and db.min_conns must be >= 0")
	}
	if c.DB.MaxConns > 0 && c.DB.MinConns > c.DB.MaxConns {
		return fmt.Errorf("db.min_conns must not exceed db.max_conns")
	}
	if c.DB.EnsureSchema && c.DB.DSN == "" {
		return fmt.Errorf("db.ensure_schema requires db.dsn")
	}
	if _, err := c.AdapterConfig(); err != nil {
		return err
	}
	if c.Crawl.PageTimeout < 0 || c.Crawl.JitterMin < 0 {
		return fmt.Errorf("crawl durations must be >= 0")
	}
	if c.Crawl.MaxConsecutiveFailures < 0 {
		return fmt.Errorf("crawl.max_consecutive_failures must be >= 0")
	}
	if c.Ingest.BatchSize < 0 || c.Ingest.CheckpointEvery < 0 ||
		c.Ingest.WriteAttempts < 0 || c.Ingest.CheckpointAttempts < 0 {
		return fmt.Errorf("ingest sizes and attempts must be >= 0")
	}
	switch c.Archive.Backend {
	case "", ArchiveNone, ArchiveMemory:
	case ArchiveLocal:
		if strings.TrimSpace(c.Archive.Dir) == "" {
			return fmt.Errorf("archive.dir is required for the local backend")
		}
	case ArchiveGCS:
		if strings.TrimSpace(c.Archive.Bucket) == "" {
			return fmt.Errorf("archive.bucket is required for the gcs backend")
		}
	default:
		return fmt.Errorf("archive.backend %q is not one of none, memory, local, gcs", c.Archive.Backend)
	}
	if c.PubSub.Topic != "" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id must be set when pubsub.topic is set")
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 0 and 65535")
	}
	if c.Schedule.Cron != "" {
		if _, err := cron.ParseStandard(c.Schedule.Cron); err != nil {
			return fmt.Errorf("schedule.cron: %w", err)
		}
	}
	return nil
}

// AdapterConfig converts the source section into the typed adapter union.
func (c Config) AdapterConfig() (source.Config, error) {
	loc := time.UTC
	if tz := strings.TrimSpace(c.Source.Timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return source.Config{}, fmt.Errorf("source.timezone: %w", err)
		}
		loc = l
	}
	out := source.Config{
		ID:            c.Source.ID,
		Kind:          source.Kind(strings.ToLower(strings.TrimSpace(c.Source.Kind))),
		Threads:       c.Source.Threads,
		SessionParams: c.Source.SessionParams,
		PageSize:      c.Source.PageSize,
		OffsetParam:   c.Source.OffsetParam,
		ThreadIDParam: c.Source.ThreadIDParam,
		Selectors:     c.Source.Selectors,
		Location:      loc,
		Crawl: source.CrawlConfig{
			PageTimeout:            c.Crawl.PageTimeout,
			JitterMin:              c.Crawl.JitterMin,
			JitterMax:              c.Crawl.JitterMax,
			MaxConsecutiveFailures: c.Crawl.MaxConsecutiveFailures,
		},
	}
	switch out.Kind {
	case source.KindHeadless:
		h := c.Source.Headless
		out.Headless = &headless.Config{
			ExecPath:          h.ExecPath,
			Headless:          h.Headless,
			UserAgent:         h.UserAgent,
			NavigationTimeout: h.NavigationTimeout,
			WaitSelector:      h.WaitSelector,
			Obstructions:      h.Obstructions,
		}
	case source.KindStatic:
		s := c.Source.Static
		out.Static = &collyfetcher.Config{
			UserAgent:     s.UserAgent,
			RespectRobots: s.RespectRobots,
			Timeout:       s.Timeout,
		}
	}
	if err := out.Validate(); err != nil {
		return source.Config{}, fmt.Errorf("source: %w", err)
	}
	return out, nil
}

// IngestConfig converts the ingest section for the pipeline. Run-level
// switches (since, dry run) are applied by the runner.
func (c Config) IngestConfig() ingest.Config {
	cfg := ingest.Config{
		SourceID:           c.Source.ID,
		BatchSize:          c.Ingest.BatchSize,
		CheckpointEvery:    c.Ingest.CheckpointEvery,
		WriteAttempts:      c.Ingest.WriteAttempts,
		CheckpointAttempts: c.Ingest.CheckpointAttempts,
		RetryBase:          c.Ingest.RetryBase,
		RetryMax:           c.Ingest.RetryMax,
		ArchivePrefix:      c.Archive.Prefix,
	}
	if c.PubSub.ProjectID != "" {
		cfg.Topic = c.PubSub.Topic
	}
	return cfg
}
