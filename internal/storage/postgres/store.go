// Package postgres implements store.Repository on Postgres using pgx.
package postgres

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/forum-case-harvester/internal/crawler"
	"github.com/JakeFAU/forum-case-harvester/internal/store"
)

//go:embed schema.sql
var schemaSQL string

var validSchemaName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	Schema          string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pgxPool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Begin(context.Context) (pgx.Tx, error)
	Ping(context.Context) error
	Close()
}

// Store persists threads, posts, cases and runs.
type Store struct {
	pool   pgxPool
	schema string
}

var _ store.Repository = (*Store)(nil)

// New connects a pool using cfg.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	schema, err := schemaName(cfg.Schema)
	if err != nil {
		return nil, err
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool, schema: schema}, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(pool pgxPool, schema string) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	name, err := schemaName(schema)
	if err != nil {
		return nil, err
	}
	return &Store{pool: pool, schema: name}, nil
}

func schemaName(schema string) (string, error) {
	if schema == "" {
		return "public", nil
	}
	if !validSchemaName.MatchString(schema) {
		return "", fmt.Errorf("invalid schema name %q", schema)
	}
	return schema, nil
}

func (s *Store) table(name string) string {
	return s.schema + "." + name
}

// EnsureSchema creates the tables if they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	ddl := strings.ReplaceAll(schemaSQL, "{{schema}}", s.schema)
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("ensure schema: %w", classify(err))
	}
	return nil
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// classify marks errors that retrying cannot fix: integrity violations, bad
// data and bad SQL.
func classify(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch {
	case strings.HasPrefix(pgErr.Code, "22"),
		strings.HasPrefix(pgErr.Code, "23"),
		strings.HasPrefix(pgErr.Code, "42"):
		return crawler.Permanent(err)
	default:
		return err
	}
}

func (s *Store) inTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", classify(err))
	}
	return nil
}

// UpsertThread inserts the thread or refreshes its url, title and page hint.
func (s *Store) UpsertThread(ctx context.Context, sourceID string, thread crawler.Thread) (store.ThreadHandle, error) {
	if thread.ExternalID == "" {
		return store.ThreadHandle{}, crawler.Permanent(fmt.Errorf("thread external id is required"))
	}
	query := fmt.Sprintf(`
INSERT INTO %[1]s (source_id, external_id, url, title, total_pages)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (source_id, external_id) DO UPDATE SET
	url = EXCLUDED.url,
	title = COALESCE(NULLIF(EXCLUDED.title, ''), %[1]s.title),
	total_pages = GREATEST(%[1]s.total_pages, EXCLUDED.total_pages),
	updated_at = now()
RETURNING id, external_id, url, title, total_pages, last_scraped_page, last_scraped_at`, s.table("threads"))

	var h store.ThreadHandle
	err := s.pool.QueryRow(ctx, query, sourceID, thread.ExternalID, thread.URL, thread.Title, thread.TotalPages).
		Scan(&h.ID, &h.ExternalID, &h.URL, &h.Title, &h.TotalPages, &h.LastScrapedPage, &h.LastScrapedAt)
	if err != nil {
		return store.ThreadHandle{}, fmt.Errorf("upsert thread: %w", classify(err))
	}
	return h, nil
}

// FindPostsByExternalIDs returns the stored hashes for the given ids.
func (s *Store) FindPostsByExternalIDs(ctx context.Context, threadID int64, externalIDs []string) ([]store.PostRef, error) {
	if len(externalIDs) == 0 {
		return nil, nil
	}
	query := fmt.Sprintf(`
SELECT id, external_id, content_hash FROM %s
WHERE thread_id = $1 AND external_id = ANY($2)`, s.table("posts"))
	rows, err := s.pool.Query(ctx, query, threadID, externalIDs)
	if err != nil {
		return nil, fmt.Errorf("find posts: %w", classify(err))
	}
	defer rows.Close()
	refs := make([]store.PostRef, 0, len(externalIDs))
	for rows.Next() {
		var ref store.PostRef
		if err := rows.Scan(&ref.ID, &ref.ExternalID, &ref.ContentHash); err != nil {
			return nil, fmt.Errorf("scan post ref: %w", err)
		}
		refs = append(refs, ref)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate post refs: %w", classify(err))
	}
	return refs, nil
}

// InsertPostsBatch inserts posts and their cases in one transaction. Posts
// already present are left untouched.
func (s *Store) InsertPostsBatch(ctx context.Context, threadID int64, posts []store.NewPost) error {
	if len(posts) == 0 {
		return nil
	}
	query := fmt.Sprintf(`
INSERT INTO %s (thread_id, external_id, author, body, content_hash, page, posted_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (thread_id, external_id) DO NOTHING
RETURNING id`, s.table("posts"))

	err := s.inTx(ctx, func(tx pgx.Tx) error {
		for _, np := range posts {
			p := np.Post
			var id int64
			err := tx.QueryRow(ctx, query, threadID, p.ExternalID, p.Author, p.Body, p.ContentHash, p.Page, p.PostedAt).
				Scan(&id)
			if errors.Is(err, pgx.ErrNoRows) {
				continue
			}
			if err != nil {
				return fmt.Errorf("insert post %s: %w", p.ExternalID, classify(err))
			}
			if np.Case == nil {
				continue
			}
			if err := s.upsertCase(ctx, tx, id, *np.Case); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("insert posts batch: %w", err)
	}
	return nil
}

// UpdatePost rewrites a changed post and replaces or removes its case.
func (s *Store) UpdatePost(ctx context.Context, postID int64, post crawler.Post, extracted *crawler.ExtractedCase) error {
	query := fmt.Sprintf(`
UPDATE %s SET
	body = $2,
	content_hash = $3,
	posted_at = $4,
	author = COALESCE(NULLIF($5, ''), author),
	updated_at = now()
WHERE id = $1`, s.table("posts"))

	err := s.inTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, query, postID, post.Body, post.ContentHash, post.PostedAt, post.Author)
		if err != nil {
			return classify(err)
		}
		if tag.RowsAffected() == 0 {
			return crawler.Permanent(fmt.Errorf("post %d: %w", postID, store.ErrNotFound))
		}
		if extracted == nil {
			return s.deleteCase(ctx, tx, postID)
		}
		return s.upsertCase(ctx, tx, postID, *extracted)
	})
	if err != nil {
		return fmt.Errorf("update post: %w", err)
	}
	return nil
}

type execer interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
}

func (s *Store) upsertCase(ctx context.Context, db execer, postID int64, c crawler.ExtractedCase) error {
	query := fmt.Sprintf(`
INSERT INTO %s (
	post_id,
	application_type,
	application_route,
	application_date,
	biometrics_date,
	decision_date,
	waiting_days,
	service_center,
	outcome,
	confidence,
	notes,
	extractor_version,
	extracted_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13
)
ON CONFLICT (post_id) DO UPDATE SET
	application_type = EXCLUDED.application_type,
	application_route = EXCLUDED.application_route,
	application_date = EXCLUDED.application_date,
	biometrics_date = EXCLUDED.biometrics_date,
	decision_date = EXCLUDED.decision_date,
	waiting_days = EXCLUDED.waiting_days,
	service_center = EXCLUDED.service_center,
	outcome = EXCLUDED.outcome,
	confidence = EXCLUDED.confidence,
	notes = EXCLUDED.notes,
	extractor_version = EXCLUDED.extractor_version,
	extracted_at = EXCLUDED.extracted_at`, s.table("extracted_cases"))

	args := []any{
		postID,
		c.ApplicationType,
		c.ApplicationRoute,
		c.ApplicationDate,
		c.BiometricsDate,
		c.DecisionDate,
		c.WaitingDays,
		c.ServiceCenter,
		string(c.Outcome),
		c.Confidence,
		c.Notes,
		c.ExtractorVersion,
		c.ExtractedAt,
	}
	if _, err := db.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert case for post %d: %w", postID, classify(err))
	}
	return nil
}

func (s *Store) deleteCase(ctx context.Context, db execer, postID int64) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE post_id = $1`, s.table("extracted_cases"))
	if _, err := db.Exec(ctx, query, postID); err != nil {
		return fmt.Errorf("delete case for post %d: %w", postID, classify(err))
	}
	return nil
}

// UpsertExtractedCase stores the case for a post.
func (s *Store) UpsertExtractedCase(ctx context.Context, postID int64, extracted crawler.ExtractedCase) error {
	return s.upsertCase(ctx, s.pool, postID, extracted)
}

// DeleteExtractedCase removes a post's case if present.
func (s *Store) DeleteExtractedCase(ctx context.Context, postID int64) error {
	return s.deleteCase(ctx, s.pool, postID)
}

// UpdateThreadProgress moves the resume cursor forward, clamped to the total.
func (s *Store) UpdateThreadProgress(ctx context.Context, threadID int64, progress crawler.Progress) error {
	query := fmt.Sprintf(`
UPDATE %s SET
	total_pages = CASE WHEN $2::int > 0 THEN $2::int ELSE total_pages END,
	last_scraped_page = CASE
		WHEN (CASE WHEN $2::int > 0 THEN $2::int ELSE total_pages END) > 0
			THEN LEAST(GREATEST(last_scraped_page, $3::int), CASE WHEN $2::int > 0 THEN $2::int ELSE total_pages END)
		ELSE GREATEST(last_scraped_page, $3::int)
	END,
	last_scraped_at = now(),
	updated_at = now()
WHERE id = $1`, s.table("threads"))

	tag, err := s.pool.Exec(ctx, query, threadID, progress.TotalPages, progress.LastScrapedPage)
	if err != nil {
		return fmt.Errorf("update thread progress: %w", classify(err))
	}
	if tag.RowsAffected() == 0 {
		return crawler.Permanent(fmt.Errorf("thread %d: %w", threadID, store.ErrNotFound))
	}
	return nil
}

// CreateScrapeRun inserts a run row.
func (s *Store) CreateScrapeRun(ctx context.Context, run store.ScrapeRun) error {
	counters, err := json.Marshal(run.Counters)
	if err != nil {
		return fmt.Errorf("marshal counters: %w", err)
	}
	cfg, err := json.Marshal(run.Config)
	if err != nil {
		return fmt.Errorf("marshal run config: %w", err)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (id, source_id, status, started_at, counters, config)
VALUES ($1, $2, $3, $4, $5, $6)`, s.table("scrape_runs"))
	if _, err := s.pool.Exec(ctx, query, run.ID, run.SourceID, string(run.Status), run.StartedAt, counters, cfg); err != nil {
		return fmt.Errorf("insert scrape run: %w", classify(err))
	}
	return nil
}

// UpdateScrapeRun writes status, counters and errors for a run.
func (s *Store) UpdateScrapeRun(ctx context.Context, run store.ScrapeRun) error {
	counters, err := json.Marshal(run.Counters)
	if err != nil {
		return fmt.Errorf("marshal counters: %w", err)
	}
	var details []byte
	if len(run.ErrorDetails) > 0 {
		details, err = json.Marshal(run.ErrorDetails)
		if err != nil {
			return fmt.Errorf("marshal error details: %w", err)
		}
	}
	var errMsg *string
	if run.ErrorMessage != "" {
		errMsg = &run.ErrorMessage
	}
	query := fmt.Sprintf(`
UPDATE %s SET
	status = $2,
	completed_at = $3,
	counters = $4,
	error_message = $5,
	error_details = $6
WHERE id = $1`, s.table("scrape_runs"))
	tag, err := s.pool.Exec(ctx, query, run.ID, string(run.Status), run.CompletedAt, counters, errMsg, details)
	if err != nil {
		return fmt.Errorf("update scrape run: %w", classify(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("scrape run %s: %w", run.ID, store.ErrNotFound)
	}
	return nil
}

// ListPostsForReextraction pages through posts whose case is missing or
// was produced by a different extractor version.
func (s *Store) ListPostsForReextraction(ctx context.Context, version string, afterID int64, limit int) ([]store.StoredPost, error) {
	query := fmt.Sprintf(`
SELECT p.id, p.thread_id, p.external_id, p.body, COALESCE(c.extractor_version, '')
FROM %s p
LEFT JOIN %s c ON c.post_id = p.id
WHERE p.id > $2 AND c.extractor_version IS DISTINCT FROM $1
ORDER BY p.id
LIMIT $3`, s.table("posts"), s.table("extracted_cases"))
	rows, err := s.pool.Query(ctx, query, version, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("list posts for reextraction: %w", classify(err))
	}
	defer rows.Close()
	var out []store.StoredPost
	for rows.Next() {
		var p store.StoredPost
		if err := rows.Scan(&p.ID, &p.ThreadID, &p.ExternalID, &p.Body, &p.ExtractorVersion); err != nil {
			return nil, fmt.Errorf("scan stored post: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stored posts: %w", classify(err))
	}
	return out, nil
}
