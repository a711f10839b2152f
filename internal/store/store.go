package store

import (
	"context"
	"errors"
	"time"

	"github.com/JakeFAU/forum-case-harvester/internal/crawler"
)

// ErrNotFound signals that the requested record does not exist.
var ErrNotFound = errors.New("record not found")

// RunStatus mirrors the scrape_runs status column.
type RunStatus string

// Scrape run statuses persisted in scrape_runs.status.
const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// Terminal reports whether the status ends a run.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunFailed
}

// ThreadHandle is the persisted identity and resume state of a thread.
type ThreadHandle struct {
	ID              int64
	ExternalID      string
	URL             string
	Title           string
	TotalPages      int
	LastScrapedPage int
	LastScrapedAt   *time.Time
}

// PostRef is the minimal persisted view used to classify incoming posts.
type PostRef struct {
	ID          int64
	ExternalID  string
	ContentHash string
}

// NewPost pairs a post with its accepted extraction, if any.
type NewPost struct {
	Post crawler.Post
	Case *crawler.ExtractedCase
}

// StoredPost is a persisted post returned for re-extraction.
type StoredPost struct {
	ID               int64
	ThreadID         int64
	ExternalID       string
	Body             string
	ExtractorVersion string
}

// RunCounters tallies the work a scrape run performed.
type RunCounters struct {
	ThreadsFound   int `json:"threads_found"`
	ThreadsScraped int `json:"threads_scraped"`
	ThreadsFailed  int `json:"threads_failed"`
	PostsFound     int `json:"posts_found"`
	PostsScraped   int `json:"posts_scraped"`
	CasesExtracted int `json:"cases_extracted"`
}

// RunConfig records the options a scrape run was started with.
type RunConfig struct {
	SourceID         string     `json:"source_id"`
	Since            *time.Time `json:"since,omitempty"`
	MaxThreads       int        `json:"max_threads,omitempty"`
	Resume           bool       `json:"resume"`
	DryRun           bool       `json:"dry_run"`
	ExtractorVersion string     `json:"extractor_version"`
}

// ScrapeRun is one invocation of the harvester.
type ScrapeRun struct {
	ID           string
	SourceID     string
	Status       RunStatus
	StartedAt    time.Time
	CompletedAt  *time.Time
	Counters     RunCounters
	Config       RunConfig
	ErrorMessage string
	// ErrorDetails holds per-thread failures keyed by thread external id.
	ErrorDetails map[string]string
}

// Repository is the persistence boundary used by the ingestion pipeline and
// runner. All writes are natural-key upserts so retries are safe.
type Repository interface {
	// UpsertThread creates the thread on first encounter and refreshes its
	// title and URL otherwise. The returned handle carries the resume cursor.
	UpsertThread(ctx context.Context, sourceID string, thread crawler.Thread) (ThreadHandle, error)
	FindPostsByExternalIDs(ctx context.Context, threadID int64, externalIDs []string) ([]PostRef, error)
	// InsertPostsBatch writes posts and their cases in one transaction.
	// Posts that already exist are skipped.
	InsertPostsBatch(ctx context.Context, threadID int64, posts []NewPost) error
	// UpdatePost rewrites a changed post. A nil extraction removes any case.
	UpdatePost(ctx context.Context, postID int64, post crawler.Post, extracted *crawler.ExtractedCase) error
	UpsertExtractedCase(ctx context.Context, postID int64, extracted crawler.ExtractedCase) error
	DeleteExtractedCase(ctx context.Context, postID int64) error
	// UpdateThreadProgress never moves the cursor backwards and never past
	// the total page count.
	UpdateThreadProgress(ctx context.Context, threadID int64, progress crawler.Progress) error
	CreateScrapeRun(ctx context.Context, run ScrapeRun) error
	UpdateScrapeRun(ctx context.Context, run ScrapeRun) error
	// ListPostsForReextraction returns posts with id > afterID whose case is
	// missing or was produced by a different extractor version.
	ListPostsForReextraction(ctx context.Context, version string, afterID int64, limit int) ([]StoredPost, error)
	Ping(ctx context.Context) error
	Close()
}

// ClampProgress applies the cursor rules shared by every Repository: the
// cursor is monotonic and never exceeds the known total.
func ClampProgress(current ThreadHandle, progress crawler.Progress) (lastPage, totalPages int) {
	totalPages = current.TotalPages
	if progress.TotalPages > 0 {
		totalPages = progress.TotalPages
	}
	lastPage = current.LastScrapedPage
	if progress.LastScrapedPage > lastPage {
		lastPage = progress.LastScrapedPage
	}
	if totalPages > 0 && lastPage > totalPages {
		lastPage = totalPages
	}
	return lastPage, totalPages
}
