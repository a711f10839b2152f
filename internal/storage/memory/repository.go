package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/forum-case-harvester/internal/crawler"
	"github.com/JakeFAU/forum-case-harvester/internal/store"
)

type threadKey struct {
	sourceID   string
	externalID string
}

type postRow struct {
	id       int64
	threadID int64
	post     crawler.Post
	updated  time.Time
}

// Repository provides an in-memory store.Repository for development, dry
// runs and tests. It keeps the same natural-key semantics as Postgres.
type Repository struct {
	mu sync.RWMutex

	nextThreadID int64
	nextPostID   int64

	threadIDs map[threadKey]int64
	threads   map[int64]store.ThreadHandle
	posts     map[int64]*postRow
	// postIDs indexes posts by thread and external id.
	postIDs map[int64]map[string]int64
	cases   map[int64]crawler.ExtractedCase
	runs    map[string]store.ScrapeRun

	// failures injects errors per operation name for tests.
	failures map[string][]error
}

var _ store.Repository = (*Repository)(nil)

// NewRepository constructs an empty Repository.
func NewRepository() *Repository {
	return &Repository{
		threadIDs: make(map[threadKey]int64),
		threads:   make(map[int64]store.ThreadHandle),
		posts:     make(map[int64]*postRow),
		postIDs:   make(map[int64]map[string]int64),
		cases:     make(map[int64]crawler.ExtractedCase),
		runs:      make(map[string]store.ScrapeRun),
		failures:  make(map[string][]error),
	}
}

// FailNext queues errors returned by the next calls of op (the method name,
// e.g. "InsertPostsBatch"). Each queued error is consumed by one call.
func (r *Repository) FailNext(op string, errs ...error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures[op] = append(r.failures[op], errs...)
}

func (r *Repository) injected(op string) error {
	queue := r.failures[op]
	if len(queue) == 0 {
		return nil
	}
	err := queue[0]
	r.failures[op] = queue[1:]
	return err
}

// UpsertThread creates or refreshes a thread row.
func (r *Repository) UpsertThread(_ context.Context, sourceID string, thread crawler.Thread) (store.ThreadHandle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.injected("UpsertThread"); err != nil {
		return store.ThreadHandle{}, err
	}
	if thread.ExternalID == "" {
		return store.ThreadHandle{}, crawler.Permanent(fmt.Errorf("thread external id is required"))
	}
	key := threadKey{sourceID: sourceID, externalID: thread.ExternalID}
	id, ok := r.threadIDs[key]
	if !ok {
		r.nextThreadID++
		id = r.nextThreadID
		r.threadIDs[key] = id
		r.threads[id] = store.ThreadHandle{ID: id, ExternalID: thread.ExternalID}
	}
	handle := r.threads[id]
	handle.URL = thread.URL
	if thread.Title != "" {
		handle.Title = thread.Title
	}
	if thread.TotalPages > handle.TotalPages {
		handle.TotalPages = thread.TotalPages
	}
	r.threads[id] = handle
	return handle, nil
}

// FindPostsByExternalIDs returns the persisted posts matching the ids.
func (r *Repository) FindPostsByExternalIDs(_ context.Context, threadID int64, externalIDs []string) ([]store.PostRef, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	index := r.postIDs[threadID]
	refs := make([]store.PostRef, 0, len(externalIDs))
	for _, ext := range externalIDs {
		id, ok := index[ext]
		if !ok {
			continue
		}
		row := r.posts[id]
		refs = append(refs, store.PostRef{ID: id, ExternalID: ext, ContentHash: row.post.ContentHash})
	}
	return refs, nil
}

// InsertPostsBatch inserts new posts and their cases atomically.
func (r *Repository) InsertPostsBatch(_ context.Context, threadID int64, posts []store.NewPost) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.injected("InsertPostsBatch"); err != nil {
		return err
	}
	if _, ok := r.threads[threadID]; !ok {
		return crawler.Permanent(fmt.Errorf("thread %d: %w", threadID, store.ErrNotFound))
	}
	index := r.postIDs[threadID]
	if index == nil {
		index = make(map[string]int64)
		r.postIDs[threadID] = index
	}
	now := time.Now().UTC()
	for _, np := range posts {
		if _, exists := index[np.Post.ExternalID]; exists {
			continue
		}
		r.nextPostID++
		id := r.nextPostID
		index[np.Post.ExternalID] = id
		r.posts[id] = &postRow{id: id, threadID: threadID, post: np.Post, updated: now}
		if np.Case != nil {
			r.cases[id] = *np.Case
		}
	}
	return nil
}

// UpdatePost rewrites a changed post and replaces or removes its case.
func (r *Repository) UpdatePost(_ context.Context, postID int64, post crawler.Post, extracted *crawler.ExtractedCase) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.injected("UpdatePost"); err != nil {
		return err
	}
	row, ok := r.posts[postID]
	if !ok {
		return crawler.Permanent(fmt.Errorf("post %d: %w", postID, store.ErrNotFound))
	}
	row.post.Body = post.Body
	row.post.ContentHash = post.ContentHash
	row.post.PostedAt = post.PostedAt
	if post.Author != "" {
		row.post.Author = post.Author
	}
	row.updated = time.Now().UTC()
	if extracted != nil {
		r.cases[postID] = *extracted
	} else {
		delete(r.cases, postID)
	}
	return nil
}

// UpsertExtractedCase stores the case for a post.
func (r *Repository) UpsertExtractedCase(_ context.Context, postID int64, extracted crawler.ExtractedCase) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.injected("UpsertExtractedCase"); err != nil {
		return err
	}
	if _, ok := r.posts[postID]; !ok {
		return crawler.Permanent(fmt.Errorf("post %d: %w", postID, store.ErrNotFound))
	}
	r.cases[postID] = extracted
	return nil
}

// DeleteExtractedCase removes the case for a post if one exists.
func (r *Repository) DeleteExtractedCase(_ context.Context, postID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.injected("DeleteExtractedCase"); err != nil {
		return err
	}
	delete(r.cases, postID)
	return nil
}

// UpdateThreadProgress advances the resume cursor.
func (r *Repository) UpdateThreadProgress(_ context.Context, threadID int64, progress crawler.Progress) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.injected("UpdateThreadProgress"); err != nil {
		return err
	}
	handle, ok := r.threads[threadID]
	if !ok {
		return crawler.Permanent(fmt.Errorf("thread %d: %w", threadID, store.ErrNotFound))
	}
	handle.LastScrapedPage, handle.TotalPages = store.ClampProgress(handle, progress)
	now := time.Now().UTC()
	handle.LastScrapedAt = &now
	r.threads[threadID] = handle
	return nil
}

// CreateScrapeRun stores a new run.
func (r *Repository) CreateScrapeRun(_ context.Context, run store.ScrapeRun) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.injected("CreateScrapeRun"); err != nil {
		return err
	}
	if _, exists := r.runs[run.ID]; exists {
		return crawler.Permanent(fmt.Errorf("scrape run %s already exists", run.ID))
	}
	r.runs[run.ID] = cloneRun(run)
	return nil
}

// UpdateScrapeRun overwrites the status, counters and error fields of a run.
func (r *Repository) UpdateScrapeRun(_ context.Context, run store.ScrapeRun) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.injected("UpdateScrapeRun"); err != nil {
		return err
	}
	existing, ok := r.runs[run.ID]
	if !ok {
		return fmt.Errorf("scrape run %s: %w", run.ID, store.ErrNotFound)
	}
	existing.Status = run.Status
	existing.CompletedAt = run.CompletedAt
	existing.Counters = run.Counters
	existing.ErrorMessage = run.ErrorMessage
	existing.ErrorDetails = run.ErrorDetails
	r.runs[run.ID] = cloneRun(existing)
	return nil
}

// ListPostsForReextraction pages through posts needing a fresh extraction.
func (r *Repository) ListPostsForReextraction(
	_ context.Context,
	version string,
	afterID int64,
	limit int,
) ([]store.StoredPost, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]int64, 0, len(r.posts))
	for id := range r.posts {
		if id > afterID {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]store.StoredPost, 0, limit)
	for _, id := range ids {
		if limit > 0 && len(out) >= limit {
			break
		}
		existing, hasCase := r.cases[id]
		if hasCase && existing.ExtractorVersion == version {
			continue
		}
		row := r.posts[id]
		out = append(out, store.StoredPost{
			ID:               id,
			ThreadID:         row.threadID,
			ExternalID:       row.post.ExternalID,
			Body:             row.post.Body,
			ExtractorVersion: existing.ExtractorVersion,
		})
	}
	return out, nil
}

// Ping always succeeds.
func (r *Repository) Ping(context.Context) error {
	return nil
}

// Close is a no-op.
func (r *Repository) Close() {}

// Thread returns the persisted thread by id.
func (r *Repository) Thread(id int64) (store.ThreadHandle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	handle, ok := r.threads[id]
	return handle, ok
}

// Posts returns copies of a thread's posts ordered by insertion.
func (r *Repository) Posts(threadID int64) []crawler.Post {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]int64, 0, len(r.postIDs[threadID]))
	for _, id := range r.postIDs[threadID] {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]crawler.Post, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.posts[id].post)
	}
	return out
}

// PostID looks up a post id by its natural key.
func (r *Repository) PostID(threadID int64, externalID string) (int64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.postIDs[threadID][externalID]
	return id, ok
}

// Case returns the stored case for a post.
func (r *Repository) Case(postID int64) (crawler.ExtractedCase, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.cases[postID]
	return c, ok
}

// CaseCount returns the number of stored cases.
func (r *Repository) CaseCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.cases)
}

// Run fetches a scrape run by ID.
func (r *Repository) Run(id string) (store.ScrapeRun, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	run, ok := r.runs[id]
	if !ok {
		return store.ScrapeRun{}, store.ErrNotFound
	}
	return cloneRun(run), nil
}

// Runs returns all runs ordered by start time.
func (r *Repository) Runs() []store.ScrapeRun {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]store.ScrapeRun, 0, len(r.runs))
	for _, run := range r.runs {
		out = append(out, cloneRun(run))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

func cloneRun(run store.ScrapeRun) store.ScrapeRun {
	if run.ErrorDetails != nil {
		details := make(map[string]string, len(run.ErrorDetails))
		for k, v := range run.ErrorDetails {
			details[k] = v
		}
		run.ErrorDetails = details
	}
	return run
}
