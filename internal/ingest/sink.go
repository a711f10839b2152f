package ingest

import (
	"context"
	"fmt"
	"path"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/forum-case-harvester/internal/crawler"
	"github.com/JakeFAU/forum-case-harvester/internal/metrics"
	"github.com/JakeFAU/forum-case-harvester/internal/store"
)

// Post classifications.
const (
	ClassNew       = "new"
	ClassChanged   = "changed"
	ClassUnchanged = "unchanged"
	ClassSkipped   = "skipped"
)

// ThreadStats tallies what a ThreadSink did.
type ThreadStats struct {
	PagesHandled   int
	PostsFound     int
	PostsNew       int
	PostsChanged   int
	PostsUnchanged int
	PostsSkipped   int
	CasesExtracted int
	CasesRemoved   int
	Checkpoints    int
}

// PostsScraped counts posts written by the sink.
func (s ThreadStats) PostsScraped() int {
	return s.PostsNew + s.PostsChanged
}

// CaseNotification is published for every accepted case written.
type CaseNotification struct {
	SourceID       string                `json:"source_id"`
	ThreadID       string                `json:"thread_id"`
	PostID         string                `json:"post_id"`
	Classification string                `json:"classification"`
	Case           crawler.ExtractedCase `json:"case"`
}

// ThreadSink implements crawler.PageSink for one thread. It is not safe for
// concurrent use.
type ThreadSink struct {
	pipeline *Pipeline
	thread   crawler.Thread
	handle   store.ThreadHandle
	logger   *zap.Logger

	// persisted is the cursor last written to the store.
	persisted      int
	sinceFlush     int
	stats          ThreadStats
	pendingNotices []CaseNotification
}

var _ crawler.PageSink = (*ThreadSink)(nil)

// Handle returns the persisted thread handle.
func (s *ThreadSink) Handle() store.ThreadHandle {
	return s.handle
}

// Stats returns the running tallies.
func (s *ThreadSink) Stats() ThreadStats {
	return s.stats
}

// HandlePage hashes, classifies and writes the posts of one page. It returns
// only once every write for the page has succeeded or retries ran out.
func (s *ThreadSink) HandlePage(ctx context.Context, batch crawler.PageBatch) error {
	p := s.pipeline
	s.stats.PagesHandled++
	s.stats.PostsFound += len(batch.Posts)
	s.archivePage(ctx, batch)

	posts := s.prepare(batch.Posts)
	if len(posts) == 0 {
		return nil
	}

	existing := map[string]store.PostRef{}
	if !p.cfg.DryRun {
		ids := make([]string, len(posts))
		for i, post := range posts {
			ids[i] = post.ExternalID
		}
		err := p.retryWrite(ctx, "find_posts", func(ctx context.Context) error {
			refs, err := p.repo.FindPostsByExternalIDs(ctx, s.handle.ID, ids)
			if err != nil {
				return err
			}
			for _, ref := range refs {
				existing[ref.ExternalID] = ref
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("find posts on page %d: %w", batch.Page, err)
		}
	}

	var fresh []store.NewPost
	for _, post := range posts {
		ref, known := existing[post.ExternalID]
		switch {
		case !known:
			fresh = append(fresh, store.NewPost{Post: post, Case: s.extract(post)})
		case ref.ContentHash == post.ContentHash:
			s.stats.PostsUnchanged++
			metrics.ObservePosts(p.cfg.SourceID, ClassUnchanged, 1)
		default:
			if err := s.update(ctx, ref, post); err != nil {
				return err
			}
		}
	}

	for start := 0; start < len(fresh); start += p.cfg.BatchSize {
		end := min(start+p.cfg.BatchSize, len(fresh))
		if err := s.insert(ctx, fresh[start:end]); err != nil {
			return fmt.Errorf("insert posts on page %d: %w", batch.Page, err)
		}
	}
	s.flushNotices(ctx)
	return nil
}

// prepare applies the since filter, hashes bodies and drops duplicate ids.
func (s *ThreadSink) prepare(posts []crawler.Post) []crawler.Post {
	p := s.pipeline
	out := make([]crawler.Post, 0, len(posts))
	seen := make(map[string]struct{}, len(posts))
	for _, post := range posts {
		if p.cfg.Since != nil && post.PostedAt != nil && post.PostedAt.Before(*p.cfg.Since) {
			s.stats.PostsSkipped++
			metrics.ObservePosts(p.cfg.SourceID, ClassSkipped, 1)
			continue
		}
		if _, dup := seen[post.ExternalID]; dup {
			s.logger.Debug("duplicate post id on page", zap.String("post", post.ExternalID))
			continue
		}
		seen[post.ExternalID] = struct{}{}
		post.ContentHash = p.hasher.HashBody(post.Body)
		out = append(out, post)
	}
	return out
}

// extract runs the engine and returns the case only when it is accepted.
func (s *ThreadSink) extract(post crawler.Post) *crawler.ExtractedCase {
	result := s.pipeline.extractor.Extract(post.Body)
	if !result.Accepted {
		return nil
	}
	c := result.Case
	return &c
}

func (s *ThreadSink) insert(ctx context.Context, chunk []store.NewPost) error {
	p := s.pipeline
	if !p.cfg.DryRun {
		err := p.retryWrite(ctx, "insert_posts", func(ctx context.Context) error {
			return p.repo.InsertPostsBatch(ctx, s.handle.ID, chunk)
		})
		if err != nil {
			return err
		}
	}
	s.stats.PostsNew += len(chunk)
	metrics.ObservePosts(p.cfg.SourceID, ClassNew, len(chunk))
	for _, np := range chunk {
		if np.Case == nil {
			continue
		}
		s.stats.CasesExtracted++
		metrics.ObserveCase(p.cfg.SourceID, np.Case.Confidence)
		s.queueNotice(np.Post, ClassNew, *np.Case)
	}
	return nil
}

func (s *ThreadSink) update(ctx context.Context, ref store.PostRef, post crawler.Post) error {
	p := s.pipeline
	extracted := s.extract(post)
	if !p.cfg.DryRun {
		err := p.retryWrite(ctx, "update_post", func(ctx context.Context) error {
			return p.repo.UpdatePost(ctx, ref.ID, post, extracted)
		})
		if err != nil {
			return fmt.Errorf("update post %s: %w", post.ExternalID, err)
		}
	}
	s.stats.PostsChanged++
	metrics.ObservePosts(p.cfg.SourceID, ClassChanged, 1)
	if extracted == nil {
		s.stats.CasesRemoved++
		return nil
	}
	s.stats.CasesExtracted++
	metrics.ObserveCase(p.cfg.SourceID, extracted.Confidence)
	s.queueNotice(post, ClassChanged, *extracted)
	return nil
}

// Checkpoint persists the cursor every CheckpointEvery pages and on the final
// call. Failures are returned for logging; they never stop the crawl.
func (s *ThreadSink) Checkpoint(ctx context.Context, progress crawler.Progress) error {
	p := s.pipeline
	if !progress.Final {
		s.sinceFlush++
		if s.sinceFlush < p.cfg.CheckpointEvery {
			return nil
		}
	}
	if p.cfg.DryRun {
		s.sinceFlush = 0
		return nil
	}
	err := p.retry(ctx, p.checkpoints, "checkpoint", func(ctx context.Context) error {
		return p.repo.UpdateThreadProgress(ctx, s.handle.ID, progress)
	})
	if err != nil {
		return fmt.Errorf("checkpoint page %d: %w", progress.LastScrapedPage, err)
	}
	s.sinceFlush = 0
	s.stats.Checkpoints++
	s.persisted, s.handle.TotalPages = store.ClampProgress(
		store.ThreadHandle{LastScrapedPage: s.persisted, TotalPages: s.handle.TotalPages},
		progress,
	)
	s.handle.LastScrapedPage = s.persisted
	s.logger.Debug("checkpoint written",
		zap.Int("last_scraped_page", s.persisted),
		zap.Int("total_pages", s.handle.TotalPages),
		zap.Bool("final", progress.Final),
	)
	return nil
}

// ArchivePath is where the raw HTML of a page is stored.
func ArchivePath(prefix, sourceID, threadID string, page int) string {
	return path.Join(prefix, safeSegment(sourceID), safeSegment(threadID), fmt.Sprintf("page-%05d.html", page))
}

func safeSegment(s string) string {
	s = strings.NewReplacer("/", "_", "\\", "_", "..", "_").Replace(strings.TrimSpace(s))
	if s == "" {
		return "_"
	}
	return s
}

func (s *ThreadSink) archivePage(ctx context.Context, batch crawler.PageBatch) {
	p := s.pipeline
	if p.archive == nil || p.cfg.DryRun || batch.HTML == "" {
		return
	}
	key := ArchivePath(p.cfg.ArchivePrefix, p.cfg.SourceID, s.thread.ExternalID, batch.Page)
	uri, err := p.archive.PutObject(ctx, key, "text/html; charset=utf-8", strings.NewReader(batch.HTML))
	if err != nil {
		s.logger.Warn("archive page failed", zap.Int("page", batch.Page), zap.Error(err))
		return
	}
	s.logger.Debug("page archived", zap.Int("page", batch.Page), zap.String("uri", uri))
}

func (s *ThreadSink) queueNotice(post crawler.Post, class string, c crawler.ExtractedCase) {
	if s.pipeline.publisher == nil || s.pipeline.cfg.DryRun {
		return
	}
	s.pendingNotices = append(s.pendingNotices, CaseNotification{
		SourceID:       s.pipeline.cfg.SourceID,
		ThreadID:       s.thread.ExternalID,
		PostID:         post.ExternalID,
		Classification: class,
		Case:           c,
	})
}

// flushNotices publishes after the page's writes committed. Failures are
// logged only.
func (s *ThreadSink) flushNotices(ctx context.Context) {
	p := s.pipeline
	for _, notice := range s.pendingNotices {
		if _, err := p.publisher.Publish(ctx, p.cfg.Topic, notice); err != nil {
			s.logger.Warn("publish case notification failed", zap.String("post", notice.PostID), zap.Error(err))
		}
	}
	s.pendingNotices = s.pendingNotices[:0]
}
