package ingest

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/forum-case-harvester/internal/crawler"
	"github.com/JakeFAU/forum-case-harvester/internal/extractor"
	pubmemory "github.com/JakeFAU/forum-case-harvester/internal/publisher/memory"
	"github.com/JakeFAU/forum-case-harvester/internal/storage/memory"
)

// keywordExtractor accepts bodies containing "ACCEPT".
type keywordExtractor struct{}

func (keywordExtractor) Version() string { return "test-v1" }

func (keywordExtractor) Extract(body string) crawler.Extraction {
	if !strings.Contains(body, "ACCEPT") {
		return crawler.Extraction{Case: crawler.ExtractedCase{Outcome: crawler.OutcomeUnknown, ExtractorVersion: "test-v1"}}
	}
	return crawler.Extraction{
		Case:     crawler.ExtractedCase{Outcome: crawler.OutcomeApproved, Confidence: 0.5, ExtractorVersion: "test-v1"},
		Score:    5,
		Accepted: true,
	}
}

func noWait(context.Context, time.Duration) {}

var testThread = crawler.Thread{ExternalID: "t-100", URL: "https://forum.example/viewtopic.php?t=100", Title: "ILR 2017"}

func newPipeline(t *testing.T, repo *memory.Repository, cfg Config, opts ...Option) *Pipeline {
	t.Helper()
	if cfg.SourceID == "" {
		cfg.SourceID = "src"
	}
	opts = append(opts, WithPause(noWait))
	p, err := New(repo, keywordExtractor{}, cfg, nil, opts...)
	require.NoError(t, err)
	return p
}

func page(n int, posts ...crawler.Post) crawler.PageBatch {
	return crawler.PageBatch{Thread: testThread, Page: n, TotalPages: 3, Posts: posts, HTML: fmt.Sprintf("<html>page %d</html>", n)}
}

func post(id, body string) crawler.Post {
	return crawler.Post{ExternalID: id, Body: body, Page: 1}
}

func TestNewValidates(t *testing.T) {
	t.Parallel()

	_, err := New(nil, keywordExtractor{}, Config{}, nil)
	require.Error(t, err)
	_, err = New(memory.NewRepository(), nil, Config{}, nil)
	require.Error(t, err)
	_, err = New(memory.NewRepository(), keywordExtractor{}, Config{}, nil, WithPublisher(pubmemory.New()))
	require.Error(t, err, "publisher needs a topic")
	p, err := New(nil, keywordExtractor{}, Config{DryRun: true}, nil)
	require.NoError(t, err)
	assert.True(t, p.DryRun())
}

func TestHandlePageClassifiesPosts(t *testing.T) {
	t.Parallel()

	repo := memory.NewRepository()
	p := newPipeline(t, repo, Config{})
	ctx := context.Background()

	sink, err := p.Begin(ctx, testThread)
	require.NoError(t, err)
	threadID := sink.Handle().ID

	require.NoError(t, sink.HandlePage(ctx, page(1,
		post("p1", "ACCEPT first body of the thread"),
		post("p2", "second body without a case"),
	)))
	stats := sink.Stats()
	assert.Equal(t, 2, stats.PostsNew)
	assert.Equal(t, 1, stats.CasesExtracted)
	assert.Equal(t, 1, repo.CaseCount())

	// Same content again: nothing written.
	second, err := p.Begin(ctx, testThread)
	require.NoError(t, err)
	require.NoError(t, second.HandlePage(ctx, page(1,
		post("p1", "ACCEPT first body of the thread"),
		post("p2", "second body without a case"),
	)))
	assert.Equal(t, 2, second.Stats().PostsUnchanged)
	assert.Zero(t, second.Stats().PostsScraped())
	assert.Len(t, repo.Posts(threadID), 2)

	// Edit p1 so it no longer qualifies and p2 so it does.
	third, err := p.Begin(ctx, testThread)
	require.NoError(t, err)
	require.NoError(t, third.HandlePage(ctx, page(1,
		post("p1", "first body, edited to drop the keyword"),
		post("p2", "second body now says ACCEPT"),
	)))
	stats = third.Stats()
	assert.Equal(t, 2, stats.PostsChanged)
	assert.Equal(t, 1, stats.CasesRemoved)
	assert.Equal(t, 1, stats.CasesExtracted)

	p1, _ := repo.PostID(threadID, "p1")
	p2, _ := repo.PostID(threadID, "p2")
	_, hasCase := repo.Case(p1)
	assert.False(t, hasCase)
	_, hasCase = repo.Case(p2)
	assert.True(t, hasCase)
}

func TestHandlePageIsIdempotent(t *testing.T) {
	t.Parallel()

	repo := memory.NewRepository()
	p := newPipeline(t, repo, Config{})
	ctx := context.Background()
	batch := page(1, post("p1", "ACCEPT a body long enough"), post("p2", "another body long enough"))

	for range 3 {
		sink, err := p.Begin(ctx, testThread)
		require.NoError(t, err)
		require.NoError(t, sink.HandlePage(ctx, batch))
		require.NoError(t, sink.Checkpoint(ctx, crawler.Progress{LastScrapedPage: 1, TotalPages: 3, Final: true}))
	}
	sink, err := p.Begin(ctx, testThread)
	require.NoError(t, err)
	assert.Len(t, repo.Posts(sink.Handle().ID), 2)
	assert.Equal(t, 1, repo.CaseCount())
	assert.Equal(t, 1, sink.Handle().LastScrapedPage)
}

func TestHashSensitivity(t *testing.T) {
	t.Parallel()

	repo := memory.NewRepository()
	p := newPipeline(t, repo, Config{})
	ctx := context.Background()

	sink, err := p.Begin(ctx, testThread)
	require.NoError(t, err)
	require.NoError(t, sink.HandlePage(ctx, page(1, post("p1", "Decision received 23/05/2017"))))
	before := repo.Posts(sink.Handle().ID)[0].ContentHash

	again, err := p.Begin(ctx, testThread)
	require.NoError(t, err)
	require.NoError(t, again.HandlePage(ctx, page(1, post("p1", "Decision received 24/05/2017"))))
	after := repo.Posts(sink.Handle().ID)[0].ContentHash

	assert.NotEqual(t, before, after)
	assert.Equal(t, 1, again.Stats().PostsChanged)
}

func TestHandlePageBatchesInserts(t *testing.T) {
	t.Parallel()

	repo := memory.NewRepository()
	p := newPipeline(t, repo, Config{BatchSize: 2})
	ctx := context.Background()
	sink, err := p.Begin(ctx, testThread)
	require.NoError(t, err)

	// The second chunk fails once and is retried.
	repo.FailNext("InsertPostsBatch", nil, errors.New("connection reset"))
	posts := make([]crawler.Post, 5)
	for i := range posts {
		posts[i] = post(fmt.Sprintf("p%d", i), fmt.Sprintf("body number %d", i))
	}
	require.NoError(t, sink.HandlePage(ctx, page(1, posts...)))
	assert.Len(t, repo.Posts(sink.Handle().ID), 5)
	assert.Equal(t, 5, sink.Stats().PostsNew)
}

func TestHandlePageRetriesConnectivityErrors(t *testing.T) {
	t.Parallel()

	repo := memory.NewRepository()
	p := newPipeline(t, repo, Config{WriteAttempts: 5, CheckpointAttempts: 3})
	ctx := context.Background()
	sink, err := p.Begin(ctx, testThread)
	require.NoError(t, err)

	refused := &net.OpError{Op: "dial", Net: "tcp", Err: os.NewSyscallError("connect", syscall.ECONNREFUSED)}
	reset := &net.OpError{Op: "read", Net: "tcp", Err: os.NewSyscallError("read", syscall.ECONNRESET)}
	repo.FailNext("InsertPostsBatch", refused, reset)
	require.NoError(t, sink.HandlePage(ctx, page(1, post("p1", "ACCEPT body"))))
	assert.Len(t, repo.Posts(sink.Handle().ID), 1)

	repo.FailNext("UpdateThreadProgress", refused)
	require.NoError(t, sink.Checkpoint(ctx, crawler.Progress{LastScrapedPage: 1, Final: true}))
	handle, _ := repo.Thread(sink.Handle().ID)
	assert.Equal(t, 1, handle.LastScrapedPage)
}

func TestHandlePageGivesUpAfterRetries(t *testing.T) {
	t.Parallel()

	repo := memory.NewRepository()
	p := newPipeline(t, repo, Config{WriteAttempts: 2})
	ctx := context.Background()
	sink, err := p.Begin(ctx, testThread)
	require.NoError(t, err)

	boom := errors.New("db down")
	repo.FailNext("InsertPostsBatch", boom, boom)
	err = sink.HandlePage(ctx, page(1, post("p1", "ACCEPT body")))
	require.ErrorIs(t, err, boom)
	assert.Empty(t, repo.Posts(sink.Handle().ID))
}

func TestPermanentErrorsAreNotRetried(t *testing.T) {
	t.Parallel()

	repo := memory.NewRepository()
	p := newPipeline(t, repo, Config{})
	ctx := context.Background()
	sink, err := p.Begin(ctx, testThread)
	require.NoError(t, err)

	repo.FailNext("InsertPostsBatch", crawler.Permanent(errors.New("constraint")), nil)
	require.Error(t, sink.HandlePage(ctx, page(1, post("p1", "some body"))))
	assert.Empty(t, repo.Posts(sink.Handle().ID))
}

func TestCheckpointCadence(t *testing.T) {
	t.Parallel()

	repo := memory.NewRepository()
	p := newPipeline(t, repo, Config{CheckpointEvery: 3})
	ctx := context.Background()
	sink, err := p.Begin(ctx, testThread)
	require.NoError(t, err)
	id := sink.Handle().ID

	for n := 1; n <= 4; n++ {
		require.NoError(t, sink.Checkpoint(ctx, crawler.Progress{LastScrapedPage: n, TotalPages: 10}))
		handle, _ := repo.Thread(id)
		if n < 3 {
			assert.Zero(t, handle.LastScrapedPage, "page %d", n)
		} else {
			assert.Equal(t, 3, handle.LastScrapedPage, "page %d", n)
		}
	}
	require.NoError(t, sink.Checkpoint(ctx, crawler.Progress{LastScrapedPage: 4, TotalPages: 10, Final: true}))
	handle, _ := repo.Thread(id)
	assert.Equal(t, 4, handle.LastScrapedPage)
	assert.Equal(t, 10, handle.TotalPages)
	assert.Equal(t, 2, sink.Stats().Checkpoints)
}

func TestCheckpointUsesSmallerBudget(t *testing.T) {
	t.Parallel()

	repo := memory.NewRepository()
	p := newPipeline(t, repo, Config{CheckpointAttempts: 2})
	ctx := context.Background()
	sink, err := p.Begin(ctx, testThread)
	require.NoError(t, err)

	boom := errors.New("timeout")
	repo.FailNext("UpdateThreadProgress", boom, boom, nil)
	err = sink.Checkpoint(ctx, crawler.Progress{LastScrapedPage: 1, Final: true})
	require.ErrorIs(t, err, boom)

	require.NoError(t, sink.Checkpoint(ctx, crawler.Progress{LastScrapedPage: 1, Final: true}))
	handle, _ := repo.Thread(sink.Handle().ID)
	assert.Equal(t, 1, handle.LastScrapedPage)
}

func TestSinceFilter(t *testing.T) {
	t.Parallel()

	since := time.Date(2017, time.January, 1, 0, 0, 0, 0, time.UTC)
	old := since.Add(-24 * time.Hour)
	recent := since.Add(24 * time.Hour)

	repo := memory.NewRepository()
	p := newPipeline(t, repo, Config{Since: &since})
	ctx := context.Background()
	sink, err := p.Begin(ctx, testThread)
	require.NoError(t, err)

	oldPost := post("old", "an old post body")
	oldPost.PostedAt = &old
	newPost := post("new", "a recent post body")
	newPost.PostedAt = &recent
	undated := post("undated", "a post with no date")

	require.NoError(t, sink.HandlePage(ctx, page(1, oldPost, newPost, undated)))
	stats := sink.Stats()
	assert.Equal(t, 3, stats.PostsFound)
	assert.Equal(t, 1, stats.PostsSkipped)
	assert.Equal(t, 2, stats.PostsNew)
}

func TestDryRunWritesNothing(t *testing.T) {
	t.Parallel()

	repo := memory.NewRepository()
	blobs := memory.NewBlobStore()
	pub := pubmemory.New()
	p := newPipeline(t, repo, Config{DryRun: true, Topic: "cases"}, WithArchive(blobs), WithPublisher(pub))
	ctx := context.Background()
	sink, err := p.Begin(ctx, testThread)
	require.NoError(t, err)

	require.NoError(t, sink.HandlePage(ctx, page(1, post("p1", "ACCEPT body"), post("p2", "other body"))))
	require.NoError(t, sink.Checkpoint(ctx, crawler.Progress{LastScrapedPage: 1, Final: true}))

	assert.Equal(t, 2, sink.Stats().PostsNew)
	assert.Equal(t, 1, sink.Stats().CasesExtracted)
	assert.Zero(t, repo.CaseCount())
	assert.Empty(t, blobs.Paths())
	assert.Empty(t, pub.Messages())
	_, ok := repo.Thread(1)
	assert.False(t, ok)
}

func TestArchiveAndNotifications(t *testing.T) {
	t.Parallel()

	repo := memory.NewRepository()
	blobs := memory.NewBlobStore()
	pub := pubmemory.New()
	p := newPipeline(t, repo, Config{Topic: "cases"}, WithArchive(blobs), WithPublisher(pub))
	ctx := context.Background()
	sink, err := p.Begin(ctx, testThread)
	require.NoError(t, err)

	require.NoError(t, sink.HandlePage(ctx, page(7, post("p1", "ACCEPT body"), post("p2", "other body"))))

	assert.Equal(t, []string{"threads/src/t-100/page-00007.html"}, blobs.Paths())
	msgs := pub.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "cases", msgs[0].Topic)
	notice, ok := msgs[0].Payload.(CaseNotification)
	require.True(t, ok)
	assert.Equal(t, "p1", notice.PostID)
	assert.Equal(t, ClassNew, notice.Classification)
	assert.Equal(t, "t-100", notice.ThreadID)
}

func TestArchivePath(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "threads/src/t-1/page-00012.html", ArchivePath("threads", "src", "t-1", 12))
	assert.Equal(t, "threads/a_b/_/page-00001.html", ArchivePath("threads", "a/b", " ", 1))
}

func TestWorkedExamplesWithEngine(t *testing.T) {
	t.Parallel()

	repo := memory.NewRepository()
	p, err := New(repo, extractor.New(), Config{SourceID: "src"}, nil, WithPause(noWait))
	require.NoError(t, err)
	ctx := context.Background()
	sink, err := p.Begin(ctx, testThread)
	require.NoError(t, err)

	timeline := "Applied for ILR Route : Set(O)\n" +
		"Date application sent : 19/12/2016\n" +
		"Approval/Refusal Received :23/05/2017\n" +
		"BRP Card Received 24/05/2017"
	require.NoError(t, sink.HandlePage(ctx, page(1,
		post("timeline", timeline),
		post("waiting", "Still waiting for biometrics appointment"),
	)))

	id := sink.Handle().ID
	timelineID, _ := repo.PostID(id, "timeline")
	waitingID, _ := repo.PostID(id, "waiting")
	c, ok := repo.Case(timelineID)
	require.True(t, ok)
	assert.Equal(t, "SET(O)", c.ApplicationRoute)
	require.NotNil(t, c.WaitingDays)
	assert.Equal(t, 155, *c.WaitingDays)
	assert.Equal(t, crawler.OutcomeApproved, c.Outcome)
	assert.GreaterOrEqual(t, c.Confidence, 0.7)
	_, ok = repo.Case(waitingID)
	assert.False(t, ok)
}

func TestReextract(t *testing.T) {
	t.Parallel()

	repo := memory.NewRepository()
	ctx := context.Background()
	old, err := New(repo, keywordExtractor{}, Config{SourceID: "src"}, nil, WithPause(noWait))
	require.NoError(t, err)
	sink, err := old.Begin(ctx, testThread)
	require.NoError(t, err)
	require.NoError(t, sink.HandlePage(ctx, page(1,
		post("p1", "ACCEPT body"),
		post("p2", "Applied for ILR Route : Set(O) on 19/12/2016, approved 23/05/2017"),
		post("p3", "nothing to see here at all"),
	)))
	require.Equal(t, 1, repo.CaseCount())

	engine := extractor.New(extractor.WithVersion("heuristic-v2"))
	fresh, err := New(repo, engine, Config{SourceID: "src"}, nil, WithPause(noWait))
	require.NoError(t, err)
	stats, err := fresh.Reextract(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Examined)
	assert.Equal(t, 1, stats.Upserted)
	assert.Equal(t, 1, stats.Removed)

	p2, _ := repo.PostID(sink.Handle().ID, "p2")
	c, ok := repo.Case(p2)
	require.True(t, ok)
	assert.Equal(t, "heuristic-v2", c.ExtractorVersion)

	again, err := fresh.Reextract(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, again.Examined, "posts without a case are re-examined")
	assert.Zero(t, again.Upserted)
}

func TestNotificationFailureDoesNotBlockIngest(t *testing.T) {
	t.Parallel()

	repo := memory.NewRepository()
	pub := pubmemory.New()
	pub.FailNext(errors.New("topic unavailable"))
	p := newPipeline(t, repo, Config{Topic: "cases"}, WithPublisher(pub))
	ctx := context.Background()
	sink, err := p.Begin(ctx, testThread)
	require.NoError(t, err)

	require.NoError(t, sink.HandlePage(ctx, page(1, post("p1", "ACCEPT one"), post("p2", "ACCEPT two"))))
	assert.Equal(t, 2, repo.CaseCount())
	require.Len(t, pub.Messages(), 1)
	notice, ok := pub.Messages()[0].Payload.(CaseNotification)
	require.True(t, ok)
	assert.Equal(t, "p2", notice.PostID)
}
