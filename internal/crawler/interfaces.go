package crawler

import (
	"context"
	"io"
	"time"
)

// Session is a Fetch Driver: a long-lived browser (or HTTP) session that
// renders thread pages. Implementations are not safe for concurrent use.
type Session interface {
	Open(ctx context.Context) error
	// LoadPage navigates to url, clears obstructions and waits for the post
	// container. Errors that mean the session itself is gone wrap ErrSessionDead.
	LoadPage(ctx context.Context, url string) (PageSnapshot, error)
	// Relaunch tears the session down and starts a fresh one, forgetting any
	// per-session state such as dismissed overlays.
	Relaunch(ctx context.Context) error
	Close() error
}

// PageParser turns a rendered page into normalized posts.
type PageParser interface {
	Parse(html string, page int) (ParsedPage, error)
}

// PageSink consumes pages as the controller produces them. The controller
// does not fetch the next page until HandlePage and Checkpoint have returned.
type PageSink interface {
	HandlePage(ctx context.Context, batch PageBatch) error
	Checkpoint(ctx context.Context, progress Progress) error
}

// Extractor derives a structured case from a cleaned post body.
type Extractor interface {
	Extract(body string) Extraction
	Version() string
}

// Extraction is the scored output of an Extractor.
type Extraction struct {
	Case     ExtractedCase
	Score    float64
	Accepted bool
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes notifications to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes digests for deduplication.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
