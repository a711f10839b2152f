package crawler

import "time"

// Thread identifies one paginated forum thread as exposed by a source adapter.
type Thread struct {
	ExternalID string `json:"external_id"`
	URL        string `json:"url"`
	Title      string `json:"title,omitempty"`
	// TotalPages is a hint; zero means unknown until the first page is parsed.
	TotalPages int `json:"total_pages,omitempty"`
}

// Post is a normalized forum post ready for ingestion.
type Post struct {
	ExternalID  string     `json:"external_id"`
	Author      string     `json:"author,omitempty"`
	Body        string     `json:"body"`
	ContentHash string     `json:"content_hash,omitempty"`
	Page        int        `json:"page"`
	PostedAt    *time.Time `json:"posted_at,omitempty"`
}

// PageSnapshot is the rendered document returned by a Session for one page.
type PageSnapshot struct {
	URL      string
	FinalURL string
	HTML     string
	Duration time.Duration
}

// ParsedPage is the Page Extractor's view of a rendered thread page.
type ParsedPage struct {
	Posts      []Post
	TotalPages int
	// Discarded counts candidate elements dropped for being too short or empty.
	Discarded int
}

// PageBatch is handed to a PageSink once per successfully parsed page.
type PageBatch struct {
	Thread     Thread
	Page       int
	TotalPages int
	Posts      []Post
	HTML       string
	FetchedAt  time.Time
}

// Progress is the resume cursor for a thread.
type Progress struct {
	LastScrapedPage int
	TotalPages      int
	// Final marks the end-of-thread checkpoint that must always be persisted.
	Final bool
}

// CrawlRequest describes one thread walk.
type CrawlRequest struct {
	Thread Thread
	// ResumeCursor is the last page known to be durably persisted (0 for none).
	ResumeCursor int
	// StartPage defaults to max(ResumeCursor, 1).
	StartPage int
}

// CrawlResult summarizes a thread walk, including partial walks.
type CrawlResult struct {
	LastScrapedPage int
	TotalPages      int
	PagesScraped    int
	PagesFailed     int
	FailedPages     []int
	PostsFound      int
	Relaunches      int
	Aborted         bool
}

// Outcome classifies the decision reported in a post.
type Outcome string

// Outcome values stored on extracted cases.
const (
	OutcomeApproved Outcome = "approved"
	OutcomeRejected Outcome = "rejected"
	OutcomePending  Outcome = "pending"
	OutcomeUnknown  Outcome = "unknown"
)

// ExtractedCase is the structured record derived from a post body.
type ExtractedCase struct {
	ApplicationType  string     `json:"application_type,omitempty"`
	ApplicationRoute string     `json:"application_route,omitempty"`
	ApplicationDate  *time.Time `json:"application_date,omitempty"`
	BiometricsDate   *time.Time `json:"biometrics_date,omitempty"`
	DecisionDate     *time.Time `json:"decision_date,omitempty"`
	WaitingDays      *int       `json:"waiting_days,omitempty"`
	ServiceCenter    string     `json:"service_center,omitempty"`
	Outcome          Outcome    `json:"outcome"`
	Confidence       float64    `json:"confidence"`
	Notes            string     `json:"notes,omitempty"`
	ExtractorVersion string     `json:"extractor_version"`
	ExtractedAt      time.Time  `json:"extracted_at"`
}
