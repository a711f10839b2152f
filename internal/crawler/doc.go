// Package crawler implements the paginated thread crawl: the core types shared
// by the fetch drivers, parser, ingestion pipeline and extraction engine, plus
// the controller that walks a thread page by page with jitter, per-page
// budgets, session recovery and resumable progress.
package crawler
