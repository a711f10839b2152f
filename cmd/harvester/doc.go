// Command harvester scrapes configured forum threads, extracts structured
// immigration case reports from posts and stores them in Postgres.
//
// A run walks every configured thread page by page through a browser
// (chromedp) or plain HTTP (colly) session, resuming from each thread's
// persisted cursor. Posts are classified against stored state and written in
// batches; accepted extractions become case rows. Each run is recorded as a
// scrape_runs row that always ends completed or failed, even on SIGINT.
//
// Usage:
//
//	harvester -config harvester.yaml [-dry-run] [-resume=false] [-since 2024-01-02]
//	          [-max-threads N] [-reextract]
//
// With schedule.cron set the process stays up and repeats the run on that
// schedule; otherwise it runs once and exits. Settings can be overridden with
// HARVEST_* environment variables (HARVEST_DB_DSN, HARVEST_SOURCE_KIND, ...).
// With db.dsn empty an in-memory store is used, which is only useful together
// with -dry-run or for trying selectors.
//
// Optional side outputs: raw page HTML archived to memory, a local directory
// or a GCS bucket (archive.*), and one Pub/Sub message per accepted case
// (pubsub.*). server.port > 0 exposes /healthz, /readyz, /metrics and
// /v1/runs/last.
package main
