package state

// Schema for the per-tenant crawl state database. Every table lives in one
// SQLite file under <tenant_root>/__crawl_state/crawl.sqlite.
const schemaSQL = `
-- Per-URL scheduling metadata. One row per canonical URL.
CREATE TABLE IF NOT EXISTS crawl_urls (
	url TEXT PRIMARY KEY,
	discovered_from TEXT,
	first_seen_at INTEGER NOT NULL,
	last_fetched_at INTEGER,
	next_due_at INTEGER,
	last_status TEXT NOT NULL DEFAULT 'pending',
	retry_count INTEGER NOT NULL DEFAULT 0,
	last_failure_reason TEXT,
	last_failure_at INTEGER,
	markdown_rel_path TEXT,
	fetch_count INTEGER NOT NULL DEFAULT 0,
	cache_hit_count INTEGER NOT NULL DEFAULT 0,
	failure_count INTEGER NOT NULL DEFAULT 0,
	last_event_at INTEGER
);

CREATE INDEX IF NOT EXISTS idx_crawl_urls_due ON crawl_urls(next_due_at);
CREATE INDEX IF NOT EXISTS idx_crawl_urls_status ON crawl_urls(last_status);

-- Work queue. A canonical URL appears at most once; re-enqueue refreshes
-- enqueued_at and priority.
CREATE TABLE IF NOT EXISTS crawl_queue (
	canonical_url TEXT PRIMARY KEY,
	url TEXT NOT NULL,
	enqueued_at INTEGER NOT NULL,
	priority INTEGER NOT NULL DEFAULT 0,
	reason TEXT
);

-- Named lock leases. Exactly one lease per name at a time.
CREATE TABLE IF NOT EXISTS crawl_locks (
	name TEXT PRIMARY KEY,
	owner TEXT NOT NULL,
	acquired_at INTEGER NOT NULL,
	expires_at INTEGER NOT NULL
);

-- Free-form key/value metadata (schema version, tenant identity).
CREATE TABLE IF NOT EXISTS crawl_meta (
	key TEXT PRIMARY KEY,
	value TEXT
);

-- Sitemap snapshots keyed by snapshot id (one per sitemap URL).
CREATE TABLE IF NOT EXISTS crawl_sitemaps (
	snapshot_id TEXT PRIMARY KEY,
	payload TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);

-- Operator-facing debug notes.
CREATE TABLE IF NOT EXISTS crawl_debug (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	logged_at INTEGER NOT NULL,
	scope TEXT,
	message TEXT NOT NULL,
	detail TEXT
);

-- Last sync summary, single row.
CREATE TABLE IF NOT EXISTS crawl_summary (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	payload TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);

-- Live sync progress, single row.
CREATE TABLE IF NOT EXISTS crawl_progress (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	sync_id TEXT NOT NULL,
	payload TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);

-- Latest durable checkpoint, single row.
CREATE TABLE IF NOT EXISTS crawl_checkpoint (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	sync_id TEXT NOT NULL,
	payload TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);

-- Checkpoint history, append-only.
CREATE TABLE IF NOT EXISTS crawl_checkpoint_history (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	sync_id TEXT NOT NULL,
	payload TEXT NOT NULL,
	created_at INTEGER NOT NULL
);

-- Append-only event log.
CREATE TABLE IF NOT EXISTS crawl_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	event_at INTEGER NOT NULL,
	canonical_url TEXT,
	url TEXT,
	event_type TEXT NOT NULL,
	status TEXT,
	reason TEXT,
	detail TEXT,
	duration_ms INTEGER
);

CREATE INDEX IF NOT EXISTS idx_crawl_events_url ON crawl_events(canonical_url, event_at DESC);
CREATE INDEX IF NOT EXISTS idx_crawl_events_at ON crawl_events(event_at DESC);
`
