package state

import "time"

// URL status values stored in crawl_urls.last_status.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusSuccess    = "success"
	StatusFailed     = "failed"
)

// Event types recorded in crawl_events.
const (
	EventQueueEnqueued   = "queue_enqueued"
	EventQueueDequeued   = "queue_dequeued"
	EventQueueRemoved    = "queue_removed"
	EventCrawlStart      = "crawl_start"
	EventCrawlComplete   = "crawl_complete"
	EventCrawlError      = "crawl_error"
	EventCrawlSkipped    = "crawl_skipped"
	EventCrawlDiscovered = "crawl_discovered"
	EventCacheHit        = "cache_hit"
	EventFetchSuccess    = "fetch_success"
	EventFetchFailure    = "fetch_failure"
	EventMetadataPruned  = "metadata_pruned"
)

// URLMetadata is one row of crawl_urls.
type URLMetadata struct {
	URL               string
	DiscoveredFrom    string
	FirstSeenAt       time.Time
	LastFetchedAt     time.Time
	NextDueAt         time.Time
	LastStatus        string
	RetryCount        int
	LastFailureReason string
	LastFailureAt     time.Time
	MarkdownRelPath   string
	FetchCount        int
	CacheHitCount     int
	FailureCount      int
	LastEventAt       time.Time
}

// QueueEntry is one row of crawl_queue.
type QueueEntry struct {
	CanonicalURL string
	URL          string
	EnqueuedAt   time.Time
	Priority     int
	Reason       string
}

// LockLease is one row of crawl_locks.
type LockLease struct {
	Name       string
	Owner      string
	AcquiredAt time.Time
	ExpiresAt  time.Time
}

// Expired reports whether the lease TTL has elapsed at the given instant.
func (l *LockLease) Expired(now time.Time) bool {
	return now.After(l.ExpiresAt)
}

// Event is one row of crawl_events.
type Event struct {
	ID           int64
	EventAt      time.Time
	CanonicalURL string
	URL          string
	EventType    string
	Status       string
	Reason       string
	Detail       string
	DurationMS   int64
}

// EventFilter narrows EventLog queries. Zero values mean "no filter".
type EventFilter struct {
	EventType    string
	CanonicalURL string
	Since        time.Time
}

// EventBucket is one time bucket of EventHistory.
type EventBucket struct {
	BucketStart time.Time
	EventType   string
	Count       int
}

// MetadataCounts aggregates crawl_urls by status.
type MetadataCounts struct {
	Total      int `json:"total"`
	Due        int `json:"due"`
	Successful int `json:"successful"`
	Pending    int `json:"pending"`
	Failed     int `json:"failed"`
}

// FailureSample is one recently failed URL in the status snapshot.
type FailureSample struct {
	URL        string    `json:"url"`
	Reason     string    `json:"reason"`
	FailedAt   time.Time `json:"failed_at"`
	RetryCount int       `json:"retry_count"`
}

// StatusSnapshot is a point-in-time aggregate over the whole store, computed
// in a single transaction.
type StatusSnapshot struct {
	QueueDepth     int             `json:"queue_depth"`
	Metadata       MetadataCounts  `json:"metadata"`
	PendingSample  []string        `json:"pending_sample"`
	FailureSamples []FailureSample `json:"failure_samples"`
	LastEventAt    time.Time       `json:"last_event_at"`
}

// Summary is the durable result of the last completed sync cycle.
type Summary struct {
	SyncID      string    `json:"sync_id"`
	CompletedAt time.Time `json:"completed_at"`
	Succeeded   int       `json:"succeeded"`
	Failed      int       `json:"failed"`
	Skipped     int       `json:"skipped"`
	Discovered  int       `json:"discovered"`
	DurationMS  int64     `json:"duration_ms"`
	Message     string    `json:"message,omitempty"`
}

func nullableUnix(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t.Unix()
}

func unixOrZero(v int64, valid bool) time.Time {
	if !valid || v == 0 {
		return time.Time{}
	}
	return time.Unix(v, 0).UTC()
}
