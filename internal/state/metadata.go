package state

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

const metadataColumns = `url, discovered_from, first_seen_at, last_fetched_at, next_due_at,
	last_status, retry_count, last_failure_reason, last_failure_at, markdown_rel_path,
	fetch_count, cache_hit_count, failure_count, last_event_at`

// UpsertURLMetadata writes the full metadata row, creating it when missing.
func (s *Store) UpsertURLMetadata(ctx context.Context, m *URLMetadata) error {
	if m == nil || m.URL == "" {
		return fmt.Errorf("upsert metadata: empty url")
	}
	if m.FirstSeenAt.IsZero() {
		m.FirstSeenAt = time.Now().UTC()
	}
	if m.LastStatus == "" {
		m.LastStatus = StatusPending
	}

	db, err := s.open()
	if err != nil {
		return err
	}
	defer db.Close()

	_, err = db.ExecContext(ctx, `INSERT INTO crawl_urls (`+metadataColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(url) DO UPDATE SET
			discovered_from = excluded.discovered_from,
			last_fetched_at = excluded.last_fetched_at,
			next_due_at = excluded.next_due_at,
			last_status = excluded.last_status,
			retry_count = excluded.retry_count,
			last_failure_reason = excluded.last_failure_reason,
			last_failure_at = excluded.last_failure_at,
			markdown_rel_path = excluded.markdown_rel_path,
			fetch_count = excluded.fetch_count,
			cache_hit_count = excluded.cache_hit_count,
			failure_count = excluded.failure_count,
			last_event_at = excluded.last_event_at`,
		m.URL, m.DiscoveredFrom, m.FirstSeenAt.Unix(), nullableUnix(m.LastFetchedAt),
		nullableUnix(m.NextDueAt), m.LastStatus, m.RetryCount,
		nullString(m.LastFailureReason), nullableUnix(m.LastFailureAt),
		nullString(m.MarkdownRelPath), m.FetchCount, m.CacheHitCount, m.FailureCount,
		nullableUnix(m.LastEventAt))
	if err != nil {
		return fmt.Errorf("upsert metadata for %s: %w", m.URL, err)
	}
	return nil
}

// UpdateNextDue rewrites only next_due_at for a known URL. Used by the
// scheduler to fold sitemap lastmod hints into the refetch plan.
func (s *Store) UpdateNextDue(ctx context.Context, url string, nextDue time.Time) error {
	db, err := s.open()
	if err != nil {
		return err
	}
	defer db.Close()

	_, err = db.ExecContext(ctx, `UPDATE crawl_urls SET next_due_at = ? WHERE url = ?`,
		nullableUnix(nextDue), url)
	if err != nil {
		return fmt.Errorf("update next_due for %s: %w", url, err)
	}
	return nil
}

// LoadURLMetadata returns the row for url, or nil when unknown.
func (s *Store) LoadURLMetadata(ctx context.Context, url string) (*URLMetadata, error) {
	db, err := s.open()
	if err != nil {
		return nil, err
	}
	defer db.Close()

	row := db.QueryRowContext(ctx, `SELECT `+metadataColumns+` FROM crawl_urls WHERE url = ?`, url)
	m, err := scanMetadata(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load metadata for %s: %w", url, err)
	}
	return m, nil
}

// ListAllMetadata returns every crawl_urls row ordered by url.
func (s *Store) ListAllMetadata(ctx context.Context) ([]URLMetadata, error) {
	db, err := s.open()
	if err != nil {
		return nil, err
	}
	defer db.Close()

	rows, err := db.QueryContext(ctx, `SELECT `+metadataColumns+` FROM crawl_urls ORDER BY url`)
	if err != nil {
		return nil, fmt.Errorf("list metadata: %w", err)
	}
	defer rows.Close()

	out := []URLMetadata{}
	for rows.Next() {
		m, err := scanMetadata(rows)
		if err != nil {
			return nil, fmt.Errorf("scan metadata: %w", err)
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

// DeleteURLMetadata removes a single URL row and records a metadata_pruned
// event describing why.
func (s *Store) DeleteURLMetadata(ctx context.Context, url, reason string) error {
	db, err := s.open()
	if err != nil {
		return err
	}
	defer db.Close()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer rollback(tx, s.logger)

	if _, err := tx.ExecContext(ctx, `DELETE FROM crawl_urls WHERE url = ?`, url); err != nil {
		return fmt.Errorf("delete metadata for %s: %w", url, err)
	}
	if err := insertEvent(ctx, tx, &Event{
		EventAt:      time.Now().UTC(),
		CanonicalURL: url,
		EventType:    EventMetadataPruned,
		Reason:       reason,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// DeleteURLsByPrefix removes every URL row with the given prefix. Returns the
// number of rows removed.
func (s *Store) DeleteURLsByPrefix(ctx context.Context, prefix, reason string) (int, error) {
	db, err := s.open()
	if err != nil {
		return 0, err
	}
	defer db.Close()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer rollback(tx, s.logger)

	res, err := tx.ExecContext(ctx,
		`DELETE FROM crawl_urls WHERE url LIKE ? ESCAPE '\'`, likePrefix(prefix))
	if err != nil {
		return 0, fmt.Errorf("delete by prefix %s: %w", prefix, err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		if err := insertEvent(ctx, tx, &Event{
			EventAt:   time.Now().UTC(),
			EventType: EventMetadataPruned,
			Reason:    reason,
			Detail:    fmt.Sprintf(`{"prefix":%q,"removed":%d}`, prefix, n),
		}); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return int(n), nil
}

// MarkURLSuccess records a successful fetch: status success, retry counter
// reset, failure fields cleared, next_due_at advanced.
func (s *Store) MarkURLSuccess(ctx context.Context, url, mdRelPath string, nextDue time.Time) error {
	now := time.Now().UTC()

	db, err := s.open()
	if err != nil {
		return err
	}
	defer db.Close()

	_, err = db.ExecContext(ctx, `INSERT INTO crawl_urls
		(url, first_seen_at, last_fetched_at, next_due_at, last_status, retry_count,
		 last_failure_reason, last_failure_at, markdown_rel_path, last_event_at)
		VALUES (?, ?, ?, ?, ?, 0, NULL, NULL, ?, ?)
		ON CONFLICT(url) DO UPDATE SET
			last_fetched_at = excluded.last_fetched_at,
			next_due_at = excluded.next_due_at,
			last_status = excluded.last_status,
			retry_count = 0,
			last_failure_reason = NULL,
			last_failure_at = NULL,
			markdown_rel_path = excluded.markdown_rel_path,
			last_event_at = excluded.last_event_at`,
		url, now.Unix(), now.Unix(), nullableUnix(nextDue), StatusSuccess,
		nullString(mdRelPath), now.Unix())
	if err != nil {
		return fmt.Errorf("mark success for %s: %w", url, err)
	}
	return nil
}

// MarkURLFailed records a failed fetch: retry counter incremented, status
// failed, next_due_at pushed out with exponential backoff capped at
// maxIntervalHours.
func (s *Store) MarkURLFailed(ctx context.Context, url, reason string, maxIntervalHours int) error {
	now := time.Now().UTC()
	if maxIntervalHours <= 0 {
		maxIntervalHours = 24 * 7
	}

	db, err := s.open()
	if err != nil {
		return err
	}
	defer db.Close()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer rollback(tx, s.logger)

	var retry int
	err = tx.QueryRowContext(ctx, `SELECT retry_count FROM crawl_urls WHERE url = ?`, url).Scan(&retry)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("read retry count for %s: %w", url, err)
	}
	retry++

	backoffHours := 1 << (retry - 1)
	if retry > 16 || backoffHours > maxIntervalHours {
		backoffHours = maxIntervalHours
	}
	nextDue := now.Add(time.Duration(backoffHours) * time.Hour)

	_, err = tx.ExecContext(ctx, `INSERT INTO crawl_urls
		(url, first_seen_at, next_due_at, last_status, retry_count, last_failure_reason, last_failure_at, last_event_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(url) DO UPDATE SET
			next_due_at = excluded.next_due_at,
			last_status = excluded.last_status,
			retry_count = excluded.retry_count,
			last_failure_reason = excluded.last_failure_reason,
			last_failure_at = excluded.last_failure_at,
			last_event_at = excluded.last_event_at`,
		url, now.Unix(), nextDue.Unix(), StatusFailed, retry, reason, now.Unix(), now.Unix())
	if err != nil {
		return fmt.Errorf("mark failed for %s: %w", url, err)
	}
	return tx.Commit()
}

// WasRecentlyFetched reports whether url succeeded within the interval. Safe
// to call from crawler callbacks; it opens its own short-lived connection.
func (s *Store) WasRecentlyFetched(ctx context.Context, url string, interval time.Duration) (bool, error) {
	db, err := s.open()
	if err != nil {
		return false, err
	}
	defer db.Close()

	var fetchedAt sql.NullInt64
	err = db.QueryRowContext(ctx,
		`SELECT last_fetched_at FROM crawl_urls WHERE url = ? AND last_status = ?`,
		url, StatusSuccess).Scan(&fetchedAt)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("recently fetched check for %s: %w", url, err)
	}
	if !fetchedAt.Valid {
		return false, nil
	}
	return time.Since(time.Unix(fetchedAt.Int64, 0)) < interval, nil
}

// DueURLs returns every URL with next_due_at <= now, plus URLs never fetched.
func (s *Store) DueURLs(ctx context.Context, now time.Time) ([]string, error) {
	db, err := s.open()
	if err != nil {
		return nil, err
	}
	defer db.Close()

	rows, err := db.QueryContext(ctx,
		`SELECT url FROM crawl_urls
		 WHERE next_due_at IS NULL OR next_due_at <= ?
		 ORDER BY next_due_at`, now.Unix())
	if err != nil {
		return nil, fmt.Errorf("query due urls: %w", err)
	}
	defer rows.Close()

	out := []string{}
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// MetadataCounts aggregates crawl_urls by status in one query set.
func (s *Store) MetadataCounts(ctx context.Context, now time.Time) (MetadataCounts, error) {
	db, err := s.open()
	if err != nil {
		return MetadataCounts{}, err
	}
	defer db.Close()

	return metadataCountsTx(ctx, db, now)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func metadataCountsTx(ctx context.Context, q queryer, now time.Time) (MetadataCounts, error) {
	var c MetadataCounts
	err := q.QueryRowContext(ctx, `SELECT
		COUNT(*),
		SUM(CASE WHEN next_due_at IS NULL OR next_due_at <= ? THEN 1 ELSE 0 END),
		SUM(CASE WHEN last_status = 'success' THEN 1 ELSE 0 END),
		SUM(CASE WHEN last_status IN ('pending', 'processing') THEN 1 ELSE 0 END),
		SUM(CASE WHEN last_status = 'failed' THEN 1 ELSE 0 END)
		FROM crawl_urls`, now.Unix()).Scan(
		&c.Total,
		&nullInt{&c.Due}, &nullInt{&c.Successful}, &nullInt{&c.Pending}, &nullInt{&c.Failed})
	if err != nil {
		return MetadataCounts{}, fmt.Errorf("metadata counts: %w", err)
	}
	return c, nil
}

// nullInt scans a nullable aggregate into an int, treating NULL as zero.
type nullInt struct{ dst *int }

func (n *nullInt) Scan(v any) error {
	if v == nil {
		*n.dst = 0
		return nil
	}
	switch x := v.(type) {
	case int64:
		*n.dst = int(x)
	case int:
		*n.dst = x
	case float64:
		*n.dst = int(x)
	default:
		return fmt.Errorf("unsupported aggregate type %T", v)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMetadata(row rowScanner) (*URLMetadata, error) {
	var (
		m                                                  URLMetadata
		discoveredFrom, failureReason, mdRelPath           sql.NullString
		firstSeen, lastFetched, nextDue, failAt, lastEvent sql.NullInt64
	)
	err := row.Scan(&m.URL, &discoveredFrom, &firstSeen, &lastFetched, &nextDue,
		&m.LastStatus, &m.RetryCount, &failureReason, &failAt, &mdRelPath,
		&m.FetchCount, &m.CacheHitCount, &m.FailureCount, &lastEvent)
	if err != nil {
		return nil, err
	}
	m.DiscoveredFrom = discoveredFrom.String
	m.LastFailureReason = failureReason.String
	m.MarkdownRelPath = mdRelPath.String
	m.FirstSeenAt = unixOrZero(firstSeen.Int64, firstSeen.Valid)
	m.LastFetchedAt = unixOrZero(lastFetched.Int64, lastFetched.Valid)
	m.NextDueAt = unixOrZero(nextDue.Int64, nextDue.Valid)
	m.LastFailureAt = unixOrZero(failAt.Int64, failAt.Valid)
	m.LastEventAt = unixOrZero(lastEvent.Int64, lastEvent.Valid)
	return &m, nil
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func likePrefix(prefix string) string {
	escaped := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(prefix)
	return escaped + "%"
}
