package state

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// RecordEvent appends an event and applies its side effects to crawl_urls:
// a row is upserted with first_seen_at when missing, the counter matching
// the event type is bumped, and last_event_at is refreshed.
func (s *Store) RecordEvent(ctx context.Context, ev *Event) error {
	if ev == nil || ev.EventType == "" {
		return fmt.Errorf("record event: missing event type")
	}
	if ev.EventAt.IsZero() {
		ev.EventAt = time.Now().UTC()
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

	if err := insertEvent(ctx, tx, ev); err != nil {
		return err
	}
	return tx.Commit()
}

// insertEvent writes the event row and its crawl_urls side effects inside an
// existing transaction.
func insertEvent(ctx context.Context, tx *sql.Tx, ev *Event) error {
	if ev.EventAt.IsZero() {
		ev.EventAt = time.Now().UTC()
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO crawl_events
		(event_at, canonical_url, url, event_type, status, reason, detail, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.EventAt.Unix(), nullString(ev.CanonicalURL), nullString(ev.URL),
		ev.EventType, nullString(ev.Status), nullString(ev.Reason),
		nullString(ev.Detail), ev.DurationMS)
	if err != nil {
		return fmt.Errorf("insert event %s: %w", ev.EventType, err)
	}

	if ev.CanonicalURL == "" {
		return nil
	}

	counter := ""
	switch ev.EventType {
	case EventCacheHit:
		counter = "cache_hit_count"
	case EventFetchSuccess:
		counter = "fetch_count"
	case EventFetchFailure, EventCrawlError:
		counter = "failure_count"
	}

	// The counter starts at 1 on the insert arm so the first event ever
	// seen for a URL counts too.
	cols := "url, first_seen_at, last_event_at"
	vals := "?, ?, ?"
	set := "last_event_at = excluded.last_event_at"
	if counter != "" {
		cols += ", " + counter
		vals += ", 1"
		set = counter + " = " + counter + " + 1, " + set
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO crawl_urls (`+cols+`)
		VALUES (`+vals+`)
		ON CONFLICT(url) DO UPDATE SET `+set,
		ev.CanonicalURL, ev.EventAt.Unix(), ev.EventAt.Unix())
	if err != nil {
		return fmt.Errorf("event side effect for %s: %w", ev.CanonicalURL, err)
	}
	return nil
}

// EventLog returns the most recent events, newest first, narrowed by filter.
func (s *Store) EventLog(ctx context.Context, limit int, filter EventFilter) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}

	db, err := s.open()
	if err != nil {
		return nil, err
	}
	defer db.Close()

	var (
		conds []string
		args  []any
	)
	if filter.EventType != "" {
		conds = append(conds, "event_type = ?")
		args = append(args, filter.EventType)
	}
	if filter.CanonicalURL != "" {
		conds = append(conds, "canonical_url = ?")
		args = append(args, filter.CanonicalURL)
	}
	if !filter.Since.IsZero() {
		conds = append(conds, "event_at >= ?")
		args = append(args, filter.Since.Unix())
	}

	q := `SELECT id, event_at, canonical_url, url, event_type, status, reason, detail, duration_ms FROM crawl_events`
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	q += " ORDER BY event_at DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query event log: %w", err)
	}
	defer rows.Close()

	out := []Event{}
	for rows.Next() {
		var (
			e                           Event
			eventAt                     int64
			canonical, u, st, rs, dt    sql.NullString
			durationMS                  sql.NullInt64
		)
		if err := rows.Scan(&e.ID, &eventAt, &canonical, &u, &e.EventType, &st, &rs, &dt, &durationMS); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.EventAt = time.Unix(eventAt, 0).UTC()
		e.CanonicalURL = canonical.String
		e.URL = u.String
		e.Status = st.String
		e.Reason = rs.String
		e.Detail = dt.String
		e.DurationMS = durationMS.Int64
		out = append(out, e)
	}
	return out, rows.Err()
}

// EventHistory buckets events since the given instant into fixed windows for
// time-series dashboards.
func (s *Store) EventHistory(ctx context.Context, since time.Time, bucketSeconds int) ([]EventBucket, error) {
	if bucketSeconds <= 0 {
		bucketSeconds = 3600
	}

	db, err := s.open()
	if err != nil {
		return nil, err
	}
	defer db.Close()

	rows, err := db.QueryContext(ctx, `SELECT
		(event_at / ?) * ? AS bucket, event_type, COUNT(*)
		FROM crawl_events WHERE event_at >= ?
		GROUP BY bucket, event_type
		ORDER BY bucket ASC`,
		bucketSeconds, bucketSeconds, since.Unix())
	if err != nil {
		return nil, fmt.Errorf("query event history: %w", err)
	}
	defer rows.Close()

	out := []EventBucket{}
	for rows.Next() {
		var (
			b      EventBucket
			bucket int64
		)
		if err := rows.Scan(&bucket, &b.EventType, &b.Count); err != nil {
			return nil, fmt.Errorf("scan event bucket: %w", err)
		}
		b.BucketStart = time.Unix(bucket, 0).UTC()
		out = append(out, b)
	}
	return out, rows.Err()
}
