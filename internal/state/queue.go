package state

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// EnqueueURLs atomically adds canonical URLs to the work queue. URLs that
// succeeded within retryInterval are skipped unless force is set. Re-enqueue
// of a queued URL refreshes enqueued_at and priority. Returns the number of
// URLs queued.
func (s *Store) EnqueueURLs(ctx context.Context, urls []string, reason string, priority int, force bool, retryInterval time.Duration) (int, error) {
	if len(urls) == 0 {
		return 0, nil
	}
	now := time.Now().UTC()

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

	stmtRecent, err := tx.PrepareContext(ctx,
		`SELECT last_fetched_at FROM crawl_urls WHERE url = ? AND last_status = ?`)
	if err != nil {
		return 0, fmt.Errorf("prepare recency check: %w", err)
	}
	defer stmtRecent.Close()

	stmtInsert, err := tx.PrepareContext(ctx, `INSERT INTO crawl_queue
		(canonical_url, url, enqueued_at, priority, reason)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(canonical_url) DO UPDATE SET
			enqueued_at = excluded.enqueued_at,
			priority = excluded.priority,
			reason = excluded.reason`)
	if err != nil {
		return 0, fmt.Errorf("prepare enqueue: %w", err)
	}
	defer stmtInsert.Close()

	queued := 0
	for _, u := range urls {
		if !force && retryInterval > 0 {
			var fetchedAt sql.NullInt64
			err := stmtRecent.QueryRowContext(ctx, u, StatusSuccess).Scan(&fetchedAt)
			if err != nil && err != sql.ErrNoRows {
				return 0, fmt.Errorf("recency check for %s: %w", u, err)
			}
			if err == nil && fetchedAt.Valid && now.Sub(time.Unix(fetchedAt.Int64, 0)) < retryInterval {
				continue
			}
		}

		if _, err := stmtInsert.ExecContext(ctx, u, u, now.Unix(), priority, reason); err != nil {
			return 0, fmt.Errorf("enqueue %s: %w", u, err)
		}
		if err := insertEvent(ctx, tx, &Event{
			EventAt:      now,
			CanonicalURL: u,
			EventType:    EventQueueEnqueued,
			Reason:       reason,
		}); err != nil {
			return 0, err
		}
		queued++
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit enqueue: %w", err)
	}
	return queued, nil
}

// DequeueBatch removes up to limit entries from the queue (priority first,
// oldest first) and marks the corresponding URLs as processing. An empty
// queue yields an empty slice.
func (s *Store) DequeueBatch(ctx context.Context, limit int) ([]QueueEntry, error) {
	if limit <= 0 {
		limit = 1
	}
	now := time.Now().UTC()

	db, err := s.open()
	if err != nil {
		return nil, err
	}
	defer db.Close()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer rollback(tx, s.logger)

	rows, err := tx.QueryContext(ctx, `SELECT canonical_url, url, enqueued_at, priority, reason
		FROM crawl_queue ORDER BY priority DESC, enqueued_at ASC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query queue: %w", err)
	}

	batch := []QueueEntry{}
	for rows.Next() {
		var (
			e          QueueEntry
			enqueuedAt int64
			reason     sql.NullString
		)
		if err := rows.Scan(&e.CanonicalURL, &e.URL, &enqueuedAt, &e.Priority, &reason); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan queue row: %w", err)
		}
		e.EnqueuedAt = time.Unix(enqueuedAt, 0).UTC()
		e.Reason = reason.String
		batch = append(batch, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, e := range batch {
		if _, err := tx.ExecContext(ctx, `DELETE FROM crawl_queue WHERE canonical_url = ?`, e.CanonicalURL); err != nil {
			return nil, fmt.Errorf("delete queue row %s: %w", e.CanonicalURL, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO crawl_urls (url, first_seen_at, last_status, last_event_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(url) DO UPDATE SET last_status = excluded.last_status, last_event_at = excluded.last_event_at`,
			e.CanonicalURL, now.Unix(), StatusProcessing, now.Unix()); err != nil {
			return nil, fmt.Errorf("mark processing %s: %w", e.CanonicalURL, err)
		}
		if err := insertEvent(ctx, tx, &Event{
			EventAt:      now,
			CanonicalURL: e.CanonicalURL,
			EventType:    EventQueueDequeued,
		}); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit dequeue: %w", err)
	}
	return batch, nil
}

// RemoveFromQueue drops a single queued URL.
func (s *Store) RemoveFromQueue(ctx context.Context, url string) error {
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

	res, err := tx.ExecContext(ctx, `DELETE FROM crawl_queue WHERE canonical_url = ?`, url)
	if err != nil {
		return fmt.Errorf("remove from queue %s: %w", url, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		if err := insertEvent(ctx, tx, &Event{
			EventAt:      time.Now().UTC(),
			CanonicalURL: url,
			EventType:    EventQueueRemoved,
		}); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ClearQueue removes every queued entry, recording the reason once.
func (s *Store) ClearQueue(ctx context.Context, reason string) (int, error) {
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

	res, err := tx.ExecContext(ctx, `DELETE FROM crawl_queue`)
	if err != nil {
		return 0, fmt.Errorf("clear queue: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		if err := insertEvent(ctx, tx, &Event{
			EventAt:   time.Now().UTC(),
			EventType: EventQueueRemoved,
			Reason:    reason,
			Detail:    fmt.Sprintf(`{"cleared":%d}`, n),
		}); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return int(n), nil
}

// QueueDepth returns the number of queued entries.
func (s *Store) QueueDepth(ctx context.Context) (int, error) {
	db, err := s.open()
	if err != nil {
		return 0, err
	}
	defer db.Close()

	var n int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM crawl_queue`).Scan(&n); err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	return n, nil
}
