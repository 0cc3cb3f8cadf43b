package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// SaveSummary stores the result of the last completed sync cycle.
func (s *Store) SaveSummary(ctx context.Context, sum *Summary) error {
	payload, err := json.Marshal(sum)
	if err != nil {
		return fmt.Errorf("marshal summary: %w", err)
	}

	db, err := s.open()
	if err != nil {
		return err
	}
	defer db.Close()

	_, err = db.ExecContext(ctx, `INSERT INTO crawl_summary (id, payload, updated_at)
		VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			payload = excluded.payload,
			updated_at = excluded.updated_at`,
		string(payload), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("save summary: %w", err)
	}
	return nil
}

// LoadSummary returns the last stored summary, or nil when absent.
func (s *Store) LoadSummary(ctx context.Context) (*Summary, error) {
	db, err := s.open()
	if err != nil {
		return nil, err
	}
	defer db.Close()

	var payload string
	err = db.QueryRowContext(ctx, `SELECT payload FROM crawl_summary WHERE id = 1`).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load summary: %w", err)
	}

	var sum Summary
	if err := json.Unmarshal([]byte(payload), &sum); err != nil {
		return nil, fmt.Errorf("decode summary: %w", err)
	}
	return &sum, nil
}

// GetStatusSnapshot computes queue depth, metadata counts and samples in a
// single transaction so the numbers are mutually consistent.
func (s *Store) GetStatusSnapshot(ctx context.Context) (*StatusSnapshot, error) {
	now := time.Now().UTC()

	db, err := s.open()
	if err != nil {
		return nil, err
	}
	defer db.Close()

	tx, err := db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer rollback(tx, s.logger)

	snap := &StatusSnapshot{}

	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM crawl_queue`).Scan(&snap.QueueDepth); err != nil {
		return nil, fmt.Errorf("snapshot queue depth: %w", err)
	}

	counts, err := metadataCountsTx(ctx, tx, now)
	if err != nil {
		return nil, err
	}
	snap.Metadata = counts

	rows, err := tx.QueryContext(ctx, `SELECT url FROM crawl_urls
		WHERE last_status IN ('pending', 'processing')
		ORDER BY last_event_at DESC LIMIT 5`)
	if err != nil {
		return nil, fmt.Errorf("snapshot pending sample: %w", err)
	}
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			rows.Close()
			return nil, err
		}
		snap.PendingSample = append(snap.PendingSample, u)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = tx.QueryContext(ctx, `SELECT url, last_failure_reason, last_failure_at, retry_count
		FROM crawl_urls WHERE last_status = 'failed'
		ORDER BY last_failure_at DESC LIMIT 5`)
	if err != nil {
		return nil, fmt.Errorf("snapshot failure sample: %w", err)
	}
	for rows.Next() {
		var (
			f        FailureSample
			reason   sql.NullString
			failedAt sql.NullInt64
		)
		if err := rows.Scan(&f.URL, &reason, &failedAt, &f.RetryCount); err != nil {
			rows.Close()
			return nil, err
		}
		f.Reason = reason.String
		f.FailedAt = unixOrZero(failedAt.Int64, failedAt.Valid)
		snap.FailureSamples = append(snap.FailureSamples, f)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var lastEvent sql.NullInt64
	if err := tx.QueryRowContext(ctx, `SELECT MAX(event_at) FROM crawl_events`).Scan(&lastEvent); err != nil {
		return nil, fmt.Errorf("snapshot last event: %w", err)
	}
	snap.LastEventAt = unixOrZero(lastEvent.Int64, lastEvent.Valid)

	return snap, nil
}
