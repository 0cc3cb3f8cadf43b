package state

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SaveProgress writes the live progress payload (single row).
func (s *Store) SaveProgress(ctx context.Context, syncID string, payload []byte) error {
	if syncID == "" {
		return fmt.Errorf("save progress: empty sync id")
	}

	db, err := s.open()
	if err != nil {
		return err
	}
	defer db.Close()

	_, err = db.ExecContext(ctx, `INSERT INTO crawl_progress (id, sync_id, payload, updated_at)
		VALUES (1, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			sync_id = excluded.sync_id,
			payload = excluded.payload,
			updated_at = excluded.updated_at`,
		syncID, string(payload), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("save progress: %w", err)
	}
	return nil
}

// LoadProgress returns the live progress payload, or ("", nil, nil) when no
// progress row exists.
func (s *Store) LoadProgress(ctx context.Context) (syncID string, payload []byte, err error) {
	db, err := s.open()
	if err != nil {
		return "", nil, err
	}
	defer db.Close()

	var p string
	err = db.QueryRowContext(ctx, `SELECT sync_id, payload FROM crawl_progress WHERE id = 1`).
		Scan(&syncID, &p)
	if err == sql.ErrNoRows {
		return "", nil, nil
	}
	if err != nil {
		return "", nil, fmt.Errorf("load progress: %w", err)
	}
	return syncID, []byte(p), nil
}

// DeleteProgress drops the live progress row.
func (s *Store) DeleteProgress(ctx context.Context) error {
	db, err := s.open()
	if err != nil {
		return err
	}
	defer db.Close()

	if _, err := db.ExecContext(ctx, `DELETE FROM crawl_progress`); err != nil {
		return fmt.Errorf("delete progress: %w", err)
	}
	return nil
}

// SaveCheckpoint persists a durable checkpoint of the progress payload, and
// mirrors it into crawl_progress so a crash resumes from the same state.
// With keepHistory the checkpoint is also appended to the history table.
func (s *Store) SaveCheckpoint(ctx context.Context, syncID string, payload []byte, keepHistory bool) error {
	if syncID == "" {
		return fmt.Errorf("save checkpoint: empty sync id")
	}
	now := time.Now().Unix()

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

	_, err = tx.ExecContext(ctx, `INSERT INTO crawl_checkpoint (id, sync_id, payload, updated_at)
		VALUES (1, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			sync_id = excluded.sync_id,
			payload = excluded.payload,
			updated_at = excluded.updated_at`,
		syncID, string(payload), now)
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}

	_, err = tx.ExecContext(ctx, `INSERT INTO crawl_progress (id, sync_id, payload, updated_at)
		VALUES (1, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			sync_id = excluded.sync_id,
			payload = excluded.payload,
			updated_at = excluded.updated_at`,
		syncID, string(payload), now)
	if err != nil {
		return fmt.Errorf("mirror checkpoint to progress: %w", err)
	}

	if keepHistory {
		_, err = tx.ExecContext(ctx, `INSERT INTO crawl_checkpoint_history (sync_id, payload, created_at)
			VALUES (?, ?, ?)`, syncID, string(payload), now)
		if err != nil {
			return fmt.Errorf("append checkpoint history: %w", err)
		}
	}

	return tx.Commit()
}

// LoadCheckpoint returns the latest durable checkpoint, or ("", nil, nil)
// when none exists.
func (s *Store) LoadCheckpoint(ctx context.Context) (syncID string, payload []byte, err error) {
	db, err := s.open()
	if err != nil {
		return "", nil, err
	}
	defer db.Close()

	var p string
	err = db.QueryRowContext(ctx, `SELECT sync_id, payload FROM crawl_checkpoint WHERE id = 1`).
		Scan(&syncID, &p)
	if err == sql.ErrNoRows {
		return "", nil, nil
	}
	if err != nil {
		return "", nil, fmt.Errorf("load checkpoint: %w", err)
	}
	return syncID, []byte(p), nil
}

// CheckpointHistoryCount returns the number of history rows. Used by
// maintenance and tests.
func (s *Store) CheckpointHistoryCount(ctx context.Context) (int, error) {
	db, err := s.open()
	if err != nil {
		return 0, err
	}
	defer db.Close()

	var n int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM crawl_checkpoint_history`).Scan(&n); err != nil {
		return 0, fmt.Errorf("checkpoint history count: %w", err)
	}
	return n, nil
}
