package state

import (
	"context"
	"fmt"
	"time"

	"github.com/raysh454/biblio/internal/logging"
)

// Default retention for the event log.
const (
	DefaultEventRetentionDays = 49
	DefaultEventMaxRows       = 200000
)

// Maintenance prunes old events, trims the log to its row cap (oldest first),
// truncates the WAL and reclaims freelist pages. The operation is idempotent
// and skips silently when the database is busy.
func (s *Store) Maintenance(ctx context.Context, retentionDays, maxRows int) error {
	if retentionDays <= 0 {
		retentionDays = DefaultEventRetentionDays
	}
	if maxRows <= 0 {
		maxRows = DefaultEventMaxRows
	}

	db, err := s.open()
	if err != nil {
		return err
	}
	defer db.Close()

	cutoff := time.Now().AddDate(0, 0, -retentionDays).Unix()
	res, err := db.ExecContext(ctx, `DELETE FROM crawl_events WHERE event_at < ?`, cutoff)
	if err != nil {
		if isBusy(err) {
			s.logger.Debug("maintenance skipped, database busy")
			return nil
		}
		return fmt.Errorf("prune old events: %w", err)
	}
	pruned, _ := res.RowsAffected()

	res, err = db.ExecContext(ctx, `DELETE FROM crawl_events WHERE id IN (
		SELECT id FROM crawl_events ORDER BY event_at ASC, id ASC
		LIMIT max(0, (SELECT COUNT(*) FROM crawl_events) - ?))`, maxRows)
	if err != nil {
		if isBusy(err) {
			s.logger.Debug("maintenance skipped, database busy")
			return nil
		}
		return fmt.Errorf("trim events to cap: %w", err)
	}
	trimmed, _ := res.RowsAffected()

	// Checkpoint history is unbounded otherwise; keep the most recent 50.
	if _, err := db.ExecContext(ctx, `DELETE FROM crawl_checkpoint_history WHERE id IN (
		SELECT id FROM crawl_checkpoint_history ORDER BY created_at ASC, id ASC
		LIMIT max(0, (SELECT COUNT(*) FROM crawl_checkpoint_history) - 50))`); err != nil && !isBusy(err) {
		return fmt.Errorf("trim checkpoint history: %w", err)
	}

	if _, err := db.ExecContext(ctx, `PRAGMA wal_checkpoint(TRUNCATE)`); err != nil && !isBusy(err) {
		return fmt.Errorf("wal checkpoint: %w", err)
	}

	var freelist int
	if err := db.QueryRowContext(ctx, `PRAGMA freelist_count`).Scan(&freelist); err == nil && freelist > 0 {
		if _, err := db.ExecContext(ctx, `PRAGMA incremental_vacuum`); err != nil && !isBusy(err) {
			return fmt.Errorf("incremental vacuum: %w", err)
		}
	}

	if pruned > 0 || trimmed > 0 {
		s.logger.Info("maintenance complete",
			logging.Field{Key: "pruned", Value: pruned},
			logging.Field{Key: "trimmed", Value: trimmed},
			logging.Field{Key: "freelist", Value: freelist})
	}
	return nil
}
