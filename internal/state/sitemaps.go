package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// SitemapSnapshot captures the digest of one fetched sitemap so the next
// cycle can detect change without re-parsing.
type SitemapSnapshot struct {
	EntryCount    int       `json:"entry_count"`
	FilteredCount int       `json:"filtered_count"`
	ContentHash   string    `json:"content_hash"`
	FetchedAt     time.Time `json:"fetched_at"`
}

// SaveSitemapSnapshot stores or replaces the snapshot for snapshotID.
func (s *Store) SaveSitemapSnapshot(ctx context.Context, snapshotID string, snap *SitemapSnapshot) error {
	if snapshotID == "" {
		return fmt.Errorf("save sitemap snapshot: empty id")
	}
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal sitemap snapshot: %w", err)
	}

	db, err := s.open()
	if err != nil {
		return err
	}
	defer db.Close()

	_, err = db.ExecContext(ctx, `INSERT INTO crawl_sitemaps (snapshot_id, payload, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(snapshot_id) DO UPDATE SET
			payload = excluded.payload,
			updated_at = excluded.updated_at`,
		snapshotID, string(payload), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("save sitemap snapshot %s: %w", snapshotID, err)
	}
	return nil
}

// GetSitemapSnapshot returns the stored snapshot, or nil when absent.
func (s *Store) GetSitemapSnapshot(ctx context.Context, snapshotID string) (*SitemapSnapshot, error) {
	db, err := s.open()
	if err != nil {
		return nil, err
	}
	defer db.Close()

	var payload string
	err = db.QueryRowContext(ctx,
		`SELECT payload FROM crawl_sitemaps WHERE snapshot_id = ?`, snapshotID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get sitemap snapshot %s: %w", snapshotID, err)
	}

	var snap SitemapSnapshot
	if err := json.Unmarshal([]byte(payload), &snap); err != nil {
		return nil, fmt.Errorf("decode sitemap snapshot %s: %w", snapshotID, err)
	}
	return &snap, nil
}
