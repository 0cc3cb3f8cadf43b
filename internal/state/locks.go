package state

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// LockNameCrawler is the lease name guarding the per-tenant crawler.
const LockNameCrawler = "crawler"

// TryAcquireLock attempts to take the named lease for owner with the given
// TTL. On success the new lease is returned. On conflict the persisted lease
// is returned instead so the caller can inspect its owner and expiry.
func (s *Store) TryAcquireLock(ctx context.Context, name, owner string, ttl time.Duration) (acquired *LockLease, existing *LockLease, err error) {
	now := time.Now().UTC()
	lease := &LockLease{
		Name:       name,
		Owner:      owner,
		AcquiredAt: now,
		ExpiresAt:  now.Add(ttl),
	}

	db, err := s.open()
	if err != nil {
		return nil, nil, err
	}
	defer db.Close()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("begin tx: %w", err)
	}
	defer rollback(tx, s.logger)

	_, err = tx.ExecContext(ctx, `INSERT OR ABORT INTO crawl_locks
		(name, owner, acquired_at, expires_at) VALUES (?, ?, ?, ?)`,
		name, owner, lease.AcquiredAt.Unix(), lease.ExpiresAt.Unix())
	if err == nil {
		if cerr := tx.Commit(); cerr != nil {
			return nil, nil, fmt.Errorf("commit lock acquire: %w", cerr)
		}
		return lease, nil, nil
	}

	// Conflict path: hand back the persisted lease.
	held := &LockLease{Name: name}
	var acquiredAt, expiresAt int64
	serr := tx.QueryRowContext(ctx,
		`SELECT owner, acquired_at, expires_at FROM crawl_locks WHERE name = ?`, name).
		Scan(&held.Owner, &acquiredAt, &expiresAt)
	if serr == sql.ErrNoRows {
		// Raced with a release between INSERT and SELECT; report conflict so
		// the caller retries.
		return nil, nil, fmt.Errorf("acquire lock %s: %w", name, err)
	}
	if serr != nil {
		return nil, nil, fmt.Errorf("read held lock %s: %w", name, serr)
	}
	held.AcquiredAt = time.Unix(acquiredAt, 0).UTC()
	held.ExpiresAt = time.Unix(expiresAt, 0).UTC()
	return nil, held, nil
}

// ReleaseLock deletes the lease only when the owner matches. Release by a
// non-owner is a no-op.
func (s *Store) ReleaseLock(ctx context.Context, lease *LockLease) error {
	if lease == nil {
		return nil
	}

	db, err := s.open()
	if err != nil {
		return err
	}
	defer db.Close()

	_, err = db.ExecContext(ctx,
		`DELETE FROM crawl_locks WHERE name = ? AND owner = ?`, lease.Name, lease.Owner)
	if err != nil {
		return fmt.Errorf("release lock %s: %w", lease.Name, err)
	}
	return nil
}

// BreakLock forcibly removes the named lease regardless of owner.
func (s *Store) BreakLock(ctx context.Context, name string) error {
	db, err := s.open()
	if err != nil {
		return err
	}
	defer db.Close()

	if _, err := db.ExecContext(ctx, `DELETE FROM crawl_locks WHERE name = ?`, name); err != nil {
		return fmt.Errorf("break lock %s: %w", name, err)
	}
	return nil
}

// GetLock returns the current lease for name, or nil when free.
func (s *Store) GetLock(ctx context.Context, name string) (*LockLease, error) {
	db, err := s.open()
	if err != nil {
		return nil, err
	}
	defer db.Close()

	lease := &LockLease{Name: name}
	var acquiredAt, expiresAt int64
	err = db.QueryRowContext(ctx,
		`SELECT owner, acquired_at, expires_at FROM crawl_locks WHERE name = ?`, name).
		Scan(&lease.Owner, &acquiredAt, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get lock %s: %w", name, err)
	}
	lease.AcquiredAt = time.Unix(acquiredAt, 0).UTC()
	lease.ExpiresAt = time.Unix(expiresAt, 0).UTC()
	return lease, nil
}
