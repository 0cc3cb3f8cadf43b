package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/raysh454/biblio/internal/logging"
	_ "modernc.org/sqlite" // SQLite driver
)

const (
	// StateDirName is the reserved sibling directory holding the SQLite file.
	StateDirName = "__crawl_state"

	dbFileName    = "crawl.sqlite"
	busyTimeoutMS = 30000

	openAttempts = 3
)

// ErrDatabaseCritical is returned when the database cannot be opened after
// all retries. The caller must exit the process so the supervisor restarts it.
var ErrDatabaseCritical = errors.New("state: database critical")

// Store is the per-tenant crawl state store. Each public method opens a
// fresh short-lived connection; no handle is held across blocking calls.
type Store struct {
	dbPath string
	logger logging.Logger
}

// New initializes the store rooted at the tenant directory: it ensures the
// state directory exists, applies the schema and verifies the database is
// usable. Open failures self-heal with up to 3 attempts and exponential
// backoff; after exhaustion the error wraps ErrDatabaseCritical.
func New(tenantRoot string, logger logging.Logger) (*Store, error) {
	if logger == nil {
		return nil, errors.New("state: nil logger provided")
	}

	s := &Store{
		dbPath: filepath.Join(tenantRoot, StateDirName, dbFileName),
		logger: logger.With(logging.Field{Key: "component", Value: "state"}),
	}

	var lastErr error
	backoff := 250 * time.Millisecond
	for attempt := 1; attempt <= openAttempts; attempt++ {
		if err := os.MkdirAll(filepath.Dir(s.dbPath), 0755); err != nil {
			lastErr = fmt.Errorf("create state directory: %w", err)
		} else if err := s.initSchema(); err != nil {
			lastErr = err
		} else {
			return s, nil
		}

		s.logger.Warn("state db open failed",
			logging.Field{Key: "attempt", Value: attempt},
			logging.Field{Key: "path", Value: s.dbPath},
			logging.Field{Key: "error", Value: lastErr.Error()})
		if attempt < openAttempts {
			time.Sleep(backoff)
			backoff *= 2
		}
	}

	return nil, fmt.Errorf("%w: open %s after %d attempts: %v", ErrDatabaseCritical, s.dbPath, openAttempts, lastErr)
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.dbPath
}

func (s *Store) initSchema() error {
	db, err := s.open()
	if err != nil {
		return err
	}
	defer db.Close()

	if _, err := db.Exec("PRAGMA auto_vacuum = INCREMENTAL"); err != nil {
		return fmt.Errorf("set auto_vacuum: %w", err)
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// open returns a fresh connection with the standard pragmas applied. Callers
// must Close it; keep the connection scoped to a single public operation.
// Transactions start as BEGIN IMMEDIATE so contended writers queue on the
// busy timeout instead of failing mid-transaction.
func (s *Store) open() (*sql.DB, error) {
	db, err := sql.Open("sqlite", "file:"+s.dbPath+"?_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busyTimeoutMS),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA temp_store = MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("execute %s: %w", pragma, err)
		}
	}
	return db, nil
}

func rollback(tx *sql.Tx, logger logging.Logger) {
	if rerr := tx.Rollback(); rerr != nil && rerr != sql.ErrTxDone {
		if logger != nil {
			logger.Warn("tx rollback failed", logging.Field{Key: "error", Value: rerr.Error()})
		}
	}
}

// isBusy reports whether err is an SQLITE_BUSY / locked condition.
func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "busy")
}

// SetMeta stores a key/value pair in crawl_meta.
func (s *Store) SetMeta(ctx context.Context, key, value string) error {
	db, err := s.open()
	if err != nil {
		return err
	}
	defer db.Close()

	_, err = db.ExecContext(ctx,
		`INSERT INTO crawl_meta (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("set meta %s: %w", key, err)
	}
	return nil
}

// GetMeta returns the value for key, or "" when absent.
func (s *Store) GetMeta(ctx context.Context, key string) (string, error) {
	db, err := s.open()
	if err != nil {
		return "", err
	}
	defer db.Close()

	var v sql.NullString
	err = db.QueryRowContext(ctx, `SELECT value FROM crawl_meta WHERE key = ?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get meta %s: %w", key, err)
	}
	return v.String, nil
}

// DebugLog appends an operator-facing note to crawl_debug.
func (s *Store) DebugLog(ctx context.Context, scope, message, detail string) error {
	db, err := s.open()
	if err != nil {
		return err
	}
	defer db.Close()

	_, err = db.ExecContext(ctx,
		`INSERT INTO crawl_debug (logged_at, scope, message, detail) VALUES (?, ?, ?, ?)`,
		time.Now().Unix(), scope, message, detail)
	if err != nil {
		return fmt.Errorf("insert debug row: %w", err)
	}
	return nil
}
