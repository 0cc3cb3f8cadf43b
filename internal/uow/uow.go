// Package uow provides filesystem write-staging for the document corpus.
// Each unit of work stages writes in a private directory under the tenant
// root and merges them into the corpus on commit. SQLite state is out of
// scope here; only corpus files pass through a unit of work.
package uow

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/raysh454/biblio/internal/logging"
	"github.com/raysh454/biblio/internal/urlpath"
)

// StagingPrefix names the transient per-instance directories under the
// tenant root. The UUID suffix keeps concurrent instances from colliding.
const StagingPrefix = ".staging_"

// ErrClosed is returned by writes after Commit, Rollback or Close.
var ErrClosed = errors.New("uow: unit of work is closed")

// UnitOfWork stages corpus writes under <tenantRoot>/.staging_<uuid8>.
// Reads layer the staged version over the base corpus. Close without a
// prior Commit discards the staged files.
type UnitOfWork struct {
	root       string
	stagingDir string
	logger     logging.Logger

	mu        sync.Mutex
	staged    []string
	stagedSet map[string]struct{}
	committed bool
	closed    bool
}

// New creates a unit of work with a fresh staging directory under tenantRoot.
func New(tenantRoot string, logger logging.Logger) (*UnitOfWork, error) {
	if logger == nil {
		logger = logging.Nop()
	}
	stagingDir := filepath.Join(tenantRoot, StagingPrefix+uuid.NewString()[:8])
	if err := os.MkdirAll(stagingDir, 0755); err != nil {
		return nil, fmt.Errorf("create staging directory: %w", err)
	}
	return &UnitOfWork{
		root:       tenantRoot,
		stagingDir: stagingDir,
		logger:     logger.With(logging.Field{Key: "component", Value: "uow"}),
		stagedSet:  make(map[string]struct{}),
	}, nil
}

// StagingDir returns the absolute path of the staging directory.
func (u *UnitOfWork) StagingDir() string {
	return u.stagingDir
}

// WriteDoc stages a markdown document together with its mirrored metadata
// JSON under __docs_metadata.
func (u *UnitOfWork) WriteDoc(mdRelPath string, markdown, metaJSON []byte) error {
	if err := u.WriteFile(mdRelPath, markdown); err != nil {
		return err
	}
	metaRel := filepath.Join(urlpath.MetadataDirName,
		strings.TrimSuffix(mdRelPath, ".md")+".meta.json")
	return u.WriteFile(metaRel, metaJSON)
}

// WriteFile stages data at the given corpus-relative path.
func (u *UnitOfWork) WriteFile(relPath string, data []byte) error {
	rel, err := cleanRel(relPath)
	if err != nil {
		return err
	}

	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		return ErrClosed
	}

	dst := filepath.Join(u.stagingDir, rel)
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return fmt.Errorf("create staging subdirectory: %w", err)
	}
	if err := os.WriteFile(dst, data, 0644); err != nil {
		return fmt.Errorf("stage %s: %w", rel, err)
	}
	if _, seen := u.stagedSet[rel]; !seen {
		u.stagedSet[rel] = struct{}{}
		u.staged = append(u.staged, rel)
	}
	return nil
}

// ReadFile returns the staged version of relPath if this unit of work wrote
// one, falling back to the base corpus otherwise.
func (u *UnitOfWork) ReadFile(relPath string) ([]byte, error) {
	rel, err := cleanRel(relPath)
	if err != nil {
		return nil, err
	}

	u.mu.Lock()
	_, staged := u.stagedSet[rel]
	closed := u.closed
	u.mu.Unlock()

	if staged && !closed {
		return os.ReadFile(filepath.Join(u.stagingDir, rel))
	}
	return os.ReadFile(filepath.Join(u.root, rel))
}

// Exists reports whether relPath is visible through this unit of work,
// either staged or already in the base corpus.
func (u *UnitOfWork) Exists(relPath string) bool {
	rel, err := cleanRel(relPath)
	if err != nil {
		return false
	}

	u.mu.Lock()
	_, staged := u.stagedSet[rel]
	closed := u.closed
	u.mu.Unlock()

	if staged && !closed {
		return true
	}
	_, err = os.Stat(filepath.Join(u.root, rel))
	return err == nil
}

// Commit moves every staged file into the base corpus, file by file: the
// destination parent is ensured, any existing file or directory at the
// destination is removed, then the staged file is moved. There is no
// cross-file atomicity; a partial failure leaves already-moved files in
// place and the caller retries with a new unit of work. After the moves the
// staging directory is removed.
func (u *UnitOfWork) Commit() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		return ErrClosed
	}

	for _, rel := range u.staged {
		src := filepath.Join(u.stagingDir, rel)
		dst := filepath.Join(u.root, rel)
		if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
			return fmt.Errorf("create corpus directory for %s: %w", rel, err)
		}
		if err := os.RemoveAll(dst); err != nil {
			return fmt.Errorf("clear destination %s: %w", rel, err)
		}
		if err := moveFile(src, dst); err != nil {
			return fmt.Errorf("move %s into corpus: %w", rel, err)
		}
	}

	if err := os.RemoveAll(u.stagingDir); err != nil {
		u.logger.Warn("staging cleanup failed",
			logging.Field{Key: "dir", Value: u.stagingDir},
			logging.Field{Key: "error", Value: err.Error()})
	}
	u.committed = true
	u.closed = true
	return nil
}

// Rollback discards the staging directory and all staged writes.
func (u *UnitOfWork) Rollback() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.discardLocked()
}

// Close releases the unit of work. Without a prior Commit the staged files
// are discarded. Close is idempotent.
func (u *UnitOfWork) Close() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		return nil
	}
	return u.discardLocked()
}

func (u *UnitOfWork) discardLocked() error {
	if u.closed {
		return nil
	}
	u.closed = true
	if err := os.RemoveAll(u.stagingDir); err != nil {
		return fmt.Errorf("remove staging directory: %w", err)
	}
	return nil
}

// Committed reports whether Commit completed.
func (u *UnitOfWork) Committed() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.committed
}

// StagedCount returns the number of distinct staged paths.
func (u *UnitOfWork) StagedCount() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.staged)
}

// SweepOrphans removes .staging* directories under tenantRoot older than
// maxAge. Run at tenant initialization to clean up after a crash; live
// instances are protected by the age cutoff.
func SweepOrphans(tenantRoot string, maxAge time.Duration, logger logging.Logger) (int, error) {
	if logger == nil {
		logger = logging.Nop()
	}
	entries, err := os.ReadDir(tenantRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("read tenant root: %w", err)
	}

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), ".staging") {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		dir := filepath.Join(tenantRoot, entry.Name())
		if err := os.RemoveAll(dir); err != nil {
			logger.Warn("orphan staging sweep failed",
				logging.Field{Key: "dir", Value: dir},
				logging.Field{Key: "error", Value: err.Error()})
			continue
		}
		removed++
	}
	if removed > 0 {
		logger.Info("swept orphaned staging directories",
			logging.Field{Key: "count", Value: removed})
	}
	return removed, nil
}

// cleanRel validates and normalizes a corpus-relative path.
func cleanRel(relPath string) (string, error) {
	if relPath == "" {
		return "", errors.New("uow: empty relative path")
	}
	rel := filepath.Clean(filepath.FromSlash(relPath))
	if filepath.IsAbs(rel) || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("uow: path escapes corpus root: %s", relPath)
	}
	return rel, nil
}

// moveFile renames src to dst, falling back to copy+remove when the rename
// crosses filesystems.
func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	} else if !isCrossDevice(err) {
		return err
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Remove(src)
}

func isCrossDevice(err error) bool {
	var linkErr *os.LinkError
	if !errors.As(err, &linkErr) {
		return false
	}
	return strings.Contains(strings.ToLower(linkErr.Err.Error()), "cross-device")
}
