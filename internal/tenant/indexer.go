package tenant

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/raysh454/biblio/internal/docs"
	"github.com/raysh454/biblio/internal/logging"
	_ "modernc.org/sqlite" // SQLite driver
)

// searchDirName is the reserved sibling directory holding the search index.
const searchDirName = "__search_segments"

const searchSchema = `
CREATE TABLE IF NOT EXISTS search_docs (
	rel_path TEXT PRIMARY KEY,
	url TEXT NOT NULL,
	title TEXT NOT NULL,
	excerpt TEXT NOT NULL,
	content TEXT NOT NULL,
	indexed_at INTEGER NOT NULL
);`

// SearchResult is one search hit.
type SearchResult struct {
	URL             string  `json:"url"`
	Title           string  `json:"title"`
	MarkdownRelPath string  `json:"markdown_rel_path"`
	Excerpt         string  `json:"excerpt"`
	Score           float64 `json:"score"`
}

// Indexer is the tenant search capability. Rebuild runs after every
// completed sync.
type Indexer interface {
	Rebuild(ctx context.Context) error
	Search(ctx context.Context, query string, limit int) ([]SearchResult, error)
}

// SQLiteIndexer keeps a flat search table beside the corpus, rebuilt from
// the markdown tree. Connections are short-lived, one per call.
type SQLiteIndexer struct {
	dbPath string
	corpus *docs.Corpus
	logger logging.Logger
	mu     sync.Mutex
}

// NewIndexer builds the search index for one tenant root.
func NewIndexer(tenantRoot string, corpus *docs.Corpus, logger logging.Logger) *SQLiteIndexer {
	if logger == nil {
		logger = logging.Nop()
	}
	return &SQLiteIndexer{
		dbPath: filepath.Join(tenantRoot, searchDirName, "search.sqlite"),
		corpus: corpus,
		logger: logger.With(logging.Field{Key: "component", Value: "indexer"}),
	}
}

func (ix *SQLiteIndexer) open() (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(ix.dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create search directory: %w", err)
	}
	db, err := sql.Open("sqlite", "file:"+ix.dbPath+"?_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("open search index: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 30000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	if _, err := db.Exec(searchSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply search schema: %w", err)
	}
	return db, nil
}

// Rebuild replaces the whole index from the corpus in one transaction.
func (ix *SQLiteIndexer) Rebuild(ctx context.Context) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	db, err := ix.open()
	if err != nil {
		return err
	}
	defer db.Close()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin rebuild tx: %w", err)
	}
	defer func() {
		if rerr := tx.Rollback(); rerr != nil && rerr != sql.ErrTxDone {
			ix.logger.Warn("rebuild rollback failed", logging.Field{Key: "error", Value: rerr.Error()})
		}
	}()

	if _, err := tx.ExecContext(ctx, `DELETE FROM search_docs`); err != nil {
		return fmt.Errorf("clear search index: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO search_docs
		(rel_path, url, title, excerpt, content, indexed_at)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare index insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().Unix()
	indexed := 0
	err = ix.corpus.WalkDocs(func(relPath string, doc *docs.Document) error {
		content := doc.Text
		if content == "" {
			content = doc.Markdown
		}
		_, ierr := stmt.ExecContext(ctx, relPath, doc.URL, doc.Title, doc.Excerpt,
			strings.ToLower(content), now)
		if ierr != nil {
			return fmt.Errorf("index %s: %w", relPath, ierr)
		}
		indexed++
		return nil
	})
	if err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit rebuild: %w", err)
	}
	ix.logger.Info("search index rebuilt", logging.Field{Key: "documents", Value: indexed})
	return nil
}

// Search ranks documents by term frequency, weighting title hits. An empty
// query returns no results.
func (ix *SQLiteIndexer) Search(ctx context.Context, query string, limit int) ([]SearchResult, error) {
	terms := tokenize(query)
	if len(terms) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}

	db, err := ix.open()
	if err != nil {
		return nil, err
	}
	defer db.Close()

	// Candidate rows match at least one term; precise scoring happens here.
	var (
		where []string
		args  []any
	)
	for _, term := range terms {
		where = append(where, "(content LIKE ? OR lower(title) LIKE ?)")
		pattern := "%" + term + "%"
		args = append(args, pattern, pattern)
	}

	rows, err := db.QueryContext(ctx, `SELECT rel_path, url, title, excerpt, content
		FROM search_docs WHERE `+strings.Join(where, " OR "), args...)
	if err != nil {
		return nil, fmt.Errorf("query search index: %w", err)
	}
	defer rows.Close()

	var results []SearchResult
	for rows.Next() {
		var (
			r       SearchResult
			content string
		)
		if err := rows.Scan(&r.MarkdownRelPath, &r.URL, &r.Title, &r.Excerpt, &content); err != nil {
			return nil, fmt.Errorf("scan search row: %w", err)
		}

		titleLower := strings.ToLower(r.Title)
		for _, term := range terms {
			r.Score += float64(strings.Count(content, term))
			if strings.Contains(titleLower, term) {
				r.Score += 5
			}
		}
		if r.Score > 0 {
			results = append(results, r)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

func tokenize(query string) []string {
	fields := strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9')
	})
	var terms []string
	seen := make(map[string]struct{})
	for _, f := range fields {
		if len(f) < 2 {
			continue
		}
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		terms = append(terms, f)
	}
	return terms
}
