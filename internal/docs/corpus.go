package docs

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/raysh454/biblio/internal/state"
	"github.com/raysh454/biblio/internal/urlpath"
)

// ErrNotFound is returned when no document exists for a URL or path.
var ErrNotFound = errors.New("docs: document not found")

// Tree browsing depth bounds.
const (
	MinTreeDepth = 1
	MaxTreeDepth = 5
)

// Corpus reads the per-tenant document tree. Writes never go through here;
// they are staged by a unit of work.
type Corpus struct {
	root    string
	builder *urlpath.Builder
}

// NewCorpus returns a reader over the tenant root.
func NewCorpus(root string, builder *urlpath.Builder) *Corpus {
	return &Corpus{root: root, builder: builder}
}

// Root returns the corpus root directory.
func (c *Corpus) Root() string {
	return c.root
}

// Load resolves a URL to its markdown path and reads the document plus its
// metadata mirror. Returns ErrNotFound when the markdown file is absent.
func (c *Corpus) Load(rawURL string) (*Document, error) {
	rel, err := c.builder.MarkdownPath(rawURL)
	if err != nil {
		return nil, err
	}
	return c.LoadByRelPath(rel)
}

// LoadByRelPath reads the document at a corpus-relative markdown path.
func (c *Corpus) LoadByRelPath(mdRelPath string) (*Document, error) {
	markdown, err := os.ReadFile(filepath.Join(c.root, filepath.FromSlash(mdRelPath)))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, mdRelPath)
		}
		return nil, fmt.Errorf("read document: %w", err)
	}

	doc := &Document{
		Markdown:        string(markdown),
		MarkdownRelPath: mdRelPath,
		Excerpt:         Excerpt(string(markdown), 0),
		Status:          StatusActive,
	}

	metaPath := filepath.Join(c.root, filepath.FromSlash(c.builder.MetadataPath(mdRelPath)))
	if payload, err := os.ReadFile(metaPath); err == nil {
		var m Metadata
		if err := json.Unmarshal(payload, &m); err == nil {
			doc.URL = m.URL
			doc.Title = m.Title
			doc.FirstSeenAt = m.FirstSeenAt
			doc.LastFetchedAt = m.LastFetchedAt
			if m.Status != "" {
				doc.Status = m.Status
			}
		}
	}
	return doc, nil
}

// Count walks the corpus and counts markdown documents, excluding reserved
// sibling directories.
func (c *Corpus) Count() (int, error) {
	n := 0
	err := filepath.WalkDir(c.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return filepath.SkipAll
			}
			return err
		}
		if d.IsDir() {
			if path != c.root && reservedDir(d.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasSuffix(d.Name(), ".md") {
			n++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("count corpus: %w", err)
	}
	return n, nil
}

// WalkDocs visits every markdown document in the corpus in path order.
// Unreadable documents are skipped.
func (c *Corpus) WalkDocs(fn func(relPath string, doc *Document) error) error {
	return filepath.WalkDir(c.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return filepath.SkipAll
			}
			return err
		}
		if d.IsDir() {
			if path != c.root && reservedDir(d.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		if !strings.HasSuffix(d.Name(), ".md") {
			return nil
		}
		rel, rerr := filepath.Rel(c.root, path)
		if rerr != nil {
			return rerr
		}
		doc, lerr := c.LoadByRelPath(filepath.ToSlash(rel))
		if lerr != nil {
			return nil
		}
		return fn(filepath.ToSlash(rel), doc)
	})
}

// TreeNode is one entry of a corpus tree listing.
type TreeNode struct {
	Name     string     `json:"name"`
	Path     string     `json:"path"`
	IsDir    bool       `json:"is_dir"`
	Children []TreeNode `json:"children,omitempty"`
}

// Tree lists the corpus below relPath to the given depth. Depth is clamped
// to [1, 5]; reserved directories are hidden.
func (c *Corpus) Tree(relPath string, depth int) ([]TreeNode, error) {
	if depth < MinTreeDepth {
		depth = MinTreeDepth
	}
	if depth > MaxTreeDepth {
		depth = MaxTreeDepth
	}

	rel := filepath.Clean(filepath.FromSlash(relPath))
	if rel == "." {
		rel = ""
	}
	if strings.HasPrefix(rel, "..") || filepath.IsAbs(rel) {
		return nil, fmt.Errorf("docs: tree path escapes corpus root: %s", relPath)
	}

	dir := filepath.Join(c.root, rel)
	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, relPath)
		}
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("docs: not a directory: %s", relPath)
	}

	return c.listDir(dir, rel, depth)
}

func (c *Corpus) listDir(dir, rel string, depth int) ([]TreeNode, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read corpus directory: %w", err)
	}

	nodes := make([]TreeNode, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if reservedDir(name) {
			continue
		}
		isDir := entry.IsDir()
		if !isDir && !strings.HasSuffix(name, ".md") {
			continue
		}

		node := TreeNode{
			Name:  name,
			Path:  filepath.ToSlash(filepath.Join(rel, name)),
			IsDir: isDir,
		}
		if isDir && depth > 1 {
			children, err := c.listDir(filepath.Join(dir, name), filepath.Join(rel, name), depth-1)
			if err != nil {
				return nil, err
			}
			node.Children = children
		}
		nodes = append(nodes, node)
	}

	sort.Slice(nodes, func(i, j int) bool {
		if nodes[i].IsDir != nodes[j].IsDir {
			return nodes[i].IsDir
		}
		return nodes[i].Name < nodes[j].Name
	})
	return nodes, nil
}

// reservedDir reports whether name is a non-corpus sibling under the root.
func reservedDir(name string) bool {
	return name == state.StateDirName ||
		name == urlpath.MetadataDirName ||
		name == "__search_segments" ||
		name == "__git_checkout" ||
		strings.HasPrefix(name, ".staging")
}
