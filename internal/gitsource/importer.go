package gitsource

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/raysh454/biblio/internal/docs"
	"github.com/raysh454/biblio/internal/logging"
	"github.com/raysh454/biblio/internal/state"
	"github.com/raysh454/biblio/internal/uow"
)

// corpusPrefix is the directory git documents land under in the corpus.
const corpusPrefix = "git"

// defaultRefreshInterval spaces metadata next_due for git documents.
const defaultRefreshInterval = 24 * time.Hour

// Config describes one git-backed tenant source.
type Config struct {
	Codename string
	RepoURL  string
	Branch   string
	// Subpaths limits the import to these repository directories. Empty
	// means the whole tree.
	Subpaths []string
	// StripPrefix is removed from the front of each file's repository path
	// before it is placed in the corpus.
	StripPrefix     string
	TokenEnv        string
	ShallowDepth    int
	RefreshSchedule string
	RefreshInterval time.Duration
}

// ImportStats summarizes one import run.
type ImportStats struct {
	Commit   string `json:"commit"`
	Imported int    `json:"imported"`
	Skipped  int    `json:"skipped"`
}

// Importer syncs the repository and stages its markdown into the corpus.
type Importer struct {
	cfg    Config
	root   string
	client *Client
	store  *state.Store
	logger logging.Logger
}

// NewImporter builds an importer for one tenant root.
func NewImporter(cfg Config, tenantRoot string, store *state.Store, logger logging.Logger) *Importer {
	if logger == nil {
		logger = logging.Nop()
	}
	if cfg.ShallowDepth == 0 {
		cfg.ShallowDepth = 1
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = defaultRefreshInterval
	}
	return &Importer{
		cfg:    cfg,
		root:   tenantRoot,
		client: NewClient(filepath.Join(tenantRoot, CheckoutDirName), logger),
		store:  store,
		logger: logger.With(logging.Field{Key: "component", Value: "gitsource"}, logging.Field{Key: "tenant", Value: cfg.Codename}),
	}
}

type stagedFile struct {
	canonical string
	mdRelPath string
}

// Run updates the checkout and imports every matching markdown file through
// one unit of work: all documents land, or none do.
func (im *Importer) Run(ctx context.Context) (ImportStats, error) {
	stats := ImportStats{}

	repoPath, commit, err := im.client.Sync(ctx, RepoConfig{
		URL:          im.cfg.RepoURL,
		Branch:       im.cfg.Branch,
		TokenEnv:     im.cfg.TokenEnv,
		ShallowDepth: im.cfg.ShallowDepth,
	})
	if err != nil {
		return stats, err
	}
	stats.Commit = commit

	u, err := uow.New(im.root, im.logger)
	if err != nil {
		return stats, err
	}
	defer u.Close()

	repoSlug := repoSlug(im.cfg.RepoURL)
	now := time.Now().UTC()

	var staged []stagedFile
	roots := im.cfg.Subpaths
	if len(roots) == 0 {
		roots = []string{""}
	}
	for _, sub := range roots {
		walkRoot := filepath.Join(repoPath, filepath.FromSlash(sub))
		err := filepath.WalkDir(walkRoot, func(p string, d fs.DirEntry, werr error) error {
			if werr != nil {
				return werr
			}
			if d.IsDir() {
				if d.Name() == ".git" {
					return filepath.SkipDir
				}
				return nil
			}
			if !strings.EqualFold(filepath.Ext(p), ".md") {
				stats.Skipped++
				return nil
			}

			rel, rerr := filepath.Rel(repoPath, p)
			if rerr != nil {
				return rerr
			}
			logical := strings.TrimPrefix(filepath.ToSlash(rel), im.cfg.StripPrefix)
			logical = strings.TrimPrefix(logical, "/")

			markdown, rerr := os.ReadFile(p)
			if rerr != nil {
				return fmt.Errorf("read %s: %w", rel, rerr)
			}

			canonical := fmt.Sprintf("git://%s/%s", repoSlug, logical)
			mdRelPath := path.Join(corpusPrefix, logical)

			doc := &docs.Document{
				URL:           canonical,
				Title:         titleOf(string(markdown), logical),
				FirstSeenAt:   im.firstSeen(ctx, canonical, now),
				LastFetchedAt: now,
				Status:        docs.StatusActive,
			}
			metaJSON, merr := docs.MarshalMetadata(doc)
			if merr != nil {
				return merr
			}
			if werr := u.WriteDoc(mdRelPath, markdown, metaJSON); werr != nil {
				return werr
			}
			staged = append(staged, stagedFile{canonical: canonical, mdRelPath: mdRelPath})
			return nil
		})
		if err != nil {
			if os.IsNotExist(err) {
				im.logger.Warn("subpath missing in repository",
					logging.Field{Key: "subpath", Value: sub})
				continue
			}
			return stats, fmt.Errorf("walk %s: %w", sub, err)
		}
	}

	if err := u.Commit(); err != nil {
		return stats, err
	}
	stats.Imported = len(staged)

	for _, f := range staged {
		if err := im.store.MarkURLSuccess(ctx, f.canonical, f.mdRelPath, now.Add(im.cfg.RefreshInterval)); err != nil {
			return stats, err
		}
		if err := im.store.RecordEvent(ctx, &state.Event{
			CanonicalURL: f.canonical,
			EventType:    state.EventFetchSuccess,
			Detail:       commit,
		}); err != nil {
			im.logger.Warn("record import event",
				logging.Field{Key: "url", Value: f.canonical},
				logging.Field{Key: "error", Value: err.Error()})
		}
	}

	im.logger.Info("git import complete",
		logging.Field{Key: "commit", Value: commit},
		logging.Field{Key: "imported", Value: stats.Imported},
		logging.Field{Key: "skipped", Value: stats.Skipped})
	return stats, nil
}

func (im *Importer) firstSeen(ctx context.Context, canonical string, fallback time.Time) time.Time {
	meta, err := im.store.LoadURLMetadata(ctx, canonical)
	if err == nil && meta != nil && !meta.FirstSeenAt.IsZero() {
		return meta.FirstSeenAt
	}
	return fallback
}

// repoSlug reduces a repository URL to host/path form for synthetic
// canonical URLs, e.g. github.com/acme/docs.
func repoSlug(repoURL string) string {
	s := repoURL
	if i := strings.Index(s, "://"); i >= 0 {
		s = s[i+3:]
	}
	if i := strings.IndexByte(s, '@'); i >= 0 {
		s = s[i+1:]
	}
	s = strings.ReplaceAll(s, ":", "/")
	s = strings.TrimSuffix(s, ".git")
	s = strings.Trim(s, "/")
	if s == "" {
		return "local"
	}
	return s
}

// titleOf takes the first markdown heading, falling back to the file name.
func titleOf(markdown, logical string) string {
	for _, line := range strings.Split(markdown, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "#") {
			return strings.TrimSpace(strings.TrimLeft(line, "# "))
		}
	}
	base := path.Base(logical)
	return strings.TrimSuffix(base, path.Ext(base))
}
