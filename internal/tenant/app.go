// Package tenant assembles one documentation tenant: corpus, state store,
// cache, sync engine and search, behind a single facade.
package tenant

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/raysh454/biblio/internal/cache"
	"github.com/raysh454/biblio/internal/config"
	"github.com/raysh454/biblio/internal/crawler"
	"github.com/raysh454/biblio/internal/docs"
	"github.com/raysh454/biblio/internal/extractor"
	"github.com/raysh454/biblio/internal/gitsource"
	"github.com/raysh454/biblio/internal/logging"
	"github.com/raysh454/biblio/internal/policy"
	"github.com/raysh454/biblio/internal/sitemap"
	"github.com/raysh454/biblio/internal/state"
	"github.com/raysh454/biblio/internal/syncer"
	"github.com/raysh454/biblio/internal/uow"
	"github.com/raysh454/biblio/internal/urlpath"
	"github.com/raysh454/biblio/internal/webclient"
)

// orphanStagingAge is how old a staging directory must be before the init
// sweep removes it.
const orphanStagingAge = time.Hour

// ErrUnknownContextMode is returned by Fetch for a context mode outside
// {"", "full", "surrounding"}.
var ErrUnknownContextMode = errors.New("tenant: unknown context mode")

// Syncer is the lifecycle surface shared by the web and git sync engines.
type Syncer interface {
	Start() error
	Stop()
	TriggerSync(ctx context.Context, forceCrawler, forceFullSync bool) syncer.TriggerResult
	Status(ctx context.Context) (*syncer.Status, error)
	OnSyncComplete(fn func(context.Context))
	Subscribe() (<-chan syncer.ProgressEvent, func())
}

var (
	_ Syncer = (*syncer.Scheduler)(nil)
	_ Syncer = (*gitsource.Scheduler)(nil)
)

// Health is the tenant health report.
type Health struct {
	Status     string `json:"status"`
	Tenant     string `json:"tenant"`
	Name       string `json:"name"`
	Documents  int    `json:"documents"`
	SourceType string `json:"source_type"`
	Error      string `json:"error,omitempty"`
}

// App is the facade over one tenant's components.
type App struct {
	cfg    config.TenantConfig
	root   string
	logger logging.Logger

	store    *state.Store
	builder  *urlpath.Builder
	corpus   *docs.Corpus
	cache    *cache.Service
	client   webclient.WebClient
	fallback webclient.WebClient
	sync     Syncer
	indexer  Indexer

	mu          sync.Mutex
	initialized bool
}

// NewApp wires a tenant from its configuration. Initialize must be called
// before use.
func NewApp(cfg config.TenantConfig, storageRoot string, offline bool, logger logging.Logger) (*App, error) {
	if logger == nil {
		logger = logging.Nop()
	}
	logger = logger.With(logging.Field{Key: "tenant", Value: cfg.Codename})

	root := filepath.Join(storageRoot, cfg.Codename)
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("create tenant root: %w", err)
	}

	store, err := state.New(root, logger)
	if err != nil {
		return nil, err
	}

	builder := urlpath.NewBuilder(urlpath.CanonicalizeOptions{
		PreserveQuery: cfg.QueryStringsAllowed(),
		DefaultScheme: "https",
	})
	corpus := docs.NewCorpus(root, builder)
	pol := policy.New(cfg.URLWhitelist, cfg.URLBlacklist)

	client, err := webclient.New(webclient.Config{Backend: webclient.BackendNetHTTP}, logger)
	if err != nil {
		return nil, err
	}
	var fallback webclient.WebClient
	if cfg.FetchBackend == "chromedp" {
		fallback, err = webclient.New(webclient.Config{Backend: webclient.BackendChromedp}, logger)
		if err != nil {
			client.Close()
			return nil, err
		}
	}

	ext := extractor.NewDefault(client, fallback, logger)
	cacheSvc := cache.New(cache.Config{
		OfflineMode:      offline,
		MaxIntervalHours: cfg.MaxIntervalHours,
	}, store, corpus, builder, ext, logger)

	app := &App{
		cfg:      cfg,
		root:     root,
		logger:   logger,
		store:    store,
		builder:  builder,
		corpus:   corpus,
		cache:    cacheSvc,
		client:   client,
		fallback: fallback,
		indexer:  NewIndexer(root, corpus, logger),
	}

	switch cfg.SourceType {
	case config.SourceGit:
		importer := gitsource.NewImporter(gitsource.Config{
			Codename:        cfg.Codename,
			RepoURL:         cfg.GitRepoURL,
			Branch:          cfg.GitBranch,
			Subpaths:        cfg.GitSubpaths,
			StripPrefix:     cfg.GitStripPrefix,
			TokenEnv:        cfg.GitTokenEnv,
			RefreshSchedule: cfg.RefreshSchedule,
		}, root, store, logger)
		app.sync = gitsource.NewScheduler(importer, logger)
	default:
		app.sync = syncer.New(syncer.Config{
			Codename:              cfg.Codename,
			EntryURLs:             cfg.EntryURLs,
			SitemapURLs:           cfg.SitemapURLs,
			RefreshSchedule:       cfg.RefreshSchedule,
			ScheduleIntervalHours: cfg.ScheduleIntervalHours,
			MaxIntervalHours:      cfg.MaxIntervalHours,
			MaxConcurrentRequests: cfg.MaxConcurrentRequests,
			Crawl: crawler.Config{
				MaxPages:          cfg.MaxPages,
				SameHostOnly:      true,
				AllowQueryStrings: cfg.QueryStringsAllowed(),
			},
		}, syncer.Deps{
			Store:     store,
			Cache:     cacheSvc,
			Corpus:    corpus,
			Builder:   builder,
			Policy:    pol,
			Client:    client,
			Extractor: ext,
			Sitemaps:  sitemap.NewFetcher(client, builder, pol, store, logger),
			Logger:    logger,
		})
	}

	app.sync.OnSyncComplete(func(ctx context.Context) {
		if err := app.indexer.Rebuild(ctx); err != nil {
			logger.Warn("search index rebuild failed",
				logging.Field{Key: "error", Value: err.Error()})
		}
	})
	return app, nil
}

// Initialize sweeps orphaned staging directories, warms the search index
// and starts the scheduler. Idempotent.
func (a *App) Initialize(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.initialized {
		return nil
	}

	if removed, err := uow.SweepOrphans(a.root, orphanStagingAge, a.logger); err != nil {
		a.logger.Warn("staging sweep failed", logging.Field{Key: "error", Value: err.Error()})
	} else if removed > 0 {
		a.logger.Info("swept orphaned staging dirs", logging.Field{Key: "removed", Value: removed})
	}

	if err := a.indexer.Rebuild(ctx); err != nil {
		a.logger.Warn("initial index build failed", logging.Field{Key: "error", Value: err.Error()})
	}

	if err := a.sync.Start(); err != nil {
		return fmt.Errorf("start scheduler for %s: %w", a.cfg.Codename, err)
	}
	a.initialized = true
	return nil
}

// Shutdown stops the scheduler and closes fetch backends.
func (a *App) Shutdown() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.initialized {
		return
	}
	a.sync.Stop()
	if a.fallback != nil {
		a.fallback.Close()
	}
	a.client.Close()
	a.initialized = false
}

// Codename returns the tenant codename.
func (a *App) Codename() string { return a.cfg.Codename }

// Name returns the display name.
func (a *App) Name() string { return a.cfg.Name }

// SourceType returns "web" or "git".
func (a *App) SourceType() string { return a.cfg.SourceType }

// Health reports tenant health. Only an unreachable state database makes a
// tenant unhealthy; an empty corpus is merely not-yet-synced.
func (a *App) Health(ctx context.Context) Health {
	h := Health{
		Status:     "ok",
		Tenant:     a.cfg.Codename,
		Name:       a.cfg.Name,
		SourceType: a.cfg.SourceType,
	}
	if _, err := a.store.GetMeta(ctx, "schema_version"); err != nil {
		h.Status = "unhealthy"
		h.Error = err.Error()
		return h
	}
	if n, err := a.corpus.Count(); err == nil {
		h.Documents = n
	}
	return h
}

// Search queries the tenant's search index.
func (a *App) Search(ctx context.Context, query string, limit int) ([]SearchResult, error) {
	return a.indexer.Search(ctx, query, limit)
}

// Fetch retrieves one document by URI through the cache. contextMode
// selects the returned content: "" or "full" is the whole markdown,
// "surrounding" is the heading section the URI fragment points into.
func (a *App) Fetch(ctx context.Context, uri, contextMode string) (*docs.Document, string, error) {
	switch contextMode {
	case "", ContextFull, ContextSurrounding:
	default:
		return nil, "", fmt.Errorf("%w: %q", ErrUnknownContextMode, contextMode)
	}

	fragment := ""
	if u, err := url.Parse(uri); err == nil && u.Fragment != "" {
		fragment = u.Fragment
		u.Fragment = ""
		uri = u.String()
	}

	doc, _, failureReason, err := a.cache.CheckAndFetch(ctx, uri, true)
	if err != nil {
		return nil, "", err
	}
	if failureReason != "" {
		return nil, "", fmt.Errorf("fetch %s: %s", uri, failureReason)
	}

	content := doc.Markdown
	if contextMode == ContextSurrounding {
		content = surroundingSection(doc.Markdown, fragment)
	}
	return doc, content, nil
}

// BrowseTree lists the corpus tree at relPath, depth clamped to 1..5.
func (a *App) BrowseTree(relPath string, depth int) ([]docs.TreeNode, error) {
	return a.corpus.Tree(relPath, depth)
}

// TriggerSync runs one sync cycle now.
func (a *App) TriggerSync(ctx context.Context, forceCrawler, forceFullSync bool) syncer.TriggerResult {
	return a.sync.TriggerSync(ctx, forceCrawler, forceFullSync)
}

// Status returns the combined sync status.
func (a *App) Status(ctx context.Context) (*syncer.Status, error) {
	return a.sync.Status(ctx)
}

// SubscribeEvents streams live sync progress events until cancel is called.
func (a *App) SubscribeEvents() (<-chan syncer.ProgressEvent, func()) {
	return a.sync.Subscribe()
}
