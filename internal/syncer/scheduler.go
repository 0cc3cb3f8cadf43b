// Package syncer orchestrates sync cycles: discovery, planning, queue
// hydration, batched fetching and completion, with resumable progress
// checkpoints and a distributed crawler lock.
package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/raysh454/biblio/internal/cache"
	"github.com/raysh454/biblio/internal/crawler"
	"github.com/raysh454/biblio/internal/docs"
	"github.com/raysh454/biblio/internal/extractor"
	"github.com/raysh454/biblio/internal/logging"
	"github.com/raysh454/biblio/internal/policy"
	"github.com/raysh454/biblio/internal/sitemap"
	"github.com/raysh454/biblio/internal/state"
	"github.com/raysh454/biblio/internal/urlpath"
	"github.com/raysh454/biblio/internal/webclient"
)

const (
	// minLockTTL is the floor for the crawler lock lease.
	minLockTTL = 60 * time.Second

	// checkpointMinInterval throttles non-forced checkpoint writes.
	checkpointMinInterval = 30 * time.Second

	// headResolveConcurrency bounds parallel entry-URL HEAD checks.
	headResolveConcurrency = 8

	// maxSitemapDepth bounds recursion through sitemap indexes.
	maxSitemapDepth = 3

	defaultBatchSize        = 10
	defaultScheduleHours    = 24
	defaultMaxIntervalHours = 168
	defaultBaseRetryDelay   = 60 * time.Second
	defaultMaxRetryDelay    = 3600 * time.Second
)

// Config tunes one tenant's scheduler.
type Config struct {
	Codename              string
	EntryURLs             []string
	SitemapURLs           []string
	RefreshSchedule       string
	ScheduleIntervalHours int
	MaxIntervalHours      int
	MaxConcurrentRequests int
	CrawlerLockTTL        time.Duration
	BaseRetryDelay        time.Duration
	MaxRetryDelay         time.Duration
	Crawl                 crawler.Config
}

func (c Config) withDefaults() Config {
	if c.ScheduleIntervalHours <= 0 {
		c.ScheduleIntervalHours = defaultScheduleHours
	}
	if c.MaxIntervalHours <= 0 {
		c.MaxIntervalHours = defaultMaxIntervalHours
	}
	if c.MaxConcurrentRequests <= 0 {
		c.MaxConcurrentRequests = defaultBatchSize
	}
	if c.CrawlerLockTTL < minLockTTL {
		c.CrawlerLockTTL = minLockTTL
	}
	if c.BaseRetryDelay <= 0 {
		c.BaseRetryDelay = defaultBaseRetryDelay
	}
	if c.MaxRetryDelay <= 0 {
		c.MaxRetryDelay = defaultMaxRetryDelay
	}
	return c
}

// Deps are the collaborators one scheduler drives.
type Deps struct {
	Store     *state.Store
	Cache     *cache.Service
	Corpus    *docs.Corpus
	Builder   *urlpath.Builder
	Policy    *policy.Policy
	Client    webclient.WebClient
	Extractor extractor.Extractor
	Sitemaps  *sitemap.Fetcher
	Logger    logging.Logger
}

// TriggerResult reports the outcome of a manual trigger.
type TriggerResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// SyncStats is the scheduler's own counters.
type SyncStats struct {
	Running             bool      `json:"running"`
	LastSyncTime        time.Time `json:"last_sync_time"`
	LastError           string    `json:"last_error,omitempty"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	TotalCycles         int       `json:"total_cycles"`
	TotalFailures       int       `json:"total_failures"`
}

// Status combines scheduler state, store aggregates and fetcher metrics.
type Status struct {
	Scheduler SyncStats             `json:"scheduler"`
	Store     *state.StatusSnapshot `json:"store"`
	Fetcher   extractor.Metrics     `json:"fetcher"`
	Progress  json.RawMessage       `json:"progress,omitempty"`
}

// Scheduler runs sync cycles for one tenant, at most one at a time.
type Scheduler struct {
	id   string
	cfg  Config
	deps Deps
	log  logging.Logger

	cronRunner *cron.Cron

	runMu sync.Mutex

	mu           sync.Mutex
	stats        SyncStats
	backoffUntil time.Time
	running      bool

	rootCtx context.Context
	cancel  context.CancelFunc

	checkpointMu   sync.Mutex
	lastCheckpoint time.Time

	completeMu     sync.Mutex
	onSyncComplete []func(context.Context)

	subsMu    sync.Mutex
	subs      map[int]chan ProgressEvent
	nextSubID int
}

// New builds a scheduler. Call Start to enable the cron loop; TriggerSync
// works either way.
func New(cfg Config, deps Deps) *Scheduler {
	logger := deps.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		id:      uuid.NewString(),
		cfg:     cfg.withDefaults(),
		deps:    deps,
		log:     logger.With(logging.Field{Key: "component", Value: "syncer"}, logging.Field{Key: "tenant", Value: cfg.Codename}),
		rootCtx: ctx,
		cancel:  cancel,
	}
}

// OnSyncComplete registers a hook fired after each successful cycle. The
// external indexer subscribes here to invalidate and rebuild.
func (s *Scheduler) OnSyncComplete(fn func(context.Context)) {
	if fn == nil {
		return
	}
	s.completeMu.Lock()
	defer s.completeMu.Unlock()
	s.onSyncComplete = append(s.onSyncComplete, fn)
}

// Subscribe returns a channel of live progress events and a cancel func.
// Slow consumers lose events rather than stalling the cycle.
func (s *Scheduler) Subscribe() (<-chan ProgressEvent, func()) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	if s.subs == nil {
		s.subs = make(map[int]chan ProgressEvent)
	}
	id := s.nextSubID
	s.nextSubID++
	ch := make(chan ProgressEvent, 64)
	s.subs[id] = ch

	cancel := func() {
		s.subsMu.Lock()
		defer s.subsMu.Unlock()
		if sub, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

func (s *Scheduler) broadcast(ev ProgressEvent) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Start launches the cron loop when a refresh schedule is configured. With
// no schedule the scheduler idles until TriggerSync.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	if s.cfg.RefreshSchedule != "" {
		runner := cron.New()
		if _, err := runner.AddFunc(s.cfg.RefreshSchedule, s.cronFire); err != nil {
			return fmt.Errorf("parse refresh schedule %q: %w", s.cfg.RefreshSchedule, err)
		}
		runner.Start()
		s.cronRunner = runner
		s.log.Info("cron schedule active",
			logging.Field{Key: "schedule", Value: s.cfg.RefreshSchedule})
	}

	s.running = true
	s.stats.Running = true
	return nil
}

// Stop cancels the cron loop and any in-flight cycle. Workers observe the
// cancellation within a second.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.stats.Running = false
	runner := s.cronRunner
	s.cronRunner = nil
	s.mu.Unlock()

	if runner != nil {
		runner.Stop()
	}
	s.cancel()
}

// cronFire runs one scheduled cycle, honoring the failure backoff window.
func (s *Scheduler) cronFire() {
	s.mu.Lock()
	inBackoff := time.Now().Before(s.backoffUntil)
	s.mu.Unlock()
	if inBackoff {
		s.log.Debug("scheduled sync skipped, in failure backoff")
		return
	}
	s.TriggerSync(s.rootCtx, false, false)
}

// TriggerSync runs one cycle now. Returns immediately with a refusal when a
// cycle is already running. forceCrawler forces the BFS crawl; forceFullSync
// bypasses the idempotency window.
func (s *Scheduler) TriggerSync(ctx context.Context, forceCrawler, forceFullSync bool) TriggerResult {
	if !s.runMu.TryLock() {
		return TriggerResult{Success: false, Message: "sync already running"}
	}
	defer s.runMu.Unlock()

	started := time.Now()
	err := s.runCycle(ctx, forceCrawler, forceFullSync)

	s.mu.Lock()
	s.stats.TotalCycles++
	if err != nil {
		s.stats.TotalFailures++
		s.stats.ConsecutiveFailures++
		s.stats.LastError = err.Error()
		backoff := s.cfg.BaseRetryDelay << (s.stats.ConsecutiveFailures - 1)
		if backoff > s.cfg.MaxRetryDelay || backoff <= 0 {
			backoff = s.cfg.MaxRetryDelay
		}
		s.backoffUntil = time.Now().Add(backoff)
	} else {
		s.stats.ConsecutiveFailures = 0
		s.stats.LastError = ""
		s.stats.LastSyncTime = time.Now().UTC()
		s.backoffUntil = time.Time{}
	}
	s.mu.Unlock()

	if err != nil {
		s.log.Warn("sync cycle failed",
			logging.Field{Key: "duration", Value: time.Since(started).String()},
			logging.Field{Key: "error", Value: err.Error()})
		return TriggerResult{Success: false, Message: err.Error()}
	}
	s.log.Info("sync cycle complete",
		logging.Field{Key: "duration", Value: time.Since(started).String()})
	return TriggerResult{Success: true, Message: "sync completed"}
}

// Stats returns a copy of the scheduler counters.
func (s *Scheduler) Stats() SyncStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Status aggregates scheduler, store and fetcher state.
func (s *Scheduler) Status(ctx context.Context) (*Status, error) {
	snap, err := s.deps.Store.GetStatusSnapshot(ctx)
	if err != nil {
		return nil, err
	}
	st := &Status{
		Scheduler: s.Stats(),
		Store:     snap,
	}
	if s.deps.Extractor != nil {
		st.Fetcher = s.deps.Extractor.FallbackMetrics()
	}
	if _, payload, err := s.deps.Store.LoadCheckpoint(ctx); err == nil && payload != nil {
		st.Progress = json.RawMessage(payload)
	}
	return st, nil
}

// plan is the outcome of the discovery phase.
type plan struct {
	lastMod           map[string]time.Time
	sitemapDiscovered map[string]struct{}
	sitemapChanged    bool
	filteredCount     int
	hasDocuments      bool
	bypassIdempotency bool
	due               []string
}

func (s *Scheduler) runCycle(ctx context.Context, forceCrawler, forceFullSync bool) (err error) {
	progress, err := s.initProgress(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil && progress.Phase() != PhaseFailed {
			if ferr := progress.Fail(err.Error()); ferr == nil {
				s.checkpoint(ctx, progress, true, true)
			}
			s.saveSummary(ctx, progress, err.Error())
		}
	}()

	s.recordEvent(ctx, &state.Event{EventType: state.EventCrawlStart, Detail: progress.SyncID()})

	p, err := s.buildPlan(ctx, progress, forceCrawler, forceFullSync)
	if err != nil {
		return err
	}

	if err := s.hydrateQueue(ctx, progress, p); err != nil {
		return err
	}

	if err := s.executeBatches(ctx, progress, p); err != nil {
		return err
	}

	if err := progress.Complete(); err != nil {
		return err
	}
	if err := s.checkpoint(ctx, progress, true, true); err != nil {
		return err
	}
	s.saveSummary(ctx, progress, "")
	s.recordEvent(ctx, &state.Event{EventType: state.EventCrawlComplete, Detail: progress.SyncID()})

	s.completeMu.Lock()
	hooks := append([]func(context.Context){}, s.onSyncComplete...)
	s.completeMu.Unlock()
	for _, hook := range hooks {
		hook(ctx)
	}
	return nil
}

// initProgress adopts a resumable persisted cycle or starts a fresh one.
func (s *Scheduler) initProgress(ctx context.Context) (*Progress, error) {
	if _, payload, err := s.deps.Store.LoadCheckpoint(ctx); err == nil && payload != nil {
		resumed := &Progress{}
		if jerr := json.Unmarshal(payload, resumed); jerr == nil && resumed.Resumable() {
			s.log.Info("resuming sync cycle",
				logging.Field{Key: "sync_id", Value: resumed.SyncID()},
				logging.Field{Key: "phase", Value: string(resumed.Phase())})
			resumed.SetNotify(s.broadcast)
			return resumed, nil
		}
	}

	progress := NewProgress(s.cfg.Codename)
	progress.SetNotify(s.broadcast)
	if err := progress.Transition(PhaseDiscovering); err != nil {
		return nil, err
	}
	if err := s.checkpoint(ctx, progress, true, true); err != nil {
		return nil, err
	}
	return progress, nil
}

func (s *Scheduler) buildPlan(ctx context.Context, progress *Progress, forceCrawler, forceFullSync bool) (*plan, error) {
	p := &plan{
		lastMod:           make(map[string]time.Time),
		sitemapDiscovered: make(map[string]struct{}),
	}

	if len(s.cfg.SitemapURLs) > 0 {
		if err := s.fetchSitemaps(ctx, progress, p); err != nil {
			return nil, err
		}
	}

	counts, err := s.deps.Store.MetadataCounts(ctx, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	docCount, err := s.deps.Corpus.Count()
	if err != nil {
		return nil, err
	}
	p.hasDocuments = docCount > 0
	p.bypassIdempotency = forceFullSync || counts.Successful == 0

	needCrawl := len(s.cfg.EntryURLs) > 0 &&
		(forceCrawler || counts.Total == 0 || counts.Successful <= p.filteredCount)
	if needCrawl {
		if err := s.crawlUnderLock(ctx, progress); err != nil {
			return nil, err
		}
	}

	p.due, err = s.deps.Store.DueURLs(ctx, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	return p, nil
}

// fetchSitemaps walks the configured sitemaps, recursing into indexes.
func (s *Scheduler) fetchSitemaps(ctx context.Context, progress *Progress, p *plan) error {
	type pending struct {
		url   string
		depth int
	}
	queue := make([]pending, 0, len(s.cfg.SitemapURLs))
	for _, u := range s.cfg.SitemapURLs {
		queue = append(queue, pending{url: u})
	}
	seen := make(map[string]struct{})

	for len(queue) > 0 {
		item := queue[0]
		queue = queue[1:]
		if _, ok := seen[item.url]; ok || item.depth > maxSitemapDepth {
			continue
		}
		seen[item.url] = struct{}{}

		res, err := s.deps.Sitemaps.Fetch(ctx, item.url)
		if err != nil {
			// A broken sitemap degrades discovery, it does not fail the
			// cycle.
			s.log.Warn("sitemap fetch failed",
				logging.Field{Key: "url", Value: item.url},
				logging.Field{Key: "error", Value: err.Error()})
			s.recordEvent(ctx, &state.Event{
				EventType: state.EventCrawlError,
				URL:       item.url,
				Reason:    "sitemap_fetch",
				Detail:    err.Error(),
			})
			continue
		}
		if res.Changed {
			p.sitemapChanged = true
		}
		p.filteredCount += res.FilteredCount
		for _, child := range res.ChildSitemaps {
			queue = append(queue, pending{url: child, depth: item.depth + 1})
		}
		for _, entry := range res.Entries {
			progress.MarkDiscovered(entry.URL)
			p.sitemapDiscovered[entry.URL] = struct{}{}
			if !entry.LastMod.IsZero() {
				p.lastMod[entry.URL] = entry.LastMod
			}
		}
	}
	return nil
}

// crawlUnderLock resolves entry URLs and runs the BFS crawler while holding
// the tenant's crawler lock. An unavailable lock skips the crawl.
func (s *Scheduler) crawlUnderLock(ctx context.Context, progress *Progress) error {
	lease, ok, err := s.acquireCrawlerLock(ctx)
	if err != nil {
		return err
	}
	if !ok {
		s.log.Info("crawler lock held elsewhere, skipping crawl")
		return nil
	}
	defer func() {
		if rerr := s.deps.Store.ReleaseLock(ctx, lease); rerr != nil {
			s.log.Warn("release crawler lock", logging.Field{Key: "error", Value: rerr.Error()})
		}
	}()

	seeds := s.resolveEntryURLs(ctx)
	if len(seeds) == 0 {
		return nil
	}
	// Seeds are work items too, not just crawl starting points.
	for _, seed := range seeds {
		progress.MarkDiscovered(seed)
	}

	c := crawler.New(s.cfg.Crawl, crawler.Callbacks{
		OnURLDiscovered: func(u string) {
			progress.MarkDiscovered(u)
			s.recordEvent(ctx, &state.Event{CanonicalURL: u, EventType: state.EventCrawlDiscovered})
		},
		ShouldSkipRecent: func(u string) bool {
			recent, err := s.deps.Store.WasRecentlyFetched(ctx, u, time.Duration(s.cfg.ScheduleIntervalHours)*time.Hour)
			return err == nil && recent
		},
	}, s.deps.Client, s.deps.Builder, s.deps.Policy, s.log)

	stats, err := c.Run(ctx, seeds)
	if err != nil {
		return err
	}
	s.log.Info("crawl finished",
		logging.Field{Key: "fetched", Value: stats.Fetched},
		logging.Field{Key: "discovered", Value: stats.Discovered},
		logging.Field{Key: "rate_limited", Value: stats.RateLimited})
	return nil
}

// acquireCrawlerLock implements the distributed lock protocol: a live
// foreign lease skips the crawl; an expired one is cleaned up or broken
// depending on how recently this tenant synced.
func (s *Scheduler) acquireCrawlerLock(ctx context.Context) (*state.LockLease, bool, error) {
	hostname, _ := os.Hostname()
	owner := fmt.Sprintf("%s:%d:%s:%s", hostname, os.Getpid(), s.id, time.Now().UTC().Format(time.RFC3339))

	lease, existing, err := s.deps.Store.TryAcquireLock(ctx, state.LockNameCrawler, owner, s.cfg.CrawlerLockTTL)
	if err != nil {
		return nil, false, err
	}
	if lease != nil {
		return lease, true, nil
	}
	if existing == nil || !existing.Expired(time.Now()) {
		return nil, false, nil
	}

	// The holder died. If this tenant synced recently another worker just
	// finished the job; clean up and move on. Otherwise take over.
	s.mu.Lock()
	lastSync := s.stats.LastSyncTime
	s.mu.Unlock()
	if err := s.deps.Store.BreakLock(ctx, state.LockNameCrawler); err != nil {
		return nil, false, err
	}
	if !lastSync.IsZero() && time.Since(lastSync) < time.Duration(s.cfg.ScheduleIntervalHours)*time.Hour {
		return nil, false, nil
	}

	lease, _, err = s.deps.Store.TryAcquireLock(ctx, state.LockNameCrawler, owner, s.cfg.CrawlerLockTTL)
	if err != nil {
		return nil, false, err
	}
	return lease, lease != nil, nil
}

// resolveEntryURLs HEAD-checks the configured entry URLs with bounded
// concurrency and returns the reachable, policy-allowed ones.
func (s *Scheduler) resolveEntryURLs(ctx context.Context) []string {
	type result struct {
		url string
		ok  bool
	}

	sem := make(chan struct{}, headResolveConcurrency)
	results := make(chan result, len(s.cfg.EntryURLs))
	var wg sync.WaitGroup

	for _, entry := range s.cfg.EntryURLs {
		canonical, err := s.deps.Builder.Canonicalize(entry)
		if err != nil || !s.deps.Policy.Allowed(canonical) {
			continue
		}
		wg.Add(1)
		go func(u string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			req := webclient.Get(u)
			req.Method = http.MethodHead
			resp, err := s.deps.Client.Do(ctx, req)
			ok := err == nil && resp.StatusCode >= 200 && resp.StatusCode < 400
			if !ok && err == nil {
				// Some servers reject HEAD outright; keep the seed and
				// let the crawler decide.
				ok = resp.StatusCode == http.StatusMethodNotAllowed
			}
			results <- result{url: u, ok: ok}
		}(canonical)
	}
	wg.Wait()
	close(results)

	var seeds []string
	for r := range results {
		if r.ok {
			seeds = append(seeds, r.url)
		} else {
			s.log.Warn("entry url unreachable", logging.Field{Key: "url", Value: r.url})
		}
	}
	return seeds
}

// hydrateQueue enqueues the cycle's work: discovered URLs plus everything
// due. Known URLs dropped here (fresh, or sitemap-discovered with the
// sitemap unchanged and a populated corpus) still get their terminal
// UrlSkipped event for the cycle.
func (s *Scheduler) hydrateQueue(ctx context.Context, progress *Progress, p *plan) error {
	skipSitemapDiscovered := !p.bypassIdempotency && !p.sitemapChanged &&
		p.hasDocuments && len(p.sitemapDiscovered) > 0

	var candidates []string
	seen := make(map[string]struct{})
	add := func(u string) {
		if _, ok := seen[u]; ok {
			return
		}
		seen[u] = struct{}{}
		candidates = append(candidates, u)
	}

	for _, u := range p.due {
		add(u)
	}
	for u := range progressDiscovered(progress) {
		add(u)
	}

	// A resumed cycle already holds terminal results for some URLs; those
	// never re-enter the queue.
	done := progressProcessed(progress)

	interval := time.Duration(s.cfg.ScheduleIntervalHours) * time.Hour
	var toEnqueue []string
	skipped := 0
	for _, u := range candidates {
		if _, ok := done[u]; ok {
			continue
		}
		if !p.bypassIdempotency {
			if reason, skip := s.skipReason(ctx, u, p, skipSitemapDiscovered, interval); skip {
				progress.MarkSkipped(u, reason)
				s.recordEvent(ctx, &state.Event{
					CanonicalURL: u,
					EventType:    state.EventCrawlSkipped,
					Reason:       reason,
				})
				skipped++
				continue
			}
		}
		toEnqueue = append(toEnqueue, u)
	}
	if skipped > 0 {
		s.checkpoint(ctx, progress, false, false)
	}

	if len(toEnqueue) == 0 {
		return nil
	}

	// Recency was just decided per URL, so the store-side filter is forced
	// off to keep the two gates from disagreeing.
	queued, err := s.deps.Store.EnqueueURLs(ctx, toEnqueue, "sync:"+progress.SyncID(), 0,
		true, interval)
	if err != nil {
		return err
	}
	for _, u := range toEnqueue {
		progress.MarkPending(u)
	}
	s.log.Info("queue hydrated",
		logging.Field{Key: "candidates", Value: len(candidates)},
		logging.Field{Key: "queued", Value: queued},
		logging.Field{Key: "skipped", Value: skipped})
	return nil
}

// skipReason decides whether a candidate is dropped before enqueue, and
// why. Freshness mirrors the store's enqueue filter: a successful fetch
// inside the schedule interval.
func (s *Scheduler) skipReason(ctx context.Context, u string, p *plan, skipSitemap bool, interval time.Duration) (string, bool) {
	meta, err := s.deps.Store.LoadURLMetadata(ctx, u)
	if err == nil && meta != nil && meta.LastStatus == state.StatusSuccess &&
		!meta.LastFetchedAt.IsZero() && time.Since(meta.LastFetchedAt) < interval {
		return fmt.Sprintf("recently_fetched_%dh", int(time.Since(meta.LastFetchedAt).Hours())), true
	}
	if skipSitemap {
		if _, fromSitemap := p.sitemapDiscovered[u]; fromSitemap {
			return "sitemap_unchanged", true
		}
	}
	return "", false
}

func progressDiscovered(p *Progress) map[string]struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]struct{}, len(p.discovered))
	for u := range p.discovered {
		out[u] = struct{}{}
	}
	return out
}

func progressProcessed(p *Progress) map[string]struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]struct{}, len(p.processed))
	for u := range p.processed {
		out[u] = struct{}{}
	}
	return out
}

// executeBatches drains the queue with a bounded worker pool, check-
// pointing as it goes.
func (s *Scheduler) executeBatches(ctx context.Context, progress *Progress, p *plan) error {
	if err := progress.Transition(PhaseFetching); err != nil {
		return err
	}
	if err := s.checkpoint(ctx, progress, true, false); err != nil {
		return err
	}

	batchSize := s.cfg.MaxConcurrentRequests
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		batch, err := s.deps.Store.DequeueBatch(ctx, 2*batchSize)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}

		jobs := make(chan state.QueueEntry)
		var wg sync.WaitGroup
		for i := 0; i < batchSize; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for entry := range jobs {
					s.processURL(ctx, progress, p, entry.CanonicalURL)
				}
			}()
		}
		for _, entry := range batch {
			jobs <- entry
		}
		close(jobs)
		wg.Wait()
	}
}

// processURL handles one queued URL end to end. Per-URL errors never
// escape; they are recorded and the cycle continues.
func (s *Scheduler) processURL(ctx context.Context, progress *Progress, p *plan, url string) {
	if ctx.Err() != nil {
		return
	}

	if !p.bypassIdempotency {
		// Dequeueing flips last_status to processing, so freshness is
		// judged on last_fetched_at alone; failed URLs always retry.
		meta, err := s.deps.Store.LoadURLMetadata(ctx, url)
		if err == nil && meta != nil && !meta.LastFetchedAt.IsZero() &&
			meta.LastStatus != state.StatusFailed &&
			time.Since(meta.LastFetchedAt) < time.Duration(s.cfg.ScheduleIntervalHours)*time.Hour {
			reason := fmt.Sprintf("recently_fetched_%dh", int(time.Since(meta.LastFetchedAt).Hours()))
			progress.MarkSkipped(url, reason)
			s.recordEvent(ctx, &state.Event{
				CanonicalURL: url,
				EventType:    state.EventCrawlSkipped,
				Reason:       reason,
			})
			s.checkpoint(ctx, progress, false, false)
			return
		}
	}

	started := time.Now()
	var (
		doc           *docs.Document
		wasCached     bool
		failureReason string
		err           error
	)
	if p.bypassIdempotency {
		doc, failureReason, err = s.deps.Cache.Refresh(ctx, url)
	} else {
		// Never-stored URLs may resolve through the semantic layer; a URL
		// with its own document always hits the network.
		doc, wasCached, failureReason, err = s.deps.Cache.CheckAndFetch(ctx, url, true)
	}
	switch {
	case err != nil:
		if ctx.Err() != nil {
			return
		}
		progress.MarkFailed(url, "internal_error", err.Error(), 0)
		s.log.Warn("url processing error",
			logging.Field{Key: "url", Value: url},
			logging.Field{Key: "error", Value: err.Error()})
	case failureReason != "":
		errorType := failureReason
		if idx := strings.IndexByte(failureReason, ':'); idx > 0 {
			errorType = failureReason[:idx]
		}
		retry := 0
		if meta, merr := s.deps.Store.LoadURLMetadata(ctx, url); merr == nil && meta != nil {
			retry = meta.RetryCount
		}
		progress.MarkFailed(url, errorType, failureReason, retry)
	default:
		progress.MarkProcessed(url, wasCached)
		if !wasCached && doc != nil {
			if err := s.deps.Store.UpdateNextDue(ctx, url, s.nextDueFrom(p, url, started)); err != nil {
				s.log.Warn("update next due",
					logging.Field{Key: "url", Value: url},
					logging.Field{Key: "error", Value: err.Error()})
			}
		}
	}

	s.checkpoint(ctx, progress, false, false)
}

// nextDueFrom folds the sitemap lastmod hint into the refetch schedule:
// recently modified pages come back daily, old ones at the maximum
// interval, unknown ones in a week.
func (s *Scheduler) nextDueFrom(p *plan, url string, now time.Time) time.Time {
	lastMod, ok := p.lastMod[url]
	if !ok {
		return now.Add(7 * 24 * time.Hour)
	}
	age := now.Sub(lastMod)
	switch {
	case age < 7*24*time.Hour:
		return now.Add(24 * time.Hour)
	case age <= 30*24*time.Hour:
		return now.Add(time.Duration(s.cfg.ScheduleIntervalHours) * time.Hour)
	default:
		return now.Add(time.Duration(s.cfg.MaxIntervalHours) * time.Hour)
	}
}

// checkpoint persists the progress aggregate. Non-forced writes are
// throttled to one per 30 seconds.
func (s *Scheduler) checkpoint(ctx context.Context, progress *Progress, force, keepHistory bool) error {
	s.checkpointMu.Lock()
	defer s.checkpointMu.Unlock()

	if !force && time.Since(s.lastCheckpoint) < checkpointMinInterval {
		return nil
	}

	payload, err := json.Marshal(progress)
	if err != nil {
		return fmt.Errorf("marshal progress: %w", err)
	}
	if err := s.deps.Store.SaveCheckpoint(ctx, progress.SyncID(), payload, keepHistory); err != nil {
		return err
	}
	s.lastCheckpoint = time.Now()
	return nil
}

func (s *Scheduler) saveSummary(ctx context.Context, progress *Progress, message string) {
	stats := progress.Stats()
	sum := &state.Summary{
		SyncID:      progress.SyncID(),
		CompletedAt: time.Now().UTC(),
		Succeeded:   stats.Processed,
		Failed:      stats.Failed,
		Skipped:     stats.Skipped,
		Discovered:  stats.Discovered,
		Message:     message,
	}
	if err := s.deps.Store.SaveSummary(ctx, sum); err != nil {
		s.log.Warn("save summary", logging.Field{Key: "error", Value: err.Error()})
	}
}

func (s *Scheduler) recordEvent(ctx context.Context, ev *state.Event) {
	if err := s.deps.Store.RecordEvent(ctx, ev); err != nil {
		s.log.Warn("record event",
			logging.Field{Key: "event", Value: ev.EventType},
			logging.Field{Key: "error", Value: err.Error()})
	}
}
