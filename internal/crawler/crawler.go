// Package crawler discovers URLs breadth-first from a seed set, pacing
// itself with per-host adaptive delays and an adaptive worker pool.
// Discovered URLs are handed off progressively; the crawler itself never
// extracts content.
package crawler

import (
	"context"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/raysh454/biblio/internal/logging"
	"github.com/raysh454/biblio/internal/policy"
	"github.com/raysh454/biblio/internal/urlpath"
	"github.com/raysh454/biblio/internal/webclient"
)

// Config tunes one crawl run.
type Config struct {
	// Timeout bounds a single page fetch. Zero means 30s.
	Timeout time.Duration
	// BaseDelay seeds the per-host rate limiter. Zero means 1s.
	BaseDelay time.Duration
	// MaxPages stops the crawl after this many successful fetches. Zero
	// means unbounded.
	MaxPages int
	// SameHostOnly restricts discovery to the seed hosts.
	SameHostOnly bool
	// AllowQueryStrings keeps query parameters during canonicalization.
	AllowQueryStrings bool
	// MinWorkers / MaxWorkers bound the adaptive pool. Zero means 1 / 4.
	MinWorkers int
	MaxWorkers int
	// ForceCrawl disables the recently-fetched skip.
	ForceCrawl bool
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = time.Second
	}
	if c.MinWorkers < 1 {
		c.MinWorkers = 1
	}
	if c.MaxWorkers < c.MinWorkers {
		c.MaxWorkers = c.MinWorkers
		if c.MaxWorkers < 4 {
			c.MaxWorkers = 4
		}
	}
	return c
}

// Callbacks hook the crawl into the sync engine.
type Callbacks struct {
	// OnURLDiscovered fires once per newly discovered canonical URL, from
	// worker goroutines.
	OnURLDiscovered func(url string)
	// ShouldSkipRecent reports whether a URL was fetched recently enough
	// to skip. Nil means never skip.
	ShouldSkipRecent func(url string) bool
}

// Stats summarizes one crawl run.
type Stats struct {
	Fetched     int64
	Discovered  int64
	Skipped     int64
	RateLimited int64
	Errors      int64
}

// Crawler runs BFS discovery. One instance per crawl.
type Crawler struct {
	cfg       Config
	callbacks Callbacks
	client    webclient.WebClient
	builder   *urlpath.Builder
	policy    *policy.Policy
	rate      *RateLimiter
	limiter   *AdaptiveLimiter
	logger    logging.Logger

	mu        sync.Mutex
	cond      *sync.Cond
	frontier  []string
	visited   map[string]struct{}
	inflight  int
	stopped   bool
	seedHosts map[string]struct{}

	stats Stats
}

// New builds a crawler. The builder's query policy should match
// cfg.AllowQueryStrings.
func New(cfg Config, callbacks Callbacks, client webclient.WebClient, builder *urlpath.Builder, pol *policy.Policy, logger logging.Logger) *Crawler {
	if logger == nil {
		logger = logging.Nop()
	}
	cfg = cfg.withDefaults()
	c := &Crawler{
		cfg:       cfg,
		callbacks: callbacks,
		client:    client,
		builder:   builder,
		policy:    pol,
		rate:      NewRateLimiter(cfg.BaseDelay),
		limiter:   NewAdaptiveLimiter(cfg.MinWorkers, cfg.MaxWorkers),
		logger:    logger.With(logging.Field{Key: "component", Value: "crawler"}),
		visited:   make(map[string]struct{}),
		seedHosts: make(map[string]struct{}),
	}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// Run crawls from the seeds until MaxPages is reached, the frontier drains,
// or ctx is cancelled. Seeds are canonicalized before entering the frontier;
// only links found during the crawl count as discovered.
func (c *Crawler) Run(ctx context.Context, seeds []string) (Stats, error) {
	for _, seed := range seeds {
		canonical, err := c.builder.Canonicalize(seed)
		if err != nil {
			c.logger.Warn("invalid seed url",
				logging.Field{Key: "url", Value: seed},
				logging.Field{Key: "error", Value: err.Error()})
			continue
		}
		if u, err := url.Parse(canonical); err == nil {
			c.seedHosts[u.Hostname()] = struct{}{}
		}
		c.enqueue(canonical)
	}

	// Stop the workers when the caller gives up.
	stopWatch := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			c.stop()
		case <-stopWatch:
		}
	}()
	defer close(stopWatch)

	var wg sync.WaitGroup
	for i := 0; i < c.cfg.MaxWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.worker(ctx)
		}()
	}
	wg.Wait()

	return Stats{
		Fetched:     atomic.LoadInt64(&c.stats.Fetched),
		Discovered:  atomic.LoadInt64(&c.stats.Discovered),
		Skipped:     atomic.LoadInt64(&c.stats.Skipped),
		RateLimited: atomic.LoadInt64(&c.stats.RateLimited),
		Errors:      atomic.LoadInt64(&c.stats.Errors),
	}, ctx.Err()
}

// worker pulls from the frontier until the crawl ends.
func (c *Crawler) worker(ctx context.Context) {
	for {
		u, ok := c.next()
		if !ok {
			return
		}
		c.process(ctx, u)
		c.done()
	}
}

// next blocks until a URL is available or the crawl is finished. The
// inflight counter keeps workers alive while a peer may still discover
// more URLs.
func (c *Crawler) next() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for {
		if c.stopped {
			return "", false
		}
		if len(c.frontier) > 0 {
			u := c.frontier[0]
			c.frontier = c.frontier[1:]
			c.inflight++
			return u, true
		}
		if c.inflight == 0 {
			c.stopped = true
			c.cond.Broadcast()
			return "", false
		}
		c.cond.Wait()
	}
}

func (c *Crawler) done() {
	c.mu.Lock()
	c.inflight--
	c.mu.Unlock()
	c.cond.Broadcast()
}

func (c *Crawler) stop() {
	c.mu.Lock()
	c.stopped = true
	c.mu.Unlock()
	c.cond.Broadcast()
}

// enqueue adds a canonical URL to the frontier once.
func (c *Crawler) enqueue(canonical string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return false
	}
	if _, ok := c.visited[canonical]; ok {
		return false
	}
	c.visited[canonical] = struct{}{}
	c.frontier = append(c.frontier, canonical)
	c.cond.Broadcast()
	return true
}

// requeue puts an already-visited URL back on the frontier (429 retry).
func (c *Crawler) requeue(canonical string) {
	c.mu.Lock()
	if !c.stopped {
		c.frontier = append(c.frontier, canonical)
	}
	c.mu.Unlock()
	c.cond.Broadcast()
}

func (c *Crawler) process(ctx context.Context, canonical string) {
	if ctx.Err() != nil {
		return
	}
	if c.cfg.MaxPages > 0 && atomic.LoadInt64(&c.stats.Fetched) >= int64(c.cfg.MaxPages) {
		c.stop()
		return
	}

	if !c.cfg.ForceCrawl && c.callbacks.ShouldSkipRecent != nil && c.callbacks.ShouldSkipRecent(canonical) {
		atomic.AddInt64(&c.stats.Skipped, 1)
		return
	}

	if err := c.limiter.Acquire(ctx); err != nil {
		return
	}
	defer c.limiter.Release()

	host := hostOf(canonical)
	if err := c.rate.Wait(ctx, host); err != nil {
		return
	}

	fetchCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	resp, err := c.client.Do(fetchCtx, webclient.Get(canonical))
	cancel()
	if err != nil {
		// No retry inside the crawler; the scheduler's queue handles it.
		atomic.AddInt64(&c.stats.Errors, 1)
		c.logger.Debug("fetch failed",
			logging.Field{Key: "url", Value: canonical},
			logging.Field{Key: "error", Value: err.Error()})
		return
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		atomic.AddInt64(&c.stats.RateLimited, 1)
		c.rate.Record429(host)
		c.limiter.OnRateLimit()
		c.requeue(canonical)
		c.logger.Debug("rate limited",
			logging.Field{Key: "url", Value: canonical},
			logging.Field{Key: "delay", Value: c.rate.Delay(host).String()})
		return
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		atomic.AddInt64(&c.stats.Errors, 1)
		return
	}

	c.rate.RecordSuccess(host)
	c.limiter.OnSuccess()

	fetched := atomic.AddInt64(&c.stats.Fetched, 1)
	if c.cfg.MaxPages > 0 && fetched >= int64(c.cfg.MaxPages) {
		c.discover(canonical, resp.Body)
		c.stop()
		return
	}
	c.discover(canonical, resp.Body)
}

// discover extracts, filters and hands off the page's links.
func (c *Crawler) discover(pageURL string, body []byte) {
	for _, link := range ExtractLinks(pageURL, body) {
		canonical, err := c.builder.Canonicalize(link)
		if err != nil {
			continue
		}
		if c.cfg.SameHostOnly {
			if _, ok := c.seedHosts[hostOf(canonical)]; !ok {
				continue
			}
		}
		if !c.policy.Allowed(canonical) {
			continue
		}
		if !c.enqueue(canonical) {
			continue
		}
		atomic.AddInt64(&c.stats.Discovered, 1)
		if c.callbacks.OnURLDiscovered != nil {
			c.callbacks.OnURLDiscovered(canonical)
		}
	}
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}
