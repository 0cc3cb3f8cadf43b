package crawler

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raysh454/biblio/internal/logging"
	"github.com/raysh454/biblio/internal/policy"
	"github.com/raysh454/biblio/internal/urlpath"
	"github.com/raysh454/biblio/internal/webclient"
)

func testBuilder() *urlpath.Builder {
	return urlpath.NewBuilder(urlpath.CanonicalizeOptions{})
}

func newTestCrawler(t *testing.T, cfg Config, cb Callbacks, pol *policy.Policy) *Crawler {
	t.Helper()
	if cfg.BaseDelay == 0 {
		cfg.BaseDelay = time.Millisecond
	}
	wc, err := webclient.NewNetHTTPClient(webclient.Config{Timeout: 5 * time.Second}, logging.Nop(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { wc.Close() })
	return New(cfg, cb, wc, testBuilder(), pol, logging.Nop())
}

func docServer() *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, `<html><body>
			<a href="/guides/">Guides</a>
			<a href="/api/">API</a>
			<a href="/logo.png">Logo</a>
			<link href="/styles.css">
			<a href="https://elsewhere.example.net/off-host/">Off host</a>
		</body></html>`)
	})
	mux.HandleFunc("/guides/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><body><a href="/guides/intro">Intro</a><a href="/">Home</a></body></html>`)
	})
	mux.HandleFunc("/guides/intro/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><body>leaf</body></html>`)
	})
	mux.HandleFunc("/api/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><body><a href="#fragment">self</a></body></html>`)
	})
	return httptest.NewServer(mux)
}

func TestCrawlDiscoversSameHostGraph(t *testing.T) {
	srv := docServer()
	defer srv.Close()

	var mu sync.Mutex
	discovered := make(map[string]bool)
	c := newTestCrawler(t, Config{SameHostOnly: true, MaxWorkers: 2}, Callbacks{
		OnURLDiscovered: func(u string) {
			mu.Lock()
			discovered[u] = true
			mu.Unlock()
		},
	}, nil)

	stats, err := c.Run(context.Background(), []string{srv.URL + "/"})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.True(t, discovered[srv.URL+"/guides/"])
	assert.True(t, discovered[srv.URL+"/api/"])
	assert.True(t, discovered[srv.URL+"/guides/intro/"])
	for u := range discovered {
		assert.NotContains(t, u, "elsewhere.example.net")
		assert.NotContains(t, u, ".png")
		assert.NotContains(t, u, ".css")
	}
	assert.EqualValues(t, 4, stats.Fetched)
	assert.EqualValues(t, 3, stats.Discovered)
}

func TestCrawlMaxPagesOne(t *testing.T) {
	srv := docServer()
	defer srv.Close()

	c := newTestCrawler(t, Config{SameHostOnly: true, MaxPages: 1}, Callbacks{}, nil)
	stats, err := c.Run(context.Background(), []string{srv.URL + "/"})
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.Fetched)
	// The single fetched page still hands its two crawlable links off.
	assert.EqualValues(t, 2, stats.Discovered)
}

func TestCrawlSkipsRecent(t *testing.T) {
	srv := docServer()
	defer srv.Close()

	c := newTestCrawler(t, Config{SameHostOnly: true}, Callbacks{
		ShouldSkipRecent: func(u string) bool { return true },
	}, nil)
	stats, err := c.Run(context.Background(), []string{srv.URL + "/"})
	require.NoError(t, err)
	assert.Zero(t, stats.Fetched)
	assert.EqualValues(t, 1, stats.Skipped)
}

func TestForceCrawlIgnoresSkipRecent(t *testing.T) {
	srv := docServer()
	defer srv.Close()

	c := newTestCrawler(t, Config{SameHostOnly: true, ForceCrawl: true}, Callbacks{
		ShouldSkipRecent: func(u string) bool { return true },
	}, nil)
	stats, err := c.Run(context.Background(), []string{srv.URL + "/"})
	require.NoError(t, err)
	assert.EqualValues(t, 4, stats.Fetched)
}

func TestCrawlHonorsPolicy(t *testing.T) {
	srv := docServer()
	defer srv.Close()

	pol := policy.New(nil, []string{srv.URL + "/api/"})
	c := newTestCrawler(t, Config{SameHostOnly: true}, Callbacks{}, pol)
	stats, err := c.Run(context.Background(), []string{srv.URL + "/"})
	require.NoError(t, err)
	// /api/ is blacklisted: never discovered, never fetched.
	assert.EqualValues(t, 3, stats.Fetched)
	assert.EqualValues(t, 2, stats.Discovered)
}

func TestCrawlRetriesAfter429(t *testing.T) {
	var hits int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt64(&hits, 1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		fmt.Fprint(w, `<html><body>ok</body></html>`)
	}))
	defer srv.Close()

	c := newTestCrawler(t, Config{SameHostOnly: true}, Callbacks{}, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	stats, err := c.Run(ctx, []string{srv.URL + "/"})
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.RateLimited)
	assert.EqualValues(t, 1, stats.Fetched)
}

func TestCrawlCancellation(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer srv.Close()
	defer close(block)

	c := newTestCrawler(t, Config{}, Callbacks{}, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := c.Run(ctx, []string{srv.URL + "/"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestRateLimiterBackoffAndBounds(t *testing.T) {
	rl := NewRateLimiter(time.Second)
	host := "docs.example.com"

	assert.Equal(t, time.Second, rl.Delay(host))

	// Rapid 429s double the delay, with the sustained factor on top after
	// three in a row; the ceiling holds at 120s.
	for i := 0; i < 20; i++ {
		rl.Record429(host)
	}
	assert.Equal(t, maxDelay, rl.Delay(host))

	// Ten straight successes shrink the delay but never below the floor.
	prev := rl.Delay(host)
	for i := 0; i < recoverySuccesses; i++ {
		rl.RecordSuccess(host)
	}
	assert.Less(t, rl.Delay(host), prev)

	for i := 0; i < 100*recoverySuccesses; i++ {
		rl.RecordSuccess(host)
	}
	assert.Equal(t, minDelay, rl.Delay(host))
}

func TestRateLimiterFloor(t *testing.T) {
	rl := NewRateLimiter(time.Nanosecond)
	assert.Equal(t, minDelay, rl.Delay("docs.example.com"))
}

func TestAdaptiveLimiterRaiseAndHalve(t *testing.T) {
	l := NewAdaptiveLimiter(2, 8)
	assert.Equal(t, 2, l.Ceiling())

	for i := 0; i < raiseAfterSuccesses; i++ {
		l.OnSuccess()
	}
	assert.Equal(t, 3, l.Ceiling())

	for i := 0; i < 3*raiseAfterSuccesses; i++ {
		l.OnSuccess()
	}
	assert.Equal(t, 6, l.Ceiling())

	l.OnRateLimit()
	assert.Equal(t, 3, l.Ceiling())
	l.OnRateLimit()
	assert.Equal(t, 2, l.Ceiling(), "never below min")

	// After a rate limit the quiet window blocks further raises.
	for i := 0; i < raiseAfterSuccesses; i++ {
		l.OnSuccess()
	}
	assert.Equal(t, 2, l.Ceiling())
}

func TestAdaptiveLimiterAcquireRelease(t *testing.T) {
	l := NewAdaptiveLimiter(1, 1)
	require.NoError(t, l.Acquire(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := l.Acquire(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	l.Release()
	require.NoError(t, l.Acquire(context.Background()))
	l.Release()
}

func TestExtractLinks(t *testing.T) {
	html := []byte(`<html><head><link rel="stylesheet" href="/main.css"></head><body>
		<a href="/docs/">Docs</a>
		<a href="relative/page">Relative</a>
		<a href="https://other.example.net/x">Absolute</a>
		<a href="mailto:hi@example.com">Mail</a>
		<a href="#section">Anchor</a>
		<a href="/file.pdf">PDF</a>
		<area href="/map-target/">
		<a href="/docs/">Duplicate</a>
	</body></html>`)

	links := ExtractLinks("https://docs.example.com/base/", html)
	assert.Equal(t, []string{
		"https://docs.example.com/docs/",
		"https://docs.example.com/base/relative/page",
		"https://other.example.net/x",
		"https://docs.example.com/map-target/",
	}, links)
}
