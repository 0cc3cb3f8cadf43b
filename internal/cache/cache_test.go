package cache

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raysh454/biblio/internal/docs"
	"github.com/raysh454/biblio/internal/extractor"
	"github.com/raysh454/biblio/internal/logging"
	"github.com/raysh454/biblio/internal/state"
	"github.com/raysh454/biblio/internal/urlpath"
)

type fakeExtractor struct {
	pages map[string]*extractor.PageResult
	errs  map[string]error
	calls int
}

func (f *fakeExtractor) Fetch(ctx context.Context, url string) (*extractor.PageResult, error) {
	f.calls++
	if err, ok := f.errs[url]; ok {
		return nil, err
	}
	if page, ok := f.pages[url]; ok {
		return page, nil
	}
	return nil, &extractor.FetchError{Reason: extractor.ReasonHTTPError, Detail: "http 404"}
}

func (f *fakeExtractor) FallbackMetrics() extractor.Metrics { return extractor.Metrics{} }

func page(url, title, markdown string) *extractor.PageResult {
	return &extractor.PageResult{URL: url, Title: title, Markdown: markdown, Excerpt: docs.Excerpt(markdown, 0)}
}

func newService(t *testing.T, cfg Config, ext extractor.Extractor) (*Service, *state.Store) {
	t.Helper()
	root := t.TempDir()
	st, err := state.New(root, logging.Nop())
	require.NoError(t, err)
	builder := urlpath.NewBuilder(urlpath.CanonicalizeOptions{})
	corpus := docs.NewCorpus(root, builder)
	return New(cfg, st, corpus, builder, ext, logging.Nop()), st
}

func TestFetchThenFreshHit(t *testing.T) {
	ctx := context.Background()
	url := "https://docs.example.com/guide/"
	ext := &fakeExtractor{pages: map[string]*extractor.PageResult{
		url: page(url, "Guide", "# Guide\n\nContent body.\n"),
	}}
	s, st := newService(t, Config{}, ext)

	doc, wasCached, reason, err := s.CheckAndFetch(ctx, url, false)
	require.NoError(t, err)
	assert.Empty(t, reason)
	assert.False(t, wasCached)
	require.NotNil(t, doc)
	assert.Equal(t, "Guide", doc.Title)
	assert.Equal(t, 1, ext.calls)

	// Metadata reflects the success.
	meta, err := st.LoadURLMetadata(ctx, url)
	require.NoError(t, err)
	require.NotNil(t, meta)
	assert.Equal(t, state.StatusSuccess, meta.LastStatus)
	assert.NotEmpty(t, meta.MarkdownRelPath)

	// Second call inside the window is served from cache.
	doc2, wasCached, reason, err := s.CheckAndFetch(ctx, url, false)
	require.NoError(t, err)
	assert.Empty(t, reason)
	assert.True(t, wasCached)
	assert.Contains(t, doc2.Markdown, "Content body.")
	assert.Equal(t, 1, ext.calls, "no refetch inside the idempotency window")
}

func TestFetchFailureRecordsReason(t *testing.T) {
	ctx := context.Background()
	url := "https://docs.example.com/broken/"
	ext := &fakeExtractor{errs: map[string]error{
		url: &extractor.FetchError{Reason: extractor.ReasonHTTPError, Detail: "http 500"},
	}}
	s, st := newService(t, Config{}, ext)

	doc, wasCached, reason, err := s.CheckAndFetch(ctx, url, false)
	require.NoError(t, err)
	assert.Nil(t, doc)
	assert.False(t, wasCached)
	assert.Equal(t, "http_error:http 500", reason)

	meta, err := st.LoadURLMetadata(ctx, url)
	require.NoError(t, err)
	require.NotNil(t, meta)
	assert.Equal(t, state.StatusFailed, meta.LastStatus)
	assert.Equal(t, 1, meta.RetryCount)
}

func TestFailureDetailTruncated(t *testing.T) {
	long := make([]byte, 1000)
	for i := range long {
		long[i] = 'x'
	}
	url := "https://docs.example.com/long-error/"
	ext := &fakeExtractor{errs: map[string]error{
		url: &extractor.FetchError{Reason: extractor.ReasonNetworkError, Detail: string(long)},
	}}
	s, _ := newService(t, Config{}, ext)

	_, _, reason, err := s.CheckAndFetch(context.Background(), url, false)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(reason), len(extractor.ReasonNetworkError)+1+240)
}

func TestOfflineModeStaleAndMiss(t *testing.T) {
	ctx := context.Background()
	url := "https://docs.example.com/offline/"
	ext := &fakeExtractor{pages: map[string]*extractor.PageResult{
		url: page(url, "Offline", "# Offline\n\nStored earlier.\n"),
	}}

	// Seed the corpus while online with a tiny freshness window so the
	// document goes stale immediately.
	s, st := newService(t, Config{MinFetchInterval: time.Nanosecond}, ext)
	_, _, _, err := s.CheckAndFetch(ctx, url, false)
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)

	builder := urlpath.NewBuilder(urlpath.CanonicalizeOptions{})
	offline := New(Config{OfflineMode: true, MinFetchInterval: time.Nanosecond}, st,
		docs.NewCorpus(s.corpus.Root(), builder), builder, ext, logging.Nop())

	doc, wasCached, reason, err := offline.CheckAndFetch(ctx, url, false)
	require.NoError(t, err)
	assert.True(t, wasCached)
	assert.Empty(t, reason)
	require.NotNil(t, doc)
	assert.Contains(t, doc.Markdown, "Stored earlier.")

	// Unknown URL offline with no semantic fallback.
	doc, wasCached, reason, err = offline.CheckAndFetch(ctx, "https://docs.example.com/never-seen/", false)
	require.NoError(t, err)
	assert.Nil(t, doc)
	assert.False(t, wasCached)
	assert.Equal(t, FailureOfflineNoCache, reason)
}

func TestSemanticFallbackOffline(t *testing.T) {
	ctx := context.Background()
	stored := "https://docs.example.com/guides/install-linux/"
	ext := &fakeExtractor{pages: map[string]*extractor.PageResult{
		stored: page(stored, "Install", "# Install on Linux\n\nSteps here.\n"),
	}}
	s, _ := newService(t, Config{MinFetchInterval: time.Nanosecond}, ext)

	_, _, _, err := s.CheckAndFetch(ctx, stored, false)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	s.cfg.OfflineMode = true

	// A near-identical sibling path should resolve through the semantic
	// cache; the exact URL was never fetched.
	doc, wasCached, reason, err := s.CheckAndFetch(ctx, "https://docs.example.com/guides/install-linux2/", true)
	require.NoError(t, err)
	assert.Empty(t, reason)
	assert.True(t, wasCached)
	require.NotNil(t, doc)
	assert.Contains(t, doc.Markdown, "Install on Linux")

	// A completely different host never matches.
	doc, _, reason, err = s.CheckAndFetch(ctx, "https://other.example.net/guides/install-linux/", true)
	require.NoError(t, err)
	assert.Nil(t, doc)
	assert.Equal(t, FailureOfflineNoCache, reason)
}

func TestSemanticOnlineOnlyForNeverStored(t *testing.T) {
	ctx := context.Background()
	stored := "https://docs.example.com/guides/install-linux/"
	ext := &fakeExtractor{pages: map[string]*extractor.PageResult{
		stored: page(stored, "Install", "# Install on Linux\n\nSteps here.\n"),
	}}
	s, _ := newService(t, Config{MinFetchInterval: time.Nanosecond}, ext)

	_, _, _, err := s.CheckAndFetch(ctx, stored, false)
	require.NoError(t, err)
	calls := ext.calls
	time.Sleep(5 * time.Millisecond)

	// A never-stored sibling resolves semantically without touching the
	// network.
	doc, wasCached, reason, err := s.CheckAndFetch(ctx, "https://docs.example.com/guides/install-linux2/", true)
	require.NoError(t, err)
	assert.Empty(t, reason)
	assert.True(t, wasCached)
	require.NotNil(t, doc)
	assert.Contains(t, doc.Markdown, "Install on Linux")
	assert.Equal(t, calls, ext.calls)

	// The stored URL itself went stale: it refetches rather than being
	// served a neighbour.
	doc, wasCached, reason, err = s.CheckAndFetch(ctx, stored, true)
	require.NoError(t, err)
	assert.Empty(t, reason)
	assert.False(t, wasCached)
	require.NotNil(t, doc)
	assert.Equal(t, calls+1, ext.calls)
}

func TestChangeStats(t *testing.T) {
	assert.Equal(t, "new=5", changeStats("", "hello"))
	stats := changeStats("hello world", "hello brave world")
	assert.Contains(t, stats, "added=6")
	assert.Contains(t, stats, "removed=0")
}

func TestSemanticCacheWindowAndDedupe(t *testing.T) {
	c := newSemanticCache()
	c.Add("https://docs.example.com/a/", "docs.example.com/a.md")
	c.Add("https://docs.example.com/a/", "docs.example.com/a.md")
	assert.Equal(t, 1, c.Len())

	for i := 0; i < semanticCandidates+50; i++ {
		c.Add(fmt.Sprintf("https://docs.example.com/page-%d/", i), "x.md")
	}
	assert.Equal(t, semanticCandidates, c.Len())
}

func TestSemanticLookupThreshold(t *testing.T) {
	c := newSemanticCache()
	c.Add("https://docs.example.com/guides/install-linux/", "a.md")

	// Identical slug on a different URL scores 1.0.
	got := c.Lookup("https://docs.example.com/guides/install-linux")
	require.NotEmpty(t, got)
	assert.InDelta(t, 1.0, got[0].Score, 0.001)

	// Unrelated slug stays below the threshold.
	assert.Empty(t, c.Lookup("https://docs.example.com/zzz-qqq-123/"))

	// Other hosts are excluded even with identical slugs.
	assert.Empty(t, c.Lookup("https://other.example.net/guides/install-linux/"))
}
