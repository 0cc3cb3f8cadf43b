package sitemap_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raysh454/biblio/internal/logging"
	"github.com/raysh454/biblio/internal/policy"
	"github.com/raysh454/biblio/internal/sitemap"
	"github.com/raysh454/biblio/internal/state"
	"github.com/raysh454/biblio/internal/urlpath"
	"github.com/raysh454/biblio/internal/webclient"
)

const sampleSitemap = `<?xml version="1.0" encoding="UTF-8"?>
<urlset xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
  <url><loc>https://docs.example.com/guides/intro</loc><lastmod>2026-08-01</lastmod></url>
  <url><loc>https://docs.example.com/api/</loc><lastmod>2026-08-10T12:00:00Z</lastmod></url>
  <url><loc>https://docs.example.com/private/secret</loc></url>
  <url><loc></loc></url>
</urlset>`

const sampleIndex = `<?xml version="1.0" encoding="UTF-8"?>
<sitemapindex xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
  <sitemap><loc>https://docs.example.com/sitemap-a.xml</loc></sitemap>
  <sitemap><loc>https://docs.example.com/sitemap-b.xml</loc></sitemap>
</sitemapindex>`

func newFetcher(t *testing.T, pol *policy.Policy, store *state.Store) *sitemap.Fetcher {
	t.Helper()
	wc, err := webclient.NewNetHTTPClient(webclient.Config{Timeout: 5 * time.Second}, logging.Nop(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { wc.Close() })
	return sitemap.NewFetcher(wc, urlpath.NewBuilder(urlpath.CanonicalizeOptions{}), pol, store, logging.Nop())
}

func TestFetchParsesAndFilters(t *testing.T) {
	var gotAccept atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAccept.Store(r.Header.Get("Accept"))
		w.Header().Set("Content-Type", "text/xml")
		fmt.Fprint(w, sampleSitemap)
	}))
	defer srv.Close()

	pol := policy.New(nil, []string{"https://docs.example.com/private/"})
	f := newFetcher(t, pol, nil)

	res, err := f.Fetch(context.Background(), srv.URL+"/sitemap.xml")
	require.NoError(t, err)

	assert.Contains(t, gotAccept.Load().(string), "text/xml")
	assert.Equal(t, 4, res.EntryCount)
	assert.Equal(t, 2, res.FilteredCount)
	require.Len(t, res.Entries, 2)
	assert.Equal(t, "https://docs.example.com/guides/intro/", res.Entries[0].URL)
	assert.Equal(t, time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC), res.Entries[0].LastMod)
	assert.Equal(t, "https://docs.example.com/api/", res.Entries[1].URL)
	assert.True(t, res.Entries[1].LastMod.Equal(time.Date(2026, 8, 10, 12, 0, 0, 0, time.UTC)))
	assert.True(t, res.Changed)
	assert.NotEmpty(t, res.ContentHash)
	assert.Empty(t, res.ChildSitemaps)
}

func TestFetchSitemapIndex(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, sampleIndex)
	}))
	defer srv.Close()

	res, err := newFetcher(t, nil, nil).Fetch(context.Background(), srv.URL+"/sitemap.xml")
	require.NoError(t, err)
	assert.Empty(t, res.Entries)
	assert.Equal(t, []string{
		"https://docs.example.com/sitemap-a.xml",
		"https://docs.example.com/sitemap-b.xml",
	}, res.ChildSitemaps)
}

func TestChangeDetection(t *testing.T) {
	body := atomic.Value{}
	body.Store(sampleSitemap)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, body.Load().(string))
	}))
	defer srv.Close()

	st, err := state.New(t.TempDir(), logging.Nop())
	require.NoError(t, err)
	f := newFetcher(t, nil, st)

	sitemapURL := srv.URL + "/sitemap.xml"

	res, err := f.Fetch(context.Background(), sitemapURL)
	require.NoError(t, err)
	assert.True(t, res.Changed, "first fetch is always a change")

	res, err = f.Fetch(context.Background(), sitemapURL)
	require.NoError(t, err)
	assert.False(t, res.Changed, "identical content is unchanged")

	body.Store(sampleSitemap + "\n<!-- touched -->")
	res, err = f.Fetch(context.Background(), sitemapURL)
	require.NoError(t, err)
	assert.True(t, res.Changed)

	snap, err := st.GetSitemapSnapshot(context.Background(), sitemapURL)
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, res.ContentHash, snap.ContentHash)
}

func TestFetchHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	_, err := newFetcher(t, nil, nil).Fetch(context.Background(), srv.URL+"/sitemap.xml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "http 404")
}

func TestFetchMalformedXML(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "<urlset><url><loc>unclosed")
	}))
	defer srv.Close()

	_, err := newFetcher(t, nil, nil).Fetch(context.Background(), srv.URL+"/sitemap.xml")
	assert.Error(t, err)
}
