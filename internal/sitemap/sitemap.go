// Package sitemap fetches and parses sitemaps, and detects change between
// sync cycles by content hash.
package sitemap

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/raysh454/biblio/internal/logging"
	"github.com/raysh454/biblio/internal/policy"
	"github.com/raysh454/biblio/internal/state"
	"github.com/raysh454/biblio/internal/urlpath"
	"github.com/raysh454/biblio/internal/webclient"
)

// FetchTimeout bounds a whole sitemap download.
const FetchTimeout = 120 * time.Second

// Entry is one URL of a sitemap, with its optional last modification time.
type Entry struct {
	URL     string
	LastMod time.Time
}

// Result is one parsed sitemap plus its change status against the stored
// snapshot.
type Result struct {
	Entries       []Entry
	EntryCount    int
	FilteredCount int
	ContentHash   string
	Changed       bool
	// ChildSitemaps holds nested sitemap URLs when the document was a
	// sitemap index.
	ChildSitemaps []string
}

// Fetcher downloads, parses and diffs sitemaps for one tenant.
type Fetcher struct {
	client  webclient.WebClient
	builder *urlpath.Builder
	policy  *policy.Policy
	store   *state.Store
	logger  logging.Logger
}

// NewFetcher builds a sitemap fetcher. store may be nil when change
// detection is not needed.
func NewFetcher(client webclient.WebClient, builder *urlpath.Builder, pol *policy.Policy, store *state.Store, logger logging.Logger) *Fetcher {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Fetcher{
		client:  client,
		builder: builder,
		policy:  pol,
		store:   store,
		logger:  logger.With(logging.Field{Key: "component", Value: "sitemap"}),
	}
}

// Fetch downloads one sitemap URL, parses it, filters its entries through
// the URL policy, compares the content hash against the stored snapshot,
// and persists a fresh snapshot. Sitemap indexes return child sitemap URLs
// instead of entries; callers recurse as needed.
func (f *Fetcher) Fetch(ctx context.Context, sitemapURL string) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, FetchTimeout)
	defer cancel()

	req := webclient.Get(sitemapURL)
	req.Headers.Set("Accept", "text/xml, application/xml")

	resp, err := f.client.Do(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("fetch sitemap %s: %w", sitemapURL, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch sitemap %s: http %d", sitemapURL, resp.StatusCode)
	}

	result, err := f.parse(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("parse sitemap %s: %w", sitemapURL, err)
	}

	sum := sha256.Sum256(resp.Body)
	result.ContentHash = hex.EncodeToString(sum[:])
	result.Changed = true

	if f.store != nil {
		prev, err := f.store.GetSitemapSnapshot(ctx, sitemapURL)
		if err != nil {
			return nil, err
		}
		if prev != nil && prev.ContentHash == result.ContentHash {
			result.Changed = false
		}
		snap := &state.SitemapSnapshot{
			EntryCount:    result.EntryCount,
			FilteredCount: result.FilteredCount,
			ContentHash:   result.ContentHash,
			FetchedAt:     time.Now().UTC(),
		}
		if err := f.store.SaveSitemapSnapshot(ctx, sitemapURL, snap); err != nil {
			return nil, err
		}
	}

	f.logger.Debug("sitemap fetched",
		logging.Field{Key: "url", Value: sitemapURL},
		logging.Field{Key: "entries", Value: result.FilteredCount},
		logging.Field{Key: "changed", Value: result.Changed})
	return result, nil
}

// xmlURL tolerates both <url> and <sitemap> children; unknown elements are
// ignored by the decoder.
type xmlURL struct {
	Loc     string `xml:"loc"`
	LastMod string `xml:"lastmod"`
}

type xmlDoc struct {
	XMLName  xml.Name `xml:""`
	URLs     []xmlURL `xml:"url"`
	Sitemaps []xmlURL `xml:"sitemap"`
}

// parse decodes a <urlset> or <sitemapindex> document. Entries with an
// unparseable URL are dropped rather than failing the whole sitemap.
func (f *Fetcher) parse(body []byte) (*Result, error) {
	var doc xmlDoc
	decoder := xml.NewDecoder(strings.NewReader(string(body)))
	// Documentation sites declare all kinds of encodings; read them as-is.
	decoder.CharsetReader = func(charset string, input io.Reader) (io.Reader, error) {
		return input, nil
	}
	if err := decoder.Decode(&doc); err != nil {
		return nil, err
	}

	result := &Result{}

	for _, sm := range doc.Sitemaps {
		loc := strings.TrimSpace(sm.Loc)
		if loc != "" {
			result.ChildSitemaps = append(result.ChildSitemaps, loc)
		}
	}

	result.EntryCount = len(doc.URLs)
	for _, u := range doc.URLs {
		loc := strings.TrimSpace(u.Loc)
		if loc == "" {
			continue
		}
		canonical, err := f.builder.Canonicalize(loc)
		if err != nil {
			continue
		}
		if !f.policy.Allowed(canonical) {
			continue
		}
		result.Entries = append(result.Entries, Entry{
			URL:     canonical,
			LastMod: parseLastMod(u.LastMod),
		})
	}
	result.FilteredCount = len(result.Entries)
	return result, nil
}

// parseLastMod accepts the date layouts sitemaps use in the wild; a zero
// time means absent or unparseable.
func parseLastMod(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05Z07:00", "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}
