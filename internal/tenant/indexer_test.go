package tenant_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raysh454/biblio/internal/docs"
	"github.com/raysh454/biblio/internal/logging"
	"github.com/raysh454/biblio/internal/tenant"
	"github.com/raysh454/biblio/internal/urlpath"
)

func writeDoc(t *testing.T, root, mdRelPath, url, title, markdown string) {
	t.Helper()

	mdPath := filepath.Join(root, filepath.FromSlash(mdRelPath))
	require.NoError(t, os.MkdirAll(filepath.Dir(mdPath), 0755))
	require.NoError(t, os.WriteFile(mdPath, []byte(markdown), 0644))

	builder := urlpath.NewBuilder(urlpath.CanonicalizeOptions{})
	metaPath := filepath.Join(root, filepath.FromSlash(builder.MetadataPath(mdRelPath)))
	require.NoError(t, os.MkdirAll(filepath.Dir(metaPath), 0755))
	meta, err := json.Marshal(docs.Metadata{
		URL:           url,
		Title:         title,
		FirstSeenAt:   time.Now().UTC(),
		LastFetchedAt: time.Now().UTC(),
		Status:        docs.StatusActive,
	})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(metaPath, meta, 0644))
}

func newTestIndex(t *testing.T) (*tenant.SQLiteIndexer, string) {
	t.Helper()
	root := t.TempDir()
	builder := urlpath.NewBuilder(urlpath.CanonicalizeOptions{})
	corpus := docs.NewCorpus(root, builder)
	return tenant.NewIndexer(root, corpus, logging.Nop()), root
}

func TestIndexerRebuildAndSearch(t *testing.T) {
	ix, root := newTestIndex(t)
	ctx := context.Background()

	writeDoc(t, root, "docs.example.com/routing.md",
		"https://docs.example.com/routing/", "Routing Overview",
		"# Routing Overview\n\nRequests flow through the routing table. Routing decisions happen per hop.")
	writeDoc(t, root, "docs.example.com/auth.md",
		"https://docs.example.com/auth/", "Authentication",
		"# Authentication\n\nTokens are validated on every request. Routing is not involved here.")

	require.NoError(t, ix.Rebuild(ctx))

	results, err := ix.Search(ctx, "routing", 10)
	require.NoError(t, err)
	require.Len(t, results, 2)

	// Title hits outweigh body-only hits.
	assert.Equal(t, "Routing Overview", results[0].Title)
	assert.Equal(t, "https://docs.example.com/routing/", results[0].URL)
	assert.Equal(t, "docs.example.com/routing.md", results[0].MarkdownRelPath)
	assert.Greater(t, results[0].Score, results[1].Score)
}

func TestIndexerSearchEmptyAndMiss(t *testing.T) {
	ix, root := newTestIndex(t)
	ctx := context.Background()

	writeDoc(t, root, "docs.example.com/intro.md",
		"https://docs.example.com/intro/", "Intro", "# Intro\n\nHello world.")
	require.NoError(t, ix.Rebuild(ctx))

	results, err := ix.Search(ctx, "  !! ", 10)
	require.NoError(t, err)
	assert.Empty(t, results)

	results, err = ix.Search(ctx, "nonexistent", 10)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestIndexerRebuildReplacesIndex(t *testing.T) {
	ix, root := newTestIndex(t)
	ctx := context.Background()

	writeDoc(t, root, "docs.example.com/stale.md",
		"https://docs.example.com/stale/", "Stale", "# Stale\n\nThis page goes away.")
	require.NoError(t, ix.Rebuild(ctx))

	require.NoError(t, os.Remove(filepath.Join(root, "docs.example.com", "stale.md")))
	writeDoc(t, root, "docs.example.com/fresh.md",
		"https://docs.example.com/fresh/", "Fresh", "# Fresh\n\nThis page replaces it.")
	require.NoError(t, ix.Rebuild(ctx))

	results, err := ix.Search(ctx, "stale", 10)
	require.NoError(t, err)
	assert.Empty(t, results)

	results, err = ix.Search(ctx, "fresh", 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "Fresh", results[0].Title)
}

func TestIndexerSearchLimit(t *testing.T) {
	ix, root := newTestIndex(t)
	ctx := context.Background()

	for _, name := range []string{"a", "b", "c"} {
		writeDoc(t, root, "docs.example.com/"+name+".md",
			"https://docs.example.com/"+name+"/", "Page "+name,
			"# Page "+name+"\n\nShared keyword everywhere.")
	}
	require.NoError(t, ix.Rebuild(ctx))

	results, err := ix.Search(ctx, "keyword", 2)
	require.NoError(t, err)
	assert.Len(t, results, 2)
}
