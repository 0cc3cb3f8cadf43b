package gitsource_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raysh454/biblio/internal/gitsource"
	"github.com/raysh454/biblio/internal/logging"
	"github.com/raysh454/biblio/internal/state"
	"github.com/raysh454/biblio/internal/urlpath"
)

func writeRepoFile(t *testing.T, repoDir, rel, content string) {
	t.Helper()
	p := filepath.Join(repoDir, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0644))
}

func commitAll(t *testing.T, repoDir, message string) string {
	t.Helper()
	repo, err := git.PlainOpen(repoDir)
	require.NoError(t, err)
	wt, err := repo.Worktree()
	require.NoError(t, err)
	require.NoError(t, wt.AddWithOptions(&git.AddOptions{All: true}))
	hash, err := wt.Commit(message, &git.CommitOptions{
		Author: &object.Signature{Name: "dev", Email: "dev@example.com", When: time.Now()},
	})
	require.NoError(t, err)
	return hash.String()
}

func makeRepo(t *testing.T) string {
	t.Helper()
	repoDir := t.TempDir()
	_, err := git.PlainInit(repoDir, false)
	require.NoError(t, err)

	writeRepoFile(t, repoDir, "README.md", "# Project\n\nTop level readme with some prose.\n")
	writeRepoFile(t, repoDir, "docs/intro.md", "# Introduction\n\nWelcome to the documentation.\n")
	writeRepoFile(t, repoDir, "docs/guide/setup.md", "# Setup\n\nInstall and configure the thing.\n")
	writeRepoFile(t, repoDir, "notes.txt", "not markdown\n")
	commitAll(t, repoDir, "initial docs")
	return repoDir
}

func canonicalFor(repoDir, logical string) string {
	return "git://" + strings.Trim(filepath.ToSlash(repoDir), "/") + "/" + logical
}

func TestImportWholeRepo(t *testing.T) {
	repoDir := makeRepo(t)
	root := t.TempDir()
	store, err := state.New(root, logging.Nop())
	require.NoError(t, err)

	im := gitsource.NewImporter(gitsource.Config{
		Codename: "acme",
		RepoURL:  repoDir,
	}, root, store, logging.Nop())

	stats, err := im.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Imported)
	assert.Equal(t, 1, stats.Skipped, "non-markdown files are skipped")
	assert.NotEmpty(t, stats.Commit)

	content, err := os.ReadFile(filepath.Join(root, "git", "docs", "intro.md"))
	require.NoError(t, err)
	assert.Contains(t, string(content), "# Introduction")

	metaPath := filepath.Join(root, urlpath.MetadataDirName, "git", "docs", "intro.meta.json")
	meta, err := os.ReadFile(metaPath)
	require.NoError(t, err)
	assert.Contains(t, string(meta), `"Introduction"`)

	m, err := store.LoadURLMetadata(context.Background(), canonicalFor(repoDir, "docs/intro.md"))
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, state.StatusSuccess, m.LastStatus)
	assert.Equal(t, "git/docs/intro.md", m.MarkdownRelPath)

	// No staging directory survives the import.
	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasPrefix(e.Name(), ".staging"), e.Name())
	}
}

func TestImportSubpathsWithStripPrefix(t *testing.T) {
	repoDir := makeRepo(t)
	root := t.TempDir()
	store, err := state.New(root, logging.Nop())
	require.NoError(t, err)

	im := gitsource.NewImporter(gitsource.Config{
		Codename:    "acme",
		RepoURL:     repoDir,
		Subpaths:    []string{"docs"},
		StripPrefix: "docs",
	}, root, store, logging.Nop())

	stats, err := im.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Imported)

	_, err = os.Stat(filepath.Join(root, "git", "intro.md"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(root, "git", "guide", "setup.md"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(root, "git", "README.md"))
	assert.True(t, os.IsNotExist(err), "files outside the subpath stay out")
}

func TestSecondRunPullsNewCommit(t *testing.T) {
	repoDir := makeRepo(t)
	root := t.TempDir()
	store, err := state.New(root, logging.Nop())
	require.NoError(t, err)

	im := gitsource.NewImporter(gitsource.Config{Codename: "acme", RepoURL: repoDir}, root, store, logging.Nop())

	first, err := im.Run(context.Background())
	require.NoError(t, err)

	writeRepoFile(t, repoDir, "docs/intro.md", "# Introduction\n\nRevised introduction text.\n")
	second := commitAll(t, repoDir, "revise intro")

	stats, err := im.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, second, stats.Commit)
	assert.NotEqual(t, first.Commit, stats.Commit)

	content, err := os.ReadFile(filepath.Join(root, "git", "docs", "intro.md"))
	require.NoError(t, err)
	assert.Contains(t, string(content), "Revised introduction")

	// First-seen survives the refetch.
	m, err := store.LoadURLMetadata(context.Background(), canonicalFor(repoDir, "docs/intro.md"))
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.False(t, m.FirstSeenAt.IsZero())
}

func TestImportMissingRepoFails(t *testing.T) {
	root := t.TempDir()
	store, err := state.New(root, logging.Nop())
	require.NoError(t, err)

	im := gitsource.NewImporter(gitsource.Config{
		Codename: "acme",
		RepoURL:  filepath.Join(t.TempDir(), "no-such-repo"),
	}, root, store, logging.Nop())

	_, err = im.Run(context.Background())
	require.Error(t, err)
}

func TestSchedulerTriggerAndHooks(t *testing.T) {
	repoDir := makeRepo(t)
	root := t.TempDir()
	store, err := state.New(root, logging.Nop())
	require.NoError(t, err)

	im := gitsource.NewImporter(gitsource.Config{Codename: "acme", RepoURL: repoDir}, root, store, logging.Nop())
	sched := gitsource.NewScheduler(im, logging.Nop())
	t.Cleanup(sched.Stop)

	fired := false
	sched.OnSyncComplete(func(context.Context) { fired = true })

	res := sched.TriggerSync(context.Background(), false, false)
	require.True(t, res.Success, res.Message)
	assert.True(t, fired)

	stats := sched.Stats()
	assert.Equal(t, 1, stats.TotalCycles)
	assert.Zero(t, stats.ConsecutiveFailures)

	st, err := sched.Status(context.Background())
	require.NoError(t, err)
	require.NotNil(t, st.Store)
}

func TestSchedulerRecordsFailure(t *testing.T) {
	root := t.TempDir()
	store, err := state.New(root, logging.Nop())
	require.NoError(t, err)

	im := gitsource.NewImporter(gitsource.Config{
		Codename: "acme",
		RepoURL:  filepath.Join(t.TempDir(), "gone"),
	}, root, store, logging.Nop())
	sched := gitsource.NewScheduler(im, logging.Nop())
	t.Cleanup(sched.Stop)

	res := sched.TriggerSync(context.Background(), false, false)
	assert.False(t, res.Success)
	assert.Equal(t, 1, sched.Stats().ConsecutiveFailures)
	assert.NotEmpty(t, sched.Stats().LastError)
}
