package state_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raysh454/biblio/internal/logging"
	"github.com/raysh454/biblio/internal/state"
)

func newStore(t *testing.T) *state.Store {
	t.Helper()
	s, err := state.New(t.TempDir(), logging.Nop())
	require.NoError(t, err)
	return s
}

func TestNewCreatesStateDir(t *testing.T) {
	root := t.TempDir()
	s, err := state.New(root, logging.Nop())
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(root, state.StateDirName, "crawl.sqlite"))
	assert.NoError(t, err)
	assert.Equal(t, filepath.Join(root, state.StateDirName, "crawl.sqlite"), s.Path())
}

func TestNewDatabaseCritical(t *testing.T) {
	root := t.TempDir()
	// Occupy the state dir path with a file so MkdirAll keeps failing.
	require.NoError(t, os.WriteFile(filepath.Join(root, state.StateDirName), []byte("x"), 0644))

	_, err := state.New(root, logging.Nop())
	require.Error(t, err)
	assert.ErrorIs(t, err, state.ErrDatabaseCritical)
}

func TestEnqueueDequeueRoundTrip(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	urls := []string{
		"https://docs.example.com/a/",
		"https://docs.example.com/b/",
		"https://docs.example.com/c/",
	}
	n, err := s.EnqueueURLs(ctx, urls, "test", 0, false, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	depth, err := s.QueueDepth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, depth)

	batch, err := s.DequeueBatch(ctx, 10)
	require.NoError(t, err)
	got := make(map[string]bool)
	for _, e := range batch {
		got[e.CanonicalURL] = true
	}
	for _, u := range urls {
		assert.True(t, got[u], "missing %s", u)
	}

	// Dequeued URLs are marked processing.
	m, err := s.LoadURLMetadata(ctx, urls[0])
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, state.StatusProcessing, m.LastStatus)

	// Queue is drained; a second dequeue returns an empty slice.
	batch, err = s.DequeueBatch(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, batch)
}

func TestEnqueueDeduplicates(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	u := "https://docs.example.com/a/"
	_, err := s.EnqueueURLs(ctx, []string{u}, "first", 0, false, 0)
	require.NoError(t, err)
	_, err = s.EnqueueURLs(ctx, []string{u}, "second", 5, false, 0)
	require.NoError(t, err)

	depth, err := s.QueueDepth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, depth)

	batch, err := s.DequeueBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, 5, batch[0].Priority)
	assert.Equal(t, "second", batch[0].Reason)
}

func TestEnqueueSkipsRecentlyFetched(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	u := "https://docs.example.com/fresh/"
	require.NoError(t, s.MarkURLSuccess(ctx, u, "docs.example.com/fresh.md", time.Now().Add(24*time.Hour)))

	n, err := s.EnqueueURLs(ctx, []string{u}, "test", 0, false, 24*time.Hour)
	require.NoError(t, err)
	assert.Zero(t, n)

	// Force bypasses the idempotency window.
	n, err = s.EnqueueURLs(ctx, []string{u}, "forced", 0, true, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestMarkSuccessResetsFailureState(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	u := "https://docs.example.com/flaky/"

	require.NoError(t, s.MarkURLFailed(ctx, u, "timeout", 168))
	require.NoError(t, s.MarkURLFailed(ctx, u, "timeout", 168))

	m, err := s.LoadURLMetadata(ctx, u)
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, state.StatusFailed, m.LastStatus)
	assert.Equal(t, 2, m.RetryCount)
	assert.Equal(t, "timeout", m.LastFailureReason)
	assert.True(t, m.NextDueAt.After(m.LastFailureAt), "next_due_at must follow last_failure_at")

	require.NoError(t, s.MarkURLSuccess(ctx, u, "docs.example.com/flaky.md", time.Now().Add(7*24*time.Hour)))

	m, err = s.LoadURLMetadata(ctx, u)
	require.NoError(t, err)
	assert.Equal(t, state.StatusSuccess, m.LastStatus)
	assert.Zero(t, m.RetryCount)
	assert.Empty(t, m.LastFailureReason)
	assert.False(t, m.LastFetchedAt.IsZero())
}

func TestMarkFailedBackoffIsCapped(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	u := "https://docs.example.com/dead/"

	for i := 0; i < 12; i++ {
		require.NoError(t, s.MarkURLFailed(ctx, u, "boom", 48))
	}

	m, err := s.LoadURLMetadata(ctx, u)
	require.NoError(t, err)
	assert.Equal(t, 12, m.RetryCount)
	assert.LessOrEqual(t, time.Until(m.NextDueAt), 48*time.Hour+time.Minute)
}

func TestWasRecentlyFetched(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	u := "https://docs.example.com/page/"

	ok, err := s.WasRecentlyFetched(ctx, u, time.Hour)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.MarkURLSuccess(ctx, u, "", time.Now().Add(time.Hour)))

	ok, err = s.WasRecentlyFetched(ctx, u, time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.WasRecentlyFetched(ctx, u, time.Nanosecond)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLockSingleHolder(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	lease, existing, err := s.TryAcquireLock(ctx, state.LockNameCrawler, "owner-a", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, lease)
	assert.Nil(t, existing)

	// Second owner conflicts and sees the persisted lease.
	got, held, err := s.TryAcquireLock(ctx, state.LockNameCrawler, "owner-b", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, got)
	require.NotNil(t, held)
	assert.Equal(t, "owner-a", held.Owner)
	assert.False(t, held.Expired(time.Now()))

	// Release by a non-owner is a no-op.
	require.NoError(t, s.ReleaseLock(ctx, &state.LockLease{Name: state.LockNameCrawler, Owner: "owner-b"}))
	still, err := s.GetLock(ctx, state.LockNameCrawler)
	require.NoError(t, err)
	require.NotNil(t, still)
	assert.Equal(t, "owner-a", still.Owner)

	// Owner release frees the lease.
	require.NoError(t, s.ReleaseLock(ctx, lease))
	free, err := s.GetLock(ctx, state.LockNameCrawler)
	require.NoError(t, err)
	assert.Nil(t, free)
}

func TestBreakLock(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	_, _, err := s.TryAcquireLock(ctx, "crawler", "stale-owner", time.Minute)
	require.NoError(t, err)

	require.NoError(t, s.BreakLock(ctx, "crawler"))

	lease, existing, err := s.TryAcquireLock(ctx, "crawler", "new-owner", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, lease)
	assert.Nil(t, existing)
}

func TestRecordEventSideEffects(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	u := "https://docs.example.com/evt/"

	require.NoError(t, s.RecordEvent(ctx, &state.Event{
		CanonicalURL: u,
		EventType:    state.EventFetchSuccess,
		Status:       "success",
		DurationMS:   42,
	}))
	require.NoError(t, s.RecordEvent(ctx, &state.Event{
		CanonicalURL: u,
		EventType:    state.EventCacheHit,
	}))
	require.NoError(t, s.RecordEvent(ctx, &state.Event{
		CanonicalURL: u,
		EventType:    state.EventFetchFailure,
		Reason:       "timeout",
	}))

	m, err := s.LoadURLMetadata(ctx, u)
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, 1, m.FetchCount)
	assert.Equal(t, 1, m.CacheHitCount)
	assert.Equal(t, 1, m.FailureCount)
	assert.False(t, m.FirstSeenAt.IsZero())
	assert.False(t, m.LastEventAt.IsZero())

	// A repeat event increments rather than reinserting.
	require.NoError(t, s.RecordEvent(ctx, &state.Event{
		CanonicalURL: u,
		EventType:    state.EventFetchSuccess,
	}))
	m, err = s.LoadURLMetadata(ctx, u)
	require.NoError(t, err)
	assert.Equal(t, 2, m.FetchCount)

	events, err := s.EventLog(ctx, 10, state.EventFilter{CanonicalURL: u})
	require.NoError(t, err)
	assert.Len(t, events, 3)

	byType, err := s.EventLog(ctx, 10, state.EventFilter{EventType: state.EventCacheHit})
	require.NoError(t, err)
	require.Len(t, byType, 1)
	assert.Equal(t, u, byType[0].CanonicalURL)
}

func TestEventHistoryBuckets(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		require.NoError(t, s.RecordEvent(ctx, &state.Event{
			CanonicalURL: fmt.Sprintf("https://docs.example.com/%d/", i),
			EventType:    state.EventFetchSuccess,
		}))
	}

	buckets, err := s.EventHistory(ctx, time.Now().Add(-time.Hour), 3600)
	require.NoError(t, err)
	require.NotEmpty(t, buckets)

	total := 0
	for _, b := range buckets {
		assert.Equal(t, state.EventFetchSuccess, b.EventType)
		total += b.Count
	}
	assert.Equal(t, 4, total)
}

func TestMaintenanceTrimsEvents(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	for i := 0; i < 30; i++ {
		require.NoError(t, s.RecordEvent(ctx, &state.Event{
			CanonicalURL: fmt.Sprintf("https://docs.example.com/%d/", i),
			EventType:    state.EventCrawlDiscovered,
		}))
	}

	require.NoError(t, s.Maintenance(ctx, 49, 10))

	events, err := s.EventLog(ctx, 1000, state.EventFilter{})
	require.NoError(t, err)
	assert.LessOrEqual(t, len(events), 10)

	// Idempotent: a second run changes nothing.
	require.NoError(t, s.Maintenance(ctx, 49, 10))
	again, err := s.EventLog(ctx, 1000, state.EventFilter{})
	require.NoError(t, err)
	assert.Equal(t, len(events), len(again))
}

func TestProgressAndCheckpointRoundTrip(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	payload := []byte(`{"phase":"fetching","pending":["a","b"]}`)
	require.NoError(t, s.SaveProgress(ctx, "sync-1", payload))

	syncID, got, err := s.LoadProgress(ctx)
	require.NoError(t, err)
	assert.Equal(t, "sync-1", syncID)
	assert.JSONEq(t, string(payload), string(got))

	require.NoError(t, s.SaveCheckpoint(ctx, "sync-1", payload, true))
	require.NoError(t, s.SaveCheckpoint(ctx, "sync-1", payload, false))

	ckID, ck, err := s.LoadCheckpoint(ctx)
	require.NoError(t, err)
	assert.Equal(t, "sync-1", ckID)
	assert.JSONEq(t, string(payload), string(ck))

	n, err := s.CheckpointHistoryCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, s.DeleteProgress(ctx))
	syncID, got, err = s.LoadProgress(ctx)
	require.NoError(t, err)
	assert.Empty(t, syncID)
	assert.Nil(t, got)
}

func TestSitemapSnapshotRoundTrip(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	snap, err := s.GetSitemapSnapshot(ctx, "sitemap-main")
	require.NoError(t, err)
	assert.Nil(t, snap)

	in := &state.SitemapSnapshot{
		EntryCount:    10,
		FilteredCount: 8,
		ContentHash:   "abc123",
		FetchedAt:     time.Now().UTC().Truncate(time.Second),
	}
	require.NoError(t, s.SaveSitemapSnapshot(ctx, "sitemap-main", in))

	snap, err = s.GetSitemapSnapshot(ctx, "sitemap-main")
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, in.ContentHash, snap.ContentHash)
	assert.Equal(t, in.EntryCount, snap.EntryCount)
	assert.Equal(t, in.FilteredCount, snap.FilteredCount)
}

func TestStatusSnapshot(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.MarkURLSuccess(ctx, "https://docs.example.com/ok/", "docs.example.com/ok.md", time.Now().Add(time.Hour)))
	require.NoError(t, s.MarkURLFailed(ctx, "https://docs.example.com/bad/", "http_500", 168))
	_, err := s.EnqueueURLs(ctx, []string{"https://docs.example.com/queued/"}, "test", 0, false, 0)
	require.NoError(t, err)

	snap, err := s.GetStatusSnapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, snap.QueueDepth)
	assert.Equal(t, 1, snap.Metadata.Successful)
	assert.Equal(t, 1, snap.Metadata.Failed)
	require.Len(t, snap.FailureSamples, 1)
	assert.Equal(t, "https://docs.example.com/bad/", snap.FailureSamples[0].URL)
	assert.Equal(t, "http_500", snap.FailureSamples[0].Reason)
}

func TestSummaryRoundTrip(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	sum, err := s.LoadSummary(ctx)
	require.NoError(t, err)
	assert.Nil(t, sum)

	in := &state.Summary{
		SyncID:      "sync-9",
		CompletedAt: time.Now().UTC().Truncate(time.Second),
		Succeeded:   5,
		Failed:      1,
		Skipped:     2,
		DurationMS:  1234,
	}
	require.NoError(t, s.SaveSummary(ctx, in))

	sum, err = s.LoadSummary(ctx)
	require.NoError(t, err)
	require.NotNil(t, sum)
	assert.Equal(t, in.SyncID, sum.SyncID)
	assert.Equal(t, in.Succeeded, sum.Succeeded)
}

func TestDeleteURLsByPrefix(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	for _, u := range []string{
		"https://docs.example.com/old/a/",
		"https://docs.example.com/old/b/",
		"https://docs.example.com/keep/c/",
	} {
		require.NoError(t, s.UpsertURLMetadata(ctx, &state.URLMetadata{URL: u}))
	}

	n, err := s.DeleteURLsByPrefix(ctx, "https://docs.example.com/old/", "blacklisted")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	all, err := s.ListAllMetadata(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "https://docs.example.com/keep/c/", all[0].URL)
}
