// Package cache implements cache-first page retrieval: fresh hits come from
// the corpus, stale and semantic fallbacks cover offline operation, and
// misses go to the extractor with the result staged through a unit of work.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/raysh454/biblio/internal/docs"
	"github.com/raysh454/biblio/internal/extractor"
	"github.com/raysh454/biblio/internal/logging"
	"github.com/raysh454/biblio/internal/state"
	"github.com/raysh454/biblio/internal/uow"
	"github.com/raysh454/biblio/internal/urlpath"
)

const (
	// DefaultMinFetchInterval is the idempotency window: a URL fetched
	// within it is served from cache.
	DefaultMinFetchInterval = 24 * time.Hour

	// maxFailureDetail truncates failure detail in reason strings.
	maxFailureDetail = 240
)

// FailureOfflineNoCache is returned when offline mode finds nothing to serve.
const FailureOfflineNoCache = "offline_no_cache"

// Config tunes the cache service.
type Config struct {
	// MinFetchInterval is the freshness window. Zero means 24h.
	MinFetchInterval time.Duration
	// OfflineMode disables all network fetching; only cached content is
	// served.
	OfflineMode bool
	// MaxIntervalHours caps the failure backoff recorded in URL metadata.
	// Zero means 168 (one week).
	MaxIntervalHours int
}

func (c Config) withDefaults() Config {
	if c.MinFetchInterval <= 0 {
		c.MinFetchInterval = DefaultMinFetchInterval
	}
	if c.MaxIntervalHours <= 0 {
		c.MaxIntervalHours = 168
	}
	return c
}

// Service is the per-tenant cache-first retrieval layer.
type Service struct {
	cfg      Config
	store    *state.Store
	corpus   *docs.Corpus
	builder  *urlpath.Builder
	ext      extractor.Extractor
	semantic *semanticCache
	logger   logging.Logger
}

// New builds the cache service over the tenant's store and corpus.
func New(cfg Config, store *state.Store, corpus *docs.Corpus, builder *urlpath.Builder, ext extractor.Extractor, logger logging.Logger) *Service {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Service{
		cfg:      cfg.withDefaults(),
		store:    store,
		corpus:   corpus,
		builder:  builder,
		ext:      ext,
		semantic: newSemanticCache(),
		logger:   logger.With(logging.Field{Key: "component", Value: "cache"}),
	}
}

// GetCached returns the document when it was fetched within the freshness
// window, or nil on a miss.
func (s *Service) GetCached(ctx context.Context, rawURL string) (*docs.Document, error) {
	return s.lookup(ctx, rawURL, true)
}

// GetStale returns the document regardless of age, or nil when absent.
func (s *Service) GetStale(ctx context.Context, rawURL string) (*docs.Document, error) {
	return s.lookup(ctx, rawURL, false)
}

func (s *Service) lookup(ctx context.Context, rawURL string, freshOnly bool) (*docs.Document, error) {
	canonical, err := s.builder.Canonicalize(rawURL)
	if err != nil {
		return nil, err
	}

	meta, err := s.store.LoadURLMetadata(ctx, canonical)
	if err != nil {
		return nil, err
	}
	if meta == nil || meta.MarkdownRelPath == "" || meta.LastFetchedAt.IsZero() {
		return nil, nil
	}
	if freshOnly && time.Since(meta.LastFetchedAt) > s.cfg.MinFetchInterval {
		return nil, nil
	}

	doc, err := s.corpus.LoadByRelPath(meta.MarkdownRelPath)
	if errors.Is(err, docs.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if doc.URL == "" {
		doc.URL = canonical
	}
	return doc, nil
}

// CheckAndFetch is the cache-first retrieval path. wasCached reports whether
// the returned document came from cache; failureReason is a stable string
// when the document is unavailable; err covers only infrastructure failures.
func (s *Service) CheckAndFetch(ctx context.Context, rawURL string, useSemanticCache bool) (doc *docs.Document, wasCached bool, failureReason string, err error) {
	canonical, err := s.builder.Canonicalize(rawURL)
	if err != nil {
		return nil, false, "", err
	}

	if doc, err := s.GetCached(ctx, canonical); err != nil {
		return nil, false, "", err
	} else if doc != nil {
		s.recordEvent(ctx, canonical, state.EventCacheHit, "", "")
		return doc, true, "", nil
	}

	if s.cfg.OfflineMode {
		if doc, err := s.GetStale(ctx, canonical); err != nil {
			return nil, false, "", err
		} else if doc != nil {
			s.recordEvent(ctx, canonical, state.EventCacheHit, "", "stale")
			return doc, true, "", nil
		}
		if useSemanticCache {
			if doc := s.semanticLookup(canonical); doc != nil {
				s.recordEvent(ctx, canonical, state.EventCacheHit, "", "semantic")
				return doc, true, "", nil
			}
		}
		return nil, false, FailureOfflineNoCache, nil
	}

	if useSemanticCache {
		// A URL with its own stored document always refetches; the
		// semantic layer covers only never-stored URLs.
		stale, err := s.GetStale(ctx, canonical)
		if err != nil {
			return nil, false, "", err
		}
		if stale == nil {
			if doc := s.semanticLookup(canonical); doc != nil {
				s.recordEvent(ctx, canonical, state.EventCacheHit, "", "semantic")
				return doc, true, "", nil
			}
		}
	}

	doc, failureReason, err = s.fetchAndStore(ctx, canonical)
	return doc, false, failureReason, err
}

// Refresh fetches and stores the URL unconditionally, skipping every cache
// layer. The sync engine uses it when idempotency is bypassed.
func (s *Service) Refresh(ctx context.Context, rawURL string) (*docs.Document, string, error) {
	canonical, err := s.builder.Canonicalize(rawURL)
	if err != nil {
		return nil, "", err
	}
	if s.cfg.OfflineMode {
		return nil, FailureOfflineNoCache, nil
	}
	return s.fetchAndStore(ctx, canonical)
}

// fetchAndStore runs the extractor and persists the result. Classified
// fetch failures come back as a failure reason, not an error.
func (s *Service) fetchAndStore(ctx context.Context, canonical string) (*docs.Document, string, error) {
	page, err := s.ext.Fetch(ctx, canonical)
	if err != nil {
		var ferr *extractor.FetchError
		if errors.As(err, &ferr) {
			reason := ferr.Reason + ":" + truncate(ferr.Detail, maxFailureDetail)
			if markErr := s.store.MarkURLFailed(ctx, canonical, reason, s.cfg.MaxIntervalHours); markErr != nil {
				s.logger.Warn("mark url failed",
					logging.Field{Key: "url", Value: canonical},
					logging.Field{Key: "error", Value: markErr.Error()})
			}
			s.recordEvent(ctx, canonical, state.EventFetchFailure, ferr.Reason, ferr.Detail)
			return nil, reason, nil
		}
		if ctx.Err() != nil {
			return nil, "", ctx.Err()
		}
		return nil, fmt.Sprintf("unexpected_error:%T", err), nil
	}

	doc, err := s.StoreDocument(ctx, canonical, page)
	if err != nil {
		return nil, "", err
	}
	return doc, "", nil
}

// StoreDocument persists an extracted page: markdown plus metadata staged
// through a unit of work, URL metadata marked successful, and a
// fetch_success event carrying change stats against the previous content.
func (s *Service) StoreDocument(ctx context.Context, canonical string, page *extractor.PageResult) (*docs.Document, error) {
	mdRelPath, err := s.builder.MarkdownPath(canonical)
	if err != nil {
		return nil, err
	}

	var prevMarkdown string
	firstSeen := time.Now().UTC()
	if prev, err := s.corpus.LoadByRelPath(mdRelPath); err == nil {
		prevMarkdown = prev.Markdown
		if !prev.FirstSeenAt.IsZero() {
			firstSeen = prev.FirstSeenAt
		}
	}

	now := time.Now().UTC()
	doc := &docs.Document{
		URL:             canonical,
		Title:           page.Title,
		Markdown:        page.Markdown,
		Text:            page.Text,
		Excerpt:         page.Excerpt,
		MarkdownRelPath: mdRelPath,
		FirstSeenAt:     firstSeen,
		LastFetchedAt:   now,
		Status:          docs.StatusActive,
	}

	metaJSON, err := docs.MarshalMetadata(doc)
	if err != nil {
		return nil, err
	}

	u, err := uow.New(s.corpus.Root(), s.logger)
	if err != nil {
		return nil, err
	}
	defer u.Close()

	if err := u.WriteDoc(mdRelPath, []byte(page.Markdown), metaJSON); err != nil {
		return nil, err
	}
	if err := u.Commit(); err != nil {
		return nil, fmt.Errorf("commit document %s: %w", canonical, err)
	}

	if err := s.store.MarkURLSuccess(ctx, canonical, mdRelPath, now.Add(s.cfg.MinFetchInterval)); err != nil {
		return nil, err
	}
	s.recordEvent(ctx, canonical, state.EventFetchSuccess, "", changeStats(prevMarkdown, page.Markdown))
	s.semantic.Add(canonical, mdRelPath)
	return doc, nil
}

// semanticLookup serves the best confident same-host neighbour from the
// corpus, or nil.
func (s *Service) semanticLookup(canonical string) *docs.Document {
	for _, match := range s.semantic.Lookup(canonical) {
		doc, err := s.corpus.LoadByRelPath(match.MarkdownRelPath)
		if err != nil {
			continue
		}
		s.logger.Debug("semantic cache hit",
			logging.Field{Key: "url", Value: canonical},
			logging.Field{Key: "matched", Value: match.URL},
			logging.Field{Key: "score", Value: fmt.Sprintf("%.3f", match.Score)})
		return doc
	}
	return nil
}

func (s *Service) recordEvent(ctx context.Context, canonical, eventType, reason, detail string) {
	err := s.store.RecordEvent(ctx, &state.Event{
		CanonicalURL: canonical,
		EventType:    eventType,
		Reason:       reason,
		Detail:       detail,
	})
	if err != nil {
		s.logger.Warn("record event",
			logging.Field{Key: "event", Value: eventType},
			logging.Field{Key: "url", Value: canonical},
			logging.Field{Key: "error", Value: err.Error()})
	}
}

// changeStats summarizes the character-level delta between the previous and
// the new markdown.
func changeStats(prev, next string) string {
	if prev == "" {
		return fmt.Sprintf("new=%d", len(next))
	}
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(prev, next, false)
	var added, removed int
	for _, d := range diffs {
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			added += len(d.Text)
		case diffmatchpatch.DiffDelete:
			removed += len(d.Text)
		}
	}
	return fmt.Sprintf("added=%d removed=%d", added, removed)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
