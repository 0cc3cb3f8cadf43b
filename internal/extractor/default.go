package extractor

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/PuerkitoBio/goquery"

	"github.com/raysh454/biblio/internal/docs"
	"github.com/raysh454/biblio/internal/logging"
	"github.com/raysh454/biblio/internal/webclient"
)

// minUsefulMarkdown is the markdown length below which a rendered page is
// treated as a JavaScript shell and retried on the fallback backend.
const minUsefulMarkdown = 80

// Elements stripped before conversion; navigation chrome adds noise to
// every page of a documentation site.
var strippedSelectors = []string{"script", "style", "noscript", "nav", "header", "footer", "iframe", "svg"}

// DefaultExtractor fetches with a primary webclient and optionally retries
// thin or failed pages on a fallback (typically the headless browser).
type DefaultExtractor struct {
	primary  webclient.WebClient
	fallback webclient.WebClient
	logger   logging.Logger

	fallbackAttempts  int64
	fallbackSuccesses int64
	fallbackFailures  int64
}

// NewDefault builds the default extractor. fallback may be nil.
func NewDefault(primary, fallback webclient.WebClient, logger logging.Logger) *DefaultExtractor {
	if logger == nil {
		logger = logging.Nop()
	}
	return &DefaultExtractor{
		primary:  primary,
		fallback: fallback,
		logger:   logger.With(logging.Field{Key: "component", Value: "extractor"}),
	}
}

// Fetch retrieves and structures one page. Extraction failures come back as
// *FetchError; transport errors from the webclient are wrapped the same way
// so every failure is classifiable.
func (e *DefaultExtractor) Fetch(ctx context.Context, url string) (*PageResult, error) {
	page, err := e.fetchWith(ctx, e.primary, url)
	if err == nil && len(page.Markdown) >= minUsefulMarkdown {
		return page, nil
	}
	if e.fallback == nil {
		if err != nil {
			return nil, err
		}
		return page, nil
	}

	// Thin content or a primary failure: give the rendering backend a try.
	atomic.AddInt64(&e.fallbackAttempts, 1)
	e.logger.Debug("retrying on fallback backend",
		logging.Field{Key: "url", Value: url})

	rendered, ferr := e.fetchWith(ctx, e.fallback, url)
	if ferr != nil {
		atomic.AddInt64(&e.fallbackFailures, 1)
		if err != nil {
			return nil, err
		}
		return page, nil
	}
	atomic.AddInt64(&e.fallbackSuccesses, 1)
	if page != nil && len(page.Markdown) > len(rendered.Markdown) {
		return page, nil
	}
	return rendered, nil
}

// FallbackMetrics reports fallback-backend usage counters.
func (e *DefaultExtractor) FallbackMetrics() Metrics {
	return Metrics{
		Attempts:  atomic.LoadInt64(&e.fallbackAttempts),
		Successes: atomic.LoadInt64(&e.fallbackSuccesses),
		Failures:  atomic.LoadInt64(&e.fallbackFailures),
	}
}

func (e *DefaultExtractor) fetchWith(ctx context.Context, wc webclient.WebClient, url string) (*PageResult, error) {
	resp, err := wc.Do(ctx, webclient.Get(url))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &FetchError{Reason: ReasonNetworkError, Detail: err.Error()}
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &FetchError{Reason: ReasonRateLimited, Detail: "http 429"}
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, &FetchError{Reason: ReasonHTTPError, Detail: fmt.Sprintf("http %d", resp.StatusCode)}
	}

	if ct := resp.Headers.Get("Content-Type"); ct != "" &&
		!strings.Contains(ct, "text/html") && !strings.Contains(ct, "application/xhtml") {
		return nil, &FetchError{Reason: ReasonNotHTML, Detail: ct}
	}

	return Structure(url, resp.Body)
}

// Structure converts raw HTML into a PageResult: title from <title> or the
// first h1, navigation chrome stripped, body converted to markdown.
func Structure(url string, html []byte) (*PageResult, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(string(html)))
	if err != nil {
		return nil, &FetchError{Reason: ReasonConversionError, Detail: err.Error()}
	}

	title := strings.TrimSpace(doc.Find("title").First().Text())
	if title == "" {
		title = strings.TrimSpace(doc.Find("h1").First().Text())
	}

	for _, sel := range strippedSelectors {
		doc.Find(sel).Remove()
	}

	content := doc.Find("main")
	if content.Length() == 0 {
		content = doc.Find("article")
	}
	if content.Length() == 0 {
		content = doc.Find("body")
	}

	var contentHTML string
	if content.Length() > 0 {
		contentHTML, err = goquery.OuterHtml(content.First())
		if err != nil {
			return nil, &FetchError{Reason: ReasonConversionError, Detail: err.Error()}
		}
	} else {
		contentHTML = string(html)
	}

	converter := md.NewConverter(url, true, nil)
	markdown, err := converter.ConvertString(contentHTML)
	if err != nil {
		return nil, &FetchError{Reason: ReasonConversionError, Detail: err.Error()}
	}
	markdown = strings.TrimSpace(markdown)
	if markdown == "" {
		return nil, &FetchError{Reason: ReasonEmptyContent, Detail: "no convertible content"}
	}

	text := normalizeSpace(content.Text())

	return &PageResult{
		URL:      url,
		Title:    title,
		Markdown: markdown,
		Text:     text,
		Excerpt:  docs.Excerpt(markdown, 0),
	}, nil
}

func normalizeSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
