// Package extractor turns a URL into a structured page. The sync engine
// depends only on the Extractor interface; the default implementation
// fetches over a webclient and converts the HTML to markdown.
package extractor

import (
	"context"
	"fmt"
)

// Failure reasons carried by FetchError. The reason string is stable and
// snake_case; the detail is free-form and truncated by callers.
const (
	ReasonHTTPError       = "http_error"
	ReasonRateLimited     = "rate_limited"
	ReasonNetworkError    = "network_error"
	ReasonNotHTML         = "not_html"
	ReasonEmptyContent    = "empty_content"
	ReasonConversionError = "conversion_error"
)

// PageResult is one successfully extracted page.
type PageResult struct {
	URL      string
	Title    string
	Markdown string
	Text     string
	Excerpt  string
}

// FetchError is the typed per-URL extraction failure.
type FetchError struct {
	Reason string
	Detail string
}

func (e *FetchError) Error() string {
	if e.Detail == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Reason, e.Detail)
}

// Metrics counts fallback-backend usage.
type Metrics struct {
	Attempts  int64 `json:"attempts"`
	Successes int64 `json:"successes"`
	Failures  int64 `json:"failures"`
}

// Extractor fetches and structures a single page. Failures that describe
// the page rather than the process are returned as *FetchError.
type Extractor interface {
	Fetch(ctx context.Context, url string) (*PageResult, error)
	FallbackMetrics() Metrics
}
