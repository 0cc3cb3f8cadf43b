// Package webclient is the raw page-fetch primitive. The crawler, the
// sitemap fetcher and the default extractor all go through a WebClient so
// the transport (plain HTTP or a headless browser) stays swappable.
package webclient

import (
	"context"
	"net/http"
	"time"
)

// DefaultUserAgent identifies the service in outbound requests.
const DefaultUserAgent = "biblio/1.0 (+https://github.com/raysh454/biblio)"

// Request is a backend-neutral fetch request.
type Request struct {
	Method  string
	URL     string
	Headers http.Header
	Body    []byte
	// Options carries backend-specific hints, e.g. "render": "true" for
	// the chromedp backend.
	Options map[string]string
}

// Response is the backend-neutral fetch result.
type Response struct {
	Request    *Request
	Headers    http.Header
	Body       []byte
	StatusCode int
	FetchedAt  time.Time
}

// WebClient executes fetch requests. Implementations must be safe for
// concurrent use.
type WebClient interface {
	Do(ctx context.Context, req *Request) (*Response, error)
	Close() error
}

// Get builds a GET request for url with the default user agent.
func Get(url string) *Request {
	h := http.Header{}
	h.Set("User-Agent", DefaultUserAgent)
	return &Request{Method: http.MethodGet, URL: url, Headers: h}
}
