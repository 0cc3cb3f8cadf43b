// Package demosite serves a small versioned documentation site with a
// sitemap, for exercising sync cycles against a live target.
package demosite

import (
	"encoding/json"
	"fmt"
	"html/template"
	"net/http"
	"sort"
	"sync"
	"time"
)

// Config tunes the demo site.
type Config struct {
	Port           int
	InitialVersion int
}

// DefaultConfig returns the standard demo setup.
func DefaultConfig() Config {
	return Config{Port: 9999, InitialVersion: 1}
}

// PageDefinition is one documentation page with versioned bodies, so a
// bump changes the content a re-sync observes.
type PageDefinition struct {
	Path     string
	Title    string
	Versions map[int]string
}

// DemoSite is the HTTP server over the page set.
type DemoSite struct {
	cfg      Config
	pages    map[string]PageDefinition
	versions map[string]int
	modified map[string]time.Time
	mu       sync.RWMutex
}

// NewDemoSite builds a demo site over the default page set.
func NewDemoSite(cfg Config) *DemoSite {
	pages := make(map[string]PageDefinition)
	versions := make(map[string]int)
	modified := make(map[string]time.Time)

	now := time.Now().UTC()
	for _, p := range DefaultPages() {
		pages[p.Path] = p
		versions[p.Path] = cfg.InitialVersion
		modified[p.Path] = now
	}
	return &DemoSite{cfg: cfg, pages: pages, versions: versions, modified: modified}
}

var pageTemplate = template.Must(template.New("page").Parse(`<!DOCTYPE html>
<html>
<head><title>{{.Title}}</title></head>
<body>
<nav>{{range .Nav}}<a href="{{.}}">{{.}}</a> {{end}}</nav>
<main>
<h1>{{.Title}}</h1>
{{.Body}}
</main>
</body>
</html>`))

// Handler returns the site router. Separate from Start so tests can mount
// it on httptest.
func (s *DemoSite) Handler() http.Handler {
	mux := http.NewServeMux()

	for path := range s.pages {
		mux.HandleFunc(path, s.pageHandler(path))
	}
	mux.HandleFunc("/sitemap.xml", s.sitemapHandler)

	// Control endpoints for steering content between sync cycles.
	mux.HandleFunc("/demo/bump", s.bumpHandler)
	mux.HandleFunc("/demo/bump-all", s.bumpAllHandler)
	mux.HandleFunc("/demo/versions", s.versionsHandler)
	mux.HandleFunc("/demo/reset", s.resetHandler)

	return mux
}

// Start serves until the listener fails.
func (s *DemoSite) Start() error {
	addr := fmt.Sprintf(":%d", s.cfg.Port)
	fmt.Printf("Demo docs site on http://localhost%s (sitemap at /sitemap.xml)\n", addr)
	return http.ListenAndServe(addr, s.Handler())
}

func (s *DemoSite) pageHandler(path string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != path {
			http.NotFound(w, r)
			return
		}

		s.mu.RLock()
		page := s.pages[path]
		version := s.versions[path]
		s.mu.RUnlock()

		body, ok := page.Versions[version]
		if !ok {
			// Fall back to the highest version below the requested one.
			for v := version; v >= 1; v-- {
				if b, exists := page.Versions[v]; exists {
					body = b
					break
				}
			}
		}

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_ = pageTemplate.Execute(w, struct {
			Title string
			Nav   []string
			Body  template.HTML
		}{
			Title: page.Title,
			Nav:   s.sortedPaths(),
			Body:  template.HTML(body),
		})
	}
}

func (s *DemoSite) sitemapHandler(w http.ResponseWriter, r *http.Request) {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	base := scheme + "://" + r.Host

	s.mu.RLock()
	defer s.mu.RUnlock()

	w.Header().Set("Content-Type", "application/xml")
	fmt.Fprint(w, `<?xml version="1.0" encoding="UTF-8"?>`+"\n")
	fmt.Fprint(w, `<urlset xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">`+"\n")
	for _, path := range s.sortedPaths() {
		fmt.Fprintf(w, "  <url><loc>%s%s</loc><lastmod>%s</lastmod></url>\n",
			base, path, s.modified[path].Format("2006-01-02"))
	}
	fmt.Fprint(w, "</urlset>\n")
}

func (s *DemoSite) bumpHandler(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pages[path]; !ok {
		http.Error(w, "unknown page", http.StatusNotFound)
		return
	}
	s.versions[path]++
	s.modified[path] = time.Now().UTC()
	fmt.Fprintf(w, "%s -> v%d\n", path, s.versions[path])
}

func (s *DemoSite) bumpAllHandler(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	for path := range s.pages {
		s.versions[path]++
		s.modified[path] = now
	}
	fmt.Fprintf(w, "bumped %d pages\n", len(s.pages))
}

func (s *DemoSite) versionsHandler(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.versions)
}

func (s *DemoSite) resetHandler(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	for path := range s.pages {
		s.versions[path] = s.cfg.InitialVersion
		s.modified[path] = now
	}
	fmt.Fprintln(w, "reset")
}

func (s *DemoSite) sortedPaths() []string {
	paths := make([]string, 0, len(s.pages))
	for p := range s.pages {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}
