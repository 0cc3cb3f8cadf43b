package cache

import (
	"math"
	"net/url"
	"sort"
	"strings"
	"sync"
)

// Semantic cache tuning. The embedding is deliberately coarse: documents
// whose path slugs share character distribution land close together, which
// is enough to serve a sibling page when the exact URL is unavailable.
const (
	semanticDims       = 64
	semanticCandidates = 200
	semanticThreshold  = 0.82
	semanticLimit      = 3
)

type semanticEntry struct {
	URL             string
	Host            string
	MarkdownRelPath string
	vec             [semanticDims]float64
}

// SemanticMatch is one similarity hit.
type SemanticMatch struct {
	URL             string
	MarkdownRelPath string
	Score           float64
}

// semanticCache keeps the most recently stored documents in process and
// answers nearest-neighbour lookups over their path-slug embeddings.
type semanticCache struct {
	mu      sync.Mutex
	entries []semanticEntry
}

func newSemanticCache() *semanticCache {
	return &semanticCache{}
}

// Add records a stored document, evicting the oldest beyond the candidate
// window. Re-adding a URL refreshes its position.
func (c *semanticCache) Add(rawURL, mdRelPath string) {
	host, vec, ok := embed(rawURL)
	if !ok {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for i, e := range c.entries {
		if e.URL == rawURL {
			c.entries = append(c.entries[:i], c.entries[i+1:]...)
			break
		}
	}
	c.entries = append(c.entries, semanticEntry{
		URL:             rawURL,
		Host:            host,
		MarkdownRelPath: mdRelPath,
		vec:             vec,
	})
	if len(c.entries) > semanticCandidates {
		c.entries = c.entries[len(c.entries)-semanticCandidates:]
	}
}

// Lookup returns up to 3 same-host candidates scoring at or above the
// threshold, best first. An empty result means no confident hit.
func (c *semanticCache) Lookup(rawURL string) []SemanticMatch {
	host, vec, ok := embed(rawURL)
	if !ok {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var matches []SemanticMatch
	for _, e := range c.entries {
		if e.Host != host || e.URL == rawURL {
			continue
		}
		score := cosine(vec, e.vec)
		if score >= semanticThreshold {
			matches = append(matches, SemanticMatch{
				URL:             e.URL,
				MarkdownRelPath: e.MarkdownRelPath,
				Score:           score,
			})
		}
	}

	sort.Slice(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })
	if len(matches) > semanticLimit {
		matches = matches[:semanticLimit]
	}
	return matches
}

// Len reports the candidate count. For tests.
func (c *semanticCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// embed maps a URL's path slug to a fixed-size vector: each character's
// code is accumulated into a hash bucket, then the vector is normalized.
// Deterministic; no model involved.
func embed(rawURL string) (host string, vec [semanticDims]float64, ok bool) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return "", vec, false
	}

	slug := strings.ToLower(strings.Trim(u.Path, "/"))
	slug = strings.NewReplacer("/", " ", "-", " ", "_", " ", ".", " ").Replace(slug)
	if slug == "" {
		slug = "index"
	}

	for i, r := range slug {
		bucket := (int(r)*31 + i*7) % semanticDims
		if bucket < 0 {
			bucket += semanticDims
		}
		vec[bucket] += float64(r)
	}

	var norm float64
	for _, v := range vec {
		norm += v * v
	}
	if norm == 0 {
		return "", vec, false
	}
	norm = math.Sqrt(norm)
	for i := range vec {
		vec[i] /= norm
	}
	return strings.ToLower(u.Host), vec, true
}

func cosine(a, b [semanticDims]float64) float64 {
	var dot float64
	for i := range a {
		dot += a[i] * b[i]
	}
	// Inputs are unit vectors; the dot product is the cosine.
	return dot
}
