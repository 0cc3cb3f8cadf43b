// Package docs defines the document model shared by the cache, the sync
// engine and the serving facade, plus read helpers over the on-disk corpus.
package docs

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode"
)

// Document status values mirrored into metadata JSON.
const (
	StatusActive = "active"
	StatusFailed = "failed"
)

const defaultExcerptLen = 300

// Document is one page of the corpus.
type Document struct {
	URL             string
	Title           string
	Markdown        string
	Text            string
	Excerpt         string
	MarkdownRelPath string
	FirstSeenAt     time.Time
	LastFetchedAt   time.Time
	Status          string
}

// Metadata is the JSON mirrored next to every markdown file under
// __docs_metadata.
type Metadata struct {
	URL           string    `json:"url"`
	Title         string    `json:"title"`
	FirstSeenAt   time.Time `json:"first_seen_at"`
	LastFetchedAt time.Time `json:"last_fetched_at"`
	Status        string    `json:"status"`
}

// MarshalMetadata encodes the document's metadata mirror.
func MarshalMetadata(d *Document) ([]byte, error) {
	m := Metadata{
		URL:           d.URL,
		Title:         d.Title,
		FirstSeenAt:   d.FirstSeenAt,
		LastFetchedAt: d.LastFetchedAt,
		Status:        d.Status,
	}
	payload, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal document metadata: %w", err)
	}
	return payload, nil
}

// Excerpt derives a short plain excerpt from markdown: heading markers and
// link syntax are stripped and the result is cut at a word boundary.
func Excerpt(markdown string, max int) string {
	if max <= 0 {
		max = defaultExcerptLen
	}

	var b strings.Builder
	inFence := false
	for _, line := range strings.Split(markdown, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "```") {
			inFence = !inFence
			continue
		}
		if inFence {
			continue
		}
		line = strings.TrimLeft(line, "#>")
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "|") {
			continue
		}
		line = stripLinks(line)
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(line)
		if b.Len() >= max {
			break
		}
	}

	text := b.String()
	if len(text) <= max {
		return text
	}
	cut := strings.LastIndexFunc(text[:max], unicode.IsSpace)
	if cut <= 0 {
		cut = max
	}
	return strings.TrimSpace(text[:cut]) + "…"
}

// stripLinks rewrites [label](target) to label and drops bare image syntax.
func stripLinks(line string) string {
	var b strings.Builder
	for i := 0; i < len(line); i++ {
		c := line[i]
		if c == '!' && i+1 < len(line) && line[i+1] == '[' {
			// Image: skip "![alt](src)" entirely.
			if end := skipLink(line, i+1); end > 0 {
				i = end
				continue
			}
		}
		if c == '[' {
			close := strings.IndexByte(line[i:], ']')
			if close > 0 && i+close+1 < len(line) && line[i+close+1] == '(' {
				b.WriteString(line[i+1 : i+close])
				if end := skipLink(line, i); end > 0 {
					i = end
					continue
				}
			}
		}
		b.WriteByte(c)
	}
	return b.String()
}

// skipLink returns the index of the closing ')' of a [..](..) form starting
// at the '[' position, or 0 when the form is incomplete.
func skipLink(line string, start int) int {
	close := strings.IndexByte(line[start:], ']')
	if close < 0 {
		return 0
	}
	open := start + close + 1
	if open >= len(line) || line[open] != '(' {
		return 0
	}
	end := strings.IndexByte(line[open:], ')')
	if end < 0 {
		return 0
	}
	return open + end
}
