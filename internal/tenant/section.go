package tenant

import (
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// Fetch context modes.
const (
	ContextFull        = "full"
	ContextSurrounding = "surrounding"
)

type headingMark struct {
	level int
	start int
	slug  string
}

// surroundingSection returns the markdown slice of the heading section the
// anchor falls in: from the matching heading to the next heading of the
// same or higher level. An empty or unmatched anchor yields the leading
// section up to the second heading.
func surroundingSection(markdown, anchor string) string {
	src := []byte(markdown)
	root := goldmark.New().Parser().Parse(text.NewReader(src))

	var marks []headingMark
	_ = ast.Walk(root, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		h, ok := n.(*ast.Heading)
		if !ok || h.Lines().Len() == 0 {
			return ast.WalkContinue, nil
		}
		line := h.Lines().At(0)
		// Back up over the leading # markers the line segment skips.
		start := line.Start
		for start > 0 && src[start-1] != '\n' {
			start--
		}
		marks = append(marks, headingMark{
			level: h.Level,
			start: start,
			slug:  slugify(string(h.Text(src))),
		})
		return ast.WalkContinue, nil
	})

	if len(marks) == 0 {
		return markdown
	}

	want := slugify(anchor)
	idx := -1
	if want != "" {
		for i, m := range marks {
			if m.slug == want {
				idx = i
				break
			}
		}
	}

	if idx < 0 {
		// Leading section: everything before the second heading.
		if len(marks) > 1 {
			return strings.TrimSpace(markdown[:marks[1].start])
		}
		return markdown
	}

	end := len(markdown)
	for _, m := range marks[idx+1:] {
		if m.level <= marks[idx].level {
			end = m.start
			break
		}
	}
	return strings.TrimSpace(markdown[marks[idx].start:end])
}

// slugify lowercases and reduces to dash-separated alphanumerics, matching
// the usual markdown anchor shape.
func slugify(s string) string {
	var b strings.Builder
	lastDash := true
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		switch {
		case 'a' <= r && r <= 'z' || '0' <= r && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	return strings.Trim(b.String(), "-")
}
