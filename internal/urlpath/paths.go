package urlpath

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"path"
	"regexp"
	"sort"
	"strings"
)

const (
	maxSegmentLen = 100
	maxQuerySlug  = 80
	maxPathLen    = 200

	// MetadataDirName is the reserved sibling directory mirroring the corpus
	// tree with per-document metadata JSON.
	MetadataDirName = "__docs_metadata"
)

var (
	forbiddenChars = regexp.MustCompile(`[^a-z0-9._-]`)
	dashRuns       = regexp.MustCompile(`-{2,}`)
)

// Builder maps canonical URLs to nested filesystem paths. Pure; no I/O.
type Builder struct {
	Opts CanonicalizeOptions
}

// NewBuilder returns a Builder with the given canonicalization policy.
func NewBuilder(opts CanonicalizeOptions) *Builder {
	return &Builder{Opts: opts}
}

// Canonicalize applies the builder's canonicalization policy.
func (b *Builder) Canonicalize(raw string) (string, error) {
	return Canonicalize(raw, b.Opts)
}

// MarkdownPath maps a URL to the relative path of its markdown file:
// the host becomes the top directory, path segments are slugified, and the
// terminal segment gets ".md" appended ("index.md" for the root). The result
// never exceeds 200 characters; overflow paths reduce to
// <host>/<16-hex>/<filename>.
func (b *Builder) MarkdownPath(rawURL string) (string, error) {
	canonical, err := b.Canonicalize(rawURL)
	if err != nil {
		return "", err
	}

	u, err := url.Parse(canonical)
	if err != nil {
		return "", err
	}

	host := u.Hostname()
	if port := u.Port(); port != "" {
		host = host + "_" + port
	}

	segments := splitSegments(u.Path)
	slugged := make([]string, 0, len(segments))
	for _, seg := range segments {
		slugged = append(slugged, slugSegment(seg))
	}

	var dir, name string
	if len(slugged) == 0 {
		name = "index"
	} else {
		dir = path.Join(slugged[:len(slugged)-1]...)
		name = slugged[len(slugged)-1]
		name = strings.TrimSuffix(name, ".md")
		name = strings.TrimSuffix(name, ".html")
		name = strings.TrimSuffix(name, ".htm")
		if name == "" {
			name = "index"
		}
	}

	if u.RawQuery != "" {
		name += querySlug(u.Query())
	}

	rel := path.Join(host, dir, name+".md")
	if len(rel) > maxPathLen {
		sum := sha256.Sum256([]byte(canonical))
		rel = path.Join(host, hex.EncodeToString(sum[:8]), name+".md")
		if len(rel) > maxPathLen {
			// Host plus name alone still too long; hash the name too.
			rel = path.Join(host, hex.EncodeToString(sum[:8]), hex.EncodeToString(sum[8:16])+".md")
		}
	}
	return rel, nil
}

// MetadataPath mirrors a markdown relative path under __docs_metadata with
// the .md suffix swapped for .meta.json.
func (b *Builder) MetadataPath(mdRelPath string) string {
	return path.Join(MetadataDirName, strings.TrimSuffix(mdRelPath, ".md")+".meta.json")
}

func splitSegments(p string) []string {
	var out []string
	for _, seg := range strings.Split(p, "/") {
		if seg != "" {
			out = append(out, seg)
		}
	}
	return out
}

// slugSegment normalizes one path segment into a safe filename component:
// lowercase, percent-decoded, spaces to hyphens, forbidden chars to
// underscores, dash runs collapsed, capped at 100 chars with a hash suffix
// on overflow.
func slugSegment(seg string) string {
	if dec, err := url.PathUnescape(seg); err == nil {
		seg = dec
	}
	seg = strings.ToLower(seg)
	seg = strings.ReplaceAll(seg, " ", "-")
	seg = forbiddenChars.ReplaceAllString(seg, "_")
	seg = dashRuns.ReplaceAllString(seg, "-")
	seg = strings.Trim(seg, "-")
	if seg == "" {
		seg = "_"
	}
	if len(seg) > maxSegmentLen {
		sum := sha256.Sum256([]byte(seg))
		seg = seg[:maxSegmentLen-9] + "-" + hex.EncodeToString(sum[:4])
	}
	return seg
}

// querySlug encodes sorted key_value pairs as a deterministic __q__ suffix.
// Beyond 80 chars the suffix collapses to __q__hash_<12-hex>.
func querySlug(q url.Values) string {
	keys := make([]string, 0, len(q))
	for k := range q {
		keys = append(keys, k)
	}
	// url.Values from a canonical URL is already sorted on encode, but sort
	// explicitly so the slug never depends on map order.
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		vals := append([]string{}, q[k]...)
		sort.Strings(vals)
		for _, v := range vals {
			parts = append(parts, fmt.Sprintf("%s_%s", slugSegment(k), slugSegment(v)))
		}
	}
	slug := "__q__" + strings.Join(parts, "_")
	if len(slug) > maxQuerySlug {
		sum := sha256.Sum256([]byte(q.Encode()))
		slug = "__q__hash_" + hex.EncodeToString(sum[:6])
	}
	return slug
}
