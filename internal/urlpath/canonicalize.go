package urlpath

import (
	"net"
	"net/url"
	"path"
	"sort"
	"strings"

	"golang.org/x/net/idna"
)

// CanonicalizeOptions controls optional canonicalization policies.
type CanonicalizeOptions struct {
	// PreserveQuery keeps query strings (sorted lexicographically). When
	// false the query is dropped entirely.
	PreserveQuery bool

	// DefaultScheme is assumed for schemeless input; if empty a scheme is
	// required.
	DefaultScheme string
}

// Errors
var (
	ErrEmptyURL    = &url.Error{Op: "canonicalize", URL: "", Err: &errStr{"empty url"}}
	ErrMissingHost = &url.Error{Op: "canonicalize", URL: "", Err: &errStr{"missing host"}}
)

type errStr struct{ s string }

func (e *errStr) Error() string { return e.s }

// Canonicalize returns the deterministic canonical form of raw:
// scheme://host[:port]/path[?sorted-query], no fragment. The host is
// lowercased (IDN -> punycode), path case is preserved, and directory-style
// paths (no file extension, no trailing slash) get a trailing "/" appended.
// Canonicalize is idempotent: Canonicalize(Canonicalize(u)) == Canonicalize(u).
func Canonicalize(raw string, opts CanonicalizeOptions) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", ErrEmptyURL
	}

	if opts.DefaultScheme != "" && !strings.Contains(raw, "://") {
		raw = opts.DefaultScheme + "://" + raw
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if u.Host == "" {
		return "", ErrMissingHost
	}

	u.Scheme = strings.ToLower(u.Scheme)

	// Lowercase host and convert IDN -> punycode
	host := strings.ToLower(u.Hostname())
	if puny, err := idna.Lookup.ToASCII(host); err == nil {
		host = puny
	}

	// Preserve non-default port only
	port := u.Port()
	if (u.Scheme == "http" && port == "80") || (u.Scheme == "https" && port == "443") || port == "" {
		u.Host = host
	} else {
		u.Host = net.JoinHostPort(host, port)
	}

	// Drop userinfo (credentials)
	u.User = nil

	// Normalize path; keep case, collapse dot segments
	hadTrailing := strings.HasSuffix(u.Path, "/")
	cleanPath := path.Clean(u.Path)
	if cleanPath == "." || cleanPath == "" {
		cleanPath = "/"
	}
	if hadTrailing && !strings.HasSuffix(cleanPath, "/") {
		cleanPath += "/"
	}
	// Directory-style paths (no file extension, no trailing slash) get a
	// trailing slash so /guide and /guide/ map to the same document.
	if !strings.HasSuffix(cleanPath, "/") {
		last := cleanPath[strings.LastIndex(cleanPath, "/")+1:]
		if !strings.Contains(last, ".") {
			cleanPath += "/"
		}
	}
	u.Path = cleanPath

	u.Fragment = ""

	if !opts.PreserveQuery {
		u.RawQuery = ""
	} else if u.RawQuery != "" {
		// Sort keys and values for deterministic encoding
		q := u.Query()
		keys := make([]string, 0, len(q))
		for k := range q {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		ordered := url.Values{}
		for _, k := range keys {
			values := q[k]
			sort.Strings(values)
			for _, v := range values {
				ordered.Add(k, v)
			}
		}
		u.RawQuery = ordered.Encode()
	}

	return u.String(), nil
}

// SameHost reports whether two canonical URLs share a hostname.
func SameHost(a, b string) bool {
	ua, err := url.Parse(a)
	if err != nil {
		return false
	}
	ub, err := url.Parse(b)
	if err != nil {
		return false
	}
	return ua.Hostname() == ub.Hostname()
}

// Resolve resolves ref against base and returns an absolute URL string.
func Resolve(base, ref string) (string, error) {
	bu, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	ru, err := url.Parse(ref)
	if err != nil {
		return "", err
	}
	return bu.ResolveReference(ru).String(), nil
}
