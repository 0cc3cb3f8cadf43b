// Package policy filters URLs against per-tenant whitelist and blacklist
// prefixes.
package policy

import "strings"

// Policy holds URL prefix rules. A nonempty whitelist requires a match; a
// nonempty blacklist forbids one. The blacklist wins when both match.
type Policy struct {
	Whitelist []string
	Blacklist []string
}

// New normalizes the given prefixes into a Policy. Empty entries are
// dropped.
func New(whitelist, blacklist []string) *Policy {
	return &Policy{
		Whitelist: compact(whitelist),
		Blacklist: compact(blacklist),
	}
}

// Allowed reports whether the URL passes the prefix rules.
func (p *Policy) Allowed(url string) bool {
	if p == nil {
		return true
	}
	for _, prefix := range p.Blacklist {
		if strings.HasPrefix(url, prefix) {
			return false
		}
	}
	if len(p.Whitelist) == 0 {
		return true
	}
	for _, prefix := range p.Whitelist {
		if strings.HasPrefix(url, prefix) {
			return true
		}
	}
	return false
}

// Filter returns the subset of urls passing the policy, preserving order.
func (p *Policy) Filter(urls []string) []string {
	if p == nil || (len(p.Whitelist) == 0 && len(p.Blacklist) == 0) {
		return urls
	}
	out := make([]string, 0, len(urls))
	for _, u := range urls {
		if p.Allowed(u) {
			out = append(out, u)
		}
	}
	return out
}

func compact(prefixes []string) []string {
	out := make([]string, 0, len(prefixes))
	for _, p := range prefixes {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
