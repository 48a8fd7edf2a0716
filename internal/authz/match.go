package authz

import (
	"net/netip"
	"net/url"
	"strings"
)

type origin struct {
	scheme string
	host   string
	port   string
}

// parseOrigin splits an Origin header, or a bare host, into lowercase parts.
func parseOrigin(s string) origin {
	s = strings.ToLower(strings.TrimSpace(s))
	var o origin
	if strings.Contains(s, "://") {
		if u, err := url.Parse(s); err == nil {
			o.scheme = u.Scheme
			o.host = u.Hostname()
			o.port = u.Port()
			o.host = strings.TrimSuffix(o.host, ".")
			return o
		}
	}
	host := s
	if i := strings.IndexByte(host, '/'); i >= 0 {
		host = host[:i]
	}
	if h, p, ok := strings.Cut(host, ":"); ok && !strings.Contains(p, ":") {
		host, o.port = h, p
	}
	o.host = strings.TrimSuffix(host, ".")
	return o
}

// MatchDomain reports whether origin is covered by any pattern. Patterns are
// exact hosts or "*.example.com", which matches exactly one extra label.
// Matching is case-insensitive. Scheme and port only matter when the pattern
// names a scheme.
func MatchDomain(originHeader string, patterns []string) bool {
	o := parseOrigin(originHeader)
	if o.host == "" {
		return false
	}
	for _, raw := range patterns {
		pat := parseOrigin(raw)
		if pat.host == "" {
			continue
		}
		if pat.scheme != "" {
			if pat.scheme != o.scheme {
				continue
			}
			if pat.port != "" && pat.port != effectivePort(o) {
				continue
			}
		}
		if hostMatches(o.host, pat.host) {
			return true
		}
	}
	return false
}

func effectivePort(o origin) string {
	if o.port != "" {
		return o.port
	}
	switch o.scheme {
	case "http", "ws":
		return "80"
	case "https", "wss":
		return "443"
	}
	return ""
}

func hostMatches(host, pattern string) bool {
	if pattern == "*" {
		return true
	}
	suffix, wildcard := strings.CutPrefix(pattern, "*.")
	if !wildcard {
		return host == pattern
	}
	label, ok := strings.CutSuffix(host, "."+suffix)
	return ok && label != "" && !strings.Contains(label, ".")
}

// MatchIP reports whether ip equals an entry or falls inside a CIDR entry.
// An IPv6-mapped IPv4 prefix is stripped before comparison.
func MatchIP(ip string, entries []string) bool {
	addr, err := netip.ParseAddr(stripMapped(ip))
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if strings.Contains(e, "/") {
			prefix, err := netip.ParsePrefix(stripMapped(e))
			if err != nil {
				continue
			}
			if prefix.Masked().Contains(addr) {
				return true
			}
			continue
		}
		want, err := netip.ParseAddr(stripMapped(e))
		if err != nil {
			continue
		}
		if want.Unmap() == addr {
			return true
		}
	}
	return false
}

func stripMapped(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > 7 && strings.EqualFold(s[:7], "::ffff:") && strings.Contains(s[7:], ".") {
		return s[7:]
	}
	return s
}
