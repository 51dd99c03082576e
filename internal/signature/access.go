package signature

import (
	"regexp"
	"strings"
	"sync"
)

// NormalizeDomain lower-cases the domain and strips scheme, leading "www."
// and a trailing slash
func NormalizeDomain(domain string) string {
	d := strings.ToLower(strings.TrimSpace(domain))
	d = strings.TrimPrefix(d, "http://")
	d = strings.TrimPrefix(d, "https://")
	d = strings.TrimPrefix(d, "www.")
	d = strings.TrimSuffix(d, "/")
	return d
}

// IsDomainAllowed matches domain against the allow-list. An empty list
// allows nothing. "*.example.com" matches example.com itself and any domain
// ending in ".example.com", but not "evil-example.com".
func IsDomainAllowed(domain string, patterns []string) bool {
	if len(patterns) == 0 {
		return false
	}
	d := NormalizeDomain(domain)
	if d == "" {
		return false
	}
	for _, raw := range patterns {
		p := NormalizeDomain(raw)
		if p == "" {
			continue
		}
		if strings.HasPrefix(p, "*.") {
			if d == p[2:] || strings.HasSuffix(d, p[1:]) {
				return true
			}
			continue
		}
		if d == p {
			return true
		}
	}
	return false
}

// IsIPAllowed matches ip against the allow-list. An empty list allows
// everything. A pattern with "*" matches any run of characters in that position.
func IsIPAllowed(ip string, patterns []string) bool {
	if len(patterns) == 0 {
		return true
	}
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if !strings.Contains(p, "*") {
			if ip == p {
				return true
			}
			continue
		}
		if wildcardPattern(p).MatchString(ip) {
			return true
		}
	}
	return false
}

// wildcardPatterns holds compiled IP patterns keyed by their source text.
// The set is bounded by the distinct patterns stored on keys.
var wildcardPatterns sync.Map

func wildcardPattern(p string) *regexp.Regexp {
	if re, ok := wildcardPatterns.Load(p); ok {
		return re.(*regexp.Regexp)
	}
	parts := strings.Split(p, "*")
	for i, part := range parts {
		parts[i] = regexp.QuoteMeta(part)
	}
	re, _ := wildcardPatterns.LoadOrStore(p, regexp.MustCompile("^"+strings.Join(parts, ".*")+"$"))
	return re.(*regexp.Regexp)
}
