package policy

import (
	"encoding/json"
	"net"
	"net/url"
	"regexp"
	"strings"
)

// HostPattern is one parsed allowlist/blocklist entry. A pattern may be
// "*", a wildcard-subdomain form ("*.example.com"), a bare host with an
// optional port, an http(s) URL whose host part is used, or a JSON object
// string of the form {"regex": "..."}.
type HostPattern struct {
	// raw is the original pattern text, kept for diagnostics.
	raw string
	// any matches every host.
	any bool
	// wildcard matches the host itself and all subdomains.
	wildcard bool
	// host is the lowercased host to match (empty for regex patterns).
	host string
	// port, when non-empty, must match the target port exactly.
	port string
	// scheme, when non-empty, must match the target scheme (origin match only).
	scheme string
	// re matches against the host, or against the full origin for origin
	// pattern checks.
	re *regexp.Regexp
}

// regexPattern is the JSON object form of a pattern.
type regexPattern struct {
	Regex string `json:"regex"`
}

// ParseHostPattern parses a single pattern. It returns false when the
// pattern is malformed (bad regex, unsupported scheme, empty).
func ParseHostPattern(raw string) (HostPattern, bool) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return HostPattern{}, false
	}

	if trimmed == "*" {
		return HostPattern{raw: raw, any: true}, true
	}

	if strings.HasPrefix(trimmed, "{") {
		var rp regexPattern
		if err := json.Unmarshal([]byte(trimmed), &rp); err != nil || rp.Regex == "" {
			return HostPattern{}, false
		}
		re, err := regexp.Compile(rp.Regex)
		if err != nil {
			return HostPattern{}, false
		}
		return HostPattern{raw: raw, re: re}, true
	}

	p := HostPattern{raw: raw}
	rest := strings.ToLower(trimmed)

	// URL form: only http(s) targets are policy-addressable.
	if strings.Contains(rest, "://") {
		u, err := url.Parse(rest)
		if err != nil {
			return HostPattern{}, false
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return HostPattern{}, false
		}
		p.scheme = u.Scheme
		rest = u.Host
	}

	if strings.HasPrefix(rest, "*.") {
		p.wildcard = true
		rest = rest[2:]
	}

	if host, port, err := net.SplitHostPort(rest); err == nil {
		p.host = host
		p.port = port
	} else {
		p.host = rest
	}

	if p.host == "" {
		return HostPattern{}, false
	}
	return p, true
}

// ParseHostPatterns parses a pattern list, silently dropping malformed
// entries so one bad pattern cannot open or close the whole policy.
func ParseHostPatterns(raw []string) []HostPattern {
	patterns := make([]HostPattern, 0, len(raw))
	for _, r := range raw {
		if p, ok := ParseHostPattern(r); ok {
			patterns = append(patterns, p)
		}
	}
	return patterns
}

// MatchesHost reports whether the pattern matches a target host and port.
// A pattern without a port matches any port.
func (p *HostPattern) MatchesHost(host, port string) bool {
	host = strings.ToLower(host)

	if p.any {
		return true
	}
	if p.re != nil {
		return p.re.MatchString(host)
	}
	if p.port != "" && p.port != port {
		return false
	}
	if p.wildcard {
		return host == p.host || strings.HasSuffix(host, "."+p.host)
	}
	return host == p.host
}

// MatchesOrigin reports whether the pattern matches a full origin of the
// form scheme://host[:port]. Regex patterns match against the origin
// string; host patterns match against the origin's host and port, and a
// pattern carrying a scheme requires that scheme.
func (p *HostPattern) MatchesOrigin(origin string) bool {
	if p.any {
		return true
	}
	if p.re != nil {
		return p.re.MatchString(origin)
	}

	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}
	if p.scheme != "" && p.scheme != u.Scheme {
		return false
	}
	return p.MatchesHost(u.Hostname(), u.Port())
}

// anyPattern reports whether any pattern in the list is the "*" wildcard.
func anyPattern(patterns []HostPattern) bool {
	for i := range patterns {
		if patterns[i].any {
			return true
		}
	}
	return false
}
