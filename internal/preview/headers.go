package preview

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strings"
)

// HeaderRules are response headers added to alternate-origin responses so
// the preview matches what the distribution's response headers policy adds.
type HeaderRules struct {
	rules []headerRule
}

type headerRule struct {
	pattern string
	headers map[string]string
}

// DefaultHeaderRules returns the production security headers for every path.
// HSTS is left out since the preview is usually served over plain HTTP.
func DefaultHeaderRules() *HeaderRules {
	return &HeaderRules{rules: []headerRule{{
		pattern: "/",
		headers: map[string]string{
			"Content-Security-Policy": "upgrade-insecure-requests; default-src 'none'; object-src 'none'; " +
				"script-src 'self'; style-src 'self'; img-src 'self' data:; font-src 'self' data:; " +
				"connect-src 'self'; manifest-src 'self'; frame-ancestors 'none'; base-uri 'none';",
			"X-Frame-Options":        "DENY",
			"X-Content-Type-Options": "nosniff",
			"Referrer-Policy":        "no-referrer",
		},
	}}}
}

// LoadHeaderRules reads a JSON file of the form
//
//	{ "/path": { "Header-Name": "value", ... }, ... }
//
// A path ending in "/" matches everything below it; any other path matches
// only itself. More specific paths override headers set by shorter ones.
func LoadHeaderRules(path string) (*HeaderRules, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	var raw map[string]map[string]string
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	rules := make([]headerRule, 0, len(raw))
	for pattern, headers := range raw {
		if !strings.HasPrefix(pattern, "/") {
			return nil, fmt.Errorf("parsing %s: path %q must start with /", path, pattern)
		}
		rules = append(rules, headerRule{pattern: pattern, headers: headers})
	}
	sort.Slice(rules, func(i, j int) bool {
		if len(rules[i].pattern) != len(rules[j].pattern) {
			return len(rules[i].pattern) < len(rules[j].pattern)
		}
		return rules[i].pattern < rules[j].pattern
	})
	return &HeaderRules{rules: rules}, nil
}

func (r headerRule) matches(urlPath string) bool {
	if strings.HasSuffix(r.pattern, "/") {
		return strings.HasPrefix(urlPath, r.pattern)
	}
	return urlPath == r.pattern
}

// Apply sets the headers of every rule matching urlPath on h.
func (hr *HeaderRules) Apply(urlPath string, h http.Header) {
	if hr == nil {
		return
	}
	for _, rule := range hr.rules {
		if !rule.matches(urlPath) {
			continue
		}
		for name, value := range rule.headers {
			h.Set(name, value)
		}
	}
}
