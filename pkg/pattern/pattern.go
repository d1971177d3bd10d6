// Package pattern provides the domain matching primitives used by rule
// evaluation. It supports two kinds of patterns:
//   - Containment: ads.com matches any name that contains "ads.com"
//   - Wildcard: *.ads.com matches any name of that shape, anchored at both ends
package pattern

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Normalize lower-cases a domain and strips surrounding space and the
// trailing root dot.
func Normalize(domain string) string {
	domain = strings.TrimSpace(domain)
	domain = strings.TrimSuffix(domain, ".")
	return strings.ToLower(domain)
}

// IsWildcard reports whether a rule string is a wildcard pattern.
func IsWildcard(rule string) bool {
	return strings.Contains(rule, "*")
}

// Wildcard is a compiled wildcard pattern.
type Wildcard struct {
	Raw      string
	compiled *regexp.Regexp
}

// CompileWildcard translates each '*' into "any run of characters" and
// anchors the result to the full domain. Everything else matches literally.
func CompileWildcard(raw string) (*Wildcard, error) {
	raw = Normalize(raw)
	if raw == "" {
		return nil, fmt.Errorf("empty pattern")
	}
	if !IsWildcard(raw) {
		return nil, fmt.Errorf("pattern %q has no wildcard", raw)
	}

	parts := strings.Split(raw, "*")
	for i, p := range parts {
		parts[i] = regexp.QuoteMeta(p)
	}

	compiled, err := regexp.Compile("^" + strings.Join(parts, ".*") + "$")
	if err != nil {
		return nil, fmt.Errorf("invalid wildcard pattern %q: %w", raw, err)
	}

	return &Wildcard{Raw: raw, compiled: compiled}, nil
}

// Match checks if a normalized domain matches this wildcard.
func (w *Wildcard) Match(domain string) bool {
	if w == nil || w.compiled == nil {
		return false
	}
	return w.compiled.MatchString(domain)
}

// String returns a string representation of the pattern.
func (w *Wildcard) String() string {
	return fmt.Sprintf("wildcard(%s)", w.Raw)
}

// Contains reports whether rule appears anywhere within domain, ignoring case.
// This is deliberately looser than suffix matching: "ads.com" matches
// "xyzads.com".
func Contains(domain, rule string) bool {
	if rule == "" {
		return false
	}
	return strings.Contains(strings.ToLower(domain), strings.ToLower(rule))
}

// ContainsMatcher matches a domain against a fixed list of containment rules.
// Rules are tried in sorted order so the reported rule is deterministic.
type ContainsMatcher struct {
	rules []string
}

// NewContainsMatcher creates a matcher from normalized rule strings.
// Empty and duplicate rules are dropped.
func NewContainsMatcher(rules []string) *ContainsMatcher {
	seen := make(map[string]struct{}, len(rules))
	sorted := make([]string, 0, len(rules))
	for _, r := range rules {
		r = Normalize(r)
		if r == "" {
			continue
		}
		if _, ok := seen[r]; ok {
			continue
		}
		seen[r] = struct{}{}
		sorted = append(sorted, r)
	}
	sort.Strings(sorted)
	return &ContainsMatcher{rules: sorted}
}

// Match returns the first rule contained in domain.
func (m *ContainsMatcher) Match(domain string) (string, bool) {
	if m == nil {
		return "", false
	}
	domain = strings.ToLower(domain)
	for _, r := range m.rules {
		if strings.Contains(domain, r) {
			return r, true
		}
	}
	return "", false
}

// Rules returns the sorted rule list. The slice must not be modified.
func (m *ContainsMatcher) Rules() []string {
	if m == nil {
		return nil
	}
	return m.rules
}

// Len returns the number of rules.
func (m *ContainsMatcher) Len() int {
	if m == nil {
		return 0
	}
	return len(m.rules)
}
