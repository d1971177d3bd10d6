package rules

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"

	"github.com/manoj0727/Wi-fi-firewall/pkg/pattern"
)

// WildcardRule is a '*' pattern with the action it applies.
type WildcardRule struct {
	Pattern string `json:"pattern"`
	Action  Action `json:"action"`
}

// Policy is the plain-data form of a rule set. Snapshots are built from it
// and export it again, so mutations are applied to a Policy copy.
type Policy struct {
	Mode             Mode                `json:"mode"`
	Blocked          []string            `json:"blocked"`
	Allowed          []string            `json:"allowed"`
	Wildcards        []WildcardRule      `json:"wildcards"`
	Categories       map[string][]string `json:"categories"`
	ActiveCategories []string            `json:"active_categories"`
}

// SplitLists builds a Policy from flat blocked/allowed lists in which
// wildcard entries are mixed with plain domains. Wildcards keep list order,
// blocked entries first.
func SplitLists(mode Mode, blocked, allowed []string, categories map[string][]string, active []string) Policy {
	p := Policy{
		Mode:             mode,
		Categories:       categories,
		ActiveCategories: active,
	}
	for _, d := range blocked {
		if pattern.IsWildcard(d) {
			p.Wildcards = append(p.Wildcards, WildcardRule{Pattern: d, Action: ActionBlock})
			continue
		}
		p.Blocked = append(p.Blocked, d)
	}
	for _, d := range allowed {
		if pattern.IsWildcard(d) {
			p.Wildcards = append(p.Wildcards, WildcardRule{Pattern: d, Action: ActionAllow})
			continue
		}
		p.Allowed = append(p.Allowed, d)
	}
	return p
}

type compiledWildcard struct {
	rule    WildcardRule
	matcher *pattern.Wildcard
}

type categoryMatcher struct {
	name    string
	matcher *pattern.ContainsMatcher
}

// Snapshot is an immutable, versioned rule set. It is safe to share between
// goroutines without locking.
type Snapshot struct {
	version     uint64
	policy      Policy
	fingerprint string

	blockMatcher *pattern.ContainsMatcher
	allowMatcher *pattern.ContainsMatcher
	wildcards    []compiledWildcard
	// active categories only, sorted by name
	categories []categoryMatcher
	active     map[string]struct{}
}

// NewSnapshot validates and compiles a policy at version zero.
func NewSnapshot(p Policy) (*Snapshot, error) {
	return newSnapshot(p, 0)
}

func newSnapshot(p Policy, version uint64) (*Snapshot, error) {
	mode, err := ParseMode(string(p.Mode))
	if err != nil {
		return nil, err
	}

	norm := Policy{
		Mode:       mode,
		Blocked:    normalizeList(p.Blocked),
		Allowed:    normalizeList(p.Allowed),
		Categories: make(map[string][]string, len(p.Categories)),
	}

	s := &Snapshot{
		version: version,
		active:  make(map[string]struct{}, len(p.ActiveCategories)),
	}

	seenWildcard := make(map[string]int)
	for _, w := range p.Wildcards {
		compiled, err := pattern.CompileWildcard(w.Pattern)
		if err != nil {
			return nil, &ValidationError{Field: "wildcard", Value: w.Pattern, Err: err}
		}
		action := w.Action
		if action != ActionAllow {
			action = ActionBlock
		}
		rule := WildcardRule{Pattern: compiled.Raw, Action: action}
		// Re-adding a pattern updates its action in place
		if i, ok := seenWildcard[rule.Pattern]; ok {
			s.wildcards[i].rule.Action = action
			norm.Wildcards[i].Action = action
			continue
		}
		seenWildcard[rule.Pattern] = len(s.wildcards)
		s.wildcards = append(s.wildcards, compiledWildcard{rule: rule, matcher: compiled})
		norm.Wildcards = append(norm.Wildcards, rule)
	}

	for name, domains := range p.Categories {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		norm.Categories[name] = normalizeList(domains)
	}

	for _, name := range p.ActiveCategories {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if _, ok := s.active[name]; ok {
			continue
		}
		s.active[name] = struct{}{}
		norm.ActiveCategories = append(norm.ActiveCategories, name)
	}

	names := make([]string, 0, len(s.active))
	for name := range s.active {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		s.categories = append(s.categories, categoryMatcher{
			name:    name,
			matcher: pattern.NewContainsMatcher(norm.Categories[name]),
		})
	}

	s.blockMatcher = pattern.NewContainsMatcher(norm.Blocked)
	s.allowMatcher = pattern.NewContainsMatcher(norm.Allowed)
	s.policy = norm
	s.fingerprint = fingerprint(norm)

	return s, nil
}

// fingerprint hashes the normalized policy. Equal rule sets hash equally
// in every process, unlike the version counter.
func fingerprint(p Policy) string {
	data, err := json.Marshal(p)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:16])
}

// normalizeList lower-cases entries and drops empties and duplicates,
// keeping first-seen order.
func normalizeList(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, d := range in {
		d = pattern.Normalize(d)
		if d == "" {
			continue
		}
		if _, ok := seen[d]; ok {
			continue
		}
		seen[d] = struct{}{}
		out = append(out, d)
	}
	return out
}

// Version is the store generation this snapshot was published at.
func (s *Snapshot) Version() uint64 { return s.version }

// Fingerprint identifies the rule set by content. Verdicts shared between
// instances are tagged with it.
func (s *Snapshot) Fingerprint() string { return s.fingerprint }

// Mode returns the evaluation mode.
func (s *Snapshot) Mode() Mode { return s.policy.Mode }

// CategoryActive reports whether a category is enabled.
func (s *Snapshot) CategoryActive(name string) bool {
	_, ok := s.active[name]
	return ok
}

// HasBlocked reports whether d is an exact entry of the block set or a
// block wildcard.
func (s *Snapshot) HasBlocked(d string) bool {
	return s.hasEntry(s.policy.Blocked, ActionBlock, d)
}

// HasAllowed reports whether d is an exact entry of the allow set or an
// allow wildcard.
func (s *Snapshot) HasAllowed(d string) bool {
	return s.hasEntry(s.policy.Allowed, ActionAllow, d)
}

func (s *Snapshot) hasEntry(list []string, action Action, d string) bool {
	d = pattern.Normalize(d)
	if pattern.IsWildcard(d) {
		for _, w := range s.policy.Wildcards {
			if w.Pattern == d && w.Action == action {
				return true
			}
		}
		return false
	}
	for _, e := range list {
		if e == d {
			return true
		}
	}
	return false
}

// Policy returns a deep copy of the snapshot's policy.
func (s *Snapshot) Policy() Policy {
	p := Policy{
		Mode:             s.policy.Mode,
		Blocked:          cloneStrings(s.policy.Blocked),
		Allowed:          cloneStrings(s.policy.Allowed),
		Wildcards:        make([]WildcardRule, len(s.policy.Wildcards)),
		ActiveCategories: cloneStrings(s.policy.ActiveCategories),
		Categories:       make(map[string][]string, len(s.policy.Categories)),
	}
	copy(p.Wildcards, s.policy.Wildcards)
	for name, domains := range s.policy.Categories {
		p.Categories[name] = cloneStrings(domains)
	}
	return p
}

func cloneStrings(in []string) []string {
	out := make([]string, len(in))
	copy(out, in)
	return out
}
