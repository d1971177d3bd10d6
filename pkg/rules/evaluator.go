package rules

import "github.com/manoj0727/Wi-fi-firewall/pkg/pattern"

// Evaluate decides whether domain is blocked under snapshot s.
// It is pure: the same domain and snapshot always yield the same verdict.
//
// In blacklist mode a domain is blocked when an active category or the
// block set contains it as a substring, or when the first wildcard that
// matches it is a block rule. In whitelist mode only the allow set is
// consulted; everything it does not contain is blocked.
func Evaluate(domain string, s *Snapshot) Verdict {
	if s == nil {
		return Verdict{}
	}
	domain = pattern.Normalize(domain)

	if s.policy.Mode == ModeWhitelist {
		if rule, ok := s.allowMatcher.Match(domain); ok {
			return Verdict{Rule: rule, Source: SourceExplicitAllow}
		}
		return Verdict{Blocked: true, Source: SourceDefaultDeny}
	}

	for _, c := range s.categories {
		if rule, ok := c.matcher.Match(domain); ok {
			return Verdict{Blocked: true, Rule: rule, Source: SourceCategory, Category: c.name}
		}
	}

	if rule, ok := s.blockMatcher.Match(domain); ok {
		return Verdict{Blocked: true, Rule: rule, Source: SourceExplicitBlock}
	}

	for _, w := range s.wildcards {
		if !w.matcher.Match(domain) {
			continue
		}
		return Verdict{
			Blocked: w.rule.Action == ActionBlock,
			Rule:    w.rule.Pattern,
			Source:  SourceWildcard,
		}
	}

	return Verdict{}
}

// IsBlocked is shorthand for Evaluate(domain, s).Blocked.
func IsBlocked(domain string, s *Snapshot) bool {
	return Evaluate(domain, s).Blocked
}
