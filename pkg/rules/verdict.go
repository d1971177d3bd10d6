package rules

import (
	"fmt"
	"strings"
)

// Mode selects how a snapshot is evaluated.
type Mode string

const (
	// ModeBlacklist allows everything not matched by a block rule
	ModeBlacklist Mode = "blacklist"
	// ModeWhitelist blocks everything not matched by an allow rule
	ModeWhitelist Mode = "whitelist"
)

// ParseMode validates a mode string.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeBlacklist:
		return ModeBlacklist, nil
	case ModeWhitelist:
		return ModeWhitelist, nil
	}
	return "", &ValidationError{Field: "mode", Value: s, Err: ErrInvalidMode}
}

// Action is what a wildcard rule does when it matches.
type Action string

const (
	ActionBlock Action = "block"
	ActionAllow Action = "allow"
)

// RuleSource tags which part of the policy produced a verdict.
type RuleSource int

const (
	SourceNone RuleSource = iota
	SourceCategory
	SourceExplicitBlock
	SourceExplicitAllow
	SourceWildcard
	SourceDefaultDeny
)

var sourceNames = [...]string{
	SourceNone:          "none",
	SourceCategory:      "category",
	SourceExplicitBlock: "explicit_block",
	SourceExplicitAllow: "explicit_allow",
	SourceWildcard:      "wildcard",
	SourceDefaultDeny:   "default_deny",
}

func (s RuleSource) String() string {
	if int(s) < 0 || int(s) >= len(sourceNames) {
		return "unknown"
	}
	return sourceNames[s]
}

// MarshalText encodes the source by name.
func (s RuleSource) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a source name.
func (s *RuleSource) UnmarshalText(b []byte) error {
	for i, name := range sourceNames {
		if name == string(b) {
			*s = RuleSource(i)
			return nil
		}
	}
	return fmt.Errorf("unknown rule source %q", string(b))
}

// Verdict is the outcome of evaluating one domain.
type Verdict struct {
	Blocked  bool       `json:"blocked"`
	Rule     string     `json:"rule,omitempty"`
	Source   RuleSource `json:"source"`
	Category string     `json:"category,omitempty"`
}

// Status returns "blocked" or "allowed".
func (v Verdict) Status() string {
	if v.Blocked {
		return "blocked"
	}
	return "allowed"
}
