package rules

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/manoj0727/Wi-fi-firewall/pkg/logging"
	"github.com/manoj0727/Wi-fi-firewall/pkg/pattern"
	"github.com/manoj0727/Wi-fi-firewall/pkg/telemetry"
)

// Listener is called with every newly published snapshot.
type Listener func(*Snapshot)

// Store holds the current rule snapshot. Reads are lock-free; mutations are
// serialized, each publishing a new snapshot with the next version.
type Store struct {
	logger  *logging.Logger
	metrics *telemetry.Metrics

	current atomic.Pointer[Snapshot]

	mu        sync.Mutex
	listeners []Listener
}

// NewStore creates a store seeded with the given policy at version 1.
func NewStore(initial Policy, logger *logging.Logger, metrics *telemetry.Metrics) (*Store, error) {
	snap, err := newSnapshot(initial, 1)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.NewDefault()
	}

	s := &Store{
		logger:  logger,
		metrics: metrics,
	}
	s.current.Store(snap)
	return s, nil
}

// Snapshot returns the current snapshot.
func (s *Store) Snapshot() *Snapshot {
	return s.current.Load()
}

// Version returns the current snapshot version.
func (s *Store) Version() uint64 {
	return s.current.Load().Version()
}

// OnChange registers a listener. Listeners run synchronously, in
// registration order, before the mutating call returns. They must not call
// back into the store's mutators.
func (s *Store) OnChange(fn Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// AddBlocked adds a domain to the block set. A domain containing '*'
// becomes a block wildcard instead.
func (s *Store) AddBlocked(domain string) (*Snapshot, error) {
	d, err := validateDomain(domain)
	if err != nil {
		return nil, err
	}
	return s.mutate("add_blocked", func(p *Policy) {
		if pattern.IsWildcard(d) {
			p.Wildcards = upsertWildcard(p.Wildcards, d, ActionBlock)
			return
		}
		p.Blocked = appendUnique(p.Blocked, d)
	})
}

// RemoveBlocked removes a domain or block wildcard from the block set.
func (s *Store) RemoveBlocked(domain string) (*Snapshot, error) {
	d, err := validateDomain(domain)
	if err != nil {
		return nil, err
	}
	return s.mutate("remove_blocked", func(p *Policy) {
		if pattern.IsWildcard(d) {
			p.Wildcards = removeWildcard(p.Wildcards, d, ActionBlock)
			return
		}
		p.Blocked = removeString(p.Blocked, d)
	})
}

// AddAllowed adds a domain to the allow set. A domain containing '*'
// becomes an allow wildcard instead.
func (s *Store) AddAllowed(domain string) (*Snapshot, error) {
	d, err := validateDomain(domain)
	if err != nil {
		return nil, err
	}
	return s.mutate("add_allowed", func(p *Policy) {
		if pattern.IsWildcard(d) {
			p.Wildcards = upsertWildcard(p.Wildcards, d, ActionAllow)
			return
		}
		p.Allowed = appendUnique(p.Allowed, d)
	})
}

// RemoveAllowed removes a domain or allow wildcard from the allow set.
func (s *Store) RemoveAllowed(domain string) (*Snapshot, error) {
	d, err := validateDomain(domain)
	if err != nil {
		return nil, err
	}
	return s.mutate("remove_allowed", func(p *Policy) {
		if pattern.IsWildcard(d) {
			p.Wildcards = removeWildcard(p.Wildcards, d, ActionAllow)
			return
		}
		p.Allowed = removeString(p.Allowed, d)
	})
}

// ToggleCategory flips whether a category is active. Names without a domain
// list are accepted and simply match nothing.
func (s *Store) ToggleCategory(name string) (*Snapshot, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, &ValidationError{Field: "category", Err: ErrEmptyCategory}
	}
	return s.mutate("toggle_category", func(p *Policy) {
		for _, active := range p.ActiveCategories {
			if active == name {
				p.ActiveCategories = removeString(p.ActiveCategories, name)
				return
			}
		}
		p.ActiveCategories = append(p.ActiveCategories, name)
	})
}

// SetMode switches between blacklist and whitelist evaluation.
func (s *Store) SetMode(mode string) (*Snapshot, error) {
	m, err := ParseMode(mode)
	if err != nil {
		return nil, err
	}
	return s.mutate("set_mode", func(p *Policy) {
		p.Mode = m
	})
}

// Replace swaps in an entirely new policy, as read from the repository.
func (s *Store) Replace(p Policy) (*Snapshot, error) {
	// Validate before taking the lock so a bad policy never bumps the version
	if _, err := NewSnapshot(p); err != nil {
		return nil, err
	}
	return s.mutate("replace", func(dst *Policy) {
		*dst = p
	})
}

func (s *Store) mutate(op string, apply func(*Policy)) (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.current.Load()
	p := cur.Policy()
	apply(&p)

	next, err := newSnapshot(p, cur.Version()+1)
	if err != nil {
		return nil, err
	}
	s.current.Store(next)

	s.metrics.RecordRuleMutation(context.Background(), op)
	s.logger.Debug("Rule store updated", "op", op, "version", next.Version())

	for _, fn := range s.listeners {
		fn(next)
	}
	return next, nil
}

func validateDomain(domain string) (string, error) {
	d := pattern.Normalize(domain)
	if d == "" {
		return "", &ValidationError{Field: "domain", Value: domain, Err: ErrEmptyDomain}
	}
	return d, nil
}

func appendUnique(list []string, d string) []string {
	for _, e := range list {
		if e == d {
			return list
		}
	}
	return append(list, d)
}

func removeString(list []string, d string) []string {
	out := list[:0]
	for _, e := range list {
		if e != d {
			out = append(out, e)
		}
	}
	return out
}

func upsertWildcard(list []WildcardRule, p string, action Action) []WildcardRule {
	for i := range list {
		if list[i].Pattern == p {
			list[i].Action = action
			return list
		}
	}
	return append(list, WildcardRule{Pattern: p, Action: action})
}

func removeWildcard(list []WildcardRule, p string, action Action) []WildcardRule {
	out := list[:0]
	for _, w := range list {
		if w.Pattern == p && w.Action == action {
			continue
		}
		out = append(out, w)
	}
	return out
}
