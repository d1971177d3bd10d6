package dns

import (
	"context"
	"strings"

	"github.com/manoj0727/Wi-fi-firewall/pkg/events"
	"github.com/manoj0727/Wi-fi-firewall/pkg/pattern"
	"github.com/manoj0727/Wi-fi-firewall/pkg/rules"
	"github.com/manoj0727/Wi-fi-firewall/pkg/stats"
	"github.com/manoj0727/Wi-fi-firewall/pkg/storage"
)

// AddBlockedDomain blocks domain and every name containing it. Patterns
// containing '*' become block wildcards.
func (p *Pipeline) AddBlockedDomain(ctx context.Context, domain string) (*rules.Snapshot, error) {
	snap, err := p.store.AddBlocked(domain)
	if err != nil {
		return nil, err
	}
	p.persist("add blocked domain", func(r RulePersister) error {
		return r.AddDomain(ctx, storage.ListBlocked, pattern.Normalize(domain))
	})
	p.afterMutation()
	return snap, nil
}

// RemoveBlockedDomain removes domain from the block set.
func (p *Pipeline) RemoveBlockedDomain(ctx context.Context, domain string) (*rules.Snapshot, error) {
	snap, err := p.store.RemoveBlocked(domain)
	if err != nil {
		return nil, err
	}
	p.persist("remove blocked domain", func(r RulePersister) error {
		return r.RemoveDomain(ctx, storage.ListBlocked, pattern.Normalize(domain))
	})
	p.afterMutation()
	return snap, nil
}

// AddAllowedDomain adds domain to the allow set. It only affects
// evaluation in whitelist mode, or as an allow wildcard.
func (p *Pipeline) AddAllowedDomain(ctx context.Context, domain string) (*rules.Snapshot, error) {
	snap, err := p.store.AddAllowed(domain)
	if err != nil {
		return nil, err
	}
	p.persist("add allowed domain", func(r RulePersister) error {
		return r.AddDomain(ctx, storage.ListAllowed, pattern.Normalize(domain))
	})
	p.afterMutation()
	return snap, nil
}

// RemoveAllowedDomain removes domain from the allow set.
func (p *Pipeline) RemoveAllowedDomain(ctx context.Context, domain string) (*rules.Snapshot, error) {
	snap, err := p.store.RemoveAllowed(domain)
	if err != nil {
		return nil, err
	}
	p.persist("remove allowed domain", func(r RulePersister) error {
		return r.RemoveDomain(ctx, storage.ListAllowed, pattern.Normalize(domain))
	})
	p.afterMutation()
	return snap, nil
}

// ToggleCategory flips whether the named category is active.
func (p *Pipeline) ToggleCategory(ctx context.Context, name string) (*rules.Snapshot, error) {
	name = strings.TrimSpace(name)
	snap, err := p.store.ToggleCategory(name)
	if err != nil {
		return nil, err
	}
	active := snap.CategoryActive(name)
	p.persist("toggle category", func(r RulePersister) error {
		return r.SetCategoryEnabled(ctx, name, active)
	})
	p.afterMutation()
	return snap, nil
}

// SetMode switches between blacklist and whitelist evaluation.
func (p *Pipeline) SetMode(ctx context.Context, mode string) (*rules.Snapshot, error) {
	snap, err := p.store.SetMode(mode)
	if err != nil {
		return nil, err
	}
	p.persist("set mode", func(r RulePersister) error {
		return r.SetSetting(ctx, rules.ModeSettingKey, string(snap.Mode()))
	})
	p.afterMutation()
	return snap, nil
}

// ClearStats resets counters, top tables and history. Device names are kept.
func (p *Pipeline) ClearStats() stats.Snapshot {
	snap := p.stats.Clear()
	p.events.Publish(events.TopicStatsUpdate, p.sanitizeSnapshot(snap))
	p.logger.Info("Statistics cleared")
	return snap
}

// TestDomain evaluates domain against the current rules. It bypasses the
// cache and records nothing.
func (p *Pipeline) TestDomain(domain string) rules.Verdict {
	return rules.Evaluate(domain, p.store.Snapshot())
}

// Rules returns the current policy and its version.
func (p *Pipeline) Rules() RulesUpdate {
	snap := p.store.Snapshot()
	return RulesUpdate{Version: snap.Version(), Policy: snap.Policy()}
}

// persist writes a mutation through to the repository. Failures are logged
// and otherwise ignored: the in-memory rules stay authoritative until the
// next sync.
func (p *Pipeline) persist(op string, write func(RulePersister) error) {
	if p.persister == nil {
		return
	}
	if err := write(p.persister); err != nil {
		p.logger.Warn("Failed to persist rule change", "op", op, "error", err)
	}
}

// afterMutation broadcasts fresh statistics. The rules-update event and
// cache invalidation already ran inside the store listener.
func (p *Pipeline) afterMutation() {
	p.events.Publish(events.TopicStatsUpdate, p.PublicStats())
}
