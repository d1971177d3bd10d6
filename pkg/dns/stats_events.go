package dns

import (
	"time"

	"github.com/manoj0727/Wi-fi-firewall/pkg/events"
	"github.com/manoj0727/Wi-fi-firewall/pkg/stats"
)

// PublicStats returns the statistics snapshot as observers may see it,
// with device addresses, activity and top-table domains passed through the
// sanitizer.
func (p *Pipeline) PublicStats() stats.Snapshot {
	return p.sanitizeSnapshot(p.stats.Snapshot())
}

// sanitizeSnapshot rewrites snap in place. Snapshots are copies, so nothing
// shared with the aggregator changes. History is sanitized when recorded.
func (p *Pipeline) sanitizeSnapshot(snap stats.Snapshot) stats.Snapshot {
	if _, ok := p.sanitizer.(passthrough); ok {
		return snap
	}

	for i := range snap.Devices {
		dev := &snap.Devices[i]
		ip := dev.IP
		dev.IP = p.sanitizer.SanitizeQuery(stats.Event{ClientIP: ip}).ClientIP
		if dev.IP != ip {
			// Default names embed the address
			dev.Name = ""
		}
		for j := range dev.RecentActivity {
			a := &dev.RecentActivity[j]
			a.Domain = p.sanitizer.SanitizeQuery(stats.Event{Domain: a.Domain, ClientIP: ip}).Domain
		}
	}

	snap.TopBlocked = p.sanitizeTable(snap.TopBlocked)
	snap.TopAllowed = p.sanitizeTable(snap.TopAllowed)
	return snap
}

func (p *Pipeline) sanitizeTable(rows []stats.DomainCount) []stats.DomainCount {
	for i := range rows {
		rows[i].Domain = p.sanitizer.SanitizeQuery(stats.Event{Domain: rows[i].Domain}).Domain
	}
	return rows
}

// publishStats emits stats-update at most once per broadcast interval. The
// first update in a quiet period goes out at once; later ones inside the
// interval fold into a single trailing update.
func (p *Pipeline) publishStats() {
	if p.statsInterval <= 0 {
		p.events.Publish(events.TopicStatsUpdate, p.PublicStats())
		return
	}

	p.statsMu.Lock()
	now := time.Now()
	if wait := p.statsInterval - now.Sub(p.statsLast); wait > 0 {
		if !p.statsPending {
			p.statsPending = true
			time.AfterFunc(wait, p.flushStats)
		}
		p.statsMu.Unlock()
		return
	}
	p.statsLast = now
	p.statsMu.Unlock()

	p.events.Publish(events.TopicStatsUpdate, p.PublicStats())
}

func (p *Pipeline) flushStats() {
	p.statsMu.Lock()
	p.statsPending = false
	p.statsLast = time.Now()
	p.statsMu.Unlock()

	p.events.Publish(events.TopicStatsUpdate, p.PublicStats())
}
