package stats

import "sort"

// counter tracks per-domain frequencies and keeps the top table current on
// every increment, so reading it never sorts the full domain set.
//
// Once more than maxTracked domains are held, the lower-ranked half of the
// domains outside the table is forgotten. A forgotten domain that shows up
// again starts from zero with a new first-seen position.
type counter struct {
	limit      int
	maxTracked int
	seq        uint64
	counts     map[string]*domainCount
	top        []string // best first, at most limit entries
}

type domainCount struct {
	count uint64
	seq   uint64 // first-seen position, breaks ties
}

func newCounter(limit, maxTracked int) *counter {
	if maxTracked < 2*limit {
		maxTracked = 2 * limit
	}
	return &counter{
		limit:      limit,
		maxTracked: maxTracked,
		counts:     make(map[string]*domainCount),
		top:        make([]string, 0, limit),
	}
}

// ranksAbove reports whether a sorts before b: higher count first, then
// earlier first sighting.
func (c *counter) ranksAbove(a, b string) bool {
	ca, cb := c.counts[a], c.counts[b]
	if ca.count != cb.count {
		return ca.count > cb.count
	}
	return ca.seq < cb.seq
}

func (c *counter) inc(domain string) {
	dc, ok := c.counts[domain]
	if !ok {
		c.seq++
		dc = &domainCount{seq: c.seq}
		c.counts[domain] = dc
	}
	dc.count++
	c.promote(domain)

	if len(c.counts) > c.maxTracked {
		c.prune()
	}
}

// promote moves domain to its place in the top table after its count grew.
// Counts only increase, so a domain outside the table can only enter by
// overtaking the last entry.
func (c *counter) promote(domain string) {
	i := -1
	for j, d := range c.top {
		if d == domain {
			i = j
			break
		}
	}

	if i < 0 {
		switch {
		case len(c.top) < c.limit:
			c.top = append(c.top, domain)
		case c.ranksAbove(domain, c.top[len(c.top)-1]):
			c.top[len(c.top)-1] = domain
		default:
			return
		}
		i = len(c.top) - 1
	}

	for i > 0 && c.ranksAbove(c.top[i], c.top[i-1]) {
		c.top[i], c.top[i-1] = c.top[i-1], c.top[i]
		i--
	}
}

func (c *counter) prune() {
	inTop := make(map[string]struct{}, len(c.top))
	for _, d := range c.top {
		inTop[d] = struct{}{}
	}

	rest := make([]string, 0, len(c.counts)-len(c.top))
	for d := range c.counts {
		if _, ok := inTop[d]; !ok {
			rest = append(rest, d)
		}
	}
	sort.Slice(rest, func(i, j int) bool { return c.ranksAbove(rest[i], rest[j]) })

	keep := c.maxTracked/2 - len(c.top)
	if keep < 0 {
		keep = 0
	}
	for _, d := range rest[min(keep, len(rest)):] {
		delete(c.counts, d)
	}
}

// table returns a copy of the top table.
func (c *counter) table() []DomainCount {
	rows := make([]DomainCount, len(c.top))
	for i, d := range c.top {
		rows[i] = DomainCount{Domain: d, Count: c.counts[d].count}
	}
	return rows
}

func (c *counter) tracked() int { return len(c.counts) }
