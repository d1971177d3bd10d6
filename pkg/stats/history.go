package stats

// ring is a fixed-capacity buffer of events. Once full, each push
// overwrites the oldest entry.
type ring struct {
	entries  []Event
	capacity int
	head     int
	count    int
}

func newRing(capacity int) *ring {
	if capacity <= 0 {
		capacity = 1000
	}
	return &ring{
		entries:  make([]Event, capacity),
		capacity: capacity,
	}
}

func (r *ring) push(e Event) {
	r.entries[r.head] = e
	r.head = (r.head + 1) % r.capacity
	if r.count < r.capacity {
		r.count++
	}
}

// page returns up to limit entries newest first, skipping the newest offset.
// A non-positive limit means everything after offset.
func (r *ring) page(limit, offset int) []Event {
	if offset < 0 {
		offset = 0
	}
	if offset >= r.count {
		return []Event{}
	}
	n := r.count - offset
	if limit > 0 && limit < n {
		n = limit
	}

	out := make([]Event, n)
	for i := 0; i < n; i++ {
		idx := (r.head - 1 - offset - i + 2*r.capacity) % r.capacity
		out[i] = r.entries[idx]
	}
	return out
}

func (r *ring) len() int { return r.count }

func (r *ring) reset() {
	clear(r.entries)
	r.head = 0
	r.count = 0
}
