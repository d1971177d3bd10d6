package cache

import (
	"container/list"
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/manoj0727/Wi-fi-firewall/pkg/config"
	"github.com/manoj0727/Wi-fi-firewall/pkg/logging"
	"github.com/manoj0727/Wi-fi-firewall/pkg/pattern"
	"github.com/manoj0727/Wi-fi-firewall/pkg/rules"
	"github.com/manoj0727/Wi-fi-firewall/pkg/telemetry"

	"golang.org/x/sync/singleflight"
)

const (
	backendTimeout   = 2 * time.Second
	backendQueueSize = 1024
)

// Cache memoizes domain verdicts for one rule generation.
//
// Eviction is first-in first-out: when full, the entry inserted earliest is
// dropped regardless of how recently it was read. Every entry belongs to
// the generation current when it was stored; InvalidateAll starts a new
// generation and Store discards verdicts computed against any other.
//
// Backend writes and flushes run on one worker in submission order, so a
// flush never overtakes or trails the writes around it.
type Cache struct {
	logger  *logging.Logger
	metrics *telemetry.Metrics
	backend Backend

	enabled    bool
	maxEntries int
	ttl        time.Duration
	now        func() time.Time

	mu         sync.Mutex
	entries    map[string]*list.Element
	order      *list.List // front is oldest
	generation uint64
	policy     string // fingerprint of the generation's rule set
	stats      cacheStats
	closed     bool

	flight singleflight.Group

	ops       chan func(ctx context.Context)
	opsDone   chan struct{}
	pending   sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

type cacheEntry struct {
	domain    string
	verdict   rules.Verdict
	expiresAt time.Time
}

type cacheStats struct {
	hits      uint64
	misses    uint64
	evictions uint64
	sets      uint64
	discarded uint64
	dropped   uint64
}

// Stats returns a copy of the current cache statistics
type Stats struct {
	Hits       uint64  `json:"hits"`
	Misses     uint64  `json:"misses"`
	Entries    int     `json:"entries"`
	Evictions  uint64  `json:"evictions"`
	Sets       uint64  `json:"sets"`
	Discarded  uint64  `json:"discarded"`
	Generation uint64  `json:"generation"`
	// backend ops shed on a full queue
	Dropped    uint64  `json:"backend_dropped"`
	HitRate    float64 `json:"hit_rate"` // hits / (hits + misses)
}

// New creates a decision cache. A nil backend means local-only.
func New(cfg *config.CacheConfig, backend Backend, logger *logging.Logger, metrics *telemetry.Metrics) (*Cache, error) {
	if cfg == nil {
		return nil, fmt.Errorf("cache config cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if cfg.Enabled && cfg.MaxEntries <= 0 {
		return nil, fmt.Errorf("max_entries must be positive, got %d", cfg.MaxEntries)
	}
	if cfg.Enabled && cfg.TTL <= 0 {
		return nil, fmt.Errorf("ttl must be positive, got %s", cfg.TTL)
	}
	if backend == nil {
		backend = NullBackend{}
	}

	c := &Cache{
		logger:     logger,
		metrics:    metrics,
		backend:    backend,
		enabled:    cfg.Enabled,
		maxEntries: cfg.MaxEntries,
		ttl:        cfg.TTL,
		now:        time.Now,
		entries:    make(map[string]*list.Element),
		order:      list.New(),
	}
	if _, ok := backend.(NullBackend); !ok {
		c.ops = make(chan func(ctx context.Context), backendQueueSize)
		c.opsDone = make(chan struct{})
		go c.runBackend()
	}

	logger.Info("Decision cache initialized",
		"enabled", cfg.Enabled,
		"max_entries", cfg.MaxEntries,
		"ttl", cfg.TTL,
		"backend", backend.Name())

	return c, nil
}

// Lookup returns the cached verdict for domain, consulting the distributed
// tier on a local miss.
func (c *Cache) Lookup(ctx context.Context, domain string) (rules.Verdict, bool) {
	if !c.enabled {
		return rules.Verdict{}, false
	}
	domain = pattern.Normalize(domain)

	c.mu.Lock()
	if el, ok := c.entries[domain]; ok {
		e := el.Value.(*cacheEntry)
		if c.now().Before(e.expiresAt) {
			c.stats.hits++
			c.mu.Unlock()
			c.metrics.RecordCacheHit(ctx)
			return e.verdict, true
		}
		c.order.Remove(el)
		delete(c.entries, domain)
	}
	generation, policy := c.generation, c.policy
	c.mu.Unlock()

	if v, ok := c.lookupBackend(ctx, domain, policy); ok {
		c.mu.Lock()
		if c.generation == generation {
			c.storeLocked(domain, v)
		}
		c.stats.hits++
		c.mu.Unlock()
		c.metrics.RecordCacheHit(ctx)
		return v, true
	}

	c.mu.Lock()
	c.stats.misses++
	c.mu.Unlock()
	c.metrics.RecordCacheMiss(ctx)
	return rules.Verdict{}, false
}

func (c *Cache) lookupBackend(ctx context.Context, domain, policy string) (rules.Verdict, bool) {
	if c.ops == nil || policy == "" {
		return rules.Verdict{}, false
	}
	ctx, cancel := context.WithTimeout(ctx, backendTimeout)
	defer cancel()

	e, ok, err := c.backend.Get(ctx, domain)
	if err != nil {
		c.backendError(ctx, "get", err)
		return rules.Verdict{}, false
	}
	if !ok || e.Policy != policy {
		return rules.Verdict{}, false
	}
	return e.Verdict, true
}

// Store records a verdict computed against rule generation version. The
// write is dropped if the generation has moved on since.
func (c *Cache) Store(ctx context.Context, domain string, v rules.Verdict, version uint64) {
	if !c.enabled {
		return
	}
	domain = pattern.Normalize(domain)

	c.mu.Lock()
	if version != c.generation {
		c.stats.discarded++
		c.mu.Unlock()
		return
	}
	c.storeLocked(domain, v)
	if policy := c.policy; policy != "" {
		c.enqueueLocked(func(ctx context.Context) {
			if err := c.backend.Set(ctx, domain, Entry{Verdict: v, Policy: policy}, c.ttl); err != nil {
				c.backendError(ctx, "set", err)
			}
		})
	}
	c.mu.Unlock()
}

func (c *Cache) storeLocked(domain string, v rules.Verdict) {
	expiresAt := c.now().Add(c.ttl)
	c.stats.sets++

	// Updating an existing key keeps its place in the eviction order
	if el, ok := c.entries[domain]; ok {
		e := el.Value.(*cacheEntry)
		e.verdict = v
		e.expiresAt = expiresAt
		return
	}

	c.entries[domain] = c.order.PushBack(&cacheEntry{
		domain:    domain,
		verdict:   v,
		expiresAt: expiresAt,
	})

	for c.order.Len() > c.maxEntries {
		oldest := c.order.Front()
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*cacheEntry).domain)
		c.stats.evictions++
	}
}

// Decide returns the cached verdict for domain or computes, stores and
// returns a fresh one. Concurrent misses for the same domain and
// generation share one computation.
func (c *Cache) Decide(ctx context.Context, domain string, version uint64, compute func() rules.Verdict) (rules.Verdict, bool) {
	if v, ok := c.Lookup(ctx, domain); ok {
		return v, true
	}

	key := strconv.FormatUint(version, 10) + ":" + pattern.Normalize(domain)
	res, _, _ := c.flight.Do(key, func() (any, error) {
		v := compute()
		c.Store(ctx, domain, v, version)
		return v, nil
	})
	return res.(rules.Verdict), false
}

// InvalidateAll drops every entry and starts generation version for the
// rule set identified by policy.
func (c *Cache) InvalidateAll(version uint64, policy string) {
	c.mu.Lock()
	c.entries = make(map[string]*list.Element)
	c.order.Init()
	c.generation = version
	c.policy = policy
	c.enqueueLocked(func(ctx context.Context) {
		if err := c.backend.Flush(ctx); err != nil {
			c.backendError(ctx, "flush", err)
		}
	})
	c.mu.Unlock()

	c.logger.Debug("Decision cache invalidated", "generation", version)
}

// Len returns the number of cached entries, expired ones included.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Generation returns the current rule generation.
func (c *Cache) Generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation
}

// Stats returns current cache statistics
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Stats{
		Hits:       c.stats.hits,
		Misses:     c.stats.misses,
		Entries:    c.order.Len(),
		Evictions:  c.stats.evictions,
		Sets:       c.stats.sets,
		Discarded:  c.stats.discarded,
		Dropped:    c.stats.dropped,
		Generation: c.generation,
	}
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRate = float64(s.Hits) / float64(total)
	}
	return s
}

// Close drains queued backend calls and closes the backend. It is safe to
// call more than once.
func (c *Cache) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		if c.ops != nil {
			close(c.ops)
		}
		c.mu.Unlock()

		if c.opsDone != nil {
			<-c.opsDone
		}
		c.closeErr = c.backend.Close()
	})
	return c.closeErr
}

// enqueueLocked hands a backend call to the worker without blocking the
// query path. When the queue is full the call is shed; a shed flush only
// leaves entries whose fingerprint no longer matches. Callers hold c.mu,
// which keeps queue order equal to generation order.
func (c *Cache) enqueueLocked(fn func(ctx context.Context)) {
	if c.ops == nil || c.closed {
		return
	}
	c.pending.Add(1)
	select {
	case c.ops <- fn:
	default:
		c.pending.Done()
		c.stats.dropped++
	}
}

func (c *Cache) runBackend() {
	defer close(c.opsDone)
	for fn := range c.ops {
		ctx, cancel := context.WithTimeout(context.Background(), backendTimeout)
		fn(ctx)
		cancel()
		c.pending.Done()
	}
}

func (c *Cache) backendError(ctx context.Context, op string, err error) {
	c.metrics.RecordBackendError(ctx, op)
	c.logger.Debug("Cache backend call failed, continuing local-only",
		"backend", c.backend.Name(),
		"op", op,
		"error", err)
}
