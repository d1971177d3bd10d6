package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/manoj0727/Wi-fi-firewall/pkg/config"
	"github.com/manoj0727/Wi-fi-firewall/pkg/logging"
	"github.com/manoj0727/Wi-fi-firewall/pkg/rules"
)

func testLogger(t *testing.T) *logging.Logger {
	cfg := &config.LoggingConfig{
		Level:  "debug",
		Format: "text",
		Output: "stdout",
	}
	logger, err := logging.New(cfg)
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	return logger
}

func testCacheConfig() *config.CacheConfig {
	return &config.CacheConfig{
		Enabled:    true,
		MaxEntries: 100,
		TTL:        300 * time.Second,
	}
}

func newTestCache(t *testing.T, cfg *config.CacheConfig, backend Backend) *Cache {
	t.Helper()
	c, err := New(cfg, backend, testLogger(t), nil)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	c.InvalidateAll(1, "p1")
	t.Cleanup(func() { _ = c.Close() })
	return c
}

var blocked = rules.Verdict{Blocked: true, Rule: "ads.com", Source: rules.SourceExplicitBlock}

func TestNew(t *testing.T) {
	tests := []struct {
		cfg     *config.CacheConfig
		name    string
		wantErr bool
	}{
		{name: "valid", cfg: testCacheConfig()},
		{name: "nil config", cfg: nil, wantErr: true},
		{name: "zero entries", cfg: &config.CacheConfig{Enabled: true, TTL: time.Second}, wantErr: true},
		{name: "zero ttl", cfg: &config.CacheConfig{Enabled: true, MaxEntries: 10}, wantErr: true},
		{name: "disabled ignores bounds", cfg: &config.CacheConfig{Enabled: false}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg, nil, testLogger(t), nil)
			if (err != nil) != tt.wantErr {
				t.Errorf("New() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}

	if _, err := New(testCacheConfig(), nil, nil, nil); err == nil {
		t.Error("New() should reject a nil logger")
	}
}

func TestLookupAndStore(t *testing.T) {
	c := newTestCache(t, testCacheConfig(), nil)
	ctx := context.Background()

	if _, ok := c.Lookup(ctx, "ads.com"); ok {
		t.Fatal("expected miss on empty cache")
	}

	c.Store(ctx, "ADS.com.", blocked, 1)

	v, ok := c.Lookup(ctx, "ads.com")
	if !ok {
		t.Fatal("expected hit after Store")
	}
	if v != blocked {
		t.Errorf("Lookup() = %+v, want %+v", v, blocked)
	}

	stats := c.Stats()
	if stats.Hits != 1 || stats.Misses != 1 || stats.Sets != 1 {
		t.Errorf("unexpected stats: %+v", stats)
	}
	if stats.HitRate != 0.5 {
		t.Errorf("HitRate = %v, want 0.5", stats.HitRate)
	}
}

func TestDisabledCache(t *testing.T) {
	c := newTestCache(t, &config.CacheConfig{Enabled: false}, nil)
	ctx := context.Background()

	c.Store(ctx, "ads.com", blocked, 1)
	if _, ok := c.Lookup(ctx, "ads.com"); ok {
		t.Error("disabled cache returned a hit")
	}
	if c.Len() != 0 {
		t.Errorf("disabled cache holds %d entries", c.Len())
	}
}

func TestFIFOEviction(t *testing.T) {
	cfg := testCacheConfig()
	cfg.MaxEntries = 10000
	c := newTestCache(t, cfg, nil)
	ctx := context.Background()

	for i := 0; i < 10000; i++ {
		c.Store(ctx, fmt.Sprintf("d%d.com", i), rules.Verdict{}, 1)
	}
	if c.Len() != 10000 {
		t.Fatalf("Len() = %d, want 10000", c.Len())
	}

	// Reading the oldest entry does not protect it
	if _, ok := c.Lookup(ctx, "d0.com"); !ok {
		t.Fatal("d0.com should still be cached")
	}

	c.Store(ctx, "d10000.com", rules.Verdict{}, 1)

	if c.Len() != 10000 {
		t.Errorf("Len() = %d after overflow, want 10000", c.Len())
	}
	if _, ok := c.Lookup(ctx, "d0.com"); ok {
		t.Error("first-inserted key should have been evicted")
	}
	for _, d := range []string{"d1.com", "d9999.com", "d10000.com"} {
		if _, ok := c.Lookup(ctx, d); !ok {
			t.Errorf("%s should still be cached", d)
		}
	}
	if c.Stats().Evictions != 1 {
		t.Errorf("Evictions = %d, want 1", c.Stats().Evictions)
	}
}

func TestRestoreKeepsEvictionOrder(t *testing.T) {
	cfg := testCacheConfig()
	cfg.MaxEntries = 2
	c := newTestCache(t, cfg, nil)
	ctx := context.Background()

	c.Store(ctx, "a.com", rules.Verdict{}, 1)
	c.Store(ctx, "b.com", rules.Verdict{}, 1)
	c.Store(ctx, "a.com", blocked, 1)
	c.Store(ctx, "c.com", rules.Verdict{}, 1)

	if _, ok := c.Lookup(ctx, "a.com"); ok {
		t.Error("a.com was inserted first and should be evicted even after an update")
	}
	if _, ok := c.Lookup(ctx, "b.com"); !ok {
		t.Error("b.com should remain")
	}
}

func TestExpiry(t *testing.T) {
	c := newTestCache(t, testCacheConfig(), nil)
	ctx := context.Background()

	now := time.Now()
	c.now = func() time.Time { return now }
	c.Store(ctx, "ads.com", blocked, 1)

	c.now = func() time.Time { return now.Add(299 * time.Second) }
	if _, ok := c.Lookup(ctx, "ads.com"); !ok {
		t.Fatal("entry should be valid before ttl")
	}

	c.now = func() time.Time { return now.Add(300 * time.Second) }
	if _, ok := c.Lookup(ctx, "ads.com"); ok {
		t.Fatal("entry should expire at ttl")
	}
	if c.Len() != 0 {
		t.Errorf("expired entry not removed, Len() = %d", c.Len())
	}
}

func TestInvalidateAll(t *testing.T) {
	c := newTestCache(t, testCacheConfig(), nil)
	ctx := context.Background()

	c.Store(ctx, "ads.com", blocked, 1)
	c.InvalidateAll(2, "p2")

	if _, ok := c.Lookup(ctx, "ads.com"); ok {
		t.Error("entry survived invalidation")
	}
	if c.Generation() != 2 {
		t.Errorf("Generation() = %d, want 2", c.Generation())
	}
}

func TestStaleGenerationWriteDiscarded(t *testing.T) {
	c := newTestCache(t, testCacheConfig(), nil)
	ctx := context.Background()

	// Verdict computed against version 1, rules changed before it was stored
	c.InvalidateAll(2, "p2")
	c.Store(ctx, "ads.com", blocked, 1)

	if _, ok := c.Lookup(ctx, "ads.com"); ok {
		t.Error("late write from a superseded generation was served")
	}
	if c.Stats().Discarded != 1 {
		t.Errorf("Discarded = %d, want 1", c.Stats().Discarded)
	}
}

func TestDecideSharesComputation(t *testing.T) {
	c := newTestCache(t, testCacheConfig(), nil)
	ctx := context.Background()

	var computes atomic.Int32
	release := make(chan struct{})
	compute := func() rules.Verdict {
		computes.Add(1)
		<-release
		return blocked
	}

	const callers = 10
	var wg sync.WaitGroup
	results := make([]rules.Verdict, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _ = c.Decide(ctx, "ads.com", 1, compute)
		}(i)
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	for i, v := range results {
		if v != blocked {
			t.Errorf("caller %d got %+v", i, v)
		}
	}
	if n := computes.Load(); n < 1 || n >= callers {
		t.Errorf("compute ran %d times for %d concurrent callers", n, callers)
	}

	v, cached := c.Decide(ctx, "ads.com", 1, func() rules.Verdict {
		t.Error("compute called on a cached domain")
		return rules.Verdict{}
	})
	if !cached || v != blocked {
		t.Errorf("Decide() = %+v, cached=%v", v, cached)
	}
}

// memBackend is an in-process Backend
type memBackend struct {
	mu         sync.Mutex
	data       map[string]Entry
	flushes    int
	err        error
	flushDelay time.Duration
}

func newMemBackend() *memBackend {
	return &memBackend{data: make(map[string]Entry)}
}

func (m *memBackend) Name() string { return "mem" }

func (m *memBackend) Get(ctx context.Context, domain string) (Entry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return Entry{}, false, m.err
	}
	e, ok := m.data[domain]
	return e, ok, nil
}

func (m *memBackend) Set(ctx context.Context, domain string, e Entry, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.data[domain] = e
	return nil
}

func (m *memBackend) Flush(ctx context.Context) error {
	time.Sleep(m.flushDelay)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flushes++
	if m.err != nil {
		return m.err
	}
	m.data = make(map[string]Entry)
	return nil
}

func (m *memBackend) Close() error { return nil }

func (m *memBackend) entry(domain string) (Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.data[domain]
	return e, ok
}

func TestBackendPopulatedAndConsulted(t *testing.T) {
	backend := newMemBackend()
	c := newTestCache(t, testCacheConfig(), backend)
	ctx := context.Background()

	c.Store(ctx, "ads.com", blocked, 1)
	c.pending.Wait()

	e, ok := backend.entry("ads.com")
	if !ok || e.Policy != "p1" || e.Verdict != blocked {
		t.Fatalf("backend entry = %+v, %v", e, ok)
	}

	// A second instance sharing the backend gets the verdict without computing
	other, err := New(testCacheConfig(), backend, testLogger(t), nil)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	other.generation = 1
	other.policy = "p1"
	v, ok := other.Lookup(ctx, "ads.com")
	if !ok || v != blocked {
		t.Errorf("Lookup() via backend = %+v, %v", v, ok)
	}
	if other.Len() != 1 {
		t.Errorf("backend hit should populate local tier, Len() = %d", other.Len())
	}
}

func TestBackendPolicyMismatchIsMiss(t *testing.T) {
	backend := newMemBackend()
	backend.data["ads.com"] = Entry{Verdict: blocked, Policy: "p7"}

	c := newTestCache(t, testCacheConfig(), backend)
	if _, ok := c.Lookup(context.Background(), "ads.com"); ok {
		t.Error("entry from another generation was served")
	}
}

func TestBackendWritesFollowFlush(t *testing.T) {
	backend := newMemBackend()
	backend.flushDelay = 20 * time.Millisecond
	c := newTestCache(t, testCacheConfig(), backend)
	ctx := context.Background()

	// The flush for generation 2 is still running when its first fills land
	c.InvalidateAll(2, "p2")
	for i := 0; i < 5; i++ {
		c.Store(ctx, fmt.Sprintf("d%d.com", i), blocked, 2)
	}
	c.pending.Wait()

	for i := 0; i < 5; i++ {
		d := fmt.Sprintf("d%d.com", i)
		if e, ok := backend.entry(d); !ok || e.Policy != "p2" {
			t.Errorf("backend entry for %s = %+v, %v; flush overtook the write", d, e, ok)
		}
	}
}

func TestBackendSharedAcrossInstancesByPolicy(t *testing.T) {
	backend := newMemBackend()
	ctx := context.Background()

	a := newTestCache(t, testCacheConfig(), backend)
	a.Store(ctx, "ads.com", blocked, 1)
	a.pending.Wait()

	// Same counter value, different rule set
	b, err := New(testCacheConfig(), backend, testLogger(t), nil)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })
	b.generation, b.policy = 1, "other-rules"
	if _, ok := b.Lookup(ctx, "ads.com"); ok {
		t.Error("verdict from a different rule set was served")
	}

	// Different counter value, same rule set
	b.generation, b.policy = 9, "p1"
	if v, ok := b.Lookup(ctx, "ads.com"); !ok || v != blocked {
		t.Errorf("Lookup() for identical rules = %+v, %v", v, ok)
	}
}

func TestBackendQueueFullSheds(t *testing.T) {
	backend := newMemBackend()
	backend.flushDelay = 50 * time.Millisecond
	c := newTestCache(t, testCacheConfig(), backend)
	ctx := context.Background()

	for i := 0; i < backendQueueSize+10; i++ {
		c.Store(ctx, fmt.Sprintf("d%d.com", i%50), blocked, 1)
	}
	c.pending.Wait()

	if c.Stats().Dropped == 0 {
		t.Error("expected backend writes to be shed once the queue is full")
	}
	if _, ok := c.Lookup(ctx, "d1.com"); !ok {
		t.Error("local tier must keep serving while the backend lags")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	c, err := New(testCacheConfig(), newMemBackend(), testLogger(t), nil)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	c.InvalidateAll(1, "p1")
	c.Store(context.Background(), "ads.com", blocked, 1)

	if err := c.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := c.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
	// Writes after close stay local
	c.InvalidateAll(2, "p2")
	c.Store(context.Background(), "ads.com", blocked, 2)
}

func TestBackendFlushedOnInvalidate(t *testing.T) {
	backend := newMemBackend()
	c := newTestCache(t, testCacheConfig(), backend)
	c.pending.Wait()
	before := backend.flushes

	c.InvalidateAll(5, "p5")
	c.pending.Wait()

	if backend.flushes != before+1 {
		t.Errorf("flushes = %d, want %d", backend.flushes, before+1)
	}
}

func TestBackendErrorsFailOpen(t *testing.T) {
	backend := newMemBackend()
	backend.err = errors.New("connection refused")
	c := newTestCache(t, testCacheConfig(), backend)
	ctx := context.Background()

	if _, ok := c.Lookup(ctx, "ads.com"); ok {
		t.Fatal("unexpected hit")
	}

	c.Store(ctx, "ads.com", blocked, 1)
	v, ok := c.Lookup(ctx, "ads.com")
	if !ok || v != blocked {
		t.Errorf("local tier should keep working, got %+v, %v", v, ok)
	}
	c.InvalidateAll(2, "p2")
}

func TestConcurrentAccess(t *testing.T) {
	c := newTestCache(t, testCacheConfig(), nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				d := fmt.Sprintf("d%d.com", j%150)
				c.Store(ctx, d, rules.Verdict{Blocked: j%2 == 0}, c.Generation())
				c.Lookup(ctx, d)
				if j%50 == 0 {
					next := c.Generation() + 1
					c.InvalidateAll(next, fmt.Sprintf("p%d", next))
				}
			}
		}(i)
	}
	wg.Wait()

	if c.Len() > 100 {
		t.Errorf("Len() = %d exceeds capacity", c.Len())
	}
}
