package ratelimit

import (
	"testing"
	"time"

	"github.com/manoj0727/Wi-fi-firewall/pkg/config"
	"github.com/manoj0727/Wi-fi-firewall/pkg/logging"
)

func newLimiter(t *testing.T, cfg *config.RateLimitConfig) *Limiter {
	t.Helper()
	cfg.Enabled = true
	l := New(cfg, logging.NewDefault())
	if l == nil {
		t.Fatal("expected limiter instance")
	}
	t.Cleanup(l.Stop)
	return l
}

func TestLimiterAllow(t *testing.T) {
	l := newLimiter(t, &config.RateLimitConfig{RequestsPerSecond: 1, Burst: 1})

	if !l.Allow("192.168.1.1") {
		t.Fatal("first query should be allowed")
	}
	if l.Allow("192.168.1.1") {
		t.Fatal("second immediate query should be limited")
	}
	if !l.Allow("192.168.1.2") {
		t.Fatal("other devices have their own bucket")
	}
}

func TestLimiterDisabled(t *testing.T) {
	if l := New(&config.RateLimitConfig{Enabled: false}, nil); l != nil {
		t.Fatal("disabled config should yield nil limiter")
	}

	var l *Limiter
	for i := 0; i < 100; i++ {
		if !l.Allow("10.0.0.1") {
			t.Fatal("nil limiter must allow everything")
		}
	}
	if l.Tracked() != 0 {
		t.Fatal("nil limiter tracks nothing")
	}
	l.Stop()
}

func TestLimiterOverrideByClient(t *testing.T) {
	burst := 5
	l := newLimiter(t, &config.RateLimitConfig{
		RequestsPerSecond: 1,
		Burst:             1,
		Overrides: []config.RateLimitOverride{
			{Name: "router", Clients: []string{"192.168.1.1"}, Burst: &burst},
		},
	})

	for i := 0; i < 5; i++ {
		if !l.Allow("192.168.1.1") {
			t.Fatalf("router query %d should be allowed", i)
		}
	}
	if l.Allow("192.168.1.1") {
		t.Fatal("router should be limited after its burst")
	}
}

func TestLimiterOverrideByCIDR(t *testing.T) {
	burst := 3
	l := newLimiter(t, &config.RateLimitConfig{
		RequestsPerSecond: 1,
		Burst:             1,
		Overrides: []config.RateLimitOverride{
			{Name: "guests", CIDRs: []string{"10.10.0.0/16", "not-a-cidr"}, Burst: &burst},
		},
	})

	for i := 0; i < 3; i++ {
		if !l.Allow("10.10.4.2") {
			t.Fatalf("guest query %d should be allowed", i)
		}
	}
	if l.Allow("10.10.4.2") {
		t.Fatal("guest should be limited after its burst")
	}

	if !l.Allow("192.168.1.9") {
		t.Fatal("client outside the CIDR uses the global bucket")
	}
	if l.Allow("192.168.1.9") {
		t.Fatal("global burst of 1 should be exhausted")
	}
}

func TestLimiterEvictsOldest(t *testing.T) {
	l := newLimiter(t, &config.RateLimitConfig{RequestsPerSecond: 10, Burst: 10, MaxTrackedClients: 2})

	now := time.Now()
	l.now = func() time.Time { return now }
	l.Allow("10.0.0.1")
	now = now.Add(time.Second)
	l.Allow("10.0.0.2")
	now = now.Add(time.Second)
	l.Allow("10.0.0.3")

	if got := l.Tracked(); got != 2 {
		t.Fatalf("expected 2 tracked clients, got %d", got)
	}
	l.mu.Lock()
	_, stillThere := l.clients["10.0.0.1"]
	l.mu.Unlock()
	if stillThere {
		t.Fatal("oldest client should have been evicted")
	}
}

func TestLimiterCleanup(t *testing.T) {
	l := newLimiter(t, &config.RateLimitConfig{RequestsPerSecond: 10, Burst: 10, CleanupInterval: time.Minute})

	now := time.Now()
	l.now = func() time.Time { return now }
	l.Allow("10.0.0.1")
	l.Allow("10.0.0.2")

	now = now.Add(30 * time.Second)
	l.Allow("10.0.0.2")

	now = now.Add(45 * time.Second)
	l.cleanup()

	if got := l.Tracked(); got != 1 {
		t.Fatalf("expected only the recently seen client to remain, got %d", got)
	}
}
