// Package ratelimit throttles DNS queries per device with token buckets.
package ratelimit

import (
	"net/netip"
	"sync"
	"time"

	"github.com/manoj0727/Wi-fi-firewall/pkg/config"
	"github.com/manoj0727/Wi-fi-firewall/pkg/logging"

	"golang.org/x/time/rate"
)

// Limiter keeps one token bucket per client address. A nil *Limiter allows
// everything, so callers can hold one unconditionally.
type Limiter struct {
	cfg       *config.RateLimitConfig
	logger    *logging.Logger
	overrides []override
	byClient  map[string]int // client IP -> index into overrides

	mu      sync.Mutex
	clients map[string]*bucket

	stopCh   chan struct{}
	stopOnce sync.Once
	now      func() time.Time
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
	label    string
}

type override struct {
	name  string
	cidrs []netip.Prefix
	limit rate.Limit
	burst int
}

// New returns a limiter, or nil when rate limiting is disabled.
func New(cfg *config.RateLimitConfig, logger *logging.Logger) *Limiter {
	if cfg == nil || !cfg.Enabled {
		return nil
	}
	if logger == nil {
		logger = logging.NewDefault()
	}

	l := &Limiter{
		cfg:      cfg,
		logger:   logger,
		byClient: make(map[string]int),
		clients:  make(map[string]*bucket, 128),
		stopCh:   make(chan struct{}),
		now:      time.Now,
	}
	l.parseOverrides()

	if cfg.CleanupInterval > 0 {
		go l.cleanupLoop()
	}
	return l
}

// Allow takes one token from clientIP's bucket. It reports false when the
// bucket is empty.
func (l *Limiter) Allow(clientIP string) bool {
	if l == nil || clientIP == "" {
		return true
	}

	l.mu.Lock()
	b := l.bucketLocked(clientIP)
	b.lastSeen = l.now()
	l.mu.Unlock()

	if b.limiter.Allow() {
		return true
	}
	if l.cfg.LogViolations {
		l.logger.Warn("Client exceeded query rate", "client", clientIP, "limit", b.label)
	}
	return false
}

// Tracked returns how many clients currently hold a bucket.
func (l *Limiter) Tracked() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.clients)
}

// Stop ends the cleanup goroutine.
func (l *Limiter) Stop() {
	if l == nil {
		return
	}
	l.stopOnce.Do(func() { close(l.stopCh) })
}

func (l *Limiter) cleanupLoop() {
	ticker := time.NewTicker(l.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.cleanup()
		case <-l.stopCh:
			return
		}
	}
}

// cleanup forgets clients idle for longer than the cleanup interval.
func (l *Limiter) cleanup() {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()

	for ip, b := range l.clients {
		if now.Sub(b.lastSeen) > l.cfg.CleanupInterval {
			delete(l.clients, ip)
		}
	}
}

func (l *Limiter) bucketLocked(clientIP string) *bucket {
	if b, ok := l.clients[clientIP]; ok {
		return b
	}

	if l.cfg.MaxTrackedClients > 0 && len(l.clients) >= l.cfg.MaxTrackedClients {
		l.evictOldestLocked()
	}

	limit, burst, label := rate.Limit(l.cfg.RequestsPerSecond), l.cfg.Burst, "global"
	if ov := l.overrideFor(clientIP); ov != nil {
		limit, burst, label = ov.limit, ov.burst, ov.name
	}

	b := &bucket{
		limiter:  rate.NewLimiter(limit, burst),
		lastSeen: l.now(),
		label:    label,
	}
	l.clients[clientIP] = b
	return b
}

func (l *Limiter) evictOldestLocked() {
	var oldestIP string
	var oldest time.Time

	for ip, b := range l.clients {
		if oldestIP == "" || b.lastSeen.Before(oldest) {
			oldestIP = ip
			oldest = b.lastSeen
		}
	}
	delete(l.clients, oldestIP)
}

func (l *Limiter) overrideFor(clientIP string) *override {
	if idx, ok := l.byClient[clientIP]; ok {
		return &l.overrides[idx]
	}

	addr, err := netip.ParseAddr(clientIP)
	if err != nil {
		return nil
	}
	for i := range l.overrides {
		for _, prefix := range l.overrides[i].cidrs {
			if prefix.Contains(addr) {
				return &l.overrides[i]
			}
		}
	}
	return nil
}

func (l *Limiter) parseOverrides() {
	for _, ov := range l.cfg.Overrides {
		o := override{
			name:  ov.Name,
			limit: rate.Limit(l.cfg.RequestsPerSecond),
			burst: l.cfg.Burst,
		}
		if o.name == "" {
			o.name = "override"
		}
		if ov.RequestsPerSecond != nil {
			o.limit = rate.Limit(*ov.RequestsPerSecond)
		}
		if ov.Burst != nil {
			o.burst = *ov.Burst
		}

		for _, cidr := range ov.CIDRs {
			prefix, err := netip.ParsePrefix(cidr)
			if err != nil {
				l.logger.Warn("Invalid rate limit override CIDR", "override", o.name, "value", cidr, "error", err)
				continue
			}
			o.cidrs = append(o.cidrs, prefix)
		}

		if len(ov.Clients) == 0 && len(o.cidrs) == 0 {
			continue
		}

		idx := len(l.overrides)
		l.overrides = append(l.overrides, o)
		for _, ip := range ov.Clients {
			l.byClient[ip] = idx
		}
	}
}
