// Package dns implements the query decision pipeline: datagram decoding,
// rule evaluation through the decision cache, upstream resolution, answer
// encoding and the side effects that follow each answered query.
package dns

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/manoj0727/Wi-fi-firewall/pkg/cache"
	"github.com/manoj0727/Wi-fi-firewall/pkg/config"
	"github.com/manoj0727/Wi-fi-firewall/pkg/events"
	"github.com/manoj0727/Wi-fi-firewall/pkg/logging"
	"github.com/manoj0727/Wi-fi-firewall/pkg/pattern"
	"github.com/manoj0727/Wi-fi-firewall/pkg/rules"
	"github.com/manoj0727/Wi-fi-firewall/pkg/stats"
	"github.com/manoj0727/Wi-fi-firewall/pkg/storage"
	"github.com/manoj0727/Wi-fi-firewall/pkg/telemetry"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// Resolver looks up the address of an allowed domain. Failures come back as
// the unspecified address.
type Resolver interface {
	Resolve(ctx context.Context, domain string) net.IP
}

// Broadcaster receives real-time events. Publish must not block.
type Broadcaster interface {
	Publish(topic string, data any)
}

// Sanitizer rewrites a query event before it is logged, broadcast or
// persisted.
type Sanitizer interface {
	SanitizeQuery(e stats.Event) stats.Event
}

// RulePersister is the write side of the rule repository.
type RulePersister interface {
	AddDomain(ctx context.Context, list storage.List, domain string) error
	RemoveDomain(ctx context.Context, list storage.List, domain string) error
	SetCategoryEnabled(ctx context.Context, name string, enabled bool) error
	SetSetting(ctx context.Context, key, value string) error
}

// RateLimiter decides whether a client may be answered right now.
type RateLimiter interface {
	Allow(clientIP string) bool
}

// AccessLogger persists sanitized query decisions.
type AccessLogger interface {
	LogAccess(ctx context.Context, entry *storage.AccessLog) error
}

// DeviceActivityEvent is published after each answered query.
type DeviceActivityEvent struct {
	Device   DeviceInfo     `json:"device"`
	Activity stats.Activity `json:"activity"`
	Stats    DeviceCounts   `json:"stats"`
}

// DeviceInfo identifies the device in a DeviceActivityEvent.
type DeviceInfo struct {
	IP     string `json:"ip"`
	Name   string `json:"name"`
	Status string `json:"status"`
}

// DeviceCounts are the device totals in a DeviceActivityEvent.
type DeviceCounts struct {
	Total   uint64 `json:"total"`
	Blocked uint64 `json:"blocked"`
	Allowed uint64 `json:"allowed"`
}

// RulesUpdate is published after every rule store mutation.
type RulesUpdate struct {
	Version uint64       `json:"version"`
	Policy  rules.Policy `json:"policy"`
}

type nopBroadcaster struct{}

func (nopBroadcaster) Publish(string, any) {}

type passthrough struct{}

func (passthrough) SanitizeQuery(e stats.Event) stats.Event { return e }

// Pipeline owns the rule store, decision cache and statistics, and answers
// one datagram at a time. Collaborators are set before serving starts.
type Pipeline struct {
	store     *rules.Store
	decisions *cache.Cache
	resolver  Resolver
	stats     *stats.Aggregator

	events    Broadcaster
	sanitizer Sanitizer
	persister RulePersister
	accessLog AccessLogger
	limiter   RateLimiter

	answerNonA bool
	logQueries bool

	statsInterval time.Duration
	statsMu       sync.Mutex
	statsLast     time.Time
	statsPending  bool

	logger  *logging.Logger
	metrics *telemetry.Metrics
	tracer  trace.Tracer
}

// NewPipeline wires the core components. The cache is invalidated on every
// store mutation from here on.
func NewPipeline(
	cfg *config.Config,
	store *rules.Store,
	decisions *cache.Cache,
	resolver Resolver,
	aggregator *stats.Aggregator,
	logger *logging.Logger,
	metrics *telemetry.Metrics,
) *Pipeline {
	p := &Pipeline{
		store:         store,
		decisions:     decisions,
		resolver:      resolver,
		stats:         aggregator,
		events:        nopBroadcaster{},
		sanitizer:     passthrough{},
		answerNonA:    cfg.Server.AnswerNonA,
		logQueries:    cfg.Storage.Enabled && cfg.Storage.LogQueries,
		statsInterval: cfg.Stats.BroadcastInterval,
		logger:        logger,
		metrics:       metrics,
		tracer:        tracenoop.NewTracerProvider().Tracer(""),
	}

	// Align the cache generation with the store before the first query
	snap := store.Snapshot()
	decisions.InvalidateAll(snap.Version(), snap.Fingerprint())
	store.OnChange(p.onRulesChanged)

	return p
}

// dropMalformed counts a query that failed to parse. It never gets a reply.
func (p *Pipeline) dropMalformed(ctx context.Context, clientIP string, err error) {
	p.stats.RecordParseError()
	if p.metrics != nil {
		p.metrics.ParseErrors.Add(ctx, 1)
	}
	p.logger.Debug("Dropping malformed query", "client", clientIP, "error", err)
}

// SetBroadcaster sets the real-time event sink
func (p *Pipeline) SetBroadcaster(b Broadcaster) {
	if b == nil {
		b = nopBroadcaster{}
	}
	p.events = b
}

// SetSanitizer sets the privacy filter applied to outgoing query events
func (p *Pipeline) SetSanitizer(s Sanitizer) {
	if s == nil {
		s = passthrough{}
	}
	p.sanitizer = s
}

// SetPersister sets the rule repository used to persist admin mutations
func (p *Pipeline) SetPersister(r RulePersister) {
	p.persister = r
}

// SetAccessLogger sets the access log sink
func (p *Pipeline) SetAccessLogger(a AccessLogger) {
	p.accessLog = a
}

// SetLimiter sets the per-client rate limiter checked before decoding
func (p *Pipeline) SetLimiter(l RateLimiter) {
	p.limiter = l
}

// SetTracer sets the tracer used for per-query spans
func (p *Pipeline) SetTracer(t trace.Tracer) {
	if t != nil {
		p.tracer = t
	}
}

// Store returns the rule store.
func (p *Pipeline) Store() *rules.Store { return p.store }

// Stats returns the statistics aggregator.
func (p *Pipeline) Stats() *stats.Aggregator { return p.stats }

// Cache returns the decision cache.
func (p *Pipeline) Cache() *cache.Cache { return p.decisions }

// onRulesChanged runs synchronously inside every store mutation.
func (p *Pipeline) onRulesChanged(snap *rules.Snapshot) {
	p.decisions.InvalidateAll(snap.Version(), snap.Fingerprint())
	p.events.Publish(events.TopicRulesUpdate, RulesUpdate{
		Version: snap.Version(),
		Policy:  snap.Policy(),
	})
}

// Decide returns the verdict for domain and whether it came from the cache.
func (p *Pipeline) Decide(ctx context.Context, domain string) (rules.Verdict, bool) {
	domain = pattern.Normalize(domain)
	snap := p.store.Snapshot()
	return p.decisions.Decide(ctx, domain, snap.Version(), func() rules.Verdict {
		return rules.Evaluate(domain, snap)
	})
}

// HandlePacket answers one raw DNS datagram from clientIP. The second result
// is false when no reply must be sent: a rate-limited client, malformed
// input, or a non-A question while non-A answers are disabled.
func (p *Pipeline) HandlePacket(ctx context.Context, raw []byte, clientIP string) ([]byte, bool) {
	start := time.Now()

	if p.limiter != nil && !p.limiter.Allow(clientIP) {
		p.metrics.RecordDroppedQuery(ctx, "rate_limited")
		return nil, false
	}

	q, err := Decode(raw)
	if err != nil {
		p.dropMalformed(ctx, clientIP, err)
		return nil, false
	}

	ctx, span := p.tracer.Start(ctx, "dns.query", trace.WithAttributes(
		attribute.String("dns.question.name", q.Name),
		attribute.String("dns.question.type", q.TypeString()),
	))
	defer span.End()

	if !q.IsA() {
		if !p.answerNonA {
			p.metrics.RecordDroppedQuery(ctx, "non_a")
			p.logger.Debug("Dropping non-A query", "domain", q.Name, "type", q.TypeString(), "client", clientIP)
			return nil, false
		}
		out, err := Encode(q, rules.Verdict{}, nil)
		if err != nil {
			p.logger.Error("Failed to encode empty answer", "domain", q.Name, "error", err)
			return nil, false
		}
		return out, true
	}

	verdict, cached := p.Decide(ctx, q.Name)

	addr := BlockAddress
	if !verdict.Blocked {
		addr = p.resolver.Resolve(ctx, q.Name)
	}

	out, err := Encode(q, verdict, addr)
	if err != nil {
		p.logger.Error("Failed to encode answer", "domain", q.Name, "error", err)
		return nil, false
	}

	span.SetAttributes(
		attribute.Bool("dns.blocked", verdict.Blocked),
		attribute.Bool("dns.cached", cached),
	)

	p.observe(ctx, q.Name, clientIP, verdict, cached, start)
	return out, true
}

// observe records statistics and emits the fire-and-forget side effects of
// an answered query.
func (p *Pipeline) observe(ctx context.Context, domain, clientIP string, v rules.Verdict, cached bool, start time.Time) {
	raw := stats.Event{
		Domain:    domain,
		ClientIP:  clientIP,
		Verdict:   v,
		Timestamp: start,
		Cached:    cached,
	}
	p.stats.Observe(raw)
	ev := p.sanitizer.SanitizeQuery(raw)

	p.logger.Debug("DNS query answered",
		"domain", ev.Domain,
		"client", ev.ClientIP,
		"action", ev.Action(),
		"rule", ev.Verdict.Rule,
		"source", ev.Verdict.Source.String(),
		"cached", cached)

	p.events.Publish(events.TopicDNSQuery, ev)
	if dev, ok := p.stats.Device(clientIP); ok {
		name := dev.Name
		if ev.ClientIP != clientIP {
			// Default names embed the address
			name = ""
		}
		p.events.Publish(events.TopicDeviceActivity, DeviceActivityEvent{
			Device: DeviceInfo{IP: ev.ClientIP, Name: name, Status: dev.Status},
			Activity: stats.Activity{
				Domain:    ev.Domain,
				Action:    ev.Action(),
				Timestamp: ev.Timestamp,
			},
			Stats: DeviceCounts{
				Total:   dev.TotalQueries,
				Blocked: dev.BlockedQueries,
				Allowed: dev.AllowedQueries,
			},
		})
	}
	p.publishStats()

	if p.logQueries && p.accessLog != nil {
		entry := &storage.AccessLog{
			Timestamp: ev.Timestamp,
			ClientIP:  ev.ClientIP,
			Domain:    ev.Domain,
			Action:    ev.Action(),
			Rule:      ev.Verdict.Rule,
			Source:    ev.Verdict.Source.String(),
			Category:  ev.Verdict.Category,
			Cached:    cached,
		}
		if err := p.accessLog.LogAccess(ctx, entry); err != nil {
			p.logger.Debug("Access log write dropped", "domain", ev.Domain, "error", err)
		}
	}

	if p.metrics != nil {
		attrs := metric.WithAttributeSet(telemetry.QueryAttrs(v.Status(), cached))
		p.metrics.QueriesTotal.Add(ctx, 1, attrs)
		if v.Blocked {
			p.metrics.QueriesBlocked.Add(ctx, 1)
		} else {
			p.metrics.QueriesAllowed.Add(ctx, 1)
		}
		p.metrics.QueryDuration.Record(ctx, float64(time.Since(start).Microseconds())/1000, attrs)
	}
}
