// Package resolver performs the single-hop upstream A lookup for allowed
// domains.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/manoj0727/Wi-fi-firewall/pkg/config"
	"github.com/manoj0727/Wi-fi-firewall/pkg/logging"
	"github.com/manoj0727/Wi-fi-firewall/pkg/telemetry"

	"github.com/miekg/dns"
)

var (
	// ErrNoUpstreams is returned when no upstream servers are configured
	ErrNoUpstreams = errors.New("no upstream DNS servers configured")

	// ErrNoAnswer is returned when the upstream reply carries no A record
	ErrNoAnswer = errors.New("no A record in upstream answer")

	// ErrRcode is returned when the upstream reply is not NOERROR
	ErrRcode = errors.New("upstream returned error rcode")
)

// Unspecified is the address returned when resolution fails and the
// address used in block answers.
var Unspecified = net.IPv4zero

// Resolver sends one A query per lookup to one upstream, chosen round-robin.
// Failures are never retried.
type Resolver struct {
	upstreams []string
	index     atomic.Uint32
	timeout   atomic.Int64
	logger    *logging.Logger
	metrics   *telemetry.Metrics

	clientPool sync.Pool
}

// New creates a resolver from the upstream config section.
func New(cfg *config.UpstreamConfig, logger *logging.Logger, metrics *telemetry.Metrics) *Resolver {
	upstreams := make([]string, len(cfg.Servers))
	for i, upstream := range cfg.Servers {
		// Default the DNS port when missing
		if _, _, err := net.SplitHostPort(upstream); err != nil {
			upstreams[i] = net.JoinHostPort(upstream, "53")
		} else {
			upstreams[i] = upstream
		}
	}

	r := &Resolver{
		upstreams: upstreams,
		logger:    logger,
		metrics:   metrics,
	}
	r.SetTimeout(cfg.Timeout)

	r.clientPool.New = func() any {
		return &dns.Client{Net: "udp"}
	}

	logger.Info("Upstream resolver initialized",
		"upstreams", upstreams,
		"timeout", r.Timeout())

	return r
}

// SetTimeout changes the per-lookup deadline. Non-positive values restore
// the 2 second default.
func (r *Resolver) SetTimeout(timeout time.Duration) {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	r.timeout.Store(int64(timeout))
}

// Timeout returns the per-lookup deadline.
func (r *Resolver) Timeout() time.Duration {
	return time.Duration(r.timeout.Load())
}

// Upstreams returns the list of configured upstream servers
func (r *Resolver) Upstreams() []string {
	return r.upstreams
}

// Resolve returns the first A address for domain, or 0.0.0.0 when the
// lookup fails for any reason. Failures are logged as warnings.
func (r *Resolver) Resolve(ctx context.Context, domain string) net.IP {
	ip, err := r.Lookup(ctx, domain)
	if err != nil {
		r.logger.Warn("Upstream resolution failed, answering 0.0.0.0",
			"domain", domain,
			"error", err)
		return Unspecified
	}
	return ip
}

// Lookup performs a single A query and returns the first address.
func (r *Resolver) Lookup(ctx context.Context, domain string) (net.IP, error) {
	if len(r.upstreams) == 0 {
		return nil, ErrNoUpstreams
	}

	upstream := r.selectUpstream()
	timeout := r.Timeout()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req := new(dns.Msg)
	req.SetQuestion(dns.Fqdn(domain), dns.TypeA)
	req.RecursionDesired = true

	client := r.clientPool.Get().(*dns.Client)
	client.Timeout = timeout
	defer r.clientPool.Put(client)

	resp, rtt, err := client.ExchangeContext(ctx, req, upstream)
	if err != nil {
		r.metrics.RecordUpstreamFailure(ctx, upstream)
		return nil, fmt.Errorf("query %s via %s: %w", domain, upstream, err)
	}

	if resp.Rcode != dns.RcodeSuccess {
		r.metrics.RecordUpstreamFailure(ctx, upstream)
		return nil, fmt.Errorf("query %s via %s: %w: %s", domain, upstream, ErrRcode, dns.RcodeToString[resp.Rcode])
	}

	for _, rr := range resp.Answer {
		if a, ok := rr.(*dns.A); ok {
			r.logger.Debug("Upstream query succeeded",
				"domain", domain,
				"upstream", upstream,
				"rtt", rtt,
				"address", a.A)
			return a.A, nil
		}
	}

	return nil, fmt.Errorf("query %s via %s: %w", domain, upstream, ErrNoAnswer)
}

// selectUpstream selects the next upstream server using round-robin
func (r *Resolver) selectUpstream() string {
	idx := (r.index.Add(1) - 1) % uint32(len(r.upstreams))
	return r.upstreams[idx]
}
