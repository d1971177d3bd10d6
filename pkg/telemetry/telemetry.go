// Package telemetry wires up Prometheus + OpenTelemetry exporters used across
// the project.
package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/manoj0727/Wi-fi-firewall/pkg/config"
	"github.com/manoj0727/Wi-fi-firewall/pkg/logging"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

const instrumentationName = "wifi-firewall"

// Telemetry holds telemetry providers and exporters
type Telemetry struct {
	cfg                *config.TelemetryConfig
	meterProvider      metric.MeterProvider
	tracerProvider     trace.TracerProvider
	prometheusExporter *prometheus.Exporter
	prometheusServer   *http.Server
	logger             *logging.Logger
}

// Metrics holds all application metrics
type Metrics struct {
	// Query path
	QueriesTotal   metric.Int64Counter
	QueriesBlocked metric.Int64Counter
	QueriesAllowed metric.Int64Counter
	QueriesDropped metric.Int64Counter
	ParseErrors    metric.Int64Counter
	QueryDuration  metric.Float64Histogram

	// Decision cache
	CacheHits          metric.Int64Counter
	CacheMisses        metric.Int64Counter
	CacheBackendErrors metric.Int64Counter

	// Upstream
	UpstreamFailures metric.Int64Counter

	// Rules and devices
	RuleMutations metric.Int64Counter
	ActiveDevices metric.Int64Gauge

	// Fire-and-forget sinks
	EventsDropped        metric.Int64Counter
	StorageWritesDropped metric.Int64Counter
}

// New creates a new telemetry instance
func New(ctx context.Context, cfg *config.TelemetryConfig, logger *logging.Logger) (*Telemetry, error) {
	if !cfg.Enabled {
		logger.Info("Telemetry disabled")
		return &Telemetry{
			cfg:            cfg,
			meterProvider:  noop.NewMeterProvider(),
			tracerProvider: tracenoop.NewTracerProvider(),
			logger:         logger,
		}, nil
	}

	t := &Telemetry{
		cfg:    cfg,
		logger: logger,
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.ServiceName),
			semconv.ServiceVersionKey.String(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	if err := t.setupMetrics(res); err != nil {
		return nil, fmt.Errorf("failed to setup metrics: %w", err)
	}

	// Spans are created on the query path but no exporter ships yet
	t.tracerProvider = tracenoop.NewTracerProvider()
	if cfg.TracingEnabled {
		otel.SetTracerProvider(t.tracerProvider)
	}

	logger.Info("Telemetry initialized",
		"service", cfg.ServiceName,
		"version", cfg.ServiceVersion,
		"prometheus", cfg.PrometheusEnabled,
		"tracing", cfg.TracingEnabled,
	)

	return t, nil
}

func (t *Telemetry) setupMetrics(res *resource.Resource) error {
	if !t.cfg.PrometheusEnabled {
		t.meterProvider = noop.NewMeterProvider()
		return nil
	}

	exporter, err := prometheus.New()
	if err != nil {
		return fmt.Errorf("failed to create prometheus exporter: %w", err)
	}
	t.prometheusExporter = exporter

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	)
	t.meterProvider = provider
	otel.SetMeterProvider(provider)

	t.startPrometheusServer()
	t.logger.Info("Prometheus metrics enabled", "port", t.cfg.PrometheusPort)
	return nil
}

func (t *Telemetry) startPrometheusServer() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	t.prometheusServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", t.cfg.PrometheusPort),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := t.prometheusServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			t.logger.Error("Prometheus server failed", "error", err)
		}
	}()
}

// InitMetrics initializes and returns all application metrics
func (t *Telemetry) InitMetrics() (*Metrics, error) {
	meter := t.meterProvider.Meter(instrumentationName)
	m := &Metrics{}

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.QueriesTotal, "dns.queries.total", "Total number of DNS queries received"},
		{&m.QueriesBlocked, "dns.queries.blocked", "Number of queries answered with the block address"},
		{&m.QueriesAllowed, "dns.queries.allowed", "Number of queries resolved upstream"},
		{&m.QueriesDropped, "dns.queries.dropped", "Number of queries dropped without a response"},
		{&m.ParseErrors, "dns.parse.errors", "Number of malformed datagrams"},
		{&m.CacheHits, "decision.cache.hits", "Number of decision cache hits"},
		{&m.CacheMisses, "decision.cache.misses", "Number of decision cache misses"},
		{&m.CacheBackendErrors, "decision.cache.backend.errors", "Number of failed calls to the distributed cache tier"},
		{&m.UpstreamFailures, "upstream.failures", "Number of failed upstream resolutions"},
		{&m.RuleMutations, "rules.mutations", "Number of rule store replacements"},
		{&m.EventsDropped, "events.dropped", "Number of events dropped for slow subscribers"},
		{&m.StorageWritesDropped, "storage.writes.dropped", "Number of access log writes dropped due to full buffer"},
	}
	for _, c := range counters {
		counter, err := meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, fmt.Errorf("failed to create %s counter: %w", c.name, err)
		}
		*c.dst = counter
	}

	duration, err := meter.Float64Histogram(
		"dns.query.duration",
		metric.WithDescription("DNS query processing duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create query duration histogram: %w", err)
	}
	m.QueryDuration = duration

	activeDevices, err := meter.Int64Gauge(
		"devices.active",
		metric.WithDescription("Number of devices seen within the active window"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create active devices gauge: %w", err)
	}
	m.ActiveDevices = activeDevices

	return m, nil
}

// MeterProvider returns the meter provider
func (t *Telemetry) MeterProvider() metric.MeterProvider {
	return t.meterProvider
}

// TracerProvider returns the tracer provider
func (t *Telemetry) TracerProvider() trace.TracerProvider {
	return t.tracerProvider
}

// Tracer returns the tracer used by the query path
func (t *Telemetry) Tracer() trace.Tracer {
	return t.tracerProvider.Tracer(instrumentationName)
}

// AddDroppedWrite counts access log writes lost to a full buffer
func (m *Metrics) AddDroppedWrite(ctx context.Context, count int64) {
	if m != nil && m.StorageWritesDropped != nil {
		m.StorageWritesDropped.Add(ctx, count)
	}
}

// AddDroppedEvent counts an event not delivered to a slow subscriber
func (m *Metrics) AddDroppedEvent(ctx context.Context, topic string) {
	if m != nil && m.EventsDropped != nil {
		m.EventsDropped.Add(ctx, 1, metric.WithAttributeSet(topicAttrs(topic)))
	}
}

// RecordActiveDevices sets the active device gauge
func (m *Metrics) RecordActiveDevices(ctx context.Context, n int) {
	if m != nil && m.ActiveDevices != nil {
		m.ActiveDevices.Record(ctx, int64(n))
	}
}

// RecordCacheHit counts a decision cache hit
func (m *Metrics) RecordCacheHit(ctx context.Context) {
	if m != nil && m.CacheHits != nil {
		m.CacheHits.Add(ctx, 1)
	}
}

// RecordCacheMiss counts a decision cache miss
func (m *Metrics) RecordCacheMiss(ctx context.Context) {
	if m != nil && m.CacheMisses != nil {
		m.CacheMisses.Add(ctx, 1)
	}
}

// RecordBackendError counts a failed distributed cache call
func (m *Metrics) RecordBackendError(ctx context.Context, op string) {
	if m != nil && m.CacheBackendErrors != nil {
		m.CacheBackendErrors.Add(ctx, 1, metric.WithAttributeSet(opAttrs(op)))
	}
}

// RecordUpstreamFailure counts a failed upstream resolution
func (m *Metrics) RecordUpstreamFailure(ctx context.Context, upstream string) {
	if m != nil && m.UpstreamFailures != nil {
		m.UpstreamFailures.Add(ctx, 1, metric.WithAttributeSet(upstreamAttrs(upstream)))
	}
}

// Shutdown gracefully shuts down telemetry
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var errs []error

	if t.prometheusServer != nil {
		if err := t.prometheusServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("prometheus server shutdown: %w", err))
		}
	}

	if provider, ok := t.meterProvider.(*sdkmetric.MeterProvider); ok {
		if err := provider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("meter provider shutdown: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("telemetry shutdown errors: %v", errs)
	}

	t.logger.Info("Telemetry shut down")
	return nil
}

// RecordRuleMutation counts one rule store replacement
func (m *Metrics) RecordRuleMutation(ctx context.Context, op string) {
	if m != nil && m.RuleMutations != nil {
		m.RuleMutations.Add(ctx, 1, metric.WithAttributeSet(opAttrs(op)))
	}
}

// RecordDroppedQuery counts a query left unanswered, labelled by why
func (m *Metrics) RecordDroppedQuery(ctx context.Context, reason string) {
	if m != nil && m.QueriesDropped != nil {
		m.QueriesDropped.Add(ctx, 1, metric.WithAttributeSet(reasonAttrs(reason)))
	}
}
