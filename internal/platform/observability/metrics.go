package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
)

// Metrics holds all application metrics
type Metrics struct {
	meter metric.Meter

	// Cache metrics
	CacheHits          metric.Int64Counter
	CacheMisses        metric.Int64Counter
	CoalescedFetches   metric.Int64Counter
	EntriesInvalidated metric.Int64Counter
	FetchDuration      metric.Float64Histogram

	// Document store metrics
	DocstoreCalls    metric.Int64Counter
	DocstoreDuration metric.Float64Histogram

	// Refresh coordinator metrics
	RefreshSignals metric.Int64Counter
	PollTicks      metric.Int64Counter
	Subscriptions  metric.Int64Gauge

	// Notification metrics
	NotificationsPublished metric.Int64Counter

	// Circuit breaker metrics
	CircuitBreakerState metric.Int64Gauge

	// Error metrics
	Errors metric.Int64Counter

	// Prometheus exporter for HTTP handler
	exporter *prometheus.Exporter
}

// NewMetrics creates a new Metrics instance
func NewMetrics(serviceName string, enabled bool) (*Metrics, error) {
	if !enabled {
		return &Metrics{}, nil
	}

	res, err := resource.New(
		context.Background(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(serviceName),
			semconv.ServiceVersionKey.String("1.0.0"),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create Prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	)

	m := &Metrics{
		meter:    provider.Meter(serviceName),
		exporter: exporter,
	}

	if err := m.initMetrics(); err != nil {
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}

	return m, nil
}

// initMetrics initializes all metric instruments
func (m *Metrics) initMetrics() error {
	var err error

	m.CacheHits, err = m.meter.Int64Counter(
		"marketplace.cache.hits",
		metric.WithDescription("Total cache hits"),
	)
	if err != nil {
		return err
	}

	m.CacheMisses, err = m.meter.Int64Counter(
		"marketplace.cache.misses",
		metric.WithDescription("Total cache misses"),
	)
	if err != nil {
		return err
	}

	m.CoalescedFetches, err = m.meter.Int64Counter(
		"marketplace.cache.coalesced",
		metric.WithDescription("Fetches that attached to an already in-flight fetch"),
	)
	if err != nil {
		return err
	}

	m.EntriesInvalidated, err = m.meter.Int64Counter(
		"marketplace.cache.invalidated",
		metric.WithDescription("Cache entries removed by invalidation events"),
	)
	if err != nil {
		return err
	}

	m.FetchDuration, err = m.meter.Float64Histogram(
		"marketplace.cache.fetch.duration",
		metric.WithDescription("Backing fetch duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return err
	}

	m.DocstoreCalls, err = m.meter.Int64Counter(
		"marketplace.docstore.calls",
		metric.WithDescription("Total document store calls"),
	)
	if err != nil {
		return err
	}

	m.DocstoreDuration, err = m.meter.Float64Histogram(
		"marketplace.docstore.duration",
		metric.WithDescription("Document store call duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return err
	}

	m.RefreshSignals, err = m.meter.Int64Counter(
		"marketplace.refresh.signals",
		metric.WithDescription("Refresh signals handled, by kind"),
	)
	if err != nil {
		return err
	}

	m.PollTicks, err = m.meter.Int64Counter(
		"marketplace.refresh.poll_ticks",
		metric.WithDescription("Polling fallback ticks fired"),
	)
	if err != nil {
		return err
	}

	m.Subscriptions, err = m.meter.Int64Gauge(
		"marketplace.refresh.subscriptions",
		metric.WithDescription("Currently active refresh subscriptions"),
	)
	if err != nil {
		return err
	}

	m.NotificationsPublished, err = m.meter.Int64Counter(
		"marketplace.notifications.published",
		metric.WithDescription("Push notifications published"),
	)
	if err != nil {
		return err
	}

	m.CircuitBreakerState, err = m.meter.Int64Gauge(
		"marketplace.circuit_breaker.state",
		metric.WithDescription("Circuit breaker state (0=closed, 1=open, 2=half-open)"),
	)
	if err != nil {
		return err
	}

	m.Errors, err = m.meter.Int64Counter(
		"marketplace.errors",
		metric.WithDescription("Total errors by component"),
	)
	if err != nil {
		return err
	}

	return nil
}

// RecordCacheHit records a cache hit for a key kind
func (m *Metrics) RecordCacheHit(ctx context.Context, kind string) {
	if m.CacheHits == nil {
		return
	}
	m.CacheHits.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordCacheMiss records a cache miss for a key kind
func (m *Metrics) RecordCacheMiss(ctx context.Context, kind string) {
	if m.CacheMisses == nil {
		return
	}
	m.CacheMisses.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordCoalescedFetch records a caller attaching to an in-flight fetch
func (m *Metrics) RecordCoalescedFetch(ctx context.Context, kind string) {
	if m.CoalescedFetches == nil {
		return
	}
	m.CoalescedFetches.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordInvalidation records entries evicted for an invalidation event
func (m *Metrics) RecordInvalidation(ctx context.Context, event string, count int64) {
	if m.EntriesInvalidated == nil || count == 0 {
		return
	}
	m.EntriesInvalidated.Add(ctx, count, metric.WithAttributes(attribute.String("event", event)))
}

// RecordFetchDuration records how long a backing fetch took
func (m *Metrics) RecordFetchDuration(ctx context.Context, kind, status string, d time.Duration) {
	if m.FetchDuration == nil {
		return
	}
	m.FetchDuration.Record(ctx, float64(d.Milliseconds()), metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("status", status),
	))
}

// RecordDocstoreCall records a document store call with its outcome
func (m *Metrics) RecordDocstoreCall(ctx context.Context, operation, status string, d time.Duration) {
	if m.DocstoreCalls == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("status", status),
	)
	m.DocstoreCalls.Add(ctx, 1, attrs)
	if m.DocstoreDuration != nil {
		m.DocstoreDuration.Record(ctx, float64(d.Milliseconds()), attrs)
	}
}

// RecordRefreshSignal records a handled refresh signal by kind
func (m *Metrics) RecordRefreshSignal(ctx context.Context, kind string) {
	if m.RefreshSignals == nil {
		return
	}
	m.RefreshSignals.Add(ctx, 1, metric.WithAttributes(attribute.String("signal", kind)))
}

// RecordPollTick records a polling fallback tick
func (m *Metrics) RecordPollTick(ctx context.Context) {
	if m.PollTicks == nil {
		return
	}
	m.PollTicks.Add(ctx, 1)
}

// SetSubscriptions records the current number of active subscriptions
func (m *Metrics) SetSubscriptions(ctx context.Context, n int64) {
	if m.Subscriptions == nil {
		return
	}
	m.Subscriptions.Record(ctx, n)
}

// RecordNotificationPublished records a published notification
func (m *Metrics) RecordNotificationPublished(ctx context.Context, status string) {
	if m.NotificationsPublished == nil {
		return
	}
	m.NotificationsPublished.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// SetCircuitBreakerState records a circuit breaker state change
func (m *Metrics) SetCircuitBreakerState(ctx context.Context, name string, state int64) {
	if m.CircuitBreakerState == nil {
		return
	}
	m.CircuitBreakerState.Record(ctx, state, metric.WithAttributes(attribute.String("name", name)))
}

// RecordError records an error for a component
func (m *Metrics) RecordError(ctx context.Context, component string) {
	if m.Errors == nil {
		return
	}
	m.Errors.Add(ctx, 1, metric.WithAttributes(attribute.String("component", component)))
}

// Handler returns the HTTP handler serving the Prometheus scrape endpoint.
// The OpenTelemetry Prometheus exporter registers with the default
// Prometheus registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}
