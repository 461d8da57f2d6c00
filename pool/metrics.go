package pool

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/rbaliyan/mongolink/pool"

// Metrics records pool events as OpenTelemetry instruments. It implements Monitor,
// so it is attached with WithMonitor.
//
// All methods are nil-safe. Available metrics:
//   - mongodb_pool_connections_created_total
//   - mongodb_pool_connections_closed_total (by reason)
//   - mongodb_pool_checkouts_total (by result)
//   - mongodb_pool_checkout_duration_seconds
//   - mongodb_pool_cleared_total
//   - mongodb_pool_connections (by state, from registered pools)
type Metrics struct {
	created    metric.Int64Counter
	closed     metric.Int64Counter
	checkouts  metric.Int64Counter
	waitTime   metric.Float64Histogram
	cleared    metric.Int64Counter
	population metric.Int64ObservableGauge

	registration metric.Registration

	mu    sync.RWMutex
	pools map[*Pool]struct{}
}

// MetricsOption configures the Metrics instance.
type MetricsOption func(*metricsOptions)

type metricsOptions struct {
	meterProvider metric.MeterProvider
	namespace     string
}

// WithMeterProvider sets a custom meter provider. By default the global
// OpenTelemetry provider is used.
func WithMeterProvider(provider metric.MeterProvider) MetricsOption {
	return func(o *metricsOptions) {
		if provider != nil {
			o.meterProvider = provider
		}
	}
}

// WithMetricsNamespace prefixes every metric name with namespace + "_".
func WithMetricsNamespace(namespace string) MetricsOption {
	return func(o *metricsOptions) {
		if namespace != "" {
			o.namespace = namespace + "_"
		}
	}
}

// NewMetrics creates the pool instruments.
func NewMetrics(opts ...MetricsOption) (*Metrics, error) {
	o := &metricsOptions{
		meterProvider: otel.GetMeterProvider(),
	}
	for _, opt := range opts {
		opt(o)
	}

	meter := o.meterProvider.Meter(meterName)
	prefix := o.namespace
	m := &Metrics{pools: make(map[*Pool]struct{})}

	var err error
	m.created, err = meter.Int64Counter(
		prefix+"mongodb_pool_connections_created_total",
		metric.WithDescription("Total number of connections established"),
		metric.WithUnit("{connection}"),
	)
	if err != nil {
		return nil, err
	}

	m.closed, err = meter.Int64Counter(
		prefix+"mongodb_pool_connections_closed_total",
		metric.WithDescription("Total number of connections closed"),
		metric.WithUnit("{connection}"),
	)
	if err != nil {
		return nil, err
	}

	m.checkouts, err = meter.Int64Counter(
		prefix+"mongodb_pool_checkouts_total",
		metric.WithDescription("Total number of completed checkout attempts"),
		metric.WithUnit("{checkout}"),
	)
	if err != nil {
		return nil, err
	}

	m.waitTime, err = meter.Float64Histogram(
		prefix+"mongodb_pool_checkout_duration_seconds",
		metric.WithDescription("Time spent obtaining a connection from the pool"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30),
	)
	if err != nil {
		return nil, err
	}

	m.cleared, err = meter.Int64Counter(
		prefix+"mongodb_pool_cleared_total",
		metric.WithDescription("Total number of pool clears"),
		metric.WithUnit("{clear}"),
	)
	if err != nil {
		return nil, err
	}

	m.population, err = meter.Int64ObservableGauge(
		prefix+"mongodb_pool_connections",
		metric.WithDescription("Current number of connections by state"),
		metric.WithUnit("{connection}"),
	)
	if err != nil {
		return nil, err
	}

	m.registration, err = meter.RegisterCallback(
		func(ctx context.Context, ob metric.Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for p := range m.pools {
				s := p.Stats()
				addr := attribute.String("address", s.Address)
				ob.ObserveInt64(m.population, int64(s.Available), metric.WithAttributes(addr, attribute.String("state", "available")))
				ob.ObserveInt64(m.population, int64(s.CheckedOut), metric.WithAttributes(addr, attribute.String("state", "checked_out")))
				ob.ObserveInt64(m.population, int64(s.Waiting), metric.WithAttributes(addr, attribute.String("state", "waiting")))
			}
			return nil
		},
		m.population,
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// Observe adds p to the connection gauge until it is closed.
func (m *Metrics) Observe(p *Pool) {
	if m == nil || p == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pools[p] = struct{}{}
}

// Event implements Monitor.
func (m *Metrics) Event(e *PoolEvent) {
	if m == nil || e == nil {
		return
	}
	ctx := context.Background()
	addr := attribute.String("address", e.Address)

	switch e.Type {
	case ConnectionCreated:
		m.created.Add(ctx, 1, metric.WithAttributes(addr))
	case ConnectionClosed:
		m.closed.Add(ctx, 1, metric.WithAttributes(addr, attribute.String("reason", e.Reason)))
	case CheckedOut:
		m.checkouts.Add(ctx, 1, metric.WithAttributes(addr, attribute.String("result", "success")))
		m.waitTime.Record(ctx, e.Duration.Seconds(), metric.WithAttributes(addr))
	case CheckOutFailed:
		m.checkouts.Add(ctx, 1, metric.WithAttributes(addr, attribute.String("result", e.Reason)))
		m.waitTime.Record(ctx, e.Duration.Seconds(), metric.WithAttributes(addr))
	case PoolCleared:
		m.cleared.Add(ctx, 1, metric.WithAttributes(addr))
	case PoolClosedEvent:
		m.mu.Lock()
		for p := range m.pools {
			if p.address == e.Address && p.Stats().Closed {
				delete(m.pools, p)
			}
		}
		m.mu.Unlock()
	}
}

// Close unregisters the gauge callback.
func (m *Metrics) Close() error {
	if m == nil {
		return nil
	}
	if m.registration != nil {
		return m.registration.Unregister()
	}
	return nil
}
