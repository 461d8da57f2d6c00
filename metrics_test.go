package mongolink

import (
	"context"
	"errors"
	"testing"
	"time"

	event "github.com/rbaliyan/event/v3"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// testMetrics creates a Metrics instance backed by a ManualReader for deterministic testing.
func testMetrics(t *testing.T, opts ...MetricsOption) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	m, err := NewMetrics(append([]MetricsOption{WithMeterProvider(provider)}, opts...)...)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	t.Cleanup(func() { _ = m.Close() })
	return m, reader
}

func collectMetrics(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

// sumCounter returns the total value across all data points for an Int64 Sum metric.
func sumCounter(m *metricdata.Metrics) int64 {
	if m == nil {
		return 0
	}
	sum, ok := m.Data.(metricdata.Sum[int64])
	if !ok {
		return 0
	}
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	return total
}

// counterWith returns the value of the data point carrying key=value.
func counterWith(m *metricdata.Metrics, key, value string) int64 {
	if m == nil {
		return 0
	}
	sum, ok := m.Data.(metricdata.Sum[int64])
	if !ok {
		return 0
	}
	for _, dp := range sum.DataPoints {
		if hasAttribute(dp.Attributes, key, value) {
			return dp.Value
		}
	}
	return 0
}

func histogram(m *metricdata.Metrics) (count uint64, sum float64) {
	if m == nil {
		return 0, 0
	}
	h, ok := m.Data.(metricdata.Histogram[float64])
	if !ok {
		return 0, 0
	}
	for _, dp := range h.DataPoints {
		count += dp.Count
		sum += dp.Sum
	}
	return count, sum
}

func hasAttribute(attrs attribute.Set, key, value string) bool {
	v, ok := attrs.Value(attribute.Key(key))
	return ok && v.AsString() == value
}

// changeContext creates a handler context carrying the metadata the transport
// attaches to a change.
func changeContext(clusterTime time.Time, operation, namespace string) context.Context {
	md := map[string]string{
		MetadataClusterTime: clusterTime.UTC().Format(time.RFC3339Nano),
		MetadataOperation:   operation,
		MetadataNamespace:   namespace,
	}
	return event.ContextWithMetadata(context.Background(), md)
}

// stubEvent implements event.Event[T] for testing.
type stubEvent[T any] struct{}

func (stubEvent[T]) Name() string                         { return "test-event" }
func (stubEvent[T]) Publish(_ context.Context, _ T) error { return nil }
func (stubEvent[T]) Subscribe(_ context.Context, _ event.Handler[T], _ ...event.SubscribeOption[T]) error {
	return nil
}

func runMiddleware(m *Metrics, ctx context.Context, fn event.Handler[ChangeEvent]) error {
	return MetricsMiddleware[ChangeEvent](m)(fn)(ctx, stubEvent[ChangeEvent]{}, ChangeEvent{})
}

func TestMetricsMiddlewareOutcome(t *testing.T) {
	tests := []struct {
		name          string
		err           error
		wantProcessed int64
		wantFailed    int64
	}{
		{name: "nil error counts as processed", err: nil, wantProcessed: 1},
		{name: "ErrAck counts as processed", err: event.ErrAck, wantProcessed: 1},
		{name: "ErrNack counts as failed", err: event.ErrNack, wantFailed: 1},
		{name: "ErrReject counts as failed", err: event.ErrReject, wantFailed: 1},
		{name: "ErrDefer counts as failed", err: event.ErrDefer, wantFailed: 1},
		{name: "unknown error counts as failed", err: errors.New("unknown"), wantFailed: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, reader := testMetrics(t)

			err := runMiddleware(m, changeContext(time.Now(), "insert", "app.orders"),
				func(context.Context, event.Event[ChangeEvent], ChangeEvent) error { return tt.err })
			if err != tt.err {
				t.Errorf("handler error = %v, want %v", err, tt.err)
			}

			rm := collectMetrics(t, reader)
			if got := sumCounter(findMetric(rm, "mongodb_changes_processed_total")); got != tt.wantProcessed {
				t.Errorf("processed_total = %d, want %d", got, tt.wantProcessed)
			}
			if got := sumCounter(findMetric(rm, "mongodb_changes_failed_total")); got != tt.wantFailed {
				t.Errorf("failed_total = %d, want %d", got, tt.wantFailed)
			}
		})
	}
}

func TestMetricsMiddlewareLatency(t *testing.T) {
	m, reader := testMetrics(t)

	_ = runMiddleware(m, changeContext(time.Now().Add(-2*time.Second), "insert", "app.orders"),
		func(context.Context, event.Event[ChangeEvent], ChangeEvent) error {
			time.Sleep(10 * time.Millisecond)
			return nil
		})

	rm := collectMetrics(t, reader)
	if count, sum := histogram(findMetric(rm, "mongodb_oplog_lag_seconds")); count != 1 || sum < 2.0 {
		t.Errorf("oplog_lag count = %d sum = %f, want 1 and >= 2s", count, sum)
	}
	if count, sum := histogram(findMetric(rm, "mongodb_handler_duration_seconds")); count != 1 || sum < 0.01 {
		t.Errorf("handler_duration count = %d sum = %f, want 1 and >= 10ms", count, sum)
	}
}

func TestMetricsMiddlewareAttributes(t *testing.T) {
	m, reader := testMetrics(t)

	_ = runMiddleware(m, changeContext(time.Now(), "update", "mydb.users"),
		func(context.Context, event.Event[ChangeEvent], ChangeEvent) error { return nil })

	processed := findMetric(collectMetrics(t, reader), "mongodb_changes_processed_total")
	if got := counterWith(processed, "operation", "update"); got != 1 {
		t.Errorf("processed_total{operation=update} = %d, want 1", got)
	}
	if got := counterWith(processed, "namespace", "mydb.users"); got != 1 {
		t.Errorf("processed_total{namespace=mydb.users} = %d, want 1", got)
	}
}

func TestMetricsMiddlewareWithoutMetadata(t *testing.T) {
	m, reader := testMetrics(t)

	if err := runMiddleware(m, context.Background(),
		func(context.Context, event.Event[ChangeEvent], ChangeEvent) error { return nil }); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}

	rm := collectMetrics(t, reader)
	if got := sumCounter(findMetric(rm, "mongodb_changes_processed_total")); got != 1 {
		t.Errorf("processed_total = %d, want 1", got)
	}
	if count, _ := histogram(findMetric(rm, "mongodb_oplog_lag_seconds")); count != 0 {
		t.Error("oplog_lag should not be recorded without cluster_time metadata")
	}
}

func TestMetricsMiddlewareNilMetrics(t *testing.T) {
	called := false
	err := runMiddleware(nil, changeContext(time.Now(), "insert", "app.orders"),
		func(context.Context, event.Event[ChangeEvent], ChangeEvent) error {
			called = true
			return nil
		})
	if err != nil || !called {
		t.Errorf("err = %v called = %v", err, called)
	}
}

func TestMetricsNamespace(t *testing.T) {
	m, reader := testMetrics(t, WithMetricsNamespace("orders"))

	_ = runMiddleware(m, changeContext(time.Now(), "insert", "app.orders"),
		func(context.Context, event.Event[ChangeEvent], ChangeEvent) error { return nil })
	m.recordRestart(context.Background(), "invalidate")

	rm := collectMetrics(t, reader)
	if got := sumCounter(findMetric(rm, "orders_mongodb_changes_processed_total")); got != 1 {
		t.Errorf("orders_mongodb_changes_processed_total = %d, want 1", got)
	}
	if got := sumCounter(findMetric(rm, "orders_mongodb_stream_restarts_total")); got != 1 {
		t.Errorf("orders_mongodb_stream_restarts_total = %d, want 1", got)
	}
	if findMetric(rm, "mongodb_changes_processed_total") != nil {
		t.Error("non-prefixed metric should not exist when namespace is set")
	}
}

func TestMetricsPendingCallback(t *testing.T) {
	m, reader := testMetrics(t)
	m.SetPendingCallback(func() int64 { return 42 })

	pending := findMetric(collectMetrics(t, reader), "mongodb_changes_pending")
	if pending == nil {
		t.Fatal("mongodb_changes_pending metric not found")
	}
	gauge, ok := pending.Data.(metricdata.Gauge[int64])
	if !ok || len(gauge.DataPoints) == 0 {
		t.Fatalf("pending data = %#v", pending.Data)
	}
	if gauge.DataPoints[0].Value != 42 {
		t.Errorf("pending value = %d, want 42", gauge.DataPoints[0].Value)
	}
}

func TestMetricsStreamCounters(t *testing.T) {
	m, reader := testMetrics(t)
	ctx := context.Background()

	m.recordPublished(ctx, "app.orders", OperationInsert)
	m.recordPublished(ctx, "app.orders", OperationInsert)
	m.recordPublished(ctx, "app.orders", OperationDelete)
	m.recordSkipped(ctx, "empty_update")
	m.recordResumes(ctx, 3, "app.orders")
	m.recordResumes(ctx, 0, "app.orders")
	m.recordRestart(ctx, "history_lost")
	m.recordRestart(ctx, "error")

	rm := collectMetrics(t, reader)
	published := findMetric(rm, "mongodb_changes_published_total")
	if got := sumCounter(published); got != 3 {
		t.Errorf("published_total = %d, want 3", got)
	}
	if got := counterWith(published, "operation", "delete"); got != 1 {
		t.Errorf("published_total{operation=delete} = %d, want 1", got)
	}
	if got := counterWith(findMetric(rm, "mongodb_changes_skipped_total"), "reason", "empty_update"); got != 1 {
		t.Errorf("skipped_total{reason=empty_update} = %d, want 1", got)
	}
	if got := sumCounter(findMetric(rm, "mongodb_stream_resumes_total")); got != 3 {
		t.Errorf("resumes_total = %d, want 3", got)
	}
	restarts := findMetric(rm, "mongodb_stream_restarts_total")
	if got := counterWith(restarts, "reason", "history_lost"); got != 1 {
		t.Errorf("restarts_total{reason=history_lost} = %d, want 1", got)
	}
	if got := sumCounter(restarts); got != 2 {
		t.Errorf("restarts_total = %d, want 2", got)
	}
}

func TestMetricsNilSafe(t *testing.T) {
	var m *Metrics
	ctx := context.Background()
	m.SetPendingCallback(func() int64 { return 1 })
	m.recordPublished(ctx, "app.orders", OperationInsert)
	m.recordSkipped(ctx, "empty_update")
	m.recordResumes(ctx, 1, "app.orders")
	m.recordRestart(ctx, "error")
	if err := m.Close(); err != nil {
		t.Errorf("Close() = %v, want nil", err)
	}
}

func TestTransportRecordsMetrics(t *testing.T) {
	m, reader := testMetrics(t)
	empty := rawChange(t, 1, OperationUpdate, bson.E{Key: "updateDescription", Value: bson.D{
		{Key: "updatedFields", Value: bson.D{}},
	}})
	src := newFakeSource(cursor(1, empty, rawChange(t, 2, OperationInsert)))
	tr := newTestTransport(t, src, WithoutResume(), WithMetrics(m))

	sub := subscribe(t, tr, "orders")
	src.start()
	receive(t, sub)

	waitFor(t, "published counter", func() bool {
		rm := collectMetrics(t, reader)
		return counterWith(findMetric(rm, "mongodb_changes_published_total"), "namespace", "app.orders") == 1
	})
	rm := collectMetrics(t, reader)
	if got := counterWith(findMetric(rm, "mongodb_changes_skipped_total"), "reason", "empty_update"); got != 1 {
		t.Errorf("skipped_total{reason=empty_update} = %d, want 1", got)
	}
}
