// Package observability holds the metric instruments for the sync core and
// the reference server.
package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

const meterName = "flow-studio/backend"

// ClientMetrics records sync-core activity through OpenTelemetry. A nil
// *ClientMetrics is valid and records nothing.
type ClientMetrics struct {
	requests  metric.Int64Counter
	conflicts metric.Int64Counter
	failures  metric.Int64Counter
	stale     metric.Int64Counter
	events    metric.Int64Counter
}

// NewClientMetrics creates the instruments on mp, or on the global provider
// when mp is nil.
func NewClientMetrics(mp metric.MeterProvider) (*ClientMetrics, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(meterName)

	m := &ClientMetrics{}
	var err error
	if m.requests, err = meter.Int64Counter("flowstudio.client.requests",
		metric.WithDescription("HTTP requests issued by the transport client")); err != nil {
		return nil, err
	}
	if m.conflicts, err = meter.Int64Counter("flowstudio.client.conflicts",
		metric.WithDescription("Writes rejected with 412 Precondition Failed")); err != nil {
		return nil, err
	}
	if m.failures, err = meter.Int64Counter("flowstudio.client.failures",
		metric.WithDescription("Requests that ended in a transport failure")); err != nil {
		return nil, err
	}
	if m.stale, err = meter.Int64Counter("flowstudio.client.stale_discards",
		metric.WithDescription("Load results discarded because a newer load started")); err != nil {
		return nil, err
	}
	if m.events, err = meter.Int64Counter("flowstudio.client.stream_events",
		metric.WithDescription("Push events delivered to subscribers")); err != nil {
		return nil, err
	}
	return m, nil
}

// Request counts one completed HTTP exchange.
func (m *ClientMetrics) Request(ctx context.Context, method string, status int) {
	if m == nil {
		return
	}
	m.requests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("method", method),
		attribute.Int("status", status),
	))
}

// Conflict counts one precondition failure on resource family kind.
func (m *ClientMetrics) Conflict(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.conflicts.Add(ctx, 1, metric.WithAttributes(attribute.String("resource", kind)))
}

// Failure counts one transport failure.
func (m *ClientMetrics) Failure(ctx context.Context, method string) {
	if m == nil {
		return
	}
	m.failures.Add(ctx, 1, metric.WithAttributes(attribute.String("method", method)))
}

// StaleDiscard counts one discarded load result for a guard family.
func (m *ClientMetrics) StaleDiscard(ctx context.Context, family string) {
	if m == nil {
		return
	}
	m.stale.Add(ctx, 1, metric.WithAttributes(attribute.String("family", family)))
}

// StreamEvent counts one delivered push event.
func (m *ClientMetrics) StreamEvent(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.events.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// ClientRecorder keeps client measurements in memory so a short-lived
// process can report them before it exits.
type ClientRecorder struct {
	provider *sdkmetric.MeterProvider
	reader   *sdkmetric.ManualReader
}

func NewClientRecorder() *ClientRecorder {
	reader := sdkmetric.NewManualReader()
	return &ClientRecorder{
		provider: sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)),
		reader:   reader,
	}
}

// MeterProvider is the provider to pass to NewClientMetrics.
func (r *ClientRecorder) MeterProvider() metric.MeterProvider {
	return r.provider
}

// Totals sums every integer counter by instrument name, across attributes.
func (r *ClientRecorder) Totals(ctx context.Context) (map[string]int64, error) {
	var rm metricdata.ResourceMetrics
	if err := r.reader.Collect(ctx, &rm); err != nil {
		return nil, err
	}
	totals := make(map[string]int64)
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			for _, dp := range sum.DataPoints {
				totals[m.Name] += dp.Value
			}
		}
	}
	return totals, nil
}

func (r *ClientRecorder) Shutdown(ctx context.Context) error {
	return r.provider.Shutdown(ctx)
}
