package outboxrelay

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MetricsCollector is the narrow metrics surface the relay and saga
// engine instrument against. Grounded on the teacher's
// metrics.go, carried unmodified in shape.
type MetricsCollector interface {
	IncrementCounter(name string, tags map[string]string)
	RecordDuration(name string, duration time.Duration, tags map[string]string)
	RecordGauge(name string, value float64, tags map[string]string)
}

// NopMetricsCollector discards everything. Used as the default.
type NopMetricsCollector struct{}

// NewNopMetricsCollector creates a NopMetricsCollector.
func NewNopMetricsCollector() *NopMetricsCollector { return &NopMetricsCollector{} }

func (m *NopMetricsCollector) IncrementCounter(name string, tags map[string]string) {}
func (m *NopMetricsCollector) RecordDuration(name string, duration time.Duration, tags map[string]string) {
}
func (m *NopMetricsCollector) RecordGauge(name string, value float64, tags map[string]string) {}

// OTelMetricsCollector reports through an OpenTelemetry meter.
type OTelMetricsCollector struct {
	meter      metric.Meter
	counters   map[string]metric.Int64Counter
	histograms map[string]metric.Float64Histogram
	gauges     map[string]metric.Float64UpDownCounter
}

// NewOTelMetricsCollector creates a collector using the global meter
// named "sagaflow".
func NewOTelMetricsCollector() *OTelMetricsCollector {
	return NewOTelMetricsCollectorWithMeter(otel.Meter("sagaflow"))
}

// NewOTelMetricsCollectorWithMeter creates a collector using a specific
// meter.
func NewOTelMetricsCollectorWithMeter(meter metric.Meter) *OTelMetricsCollector {
	return &OTelMetricsCollector{
		meter:      meter,
		counters:   make(map[string]metric.Int64Counter),
		histograms: make(map[string]metric.Float64Histogram),
		gauges:     make(map[string]metric.Float64UpDownCounter),
	}
}

func (m *OTelMetricsCollector) IncrementCounter(name string, tags map[string]string) {
	counter, err := m.getOrCreateCounter(name)
	if err != nil {
		return
	}
	counter.Add(context.Background(), 1, metric.WithAttributes(toAttributes(tags)...))
}

func (m *OTelMetricsCollector) RecordDuration(name string, duration time.Duration, tags map[string]string) {
	histogram, err := m.getOrCreateHistogram(name)
	if err != nil {
		return
	}
	histogram.Record(context.Background(), duration.Seconds(), metric.WithAttributes(toAttributes(tags)...))
}

func (m *OTelMetricsCollector) RecordGauge(name string, value float64, tags map[string]string) {
	gauge, err := m.getOrCreateGauge(name)
	if err != nil {
		return
	}
	gauge.Add(context.Background(), value, metric.WithAttributes(toAttributes(tags)...))
}

func (m *OTelMetricsCollector) getOrCreateCounter(name string) (metric.Int64Counter, error) {
	if c, ok := m.counters[name]; ok {
		return c, nil
	}
	c, err := m.meter.Int64Counter(name)
	if err != nil {
		return nil, err
	}
	m.counters[name] = c
	return c, nil
}

func (m *OTelMetricsCollector) getOrCreateHistogram(name string) (metric.Float64Histogram, error) {
	if h, ok := m.histograms[name]; ok {
		return h, nil
	}
	h, err := m.meter.Float64Histogram(name, metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}
	m.histograms[name] = h
	return h, nil
}

func (m *OTelMetricsCollector) getOrCreateGauge(name string) (metric.Float64UpDownCounter, error) {
	if g, ok := m.gauges[name]; ok {
		return g, nil
	}
	g, err := m.meter.Float64UpDownCounter(name)
	if err != nil {
		return nil, err
	}
	m.gauges[name] = g
	return g, nil
}

func toAttributes(tags map[string]string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, len(tags))
	for k, v := range tags {
		attrs = append(attrs, attribute.String(k, v))
	}
	return attrs
}
