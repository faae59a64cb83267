// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package kvm

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric names emitted by the client.
const (
	MetricBytesIn         = "kvm.bytes.in"
	MetricBytesOut        = "kvm.bytes.out"
	MetricPacketsSent     = "kvm.packets.sent"
	MetricCommandsDropped = "kvm.commands.dropped"
	MetricDesyncs         = "kvm.desyncs"
	MetricUnknownTags     = "kvm.unknown_tags"
	MetricVideoUnits      = "kvm.video.units"
	MetricVideoUnitBytes  = "kvm.video.unit_bytes"
	MetricKeepAlives      = "kvm.keepalives"
	MetricConnects        = "kvm.connects"
	MetricConnectSeconds  = "kvm.connect.duration"
	MetricSendQueueDepth  = "kvm.send_queue.depth"
)

// MetricsCollector receives client measurements.
type MetricsCollector interface {
	Counter(name string, delta int64, fields ...Field)
	Gauge(name string, value float64, fields ...Field)
	Histogram(name string, value float64, fields ...Field)
}

// NoOpMetrics is a MetricsCollector implementation that discards all metrics.
type NoOpMetrics struct{}

// Counter discards the measurement.
func (m *NoOpMetrics) Counter(name string, delta int64, fields ...Field) {}

// Gauge discards the measurement.
func (m *NoOpMetrics) Gauge(name string, value float64, fields ...Field) {}

// Histogram discards the measurement.
func (m *NoOpMetrics) Histogram(name string, value float64, fields ...Field) {}

// OTelMetrics records measurements through an OpenTelemetry meter.
// Instruments are created on first use and cached by name.
type OTelMetrics struct {
	meter metric.Meter

	mu         sync.Mutex
	counters   map[string]metric.Int64Counter
	gauges     map[string]metric.Float64Gauge
	histograms map[string]metric.Float64Histogram
}

// NewOTelMetrics creates a collector using the global meter provider.
func NewOTelMetrics(instrumentationName string) *OTelMetrics {
	if instrumentationName == "" {
		instrumentationName = "github.com/tenthirtyam/go-kvm"
	}
	return NewOTelMetricsWithMeter(otel.Meter(instrumentationName))
}

// NewOTelMetricsWithMeter creates a collector on an explicit meter.
func NewOTelMetricsWithMeter(meter metric.Meter) *OTelMetrics {
	return &OTelMetrics{
		meter:      meter,
		counters:   make(map[string]metric.Int64Counter),
		gauges:     make(map[string]metric.Float64Gauge),
		histograms: make(map[string]metric.Float64Histogram),
	}
}

// Counter adds delta to the named counter.
func (m *OTelMetrics) Counter(name string, delta int64, fields ...Field) {
	m.mu.Lock()
	c, ok := m.counters[name]
	if !ok {
		var err error
		if c, err = m.meter.Int64Counter(name); err != nil {
			m.mu.Unlock()
			otel.Handle(err)
			return
		}
		m.counters[name] = c
	}
	m.mu.Unlock()

	c.Add(context.Background(), delta, metric.WithAttributes(otelFields(fields)...))
}

// Gauge records the current value of the named gauge.
func (m *OTelMetrics) Gauge(name string, value float64, fields ...Field) {
	m.mu.Lock()
	g, ok := m.gauges[name]
	if !ok {
		var err error
		if g, err = m.meter.Float64Gauge(name); err != nil {
			m.mu.Unlock()
			otel.Handle(err)
			return
		}
		m.gauges[name] = g
	}
	m.mu.Unlock()

	g.Record(context.Background(), value, metric.WithAttributes(otelFields(fields)...))
}

// Histogram records value into the named histogram.
func (m *OTelMetrics) Histogram(name string, value float64, fields ...Field) {
	m.mu.Lock()
	h, ok := m.histograms[name]
	if !ok {
		var err error
		if h, err = m.meter.Float64Histogram(name); err != nil {
			m.mu.Unlock()
			otel.Handle(err)
			return
		}
		m.histograms[name] = h
	}
	m.mu.Unlock()

	h.Record(context.Background(), value, metric.WithAttributes(otelFields(fields)...))
}

func otelFields(fields []Field) []attribute.KeyValue {
	out := make([]attribute.KeyValue, 0, len(fields))
	for _, f := range fields {
		switch val := f.Value.(type) {
		case string:
			out = append(out, attribute.String(f.Key, val))
		case bool:
			out = append(out, attribute.Bool(f.Key, val))
		case int:
			out = append(out, attribute.Int(f.Key, val))
		case int64:
			out = append(out, attribute.Int64(f.Key, val))
		case uint8:
			out = append(out, attribute.Int(f.Key, int(val)))
		case uint16:
			out = append(out, attribute.Int(f.Key, int(val)))
		case uint32:
			out = append(out, attribute.Int64(f.Key, int64(val)))
		case uint64:
			out = append(out, attribute.Int64(f.Key, int64(val))) // #nosec G115 - attribute values only
		case float64:
			out = append(out, attribute.Float64(f.Key, val))
		case error:
			out = append(out, attribute.String(f.Key, val.Error()))
		default:
			out = append(out, attribute.String(f.Key, fmt.Sprintf("%v", val)))
		}
	}
	return out
}

// Stats holds always-on counters for one client. All fields are updated
// atomically and survive reconnects.
type Stats struct {
	BytesIn         atomic.Uint64
	BytesOut        atomic.Uint64
	PacketsSent     atomic.Uint64
	CommandsDropped atomic.Uint64
	Desyncs         atomic.Uint64
	UnknownTags     atomic.Uint64
	VideoUnits      atomic.Uint64
	KeepAlives      atomic.Uint64
	Connects        atomic.Uint64
}

// StatsSnapshot is a point-in-time copy of Stats.
type StatsSnapshot struct {
	BytesIn         uint64
	BytesOut        uint64
	PacketsSent     uint64
	CommandsDropped uint64
	Desyncs         uint64
	UnknownTags     uint64
	VideoUnits      uint64
	KeepAlives      uint64
	Connects        uint64
}

// Snapshot copies the current counter values.
func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		BytesIn:         s.BytesIn.Load(),
		BytesOut:        s.BytesOut.Load(),
		PacketsSent:     s.PacketsSent.Load(),
		CommandsDropped: s.CommandsDropped.Load(),
		Desyncs:         s.Desyncs.Load(),
		UnknownTags:     s.UnknownTags.Load(),
		VideoUnits:      s.VideoUnits.Load(),
		KeepAlives:      s.KeepAlives.Load(),
		Connects:        s.Connects.Load(),
	}
}
