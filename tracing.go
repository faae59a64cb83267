// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package kvm

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Tracer starts spans around client operations.
type Tracer interface {
	// StartSpan starts a new span with the given name.
	// Returns a context containing the span and a function to end the span.
	StartSpan(ctx context.Context, name string, attrs ...Field) (context.Context, SpanEnder)
}

// SpanEnder ends a span. Call with nil for success or an error to mark the
// span as failed. Fields are attached to the span before it ends.
type SpanEnder func(err error, attrs ...Field)

// NoOpTracer is a tracer that does nothing.
type NoOpTracer struct{}

// StartSpan returns the context unchanged and a no-op end function.
func (NoOpTracer) StartSpan(ctx context.Context, name string, attrs ...Field) (context.Context, SpanEnder) {
	return ctx, func(error, ...Field) {}
}

// OTelTracer adapts OpenTelemetry tracing to the Tracer interface.
type OTelTracer struct {
	tracer trace.Tracer
}

// NewOTelTracer creates an OpenTelemetry tracer using the global provider.
func NewOTelTracer(instrumentationName string) *OTelTracer {
	if instrumentationName == "" {
		instrumentationName = "github.com/tenthirtyam/go-kvm"
	}
	return &OTelTracer{tracer: otel.Tracer(instrumentationName)}
}

// NewOTelTracerWithProvider creates a tracer from an explicit provider.
func NewOTelTracerWithProvider(tp trace.TracerProvider, instrumentationName string) *OTelTracer {
	return &OTelTracer{tracer: tp.Tracer(instrumentationName)}
}

// StartSpan starts a client-kind OpenTelemetry span.
func (t *OTelTracer) StartSpan(ctx context.Context, name string, attrs ...Field) (context.Context, SpanEnder) {
	ctx, span := t.tracer.Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(otelFields(attrs)...))

	return ctx, func(err error, extra ...Field) {
		if len(extra) > 0 {
			span.SetAttributes(otelFields(extra)...)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}
}

// RecordedSpan is a completed span captured by RecordingTracer.
type RecordedSpan struct {
	Name       string
	Start      time.Time
	Duration   time.Duration
	Attributes map[string]interface{}
	Err        error
}

// RecordingTracer keeps completed spans in memory. Useful in tests and for
// debugging without an OpenTelemetry pipeline.
type RecordingTracer struct {
	mu    sync.Mutex
	spans []RecordedSpan
}

// StartSpan starts an in-memory span.
func (t *RecordingTracer) StartSpan(ctx context.Context, name string, attrs ...Field) (context.Context, SpanEnder) {
	span := RecordedSpan{
		Name:       name,
		Start:      time.Now(),
		Attributes: make(map[string]interface{}, len(attrs)),
	}
	for _, a := range attrs {
		span.Attributes[a.Key] = a.Value
	}

	return ctx, func(err error, extra ...Field) {
		for _, a := range extra {
			span.Attributes[a.Key] = a.Value
		}
		span.Duration = time.Since(span.Start)
		span.Err = err

		t.mu.Lock()
		t.spans = append(t.spans, span)
		t.mu.Unlock()
	}
}

// Spans returns a copy of the completed spans.
func (t *RecordingTracer) Spans() []RecordedSpan {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]RecordedSpan, len(t.spans))
	copy(out, t.spans)
	return out
}
