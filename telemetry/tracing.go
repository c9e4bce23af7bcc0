// OpenTelemetry tracing support for transport traffic.
package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Tracer wraps OpenTelemetry tracing with transport helpers.
type Tracer struct {
	tracer trace.Tracer
	debug  bool // When true, include method names in span attributes
}

var (
	globalTracer *Tracer
	tracerMu     sync.RWMutex
)

// SetGlobalTracer sets the global tracer instance.
func SetGlobalTracer(t *Tracer) {
	tracerMu.Lock()
	defer tracerMu.Unlock()
	globalTracer = t
}

// GetTracer returns the global tracer, or a no-op tracer if not set.
func GetTracer() *Tracer {
	tracerMu.RLock()
	defer tracerMu.RUnlock()
	if globalTracer == nil {
		return &Tracer{tracer: noop.NewTracerProvider().Tracer("")}
	}
	return globalTracer
}

// NewTracer creates a new tracer with the given name.
func NewTracer(name string, debug bool) *Tracer {
	return &Tracer{
		tracer: otel.Tracer(name),
		debug:  debug,
	}
}

// SetDebug enables or disables debug mode.
func (t *Tracer) SetDebug(debug bool) {
	t.debug = debug
}

// Debug returns whether debug mode is enabled.
func (t *Tracer) Debug() bool {
	return t.debug
}

// StartSpan starts a new span with the given name.
func (t *Tracer) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, opts...)
}

// StartSendSpan starts a span around one outbound message.
func (t *Tracer) StartSendSpan(ctx context.Context, transport, kind, method string) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, "transport.send", trace.WithSpanKind(trace.SpanKindProducer))
	attrs := []attribute.KeyValue{
		attribute.String("transport.kind", transport),
		attribute.String("rpc.message.kind", kind),
	}
	if t.debug && method != "" {
		attrs = append(attrs, attribute.String("rpc.method", method))
	}
	span.SetAttributes(attrs...)
	return ctx, span
}

// StartInboundSpan starts a span around one POSTed message.
func (t *Tracer) StartInboundSpan(ctx context.Context, transport, sessionID string) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, "transport.receive", trace.WithSpanKind(trace.SpanKindServer))
	span.SetAttributes(
		attribute.String("transport.kind", transport),
		attribute.String("transport.session_id", sessionID),
	)
	return ctx, span
}

// EndInboundSpan records the HTTP status and ends the span.
func EndInboundSpan(span trace.Span, status int, err error) {
	span.SetAttributes(attribute.Int("http.response.status_code", status))
	EndSpan(span, err)
}

// EndSpan records err, if any, and ends the span.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// --- Context Propagation ---

// InjectContext injects trace context into a carrier for cross-process propagation.
func InjectContext(ctx context.Context, carrier propagation.TextMapCarrier) {
	otel.GetTextMapPropagator().Inject(ctx, carrier)
}

// ExtractContext extracts trace context from a carrier.
func ExtractContext(ctx context.Context, carrier propagation.TextMapCarrier) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, carrier)
}
