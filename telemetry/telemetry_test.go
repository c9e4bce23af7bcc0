package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestNoopExporter(t *testing.T) {
	exp := NewNoopExporter()

	exp.LogEvent("test", map[string]interface{}{"key": "value"})
	exp.LogMessage(Record{Kind: "request"})

	if err := exp.Flush(); err != nil {
		t.Errorf("Flush() error = %v", err)
	}
	if err := exp.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}

func TestFileExporter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tap.jsonl")

	exp, err := NewFileExporter(path)
	if err != nil {
		t.Fatalf("NewFileExporter() error = %v", err)
	}
	defer exp.Close()

	exp.LogEvent("session_opened", map[string]interface{}{"session_id": "s1"})
	exp.LogMessage(Record{
		SessionID: "s1",
		Transport: "sse_server",
		Direction: DirectionUpstream,
		Kind:      "request",
		Method:    "tools/list",
		Size:      42,
		Payload:   json.RawMessage(`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`),
	})
	exp.Flush()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}

	var rec Record
	if err := json.Unmarshal([]byte(lines[1]), &rec); err != nil {
		t.Fatalf("record is not JSON: %v", err)
	}
	if rec.Method != "tools/list" || rec.Direction != DirectionUpstream {
		t.Errorf("record = %+v", rec)
	}
	if rec.Timestamp.IsZero() {
		t.Error("timestamp should be filled in")
	}
}

func TestHTTPExporter(t *testing.T) {
	received := make(chan []map[string]interface{}, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var items []map[string]interface{}
		json.NewDecoder(r.Body).Decode(&items)
		received <- items
	}))
	defer server.Close()

	exp := NewHTTPExporter(server.URL)
	exp.LogMessage(Record{Kind: "notification", Method: "ping"})
	exp.LogEvent("closed", nil)
	if err := exp.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	got := <-received
	if len(got) != 2 {
		t.Fatalf("server received %d items, want 2", len(got))
	}
	if got[0]["method"] != "ping" {
		t.Errorf("first item = %v", got[0])
	}
}

func TestNewExporter(t *testing.T) {
	tests := []struct {
		protocol string
		wantErr  bool
	}{
		{"noop", false},
		{"", false},
		{"unknown", true},
	}

	for _, tt := range tests {
		t.Run(tt.protocol, func(t *testing.T) {
			exp, err := NewExporter(tt.protocol, "")
			if (err != nil) != tt.wantErr {
				t.Errorf("NewExporter() error = %v, wantErr %v", err, tt.wantErr)
			}
			if exp != nil {
				exp.Close()
			}
		})
	}
}

func TestGetTracer_DefaultsToNoop(t *testing.T) {
	SetGlobalTracer(nil)
	_, span := GetTracer().StartSendSpan(context.Background(), "stdio_server", "request", "ping")
	EndSpan(span, nil)
	if span.SpanContext().IsValid() {
		t.Error("noop tracer should produce invalid span contexts")
	}
}

func TestSendSpan(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	tracer := &Tracer{tracer: tp.Tracer("test"), debug: true}

	_, span := tracer.StartSendSpan(context.Background(), "sse_client", "request", "tools/call")
	EndSpan(span, errors.New("boom"))

	spans := rec.Ended()
	if len(spans) != 1 {
		t.Fatalf("ended spans = %d, want 1", len(spans))
	}
	s := spans[0]
	if s.Name() != "transport.send" {
		t.Errorf("name = %q", s.Name())
	}
	if s.Status().Code != codes.Error {
		t.Errorf("status = %v, want error", s.Status().Code)
	}
	found := false
	for _, kv := range s.Attributes() {
		if kv.Key == "rpc.method" && kv.Value.AsString() == "tools/call" {
			found = true
		}
	}
	if !found {
		t.Error("debug tracer should record rpc.method")
	}
}

func TestInboundSpan(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	tracer := &Tracer{tracer: tp.Tracer("test")}

	_, span := tracer.StartInboundSpan(context.Background(), "sse_server", "s-1")
	EndInboundSpan(span, 202, nil)

	s := rec.Ended()[0]
	var status int64
	for _, kv := range s.Attributes() {
		if kv.Key == "http.response.status_code" {
			status = kv.Value.AsInt64()
		}
	}
	if status != 202 {
		t.Errorf("status attribute = %d, want 202", status)
	}
}

func TestContextPropagation(t *testing.T) {
	otel.SetTextMapPropagator(propagation.TraceContext{})
	tp := sdktrace.NewTracerProvider()
	ctx, span := tp.Tracer("test").Start(context.Background(), "outer")
	defer span.End()

	header := http.Header{}
	InjectContext(ctx, propagation.HeaderCarrier(header))
	if header.Get("traceparent") == "" {
		t.Fatal("traceparent header not injected")
	}

	extracted := ExtractContext(context.Background(), propagation.HeaderCarrier(header))
	_, child := tp.Tracer("test").Start(extracted, "inner")
	defer child.End()
	if child.SpanContext().TraceID() != span.SpanContext().TraceID() {
		t.Error("extracted context should continue the trace")
	}
}

func TestProviderConfig_Enabled(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	if (ProviderConfig{}).Enabled() {
		t.Error("empty config should be disabled")
	}
	cfg := ProviderConfig{Endpoint: "http://collector:4318"}
	if !cfg.Enabled() || cfg.endpoint() != "collector:4318" {
		t.Errorf("endpoint = %q", cfg.endpoint())
	}
	if _, err := InitProvider(context.Background(), ProviderConfig{Endpoint: "x:1", Protocol: "carrier-pigeon"}); err == nil {
		t.Error("unknown protocol should fail")
	}
}
