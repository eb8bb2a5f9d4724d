package observe

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// useTestTracer installs an in-memory tracer provider as the global one for
// the duration of the test.
func useTestTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	orig := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(orig) })
	return exp
}

func TestCorrelationID_EmptyByDefault(t *testing.T) {
	if got := CorrelationID(context.Background()); got != "" {
		t.Errorf("CorrelationID(background) = %q, want empty", got)
	}
}

func TestStartSpan_EndSpan(t *testing.T) {
	exp := useTestTracer(t)

	_, good := StartSpan(context.Background(), "capture.convert")
	EndSpan(good, nil)
	_, bad := StartSpan(context.Background(), "archive.upload")
	EndSpan(bad, errors.New("bucket missing"))

	spans := exp.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("got %d spans, want 2", len(spans))
	}
	if spans[0].Name != "capture.convert" || spans[0].Status.Code == codes.Error {
		t.Errorf("span 0 = %s status %v", spans[0].Name, spans[0].Status)
	}
	if spans[1].Status.Code != codes.Error || spans[1].Status.Description != "bucket missing" {
		t.Errorf("span 1 status = %+v", spans[1].Status)
	}
	if len(spans[1].Events) == 0 {
		t.Error("error was not recorded as a span event")
	}
}

func TestCorrelationID_MatchesSpan(t *testing.T) {
	useTestTracer(t)

	ctx, span := StartSpan(context.Background(), "x")
	defer span.End()

	cid := CorrelationID(ctx)
	if len(cid) != 32 || cid != span.SpanContext().TraceID().String() {
		t.Errorf("CorrelationID = %q", cid)
	}
}

func TestLogger_AddsTraceAttributes(t *testing.T) {
	useTestTracer(t)

	var buf bytes.Buffer
	orig := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(orig) })

	ctx, span := StartSpan(context.Background(), "x")
	defer span.End()
	Logger(ctx).Info("hello")
	Logger(context.Background()).Info("plain")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d log lines, want 2", len(lines))
	}
	if !strings.Contains(lines[0], "trace_id="+CorrelationID(ctx)) || !strings.Contains(lines[0], "span_id=") {
		t.Errorf("traced line missing ids: %s", lines[0])
	}
	if strings.Contains(lines[1], "trace_id") {
		t.Errorf("untraced line carries trace_id: %s", lines[1])
	}
}
