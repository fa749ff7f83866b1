package api

import (
	"context"
	"errors"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"taskboard/domain"
)

func TestCommandMetricsCommitted(t *testing.T) {
	logger, hook := test.NewNullLogger()
	tp, exporter, restore := setupTestTracer(t)
	defer restore()

	metrics, _ := newCommandMetrics(context.Background(), logger, transportWebsocket)
	metrics.start = metrics.start.Add(-20 * time.Millisecond)
	metrics.SetCommand(domain.CommandMoveTask, "task-1")
	metrics.ObserveStore(5 * time.Millisecond)
	metrics.Finish(outcomeCommitted, nil)

	if err := tp.ForceFlush(context.Background()); err != nil {
		t.Fatalf("force flush spans: %v", err)
	}

	entry := waitForLogEntry(t, hook, time.Second)
	if entry.Message != commandMetricsMsg || entry.Level != log.InfoLevel {
		t.Fatalf("unexpected entry: %s at %s", entry.Message, entry.Level)
	}
	if entry.Data["type"] != domain.CommandMoveTask || entry.Data["task"] != "task-1" {
		t.Fatalf("unexpected fields: %#v", entry.Data)
	}
	if entry.Data["store_ms"] != 5.0 {
		t.Fatalf("unexpected store duration: %#v", entry.Data["store_ms"])
	}
	if _, ok := entry.Data["trace_id"]; !ok {
		t.Fatalf("expected trace id to be logged")
	}

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected one span, got %d", len(spans))
	}
	span := spans[0]
	if span.Name != commandSpanName {
		t.Fatalf("unexpected span name: %s", span.Name)
	}
	if span.Status.Code != codes.Ok {
		t.Fatalf("unexpected span status: %v", span.Status)
	}
	attrs := attributeMap(span.Attributes)
	if attrs["taskboard.command.outcome"].AsString() != outcomeCommitted {
		t.Fatalf("unexpected outcome attribute: %v", attrs["taskboard.command.outcome"])
	}
	if attrs["taskboard.task.id"].AsString() != "task-1" {
		t.Fatalf("unexpected task attribute: %v", attrs["taskboard.task.id"])
	}
	if attrs["taskboard.command.total_ms"].AsFloat64() < 20 {
		t.Fatalf("unexpected total duration: %v", attrs["taskboard.command.total_ms"])
	}
}

func TestCommandMetricsStorageFailureMarksSpan(t *testing.T) {
	logger, hook := test.NewNullLogger()
	tp, exporter, restore := setupTestTracer(t)
	defer restore()

	metrics, _ := newCommandMetrics(context.Background(), logger, transportREST)
	metrics.SetCommand(domain.CommandCreateTask, "")
	metrics.Finish(domain.ReasonStorage, errors.New("boom"))

	if err := tp.ForceFlush(context.Background()); err != nil {
		t.Fatalf("force flush spans: %v", err)
	}
	entry := waitForLogEntry(t, hook, time.Second)
	if entry.Level != log.ErrorLevel || entry.Data["error"] != "boom" {
		t.Fatalf("unexpected entry: %s %#v", entry.Level, entry.Data)
	}
	spans := exporter.GetSpans()
	if len(spans) != 1 || spans[0].Status.Code != codes.Error {
		t.Fatalf("expected errored span, got %+v", spans)
	}
}

func TestCommandMetricsRejectionLeavesSpanUnset(t *testing.T) {
	logger, _ := test.NewNullLogger()
	tp, exporter, restore := setupTestTracer(t)
	defer restore()

	metrics, _ := newCommandMetrics(context.Background(), logger, transportREST)
	metrics.Finish(domain.ReasonConflict, domain.ErrConflictRejected)

	if err := tp.ForceFlush(context.Background()); err != nil {
		t.Fatalf("force flush spans: %v", err)
	}
	spans := exporter.GetSpans()
	if len(spans) != 1 || spans[0].Status.Code != codes.Unset {
		t.Fatalf("expected unset status, got %+v", spans)
	}
}

func attributeMap(kvs []attribute.KeyValue) map[attribute.Key]attribute.Value {
	out := make(map[attribute.Key]attribute.Value, len(kvs))
	for _, kv := range kvs {
		out[kv.Key] = kv.Value
	}
	return out
}

func setupTestTracer(t *testing.T) (*sdktrace.TracerProvider, *tracetest.InMemoryExporter, func()) {
	t.Helper()

	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSpanProcessor(sdktrace.NewSimpleSpanProcessor(exporter)),
	)
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)

	cleanup := func() {
		if err := tp.Shutdown(context.Background()); err != nil {
			t.Logf("shutdown tracer provider: %v", err)
		}
		otel.SetTracerProvider(prev)
	}
	return tp, exporter, cleanup
}

func waitForLogEntry(t *testing.T, hook *test.Hook, timeout time.Duration) *log.Entry {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for {
		if entry := hook.LastEntry(); entry != nil {
			return entry
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected log entry within %v", timeout)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
