package api

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"taskboard/domain"
)

const (
	instrumentationName = "taskboard/api"
	commandSpanName     = "taskboard.command"
	commandMetricsMsg   = "command.metrics"

	outcomeCommitted = "committed"
)

type commandMetrics struct {
	logger        *log.Logger
	span          trace.Span
	start         time.Time
	transport     string
	commandType   domain.CommandType
	taskID        string
	storeDuration time.Duration
}

func newCommandMetrics(ctx context.Context, logger *log.Logger, transport string) (*commandMetrics, context.Context) {
	ctx, span := otel.Tracer(instrumentationName).Start(ctx, commandSpanName, trace.WithSpanKind(trace.SpanKindServer))
	span.SetAttributes(attribute.String("taskboard.transport", transport))
	return &commandMetrics{logger: logger, span: span, start: time.Now(), transport: transport}, ctx
}

func (m *commandMetrics) SetCommand(t domain.CommandType, taskID string) {
	m.commandType = t
	m.taskID = taskID
}

func (m *commandMetrics) ObserveStore(d time.Duration) {
	if d <= 0 {
		return
	}
	m.storeDuration = d
}

// Finish ends the span and emits the per-command log record. outcome is
// outcomeCommitted or a rejection reason.
func (m *commandMetrics) Finish(outcome string, err error) {
	total := time.Since(m.start)
	attrs := []attribute.KeyValue{
		attribute.String("taskboard.command.type", string(m.commandType)),
		attribute.String("taskboard.command.outcome", outcome),
		attribute.Float64("taskboard.command.total_ms", durationToMillis(total)),
	}
	if m.taskID != "" {
		attrs = append(attrs, attribute.String("taskboard.task.id", m.taskID))
	}
	if m.storeDuration > 0 {
		attrs = append(attrs, attribute.Float64("taskboard.command.store_ms", durationToMillis(m.storeDuration)))
	}
	m.span.SetAttributes(attrs...)
	// rejections are expected outcomes; only storage failures mark the span
	switch {
	case outcome == domain.ReasonStorage:
		m.span.RecordError(err)
		m.span.SetStatus(codes.Error, "storage failure")
	case err == nil:
		m.span.SetStatus(codes.Ok, "")
	}
	m.span.End()

	if m.logger == nil {
		return
	}
	fields := log.Fields{
		"transport": m.transport,
		"type":      m.commandType,
		"outcome":   outcome,
		"total_ms":  durationToMillis(total),
	}
	if m.taskID != "" {
		fields["task"] = m.taskID
	}
	if m.storeDuration > 0 {
		fields["store_ms"] = durationToMillis(m.storeDuration)
	}
	if err != nil {
		fields["error"] = err.Error()
	}
	if sc := m.span.SpanContext(); sc.HasTraceID() {
		fields["trace_id"] = sc.TraceID().String()
	}
	entry := m.logger.WithFields(fields)
	if outcome == domain.ReasonStorage {
		entry.Error(commandMetricsMsg)
		return
	}
	entry.Info(commandMetricsMsg)
}

func durationToMillis(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}
