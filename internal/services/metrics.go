package services

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "testforge/backend/internal/services"

type engineMetrics struct {
	executionsStarted  metric.Int64Counter
	executionsFinished metric.Int64Counter
	stepAttempts       metric.Int64Counter
	stepDuration       metric.Float64Histogram
	cost               metric.Float64Counter
}

// newEngineMetrics registers the engine's instruments on the global meter
// provider. Instrument errors are reported through otel's error handler and
// leave a no-op instrument in place.
func newEngineMetrics() *engineMetrics {
	meter := otel.Meter(instrumentationName)
	m := &engineMetrics{}
	var err error
	if m.executionsStarted, err = meter.Int64Counter("workflow.executions.started",
		metric.WithDescription("Workflow executions that began dispatching steps")); err != nil {
		otel.Handle(err)
	}
	if m.executionsFinished, err = meter.Int64Counter("workflow.executions.finished",
		metric.WithDescription("Workflow executions that reached a terminal status")); err != nil {
		otel.Handle(err)
	}
	if m.stepAttempts, err = meter.Int64Counter("workflow.step.attempts",
		metric.WithDescription("Agent invocations, including retries")); err != nil {
		otel.Handle(err)
	}
	if m.stepDuration, err = meter.Float64Histogram("workflow.step.duration",
		metric.WithUnit("ms"),
		metric.WithDescription("Wall time of a step including retries")); err != nil {
		otel.Handle(err)
	}
	if m.cost, err = meter.Float64Counter("workflow.cost",
		metric.WithUnit("USD"),
		metric.WithDescription("Cost reported by agents for completed steps")); err != nil {
		otel.Handle(err)
	}
	return m
}

func (m *engineMetrics) started(ctx context.Context, workflowID string) {
	if m.executionsStarted != nil {
		m.executionsStarted.Add(ctx, 1, metric.WithAttributes(attribute.String("workflow.id", workflowID)))
	}
}

func (m *engineMetrics) finished(ctx context.Context, workflowID, status string) {
	if m.executionsFinished != nil {
		m.executionsFinished.Add(ctx, 1, metric.WithAttributes(
			attribute.String("workflow.id", workflowID),
			attribute.String("status", status)))
	}
}

func (m *engineMetrics) step(ctx context.Context, agent, status string, attempts int, durationMs float64, costUSD float64) {
	attrs := metric.WithAttributes(attribute.String("agent", agent), attribute.String("status", status))
	if m.stepAttempts != nil {
		m.stepAttempts.Add(ctx, int64(attempts), attrs)
	}
	if m.stepDuration != nil {
		m.stepDuration.Record(ctx, durationMs, attrs)
	}
	if m.cost != nil && costUSD > 0 {
		m.cost.Add(ctx, costUSD, metric.WithAttributes(attribute.String("agent", agent)))
	}
}
