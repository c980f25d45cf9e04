package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the coordinator's instruments. Every Record method is safe on
// a nil receiver, so components can be built without telemetry.
type Metrics struct {
	messagesDelivered metric.Int64Counter
	messagesDropped   metric.Int64Counter
	budgetWarnings    metric.Int64Counter
	retries           metric.Int64Counter
	escalations       metric.Int64Counter
	checkpointWrites  metric.Int64Counter
	dispatchRejected  metric.Int64Counter
	dispatchBatchSize metric.Int64Histogram
	barrierWait       metric.Float64Histogram
	sessionsEnded     metric.Int64Counter
	replacements      metric.Int64Counter
}

// NewMetrics registers the instruments on provider. A nil provider yields a
// nil *Metrics.
func NewMetrics(provider metric.MeterProvider) (*Metrics, error) {
	if provider == nil {
		return nil, nil
	}
	meter := provider.Meter(MeterName)
	m := &Metrics{}
	var err error

	if m.messagesDelivered, err = meter.Int64Counter("troupe_messages_delivered_total",
		metric.WithDescription("Messages placed in a worker inbox"),
		metric.WithUnit("{message}")); err != nil {
		return nil, err
	}
	if m.messagesDropped, err = meter.Int64Counter("troupe_messages_dropped_total",
		metric.WithDescription("Messages dropped after the unreachable-recipient queue interval"),
		metric.WithUnit("{message}")); err != nil {
		return nil, err
	}
	if m.budgetWarnings, err = meter.Int64Counter("troupe_budget_warnings_total",
		metric.WithDescription("Sends past a worker's soft message budget"),
		metric.WithUnit("{warning}")); err != nil {
		return nil, err
	}
	if m.retries, err = meter.Int64Counter("troupe_task_retries_total",
		metric.WithDescription("Task retries scheduled, by fault class"),
		metric.WithUnit("{retry}")); err != nil {
		return nil, err
	}
	if m.escalations, err = meter.Int64Counter("troupe_task_escalations_total",
		metric.WithDescription("Tasks moved to escalated"),
		metric.WithUnit("{task}")); err != nil {
		return nil, err
	}
	if m.checkpointWrites, err = meter.Int64Counter("troupe_checkpoint_writes_total",
		metric.WithDescription("Checkpoint write attempts"),
		metric.WithUnit("{write}")); err != nil {
		return nil, err
	}
	if m.dispatchRejected, err = meter.Int64Counter("troupe_dispatch_rejected_total",
		metric.WithDescription("Nested dispatch calls rejected before any side effect"),
		metric.WithUnit("{dispatch}")); err != nil {
		return nil, err
	}
	if m.dispatchBatchSize, err = meter.Int64Histogram("troupe_dispatch_batch_size",
		metric.WithDescription("Sub-calls per accepted dispatch batch"),
		metric.WithUnit("{call}"),
		metric.WithExplicitBucketBoundaries(1, 2, 3, 4, 5)); err != nil {
		return nil, err
	}
	if m.barrierWait, err = meter.Float64Histogram("troupe_barrier_wait_seconds",
		metric.WithDescription("Time from barrier creation to release"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.5, 1, 5, 15, 30, 60, 120, 300)); err != nil {
		return nil, err
	}
	if m.sessionsEnded, err = meter.Int64Counter("troupe_sessions_terminated_total",
		metric.WithDescription("Pattern sessions terminated, by protocol and confidence"),
		metric.WithUnit("{session}")); err != nil {
		return nil, err
	}
	if m.replacements, err = meter.Int64Counter("troupe_worker_replacements_total",
		metric.WithDescription("Unresponsive workers replaced"),
		metric.WithUnit("{worker}")); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metrics) RecordDelivered(ctx context.Context, msgType string) {
	if m == nil {
		return
	}
	m.messagesDelivered.Add(ctx, 1, metric.WithAttributes(attribute.String("type", msgType)))
}

func (m *Metrics) RecordDropped(ctx context.Context, msgType string) {
	if m == nil {
		return
	}
	m.messagesDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("type", msgType)))
}

func (m *Metrics) RecordBudgetWarning(ctx context.Context) {
	if m == nil {
		return
	}
	m.budgetWarnings.Add(ctx, 1)
}

func (m *Metrics) RecordRetry(ctx context.Context, class string) {
	if m == nil {
		return
	}
	m.retries.Add(ctx, 1, metric.WithAttributes(attribute.String("class", class)))
}

func (m *Metrics) RecordEscalation(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.escalations.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (m *Metrics) RecordCheckpointWrite(ctx context.Context, success bool) {
	if m == nil {
		return
	}
	m.checkpointWrites.Add(ctx, 1, metric.WithAttributes(attribute.Bool("success", success)))
}

func (m *Metrics) RecordDispatchRejected(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.dispatchRejected.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (m *Metrics) RecordDispatchBatch(ctx context.Context, size int) {
	if m == nil {
		return
	}
	m.dispatchBatchSize.Record(ctx, int64(size))
}

func (m *Metrics) RecordBarrierWait(ctx context.Context, wait time.Duration, incomplete bool) {
	if m == nil {
		return
	}
	m.barrierWait.Record(ctx, wait.Seconds(), metric.WithAttributes(attribute.Bool("incomplete", incomplete)))
}

func (m *Metrics) RecordSessionTerminated(ctx context.Context, protocol, confidence string) {
	if m == nil {
		return
	}
	m.sessionsEnded.Add(ctx, 1, metric.WithAttributes(
		attribute.String("protocol", protocol),
		attribute.String("confidence", confidence),
	))
}

func (m *Metrics) RecordReplacement(ctx context.Context, role string) {
	if m == nil {
		return
	}
	m.replacements.Add(ctx, 1, metric.WithAttributes(attribute.String("role", role)))
}
