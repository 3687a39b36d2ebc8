package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the bot's instruments. A nil *Metrics records nothing.
type Metrics struct {
	dispatches      metric.Int64Counter
	dispatchLatency metric.Float64Histogram
	replays         metric.Int64Counter
	cycles          metric.Int64Counter
	ruleRuns        metric.Int64Counter
	unknownReads    metric.Int64Counter
	invoices        metric.Int64Counter
}

// NewMetrics creates the instruments on the global meter provider.
func NewMetrics() *Metrics {
	meter := otel.Meter("chainbot")
	m := &Metrics{}
	m.dispatches, _ = meter.Int64Counter("chainbot_dispatch_total",
		metric.WithDescription("Gateway operations dispatched"),
		metric.WithUnit("{operation}"))
	m.dispatchLatency, _ = meter.Float64Histogram("chainbot_dispatch_latency",
		metric.WithDescription("Gateway operation latency"),
		metric.WithUnit("ms"))
	m.replays, _ = meter.Int64Counter("chainbot_dispatch_replayed_total",
		metric.WithDescription("Write operations served from the idempotency memo"),
		metric.WithUnit("{operation}"))
	m.cycles, _ = meter.Int64Counter("chainbot_cycles_total",
		metric.WithDescription("Scheduler evaluation cycles"),
		metric.WithUnit("{cycle}"))
	m.ruleRuns, _ = meter.Int64Counter("chainbot_rule_runs_total",
		metric.WithDescription("Triggered rule executions by result"),
		metric.WithUnit("{run}"))
	m.unknownReads, _ = meter.Int64Counter("chainbot_unknown_readings_total",
		metric.WithDescription("Snapshot reads that failed"),
		metric.WithUnit("{reading}"))
	m.invoices, _ = meter.Int64Counter("chainbot_invoice_transitions_total",
		metric.WithDescription("Invoice status transitions"),
		metric.WithUnit("{transition}"))
	return m
}

// RecordDispatch counts one dispatched operation.
func (m *Metrics) RecordDispatch(ctx context.Context, chain, op string, success bool, took time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("chain", chain),
		attribute.String("op", op),
		attribute.Bool("success", success),
	)
	if m.dispatches != nil {
		m.dispatches.Add(ctx, 1, attrs)
	}
	if m.dispatchLatency != nil {
		m.dispatchLatency.Record(ctx, float64(took.Microseconds())/1000, attrs)
	}
}

// RecordReplay counts a memo replay.
func (m *Metrics) RecordReplay(ctx context.Context, chain, op string) {
	if m == nil || m.replays == nil {
		return
	}
	m.replays.Add(ctx, 1, metric.WithAttributes(attribute.String("chain", chain), attribute.String("op", op)))
}

// RecordCycle counts a finished cycle and its unknown readings.
func (m *Metrics) RecordCycle(ctx context.Context, unknown int) {
	if m == nil {
		return
	}
	if m.cycles != nil {
		m.cycles.Add(ctx, 1)
	}
	if m.unknownReads != nil && unknown > 0 {
		m.unknownReads.Add(ctx, int64(unknown))
	}
}

// RecordRuleRun counts a triggered rule by kind and result.
func (m *Metrics) RecordRuleRun(ctx context.Context, kind, result string) {
	if m == nil || m.ruleRuns == nil {
		return
	}
	m.ruleRuns.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind), attribute.String("result", result)))
}

// RecordInvoice counts an invoice transition.
func (m *Metrics) RecordInvoice(ctx context.Context, chain, status string) {
	if m == nil || m.invoices == nil {
		return
	}
	m.invoices.Add(ctx, 1, metric.WithAttributes(attribute.String("chain", chain), attribute.String("status", status)))
}
