package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/metric"
)

type metrics struct {
	calls     metric.Int64Counter
	errors    metric.Int64Counter
	latency   metric.Float64Histogram
	highRisk  metric.Int64Counter
	approvals metric.Int64Counter
}

func newMetrics(m metric.Meter) (*metrics, error) {
	if m == nil {
		return &metrics{}, nil
	}
	calls, err := m.Int64Counter("middleware.calls.total",
		metric.WithDescription("Total middleware layer invocations."))
	if err != nil {
		return nil, err
	}
	errs, err := m.Int64Counter("middleware.errors.total",
		metric.WithDescription("Middleware layer invocations that ended in the error hook."))
	if err != nil {
		return nil, err
	}
	latency, err := m.Float64Histogram("middleware.latency.ms",
		metric.WithDescription("Per-layer latency in milliseconds."), metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}
	highRisk, err := m.Int64Counter("risk.high.total",
		metric.WithDescription("HIGH-tier risk detections."))
	if err != nil {
		return nil, err
	}
	approvals, err := m.Int64Counter("approval.decisions.total",
		metric.WithDescription("Approval gate outcomes by decision."))
	if err != nil {
		return nil, err
	}
	return &metrics{calls: calls, errors: errs, latency: latency, highRisk: highRisk, approvals: approvals}, nil
}

func (m *metrics) recordInvocation(ctx context.Context, name string, d time.Duration, err error) {
	if m.calls == nil {
		return
	}
	attrs := metric.WithAttributes(attrMiddleware.String(name), attrFailed.Bool(err != nil))
	m.calls.Add(ctx, 1, attrs)
	if err != nil && m.errors != nil {
		m.errors.Add(ctx, 1, metric.WithAttributes(attrMiddleware.String(name)))
	}
	if m.latency != nil {
		m.latency.Record(ctx, float64(d.Microseconds())/1000.0, attrs)
	}
}

func (m *metrics) recordHighRisk(ctx context.Context, ticker string, blocked bool) {
	if m.highRisk == nil {
		return
	}
	attrs := []metric.AddOption{metric.WithAttributes(attrTicker.String(ticker), attrBlocked.Bool(blocked))}
	m.highRisk.Add(ctx, 1, attrs...)
}

func (m *metrics) recordApproval(ctx context.Context, decision string) {
	if m.approvals == nil {
		return
	}
	m.approvals.Add(ctx, 1, metric.WithAttributes(attrDecision.String(decision)))
}
