package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics is the broker's instrument bundle. A nil *Metrics is valid and
// records nothing, so components can carry it without telemetry wired.
type Metrics struct {
	messagesRouted    metric.Int64Counter
	aiRequestDuration metric.Float64Histogram
	aiTimeouts        metric.Int64Counter
	rateLimitRejects  metric.Int64Counter
	threatsFlagged    metric.Int64Counter
}

// NewMetrics creates every instrument from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.messagesRouted, err = meter.Int64Counter("broker.messages_routed",
		metric.WithDescription("Inbound frames dispatched, by frame type"),
	)
	if err != nil {
		return nil, err
	}

	m.aiRequestDuration, err = meter.Float64Histogram("broker.ai.request_duration",
		metric.WithDescription("Time from forward to resolution, by outcome"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.aiTimeouts, err = meter.Int64Counter("broker.ai.timeouts",
		metric.WithDescription("Pending AI requests resolved by their timeout timer"),
	)
	if err != nil {
		return nil, err
	}

	m.rateLimitRejects, err = meter.Int64Counter("broker.ratelimit.rejects",
		metric.WithDescription("Admission checks denied, by operation kind"),
	)
	if err != nil {
		return nil, err
	}

	m.threatsFlagged, err = meter.Int64Counter("broker.threats.flagged",
		metric.WithDescription("Content screen hits, by category"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// RegisterGauges registers the live-connection and pending-request gauges,
// read on collection via the given callbacks.
func RegisterGauges(meter metric.Meter, connections, pending func() int) error {
	conns, err := meter.Int64ObservableUpDownCounter("broker.connections",
		metric.WithDescription("Live downstream connections"),
	)
	if err != nil {
		return err
	}
	pend, err := meter.Int64ObservableUpDownCounter("broker.ai.pending",
		metric.WithDescription("In-flight AI requests"),
	)
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(conns, int64(connections()))
		o.ObserveInt64(pend, int64(pending()))
		return nil
	}, conns, pend)
	return err
}

// CountRouted records one dispatched frame.
func (m *Metrics) CountRouted(frameType string) {
	if m == nil {
		return
	}
	m.messagesRouted.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("type", frameType)))
}

// ObserveAIRequest records one resolved forward with its outcome
// ("response", "worker_error", "timeout", "bulk_fail").
func (m *Metrics) ObserveAIRequest(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.aiRequestDuration.Record(context.Background(), elapsed.Seconds(),
		metric.WithAttributes(attribute.String("outcome", outcome)))
	if outcome == "timeout" {
		m.aiTimeouts.Add(context.Background(), 1)
	}
}

// CountRateReject records one denied admission check.
func (m *Metrics) CountRateReject(kind string) {
	if m == nil {
		return
	}
	m.rateLimitRejects.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("kind", kind)))
}

// CountThreat records one content-screen hit.
func (m *Metrics) CountThreat(category string) {
	if m == nil {
		return
	}
	m.threatsFlagged.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("category", category)))
}
