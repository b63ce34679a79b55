// Package metrics records intake, dispatch and job counters through OpenTelemetry.
//
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "caseintake"

type Metrics struct {
	received     metric.Int64Counter
	deadLettered metric.Int64Counter
	abandoned    metric.Int64Counter
	dispatched   metric.Int64Counter
	promoted     metric.Int64Counter
	reset        metric.Int64Counter
	cleaned      metric.Int64Counter
}

// New creates the counters on the global meter provider.
func New() (*Metrics, error) {
	return NewWithProvider(otel.GetMeterProvider())
}

// NewWithProvider creates the counters on provider.
func NewWithProvider(provider metric.MeterProvider) (*Metrics, error) {
	meter := provider.Meter(meterName)
	m := &Metrics{}

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.received, "case_event_messages_received_total", "Bus messages persisted as NEW rows"},
		{&m.deadLettered, "case_event_messages_dead_lettered_total", "Bus messages moved to the dead-letter sub-queue"},
		{&m.abandoned, "case_event_messages_abandoned_total", "Bus messages returned to the bus for redelivery"},
		{&m.dispatched, "case_event_messages_dispatched_total", "Rows handed to the handler pipeline"},
		{&m.promoted, "case_event_messages_promoted_total", "Rows promoted from NEW to READY"},
		{&m.reset, "case_event_messages_reset_total", "Stuck NEW rows given fresh retry metadata"},
		{&m.cleaned, "case_event_messages_cleaned_total", "Rows deleted by the clean-up job"},
	}
	for _, c := range counters {
		counter, err := meter.Int64Counter(c.name,
			metric.WithDescription(c.desc),
			metric.WithUnit("{message}"),
		)
		if err != nil {
			return nil, err
		}
		*c.dst = counter
	}
	return m, nil
}

func (m *Metrics) RecordReceived(ctx context.Context, fromDlq bool) {
	if m == nil {
		return
	}
	m.received.Add(ctx, 1, metric.WithAttributes(attribute.Bool("from_dlq", fromDlq)))
}

func (m *Metrics) RecordDeadLettered(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.deadLettered.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (m *Metrics) RecordAbandoned(ctx context.Context) {
	if m == nil {
		return
	}
	m.abandoned.Add(ctx, 1)
}

// RecordDispatched counts one dispatch with outcome processed, unprocessable or retry.
func (m *Metrics) RecordDispatched(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.dispatched.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *Metrics) RecordPromoted(ctx context.Context, n int) {
	if m == nil || n == 0 {
		return
	}
	m.promoted.Add(ctx, int64(n))
}

func (m *Metrics) RecordReset(ctx context.Context, n int) {
	if m == nil || n == 0 {
		return
	}
	m.reset.Add(ctx, int64(n))
}

func (m *Metrics) RecordCleaned(ctx context.Context, n int64) {
	if m == nil || n == 0 {
		return
	}
	m.cleaned.Add(ctx, n)
}
