// Package metrics exposes delivery-engine metrics through OpenTelemetry
// instruments exported in Prometheus format.
package metrics

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Delivery outcome labels recorded on the outcome counter.
const (
	ResultSuccess = "success"
	ResultRetry   = "retry"
	ResultExpired = "expired"
)

/* Recorder counts delivery activity. A nil *Recorder is valid and
 * records nothing, so callers never need to branch on whether metrics
 * are wired up.
 */
type Recorder struct {
	attempts metric.Int64Counter
	outcomes metric.Int64Counter
}

// NewRecorder creates the delivery counters on meter.
func NewRecorder(meter metric.Meter) (*Recorder, error) {
	attempts, err := meter.Int64Counter(
		"consoul.delivery.attempts",
		metric.WithDescription("Delivery attempts started"),
		metric.WithUnit("{attempts}"),
	)
	if err != nil {
		return nil, err
	}

	outcomes, err := meter.Int64Counter(
		"consoul.delivery.outcomes",
		metric.WithDescription("Delivery attempts by terminal result"),
		metric.WithUnit("{attempts}"),
	)
	if err != nil {
		return nil, err
	}

	return &Recorder{attempts: attempts, outcomes: outcomes}, nil
}

// DeliveryAttempt records the start of a delivery attempt.
func (r *Recorder) DeliveryAttempt(ctx context.Context, eventType string) {
	if r == nil {
		return
	}
	r.attempts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event.type", eventType),
	))
}

// DeliveryOutcome records how an attempt ended.
func (r *Recorder) DeliveryOutcome(ctx context.Context, eventType, result string) {
	if r == nil {
		return
	}
	r.outcomes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event.type", eventType),
		attribute.String("delivery.result", result),
	))
}
