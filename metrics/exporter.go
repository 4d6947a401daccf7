package metrics

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/consoul-dev/consoul-hooks/webhook"
)

// Exporter owns the OpenTelemetry meter provider backed by a Prometheus
// reader; the /metrics endpoint serves its output.
type Exporter struct {
	meterProvider *sdkmetric.MeterProvider
	meter         metric.Meter
}

func NewExporter() (*Exporter, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("creating prometheus exporter: %w", err)
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
	)
	otel.SetMeterProvider(meterProvider)

	meter := meterProvider.Meter(
		"consoul-hooks",
		metric.WithInstrumentationVersion("1.0.0"),
	)

	return &Exporter{meterProvider: meterProvider, meter: meter}, nil
}

// Meter returns the meter instruments should be created on.
func (e *Exporter) Meter() metric.Meter {
	return e.meter
}

/* RegisterQueueDepth publishes the queue's current depth as an
 * observable gauge; the queue is polled at scrape time.
 */
func (e *Exporter) RegisterQueueDepth(queue webhook.Queue) error {
	_, err := e.meter.Int64ObservableGauge(
		"consoul.queue.depth",
		metric.WithDescription("Delivery jobs waiting or in flight"),
		metric.WithUnit("{jobs}"),
		metric.WithInt64Callback(func(ctx context.Context, observer metric.Int64Observer) error {
			depth, err := queue.Depth(ctx)
			if err != nil {
				return err
			}
			observer.Observe(depth)
			return nil
		}),
	)
	if err != nil {
		return fmt.Errorf("creating queue depth gauge: %w", err)
	}
	return nil
}

// Handler serves Prometheus-formatted metrics.
func (e *Exporter) Handler() http.Handler {
	return promhttp.Handler()
}

// Shutdown flushes and stops the meter provider.
func (e *Exporter) Shutdown(ctx context.Context) error {
	if e.meterProvider != nil {
		return e.meterProvider.Shutdown(ctx)
	}
	return nil
}
