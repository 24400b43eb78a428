// Package otel provides OpenTelemetry instrumentation for the gateway.
package otel

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "freightgate"

// Counter is the metric instrument type used by the dispatch path.
// Instruments are interfaces, so an unset field is nil and safely skippable.
type Counter = metric.Int64Counter

// Metrics holds all gateway metric instruments.
type Metrics struct {
	TasksSubmitted    Counter
	ResultsReceived   Counter
	DeliveriesDropped Counter
	PersistFailures   Counter
}

// NewMetrics creates all metric instruments.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)
	m := &Metrics{}
	var err error

	m.TasksSubmitted, err = meter.Int64Counter("freightgate.tasks.submitted",
		metric.WithDescription("Number of tasks dispatched to the scheduler"))
	if err != nil {
		return nil, err
	}

	m.ResultsReceived, err = meter.Int64Counter("freightgate.results.received",
		metric.WithDescription("Number of scheduler results consumed"))
	if err != nil {
		return nil, err
	}

	m.DeliveriesDropped, err = meter.Int64Counter("freightgate.deliveries.dropped",
		metric.WithDescription("Number of results with no live client to deliver to"))
	if err != nil {
		return nil, err
	}

	m.PersistFailures, err = meter.Int64Counter("freightgate.persist.failures",
		metric.WithDescription("Number of best-effort task writes that failed"))
	if err != nil {
		return nil, err
	}

	return m, nil
}
