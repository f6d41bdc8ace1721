package otel

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// WithPhase labels a measurement with the cognitive phase it covers.
func WithPhase(phase string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("phase", phase))
}

// WithLoop labels a measurement with the loop it belongs to.
func WithLoop(loopID string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("loop_id", loopID))
}

// WithKind labels a measurement with a message kind.
func WithKind(kind string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("kind", kind))
}

// WithSeverity labels a measurement with an alert severity.
func WithSeverity(severity string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("severity", severity))
}

// Metrics holds all swarmd metric instruments.
type Metrics struct {
	LoopDuration       metric.Float64Histogram
	LoopFirings        metric.Int64Counter
	LoopDrops          metric.Int64Counter
	LoopFailures       metric.Int64Counter
	CyclePhaseDuration metric.Float64Histogram
	MessagesPublished  metric.Int64Counter
	RequestTimeouts    metric.Int64Counter
	PriorityDepth      metric.Int64UpDownCounter
	SubtaskDispatches  metric.Int64Counter
	AlertsRaised       metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.LoopDuration, err = meter.Float64Histogram("swarmd.loop.duration",
		metric.WithDescription("Cognitive cycle duration per loop in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.LoopFirings, err = meter.Int64Counter("swarmd.loop.firings",
		metric.WithDescription("Loop timer firings"),
	)
	if err != nil {
		return nil, err
	}

	m.LoopDrops, err = meter.Int64Counter("swarmd.loop.drops",
		metric.WithDescription("Firings dropped because the previous invocation was still running"),
	)
	if err != nil {
		return nil, err
	}

	m.LoopFailures, err = meter.Int64Counter("swarmd.loop.failures",
		metric.WithDescription("Loop invocations ending in failure"),
	)
	if err != nil {
		return nil, err
	}

	m.CyclePhaseDuration, err = meter.Float64Histogram("swarmd.cycle.phase.duration",
		metric.WithDescription("Cognitive phase duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.MessagesPublished, err = meter.Int64Counter("swarmd.bus.published",
		metric.WithDescription("Messages published to the bus"),
	)
	if err != nil {
		return nil, err
	}

	m.RequestTimeouts, err = meter.Int64Counter("swarmd.bus.request_timeouts",
		metric.WithDescription("Request/response exchanges that timed out"),
	)
	if err != nil {
		return nil, err
	}

	m.PriorityDepth, err = meter.Int64UpDownCounter("swarmd.bus.priority_depth",
		metric.WithDescription("Messages waiting on the priority channel"),
	)
	if err != nil {
		return nil, err
	}

	m.SubtaskDispatches, err = meter.Int64Counter("swarmd.coordinator.dispatches",
		metric.WithDescription("Subtasks dispatched by the coordinator"),
	)
	if err != nil {
		return nil, err
	}

	m.AlertsRaised, err = meter.Int64Counter("swarmd.alerts.raised",
		metric.WithDescription("Alerts raised by severity"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
