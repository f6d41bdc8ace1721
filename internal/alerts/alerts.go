// Package alerts provides the bounded, retrievable alert queue fed by the
// scheduler and coordinator. Alerts are queued until drained; when the queue
// overflows the oldest entry is evicted and counted, never lost silently.
package alerts

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/meshwork-ai/swarmd/internal/bus"
	"github.com/meshwork-ai/swarmd/internal/otel"
)

// Severity levels, ordered.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityError
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityCritical:
		return "critical"
	}
	return "unknown"
}

// Alert is one queued notification.
type Alert struct {
	ID       string
	Severity Severity
	Source   string // loop id, agent id, or component name
	Message  string
	Raised   time.Time
}

const defaultCap = 256

// Queue is a bounded FIFO of alerts. Raising also publishes an alert-kind
// message on the bus so push subscribers see it immediately.
type Queue struct {
	logger  *slog.Logger
	bus     *bus.Bus
	metrics *otel.Metrics

	mu      sync.Mutex
	pending []Alert
	cap     int
	evicted uint64
}

// NewQueue creates an alert queue. The bus may be nil in tests.
func NewQueue(b *bus.Bus, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{logger: logger, bus: b, cap: defaultCap}
}

// Instrument attaches metric instruments. Call once at wiring time.
func (q *Queue) Instrument(m *otel.Metrics) { q.metrics = m }

// Raise queues an alert and mirrors it onto the bus.
func (q *Queue) Raise(ctx context.Context, severity Severity, source, message string) Alert {
	a := Alert{
		ID:       uuid.NewString(),
		Severity: severity,
		Source:   source,
		Message:  message,
		Raised:   time.Now(),
	}

	q.mu.Lock()
	q.pending = append(q.pending, a)
	if len(q.pending) > q.cap {
		q.pending = q.pending[1:]
		q.evicted++
	}
	q.mu.Unlock()

	if q.metrics != nil {
		q.metrics.AlertsRaised.Add(ctx, 1, otel.WithSeverity(severity.String()))
	}
	q.logger.Log(ctx, slogLevel(severity), "alert raised",
		"severity", severity.String(),
		"source", source,
		"message", message,
	)

	if q.bus != nil {
		_ = q.bus.Publish(ctx, bus.Message{
			From:     source,
			To:       bus.Broadcast,
			Kind:     bus.KindAlert,
			Priority: busPriority(severity),
			Payload:  a,
		})
	}
	return a
}

// Drain removes and returns all pending alerts, oldest first.
func (q *Queue) Drain() []Alert {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.pending
	q.pending = nil
	return out
}

// Pending returns a copy of the queue without consuming it.
func (q *Queue) Pending() []Alert {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Alert, len(q.pending))
	copy(out, q.pending)
	return out
}

// Evicted reports how many alerts were dropped to overflow.
func (q *Queue) Evicted() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.evicted
}

func slogLevel(s Severity) slog.Level {
	switch s {
	case SeverityCritical, SeverityError:
		return slog.LevelError
	case SeverityWarning:
		return slog.LevelWarn
	}
	return slog.LevelInfo
}

func busPriority(s Severity) bus.Priority {
	switch s {
	case SeverityCritical:
		return bus.PriorityCritical
	case SeverityError:
		return bus.PriorityHigh
	case SeverityWarning:
		return bus.PriorityMedium
	}
	return bus.PriorityLow
}
