package alerts

import (
	"context"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/meshwork-ai/swarmd/internal/otel"
)

func TestQueue_RaiseAndDrain(t *testing.T) {
	q := NewQueue(nil, nil)
	q.Raise(context.Background(), SeverityWarning, "loop-a", "health check slow")
	q.Raise(context.Background(), SeverityError, "loop-a", "health check failed")

	pending := q.Pending()
	if len(pending) != 2 {
		t.Fatalf("pending = %d, want 2", len(pending))
	}

	drained := q.Drain()
	if len(drained) != 2 {
		t.Fatalf("drained = %d, want 2", len(drained))
	}
	if drained[0].Severity != SeverityWarning || drained[1].Severity != SeverityError {
		t.Fatalf("order = %s,%s", drained[0].Severity, drained[1].Severity)
	}
	if len(q.Pending()) != 0 {
		t.Fatal("queue not emptied by drain")
	}
}

func TestQueue_OverflowEvictsOldest(t *testing.T) {
	q := NewQueue(nil, nil)
	q.cap = 3
	for i := 0; i < 5; i++ {
		q.Raise(context.Background(), SeverityInfo, "loop-a", "tick")
	}
	if len(q.Pending()) != 3 {
		t.Fatalf("pending = %d, want 3", len(q.Pending()))
	}
	if q.Evicted() != 2 {
		t.Fatalf("evicted = %d, want 2", q.Evicted())
	}
}

func TestSeverity_Ordered(t *testing.T) {
	if !(SeverityInfo < SeverityWarning && SeverityWarning < SeverityError && SeverityError < SeverityCritical) {
		t.Fatal("severity ordering broken")
	}
}

func TestQueue_RaiseRecordsMetric(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m, err := otel.NewMetrics(provider.Meter("test"))
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	q := NewQueue(nil, nil)
	q.Instrument(m)
	q.Raise(context.Background(), SeverityWarning, "loop-a", "slow cycle")
	q.Raise(context.Background(), SeverityError, "loop-b", "cycle failed")

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	var raised int64
	for _, sm := range rm.ScopeMetrics {
		for _, metric := range sm.Metrics {
			if metric.Name != "swarmd.alerts.raised" {
				continue
			}
			sum, ok := metric.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("unexpected data type %T", metric.Data)
			}
			for _, dp := range sum.DataPoints {
				raised += dp.Value
			}
		}
	}
	if raised != 2 {
		t.Fatalf("alerts raised = %d, want 2", raised)
	}
}
