package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/meshwork-ai/swarmd/internal/otel"
)

func testMessage(to string) Message {
	return Message{
		From:     "agent-a",
		To:       to,
		Kind:     KindUpdate,
		Priority: PriorityMedium,
		Payload:  "hello",
	}
}

func TestBus_PublishSubscribe(t *testing.T) {
	b := New(nil)
	defer b.Close()

	got := make(chan Message, 1)
	unsub := b.Subscribe("agent-b", func(_ context.Context, msg Message) {
		got <- msg
	})
	defer unsub()

	if err := b.Publish(context.Background(), testMessage("agent-b")); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case msg := <-got:
		if msg.Payload != "hello" {
			t.Fatalf("payload = %v, want hello", msg.Payload)
		}
		if msg.ID == "" || msg.Timestamp.IsZero() {
			t.Fatal("expected stamped id and timestamp")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for message")
	}
}

func TestBus_ExactlyOnceInvocationPerHandler(t *testing.T) {
	b := New(nil)
	defer b.Close()

	var a, c atomic.Int64
	defer b.Subscribe("agent-b", func(context.Context, Message) { a.Add(1) })()
	defer b.Subscribe("agent-b", func(context.Context, Message) { c.Add(1) })()

	if err := b.Publish(context.Background(), testMessage("agent-b")); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	deadline := time.After(time.Second)
	for a.Load() != 1 || c.Load() != 1 {
		select {
		case <-deadline:
			t.Fatalf("invocations = %d,%d, want 1,1", a.Load(), c.Load())
		case <-time.After(5 * time.Millisecond):
		}
	}
	// Settle and re-check that neither handler fired twice.
	time.Sleep(50 * time.Millisecond)
	if a.Load() != 1 || c.Load() != 1 {
		t.Fatalf("invocations = %d,%d after settle, want 1,1", a.Load(), c.Load())
	}
}

func TestBus_WildcardAndBroadcast(t *testing.T) {
	b := New(nil)
	defer b.Close()

	wild := make(chan Message, 4)
	direct := make(chan Message, 4)
	defer b.Subscribe(Broadcast, func(_ context.Context, m Message) { wild <- m })()
	defer b.Subscribe("agent-b", func(_ context.Context, m Message) { direct <- m })()

	// Direct message reaches both the direct handler and the wildcard.
	if err := b.Publish(context.Background(), testMessage("agent-b")); err != nil {
		t.Fatalf("Publish direct: %v", err)
	}
	// Broadcast reaches every subscriber.
	msg := testMessage(Broadcast)
	msg.Kind = KindBroadcast
	if err := b.Publish(context.Background(), msg); err != nil {
		t.Fatalf("Publish broadcast: %v", err)
	}

	for name, ch := range map[string]chan Message{"wildcard": wild, "direct": direct} {
		for i := 0; i < 2; i++ {
			select {
			case <-ch:
			case <-time.After(time.Second):
				t.Fatalf("%s subscriber missing message %d", name, i)
			}
		}
	}
}

func TestBus_PerRecipientOrderPreserved(t *testing.T) {
	b := New(nil)
	defer b.Close()

	const n = 200
	got := make(chan int, n)
	defer b.Subscribe("agent-b", func(_ context.Context, m Message) {
		got <- m.Payload.(int)
	})()

	for i := 0; i < n; i++ {
		msg := testMessage("agent-b")
		msg.Payload = i
		if err := b.Publish(context.Background(), msg); err != nil {
			t.Fatalf("Publish %d: %v", i, err)
		}
	}

	for i := 0; i < n; i++ {
		select {
		case v := <-got:
			if v != i {
				t.Fatalf("message %d arrived out of order (got %d)", i, v)
			}
		case <-time.After(time.Second):
			t.Fatalf("timeout waiting for message %d", i)
		}
	}
}

func TestBus_HandlerPanicIsolated(t *testing.T) {
	b := New(nil)
	defer b.Close()

	got := make(chan Message, 2)
	defer b.Subscribe("agent-b", func(context.Context, Message) { panic("boom") })()
	defer b.Subscribe("agent-b", func(_ context.Context, m Message) { got <- m })()

	if err := b.Publish(context.Background(), testMessage("agent-b")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if err := b.Publish(context.Background(), testMessage("agent-b")); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	for i := 0; i < 2; i++ {
		select {
		case <-got:
		case <-time.After(time.Second):
			t.Fatal("healthy handler starved by panicking sibling")
		}
	}
}

func TestBus_RequestResponse(t *testing.T) {
	b := New(nil)
	defer b.Close()

	defer b.Subscribe("agent-b", func(ctx context.Context, m Message) {
		if m.Kind == KindRequest {
			if err := b.Respond(ctx, m, "agent-b", "pong"); err != nil {
				t.Errorf("Respond: %v", err)
			}
		}
	})()

	msg := testMessage("agent-b")
	msg.Kind = KindRequest
	resp, err := b.Request(context.Background(), msg, time.Second)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if resp.Payload != "pong" {
		t.Fatalf("payload = %v, want pong", resp.Payload)
	}
	if resp.Kind != KindResponse {
		t.Fatalf("kind = %s, want response", resp.Kind)
	}
}

func TestBus_RequestTimeout_LateResponseDiscarded(t *testing.T) {
	b := New(nil)
	defer b.Close()

	var req Message
	ready := make(chan struct{})
	defer b.Subscribe("agent-b", func(_ context.Context, m Message) {
		if m.Kind == KindRequest {
			req = m
			close(ready)
		}
	})()

	msg := testMessage("agent-b")
	msg.Kind = KindRequest
	start := time.Now()
	_, err := b.Request(context.Background(), msg, 50*time.Millisecond)
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("request took %s, want ~50ms", elapsed)
	}

	// Late response must not be delivered anywhere; it just lands in history.
	<-ready
	if err := b.Respond(context.Background(), req, "agent-b", "too late"); err != nil {
		t.Fatalf("late Respond: %v", err)
	}
	b.mu.RLock()
	waiters := len(b.waiters)
	b.mu.RUnlock()
	if waiters != 0 {
		t.Fatalf("waiters = %d, want 0 after timeout", waiters)
	}
}

func TestBus_AtMostOneConsumedResponse(t *testing.T) {
	b := New(nil)
	defer b.Close()

	defer b.Subscribe("agent-b", func(ctx context.Context, m Message) {
		if m.Kind == KindRequest {
			// Two responders race; only the first is consumed.
			_ = b.Respond(ctx, m, "agent-b", "first")
			_ = b.Respond(ctx, m, "agent-b", "second")
		}
	})()

	msg := testMessage("agent-b")
	msg.Kind = KindRequest
	resp, err := b.Request(context.Background(), msg, time.Second)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if resp.Payload != "first" {
		t.Fatalf("payload = %v, want first", resp.Payload)
	}
}

func TestBus_Validation(t *testing.T) {
	b := New(nil)
	defer b.Close()
	ctx := context.Background()

	cases := []struct {
		name string
		mut  func(*Message)
	}{
		{"missing from", func(m *Message) { m.From = "" }},
		{"missing to", func(m *Message) { m.To = "" }},
		{"bad kind", func(m *Message) { m.Kind = "shout" }},
		{"bad priority", func(m *Message) { m.Priority = Priority(9) }},
		{"past deadline", func(m *Message) { m.Deadline = time.Now().Add(-time.Minute) }},
	}
	for _, tc := range cases {
		msg := testMessage("agent-b")
		tc.mut(&msg)
		if err := b.Publish(ctx, msg); err == nil {
			t.Fatalf("%s: expected validation error", tc.name)
		}
	}
}

func TestBus_History(t *testing.T) {
	b := New(nil)
	defer b.Close()

	for i := 0; i < defaultHistorySize+20; i++ {
		msg := testMessage("agent-b")
		msg.Payload = i
		if err := b.Publish(context.Background(), msg); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}

	h := b.History("agent-b", 0)
	if len(h) != defaultHistorySize {
		t.Fatalf("history len = %d, want %d", len(h), defaultHistorySize)
	}
	if h[len(h)-1].Payload != defaultHistorySize+19 {
		t.Fatalf("newest = %v, want %d", h[len(h)-1].Payload, defaultHistorySize+19)
	}

	if got := b.History("agent-b", 5); len(got) != 5 {
		t.Fatalf("limited history len = %d, want 5", len(got))
	}
}

func TestBus_ConcurrentPublish(t *testing.T) {
	b := New(nil)
	defer b.Close()

	const goroutines = 10
	const perGoroutine = 20
	var received atomic.Int64
	defer b.Subscribe("agent-b", func(context.Context, Message) {
		received.Add(1)
	})()

	var wg sync.WaitGroup
	wg.Add(goroutines)
	for g := 0; g < goroutines; g++ {
		go func() {
			defer wg.Done()
			for i := 0; i < perGoroutine; i++ {
				if err := b.Publish(context.Background(), testMessage("agent-b")); err != nil {
					t.Errorf("Publish: %v", err)
				}
			}
		}()
	}
	wg.Wait()

	deadline := time.After(2 * time.Second)
	for received.Load() != goroutines*perGoroutine {
		select {
		case <-deadline:
			t.Fatalf("received %d, want %d", received.Load(), goroutines*perGoroutine)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestBus_HealthCheck(t *testing.T) {
	b := New(nil)
	defer b.Close()

	if h := b.HealthCheck(); h.Status != "healthy" {
		t.Fatalf("status = %s, want healthy", h.Status)
	}

	// Pile up undrained priority messages to degrade the bus.
	for i := 0; i < 250; i++ {
		if err := b.EnqueuePriority(testMessage("agent-b")); err != nil {
			t.Fatalf("EnqueuePriority: %v", err)
		}
	}
	if h := b.HealthCheck(); h.Status != "degraded" {
		t.Fatalf("status = %s, want degraded (pending=%d)", h.Status, h.Pending)
	}
}

func TestBus_HealthCheckSamplesDeliveryLatency(t *testing.T) {
	b := New(nil)
	defer b.Close()

	seen := make(chan struct{}, 1)
	unsub := b.Subscribe("agent-b", func(_ context.Context, _ Message) {
		seen <- struct{}{}
	})
	defer unsub()

	if err := b.Publish(context.Background(), testMessage("agent-b")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	<-seen

	if got := b.HealthCheck().Latency; got <= 0 {
		t.Fatalf("latency = %v, want a positive sample", got)
	}
}

func TestHealthStatus_Thresholds(t *testing.T) {
	cases := []struct {
		backlog, pending int
		latency          time.Duration
		want             string
	}{
		{0, 0, 0, "healthy"},
		{199, 199, 999 * time.Millisecond, "healthy"},
		{200, 0, 0, "degraded"},
		{0, 200, 0, "degraded"},
		{0, 0, time.Second, "degraded"},
		{1000, 0, 0, "unhealthy"},
		{0, 1000, 0, "unhealthy"},
		{0, 0, 5 * time.Second, "unhealthy"},
	}
	for _, tc := range cases {
		got := healthStatus(tc.backlog, tc.pending, tc.latency)
		if got != tc.want {
			t.Fatalf("healthStatus(%d, %d, %v) = %s, want %s",
				tc.backlog, tc.pending, tc.latency, got, tc.want)
		}
	}
}

func TestBus_Instrumentation(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	m, err := otel.NewMetrics(provider.Meter("test"))
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	b := New(nil)
	defer b.Close()
	b.Instrument(m)

	if err := b.Publish(context.Background(), testMessage("agent-b")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := b.EnqueuePriority(testMessage("agent-b")); err != nil {
			t.Fatalf("EnqueuePriority: %v", err)
		}
	}
	if got := len(b.DrainPriority("agent-b", 2)); got != 2 {
		t.Fatalf("drained %d, want 2", got)
	}

	// An unanswered request times out and is counted.
	req := testMessage("agent-b")
	req.Kind = KindRequest
	if _, err := b.Request(context.Background(), req, 20*time.Millisecond); err == nil {
		t.Fatal("expected timeout")
	}

	// One plain publish plus the request publish.
	if got := counterValue(t, reader, "swarmd.bus.published"); got != 2 {
		t.Fatalf("published = %d, want 2", got)
	}
	// Three enqueued, two drained.
	if got := counterValue(t, reader, "swarmd.bus.priority_depth"); got != 1 {
		t.Fatalf("priority depth = %d, want 1", got)
	}
	if got := counterValue(t, reader, "swarmd.bus.request_timeouts"); got != 1 {
		t.Fatalf("request timeouts = %d, want 1", got)
	}
}

// counterValue sums every data point of one int64 instrument.
func counterValue(t *testing.T, reader *sdkmetric.ManualReader, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	for _, sm := range rm.ScopeMetrics {
		for _, met := range sm.Metrics {
			if met.Name != name {
				continue
			}
			sum, ok := met.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("%s: unexpected data type %T", name, met.Data)
			}
			var total int64
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
			return total
		}
	}
	return 0
}
