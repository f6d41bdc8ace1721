package bus

import (
	"testing"
)

func enqueue(t *testing.T, b *Bus, to string, p Priority, payload any) {
	t.Helper()
	msg := testMessage(to)
	msg.Priority = p
	msg.Payload = payload
	if err := b.EnqueuePriority(msg); err != nil {
		t.Fatalf("EnqueuePriority: %v", err)
	}
}

func TestPriority_OrderedDrain(t *testing.T) {
	b := New(nil)
	defer b.Close()

	enqueue(t, b, "agent-b", PriorityLow, "low-1")
	enqueue(t, b, "agent-b", PriorityCritical, "crit-1")
	enqueue(t, b, "agent-b", PriorityMedium, "med-1")
	enqueue(t, b, "agent-b", PriorityCritical, "crit-2")
	enqueue(t, b, "agent-b", PriorityHigh, "high-1")

	got := b.DrainPriority("agent-b", 10)
	want := []string{"crit-1", "crit-2", "high-1", "med-1", "low-1"}
	if len(got) != len(want) {
		t.Fatalf("drained %d, want %d", len(got), len(want))
	}
	for i, w := range want {
		if got[i].Payload != w {
			t.Fatalf("position %d = %v, want %s", i, got[i].Payload, w)
		}
	}
}

func TestPriority_BatchLimit(t *testing.T) {
	b := New(nil)
	defer b.Close()

	for i := 0; i < 5; i++ {
		enqueue(t, b, "agent-b", PriorityMedium, i)
	}

	first := b.DrainPriority("agent-b", 3)
	if len(first) != 3 {
		t.Fatalf("first drain = %d, want 3", len(first))
	}
	rest := b.DrainPriority("agent-b", 10)
	if len(rest) != 2 {
		t.Fatalf("second drain = %d, want 2", len(rest))
	}
	// FIFO within the class across batches.
	if first[0].Payload != 0 || rest[0].Payload != 3 {
		t.Fatalf("FIFO violated: first[0]=%v rest[0]=%v", first[0].Payload, rest[0].Payload)
	}
}

func TestPriority_PerAgentIsolation(t *testing.T) {
	b := New(nil)
	defer b.Close()

	enqueue(t, b, "agent-b", PriorityHigh, "for-b")
	enqueue(t, b, "agent-c", PriorityHigh, "for-c")

	if got := b.DrainPriority("agent-b", 10); len(got) != 1 || got[0].Payload != "for-b" {
		t.Fatalf("agent-b drain = %v", got)
	}
	if got := b.DrainPriority("agent-b", 10); got != nil {
		t.Fatalf("agent-b second drain = %v, want empty", got)
	}
	if got := b.DrainPriority("agent-c", 10); len(got) != 1 {
		t.Fatalf("agent-c drain = %v", got)
	}
}
