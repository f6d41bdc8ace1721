package schedule

import (
	"testing"
	"time"
)

func TestParse_Interval(t *testing.T) {
	s, err := Parse("5m")
	if err != nil {
		t.Fatalf("Parse(5m): %v", err)
	}
	if !s.IsInterval() {
		t.Fatal("expected interval schedule")
	}
	if s.Every != 5*time.Minute {
		t.Fatalf("Every = %s, want 5m", s.Every)
	}
}

func TestParse_Cron(t *testing.T) {
	s, err := Parse("*/5 * * * *")
	if err != nil {
		t.Fatalf("Parse cron: %v", err)
	}
	if s.IsInterval() {
		t.Fatal("expected cron schedule, got interval")
	}

	after := time.Date(2026, 3, 1, 10, 2, 0, 0, time.Local)
	next := s.Next(after)
	want := time.Date(2026, 3, 1, 10, 5, 0, 0, time.Local)
	if !next.Equal(want) {
		t.Fatalf("Next = %s, want %s", next, want)
	}
}

func TestParse_Rejects(t *testing.T) {
	for _, expr := range []string{"", "not-a-schedule", "-5m", "0s"} {
		if _, err := Parse(expr); err == nil {
			t.Fatalf("Parse(%q): expected error", expr)
		}
	}
}

func TestNext_AlignedToAnchor(t *testing.T) {
	anchor := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	s := EveryAt(5*time.Minute, anchor)

	// Mid-interval time snaps forward to the grid, not anchor+interval.
	next := s.Next(anchor.Add(7 * time.Minute))
	want := anchor.Add(10 * time.Minute)
	if !next.Equal(want) {
		t.Fatalf("Next = %s, want %s", next, want)
	}

	// Before the anchor, the first grid point is anchor+interval.
	next = s.Next(anchor)
	if !next.Equal(anchor.Add(5 * time.Minute)) {
		t.Fatalf("Next at anchor = %s, want %s", next, anchor.Add(5*time.Minute))
	}
}

func TestInterval_Cron(t *testing.T) {
	s, err := Parse("*/10 * * * *")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	got := s.Interval(time.Date(2026, 3, 1, 10, 0, 30, 0, time.Local))
	if got != 10*time.Minute {
		t.Fatalf("Interval = %s, want 10m", got)
	}
}
