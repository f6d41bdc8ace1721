package persistence

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/meshwork-ai/swarmd/internal/bus"
	"github.com/meshwork-ai/swarmd/internal/memory"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_LoopSpecRoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	rec := LoopSpecRecord{
		ID:          "loop-research",
		AgentID:     "researcher",
		Schedule:    "5m",
		Priority:    1,
		MaxDuration: 10 * time.Minute,
		Adaptive:    true,
		DependsOn:   []string{"loop-ingest", "loop-index"},
	}
	if err := s.UpsertLoopSpec(ctx, rec); err != nil {
		t.Fatalf("UpsertLoopSpec: %v", err)
	}

	specs, err := s.LoadLoopSpecs(ctx)
	if err != nil {
		t.Fatalf("LoadLoopSpecs: %v", err)
	}
	if len(specs) != 1 {
		t.Fatalf("specs = %d, want 1", len(specs))
	}
	got := specs[0]
	if got.ID != rec.ID || got.AgentID != rec.AgentID || got.Schedule != rec.Schedule {
		t.Fatalf("spec mismatch: %+v", got)
	}
	if got.MaxDuration != rec.MaxDuration || !got.Adaptive {
		t.Fatalf("spec fields mismatch: %+v", got)
	}
	if len(got.DependsOn) != 2 || got.DependsOn[0] != "loop-ingest" {
		t.Fatalf("deps = %v", got.DependsOn)
	}
}

func TestStore_LoopStateSnapshot(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	rec := LoopStateRecord{
		ID:                 "loop-a",
		Status:             "idle",
		LastRun:            time.Now().Add(-time.Minute).UTC(),
		AvgDuration:        90 * time.Second,
		SuccessRate:        0.9,
		PerformanceScore:   0.75,
		AdaptiveMultiplier: 1.1,
	}
	if err := s.SaveLoopState(ctx, rec); err != nil {
		t.Fatalf("SaveLoopState: %v", err)
	}

	// Second save overwrites, not duplicates.
	rec.Status = "failed"
	rec.ConsecutiveFailures = 2
	if err := s.SaveLoopState(ctx, rec); err != nil {
		t.Fatalf("SaveLoopState update: %v", err)
	}

	got, err := s.LoadLoopState(ctx, "loop-a")
	if err != nil {
		t.Fatalf("LoadLoopState: %v", err)
	}
	if got.Status != "failed" || got.ConsecutiveFailures != 2 {
		t.Fatalf("state = %+v", got)
	}
	if got.AdaptiveMultiplier != 1.1 || got.AvgDuration != 90*time.Second {
		t.Fatalf("metrics = %+v", got)
	}

	if _, err := s.LoadLoopState(ctx, "missing"); err != sql.ErrNoRows {
		t.Fatalf("missing state err = %v, want ErrNoRows", err)
	}
}

func TestStore_ExperienceAppendOnly(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		exp := memory.NewExperience("agent-a", i%2 == 0)
		exp.Learnings = []string{"observed quota pressure"}
		exp.Timestamp = time.Now().Add(time.Duration(i) * time.Second)
		if err := s.AppendExperience(ctx, exp); err != nil {
			t.Fatalf("AppendExperience: %v", err)
		}
	}

	got, err := s.RecentExperiences(ctx, "agent-a", 2)
	if err != nil {
		t.Fatalf("RecentExperiences: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("experiences = %d, want 2", len(got))
	}
	if len(got[0].Learnings) != 1 {
		t.Fatalf("learnings lost: %+v", got[0])
	}
}

func TestStore_MessageArchive(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	msg := bus.Message{
		ID:        "m-1",
		From:      "agent-a",
		To:        "agent-b",
		Kind:      bus.KindUpdate,
		Priority:  bus.PriorityHigh,
		Payload:   map[string]any{"topic": "handoff"},
		Timestamp: time.Now().UTC(),
	}
	if err := s.ArchiveMessage(ctx, msg); err != nil {
		t.Fatalf("ArchiveMessage: %v", err)
	}

	got, err := s.ArchivedMessages(ctx, "agent-b", 10)
	if err != nil {
		t.Fatalf("ArchivedMessages: %v", err)
	}
	if len(got) != 1 || got[0].ID != "m-1" || got[0].Kind != bus.KindUpdate {
		t.Fatalf("archive = %+v", got)
	}

	// Retention prune removes old rows.
	old := msg
	old.ID = "m-0"
	old.Timestamp = time.Now().Add(-48 * time.Hour)
	if err := s.ArchiveMessage(ctx, old); err != nil {
		t.Fatalf("ArchiveMessage old: %v", err)
	}
	n, err := s.PruneArchive(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("PruneArchive: %v", err)
	}
	if n != 1 {
		t.Fatalf("pruned = %d, want 1", n)
	}
}
