package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshwork-ai/swarmd/internal/bus"
	"github.com/meshwork-ai/swarmd/internal/collab"
)

func newTestRuntime(t *testing.T, b *bus.Bus) *Runtime {
	t.Helper()
	return New(Config{
		AgentID: "agent-1",
		Logger:  slog.Default(),
		Bus:     b,
	})
}

type fakeKnowledge struct {
	mu       sync.Mutex
	shared   []collab.Learning
	recorded []string
	patterns []string
}

func (f *fakeKnowledge) ShareKnowledge(ctx context.Context, agentID string, l collab.Learning, _ map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shared = append(f.shared, l)
	return nil
}

func (f *fakeKnowledge) RecordExperience(ctx context.Context, agentID, experienceID string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recorded = append(f.recorded, experienceID)
	return f.patterns, nil
}

type fakeOversight struct {
	mu       sync.Mutex
	requests []string
}

func (f *fakeOversight) RequestReview(ctx context.Context, userID, agentID, subject, urgency string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, subject+"/"+urgency)
	return nil
}

type fakeGauges struct{ cpu, mem, storage, quota float64 }

func (f fakeGauges) CPUUsage() float64           { return f.cpu }
func (f fakeGauges) MemoryUsage() float64        { return f.mem }
func (f fakeGauges) StorageHealth() float64      { return f.storage }
func (f fakeGauges) ExternalQuotaUsage() float64 { return f.quota }

func TestExecute_PanicIsolatedToOneResult(t *testing.T) {
	r := newTestRuntime(t, nil)
	r.RegisterTool("ok", func(ctx context.Context, args map[string]any) (any, error) {
		return "fine", nil
	})
	r.RegisterTool("boom", func(ctx context.Context, args map[string]any) (any, error) {
		panic("exploded")
	})

	actions := []Action{
		{ID: "a1", StepID: "s1", Tool: "ok"},
		{ID: "a2", StepID: "s2", Tool: "boom"},
		{ID: "a3", StepID: "s3", Tool: "ok"},
	}
	results := r.execute(context.Background(), actions)
	require.Len(t, results, 3)

	failed := 0
	for _, res := range results {
		if !res.Success {
			failed++
			assert.Contains(t, res.Err.Error(), "panic")
		}
	}
	assert.Equal(t, 1, failed)
}

func TestExecute_UnknownToolFailsResult(t *testing.T) {
	r := newTestRuntime(t, nil)
	results := r.execute(context.Background(), []Action{{ID: "a1", StepID: "s1", Tool: "missing"}})
	require.Len(t, results, 1)
	assert.False(t, results[0].Success)
	assert.Contains(t, results[0].Err.Error(), "unknown tool")
}

func TestExecute_CancelledContextHaltsDispatch(t *testing.T) {
	r := newTestRuntime(t, nil)
	called := false
	r.RegisterTool("ok", func(ctx context.Context, args map[string]any) (any, error) {
		called = true
		return nil, nil
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	results := r.execute(ctx, []Action{{ID: "a1", StepID: "s1", Tool: "ok"}})
	require.Len(t, results, 1)
	assert.False(t, results[0].Success)
	assert.False(t, called)
}

func TestCycle_NonReentrant(t *testing.T) {
	r := newTestRuntime(t, nil)
	entered := make(chan struct{})
	release := make(chan struct{})
	r.RegisterSource(Source{
		Name: "slow",
		Kind: ObservationExternal,
		Gather: func(ctx context.Context) (any, error) {
			close(entered)
			<-release
			return nil, nil
		},
	})

	done := make(chan error, 1)
	go func() {
		_, err := r.Cycle(context.Background())
		done <- err
	}()

	<-entered
	_, err := r.Cycle(context.Background())
	assert.ErrorIs(t, err, ErrCycleInProgress)

	close(release)
	require.NoError(t, <-done)
}

func TestCycle_RespondsToInboxRequest(t *testing.T) {
	b := bus.New(slog.Default())
	defer b.Close()
	r := newTestRuntime(t, b)
	r.RegisterBuiltinTools()

	req := bus.Message{
		From:             "requester",
		To:               "agent-1",
		Kind:             bus.KindRequest,
		Priority:         bus.PriorityHigh,
		Payload:          "status?",
		RequiresResponse: true,
	}
	require.NoError(t, b.EnqueuePriority(req))

	exp, err := r.Cycle(context.Background())
	require.NoError(t, err)
	assert.True(t, exp.Success)
	require.Len(t, exp.Actions, 1)
	assert.Contains(t, exp.Actions[0], "respond")

	// The acknowledgement landed in the requester's history.
	hist := b.History("requester", 10)
	require.NotEmpty(t, hist)
	assert.Equal(t, bus.KindResponse, hist[len(hist)-1].Kind)

	assert.Equal(t, 1, r.Memory().Episodic.Len())
}

func TestCycle_DegradedSourceDoesNotAbort(t *testing.T) {
	r := newTestRuntime(t, nil)
	r.RegisterSource(Source{
		Name:   "flaky",
		Kind:   ObservationExternal,
		Gather: func(ctx context.Context) (any, error) { return nil, errors.New("down") },
	})

	exp, err := r.Cycle(context.Background())
	require.NoError(t, err)
	assert.True(t, exp.Success)
	// The flaky source plus the built-in resources source (no gauges wired).
	assert.Equal(t, 2, exp.Context["degraded_sources"])

	found := false
	for _, l := range exp.Learnings {
		if l == `source "flaky" cannot currently be trusted` {
			found = true
		}
	}
	assert.True(t, found, "expected a distrust learning, got %v", exp.Learnings)
}

func TestCycle_ResourcePressurePlansShedLoad(t *testing.T) {
	b := bus.New(slog.Default())
	defer b.Close()
	r := New(Config{
		AgentID: "agent-1",
		Logger:  slog.Default(),
		Bus:     b,
		Gauges:  fakeGauges{cpu: 92, mem: 40, storage: 10, quota: 5},
	})
	r.RegisterBuiltinTools()

	exp, err := r.Cycle(context.Background())
	require.NoError(t, err)
	require.Len(t, exp.Actions, 1)
	assert.Contains(t, exp.Actions[0], "shed-load")
}

func TestPostCycle_SharesHighConfidenceLearnings(t *testing.T) {
	know := &fakeKnowledge{patterns: []string{"retry transient failures"}}
	b := bus.New(slog.Default())
	defer b.Close()
	r := New(Config{
		AgentID:   "agent-1",
		Logger:    slog.Default(),
		Bus:       b,
		Knowledge: know,
	})
	r.RegisterBuiltinTools()

	// Four all-successful actions drive the success-learning confidence to 0.9.
	for i := 0; i < 4; i++ {
		require.NoError(t, b.EnqueuePriority(bus.Message{
			From:     "peer",
			To:       "agent-1",
			Kind:     bus.KindUpdate,
			Priority: bus.PriorityMedium,
			Payload:  fmt.Sprintf("update-%d", i),
		}))
	}

	exp, err := r.Cycle(context.Background())
	require.NoError(t, err)
	assert.True(t, exp.Success)

	know.mu.Lock()
	defer know.mu.Unlock()
	require.NotEmpty(t, know.shared)
	for _, l := range know.shared {
		assert.Greater(t, l.Confidence, 0.8)
	}
	assert.Equal(t, []string{exp.ID}, know.recorded)
	assert.Contains(t, r.Memory().Semantic.Rules(), "retry transient failures")
}

func TestPostCycle_FailureHeavyCycleFlagsOversight(t *testing.T) {
	b := bus.New(slog.Default())
	defer b.Close()
	over := &fakeOversight{}
	r := New(Config{
		AgentID:         "agent-1",
		Logger:          slog.Default(),
		Bus:             b,
		Oversight:       over,
		OversightUserID: "operator",
	})
	r.RegisterTool("respond", func(ctx context.Context, args map[string]any) (any, error) {
		return nil, errors.New("always fails")
	})

	require.NoError(t, b.EnqueuePriority(bus.Message{
		From:     "peer",
		To:       "agent-1",
		Kind:     bus.KindRequest,
		Priority: bus.PriorityHigh,
		Payload:  "work",
	}))

	exp, err := r.Cycle(context.Background())
	require.NoError(t, err)
	assert.False(t, exp.Success)

	over.mu.Lock()
	defer over.mu.Unlock()
	require.Len(t, over.requests, 1)
	assert.Contains(t, over.requests[0], "high")
}

func TestHealthCheck(t *testing.T) {
	r := New(Config{AgentID: "agent-1", Gauges: fakeGauges{mem: 50}})
	assert.NoError(t, r.HealthCheck(context.Background()))

	r = New(Config{AgentID: "agent-1", Gauges: fakeGauges{mem: 99}})
	assert.Error(t, r.HealthCheck(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
	defer cancel()
	<-ctx.Done()
	r = New(Config{AgentID: "agent-1"})
	assert.Error(t, r.HealthCheck(ctx))
}
