// Package scheduler drives the autonomous loops: each registered loop fires
// on its schedule in its own goroutine, invokes its agent's cycle with a
// deadline, and feeds timing and outcome back into adaptive cadence control.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/meshwork-ai/swarmd/internal/alerts"
	"github.com/meshwork-ai/swarmd/internal/collab"
	"github.com/meshwork-ai/swarmd/internal/otel"
	"github.com/meshwork-ai/swarmd/internal/persistence"
	"github.com/meshwork-ai/swarmd/internal/schedule"
)

// Runner is the per-loop work contract. The agent runtime satisfies it.
type Runner interface {
	HealthCheck(ctx context.Context) error
	RunCycle(ctx context.Context) error
}

// Status is a loop's lifecycle state.
type Status string

const (
	StatusIdle    Status = "idle" // registered, waiting for its next firing
	StatusRunning Status = "running"
	StatusPaused  Status = "paused" // a dependency is failed
	StatusFailed  Status = "failed" // last invocation failed
)

// Registration and lifecycle errors.
var (
	ErrDuplicateLoop = errors.New("scheduler: duplicate loop id")
	ErrUnknownDep    = errors.New("scheduler: depends on unknown loop")
	ErrDepCycle      = errors.New("scheduler: dependency cycle")
	ErrStarted       = errors.New("scheduler: already started")
)

const (
	defaultMaxDuration = 10 * time.Minute
	failureAlertAfter  = 3

	healthMonitorEvery  = 30 * time.Second
	adaptiveRecalcEvery = time.Minute
)

// LoopSpec is a loop's static configuration.
type LoopSpec struct {
	ID          string
	AgentID     string
	Schedule    schedule.Schedule
	Priority    int
	MaxDuration time.Duration // per-invocation deadline, default 10m
	Adaptive    bool          // cadence follows the performance score
	DependsOn   []string
	Runner      Runner
}

// LoopState is a point-in-time snapshot of a loop's runtime state.
type LoopState struct {
	ID                  string
	Status              Status
	LastRun             time.Time
	LastSuccess         time.Time
	NextRun             time.Time
	ConsecutiveFailures int
	TotalRuns           uint64
	TotalFailures       uint64
	AvgDuration         time.Duration // exponentially weighted
	SuccessRate         float64       // exponentially weighted, [0,1]
	PerformanceScore    float64       // [0,1]
	AdaptiveMultiplier  float64       // [0.5,2.0], 1.0 = configured cadence
}

// SystemHealth aggregates loop and resource state.
type SystemHealth struct {
	Status         string // "healthy", "degraded", "critical"
	UnhealthyLoops int
	TotalLoops     int
	ResourceUsage  float64 // worst gauge, percent
}

// Config wires a Scheduler.
type Config struct {
	Logger  *slog.Logger
	Store   *persistence.Store // optional: loop state snapshots
	Alerts  *alerts.Queue      // optional
	Gauges  collab.Gauges      // optional: feeds SystemHealth
	Metrics *otel.Metrics      // optional

	// Health aggregation thresholds; zero values take the defaults
	// (70% degraded, 90% critical, more than 2 failed loops critical).
	ResourceDegradedPct float64
	ResourceCriticalPct float64
	UnhealthyLoopsCrit  int
}

// Scheduler owns the loop table and the per-loop goroutines.
type Scheduler struct {
	logger  *slog.Logger
	store   *persistence.Store
	alerts  *alerts.Queue
	gauges  collab.Gauges
	metrics *otel.Metrics

	degradedPct  float64
	criticalPct  float64
	loopCritical int

	mu      sync.RWMutex
	loops   map[string]*loop
	order   []string // registration order, for stable status listings
	started bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Scheduler with no loops registered.
func New(cfg Config) *Scheduler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	degraded := cfg.ResourceDegradedPct
	if degraded <= 0 {
		degraded = resourceDegradedPct
	}
	critical := cfg.ResourceCriticalPct
	if critical <= 0 {
		critical = resourceCriticalPct
	}
	loopCrit := cfg.UnhealthyLoopsCrit
	if loopCrit <= 0 {
		loopCrit = unhealthyLoopsCrit
	}
	return &Scheduler{
		logger:       logger,
		store:        cfg.Store,
		alerts:       cfg.Alerts,
		gauges:       cfg.Gauges,
		metrics:      cfg.Metrics,
		degradedPct:  degraded,
		criticalPct:  critical,
		loopCritical: loopCrit,
		loops:        make(map[string]*loop),
	}
}

// Register adds a loop. Loops register before Start; the dependency graph is
// validated as a whole when the scheduler starts.
func (s *Scheduler) Register(spec LoopSpec) error {
	if spec.ID == "" {
		return errors.New("scheduler: loop id required")
	}
	if spec.Runner == nil {
		return fmt.Errorf("scheduler: loop %s has no runner", spec.ID)
	}
	if spec.Schedule.Expr == "" {
		return fmt.Errorf("scheduler: loop %s has no schedule", spec.ID)
	}
	if spec.MaxDuration <= 0 {
		spec.MaxDuration = defaultMaxDuration
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return ErrStarted
	}
	if _, dup := s.loops[spec.ID]; dup {
		return fmt.Errorf("%w: %s", ErrDuplicateLoop, spec.ID)
	}
	s.loops[spec.ID] = newLoop(spec)
	s.order = append(s.order, spec.ID)
	return nil
}

// Start validates the dependency graph, restores persisted loop state, and
// launches one goroutine per loop plus the two system loops. Second and
// later calls return ErrStarted.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrStarted
	}
	if err := s.validateGraphLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	s.started = true
	ctx, s.cancel = context.WithCancel(ctx)

	loops := make([]*loop, 0, len(s.loops))
	for _, id := range s.order {
		loops = append(loops, s.loops[id])
	}
	s.mu.Unlock()

	for _, l := range loops {
		s.persistSpec(ctx, l.spec)
		s.restoreState(ctx, l)
		s.wg.Add(1)
		go s.runLoop(ctx, l)
	}

	s.wg.Add(2)
	go s.healthMonitorLoop(ctx)
	go s.adaptiveRecalcLoop(ctx)

	s.logger.Info("scheduler started", "loops", len(loops))
	return nil
}

// Stop cancels every loop, waits for in-flight invocations, and snapshots
// final state. Safe to call more than once.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	s.wg.Wait()

	ctx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	s.mu.RLock()
	for _, l := range s.loops {
		s.snapshot(ctx, l)
	}
	s.mu.RUnlock()
	s.logger.Info("scheduler stopped")
}

// LoopStatus returns the current snapshot of one loop.
func (s *Scheduler) LoopStatus(id string) (LoopState, bool) {
	s.mu.RLock()
	l, ok := s.loops[id]
	s.mu.RUnlock()
	if !ok {
		return LoopState{}, false
	}
	return l.snapshotState(), true
}

// LoopStatuses returns snapshots of every loop in registration order.
func (s *Scheduler) LoopStatuses() []LoopState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]LoopState, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.loops[id].snapshotState())
	}
	return out
}

// validateGraphLocked checks that every dependency names a registered loop
// and that the graph is acyclic.
func (s *Scheduler) validateGraphLocked() error {
	for id, l := range s.loops {
		for _, dep := range l.spec.DependsOn {
			if _, ok := s.loops[dep]; !ok {
				return fmt.Errorf("%w: %s -> %s", ErrUnknownDep, id, dep)
			}
		}
	}

	const (
		white = 0 // unvisited
		gray  = 1 // on the current path
		black = 2 // done
	)
	color := make(map[string]int, len(s.loops))
	var visit func(id string) error
	visit = func(id string) error {
		switch color[id] {
		case gray:
			return fmt.Errorf("%w: via %s", ErrDepCycle, id)
		case black:
			return nil
		}
		color[id] = gray
		for _, dep := range s.loops[id].spec.DependsOn {
			if err := visit(dep); err != nil {
				return err
			}
		}
		color[id] = black
		return nil
	}
	for id := range s.loops {
		if err := visit(id); err != nil {
			return err
		}
	}
	return nil
}

func (s *Scheduler) persistSpec(ctx context.Context, spec LoopSpec) {
	if s.store == nil {
		return
	}
	err := s.store.UpsertLoopSpec(ctx, persistence.LoopSpecRecord{
		ID:          spec.ID,
		AgentID:     spec.AgentID,
		Schedule:    spec.Schedule.String(),
		Priority:    spec.Priority,
		MaxDuration: spec.MaxDuration,
		Adaptive:    spec.Adaptive,
		DependsOn:   spec.DependsOn,
	})
	if err != nil {
		s.logger.Warn("loop spec persist failed", "loop_id", spec.ID, "error", err)
	}
}

// restoreState seeds a loop's adaptive metrics from the last persisted
// snapshot so cadence survives restarts. Missing state starts fresh.
func (s *Scheduler) restoreState(ctx context.Context, l *loop) {
	if s.store == nil {
		return
	}
	rec, err := s.store.LoadLoopState(ctx, l.spec.ID)
	if err != nil {
		return
	}
	l.mu.Lock()
	l.state.AvgDuration = rec.AvgDuration
	l.state.SuccessRate = rec.SuccessRate
	l.state.PerformanceScore = rec.PerformanceScore
	if rec.AdaptiveMultiplier > 0 {
		l.state.AdaptiveMultiplier = rec.AdaptiveMultiplier
	}
	l.state.ConsecutiveFailures = rec.ConsecutiveFailures
	l.mu.Unlock()
}

func (s *Scheduler) snapshot(ctx context.Context, l *loop) {
	if s.store == nil {
		return
	}
	st := l.snapshotState()
	err := s.store.SaveLoopState(ctx, persistence.LoopStateRecord{
		ID:                  st.ID,
		Status:              string(st.Status),
		LastRun:             st.LastRun,
		NextRun:             st.NextRun,
		AvgDuration:         st.AvgDuration,
		SuccessRate:         st.SuccessRate,
		PerformanceScore:    st.PerformanceScore,
		AdaptiveMultiplier:  st.AdaptiveMultiplier,
		ConsecutiveFailures: st.ConsecutiveFailures,
	})
	if err != nil {
		s.logger.Warn("loop state snapshot failed", "loop_id", st.ID, "error", err)
	}
}
