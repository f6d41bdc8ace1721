package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/meshwork-ai/swarmd/internal/alerts"
	"github.com/meshwork-ai/swarmd/internal/otel"
)

// loop pairs a spec with its mutable runtime state. Firing and invocation
// are decoupled: the timer goroutine never blocks on a running cycle, and a
// firing that lands while the previous invocation is still in flight is
// dropped rather than queued.
type loop struct {
	spec LoopSpec

	inFlight atomic.Bool

	mu    sync.Mutex
	state LoopState
}

func newLoop(spec LoopSpec) *loop {
	return &loop{
		spec: spec,
		state: LoopState{
			ID:                 spec.ID,
			Status:             StatusIdle,
			AdaptiveMultiplier: 1.0,
			SuccessRate:        1.0,
			PerformanceScore:   0.7,
		},
	}
}

func (l *loop) snapshotState() LoopState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// effectiveDelay is the configured cadence scaled by the adaptive
// multiplier: a loop performing well (multiplier > 1) fires more often.
func (l *loop) effectiveDelay(now time.Time) time.Duration {
	base := l.spec.Schedule.Interval(now)
	l.mu.Lock()
	mult := l.state.AdaptiveMultiplier
	l.mu.Unlock()
	if !l.spec.Adaptive || mult <= 0 {
		return base
	}
	return time.Duration(float64(base) / mult)
}

// runLoop is one loop's timer goroutine. The first firing waits a full
// period; each invocation runs detached so slow cycles never delay the
// timer.
func (s *Scheduler) runLoop(ctx context.Context, l *loop) {
	defer s.wg.Done()

	delay := l.effectiveDelay(time.Now())
	timer := time.NewTimer(delay)
	defer timer.Stop()
	l.setNextRun(time.Now().Add(delay))

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			s.fire(ctx, l)
			delay = l.effectiveDelay(time.Now())
			timer.Reset(delay)
			l.setNextRun(time.Now().Add(delay))
		}
	}
}

func (l *loop) setNextRun(t time.Time) {
	l.mu.Lock()
	l.state.NextRun = t
	l.mu.Unlock()
}

// fire handles one timer firing: drop if the previous invocation is still
// running, pause while a dependency is failed, otherwise invoke.
func (s *Scheduler) fire(ctx context.Context, l *loop) {
	if s.metrics != nil {
		s.metrics.LoopFirings.Add(ctx, 1, otel.WithLoop(l.spec.ID))
	}

	if !l.inFlight.CompareAndSwap(false, true) {
		if s.metrics != nil {
			s.metrics.LoopDrops.Add(ctx, 1, otel.WithLoop(l.spec.ID))
		}
		s.logger.Warn("firing dropped, previous invocation still running", "loop_id", l.spec.ID)
		return
	}

	if failedDep, blocked := s.failedDependency(l); blocked {
		l.inFlight.Store(false)
		l.mu.Lock()
		wasPaused := l.state.Status == StatusPaused
		l.state.Status = StatusPaused
		l.mu.Unlock()
		if !wasPaused {
			s.logger.Info("loop paused on failed dependency",
				"loop_id", l.spec.ID, "dependency", failedDep)
		}
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.invoke(ctx, l)
		s.snapshot(ctx, l)
	}()
}

func (s *Scheduler) failedDependency(l *loop) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, dep := range l.spec.DependsOn {
		if d, ok := s.loops[dep]; ok {
			if d.snapshotState().Status == StatusFailed {
				return dep, true
			}
		}
	}
	return "", false
}

// invoke runs one cycle: health gate first, then the cycle under the loop's
// deadline, then metric and state updates. invoke owns the in-flight slot:
// it is released when the cycle actually returns, which for an abandoned
// cycle may be long after invoke itself has.
func (s *Scheduler) invoke(ctx context.Context, l *loop) {
	if err := l.spec.Runner.HealthCheck(ctx); err != nil {
		l.inFlight.Store(false)
		l.mu.Lock()
		firstInStreak := l.state.ConsecutiveFailures == 0
		l.mu.Unlock()
		if firstInStreak && s.alerts != nil {
			s.alerts.Raise(ctx, alerts.SeverityWarning, l.spec.ID,
				fmt.Sprintf("health check failed: %v", err))
		}
		s.recordOutcome(ctx, l, 0, fmt.Errorf("health check: %w", err))
		return
	}

	l.mu.Lock()
	l.state.Status = StatusRunning
	l.state.LastRun = time.Now()
	l.mu.Unlock()

	cycleCtx, cancel := context.WithTimeout(ctx, l.spec.MaxDuration)
	defer cancel()

	start := time.Now()
	done := make(chan error, 1)
	go func() {
		defer l.inFlight.Store(false)
		done <- l.spec.Runner.RunCycle(cycleCtx)
	}()

	select {
	case err := <-done:
		elapsed := time.Since(start)
		if s.metrics != nil {
			s.metrics.LoopDuration.Record(ctx, elapsed.Seconds(), otel.WithLoop(l.spec.ID))
		}
		s.recordOutcome(ctx, l, elapsed, err)
	case <-cycleCtx.Done():
		if ctx.Err() != nil {
			// Shutting down; the cycle sees the cancelled context.
			return
		}
		// The deadline passed and the cycle has not returned. Abandon it:
		// mark the loop failed now and discard whatever the cycle
		// eventually produces. The goroutine keeps holding the in-flight
		// slot, so firings stay dropped until the stuck cycle lets go.
		err := fmt.Errorf("cycle abandoned after %s: %w",
			l.spec.MaxDuration, context.DeadlineExceeded)
		if s.metrics != nil {
			s.metrics.LoopDuration.Record(ctx, l.spec.MaxDuration.Seconds(), otel.WithLoop(l.spec.ID))
		}
		s.recordOutcome(ctx, l, l.spec.MaxDuration, err)
	}
}

// recordOutcome folds one invocation into the loop's adaptive metrics and
// drives the failure-streak alerting.
func (s *Scheduler) recordOutcome(ctx context.Context, l *loop, elapsed time.Duration, err error) {
	l.mu.Lock()
	updateMetrics(&l.state, elapsed, err == nil)
	if err != nil {
		l.state.Status = StatusFailed
		l.state.ConsecutiveFailures++
		l.state.TotalFailures++
	} else {
		l.state.Status = StatusIdle
		l.state.ConsecutiveFailures = 0
		l.state.LastSuccess = time.Now()
	}
	l.state.TotalRuns++
	streak := l.state.ConsecutiveFailures
	l.mu.Unlock()

	if err == nil {
		s.logger.Debug("loop cycle complete", "loop_id", l.spec.ID, "elapsed_ms", elapsed.Milliseconds())
		return
	}

	if s.metrics != nil {
		s.metrics.LoopFailures.Add(ctx, 1, otel.WithLoop(l.spec.ID))
	}
	s.logger.Error("loop cycle failed", "loop_id", l.spec.ID, "streak", streak, "error", err)

	if streak == failureAlertAfter && s.alerts != nil {
		s.alerts.Raise(ctx, alerts.SeverityError, l.spec.ID,
			fmt.Sprintf("loop failed %d consecutive times: %v", streak, err))
	}
}
