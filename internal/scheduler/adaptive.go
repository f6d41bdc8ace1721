package scheduler

import (
	"context"
	"time"
)

// Adaptive cadence tuning. Every invocation folds its duration and outcome
// into exponential moving averages; the recalculation loop periodically
// turns the blended performance score into a cadence multiplier.
const (
	durationWeight = 0.2 // EWMA weight for the newest cycle duration
	successWeight  = 0.1 // EWMA weight for the newest cycle outcome

	// The score blends normalized speed (cycles at or above 30 minutes
	// score zero) with reliability, reliability dominating.
	speedShare       = 0.3
	reliabilityShare = 0.7
	durationCeiling  = 30 * time.Minute

	speedUpAbove   = 0.8
	slowDownBelow  = 0.5
	multiplierStep = 0.1
	minMultiplier  = 0.5
	maxMultiplier  = 2.0
)

// updateMetrics folds one invocation into the state's moving averages and
// refreshes the performance score. Caller holds the loop mutex.
func updateMetrics(st *LoopState, elapsed time.Duration, success bool) {
	if st.AvgDuration == 0 {
		st.AvgDuration = elapsed
	} else {
		st.AvgDuration = time.Duration(
			durationWeight*float64(elapsed) + (1-durationWeight)*float64(st.AvgDuration))
	}

	outcome := 0.0
	if success {
		outcome = 1.0
	}
	st.SuccessRate = successWeight*outcome + (1-successWeight)*st.SuccessRate

	st.PerformanceScore = performanceScore(st.AvgDuration, st.SuccessRate)
}

func performanceScore(avg time.Duration, successRate float64) float64 {
	speed := float64(avg) / float64(durationCeiling)
	if speed > 1 {
		speed = 1
	}
	return speedShare*(1-speed) + reliabilityShare*successRate
}

// retune nudges the multiplier toward the score: strong performers speed up
// 10%, weak ones slow down 10%, clamped to [0.5, 2.0]. Returns the new
// multiplier and whether it changed.
func retune(st *LoopState) (float64, bool) {
	m := st.AdaptiveMultiplier
	switch {
	case st.PerformanceScore > speedUpAbove:
		m *= 1 + multiplierStep
	case st.PerformanceScore < slowDownBelow:
		m *= 1 - multiplierStep
	default:
		return m, false
	}
	if m < minMultiplier {
		m = minMultiplier
	}
	if m > maxMultiplier {
		m = maxMultiplier
	}
	changed := m != st.AdaptiveMultiplier
	st.AdaptiveMultiplier = m
	return m, changed
}

// adaptiveRecalcLoop is a system loop retuning every adaptive loop's
// multiplier once a minute.
func (s *Scheduler) adaptiveRecalcLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(adaptiveRecalcEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.retuneAll()
		}
	}
}

func (s *Scheduler) retuneAll() {
	s.mu.RLock()
	loops := make([]*loop, 0, len(s.order))
	for _, id := range s.order {
		loops = append(loops, s.loops[id])
	}
	s.mu.RUnlock()

	for _, l := range loops {
		if !l.spec.Adaptive {
			continue
		}
		l.mu.Lock()
		score := l.state.PerformanceScore
		mult, changed := retune(&l.state)
		l.mu.Unlock()
		if changed {
			s.logger.Info("loop cadence retuned",
				"loop_id", l.spec.ID, "score", score, "multiplier", mult)
		}
	}
}
