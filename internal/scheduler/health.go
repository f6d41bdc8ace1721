package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/meshwork-ai/swarmd/internal/alerts"
)

// Default aggregated health thresholds.
const (
	resourceDegradedPct = 70.0
	resourceCriticalPct = 90.0
	unhealthyLoopsCrit  = 2

	// A loop scoring this low counts as unhealthy even while it keeps
	// limping through cycles. New loops start at 0.7, well clear of it.
	unhealthyScoreBelow = 0.3
)

// UpdateHealthThresholds swaps the aggregated-health thresholds at
// runtime, typically on a config reload. Non-positive values keep the
// current setting.
func (s *Scheduler) UpdateHealthThresholds(degradedPct, criticalPct float64, unhealthyLoops int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if degradedPct > 0 {
		s.degradedPct = degradedPct
	}
	if criticalPct > 0 {
		s.criticalPct = criticalPct
	}
	if unhealthyLoops > 0 {
		s.loopCritical = unhealthyLoops
	}
}

// Health computes the aggregated system health from loop states and
// resource gauges.
func (s *Scheduler) Health() SystemHealth {
	s.mu.RLock()
	degraded, critical, loopCrit := s.degradedPct, s.criticalPct, s.loopCritical
	s.mu.RUnlock()

	states := s.LoopStatuses()

	h := SystemHealth{TotalLoops: len(states)}
	for _, st := range states {
		if st.Status == StatusFailed || st.PerformanceScore < unhealthyScoreBelow {
			h.UnhealthyLoops++
		}
	}
	if s.gauges != nil {
		h.ResourceUsage = maxGauge(s.gauges.CPUUsage(), s.gauges.MemoryUsage(),
			s.gauges.StorageHealth(), s.gauges.ExternalQuotaUsage())
	}

	switch {
	case h.UnhealthyLoops > loopCrit || h.ResourceUsage > critical:
		h.Status = "critical"
	case h.UnhealthyLoops > 0 || h.ResourceUsage > degraded:
		h.Status = "degraded"
	default:
		h.Status = "healthy"
	}
	return h
}

func maxGauge(vals ...float64) float64 {
	worst := 0.0
	for _, v := range vals {
		if v > worst {
			worst = v
		}
	}
	return worst
}

// healthMonitorLoop is a system loop that checks aggregated health every
// 30 seconds and raises an alert when the system turns critical. The alert
// fires on the transition, not on every tick while critical.
func (s *Scheduler) healthMonitorLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(healthMonitorEvery)
	defer ticker.Stop()

	wasCritical := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h := s.Health()
			critical := h.Status == "critical"
			if critical && !wasCritical && s.alerts != nil {
				s.alerts.Raise(ctx, alerts.SeverityCritical, "scheduler",
					fmt.Sprintf("system critical: %d/%d loops unhealthy, resources at %.0f%%",
						h.UnhealthyLoops, h.TotalLoops, h.ResourceUsage))
			}
			if !critical && wasCritical {
				s.logger.Info("system recovered", "status", h.Status)
			}
			wasCritical = critical
		}
	}
}
