package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/meshwork-ai/swarmd/internal/alerts"
	"github.com/meshwork-ai/swarmd/internal/bus"
)

// EmergencyEvent is an out-of-band incident the coordinator must react to.
type EmergencyEvent struct {
	ID          string
	Description string
	Severity    alerts.Severity
	// Requires names the capabilities an effective response needs.
	// Empty means monitoring only.
	Requires CapabilitySet
}

// EmergencyReport records one escalation run.
type EmergencyReport struct {
	EventID    string
	Severity   alerts.Severity
	Responders []string
	Notified   bool
	Mitigated  map[string]bool // responder -> acknowledged mitigation
	Verified   map[string]bool // responder -> passed re-verification
	Elapsed    time.Duration
}

// baseEmergencyCeiling bounds each escalation step at info severity; the
// ceiling grows with severity.
const baseEmergencyCeiling = 15 * time.Second

// emergencyCeiling scales the per-step ceiling with severity: a critical
// incident is allowed four times the budget of an informational one.
func emergencyCeiling(s alerts.Severity) time.Duration {
	return baseEmergencyCeiling * time.Duration(int(s)+1)
}

// HandleEmergency runs the fixed escalation sequence: classify, assemble
// the minimal responder set, notify everyone, request mitigation from each
// responder, then re-verify. Every waiting step is bounded by the
// severity-proportional ceiling.
func (c *Coordinator) HandleEmergency(ctx context.Context, event EmergencyEvent) (*EmergencyReport, error) {
	started := time.Now()
	report := &EmergencyReport{
		EventID:   event.ID,
		Severity:  event.Severity,
		Mitigated: make(map[string]bool),
		Verified:  make(map[string]bool),
	}

	if c.alerts != nil {
		c.alerts.Raise(ctx, event.Severity, "coordinator",
			fmt.Sprintf("emergency %s: %s", event.ID, event.Description))
	}

	responders := c.responderSet(event)
	report.Responders = responders
	if len(responders) == 0 {
		report.Elapsed = time.Since(started)
		return report, fmt.Errorf("coordinator: no capable responder for emergency %s", event.ID)
	}

	ceiling := emergencyCeiling(event.Severity)

	// Notify: broadcast, no response awaited.
	err := c.bus.Publish(ctx, bus.Message{
		From:     "coordinator",
		To:       bus.Broadcast,
		Kind:     bus.KindAlert,
		Priority: bus.PriorityCritical,
		Payload: map[string]any{
			"event_id":    event.ID,
			"description": event.Description,
			"severity":    event.Severity.String(),
			"responders":  responders,
		},
	})
	if err != nil {
		report.Elapsed = time.Since(started)
		return report, fmt.Errorf("notify: %w", err)
	}
	report.Notified = true

	// Mitigate, then re-verify, each step bounded per responder.
	for _, step := range []string{"mitigate", "verify"} {
		for _, agentID := range responders {
			resp, err := c.bus.Request(ctx, bus.Message{
				From:     "coordinator",
				To:       agentID,
				Kind:     bus.KindRequest,
				Priority: bus.PriorityCritical,
				Payload: map[string]any{
					"event_id": event.ID,
					"step":     step,
				},
				RequiresResponse: true,
			}, ceiling)
			ok := err == nil && resp.Payload != nil
			switch step {
			case "mitigate":
				report.Mitigated[agentID] = ok
			case "verify":
				report.Verified[agentID] = ok
			}
			if err != nil {
				c.logger.Error("emergency step failed",
					"event_id", event.ID, "step", step, "agent_id", agentID, "error", err)
			}
		}
	}

	report.Elapsed = time.Since(started)

	for _, agentID := range responders {
		if !report.Verified[agentID] {
			return report, fmt.Errorf("coordinator: emergency %s not verified by %s", event.ID, agentID)
		}
	}
	c.logger.Info("emergency handled", "event_id", event.ID,
		"responders", len(responders), "elapsed_ms", report.Elapsed.Milliseconds())
	return report, nil
}

// responderSet greedily picks the fewest agents covering the event's
// required capabilities. With no requirement, the first monitoring-capable
// agent responds alone.
func (c *Coordinator) responderSet(event EmergencyEvent) []string {
	c.mu.RLock()
	agents := c.agents
	c.mu.RUnlock()

	need := event.Requires
	if len(need) == 0 {
		need = Capabilities(CapMonitoring)
	}

	uncovered := make(CapabilitySet, len(need))
	for cap := range need {
		uncovered[cap] = true
	}

	var picked []string
	for len(uncovered) > 0 {
		best, bestCover := -1, 0
		for i, a := range agents {
			cover := 0
			for cap := range uncovered {
				if a.Capabilities[cap] {
					cover++
				}
			}
			if cover > bestCover {
				best, bestCover = i, cover
			}
		}
		if best < 0 {
			break // remaining capabilities are uncoverable
		}
		picked = append(picked, agents[best].AgentID)
		for cap := range agents[best].Capabilities {
			delete(uncovered, cap)
		}
		agents = append(agents[:best:best], agents[best+1:]...)
	}
	return picked
}
