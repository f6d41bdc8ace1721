package runtime

import (
	"context"
	"fmt"
	"time"

	"github.com/meshwork-ai/swarmd/internal/collab"
	"github.com/meshwork-ai/swarmd/internal/memory"
)

// record assembles the cycle's Experience and appends it to episodic
// memory. A cycle succeeds when no more than half of its actions failed;
// a cycle with no actions is a successful no-op.
func (r *Runtime) record(observations []Observation, actions []Action, results []Result, learnings []Learning) memory.Experience {
	failed := 0
	for _, res := range results {
		if !res.Success {
			failed++
		}
	}
	success := len(results) == 0 || failed*2 <= len(results)

	exp := memory.NewExperience(r.agentID, success)
	exp.Context["observations"] = len(observations)
	exp.Context["degraded_sources"] = countDegraded(observations)
	for _, a := range actions {
		exp.Actions = append(exp.Actions, fmt.Sprintf("%s via %s", a.StepID, a.Tool))
	}
	for _, res := range results {
		if res.Success {
			exp.Results = append(exp.Results, fmt.Sprintf("%s ok in %s", res.ActionID, res.Duration.Round(time.Millisecond)))
		} else {
			exp.Results = append(exp.Results, fmt.Sprintf("%s failed: %v", res.ActionID, res.Err))
		}
	}
	for _, l := range learnings {
		exp.Learnings = append(exp.Learnings, l.Content)
	}

	r.mem.Episodic.Append(exp)
	for _, l := range learnings {
		if l.Confidence >= 0.5 {
			r.mem.Long.Put(l.Content, l.Applicability, l.Confidence)
		}
	}
	return exp
}

func countDegraded(observations []Observation) int {
	n := 0
	for _, obs := range observations {
		if obs.Degraded() {
			n++
		}
	}
	return n
}

// postCycle runs the after-cycle obligations: share high-confidence
// learnings, record the experience with the knowledge collaborator, and
// flag the cycle for human review when warranted. All of these are
// best-effort; a collaborator failure is logged and the cycle's outcome
// stands.
func (r *Runtime) postCycle(ctx context.Context, exp memory.Experience, results []Result, learnings []Learning) {
	if r.archive != nil {
		if err := r.archive.AppendExperience(ctx, exp); err != nil {
			r.logger.Warn("experience archive failed", "error", err)
		}
	}

	if r.knowledge != nil {
		for _, l := range learnings {
			if l.Confidence <= shareThreshold {
				continue
			}
			shared := collab.Learning{
				Content:       l.Content,
				Evidence:      l.Evidence,
				Confidence:    l.Confidence,
				Applicability: l.Applicability,
			}
			if err := r.knowledge.ShareKnowledge(ctx, r.agentID, shared, exp.Context); err != nil {
				r.logger.Warn("knowledge share failed", "error", err)
			}
		}
		patterns, err := r.knowledge.RecordExperience(ctx, r.agentID, exp.ID)
		if err != nil {
			r.logger.Warn("experience recording failed", "error", err)
		}
		for _, p := range patterns {
			r.mem.Semantic.AddRule(p)
		}
	}

	if reason, flagged := r.reviewReason(results, learnings); flagged && r.oversight != nil {
		urgency := "normal"
		if !exp.Success {
			urgency = "high"
		}
		if err := r.oversight.RequestReview(ctx, r.oversightUserID, r.agentID, reason, urgency); err != nil {
			r.logger.Warn("oversight request failed", "error", err)
		}
	}

	r.logger.Info("cycle complete",
		"experience_id", exp.ID,
		"actions", len(exp.Actions),
		"learnings", len(learnings),
		"success", exp.Success,
	)
}

// reviewReason decides whether the cycle warrants human review: a
// failure-heavy cycle, or a learning the agent is suspiciously certain of.
func (r *Runtime) reviewReason(results []Result, learnings []Learning) (string, bool) {
	failed := 0
	for _, res := range results {
		if !res.Success {
			failed++
		}
	}
	if len(results) > 0 && failed*2 > len(results) {
		return fmt.Sprintf("%d of %d actions failed", failed, len(results)), true
	}
	for _, l := range learnings {
		if l.Confidence > 0.95 {
			return fmt.Sprintf("unusually certain learning: %s", l.Content), true
		}
	}
	return "", false
}
