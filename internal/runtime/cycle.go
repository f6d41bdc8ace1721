package runtime

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/meshwork-ai/swarmd/internal/bus"
	"github.com/meshwork-ai/swarmd/internal/collab"
	"github.com/meshwork-ai/swarmd/internal/memory"
)

// perceive gathers every registered source plus the built-in ones. A source
// failure never aborts the cycle: it yields a degraded Observation instead.
func (r *Runtime) perceive(ctx context.Context) []Observation {
	r.mu.Lock()
	sources := make([]Source, len(r.sources))
	copy(sources, r.sources)
	r.mu.Unlock()

	observations := make([]Observation, 0, len(sources))
	for _, src := range sources {
		obs := Observation{
			ID:         uuid.NewString(),
			Source:     src.Name,
			Kind:       src.Kind,
			Confidence: 0.9,
			Relevance:  0.5,
		}
		payload, err := src.Gather(ctx)
		if err != nil {
			obs.Err = err
			obs.Confidence = 0.1
			r.logger.Warn("perception source failed", "source", src.Name, "error", err)
		} else {
			obs.Payload = payload
		}
		observations = append(observations, obs)
	}
	return observations
}

func (r *Runtime) registerDefaultSources() {
	r.sources = append(r.sources,
		Source{Name: "inbox", Kind: ObservationInbox, Gather: r.gatherInbox},
		Source{Name: "resources", Kind: ObservationResource, Gather: r.gatherResources},
		Source{Name: "episodic", Kind: ObservationMemory, Gather: r.gatherEpisodic},
	)
}

func (r *Runtime) gatherInbox(ctx context.Context) (any, error) {
	if r.bus == nil {
		return []bus.Message(nil), nil
	}
	return r.bus.DrainPriority(r.agentID, r.inboxBatch), nil
}

func (r *Runtime) gatherResources(ctx context.Context) (any, error) {
	if r.gauges == nil {
		return nil, fmt.Errorf("no resource gauges configured")
	}
	return map[string]float64{
		"cpu":     r.gauges.CPUUsage(),
		"memory":  r.gauges.MemoryUsage(),
		"storage": r.gauges.StorageHealth(),
		"quota":   r.gauges.ExternalQuotaUsage(),
	}, nil
}

func (r *Runtime) gatherEpisodic(ctx context.Context) (any, error) {
	return r.mem.Episodic.Recent(5), nil
}

// think derives thoughts from observations. Inbox messages become actionable
// thoughts carrying a directive; resource pressure and degraded perception
// become hypotheses and insights. The generator, when wired, contributes one
// free-form analysis; its failure degrades to the rule-derived thoughts only.
func (r *Runtime) think(ctx context.Context, observations []Observation) []Thought {
	var thoughts []Thought
	for _, obs := range observations {
		if obs.Degraded() {
			thoughts = append(thoughts, Thought{
				Kind:           ThoughtHypothesis,
				Content:        fmt.Sprintf("source %q is unreliable: %v", obs.Source, obs.Err),
				Confidence:     0.4,
				Reasoning:      "perception failure this cycle",
				ObservationIDs: []string{obs.ID},
			})
			continue
		}
		switch obs.Kind {
		case ObservationInbox:
			msgs, _ := obs.Payload.([]bus.Message)
			for _, msg := range msgs {
				thoughts = append(thoughts, r.thinkAboutMessage(obs, msg))
			}
		case ObservationResource:
			if t, ok := r.thinkAboutResources(obs); ok {
				thoughts = append(thoughts, t)
			}
		case ObservationMemory:
			if t, ok := r.thinkAboutHistory(obs); ok {
				thoughts = append(thoughts, t)
			}
		}
	}

	if r.generator != nil {
		if t, ok := r.thinkWithGenerator(ctx, observations); ok {
			thoughts = append(thoughts, t)
		}
	}
	return thoughts
}

func (r *Runtime) thinkAboutMessage(obs Observation, msg bus.Message) Thought {
	confidence := 0.7
	if msg.Priority == bus.PriorityCritical {
		confidence = 0.95
	}
	t := Thought{
		Kind:           ThoughtAnalysis,
		Content:        fmt.Sprintf("%s message %s from %s needs handling", msg.Kind, msg.ID, msg.From),
		Confidence:     confidence,
		Reasoning:      fmt.Sprintf("priority %s message waiting on the inbox", msg.Priority),
		ObservationIDs: []string{obs.ID},
		Actionable:     true,
		Directive: &Directive{
			Tool: "respond",
			Args: map[string]any{"message": msg},
		},
	}
	if msg.Kind == bus.KindAlert {
		t.Directive.Tool = "investigate"
	}
	return t
}

func (r *Runtime) thinkAboutResources(obs Observation) (Thought, bool) {
	gauges, _ := obs.Payload.(map[string]float64)
	worst, name := 0.0, ""
	for k, v := range gauges {
		if v > worst {
			worst, name = v, k
		}
	}
	if worst <= 80 {
		return Thought{}, false
	}
	return Thought{
		Kind:           ThoughtInsight,
		Content:        fmt.Sprintf("%s usage at %.0f%%, shed non-essential work", name, worst),
		Confidence:     0.85,
		Reasoning:      "resource gauge above the 80% pressure threshold",
		ObservationIDs: []string{obs.ID},
		Actionable:     true,
		Directive: &Directive{
			Tool: "shed-load",
			Args: map[string]any{"resource": name, "usage": worst},
		},
	}, true
}

func (r *Runtime) thinkAboutHistory(obs Observation) (Thought, bool) {
	episodes, _ := obs.Payload.([]memory.Experience)
	failures := 0
	total := len(episodes)
	for _, e := range episodes {
		if !e.Success {
			failures++
		}
	}
	if total == 0 || failures*2 <= total {
		return Thought{}, false
	}
	return Thought{
		Kind:           ThoughtHypothesis,
		Content:        fmt.Sprintf("%d of the last %d cycles failed, current strategy is suspect", failures, total),
		Confidence:     0.6,
		Reasoning:      "recent episodic record is failure-heavy",
		ObservationIDs: []string{obs.ID},
	}, true
}

func (r *Runtime) thinkWithGenerator(ctx context.Context, observations []Observation) (Thought, bool) {
	var sb strings.Builder
	for _, obs := range observations {
		fmt.Fprintf(&sb, "[%s/%s degraded=%v]\n", obs.Source, obs.Kind, obs.Degraded())
	}
	res, err := r.generator.Generate(ctx, collab.Prompt{
		AgentID: r.agentID,
		Intent:  "assess the situation and state the single most useful next focus",
		Context: map[string]any{"observations": sb.String()},
	})
	if err != nil {
		r.logger.Warn("generator unavailable for think phase", "error", err)
		return Thought{}, false
	}
	confidence := res.Confidence
	if confidence <= 0 {
		confidence = 0.5
	}
	return Thought{
		Kind:       ThoughtAnalysis,
		Content:    res.Content,
		Confidence: confidence,
		Reasoning:  "generator assessment of the full observation set",
	}, true
}

// plan converts actionable thoughts into ordered steps. Ordering is by
// thought confidence, highest first, so the plan front-loads what the agent
// is most sure about. Risks come from degraded perception and resource
// pressure rather than from the steps themselves.
func (r *Runtime) plan(observations []Observation, thoughts []Thought) Plan {
	actionable := make([]Thought, 0, len(thoughts))
	for _, t := range thoughts {
		if t.Actionable && t.Directive != nil {
			actionable = append(actionable, t)
		}
	}
	sort.SliceStable(actionable, func(i, j int) bool {
		return actionable[i].Confidence > actionable[j].Confidence
	})

	p := Plan{}
	for i, t := range actionable {
		p.Steps = append(p.Steps, PlanStep{
			ID:            fmt.Sprintf("step-%d", i+1),
			Description:   t.Content,
			Tool:          t.Directive.Tool,
			Args:          t.Directive.Args,
			EstimatedCost: time.Second,
		})
	}
	for _, obs := range observations {
		if obs.Degraded() {
			p.Risks = append(p.Risks, Risk{
				Description: fmt.Sprintf("acting on stale %s data", obs.Source),
				Probability: 0.5,
				Impact:      0.4,
				Mitigation:  "prefer steps grounded in healthy sources",
				Contingency: "abort dependent steps and re-perceive next cycle",
			})
		}
	}
	if len(p.Steps) > 0 {
		p.SuccessMetrics = []string{
			fmt.Sprintf("all %d steps complete without error", len(p.Steps)),
		}
	}
	return p
}

// act materializes plan steps into dispatchable actions.
func (r *Runtime) act(p Plan) []Action {
	actions := make([]Action, 0, len(p.Steps))
	for _, step := range p.Steps {
		actions = append(actions, Action{
			ID:     uuid.NewString(),
			StepID: step.ID,
			Tool:   step.Tool,
			Args:   step.Args,
		})
	}
	return actions
}

// execute dispatches every action concurrently and joins before returning.
// A panicking tool fails its own Result only. Context cancellation halts
// dispatch of not-yet-started actions; in-flight tools see the cancelled
// context through their own argument.
func (r *Runtime) execute(ctx context.Context, actions []Action) []Result {
	if len(actions) == 0 {
		return nil
	}
	results := make([]Result, len(actions))
	g, gctx := errgroup.WithContext(ctx)
	for i, action := range actions {
		g.Go(func() error {
			results[i] = r.dispatch(gctx, action)
			return nil
		})
	}
	g.Wait()
	return results
}

func (r *Runtime) dispatch(ctx context.Context, action Action) (res Result) {
	res = Result{ActionID: action.ID}
	start := time.Now()
	defer func() {
		res.Duration = time.Since(start)
		if p := recover(); p != nil {
			res.Success = false
			res.Err = fmt.Errorf("tool %s panic: %v", action.Tool, p)
			r.logger.Error("tool panic", "tool", action.Tool, "action_id", action.ID, "panic", p)
		}
	}()

	if err := ctx.Err(); err != nil {
		res.Err = err
		return res
	}
	r.mu.Lock()
	tool, ok := r.tools[action.Tool]
	r.mu.Unlock()
	if !ok {
		res.Err = fmt.Errorf("unknown tool %q", action.Tool)
		return res
	}

	out, err := tool(ctx, action.Args)
	if err != nil {
		res.Err = err
		return res
	}
	res.Success = true
	res.Output = out
	return res
}

// reflect distills learnings from the cycle: at least one per outcome
// category that occurred (successes, failures, degraded perception).
func (r *Runtime) reflect(observations []Observation, actions []Action, results []Result) []Learning {
	toolFor := make(map[string]string, len(actions))
	for _, a := range actions {
		toolFor[a.ID] = a.Tool
	}

	var succeeded, failed []string
	for _, res := range results {
		if res.Success {
			succeeded = append(succeeded, toolFor[res.ActionID])
		} else {
			failed = append(failed, fmt.Sprintf("%s (%v)", toolFor[res.ActionID], res.Err))
		}
	}

	var learnings []Learning
	if len(succeeded) > 0 {
		confidence := 0.6 + 0.3*float64(len(succeeded))/float64(len(results))
		learnings = append(learnings, Learning{
			Content:       fmt.Sprintf("tools %s are effective for the current workload", strings.Join(succeeded, ", ")),
			Evidence:      []string{fmt.Sprintf("%d/%d actions succeeded this cycle", len(succeeded), len(results))},
			Confidence:    confidence,
			Applicability: "similar workloads",
		})
	}
	if len(failed) > 0 {
		learnings = append(learnings, Learning{
			Content:       "some tools are failing and need guarding",
			Evidence:      failed,
			Confidence:    0.7,
			Applicability: "avoid or guard these tools until root cause is known",
		})
	}
	for _, obs := range observations {
		if obs.Degraded() {
			learnings = append(learnings, Learning{
				Content:       fmt.Sprintf("source %q cannot currently be trusted", obs.Source),
				Evidence:      []string{obs.Err.Error()},
				Confidence:    0.5,
				Applicability: "perception weighting next cycle",
			})
		}
	}
	return learnings
}
