// Package coordinator decomposes composite goals into dependency-ordered
// subtasks, binds them to capable agents, and sequences execution over the
// bus in topological waves.
package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/meshwork-ai/swarmd/internal/alerts"
	"github.com/meshwork-ai/swarmd/internal/bus"
	"github.com/meshwork-ai/swarmd/internal/otel"
)

// Capability names something an agent can do. Matching is exact on the
// typed value, never substring.
type Capability string

const (
	CapResearch   Capability = "research"
	CapAnalysis   Capability = "analysis"
	CapSynthesis  Capability = "synthesis"
	CapReview     Capability = "review"
	CapMonitoring Capability = "monitoring"
	CapOutreach   Capability = "outreach"
)

// CapabilitySet is an unordered set of capabilities.
type CapabilitySet map[Capability]bool

// Capabilities builds a set.
func Capabilities(caps ...Capability) CapabilitySet {
	set := make(CapabilitySet, len(caps))
	for _, c := range caps {
		set[c] = true
	}
	return set
}

// Contains reports whether every capability in need is present.
func (s CapabilitySet) Contains(need CapabilitySet) bool {
	for c := range need {
		if !s[c] {
			return false
		}
	}
	return true
}

// CompositeTask is a goal too large for one agent.
type CompositeTask struct {
	ID        string
	Goal      string
	Urgency   float64 // [0,1]
	Impact    float64 // [0,1]
	Cost      float64 // [0,1], higher = more expensive
	DependsOn []string
}

// SubTaskStatus is a subtask's lifecycle state.
type SubTaskStatus string

const (
	SubTaskPending    SubTaskStatus = "pending"
	SubTaskInProgress SubTaskStatus = "in_progress"
	SubTaskCompleted  SubTaskStatus = "completed"
	SubTaskFailed     SubTaskStatus = "failed"
	SubTaskBlocked    SubTaskStatus = "blocked" // a dependency failed
)

// SubTask is one independently executable unit of a CompositeTask. Inputs
// and Outputs name the hand-off contract between stages.
type SubTask struct {
	ID        string
	TaskID    string
	Goal      string
	Requires  CapabilitySet
	Inputs    []string
	Outputs   []string
	DependsOn []string
	Ceiling   time.Duration // per-dispatch response ceiling, 0 = default
}

// AgentProfile describes an assignable agent.
type AgentProfile struct {
	AgentID      string
	Capabilities CapabilitySet
}

// Binding pairs a subtask with its assigned agent.
type Binding struct {
	SubTask SubTask
	AgentID string
}

// Config wires a Coordinator.
type Config struct {
	Logger  *slog.Logger
	Bus     *bus.Bus
	Alerts  *alerts.Queue
	Metrics *otel.Metrics

	// RequestCeiling bounds each subtask dispatch; default 2 minutes.
	RequestCeiling time.Duration
}

// Coordinator sequences composite work across agents.
type Coordinator struct {
	logger  *slog.Logger
	bus     *bus.Bus
	alerts  *alerts.Queue
	metrics *otel.Metrics
	ceiling time.Duration

	mu     sync.RWMutex
	agents []AgentProfile // last Assign's agent table, reused for reallocation
}

// New creates a Coordinator.
func New(cfg Config) *Coordinator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ceiling := cfg.RequestCeiling
	if ceiling <= 0 {
		ceiling = 2 * time.Minute
	}
	return &Coordinator{
		logger:  logger,
		bus:     cfg.Bus,
		alerts:  cfg.Alerts,
		metrics: cfg.Metrics,
		ceiling: ceiling,
	}
}

// Decompose splits a composite task into a staged pipeline with explicit
// input/output hand-offs: research feeds analysis, analysis feeds
// synthesis, synthesis is reviewed. Each stage is independently executable
// once its inputs exist.
func (c *Coordinator) Decompose(task CompositeTask) []SubTask {
	stage := func(suffix, goal string, cap Capability, inputs, outputs, deps []string) SubTask {
		return SubTask{
			ID:        task.ID + "-" + suffix,
			TaskID:    task.ID,
			Goal:      goal,
			Requires:  Capabilities(cap),
			Inputs:    inputs,
			Outputs:   outputs,
			DependsOn: deps,
		}
	}

	research := stage("research",
		fmt.Sprintf("gather material for: %s", task.Goal),
		CapResearch, []string{"goal"}, []string{"findings"}, nil)
	analysis := stage("analysis",
		fmt.Sprintf("analyze findings for: %s", task.Goal),
		CapAnalysis, []string{"findings"}, []string{"assessment"},
		[]string{research.ID})
	synthesis := stage("synthesis",
		fmt.Sprintf("produce deliverable for: %s", task.Goal),
		CapSynthesis, []string{"assessment"}, []string{"deliverable"},
		[]string{analysis.ID})
	review := stage("review",
		fmt.Sprintf("review deliverable for: %s", task.Goal),
		CapReview, []string{"deliverable"}, []string{"approval"},
		[]string{synthesis.ID})

	return []SubTask{research, analysis, synthesis, review}
}

// Assign matches subtasks to capable agents, balancing by assignment count.
// Unmatched subtasks are returned, never dropped.
func (c *Coordinator) Assign(subtasks []SubTask, agents []AgentProfile) (bindings []Binding, unassigned []SubTask) {
	c.mu.Lock()
	c.agents = append([]AgentProfile(nil), agents...)
	c.mu.Unlock()

	load := make(map[string]int, len(agents))
	for _, st := range subtasks {
		best := ""
		for _, a := range agents {
			if !a.Capabilities.Contains(st.Requires) {
				continue
			}
			if best == "" || load[a.AgentID] < load[best] {
				best = a.AgentID
			}
		}
		if best == "" {
			unassigned = append(unassigned, st)
			continue
		}
		load[best]++
		bindings = append(bindings, Binding{SubTask: st, AgentID: best})
	}

	if len(unassigned) > 0 {
		ids := make([]string, len(unassigned))
		for i, st := range unassigned {
			ids[i] = st.ID
		}
		c.logger.Warn("subtasks without a capable agent", "subtask_ids", ids)
		if c.alerts != nil {
			c.alerts.Raise(context.Background(), alerts.SeverityWarning, "coordinator",
				fmt.Sprintf("%d subtasks have no capable agent", len(unassigned)))
		}
	}
	return bindings, unassigned
}

// Prioritize orders composite tasks by a blended urgency/impact/cost score
// while keeping every task at or below the rank of anything it depends on.
// Among dependency-ready tasks the highest score dispatches first.
func (c *Coordinator) Prioritize(tasks []CompositeTask) []CompositeTask {
	score := func(t CompositeTask) float64 {
		return 0.45*t.Urgency + 0.45*t.Impact - 0.1*t.Cost
	}

	byID := make(map[string]CompositeTask, len(tasks))
	indegree := make(map[string]int, len(tasks))
	dependents := make(map[string][]string, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
		indegree[t.ID] = 0
	}
	for _, t := range tasks {
		for _, dep := range t.DependsOn {
			if _, known := byID[dep]; !known {
				continue // dependency outside this batch
			}
			indegree[t.ID]++
			dependents[dep] = append(dependents[dep], t.ID)
		}
	}

	ready := make([]string, 0, len(tasks))
	for id, deg := range indegree {
		if deg == 0 {
			ready = append(ready, id)
		}
	}

	ranked := make([]CompositeTask, 0, len(tasks))
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool {
			si, sj := score(byID[ready[i]]), score(byID[ready[j]])
			if si != sj {
				return si > sj
			}
			return ready[i] < ready[j]
		})
		next := ready[0]
		ready = ready[1:]
		ranked = append(ranked, byID[next])
		for _, dep := range dependents[next] {
			indegree[dep]--
			if indegree[dep] == 0 {
				ready = append(ready, dep)
			}
		}
	}

	// A cycle in the batch leaves tasks unranked; append them so nothing
	// is dropped, worst score last.
	if len(ranked) < len(tasks) {
		var rest []CompositeTask
		seen := make(map[string]bool, len(ranked))
		for _, t := range ranked {
			seen[t.ID] = true
		}
		for _, t := range tasks {
			if !seen[t.ID] {
				rest = append(rest, t)
			}
		}
		sort.Slice(rest, func(i, j int) bool { return score(rest[i]) > score(rest[j]) })
		ranked = append(ranked, rest...)
	}
	return ranked
}

func newReportID() string { return uuid.NewString() }
