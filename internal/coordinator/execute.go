package coordinator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/meshwork-ai/swarmd/internal/alerts"
	"github.com/meshwork-ai/swarmd/internal/bus"
)

// RunReport tracks one Coordinate run. It is live: Coordinate updates it
// as subtasks move, and Monitor may inspect it concurrently.
type RunReport struct {
	ID      string
	Started time.Time

	mu        sync.RWMutex
	finished  time.Time
	status    map[string]SubTaskStatus
	agent     map[string]string // subtask id -> bound agent
	began     map[string]time.Time
	durations map[string]time.Duration
	responses map[string]any
	failures  map[string]error
}

func newRunReport(bindings []Binding) *RunReport {
	r := &RunReport{
		ID:        newReportID(),
		Started:   time.Now(),
		status:    make(map[string]SubTaskStatus, len(bindings)),
		agent:     make(map[string]string, len(bindings)),
		began:     make(map[string]time.Time),
		durations: make(map[string]time.Duration),
		responses: make(map[string]any),
		failures:  make(map[string]error),
	}
	for _, b := range bindings {
		r.status[b.SubTask.ID] = SubTaskPending
		r.agent[b.SubTask.ID] = b.AgentID
	}
	return r
}

// Status returns one subtask's current state.
func (r *RunReport) Status(subtaskID string) SubTaskStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.status[subtaskID]
}

// Statuses returns a copy of every subtask's state.
func (r *RunReport) Statuses() map[string]SubTaskStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]SubTaskStatus, len(r.status))
	for k, v := range r.status {
		out[k] = v
	}
	return out
}

// Response returns the payload an agent answered a subtask with.
func (r *RunReport) Response(subtaskID string) (any, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.responses[subtaskID]
	return v, ok
}

// Failure returns the error that failed a subtask.
func (r *RunReport) Failure(subtaskID string) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.failures[subtaskID]
}

// Finished reports whether the run is over and when it ended.
func (r *RunReport) Finished() (time.Time, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.finished, !r.finished.IsZero()
}

func (r *RunReport) markInProgress(id string) {
	r.mu.Lock()
	r.status[id] = SubTaskInProgress
	r.began[id] = time.Now()
	r.mu.Unlock()
}

func (r *RunReport) markDone(id string, status SubTaskStatus, response any, err error) {
	r.mu.Lock()
	r.status[id] = status
	if began, ok := r.began[id]; ok {
		r.durations[id] = time.Since(began)
	}
	if response != nil {
		r.responses[id] = response
	}
	if err != nil {
		r.failures[id] = err
	}
	r.mu.Unlock()
}

func (r *RunReport) markFinished() {
	r.mu.Lock()
	r.finished = time.Now()
	r.mu.Unlock()
}

// Coordinate executes bound subtasks in topological waves: every subtask
// whose dependencies are all completed dispatches concurrently as a bus
// request bounded by its ceiling. A failed subtask marks its transitive
// dependents blocked; they are reported, never silently skipped.
func (c *Coordinator) Coordinate(ctx context.Context, bindings []Binding) (*RunReport, error) {
	waves, err := topoWaves(bindings)
	if err != nil {
		return nil, err
	}
	report := newRunReport(bindings)
	defer report.markFinished()

	byID := make(map[string]Binding, len(bindings))
	for _, b := range bindings {
		byID[b.SubTask.ID] = b
	}

	for _, wave := range waves {
		// Skip subtasks whose dependencies did not complete.
		var runnable []Binding
		for _, id := range wave {
			b := byID[id]
			if blockedBy, blocked := c.failedDep(report, b.SubTask); blocked {
				report.markDone(id, SubTaskBlocked, nil,
					fmt.Errorf("dependency %s did not complete", blockedBy))
				c.logger.Warn("subtask blocked", "subtask_id", id, "dependency", blockedBy)
				continue
			}
			runnable = append(runnable, b)
		}
		if len(runnable) == 0 {
			continue
		}

		g, gctx := errgroup.WithContext(ctx)
		for _, b := range runnable {
			g.Go(func() error {
				c.dispatch(gctx, b, report)
				return nil
			})
		}
		g.Wait()

		if err := ctx.Err(); err != nil {
			return report, err
		}
	}
	return report, nil
}

func (c *Coordinator) failedDep(report *RunReport, st SubTask) (string, bool) {
	for _, dep := range st.DependsOn {
		switch report.Status(dep) {
		case SubTaskCompleted:
		default:
			return dep, true
		}
	}
	return "", false
}

// dispatch sends one subtask to its agent and waits for the response or
// the ceiling.
func (c *Coordinator) dispatch(ctx context.Context, b Binding, report *RunReport) {
	report.markInProgress(b.SubTask.ID)
	if c.metrics != nil {
		c.metrics.SubtaskDispatches.Add(ctx, 1)
	}

	ceiling := b.SubTask.Ceiling
	if ceiling <= 0 {
		ceiling = c.ceiling
	}

	resp, err := c.bus.Request(ctx, bus.Message{
		From:     "coordinator",
		To:       b.AgentID,
		Kind:     bus.KindRequest,
		Priority: bus.PriorityHigh,
		Payload: map[string]any{
			"subtask_id": b.SubTask.ID,
			"task_id":    b.SubTask.TaskID,
			"goal":       b.SubTask.Goal,
			"inputs":     b.SubTask.Inputs,
			"outputs":    b.SubTask.Outputs,
		},
		RequiresResponse: true,
	}, ceiling)
	if err != nil {
		report.markDone(b.SubTask.ID, SubTaskFailed, nil, err)
		c.logger.Error("subtask failed", "subtask_id", b.SubTask.ID,
			"agent_id", b.AgentID, "error", err)
		return
	}
	report.markDone(b.SubTask.ID, SubTaskCompleted, resp.Payload, nil)
	c.logger.Info("subtask completed", "subtask_id", b.SubTask.ID, "agent_id", b.AgentID)
}

// topoWaves Kahn-sorts bindings into dependency waves. Dependencies outside
// the binding set are an error; so is a cycle.
func topoWaves(bindings []Binding) ([][]string, error) {
	present := make(map[string]bool, len(bindings))
	for _, b := range bindings {
		if present[b.SubTask.ID] {
			return nil, fmt.Errorf("coordinator: duplicate subtask %s", b.SubTask.ID)
		}
		present[b.SubTask.ID] = true
	}

	indegree := make(map[string]int, len(bindings))
	dependents := make(map[string][]string, len(bindings))
	for _, b := range bindings {
		for _, dep := range b.SubTask.DependsOn {
			if !present[dep] {
				return nil, fmt.Errorf("coordinator: subtask %s depends on unbound %s", b.SubTask.ID, dep)
			}
			indegree[b.SubTask.ID]++
			dependents[dep] = append(dependents[dep], b.SubTask.ID)
		}
	}

	var current []string
	for _, b := range bindings {
		if indegree[b.SubTask.ID] == 0 {
			current = append(current, b.SubTask.ID)
		}
	}

	var waves [][]string
	placed := 0
	for len(current) > 0 {
		sort.Strings(current)
		waves = append(waves, current)
		placed += len(current)
		var next []string
		for _, id := range current {
			for _, dep := range dependents[id] {
				indegree[dep]--
				if indegree[dep] == 0 {
					next = append(next, dep)
				}
			}
		}
		current = next
	}
	if placed != len(bindings) {
		return nil, fmt.Errorf("coordinator: dependency cycle among subtasks")
	}
	return waves, nil
}

// Reallocation proposes moving a bottlenecked subtask to another agent.
type Reallocation struct {
	SubTaskID string
	From      string
	To        string
}

// Monitor samples a live run and flags in-progress subtasks past the
// overrun threshold as bottlenecks, proposing reallocation to another
// capable agent instead of failing them outright.
func (c *Coordinator) Monitor(report *RunReport, subtasks []SubTask, overrunAfter time.Duration) []Reallocation {
	if overrunAfter <= 0 {
		overrunAfter = c.ceiling / 2
	}
	byID := make(map[string]SubTask, len(subtasks))
	for _, st := range subtasks {
		byID[st.ID] = st
	}

	c.mu.RLock()
	agents := c.agents
	c.mu.RUnlock()

	var proposals []Reallocation
	report.mu.RLock()
	now := time.Now()
	for id, status := range report.status {
		if status != SubTaskInProgress {
			continue
		}
		began, ok := report.began[id]
		if !ok || now.Sub(began) < overrunAfter {
			continue
		}
		current := report.agent[id]
		st, known := byID[id]
		if !known {
			continue
		}
		for _, a := range agents {
			if a.AgentID == current || !a.Capabilities.Contains(st.Requires) {
				continue
			}
			proposals = append(proposals, Reallocation{SubTaskID: id, From: current, To: a.AgentID})
			break
		}
	}
	report.mu.RUnlock()

	for _, p := range proposals {
		c.logger.Warn("bottleneck detected", "subtask_id", p.SubTaskID,
			"from", p.From, "proposed", p.To)
		if c.alerts != nil {
			c.alerts.Raise(context.Background(), alerts.SeverityWarning, "coordinator",
				fmt.Sprintf("subtask %s overrunning on %s, propose %s", p.SubTaskID, p.From, p.To))
		}
	}
	return proposals
}
