// Package runtime executes one agent's cognitive cycle: perceive, think,
// plan, act, execute, reflect, producing an auditable Experience per
// invocation. A Runtime owns its Memory exclusively; everything it shares
// with other agents travels over the bus or the knowledge collaborator.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/meshwork-ai/swarmd/internal/bus"
	"github.com/meshwork-ai/swarmd/internal/collab"
	"github.com/meshwork-ai/swarmd/internal/memory"
	otelpkg "github.com/meshwork-ai/swarmd/internal/otel"
)

// Tool performs one Action. Tools must be safe for concurrent use: all
// Actions of one Plan dispatch concurrently.
type Tool func(ctx context.Context, args map[string]any) (any, error)

// Archiver durably records completed experiences. The persistence store
// satisfies it.
type Archiver interface {
	AppendExperience(ctx context.Context, exp memory.Experience) error
}

// Source is a perception input gathered during Perceive.
type Source struct {
	Name   string
	Kind   ObservationKind
	Gather func(ctx context.Context) (any, error)
}

// ErrCycleInProgress is returned when RunCycle is re-entered while a cycle
// is still running. Cycles are strictly sequential per agent instance.
var ErrCycleInProgress = errors.New("runtime: cycle already in progress")

const (
	defaultInboxBatch = 16

	// shareThreshold gates which learnings are proposed to the knowledge
	// collaborator after a cycle.
	shareThreshold = 0.8
)

// Config wires one agent runtime.
type Config struct {
	AgentID   string
	Logger    *slog.Logger
	Bus       *bus.Bus
	Memory    *memory.Memory
	Generator collab.Generator      // optional
	Knowledge collab.KnowledgeStore // optional
	Oversight collab.Oversight      // optional
	Gauges    collab.Gauges         // optional
	Archive   Archiver              // optional: durable experience log
	Metrics   *otelpkg.Metrics      // optional

	// InboxBatch bounds how many priority messages one cycle consumes.
	InboxBatch int
	// OversightUserID addresses flagged-cycle review requests.
	OversightUserID string
}

// Runtime is one agent's cognitive engine. It implements the scheduler's
// Runner contract.
type Runtime struct {
	agentID   string
	logger    *slog.Logger
	bus       *bus.Bus
	mem       *memory.Memory
	generator collab.Generator
	knowledge collab.KnowledgeStore
	oversight collab.Oversight
	gauges    collab.Gauges
	archive   Archiver
	metrics   *otelpkg.Metrics

	inboxBatch      int
	oversightUserID string

	mu      sync.Mutex
	tools   map[string]Tool
	sources []Source

	cycleMu sync.Mutex
}

// New creates a Runtime with the default perception sources (inbox,
// resources, episodic recall). Additional sources and tools are registered
// by the host before the first cycle.
func New(cfg Config) *Runtime {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	mem := cfg.Memory
	if mem == nil {
		mem = memory.New(memory.Config{})
	}
	batch := cfg.InboxBatch
	if batch <= 0 {
		batch = defaultInboxBatch
	}

	r := &Runtime{
		agentID:         cfg.AgentID,
		logger:          logger.With("agent_id", cfg.AgentID),
		bus:             cfg.Bus,
		mem:             mem,
		generator:       cfg.Generator,
		knowledge:       cfg.Knowledge,
		oversight:       cfg.Oversight,
		gauges:          cfg.Gauges,
		archive:         cfg.Archive,
		metrics:         cfg.Metrics,
		inboxBatch:      batch,
		oversightUserID: cfg.OversightUserID,
		tools:           make(map[string]Tool),
	}
	r.registerDefaultSources()
	return r
}

// Memory exposes the agent's memory to its owner (tests, snapshots).
func (r *Runtime) Memory() *memory.Memory { return r.mem }

// RegisterTool binds a named tool resolvable from Plan steps.
func (r *Runtime) RegisterTool(name string, tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[name] = tool
}

// RegisterSource adds a perception source gathered on every cycle.
func (r *Runtime) RegisterSource(src Source) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources = append(r.sources, src)
}

// HealthCheck reports whether the agent can run a cycle: the bus must not
// be unhealthy and memory pressure must be survivable.
func (r *Runtime) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if r.bus != nil {
		if h := r.bus.HealthCheck(); h.Status == "unhealthy" {
			return fmt.Errorf("bus unhealthy: backlog=%d pending=%d", h.Backlog, h.Pending)
		}
	}
	if r.gauges != nil {
		if mem := r.gauges.MemoryUsage(); mem > 95 {
			return fmt.Errorf("memory pressure %.0f%%", mem)
		}
	}
	return nil
}

// RunCycle executes one full cognitive cycle and records the Experience.
// Phases run sequentially; only Execute fans out. A second concurrent call
// for the same Runtime fails with ErrCycleInProgress.
func (r *Runtime) RunCycle(ctx context.Context) error {
	exp, err := r.Cycle(ctx)
	if err != nil {
		return err
	}
	if !exp.Success {
		return fmt.Errorf("cycle %s: too many failed actions", exp.ID)
	}
	return nil
}

// Cycle is RunCycle returning the recorded Experience.
func (r *Runtime) Cycle(ctx context.Context) (*memory.Experience, error) {
	if !r.cycleMu.TryLock() {
		return nil, ErrCycleInProgress
	}
	defer r.cycleMu.Unlock()

	// Opportunistic short-term sweep at each cycle boundary.
	r.mem.Short.Sweep(time.Now())

	var (
		observations []Observation
		thoughts     []Thought
		plan         Plan
		actions      []Action
		results      []Result
		learnings    []Learning
	)
	r.timed(ctx, "perceive", func() { observations = r.perceive(ctx) })
	r.timed(ctx, "think", func() { thoughts = r.think(ctx, observations) })
	r.timed(ctx, "plan", func() { plan = r.plan(observations, thoughts) })
	r.timed(ctx, "act", func() { actions = r.act(plan) })
	r.timed(ctx, "execute", func() { results = r.execute(ctx, actions) })
	r.timed(ctx, "reflect", func() { learnings = r.reflect(observations, actions, results) })

	exp := r.record(observations, actions, results, learnings)
	r.postCycle(ctx, exp, results, learnings)
	return &exp, nil
}

func (r *Runtime) timed(ctx context.Context, phase string, fn func()) {
	start := time.Now()
	fn()
	elapsed := time.Since(start)
	if r.metrics != nil {
		r.metrics.CyclePhaseDuration.Record(ctx, elapsed.Seconds(),
			otelpkg.WithPhase(phase))
	}
	r.logger.Debug("phase complete", "phase", phase, "elapsed_ms", elapsed.Milliseconds())
}
