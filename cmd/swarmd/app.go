package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/meshwork-ai/swarmd/internal/alerts"
	"github.com/meshwork-ai/swarmd/internal/bus"
	"github.com/meshwork-ai/swarmd/internal/collab"
	"github.com/meshwork-ai/swarmd/internal/config"
	"github.com/meshwork-ai/swarmd/internal/coordinator"
	"github.com/meshwork-ai/swarmd/internal/memory"
	otelPkg "github.com/meshwork-ai/swarmd/internal/otel"
	"github.com/meshwork-ai/swarmd/internal/persistence"
	"github.com/meshwork-ai/swarmd/internal/runtime"
	"github.com/meshwork-ai/swarmd/internal/schedule"
	"github.com/meshwork-ai/swarmd/internal/scheduler"
)

// App is the assembled daemon and its administrative surface: the hosting
// process starts it, stops it, and reads health and loop status off it.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	bus         *bus.Bus
	alerts      *alerts.Queue
	store       *persistence.Store
	scheduler   *scheduler.Scheduler
	coordinator *coordinator.Coordinator
	runtimes    map[string]*runtime.Runtime

	unsubscribes []func()
}

// newApp wires every component from config. Nothing runs until Start.
func newApp(cfg *config.Config, logger *slog.Logger, provider *otelPkg.Provider) (*App, error) {
	metrics, err := otelPkg.NewMetrics(provider.Meter)
	if err != nil {
		return nil, fmt.Errorf("create metrics: %w", err)
	}

	store, err := persistence.Open(cfg.HomeDir)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	logger.Info("startup phase", "phase", "schema_migrated")

	b := bus.New(logger)
	b.Instrument(metrics)
	alertQueue := alerts.NewQueue(b, logger)
	alertQueue.Instrument(metrics)
	gauges := &collab.ProcessGauges{}

	app := &App{
		cfg:      cfg,
		logger:   logger,
		bus:      b,
		alerts:   alertQueue,
		store:    store,
		runtimes: make(map[string]*runtime.Runtime),
	}

	// Every bus message lands in the durable archive.
	app.unsubscribes = append(app.unsubscribes,
		b.Subscribe(bus.Broadcast, func(ctx context.Context, msg bus.Message) {
			if err := store.ArchiveMessage(ctx, msg); err != nil {
				logger.Warn("message archive failed", "message_id", msg.ID, "error", err)
			}
		}))

	sched := scheduler.New(scheduler.Config{
		Logger:              logger,
		Store:               store,
		Alerts:              alertQueue,
		Gauges:              gauges,
		Metrics:             metrics,
		ResourceDegradedPct: cfg.Health.ResourceDegradedPct,
		ResourceCriticalPct: cfg.Health.ResourceCriticalPct,
		UnhealthyLoopsCrit:  cfg.Health.UnhealthyLoopsCrit,
	})
	app.scheduler = sched

	var profiles []coordinator.AgentProfile
	for _, entry := range cfg.Agents {
		rt := runtime.New(runtime.Config{
			AgentID: entry.AgentID,
			Logger:  logger,
			Bus:     b,
			Memory: memory.New(memory.Config{
				ShortTermTTL: time.Duration(cfg.Memory.ShortTermTTLMinutes) * time.Minute,
				EpisodicCap:  cfg.Memory.EpisodicCap,
			}),
			Gauges:  gauges,
			Archive: store,
			Metrics: metrics,
		})
		rt.RegisterBuiltinTools()
		app.runtimes[entry.AgentID] = rt

		// Seed episodic memory from the archive so the first cycle's
		// history source sees the pre-restart record. Newest-first from
		// the store, appended oldest-first to keep chronology.
		if past, err := store.RecentExperiences(context.Background(), entry.AgentID, 5); err != nil {
			logger.Warn("experience restore failed", "agent_id", entry.AgentID, "error", err)
		} else {
			for i := len(past) - 1; i >= 0; i-- {
				rt.Memory().Episodic.Append(past[i])
			}
		}

		// Push deliveries feed the agent's pull inbox so the next cycle
		// perceives them; responses stay on the request/response path.
		agentID := entry.AgentID
		app.unsubscribes = append(app.unsubscribes,
			b.Subscribe(agentID, func(ctx context.Context, msg bus.Message) {
				if msg.Kind == bus.KindResponse {
					return
				}
				if err := b.EnqueuePriority(msg); err != nil {
					logger.Warn("inbox enqueue failed", "agent_id", agentID, "error", err)
				}
			}))

		caps := make(coordinator.CapabilitySet, len(entry.Capabilities))
		for _, c := range entry.Capabilities {
			caps[coordinator.Capability(c)] = true
		}
		profiles = append(profiles, coordinator.AgentProfile{
			AgentID:      entry.AgentID,
			Capabilities: caps,
		})

		for _, le := range entry.Loops {
			sch, err := schedule.Parse(le.Schedule)
			if err != nil {
				store.Close()
				return nil, fmt.Errorf("agent %s loop %s: %w", entry.AgentID, le.ID, err)
			}
			if err := sched.Register(scheduler.LoopSpec{
				ID:          le.ID,
				AgentID:     entry.AgentID,
				Schedule:    sch,
				Priority:    le.Priority,
				MaxDuration: le.MaxDurationOf(),
				Adaptive:    le.Adaptive,
				DependsOn:   le.DependsOn,
				Runner:      rt,
			}); err != nil {
				store.Close()
				return nil, fmt.Errorf("register loop %s: %w", le.ID, err)
			}
		}
	}

	if cfg.RetentionMessagesDays > 0 {
		retention := time.Duration(cfg.RetentionMessagesDays) * 24 * time.Hour
		if err := sched.Register(scheduler.LoopSpec{
			ID:       "message-retention",
			AgentID:  "system",
			Schedule: schedule.EveryAt(time.Hour, time.Now()),
			Runner:   &retentionRunner{store: store, olderThan: retention, logger: logger},
		}); err != nil {
			store.Close()
			return nil, fmt.Errorf("register retention loop: %w", err)
		}
	}

	// Loops persisted by an earlier run but absent from the current config
	// keep their state rows; flag them so a renamed loop id is noticed.
	if known, err := store.LoadLoopSpecs(context.Background()); err != nil {
		logger.Warn("loop spec load failed", "error", err)
	} else {
		registered := make(map[string]bool, len(known))
		for _, st := range sched.LoopStatuses() {
			registered[st.ID] = true
		}
		for _, rec := range known {
			if !registered[rec.ID] {
				logger.Warn("persisted loop no longer configured", "loop_id", rec.ID, "agent_id", rec.AgentID)
			}
		}
	}

	coord := coordinator.New(coordinator.Config{
		Logger:         logger,
		Bus:            b,
		Alerts:         alertQueue,
		Metrics:        metrics,
		RequestCeiling: time.Duration(cfg.RequestTimeoutSeconds) * time.Second,
	})
	// Seed the coordinator's agent table so emergencies can be handled
	// before the first composite task arrives.
	coord.Assign(nil, profiles)
	app.coordinator = coord

	return app, nil
}

// Start launches the scheduler and with it every registered loop.
func (a *App) Start(ctx context.Context) error {
	if err := a.scheduler.Start(ctx); err != nil {
		return err
	}
	a.logger.Info("startup phase", "phase", "loops_running",
		"agents", len(a.runtimes), "loops", len(a.scheduler.LoopStatuses()))
	return nil
}

// Stop drains in dependency order: loops first so no cycle is mid-flight,
// then subscriptions, bus, store.
func (a *App) Stop() {
	a.scheduler.Stop()
	for _, unsub := range a.unsubscribes {
		unsub()
	}
	a.bus.Close()
	if err := a.store.Close(); err != nil {
		a.logger.Warn("store close failed", "error", err)
	}
	a.logger.Info("shutdown complete")
}

// ApplyReload applies the hot-reloadable parts of a freshly loaded config:
// health-aggregation thresholds. Loop topology and storage stay fixed for
// the process lifetime.
func (a *App) ApplyReload(cfg *config.Config) {
	a.scheduler.UpdateHealthThresholds(cfg.Health.ResourceDegradedPct,
		cfg.Health.ResourceCriticalPct, cfg.Health.UnhealthyLoopsCrit)
	a.cfg = cfg
	a.logger.Info("config reloaded",
		"resource_degraded_pct", cfg.Health.ResourceDegradedPct,
		"resource_critical_pct", cfg.Health.ResourceCriticalPct,
		"unhealthy_loops_critical", cfg.Health.UnhealthyLoopsCrit)
}

// SystemHealth reports aggregated health.
func (a *App) SystemHealth() scheduler.SystemHealth { return a.scheduler.Health() }

// LoopStatus reports one loop's state.
func (a *App) LoopStatus(id string) (scheduler.LoopState, bool) {
	return a.scheduler.LoopStatus(id)
}

// LoopStatuses reports every loop's state in registration order.
func (a *App) LoopStatuses() []scheduler.LoopState { return a.scheduler.LoopStatuses() }

// Coordinator exposes composite-task operations to the host.
func (a *App) Coordinator() *coordinator.Coordinator { return a.coordinator }

// MessageLog returns an agent's archived messages, newest first. Unlike the
// bus history ring this survives restarts.
func (a *App) MessageLog(ctx context.Context, agentID string, limit int) ([]bus.Message, error) {
	return a.store.ArchivedMessages(ctx, agentID, limit)
}

// retentionRunner prunes the durable message archive on a system loop.
type retentionRunner struct {
	store     *persistence.Store
	olderThan time.Duration
	logger    *slog.Logger
}

func (r *retentionRunner) HealthCheck(ctx context.Context) error {
	return r.store.Ping(ctx)
}

func (r *retentionRunner) RunCycle(ctx context.Context) error {
	pruned, err := r.store.PruneArchive(ctx, r.olderThan)
	if err != nil {
		return err
	}
	if pruned > 0 {
		r.logger.Info("message archive pruned", "rows", pruned)
	}
	return nil
}
