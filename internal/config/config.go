// Package config loads and validates the daemon configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/meshwork-ai/swarmd/internal/otel"
)

// AgentEntry defines a named agent created at bring-up.
type AgentEntry struct {
	AgentID      string      `yaml:"agent_id"`
	DisplayName  string      `yaml:"display_name"`
	Capabilities []string    `yaml:"capabilities"`
	Loops        []LoopEntry `yaml:"loops"`
}

// LoopEntry defines one scheduled loop owned by an agent. LoopSpecs are
// created once at bring-up from these entries and never deleted at runtime.
type LoopEntry struct {
	ID          string   `yaml:"id"`
	Schedule    string   `yaml:"schedule"` // duration ("5m") or 5-field cron
	Priority    int      `yaml:"priority"`
	MaxDuration string   `yaml:"max_duration"` // Go duration, default 10m
	Adaptive    bool     `yaml:"adaptive"`
	DependsOn   []string `yaml:"depends_on"`
}

// MemoryConfig bounds the per-agent memory layers.
type MemoryConfig struct {
	ShortTermTTLMinutes int `yaml:"short_term_ttl_minutes"`
	EpisodicCap         int `yaml:"episodic_cap"`
}

// HealthConfig carries the aggregation thresholds. Hot-reloadable.
type HealthConfig struct {
	ResourceDegradedPct float64 `yaml:"resource_degraded_pct"`    // default 70
	ResourceCriticalPct float64 `yaml:"resource_critical_pct"`    // default 90
	UnhealthyLoopsCrit  int     `yaml:"unhealthy_loops_critical"` // default 2 (strictly more => critical)
}

// Config is the root configuration.
type Config struct {
	HomeDir string `yaml:"-"`

	LogLevel string `yaml:"log_level"`

	// RequestTimeoutSeconds bounds coordinator request/response exchanges.
	RequestTimeoutSeconds int `yaml:"request_timeout_seconds"`

	// RetentionMessagesDays prunes the durable message archive. 0 keeps all.
	RetentionMessagesDays int `yaml:"retention_messages_days"`

	Memory MemoryConfig `yaml:"memory"`
	Health HealthConfig `yaml:"health"`
	OTel   otel.Config  `yaml:"otel"`
	Agents []AgentEntry `yaml:"agents"`
}

// Load reads $homeDir/config.yaml, applies defaults, and validates.
// A missing file yields the defaults with no agents.
func Load(homeDir string) (*Config, error) {
	cfg := &Config{HomeDir: homeDir}

	path := filepath.Join(homeDir, "config.yaml")
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	cfg.HomeDir = homeDir
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.RequestTimeoutSeconds <= 0 {
		c.RequestTimeoutSeconds = 120
	}
	if c.Memory.ShortTermTTLMinutes <= 0 {
		c.Memory.ShortTermTTLMinutes = 30
	}
	if c.Memory.EpisodicCap <= 0 {
		c.Memory.EpisodicCap = 100
	}
	if c.Health.ResourceDegradedPct <= 0 {
		c.Health.ResourceDegradedPct = 70
	}
	if c.Health.ResourceCriticalPct <= 0 {
		c.Health.ResourceCriticalPct = 90
	}
	if c.Health.UnhealthyLoopsCrit <= 0 {
		c.Health.UnhealthyLoopsCrit = 2
	}
}

// Validate rejects malformed agents and loops before any component starts.
func (c *Config) Validate() error {
	agentIDs := make(map[string]bool)
	loopIDs := make(map[string]bool)

	for _, a := range c.Agents {
		if a.AgentID == "" {
			return fmt.Errorf("agent with empty agent_id")
		}
		if agentIDs[a.AgentID] {
			return fmt.Errorf("duplicate agent_id %q", a.AgentID)
		}
		agentIDs[a.AgentID] = true

		for _, l := range a.Loops {
			if l.ID == "" {
				return fmt.Errorf("agent %q: loop with empty id", a.AgentID)
			}
			if loopIDs[l.ID] {
				return fmt.Errorf("duplicate loop id %q", l.ID)
			}
			loopIDs[l.ID] = true
			if l.Schedule == "" {
				return fmt.Errorf("loop %q: empty schedule", l.ID)
			}
			if l.MaxDuration != "" {
				if _, err := time.ParseDuration(l.MaxDuration); err != nil {
					return fmt.Errorf("loop %q: bad max_duration: %w", l.ID, err)
				}
			}
		}
	}

	// Dependencies must reference known loops. Cycle detection is the
	// scheduler's job at registration; this catches plain typos early.
	for _, a := range c.Agents {
		for _, l := range a.Loops {
			for _, dep := range l.DependsOn {
				if !loopIDs[dep] {
					return fmt.Errorf("loop %q: unknown dependency %q", l.ID, dep)
				}
			}
		}
	}
	return nil
}

// MaxDurationOf returns the parsed per-loop ceiling with the 10m default.
func (l LoopEntry) MaxDurationOf() time.Duration {
	if l.MaxDuration == "" {
		return 10 * time.Minute
	}
	d, err := time.ParseDuration(l.MaxDuration)
	if err != nil {
		return 10 * time.Minute
	}
	return d
}
