// Package memory implements the layered memory owned by one agent:
// TTL-bounded short-term facts, weighted long-term facts, a capped episodic
// log of Experiences, and an accretive semantic store. A Memory is owned
// exclusively by its agent; cross-agent sharing happens over the bus or the
// knowledge collaborator, never by direct access.
package memory

import (
	"time"

	"github.com/google/uuid"
)

// Experience is the durable record of one completed cognitive cycle.
// Created once, appended to episodic memory, never mutated.
type Experience struct {
	ID        string         `json:"id"`
	AgentID   string         `json:"agent_id"`
	Context   map[string]any `json:"context"`
	Actions   []string       `json:"actions"`
	Results   []string       `json:"results"`
	Learnings []string       `json:"learnings"`
	Timestamp time.Time      `json:"timestamp"`
	Success   bool           `json:"success"`
}

// NewExperience stamps an id and timestamp.
func NewExperience(agentID string, success bool) Experience {
	return Experience{
		ID:        uuid.NewString(),
		AgentID:   agentID,
		Context:   make(map[string]any),
		Timestamp: time.Now(),
		Success:   success,
	}
}

// Config bounds the memory layers.
type Config struct {
	ShortTermTTL time.Duration // default 30m
	EpisodicCap  int           // default 100
}

// Memory aggregates the four layers for one agent.
type Memory struct {
	Short    *ShortTerm
	Long     *LongTerm
	Episodic *Episodic
	Semantic *Semantic
}

// New creates an empty Memory with the given bounds.
func New(cfg Config) *Memory {
	ttl := cfg.ShortTermTTL
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	cap := cfg.EpisodicCap
	if cap <= 0 {
		cap = 100
	}
	return &Memory{
		Short:    NewShortTerm(ttl),
		Long:     NewLongTerm(),
		Episodic: NewEpisodic(cap),
		Semantic: NewSemantic(),
	}
}
