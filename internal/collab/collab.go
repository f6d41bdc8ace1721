// Package collab declares the external collaborator contracts the core
// consumes. Each collaborator is opaque: it returns structured data or a
// typed failure, and the core never depends on how the result is produced.
package collab

import (
	"context"
	"fmt"
)

// Prompt is the structured input to the content generator.
type Prompt struct {
	AgentID string
	Intent  string // what the agent wants produced
	Context map[string]any
}

// GenResult is the structured output of a generation call.
type GenResult struct {
	Content    string
	Structured map[string]any
	Confidence float64
}

// GenerationError is the typed failure returned by a generator.
type GenerationError struct {
	Code    string // "rate_limited", "unavailable", "rejected", ...
	Message string
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("generation failed (%s): %s", e.Code, e.Message)
}

// Generator produces structured content for an agent.
type Generator interface {
	Generate(ctx context.Context, prompt Prompt) (GenResult, error)
}

// Learning mirrors the runtime's reflected learning for sharing; kept as a
// plain struct here so the knowledge store does not import the runtime.
type Learning struct {
	Content       string
	Evidence      []string
	Confidence    float64
	Applicability string
}

// KnowledgeStore accepts high-confidence learnings and completed
// experiences, and may return recognized patterns.
type KnowledgeStore interface {
	ShareKnowledge(ctx context.Context, agentID string, learning Learning, context map[string]any) error
	RecordExperience(ctx context.Context, agentID string, experienceID string) ([]string, error)
}

// Oversight is the human-review channel. Fire-and-forget from the core's
// view: errors are logged by callers, never block a cycle.
type Oversight interface {
	RequestReview(ctx context.Context, userID, agentID, subject, urgency string) error
}

// Gauges report resource pressure as percentages in [0,100].
type Gauges interface {
	CPUUsage() float64
	MemoryUsage() float64
	StorageHealth() float64
	ExternalQuotaUsage() float64
}
