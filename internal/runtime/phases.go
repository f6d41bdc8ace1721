package runtime

import "time"

// ObservationKind tags what a perceived signal is about.
type ObservationKind string

const (
	ObservationInbox    ObservationKind = "inbox"    // messages drained from the bus
	ObservationMemory   ObservationKind = "memory"   // recalled facts and recent experiences
	ObservationResource ObservationKind = "resource" // gauge readings
	ObservationExternal ObservationKind = "external" // collaborator-provided signal
)

// Observation is one perceived signal. A collaborator failure during
// Perceive yields a degraded Observation carrying Err instead of aborting
// the cycle.
type Observation struct {
	ID         string
	Source     string
	Kind       ObservationKind
	Payload    any
	Confidence float64
	Relevance  float64
	Err        error
}

// Degraded reports whether the observation carries a collaborator failure.
func (o Observation) Degraded() bool { return o.Err != nil }

// ThoughtKind tags the reasoning category.
type ThoughtKind string

const (
	ThoughtAnalysis   ThoughtKind = "analysis"
	ThoughtHypothesis ThoughtKind = "hypothesis"
	ThoughtInsight    ThoughtKind = "insight"
)

// Thought is a derived analysis, hypothesis, or insight with back-references
// to the observations justifying it.
type Thought struct {
	Kind           ThoughtKind
	Content        string
	Confidence     float64
	Reasoning      string
	ObservationIDs []string
	Actionable     bool
	Directive      *Directive
}

// Directive is the action a thought implies: which tool to run and with
// what arguments. Only actionable thoughts carry one.
type Directive struct {
	Tool string
	Args map[string]any
}

// Risk is a planned-for failure mode.
type Risk struct {
	Description string
	Probability float64
	Impact      float64
	Mitigation  string
	Contingency string
}

// PlanStep is one ordered unit of a Plan.
type PlanStep struct {
	ID            string
	Description   string
	Tool          string
	Args          map[string]any
	EstimatedCost time.Duration
}

// Plan converts actionable thoughts into ordered steps with risks and
// success metrics.
type Plan struct {
	Steps          []PlanStep
	Risks          []Risk
	SuccessMetrics []string
}

// Action is a materialized step descriptor. Building an Action has no side
// effect; dispatch happens in Execute.
type Action struct {
	ID     string
	StepID string
	Tool   string
	Args   map[string]any
}

// Result is the outcome of executing one Action.
type Result struct {
	ActionID string
	Success  bool
	Output   any
	Err      error
	Duration time.Duration
}

// Learning is a reflected takeaway with its supporting evidence.
type Learning struct {
	Content       string
	Evidence      []string
	Confidence    float64
	Applicability string
}
