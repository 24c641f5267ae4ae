package pipeline

import (
	"time"

	"gridweaver/internal/trace"
)

// StepResult summarizes one step, committed or rolled back.
type StepResult struct {
	StepID       string
	Step         int64
	PipelineHash string
	Committed    bool

	// FinalState is the terminal state of every stage.
	FinalState ExecutionState
	// ExecutionOrder lists stages in the order they were dispatched.
	ExecutionOrder []string
	Levels         int

	Trace     trace.StepTrace
	TraceHash string

	// Scalars holds the committed values of scalar fields written this step,
	// keyed by field name.
	Scalars map[string]float64

	// FailedStage names the first failing stage in canonical order.
	FailedStage string
	StartedAt   time.Time
	Duration    time.Duration
}
