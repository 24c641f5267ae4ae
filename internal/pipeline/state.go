package pipeline

import "fmt"

// StageState is the runtime state of a stage within one step. Every stage
// starts PENDING; a launched stage ends COMPLETED or FAILED, and a stage that
// never launches ends SKIPPED.
type StageState string

const (
	StagePending   StageState = "PENDING"
	StageRunning   StageState = "RUNNING"
	StageCompleted StageState = "COMPLETED"
	StageFailed    StageState = "FAILED"
	StageSkipped   StageState = "SKIPPED"
)

// Terminal reports whether s is final for the step.
func (s StageState) Terminal() bool {
	return s == StageCompleted || s == StageFailed || s == StageSkipped
}

// ExecutionState maps stage name to its state.
type ExecutionState map[string]StageState

func newExecutionState(g *graph) ExecutionState {
	st := make(ExecutionState, len(g.nodes))
	for i := range g.nodes {
		st[g.name(i)] = StagePending
	}
	return st
}

// start marks a pending stage running.
func (e ExecutionState) start(name string) error {
	if cur, ok := e[name]; !ok || cur != StagePending {
		return fmt.Errorf("stage %q cannot start from state %q", name, cur)
	}
	e[name] = StageRunning
	return nil
}

// finish settles a running stage by its outcome.
func (e ExecutionState) finish(name string, err error) StageState {
	if e[name] != StageRunning {
		return e[name]
	}
	if err != nil {
		e[name] = StageFailed
	} else {
		e[name] = StageCompleted
	}
	return e[name]
}

// skip marks a pending stage skipped and reports whether it was pending.
func (e ExecutionState) skip(name string) bool {
	if e[name] != StagePending {
		return false
	}
	e[name] = StageSkipped
	return true
}

// downstream returns the stages reachable from start, in canonical order.
func (g *graph) downstream(start int) []int {
	var out []int
	for i, ok := range g.reach[start] {
		if ok {
			out = append(out, i)
		}
	}
	return out
}
