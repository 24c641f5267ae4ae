package pipeline

import (
	"errors"
	"reflect"
	"strings"
	"testing"

	"gridweaver/internal/stage"
)

func TestExecutionState_Lifecycle(t *testing.T) {
	state := ExecutionState{"a": StagePending, "b": StagePending, "c": StagePending}

	if err := state.start("a"); err != nil {
		t.Fatalf("start pending: %v", err)
	}
	if err := state.start("a"); err == nil {
		t.Fatalf("expected error starting a running stage")
	}
	if err := state.start("missing"); err == nil {
		t.Fatalf("expected error for unknown stage")
	}
	if got := state.finish("a", nil); got != StageCompleted || !got.Terminal() {
		t.Fatalf("finish(a) = %s", got)
	}
	if got := state.finish("a", errors.New("late")); got != StageCompleted {
		t.Fatalf("a settled stage must not change, got %s", got)
	}

	if err := state.start("b"); err != nil {
		t.Fatalf("start b: %v", err)
	}
	if got := state.finish("b", errors.New("boom")); got != StageFailed {
		t.Fatalf("finish(b) = %s", got)
	}
	if state.skip("b") {
		t.Fatalf("a failed stage cannot be skipped")
	}
	if !state.skip("c") || state["c"] != StageSkipped || !state["c"].Terminal() {
		t.Fatalf("expected c skipped, got %s", state["c"])
	}
	if StagePending.Terminal() || StageRunning.Terminal() {
		t.Fatalf("pending and running are not terminal")
	}
}

func TestDownstream_CanonicalReachability(t *testing.T) {
	noop := func(*stage.Cell) {}
	mk := func(name string, after ...string) *stage.Stage {
		return stage.Elementwise(name, nil, nil, noop).DependsOn(after...)
	}
	g := newGraph([]*stage.Stage{mk("d"), mk("c", "b"), mk("b", "a"), mk("a")})
	for i, n := range g.nodes {
		for _, a := range n.stage.After {
			g.addEdge(g.byName[a], i, "")
		}
	}
	if err := g.seal(); err != nil {
		t.Fatalf("seal: %v", err)
	}

	var got []string
	for _, i := range g.downstream(g.byName["a"]) {
		got = append(got, g.name(i))
	}
	if !reflect.DeepEqual(got, []string{"b", "c"}) {
		t.Fatalf("downstream(a) = %v", got)
	}
	if !g.ordered(g.byName["a"], g.byName["c"]) || g.ordered(g.byName["a"], g.byName["d"]) {
		t.Fatalf("unexpected reachability")
	}
	if want := []int{0, 1, 2, 0}; !reflect.DeepEqual(g.depth, want) {
		t.Fatalf("depth = %v, want %v", g.depth, want)
	}
}

func TestSeal_CycleWitnessStartsAtSmallestStage(t *testing.T) {
	noop := func(*stage.Cell) {}
	mk := func(name string, after ...string) *stage.Stage {
		return stage.Elementwise(name, nil, nil, noop).DependsOn(after...)
	}
	// aa hangs off the cycle b -> c -> d -> b and sorts before it.
	g := newGraph([]*stage.Stage{mk("a"), mk("aa", "d"), mk("b", "a", "d"), mk("c", "b"), mk("d", "c")})
	for i, n := range g.nodes {
		for _, a := range n.stage.After {
			g.addEdge(g.byName[a], i, "")
		}
	}
	err := g.seal()
	if !errors.Is(err, ErrCycle) {
		t.Fatalf("expected ErrCycle, got %v", err)
	}
	if !strings.Contains(err.Error(), "b -> c -> d -> b") {
		t.Fatalf("unexpected cycle witness %q", err)
	}
}
