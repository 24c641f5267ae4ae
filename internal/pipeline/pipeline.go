package pipeline

import (
	"log/slog"
	"sort"
	"sync"

	"gridweaver/internal/field"
	"gridweaver/internal/grid"
	"gridweaver/internal/journal"
	"gridweaver/internal/op"
	"gridweaver/internal/parallel"
	"gridweaver/internal/reduce"
	"gridweaver/internal/scan"
	"gridweaver/internal/stage"
)

// Options tunes execution. The zero value is usable.
type Options struct {
	// Workers sizes the worker pool; <= 0 means GOMAXPROCS.
	Workers int
	// StageConcurrency bounds how many stages of one level run at once;
	// <= 0 means no bound.
	StageConcurrency int
	Schedule         parallel.Schedule
	// ReductionBlockSize overrides the canonical reduction block; <= 0 keeps
	// the default. Results are identical for every worker count at a given
	// block size.
	ReductionBlockSize int
	// AtomicAccumulation combines contributions with compare-and-swap as they
	// are produced instead of committing per-column lanes in order. Integer
	// valued, min, max and logical accumulations are unaffected; floating
	// point sums may then differ in the last bits between runs.
	AtomicAccumulation bool
	Logger             *slog.Logger
	// Journal, when set, receives one entry per step. Journal failures are
	// logged and do not fail the step.
	Journal journal.Writer
}

type fieldInfo struct {
	handle       field.Handle
	name         string
	rank         grid.Rank
	writers      []int
	accumulators []int
	readers      []int
	accOp        op.Operator
	scratch      bool
	producer     string
}

func (f *fieldInfo) written() bool { return len(f.writers)+len(f.accumulators) > 0 }

// Pipeline is a validated, reusable stage graph bound to one field store.
// Steps are serialized; a Pipeline is safe for use from several goroutines.
type Pipeline struct {
	store  *field.Store
	domain grid.Domain
	g      *graph
	opts   Options
	log    *slog.Logger

	pool    *parallel.Pool
	reducer *reduce.Engine
	scanner *scan.Engine

	fields     map[field.Handle]*fieldInfo
	written    []field.Handle
	accTargets []field.Handle
	leaves     []field.Handle
	scratch    [][]field.Handle
	levels     [][]int
	hash       string

	mu   sync.Mutex
	step int64
}

// Store returns the field store the pipeline runs on.
func (p *Pipeline) Store() *field.Store { return p.store }

// Domain returns the grid extents.
func (p *Pipeline) Domain() grid.Domain { return p.domain }

// Hash returns the pipeline identity, independent of declaration order.
func (p *Pipeline) Hash() string { return p.hash }

// Step returns the number of the last step run.
func (p *Pipeline) Step() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.step
}

// ResumeAfter sets the number of the last completed step; the next step is
// numbered n+1.
func (p *Pipeline) ResumeAfter(n int64) {
	p.mu.Lock()
	p.step = n
	p.mu.Unlock()
}

// Levels returns stage names grouped by execution level. Stages within a
// level are independent.
func (p *Pipeline) Levels() [][]string {
	out := make([][]string, len(p.levels))
	for i, lvl := range p.levels {
		for _, n := range lvl {
			out[i] = append(out[i], p.g.name(n))
		}
	}
	return out
}

// Order returns every stage name in level order.
func (p *Pipeline) Order() []string {
	var out []string
	for _, lvl := range p.Levels() {
		out = append(out, lvl...)
	}
	return out
}

// Edges returns the dependency edges in canonical order.
func (p *Pipeline) Edges() []Edge {
	out := make([]Edge, 0, len(p.g.edges))
	for _, e := range p.g.edges {
		out = append(out, Edge{
			From:   p.g.name(e.from),
			To:     p.g.name(e.to),
			Fields: append([]string(nil), p.g.via[e]...),
		})
	}
	return out
}

// Leaves returns the fields no stage writes: the inputs Advance may refresh.
func (p *Pipeline) Leaves() []field.Handle {
	return append([]field.Handle(nil), p.leaves...)
}

// Scratch returns the fields kept private to one column stage. They are
// per-worker buffers, zeroed at the start of every column and never published.
func (p *Pipeline) Scratch() []field.Handle {
	var out []field.Handle
	for _, list := range p.scratch {
		out = append(out, list...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Stage returns a declared stage by name.
func (p *Pipeline) Stage(name string) (*stage.Stage, bool) {
	i, ok := p.g.byName[name]
	if !ok {
		return nil, false
	}
	return p.g.nodes[i].stage, true
}
