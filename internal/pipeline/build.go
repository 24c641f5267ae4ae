package pipeline

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"gridweaver/internal/field"
	"gridweaver/internal/grid"
	"gridweaver/internal/metrics"
	"gridweaver/internal/parallel"
	"gridweaver/internal/reduce"
	"gridweaver/internal/scan"
	"gridweaver/internal/stage"
)

// Build validates stages against store and derives the execution plan. It
// rejects, before anything runs:
//   - invalid declarations and duplicate stage names
//   - unregistered fields and declared ranks that differ from the registry
//   - plain writers of one field that no dependency path orders
//   - a field both written plainly and accumulated into, or accumulated with
//     different operators
//   - reduced-rank fields written per column but shared with other stages
//   - dependency cycles
//
// On success the store is frozen.
func Build(store *field.Store, stages []*stage.Stage, opts Options) (*Pipeline, error) {
	log := opts.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	p, err := build(store, stages, opts, log)
	if err != nil {
		metrics.BuildFailed()
		log.Error("pipeline rejected", "error", err)
		return nil, err
	}
	store.Freeze()
	log.Info("pipeline built",
		"stages", len(p.g.nodes),
		"levels", len(p.levels),
		"edges", len(p.g.edges),
		"workers", p.pool.Workers(),
		"hash", p.hash,
	)
	return p, nil
}

func build(store *field.Store, stages []*stage.Stage, opts Options, log *slog.Logger) (*Pipeline, error) {
	if store == nil {
		return nil, configf(ErrInvalid, "nil field store")
	}
	if len(stages) == 0 {
		return nil, configf(ErrInvalid, "no stages")
	}
	seen := make(map[string]struct{}, len(stages))
	for _, s := range stages {
		if err := s.Validate(); err != nil {
			return nil, err
		}
		if _, dup := seen[s.Name]; dup {
			return nil, configf(ErrInvalid, "duplicate stage name %q", s.Name)
		}
		seen[s.Name] = struct{}{}
	}

	g := newGraph(stages)
	fields, err := collectFields(store, g)
	if err != nil {
		return nil, err
	}
	if err := checkWriters(g, fields); err != nil {
		return nil, err
	}
	scratch, err := promote(g, fields)
	if err != nil {
		return nil, err
	}

	handles := sortedHandles(fields)
	for _, h := range handles {
		f := fields[h]
		if f.scratch {
			continue
		}
		for _, w := range append(append([]int(nil), f.writers...), f.accumulators...) {
			for _, r := range f.readers {
				if !g.nodes[r].stage.WritesField(h) {
					g.addEdge(w, r, f.name)
				}
			}
		}
	}
	for i, n := range g.nodes {
		for _, a := range n.stage.After {
			j, ok := g.byName[a]
			if !ok {
				return nil, configf(ErrInvalid, "stage %q runs after unknown stage %q", n.stage.Name, a)
			}
			if j == i {
				return nil, configf(ErrInvalid, "stage %q runs after itself", a)
			}
			g.addEdge(j, i, "")
		}
	}
	if err := g.seal(); err != nil {
		return nil, err
	}

	for _, h := range handles {
		f := fields[h]
		for a := 0; a < len(f.writers); a++ {
			for b := a + 1; b < len(f.writers); b++ {
				if !g.ordered(f.writers[a], f.writers[b]) {
					return nil, configf(ErrWriteConflict, "stages %q and %q both write field %q and nothing orders them",
						g.name(f.writers[a]), g.name(f.writers[b]), f.name)
				}
			}
		}
	}

	p := &Pipeline{
		store:   store,
		domain:  store.Domain(),
		g:       g,
		opts:    opts,
		log:     log,
		pool:    parallel.NewPool(opts.Workers, opts.Schedule),
		fields:  fields,
		scratch: scratch,
		levels:  g.levels(),
	}
	if opts.ReductionBlockSize > 0 {
		p.reducer = reduce.NewEngineWithBlockSize(p.pool, opts.ReductionBlockSize)
	} else {
		p.reducer = reduce.NewEngine(p.pool)
	}
	p.scanner = scan.NewEngine(p.pool)

	for _, h := range handles {
		f := fields[h]
		switch {
		case f.scratch:
		case len(f.accumulators) > 0:
			p.written = append(p.written, h)
			p.accTargets = append(p.accTargets, h)
		case len(f.writers) > 0:
			p.written = append(p.written, h)
		default:
			p.leaves = append(p.leaves, h)
		}
		f.producer = p.producerOf(f)
	}

	nameOf := func(a stage.Access) string { return fields[a.Field].name }
	for _, n := range g.nodes {
		n.defHash = stageDefHash(n.stage, nameOf)
	}
	p.hash = g.computePipelineHash()

	log.Debug("pipeline plan", "order", strings.Join(p.Order(), ","), "scratch", len(p.Scratch()))
	return p, nil
}

func collectFields(store *field.Store, g *graph) (map[field.Handle]*fieldInfo, error) {
	fields := make(map[field.Handle]*fieldInfo)
	info := func(s *stage.Stage, a stage.Access) (*fieldInfo, error) {
		if f, ok := fields[a.Field]; ok {
			if f.rank != a.Rank {
				return nil, configf(ErrRankMismatch, "stage %q declares field %q as %s, registered as %s", s.Name, f.name, a.Rank, f.rank)
			}
			return f, nil
		}
		rank, err := store.Rank(a.Field)
		if err != nil {
			return nil, stageConfigError(s.Name, err)
		}
		name, _ := store.Name(a.Field)
		if rank != a.Rank {
			return nil, configf(ErrRankMismatch, "stage %q declares field %q as %s, registered as %s", s.Name, name, a.Rank, rank)
		}
		f := &fieldInfo{handle: a.Field, name: name, rank: rank}
		fields[a.Field] = f
		return f, nil
	}

	for i, n := range g.nodes {
		s := n.stage
		for _, a := range s.Reads {
			f, err := info(s, a)
			if err != nil {
				return nil, err
			}
			f.readers = append(f.readers, i)
		}
		for _, a := range s.Writes {
			f, err := info(s, a)
			if err != nil {
				return nil, err
			}
			if s.Kind == stage.KindAccumulation {
				f.accumulators = append(f.accumulators, i)
				continue
			}
			f.writers = append(f.writers, i)
		}
	}
	return fields, nil
}

// checkWriters enforces the per-kind write rules that do not need the graph.
func checkWriters(g *graph, fields map[field.Handle]*fieldInfo) error {
	for _, n := range g.nodes {
		s := n.stage
		switch s.Kind {
		case stage.KindElementwise, stage.KindColumnLocal:
			continue
		}
		for _, w := range s.Writes {
			if s.ReadsField(w.Field) {
				return configf(ErrWriteConflict, "%s stage %q reads field %q that it writes", s.Kind, s.Name, fields[w.Field].name)
			}
		}
	}
	for _, h := range sortedHandles(fields) {
		f := fields[h]
		if len(f.accumulators) == 0 {
			continue
		}
		if len(f.writers) > 0 {
			return configf(ErrWriteConflict, "field %q is written by %q and accumulated into by %q",
				f.name, g.name(f.writers[0]), g.name(f.accumulators[0]))
		}
		f.accOp = g.nodes[f.accumulators[0]].stage.Op
		for _, a := range f.accumulators[1:] {
			if o := g.nodes[a].stage.Op; o.Name != f.accOp.Name {
				return configf(ErrWriteConflict, "field %q is accumulated with %s by %q and %s by %q",
					f.name, f.accOp, g.name(f.accumulators[0]), o, g.name(a))
			}
		}
	}
	return nil
}

// promote classifies scalar and vertical fields written by column stages.
// Every column writes the whole buffer, so such a field is only sound as
// per-worker scratch of a single stage; any other stage touching it needs a
// full-rank field instead.
func promote(g *graph, fields map[field.Handle]*fieldInfo) ([][]field.Handle, error) {
	scratch := make([][]field.Handle, len(g.nodes))
	for _, h := range sortedHandles(fields) {
		f := fields[h]
		if f.rank != grid.Scalar && f.rank != grid.Vertical {
			continue
		}
		owner := -1
		for _, w := range f.writers {
			if g.nodes[w].stage.Kind == stage.KindColumnLocal {
				owner = w
				break
			}
		}
		if owner < 0 {
			continue
		}
		for _, other := range append(append([]int(nil), f.writers...), f.readers...) {
			if other != owner {
				return nil, configf(ErrPromotion,
					"%s field %q is written per column by %q and also used by %q; register it with full rank",
					f.rank, f.name, g.name(owner), g.name(other))
			}
		}
		f.scratch = true
		scratch[owner] = append(scratch[owner], h)
	}
	return scratch, nil
}

// producerOf names the stage whose output the field holds after a step.
func (p *Pipeline) producerOf(f *fieldInfo) string {
	if len(f.accumulators) > 0 {
		names := make([]string, 0, len(f.accumulators))
		for _, a := range f.accumulators {
			names = append(names, p.g.name(a))
		}
		return strings.Join(names, ",")
	}
	if len(f.writers) == 0 {
		return InputStage
	}
	last := f.writers[0]
	for _, w := range f.writers[1:] {
		if p.g.reach[last][w] {
			last = w
		}
	}
	return p.g.name(last)
}

func sortedHandles(fields map[field.Handle]*fieldInfo) []field.Handle {
	out := make([]field.Handle, 0, len(fields))
	for h := range fields {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func stageConfigError(name string, err error) error {
	var ce *ConfigError
	if errors.As(err, &ce) {
		return &ConfigError{Kind: ce.Kind, Msg: fmt.Sprintf("stage %q: %s", name, ce.Msg)}
	}
	return err
}
