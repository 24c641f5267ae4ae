package pipeline

import (
	"gridweaver/internal/accum"
	"gridweaver/internal/field"
	"gridweaver/internal/grid"
	"gridweaver/internal/scan"
	"gridweaver/internal/stage"
)

// views holds the bindings of one stage execution.
type views struct {
	reads  []stage.Binding
	writes []stage.Binding
	held   []*field.View
}

func (v *views) release() {
	for _, h := range v.held {
		h.Release()
	}
	v.held = nil
}

func (v *views) read(h field.Handle) stage.Binding {
	for _, b := range v.reads {
		if b.Field == h {
			return b
		}
	}
	return stage.Binding{}
}

func (v *views) write(h field.Handle) stage.Binding {
	for _, b := range v.writes {
		if b.Field == h {
			return b
		}
	}
	return stage.Binding{}
}

// borrow takes views for every declared access of stage n except its
// private scratch fields.
func (p *Pipeline) borrow(n int) (*views, error) {
	s := p.g.nodes[n].stage
	v := &views{}
	bind := func(a stage.Access, mode field.Mode) (stage.Binding, error) {
		var (
			fv  *field.View
			err error
		)
		switch mode {
		case field.ModeWrite:
			fv, err = p.store.BorrowWrite(a.Field, s.Name)
		case field.ModeAccumulate:
			fv, err = p.store.BorrowAccumulate(a.Field, s.Name)
		default:
			fv, err = p.store.BorrowRead(a.Field, s.Name)
		}
		if err != nil {
			return stage.Binding{}, err
		}
		v.held = append(v.held, fv)
		return stage.Binding{Field: a.Field, Rank: fv.Rank(), Data: fv.Data()}, nil
	}

	writeMode := field.ModeWrite
	if s.Kind == stage.KindAccumulation {
		writeMode = field.ModeAccumulate
	}
	for _, a := range s.Writes {
		if p.fields[a.Field].scratch {
			continue
		}
		b, err := bind(a, writeMode)
		if err != nil {
			v.release()
			return nil, err
		}
		v.writes = append(v.writes, b)
	}
	for _, a := range s.Reads {
		if p.fields[a.Field].scratch {
			continue
		}
		b, err := bind(a, field.ModeRead)
		if err != nil {
			v.release()
			return nil, err
		}
		v.reads = append(v.reads, b)
	}
	return v, nil
}

// runStage executes stage n. Accumulation stages return their uncommitted
// lanes unless contributions are combined atomically.
func (p *Pipeline) runStage(n int) (*accum.Lanes, error) {
	s := p.g.nodes[n].stage
	v, err := p.borrow(n)
	if err != nil {
		return nil, &StageError{Stage: s.Name, Kind: s.Kind, Err: err}
	}
	defer v.release()

	var lanes *accum.Lanes
	switch s.Kind {
	case stage.KindElementwise:
		err = p.runElementwise(s, v)
	case stage.KindColumnLocal:
		err = p.runColumns(s, v, p.scratch[n])
	case stage.KindReduction:
		err = p.runReduction(s, v)
	case stage.KindAccumulation:
		lanes, err = p.runAccumulation(s, v)
	case stage.KindScan:
		err = p.runScan(s, v)
	}
	if err != nil {
		return nil, &StageError{Stage: s.Name, Kind: s.Kind, Err: err}
	}
	return lanes, nil
}

func (p *Pipeline) cells(s *stage.Stage, reads, writes []stage.Binding) []*stage.Cell {
	out := make([]*stage.Cell, p.pool.Workers())
	for w := range out {
		out[w] = stage.NewCell(s.Name, p.domain, reads, writes)
	}
	return out
}

func (p *Pipeline) runElementwise(s *stage.Stage, v *views) error {
	d := p.domain
	cells := p.cells(s, v.reads, v.writes)
	return p.pool.For(d.Columns(), func(w, col int) {
		c := cells[w]
		c.X, c.Y = d.Column(col)
		for z := 0; z < d.NZ; z++ {
			c.Z = z
			s.Cell(c)
		}
	})
}

// runColumns binds each worker its own copy of the stage's scratch fields and
// zeroes them before every column.
func (p *Pipeline) runColumns(s *stage.Stage, v *views, scratch []field.Handle) error {
	d := p.domain
	workers := p.pool.Workers()
	cols := make([]*stage.Column, workers)
	bufs := make([][][]float64, workers)

	for w := 0; w < workers; w++ {
		reads := append([]stage.Binding(nil), v.reads...)
		writes := append([]stage.Binding(nil), v.writes...)
		for _, h := range scratch {
			f := p.fields[h]
			buf := make([]float64, d.Len(f.rank))
			bufs[w] = append(bufs[w], buf)
			b := stage.Binding{Field: h, Rank: f.rank, Data: buf}
			if s.ReadsField(h) {
				reads = append(reads, b)
			}
			if s.WritesField(h) {
				writes = append(writes, b)
			}
		}
		cols[w] = stage.NewColumn(s.Name, d, reads, writes)
	}

	return p.pool.For(d.Columns(), func(w, col int) {
		for _, buf := range bufs[w] {
			clear(buf)
		}
		c := cols[w]
		c.Move(col)
		s.Column(c)
	})
}

func (p *Pipeline) runReduction(s *stage.Stage, v *views) error {
	in, out := v.reads[0], v.writes[0]
	if err := p.checkFinite(s.Name, p.fields[in.Field], in.Data); err != nil {
		return err
	}
	switch out.Rank {
	case grid.Horizontal:
		return p.reducer.Columns(in.Data, p.domain.NZ, s.Op, out.Data)
	case grid.Vertical:
		return p.reducer.Levels(in.Data, p.domain.NZ, s.Op, out.Data)
	default:
		r, err := p.reducer.Reduce(in.Data, s.Op)
		if err != nil {
			return err
		}
		out.Data[0] = r
		return nil
	}
}

func (p *Pipeline) runAccumulation(s *stage.Stage, v *views) (*accum.Lanes, error) {
	d := p.domain
	target := v.writes[0]
	acc, err := accum.New(s.Op, target.Data)
	if err != nil {
		return nil, err
	}
	var lanes *accum.Lanes
	if !p.opts.AtomicAccumulation {
		lanes = acc.Lanes(d.Columns())
	}

	cells := p.cells(s, v.reads, nil)
	err = p.pool.For(d.Columns(), func(w, col int) {
		c := cells[w]
		c.X, c.Y = d.Column(col)
		for z := 0; z < d.NZ; z++ {
			c.Z = z
			val := s.Value(c)
			idx := d.Project(target.Rank, c.X, c.Y, z)
			if lanes != nil {
				lanes.Contribute(col, idx, val)
			} else {
				acc.Contribute(idx, val)
			}
		}
	})
	if err != nil {
		return nil, err
	}
	return lanes, nil
}

// runScan checks its inputs, computes increments in phase one, checks them,
// then accumulates each column in phase two. Without a materialized
// increments field the output buffer holds the increments in between.
func (p *Pipeline) runScan(s *stage.Stage, v *views) error {
	d := p.domain
	cfg := s.Scan
	for _, b := range v.reads {
		if f := p.fields[b.Field]; !f.scratch {
			if err := p.checkFinite(s.Name, f, b.Data); err != nil {
				return err
			}
		}
	}
	out := v.write(cfg.Output.Field)
	inc := out
	incName := p.fields[cfg.Output.Field].name
	if cfg.Increments != nil {
		inc = v.write(cfg.Increments.Field)
		incName = p.fields[cfg.Increments.Field].name
	}

	cells := p.cells(s, v.reads, nil)
	err := p.scanner.Increments(d, func(w, x, y, z int) float64 {
		c := cells[w]
		c.X, c.Y, c.Z = x, y, z
		return s.Value(c)
	}, inc.Data)
	if err != nil {
		return err
	}
	if err := p.checkFinite(s.Name, &fieldInfo{name: incName, producer: s.Name}, inc.Data); err != nil {
		return err
	}

	seed := scan.Seed{Value: cfg.Seed}
	if cfg.SeedField != nil {
		seed.PerColumn = v.read(cfg.SeedField.Field).Data
	}
	return p.scanner.Accumulate(d, inc.Data, s.Op, seed, cfg.Direction, out.Data)
}
