package pipeline

import (
	"context"
	"errors"
	"math"
	"testing"

	"gridweaver/internal/field"
	"gridweaver/internal/grid"
	"gridweaver/internal/journal"
	"gridweaver/internal/op"
	"gridweaver/internal/parallel"
	"gridweaver/internal/stage"
	"gridweaver/internal/trace"
)

func TestRun_NumericErrorFromInputRollsBack(t *testing.T) {
	d := grid.Domain{NX: 2, NY: 2, NZ: 3}
	f := newHeatAndMax(t, d)
	p := mustBuild(t, f.store, f.stages, Options{Workers: 2})
	mustRun(t, p)
	before := values(t, f.store, f.t2)
	beforeMax := values(t, f.store, f.max)

	bad := ramp(d.Cells())
	bad[7] = math.NaN()
	res, err := p.Advance(context.Background(), map[field.Handle][]float64{f.t: bad})
	if !errors.Is(err, ErrNumeric) {
		t.Fatalf("expected ErrNumeric, got %v", err)
	}
	var ne *NumericError
	if !errors.As(err, &ne) {
		t.Fatalf("expected *NumericError, got %T", err)
	}
	if ne.Stage != "heat" || ne.Consumer != "reduce_max" || ne.Field != "t2" || ne.Index != 7 {
		t.Fatalf("unexpected numeric error %+v", ne)
	}
	if res.Committed || res.FailedStage != "reduce_max" {
		t.Fatalf("unexpected result %+v", res)
	}
	if res.FinalState["heat"] != StageCompleted || res.FinalState["reduce_max"] != StageFailed {
		t.Fatalf("final state %v", res.FinalState)
	}

	after := values(t, f.store, f.t2)
	for i := range before {
		if math.Float64bits(after[i]) != math.Float64bits(before[i]) {
			t.Fatalf("t2[%d] changed by a rolled back step", i)
		}
	}
	if values(t, f.store, f.max)[0] != beforeMax[0] {
		t.Fatalf("tmax changed by a rolled back step")
	}

	last := res.Trace.Events[len(res.Trace.Events)-1]
	if last.Kind != trace.EventStepRolledBack || last.Reason != reasonNumeric {
		t.Fatalf("expected rollback event, got %+v", last)
	}
}

func TestRun_NumericErrorFromLeafNamesInput(t *testing.T) {
	d := grid.Domain{NX: 2, NY: 1, NZ: 2}
	s := newStore(t, d)
	x := s.MustRegister("x", grid.Full)
	total := s.MustRegister("total", grid.Scalar)
	_ = s.Set(x, []float64{1, math.Inf(1), 2, 3})
	p := mustBuild(t, s, []*stage.Stage{stage.Reduction("sum", full(x), acc(total, grid.Scalar), op.Sum)}, Options{})

	_, err := p.Run(context.Background())
	var ne *NumericError
	if !errors.As(err, &ne) || ne.Stage != InputStage || ne.Index != 1 {
		t.Fatalf("expected numeric error from input at index 1, got %v", err)
	}
}

func TestRun_NumericErrorBeforeScanNamesProducer(t *testing.T) {
	d := grid.Domain{NX: 2, NY: 2, NZ: 3}
	s := newStore(t, d)
	src := s.MustRegister("src", grid.Full)
	temp := s.MustRegister("t", grid.Full)
	pres := s.MustRegister("p", grid.Full)
	_ = s.Set(src, ramp(d.Cells()))

	physics := stage.Elementwise("physics", []stage.Access{full(src)}, []stage.Access{full(temp)}, func(c *stage.Cell) {
		v := c.In(src)
		if c.X == 1 && c.Y == 0 && c.Z == 2 {
			v = math.NaN()
		}
		c.Set(temp, v)
	})
	integrate := stage.Scan("integrate", stage.ScanConfig{
		Reads:  []stage.Access{full(temp)},
		Output: full(pres),
		Op:     op.Sum,
	}, func(c *stage.Cell) float64 { return c.In(temp) })
	p := mustBuild(t, s, []*stage.Stage{physics, integrate}, Options{Workers: 2})

	res, err := p.Run(context.Background())
	var ne *NumericError
	if !errors.As(err, &ne) {
		t.Fatalf("expected *NumericError, got %v", err)
	}
	if ne.Stage != "physics" || ne.Consumer != "integrate" || ne.Field != "t" || ne.Index != d.Index(1, 0, 2) {
		t.Fatalf("unexpected numeric error %+v", ne)
	}
	if res.Committed || res.FailedStage != "integrate" {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestRun_NumericErrorFromScanIncrementsNamesScan(t *testing.T) {
	d := grid.Domain{NX: 1, NY: 2, NZ: 2}
	s := newStore(t, d)
	x := s.MustRegister("x", grid.Full)
	out := s.MustRegister("out", grid.Full)
	_ = s.Set(x, []float64{1, 0, 2, 3})
	integrate := stage.Scan("integrate", stage.ScanConfig{
		Reads:  []stage.Access{full(x)},
		Output: full(out),
		Op:     op.Sum,
	}, func(c *stage.Cell) float64 { return 1 / c.In(x) })
	p := mustBuild(t, s, []*stage.Stage{integrate}, Options{})

	_, err := p.Run(context.Background())
	var ne *NumericError
	if !errors.As(err, &ne) || ne.Stage != "integrate" || ne.Field != "out" || ne.Index != 1 {
		t.Fatalf("expected numeric error in the increments of integrate at index 1, got %v", err)
	}
}

func TestRun_FailureSkipsDownstream(t *testing.T) {
	d := grid.Domain{NX: 2, NY: 2, NZ: 2}
	s := newStore(t, d)
	x := s.MustRegister("x", grid.Full)
	y := s.MustRegister("y", grid.Full)
	z := s.MustRegister("z", grid.Full)
	w := s.MustRegister("w", grid.Full)
	ymax := s.MustRegister("ymax", grid.Scalar)

	p := mustBuild(t, s, []*stage.Stage{
		stage.Elementwise("boom", []stage.Access{full(x)}, []stage.Access{full(y)}, func(c *stage.Cell) {
			if c.X == 1 {
				panic("column physics diverged")
			}
			c.Set(y, 1)
		}),
		stage.Elementwise("sibling", []stage.Access{full(x)}, []stage.Access{full(w)}, func(c *stage.Cell) { c.Set(w, 2) }),
		stage.Elementwise("after_boom", []stage.Access{full(y)}, []stage.Access{full(z)}, func(c *stage.Cell) { c.Set(z, c.In(y)) }),
		stage.Reduction("ymax", full(z), acc(ymax, grid.Scalar), op.Max),
	}, Options{Workers: 2})

	res, err := p.Run(context.Background())
	var se *StageError
	if !errors.As(err, &se) || se.Stage != "boom" {
		t.Fatalf("expected StageError from boom, got %v", err)
	}
	var pe *parallel.PanicError
	if !errors.As(err, &pe) {
		t.Fatalf("expected panic to be reported, got %v", err)
	}
	want := ExecutionState{
		"boom":       StageFailed,
		"sibling":    StageCompleted,
		"after_boom": StageSkipped,
		"ymax":       StageSkipped,
	}
	for name, st := range want {
		if res.FinalState[name] != st {
			t.Fatalf("stage %q: %s, want %s", name, res.FinalState[name], st)
		}
	}
	if v := values(t, s, w); v[0] != 0 {
		t.Fatalf("sibling output published despite rollback: %v", v[0])
	}
	var skipped int
	for _, e := range res.Trace.Events {
		if e.Kind == trace.EventStageSkipped {
			skipped++
			if e.Reason != reasonUpstreamFailed || e.Cause != "boom" {
				t.Fatalf("unexpected skip event %+v", e)
			}
		}
	}
	if skipped != 2 {
		t.Fatalf("expected 2 skip events, got %d", skipped)
	}
}

func TestRun_UndeclaredAccessFailsStage(t *testing.T) {
	d := grid.Domain{NX: 1, NY: 1, NZ: 2}
	s := newStore(t, d)
	x := s.MustRegister("x", grid.Full)
	y := s.MustRegister("y", grid.Full)
	secret := s.MustRegister("secret", grid.Full)
	p := mustBuild(t, s, []*stage.Stage{
		stage.Elementwise("sneaky", []stage.Access{full(x)}, []stage.Access{full(y)}, func(c *stage.Cell) {
			c.Set(y, c.In(secret))
		}),
	}, Options{})

	_, err := p.Run(context.Background())
	var ae *stage.AccessError
	if !errors.As(err, &ae) || ae.Field != secret || ae.Write {
		t.Fatalf("expected undeclared read of secret, got %v", err)
	}
	if s.InStep() || s.ActiveBorrows() != 0 {
		t.Fatalf("step left open after failure")
	}
}

func TestRun_CancellationHaltsAtLevelBoundary(t *testing.T) {
	d := grid.Domain{NX: 2, NY: 2, NZ: 2}
	f := newHeatAndMax(t, d)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	th, t2 := f.t, f.t2
	f.stages[1] = stage.Elementwise("heat", []stage.Access{full(th)}, []stage.Access{full(t2)}, func(c *stage.Cell) {
		cancel()
		c.Set(t2, c.In(th))
	})
	p := mustBuild(t, f.store, f.stages, Options{})

	res, err := p.Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if res.FinalState["heat"] != StageCompleted || res.FinalState["reduce_max"] != StageSkipped {
		t.Fatalf("final state %v", res.FinalState)
	}
	if v := values(t, f.store, f.t2); v[0] != 0 {
		t.Fatalf("cancelled step published output")
	}

	res, err = p.Run(ctx)
	if !errors.Is(err, context.Canceled) || len(res.ExecutionOrder) != 0 {
		t.Fatalf("expected nothing to run on a cancelled context, got %v %v", err, res.ExecutionOrder)
	}
}

func TestRun_TraceIdenticalAcrossWorkerCounts(t *testing.T) {
	d := grid.Domain{NX: 5, NY: 3, NZ: 7}
	var hashes []string
	for _, opts := range []Options{
		{Workers: 1, StageConcurrency: 1},
		{Workers: 4, Schedule: parallel.Dynamic},
		{Workers: 9, Schedule: parallel.Strided, StageConcurrency: 2},
	} {
		f := newHeatAndMax(t, d)
		p := mustBuild(t, f.store, f.stages, opts)
		res := mustRun(t, p)
		b, err := res.Trace.CanonicalJSON()
		if err != nil {
			t.Fatalf("canonical json: %v", err)
		}
		hashes = append(hashes, trace.ComputeHash(b))
		if hashes[len(hashes)-1] != res.TraceHash {
			t.Fatalf("result trace hash does not match its trace")
		}
	}
	for _, h := range hashes[1:] {
		if h != hashes[0] {
			t.Fatalf("trace hash differs across worker counts: %v", hashes)
		}
	}
}

func TestAdvance_InputsAndConflicts(t *testing.T) {
	d := grid.Domain{NX: 2, NY: 2, NZ: 2}
	f := newHeatAndMax(t, d)
	p := mustBuild(t, f.store, f.stages, Options{})
	ctx := context.Background()

	if _, err := p.Advance(ctx, map[field.Handle][]float64{f.t2: make([]float64, d.Cells())}); !errors.Is(err, ErrWriteConflict) {
		t.Fatalf("expected ErrWriteConflict for a produced field, got %v", err)
	}
	if _, err := p.Advance(ctx, map[field.Handle][]float64{f.t: make([]float64, 3)}); !errors.Is(err, ErrRankMismatch) {
		t.Fatalf("expected ErrRankMismatch for a short input, got %v", err)
	}
	if p.Step() != 0 {
		t.Fatalf("rejected inputs must not run a step")
	}

	in := make([]float64, d.Cells())
	in[3] = 10
	res, err := p.Advance(ctx, map[field.Handle][]float64{f.t: in})
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if res.Scalars["tmax"] != 21 || res.Step != 1 {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestFusedStage_MatchesSeparateStages(t *testing.T) {
	d := grid.Domain{NX: 3, NY: 2, NZ: 4}
	run := func(fuse bool) []float64 {
		s := newStore(t, d)
		x := s.MustRegister("x", grid.Full)
		y := s.MustRegister("y", grid.Full)
		top := s.MustRegister("top", grid.Horizontal)
		_ = s.Set(x, ramp(d.Cells()))

		double := stage.Elementwise("double", []stage.Access{full(x)}, []stage.Access{full(y)}, func(c *stage.Cell) {
			c.Set(y, 2*c.In(x))
		})
		pick := stage.ColumnLocal("pick", []stage.Access{full(y)}, []stage.Access{acc(top, grid.Horizontal)}, func(c *stage.Column) {
			col := c.In(y)
			c.Out(top)[0] = col[len(col)-1]
		})
		stages := []*stage.Stage{double, pick}
		if fuse {
			fused, err := stage.Fuse("physics", double, pick)
			if err != nil {
				t.Fatalf("fuse: %v", err)
			}
			stages = []*stage.Stage{fused}
		}
		p := mustBuild(t, s, stages, Options{Workers: 3})
		mustRun(t, p)
		return values(t, s, top)
	}

	sep, fused := run(false), run(true)
	for i := range sep {
		if sep[i] != fused[i] {
			t.Fatalf("column %d: separate %v fused %v", i, sep[i], fused[i])
		}
	}
}

func TestRun_WritesJournal(t *testing.T) {
	j, err := journal.Open(":memory:")
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	t.Cleanup(func() { j.Close() })

	d := grid.Domain{NX: 2, NY: 2, NZ: 2}
	f := newHeatAndMax(t, d)
	p := mustBuild(t, f.store, f.stages, Options{Journal: j})
	p.ResumeAfter(40)
	ctx := context.Background()
	res := mustRun(t, p)

	bad := ramp(d.Cells())
	bad[0] = math.NaN()
	if _, err := p.Advance(ctx, map[field.Handle][]float64{f.t: bad}); err == nil {
		t.Fatalf("expected numeric error")
	}

	got, err := j.Step(ctx, res.StepID)
	if err != nil {
		t.Fatalf("journal step: %v", err)
	}
	if got.Step != 41 || got.Status != journal.StatusCommitted || got.TraceHash != res.TraceHash || got.Scalars["tmax"] != res.Scalars["tmax"] {
		t.Fatalf("unexpected journal entry %+v", got)
	}
	last, err := j.LastCommitted(ctx, p.Hash())
	if err != nil || last != 41 {
		t.Fatalf("LastCommitted = %d, %v", last, err)
	}
	list, err := j.List(ctx, 5)
	if err != nil || len(list) != 2 {
		t.Fatalf("List = %v, %v", list, err)
	}
	if list[0].Status != journal.StatusRolledBack || list[0].FailedStage != "reduce_max" {
		t.Fatalf("rolled back entry %+v", list[0])
	}
}
