package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/errgroup"

	"gridweaver/internal/accum"
	"gridweaver/internal/field"
	"gridweaver/internal/grid"
	"gridweaver/internal/journal"
	"gridweaver/internal/metrics"
	"gridweaver/internal/parallel"
	"gridweaver/internal/stage"
	"gridweaver/internal/trace"
)

// Trace reason codes.
const (
	reasonNumeric        = "NumericError"
	reasonPanic          = "Panic"
	reasonAccess         = "UndeclaredAccess"
	reasonFailed         = "StageFailed"
	reasonCancelled      = "Cancelled"
	reasonUpstreamFailed = "UpstreamFailed"
	reasonHalted         = "StepHalted"
	reasonStep           = "StepFailed"
)

// Advance refreshes leaf input fields and runs one step. Inputs are checked
// before any is applied; writing a field a stage produces is a write
// conflict.
func (p *Pipeline) Advance(ctx context.Context, inputs map[field.Handle][]float64) (*StepResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	handles := make([]field.Handle, 0, len(inputs))
	for h := range inputs {
		handles = append(handles, h)
	}
	sort.Slice(handles, func(i, j int) bool { return handles[i] < handles[j] })

	for _, h := range handles {
		name, err := p.store.Name(h)
		if err != nil {
			return nil, err
		}
		if f, ok := p.fields[h]; ok && (f.written() || f.scratch) {
			return nil, configf(ErrWriteConflict, "field %q is produced by the pipeline and cannot be set as an input", name)
		}
		rank, _ := p.store.Rank(h)
		if n := len(inputs[h]); n != p.domain.Len(rank) {
			return nil, configf(ErrRankMismatch, "input %q: got %d values, %s field holds %d", name, n, rank, p.domain.Len(rank))
		}
	}
	for _, h := range handles {
		if err := p.store.Set(h, inputs[h]); err != nil {
			return nil, fmt.Errorf("advance: %w", err)
		}
	}
	return p.run(ctx)
}

// Run executes one step over the current inputs. On success every output is
// published at once; on any failure the committed state is left exactly as it
// was and the returned result records what ran.
func (p *Pipeline) Run(ctx context.Context) (*StepResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.run(ctx)
}

type stepRun struct {
	res *StepResult
	rec *trace.Recorder
	log *slog.Logger
}

func (p *Pipeline) run(ctx context.Context) (*StepResult, error) {
	p.step++
	sr := &stepRun{
		res: &StepResult{
			StepID:       ulid.Make().String(),
			Step:         p.step,
			PipelineHash: p.hash,
			FinalState:   newExecutionState(p.g),
			Levels:       len(p.levels),
			StartedAt:    time.Now(),
		},
		rec: trace.NewRecorder(),
	}
	sr.log = p.log.With("step", sr.res.Step, "step_id", sr.res.StepID)
	err := p.execute(ctx, sr)
	if err == nil {
		if cerr := p.store.Commit(); cerr != nil {
			err = fmt.Errorf("commit step %d: %w", sr.res.Step, cerr)
		}
	}

	status := metrics.StatusCommitted
	if err != nil {
		p.store.Rollback()
		status = metrics.StatusRolledBack
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			status = metrics.StatusCancelled
		}
		trace.SafeRecord(sr.rec, trace.Event{Kind: trace.EventStepRolledBack, Reason: reasonOf(err), Cause: sr.res.FailedStage})
	} else {
		sr.res.Committed = true
		sr.res.Scalars = p.scalars()
		trace.SafeRecord(sr.rec, trace.Event{Kind: trace.EventStepCommitted, Fields: p.names(p.written)})
	}

	sr.res.Duration = time.Since(sr.res.StartedAt)
	sr.res.Trace = sr.rec.Trace(p.hash)
	if h, herr := sr.res.Trace.Hash(); herr == nil {
		sr.res.TraceHash = h
	}
	metrics.ObserveStep(status, sr.res.Duration)

	if err != nil {
		sr.log.Warn("step rolled back", "stage", sr.res.FailedStage, "error", err, "duration", sr.res.Duration)
	} else {
		sr.log.Info("step committed", "levels", sr.res.Levels, "duration", sr.res.Duration)
	}
	p.record(ctx, sr, err)
	return sr.res, err
}

func (p *Pipeline) record(ctx context.Context, sr *stepRun, stepErr error) {
	if p.opts.Journal == nil {
		return
	}
	e := journal.Entry{
		StepID:       sr.res.StepID,
		Step:         sr.res.Step,
		PipelineHash: sr.res.PipelineHash,
		Status:       journal.StatusCommitted,
		TraceHash:    sr.res.TraceHash,
		FailedStage:  sr.res.FailedStage,
		Scalars:      sr.res.Scalars,
		StartedAt:    sr.res.StartedAt,
		FinishedAt:   sr.res.StartedAt.Add(sr.res.Duration),
	}
	if stepErr != nil {
		e.Status = journal.StatusRolledBack
		e.Error = stepErr.Error()
	}
	if err := p.opts.Journal.RecordStep(context.WithoutCancel(ctx), e); err != nil {
		sr.log.Warn("journal write failed", "error", err)
	}
}

func (p *Pipeline) execute(ctx context.Context, sr *stepRun) error {
	if err := ctx.Err(); err != nil {
		p.skipPending(sr, reasonCancelled, "")
		return err
	}
	if err := p.store.BeginStep(p.written); err != nil {
		return err
	}
	if err := p.resetAccumulators(); err != nil {
		return err
	}

	for li, lvl := range p.levels {
		if err := ctx.Err(); err != nil {
			p.skipPending(sr, reasonCancelled, "")
			return err
		}
		if err := p.runLevel(ctx, li, lvl, sr); err != nil {
			return err
		}
	}
	return nil
}

// resetAccumulators sets every accumulation target to its operator identity.
func (p *Pipeline) resetAccumulators() error {
	for _, h := range p.accTargets {
		f := p.fields[h]
		v, err := p.store.BorrowAccumulate(h, "reset")
		if err != nil {
			return err
		}
		acc, err := accum.New(f.accOp, v.Data())
		if err != nil {
			v.Release()
			return err
		}
		acc.Reset()
		v.Release()
	}
	return nil
}

type outcome struct {
	launched bool
	err      error
	lanes    *accum.Lanes
	elapsed  time.Duration
}

// runLevel runs the independent stages of one level, waits for all of them
// and commits accumulation lanes in canonical stage order.
func (p *Pipeline) runLevel(ctx context.Context, li int, lvl []int, sr *stepRun) error {
	outcomes := make([]outcome, len(lvl))

	var g errgroup.Group
	if p.opts.StageConcurrency > 0 {
		g.SetLimit(p.opts.StageConcurrency)
	}
	var cancelErr error
	for i, n := range lvl {
		if err := ctx.Err(); err != nil {
			cancelErr = err
			break
		}
		name := p.g.name(n)
		if err := sr.res.FinalState.start(name); err != nil {
			return err
		}
		sr.res.ExecutionOrder = append(sr.res.ExecutionOrder, name)
		outcomes[i].launched = true
		g.Go(func() error {
			done := metrics.StageStarted()
			defer done()
			start := time.Now()
			outcomes[i].lanes, outcomes[i].err = p.runStage(n)
			outcomes[i].elapsed = time.Since(start)
			return nil
		})
	}
	_ = g.Wait()

	var firstErr error
	var failed []int
	for i, n := range lvl {
		o := outcomes[i]
		if !o.launched {
			continue
		}
		s := p.g.nodes[n].stage
		metrics.ObserveStage(s.Kind.String(), o.elapsed)
		if sr.res.FinalState.finish(s.Name, o.err) == StageFailed {
			trace.SafeRecord(sr.rec, trace.Event{Kind: trace.EventStageFailed, Stage: s.Name, Reason: reasonOf(o.err)})
			sr.log.Error("stage failed", "stage", s.Name, "kind", s.Kind.String(), "level", li, "error", o.err)
			failed = append(failed, n)
			if firstErr == nil {
				firstErr = o.err
				sr.res.FailedStage = s.Name
			}
			continue
		}
		trace.SafeRecord(sr.rec, trace.Event{Kind: trace.EventStageExecuted, Stage: s.Name, Fields: p.outputNames(n)})
		sr.log.Debug("stage executed", "stage", s.Name, "kind", s.Kind.String(), "level", li, "duration", o.elapsed)
	}

	if firstErr != nil {
		for _, f := range failed {
			for _, d := range p.g.downstream(f) {
				name := p.g.name(d)
				if sr.res.FinalState.skip(name) {
					trace.SafeRecord(sr.rec, trace.Event{Kind: trace.EventStageSkipped, Stage: name, Reason: reasonUpstreamFailed, Cause: p.g.name(f)})
				}
			}
		}
		p.skipPending(sr, reasonHalted, sr.res.FailedStage)
		return firstErr
	}
	if cancelErr != nil {
		p.skipPending(sr, reasonCancelled, "")
		return cancelErr
	}

	if !p.opts.AtomicAccumulation {
		for i := range lvl {
			if l := outcomes[i].lanes; l != nil {
				l.Commit()
			}
		}
	}
	return nil
}

// skipPending marks every still pending stage skipped, in canonical order.
func (p *Pipeline) skipPending(sr *stepRun, reason, cause string) {
	for _, n := range p.g.nodes {
		name := n.stage.Name
		if !sr.res.FinalState.skip(name) {
			continue
		}
		trace.SafeRecord(sr.rec, trace.Event{Kind: trace.EventStageSkipped, Stage: name, Reason: reason, Cause: cause})
	}
}

func reasonOf(err error) string {
	var ne *NumericError
	var ae *stage.AccessError
	var pe *parallel.PanicError
	switch {
	case errors.As(err, &ne):
		return reasonNumeric
	case errors.As(err, &ae):
		return reasonAccess
	case errors.As(err, &pe):
		return reasonPanic
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return reasonCancelled
	case errors.As(err, new(*StageError)):
		return reasonFailed
	default:
		return reasonStep
	}
}

// checkFinite returns a NumericError for the first non-finite value of data.
func (p *Pipeline) checkFinite(consumer string, f *fieldInfo, data []float64) error {
	for i, v := range data {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			metrics.NumericError(consumer)
			return &NumericError{Stage: f.producer, Consumer: consumer, Field: f.name, Index: i, Value: v}
		}
	}
	return nil
}

func (p *Pipeline) names(handles []field.Handle) []string {
	out := make([]string, 0, len(handles))
	for _, h := range handles {
		out = append(out, p.fields[h].name)
	}
	return out
}

// outputNames lists the published fields stage n writes.
func (p *Pipeline) outputNames(n int) []string {
	var out []string
	for _, a := range p.g.nodes[n].stage.Writes {
		if f := p.fields[a.Field]; !f.scratch {
			out = append(out, f.name)
		}
	}
	return out
}

// scalars reads the committed scalar outputs of the step.
func (p *Pipeline) scalars() map[string]float64 {
	out := make(map[string]float64)
	for _, h := range p.written {
		f := p.fields[h]
		if f.rank != grid.Scalar {
			continue
		}
		if v, err := p.store.Values(h); err == nil && len(v) == 1 {
			out[f.name] = v[0]
		}
	}
	return out
}
