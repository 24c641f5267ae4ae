package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"os"
	"os/signal"

	"gridweaver/internal/config"
	"gridweaver/internal/field"
	"gridweaver/internal/journal"
	"gridweaver/internal/pipeline"
)

// summary is printed to stdout when the run ends.
type summary struct {
	PipelineHash string             `json:"pipeline_hash"`
	Levels       [][]string         `json:"levels"`
	Committed    int                `json:"committed"`
	RolledBack   int                `json:"rolled_back"`
	LastStep     int64              `json:"last_step"`
	TraceHash    string             `json:"trace_hash,omitempty"`
	Scalars      map[string]float64 `json:"scalars,omitempty"`
}

func main() {
	cfg := config.Load()
	logger := config.NewLogger(os.Stderr, cfg.LogLevel)
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	logger.Info("gridweaver: starting",
		"nx", cfg.Domain.NX, "ny", cfg.Domain.NY, "nz", cfg.Domain.NZ,
		"ngll", cfg.NGLL,
		"workers", cfg.Workers,
		"schedule", cfg.Schedule.String(),
		"steps", cfg.Steps,
		"journal", cfg.JournalPath,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	m, err := newModel(cfg)
	if err != nil {
		log.Fatalf("failed to set up model: %v", err)
	}
	logger.Debug("fields registered", "fields", m.store.Names())

	opts := pipeline.Options{
		Workers:  cfg.Workers,
		Schedule: cfg.Schedule,
		Logger:   logger,
	}
	var j *journal.SQLiteJournal
	if cfg.JournalPath != "" {
		j, err = journal.Open(cfg.JournalPath)
		if err != nil {
			log.Fatalf("failed to open journal: %v", err)
		}
		defer j.Close()
		opts.Journal = j
	}

	p, err := pipeline.Build(m.store, m.stages, opts)
	if err != nil {
		log.Fatalf("failed to build pipeline: %v", err)
	}
	if j != nil {
		last, err := j.LastCommitted(ctx, p.Hash())
		switch {
		case err == nil:
			logger.Info("resuming step numbering", "last_committed", last)
			p.ResumeAfter(last)
		case !errors.Is(err, journal.ErrNotFound):
			log.Fatalf("failed to read journal: %v", err)
		}
	}

	sum := summary{PipelineHash: p.Hash(), Levels: p.Levels()}
	for i := 0; i < cfg.Steps; i++ {
		inputs := map[field.Handle][]float64{m.heating: forcing(cfg.Domain, p.Step()+1)}
		res, err := p.Advance(ctx, inputs)
		if res != nil {
			sum.LastStep = res.Step
			sum.TraceHash = res.TraceHash
		}
		if err != nil {
			sum.RolledBack++
			if ctx.Err() != nil {
				break
			}
			continue
		}
		sum.Committed++
		sum.Scalars = res.Scalars
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(sum); err != nil {
		log.Fatalf("failed to write summary: %v", err)
	}
}
