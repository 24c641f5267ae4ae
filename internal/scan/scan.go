// Package scan computes ordered prefix combinations along the vertical axis.
//
// The work is split in two phases:
//  1. Increments: one value per cell, no ordering constraints.
//  2. Accumulate: per column, cumulative[z] = combine(cumulative[z-1], inc[z])
//     seeded with combine(seed, inc[first]). Levels of one column are visited
//     strictly in order; columns run in parallel.
package scan

import (
	"fmt"

	"gridweaver/internal/grid"
	"gridweaver/internal/op"
	"gridweaver/internal/parallel"
)

// Direction selects which end of the column the chain starts from.
type Direction uint8

const (
	// Upward starts at z = 0.
	Upward Direction = iota
	// Downward starts at z = nz-1, e.g. for integrals from the model top.
	Downward
)

func (d Direction) String() string {
	if d == Downward {
		return "downward"
	}
	return "upward"
}

// Seed is the value combined before the first increment of each chain. When
// PerColumn is set it holds one seed per column and Value is ignored.
type Seed struct {
	Value     float64
	PerColumn []float64
}

func (s Seed) at(col int) float64 {
	if s.PerColumn != nil {
		return s.PerColumn[col]
	}
	return s.Value
}

// IncrementFunc returns the increment of cell (x, y, z), computed on worker w.
type IncrementFunc func(w, x, y, z int) float64

// Engine runs scans on a worker pool.
type Engine struct {
	pool *parallel.Pool
}

// NewEngine creates a scan engine.
func NewEngine(pool *parallel.Pool) *Engine { return &Engine{pool: pool} }

// Increments fills out with fn for every cell. Columns run in parallel.
func (e *Engine) Increments(d grid.Domain, fn IncrementFunc, out []float64) error {
	if len(out) != d.Cells() {
		return fmt.Errorf("scan increments: buffer holds %d values, domain has %d cells", len(out), d.Cells())
	}
	return e.pool.For(d.Columns(), func(w, c int) {
		x, y := d.Column(c)
		base := c * d.NZ
		for z := 0; z < d.NZ; z++ {
			out[base+z] = fn(w, x, y, z)
		}
	})
}

// Accumulate writes the prefix combination of inc into out for every column.
// inc and out may alias.
func (e *Engine) Accumulate(d grid.Domain, inc []float64, o op.Operator, seed Seed, dir Direction, out []float64) error {
	if err := o.Validate(); err != nil {
		return err
	}
	if len(inc) != d.Cells() || len(out) != d.Cells() {
		return fmt.Errorf("scan accumulate: buffers hold %d and %d values, domain has %d cells", len(inc), len(out), d.Cells())
	}
	if seed.PerColumn != nil && len(seed.PerColumn) != d.Columns() {
		return fmt.Errorf("scan accumulate: %d column seeds for %d columns", len(seed.PerColumn), d.Columns())
	}
	nz := d.NZ
	return e.pool.For(d.Columns(), func(_, c int) {
		base := c * nz
		acc := seed.at(c)
		if dir == Downward {
			for z := nz - 1; z >= 0; z-- {
				acc = o.Combine(acc, inc[base+z])
				out[base+z] = acc
			}
			return
		}
		for z := 0; z < nz; z++ {
			acc = o.Combine(acc, inc[base+z])
			out[base+z] = acc
		}
	})
}

// Scan is the single-call form: it returns a new buffer holding the prefix
// combination of increments.
func (e *Engine) Scan(d grid.Domain, increments []float64, o op.Operator, seed Seed, dir Direction) ([]float64, error) {
	out := make([]float64, len(increments))
	if err := e.Accumulate(d, increments, o, seed, dir, out); err != nil {
		return nil, err
	}
	return out, nil
}
