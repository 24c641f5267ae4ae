// Package reduce computes associative-commutative reductions whose results do
// not depend on how the work is spread over workers.
//
// Determinism: the input is cut into canonical blocks whose size is fixed per
// Engine. Each block is folded in index order from the operator identity, and
// the block partials are folded in block order. Worker count and schedule only
// decide who folds which block, never the grouping, so repeated runs produce
// bit-identical results.
package reduce

import (
	"fmt"

	"gridweaver/internal/op"
	"gridweaver/internal/parallel"
)

// DefaultBlockSize is the canonical block length.
const DefaultBlockSize = 1024

// Engine runs reductions on a worker pool.
type Engine struct {
	pool      *parallel.Pool
	blockSize int
}

// NewEngine creates an engine with DefaultBlockSize.
func NewEngine(pool *parallel.Pool) *Engine {
	return NewEngineWithBlockSize(pool, DefaultBlockSize)
}

// NewEngineWithBlockSize creates an engine with a custom canonical block size.
// Engines with different block sizes may differ in the last bits of sums.
func NewEngineWithBlockSize(pool *parallel.Pool, blockSize int) *Engine {
	if blockSize <= 0 {
		blockSize = DefaultBlockSize
	}
	return &Engine{pool: pool, blockSize: blockSize}
}

// BlockSize returns the canonical block length.
func (e *Engine) BlockSize() int { return e.blockSize }

// Reduce folds every value into one result.
func (e *Engine) Reduce(values []float64, o op.Operator) (float64, error) {
	if err := o.Validate(); err != nil {
		return 0, err
	}
	n := len(values)
	blocks := (n + e.blockSize - 1) / e.blockSize
	partials := make([]float64, blocks)
	err := e.pool.For(blocks, func(_, b int) {
		end := min((b+1)*e.blockSize, n)
		partials[b] = o.Fold(values[b*e.blockSize : end])
	})
	if err != nil {
		return 0, fmt.Errorf("reduce %s: %w", o.Name, err)
	}
	return o.Fold(partials), nil
}

// Columns reduces each contiguous column of nz values into out[column].
func (e *Engine) Columns(values []float64, nz int, o op.Operator, out []float64) error {
	if err := o.Validate(); err != nil {
		return err
	}
	if nz <= 0 || len(values) != nz*len(out) {
		return fmt.Errorf("reduce columns: %d values do not form %d columns of %d", len(values), len(out), nz)
	}
	err := e.pool.For(len(out), func(_, c int) {
		out[c] = o.Fold(values[c*nz : (c+1)*nz])
	})
	if err != nil {
		return fmt.Errorf("reduce columns %s: %w", o.Name, err)
	}
	return nil
}

// Levels reduces each vertical level across all columns into out[z].
// Columns are folded in column order.
func (e *Engine) Levels(values []float64, nz int, o op.Operator, out []float64) error {
	if err := o.Validate(); err != nil {
		return err
	}
	if nz <= 0 || len(out) != nz || len(values)%nz != 0 {
		return fmt.Errorf("reduce levels: %d values do not form columns of %d", len(values), nz)
	}
	ncol := len(values) / nz
	err := e.pool.For(nz, func(_, z int) {
		acc := o.Identity
		for c := 0; c < ncol; c++ {
			acc = o.Combine(acc, values[c*nz+z])
		}
		out[z] = acc
	})
	if err != nil {
		return fmt.Errorf("reduce levels %s: %w", o.Name, err)
	}
	return nil
}
