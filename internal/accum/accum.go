// Package accum combines per-cell contributions into a lower-rank target.
//
// Two disciplines are provided:
//   - Contribute: a lock-free compare-and-swap combine, safe from any number of
//     goroutines. Concurrent contributions to one index behave as if applied in
//     some sequential order.
//   - Lanes: contributions recorded per lane and committed lane by lane. The
//     combine order is fixed by lane number and in-lane order, so floating
//     point sums are reproducible bit for bit.
package accum

import (
	"math"
	"sync/atomic"
	"unsafe"

	"gridweaver/internal/op"
)

// Accumulator combines values into target with one associative-commutative
// operator.
type Accumulator struct {
	op     op.Operator
	target []float64
}

// New binds an accumulator to target. The operator must be associative and
// commutative.
func New(o op.Operator, target []float64) (*Accumulator, error) {
	if err := o.Validate(); err != nil {
		return nil, err
	}
	return &Accumulator{op: o, target: target}, nil
}

// Operator returns the combine operator.
func (a *Accumulator) Operator() op.Operator { return a.op }

// Len returns the number of target cells.
func (a *Accumulator) Len() int { return len(a.target) }

// Reset sets every target cell to the operator identity. It must not run
// concurrently with Contribute.
func (a *Accumulator) Reset() {
	for i := range a.target {
		a.target[i] = a.op.Identity
	}
}

// Contribute combines v into target[index]. It is safe for concurrent use.
func (a *Accumulator) Contribute(index int, v float64) {
	addr := (*uint64)(unsafe.Pointer(&a.target[index]))
	for {
		old := atomic.LoadUint64(addr)
		next := math.Float64bits(a.op.Combine(math.Float64frombits(old), v))
		if next == old || atomic.CompareAndSwapUint64(addr, old, next) {
			return
		}
	}
}

// Load reads target[index] atomically.
func (a *Accumulator) Load(index int) float64 {
	return math.Float64frombits(atomic.LoadUint64((*uint64)(unsafe.Pointer(&a.target[index]))))
}
