// Package parallel distributes independent units of work over a fixed set of
// goroutine workers.
//
// A unit is identified by its index in [0, n). Every unit runs exactly once;
// which worker runs it depends on the Schedule. Callers that need results
// independent of scheduling must make each unit's output depend only on its
// index (the reduction and accumulation engines do this with canonical blocks).
package parallel

import (
	"fmt"
	goruntime "runtime"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// Schedule selects how unit indices are assigned to workers.
type Schedule uint8

const (
	// Contiguous gives each worker one contiguous range of units.
	Contiguous Schedule = iota
	// Strided gives worker w the units w, w+W, w+2W, ...
	Strided
	// Dynamic lets workers claim the next unclaimed unit.
	Dynamic
)

func (s Schedule) String() string {
	switch s {
	case Contiguous:
		return "contiguous"
	case Strided:
		return "strided"
	case Dynamic:
		return "dynamic"
	default:
		return "unknown"
	}
}

// ParseSchedule maps a schedule name to its value.
func ParseSchedule(name string) (Schedule, error) {
	switch name {
	case "", "contiguous":
		return Contiguous, nil
	case "strided":
		return Strided, nil
	case "dynamic":
		return Dynamic, nil
	default:
		return 0, fmt.Errorf("unknown schedule %q", name)
	}
}

// Pool runs units of work on up to Workers goroutines. It holds no goroutines
// between calls and is safe for concurrent use.
type Pool struct {
	workers  int
	schedule Schedule
}

// NewPool creates a pool. workers <= 0 selects GOMAXPROCS.
func NewPool(workers int, schedule Schedule) *Pool {
	if workers <= 0 {
		workers = goruntime.GOMAXPROCS(0)
	}
	if workers <= 0 {
		workers = 1
	}
	return &Pool{workers: workers, schedule: schedule}
}

// Workers returns the maximum number of concurrent workers. Worker indices
// passed to unit functions are always below this value.
func (p *Pool) Workers() int { return p.workers }

// Schedule returns the pool's assignment policy.
func (p *Pool) Schedule() Schedule { return p.schedule }

// UnitFunc processes unit i on worker w.
type UnitFunc func(w, i int)

// PanicError reports a unit that panicked.
type PanicError struct {
	Unit  int
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("unit %d panicked: %v", e.Unit, e.Value)
}

// Unwrap returns the panic value when it is an error.
func (e *PanicError) Unwrap() error {
	err, _ := e.Value.(error)
	return err
}

// For runs fn for every i in [0, n) and returns once all units finished.
//
// A panicking unit is converted into a *PanicError; the remaining unclaimed
// units are abandoned and the first error is returned.
func (p *Pool) For(n int, fn UnitFunc) error {
	if n <= 0 {
		return nil
	}
	workers := min(p.workers, n)

	var stopped atomic.Bool
	run := func(w, i int) (err error) {
		defer func() {
			if r := recover(); r != nil {
				stopped.Store(true)
				err = &PanicError{Unit: i, Value: r}
			}
		}()
		fn(w, i)
		return nil
	}

	if workers == 1 {
		for i := 0; i < n; i++ {
			if err := run(0, i); err != nil {
				return err
			}
		}
		return nil
	}

	var g errgroup.Group
	var next atomic.Int64
	chunk := (n + workers - 1) / workers

	for w := 0; w < workers; w++ {
		g.Go(func() error {
			switch p.schedule {
			case Strided:
				for i := w; i < n; i += workers {
					if stopped.Load() {
						return nil
					}
					if err := run(w, i); err != nil {
						return err
					}
				}
			case Dynamic:
				for {
					i := int(next.Add(1) - 1)
					if i >= n || stopped.Load() {
						return nil
					}
					if err := run(w, i); err != nil {
						return err
					}
				}
			default:
				end := min((w+1)*chunk, n)
				for i := w * chunk; i < end; i++ {
					if stopped.Load() {
						return nil
					}
					if err := run(w, i); err != nil {
						return err
					}
				}
			}
			return nil
		})
	}
	return g.Wait()
}
