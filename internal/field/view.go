package field

import (
	"fmt"

	"gridweaver/internal/grid"
)

// Mode is the kind of access a view grants.
type Mode uint8

const (
	ModeRead Mode = iota
	ModeWrite
	ModeAccumulate
)

func (m Mode) String() string {
	switch m {
	case ModeRead:
		return "read"
	case ModeWrite:
		return "write"
	case ModeAccumulate:
		return "accumulate"
	default:
		return "unknown"
	}
}

// View is a scoped borrow of one field for one stage execution.
//
// Read views must not be mutated. Accumulate views must only be combined into
// through the accumulation discipline (see package accum).
type View struct {
	store    *Store
	handle   Handle
	owner    string
	mode     Mode
	rank     grid.Rank
	data     []float64
	released bool
}

func (v *View) Handle() Handle   { return v.handle }
func (v *View) Rank() grid.Rank  { return v.rank }
func (v *View) Mode() Mode       { return v.mode }
func (v *View) Data() []float64  { return v.data }
func (v *View) At(i int) float64 { return v.data[i] }
func (v *View) Owner() string    { return v.owner }

// Release ends the borrow. Releasing twice is a no-op.
func (v *View) Release() {
	if v == nil || v.released {
		return
	}
	v.released = true
	v.store.release(v)
}

// BorrowRead grants owner read access to h. It fails while another owner
// holds a write or accumulate view of h, since that would expose partial output.
func (s *Store) BorrowRead(h Handle, owner string) (*View, error) {
	return s.borrow(h, owner, ModeRead)
}

// BorrowWrite grants owner exclusive write access to h for the current step.
func (s *Store) BorrowWrite(h Handle, owner string) (*View, error) {
	return s.borrow(h, owner, ModeWrite)
}

// BorrowAccumulate grants owner shared accumulate access to h. Several owners
// may accumulate into the same field concurrently.
func (s *Store) BorrowAccumulate(h Handle, owner string) (*View, error) {
	return s.borrow(h, owner, ModeAccumulate)
}

func (s *Store) borrow(h Handle, owner string, mode Mode) (*View, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.get(h)
	if err != nil {
		return nil, err
	}
	b := s.borrows[h]
	if b == nil {
		b = &borrowState{accumulators: map[string]int{}, readers: map[string]int{}}
		s.borrows[h] = b
	}

	switch mode {
	case ModeRead:
		if b.writer != "" && b.writer != owner {
			return nil, grid.Configf(grid.ErrWriteConflict, "%q reads %q while %q holds a write view", owner, e.name, b.writer)
		}
		if other := otherThan(b.accumulators, owner); other != "" {
			return nil, grid.Configf(grid.ErrWriteConflict, "%q reads %q while %q accumulates into it", owner, e.name, other)
		}
	case ModeWrite:
		if b.writer != "" {
			return nil, grid.Configf(grid.ErrWriteConflict, "%q requests a write view of %q already held by %q", owner, e.name, b.writer)
		}
		if other := otherThan(b.accumulators, owner); other != "" {
			return nil, grid.Configf(grid.ErrWriteConflict, "%q writes %q while %q accumulates into it", owner, e.name, other)
		}
		if other := otherThan(b.readers, owner); other != "" {
			return nil, grid.Configf(grid.ErrWriteConflict, "%q writes %q while %q reads it", owner, e.name, other)
		}
	case ModeAccumulate:
		if b.writer != "" {
			return nil, grid.Configf(grid.ErrWriteConflict, "%q accumulates into %q while %q holds a write view", owner, e.name, b.writer)
		}
		if other := otherThan(b.readers, owner); other != "" {
			return nil, grid.Configf(grid.ErrWriteConflict, "%q accumulates into %q while %q reads it", owner, e.name, other)
		}
	}

	data := e.data
	if mode != ModeRead || e.shadow != nil {
		if e.shadow == nil {
			return nil, fmt.Errorf("%s view of %q requested by %q outside a prepared step", mode, e.name, owner)
		}
		data = e.shadow
	}

	switch mode {
	case ModeRead:
		b.readers[owner]++
	case ModeWrite:
		b.writer = owner
	case ModeAccumulate:
		b.accumulators[owner]++
	}
	return &View{store: s, handle: h, owner: owner, mode: mode, rank: e.rank, data: data}, nil
}

func (s *Store) release(v *View) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.borrows[v.handle]
	if b == nil {
		return
	}
	switch v.mode {
	case ModeRead:
		decrement(b.readers, v.owner)
	case ModeWrite:
		if b.writer == v.owner {
			b.writer = ""
		}
	case ModeAccumulate:
		decrement(b.accumulators, v.owner)
	}
	if b.writer == "" && len(b.readers) == 0 && len(b.accumulators) == 0 {
		delete(s.borrows, v.handle)
	}
}

// ActiveBorrows returns the number of fields with at least one live view.
func (s *Store) ActiveBorrows() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.borrows)
}

func otherThan(owners map[string]int, owner string) string {
	for o := range owners {
		if o != owner {
			return o
		}
	}
	return ""
}

func decrement(owners map[string]int, owner string) {
	if owners[owner] <= 1 {
		delete(owners, owner)
		return
	}
	owners[owner]--
}
