package field

import "fmt"

// BeginStep prepares shadow buffers for every handle in writes. Each shadow
// starts as a copy of the committed data.
func (s *Store) BeginStep(writes []Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inStep {
		return fmt.Errorf("begin step: a step is already in progress")
	}
	for _, h := range writes {
		if _, err := s.get(h); err != nil {
			return err
		}
	}
	for _, h := range writes {
		e := s.entries[h-1]
		if e.shadow != nil {
			continue
		}
		buf := e.spare
		e.spare = nil
		if buf == nil {
			buf = make([]float64, len(e.data))
		}
		copy(buf, e.data)
		e.shadow = buf
	}
	s.inStep = true
	return nil
}

// InStep reports whether a step is in progress.
func (s *Store) InStep() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inStep
}

// Commit publishes every shadow buffer. It fails, leaving the step open, if a
// view is still borrowed.
func (s *Store) Commit() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.inStep {
		return fmt.Errorf("commit: no step in progress")
	}
	if len(s.borrows) > 0 {
		return fmt.Errorf("commit: %d fields still borrowed", len(s.borrows))
	}
	for _, e := range s.entries {
		if e.shadow == nil {
			continue
		}
		e.spare, e.data, e.shadow = e.data, e.shadow, nil
	}
	s.inStep = false
	return nil
}

// Rollback discards every shadow buffer and any outstanding borrow. The
// committed state is exactly what it was before BeginStep.
func (s *Store) Rollback() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if e.shadow == nil {
			continue
		}
		e.spare, e.shadow = e.shadow, nil
	}
	clear(s.borrows)
	s.inStep = false
}
