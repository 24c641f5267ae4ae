package field

import (
	"fmt"
	"sort"
	"sync"

	"gridweaver/internal/grid"
)

// Handle addresses a registered field. The zero Handle is never valid.
type Handle int

type entry struct {
	name   string
	rank   grid.Rank
	data   []float64
	shadow []float64
	spare  []float64
}

type borrowState struct {
	writer       string
	accumulators map[string]int
	readers      map[string]int
}

// Store owns every field of one domain.
type Store struct {
	domain grid.Domain

	mu      sync.Mutex
	entries []*entry
	byName  map[string]Handle
	frozen  bool
	inStep  bool
	borrows map[Handle]*borrowState
}

// NewStore creates an empty store for d.
func NewStore(d grid.Domain) (*Store, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return &Store{
		domain:  d,
		byName:  make(map[string]Handle),
		borrows: make(map[Handle]*borrowState),
	}, nil
}

// Domain returns the store's grid extents.
func (s *Store) Domain() grid.Domain { return s.domain }

// Register allocates a zero-filled field.
func (s *Store) Register(name string, rank grid.Rank) (Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if name == "" {
		return 0, grid.Configf(grid.ErrInvalid, "field name is required")
	}
	if !rank.Valid() {
		return 0, grid.Configf(grid.ErrInvalid, "field %q: invalid rank %d", name, rank)
	}
	if s.frozen {
		return 0, grid.Configf(grid.ErrInvalid, "field %q: store is frozen", name)
	}
	if _, exists := s.byName[name]; exists {
		return 0, grid.Configf(grid.ErrInvalid, "duplicate field name: %q", name)
	}
	s.entries = append(s.entries, &entry{
		name: name,
		rank: rank,
		data: make([]float64, s.domain.Len(rank)),
	})
	h := Handle(len(s.entries))
	s.byName[name] = h
	return h, nil
}

// MustRegister is Register for static setup code.
func (s *Store) MustRegister(name string, rank grid.Rank) Handle {
	h, err := s.Register(name, rank)
	if err != nil {
		panic(err)
	}
	return h
}

// Lookup returns the handle registered under name.
func (s *Store) Lookup(name string) (Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.byName[name]
	if !ok {
		return 0, grid.Configf(grid.ErrUnregistered, "%q", name)
	}
	return h, nil
}

// Freeze forbids further registration. Fields are never resized or re-ranked.
func (s *Store) Freeze() {
	s.mu.Lock()
	s.frozen = true
	s.mu.Unlock()
}

func (s *Store) get(h Handle) (*entry, error) {
	if h <= 0 || int(h) > len(s.entries) {
		return nil, grid.Configf(grid.ErrUnregistered, "handle %d", h)
	}
	return s.entries[h-1], nil
}

// Name returns the field name of h.
func (s *Store) Name(h Handle) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, err := s.get(h)
	if err != nil {
		return "", err
	}
	return e.name, nil
}

// Rank returns the registered rank of h.
func (s *Store) Rank(h Handle) (grid.Rank, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, err := s.get(h)
	if err != nil {
		return 0, err
	}
	return e.rank, nil
}

// Names returns all field names sorted.
func (s *Store) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.name)
	}
	sort.Strings(out)
	return out
}

// Set replaces the committed values of h. It is not allowed during a step.
func (s *Store) Set(h Handle, values []float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, err := s.get(h)
	if err != nil {
		return err
	}
	if s.inStep {
		return fmt.Errorf("set %q: step in progress", e.name)
	}
	if len(values) != len(e.data) {
		return grid.Configf(grid.ErrRankMismatch, "set %q: got %d values, %s field holds %d", e.name, len(values), e.rank, len(e.data))
	}
	copy(e.data, values)
	return nil
}

// Fill sets every committed value of h to v.
func (s *Store) Fill(h Handle, v float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, err := s.get(h)
	if err != nil {
		return err
	}
	if s.inStep {
		return fmt.Errorf("fill %q: step in progress", e.name)
	}
	for i := range e.data {
		e.data[i] = v
	}
	return nil
}

// Values returns a copy of the committed values of h.
func (s *Store) Values(h Handle) ([]float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, err := s.get(h)
	if err != nil {
		return nil, err
	}
	out := make([]float64, len(e.data))
	copy(out, e.data)
	return out, nil
}

// At returns the committed value of h seen from cell (x, y, z).
func (s *Store) At(h Handle, x, y, z int) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, err := s.get(h)
	if err != nil {
		return 0, err
	}
	return e.data[s.domain.Project(e.rank, x, y, z)], nil
}
