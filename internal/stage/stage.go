package stage

import (
	"gridweaver/internal/field"
	"gridweaver/internal/grid"
	"gridweaver/internal/op"
	"gridweaver/internal/scan"
)

// Kind is the execution contract of a stage.
type Kind uint8

const (
	KindElementwise Kind = iota
	KindColumnLocal
	KindReduction
	KindAccumulation
	KindScan
)

func (k Kind) String() string {
	switch k {
	case KindElementwise:
		return "elementwise"
	case KindColumnLocal:
		return "column_local"
	case KindReduction:
		return "reduction"
	case KindAccumulation:
		return "accumulation"
	case KindScan:
		return "scan"
	default:
		return "unknown"
	}
}

// Granularity is the unit a stage iterates over.
type Granularity uint8

const (
	PerCell Granularity = iota
	PerColumn
	WholeDomain
)

func (g Granularity) String() string {
	switch g {
	case PerCell:
		return "cell"
	case PerColumn:
		return "column"
	default:
		return "domain"
	}
}

// Access declares one field a stage touches and the rank it expects.
type Access struct {
	Field field.Handle
	Rank  grid.Rank
}

// CellFunc is a per-cell physics body. It may read the cell's own values of
// full-rank inputs (and broadcast lower-rank inputs) and write only the cell's
// own values of its outputs.
type CellFunc func(c *Cell)

// ColumnFunc is a per-column physics body. It may traverse the column in any
// order but must not touch other columns.
type ColumnFunc func(c *Column)

// ValueFunc returns one value per cell: an accumulation contribution or a scan increment.
type ValueFunc func(c *Cell) float64

// ScanConfig describes a prefix scan along the vertical.
type ScanConfig struct {
	// Reads are the fields the increment function reads.
	Reads []Access
	// Output receives the cumulative profile. Must be full rank.
	Output Access
	// Increments, when set, materialises the phase-one increments in a
	// full-rank field visible to later stages.
	Increments *Access
	Op         op.Operator
	Seed       float64
	// SeedField, when set, provides one seed per column and overrides Seed.
	SeedField *Access
	Direction scan.Direction
}

// Stage is a declared computation. Construct with the kind-specific functions.
type Stage struct {
	Name   string
	Kind   Kind
	Reads  []Access
	Writes []Access
	Op     op.Operator

	Cell   CellFunc
	Column ColumnFunc
	Value  ValueFunc
	Scan   ScanConfig

	// After names stages that must complete before this one even when no
	// field links them.
	After []string
	// Fused lists the original stage names when built by Fuse.
	Fused []string
}

// Elementwise declares a per-cell stage.
func Elementwise(name string, reads, writes []Access, fn CellFunc) *Stage {
	return &Stage{Name: name, Kind: KindElementwise, Reads: reads, Writes: writes, Cell: fn}
}

// ColumnLocal declares a per-column stage.
func ColumnLocal(name string, reads, writes []Access, fn ColumnFunc) *Stage {
	return &Stage{Name: name, Kind: KindColumnLocal, Reads: reads, Writes: writes, Column: fn}
}

// Reduction declares a reduction of in into out. The output rank selects the
// shape: scalar (whole domain), horizontal (one value per column) or vertical
// (one value per level).
func Reduction(name string, in, out Access, o op.Operator) *Stage {
	return &Stage{Name: name, Kind: KindReduction, Reads: []Access{in}, Writes: []Access{out}, Op: o}
}

// Accumulation declares per-cell contributions combined into a lower-rank
// target. Cell (x, y, z) contributes to the target index it projects onto.
func Accumulation(name string, reads []Access, target Access, o op.Operator, fn ValueFunc) *Stage {
	return &Stage{Name: name, Kind: KindAccumulation, Reads: reads, Writes: []Access{target}, Op: o, Value: fn}
}

// Scan declares a two-phase vertical prefix scan with increments from fn.
func Scan(name string, cfg ScanConfig, fn ValueFunc) *Stage {
	reads := append([]Access(nil), cfg.Reads...)
	if cfg.SeedField != nil {
		reads = append(reads, *cfg.SeedField)
	}
	writes := []Access{cfg.Output}
	if cfg.Increments != nil {
		writes = append(writes, *cfg.Increments)
	}
	return &Stage{Name: name, Kind: KindScan, Reads: reads, Writes: writes, Op: cfg.Op, Value: fn, Scan: cfg}
}

// DependsOn adds explicit barriers and returns s.
func (s *Stage) DependsOn(names ...string) *Stage {
	s.After = append(s.After, names...)
	return s
}

// Granularity returns the unit of independent work.
func (s *Stage) Granularity() Granularity {
	switch s.Kind {
	case KindElementwise, KindAccumulation:
		return PerCell
	case KindReduction:
		if len(s.Writes) == 1 && s.Writes[0].Rank == grid.Scalar {
			return WholeDomain
		}
		return PerColumn
	default:
		return PerColumn
	}
}

// WritesField reports whether s declares a write to h.
func (s *Stage) WritesField(h field.Handle) bool { return contains(s.Writes, h) }

// ReadsField reports whether s declares a read of h.
func (s *Stage) ReadsField(h field.Handle) bool { return contains(s.Reads, h) }

func contains(list []Access, h field.Handle) bool {
	for _, a := range list {
		if a.Field == h {
			return true
		}
	}
	return false
}
