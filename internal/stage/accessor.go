package stage

import (
	"fmt"

	"gridweaver/internal/field"
	"gridweaver/internal/grid"
)

// Binding resolves a declared access to the buffer a body works on during one
// execution.
type Binding struct {
	Field field.Handle
	Rank  grid.Rank
	Data  []float64
}

// AccessError is raised (as a panic value) when a body touches a field its
// stage did not declare. The orchestrator reports it as a stage failure.
type AccessError struct {
	Stage string
	Field field.Handle
	Write bool
}

func (e *AccessError) Error() string {
	verb := "reads"
	if e.Write {
		verb = "writes"
	}
	return fmt.Sprintf("stage %q %s undeclared field %d", e.Stage, verb, e.Field)
}

func find(stage string, list []Binding, h field.Handle, write bool) *Binding {
	for i := range list {
		if list[i].Field == h {
			return &list[i]
		}
	}
	panic(&AccessError{Stage: stage, Field: h, Write: write})
}

// Cell is the accessor passed to per-cell bodies. One Cell is reused for all
// cells a worker visits; bodies must not retain it.
type Cell struct {
	X, Y, Z int

	stage  string
	domain grid.Domain
	reads  []Binding
	writes []Binding
}

// NewCell builds a cell accessor over the given bindings.
func NewCell(stageName string, d grid.Domain, reads, writes []Binding) *Cell {
	return &Cell{stage: stageName, domain: d, reads: reads, writes: writes}
}

// Domain returns the grid extents.
func (c *Cell) Domain() grid.Domain { return c.domain }

// In returns the value of a declared input at this cell. Lower-rank inputs
// broadcast.
func (c *Cell) In(h field.Handle) float64 {
	b := find(c.stage, c.reads, h, false)
	return b.Data[c.domain.Project(b.Rank, c.X, c.Y, c.Z)]
}

// Set writes v to a declared output at this cell.
func (c *Cell) Set(h field.Handle, v float64) {
	b := find(c.stage, c.writes, h, true)
	b.Data[c.domain.Project(b.Rank, c.X, c.Y, c.Z)] = v
}

// Column is the accessor passed to per-column bodies. Slices returned by In
// and Out cover this column only and are valid for the duration of the call.
type Column struct {
	X, Y  int
	Index int

	stage  string
	domain grid.Domain
	reads  []Binding
	writes []Binding
	cell   Cell
}

// NewColumn builds a column accessor over the given bindings.
func NewColumn(stageName string, d grid.Domain, reads, writes []Binding) *Column {
	return &Column{
		stage:  stageName,
		domain: d,
		reads:  reads,
		writes: writes,
		cell:   Cell{stage: stageName, domain: d, reads: reads, writes: writes},
	}
}

// Move positions the accessor on column index col.
func (c *Column) Move(col int) {
	c.Index = col
	c.X, c.Y = c.domain.Column(col)
}

// Nz returns the number of levels.
func (c *Column) Nz() int { return c.domain.NZ }

// Domain returns the grid extents.
func (c *Column) Domain() grid.Domain { return c.domain }

// In returns this column's view of a declared input: nz values for full and
// vertical fields, one value for horizontal and scalar fields.
func (c *Column) In(h field.Handle) []float64 {
	return c.slice(find(c.stage, c.reads, h, false))
}

// Out returns this column's view of a declared output.
func (c *Column) Out(h field.Handle) []float64 {
	return c.slice(find(c.stage, c.writes, h, true))
}

// Cell returns a cell accessor at level z of this column. It shares the
// column's bindings and is overwritten by the next call.
func (c *Column) Cell(z int) *Cell {
	c.cell.X, c.cell.Y, c.cell.Z = c.X, c.Y, z
	return &c.cell
}

func (c *Column) slice(b *Binding) []float64 {
	nz := c.domain.NZ
	switch b.Rank {
	case grid.Full:
		return b.Data[c.Index*nz : (c.Index+1)*nz]
	case grid.Horizontal:
		return b.Data[c.Index : c.Index+1]
	case grid.Vertical:
		return b.Data[:nz]
	default:
		return b.Data[:1]
	}
}
