package grid

// Domain holds the grid extents. It is immutable once a pipeline is built.
type Domain struct {
	NX, NY, NZ int
}

// Validate rejects non-positive extents.
func (d Domain) Validate() error {
	if d.NX < 1 || d.NY < 1 || d.NZ < 1 {
		return Configf(ErrInvalid, "domain extents must be positive, got %dx%dx%d", d.NX, d.NY, d.NZ)
	}
	return nil
}

// Columns returns nx*ny.
func (d Domain) Columns() int { return d.NX * d.NY }

// Cells returns nx*ny*nz.
func (d Domain) Cells() int { return d.NX * d.NY * d.NZ }

// Index returns the flat full-rank index of cell (x, y, z).
func (d Domain) Index(x, y, z int) int { return (x*d.NY+y)*d.NZ + z }

// ColumnIndex returns the flat horizontal index of column (x, y).
func (d Domain) ColumnIndex(x, y int) int { return x*d.NY + y }

// Column returns the coordinates of column number col.
func (d Domain) Column(col int) (x, y int) { return col / d.NY, col % d.NY }

// Coords inverts Index.
func (d Domain) Coords(i int) (x, y, z int) {
	col := i / d.NZ
	x, y = d.Column(col)
	return x, y, i % d.NZ
}

// Len returns the number of values a field of rank r holds.
func (d Domain) Len(r Rank) int {
	switch r {
	case Vertical:
		return d.NZ
	case Horizontal:
		return d.Columns()
	case Full:
		return d.Cells()
	default:
		return 1
	}
}

// Project returns the index into a rank-r buffer that cell (x, y, z) maps to.
// Lower ranks broadcast: a vertical field is indexed by z only, a horizontal
// field by its column, a scalar always by 0.
func (d Domain) Project(r Rank, x, y, z int) int {
	switch r {
	case Vertical:
		return z
	case Horizontal:
		return d.ColumnIndex(x, y)
	case Full:
		return d.Index(x, y, z)
	default:
		return 0
	}
}
