package grid

// Rank is the shape class of a field.
type Rank uint8

const (
	Scalar     Rank = iota // one value
	Vertical               // (nz)
	Horizontal             // (nx, ny)
	Full                   // (nx, ny, nz)
)

func (r Rank) String() string {
	switch r {
	case Scalar:
		return "scalar"
	case Vertical:
		return "vertical"
	case Horizontal:
		return "horizontal"
	case Full:
		return "full"
	default:
		return "unknown"
	}
}

// Valid reports whether r is one of the declared ranks.
func (r Rank) Valid() bool { return r <= Full }

// HasHorizontal reports whether distinct columns own distinct values in a field of rank r.
func (r Rank) HasHorizontal() bool { return r == Horizontal || r == Full }
