package stage

import (
	"errors"
	"testing"

	"gridweaver/internal/field"
	"gridweaver/internal/grid"
	"gridweaver/internal/op"
)

const (
	hT field.Handle = iota + 1
	hQ
	hP
	hS
)

func full(h field.Handle) Access { return Access{Field: h, Rank: grid.Full} }

func noopCell(*Cell)     {}
func noopColumn(*Column) {}
func one(*Cell) float64  { return 1 }

func TestValidate_KindRules(t *testing.T) {
	cases := []struct {
		name string
		s    *Stage
		want error
	}{
		{"elementwise ok", Elementwise("a", []Access{full(hT)}, []Access{full(hQ)}, noopCell), nil},
		{"elementwise no body", Elementwise("a", nil, []Access{full(hQ)}, nil), grid.ErrInvalid},
		{"elementwise scalar write", Elementwise("a", nil, []Access{{hQ, grid.Scalar}}, noopCell), grid.ErrRankMismatch},
		{"column no writes", ColumnLocal("c", []Access{full(hT)}, nil, noopColumn), grid.ErrInvalid},
		{"reduction scalar", Reduction("r", full(hT), Access{hS, grid.Scalar}, op.Max), nil},
		{"reduction columns need full", Reduction("r", Access{hT, grid.Vertical}, Access{hS, grid.Horizontal}, op.Sum), grid.ErrRankMismatch},
		{"reduction to full", Reduction("r", full(hT), full(hS), op.Sum), grid.ErrRankMismatch},
		{"reduction bad op", Reduction("r", full(hT), Access{hS, grid.Scalar}, op.Operator{Name: "sub", Combine: func(a, b float64) float64 { return a - b }}), grid.ErrOperator},
		{"accumulation full target", Accumulation("p", nil, full(hP), op.Sum, one), grid.ErrRankMismatch},
		{"accumulation ok", Accumulation("p", []Access{full(hT)}, Access{hP, grid.Horizontal}, op.Sum, one), nil},
		{"scan ok", Scan("s", ScanConfig{Output: full(hP), Op: op.Sum}, one), nil},
		{"scan horizontal output", Scan("s", ScanConfig{Output: Access{hP, grid.Horizontal}, Op: op.Sum}, one), grid.ErrRankMismatch},
		{"scan vertical seed", Scan("s", ScanConfig{Output: full(hP), Op: op.Sum, SeedField: &Access{hS, grid.Vertical}}, one), grid.ErrRankMismatch},
		{"duplicate read", Elementwise("a", []Access{full(hT), full(hT)}, []Access{full(hQ)}, noopCell), grid.ErrInvalid},
		{"unnamed", Elementwise("", nil, []Access{full(hQ)}, noopCell), grid.ErrInvalid},
	}
	for _, tc := range cases {
		err := tc.s.Validate()
		if tc.want == nil {
			if err != nil {
				t.Fatalf("%s: unexpected error: %v", tc.name, err)
			}
			continue
		}
		if !errors.Is(err, tc.want) {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, err)
		}
		if !errors.Is(err, grid.ErrConfiguration) {
			t.Fatalf("%s: expected a configuration error, got %v", tc.name, err)
		}
	}
}

func TestValidate_StageNameInOperatorError(t *testing.T) {
	s := Reduction("rsum", full(hT), Access{hS, grid.Scalar}, op.Operator{Name: "bad", Combine: func(a, b float64) float64 { return a }})
	err := s.Validate()
	var ce *grid.ConfigError
	if !errors.As(err, &ce) {
		t.Fatalf("expected ConfigError, got %T", err)
	}
	if want := `stage "rsum": `; len(ce.Msg) < len(want) || ce.Msg[:len(want)] != want {
		t.Fatalf("message not prefixed with stage: %q", ce.Msg)
	}
}

func TestScan_AddsSeedAndIncrementsAccesses(t *testing.T) {
	seed := Access{hS, grid.Horizontal}
	inc := full(hQ)
	s := Scan("s", ScanConfig{Reads: []Access{full(hT)}, Output: full(hP), Increments: &inc, SeedField: &seed, Op: op.Sum}, one)
	if !s.ReadsField(hS) || !s.ReadsField(hT) {
		t.Fatalf("expected reads of T and seed, got %+v", s.Reads)
	}
	if !s.WritesField(hP) || !s.WritesField(hQ) {
		t.Fatalf("expected writes of output and increments, got %+v", s.Writes)
	}
	if s.Granularity() != PerColumn {
		t.Fatalf("scan granularity = %s", s.Granularity())
	}
}

func TestGranularity(t *testing.T) {
	if g := Reduction("r", full(hT), Access{hS, grid.Scalar}, op.Sum).Granularity(); g != WholeDomain {
		t.Fatalf("scalar reduction: %s", g)
	}
	if g := Reduction("r", full(hT), Access{hS, grid.Horizontal}, op.Sum).Granularity(); g != PerColumn {
		t.Fatalf("column reduction: %s", g)
	}
	if g := Elementwise("e", nil, []Access{full(hT)}, noopCell).Granularity(); g != PerCell {
		t.Fatalf("elementwise: %s", g)
	}
}

func TestCell_BroadcastsLowerRanks(t *testing.T) {
	d := grid.Domain{NX: 2, NY: 2, NZ: 3}
	vert := []float64{10, 20, 30}
	horiz := []float64{1, 2, 3, 4}
	out := make([]float64, d.Cells())
	c := NewCell("e", d,
		[]Binding{{Field: hT, Rank: grid.Vertical, Data: vert}, {Field: hS, Rank: grid.Horizontal, Data: horiz}},
		[]Binding{{Field: hQ, Rank: grid.Full, Data: out}})

	for i := 0; i < d.Cells(); i++ {
		c.X, c.Y, c.Z = d.Coords(i)
		c.Set(hQ, c.In(hT)+c.In(hS))
	}
	for i, v := range out {
		x, y, z := d.Coords(i)
		want := vert[z] + horiz[d.ColumnIndex(x, y)]
		if v != want {
			t.Fatalf("cell %d: got %v want %v", i, v, want)
		}
	}
}

func TestCell_UndeclaredAccessPanics(t *testing.T) {
	d := grid.Domain{NX: 1, NY: 1, NZ: 1}
	c := NewCell("e", d, nil, []Binding{{Field: hQ, Rank: grid.Full, Data: make([]float64, 1)}})
	defer func() {
		r := recover()
		ae, ok := r.(*AccessError)
		if !ok {
			t.Fatalf("expected *AccessError panic, got %v", r)
		}
		if ae.Stage != "e" || ae.Field != hT || ae.Write {
			t.Fatalf("unexpected access error: %+v", ae)
		}
	}()
	c.In(hT)
}

func TestColumn_SlicesCoverOneColumn(t *testing.T) {
	d := grid.Domain{NX: 2, NY: 1, NZ: 3}
	in := []float64{1, 2, 3, 4, 5, 6}
	top := make([]float64, d.Columns())
	c := NewColumn("c", d,
		[]Binding{{Field: hT, Rank: grid.Full, Data: in}},
		[]Binding{{Field: hS, Rank: grid.Horizontal, Data: top}})

	for col := 0; col < d.Columns(); col++ {
		c.Move(col)
		prof := c.In(hT)
		if len(prof) != d.NZ {
			t.Fatalf("column slice length %d", len(prof))
		}
		c.Out(hS)[0] = prof[c.Nz()-1]
	}
	if top[0] != 3 || top[1] != 6 {
		t.Fatalf("unexpected column tops %v", top)
	}
}

func TestFuse_RunsPartsInOrderPerColumn(t *testing.T) {
	d := grid.Domain{NX: 2, NY: 2, NZ: 4}
	a := Elementwise("double", []Access{full(hT)}, []Access{full(hQ)}, func(c *Cell) { c.Set(hQ, 2*c.In(hT)) })
	b := ColumnLocal("sum", []Access{full(hQ)}, []Access{{hS, grid.Horizontal}}, func(c *Column) {
		total := 0.0
		for _, v := range c.In(hQ) {
			total += v
		}
		c.Out(hS)[0] = total
	}).DependsOn("double", "external")

	f, err := Fuse("physics", a, b)
	if err != nil {
		t.Fatalf("fuse: %v", err)
	}
	if err := f.Validate(); err != nil {
		t.Fatalf("fused stage invalid: %v", err)
	}
	if len(f.After) != 1 || f.After[0] != "external" {
		t.Fatalf("expected only the external barrier to survive, got %v", f.After)
	}
	if len(f.Fused) != 2 || f.Fused[0] != "double" || f.Fused[1] != "sum" {
		t.Fatalf("fused names %v", f.Fused)
	}

	in := make([]float64, d.Cells())
	for i := range in {
		in[i] = float64(i)
	}
	q := make([]float64, d.Cells())
	s := make([]float64, d.Columns())
	reads := []Binding{{Field: hT, Rank: grid.Full, Data: in}, {Field: hQ, Rank: grid.Full, Data: q}}
	writes := []Binding{{Field: hQ, Rank: grid.Full, Data: q}, {Field: hS, Rank: grid.Horizontal, Data: s}}
	col := NewColumn("physics", d, reads, writes)
	for i := 0; i < d.Columns(); i++ {
		col.Move(i)
		f.Column(col)
	}
	for i := 0; i < d.Columns(); i++ {
		want := 0.0
		for z := 0; z < d.NZ; z++ {
			want += 2 * in[i*d.NZ+z]
		}
		if s[i] != want {
			t.Fatalf("column %d: got %v want %v", i, s[i], want)
		}
	}
}

func TestFuse_Rejects(t *testing.T) {
	red := Reduction("r", full(hT), Access{hS, grid.Scalar}, op.Sum)
	ew := Elementwise("e", nil, []Access{full(hT)}, noopCell)
	if _, err := Fuse("x", ew, red); !errors.Is(err, grid.ErrInvalid) {
		t.Fatalf("expected ErrInvalid fusing a reduction, got %v", err)
	}
	col := ColumnLocal("c", []Access{{hT, grid.Vertical}}, []Access{full(hQ)}, noopColumn)
	if _, err := Fuse("x", ew, col); !errors.Is(err, grid.ErrRankMismatch) {
		t.Fatalf("expected ErrRankMismatch, got %v", err)
	}
	if _, err := Fuse("x"); !errors.Is(err, grid.ErrInvalid) {
		t.Fatalf("expected ErrInvalid for empty fuse, got %v", err)
	}
}

func TestFuse_RejectsPartsOutOfDependencyOrder(t *testing.T) {
	use := Elementwise("use", []Access{full(hT)}, []Access{full(hQ)}, func(c *Cell) { c.Set(hQ, c.In(hT)+1) })
	produce := Elementwise("produce", nil, []Access{full(hT)}, func(c *Cell) { c.Set(hT, 10) })

	if _, err := Fuse("fused", use, produce); !errors.Is(err, grid.ErrInvalid) {
		t.Fatalf("expected ErrInvalid when a later part writes an earlier part's input, got %v", err)
	}
	if _, err := Fuse("fused", produce, use); err != nil {
		t.Fatalf("fuse in dependency order: %v", err)
	}

	first := Elementwise("first", []Access{full(hT)}, []Access{full(hT)}, noopCell)
	second := Elementwise("second", []Access{full(hT)}, []Access{full(hT)}, noopCell).DependsOn("first")
	if _, err := Fuse("fused", first, second); err != nil {
		t.Fatalf("ordered read-modify-write parts: %v", err)
	}
	if _, err := Fuse("fused", second, first); !errors.Is(err, grid.ErrInvalid) {
		t.Fatalf("expected ErrInvalid when a part is listed before its After dependency, got %v", err)
	}
}
