package op

import (
	"errors"
	"math"
	"testing"

	"gridweaver/internal/grid"
)

func TestBuiltins_IdentityIsNeutral(t *testing.T) {
	samples := []float64{-3.5, 0, 1, 2.25, 1e9}
	for _, name := range []string{"sum", "product", "min", "max"} {
		o, ok := Lookup(name)
		if !ok {
			t.Fatalf("missing builtin %q", name)
		}
		for _, v := range samples {
			if got := o.Combine(o.Identity, v); got != v {
				t.Fatalf("%s: combine(identity, %v) = %v", name, v, got)
			}
		}
	}
	for _, o := range []Operator{And, Or} {
		for _, v := range []float64{0, 1} {
			if got := o.Combine(o.Identity, v); got != v {
				t.Fatalf("%s: combine(identity, %v) = %v", o.Name, v, got)
			}
		}
	}
}

func TestBuiltins_AreAssociativeCommutative(t *testing.T) {
	for name, o := range builtin {
		if err := o.Validate(); err != nil {
			t.Fatalf("%s: %v", name, err)
		}
	}
}

func TestValidate_RejectsNonCommutative(t *testing.T) {
	diff := Operator{
		Name:        "difference",
		Combine:     func(a, b float64) float64 { return a - b },
		Associative: false,
		Commutative: false,
	}
	err := diff.Validate()
	if !errors.Is(err, grid.ErrOperator) || !errors.Is(err, grid.ErrConfiguration) {
		t.Fatalf("expected operator configuration error, got %v", err)
	}
}

func TestFold(t *testing.T) {
	vals := []float64{3, -1, 4, 1, -5}
	if got := Sum.Fold(vals); got != 2 {
		t.Fatalf("sum = %v", got)
	}
	if got := Min.Fold(vals); got != -5 {
		t.Fatalf("min = %v", got)
	}
	if got := Max.Fold(vals); got != 4 {
		t.Fatalf("max = %v", got)
	}
	if got := Max.Fold(nil); !math.IsInf(got, -1) {
		t.Fatalf("empty max = %v", got)
	}
	if got := And.Fold([]float64{1, 2, 0}); got != 0 {
		t.Fatalf("and = %v", got)
	}
	if got := Or.Fold([]float64{0, 0, 7}); got != 1 {
		t.Fatalf("or = %v", got)
	}
}
