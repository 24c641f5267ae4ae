// Package op defines the binary combine operators used by reductions,
// accumulations and scans.
package op

import (
	"math"

	"gridweaver/internal/grid"
)

// Operator is a binary combine with a fixed identity element.
//
// Associative and Commutative are declarations; the engines refuse operators
// that do not declare both.
type Operator struct {
	Name        string
	Identity    float64
	Combine     func(a, b float64) float64
	Associative bool
	Commutative bool
}

var (
	Sum = Operator{
		Name:        "sum",
		Identity:    0,
		Combine:     func(a, b float64) float64 { return a + b },
		Associative: true,
		Commutative: true,
	}
	Product = Operator{
		Name:        "product",
		Identity:    1,
		Combine:     func(a, b float64) float64 { return a * b },
		Associative: true,
		Commutative: true,
	}
	Min = Operator{
		Name:        "min",
		Identity:    math.Inf(1),
		Combine:     math.Min,
		Associative: true,
		Commutative: true,
	}
	Max = Operator{
		Name:        "max",
		Identity:    math.Inf(-1),
		Combine:     math.Max,
		Associative: true,
		Commutative: true,
	}
	// And and Or treat any non-zero value as true and produce 0 or 1.
	And = Operator{
		Name:        "and",
		Identity:    1,
		Combine:     func(a, b float64) float64 { return truth(a != 0 && b != 0) },
		Associative: true,
		Commutative: true,
	}
	Or = Operator{
		Name:        "or",
		Identity:    0,
		Combine:     func(a, b float64) float64 { return truth(a != 0 || b != 0) },
		Associative: true,
		Commutative: true,
	}
)

var builtin = map[string]Operator{
	Sum.Name:     Sum,
	Product.Name: Product,
	Min.Name:     Min,
	Max.Name:     Max,
	And.Name:     And,
	Or.Name:      Or,
}

// Lookup returns the built-in operator with the given name.
func Lookup(name string) (Operator, bool) {
	o, ok := builtin[name]
	return o, ok
}

// Validate checks that o can be used where results must not depend on the
// order or grouping of combines.
func (o Operator) Validate() error {
	if o.Combine == nil {
		return grid.Configf(grid.ErrOperator, "operator %q has no combine function", o.Name)
	}
	if !o.Associative || !o.Commutative {
		return grid.Configf(grid.ErrOperator, "operator %q (associative=%t, commutative=%t)", o.Name, o.Associative, o.Commutative)
	}
	return nil
}

// Fold combines values left to right starting from the identity.
func (o Operator) Fold(values []float64) float64 {
	acc := o.Identity
	for _, v := range values {
		acc = o.Combine(acc, v)
	}
	return acc
}

func (o Operator) String() string { return o.Name }

func truth(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
