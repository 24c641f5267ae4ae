package grid

import "math"

// GLL returns the Gauss–Lobatto–Legendre nodes on [-1, 1] (ascending) and the
// matching quadrature weights for n points. The weights sum to 2.
//
// Nodes are the endpoints plus the roots of P'_{n-1}, found by Newton iteration
// on the Legendre recurrence starting from Chebyshev–Gauss–Lobatto points.
func GLL(n int) (nodes, weights []float64, err error) {
	if n < 2 {
		return nil, nil, Configf(ErrInvalid, "GLL quadrature needs at least 2 points, got %d", n)
	}
	deg := n - 1

	x := make([]float64, n)
	for i := range x {
		x[i] = math.Cos(math.Pi * float64(i) / float64(deg))
	}

	p := make([][]float64, n)
	for i := range p {
		p[i] = make([]float64, n)
	}

	const maxIter = 100
	for iter := 0; iter < maxIter; iter++ {
		delta := 0.0
		for i := range x {
			row := p[i]
			row[0] = 1
			row[1] = x[i]
			for k := 2; k <= deg; k++ {
				row[k] = (float64(2*k-1)*x[i]*row[k-1] - float64(k-1)*row[k-2]) / float64(k)
			}
			next := x[i] - (x[i]*row[deg]-row[deg-1])/(float64(n)*row[deg])
			delta = math.Max(delta, math.Abs(next-x[i]))
			x[i] = next
		}
		if delta <= 1e-15 {
			break
		}
	}

	nodes = make([]float64, n)
	weights = make([]float64, n)
	for i := range x {
		// x is descending; flip to ascending.
		j := n - 1 - i
		nodes[j] = x[i]
		weights[j] = 2 / (float64(deg*n) * p[i][deg] * p[i][deg])
	}
	return nodes, weights, nil
}

// LayerThickness tiles nz levels into spectral elements of ngll points each
// and returns per-level thickness so that every element spans height/(nz/ngll).
func LayerThickness(nz, ngll int, height float64) ([]float64, error) {
	if ngll < 2 || nz%ngll != 0 {
		return nil, Configf(ErrInvalid, "nz=%d is not a multiple of ngll=%d", nz, ngll)
	}
	_, w, err := GLL(ngll)
	if err != nil {
		return nil, err
	}
	elem := height / float64(nz/ngll)
	dz := make([]float64, nz)
	for z := range dz {
		dz[z] = elem * w[z%ngll] / 2
	}
	return dz, nil
}
