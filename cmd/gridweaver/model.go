package main

import (
	"math"

	"gridweaver/internal/config"
	"gridweaver/internal/field"
	"gridweaver/internal/grid"
	"gridweaver/internal/op"
	"gridweaver/internal/scan"
	"gridweaver/internal/stage"
)

const (
	gravity     = 9.81
	lapseRate   = 0.0065
	surfaceTemp = 290.0
	topPressure = 100.0
	relaxation  = 0.1
	// surfaceFlux is the moisture added to the lowest layer each step.
	surfaceFlux = 0.002
)

// model is a synthetic column-physics configuration: radiative heating,
// saturation adjustment, precipitation, hydrostatic pressure and diagnostics.
type model struct {
	store  *field.Store
	stages []*stage.Stage

	heating, dz, ptop          field.Handle
	t, q, qsat, cond, pressure field.Handle
	precip, psurf              field.Handle
	tmax, precipTotal          field.Handle
}

func newModel(cfg config.Config) (*model, error) {
	d := cfg.Domain
	s, err := field.NewStore(d)
	if err != nil {
		return nil, err
	}
	m := &model{store: s}
	for _, r := range []struct {
		h    *field.Handle
		name string
		rank grid.Rank
	}{
		{&m.heating, "heating", grid.Full},
		{&m.dz, "dz", grid.Vertical},
		{&m.ptop, "ptop", grid.Horizontal},
		{&m.t, "t", grid.Full},
		{&m.q, "q", grid.Full},
		{&m.qsat, "qsat", grid.Vertical},
		{&m.cond, "cond", grid.Full},
		{&m.pressure, "pressure", grid.Full},
		{&m.precip, "precip", grid.Horizontal},
		{&m.psurf, "psurf", grid.Horizontal},
		{&m.tmax, "tmax", grid.Scalar},
		{&m.precipTotal, "precip_total", grid.Scalar},
	} {
		if *r.h, err = s.Register(r.name, r.rank); err != nil {
			return nil, err
		}
	}

	dz, err := grid.LayerThickness(d.NZ, cfg.NGLL, cfg.Height)
	if err != nil {
		return nil, err
	}
	if err := s.Set(m.dz, dz); err != nil {
		return nil, err
	}
	if err := s.Fill(m.ptop, topPressure); err != nil {
		return nil, err
	}

	t0 := make([]float64, d.Cells())
	q0 := make([]float64, d.Cells())
	for col := 0; col < d.Columns(); col++ {
		height := 0.0
		for z := 0; z < d.NZ; z++ {
			height += dz[z]
			t0[col*d.NZ+z] = surfaceTemp - lapseRate*height
			q0[col*d.NZ+z] = 0.015 * math.Exp(-height/2500)
		}
	}
	if err := s.Set(m.t, t0); err != nil {
		return nil, err
	}
	if err := s.Set(m.q, q0); err != nil {
		return nil, err
	}

	m.stages = m.declare()
	return m, nil
}

func (m *model) declare() []*stage.Stage {
	full := func(h field.Handle) stage.Access { return stage.Access{Field: h, Rank: grid.Full} }
	t, q, qsat, cond, heating, dz := m.t, m.q, m.qsat, m.cond, m.heating, m.dz
	dzAccess := stage.Access{Field: dz, Rank: grid.Vertical}

	radiation := stage.Elementwise("radiation",
		[]stage.Access{full(t), full(heating)},
		[]stage.Access{full(t)},
		func(c *stage.Cell) {
			equilibrium := surfaceTemp - 40*float64(c.Z)/float64(c.Domain().NZ)
			c.Set(t, c.In(t)+c.In(heating)-relaxation*(c.In(t)-equilibrium))
		})

	condense := stage.ColumnLocal("condense",
		[]stage.Access{full(t), full(q)},
		[]stage.Access{full(q), full(cond), {Field: qsat, Rank: grid.Vertical}},
		func(c *stage.Column) {
			temp, qv, qs, out := c.In(t), c.Out(q), c.Out(qsat), c.Out(cond)
			for z := range qs {
				qs[z] = saturation(temp[z])
			}
			qv[0] += surfaceFlux
			for z := range qv {
				excess := math.Max(0, qv[z]-qs[z])
				qv[z] -= excess
				out[z] = excess
			}
		})

	rain := stage.Accumulation("precipitation",
		[]stage.Access{full(cond), dzAccess},
		stage.Access{Field: m.precip, Rank: grid.Horizontal},
		op.Sum,
		func(c *stage.Cell) float64 { return c.In(cond) * c.In(dz) })

	hydrostatic := stage.Scan("hydrostatic", stage.ScanConfig{
		Reads:     []stage.Access{full(t), dzAccess},
		Output:    full(m.pressure),
		Op:        op.Sum,
		SeedField: &stage.Access{Field: m.ptop, Rank: grid.Horizontal},
		Direction: scan.Downward,
	}, func(c *stage.Cell) float64 {
		density := 1.225 * 288 / c.In(t)
		return density * gravity * c.In(dz)
	})

	return []*stage.Stage{
		radiation,
		condense,
		rain,
		hydrostatic,
		stage.Reduction("tmax", full(t), stage.Access{Field: m.tmax, Rank: grid.Scalar}, op.Max),
		stage.Reduction("psurf", full(m.pressure), stage.Access{Field: m.psurf, Rank: grid.Horizontal}, op.Max),
		stage.Reduction("precip_total",
			stage.Access{Field: m.precip, Rank: grid.Horizontal},
			stage.Access{Field: m.precipTotal, Rank: grid.Scalar},
			op.Sum),
	}
}

// saturation is a Tetens-style saturation mixing ratio at 1000 hPa.
func saturation(temp float64) float64 {
	tc := temp - 273.15
	es := 610.78 * math.Exp(17.27*tc/(tc+237.3))
	return 0.622 * es / (1e5 - es)
}

// forcing returns the heating field for a step: a diurnal cycle that varies
// across columns.
func forcing(d grid.Domain, step int64) []float64 {
	out := make([]float64, d.Cells())
	phase := 2 * math.Pi * float64(step%24) / 24
	for col := 0; col < d.Columns(); col++ {
		x, y := d.Column(col)
		amp := 0.5 + 0.1*float64((x+y)%5)
		for z := 0; z < d.NZ; z++ {
			out[col*d.NZ+z] = amp * math.Sin(phase) * math.Exp(-float64(z)/float64(d.NZ))
		}
	}
	return out
}
