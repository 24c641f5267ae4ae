package stage

import (
	"gridweaver/internal/grid"
)

// Fuse merges elementwise and column stages into one column stage that runs
// the parts in order on each column. Fields written by one part and read only
// by later parts become private to the fused stage, so they may keep a reduced
// rank.
//
// Parts must be listed in dependency order. Fuse rejects a part that writes a
// field an earlier part only reads, or that an earlier part runs after, since
// the unfused pipeline would order those parts the other way. With that
// restriction fusion granularity never changes results.
func Fuse(name string, parts ...*Stage) (*Stage, error) {
	if len(parts) == 0 {
		return nil, grid.Configf(grid.ErrInvalid, "fuse %q: no stages", name)
	}
	names := make(map[string]struct{}, len(parts))
	var reads, writes []Access
	var fused, after []string

	for _, p := range parts {
		if err := p.Validate(); err != nil {
			return nil, err
		}
		if p.Kind != KindElementwise && p.Kind != KindColumnLocal {
			return nil, grid.Configf(grid.ErrInvalid, "fuse %q: stage %q is %s; only elementwise and column stages fuse", name, p.Name, p.Kind)
		}
		var err error
		if reads, err = mergeAccess(name, reads, p.Reads); err != nil {
			return nil, err
		}
		if writes, err = mergeAccess(name, writes, p.Writes); err != nil {
			return nil, err
		}
		names[p.Name] = struct{}{}
		fused = append(fused, p.Name)
	}
	if _, err := mergeAccess(name, append([]Access(nil), reads...), writes); err != nil {
		return nil, err
	}
	if err := checkPartOrder(name, parts); err != nil {
		return nil, err
	}
	for _, p := range parts {
		for _, a := range p.After {
			if _, internal := names[a]; !internal {
				after = append(after, a)
			}
		}
	}

	body := make([]*Stage, len(parts))
	copy(body, parts)
	s := ColumnLocal(name, reads, writes, func(c *Column) {
		for _, p := range body {
			if p.Kind == KindColumnLocal {
				p.Column(c)
				continue
			}
			for z := 0; z < c.Nz(); z++ {
				p.Cell(c.Cell(z))
			}
		}
	})
	s.After = after
	s.Fused = fused
	return s, nil
}

func checkPartOrder(name string, parts []*Stage) error {
	for i, early := range parts {
		for _, late := range parts[i+1:] {
			for _, a := range early.After {
				if a == late.Name {
					return grid.Configf(grid.ErrInvalid, "fuse %q: %q must run after %q but is listed first", name, early.Name, late.Name)
				}
			}
			for _, r := range early.Reads {
				if late.WritesField(r.Field) && !early.WritesField(r.Field) {
					return grid.Configf(grid.ErrInvalid, "fuse %q: %q writes field %d read by earlier part %q", name, late.Name, r.Field, early.Name)
				}
			}
		}
	}
	return nil
}

func mergeAccess(name string, into, add []Access) ([]Access, error) {
	for _, a := range add {
		dup := false
		for _, b := range into {
			if b.Field != a.Field {
				continue
			}
			if b.Rank != a.Rank {
				return nil, grid.Configf(grid.ErrRankMismatch, "fuse %q: field %d declared as %s and %s", name, a.Field, b.Rank, a.Rank)
			}
			dup = true
			break
		}
		if !dup {
			into = append(into, a)
		}
	}
	return into, nil
}
