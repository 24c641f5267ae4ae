package stage

import (
	"errors"
	"fmt"

	"gridweaver/internal/field"
	"gridweaver/internal/grid"
)

// Validate checks the declaration on its own, without a field store: body
// presence, access counts, operator contract and kind-specific rank rules.
func (s *Stage) Validate() error {
	if s == nil {
		return grid.Configf(grid.ErrInvalid, "nil stage")
	}
	if s.Name == "" {
		return grid.Configf(grid.ErrInvalid, "stage name is required")
	}
	if err := noDuplicates(s.Name, "reads", s.Reads); err != nil {
		return err
	}
	if err := noDuplicates(s.Name, "writes", s.Writes); err != nil {
		return err
	}
	for _, a := range append(append([]Access(nil), s.Reads...), s.Writes...) {
		if !a.Rank.Valid() {
			return grid.Configf(grid.ErrInvalid, "stage %q: invalid rank %d", s.Name, a.Rank)
		}
	}

	switch s.Kind {
	case KindElementwise:
		if s.Cell == nil {
			return grid.Configf(grid.ErrInvalid, "elementwise stage %q has no cell function", s.Name)
		}
		if len(s.Writes) == 0 {
			return grid.Configf(grid.ErrInvalid, "elementwise stage %q writes nothing", s.Name)
		}
		for _, w := range s.Writes {
			if w.Rank != grid.Full {
				return grid.Configf(grid.ErrRankMismatch, "elementwise stage %q writes field %d as %s; per-cell writes need full rank", s.Name, w.Field, w.Rank)
			}
		}

	case KindColumnLocal:
		if s.Column == nil {
			return grid.Configf(grid.ErrInvalid, "column stage %q has no column function", s.Name)
		}
		if len(s.Writes) == 0 {
			return grid.Configf(grid.ErrInvalid, "column stage %q writes nothing", s.Name)
		}

	case KindReduction:
		if len(s.Reads) != 1 || len(s.Writes) != 1 {
			return grid.Configf(grid.ErrInvalid, "reduction stage %q must read one field and write one field", s.Name)
		}
		if err := s.Op.Validate(); err != nil {
			return wrapStage(s.Name, err)
		}
		in, out := s.Reads[0].Rank, s.Writes[0].Rank
		switch out {
		case grid.Scalar:
		case grid.Horizontal, grid.Vertical:
			if in != grid.Full {
				return grid.Configf(grid.ErrRankMismatch, "reduction stage %q: %s output needs a full-rank input, got %s", s.Name, out, in)
			}
		default:
			return grid.Configf(grid.ErrRankMismatch, "reduction stage %q: output rank %s is not reduced", s.Name, out)
		}

	case KindAccumulation:
		if s.Value == nil {
			return grid.Configf(grid.ErrInvalid, "accumulation stage %q has no contribution function", s.Name)
		}
		if len(s.Writes) != 1 {
			return grid.Configf(grid.ErrInvalid, "accumulation stage %q must have exactly one target", s.Name)
		}
		if s.Writes[0].Rank == grid.Full {
			return grid.Configf(grid.ErrRankMismatch, "accumulation stage %q: target must have lower rank than the full domain", s.Name)
		}
		if err := s.Op.Validate(); err != nil {
			return wrapStage(s.Name, err)
		}

	case KindScan:
		if s.Value == nil {
			return grid.Configf(grid.ErrInvalid, "scan stage %q has no increment function", s.Name)
		}
		if err := s.Op.Validate(); err != nil {
			return wrapStage(s.Name, err)
		}
		if s.Scan.Output.Rank != grid.Full {
			return grid.Configf(grid.ErrRankMismatch, "scan stage %q: output must be full rank", s.Name)
		}
		if s.Scan.Increments != nil {
			if s.Scan.Increments.Rank != grid.Full {
				return grid.Configf(grid.ErrRankMismatch, "scan stage %q: increments must be full rank", s.Name)
			}
			if s.Scan.Increments.Field == s.Scan.Output.Field {
				return grid.Configf(grid.ErrInvalid, "scan stage %q: increments and output must be distinct fields", s.Name)
			}
		}
		if s.Scan.SeedField != nil && s.Scan.SeedField.Rank != grid.Horizontal {
			return grid.Configf(grid.ErrRankMismatch, "scan stage %q: seed field must be horizontal", s.Name)
		}

	default:
		return grid.Configf(grid.ErrInvalid, "stage %q: unknown kind %d", s.Name, s.Kind)
	}
	return nil
}

func noDuplicates(name, what string, list []Access) error {
	seen := make(map[field.Handle]struct{}, len(list))
	for _, a := range list {
		if _, ok := seen[a.Field]; ok {
			return grid.Configf(grid.ErrInvalid, "stage %q %s field %d twice", name, what, a.Field)
		}
		seen[a.Field] = struct{}{}
	}
	return nil
}

func wrapStage(name string, err error) error {
	var ce *grid.ConfigError
	if errors.As(err, &ce) {
		return &grid.ConfigError{Kind: ce.Kind, Msg: fmt.Sprintf("stage %q: %s", name, ce.Msg)}
	}
	return err
}
