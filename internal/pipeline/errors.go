package pipeline

import (
	"errors"
	"fmt"

	"gridweaver/internal/grid"
	"gridweaver/internal/stage"
)

// Build-time failures. Every one is reported as a *ConfigError that matches
// both its own kind and ErrConfiguration.
var (
	ErrConfiguration = grid.ErrConfiguration
	ErrInvalid       = grid.ErrInvalid
	ErrUnregistered  = grid.ErrUnregistered
	ErrRankMismatch  = grid.ErrRankMismatch
	ErrWriteConflict = grid.ErrWriteConflict
	ErrCycle         = grid.ErrCycle
	ErrOperator      = grid.ErrOperator
	ErrPromotion     = grid.ErrPromotion
)

// ConfigError is the build-time error type.
type ConfigError = grid.ConfigError

// ErrNumeric marks a non-finite value caught before a reduction or scan
// consumed it.
var ErrNumeric = errors.New("non-finite value")

// InputStage is the producer named for values that no stage wrote.
const InputStage = "input"

// NumericError locates a non-finite value. Stage is the producer of the field
// (InputStage for leaf fields); Consumer is the stage that was about to read it.
type NumericError struct {
	Stage    string
	Consumer string
	Field    string
	Index    int
	Value    float64
}

func (e *NumericError) Error() string {
	return fmt.Sprintf("%s: field %q index %d = %v, produced by %q, consumed by %q",
		ErrNumeric, e.Field, e.Index, e.Value, e.Stage, e.Consumer)
}

func (e *NumericError) Unwrap() error { return ErrNumeric }

// StageError reports a stage that failed during execution, including a body
// that panicked or touched an undeclared field.
type StageError struct {
	Stage string
	Kind  stage.Kind
	Err   error
}

func (e *StageError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("stage %q (%s): %v", e.Stage, e.Kind, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

func configf(kind error, format string, args ...any) error {
	return grid.Configf(kind, format, args...)
}
