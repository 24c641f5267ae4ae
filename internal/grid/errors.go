package grid

import (
	"errors"
	"fmt"
)

var (
	ErrConfiguration = errors.New("configuration error")

	ErrInvalid       = errors.New("invalid declaration")
	ErrUnregistered  = errors.New("unregistered field")
	ErrRankMismatch  = errors.New("rank mismatch")
	ErrWriteConflict = errors.New("write conflict")
	ErrCycle         = errors.New("cyclic stage dependency")
	ErrOperator      = errors.New("operator is not associative-commutative")
	ErrPromotion     = errors.New("field requires promotion")
)

// ConfigError reports a build-time failure. It matches both its Kind and
// ErrConfiguration under errors.Is.
type ConfigError struct {
	Kind error
	Msg  string
}

func (e *ConfigError) Error() string {
	if e == nil {
		return ""
	}
	if e.Msg == "" {
		return fmt.Sprintf("%s: %s", ErrConfiguration, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %s", ErrConfiguration, e.Kind, e.Msg)
}

func (e *ConfigError) Unwrap() []error { return []error{e.Kind, ErrConfiguration} }

// Configf builds a *ConfigError of the given kind.
func Configf(kind error, format string, args ...any) error {
	return &ConfigError{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}
