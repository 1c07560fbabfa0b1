package jobs

import (
	"github.com/cockroachdb/errors"
)

// Error classes. Concrete errors are marked with one of these so callers can
// test them with errors.Is regardless of wrapping.
var (
	ErrNotFound   = errors.New("not found")
	ErrConflict   = errors.New("conflict")
	ErrValidation = errors.New("validation failed")
	ErrExecution  = errors.New("execution failed")
)

func NotFoundf(format string, args ...any) error {
	return errors.Mark(errors.Newf(format, args...), ErrNotFound)
}

func Conflictf(format string, args ...any) error {
	return errors.Mark(errors.Newf(format, args...), ErrConflict)
}

func Validationf(format string, args ...any) error {
	return errors.Mark(errors.Newf(format, args...), ErrValidation)
}

// AsValidation marks err as a validation failure.
func AsValidation(err error) error {
	if err == nil {
		return nil
	}
	return errors.Mark(err, ErrValidation)
}

// ExecutionFailure marks err, returned by a job's own logic, as an execution failure.
func ExecutionFailure(err error) error {
	if err == nil {
		return nil
	}
	return errors.Mark(err, ErrExecution)
}

func IsNotFound(err error) bool   { return errors.Is(err, ErrNotFound) }
func IsConflict(err error) bool   { return errors.Is(err, ErrConflict) }
func IsValidation(err error) bool { return errors.Is(err, ErrValidation) }
func IsExecution(err error) bool  { return errors.Is(err, ErrExecution) }
