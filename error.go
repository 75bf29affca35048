package sagaz

import (
	"errors"
	"fmt"
)

// Classifier decides whether a step failure is compensable. A pipeline with
// no classifier never compensates.
type Classifier func(error) bool

// ErrorIs matches errors that are, or wrap, any of the given targets.
//
//	var ErrConflict = errors.New("conflict")
//	pipeline.CompensateOn(sagaz.ErrorIs(ErrConflict))
func ErrorIs(targets ...error) Classifier {
	return func(err error) bool {
		for _, target := range targets {
			if errors.Is(err, target) {
				return true
			}
		}
		return false
	}
}

// ErrorAs matches errors whose chain contains a value assignable to E. When E
// is an interface type every error implementing it matches, which makes ErrorAs
// the natural way to compensate on a whole family of failures.
//
//	type Temporary interface{ Temporary() bool }
//	pipeline.CompensateOn(sagaz.ErrorAs[Temporary]())
func ErrorAs[E error]() Classifier {
	return func(err error) bool {
		var target E
		return errors.As(err, &target)
	}
}

// AnyError matches every non-nil error.
func AnyError() Classifier {
	return func(err error) bool {
		return err != nil
	}
}

// Or returns a classifier matching whatever c or other matches.
func (c Classifier) Or(other Classifier) Classifier {
	return func(err error) bool {
		return c.matches(err) || other.matches(err)
	}
}

func (c Classifier) matches(err error) bool {
	return c != nil && err != nil && c(err)
}

// PanicError reports a panic raised by a step action. The pipeline treats it
// like any other failure, so it is compensable when the configured classifier
// matches it.
type PanicError struct {
	Value any
	Step  Name
}

// Error implements the error interface.
func (e *PanicError) Error() string {
	return fmt.Sprintf("step %q panicked: %v", e.Step, e.Value)
}

// Unwrap returns the panic value when it was an error.
func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

// recoverFromPanic converts a panic in a step action into a *PanicError.
// It must be deferred directly by the function running the action.
func recoverFromPanic(err *error, step Name) {
	if r := recover(); r != nil {
		*err = &PanicError{Step: step, Value: r}
	}
}
