package sagaz

import (
	"context"
)

// Action is a single direction of a Step.
type Action[T any] func(context.Context, T) (T, error)

// Step is one reversible unit of a Pipeline: a named forward action paired
// with a backward action that undoes it.
//
// Steps are values. Both actions are bound when the step is created and are
// never reassigned afterwards; helpers such as Backward and Inverse return a
// new Step rather than modifying the receiver.
//
// A Step performs no error handling of its own. Whatever its actions return
// is handed to the enclosing Pipeline untouched.
type Step[T any] struct {
	forward  Action[T]
	backward Action[T]
	name     Name
}

// NewStep creates a Step from a forward and a backward action. Either action
// may be nil; a missing action behaves as the identity function.
//
// Example:
//
//	appendSuffix := sagaz.NewStep("suffix",
//	    func(_ context.Context, s Text) (Text, error) { return s + ", or not to be", nil },
//	    func(_ context.Context, s Text) (Text, error) {
//	        return Text(strings.TrimSuffix(string(s), ", or not to be")), nil
//	    },
//	)
func NewStep[T any](name Name, forward, backward func(context.Context, T) (T, error)) Step[T] {
	return Step[T]{
		name:     name,
		forward:  forward,
		backward: backward,
	}
}

// Forward creates a Step with only a forward action. Chain Backward to bind
// the compensating action:
//
//	step := sagaz.Forward("create", create).Backward(destroy)
func Forward[T any](name Name, fn func(context.Context, T) (T, error)) Step[T] {
	return Step[T]{name: name, forward: fn}
}

// Invertible creates a Step from a pair of transformations that cannot fail.
func Invertible[T any](name Name, forward, backward func(context.Context, T) T) Step[T] {
	s := Step[T]{name: name}
	if forward != nil {
		s.forward = func(ctx context.Context, value T) (T, error) {
			return forward(ctx, value), nil
		}
	}
	if backward != nil {
		s.backward = func(ctx context.Context, value T) (T, error) {
			return backward(ctx, value), nil
		}
	}
	return s
}

// Backward returns a copy of the step with fn bound as its backward action.
func (s Step[T]) Backward(fn func(context.Context, T) (T, error)) Step[T] {
	s.backward = fn
	return s
}

// Inverse returns a copy of the step with its forward and backward actions
// swapped.
func (s Step[T]) Inverse() Step[T] {
	s.forward, s.backward = s.backward, s.forward
	return s
}

// Apply runs the forward action, or returns value unchanged when the step has
// none.
func (s Step[T]) Apply(ctx context.Context, value T) (T, error) {
	if s.forward == nil {
		return value, nil
	}
	return s.forward(ctx, value)
}

// Reverse runs the backward action, or returns value unchanged when the step
// has none.
func (s Step[T]) Reverse(ctx context.Context, value T) (T, error) {
	if s.backward == nil {
		return value, nil
	}
	return s.backward(ctx, value)
}

// Name returns the name of the step.
func (s Step[T]) Name() Name {
	return s.name
}
