// Package sagaz provides reversible, step-based pipelines with automatic
// compensation on failure.
//
// # Overview
//
// A Pipeline is an ordered list of Steps. Every Step pairs a forward action
// with a backward (compensating) action. Apply runs the forward actions in
// declaration order; Reverse runs the backward actions in the exact opposite
// order. When a pipeline is configured with a Classifier and a step fails with
// a matching error, the pipeline undoes the steps that already succeeded and
// then returns the original error. This is the compensating-transaction
// ("saga") pattern, packaged as a small in-process library.
//
// # Installation
//
//	go get github.com/zoobzio/sagaz
//
// # Core Concepts
//
// The library is built around a single, uniform interface:
//
//	type Reversible[T any] interface {
//	    Apply(context.Context, T) (T, error)
//	    Reverse(context.Context, T) (T, error)
//	    Name() Name
//	}
//
// Step and Pipeline both implement Reversible[T], so a fully built pipeline
// can be registered as a single step of another pipeline. The nested
// pipeline's steps then run before (on Apply) or after (on Reverse) the steps
// declared after it.
//
// # Defining Steps
//
//	addWorld := sagaz.NewStep("add-world",
//	    func(_ context.Context, w Words) (Words, error) {
//	        return append(w, "world"), nil
//	    },
//	    func(_ context.Context, w Words) (Words, error) {
//	        return slices.DeleteFunc(w, func(s string) bool { return s == "world" }), nil
//	    },
//	)
//
// Either action may be nil, in which case the step passes its value through
// unchanged in that direction.
//
// # Compensation
//
// Compensation is opt-in:
//
//	pipeline := sagaz.NewPipeline("provision", createBucket, createUser, grantAccess).
//	    CompensateOn(sagaz.ErrorAs[*QuotaError]())
//
//	_, err := pipeline.Apply(ctx, account)
//	// If grantAccess fails with a *QuotaError, createUser and createBucket
//	// have been undone (in that order) before err is returned.
//
// Errors that do not match the classifier are returned immediately, without
// compensation. A matching error raised while compensating is returned as is;
// the pipeline never compensates a compensation.
//
// # Values
//
// Pipelines operate on values implementing Cloner[T]. Every Apply and Reverse
// call clones its input before running any step, so the caller's value is
// never modified, even by steps that mutate their argument in place.
package sagaz

import "context"

// Reversible defines the interface for any component that can transform a
// value of type T forward and back again. Step and Pipeline implement it,
// which is what makes pipelines composable.
type Reversible[T any] interface {
	Apply(context.Context, T) (T, error)
	Reverse(context.Context, T) (T, error)
	Name() Name
}

// Name is a type alias for step and pipeline names.
// Names appear in spans, events and panic errors.
//
//	const (
//	    CreateBucketName Name = "create-bucket"
//	    GrantAccessName  Name = "grant-access"
//	)
type Name = string

// Cloner is an interface for types that can create deep copies of themselves.
// Pipelines require it so that Apply and Reverse work on a private copy of the
// caller's value.
//
// The Clone method must return a deep copy where modifications to the clone
// do not affect the original value. For types containing pointers, slices, or
// maps, ensure these are also copied.
//
//	type Words []string
//
//	func (w Words) Clone() Words {
//	    return slices.Clone(w)
//	}
type Cloner[T any] interface {
	Clone() T
}
