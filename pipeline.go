package sagaz

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/zoobzio/clockz"
	"github.com/zoobzio/hookz"
	"github.com/zoobzio/metricz"
	"github.com/zoobzio/tracez"
)

// Observability constants for Pipeline.
const (
	// Metrics.
	PipelineApplyTotal                = metricz.Key("pipeline.apply.total")
	PipelineReverseTotal              = metricz.Key("pipeline.reverse.total")
	PipelineSuccessesTotal            = metricz.Key("pipeline.successes.total")
	PipelineFailuresTotal             = metricz.Key("pipeline.failures.total")
	PipelineCompensationsTotal        = metricz.Key("pipeline.compensations.total")
	PipelineCompensationFailuresTotal = metricz.Key("pipeline.compensation_failures.total")
	PipelineStepsExecutedTotal        = metricz.Key("pipeline.steps.executed.total")
	PipelineStepsCompleted            = metricz.Key("pipeline.steps.completed")
	PipelineStepsTotal                = metricz.Key("pipeline.steps.total")
	PipelineDurationMs                = metricz.Key("pipeline.duration.ms")

	// Spans.
	PipelineApplySpan      = tracez.Key("pipeline.apply")
	PipelineReverseSpan    = tracez.Key("pipeline.reverse")
	PipelineStepSpan       = tracez.Key("pipeline.step")
	PipelineCompensateSpan = tracez.Key("pipeline.compensate")

	// Tags.
	PipelineTagDirection   = tracez.Tag("pipeline.direction")
	PipelineTagStepCount   = tracez.Tag("pipeline.step_count")
	PipelineTagStepNumber  = tracez.Tag("pipeline.step_number")
	PipelineTagStepName    = tracez.Tag("pipeline.step_name")
	PipelineTagSuccess     = tracez.Tag("pipeline.success")
	PipelineTagError       = tracez.Tag("pipeline.error")
	PipelineTagCompensated = tracez.Tag("pipeline.compensated")

	// Hook event keys.
	PipelineEventStepComplete         = hookz.Key("pipeline.step_complete")
	PipelineEventCompensationStarted  = hookz.Key("pipeline.compensation_started")
	PipelineEventCompensationFinished = hookz.Key("pipeline.compensation_finished")
)

// Pipeline modification errors.
var (
	ErrStepNotFound  = errors.New("step not found")
	ErrEmptyPipeline = errors.New("pipeline is empty")
)

// Direction identifies which actions a pipeline run executes.
type Direction string

// Directions.
const (
	DirectionApply   Direction = "apply"
	DirectionReverse Direction = "reverse"
)

// Opposite returns the direction that undoes d.
func (d Direction) Opposite() Direction {
	if d == DirectionApply {
		return DirectionReverse
	}
	return DirectionApply
}

// PipelineEvent describes pipeline progress. It is emitted via hookz after
// every step and around every compensation run.
type PipelineEvent struct {
	Name           Name          // Pipeline name
	Direction      Direction     // Direction of the step, or of the compensation run
	StepName       Name          // Step name (step events)
	StepNumber     int           // 1-based position of the step in the pipeline
	TotalSteps     int           // Steps in the pipeline
	Success        bool          // Whether the step or compensation succeeded
	Error          error         // Step or compensation error
	Cause          error         // Failure that triggered compensation (compensation events)
	Compensating   bool          // Step ran as part of a compensation run
	CompletedSteps int           // Steps being undone (compensation events)
	Duration       time.Duration // How long the step or compensation took
	Timestamp      time.Time     // When the event occurred
}

// Pipeline is an ordered list of reversible steps that run as a unit.
//
// Apply runs every step's forward action in registration order, threading the
// value from one step to the next. Reverse runs every step's backward action
// in the opposite order. Both work on a clone of the caller's value.
//
// # Compensation
//
// When a classifier is configured with CompensateOn and a step fails with a
// matching error, the pipeline undoes the steps that already succeeded before
// returning the error:
//
//   - Apply failing on step k runs the backward actions of steps k-1..1.
//   - Reverse failing on step k runs the forward actions of steps k+1..N.
//
// The returned error is always the step's own error. If the compensation run
// itself fails, its error is returned instead and nothing further is attempted.
// Errors the classifier does not match are returned at once.
//
// # Composition
//
// A *Pipeline[T] is itself Reversible[T] and can be registered as a step of
// another pipeline. Its steps then run as one unit, with its own compensation
// policy:
//
//	base := sagaz.NewPipeline("base", createNetwork)
//	app := sagaz.NewPipeline("app", base, createServer)
//	// Apply: createNetwork, createServer. Reverse: createServer, createNetwork.
//
// # Concurrency
//
// A built pipeline can be used from multiple goroutines. Each call snapshots
// the step list, so modifying the pipeline never affects a call in flight.
// Steps always run sequentially on the calling goroutine.
//
// # Observability
//
// Metrics:
//   - pipeline.apply.total / pipeline.reverse.total: Counters of outermost calls
//   - pipeline.successes.total / pipeline.failures.total: Counters of outcomes
//   - pipeline.compensations.total: Counter of compensation runs
//   - pipeline.compensation_failures.total: Counter of compensation runs that failed
//   - pipeline.steps.executed.total: Counter of step actions invoked
//   - pipeline.steps.completed: Gauge of steps completed by the last call
//   - pipeline.steps.total: Gauge of registered steps
//   - pipeline.duration.ms: Gauge of the last call's duration
//
// Traces:
//   - pipeline.apply / pipeline.reverse: Span for the whole call
//   - pipeline.step: Child span for each step
//   - pipeline.compensate: Child span for a compensation run
//
// Events (via hooks):
//   - pipeline.step_complete: Fired after every step, successful or not
//   - pipeline.compensation_started / pipeline.compensation_finished
type Pipeline[T Cloner[T]] struct {
	name     Name
	steps    []Reversible[T]
	classify Classifier
	clock    clockz.Clock
	mu       sync.RWMutex
	metrics  *metricz.Registry
	tracer   *tracez.Tracer
	hooks    *hookz.Hooks[PipelineEvent]
}

// NewPipeline creates a Pipeline with optional initial steps. Steps run in
// the order given. The pipeline does not compensate until CompensateOn is
// called.
func NewPipeline[T Cloner[T]](name Name, steps ...Reversible[T]) *Pipeline[T] {
	metrics := metricz.New()
	metrics.Counter(PipelineApplyTotal)
	metrics.Counter(PipelineReverseTotal)
	metrics.Counter(PipelineSuccessesTotal)
	metrics.Counter(PipelineFailuresTotal)
	metrics.Counter(PipelineCompensationsTotal)
	metrics.Counter(PipelineCompensationFailuresTotal)
	metrics.Counter(PipelineStepsExecutedTotal)
	metrics.Gauge(PipelineStepsCompleted)
	metrics.Gauge(PipelineStepsTotal)
	metrics.Gauge(PipelineDurationMs)

	return &Pipeline[T]{
		name:    name,
		steps:   slices.Clone(steps),
		metrics: metrics,
		tracer:  tracez.New(),
		hooks:   hookz.New[PipelineEvent](),
	}
}

// CompensateOn sets the classifier deciding which step failures trigger
// compensation. Passing nil disables compensation.
func (p *Pipeline[T]) CompensateOn(classify Classifier) *Pipeline[T] {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.classify = classify
	return p
}

// WithClock sets a custom clock for testing.
func (p *Pipeline[T]) WithClock(clock clockz.Clock) *Pipeline[T] {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clock = clock
	return p
}

// Apply runs every step forward on a clone of value.
//
// On failure the returned value is the one held when the error surfaced:
// the restored value if compensation ran, the partially transformed value
// otherwise.
func (p *Pipeline[T]) Apply(ctx context.Context, value T) (T, error) {
	return p.execute(ctx, DirectionApply, value)
}

// Reverse runs every step backward, last step first, on a clone of value.
func (p *Pipeline[T]) Reverse(ctx context.Context, value T) (T, error) {
	return p.execute(ctx, DirectionReverse, value)
}

func (p *Pipeline[T]) execute(ctx context.Context, dir Direction, value T) (result T, err error) {
	if ctx == nil {
		ctx = context.Background()
	}

	p.mu.RLock()
	r := &run[T]{
		pipeline: p,
		steps:    slices.Clone(p.steps),
		classify: p.classify,
		clock:    p.getClock(),
	}
	p.mu.RUnlock()

	spanKey := PipelineApplySpan
	if dir == DirectionApply {
		p.metrics.Counter(PipelineApplyTotal).Inc()
	} else {
		spanKey = PipelineReverseSpan
		p.metrics.Counter(PipelineReverseTotal).Inc()
	}
	p.metrics.Gauge(PipelineStepsTotal).Set(float64(len(r.steps)))
	start := r.clock.Now()

	ctx, span := p.tracer.StartSpan(ctx, spanKey)
	span.SetTag(PipelineTagDirection, string(dir))
	span.SetTag(PipelineTagStepCount, strconv.Itoa(len(r.steps)))
	defer func() {
		p.metrics.Gauge(PipelineDurationMs).Set(float64(r.clock.Since(start).Milliseconds()))
		p.metrics.Gauge(PipelineStepsCompleted).Set(float64(r.completed))
		span.SetTag(PipelineTagCompensated, strconv.FormatBool(r.compensated))
		if err == nil {
			span.SetTag(PipelineTagSuccess, "true")
			p.metrics.Counter(PipelineSuccessesTotal).Inc()
		} else {
			span.SetTag(PipelineTagSuccess, "false")
			span.SetTag(PipelineTagError, err.Error())
			p.metrics.Counter(PipelineFailuresTotal).Inc()
		}
		span.Finish()
	}()

	if dir == DirectionApply {
		return r.apply(ctx, value, len(r.steps))
	}
	return r.reverse(ctx, value, len(r.steps))
}

// run holds the state of one outermost Apply or Reverse call.
type run[T Cloner[T]] struct {
	pipeline     *Pipeline[T]
	steps        []Reversible[T]
	classify     Classifier
	clock        clockz.Clock
	completed    int
	compensating bool
	compensated  bool
}

// apply runs the forward actions of the last count steps. Only the call
// covering every step may compensate; calls made while compensating cover
// fewer steps and return failures as they are.
func (r *run[T]) apply(ctx context.Context, value T, count int) (T, error) {
	acc := value.Clone()
	applied := 0
	outermost := count == len(r.steps)

	for i := len(r.steps) - count; i < len(r.steps); i++ {
		next, err := r.step(ctx, DirectionApply, i, acc)
		if err != nil {
			if outermost && r.classify.matches(err) {
				return r.compensate(ctx, DirectionApply, acc, applied, err)
			}
			return acc, err
		}
		acc = next
		applied++
		if outermost {
			r.completed = applied
		}
	}
	return acc, nil
}

// reverse runs the backward actions of the first count steps, last first.
func (r *run[T]) reverse(ctx context.Context, value T, count int) (T, error) {
	acc := value.Clone()
	reversed := 0
	outermost := count == len(r.steps)

	for i := count - 1; i >= 0; i-- {
		next, err := r.step(ctx, DirectionReverse, i, acc)
		if err != nil {
			if outermost && r.classify.matches(err) {
				return r.compensate(ctx, DirectionReverse, acc, reversed, err)
			}
			return acc, err
		}
		acc = next
		reversed++
		if outermost {
			r.completed = reversed
		}
	}
	return acc, nil
}

// compensate undoes the completed steps of a failed run in the opposite
// direction and returns cause, or the compensation's own error.
func (r *run[T]) compensate(ctx context.Context, failed Direction, acc T, completed int, cause error) (T, error) {
	p := r.pipeline
	r.compensating = true
	r.compensated = true
	defer func() { r.compensating = false }()

	p.metrics.Counter(PipelineCompensationsTotal).Inc()
	ctx, span := p.tracer.StartSpan(ctx, PipelineCompensateSpan)
	span.SetTag(PipelineTagDirection, string(failed.Opposite()))
	span.SetTag(PipelineTagStepCount, strconv.Itoa(completed))
	defer span.Finish()

	_ = p.hooks.Emit(ctx, PipelineEventCompensationStarted, PipelineEvent{ //nolint:errcheck
		Name:           p.name,
		Direction:      failed.Opposite(),
		TotalSteps:     len(r.steps),
		Cause:          cause,
		CompletedSteps: completed,
		Timestamp:      r.clock.Now(),
	})

	start := r.clock.Now()
	var restored T
	var err error
	if failed == DirectionApply {
		restored, err = r.reverse(ctx, acc, completed)
	} else {
		restored, err = r.apply(ctx, acc, completed)
	}

	_ = p.hooks.Emit(ctx, PipelineEventCompensationFinished, PipelineEvent{ //nolint:errcheck
		Name:           p.name,
		Direction:      failed.Opposite(),
		TotalSteps:     len(r.steps),
		Success:        err == nil,
		Error:          err,
		Cause:          cause,
		CompletedSteps: completed,
		Duration:       r.clock.Since(start),
		Timestamp:      r.clock.Now(),
	})

	if err != nil {
		span.SetTag(PipelineTagSuccess, "false")
		span.SetTag(PipelineTagError, err.Error())
		p.metrics.Counter(PipelineCompensationFailuresTotal).Inc()
		return restored, err
	}
	span.SetTag(PipelineTagSuccess, "true")
	return restored, cause
}

// step runs one action of the step at index.
func (r *run[T]) step(ctx context.Context, dir Direction, index int, value T) (T, error) {
	p := r.pipeline
	s := r.steps[index]

	stepCtx, span := p.tracer.StartSpan(ctx, PipelineStepSpan)
	span.SetTag(PipelineTagDirection, string(dir))
	span.SetTag(PipelineTagStepNumber, strconv.Itoa(index+1))
	span.SetTag(PipelineTagStepName, s.Name())

	p.metrics.Counter(PipelineStepsExecutedTotal).Inc()
	start := r.clock.Now()
	result, err := invoke(stepCtx, dir, s, value)
	duration := r.clock.Since(start)

	if err != nil {
		span.SetTag(PipelineTagSuccess, "false")
		span.SetTag(PipelineTagError, err.Error())
	} else {
		span.SetTag(PipelineTagSuccess, "true")
	}
	span.Finish()

	_ = p.hooks.Emit(ctx, PipelineEventStepComplete, PipelineEvent{ //nolint:errcheck
		Name:         p.name,
		Direction:    dir,
		StepName:     s.Name(),
		StepNumber:   index + 1,
		TotalSteps:   len(r.steps),
		Success:      err == nil,
		Error:        err,
		Compensating: r.compensating,
		Duration:     duration,
		Timestamp:    r.clock.Now(),
	})

	return result, err
}

func invoke[T any](ctx context.Context, dir Direction, s Reversible[T], value T) (result T, err error) {
	defer recoverFromPanic(&err, s.Name())
	if dir == DirectionApply {
		return s.Apply(ctx, value)
	}
	return s.Reverse(ctx, value)
}

// Register adds steps to the end of the pipeline.
//
//	pipeline := sagaz.NewPipeline[Account]("provision")
//	pipeline.Register(createBucket)
//	pipeline.Register(createUser, grantAccess)
func (p *Pipeline[T]) Register(steps ...Reversible[T]) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.steps = append(p.steps, steps...)
}

// Len returns the number of steps in the pipeline.
func (p *Pipeline[T]) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.steps)
}

// Clear removes all steps from the pipeline.
func (p *Pipeline[T]) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.steps = nil
}

// Unshift adds steps to the front of the pipeline (applied first, reversed last).
func (p *Pipeline[T]) Unshift(steps ...Reversible[T]) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.steps = slices.Insert(p.steps, 0, steps...)
}

// Push adds steps to the back of the pipeline (applied last, reversed first).
func (p *Pipeline[T]) Push(steps ...Reversible[T]) {
	p.Register(steps...)
}

// Shift removes and returns the first step.
func (p *Pipeline[T]) Shift() (Reversible[T], error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.steps) == 0 {
		return nil, ErrEmptyPipeline
	}
	step := p.steps[0]
	p.steps = slices.Delete(p.steps, 0, 1)
	return step, nil
}

// Pop removes and returns the last step.
func (p *Pipeline[T]) Pop() (Reversible[T], error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.steps) == 0 {
		return nil, ErrEmptyPipeline
	}
	last := len(p.steps) - 1
	step := p.steps[last]
	p.steps = p.steps[:last]
	return step, nil
}

// Names returns the names of all steps in order.
func (p *Pipeline[T]) Names() []Name {
	p.mu.RLock()
	defer p.mu.RUnlock()

	names := make([]Name, len(p.steps))
	for i, step := range p.steps {
		names[i] = step.Name()
	}
	return names
}

// Remove removes the first step with the specified name.
func (p *Pipeline[T]) Remove(name Name) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	i, err := p.indexOf(name)
	if err != nil {
		return err
	}
	p.steps = slices.Delete(p.steps, i, i+1)
	return nil
}

// Replace replaces the first step with the specified name.
func (p *Pipeline[T]) Replace(name Name, step Reversible[T]) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	i, err := p.indexOf(name)
	if err != nil {
		return err
	}
	p.steps[i] = step
	return nil
}

// After inserts steps after the first step with the specified name.
func (p *Pipeline[T]) After(afterName Name, steps ...Reversible[T]) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	i, err := p.indexOf(afterName)
	if err != nil {
		return err
	}
	p.steps = slices.Insert(p.steps, i+1, steps...)
	return nil
}

// Before inserts steps before the first step with the specified name.
func (p *Pipeline[T]) Before(beforeName Name, steps ...Reversible[T]) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	i, err := p.indexOf(beforeName)
	if err != nil {
		return err
	}
	p.steps = slices.Insert(p.steps, i, steps...)
	return nil
}

// indexOf must be called with p.mu held.
func (p *Pipeline[T]) indexOf(name Name) (int, error) {
	for i, step := range p.steps {
		if step.Name() == name {
			return i, nil
		}
	}
	return -1, fmt.Errorf("%w: %q", ErrStepNotFound, name)
}

// Name returns the name of this pipeline.
func (p *Pipeline[T]) Name() Name {
	return p.name
}

// Metrics returns the metrics registry for this pipeline.
func (p *Pipeline[T]) Metrics() *metricz.Registry {
	return p.metrics
}

// Tracer returns the tracer for this pipeline.
func (p *Pipeline[T]) Tracer() *tracez.Tracer {
	return p.tracer
}

// Close gracefully shuts down observability components.
func (p *Pipeline[T]) Close() error {
	if p.tracer != nil {
		p.tracer.Close()
	}
	p.hooks.Close()
	return nil
}

// OnStepComplete registers a handler called asynchronously after every step,
// whether it succeeded or failed.
func (p *Pipeline[T]) OnStepComplete(handler func(context.Context, PipelineEvent) error) error {
	_, err := p.hooks.Hook(PipelineEventStepComplete, handler)
	return err
}

// OnCompensationStarted registers a handler called asynchronously when a
// failure triggers compensation.
func (p *Pipeline[T]) OnCompensationStarted(handler func(context.Context, PipelineEvent) error) error {
	_, err := p.hooks.Hook(PipelineEventCompensationStarted, handler)
	return err
}

// OnCompensationFinished registers a handler called asynchronously when a
// compensation run ends, successfully or not.
func (p *Pipeline[T]) OnCompensationFinished(handler func(context.Context, PipelineEvent) error) error {
	_, err := p.hooks.Hook(PipelineEventCompensationFinished, handler)
	return err
}

// getClock returns the clock to use.
func (p *Pipeline[T]) getClock() clockz.Clock {
	if p.clock == nil {
		return clockz.RealClock
	}
	return p.clock
}
