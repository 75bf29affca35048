// Package testing provides test utilities and helpers for sagaz-based applications.
//
// This package includes mock steps, a call recorder for asserting execution
// order across steps, and chaos testing tools for compensation scenarios.
//
// Example usage:
//
//	func TestProvisioning(t *testing.T) {
//		rec := testing.NewRecorder()
//		create := testing.NewMockStep[Account](t, "create").WithRecorder(rec)
//		grant := testing.NewMockStep[Account](t, "grant").WithRecorder(rec).
//			WithApplyError(ErrQuota)
//
//		pipeline := sagaz.NewPipeline("provision", create, grant).
//			CompensateOn(sagaz.ErrorIs(ErrQuota))
//		_, err := pipeline.Apply(context.Background(), Account{})
//
//		testing.AssertCalls(t, rec, "create:apply", "grant:apply", "create:reverse")
//	}
package testing

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	mathrand "math/rand"
	"slices"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/zoobzio/sagaz"
)

// Recorder collects the calls made to every mock step sharing it, in the
// order they happened. Entries have the form "<step>:<direction>".
type Recorder struct {
	mu    sync.Mutex
	calls []string
}

// NewRecorder creates an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Record appends a call.
func (r *Recorder) Record(step sagaz.Name, dir sagaz.Direction) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, fmt.Sprintf("%s:%s", step, dir))
}

// Calls returns a copy of the recorded calls.
func (r *Recorder) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.calls)
}

// Reset clears the recorded calls.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = nil
}

// behavior configures one direction of a MockStep.
type behavior[T any] struct {
	fn       func(T) T
	err      error
	panicMsg string
}

// MockStep provides a configurable mock implementation of sagaz.Reversible[T].
// By default both directions pass their input through unchanged. It tracks
// calls per direction and provides assertion helpers for testing pipeline
// behavior.
type MockStep[T any] struct { //nolint:govet // fieldalignment: Test helper struct optimized for functionality over memory efficiency
	t            *testing.T
	name         string
	applyCount   int64
	reverseCount int64
	lastInput    T
	apply        behavior[T]
	reverse      behavior[T]
	recorder     *Recorder
	mu           sync.RWMutex
}

// NewMockStep creates a new mock step for testing.
func NewMockStep[T any](t *testing.T, name string) *MockStep[T] {
	return &MockStep[T]{
		t:    t,
		name: name,
	}
}

// WithRecorder makes the mock record its calls into rec.
func (m *MockStep[T]) WithRecorder(rec *Recorder) *MockStep[T] {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recorder = rec
	return m
}

// WithApply configures the forward action to transform its input with fn.
func (m *MockStep[T]) WithApply(fn func(T) T) *MockStep[T] {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.apply.fn = fn
	return m
}

// WithReverse configures the backward action to transform its input with fn.
func (m *MockStep[T]) WithReverse(fn func(T) T) *MockStep[T] {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reverse.fn = fn
	return m
}

// WithApplyError configures the forward action to fail with err.
func (m *MockStep[T]) WithApplyError(err error) *MockStep[T] {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.apply.err = err
	return m
}

// WithReverseError configures the backward action to fail with err.
func (m *MockStep[T]) WithReverseError(err error) *MockStep[T] {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reverse.err = err
	return m
}

// WithApplyPanic configures the forward action to panic with msg.
func (m *MockStep[T]) WithApplyPanic(msg string) *MockStep[T] {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.apply.panicMsg = msg
	return m
}

// WithReversePanic configures the backward action to panic with msg.
func (m *MockStep[T]) WithReversePanic(msg string) *MockStep[T] {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reverse.panicMsg = msg
	return m
}

// Name returns the name of the mock step.
func (m *MockStep[T]) Name() sagaz.Name {
	return m.name
}

// Apply implements sagaz.Reversible[T].
func (m *MockStep[T]) Apply(_ context.Context, value T) (T, error) {
	atomic.AddInt64(&m.applyCount, 1)
	return m.call(sagaz.DirectionApply, value)
}

// Reverse implements sagaz.Reversible[T].
func (m *MockStep[T]) Reverse(_ context.Context, value T) (T, error) {
	atomic.AddInt64(&m.reverseCount, 1)
	return m.call(sagaz.DirectionReverse, value)
}

func (m *MockStep[T]) call(dir sagaz.Direction, value T) (T, error) {
	m.mu.Lock()
	m.lastInput = value
	b := m.apply
	if dir == sagaz.DirectionReverse {
		b = m.reverse
	}
	rec := m.recorder
	m.mu.Unlock()

	if rec != nil {
		rec.Record(m.name, dir)
	}
	if b.panicMsg != "" {
		panic(b.panicMsg)
	}
	if b.err != nil {
		return value, b.err
	}
	if b.fn != nil {
		return b.fn(value), nil
	}
	return value, nil
}

// ApplyCount returns the number of times Apply has been called.
func (m *MockStep[T]) ApplyCount() int {
	return int(atomic.LoadInt64(&m.applyCount))
}

// ReverseCount returns the number of times Reverse has been called.
func (m *MockStep[T]) ReverseCount() int {
	return int(atomic.LoadInt64(&m.reverseCount))
}

// LastInput returns the input from the most recent call in either direction.
func (m *MockStep[T]) LastInput() T {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastInput
}

// Reset clears all call tracking.
func (m *MockStep[T]) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	atomic.StoreInt64(&m.applyCount, 0)
	atomic.StoreInt64(&m.reverseCount, 0)
	m.lastInput = *new(T)
}

// Assertion Helpers

// AssertApplied verifies that a mock step's forward action ran exactly n times.
func AssertApplied[T any](t *testing.T, mock *MockStep[T], expectedCalls int) {
	t.Helper()
	if actual := mock.ApplyCount(); actual != expectedCalls {
		t.Errorf("expected mock step %s to be applied %d times, but was applied %d times",
			mock.name, expectedCalls, actual)
	}
}

// AssertReversed verifies that a mock step's backward action ran exactly n times.
func AssertReversed[T any](t *testing.T, mock *MockStep[T], expectedCalls int) {
	t.Helper()
	if actual := mock.ReverseCount(); actual != expectedCalls {
		t.Errorf("expected mock step %s to be reversed %d times, but was reversed %d times",
			mock.name, expectedCalls, actual)
	}
}

// AssertUntouched verifies that a mock step never ran in either direction.
func AssertUntouched[T any](t *testing.T, mock *MockStep[T]) {
	t.Helper()
	AssertApplied(t, mock, 0)
	AssertReversed(t, mock, 0)
}

// AssertCalls verifies the exact sequence of calls captured by rec.
func AssertCalls(t *testing.T, rec *Recorder, expected ...string) {
	t.Helper()
	actual := rec.Calls()
	if !slices.Equal(actual, expected) {
		t.Errorf("expected calls %v, got %v", expected, actual)
	}
}

// ErrChaos is returned by ChaosStep when it injects a failure.
var ErrChaos = errors.New("chaos step induced failure")

// ChaosStep introduces controlled failures for chaos testing of compensation.
// It wraps another step and randomly fails either direction based on the
// configured rates.
type ChaosStep[T any] struct { //nolint:govet // fieldalignment: Test helper struct optimized for functionality over memory efficiency
	name        string
	wrapped     sagaz.Reversible[T]
	failureRate float64
	panicRate   float64
	rng         *mathrand.Rand
	mu          sync.Mutex
	totalCalls  int64
	failedCalls int64
	panicCalls  int64
}

// ChaosConfig holds configuration for chaos testing.
type ChaosConfig struct {
	FailureRate float64 // Probability of returning ErrChaos (0.0 to 1.0)
	PanicRate   float64 // Probability of panicking (0.0 to 1.0)
	Seed        int64   // Random seed for reproducible chaos (0 for random seed)
}

// NewChaosStep creates a chaos step that wraps another step.
func NewChaosStep[T any](name string, wrapped sagaz.Reversible[T], config ChaosConfig) *ChaosStep[T] {
	seed := config.Seed
	if seed == 0 {
		var seedBytes [8]byte
		if _, err := rand.Read(seedBytes[:]); err != nil {
			seed = 1
		} else {
			for _, b := range seedBytes {
				seed = seed<<8 | int64(b)
			}
		}
	}

	return &ChaosStep[T]{
		name:        name,
		wrapped:     wrapped,
		failureRate: config.FailureRate,
		panicRate:   config.PanicRate,
		rng:         mathrand.New(mathrand.NewSource(seed)), //nolint:gosec // G404: Test utility uses weak RNG for deterministic chaos scenarios
	}
}

// Name returns the name of the chaos step.
func (c *ChaosStep[T]) Name() sagaz.Name {
	return c.name
}

// Apply implements sagaz.Reversible[T] with chaos injection.
func (c *ChaosStep[T]) Apply(ctx context.Context, value T) (T, error) {
	if err := c.roll(); err != nil {
		return value, err
	}
	return c.wrapped.Apply(ctx, value)
}

// Reverse implements sagaz.Reversible[T] with chaos injection.
func (c *ChaosStep[T]) Reverse(ctx context.Context, value T) (T, error) {
	if err := c.roll(); err != nil {
		return value, err
	}
	return c.wrapped.Reverse(ctx, value)
}

func (c *ChaosStep[T]) roll() error {
	atomic.AddInt64(&c.totalCalls, 1)

	c.mu.Lock()
	doPanic := c.rng.Float64() < c.panicRate
	doFail := c.rng.Float64() < c.failureRate
	c.mu.Unlock()

	if doPanic {
		atomic.AddInt64(&c.panicCalls, 1)
		panic("chaos step induced panic")
	}
	if doFail {
		atomic.AddInt64(&c.failedCalls, 1)
		return ErrChaos
	}
	return nil
}

// Stats returns statistics about chaos injection.
func (c *ChaosStep[T]) Stats() ChaosStats {
	return ChaosStats{
		TotalCalls:  atomic.LoadInt64(&c.totalCalls),
		FailedCalls: atomic.LoadInt64(&c.failedCalls),
		PanicCalls:  atomic.LoadInt64(&c.panicCalls),
	}
}

// ChaosStats holds statistics about chaos injection.
type ChaosStats struct {
	TotalCalls  int64
	FailedCalls int64
	PanicCalls  int64
}

// FailureRate returns the actual failure rate observed.
func (s ChaosStats) FailureRate() float64 {
	if s.TotalCalls == 0 {
		return 0
	}
	return float64(s.FailedCalls) / float64(s.TotalCalls)
}

// String returns a human-readable representation of the stats.
func (s ChaosStats) String() string {
	return fmt.Sprintf("ChaosStats{Total: %d, Failed: %d (%.1f%%), Panics: %d}",
		s.TotalCalls, s.FailedCalls, s.FailureRate()*100, s.PanicCalls)
}

// ParallelTest runs a test function in parallel with multiple goroutines.
// Useful for testing concurrent use of a built pipeline.
func ParallelTest(t *testing.T, goroutines int, testFunc func(int)) {
	t.Helper()

	var wg sync.WaitGroup
	wg.Add(goroutines)

	for i := 0; i < goroutines; i++ {
		go func(id int) {
			defer wg.Done()
			testFunc(id)
		}(i)
	}

	wg.Wait()
}
