package sagaz

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"testing"
)

func TestCompensation_ConcreteScenario(t *testing.T) {
	j := &journal{}
	special := &SpecialError{}
	pipeline := NewPipeline[Words](testPipeline,
		tracked(j, 1),
		NewStep("special",
			func(_ context.Context, w Words) (Words, error) { return w, special },
			func(_ context.Context, w Words) (Words, error) { return w, special },
		),
		tracked(j, 3),
	).CompensateOn(ErrorAs[*SpecialError]())
	defer pipeline.Close()

	t.Run("Apply", func(t *testing.T) {
		result, err := pipeline.Apply(context.Background(), nil)
		if err != special { //nolint:errorlint // the original error must surface
			t.Fatalf("expected the original SpecialError, got %v", err)
		}
		expected := []string{"create(1)", "destroy(1)"}
		if got := j.list(); !slices.Equal(got, expected) {
			t.Errorf("expected %v, got %v", expected, got)
		}
		if len(result) != 0 {
			t.Errorf("expected the restored value, got %v", result)
		}
	})

	t.Run("Reverse", func(t *testing.T) {
		j.entries = nil
		_, err := pipeline.Reverse(context.Background(), Words{"1", "3"})
		if err != special { //nolint:errorlint // the original error must surface
			t.Fatalf("expected the original SpecialError, got %v", err)
		}
		expected := []string{"destroy(3)", "create(3)"}
		if got := j.list(); !slices.Equal(got, expected) {
			t.Errorf("expected %v, got %v", expected, got)
		}
	})
}

func TestCompensation_PartialFailure(t *testing.T) {
	const steps = 5
	for k := 1; k <= steps; k++ {
		t.Run(fmt.Sprintf("Apply fails at %d", k), func(t *testing.T) {
			j := &journal{}
			pipeline := NewPipeline[Words](testPipeline).CompensateOn(ErrorIs(errPlain))
			defer pipeline.Close()
			for i := 1; i <= steps; i++ {
				if i == k {
					pipeline.Register(failing(j, i, errPlain, nil))
				} else {
					pipeline.Register(tracked(j, i))
				}
			}

			result, err := pipeline.Apply(context.Background(), Words{"seed"})
			if !errors.Is(err, errPlain) {
				t.Fatalf("expected errPlain, got %v", err)
			}

			var expected []string
			for i := 1; i <= k; i++ {
				expected = append(expected, fmt.Sprintf("create(%d)", i))
			}
			for i := k - 1; i >= 1; i-- {
				expected = append(expected, fmt.Sprintf("destroy(%d)", i))
			}
			if got := j.list(); !slices.Equal(got, expected) {
				t.Errorf("expected %v, got %v", expected, got)
			}
			if !slices.Equal(result, Words{"seed"}) {
				t.Errorf("expected restored value [seed], got %v", result)
			}
		})

		t.Run(fmt.Sprintf("Reverse fails at %d", k), func(t *testing.T) {
			j := &journal{}
			pipeline := NewPipeline[Words](testPipeline).CompensateOn(ErrorIs(errPlain))
			defer pipeline.Close()
			for i := 1; i <= steps; i++ {
				if i == k {
					pipeline.Register(failing(j, i, nil, errPlain))
				} else {
					pipeline.Register(tracked(j, i))
				}
			}

			_, err := pipeline.Reverse(context.Background(), nil)
			if !errors.Is(err, errPlain) {
				t.Fatalf("expected errPlain, got %v", err)
			}

			var expected []string
			for i := steps; i >= k; i-- {
				expected = append(expected, fmt.Sprintf("destroy(%d)", i))
			}
			for i := k + 1; i <= steps; i++ {
				expected = append(expected, fmt.Sprintf("create(%d)", i))
			}
			if got := j.list(); !slices.Equal(got, expected) {
				t.Errorf("expected %v, got %v", expected, got)
			}
		})
	}
}

func TestCompensation_FirstStepFails(t *testing.T) {
	j := &journal{}
	pipeline := NewPipeline[Words](testPipeline,
		NewStep("first",
			func(_ context.Context, w Words) (Words, error) { return w, &SpecialError{} },
			func(_ context.Context, w Words) (Words, error) {
				j.add("destroy(1)")
				return w, nil
			},
		),
		NewStep("second",
			func(_ context.Context, w Words) (Words, error) {
				j.add("create(2)")
				return w, nil
			},
			func(_ context.Context, w Words) (Words, error) { return w, &SpecialError{} },
		),
	).CompensateOn(ErrorAs[*SpecialError]())
	defer pipeline.Close()

	if _, err := pipeline.Apply(context.Background(), nil); !errors.As(err, new(*SpecialError)) {
		t.Errorf("expected SpecialError from Apply, got %v", err)
	}
	if _, err := pipeline.Reverse(context.Background(), nil); !errors.As(err, new(*SpecialError)) {
		t.Errorf("expected SpecialError from Reverse, got %v", err)
	}
	if got := j.list(); len(got) != 0 {
		t.Errorf("expected no compensating actions, got %v", got)
	}
}

func TestCompensation_TerminationGuard(t *testing.T) {
	build := func(j *journal) *Pipeline[Words] {
		return NewPipeline[Words](testPipeline,
			NewStep("one",
				func(_ context.Context, w Words) (Words, error) {
					j.add("create(1)")
					return w, nil
				},
				func(_ context.Context, w Words) (Words, error) {
					return w, &SpecialError{Msg: "fail on down"}
				},
			),
			NewStep("two",
				func(_ context.Context, w Words) (Words, error) {
					return w, &SpecialError{Msg: "fail on up"}
				},
				func(_ context.Context, w Words) (Words, error) {
					j.add("destroy(2)")
					return w, nil
				},
			),
		).CompensateOn(ErrorAs[*SpecialError]())
	}

	t.Run("Apply", func(t *testing.T) {
		j := &journal{}
		pipeline := build(j)
		defer pipeline.Close()

		_, err := pipeline.Apply(context.Background(), nil)
		if err == nil || err.Error() != "fail on down" {
			t.Fatalf("expected the compensation error 'fail on down', got %v", err)
		}
		if got := j.list(); !slices.Equal(got, []string{"create(1)"}) {
			t.Errorf("expected a single create(1), got %v", got)
		}
		if n := pipeline.Metrics().Counter(PipelineCompensationsTotal).Value(); n != 1 {
			t.Errorf("expected exactly 1 compensation attempt, got %f", n)
		}
	})

	t.Run("Reverse", func(t *testing.T) {
		j := &journal{}
		pipeline := build(j)
		defer pipeline.Close()

		_, err := pipeline.Reverse(context.Background(), nil)
		if err == nil || err.Error() != "fail on up" {
			t.Fatalf("expected the compensation error 'fail on up', got %v", err)
		}
		if got := j.list(); !slices.Equal(got, []string{"destroy(2)"}) {
			t.Errorf("expected a single destroy(2), got %v", got)
		}
		if n := pipeline.Metrics().Counter(PipelineCompensationsTotal).Value(); n != 1 {
			t.Errorf("expected exactly 1 compensation attempt, got %f", n)
		}
	})
}

func TestCompensation_Classification(t *testing.T) {
	t.Run("Unmatched Error Propagates Uncompensated", func(t *testing.T) {
		j := &journal{}
		pipeline := NewPipeline[Words](testPipeline,
			tracked(j, 1),
			failing(j, 2, errPlain, nil),
		).CompensateOn(ErrorAs[*SpecialError]())
		defer pipeline.Close()

		_, err := pipeline.Apply(context.Background(), nil)
		if err != errPlain { //nolint:errorlint // the original error must surface
			t.Fatalf("expected errPlain, got %v", err)
		}
		if j.count("destroy") != 0 {
			t.Errorf("expected no compensation, got %v", j.list())
		}
	})

	t.Run("Wrapped Error Matches And Surfaces Unchanged", func(t *testing.T) {
		j := &journal{}
		wrapped := fmt.Errorf("quota exceeded: %w", &SpecialError{})
		pipeline := NewPipeline[Words](testPipeline,
			tracked(j, 1),
			failing(j, 2, wrapped, nil),
		).CompensateOn(ErrorAs[*SpecialError]())
		defer pipeline.Close()

		_, err := pipeline.Apply(context.Background(), nil)
		if err != wrapped { //nolint:errorlint // the original error must surface
			t.Fatalf("expected the wrapped error itself, got %v", err)
		}
		if j.count("destroy(1)") != 1 {
			t.Errorf("expected step 1 to be compensated, got %v", j.list())
		}
	})

	t.Run("Interface Kind Matches Implementations", func(t *testing.T) {
		j := &journal{}
		pipeline := NewPipeline[Words](testPipeline,
			tracked(j, 1),
			failing(j, 2, timeoutError{}, nil),
		).CompensateOn(ErrorAs[temporary]())
		defer pipeline.Close()

		if _, err := pipeline.Apply(context.Background(), nil); err == nil {
			t.Fatal("expected an error")
		}
		if j.count("destroy(1)") != 1 {
			t.Errorf("expected step 1 to be compensated, got %v", j.list())
		}
	})

	t.Run("Disabled With Nil", func(t *testing.T) {
		j := &journal{}
		pipeline := NewPipeline[Words](testPipeline,
			tracked(j, 1),
			failing(j, 2, errPlain, nil),
		).CompensateOn(AnyError()).CompensateOn(nil)
		defer pipeline.Close()

		if _, err := pipeline.Apply(context.Background(), nil); err == nil {
			t.Fatal("expected an error")
		}
		if j.count("destroy") != 0 {
			t.Errorf("expected no compensation, got %v", j.list())
		}
	})

	t.Run("Panic Is Compensable", func(t *testing.T) {
		j := &journal{}
		pipeline := NewPipeline[Words](testPipeline,
			tracked(j, 1),
			NewStep("explode", func(_ context.Context, _ Words) (Words, error) { panic("boom") }, nil),
		).CompensateOn(ErrorAs[*PanicError]())
		defer pipeline.Close()

		_, err := pipeline.Apply(context.Background(), nil)
		var panicErr *PanicError
		if !errors.As(err, &panicErr) {
			t.Fatalf("expected *PanicError, got %v", err)
		}
		if j.count("destroy(1)") != 1 {
			t.Errorf("expected step 1 to be compensated, got %v", j.list())
		}
	})
}

func TestCompensation_UnmatchedErrorDuringCompensation(t *testing.T) {
	j := &journal{}
	pipeline := NewPipeline[Words](testPipeline,
		tracked(j, 1),
		failing(j, 2, nil, errPlain),
		failing(j, 3, &SpecialError{}, nil),
	).CompensateOn(ErrorAs[*SpecialError]())
	defer pipeline.Close()

	_, err := pipeline.Apply(context.Background(), nil)
	if err != errPlain { //nolint:errorlint // the compensation error must surface
		t.Fatalf("expected the compensation error, got %v", err)
	}
	expected := []string{"create(1)", "create(2)", "create(3)", "destroy(2)"}
	if got := j.list(); !slices.Equal(got, expected) {
		t.Errorf("expected %v, got %v", expected, got)
	}
	if n := pipeline.Metrics().Counter(PipelineCompensationFailuresTotal).Value(); n != 1 {
		t.Errorf("expected 1 failed compensation, got %f", n)
	}
}
