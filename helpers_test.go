package sagaz

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
)

// Words is a slice value used across tests; Clone makes a real copy so
// in-place mutation by a step is observable if cloning is skipped.
type Words []string

func (w Words) Clone() Words {
	return slices.Clone(w)
}

// Text is a plain string value.
type Text string

func (t Text) Clone() Text {
	return t
}

// SpecialError is the compensable error kind used in compensation tests.
type SpecialError struct {
	Msg string
}

func (e *SpecialError) Error() string {
	if e.Msg == "" {
		return "special error"
	}
	return e.Msg
}

var errPlain = errors.New("plain failure")

// journal records side effects of test steps in order.
type journal struct {
	mu      sync.Mutex
	entries []string
}

func (j *journal) add(format string, args ...any) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, fmt.Sprintf(format, args...))
}

func (j *journal) list() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return slices.Clone(j.entries)
}

func (j *journal) count(prefix string) int {
	n := 0
	for _, e := range j.list() {
		if strings.HasPrefix(e, prefix) {
			n++
		}
	}
	return n
}

// tracked builds a step that journals "create(n)" forward and "destroy(n)"
// backward, appending and removing n from the value.
func tracked(j *journal, n int) Step[Words] {
	item := fmt.Sprint(n)
	return NewStep(Name("step-"+item),
		func(_ context.Context, w Words) (Words, error) {
			j.add("create(%d)", n)
			return append(w, item), nil
		},
		func(_ context.Context, w Words) (Words, error) {
			j.add("destroy(%d)", n)
			return slices.DeleteFunc(w, func(s string) bool { return s == item }), nil
		},
	)
}

// failing builds a step whose actions journal and then fail with the given
// errors. A nil error makes that direction succeed.
func failing(j *journal, n int, applyErr, reverseErr error) Step[Words] {
	return NewStep(Name(fmt.Sprintf("failing-%d", n)),
		func(_ context.Context, w Words) (Words, error) {
			j.add("create(%d)", n)
			if applyErr != nil {
				return w, applyErr
			}
			return w, nil
		},
		func(_ context.Context, w Words) (Words, error) {
			j.add("destroy(%d)", n)
			if reverseErr != nil {
				return w, reverseErr
			}
			return w, nil
		},
	)
}
