// Package saga holds the undo stack used to compensate partially applied work
// across stores that share no transaction.
package saga

import (
	"context"
	"fmt"
	"sync"
)

// UndoFunc reverts one applied effect.
type UndoFunc func(ctx context.Context) error

// Step is a labelled compensation.
type Step struct {
	Label string
	Undo  UndoFunc
}

// Failure records a compensation that could not be applied.
type Failure struct {
	Label string
	Err   error
}

// Stack is a LIFO of compensations. It is safe for concurrent Push.
type Stack struct {
	mu    sync.Mutex
	steps []Step
}

// Push registers the compensation for an effect that has been applied.
func (s *Stack) Push(label string, undo UndoFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps = append(s.steps, Step{Label: label, Undo: undo})
}

func (s *Stack) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.steps)
}

// Labels returns the step labels in push order.
func (s *Stack) Labels() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.steps))
	for i, st := range s.steps {
		out[i] = st.Label
	}
	return out
}

// Discard forgets every step. Used once the work it guards is committed.
func (s *Stack) Discard() {
	s.mu.Lock()
	s.steps = nil
	s.mu.Unlock()
}

// Unwind runs every step in reverse push order and empties the stack. A
// failing step does not stop the ones below it. observe, when non-nil, is
// called after each step. Steps run detached from ctx cancellation so a
// cancelled batch still reverts what it applied.
func (s *Stack) Unwind(ctx context.Context, observe func(label string, err error)) []Failure {
	s.mu.Lock()
	steps := s.steps
	s.steps = nil
	s.mu.Unlock()

	ctx = context.WithoutCancel(ctx)
	var failures []Failure
	for i := len(steps) - 1; i >= 0; i-- {
		err := run(ctx, steps[i].Undo)
		if observe != nil {
			observe(steps[i].Label, err)
		}
		if err != nil {
			failures = append(failures, Failure{Label: steps[i].Label, Err: err})
		}
	}
	return failures
}

func run(ctx context.Context, fn UndoFunc) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r}
		}
	}()
	return fn(ctx)
}

type panicError struct{ value any }

func (p *panicError) Error() string {
	return fmt.Sprintf("compensation panicked: %v", p.value)
}
