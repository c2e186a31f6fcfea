package saga

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnwind_ReverseOrder(t *testing.T) {
	var s Stack
	var order []string
	for _, label := range []string{"registrar", "store", "search"} {
		s.Push(label, func(context.Context) error {
			order = append(order, label)
			return nil
		})
	}

	failures := s.Unwind(context.Background(), nil)
	assert.Empty(t, failures)
	assert.Equal(t, []string{"search", "store", "registrar"}, order)
	assert.Zero(t, s.Len())
}

func TestUnwind_ContinuesPastFailures(t *testing.T) {
	var s Stack
	var ran []string
	s.Push("first", func(context.Context) error { ran = append(ran, "first"); return nil })
	s.Push("broken", func(context.Context) error { return errors.New("search down") })
	s.Push("panics", func(context.Context) error { panic("boom") })
	s.Push("last", func(context.Context) error { ran = append(ran, "last"); return nil })

	var observed []string
	failures := s.Unwind(context.Background(), func(label string, _ error) {
		observed = append(observed, label)
	})

	require.Len(t, failures, 2)
	assert.Equal(t, "panics", failures[0].Label)
	assert.Equal(t, "broken", failures[1].Label)
	assert.Equal(t, []string{"last", "first"}, ran)
	assert.Equal(t, []string{"last", "panics", "broken", "first"}, observed)
}

func TestUnwind_IgnoresCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var s Stack
	s.Push("undo", func(ctx context.Context) error { return ctx.Err() })

	assert.Empty(t, s.Unwind(ctx, nil))
}

func TestPush_Concurrent(t *testing.T) {
	var s Stack
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Push("step", func(context.Context) error { return nil })
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, s.Len())

	s.Discard()
	assert.Zero(t, s.Len())
}
