package bounded

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// DefaultTimeout applies when Options.Timeout is zero.
const DefaultTimeout = 60 * time.Second

// ErrTimeout is returned when the work did not settle before the deadline.
var ErrTimeout = errors.New("operation timed out")

// Options configure a single Run.
type Options struct {
	Timeout time.Duration
	Clock   clockwork.Clock
}

// Settler settles a Run exactly once. Later calls are ignored.
type Settler[T any] struct {
	once sync.Once
	done chan struct{}
	val  T
	err  error
}

// Resolve settles with v.
func (s *Settler[T]) Resolve(v T) { s.settle(v, nil) }

// Reject settles with err. A nil err is replaced so callers always see a failure.
func (s *Settler[T]) Reject(err error) {
	if err == nil {
		err = errors.New("rejected")
	}
	var zero T
	s.settle(zero, err)
}

// Done is closed once the Settler has settled.
func (s *Settler[T]) Done() <-chan struct{} { return s.done }

func (s *Settler[T]) settle(v T, err error) {
	s.once.Do(func() {
		s.val, s.err = v, err
		close(s.done)
	})
}

// Work starts the operation. Returning an error, or panicking, rejects it.
type Work[T any] func(ctx context.Context, s *Settler[T]) error

// Run executes work and waits for its settlement, the deadline, or ctx.
func Run[T any](ctx context.Context, opts Options, work Work[T]) (T, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	clk := opts.Clock
	if clk == nil {
		clk = clockwork.NewRealClock()
	}

	wctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s := &Settler[T]{done: make(chan struct{})}
	timer := clk.NewTimer(timeout)
	defer timer.Stop()

	go func() {
		defer func() {
			if r := recover(); r != nil {
				s.Reject(fmt.Errorf("bounded: work panicked: %v", r))
			}
		}()
		if err := work(wctx, s); err != nil {
			s.Reject(err)
		}
	}()

	select {
	case <-s.done:
	case <-timer.Chan():
		s.Reject(ErrTimeout)
	case <-ctx.Done():
		s.Reject(ctx.Err())
	}
	timer.Stop()
	cancel()
	return s.val, s.err
}
