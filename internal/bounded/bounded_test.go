package bounded

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

func TestRunResolves(t *testing.T) {
	got, err := Run(context.Background(), Options{}, func(ctx context.Context, s *Settler[int]) error {
		go s.Resolve(42)
		return nil
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got != 42 {
		t.Fatalf("got %d, want 42", got)
	}
}

func TestRunRejects(t *testing.T) {
	boom := errors.New("boom")
	_, err := Run(context.Background(), Options{}, func(ctx context.Context, s *Settler[string]) error {
		s.Reject(boom)
		return nil
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want %v", err, boom)
	}
}

func TestRunWorkErrorRejects(t *testing.T) {
	boom := errors.New("sync failure")
	_, err := Run(context.Background(), Options{}, func(ctx context.Context, s *Settler[string]) error {
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want %v", err, boom)
	}
}

func TestRunPanicRejects(t *testing.T) {
	_, err := Run(context.Background(), Options{}, func(ctx context.Context, s *Settler[string]) error {
		panic("kaboom")
	})
	if err == nil {
		t.Fatal("expected error from panicking work")
	}
}

func TestRunSettlesOnce(t *testing.T) {
	got, err := Run(context.Background(), Options{}, func(ctx context.Context, s *Settler[int]) error {
		s.Resolve(1)
		s.Reject(errors.New("late"))
		s.Resolve(2)
		return nil
	})
	if err != nil || got != 1 {
		t.Fatalf("got (%d, %v), want (1, nil)", got, err)
	}
}

func TestRunTimeoutAbortsWork(t *testing.T) {
	clk := clockwork.NewFakeClock()
	aborted := make(chan error, 1)

	type result struct {
		err error
	}
	out := make(chan result, 1)
	go func() {
		_, err := Run(context.Background(), Options{Timeout: 5 * time.Second, Clock: clk},
			func(ctx context.Context, s *Settler[int]) error {
				go func() {
					<-ctx.Done()
					aborted <- ctx.Err()
				}()
				return nil
			})
		out <- result{err: err}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := clk.BlockUntilContext(ctx, 1); err != nil {
		t.Fatalf("timer never armed: %v", err)
	}
	clk.Advance(5 * time.Second)

	select {
	case r := <-out:
		if !errors.Is(r.err, ErrTimeout) {
			t.Fatalf("err = %v, want ErrTimeout", r.err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not time out")
	}
	select {
	case err := <-aborted:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("abort signal = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("work context was not cancelled on timeout")
	}
}

func TestRunDefaultTimeout(t *testing.T) {
	clk := clockwork.NewFakeClock()
	out := make(chan error, 1)
	go func() {
		_, err := Run(context.Background(), Options{Clock: clk},
			func(ctx context.Context, s *Settler[int]) error { return nil })
		out <- err
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := clk.BlockUntilContext(ctx, 1); err != nil {
		t.Fatalf("timer never armed: %v", err)
	}
	clk.Advance(DefaultTimeout - time.Second)
	select {
	case err := <-out:
		t.Fatalf("settled early: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	clk.Advance(time.Second)
	select {
	case err := <-out:
		if !errors.Is(err, ErrTimeout) {
			t.Fatalf("err = %v, want ErrTimeout", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not time out at the default deadline")
	}
}

func TestRunParentCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Run(ctx, Options{}, func(ctx context.Context, s *Settler[int]) error { return nil })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}
