package reactor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/zoobzio/clockz"
)

func TestRunThreadReturnsResultOnReactorThread(t *testing.T) {
	r := newTestReactor(t, clockz.NewFakeClock())
	task := NewThreadable(func(_ context.Context, n int) (int, error) {
		return n * 2, nil
	})

	d := RunThread(r, task, 21)
	got := make(chan int, 1)
	_ = AddValueHandler(d, func(v int) (int, error) { got <- v; return v, nil })
	_ = d.Terminate()

	select {
	case v := <-got:
		if v != 42 {
			t.Errorf("expected 42, got %d", v)
		}
	case <-time.After(time.Second):
		t.Fatal("task never completed")
	}
}

func TestRunThreadPropagatesTaskError(t *testing.T) {
	r := newTestReactor(t, clockz.NewFakeClock())
	cause := errors.New("task failed")
	task := NewThreadable(func(_ context.Context, _ int) (int, error) {
		return 0, cause
	})

	d := RunThread(r, task, 1)
	got := make(chan error, 1)
	_ = AddErrorHandler(d, func(e error) (int, error) { got <- e; return 0, e })
	_ = d.Terminate()

	select {
	case e := <-got:
		if e != cause {
			t.Errorf("expected %v, got %v", cause, e)
		}
	case <-time.After(time.Second):
		t.Fatal("task never completed")
	}
}

func TestRunThreadRejectsConcurrentSameTask(t *testing.T) {
	r := newTestReactor(t, clockz.NewFakeClock())
	release := make(chan struct{})
	task := NewThreadable(func(ctx context.Context, _ int) (int, error) {
		<-release
		return 0, nil
	})

	first := RunThread(r, task, 1)
	first.Discard()
	time.Sleep(20 * time.Millisecond) // let the worker pick up the first task

	second := RunThread(r, task, 2)
	got := make(chan error, 1)
	_ = AddErrorHandler(second, func(e error) (int, error) { got <- e; return 0, e })
	_ = second.Terminate()

	select {
	case e := <-got:
		if !errors.Is(e, ErrTaskRunning) {
			t.Errorf("expected ErrTaskRunning, got %v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("second RunThread never resolved")
	}
	close(release)
}

func TestRunThreadTimeoutCancelsTask(t *testing.T) {
	clock := clockz.NewFakeClock()
	r := newTestReactor(t, clock)

	cancelled := make(chan struct{}, 1)
	task := NewThreadable(func(ctx context.Context, _ int) (int, error) {
		<-ctx.Done()
		cancelled <- struct{}{}
		return 0, ctx.Err()
	})

	d := RunThreadTimeout(r, task, 1, 50*time.Millisecond)
	got := make(chan error, 1)
	_ = AddErrorHandler(d, func(e error) (int, error) { got <- e; return 0, e })
	_ = d.Terminate()

	clock.Advance(100 * time.Millisecond)
	clock.BlockUntilReady()

	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("task was never interrupted")
	}
	select {
	case e := <-got:
		if !errors.Is(e, ErrTimedOut) {
			t.Errorf("expected ErrTimedOut, got %v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("deferred never resolved with timeout")
	}
}

func TestRunThreadWhenReactorNotRunningFailsFast(t *testing.T) {
	r := New()
	task := NewThreadable(func(_ context.Context, n int) (int, error) { return n, nil })
	d := RunThread(r, task, 1)

	// The reactor loop is never started, so nothing will ever drain d's
	// chain; runThread's "not running" guard triggers Errback synchronously
	// before returning, which is what we check directly here.
	d.mu.Lock()
	state, err := d.state, d.err
	d.mu.Unlock()

	if state != HasError {
		t.Errorf("expected HasError, got %v", state)
	}
	if !errors.Is(err, ErrNotRunning) {
		t.Errorf("expected ErrNotRunning, got %v", err)
	}
}
