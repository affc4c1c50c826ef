package reactor

import (
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/zoobzio/clockz"
)

func TestConcentratorFiresOnceAllInputsComplete(t *testing.T) {
	r := newTestReactor(t, clockz.NewFakeClock())
	c := NewConcentrator[int](r)

	a := NewDeferred[int](r)
	b := NewDeferred[int](r)
	if err := c.AddInput(a); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := c.AddInput(b); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	out := c.Output()
	got := make(chan []int, 1)
	_ = AddValueHandler(out, func(v []int) ([]int, error) { got <- v; return v, nil })
	_ = out.Terminate()

	_ = b.Callback(2)
	_ = a.Callback(1)

	select {
	case v := <-got:
		want := []int{1, 2}
		if !reflect.DeepEqual(v, want) {
			t.Errorf("expected results in input-position order %v, got %v", want, v)
		}
	case <-time.After(time.Second):
		t.Fatal("concentrator never fired")
	}
}

func TestConcentratorFirstErrorWins(t *testing.T) {
	r := newTestReactor(t, clockz.NewFakeClock())
	c := NewConcentrator[int](r)

	a := NewDeferred[int](r)
	b := NewDeferred[int](r)
	_ = c.AddInput(a)
	_ = c.AddInput(b)

	out := c.Output()
	got := make(chan error, 1)
	_ = AddErrorHandler(out, func(e error) ([]int, error) { got <- e; return nil, e })
	_ = out.Terminate()

	cause := errors.New("first failure")
	_ = a.Errback(cause)
	_ = b.Errback(errors.New("second failure, should be dropped"))

	select {
	case e := <-got:
		if e != cause {
			t.Errorf("expected %v, got %v", cause, e)
		}
	case <-time.After(time.Second):
		t.Fatal("concentrator never fired")
	}
}

func TestConcentratorOutputIsStableAcrossCalls(t *testing.T) {
	r := newTestReactor(t, clockz.NewFakeClock())
	c := NewConcentrator[int](r)
	a := NewDeferred[int](r)
	_ = c.AddInput(a)

	first := c.Output()
	_ = a.Callback(5)
	time.Sleep(20 * time.Millisecond)

	second := c.Output()
	if first != second {
		t.Error("Output() must return the same deferred on repeated calls")
	}
}
