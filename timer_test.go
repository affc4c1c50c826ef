package reactor

import (
	"reflect"
	"testing"
)

func TestTimerRegistryOrdersByTriggerThenID(t *testing.T) {
	tr := newTimerRegistry()
	var fired []string
	tr.schedule("b", 0, 100, 0, func() { fired = append(fired, "b") })
	tr.schedule("a", 0, 50, 0, func() { fired = append(fired, "a") })
	tr.schedule("c", 0, 50, 0, func() { fired = append(fired, "c") })

	for _, e := range tr.expired(50, nil) {
		e.fire()
	}
	want := []string{"a", "c"}
	if !reflect.DeepEqual(fired, want) {
		t.Errorf("expected insertion order %v to break same-trigger ties, got %v", want, fired)
	}

	for _, e := range tr.expired(100, nil) {
		e.fire()
	}
	if len(fired) != 3 {
		t.Fatalf("expected 3 fires, got %d", len(fired))
	}
	if fired[2] != "b" {
		t.Errorf("expected third fire to be %q, got %q", "b", fired[2])
	}
}

func TestTimerRegistryCancel(t *testing.T) {
	tr := newTimerRegistry()
	fired := false
	tr.schedule("k", 0, 10, 0, func() { fired = true })
	tr.cancel("k")
	for _, e := range tr.expired(100, nil) {
		e.fire()
	}
	if fired {
		t.Error("cancelled timer should not fire")
	}
}

func TestTimerRegistryRepeatingMergesMissedIntervals(t *testing.T) {
	tr := newTimerRegistry()
	count := 0
	merged := false
	tr.schedule("r", 0, 10, 10, func() { count++ })

	entries := tr.expired(1000, func(key any) { merged = true })
	for _, e := range entries {
		e.fire()
	}

	if count != 1 {
		t.Errorf("expected exactly one fire per expired() call even with many missed intervals, got %d", count)
	}
	if !merged {
		t.Error("expected onMerge to be invoked when intervals were skipped")
	}

	next, ok := tr.nextTrigger()
	if !ok {
		t.Fatal("repeating timer should be re-armed")
	}
	if next <= 1000 {
		t.Errorf("expected next trigger after 1000, got %d", next)
	}
}

func TestTimerRegistryRepeatingSingleIntervalDoesNotMerge(t *testing.T) {
	tr := newTimerRegistry()
	count := 0
	merged := false
	tr.schedule("r", 0, 10, 10, func() { count++ })

	entries := tr.expired(10, func(key any) { merged = true })
	for _, e := range entries {
		e.fire()
	}

	if count != 1 {
		t.Errorf("expected 1 fire, got %d", count)
	}
	if merged {
		t.Error("a single on-time interval must not report a merge")
	}

	next, ok := tr.nextTrigger()
	if !ok {
		t.Fatal("expected repeating timer to be re-armed")
	}
	if next != 20 {
		t.Errorf("expected next trigger at 20, got %d", next)
	}
}

func TestTimerRegistryNextTrigger(t *testing.T) {
	tr := newTimerRegistry()
	_, ok := tr.nextTrigger()
	if ok {
		t.Error("empty registry should report no next trigger")
	}

	tr.schedule("x", 0, 5, 0, func() {})
	next, ok := tr.nextTrigger()
	if !ok {
		t.Fatal("expected a next trigger")
	}
	if next != 5 {
		t.Errorf("expected 5, got %d", next)
	}
}
