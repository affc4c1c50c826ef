package reactor

import (
	"context"
	"time"

	"github.com/zoobzio/clockz"
)

// Clock is the reactor's external clock collaborator (spec §6): a time
// source, not itself a millisecond counter. The reactor wraps its clock in
// monotonicClock, anchored when New runs, to obtain milliseconds elapsed.
// It is satisfied by clockz.Clock, so clockz.RealClock drives production
// reactors and clockz.NewFakeClock() drives deterministic tests for timers,
// timeouts, and the worker pool's per-task deadline.
type Clock interface {
	// Now returns the underlying wall/fake time, for interop with clockz-based
	// APIs (After, WithTimeout, Since) used by the timer registry and worker pool.
	Now() time.Time
	After(d time.Duration) <-chan time.Time
	Since(t time.Time) time.Duration
	WithTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc)
}

// monotonicClock adapts a clockz.Clock into the spec's "milliseconds since
// init" contract by latching an origin at construction time.
type monotonicClock struct {
	clockz.Clock
	origin time.Time
}

// newMonotonicClock wraps c, anchoring the origin at the current reading.
// This is the reactor's init() per spec §6.
func newMonotonicClock(c clockz.Clock) *monotonicClock {
	return &monotonicClock{Clock: c, origin: c.Now()}
}

// nowMillis returns milliseconds elapsed since the clock was anchored,
// monotone non-decreasing per spec (clockz.Clock and clockz.FakeClock both
// guarantee non-decreasing readings; clockz.RealClock backs onto a monotonic
// time.Time reading so wall-clock jumps never move Since backward).
func (m *monotonicClock) nowMillis() int64 {
	return m.Since(m.origin).Milliseconds()
}
