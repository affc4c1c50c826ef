package reactor

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"
	"time"
)

// State is a Deferred's lifecycle stage (spec §3).
type State int

const (
	Pending State = iota
	HasValue
	HasError
	Completed
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case HasValue:
		return "has-value"
	case HasError:
		return "has-error"
	default:
		return "completed"
	}
}

// Deferred is a one-shot future carrying either a success value of type T or
// an error, with an ordered chain of handlers and an optional timeout
// (spec §3/§4.2). Deferred is constructed through NewDeferred, never directly.
type Deferred[T any] struct {
	mu     sync.Mutex
	r      *Reactor
	state  State
	value  any
	err    error
	chain  []Handler

	terminated bool
	ignoreNext bool
	hasTimeout bool

	createdAt     time.Time
	creationStack string
}

// NewDeferred creates a new, Pending deferred owned by r. It is the reactor
// factory operation from spec §4.1 ("newDeferred()"); Go's lack of generic
// methods pushes the type parameter onto a package-level constructor instead
// of a Reactor method, the same shape the teacher uses for NewContract[T]/
// NewSequence[T].
func NewDeferred[T any](r *Reactor) *Deferred[T] {
	d := &Deferred[T]{
		r:         r,
		createdAt: time.Now(),
	}
	if r != nil {
		if r.leakDebug {
			d.creationStack = string(debug.Stack())
		}
		r.registerLive()
	}
	runtime.SetFinalizer(d, finalizeDeferred[T])
	return d
}

// CallDeferred creates a new deferred already resolved with value v (spec
// §4.1 "callDeferred" reactor operation), for call sites that have a result
// in hand immediately rather than obtaining one asynchronously.
func CallDeferred[T any](r *Reactor, v T) *Deferred[T] {
	d := NewDeferred[T](r)
	_ = d.Callback(v)
	return d
}

// FailDeferred creates a new deferred already resolved with error e (spec
// §4.1 "failDeferred" reactor operation), symmetric to CallDeferred.
func FailDeferred[T any](r *Reactor, e error) *Deferred[T] {
	d := NewDeferred[T](r)
	_ = d.Errback(e)
	return d
}

// finalizeDeferred is the GC hook backing the leak detector (spec §4.2,
// §9 "finalize-based leak detector"): a deferred dropped while pending or
// unterminated is logged through the reactor's hooks/logger instead of
// silently vanishing.
func finalizeDeferred[T any](d *Deferred[T]) {
	d.mu.Lock()
	leaked := d.state != Completed
	state := d.state
	terminated := d.terminated
	d.mu.Unlock()
	if leaked && d.r != nil {
		d.r.reportLeak(LeakEvent{
			CreatedAt:     d.createdAt,
			CreationStack: d.creationStack,
			State:         state,
			Terminated:    terminated,
		})
	}
}

// AddHandler appends h to the chain. Fails with KindDoubleTerminate if the
// chain is already terminated (spec: "once terminated, no further handler
// may be appended").
func (d *Deferred[T]) AddHandler(h Handler) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.terminated {
		return wrapErr(KindDoubleTerminate, "addHandler after terminate", nil)
	}
	d.chain = append(d.chain, h)
	return nil
}

// AddValueHandler is shorthand for AddHandler(ValueHandler(fn)).
func AddValueHandler[T, U any](d *Deferred[T], fn func(T) (U, error)) error {
	return d.AddHandler(ValueHandler[T, U](fn))
}

// AddErrorHandler is shorthand for AddHandler(ErrorHandler(fn)).
func AddErrorHandler[T any](d *Deferred[T], fn func(error) (T, error)) error {
	return d.AddHandler(ErrorHandler[T](fn))
}

// Terminate closes the chain to further appends. If a terminal outcome is
// already latched, the deferred is enqueued for processing on the reactor
// thread.
func (d *Deferred[T]) Terminate() error {
	d.mu.Lock()
	if d.terminated {
		d.mu.Unlock()
		return wrapErr(KindDoubleTerminate, "terminate after terminate", nil)
	}
	d.terminated = true
	ready := d.state == HasValue || d.state == HasError
	d.mu.Unlock()
	if ready && d.r != nil {
		d.r.enqueueDeferred(d)
	}
	return nil
}

// Discard terminates the chain with a default terminal handler that logs any
// residual error instead of letting it surface as unhandled.
func (d *Deferred[T]) Discard() {
	_ = d.AddHandler(terminalHandler(
		func(v any) (any, error) { return v, nil },
		func(e any) (any, error) {
			if d.r != nil {
				d.r.logger.Warning(fmt.Sprintf("discarded deferred error: %v", e))
			}
			return nil, nil
		},
	))
	_ = d.Terminate()
}

// Callback triggers the deferred with a success value. Fails with
// KindDoubleTrigger if already triggered, except when a prior timeout has
// latched ignoreNext, in which case this call is silently absorbed exactly
// once (spec §4.2 timeout interaction).
func (d *Deferred[T]) Callback(v T) error {
	d.mu.Lock()
	if d.state != Pending {
		if d.ignoreNext {
			d.ignoreNext = false
			d.mu.Unlock()
			return nil
		}
		d.mu.Unlock()
		return wrapErr(KindDoubleTrigger, "callback on non-pending deferred", nil)
	}
	d.state = HasValue
	d.value = v
	terminated := d.terminated
	d.mu.Unlock()
	if d.r != nil {
		d.r.cancelTimeout(d)
	}
	if terminated && d.r != nil {
		d.r.enqueueDeferred(d)
	}
	return nil
}

// Errback triggers the deferred with a failure, symmetric to Callback.
func (d *Deferred[T]) Errback(e error) error {
	d.mu.Lock()
	if d.state != Pending {
		if d.ignoreNext {
			d.ignoreNext = false
			d.mu.Unlock()
			return nil
		}
		d.mu.Unlock()
		return wrapErr(KindDoubleTrigger, "errback on non-pending deferred", nil)
	}
	d.state = HasError
	d.err = e
	terminated := d.terminated
	d.mu.Unlock()
	if d.r != nil {
		d.r.cancelTimeout(d)
	}
	if terminated && d.r != nil {
		d.r.enqueueDeferred(d)
	}
	return nil
}

// SetTimeout schedules a one-shot timeout on this deferred. A second call
// replaces the first; ms <= 0 fires immediately.
func (d *Deferred[T]) SetTimeout(ms int64) error {
	if d.r == nil {
		return ErrNotRunning
	}
	d.mu.Lock()
	d.hasTimeout = true
	d.mu.Unlock()
	delay := time.Duration(ms) * time.Millisecond
	if ms <= 0 {
		delay = 0
	}
	return d.r.scheduleTimeout(d, delay, d.onTimeoutFire)
}

// CancelTimeout cancels any active timeout; a no-op if none is set.
func (d *Deferred[T]) CancelTimeout() {
	if d.r == nil {
		return
	}
	d.mu.Lock()
	d.hasTimeout = false
	d.mu.Unlock()
	d.r.cancelTimeout(d)
}

// onTimeoutFire is invoked on the reactor thread when this deferred's
// timeout expires before a producer trigger.
func (d *Deferred[T]) onTimeoutFire() {
	d.mu.Lock()
	if d.state != Pending {
		d.mu.Unlock()
		return
	}
	d.state = HasError
	d.err = ErrTimedOut
	d.ignoreNext = true
	terminated := d.terminated
	d.mu.Unlock()
	if terminated {
		d.r.enqueueDeferred(d)
	}
}

// Await synchronously blocks the calling (non-reactor) goroutine until the
// deferred reaches its terminal outcome. It appends its own terminal handler
// and terminates the chain, so the chain must not already be terminated; if
// it is, Await returns the KindDoubleTerminate error at once. This is spec's
// defer() operation, renamed because "defer" is a Go keyword. Calling it from
// the reactor's own goroutine fails fast with KindContextViolation rather
// than deadlocking.
func (d *Deferred[T]) Await() (T, error) {
	var zero T
	if d.r != nil && d.r.onReactorThread() {
		return zero, wrapErr(KindContextViolation, "Await called from reactor thread", nil)
	}
	done := make(chan struct{})
	var resV any
	var resErr error
	if err := d.AddHandler(terminalHandler(
		func(v any) (any, error) {
			resV = v
			close(done)
			return v, nil
		},
		func(e any) (any, error) {
			resErr = e.(error)
			close(done)
			return nil, e.(error)
		},
	)); err != nil {
		return zero, err
	}
	_ = d.Terminate()
	<-done
	if resErr != nil {
		return zero, resErr
	}
	if v, ok := resV.(T); ok {
		return v, nil
	}
	return zero, nil
}

// processChain walks the handler chain on the reactor thread (spec §4.2).
// If the reactor is not running, the active outcome is first forced to an
// error. Any panic escaping a handler leg becomes that leg's error,
// transitioning value->error without corrupting the walk.
func (d *Deferred[T]) processChain(reactorRunning bool, tracer tracerHandle) {
	span := tracer.start(chainProcessSpan)
	defer span.finish()

	d.mu.Lock()
	if !reactorRunning {
		d.state = HasError
		d.err = ErrNotRunning
	}
	chain := make([]Handler, len(d.chain))
	copy(chain, d.chain)
	isValue := d.state == HasValue
	var cur any
	var curErr error
	if isValue {
		cur = d.value
	} else {
		curErr = d.err
	}
	d.mu.Unlock()

	for _, h := range chain {
		var out any
		var hErr error
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					hErr = fmt.Errorf("handler panic: %v", rec)
				}
			}()
			if isValue {
				out, hErr = h.onValue(cur)
			} else {
				out, hErr = h.onError(curErr)
			}
		}()
		if hErr != nil {
			isValue = false
			curErr = hErr
		} else {
			isValue = true
			cur = out
		}
	}

	d.mu.Lock()
	d.state = Completed
	unhandled := !isValue
	finalErr := curErr
	d.mu.Unlock()
	runtime.SetFinalizer(d, nil)
	d.r.deregisterLive()

	if unhandled && finalErr != nil {
		d.r.reportUnhandledError(finalErr)
	}
}
