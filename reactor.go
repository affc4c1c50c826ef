package reactor

import (
	"context"
	"fmt"
	"regexp"
	"runtime"
	"sync"
	"time"

	"github.com/zoobzio/clockz"
	"github.com/zoobzio/hookz"
	"github.com/zoobzio/metricz"
	"github.com/zoobzio/tracez"
)

// RunState is the reactor's own lifecycle stage (spec §4.1), distinct from a
// Deferred's State.
type RunState int

const (
	Stopped RunState = iota
	Running
	Stopping
)

func (s RunState) String() string {
	switch s {
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	default:
		return "stopped"
	}
}

// Observability constants (spec §6), named the way the teacher names its
// per-connector constants.
const (
	MetricDeferredsCreated  = metricz.Key("reactor.deferreds.created")
	MetricDeferredsFired    = metricz.Key("reactor.deferreds.fired")
	MetricSignalsDelivered  = metricz.Key("reactor.signals.delivered")
	MetricTimersFired       = metricz.Key("reactor.timers.fired")
	MetricTasksRun          = metricz.Key("reactor.tasks.run")
	MetricLoopIterations    = metricz.Key("reactor.loop.iterations")
	MetricLeaksDetected     = metricz.Key("reactor.leaks.detected")
	MetricIdleWorkers       = metricz.Key("reactor.workers.idle")

	chainProcessSpan tracez.Key = "reactor.chain.process"
	signalDeliverSpan tracez.Key = "reactor.signal.deliver"
	loopIterationSpan tracez.Key = "reactor.loop.iteration"

	hookLeak            hookz.Key = "reactor.leak"
	hookUnhandledError  hookz.Key = "reactor.unhandled_error"
	hookStart           hookz.Key = "reactor.start"
	hookStop            hookz.Key = "reactor.stop"
)

// LeakEvent is emitted via hooks when a Deferred is garbage collected while
// still pending or unterminated (spec §9 "finalize-based leak detector").
type LeakEvent struct {
	CreatedAt     time.Time
	CreationStack string
	State         State
	Terminated    bool
	Timestamp     time.Time
}

// UnhandledErrorEvent is emitted when a deferred's chain completes without
// any handler converting the error leg back to a value (spec §4.2).
type UnhandledErrorEvent struct {
	Err       error
	Timestamp time.Time
}

// LifecycleEvent is emitted when the reactor's loop goroutine actually
// starts or stops running, via OnStart/OnStop.
type LifecycleEvent struct {
	State     RunState
	Timestamp time.Time
}

// tracerHandle adapts tracez.Tracer to the small start/finish shape the
// deferred and signal hot paths need, so those files stay decoupled from the
// tracez import. finish is captured as a closure rather than holding the
// live span's type directly, since that type is only ever used through
// type inference (`ctx, span := tracer.StartSpan(...)`) by the teacher.
type tracerHandle struct {
	tracer *tracez.Tracer
}

type spanHandle struct {
	finish func()
}

func (t tracerHandle) start(key tracez.Key) spanHandle {
	if t.tracer == nil {
		return spanHandle{finish: func() {}}
	}
	_, span := t.tracer.StartSpan(context.Background(), key)
	return spanHandle{finish: span.Finish}
}

// deferredEvent is a queued, ready-to-process deferred, erased to satisfy a
// single reactor-owned queue of mixed Deferred[T] types.
type deferredEvent interface {
	process(r *Reactor)
}

func (d *Deferred[T]) process(r *Reactor) {
	d.processChain(r.stateLocked() == Running, r.tracerHandle())
}

// signalEvent is a queued, ready-to-deliver broadcast, erased the same way.
type signalEvent interface {
	deliver(r *Reactor)
}

// Reactor is the single-threaded event loop driving Deferred, Signal, Timer,
// and Worker pool primitives (spec §2, §4.1). All mutating operations on the
// primitives above are safe to call from any goroutine; the loop itself runs
// on exactly one goroutine, started by Start.
type Reactor struct {
	mu    sync.Mutex
	state RunState

	signalQ   []signalEvent
	deferredQ []deferredEvent
	timers    *timerRegistry

	runningTasks   map[any]*worker
	completedTasks map[any]completion
	idleWorkers    []*worker
	nextWorkerID   uint64

	liveDeferreds int64

	wake      chan struct{}
	stopped   chan struct{}
	startedAt time.Time

	clock      clockz.Clock
	mono           *monotonicClock
	logger         *Logger
	leakDebug      bool
	maxSleep       time.Duration
	maxIdleWorkers int

	metrics        *metricz.Registry
	tracer         *tracez.Tracer
	hooks          *hookz.Hooks[LeakEvent]
	errHooks       *hookz.Hooks[UnhandledErrorEvent]
	lifecycleHooks *hookz.Hooks[LifecycleEvent]

	loopGoroutineID string
	shutdownSignal  *Signal[struct{}]
}

// Option configures a Reactor at construction time, following the teacher's
// functional-options convention (see e.g. NewTimeout's sibling connectors).
type Option func(*Reactor)

// WithClock overrides the reactor's clock collaborator; tests use
// clockz.NewFakeClock() to drive timers and timeouts deterministically.
func WithClock(c clockz.Clock) Option {
	return func(r *Reactor) { r.clock = c }
}

// WithLogger overrides the reactor's named logger (default: GetLogger("reactor")).
func WithLogger(l *Logger) Option {
	return func(r *Reactor) { r.logger = l }
}

// WithLeakDebug enables capturing a creation stack trace on every Deferred,
// surfaced on LeakEvent.CreationStack. Expensive; intended for diagnosing a
// suspected leak, not for steady-state production use.
func WithLeakDebug(enabled bool) Option {
	return func(r *Reactor) { r.leakDebug = enabled }
}

// WithMaxSleep bounds how long the loop may block waiting for work when no
// timer is armed (spec §4.1's "bounded or unbounded sleep" design note).
func WithMaxSleep(d time.Duration) Option {
	return func(r *Reactor) { r.maxSleep = d }
}

// WithMaxIdleWorkers caps how many idle worker goroutines the pool keeps
// warm; workers returned beyond the cap are terminated instead of recycled
// (spec §4.7 "worker-pool recycling"). Zero (the default) means unbounded.
func WithMaxIdleWorkers(n int) Option {
	return func(r *Reactor) { r.maxIdleWorkers = n }
}

// New constructs a Stopped reactor. Call Start to run its loop.
func New(opts ...Option) *Reactor {
	r := &Reactor{
		state:          Stopped,
		timers:         newTimerRegistry(),
		runningTasks:   make(map[any]*worker),
		completedTasks: make(map[any]completion),
		wake:           make(chan struct{}, 1),
		clock:          clockz.RealClock,
		logger:         GetLogger("reactor"),
		maxSleep:       5 * time.Second,
		metrics:        metricz.New(),
		tracer:         tracez.New(),
		hooks:          hookz.New[LeakEvent](),
		errHooks:       hookz.New[UnhandledErrorEvent](),
		lifecycleHooks: hookz.New[LifecycleEvent](),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.mono = newMonotonicClock(r.clock)

	r.metrics.Counter(MetricDeferredsCreated)
	r.metrics.Counter(MetricDeferredsFired)
	r.metrics.Counter(MetricSignalsDelivered)
	r.metrics.Counter(MetricTimersFired)
	r.metrics.Counter(MetricTasksRun)
	r.metrics.Counter(MetricLoopIterations)
	r.metrics.Counter(MetricLeaksDetected)
	r.metrics.Gauge(MetricIdleWorkers)

	return r
}

// Metrics exposes the reactor's metric registry (spec §6 "Metrics sink").
func (r *Reactor) Metrics() *metricz.Registry { return r.metrics }

// Tracer exposes the reactor's tracer (spec §6 "Tracer").
func (r *Reactor) Tracer() *tracez.Tracer { return r.tracer }

// Hooks exposes the leak-event hook stream (spec §9 leak detector).
func (r *Reactor) Hooks() *hookz.Hooks[LeakEvent] { return r.hooks }

// ErrorHooks exposes the unhandled-error hook stream (spec §4.2).
func (r *Reactor) ErrorHooks() *hookz.Hooks[UnhandledErrorEvent] { return r.errHooks }

// OnStart registers a handler invoked once the reactor's loop goroutine is
// running and ready to process work.
func (r *Reactor) OnStart(handler func(context.Context, LifecycleEvent) error) error {
	_, err := r.lifecycleHooks.Hook(hookStart, handler)
	return err
}

// OnStop registers a handler invoked once the reactor's loop goroutine has
// fully exited after Stop.
func (r *Reactor) OnStop(handler func(context.Context, LifecycleEvent) error) error {
	_, err := r.lifecycleHooks.Hook(hookStop, handler)
	return err
}

func (r *Reactor) tracerHandle() tracerHandle { return tracerHandle{tracer: r.tracer} }

func (r *Reactor) stateLocked() RunState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Start launches the loop goroutine. Fails with KindAlreadyRunning if the
// reactor is not Stopped.
func (r *Reactor) Start() error {
	r.mu.Lock()
	if r.state != Stopped {
		r.mu.Unlock()
		return wrapErr(KindAlreadyRunning, "reactor already running", nil)
	}
	r.state = Running
	r.startedAt = r.clock.Now()
	r.stopped = make(chan struct{})
	r.mu.Unlock()

	ready := make(chan struct{})
	go r.runLoop(ready)
	<-ready
	_ = r.lifecycleHooks.Emit(context.Background(), hookStart, LifecycleEvent{State: Running, Timestamp: time.Now()}) //nolint:errcheck
	return nil
}

// Stop requests an orderly shutdown (spec §4.1 shutdown sequence): new
// RunThread submissions are rejected, and the loop drains every queued signal,
// deferred, and expired timer at least once before halting, and every
// running worker is interrupted. Stop returns once the loop goroutine has
// exited.
func (r *Reactor) Stop() error {
	r.mu.Lock()
	if r.state != Running {
		r.mu.Unlock()
		return ErrNotRunning
	}
	r.state = Stopping
	sig := r.shutdownSignal
	r.mu.Unlock()
	if sig != nil {
		sig.SignalFinal(struct{}{})
	}
	r.interruptAllRunningWorkers()
	r.notify()
	<-r.stopped
	return nil
}

// interruptAllRunningWorkers cooperatively cancels every worker currently
// running a task, so Stop doesn't wait forever on a blocking RunThread call
// that never set its own timeout (spec §4.1/§4.7 shutdown interrupt step).
func (r *Reactor) interruptAllRunningWorkers() {
	r.mu.Lock()
	workers := make([]*worker, 0, len(r.runningTasks))
	for _, w := range r.runningTasks {
		workers = append(workers, w)
	}
	r.mu.Unlock()
	for _, w := range workers {
		w.interrupt()
	}
}

// Join blocks until the reactor has stopped.
func (r *Reactor) Join() {
	r.mu.Lock()
	ch := r.stopped
	r.mu.Unlock()
	if ch != nil {
		<-ch
	}
}

// Uptime returns how long the reactor has been running; zero if never started.
func (r *Reactor) Uptime() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.startedAt.IsZero() {
		return 0
	}
	return r.clock.Since(r.startedAt)
}

// State reports the reactor's current RunState.
func (r *Reactor) State() RunState { return r.stateLocked() }

var goroutineIDPattern = regexp.MustCompile(`^goroutine (\d+) `)

// currentGoroutineID extracts this goroutine's numeric ID from its own stack
// trace header. Go has no public goroutine-local storage or ID API; parsing
// runtime.Stack's "goroutine N [running]:" prefix is the idiomatic workaround
// used for exactly this kind of "am I running on thread X" check.
func currentGoroutineID() string {
	buf := make([]byte, 64)
	n := runtime.Stack(buf, false)
	m := goroutineIDPattern.FindSubmatch(buf[:n])
	if m == nil {
		return ""
	}
	return string(m[1])
}

// onReactorThread reports whether the calling goroutine is the loop
// goroutine, used by Deferred.Await to fail fast instead of deadlocking
// (spec §4.2).
func (r *Reactor) onReactorThread() bool {
	r.mu.Lock()
	id := r.loopGoroutineID
	r.mu.Unlock()
	return id != "" && id == currentGoroutineID()
}

func (r *Reactor) notify() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// runLoop is the reactor's single goroutine (spec §4.1). ready is closed once
// the loop has recorded its own goroutine ID and is ready to process work.
func (r *Reactor) runLoop(ready chan struct{}) {
	r.mu.Lock()
	r.loopGoroutineID = currentGoroutineID()
	r.mu.Unlock()
	close(ready)

	for {
		r.mu.Lock()
		stopping := r.state == Stopping
		r.mu.Unlock()

		r.iterate()

		if stopping && r.drained() {
			break
		}
		// Even while stopping, block on sleepUntilWork instead of spinning:
		// a worker's completion notify (or the next-armed timer) wakes the
		// loop the same way it would outside shutdown.
		r.sleepUntilWork()
	}

	r.mu.Lock()
	r.state = Stopped
	r.timers.clear()
	for _, w := range r.idleWorkers {
		w.terminate()
	}
	r.idleWorkers = nil
	stopped := r.stopped
	r.mu.Unlock()
	_ = r.lifecycleHooks.Emit(context.Background(), hookStop, LifecycleEvent{State: Stopped, Timestamp: time.Now()}) //nolint:errcheck
	close(stopped)
}

// drained reports whether every queue is empty, used during the Stopping
// phase to decide when the final poll has nothing left (spec's "poll at
// least once" resolution of Open Question 1: iterate() always runs at least
// once per loop pass, even during shutdown, before this check is consulted).
func (r *Reactor) drained() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.signalQ) == 0 && len(r.deferredQ) == 0 && len(r.runningTasks) == 0 && len(r.completedTasks) == 0
}

// iterate runs one full pass over every queue, in the fixed order spec §4.1
// specifies: signals, then deferreds, then completed worker threads, then
// expired timers.
func (r *Reactor) iterate() {
	span := r.tracerHandle().start(loopIterationSpan)
	defer span.finish()

	r.drainSignals()
	r.drainDeferreds()
	r.drainCompletedThreads()
	r.drainTimers()

	r.metrics.Counter(MetricLoopIterations).Inc()
	r.mu.Lock()
	r.metrics.Gauge(MetricIdleWorkers).Set(float64(len(r.idleWorkers)))
	r.mu.Unlock()
}

func (r *Reactor) drainSignals() {
	r.mu.Lock()
	q := r.signalQ
	r.signalQ = nil
	r.mu.Unlock()
	for _, e := range q {
		e.deliver(r)
		r.metrics.Counter(MetricSignalsDelivered).Inc()
	}
}

func (r *Reactor) drainDeferreds() {
	r.mu.Lock()
	q := r.deferredQ
	r.deferredQ = nil
	r.mu.Unlock()
	for _, e := range q {
		e.process(r)
		r.metrics.Counter(MetricDeferredsFired).Inc()
	}
}

func (r *Reactor) drainCompletedThreads() {
	r.mu.Lock()
	keys := make([]any, 0, len(r.completedTasks))
	for k := range r.completedTasks {
		keys = append(keys, k)
	}
	r.mu.Unlock()

	for _, k := range keys {
		r.mu.Lock()
		c, ok := r.completedTasks[k]
		if ok {
			delete(r.completedTasks, k)
			delete(r.runningTasks, k)
			if r.maxIdleWorkers > 0 && len(r.idleWorkers) >= r.maxIdleWorkers {
				c.worker.terminate()
			} else {
				r.idleWorkers = append(r.idleWorkers, c.worker)
			}
		}
		r.mu.Unlock()
		if ok {
			c.fire()
			r.metrics.Counter(MetricTasksRun).Inc()
		}
	}
}

func (r *Reactor) drainTimers() {
	now := r.mono.nowMillis()
	r.mu.Lock()
	expired := r.timers.expired(now, func(key any) {
		r.logger.Fine(fmt.Sprintf("timer %v overloaded, merged missed intervals", key))
	})
	r.mu.Unlock()
	for _, e := range expired {
		e.fire()
		r.metrics.Counter(MetricTimersFired).Inc()
	}
}

// sleepUntilWork blocks the loop goroutine until notified, the earliest
// armed timer fires, or maxSleep elapses, whichever comes first (spec §4.1
// "bounded or unbounded sleep" design note: bounded when a timer is armed,
// otherwise capped at maxSleep so a Stop request is never missed indefinitely).
func (r *Reactor) sleepUntilWork() {
	r.mu.Lock()
	next, hasTimer := r.timers.nextTrigger()
	r.mu.Unlock()

	wait := r.maxSleep
	if hasTimer {
		now := r.mono.nowMillis()
		d := time.Duration(next-now) * time.Millisecond
		if d < 0 {
			d = 0
		}
		if d < wait {
			wait = d
		}
	}

	select {
	case <-r.wake:
	case <-r.clock.After(wait):
	}
}

// enqueueDeferred queues d for processing on the next deferred-queue drain.
func (r *Reactor) enqueueDeferred(d deferredEvent) {
	r.mu.Lock()
	r.deferredQ = append(r.deferredQ, d)
	r.mu.Unlock()
	r.notify()
}

// enqueueSignal queues e for delivery on the next signal-queue drain.
func (r *Reactor) enqueueSignal(e signalEvent) {
	r.mu.Lock()
	r.signalQ = append(r.signalQ, e)
	r.mu.Unlock()
	r.notify()
}

// scheduleTimeout arms a one-shot timer keyed by key, invoking fire on the
// reactor thread once it fires.
func (r *Reactor) scheduleTimeout(key any, delay time.Duration, fire func()) error {
	return r.scheduleTimer(key, delay, 0, fire)
}

// scheduleTimer is the general arm operation backing Deferred.SetTimeout and
// the standalone RunTimerOneShot/RunTimerRepeating operations (spec §4.1/
// §4.6): interval <= 0 means one-shot.
func (r *Reactor) scheduleTimer(key any, delay, interval time.Duration, fire func()) error {
	r.mu.Lock()
	if r.state == Stopped {
		r.mu.Unlock()
		return ErrNotRunning
	}
	now := r.mono.nowMillis()
	r.timers.schedule(key, now, delay.Milliseconds(), interval.Milliseconds(), fire)
	r.mu.Unlock()
	r.notify()
	return nil
}

// cancelTimeout cancels any timer keyed by key.
func (r *Reactor) cancelTimeout(key any) {
	r.mu.Lock()
	r.timers.cancel(key)
	r.mu.Unlock()
}

// registerLive increments the live-deferred counter, used only for
// diagnostics (no behavior depends on its value reaching zero).
func (r *Reactor) registerLive() {
	r.mu.Lock()
	r.liveDeferreds++
	r.mu.Unlock()
	r.metrics.Counter(MetricDeferredsCreated).Inc()
}

// deregisterLive decrements the live-deferred counter on legitimate completion.
func (r *Reactor) deregisterLive() {
	r.mu.Lock()
	r.liveDeferreds--
	r.mu.Unlock()
}

// reportLeak is the GC finalizer's callback into the reactor (spec §9):
// it counts the leak and fires the leak hook for any registered observer.
func (r *Reactor) reportLeak(ev LeakEvent) {
	ev.Timestamp = time.Now()
	r.metrics.Counter(MetricLeaksDetected).Inc()
	r.logger.Warning(fmt.Sprintf("deferred leaked: created %s ago, state=%s, terminated=%v",
		time.Since(ev.CreatedAt), ev.State, ev.Terminated))
	_ = r.hooks.Emit(context.Background(), hookLeak, ev) //nolint:errcheck
}

// reportUnhandledError fires the unhandled-error hook for any registered
// observer (spec §4.2: an error that reaches the end of the chain without a
// handler turning it back into a value is surfaced, not silently dropped).
func (r *Reactor) reportUnhandledError(err error) {
	r.logger.Warning(fmt.Sprintf("unhandled deferred error: %v", err))
	_ = r.errHooks.Emit(context.Background(), hookUnhandledError, UnhandledErrorEvent{Err: err, Timestamp: time.Now()}) //nolint:errcheck
}

// GetShutdownSignal returns a Signal that broadcasts once, with no payload,
// when this reactor's Stop sequence begins (spec §4.1's "shutdown signal"
// supplement): subscribers get one chance to release external resources
// before the loop drains its final pass.
func (r *Reactor) GetShutdownSignal() *Signal[struct{}] {
	r.mu.Lock()
	if r.shutdownSignal == nil {
		r.shutdownSignal = NewSignal[struct{}](r, "reactor.shutdown")
	}
	s := r.shutdownSignal
	r.mu.Unlock()
	return s
}
