package reactor

import (
	"context"
	"errors"
	"sync"
	"time"
)

// workerState is a worker slot's lifecycle stage (spec §3 "Worker slot").
type workerState int

const (
	workerIdle workerState = iota
	workerRunning
	workerDying
)

// worker is one long-lived, pool-owned goroutine. It coordinates with the
// reactor via a dispatch/kill channel pair rather than a shared notify-all,
// per the "worker-pool recycling" design note.
type worker struct {
	id       uint64
	dispatch chan func(ctx context.Context)
	kill     chan struct{}
	exited   chan struct{}

	mu     sync.Mutex
	state  workerState
	cancel context.CancelFunc
}

func newWorker(id uint64) *worker {
	w := &worker{
		id:       id,
		dispatch: make(chan func(ctx context.Context), 1),
		kill:     make(chan struct{}),
		exited:   make(chan struct{}),
		state:    workerIdle,
	}
	go w.loop()
	return w
}

func (w *worker) loop() {
	defer close(w.exited)
	for {
		select {
		case task := <-w.dispatch:
			ctx, cancel := context.WithCancel(context.Background())
			w.mu.Lock()
			w.state = workerRunning
			w.cancel = cancel
			w.mu.Unlock()

			task(ctx)
			cancel()

			w.mu.Lock()
			w.state = workerIdle
			w.cancel = nil
			w.mu.Unlock()
		case <-w.kill:
			return
		}
	}
}

// interrupt cooperatively cancels whatever task this worker is currently
// running, if any. A no-op if the worker is idle.
func (w *worker) interrupt() {
	w.mu.Lock()
	c := w.cancel
	w.mu.Unlock()
	if c != nil {
		c()
	}
}

// terminate asks the worker's goroutine to exit once idle.
func (w *worker) terminate() {
	w.mu.Lock()
	state := w.state
	w.mu.Unlock()
	if state == workerDying {
		return
	}
	w.mu.Lock()
	w.state = workerDying
	w.mu.Unlock()
	close(w.kill)
}

// Threadable wraps a blocking task function with an identity suitable for
// the "task instance" tracking spec §4.7 requires: two RunThread calls
// passing the same *Threadable cannot be in flight simultaneously.
type Threadable[In, Out any] struct {
	fn func(context.Context, In) (Out, error)
}

// NewThreadable wraps fn as a reusable, identity-bearing task.
func NewThreadable[In, Out any](fn func(context.Context, In) (Out, error)) *Threadable[In, Out] {
	return &Threadable[In, Out]{fn: fn}
}

// completion is one finished worker task, queued for the reactor to fire on
// the reactor thread and recycle (or terminate) the worker that ran it.
type completion struct {
	worker *worker
	fire   func()
}

// RunThread submits task to the worker pool and returns immediately. The
// returned deferred fires with task's result (or error) on the reactor
// thread once the worker completes (spec §4.7).
func RunThread[In, Out any](r *Reactor, task *Threadable[In, Out], input In) *Deferred[Out] {
	return runThread(r, task, input, 0)
}

// RunThreadTimeout is RunThread with an added timeout: if the deferred times
// out before the task completes, the task is cancelled via CancelThread.
func RunThreadTimeout[In, Out any](r *Reactor, task *Threadable[In, Out], input In, timeout time.Duration) *Deferred[Out] {
	return runThread(r, task, input, timeout)
}

func runThread[In, Out any](r *Reactor, task *Threadable[In, Out], input In, timeout time.Duration) *Deferred[Out] {
	d := NewDeferred[Out](r)

	r.mu.Lock()
	if r.state != Running {
		r.mu.Unlock()
		_ = d.Errback(ErrNotRunning)
		return d
	}
	if _, busy := r.runningTasks[task]; busy {
		r.mu.Unlock()
		_ = d.Errback(ErrTaskRunning)
		return d
	}
	w := r.acquireWorkerLocked()
	r.runningTasks[task] = w
	r.mu.Unlock()

	w.dispatch <- func(ctx context.Context) {
		out, err := task.fn(ctx, input)
		r.mu.Lock()
		r.completedTasks[task] = completion{
			worker: w,
			fire: func() {
				if err != nil {
					_ = d.Errback(err)
				} else {
					_ = d.Callback(out)
				}
			},
		}
		r.mu.Unlock()
		r.notify()
	}

	if timeout > 0 {
		_ = d.SetTimeout(timeout.Milliseconds())
		_ = d.AddHandler(ErrorHandler[Out](func(e error) (Out, error) {
			var zero Out
			if errors.Is(e, ErrTimedOut) {
				_ = CancelThread(r, task)
			}
			return zero, e
		}))
	}
	return d
}

// CancelThread interrupts the worker running taskKey, if any. The task
// observes the cancellation cooperatively at its next blocking point; a
// no-op if taskKey is not currently running.
func CancelThread(r *Reactor, taskKey any) error {
	r.mu.Lock()
	w, ok := r.runningTasks[taskKey]
	r.mu.Unlock()
	if !ok {
		return nil
	}
	w.interrupt()
	return nil
}

// acquireWorkerLocked pops an idle worker or creates a new one. r.mu must be
// held.
func (r *Reactor) acquireWorkerLocked() *worker {
	if n := len(r.idleWorkers); n > 0 {
		w := r.idleWorkers[n-1]
		r.idleWorkers = r.idleWorkers[:n-1]
		return w
	}
	r.nextWorkerID++
	return newWorker(r.nextWorkerID)
}
