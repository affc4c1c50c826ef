// Package reactor provides a single-threaded, event-loop-driven concurrency
// core for Go: one goroutine runs every deferred handler chain, signal
// subscriber, timer callback and worker completion, serialised. Producer-side
// calls (Callback, Subscribe, scheduling a timer, submitting a task) may come
// from any goroutine; each primitive and the reactor guard their own state
// with a mutex for that.
//
// # Core Concepts
//
//   - Reactor: the event loop. Construct with New, run it with Start, and
//     shut it down in an orderly fashion with Stop.
//   - Deferred[T]: a one-shot future carrying a success value or an error,
//     with an ordered chain of handlers attached via AddHandler/AddValueHandler/
//     AddErrorHandler, and an optional timeout via SetTimeout.
//   - Signal[T]: a named, prioritized broadcast with Subscribe/Unsubscribe and
//     Signal/SignalFinal.
//   - Timers: armed directly with RunTimerOneShot/RunTimerRepeating (cancelled
//     with CancelTimer) or through Deferred.SetTimeout; the reactor's
//     internal registry orders entries by (trigger, insertion order) and
//     merges missed intervals on a repeating entry instead of bursting.
//   - Worker pool: RunThread/RunThreadTimeout offload a blocking task onto a
//     pool-owned goroutine, returning a Deferred that fires back on the
//     reactor thread once the task completes.
//
// # Fan-out and fan-in
//
// DeferredSplitter distributes one input deferred's eventual outcome to any
// number of requested outputs. DeferredConcentrator does the reverse,
// collecting N inputs into a single deferred carrying their ordered results,
// or the first error encountered.
//
// # Restricted views
//
// RestrictedDeferred and RestrictedSignal strip the producer-side operations
// (Callback/Errback, Signal/SignalFinal) from a value handed to consumer code
// that should only ever observe, never drive, a primitive's outcome.
//
// # Observability
//
// Every reactor carries a metricz.Registry (Metrics), a tracez.Tracer
// (Tracer), and three hookz event streams: one for GC-detected Deferred leaks
// (Hooks), one for errors that reach the end of a handler chain unhandled
// (ErrorHooks), and one for loop start and stop (OnStart/OnStop). Reactor-level logging goes through a capitan-backed named
// Logger (GetLogger), the same pattern as the library's per-component loggers.
package reactor
