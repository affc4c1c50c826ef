package reactor

import "sync"

// DeferredConcentrator fans in N input deferreds to one deferred carrying an
// ordered list of their values (spec §4.4).
type DeferredConcentrator[T any] struct {
	r *Reactor

	mu          sync.Mutex
	results     []T
	present     []bool
	count       int
	completed   int
	firstErr    error
	outputTaken bool
	fired       bool
	out         *Deferred[[]T]
	terminated  bool
}

// NewConcentrator creates an empty concentrator owned by r.
func NewConcentrator[T any](r *Reactor) *DeferredConcentrator[T] {
	return &DeferredConcentrator[T]{r: r}
}

// AddInput assigns d the next 0-based position and arranges for its outcome
// to land in that slot. Fails with KindDoubleTerminate once Output has been
// called.
func (c *DeferredConcentrator[T]) AddInput(d *Deferred[T]) error {
	c.mu.Lock()
	if c.terminated {
		c.mu.Unlock()
		return wrapErr(KindDoubleTerminate, "concentrator chain already terminated", nil)
	}
	pos := c.count
	c.count++
	if pos >= len(c.results) {
		grown := make([]T, pos+1)
		copy(grown, c.results)
		c.results = grown
		grownP := make([]bool, pos+1)
		copy(grownP, c.present)
		c.present = grownP
	}
	c.mu.Unlock()

	if err := AddValueHandler(d, func(v T) (T, error) {
		c.complete(pos, v, nil)
		return v, nil
	}); err != nil {
		return err
	}
	if err := AddErrorHandler(d, func(e error) (T, error) {
		var zero T
		c.complete(pos, zero, e)
		return zero, e
	}); err != nil {
		return err
	}
	return d.Terminate()
}

func (c *DeferredConcentrator[T]) complete(pos int, v T, e error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.completed++
	if e != nil {
		if c.firstErr == nil {
			c.firstErr = e
		}
	} else if c.firstErr == nil {
		c.results[pos] = v
		c.present[pos] = true
	}
	c.fireLocked()
}

// Output returns the fan-in deferred. Exactly one call is meaningful; later
// calls return the same deferred.
func (c *DeferredConcentrator[T]) Output() *Deferred[[]T] {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.terminated = true
	if c.out == nil {
		c.out = NewDeferred[[]T](c.r)
	}
	c.outputTaken = true
	c.fireLocked()
	return c.out
}

// fireLocked must be called with c.mu held. It fires the output once it has
// been requested and either an error has latched or every input has
// completed successfully; it fires at most once (later completions are
// ignored once latched, per spec's "subsequent errors are dropped").
func (c *DeferredConcentrator[T]) fireLocked() {
	if !c.outputTaken || c.out == nil || c.fired {
		return
	}
	if c.firstErr != nil {
		c.fired = true
		_ = c.out.Errback(c.firstErr)
		return
	}
	if c.completed >= c.count && c.allPresentLocked() {
		c.fired = true
		out := make([]T, len(c.results))
		copy(out, c.results)
		_ = c.out.Callback(out)
	}
}

func (c *DeferredConcentrator[T]) allPresentLocked() bool {
	for _, p := range c.present {
		if !p {
			return false
		}
	}
	return true
}
