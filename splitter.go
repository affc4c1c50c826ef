package reactor

import "sync"

// DeferredSplitter fans out one input deferred to any number of output
// deferreds (spec §4.3): once the input fires, every existing and every
// later-requested output is triggered with the same outcome, in the order
// the outputs were requested.
type DeferredSplitter[T any] struct {
	r *Reactor

	mu       sync.Mutex
	attached bool
	fired    bool
	isValue  bool
	value    T
	err      error
	outputs  []*Deferred[T]
}

// NewSplitter creates an unattached splitter owned by r.
func NewSplitter[T any](r *Reactor) *DeferredSplitter[T] {
	return &DeferredSplitter[T]{r: r}
}

// AttachInput binds the splitter to its single input deferred. Fails with
// KindDoubleTerminate if called twice, or if d's chain is already
// terminated.
func (s *DeferredSplitter[T]) AttachInput(d *Deferred[T]) error {
	s.mu.Lock()
	if s.attached {
		s.mu.Unlock()
		return wrapErr(KindDoubleTerminate, "splitter already has input", nil)
	}
	s.attached = true
	s.mu.Unlock()

	if err := AddValueHandler(d, func(v T) (T, error) {
		s.fire(true, v, nil)
		return v, nil
	}); err != nil {
		s.mu.Lock()
		s.attached = false
		s.mu.Unlock()
		return err
	}
	if err := AddErrorHandler(d, func(e error) (T, error) {
		var zero T
		s.fire(false, zero, e)
		return zero, e
	}); err != nil {
		s.mu.Lock()
		s.attached = false
		s.mu.Unlock()
		return err
	}
	return d.Terminate()
}

func (s *DeferredSplitter[T]) fire(isValue bool, v T, e error) {
	s.mu.Lock()
	s.fired = true
	s.isValue = isValue
	s.value = v
	s.err = e
	outputs := make([]*Deferred[T], len(s.outputs))
	copy(outputs, s.outputs)
	s.mu.Unlock()

	for _, out := range outputs {
		s.deliver(out)
	}
}

func (s *DeferredSplitter[T]) deliver(out *Deferred[T]) {
	if s.isValue {
		_ = out.Callback(s.value)
	} else {
		_ = out.Errback(s.err)
	}
}

// NewOutput requests a new output deferred. If the input has already fired,
// the new output inherits the cached result immediately; otherwise it joins
// the list of pending outputs, fired in request order once the input
// triggers.
func (s *DeferredSplitter[T]) NewOutput() *Deferred[T] {
	out := NewDeferred[T](s.r)
	s.mu.Lock()
	fired := s.fired
	s.outputs = append(s.outputs, out)
	s.mu.Unlock()
	if fired {
		s.deliver(out)
	}
	return out
}
