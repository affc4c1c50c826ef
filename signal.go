package reactor

import (
	"fmt"
	"sort"
	"sync"

	"github.com/zoobzio/capitan"
)

// SubscriptionToken identifies a single Subscribe call for later Unsubscribe;
// subscribers are compared by this token's pointer identity, not by
// structural equality (spec §4.5). It is not zero-sized, so every token has
// its own address.
type SubscriptionToken struct{ _ byte }

type subscriber[T any] struct {
	fn       func(T)
	priority int
	seq      int
	tok      *SubscriptionToken
}

// Signal is a named broadcast with prioritised, identity-keyed subscribers
// and an optional terminating "final" broadcast (spec §3, §4.5). Every
// Signal carries a capitan.Signal key, reusing the teacher's named-event
// type for logging/tracing correlation instead of inventing a parallel one.
type Signal[T any] struct {
	r    *Reactor
	key  capitan.Signal
	name Name

	mu           sync.Mutex
	subs         []*subscriber[T]
	nextSeq      int
	broadcasting bool
	finalized    bool
}

// NewSignal creates a new, empty signal named name, owned by r.
func NewSignal[T any](r *Reactor, name Name) *Signal[T] {
	return &Signal[T]{r: r, key: capitan.Signal(name), name: name}
}

// Subscribe registers fn at priority 0. Returns a token usable with
// Unsubscribe. Fails with KindContextViolation if called while this signal
// is mid-broadcast (spec: "subscribers must not attempt to mutate the
// subscriber list").
func (s *Signal[T]) Subscribe(fn func(T)) (*SubscriptionToken, error) {
	return s.SubscribeWithPriority(fn, 0)
}

// SubscribeWithPriority registers fn at the given priority; subscribers are
// held sorted by descending priority, ties broken by insertion order.
func (s *Signal[T]) SubscribeWithPriority(fn func(T), priority int) (*SubscriptionToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.broadcasting {
		return nil, wrapErr(KindContextViolation, "subscribe during broadcast", nil)
	}
	tok := &SubscriptionToken{}
	s.subs = append(s.subs, &subscriber[T]{fn: fn, priority: priority, seq: s.nextSeq, tok: tok})
	s.nextSeq++
	sort.SliceStable(s.subs, func(i, j int) bool { return s.subs[i].priority > s.subs[j].priority })
	return tok, nil
}

// Unsubscribe removes the subscriber identified by tok. No-op if unknown.
// Fails with KindContextViolation if called while mid-broadcast.
func (s *Signal[T]) Unsubscribe(tok *SubscriptionToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.broadcasting {
		return wrapErr(KindContextViolation, "unsubscribe during broadcast", nil)
	}
	for i, sub := range s.subs {
		if sub.tok == tok {
			s.subs = append(s.subs[:i], s.subs[i+1:]...)
			return nil
		}
	}
	return nil
}

// Signal enqueues a broadcast of v, delivered to current subscribers in
// priority order on the reactor thread during the next signal-queue drain.
func (s *Signal[T]) Signal(v T) {
	s.enqueue(v, false)
}

// SignalFinal enqueues a terminating broadcast: after delivery, the
// subscriber list is cleared and every later broadcast delivers to nobody.
func (s *Signal[T]) SignalFinal(v T) {
	s.enqueue(v, true)
}

func (s *Signal[T]) enqueue(v T, final bool) {
	if s.r == nil {
		return
	}
	s.r.enqueueSignal(&signalDelivery[T]{s: s, v: v, final: final})
}

// signalDelivery is the reactor-queue entry for one broadcast.
type signalDelivery[T any] struct {
	s     *Signal[T]
	v     T
	final bool
}

func (e *signalDelivery[T]) deliver(r *Reactor) {
	span := r.tracerHandle().start(signalDeliverSpan)
	defer span.finish()

	s := e.s
	s.mu.Lock()
	if s.finalized {
		s.mu.Unlock()
		return
	}
	subs := make([]*subscriber[T], len(s.subs))
	copy(subs, s.subs)
	s.broadcasting = true
	s.mu.Unlock()

	for _, sub := range subs {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					r.logger.Warning(fmt.Sprintf("signal %q subscriber panic: %v", s.name, rec))
				}
			}()
			sub.fn(e.v)
		}()
	}

	s.mu.Lock()
	s.broadcasting = false
	if e.final {
		s.finalized = true
		s.subs = nil
	}
	s.mu.Unlock()
}
