// Package eventstream implements the unbounded single-producer event stream
// shared by provider adapters and the agent loop (spec §4.1): push/end
// semantics, an is-complete predicate that auto-terminates the stream, and
// an aggregation function that derives the terminal result.
package eventstream

import (
	"context"
	"sync"
)

// IsComplete inspects an event and reports whether its arrival should
// terminate the stream.
type IsComplete[E any] func(E) bool

// Aggregate derives the terminal result from the final event. It is
// invoked once, when the stream terminates: with the completing event and
// ok=true when the is-complete predicate fires, or with End's own
// arguments (ok may be false) on an explicit End.
type Aggregate[E, R any] func(last E, ok bool) (R, bool)

// Stream is an unbounded, single-producer, multi-consumer-view queue of
// events of type E with a terminal aggregated result of type R.
//
// Push never blocks: every event is retained for the stream's lifetime so
// each Clone can replay from the first event; the capacity hint passed to
// New only sizes the initial buffer.
//
// Contract: at most one producer feeds the stream via Push/End; ordering
// between Push calls is preserved; once terminated, further Push calls are
// silently ignored; Clone yields an additional consumer view over the same
// underlying event sequence starting from the beginning.
type Stream[E, R any] struct {
	mu       sync.Mutex
	buf      []E
	closed   bool
	result   R
	hasResult bool
	notify   chan struct{}

	isComplete IsComplete[E]
	aggregate  Aggregate[E, R]
}

// New constructs a Stream with the given capacity hint, completion
// predicate, and aggregation function. Either may be nil: a nil predicate
// never auto-terminates; a nil aggregate leaves result() empty.
func New[E, R any](capacityHint int, isComplete IsComplete[E], aggregate Aggregate[E, R]) *Stream[E, R] {
	return &Stream[E, R]{
		buf:        make([]E, 0, capacityHint),
		notify:     make(chan struct{}),
		isComplete: isComplete,
		aggregate:  aggregate,
	}
}

// Push appends an event. Ignored after the stream has terminated. If the
// is-complete predicate fires for this event, the stream also terminates
// and, when an aggregate function is configured, computes the result from
// this event.
func (s *Stream[E, R]) Push(e E) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.buf = append(s.buf, e)
	complete := s.isComplete != nil && s.isComplete(e)
	if complete {
		s.finishLocked(e, true)
	}
	notify := s.notify
	s.notify = make(chan struct{})
	s.mu.Unlock()
	close(notify)
}

// End terminates the stream. If ok is true, last is used to compute the
// aggregated result (when an aggregate function is configured). Calling
// End after termination is a no-op.
func (s *Stream[E, R]) End(last E, ok bool) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.finishLocked(last, ok)
	notify := s.notify
	s.notify = make(chan struct{})
	s.mu.Unlock()
	close(notify)
}

// finishLocked must be called with s.mu held.
func (s *Stream[E, R]) finishLocked(last E, ok bool) {
	s.closed = true
	if s.aggregate != nil {
		s.result, s.hasResult = s.aggregate(last, ok)
	}
}

// Result returns the aggregated terminal value, if any. Valid only after
// the stream has closed; returns the zero value and false otherwise.
func (s *Stream[E, R]) Result() (R, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result, s.hasResult
}

// Closed reports whether the stream has terminated.
func (s *Stream[E, R]) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Consumer is an independent, ordered view over a Stream's events,
// obtained via Clone. Each Consumer tracks its own read cursor.
type Consumer[E, R any] struct {
	s   *Stream[E, R]
	pos int
}

// Clone returns a fresh Consumer view starting at the first event.
func (s *Stream[E, R]) Clone() *Consumer[E, R] {
	return &Consumer[E, R]{s: s}
}

// Next blocks until the next event is available, the stream terminates
// with no further event, or ctx is done. The second return is false when
// the stream has been fully drained.
func (c *Consumer[E, R]) Next(ctx context.Context) (E, bool, error) {
	for {
		c.s.mu.Lock()
		if c.pos < len(c.s.buf) {
			e := c.s.buf[c.pos]
			c.pos++
			c.s.mu.Unlock()
			return e, true, nil
		}
		if c.s.closed {
			c.s.mu.Unlock()
			var zero E
			return zero, false, nil
		}
		notify := c.s.notify
		c.s.mu.Unlock()

		select {
		case <-notify:
		case <-ctx.Done():
			var zero E
			return zero, false, ctx.Err()
		}
	}
}
