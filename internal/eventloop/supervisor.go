package eventloop

import (
	"fmt"
	"log"
	"sync"
	"time"
)

// Event is one decoded worker-to-supervisor tuple.
type Event struct {
	Tag  string
	Args []any
}

// Supervisor is the controlling side's handle on a running worker. It
// sends commands into the worker's control pipe, observes emitted events
// and exposes the blocking WaitUntil primitive that turns async replies
// into synchronous calls.
type Supervisor struct {
	name     string
	w        *worker
	registry *Registry
	handle   Handle

	mu        sync.Mutex
	last      *Event
	started   bool
	stopped   bool
	changed   chan struct{} // closed and replaced on every state change
	forceOnce sync.Once
}

// Start spawns the worker goroutine for l and blocks until the worker's
// start event is observed or timeout elapses. A worker-side setup failure
// is returned here instead of the start event. Events are dispatched to
// the dispatcher registered in reg under h; a zero Handle disables
// dispatch (events are still recorded for WaitUntil).
func (l *Loop) Start(reg *Registry, h Handle, timeout time.Duration) (*Supervisor, error) {
	if l.started {
		return nil, ErrStarted
	}
	l.started = true

	s := &Supervisor{
		name:     l.name,
		w:        newWorker(l),
		registry: reg,
		handle:   h,
		changed:  make(chan struct{}),
	}

	go s.w.run()
	go s.drainEvents()

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		s.mu.Lock()
		started, stopped := s.started, s.stopped
		last := s.last
		ch := s.changed
		s.mu.Unlock()

		if started {
			return s, nil
		}
		if stopped {
			// Setup failed: the worker emitted quit carrying its error
			// instead of start.
			if last != nil && last.Tag == TagQuit && len(last.Args) > 0 {
				return nil, fmt.Errorf("eventloop: worker %s failed to start: %v", l.name, last.Args[0])
			}
			return nil, fmt.Errorf("eventloop: worker %s stopped before starting", l.name)
		}

		select {
		case <-ch:
		case <-deadline.C:
			s.ForceStop()
			return nil, fmt.Errorf("eventloop: worker %s did not start: %w", l.name, ErrWaitTimeout)
		}
	}
}

// drainEvents decodes every worker event, records it as the most recent
// one, updates the sticky start/quit flags and hands it to the dispatch
// object. A released dispatcher means the owner is gone: the event is
// discarded and the worker is torn down rather than dispatched against a
// dead target.
func (s *Supervisor) drainEvents() {
	for data := range s.w.events {
		tag, args, err := decodeCommand(data)
		if err != nil {
			log.Printf("[loop %s] malformed event: %v", s.name, err)
			continue
		}
		s.record(tag, args)
		s.dispatchEvent(tag, args)
	}
	// Worker ended; make the terminal state observable even if no quit
	// event made it out (forced teardown).
	s.mu.Lock()
	s.stopped = true
	s.signalLocked()
	s.mu.Unlock()
}

func (s *Supervisor) record(tag string, args []any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last = &Event{Tag: tag, Args: args}
	switch tag {
	case TagStart:
		s.started = true
	case TagQuit:
		s.stopped = true
	}
	s.signalLocked()
}

// signalLocked wakes every pending WaitUntil. Caller holds s.mu.
func (s *Supervisor) signalLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
}

func (s *Supervisor) dispatchEvent(tag string, args []any) {
	if s.handle == 0 {
		return
	}
	d, ok := s.registry.lookup(s.handle)
	if !ok {
		log.Printf("[loop %s] dispatcher released, stopping worker", s.name)
		s.ForceStop()
		return
	}
	if err := d.DispatchEvent(tag, args); err != nil {
		if tag == TagStart || tag == TagQuit {
			return
		}
		log.Printf("[loop %s] unhandled event %q: %v", s.name, tag, err)
	}
}

// IsAlive reports whether the worker has started and not yet stopped.
func (s *Supervisor) IsAlive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started && !s.stopped
}

// LastEvent returns the most recently observed event.
func (s *Supervisor) LastEvent() (Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return Event{}, false
	}
	return *s.last, true
}

// Err returns the worker's recorded fatal error, if any. Meaningful once
// the worker has stopped.
func (s *Supervisor) Err() error {
	select {
	case <-s.w.done:
		return s.w.err
	default:
		return nil
	}
}

// Send serializes (tag, args...) and writes it to the worker's control
// pipe. Fire-and-forget: replies, if any, arrive as events. Commands sent
// from one goroutine are processed in send order.
func (s *Supervisor) Send(tag string, args ...any) error {
	if !s.IsAlive() {
		return ErrNotRunning
	}
	data, err := encodeList(append([]any{tag}, args...))
	if err != nil {
		return err
	}
	return s.push(pipeEntry{data: data})
}

// SendCallback installs fn as an additional pre-iteration callback inside
// the worker. Never emits a reply.
func (s *Supervisor) SendCallback(fn func()) error {
	if !s.IsAlive() {
		return ErrNotRunning
	}
	return s.push(pipeEntry{fn: fn})
}

// SendTimer schedules a recurring worker-side callback. Never emits a
// reply. Re-sending an id replaces its timer.
func (s *Supervisor) SendTimer(id string, period time.Duration, fn func()) error {
	if !s.IsAlive() {
		return ErrNotRunning
	}
	return s.push(pipeEntry{timer: &timerReq{id: id, period: period, fn: fn}})
}

func (s *Supervisor) push(e pipeEntry) error {
	select {
	case s.w.pipe <- e:
		return nil
	case <-s.w.done:
		return ErrNotRunning
	}
}

// WaitUntil blocks until the most recently observed event has the given
// tag and pred returns non-nil for its args, or timeout elapses. Returns
// the predicate's result, or ErrWaitTimeout.
func (s *Supervisor) WaitUntil(tag string, pred func(args []any) any, timeout time.Duration) (any, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		s.mu.Lock()
		last := s.last
		ch := s.changed
		s.mu.Unlock()

		if last != nil && last.Tag == tag {
			if v := pred(last.Args); v != nil {
				return v, nil
			}
		}

		select {
		case <-ch:
		case <-deadline.C:
			return nil, ErrWaitTimeout
		}
	}
}

// Stop sends quit and waits up to timeout for the terminal quit event;
// if the worker does not oblige, it is force-terminated. Idempotent.
func (s *Supervisor) Stop(timeout time.Duration) error {
	s.mu.Lock()
	alreadyStopped := s.stopped
	s.mu.Unlock()
	if alreadyStopped {
		return nil
	}

	if err := s.Send(TagQuit); err != nil && err != ErrNotRunning {
		return err
	}

	_, err := s.WaitUntil(TagQuit, func(args []any) any { return true }, timeout)
	if err != nil {
		log.Printf("[loop %s] no quit within %v, force-terminating", s.name, timeout)
		s.ForceStop()
	}
	return nil
}

// ForceStop terminates the worker without the cooperative quit exchange.
// Safe to call multiple times and after a clean stop.
func (s *Supervisor) ForceStop() {
	s.forceOnce.Do(func() {
		close(s.w.forceQuit)
	})
	<-s.w.done
	s.mu.Lock()
	s.stopped = true
	s.signalLocked()
	s.mu.Unlock()
}
