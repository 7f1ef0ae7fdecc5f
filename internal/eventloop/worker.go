package eventloop

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/kernelmux/kernelmux/internal/channel"
)

type workerStatus int

const (
	statusRunning workerStatus = iota
	statusStopping
	statusStopped
)

// pipeEntry is one unit on the control pipe. Regular commands travel as
// encoded printable lists in data; the callback/timer pseudo-commands
// additionally carry a Go func, which does not serialize. Both kinds
// share the one pipe so command ordering is preserved.
type pipeEntry struct {
	data  []byte
	fn    func()
	timer *timerReq
}

type timerReq struct {
	id     string
	period time.Duration
	fn     func()
}

type sockEvent struct {
	name string
	data []byte
}

// worker runs the poll/dispatch loop in its own goroutine. It owns every
// field below exclusively; the supervisor reaches it only through pipe
// and forceQuit, and hears from it only through events.
type worker struct {
	name      string
	handlers  map[string]handlerEntry
	resolvers map[string]Resolver
	setup     []func() error
	teardown  []func()
	sockets   []namedSocket
	preCBs    []func()
	postCBs   []PostCallback
	pollWait  time.Duration

	pipe      chan pipeEntry
	events    chan []byte
	forceQuit chan struct{}
	done      chan struct{}

	sockCh chan sockEvent
	timers map[string]*timerState
	status workerStatus
	err    error
}

type timerState struct {
	period time.Duration
	next   time.Time
	fn     func()
}

func newWorker(l *Loop) *worker {
	return &worker{
		name:      l.name,
		handlers:  l.handlers,
		resolvers: l.resolvers,
		setup:     l.setup,
		teardown:  l.teardown,
		sockets:   l.sockets,
		preCBs:    l.preCBs,
		postCBs:   l.postCBs,
		pollWait:  l.pollWait,
		pipe:      make(chan pipeEntry, 64),
		events:    make(chan []byte, 64),
		forceQuit: make(chan struct{}),
		done:      make(chan struct{}),
		sockCh:    make(chan sockEvent, 64),
		timers:    make(map[string]*timerState),
	}
}

// run is the worker goroutine body.
func (w *worker) run() {
	defer close(w.done)
	defer close(w.events)

	if err := w.runSetup(); err != nil {
		w.err = err
		w.emit(TagQuit, err.Error())
		return
	}

	w.startPumps()
	w.emit(TagStart)

	for w.status == statusRunning {
		w.fireTimers()
		for _, cb := range w.preCBs {
			cb()
		}
		w.pollOnce(w.currentWait())
	}

	w.runTeardown()
	w.status = statusStopped
	if w.err != nil {
		w.emit(TagQuit, w.err.Error())
	} else {
		w.emit(TagQuit)
	}
}

func (w *worker) runSetup() error {
	for _, fn := range w.setup {
		if err := fn(); err != nil {
			return fmt.Errorf("worker %s setup: %w", w.name, err)
		}
	}
	return nil
}

func (w *worker) runTeardown() {
	for _, fn := range w.teardown {
		fn()
	}
}

// startPumps spawns one reader goroutine per registered socket, feeding
// sockCh. Transient receive errors are swallowed; a closed socket ends
// its pump.
func (w *worker) startPumps() {
	for _, ns := range w.sockets {
		go func(ns namedSocket) {
			for {
				data, err := ns.sock.RecvTimeout(time.Second)
				if err != nil {
					if errors.Is(err, channel.ErrRecvTimeout) {
						select {
						case <-w.forceQuit:
							return
						default:
							continue
						}
					}
					// Closed or broken socket: pump ends. The loop keeps
					// running; liveness is the heartbeat's concern.
					return
				}
				select {
				case w.sockCh <- sockEvent{name: ns.name, data: data}:
				case <-w.forceQuit:
					return
				}
			}
		}(ns)
	}
}

// currentWait is the bounded poll wait: zero when pre-iteration callbacks
// are installed so they keep getting serviced promptly.
func (w *worker) currentWait() time.Duration {
	if len(w.preCBs) > 0 {
		return 0
	}
	return w.pollWait
}

// pollOnce waits up to wait for the control pipe or a registered socket
// to fire and services exactly one of them. Nothing firing within the
// window is a normal, silent outcome.
func (w *worker) pollOnce(wait time.Duration) {
	if wait <= 0 {
		select {
		case e := <-w.pipe:
			w.dispatch(e)
			return
		default:
		}
		select {
		case se := <-w.sockCh:
			w.postIteration(se)
			return
		default:
		}
		select {
		case <-w.forceQuit:
			w.status = statusStopping
		default:
			// Nothing fired; yield so a zero-wait loop cannot starve the
			// scheduler between callback runs.
			time.Sleep(time.Millisecond)
		}
		return
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case e := <-w.pipe:
		w.dispatch(e)
	case se := <-w.sockCh:
		w.postIteration(se)
	case <-w.forceQuit:
		w.status = statusStopping
	case <-timer.C:
	}
}

func (w *worker) postIteration(se sockEvent) {
	for _, cb := range w.postCBs {
		cb(se.name, se.data)
	}
}

// dispatch decodes and executes one command from the control pipe. An
// unknown tag or a failing handler body is a programming error: the
// worker records it and stops, which the supervisor observes as an
// abnormal quit.
func (w *worker) dispatch(e pipeEntry) {
	if e.timer != nil {
		w.timers[e.timer.id] = &timerState{
			period: e.timer.period,
			next:   time.Now().Add(e.timer.period),
			fn:     e.timer.fn,
		}
		return
	}
	if e.fn != nil {
		w.preCBs = append(w.preCBs, e.fn)
		return
	}

	tag, args, err := decodeCommand(e.data)
	if err != nil {
		w.fail(fmt.Errorf("worker %s: %w", w.name, err))
		return
	}

	if tag == TagQuit {
		w.status = statusStopping
		return
	}

	entry, ok := w.handlers[tag]
	if !ok {
		w.fail(fmt.Errorf("worker %s: unknown command tag %q", w.name, tag))
		return
	}

	resolved, err := w.resolveArgs(entry, args)
	if err != nil {
		w.fail(fmt.Errorf("worker %s: command %s: %w", w.name, tag, err))
		return
	}

	result, err := w.invoke(tag, entry.body, resolved)
	if err != nil {
		w.fail(err)
		return
	}
	if result != nil {
		w.emitList(result)
	}
}

func (w *worker) resolveArgs(entry handlerEntry, args []any) ([]any, error) {
	if len(entry.argTypes) == 0 {
		return args, nil
	}
	resolved := make([]any, len(args))
	copy(resolved, args)
	for i, typ := range entry.argTypes {
		if typ == "" || i >= len(args) {
			continue
		}
		r, ok := w.resolvers[typ]
		if !ok {
			return nil, fmt.Errorf("no resolver for argument type %q", typ)
		}
		v, err := r(args[i])
		if err != nil {
			return nil, fmt.Errorf("resolving argument %d as %s: %w", i, typ, err)
		}
		resolved[i] = v
	}
	return resolved, nil
}

// invoke runs a handler body, converting a panic into the worker's fatal
// error so the supervisor sees a terminal quit instead of a crashed
// process.
func (w *worker) invoke(tag string, body Handler, args []any) (result []any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker %s: handler %s panicked: %v", w.name, tag, r)
		}
	}()
	result, err = body(args)
	if err != nil {
		err = fmt.Errorf("worker %s: handler %s: %w", w.name, tag, err)
	}
	return result, err
}

func (w *worker) fail(err error) {
	log.Printf("[loop %s] fatal: %v", w.name, err)
	w.err = err
	w.status = statusStopping
}

func (w *worker) fireTimers() {
	if len(w.timers) == 0 {
		return
	}
	now := time.Now()
	for _, t := range w.timers {
		if now.Before(t.next) {
			continue
		}
		t.fn()
		t.next = now.Add(t.period)
	}
}

// emit serializes (tag, args...) and sends it to the supervisor. Events
// are dropped, not blocked on, if the supervisor has stopped draining;
// the worker must never deadlock on its owner.
func (w *worker) emit(tag string, args ...any) {
	w.emitList(append([]any{tag}, args...))
}

func (w *worker) emitList(list []any) {
	data, err := encodeList(list)
	if err != nil {
		log.Printf("[loop %s] dropping unencodable event %v: %v", w.name, list, err)
		return
	}
	select {
	case w.events <- data:
	case <-w.forceQuit:
	}
}

// encodeList encodes an event or command tuple as a printable nested
// list: a JSON array whose first element is the tag.
func encodeList(list []any) ([]byte, error) {
	if len(list) == 0 {
		return nil, errors.New("eventloop: empty tuple")
	}
	if _, ok := list[0].(string); !ok {
		return nil, fmt.Errorf("eventloop: tuple tag must be a string, got %T", list[0])
	}
	return json.Marshal(list)
}

func decodeCommand(data []byte) (tag string, args []any, err error) {
	var list []any
	if err := json.Unmarshal(data, &list); err != nil {
		return "", nil, fmt.Errorf("malformed command: %v", err)
	}
	if len(list) == 0 {
		return "", nil, errors.New("malformed command: empty list")
	}
	tag, ok := list[0].(string)
	if !ok {
		return "", nil, fmt.Errorf("malformed command: tag is %T", list[0])
	}
	return tag, list[1:], nil
}
