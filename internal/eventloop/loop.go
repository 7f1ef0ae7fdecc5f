// Package eventloop implements the asynchronous dispatch engine: a
// worker goroutine that owns a poll/dispatch loop and a supervisor handle
// that talks to it exclusively through message passing over a single
// control pipe, so the two sides never share mutable state.
package eventloop

import (
	"errors"
	"fmt"
	"time"

	"github.com/kernelmux/kernelmux/internal/channel"
)

// Reserved command tags. TagStart and TagQuit bracket the worker's
// lifetime; TagCallback and TagTimer are pseudo-commands that may be
// injected while the loop is running and never emit a reply.
const (
	TagStart    = "start"
	TagQuit     = "quit"
	TagCallback = "callback"
	TagTimer    = "timer"
)

var (
	// ErrReservedTag is returned by AddEvent for quit/callback/timer.
	ErrReservedTag = errors.New("eventloop: reserved tag")
	// ErrStarted is returned by registration calls after Start.
	ErrStarted = errors.New("eventloop: already started")
	// ErrNotRunning is returned by Send when the worker is not alive.
	ErrNotRunning = errors.New("eventloop: worker not running")
	// ErrWaitTimeout is the typed timeout outcome of WaitUntil.
	ErrWaitTimeout = errors.New("eventloop: wait timed out")
)

// Handler is one registered command body. args carry the decoded command
// arguments after argument-type resolution. A non-nil result is emitted
// back to the supervisor as an event whose tag is result[0].
type Handler func(args []any) ([]any, error)

// Resolver rewrites a supervisor-side argument value into its worker-side
// form immediately before dispatch (e.g. a channel role name into a live
// socket handle).
type Resolver func(value any) (any, error)

type handlerEntry struct {
	argTypes []string // per-argument resolver names, "" = passthrough
	body     Handler
}

// DefaultPollWait bounds each poll iteration when no pre-iteration
// callbacks are installed.
const DefaultPollWait = 200 * time.Millisecond

// Loop is the pre-start definition of one worker: its dispatch table,
// argument-type resolvers, hooks and polled sockets. All registration
// happens before Start; the table is immutable afterwards (only the
// callback/timer pseudo-commands may inject behavior at runtime).
type Loop struct {
	name      string
	pollWait  time.Duration
	handlers  map[string]handlerEntry
	resolvers map[string]Resolver
	setup     []func() error
	teardown  []func()
	sockets   []namedSocket
	preCBs    []func()
	postCBs   []PostCallback
	started   bool
}

// PostCallback receives raw poll results from non-control sockets, so
// channel-specific reactions (message drains) run without going through
// the command table.
type PostCallback func(socket string, data []byte)

type namedSocket struct {
	name string
	sock channel.Socket
}

func New(name string) *Loop {
	return &Loop{
		name:      name,
		pollWait:  DefaultPollWait,
		handlers:  make(map[string]handlerEntry),
		resolvers: make(map[string]Resolver),
	}
}

// SetPollWait overrides the bounded poll wait. Ignored once pre-iteration
// callbacks exist (those force a zero wait).
func (l *Loop) SetPollWait(d time.Duration) {
	l.pollWait = d
}

// AddEvent registers or replaces the handler for tag. argTypes gives the
// resolver name for each positional argument; empty entries pass the
// value through unchanged.
func (l *Loop) AddEvent(tag string, argTypes []string, body Handler) error {
	if l.started {
		return ErrStarted
	}
	switch tag {
	case TagQuit, TagCallback, TagTimer:
		return fmt.Errorf("%w: %s", ErrReservedTag, tag)
	}
	l.handlers[tag] = handlerEntry{argTypes: argTypes, body: body}
	return nil
}

// AddArgumentType registers the resolver invoked for arguments whose
// binding names this type.
func (l *Loop) AddArgumentType(name string, r Resolver) error {
	if l.started {
		return ErrStarted
	}
	l.resolvers[name] = r
	return nil
}

// AddSetup appends a worker-local initialization step, run once inside
// the worker before the loop starts. A setup error aborts the start and
// is surfaced to the supervisor's Start call.
func (l *Loop) AddSetup(fn func() error) error {
	if l.started {
		return ErrStarted
	}
	l.setup = append(l.setup, fn)
	return nil
}

// AddTeardown appends a cleanup step, run once after quit is observed.
func (l *Loop) AddTeardown(fn func()) error {
	if l.started {
		return ErrStarted
	}
	l.teardown = append(l.teardown, fn)
	return nil
}

// AddSocket registers a socket the worker polls alongside its control
// pipe. Traffic on it is handed to the post-iteration callbacks.
func (l *Loop) AddSocket(name string, sock channel.Socket) error {
	if l.started {
		return ErrStarted
	}
	l.sockets = append(l.sockets, namedSocket{name: name, sock: sock})
	return nil
}

// AddPreCallback registers a callback run at the top of every iteration.
// Any registered pre-callback drops the poll wait to zero, trading CPU
// for latency.
func (l *Loop) AddPreCallback(fn func()) error {
	if l.started {
		return ErrStarted
	}
	l.preCBs = append(l.preCBs, fn)
	return nil
}

// AddPostCallback registers a callback receiving raw socket poll results.
func (l *Loop) AddPostCallback(fn PostCallback) error {
	if l.started {
		return ErrStarted
	}
	l.postCBs = append(l.postCBs, fn)
	return nil
}
