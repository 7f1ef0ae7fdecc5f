// Package client binds a supervised kernel to its full channel set: an
// event-loop worker pumping the shell/iopub/stdin sockets, a heartbeat
// monitor on the hb socket, and a hub fanning iopub traffic out to
// subscribers. One Client per kernel session.
package client

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/kernelmux/kernelmux/internal/channel"
	"github.com/kernelmux/kernelmux/internal/eventloop"
	"github.com/kernelmux/kernelmux/internal/heartbeat"
	"github.com/kernelmux/kernelmux/internal/kernel"
	"github.com/kernelmux/kernelmux/internal/wire"
)

var (
	// ErrCallTimeout reports a request whose reply did not arrive in time.
	ErrCallTimeout = errors.New("client: call timed out")
	// ErrDead reports an operation against a client whose kernel has died
	// or been closed.
	ErrDead = errors.New("client: kernel connection is down")
)

// Options tunes one client's loop, heartbeat and call behavior. Zero
// values fall back to the defaults used by the daemon config.
type Options struct {
	PollWait         time.Duration
	LoopStartTimeout time.Duration
	LoopStopTimeout  time.Duration
	HBPeriod         time.Duration
	HBTimeToDead     time.Duration
	HBMaxFailures    int
	CallTimeout      time.Duration
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.PollWait <= 0 {
		out.PollWait = eventloop.DefaultPollWait
	}
	if out.LoopStartTimeout <= 0 {
		out.LoopStartTimeout = 30 * time.Second
	}
	if out.LoopStopTimeout <= 0 {
		out.LoopStopTimeout = 5 * time.Second
	}
	if out.HBPeriod <= 0 {
		out.HBPeriod = 3 * time.Second
	}
	if out.HBTimeToDead <= 0 {
		out.HBTimeToDead = time.Second
	}
	if out.HBMaxFailures <= 0 {
		out.HBMaxFailures = 5
	}
	if out.CallTimeout <= 0 {
		out.CallTimeout = 10 * time.Second
	}
	return out
}

// Client owns the message-side view of one kernel: the shell, iopub and
// stdin channels polled by an event-loop worker, the heartbeat monitor,
// and the routing of replies back to callers.
type Client struct {
	manager *kernel.Manager
	dialer  channel.Dialer
	opts    Options

	registry    *Registry
	registryKey string

	loopReg *eventloop.Registry
	handle  eventloop.Handle
	sup     *eventloop.Supervisor
	hub     *Hub
	hb      *heartbeat.Monitor

	mu       sync.Mutex
	session  *wire.Session
	channels map[channel.Role]*channel.Channel
	pending  map[string]chan *wire.Message
	dead     bool
	onDeath  []func()

	deathOnce sync.Once
	closeOnce sync.Once
}

// New builds a client around proc. The kernel may be started or not;
// Start brings both the process and the channels up.
func New(proc *kernel.Process, dialer channel.Dialer, opts Options) *Client {
	return &Client{
		manager:  kernel.NewManager(proc, dialer),
		dialer:   dialer,
		opts:     (&opts).withDefaults(),
		loopReg:  eventloop.NewRegistry(),
		hub:      NewHub(),
		channels: make(map[channel.Role]*channel.Channel),
		pending:  make(map[string]chan *wire.Message),
	}
}

// Kernel returns the supervised process.
func (c *Client) Kernel() *kernel.Process { return c.manager.Kernel() }

// Key returns the registry key this client was created under, empty for
// unregistered clients. Stable across restarts, unlike the process id.
func (c *Client) Key() string { return c.registryKey }

// Manager returns the administrative manager (interrupt, shutdown,
// restart).
func (c *Client) Manager() *kernel.Manager { return c.manager }

// Hub returns the iopub fan-out hub.
func (c *Client) Hub() *Hub { return c.hub }

// OnDeath registers a callback fired once when the kernel dies or the
// heartbeat declares it dead. Not fired for an orderly Close.
func (c *Client) OnDeath(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onDeath = append(c.onDeath, fn)
}

// Start launches the kernel process if needed, connects all channels,
// and spins up the worker loop and heartbeat monitor.
func (c *Client) Start() error {
	proc := c.manager.Kernel()
	if proc.State() == kernel.Unstarted {
		if err := proc.Start(); err != nil {
			return err
		}
	}

	info := proc.ConnectionInfo()
	session := proc.Session()
	if info == nil || session == nil {
		return fmt.Errorf("client: kernel %s has no connection parameters", proc.Spec().Name)
	}

	c.mu.Lock()
	c.session = session
	c.dead = false
	c.mu.Unlock()

	roles := []channel.Role{channel.RoleShell, channel.RoleIOPub, channel.RoleStdin, channel.RoleHB}
	for _, role := range roles {
		ch := channel.New(role, info.Endpoint(role.String()), session, c.dialer)
		if err := ch.Start(role.String() + "." + session.ID); err != nil {
			c.stopChannels()
			return fmt.Errorf("client: starting %s channel: %w", role, err)
		}
		c.mu.Lock()
		c.channels[role] = ch
		c.mu.Unlock()
	}

	if err := c.manager.StartChannels(); err != nil {
		c.stopChannels()
		return err
	}

	if err := c.startLoop(); err != nil {
		c.manager.StopChannels()
		c.stopChannels()
		return err
	}

	hbCh := c.channel(channel.RoleHB)
	c.hb = heartbeat.New(hbCh, c.opts.HBPeriod, c.opts.HBTimeToDead, c.opts.HBMaxFailures, func() {
		log.Printf("[client %s] heartbeat declared kernel dead", proc.ID())
		c.notifyDeath()
	})
	c.hb.Start()

	proc.OnDied(c.notifyDeath)
	return nil
}

// startLoop builds and starts the worker that pumps the shell, iopub
// and stdin sockets and carries outbound sends in order.
func (c *Client) startLoop() error {
	proc := c.manager.Kernel()
	loop := eventloop.New("client." + proc.ID())
	loop.SetPollWait(c.opts.PollWait)

	loop.AddArgumentType("channel", func(v any) (any, error) {
		name, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("channel argument must be a string, got %T", v)
		}
		ch := c.channel(channel.Role(name))
		if ch == nil {
			return nil, fmt.Errorf("no channel %q", name)
		}
		return ch, nil
	})
	loop.AddEvent("send", []string{"channel", ""}, func(args []any) ([]any, error) {
		ch := args[0].(*channel.Channel)
		raw, ok := args[1].(string)
		if !ok {
			return nil, fmt.Errorf("send payload must be a string, got %T", args[1])
		}
		if err := ch.SendRaw([]byte(raw)); err != nil {
			if errors.Is(err, channel.ErrNotAlive) || errors.Is(err, channel.ErrClosed) {
				log.Printf("[client %s] dropping send on dead %s channel", proc.ID(), ch.Role())
				return nil, nil
			}
			return nil, err
		}
		return nil, nil
	})

	for _, role := range []channel.Role{channel.RoleShell, channel.RoleIOPub, channel.RoleStdin} {
		ch := c.channel(role)
		loop.AddSocket(role.String(), ch.Raw())
	}
	loop.AddPostCallback(c.routeInbound)

	c.handle = c.loopReg.Add(c)
	sup, err := loop.Start(c.loopReg, c.handle, c.opts.LoopStartTimeout)
	if err != nil {
		c.loopReg.Release(c.handle)
		c.handle = 0
		return err
	}
	c.mu.Lock()
	c.sup = sup
	c.mu.Unlock()
	return nil
}

// DispatchEvent receives loop lifecycle events. An unexpected quit means
// the worker died underneath us.
func (c *Client) DispatchEvent(tag string, args []any) error {
	switch tag {
	case eventloop.TagStart:
		return nil
	case eventloop.TagQuit:
		if len(args) > 0 && args[0] != nil {
			log.Printf("[client %s] worker quit: %v", c.manager.Kernel().ID(), args[0])
			c.notifyDeath()
		}
		return nil
	default:
		return eventloop.ErrUnhandled
	}
}

// routeInbound is the worker's post-iteration callback: every polled
// frame lands here. iopub and stdin go to the hub; shell replies are
// matched to waiting callers by parent message id.
func (c *Client) routeInbound(socket string, data []byte) {
	c.mu.Lock()
	session := c.session
	c.mu.Unlock()
	if session == nil {
		return
	}

	msg, err := session.Deserialize(data)
	if err != nil {
		log.Printf("[client %s] dropping bad %s frame: %v", c.manager.Kernel().ID(), socket, err)
		return
	}

	switch channel.Role(socket) {
	case channel.RoleIOPub, channel.RoleStdin:
		// stdin carries kernel-initiated requests (input_request), not
		// replies, so it fans out to subscribers like iopub.
		c.hub.Publish(msg)
	case channel.RoleShell:
		c.resolvePending(msg)
	}
}

func (c *Client) resolvePending(msg *wire.Message) {
	parent := msg.ParentHeader.MsgID
	if parent == "" {
		return
	}
	c.mu.Lock()
	ch, ok := c.pending[parent]
	if ok {
		delete(c.pending, parent)
	}
	c.mu.Unlock()
	if ok {
		ch <- msg
	}
}

// Call sends a request on the shell channel and waits for the matching
// reply. The send travels through the worker's control pipe, so requests
// queued by different goroutines keep their order.
func (c *Client) Call(msgType string, content any, timeout time.Duration) (*wire.Message, error) {
	return c.call(channel.RoleShell, msgType, content, timeout)
}

// Input answers a pending stdin request from the kernel.
func (c *Client) Input(parent *wire.Message, value string) error {
	c.mu.Lock()
	session := c.session
	dead := c.dead
	sup := c.sup
	c.mu.Unlock()
	if dead || session == nil || sup == nil {
		return ErrDead
	}

	reply, err := session.NewReply("input_reply", parent, map[string]string{"value": value})
	if err != nil {
		return err
	}
	data, err := session.Serialize(reply)
	if err != nil {
		return err
	}
	return sup.Send("send", string(channel.RoleStdin), string(data))
}

func (c *Client) call(role channel.Role, msgType string, content any, timeout time.Duration) (*wire.Message, error) {
	if timeout <= 0 {
		timeout = c.opts.CallTimeout
	}

	c.mu.Lock()
	session := c.session
	dead := c.dead
	sup := c.sup
	c.mu.Unlock()
	if dead || session == nil || sup == nil {
		return nil, ErrDead
	}

	req, err := session.NewMessage(msgType, content)
	if err != nil {
		return nil, err
	}
	data, err := session.Serialize(req)
	if err != nil {
		return nil, err
	}

	reply := make(chan *wire.Message, 1)
	c.mu.Lock()
	c.pending[req.Header.MsgID] = reply
	c.mu.Unlock()

	if err := sup.Send("send", string(role), string(data)); err != nil {
		c.dropPending(req.Header.MsgID)
		return nil, err
	}

	select {
	case msg := <-reply:
		if msg == nil {
			// Channel closed by teardown: the kernel went away while we
			// were waiting.
			return nil, ErrDead
		}
		return msg, nil
	case <-time.After(timeout):
		c.dropPending(req.Header.MsgID)
		return nil, fmt.Errorf("%w: %s after %s", ErrCallTimeout, msgType, timeout)
	}
}

// failPending closes every outstanding reply channel so waiting callers
// fail fast instead of running out their timeouts.
func (c *Client) failPending() {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[string]chan *wire.Message)
	c.mu.Unlock()
	for _, ch := range pending {
		close(ch)
	}
}

func (c *Client) dropPending(msgID string) {
	c.mu.Lock()
	delete(c.pending, msgID)
	c.mu.Unlock()
}

// Interrupt forwards to the manager, pausing the heartbeat for the
// duration so a busy kernel is not declared dead mid-interrupt.
func (c *Client) Interrupt(timeout time.Duration) error {
	if c.hb != nil {
		c.hb.Pause()
		defer c.hb.Unpause()
	}
	return c.manager.Interrupt(timeout)
}

// Shutdown stops the kernel and tears the client down. With restart set
// the manager boots a replacement process and the client reconnects all
// channels to it.
func (c *Client) Shutdown(restart bool, timeout time.Duration) error {
	// An orderly exit must not look like a death: detach the died
	// callback before asking the kernel to go.
	c.manager.Kernel().OnDied(nil)

	if c.hb != nil {
		c.hb.Stop()
		c.hb = nil
	}
	c.stopLoop()
	c.stopChannels()
	c.failPending()

	err := c.manager.Shutdown(restart, timeout)
	if !restart {
		c.teardown(true)
		return err
	}
	if err != nil {
		c.teardown(false)
		return err
	}
	return c.Start()
}

// Restart is Shutdown(restart=true).
func (c *Client) Restart(timeout time.Duration) error {
	return c.Shutdown(true, timeout)
}

// Close tears the client down without touching the kernel process.
// Used when the daemon detaches from an externally managed kernel.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.manager.Kernel().OnDied(nil)
		if c.hb != nil {
			c.hb.Stop()
			c.hb = nil
		}
		c.stopLoop()
		c.manager.StopChannels()
		c.stopChannels()
		c.teardown(true)
	})
}

// IsAlive reports whether the kernel process is alive and the client has
// not observed a death.
func (c *Client) IsAlive() bool {
	c.mu.Lock()
	dead := c.dead
	c.mu.Unlock()
	return !dead && c.manager.IsAlive()
}

// HeartbeatFailures returns the monitor's consecutive failure count.
func (c *Client) HeartbeatFailures() int {
	if c.hb == nil {
		return 0
	}
	return c.hb.Failures()
}

func (c *Client) channel(role channel.Role) *channel.Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channels[role]
}

func (c *Client) stopLoop() {
	c.mu.Lock()
	sup := c.sup
	c.sup = nil
	c.mu.Unlock()

	if sup != nil {
		if err := sup.Stop(c.opts.LoopStopTimeout); err != nil {
			log.Printf("[client %s] loop stop: %v", c.manager.Kernel().ID(), err)
		}
	}
	if c.handle != 0 {
		c.loopReg.Release(c.handle)
		c.handle = 0
	}
}

func (c *Client) stopChannels() {
	c.mu.Lock()
	chans := c.channels
	c.channels = make(map[channel.Role]*channel.Channel)
	c.mu.Unlock()
	for _, ch := range chans {
		ch.Stop()
	}
}

// teardown marks the client dead, fails outstanding calls, and drops it
// from the registry. With closeHub set the iopub feeds are closed too.
func (c *Client) teardown(closeHub bool) {
	c.mu.Lock()
	c.dead = true
	c.session = nil
	c.mu.Unlock()

	c.failPending()
	if closeHub {
		c.hub.CloseAll()
	}
	if c.registry != nil && c.registryKey != "" {
		c.registry.Remove(c.registryKey)
	}
}

// notifyDeath handles an unexpected kernel death, from either the
// process watcher or the heartbeat monitor. Runs the death callbacks
// exactly once.
func (c *Client) notifyDeath() {
	c.deathOnce.Do(func() {
		c.mu.Lock()
		cbs := append([]func(){}, c.onDeath...)
		c.mu.Unlock()

		log.Printf("[client %s] kernel died", c.manager.Kernel().ID())
		hb := c.hb
		c.hb = nil
		if hb != nil {
			// May be running on the monitor's own goroutine (the onDead
			// callback), where a synchronous Stop would deadlock.
			go hb.Stop()
		}
		c.stopLoop()
		c.manager.StopChannels()
		c.stopChannels()
		c.teardown(true)
		for _, fn := range cbs {
			fn()
		}
	})
}
