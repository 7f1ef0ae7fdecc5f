// Package channel binds one logical kernel channel role to a socket and
// a signing session. Channels are the data-plane primitive everything
// above (event loop, heartbeat, manager) is built on.
package channel

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/kernelmux/kernelmux/internal/wire"
)

// Role names one of the five logical channels of a kernel connection.
type Role string

const (
	RoleShell   Role = "shell"
	RoleControl Role = "control"
	RoleIOPub   Role = "iopub"
	RoleStdin   Role = "stdin"
	RoleHB      Role = "hb"
)

// Roles lists every channel role in a stable order.
var Roles = []Role{RoleShell, RoleControl, RoleIOPub, RoleStdin, RoleHB}

func (r Role) String() string { return string(r) }

// ErrNotAlive is returned by Send/Recv on a channel whose socket is not
// bound.
var ErrNotAlive = errors.New("channel: not alive")

// Channel is one bound channel role. Start binds the socket, Stop closes
// and nulls it; the zero state is stopped. Safe for concurrent use except
// Recv, which must have a single caller at a time.
type Channel struct {
	role     Role
	endpoint string
	session  *wire.Session
	dialer   Dialer

	mu       sync.Mutex
	sock     Socket
	identity string
}

func New(role Role, endpoint string, session *wire.Session, dialer Dialer) *Channel {
	return &Channel{
		role:     role,
		endpoint: endpoint,
		session:  session,
		dialer:   dialer,
	}
}

func (c *Channel) Role() Role       { return c.role }
func (c *Channel) Endpoint() string { return c.endpoint }

// Session returns the signing session shared by all channels of this
// kernel connection.
func (c *Channel) Session() *wire.Session { return c.session }

// Start binds the socket with the given routing identity. No-op if the
// channel is already alive.
func (c *Channel) Start(identity string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sock != nil {
		return nil
	}
	sock, err := c.dialer.Dial(c.role, c.endpoint, identity)
	if err != nil {
		return fmt.Errorf("starting %s channel: %w", c.role, err)
	}
	c.sock = sock
	c.identity = identity
	return nil
}

// Stop closes the socket and nulls the handle. No-op if already stopped.
// Pending outbound data is discarded rather than flushed; a dead kernel
// must not be able to block teardown.
func (c *Channel) Stop() {
	c.mu.Lock()
	sock := c.sock
	c.sock = nil
	c.mu.Unlock()
	if sock != nil {
		sock.Close()
	}
}

// Restart stops and starts the channel, keeping the previous identity.
// Used by the heartbeat monitor to clear socket-level desynchronization.
func (c *Channel) Restart() error {
	c.mu.Lock()
	identity := c.identity
	c.mu.Unlock()
	c.Stop()
	return c.Start(identity)
}

// Alive reports whether the socket is bound.
func (c *Channel) Alive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sock != nil
}

func (c *Channel) socket() (Socket, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sock == nil {
		return nil, ErrNotAlive
	}
	return c.sock, nil
}

// Send builds, signs and sends a message of msgType with the given
// content, returning the sent message so callers can correlate replies
// by its msg_id.
func (c *Channel) Send(msgType string, content any) (*wire.Message, error) {
	msg, err := c.session.NewMessage(msgType, content)
	if err != nil {
		return nil, err
	}
	if err := c.SendMessage(msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// SendMessage signs and sends an already-built message.
func (c *Channel) SendMessage(msg *wire.Message) error {
	sock, err := c.socket()
	if err != nil {
		return err
	}
	data, err := c.session.Serialize(msg)
	if err != nil {
		return fmt.Errorf("%s channel: %w", c.role, err)
	}
	if err := sock.Send(data); err != nil {
		return fmt.Errorf("%s channel: %w", c.role, err)
	}
	return nil
}

// Recv blocks until a message arrives, then verifies and decodes it.
func (c *Channel) Recv() (*wire.Message, error) {
	sock, err := c.socket()
	if err != nil {
		return nil, err
	}
	data, err := sock.Recv()
	if err != nil {
		return nil, err
	}
	return c.decode(data)
}

// RecvTimeout waits up to d for a message. Returns ErrRecvTimeout when
// nothing arrived.
func (c *Channel) RecvTimeout(d time.Duration) (*wire.Message, error) {
	sock, err := c.socket()
	if err != nil {
		return nil, err
	}
	data, err := sock.RecvTimeout(d)
	if err != nil {
		return nil, err
	}
	return c.decode(data)
}

func (c *Channel) decode(data []byte) (*wire.Message, error) {
	msg, err := c.session.Deserialize(data)
	if err != nil {
		return nil, fmt.Errorf("%s channel: %w", c.role, err)
	}
	return msg, nil
}

// Raw returns the bound socket, nil when stopped. The event loop
// registers channel sockets in its poll set through this.
func (c *Channel) Raw() Socket {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sock
}

// SendRaw sends bytes without envelope framing. The heartbeat protocol is
// a raw echo, not a signed message exchange.
func (c *Channel) SendRaw(data []byte) error {
	sock, err := c.socket()
	if err != nil {
		return err
	}
	return sock.Send(data)
}

// RecvRawTimeout receives raw bytes with a bounded wait.
func (c *Channel) RecvRawTimeout(d time.Duration) ([]byte, error) {
	sock, err := c.socket()
	if err != nil {
		return nil, err
	}
	return sock.RecvTimeout(d)
}
