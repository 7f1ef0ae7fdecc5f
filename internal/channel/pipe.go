package channel

import (
	"sync"
	"time"
)

// pipeSocket is one end of an in-memory socket pair. Used by tests and by
// the event loop's loopback wiring; behaves like a ws socket without the
// network.
type pipeSocket struct {
	in  chan []byte
	out chan []byte

	closed chan struct{}
	once   sync.Once
	peer   *pipeSocket
}

// NewPipe returns the two ends of a connected in-memory socket pair with
// the given buffer depth per direction. Closing either end unblocks both.
func NewPipe(depth int) (Socket, Socket) {
	ab := make(chan []byte, depth)
	ba := make(chan []byte, depth)
	a := &pipeSocket{in: ba, out: ab, closed: make(chan struct{})}
	b := &pipeSocket{in: ab, out: ba, closed: make(chan struct{})}
	a.peer = b
	b.peer = a
	return a, b
}

func (p *pipeSocket) Send(data []byte) error {
	msg := make([]byte, len(data))
	copy(msg, data)
	select {
	case <-p.closed:
		return ErrClosed
	case <-p.peer.closed:
		return ErrClosed
	case p.out <- msg:
		return nil
	}
}

func (p *pipeSocket) Recv() ([]byte, error) {
	// Buffered messages are delivered even after close.
	select {
	case msg := <-p.in:
		return msg, nil
	default:
	}
	select {
	case msg := <-p.in:
		return msg, nil
	case <-p.closed:
		return nil, ErrClosed
	}
}

func (p *pipeSocket) RecvTimeout(d time.Duration) ([]byte, error) {
	select {
	case msg := <-p.in:
		return msg, nil
	default:
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case msg := <-p.in:
		return msg, nil
	case <-p.closed:
		return nil, ErrClosed
	case <-timer.C:
		return nil, ErrRecvTimeout
	}
}

func (p *pipeSocket) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}

// PipeDialer hands out in-memory sockets keyed by role. Tests register a
// fixed socket or a factory per role and give channels the dialer.
type PipeDialer struct {
	mu        sync.Mutex
	factories map[Role]func() (Socket, error)
}

func NewPipeDialer() *PipeDialer {
	return &PipeDialer{factories: make(map[Role]func() (Socket, error))}
}

// Register installs a fixed socket returned by every Dial for role.
func (d *PipeDialer) Register(role Role, s Socket) {
	d.RegisterFunc(role, func() (Socket, error) { return s, nil })
}

// RegisterFunc installs a factory invoked on each Dial for role, so a
// restarted channel gets a fresh socket.
func (d *PipeDialer) RegisterFunc(role Role, f func() (Socket, error)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.factories[role] = f
}

func (d *PipeDialer) Dial(role Role, endpoint, identity string) (Socket, error) {
	d.mu.Lock()
	f, ok := d.factories[role]
	d.mu.Unlock()
	if !ok {
		return nil, ErrClosed
	}
	return f()
}
