package channel

import (
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ErrRecvTimeout is returned by RecvTimeout when no message arrived in
// the window. Treated as a transient condition by pollers.
var ErrRecvTimeout = errors.New("channel: recv timeout")

// ErrClosed is returned once the socket has been closed.
var ErrClosed = errors.New("channel: socket closed")

// Socket is a duplex, message-boundary-preserving connection. Send is
// safe for concurrent use; Recv must have a single caller.
type Socket interface {
	Send(data []byte) error
	Recv() ([]byte, error)
	RecvTimeout(d time.Duration) ([]byte, error)
	Close() error
}

// Dialer opens a Socket for one channel role. The identity becomes the
// routing identity the peer sees.
type Dialer interface {
	Dial(role Role, endpoint, identity string) (Socket, error)
}

// WSDialer dials websocket endpoints. The zero value is usable.
type WSDialer struct {
	// HandshakeTimeout bounds the dial; zero means 10s.
	HandshakeTimeout time.Duration
}

func (d *WSDialer) Dial(role Role, endpoint, identity string) (Socket, error) {
	timeout := d.HandshakeTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	dialer := websocket.Dialer{HandshakeTimeout: timeout}

	header := http.Header{}
	if identity != "" {
		header.Set("X-Channel-Identity", identity)
	}
	// iopub is publish/subscribe; the subscription covers all topics, so
	// no filter header is sent.

	conn, _, err := dialer.Dial(endpoint, header)
	if err != nil {
		return nil, fmt.Errorf("dialing %s channel at %s: %w", role, endpoint, err)
	}
	return newWSSocket(conn), nil
}

// wsSocket adapts a websocket connection to the Socket contract. A
// single reader goroutine owns every read and feeds frames into a
// buffered channel; gorilla read errors are permanent, so no read
// deadline is ever set on a connection we intend to keep. Recv and
// RecvTimeout are selects on the frame channel instead.
type wsSocket struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	in   chan []byte
	quit chan struct{} // closed by Close, unblocks a full frame channel
	done chan struct{} // closed when the reader exits
	err  error         // reader's terminal error, set before done closes

	mu     sync.Mutex
	closed bool
}

func newWSSocket(conn *websocket.Conn) *wsSocket {
	s := &wsSocket{
		conn: conn,
		in:   make(chan []byte, 64),
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
	go s.readLoop()
	return s
}

func (s *wsSocket) readLoop() {
	defer close(s.done)
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			s.err = s.readErr(err)
			return
		}
		select {
		case s.in <- data:
		case <-s.quit:
			s.err = ErrClosed
			return
		}
	}
}

func (s *wsSocket) Send(data []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.mu.Unlock()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("ws send: %w", err)
	}
	return nil
}

func (s *wsSocket) Recv() ([]byte, error) {
	// Buffered frames are delivered even after the reader has exited.
	select {
	case data := <-s.in:
		return data, nil
	default:
	}
	select {
	case data := <-s.in:
		return data, nil
	case <-s.done:
		return nil, s.err
	}
}

func (s *wsSocket) RecvTimeout(d time.Duration) ([]byte, error) {
	select {
	case data := <-s.in:
		return data, nil
	default:
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case data := <-s.in:
		return data, nil
	case <-s.done:
		return nil, s.err
	case <-timer.C:
		return nil, ErrRecvTimeout
	}
}

func (s *wsSocket) readErr(err error) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrClosed
	}
	return fmt.Errorf("ws recv: %w", err)
}

// Close discards pending traffic and closes the connection. A close frame
// is attempted with a short deadline so a healthy peer sees a clean
// shutdown, but an unresponsive peer cannot block us.
func (s *wsSocket) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	close(s.quit)

	s.writeMu.Lock()
	deadline := time.Now().Add(100 * time.Millisecond)
	s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	s.writeMu.Unlock()

	return s.conn.Close()
}
