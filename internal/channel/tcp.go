package channel

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

// maxFrameSize bounds a single TCP frame. Envelopes are small; anything
// beyond this is a corrupt or hostile stream.
const maxFrameSize = 64 << 20

// TCPDialer dials plain TCP endpoints. Frames are length-prefixed with a
// big-endian uint32, preserving message boundaries over the byte stream.
// The zero value is usable.
type TCPDialer struct {
	// DialTimeout bounds the connect; zero means 10s.
	DialTimeout time.Duration
}

func (d *TCPDialer) Dial(role Role, endpoint, identity string) (Socket, error) {
	timeout := d.DialTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	conn, err := net.DialTimeout("tcp", endpoint, timeout)
	if err != nil {
		return nil, fmt.Errorf("dialing %s channel at %s: %w", role, endpoint, err)
	}
	// Identity is carried inside the envelope frames on this transport.
	return newTCPSocket(conn), nil
}

// DialerFor returns the dialer for a configured transport.
func DialerFor(transport string) (Dialer, error) {
	switch transport {
	case "ws":
		return &WSDialer{}, nil
	case "tcp":
		return &TCPDialer{}, nil
	default:
		return nil, fmt.Errorf("unsupported transport %q", transport)
	}
}

type tcpSocket struct {
	conn    net.Conn
	writeMu sync.Mutex

	readMu  sync.Mutex
	readErr error // sticky: set once the stream is desynchronized

	mu     sync.Mutex
	closed bool
}

func newTCPSocket(conn net.Conn) *tcpSocket {
	return &tcpSocket{conn: conn}
}

func (s *tcpSocket) Send(data []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.mu.Unlock()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(data)))
	if _, err := s.conn.Write(prefix[:]); err != nil {
		return fmt.Errorf("tcp send: %w", err)
	}
	if _, err := s.conn.Write(data); err != nil {
		return fmt.Errorf("tcp send: %w", err)
	}
	return nil
}

func (s *tcpSocket) Recv() ([]byte, error) {
	return s.recv(time.Time{})
}

func (s *tcpSocket) RecvTimeout(d time.Duration) ([]byte, error) {
	return s.recv(time.Now().Add(d))
}

func (s *tcpSocket) recv(deadline time.Time) ([]byte, error) {
	s.readMu.Lock()
	defer s.readMu.Unlock()
	if s.readErr != nil {
		return nil, s.readErr
	}

	s.conn.SetReadDeadline(deadline)
	var prefix [4]byte
	n, err := io.ReadFull(s.conn, prefix[:])
	if err != nil {
		return nil, s.mapReadErr(err, n > 0)
	}
	size := binary.BigEndian.Uint32(prefix[:])
	if size > maxFrameSize {
		s.readErr = fmt.Errorf("tcp recv: frame of %d bytes exceeds limit", size)
		return nil, s.readErr
	}
	data := make([]byte, size)
	if _, err := io.ReadFull(s.conn, data); err != nil {
		return nil, s.mapReadErr(err, true)
	}
	return data, nil
}

// mapReadErr translates a read failure. A timeout before any byte of the
// frame was consumed is transient and retryable; a timeout mid-frame
// leaves the stream desynchronized, so the socket is failed permanently
// rather than letting the next read parse leftover bytes as a length.
// Called with readMu held.
func (s *tcpSocket) mapReadErr(err error, midFrame bool) error {
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		if !midFrame {
			return ErrRecvTimeout
		}
		s.readErr = errors.New("tcp recv: timed out mid-frame, stream desynchronized")
		return s.readErr
	}
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrClosed
	}
	return fmt.Errorf("tcp recv: %w", err)
}

func (s *tcpSocket) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	return s.conn.Close()
}
