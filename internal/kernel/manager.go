package kernel

import (
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/kernelmux/kernelmux/internal/channel"
)

// ErrShutdownTimeout reports a kernel that had to be force-killed because
// it did not die within the shutdown window.
var ErrShutdownTimeout = errors.New("kernel: shutdown timed out, killed")

// ErrInterruptTimeout reports an interrupt request that got no reply.
var ErrInterruptTimeout = errors.New("kernel: interrupt timed out")

// Manager couples a kernel process with a control channel and layers the
// administrative protocols (interrupt, shutdown, restart) on top. The
// control channel is a separate socket from the bulk shell/iopub traffic
// so these calls are never queued behind execution output.
type Manager struct {
	kernel  *Process
	dialer  channel.Dialer
	control *channel.Channel
}

func NewManager(kernel *Process, dialer channel.Dialer) *Manager {
	return &Manager{kernel: kernel, dialer: dialer}
}

// Kernel returns the supervised process.
func (m *Manager) Kernel() *Process { return m.kernel }

// IsAlive is derived from the kernel process.
func (m *Manager) IsAlive() bool { return m.kernel.IsAlive() }

// StartKernel starts the kernel process itself.
func (m *Manager) StartKernel() error { return m.kernel.Start() }

// StartChannels lazily (re)creates and starts the control channel from
// the kernel's connection parameters. Safe to call repeatedly.
func (m *Manager) StartChannels() error {
	info := m.kernel.ConnectionInfo()
	session := m.kernel.Session()
	if info == nil || session == nil {
		return fmt.Errorf("kernel %s: no connection parameters", m.kernel.Spec().Name)
	}

	if m.control == nil || !m.control.Alive() {
		m.control = channel.New(channel.RoleControl, info.Endpoint("control"), session, m.dialer)
		if err := m.control.Start("control." + session.ID); err != nil {
			m.control = nil
			return err
		}
	}
	return nil
}

// StopChannels tears down the control channel.
func (m *Manager) StopChannels() {
	if m.control != nil {
		m.control.Stop()
		m.control = nil
	}
}

// ControlChannel exposes the control channel for synchronous,
// low-frequency administrative calls. Nil until StartChannels.
func (m *Manager) ControlChannel() *channel.Channel { return m.control }

// Interrupt stops the kernel's current work. Kernels declaring
// message-based interrupt get an interrupt_request over control with a
// bounded wait for the reply (its content is discarded); everything else
// gets a process-group interrupt signal.
func (m *Manager) Interrupt(timeout time.Duration) error {
	if m.kernel.Spec().InterruptMode != InterruptMessage {
		return m.kernel.SignalInterrupt()
	}

	if err := m.StartChannels(); err != nil {
		return err
	}
	req, err := m.control.Send("interrupt_request", nil)
	if err != nil {
		return err
	}

	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return ErrInterruptTimeout
		}
		reply, err := m.control.RecvTimeout(remaining)
		if err != nil {
			if errors.Is(err, channel.ErrRecvTimeout) {
				return ErrInterruptTimeout
			}
			return err
		}
		if reply.ParentHeader.MsgID == req.Header.MsgID {
			return nil
		}
		// Unrelated control traffic; keep waiting within the window.
	}
}

// Shutdown asks the kernel to exit via a shutdown_request and waits up to
// timeout for the process to die; an unresponsive kernel is force-killed,
// reported as ErrShutdownTimeout. With restart, a fresh kernel process is
// started from the same spec and the control channel is rebound;
// otherwise the channels are torn down.
func (m *Manager) Shutdown(restart bool, timeout time.Duration) error {
	var result error

	if err := m.requestShutdown(restart); err != nil {
		log.Printf("[kernel %s] shutdown request failed: %v", m.kernel.Spec().Name, err)
	}

	if !m.kernel.WaitDead(timeout) {
		m.kernel.Kill()
		result = ErrShutdownTimeout
	}
	m.StopChannels()

	if restart {
		next := NewFromSpec(m.kernel.Spec(), m.kernel.opts)
		if err := next.Start(); err != nil {
			return errors.Join(result, err)
		}
		m.kernel = next
		if err := m.StartChannels(); err != nil {
			return errors.Join(result, err)
		}
	}
	return result
}

func (m *Manager) requestShutdown(restart bool) error {
	if err := m.StartChannels(); err != nil {
		return err
	}
	_, err := m.control.Send("shutdown_request", map[string]bool{"restart": restart})
	return err
}

// Restart is shutdown-then-start with the same spec.
func (m *Manager) Restart(timeout time.Duration) error {
	return m.Shutdown(true, timeout)
}
