package kernel

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/kernelmux/kernelmux/internal/channel"
	"github.com/kernelmux/kernelmux/internal/wire"
)

// controlHarness answers (or ignores) control-channel requests the way a
// kernel would.
type controlHarness struct {
	far     channel.Socket
	session *wire.Session
}

func newControlHarness(t *testing.T, key string, dialer *channel.PipeDialer) *controlHarness {
	t.Helper()
	near, far := channel.NewPipe(16)
	dialer.Register(channel.RoleControl, near)
	return &controlHarness{
		far:     far,
		session: wire.NewSession(key, "", "kernel"),
	}
}

// replyTo echoes a correlated reply for every request whose type matches.
func (h *controlHarness) replyTo(reqType, repType string) {
	go func() {
		for {
			data, err := h.far.Recv()
			if err != nil {
				return
			}
			req, err := h.session.Deserialize(data)
			if err != nil || req.Header.MsgType != reqType {
				continue
			}
			reply, err := h.session.NewReply(repType, req, nil)
			if err != nil {
				return
			}
			out, err := h.session.Serialize(reply)
			if err != nil {
				return
			}
			if err := h.far.Send(out); err != nil {
				return
			}
		}
	}()
}

func attachedManager(t *testing.T, interruptMode string) (*Manager, *controlHarness) {
	t.Helper()
	p := NewFromConnectionFile(writeConnFile(t))
	p.spec.InterruptMode = interruptMode
	if err := p.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(p.Kill)

	dialer := channel.NewPipeDialer()
	h := newControlHarness(t, "attached-key", dialer)
	return NewManager(p, dialer), h
}

func TestStartChannelsLazy(t *testing.T) {
	m, _ := attachedManager(t, InterruptMessage)

	if m.ControlChannel() != nil {
		t.Error("control channel exists before StartChannels()")
	}
	if err := m.StartChannels(); err != nil {
		t.Fatalf("StartChannels() error: %v", err)
	}
	ch := m.ControlChannel()
	if ch == nil || !ch.Alive() {
		t.Fatal("control channel not alive after StartChannels()")
	}

	// Repeated calls reuse the live channel.
	if err := m.StartChannels(); err != nil {
		t.Fatal(err)
	}
	if m.ControlChannel() != ch {
		t.Error("StartChannels() replaced a live control channel")
	}

	// A stopped channel is lazily recreated.
	ch.Stop()
	if err := m.StartChannels(); err != nil {
		t.Fatal(err)
	}
	if !m.ControlChannel().Alive() {
		t.Error("control channel not recreated after stop")
	}
}

func TestInterruptMessageMode(t *testing.T) {
	m, h := attachedManager(t, InterruptMessage)
	h.replyTo("interrupt_request", "interrupt_reply")

	if err := m.Interrupt(5 * time.Second); err != nil {
		t.Fatalf("Interrupt() error: %v", err)
	}
}

func TestInterruptTimeout(t *testing.T) {
	m, _ := attachedManager(t, InterruptMessage) // peer never answers

	start := time.Now()
	err := m.Interrupt(200 * time.Millisecond)
	if !errors.Is(err, ErrInterruptTimeout) {
		t.Errorf("Interrupt() = %v, want ErrInterruptTimeout", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Interrupt(200ms) took %v", elapsed)
	}
}

func TestShutdownUnresponsiveKillsWithinTimeout(t *testing.T) {
	m, _ := attachedManager(t, InterruptMessage) // ignores shutdown_request

	start := time.Now()
	err := m.Shutdown(false, 300*time.Millisecond)
	elapsed := time.Since(start)

	if !errors.Is(err, ErrShutdownTimeout) {
		t.Errorf("Shutdown() = %v, want ErrShutdownTimeout", err)
	}
	if elapsed > 3*time.Second {
		t.Errorf("Shutdown(300ms) took %v", elapsed)
	}
	if m.Kernel().State() != Dead {
		t.Errorf("kernel state = %v after forced shutdown, want dead", m.Kernel().State())
	}
	if m.ControlChannel() != nil {
		t.Error("control channel survives a non-restart shutdown")
	}
}

func TestShutdownSendsRequest(t *testing.T) {
	m, h := attachedManager(t, InterruptMessage)

	got := make(chan string, 1)
	go func() {
		data, err := h.far.Recv()
		if err != nil {
			return
		}
		msg, err := h.session.Deserialize(data)
		if err != nil {
			return
		}
		var content struct {
			Restart bool `json:"restart"`
		}
		json.Unmarshal(msg.Content, &content)
		if content.Restart {
			got <- msg.Header.MsgType + ":restart"
		} else {
			got <- msg.Header.MsgType
		}
	}()

	// The attached kernel never dies on request, so this force-kills; the
	// request must still have gone out first.
	m.Shutdown(false, 200*time.Millisecond)

	select {
	case v := <-got:
		if v != "shutdown_request" {
			t.Errorf("control channel saw %q, want shutdown_request", v)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no shutdown_request observed on the control channel")
	}
}

func TestInterruptSignalMode(t *testing.T) {
	dirs := specDirWithArgv(t, `["sh", "-c", "cat {connection_file} > /dev/null && sleep 60"]`)
	spec, err := FindSpec("shkernel", dirs)
	if err != nil {
		t.Fatal(err)
	}

	p := NewFromSpec(spec, LaunchOptions{
		ConnectionDir: t.TempDir(),
		FileWaitTime:  10 * time.Second,
	})
	if err := p.Start(); err != nil {
		t.Fatal(err)
	}
	defer p.Kill()

	m := NewManager(p, channel.NewPipeDialer())
	if err := m.Interrupt(time.Second); err != nil {
		t.Fatalf("Interrupt() error: %v", err)
	}

	// SIGINT terminates the sh process group.
	if !p.WaitDead(5 * time.Second) {
		t.Error("kernel survived a signal interrupt")
	}
}
