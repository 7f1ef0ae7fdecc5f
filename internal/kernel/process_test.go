package kernel

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kernelmux/kernelmux/internal/connect"
)

func writeConnFile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "kernel-attached.json")
	info := &connect.Info{
		Transport:       "ws",
		IP:              "127.0.0.1",
		ShellPort:       50001,
		IOPubPort:       50002,
		StdinPort:       50003,
		ControlPort:     50004,
		HBPort:          50005,
		SignatureScheme: connect.DefaultSignatureScheme,
		Key:             "attached-key",
	}
	if err := connect.WriteFile(path, info); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestAttachLifecycle(t *testing.T) {
	p := NewFromConnectionFile(writeConnFile(t))

	if p.State() != Unstarted {
		t.Errorf("new process state = %v, want unstarted", p.State())
	}
	if p.Session() != nil {
		t.Error("session bound before start")
	}

	if err := p.Start(); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if p.State() != Alive {
		t.Errorf("state = %v, want alive", p.State())
	}
	if !p.IsAlive() {
		t.Error("IsAlive() false on attached kernel")
	}
	info := p.ConnectionInfo()
	if info == nil || info.ShellPort != 50001 {
		t.Errorf("ConnectionInfo() = %+v", info)
	}
	if p.Session() == nil {
		t.Fatal("no session bound after start")
	}

	p.Kill()
	if p.State() != Dead {
		t.Errorf("state after Kill() = %v, want dead", p.State())
	}
	if p.Session() != nil {
		t.Error("session still bound after Kill()")
	}
	if p.IsAlive() {
		t.Error("IsAlive() true after Kill()")
	}
}

func TestStartOnStartedFails(t *testing.T) {
	p := NewFromConnectionFile(writeConnFile(t))
	if err := p.Start(); err != nil {
		t.Fatal(err)
	}

	session := p.Session()
	err := p.Start()
	if !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("second Start() = %v, want ErrAlreadyStarted", err)
	}
	// No side effects: same session, still alive.
	if p.Session() != session {
		t.Error("failed Start() replaced the session")
	}
	if p.State() != Alive {
		t.Errorf("state = %v after failed Start(), want alive", p.State())
	}

	p.Kill()
	if err := p.Start(); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("Start() on dead process = %v, want ErrAlreadyStarted", err)
	}
}

func TestKillIsNoopWhenNotRunning(t *testing.T) {
	p := NewFromConnectionFile(writeConnFile(t))

	// Unstarted: nothing happens.
	p.Kill()
	if p.State() != Unstarted {
		t.Errorf("Kill() on unstarted moved state to %v", p.State())
	}

	if err := p.Start(); err != nil {
		t.Fatal(err)
	}
	p.Kill()
	// Already dead: still a no-op.
	p.Kill()
	if p.State() != Dead {
		t.Errorf("state = %v, want dead", p.State())
	}
}

func TestAttachBadFile(t *testing.T) {
	p := NewFromConnectionFile(filepath.Join(t.TempDir(), "missing.json"))
	if err := p.Start(); err == nil {
		t.Fatal("Start() succeeded with a missing connection file")
	}
	if p.State() != Unstarted {
		t.Errorf("state after failed start = %v, want unstarted", p.State())
	}
}

func specDirWithArgv(t *testing.T, argv string) []string {
	t.Helper()
	dir := t.TempDir()
	writeSpec(t, dir, "shkernel", `{"argv": `+argv+`, "interrupt_mode": "signal"}`)
	return []string{dir}
}

func TestLaunchFromSpec(t *testing.T) {
	dirs := specDirWithArgv(t, `["sh", "-c", "cat {connection_file} > /dev/null && sleep 60"]`)
	spec, err := FindSpec("shkernel", dirs)
	if err != nil {
		t.Fatal(err)
	}

	p := NewFromSpec(spec, LaunchOptions{
		ConnectionDir: t.TempDir(),
		FileWaitTime:  10 * time.Second,
	})
	defer p.Kill()

	if err := p.Start(); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if !p.IsAlive() {
		t.Error("IsAlive() false after start")
	}
	info := p.ConnectionInfo()
	if info == nil || info.Key == "" {
		t.Fatalf("ConnectionInfo() = %+v, want populated descriptor", info)
	}
	if info.Validate() != nil {
		t.Errorf("launched kernel descriptor invalid: %v", info.Validate())
	}

	p.Kill()
	if !p.WaitDead(5 * time.Second) {
		t.Fatal("kernel did not die after Kill()")
	}
}

func TestDiedCallbackOnExit(t *testing.T) {
	dirs := specDirWithArgv(t, `["sh", "-c", "cat {connection_file} > /dev/null && sleep 0.3"]`)
	spec, err := FindSpec("shkernel", dirs)
	if err != nil {
		t.Fatal(err)
	}

	p := NewFromSpec(spec, LaunchOptions{
		ConnectionDir: t.TempDir(),
		FileWaitTime:  10 * time.Second,
	})
	died := make(chan struct{})
	p.OnDied(func() { close(died) })

	if err := p.Start(); err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	select {
	case <-died:
	case <-time.After(10 * time.Second):
		t.Fatal("died callback never fired for an exiting kernel")
	}
	if p.State() != Dead {
		t.Errorf("state = %v after exit, want dead", p.State())
	}
}

func TestDiedCallbackNotFiredForKill(t *testing.T) {
	dirs := specDirWithArgv(t, `["sh", "-c", "cat {connection_file} > /dev/null && sleep 60"]`)
	spec, err := FindSpec("shkernel", dirs)
	if err != nil {
		t.Fatal(err)
	}

	p := NewFromSpec(spec, LaunchOptions{
		ConnectionDir: t.TempDir(),
		FileWaitTime:  10 * time.Second,
	})
	died := make(chan struct{}, 1)
	p.OnDied(func() { died <- struct{}{} })

	if err := p.Start(); err != nil {
		t.Fatal(err)
	}
	p.Kill()
	if !p.WaitDead(5 * time.Second) {
		t.Fatal("kernel did not die")
	}

	select {
	case <-died:
		t.Error("died callback fired for an explicit Kill()")
	case <-time.After(300 * time.Millisecond):
	}
}

func TestConnFileRemovedOnDeath(t *testing.T) {
	dirs := specDirWithArgv(t, `["sh", "-c", "cat {connection_file} > /dev/null && sleep 60"]`)
	spec, err := FindSpec("shkernel", dirs)
	if err != nil {
		t.Fatal(err)
	}

	connDir := t.TempDir()
	p := NewFromSpec(spec, LaunchOptions{
		ConnectionDir: connDir,
		FileWaitTime:  10 * time.Second,
	})
	if err := p.Start(); err != nil {
		t.Fatal(err)
	}

	entries, err := os.ReadDir(connDir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("connection dir has %d entries, want 1", len(entries))
	}

	p.Kill()
	p.WaitDead(5 * time.Second)

	entries, err = os.ReadDir(connDir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("connection file not cleaned up: %v", entries)
	}
}

func TestFailedStartCleansUp(t *testing.T) {
	// A kernel that never reads its connection file stalls the handshake,
	// so Start fails with the child still running and cleanup must reap
	// it without the death watcher reporting an exit.
	dirs := specDirWithArgv(t, `["sh", "-c", "sleep 60"]`)
	spec, err := FindSpec("shkernel", dirs)
	if err != nil {
		t.Fatal(err)
	}

	p := NewFromSpec(spec, LaunchOptions{
		ConnectionDir: t.TempDir(),
		FileWaitTime:  300 * time.Millisecond,
	})
	died := make(chan struct{})
	p.OnDied(func() { close(died) })

	err = p.Start()
	if err == nil {
		// Platforms without usable atimes skip the handshake confirmation.
		p.Kill()
		t.Skip("connection-file handshake not observable here")
	}
	if !errors.Is(err, ErrStartTimeout) {
		t.Fatalf("Start() = %v, want ErrStartTimeout", err)
	}
	if p.State() != Unstarted {
		t.Errorf("state after failed start = %v, want unstarted", p.State())
	}
	if p.WaitDead(50 * time.Millisecond) {
		t.Error("process reports dead after failed-start cleanup")
	}
	select {
	case <-died:
		t.Error("died callback fired for a failed start")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestExtractConnFile(t *testing.T) {
	tests := []struct {
		line string
		want string
	}{
		{"connection file: /tmp/kernel-1.json", "/tmp/kernel-1.json"},
		{"[KernelApp] /run/user/1000/kernel-abc.json", "/run/user/1000/kernel-abc.json"},
		{"starting up...", ""},
		{"", ""},
	}
	for _, tt := range tests {
		if got := extractConnFile(tt.line); got != tt.want {
			t.Errorf("extractConnFile(%q) = %q, want %q", tt.line, got, tt.want)
		}
	}
}
