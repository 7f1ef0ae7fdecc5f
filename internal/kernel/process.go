package kernel

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/kernelmux/kernelmux/internal/connect"
	"github.com/kernelmux/kernelmux/internal/wire"
)

// State is the kernel process lifecycle. Dead is terminal; starting a
// kernel again requires a new Process.
type State int

const (
	Unstarted State = iota
	Starting
	Alive
	Dead
)

func (s State) String() string {
	switch s {
	case Unstarted:
		return "unstarted"
	case Starting:
		return "starting"
	case Alive:
		return "alive"
	case Dead:
		return "dead"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

var (
	// ErrAlreadyStarted is returned by Start on a non-unstarted process.
	ErrAlreadyStarted = errors.New("kernel: already started")
	// ErrStartTimeout is the typed outcome of a connection handshake that
	// did not complete in time.
	ErrStartTimeout = errors.New("kernel: start timed out")
)

// LaunchOptions configures how a locally launched kernel is wired up.
type LaunchOptions struct {
	ConnectionDir string
	IP            string
	Transport     string
	FileWaitTime  time.Duration // bound on the connection-file handshake
}

func (o *LaunchOptions) withDefaults() LaunchOptions {
	out := *o
	if out.ConnectionDir == "" {
		out.ConnectionDir = os.TempDir()
	}
	if out.IP == "" {
		out.IP = "127.0.0.1"
	}
	if out.Transport == "" {
		out.Transport = "ws"
	}
	if out.FileWaitTime == 0 {
		out.FileWaitTime = 30 * time.Second
	}
	return out
}

// Process supervises one external kernel. The three launch variants
// differ only in how Starting resolves connection parameters; everything
// after that (death watch, kill, accessors) is shared.
type Process struct {
	spec   *Spec
	id     string
	launch func(p *Process) error
	opts   LaunchOptions

	mu           sync.Mutex
	state        State
	info         *connect.Info
	session      *wire.Session
	cmd          *exec.Cmd
	connFile     string
	ownsConnFile bool
	killed       bool
	onDied       func()

	diedOnce sync.Once
	dead     chan struct{}
}

func newProcess(spec *Spec, opts LaunchOptions) *Process {
	return &Process{
		spec: spec,
		id:   uuid.NewString(),
		opts: opts.withDefaults(),
		dead: make(chan struct{}),
	}
}

// NewFromSpec prepares a kernelspec-launched kernel: the connection file
// is written by us, the argv template is substituted and spawned
// directly.
func NewFromSpec(spec *Spec, opts LaunchOptions) *Process {
	p := newProcess(spec, opts)
	p.launch = (*Process).launchFromSpec
	return p
}

// NewFromCommand prepares a command-launched kernel: launcherArgv is
// spawned with the kernel name appended, and the connection-file path is
// parsed from its output.
func NewFromCommand(launcherArgv []string, kernelName string, opts LaunchOptions) *Process {
	p := newProcess(&Spec{Name: kernelName, InterruptMode: InterruptSignal}, opts)
	argv := append([]string(nil), launcherArgv...)
	argv = append(argv, kernelName)
	p.launch = func(p *Process) error { return p.launchFromLauncher(argv) }
	return p
}

// NewFromConnectionFile prepares an attachment to an already-running
// kernel: parameters come from the existing file, no process is spawned
// by this layer.
func NewFromConnectionFile(path string) *Process {
	p := newProcess(&Spec{Name: "attached", InterruptMode: InterruptMessage}, LaunchOptions{})
	p.launch = func(p *Process) error { return p.attach(path) }
	return p
}

// ID is the opaque kernel id, usable as a registry key.
func (p *Process) ID() string { return p.id }

// Spec returns the kernelspec this process was built from.
func (p *Process) Spec() *Spec { return p.spec }

// OnDied installs the abnormal-termination callback. Fired at most once,
// and never for an explicit Kill.
func (p *Process) OnDied(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onDied = fn
}

// State returns the current lifecycle state.
func (p *Process) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// ConnectionInfo returns the bound connection parameters, nil before the
// handshake completes.
func (p *Process) ConnectionInfo() *connect.Info {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.info
}

// Session returns the signing session, nil unless the kernel is alive.
func (p *Process) Session() *wire.Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.session
}

// Start runs the launch variant and binds the session. Fails without
// side effects if the process is not unstarted.
func (p *Process) Start() error {
	p.mu.Lock()
	if p.state != Unstarted {
		state := p.state
		p.mu.Unlock()
		return fmt.Errorf("%w: kernel %s is %s", ErrAlreadyStarted, p.spec.Name, state)
	}
	p.state = Starting
	p.mu.Unlock()

	if err := p.launch(p); err != nil {
		p.cleanupFailedStart()
		return err
	}

	p.mu.Lock()
	p.state = Alive
	p.mu.Unlock()
	log.Printf("[kernel %s] alive (session %s)", p.spec.Name, p.session.ID)
	return nil
}

// cleanupFailedStart reaps whatever a failed launch left behind and
// returns the process to Unstarted. The death watcher owns cmd.Wait;
// cleanup kills the group, waits for the watcher to observe the exit,
// and only then resets the state so the watcher cannot flip it back to
// Dead afterwards. killed is set first so the exit is not reported as a
// death.
func (p *Process) cleanupFailedStart() {
	p.mu.Lock()
	cmd := p.cmd
	connFile := p.connFile
	owns := p.ownsConnFile
	dead := p.dead
	p.cmd = nil
	p.connFile = ""
	p.ownsConnFile = false
	p.info = nil
	p.session = nil
	if cmd != nil {
		p.killed = true
	}
	p.mu.Unlock()

	if cmd != nil && cmd.Process != nil {
		killGroup(cmd.Process.Pid)
		<-dead
	}
	if owns && connFile != "" {
		os.Remove(connFile)
	}

	p.mu.Lock()
	p.state = Unstarted
	p.killed = false
	p.dead = make(chan struct{})
	p.mu.Unlock()
}

// launchFromSpec writes a fresh connection file, substitutes it into the
// spec's argv template and spawns the kernel directly. Startup is
// confirmed by watching the file's access time change as the kernel
// reads it; platforms without usable atimes skip the confirmation.
func (p *Process) launchFromSpec() error {
	key := wire.NewKey()
	info, err := connect.NewLocalInfo(p.opts.Transport, p.opts.IP, key)
	if err != nil {
		return fmt.Errorf("kernel %s: %w", p.spec.Name, err)
	}
	connFile := connect.NewFilePath(p.opts.ConnectionDir, p.id)
	if err := connect.WriteFile(connFile, info); err != nil {
		return fmt.Errorf("kernel %s: writing connection file: %w", p.spec.Name, err)
	}

	p.mu.Lock()
	p.connFile = connFile
	p.ownsConnFile = true
	p.mu.Unlock()

	var preAtime time.Time
	atimeOK := false
	if fi, err := os.Stat(connFile); err == nil {
		preAtime, atimeOK = fileAtime(fi)
	}

	argv := p.spec.BuildArgv(connFile)
	if len(argv) == 0 {
		return fmt.Errorf("kernel %s: spec has no argv to launch", p.spec.Name)
	}
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = mergeEnv(os.Environ(), p.spec.Env)
	setProcessGroup(cmd)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("kernel %s: spawning %v: %w", p.spec.Name, argv, err)
	}

	p.mu.Lock()
	p.cmd = cmd
	p.info = info
	p.session = wire.NewSession(key, info.SignatureScheme, "")
	p.mu.Unlock()

	p.watchDeath(cmd)

	if atimeOK {
		if err := p.waitConnFileRead(connFile, preAtime); err != nil {
			return err
		}
	}
	return nil
}

// waitConnFileRead polls the connection file until its access time moves
// past the pre-spawn value, bounded by FileWaitTime.
func (p *Process) waitConnFileRead(path string, preAtime time.Time) error {
	deadline := time.Now().Add(p.opts.FileWaitTime)
	for time.Now().Before(deadline) {
		select {
		case <-p.DeadChan():
			return fmt.Errorf("kernel %s: died during startup", p.spec.Name)
		default:
		}
		if fi, err := os.Stat(path); err == nil {
			if atime, ok := fileAtime(fi); ok && atime.After(preAtime) {
				return nil
			}
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("%w: kernel %s never read %s", ErrStartTimeout, p.spec.Name, path)
}

// launchFromLauncher spawns the launcher argv, scans its output for the
// connection-file path, waits for that file to exist and reads the
// parameters from it.
func (p *Process) launchFromLauncher(argv []string) error {
	path, err := exec.LookPath(argv[0])
	if err != nil {
		return fmt.Errorf("kernel launcher: %w", err)
	}
	cmd := exec.Command(path, argv[1:]...)
	setProcessGroup(cmd)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("kernel launcher: spawning %v: %w", argv, err)
	}

	p.mu.Lock()
	p.cmd = cmd
	p.mu.Unlock()
	p.watchDeath(cmd)

	connFile, err := p.scanForConnFile(stdout)
	if err != nil {
		return err
	}
	if err := p.waitFileExists(connFile); err != nil {
		return err
	}

	info, err := connect.ReadFile(connFile)
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.connFile = connFile
	p.info = info
	p.session = wire.NewSession(info.Key, info.SignatureScheme, "")
	p.mu.Unlock()
	return nil
}

// scanForConnFile reads launcher output lines until one names a .json
// path, bounded by FileWaitTime.
func (p *Process) scanForConnFile(stdout io.Reader) (string, error) {
	lines := make(chan string, 8)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(stdout)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	deadline := time.NewTimer(p.opts.FileWaitTime)
	defer deadline.Stop()
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				return "", fmt.Errorf("kernel launcher exited without naming a connection file")
			}
			if path := extractConnFile(line); path != "" {
				return path, nil
			}
		case <-deadline.C:
			return "", fmt.Errorf("%w: launcher never named a connection file", ErrStartTimeout)
		}
	}
}

// extractConnFile pulls a .json path out of one launcher output line.
func extractConnFile(line string) string {
	for _, field := range strings.Fields(line) {
		if strings.HasSuffix(field, ".json") {
			return field
		}
	}
	return ""
}

// waitFileExists blocks until path exists, using fsnotify on its parent
// directory with a stat fallback for filesystems without events.
func (p *Process) waitFileExists(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	watcher, werr := fsnotify.NewWatcher()
	if werr == nil {
		defer watcher.Close()
		werr = watcher.Add(filepath.Dir(path))
	}

	deadline := time.NewTimer(p.opts.FileWaitTime)
	defer deadline.Stop()
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		if _, err := os.Stat(path); err == nil {
			return nil
		}
		if werr != nil {
			// No watcher; pure stat polling.
			select {
			case <-ticker.C:
			case <-deadline.C:
				return fmt.Errorf("%w: connection file %s never appeared", ErrStartTimeout, path)
			}
			continue
		}
		select {
		case ev := <-watcher.Events:
			if ev.Name == path && ev.Op.Has(fsnotify.Create) {
				return nil
			}
		case <-watcher.Errors:
		case <-ticker.C:
		case <-deadline.C:
			return fmt.Errorf("%w: connection file %s never appeared", ErrStartTimeout, path)
		}
	}
}

// attach binds connection parameters from an existing file.
func (p *Process) attach(path string) error {
	info, err := connect.ReadFile(path)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.connFile = path
	p.info = info
	p.session = wire.NewSession(info.Key, info.SignatureScheme, "")
	p.mu.Unlock()
	return nil
}

// watchDeath observes the child exiting and drives the dead transition.
// Exits we caused ourselves (Kill, failed-start cleanup) are not logged.
func (p *Process) watchDeath(cmd *exec.Cmd) {
	go func() {
		err := cmd.Wait()
		p.mu.Lock()
		killed := p.killed
		p.mu.Unlock()
		if p.markDead(false) && !killed {
			log.Printf("[kernel %s] process exited: %v", p.spec.Name, err)
		}
	}()
}

// markDead moves the process to Dead, unbinds the session and fires the
// died callback for abnormal (non-kill) transitions. Returns false if the
// process was already dead.
func (p *Process) markDead(explicit bool) bool {
	p.mu.Lock()
	if p.state == Dead {
		p.mu.Unlock()
		return false
	}
	p.state = Dead
	p.session = nil
	killed := p.killed || explicit
	onDied := p.onDied
	connFile := p.connFile
	owns := p.ownsConnFile
	dead := p.dead
	p.mu.Unlock()

	close(dead)
	if owns && connFile != "" {
		os.Remove(connFile)
	}
	if !killed && onDied != nil {
		p.diedOnce.Do(onDied)
	}
	return true
}

// Kill forcibly terminates the process and unbinds the session. Safe on
// any state; a no-op when there is nothing to kill.
func (p *Process) Kill() {
	p.mu.Lock()
	if p.state == Unstarted || p.state == Dead {
		p.mu.Unlock()
		return
	}
	p.killed = true
	cmd := p.cmd
	p.mu.Unlock()

	if cmd != nil && cmd.Process != nil {
		killGroup(cmd.Process.Pid)
	}
	p.markDead(true)
}

// SignalInterrupt delivers an interrupt signal to the kernel's process
// group. Only meaningful for kernels this layer spawned.
func (p *Process) SignalInterrupt() error {
	p.mu.Lock()
	cmd := p.cmd
	state := p.state
	p.mu.Unlock()
	if state != Alive || cmd == nil || cmd.Process == nil {
		return fmt.Errorf("kernel %s: no process to interrupt", p.spec.Name)
	}
	return interruptGroup(cmd.Process.Pid)
}

// IsAlive reports whether the kernel is in the alive state and, when we
// own the process handle, whether the OS still knows the pid.
func (p *Process) IsAlive() bool {
	p.mu.Lock()
	state := p.state
	cmd := p.cmd
	p.mu.Unlock()
	if state != Alive {
		return false
	}
	if cmd == nil || cmd.Process == nil {
		// Attached kernels have no handle; liveness is the heartbeat's
		// concern.
		return true
	}
	exists, err := process.PidExists(int32(cmd.Process.Pid))
	if err != nil {
		return true
	}
	return exists
}

// DeadChan is closed when the process reaches the dead state.
func (p *Process) DeadChan() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dead
}

// WaitDead blocks until the process dies or timeout elapses.
func (p *Process) WaitDead(timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-p.DeadChan():
		return true
	case <-timer.C:
		return false
	}
}

func mergeEnv(base []string, extra map[string]string) []string {
	if len(extra) == 0 {
		return base
	}
	out := append([]string(nil), base...)
	for k, v := range extra {
		out = append(out, k+"="+v)
	}
	return out
}
