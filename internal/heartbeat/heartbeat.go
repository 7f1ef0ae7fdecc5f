// Package heartbeat implements the liveness sub-protocol: periodic raw
// ping/pong over the hb channel with consecutive-failure counting and an
// exactly-once-per-transition dead callback.
package heartbeat

import (
	"errors"
	"log"
	"sync"
	"time"

	"github.com/kernelmux/kernelmux/internal/channel"
)

const (
	// DefaultMaxFailures is how many consecutive missed pongs it takes
	// to declare the kernel dead.
	DefaultMaxFailures = 5
	// DefaultTimeToDead bounds the wait for each pong.
	DefaultTimeToDead = time.Second
)

var ping = []byte("ping")

// Monitor drives the ping/pong cycle on one heartbeat channel. All
// exported methods are safe for concurrent use.
type Monitor struct {
	ch          *channel.Channel
	timeToDead  time.Duration
	period      time.Duration
	maxFailures int
	onDead      func()

	mu       sync.Mutex
	beating  bool
	paused   bool
	failures int
	dead     bool // set on a dead transition, cleared by the next pong

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// New builds a monitor over ch. period is the gap between successful
// cycles (zero reschedules the next ping immediately); timeToDead bounds
// each pong wait; onDead fires exactly once per dead transition and may
// be nil.
func New(ch *channel.Channel, period, timeToDead time.Duration, maxFailures int, onDead func()) *Monitor {
	if timeToDead <= 0 {
		timeToDead = DefaultTimeToDead
	}
	if maxFailures < 1 {
		maxFailures = DefaultMaxFailures
	}
	return &Monitor{
		ch:          ch,
		timeToDead:  timeToDead,
		period:      period,
		maxFailures: maxFailures,
		onDead:      onDead,
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// Start launches the monitor goroutine.
func (m *Monitor) Start() {
	go m.run()
}

// Stop ends the monitor. Idempotent; returns after the loop has exited.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
	<-m.done
}

// Beating reports whether the last cycle saw a pong. Meaningful only
// while unpaused and the channel is alive.
func (m *Monitor) Beating() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.beating
}

// Pause suspends pinging. Idempotent.
func (m *Monitor) Pause() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.paused = true
}

// Unpause resumes pinging. A stale pong left over from before the pause
// is drained first so it cannot be mistaken for a fresh reply. Idempotent.
func (m *Monitor) Unpause() {
	m.mu.Lock()
	wasPaused := m.paused
	m.paused = false
	m.mu.Unlock()

	if wasPaused && m.ch.Alive() {
		m.ch.RecvRawTimeout(10 * time.Millisecond)
	}
}

// Failures returns the current consecutive-failure count.
func (m *Monitor) Failures() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failures
}

func (m *Monitor) run() {
	defer close(m.done)
	for {
		select {
		case <-m.stop:
			return
		default:
		}

		m.mu.Lock()
		paused := m.paused
		m.mu.Unlock()

		if paused || !m.ch.Alive() {
			if !m.sleep(m.timeToDead) {
				return
			}
			continue
		}

		if m.cycle() {
			if !m.sleep(m.period) {
				return
			}
		}
	}
}

// cycle runs one ping/pong exchange. Returns true after a pong; a missed
// pong resets the channel, bumps the failure count and, at the limit,
// declares the kernel dead. Dead declaration pauses the monitor, so the
// callback fires once per transition.
func (m *Monitor) cycle() bool {
	if err := m.ch.SendRaw(ping); err != nil {
		m.recordFailure(err)
		return false
	}

	data, err := m.ch.RecvRawTimeout(m.timeToDead)
	if err != nil || len(data) == 0 {
		if err == nil {
			err = errors.New("empty pong")
		}
		m.recordFailure(err)
		return false
	}

	m.mu.Lock()
	m.beating = true
	m.failures = 0
	m.dead = false
	m.mu.Unlock()
	return true
}

func (m *Monitor) recordFailure(err error) {
	// Stop+start clears any socket-level desynchronization (a pong in
	// flight for a ping we gave up on).
	if rerr := m.ch.Restart(); rerr != nil {
		log.Printf("[hb] channel restart failed: %v", rerr)
	}

	m.mu.Lock()
	m.failures++
	failures := m.failures
	declareDead := failures >= m.maxFailures && !m.dead
	if declareDead {
		m.beating = false
		m.paused = true
		m.dead = true
	}
	m.mu.Unlock()

	log.Printf("[hb] missed pong (%d/%d): %v", failures, m.maxFailures, err)

	if declareDead && m.onDead != nil {
		log.Printf("[hb] kernel declared dead after %d failures", failures)
		m.onDead()
	}
}

// sleep waits d, interruptible by Stop. Returns false when stopping.
func (m *Monitor) sleep(d time.Duration) bool {
	if d <= 0 {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-m.stop:
		return false
	case <-timer.C:
		return true
	}
}
