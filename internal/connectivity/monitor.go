// Package connectivity tracks gateway reachability and reports
// debounced online/offline transitions to subscribers.
package connectivity

import (
	"context"
	"sync"
	"time"

	"github.com/relieflabs/fieldsync/internal/logging"
)

// State is the reported connectivity state.
type State int

const (
	StateOffline State = iota
	StateOnline
)

func (s State) String() string {
	if s == StateOnline {
		return "online"
	}
	return "offline"
}

// Probe checks whether the remote gateway is reachable right now.
type Probe interface {
	Check(ctx context.Context) bool
}

// ProbeFunc adapts a function to the Probe interface.
type ProbeFunc func(ctx context.Context) bool

func (f ProbeFunc) Check(ctx context.Context) bool { return f(ctx) }

// Monitor polls a Probe and reports state transitions. A raw probe
// result must hold for the debounce window before the reported state
// changes, so connection flaps do not reach subscribers.
type Monitor struct {
	probe    Probe
	interval time.Duration
	debounce time.Duration

	stopCh chan struct{}
	wg     sync.WaitGroup

	mu             sync.RWMutex
	isRunning      bool
	state          State
	candidate      State
	candidateSince time.Time
	lastChange     time.Time
	nextSubID      int
	subscribers    map[int]func(State)
}

// NewMonitor creates a Monitor. The initial reported state is offline
// until the first probe succeeds.
func NewMonitor(probe Probe, interval, debounce time.Duration) *Monitor {
	return &Monitor{
		probe:       probe,
		interval:    interval,
		debounce:    debounce,
		stopCh:      make(chan struct{}),
		state:       StateOffline,
		candidate:   StateOffline,
		subscribers: make(map[int]func(State)),
	}
}

// Start begins the polling loop.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.isRunning {
		m.mu.Unlock()
		return
	}
	m.isRunning = true
	m.mu.Unlock()

	m.wg.Add(1)
	go m.pollLoop(ctx)

	logging.Info("Connectivity monitor started",
		map[string]interface{}{
			"probe_interval":  m.interval.String(),
			"debounce_window": m.debounce.String(),
		})
}

// Stop halts polling and waits for the loop to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.isRunning {
		m.mu.Unlock()
		return
	}
	m.isRunning = false
	m.mu.Unlock()

	close(m.stopCh)
	m.wg.Wait()

	logging.Info("Connectivity monitor stopped", nil)
}

// IsOnline returns the current debounced state.
func (m *Monitor) IsOnline() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state == StateOnline
}

// State returns the current debounced state.
func (m *Monitor) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Subscribe registers a callback for debounced transitions. The
// callback runs on the monitor goroutine and must not block. The
// returned function removes the subscription.
func (m *Monitor) Subscribe(fn func(State)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextSubID
	m.nextSubID++
	m.subscribers[id] = fn

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subscribers, id)
	}
}

// Refresh probes immediately and feeds the result through the same
// debounce path as the polling loop.
func (m *Monitor) Refresh(ctx context.Context) {
	m.observe(m.probeState(ctx), time.Now())
}

func (m *Monitor) pollLoop(ctx context.Context) {
	defer m.wg.Done()

	// Probe once up front so startup does not wait a full interval.
	m.observe(m.probeState(ctx), time.Now())

	timer := time.NewTimer(m.nextDelay())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-timer.C:
			m.observe(m.probeState(ctx), time.Now())
			timer.Reset(m.nextDelay())
		}
	}
}

// nextDelay picks the wait before the next probe. While a candidate
// transition is pending the loop re-probes as soon as the debounce
// window can elapse, so a real transition surfaces after roughly the
// window rather than a full poll interval.
func (m *Monitor) nextDelay() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.candidate != m.state && m.debounce > 0 && m.debounce < m.interval {
		return m.debounce
	}
	return m.interval
}

func (m *Monitor) probeState(ctx context.Context) State {
	if m.probe.Check(ctx) {
		return StateOnline
	}
	return StateOffline
}

// observe feeds one raw probe result into the debounce state machine.
// A transition is reported only after the raw state disagrees with the
// reported state for the full debounce window.
func (m *Monitor) observe(raw State, now time.Time) {
	m.mu.Lock()

	if raw == m.state {
		// Raw agrees with reported state, drop any pending candidate.
		m.candidate = m.state
		m.mu.Unlock()
		return
	}

	if raw != m.candidate {
		m.candidate = raw
		m.candidateSince = now
		m.mu.Unlock()
		return
	}

	if now.Sub(m.candidateSince) < m.debounce {
		m.mu.Unlock()
		return
	}

	old := m.state
	m.state = raw
	m.lastChange = now

	subs := make([]func(State), 0, len(m.subscribers))
	for _, fn := range m.subscribers {
		subs = append(subs, fn)
	}
	m.mu.Unlock()

	logging.Info("Connectivity changed",
		map[string]interface{}{
			"from": old.String(),
			"to":   raw.String(),
		})

	for _, fn := range subs {
		fn(raw)
	}
}
