package connectivity

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeProbe returns a scripted state.
type fakeProbe struct {
	online atomic.Bool
}

func (p *fakeProbe) Check(_ context.Context) bool { return p.online.Load() }

// feed drives the debounce machine directly with synthetic timestamps
// so tests do not sleep.
func feed(m *Monitor, raw State, at time.Time) {
	m.observe(raw, at)
}

func TestMonitor_initialStateOffline(t *testing.T) {
	m := NewMonitor(&fakeProbe{}, time.Minute, time.Second)
	if m.IsOnline() {
		t.Error("new monitor should report offline")
	}
}

func TestMonitor_debouncedTransition(t *testing.T) {
	m := NewMonitor(&fakeProbe{}, time.Minute, time.Second)
	base := time.Now()

	// First online observation starts the debounce window.
	feed(m, StateOnline, base)
	if m.IsOnline() {
		t.Error("transition reported before debounce window elapsed")
	}

	// Still inside the window.
	feed(m, StateOnline, base.Add(500*time.Millisecond))
	if m.IsOnline() {
		t.Error("transition reported inside debounce window")
	}

	// Window satisfied.
	feed(m, StateOnline, base.Add(1100*time.Millisecond))
	if !m.IsOnline() {
		t.Error("transition not reported after debounce window")
	}
}

func TestMonitor_flappingSuppressed(t *testing.T) {
	m := NewMonitor(&fakeProbe{}, time.Minute, time.Second)
	base := time.Now()

	// Online blips shorter than the window never surface.
	feed(m, StateOnline, base)
	feed(m, StateOffline, base.Add(300*time.Millisecond))
	feed(m, StateOnline, base.Add(600*time.Millisecond))
	feed(m, StateOnline, base.Add(900*time.Millisecond))
	if m.IsOnline() {
		t.Error("flapping probe should not surface a transition")
	}

	// The last candidate run started at 600ms; holding it long enough
	// finally commits.
	feed(m, StateOnline, base.Add(1700*time.Millisecond))
	if !m.IsOnline() {
		t.Error("held state should eventually commit")
	}
}

func TestMonitor_subscribers(t *testing.T) {
	m := NewMonitor(&fakeProbe{}, time.Minute, time.Second)
	base := time.Now()

	var mu sync.Mutex
	var got []State
	unsub := m.Subscribe(func(s State) {
		mu.Lock()
		got = append(got, s)
		mu.Unlock()
	})

	feed(m, StateOnline, base)
	feed(m, StateOnline, base.Add(1100*time.Millisecond))

	mu.Lock()
	if len(got) != 1 || got[0] != StateOnline {
		t.Errorf("subscriber saw %v, want [online]", got)
	}
	mu.Unlock()

	// After unsubscribe no further notifications arrive.
	unsub()
	feed(m, StateOffline, base.Add(2*time.Second))
	feed(m, StateOffline, base.Add(4*time.Second))

	mu.Lock()
	if len(got) != 1 {
		t.Errorf("unsubscribed callback still notified: %v", got)
	}
	mu.Unlock()
}

func TestMonitor_startStop(t *testing.T) {
	probe := &fakeProbe{}
	probe.online.Store(true)

	m := NewMonitor(probe, 10*time.Millisecond, time.Millisecond)
	m.Start(context.Background())

	deadline := time.After(2 * time.Second)
	for !m.IsOnline() {
		select {
		case <-deadline:
			t.Fatal("monitor never reported online")
		case <-time.After(5 * time.Millisecond):
		}
	}

	m.Stop()
	// Second Stop must be a no-op, not a panic.
	m.Stop()
}

// TestMonitor_recheckInsideDebounceWindow pins transition latency to
// the debounce window, not the poll interval: with an hour-long
// interval a pending candidate must still be confirmed by the early
// re-check shortly after the window elapses.
func TestMonitor_recheckInsideDebounceWindow(t *testing.T) {
	probe := &fakeProbe{}
	probe.online.Store(true)

	m := NewMonitor(probe, time.Hour, 20*time.Millisecond)
	m.Start(context.Background())
	defer m.Stop()

	deadline := time.After(2 * time.Second)
	for !m.IsOnline() {
		select {
		case <-deadline:
			t.Fatal("transition not confirmed near the debounce window")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestMonitor_nextDelay(t *testing.T) {
	m := NewMonitor(&fakeProbe{}, time.Minute, time.Second)

	// No pending candidate: full interval.
	if got := m.nextDelay(); got != time.Minute {
		t.Errorf("nextDelay() = %v, want the poll interval", got)
	}

	// A pending candidate shortens the wait to the debounce window.
	feed(m, StateOnline, time.Now())
	if got := m.nextDelay(); got != time.Second {
		t.Errorf("nextDelay() with pending candidate = %v, want the debounce window", got)
	}

	// A window longer than the interval never stretches the wait.
	slow := NewMonitor(&fakeProbe{}, time.Second, time.Minute)
	feed(slow, StateOnline, time.Now())
	if got := slow.nextDelay(); got != time.Second {
		t.Errorf("nextDelay() with long window = %v, want the poll interval", got)
	}
}

func TestHTTPProbe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	p := NewHTTPProbe(srv.URL, time.Second)
	if !p.Check(context.Background()) {
		t.Error("probe should succeed against live server")
	}

	// An error status still proves reachability.
	errSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer errSrv.Close()
	if !NewHTTPProbe(errSrv.URL, time.Second).Check(context.Background()) {
		t.Error("probe should treat 5xx responses as reachable")
	}

	srv.Close()
	if p.Check(context.Background()) {
		t.Error("probe should fail against closed server")
	}
}

// TestHTTPProbe_followsEndpoint covers the daemon pointing the probe at
// the gateway endpoint when no probe URL is configured: the probe stays
// offline until an endpoint exists, then follows it.
func TestHTTPProbe_followsEndpoint(t *testing.T) {
	p := NewHTTPProbe("", time.Second)
	if p.Check(context.Background()) {
		t.Error("probe with no URL should report offline")
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	p.SetURL(srv.URL)
	if !p.Check(context.Background()) {
		t.Error("probe should succeed once pointed at a live endpoint")
	}

	p.SetURL("")
	if p.Check(context.Background()) {
		t.Error("clearing the URL should take the probe offline again")
	}
}
