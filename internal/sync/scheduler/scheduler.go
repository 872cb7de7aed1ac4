// Package scheduler drives queue drains from connectivity transitions
// and a periodic timer.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/relieflabs/fieldsync/internal/connectivity"
	apperrors "github.com/relieflabs/fieldsync/internal/errors"
	"github.com/relieflabs/fieldsync/internal/logging"
	syncpkg "github.com/relieflabs/fieldsync/internal/sync"
)

// Engine is the drain contract the scheduler drives. *sync.Engine
// satisfies it.
type Engine interface {
	Drain(ctx context.Context) (*syncpkg.SyncReport, error)
	IsDraining() bool
}

// Scheduler runs drains in the background. A drain fires on every
// offline-to-online transition and on a fixed interval while online.
type Scheduler struct {
	engine  Engine
	monitor *connectivity.Monitor

	drainInterval time.Duration
	drainTimeout  time.Duration

	stopCh chan struct{}
	wg     sync.WaitGroup

	mu          sync.RWMutex
	isRunning   bool
	lastDrain   time.Time
	lastReport  *syncpkg.SyncReport
	unsubscribe func()
}

// Config holds scheduler configuration.
type Config struct {
	// DrainInterval is how often to drain while online.
	DrainInterval time.Duration
	// DrainTimeout bounds a whole drain pass.
	DrainTimeout time.Duration
}

// DefaultConfig returns default scheduler configuration.
func DefaultConfig() *Config {
	return &Config{
		DrainInterval: 5 * time.Minute,
		DrainTimeout:  10 * time.Minute,
	}
}

// New creates a Scheduler.
func New(engine Engine, monitor *connectivity.Monitor, config *Config) *Scheduler {
	if config == nil {
		config = DefaultConfig()
	}
	return &Scheduler{
		engine:        engine,
		monitor:       monitor,
		drainInterval: config.DrainInterval,
		drainTimeout:  config.DrainTimeout,
		stopCh:        make(chan struct{}),
	}
}

// Start subscribes to connectivity transitions and begins the periodic
// loop.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true

	s.unsubscribe = s.monitor.Subscribe(func(state connectivity.State) {
		if state == connectivity.StateOnline {
			// Reconnection is the moment queued work can move again.
			go s.runDrain(ctx, "reconnect")
		}
	})
	s.mu.Unlock()

	s.wg.Add(1)
	go s.periodicLoop(ctx)

	logging.Info("Sync scheduler started",
		map[string]interface{}{"drain_interval": s.drainInterval.String()})
}

// Stop unsubscribes and waits for the periodic loop to exit. An
// in-flight drain finishes on its own.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	unsubscribe := s.unsubscribe
	s.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	close(s.stopCh)
	s.wg.Wait()

	logging.Info("Sync scheduler stopped", nil)
}

func (s *Scheduler) periodicLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.drainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			if !s.monitor.IsOnline() {
				continue
			}
			if s.engine.IsDraining() {
				logging.Debug("Drain already in progress, skipping tick", nil)
				continue
			}
			go s.runDrain(ctx, "periodic")
		}
	}
}

func (s *Scheduler) runDrain(ctx context.Context, trigger string) {
	drainCtx, cancel := context.WithTimeout(ctx, s.drainTimeout)
	defer cancel()

	report, err := s.engine.Drain(drainCtx)
	if err != nil {
		logging.ErrorWithCode("Scheduled drain failed", string(apperrors.ErrSyncFailed), err,
			map[string]interface{}{"trigger": trigger})
		return
	}

	s.mu.Lock()
	s.lastDrain = time.Now()
	s.lastReport = report
	s.mu.Unlock()
}

// TriggerSync starts a drain immediately. Returns false when one is
// already running.
func (s *Scheduler) TriggerSync(ctx context.Context) bool {
	if s.engine.IsDraining() {
		return false
	}
	go s.runDrain(ctx, "manual")
	return true
}

// SyncNow drains and waits for the result.
func (s *Scheduler) SyncNow(ctx context.Context) (*syncpkg.SyncReport, error) {
	drainCtx, cancel := context.WithTimeout(ctx, s.drainTimeout)
	defer cancel()

	report, err := s.engine.Drain(drainCtx)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.lastDrain = time.Now()
	s.lastReport = report
	s.mu.Unlock()

	return report, nil
}

// Status is a point-in-time scheduler snapshot.
type Status struct {
	IsRunning  bool                `json:"is_running"`
	IsOnline   bool                `json:"is_online"`
	Draining   bool                `json:"draining"`
	LastDrain  *time.Time          `json:"last_drain,omitempty"`
	LastReport *syncpkg.SyncReport `json:"last_report,omitempty"`
}

// GetStatus returns the current scheduler status.
func (s *Scheduler) GetStatus() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	status := Status{
		IsRunning:  s.isRunning,
		IsOnline:   s.monitor.IsOnline(),
		Draining:   s.engine.IsDraining(),
		LastReport: s.lastReport,
	}
	if !s.lastDrain.IsZero() {
		last := s.lastDrain
		status.LastDrain = &last
	}
	return status
}

// IsRunning reports whether the scheduler loops are active.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}
