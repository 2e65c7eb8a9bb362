// Package scheduler runs the sync engine in the background: periodically,
// after a reconnect, and when new work is queued.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/kimhsiao/tasknexus/backend/internal/errors"
	"github.com/kimhsiao/tasknexus/backend/internal/logging"
	syncpkg "github.com/kimhsiao/tasknexus/backend/internal/sync"
)

// Pinger reports whether the remote authority is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Scheduler manages background sync operations.
type Scheduler struct {
	engine        syncpkg.SyncEngineInterface
	pinger        Pinger
	trigger       <-chan struct{}
	syncInterval  time.Duration
	probeInterval time.Duration
	drainTimeout  time.Duration
	kick          chan struct{}
	stopCh        chan struct{}
	wg            sync.WaitGroup
	mu            sync.RWMutex
	isRunning     bool
	isOnline      bool
	lastSyncTime  time.Time
	lastResult    *syncpkg.DrainResult
}

// SchedulerConfig holds scheduler configuration.
type SchedulerConfig struct {
	SyncInterval  time.Duration // How often to drain while online (default: 1 minute)
	ProbeInterval time.Duration // How often to probe connectivity (default: 15 seconds)
	DrainTimeout  time.Duration // Upper bound for one drain (default: 5 minutes)

	// Trigger, when set, requests a drain each time it fires.
	Trigger <-chan struct{}
}

// DefaultSchedulerConfig returns default scheduler configuration.
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		SyncInterval:  time.Minute,
		ProbeInterval: 15 * time.Second,
		DrainTimeout:  5 * time.Minute,
	}
}

// NewScheduler creates a new Scheduler. pinger may be nil, in which case
// connectivity only changes through SetOnlineStatus.
func NewScheduler(engine syncpkg.SyncEngineInterface, pinger Pinger, config *SchedulerConfig) *Scheduler {
	def := DefaultSchedulerConfig()
	if config == nil {
		config = def
	}
	if config.SyncInterval <= 0 {
		config.SyncInterval = def.SyncInterval
	}
	if config.ProbeInterval <= 0 {
		config.ProbeInterval = def.ProbeInterval
	}
	if config.DrainTimeout <= 0 {
		config.DrainTimeout = def.DrainTimeout
	}

	return &Scheduler{
		engine:        engine,
		pinger:        pinger,
		trigger:       config.Trigger,
		syncInterval:  config.SyncInterval,
		probeInterval: config.ProbeInterval,
		drainTimeout:  config.DrainTimeout,
		kick:          make(chan struct{}, 1),
		stopCh:        make(chan struct{}),
		isOnline:      true, // Assume online initially
	}
}

// Start starts the background loops.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.syncLoop(ctx)

	if s.pinger != nil {
		s.wg.Add(1)
		go s.probeLoop(ctx)
	}

	logging.Info("Background sync scheduler started", map[string]interface{}{
		"sync_interval":  s.syncInterval.String(),
		"probe_interval": s.probeInterval.String(),
	})
}

// Stop stops the background loops and waits for them to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	s.mu.Unlock()

	close(s.stopCh)
	s.wg.Wait()

	logging.Info("Background sync scheduler stopped", nil)
}

// SetOnlineStatus changes the online status. Going from offline to online
// requests an immediate drain.
func (s *Scheduler) SetOnlineStatus(isOnline bool) {
	s.mu.Lock()
	wasOnline := s.isOnline
	s.isOnline = isOnline
	s.mu.Unlock()

	if wasOnline == isOnline {
		return
	}
	logging.Info("Online status changed",
		map[string]interface{}{
			"was_online": wasOnline,
			"is_online":  isOnline,
		})
	if isOnline {
		s.requestDrain()
	}
}

func (s *Scheduler) requestDrain() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// syncLoop drains on every tick, reconnect and trigger while online.
func (s *Scheduler) syncLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.syncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.runSync(ctx, "periodic")
		case <-s.kick:
			s.runSync(ctx, "reconnect")
		case <-s.trigger:
			s.runSync(ctx, "enqueue")
		}
	}
}

// probeLoop checks connectivity on every tick.
func (s *Scheduler) probeLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.probeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.SetOnlineStatus(s.probe(ctx) == nil)
		}
	}
}

func (s *Scheduler) probe(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, s.probeInterval)
	defer cancel()
	err := s.pinger.Ping(probeCtx)
	if err != nil {
		logging.Debug("Connectivity probe failed", map[string]interface{}{"error": err.Error()})
	}
	return err
}

// runSync executes one drain when online.
func (s *Scheduler) runSync(ctx context.Context, reason string) {
	if !s.IsOnline() {
		logging.Debug("Skipping sync - scheduler is offline", map[string]interface{}{"reason": reason})
		return
	}

	syncCtx, cancel := context.WithTimeout(ctx, s.drainTimeout)
	defer cancel()

	result, err := s.engine.ProcessSyncQueue(syncCtx)
	if err != nil {
		logging.ErrorWithCode("Background sync failed", string(errors.ErrSyncFailed), err,
			map[string]interface{}{"reason": reason})
		return
	}
	if result.Skipped {
		return
	}
	s.record(result)

	logging.Info("Background sync completed",
		map[string]interface{}{
			"reason":    reason,
			"completed": result.Completed,
			"failed":    result.Failed,
			"conflicts": result.Conflicts,
		})
}

func (s *Scheduler) record(result *syncpkg.DrainResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSyncTime = time.Now()
	s.lastResult = result
}

// TriggerSync requests an asynchronous drain.
// Returns false if a drain is already in progress.
func (s *Scheduler) TriggerSync(ctx context.Context) bool {
	if s.engine.IsSyncing() {
		return false
	}
	if s.IsRunning() {
		s.requestDrain()
		return true
	}
	go s.runSync(ctx, "manual")
	return true
}

// SyncNow drains immediately and waits for completion.
func (s *Scheduler) SyncNow(ctx context.Context) (*syncpkg.DrainResult, error) {
	if !s.IsOnline() {
		return nil, errors.New(errors.ErrSyncOffline, "cannot sync while offline")
	}

	syncCtx, cancel := context.WithTimeout(ctx, s.drainTimeout)
	defer cancel()

	result, err := s.engine.ProcessSyncQueue(syncCtx)
	if err != nil {
		return nil, err
	}
	if !result.Skipped {
		s.record(result)
		logging.Info("Manual sync completed",
			map[string]interface{}{
				"completed": result.Completed,
				"failed":    result.Failed,
				"conflicts": result.Conflicts,
			})
	}
	return result, nil
}

// SchedulerStatus is a snapshot of the scheduler state.
type SchedulerStatus struct {
	IsRunning      bool                 `json:"isRunning"`
	IsOnline       bool                 `json:"isOnline"`
	LastSyncTime   *time.Time           `json:"lastSyncTime,omitempty"`
	SyncInProgress bool                 `json:"syncInProgress"`
	PendingItems   int                  `json:"pendingItems"`
	FailedItems    int                  `json:"failedItems"`
	LastResult     *syncpkg.DrainResult `json:"lastResult,omitempty"`
}

// GetStatus returns the current status of the scheduler.
func (s *Scheduler) GetStatus() SchedulerStatus {
	engineStatus := s.engine.GetSyncStatus()

	s.mu.RLock()
	defer s.mu.RUnlock()

	status := SchedulerStatus{
		IsRunning:      s.isRunning,
		IsOnline:       s.isOnline,
		SyncInProgress: s.engine.IsSyncing(),
		PendingItems:   engineStatus.PendingOperations,
		FailedItems:    engineStatus.FailedOperations,
		LastResult:     s.lastResult,
	}
	if !s.lastSyncTime.IsZero() {
		t := s.lastSyncTime
		status.LastSyncTime = &t
	}
	return status
}

// IsOnline returns whether the scheduler is in online mode.
func (s *Scheduler) IsOnline() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isOnline
}

// IsRunning returns whether the scheduler is running.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}
