// Package scheduler runs periodic reconciliation passes in the background.
package scheduler

import (
	"context"
	"sync"
	"time"

	apperrors "github.com/vaultmirror/vaultmirror/internal/errors"
	"github.com/vaultmirror/vaultmirror/internal/logging"
	syncpkg "github.com/vaultmirror/vaultmirror/internal/sync"
)

// Runner is the guarded pass entry point the scheduler drives. Both the
// timer tick and on-demand triggers funnel through the same single-slot
// guard inside the runner.
type Runner interface {
	RunPass(ctx context.Context) (*syncpkg.PassResult, error)
}

// Scheduler triggers reconciliation passes on a fixed interval. A tick that
// lands while a pass is running is dropped; the next tick retries.
type Scheduler struct {
	runner   Runner
	interval time.Duration
	stopCh   chan struct{}
	wg       sync.WaitGroup
	mu       sync.Mutex
	running  bool
}

// Config holds scheduler configuration.
type Config struct {
	Interval time.Duration // how often to run a pass (default: 5 minutes)
}

// DefaultConfig returns the default scheduler configuration.
func DefaultConfig() *Config {
	return &Config{Interval: 5 * time.Minute}
}

// New creates a Scheduler.
func New(runner Runner, config *Config) *Scheduler {
	if config == nil {
		config = DefaultConfig()
	}
	return &Scheduler{
		runner:   runner,
		interval: config.Interval,
		stopCh:   make(chan struct{}),
	}
}

// Start starts the background pass loop.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.loop(ctx)

	logging.Info("Sync scheduler started", map[string]interface{}{
		"interval_seconds": s.interval.Seconds(),
	})
}

// Stop stops the scheduler gracefully. An in-flight pass finishes; there is
// no cancellation primitive for it.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	close(s.stopCh)
	s.wg.Wait()

	logging.Info("Sync scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	result, err := s.runner.RunPass(ctx)
	if err != nil {
		if apperrors.Is(err, apperrors.ErrSyncInProgress) {
			logging.Debug("Scheduled pass skipped, one is already running")
			return
		}
		logging.ErrorWithCode("Scheduled pass failed", string(apperrors.ErrSyncFailed), err)
		return
	}

	logging.Debug("Scheduled pass completed", map[string]interface{}{
		"synced":    result.Synced,
		"conflicts": result.Conflicts,
		"errors":    result.Errors,
	})
}
