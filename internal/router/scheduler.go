package router

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"msghub/internal/registry"
)

// SyncScheduler runs one cancellable periodic task per active connection.
// A failing tick is logged and never cancels the schedule; teardown happens
// exactly on disconnect and en masse on shutdown.
type SyncScheduler struct {
	interval time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	cancels map[registry.Key]context.CancelFunc
	stopped bool
	wg      sync.WaitGroup
}

func NewSyncScheduler(interval time.Duration, logger *slog.Logger) *SyncScheduler {
	if interval <= 0 {
		interval = time.Minute
	}
	return &SyncScheduler{
		interval: interval,
		logger:   logger,
		cancels:  make(map[registry.Key]context.CancelFunc),
	}
}

// Start attaches a periodic task for the connection, replacing any schedule
// already running for the same key. After StopAll the scheduler is terminal
// and Start is a no-op, so a connect overlapping shutdown cannot re-arm it.
func (s *SyncScheduler) Start(key registry.Key, tick func(ctx context.Context) error) {
	ctx, cancel := context.WithCancel(context.Background())

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		cancel()
		return
	}
	if prev, ok := s.cancels[key]; ok {
		prev()
	}
	s.cancels[key] = cancel
	// Under the same lock StopAll takes before waiting, so Add cannot race
	// the Wait.
	s.wg.Add(1)
	s.mu.Unlock()

	go s.run(ctx, key, tick)
}

func (s *SyncScheduler) run(ctx context.Context, key registry.Key, tick func(ctx context.Context) error) {
	defer s.wg.Done()

	s.logger.Info("sync schedule started", "connection", key.ConnectionID(), "interval", s.interval)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sync schedule stopped", "connection", key.ConnectionID())
			return
		case <-ticker.C:
			if err := tick(ctx); err != nil {
				// Transient: wait for the next tick, no retry storm.
				s.logger.Warn("scheduled sync failed", "connection", key.ConnectionID(), "err", err)
			}
		}
	}
}

// Stop cancels the schedule for one connection. Safe to call when none runs.
func (s *SyncScheduler) Stop(key registry.Key) {
	s.mu.Lock()
	cancel, ok := s.cancels[key]
	if ok {
		delete(s.cancels, key)
	}
	s.mu.Unlock()

	if ok {
		cancel()
	}
}

// StopAll cancels every schedule and waits for the loops to exit. The
// scheduler does not accept new schedules afterwards.
func (s *SyncScheduler) StopAll() {
	s.mu.Lock()
	s.stopped = true
	for key, cancel := range s.cancels {
		cancel()
		delete(s.cancels, key)
	}
	s.mu.Unlock()

	s.wg.Wait()
}
