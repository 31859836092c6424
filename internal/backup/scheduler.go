package backup

import (
	"context"
	"log/slog"
	"time"
)

// Snapshotter takes a snapshot for the given reason. The engine passes its
// flush-then-create entry point here so scheduled snapshots never capture
// state still sitting in the persistence queue.
type Snapshotter func(ctx context.Context, reason Reason) (*Snapshot, error)

// Scheduler owns the periodic backup trigger. It exposes a single TakeNow
// entry point; the interval timer is just one caller of it, and the
// startup/shutdown hooks live in the engine, not here.
type Scheduler struct {
	take     Snapshotter
	manager  *Manager
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	done     chan struct{}
}

// NewScheduler creates a scheduler taking an hourly-style snapshot every
// interval via take. A nil take falls back to manager.Create, which skips
// the caller's flush boundary; only tests use that.
func NewScheduler(take Snapshotter, manager *Manager, interval time.Duration, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if take == nil {
		take = manager.Create
	}
	return &Scheduler{
		take:     take,
		manager:  manager,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the interval loop. A failed periodic backup is logged and
// the loop keeps running; it also sweeps expired snapshots after each take.
func (s *Scheduler) Start() {
	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.TakeNow(context.Background(), ReasonHourly)
			case <-s.stop:
				return
			}
		}
	}()
}

// TakeNow takes a snapshot immediately and prunes expired ones. Errors are
// logged, never propagated - a failed backup is a warning, not a crash.
func (s *Scheduler) TakeNow(ctx context.Context, reason Reason) {
	if _, err := s.take(ctx, reason); err != nil {
		s.logger.Error("scheduled backup failed", "reason", reason, "error", err)
		return
	}
	if _, err := s.manager.PruneExpired(ctx); err != nil {
		s.logger.Warn("backup prune failed", "error", err)
	}
}

// Stop terminates the interval loop and waits for it to exit.
func (s *Scheduler) Stop() {
	close(s.stop)
	<-s.done
}
