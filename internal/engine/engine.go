// Package engine wires the storage stack together behind one handle: the
// collection store, the write-ahead log, the persistence queue, backups,
// and migrations.
//
// ARCHITECTURE:
//
// Startup is "collect and log, never throw": a failed migration, a failed
// startup backup, or an unavailable preferred backend degrades the engine
// (ultimately down to the in-memory store) instead of preventing launch.
// The user keeps a working app even when the disk is misbehaving.
//
// Startup order is fixed:
//
//	open store -> open WAL -> replay WAL -> migrations -> startup backup
//	-> start queue -> start backup scheduler
//
// The queue must not accept work until replay has finished, and the startup
// backup must see the post-replay, post-migration state.
//
// Shutdown is the reverse boundary: drain the queue, take a final backup,
// then close the WAL and the store.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/taskerino/taskerino/internal/backup"
	"github.com/taskerino/taskerino/internal/config"
	"github.com/taskerino/taskerino/internal/queue"
	"github.com/taskerino/taskerino/internal/storage"
	"github.com/taskerino/taskerino/internal/wal"
)

// Handle is the application-facing entry point to the storage engine.
// All methods are safe for concurrent use.
type Handle struct {
	cfg       *config.Config
	backend   storage.Backend
	log       *wal.Log
	queue     *queue.Queue
	backups   *backup.Manager
	scheduler *backup.Scheduler
	logger    *slog.Logger

	report   *StartupReport
	degraded atomic.Bool

	shutdownOnce sync.Once
	shutdownErr  error
}

// Load reads a collection's monolithic document from the store. Pending
// queued writes are not visible until they drain; call Flush first when
// read-after-write is required.
func (h *Handle) Load(ctx context.Context, name string) ([]byte, bool, error) {
	return h.backend.Load(ctx, name)
}

// LoadEntities reads every entity document of a per-entity collection.
func (h *Handle) LoadEntities(ctx context.Context, name string) (map[string][]byte, error) {
	return h.backend.LoadEntities(ctx, name)
}

// Save schedules a whole-collection write through the persistence queue.
// Repeated saves within the debounce window coalesce, last-write-wins.
func (h *Handle) Save(name string, payload []byte) error {
	return h.queue.Enqueue(name, payload, queue.Normal)
}

// SaveCritical persists a collection immediately and blocks until it is
// durable. Every other pending write is drained along with it, so the
// on-disk state is internally consistent afterwards.
func (h *Handle) SaveCritical(ctx context.Context, name string, payload []byte) error {
	if err := h.queue.Enqueue(name, payload, queue.Critical); err != nil {
		return err
	}
	return h.queue.FlushNow(ctx, name)
}

// Delete schedules a collection delete through the queue.
func (h *Handle) Delete(name string) error {
	return h.queue.EnqueueDelete(name, queue.Normal)
}

// SaveEntity writes one entity document directly to the store. Entity
// writes bypass the queue: each is already proportional to a single
// document, so there is nothing to coalesce.
func (h *Handle) SaveEntity(ctx context.Context, collection, id string, doc []byte) error {
	return h.backend.SaveEntity(ctx, collection, id, doc)
}

// DeleteEntity removes one entity document directly from the store.
func (h *Handle) DeleteEntity(ctx context.Context, collection, id string) error {
	return h.backend.DeleteEntity(ctx, collection, id)
}

// List returns every known collection name, sorted.
func (h *Handle) List(ctx context.Context) ([]string, error) {
	return h.backend.List(ctx)
}

// Flush forces the named collections (all pending ones when none are named)
// through the queue and waits for them to become durable.
func (h *Handle) Flush(ctx context.Context, collections ...string) error {
	return h.queue.FlushNow(ctx, collections...)
}

// CreateBackup flushes the queue and takes a snapshot. The flush comes
// first so the snapshot never captures a state older than what the user
// sees.
func (h *Handle) CreateBackup(ctx context.Context, reason backup.Reason) (*backup.Snapshot, error) {
	if err := h.queue.FlushNow(ctx); err != nil {
		return nil, fmt.Errorf("flush before backup: %w", err)
	}
	return h.backups.Create(ctx, reason)
}

// RestoreBackup flushes in-flight writes and overwrites the store with the
// snapshot's content. Destructive; callers handle operator confirmation.
func (h *Handle) RestoreBackup(ctx context.Context, id string) error {
	if err := h.queue.FlushNow(ctx); err != nil {
		return fmt.Errorf("flush before restore: %w", err)
	}
	return h.backups.Restore(ctx, id)
}

// Backups exposes the snapshot manager for list/prune operations.
func (h *Handle) Backups() *backup.Manager {
	return h.backups
}

// Queue exposes the persistence queue handle.
func (h *Handle) Queue() *queue.Queue {
	return h.queue
}

// RecoverFromWAL replays any write-ahead log entries left unapplied after
// startup. Pending queued writes are drained first so replay never races an
// in-flight drain. Returns the number of entries applied.
func (h *Handle) RecoverFromWAL(ctx context.Context) (int, error) {
	if err := h.queue.FlushNow(ctx); err != nil {
		return 0, fmt.Errorf("flush before replay: %w", err)
	}
	return h.replayWAL(ctx)
}

// Status describes the engine's current health.
type Status struct {
	Backend      storage.Kind
	Degraded     bool
	PendingSaves []string
	WALEntries   int
}

// Status reports the backend in use, pending queue work, and whether any
// drain has failed since startup.
func (h *Handle) Status() Status {
	return Status{
		Backend:      h.report.Backend,
		Degraded:     h.degraded.Load(),
		PendingSaves: h.queue.PendingCollections(),
		WALEntries:   h.log.Len(),
	}
}

// Report returns what happened during startup.
func (h *Handle) Report() *StartupReport {
	return h.report
}

// Config returns the configuration the engine was opened with.
func (h *Handle) Config() *config.Config {
	return h.cfg
}

// Shutdown drains the queue, takes a final backup, and releases the WAL and
// store. Safe to call more than once; later calls return the first result.
func (h *Handle) Shutdown(ctx context.Context) error {
	return h.shutdown(ctx, true)
}

// Close is Shutdown without the final backup. Short-lived read-only callers
// use it so every inspection does not mint a new snapshot.
func (h *Handle) Close(ctx context.Context) error {
	return h.shutdown(ctx, false)
}

func (h *Handle) shutdown(ctx context.Context, finalBackup bool) error {
	h.shutdownOnce.Do(func() {
		h.scheduler.Stop()

		if err := h.queue.Shutdown(ctx); err != nil {
			// Whatever failed to drain is still in the WAL; next launch
			// replays it. Keep going so the backup and close still happen.
			h.logger.Error("queue drain incomplete at shutdown", "error", err)
			h.shutdownErr = err
		}

		if finalBackup {
			if _, err := h.backups.Create(ctx, backup.ReasonShutdown); err != nil {
				h.logger.Error("shutdown backup failed", "error", err)
			}
		}

		if err := h.log.Close(); err != nil {
			h.logger.Warn("closing WAL", "error", err)
		}
		if err := h.backend.Close(); err != nil {
			h.logger.Warn("closing store", "error", err)
			if h.shutdownErr == nil {
				h.shutdownErr = err
			}
		}
	})
	return h.shutdownErr
}
