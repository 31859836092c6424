package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/taskerino/taskerino/internal/backup"
	"github.com/taskerino/taskerino/internal/config"
	"github.com/taskerino/taskerino/internal/migrate"
	"github.com/taskerino/taskerino/internal/queue"
	"github.com/taskerino/taskerino/internal/storage"
	"github.com/taskerino/taskerino/internal/wal"
)

// startupTimeout bounds the whole startup sequence. A hung disk must not
// hang the app forever; whatever has not finished by then is abandoned and
// the error is collected.
const startupTimeout = 10 * time.Second

// StartupReport records what happened while the engine came up. Nothing in
// it is fatal; callers log it and move on.
type StartupReport struct {
	// Backend is the store kind actually in use, after any fallback.
	Backend storage.Kind

	// FellBack is true when the configured backend was unavailable.
	FellBack bool

	// Recovered counts WAL entries replayed into the store.
	Recovered int

	// Migrations summarizes the migration pass.
	Migrations *migrate.Report

	// Warnings collects every non-fatal startup failure, already logged.
	Warnings []string
}

func (r *StartupReport) warn(logger *slog.Logger, msg string, err error) {
	logger.Warn(msg, "error", err)
	r.Warnings = append(r.Warnings, fmt.Sprintf("%s: %v", msg, err))
}

// Option configures Open.
type Option func(*openOptions)

type openOptions struct {
	logger    *slog.Logger
	queueOpts []queue.Option
}

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *openOptions) { o.logger = l }
}

// WithQueueOptions appends options to the persistence queue. Tests use it
// to shrink the debounce window.
func WithQueueOptions(opts ...queue.Option) Option {
	return func(o *openOptions) { o.queueOpts = append(o.queueOpts, opts...) }
}

// Open brings up the full storage engine for cfg. The only hard failures
// are ones that leave no usable store at all; everything else degrades and
// lands in the startup report.
func Open(ctx context.Context, cfg *config.Config, opts ...Option) (*Handle, error) {
	o := &openOptions{logger: slog.Default()}
	for _, opt := range opts {
		opt(o)
	}
	logger := o.logger
	report := &StartupReport{}

	ctx, cancel := context.WithTimeout(ctx, startupTimeout)
	defer cancel()

	if cfg.Backend != storage.KindMemory {
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			report.warn(logger, "cannot create data dir, falling back to memory store", err)
			report.FellBack = true
			cfg = memoryFallback(cfg)
		}
	}

	backend := openBackend(cfg, logger, report)

	log, err := openWAL(cfg, logger, report)
	if err != nil {
		backend.Close()
		return nil, err
	}

	h := &Handle{
		cfg:     cfg,
		backend: backend,
		log:     log,
		logger:  logger,
		report:  report,
	}

	h.recover(ctx)

	report.Migrations = migrate.NewRunner(backend, logger).Run(ctx, migrate.All())
	for key, err := range report.Migrations.Failed {
		report.Warnings = append(report.Warnings, fmt.Sprintf("migration %s: %v", key, err))
	}

	h.backups = backup.New(backend, cfg.BackupDir(),
		backup.WithHorizon(cfg.BackupHorizon),
		backup.WithLogger(logger))
	if _, err := h.backups.Create(ctx, backup.ReasonStartup); err != nil {
		report.warn(logger, "startup backup failed", err)
	}
	if _, err := h.backups.PruneExpired(ctx); err != nil {
		report.warn(logger, "backup prune failed", err)
	}

	queueOpts := append([]queue.Option{
		queue.WithDebounce(cfg.Debounce),
		queue.WithLogger(logger),
		queue.WithErrorHandler(func(collection string, err error) {
			h.degraded.Store(true)
		}),
	}, o.queueOpts...)
	h.queue = queue.New(backend, log, queueOpts...)
	h.queue.Start()

	// The scheduler snapshots through the handle, not the manager, so a
	// tick lands only after pending queue writes have drained.
	h.scheduler = backup.NewScheduler(h.CreateBackup, h.backups, cfg.BackupInterval, logger)
	h.scheduler.Start()

	logger.Info("storage engine ready",
		"backend", report.Backend,
		"recovered", report.Recovered,
		"warnings", len(report.Warnings))
	return h, nil
}

// openBackend opens the configured store, degrading through the fallback
// chain configured -> filesystem -> memory. The memory store cannot fail.
func openBackend(cfg *config.Config, logger *slog.Logger, report *StartupReport) storage.Backend {
	open := func(kind storage.Kind) (storage.Backend, error) {
		switch kind {
		case storage.KindSQLite:
			return storage.OpenSQLiteBackend(filepath.Join(cfg.DataDir, "taskerino.db"))
		case storage.KindMemory:
			return storage.NewMemoryBackend(), nil
		default:
			return storage.NewFilesystemBackend(cfg.DataDir)
		}
	}

	backend, err := open(cfg.Backend)
	if err == nil {
		report.Backend = cfg.Backend
		return backend
	}
	report.warn(logger, fmt.Sprintf("%s store unavailable", cfg.Backend), err)
	report.FellBack = true

	if cfg.Backend != storage.KindFilesystem {
		if backend, err := open(storage.KindFilesystem); err == nil {
			report.Backend = storage.KindFilesystem
			return backend
		}
		report.warn(logger, "filesystem store unavailable", err)
	}

	logger.Error("no persistent store available, data will not survive restart")
	report.Backend = storage.KindMemory
	return storage.NewMemoryBackend()
}

// openWAL opens the write-ahead log. The memory store gets a WAL in a
// throwaway location so the queue wiring stays uniform.
func openWAL(cfg *config.Config, logger *slog.Logger, report *StartupReport) (*wal.Log, error) {
	path := cfg.WALPath()
	if report.Backend == storage.KindMemory {
		path = filepath.Join(os.TempDir(), fmt.Sprintf("taskerino-wal-%d.log", os.Getpid()))
	}
	log, err := wal.Open(path, logger)
	if err != nil {
		return nil, fmt.Errorf("open write-ahead log: %w", err)
	}
	return log, nil
}

// recover replays WAL entries that never made it into the store.
func (h *Handle) recover(ctx context.Context) {
	applied, err := h.replayWAL(ctx)
	h.report.Recovered = applied
	if err != nil {
		h.report.warn(h.logger, "WAL replay stopped early", err)
	}
}

// replayWAL applies not-yet-truncated WAL entries to the store. Replay stops
// at the first failing entry so per-collection ordering is preserved;
// everything from there on stays in the WAL for the next attempt.
func (h *Handle) replayWAL(ctx context.Context) (int, error) {
	entries := h.log.Replay()
	if len(entries) == 0 {
		return 0, nil
	}
	h.logger.Info("replaying write-ahead log", "entries", len(entries))

	var lastApplied uint64
	var applied int
	var replayErr error
	for _, e := range entries {
		var err error
		switch e.Op {
		case wal.OpDelete:
			err = h.backend.Delete(ctx, e.Collection)
		default:
			err = h.backend.Save(ctx, e.Collection, e.Payload)
		}
		if err != nil {
			replayErr = fmt.Errorf("replay of %s at seq %d: %w", e.Collection, e.Seq, err)
			break
		}
		lastApplied = e.Seq
		applied++
	}

	if lastApplied > 0 {
		if err := h.log.TruncateUpTo(lastApplied); err != nil {
			// Replayed entries stay in the WAL; re-applying them next
			// launch is idempotent.
			h.logger.Warn("WAL truncate after replay failed", "error", err)
		}
	}
	return applied, replayErr
}

func memoryFallback(cfg *config.Config) *config.Config {
	out := *cfg
	out.Backend = storage.KindMemory
	return &out
}
