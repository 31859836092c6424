// Package migrate evolves the on-disk layout across app versions through
// named, ordered, idempotent transform steps.
//
// Each step runs at most once: a completion flag is persisted in the
// reserved settings collection under "__migration_<key>_complete". A step
// that fails leaves its flag unset and is retried on the next launch; it
// never blocks the rest of the app from loading. Steps declared after a
// failed step still run unless they explicitly depend on it.
//
// Steps must be safe to re-run after a mid-step crash: the flag is only set
// after the step succeeds, so every write a step makes has to be of the
// "ensure X holds" form rather than "apply X unconditionally".
package migrate

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/taskerino/taskerino/internal/storage"
)

// SettingsCollection is the reserved collection holding configuration and
// all migration flags.
const SettingsCollection = "settings"

// Migration is one named transform step.
type Migration struct {
	// Key uniquely identifies the step and never changes once shipped.
	Key string

	// DependsOn lists keys whose success this step requires. If a listed
	// step failed during this run (or has never completed), this step is
	// skipped and retried next launch.
	DependsOn []string

	// Run performs the transform against the backend.
	Run func(ctx context.Context, backend storage.Backend) error
}

// Flag is the persisted completion marker of one migration.
type Flag struct {
	Completed   bool       `json:"completed"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Report summarizes one runner pass.
type Report struct {
	Ran     []string
	Skipped []string
	Failed  map[string]error
}

// Runner executes migrations in declaration order.
type Runner struct {
	backend storage.Backend
	logger  *slog.Logger
	now     func() time.Time
}

// NewRunner creates a Runner. A nil logger falls back to slog.Default.
func NewRunner(backend storage.Backend, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{backend: backend, logger: logger, now: time.Now}
}

// Run walks migrations in order. Completed steps are skipped via their
// flags; failures are collected, logged, and never returned as a hard error.
func (r *Runner) Run(ctx context.Context, migrations []Migration) *Report {
	report := &Report{Failed: make(map[string]error)}

	completed := make(map[string]bool, len(migrations))
	for _, m := range migrations {
		flag, err := r.loadFlag(ctx, m.Key)
		if err != nil {
			r.logger.Warn("cannot read migration flag, treating as pending", "migration", m.Key, "error", err)
		}
		completed[m.Key] = flag.Completed
	}

	for _, m := range migrations {
		if completed[m.Key] {
			report.Skipped = append(report.Skipped, m.Key)
			continue
		}
		if dep, ok := r.unmetDependency(m, completed); ok {
			r.logger.Warn("skipping migration, dependency not completed",
				"migration", m.Key, "dependency", dep)
			report.Skipped = append(report.Skipped, m.Key)
			continue
		}

		r.logger.Info("running migration", "migration", m.Key)
		if err := m.Run(ctx, r.backend); err != nil {
			wrapped := &storage.StorageError{
				Code:    storage.CodeMigrationFailed,
				Message: fmt.Sprintf("migration %s failed", m.Key),
				Err:     err,
			}
			r.logger.Error("migration failed, will retry next launch", "migration", m.Key, "error", err)
			report.Failed[m.Key] = wrapped
			continue
		}

		if err := r.setFlag(ctx, m.Key); err != nil {
			// The work is done but the flag isn't durable: the step reruns
			// next launch, which is why steps must be idempotent.
			r.logger.Error("migration succeeded but flag write failed", "migration", m.Key, "error", err)
			report.Failed[m.Key] = err
			continue
		}

		completed[m.Key] = true
		report.Ran = append(report.Ran, m.Key)
	}

	return report
}

func (r *Runner) unmetDependency(m Migration, completed map[string]bool) (string, bool) {
	for _, dep := range m.DependsOn {
		if !completed[dep] {
			return dep, true
		}
	}
	return "", false
}

// FlagKey returns the reserved settings key for a migration.
func FlagKey(migrationKey string) string {
	return "__migration_" + migrationKey + "_complete"
}

func (r *Runner) loadFlag(ctx context.Context, key string) (Flag, error) {
	settings, err := loadSettings(ctx, r.backend)
	if err != nil {
		return Flag{}, err
	}
	raw, ok := settings[FlagKey(key)]
	if !ok {
		return Flag{}, nil
	}
	var flag Flag
	if err := json.Unmarshal(raw, &flag); err != nil {
		return Flag{}, fmt.Errorf("parse flag %s: %w", key, err)
	}
	return flag, nil
}

func (r *Runner) setFlag(ctx context.Context, key string) error {
	settings, err := loadSettings(ctx, r.backend)
	if err != nil {
		return err
	}
	completedAt := r.now().UTC()
	raw, err := json.Marshal(Flag{Completed: true, CompletedAt: &completedAt})
	if err != nil {
		return err
	}
	settings[FlagKey(key)] = raw
	return saveSettings(ctx, r.backend, settings)
}

// loadSettings reads the settings collection as a flat key map. An absent
// collection is an empty map - settings are created implicitly.
func loadSettings(ctx context.Context, backend storage.Backend) (map[string]json.RawMessage, error) {
	doc, ok, err := backend.Load(ctx, SettingsCollection)
	if err != nil {
		return nil, err
	}
	settings := make(map[string]json.RawMessage)
	if !ok || len(doc) == 0 {
		return settings, nil
	}
	if err := json.Unmarshal(doc, &settings); err != nil {
		return nil, fmt.Errorf("parse settings: %w", err)
	}
	return settings, nil
}

func saveSettings(ctx context.Context, backend storage.Backend, settings map[string]json.RawMessage) error {
	doc, err := json.Marshal(settings)
	if err != nil {
		return err
	}
	return backend.Save(ctx, SettingsCollection, doc)
}
