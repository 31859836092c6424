package migrate

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskerino/taskerino/internal/storage"
)

func TestRunner_RunsInOrderAndSetsFlags(t *testing.T) {
	backend := storage.NewMemoryBackend()
	r := NewRunner(backend, nil)
	ctx := context.Background()

	var order []string
	step := func(key string) Migration {
		return Migration{
			Key: key,
			Run: func(ctx context.Context, b storage.Backend) error {
				order = append(order, key)
				return nil
			},
		}
	}

	report := r.Run(ctx, []Migration{step("one"), step("two"), step("three")})

	assert.Equal(t, []string{"one", "two", "three"}, order)
	assert.Equal(t, []string{"one", "two", "three"}, report.Ran)
	assert.Empty(t, report.Failed)

	flag, err := r.loadFlag(ctx, "two")
	require.NoError(t, err)
	assert.True(t, flag.Completed)
	require.NotNil(t, flag.CompletedAt)
}

func TestRunner_SecondRunDoesNoWork(t *testing.T) {
	backend := storage.NewMemoryBackend()
	r := NewRunner(backend, nil)
	ctx := context.Background()

	runs := 0
	migrations := []Migration{{
		Key: "once",
		Run: func(ctx context.Context, b storage.Backend) error {
			runs++
			return nil
		},
	}}

	first := r.Run(ctx, migrations)
	second := r.Run(ctx, migrations)

	assert.Equal(t, 1, runs, "completed migration must never re-run")
	assert.Equal(t, []string{"once"}, first.Ran)
	assert.Equal(t, []string{"once"}, second.Skipped)
}

func TestRunner_FailureRetriedNextLaunch(t *testing.T) {
	backend := storage.NewMemoryBackend()
	r := NewRunner(backend, nil)
	ctx := context.Background()

	attempts := 0
	migrations := []Migration{{
		Key: "flaky",
		Run: func(ctx context.Context, b storage.Backend) error {
			attempts++
			if attempts == 1 {
				return errors.New("boom")
			}
			return nil
		},
	}}

	first := r.Run(ctx, migrations)
	require.Contains(t, first.Failed, "flaky")

	// Simulated next launch.
	second := r.Run(ctx, migrations)
	assert.Equal(t, []string{"flaky"}, second.Ran)
	assert.Equal(t, 2, attempts)
}

func TestRunner_IndependentStepStillRunsAfterFailure(t *testing.T) {
	backend := storage.NewMemoryBackend()
	r := NewRunner(backend, nil)
	ctx := context.Background()

	var order []string
	migrations := []Migration{
		{
			Key: "broken",
			Run: func(ctx context.Context, b storage.Backend) error { return errors.New("nope") },
		},
		{
			Key:       "dependent",
			DependsOn: []string{"broken"},
			Run: func(ctx context.Context, b storage.Backend) error {
				order = append(order, "dependent")
				return nil
			},
		},
		{
			Key: "independent",
			Run: func(ctx context.Context, b storage.Backend) error {
				order = append(order, "independent")
				return nil
			},
		},
	}

	report := r.Run(ctx, migrations)

	assert.Equal(t, []string{"independent"}, order)
	assert.Contains(t, report.Failed, "broken")
	assert.Contains(t, report.Skipped, "dependent")
	assert.Equal(t, []string{"independent"}, report.Ran)
}

func TestSessionsPerEntity_SplitsAndIsIdempotent(t *testing.T) {
	backend := storage.NewMemoryBackend()
	ctx := context.Background()

	require.NoError(t, backend.Save(ctx, "sessions",
		[]byte(`[{"id":"s-1","name":"standup"},{"id":"s-2","name":"review"}]`)))

	require.NoError(t, runSessionsPerEntity(ctx, backend))

	entities, err := backend.LoadEntities(ctx, "sessions")
	require.NoError(t, err)
	require.Len(t, entities, 2)
	assert.JSONEq(t, `{"id":"s-1","name":"standup"}`, string(entities["s-1"]))

	// Monolithic representation is gone.
	_, ok, err := backend.Load(ctx, "sessions")
	require.NoError(t, err)
	assert.False(t, ok)

	// Re-running on the split layout is a no-op.
	require.NoError(t, runSessionsPerEntity(ctx, backend))
	entities, err = backend.LoadEntities(ctx, "sessions")
	require.NoError(t, err)
	assert.Len(t, entities, 2)
}

func TestLegacyFlatImport_MovesPrefixedKeys(t *testing.T) {
	backend := storage.NewMemoryBackend()
	ctx := context.Background()

	require.NoError(t, backend.Save(ctx, legacyCollection, []byte(
		`{"taskerino_tasks":[{"id":1}],"taskerino_notes":[],"unrelated":"x"}`)))

	require.NoError(t, runLegacyFlatImport(ctx, backend))

	doc, ok, err := backend.Load(ctx, "tasks")
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `[{"id":1}]`, string(doc))

	_, ok, err = backend.Load(ctx, legacyCollection)
	require.NoError(t, err)
	assert.False(t, ok, "legacy store must be dropped")

	// No legacy store: a second run changes nothing.
	require.NoError(t, runLegacyFlatImport(ctx, backend))
}

func TestLegacyFlatImport_NeverClobbersExistingCollection(t *testing.T) {
	backend := storage.NewMemoryBackend()
	ctx := context.Background()

	require.NoError(t, backend.Save(ctx, "tasks", []byte(`"already migrated"`)))
	require.NoError(t, backend.Save(ctx, legacyCollection, []byte(`{"taskerino_tasks":"stale"}`)))

	require.NoError(t, runLegacyFlatImport(ctx, backend))

	doc, _, err := backend.Load(ctx, "tasks")
	require.NoError(t, err)
	assert.Equal(t, `"already migrated"`, string(doc))
}

func TestSettingsSchemaVersion_EnsuresField(t *testing.T) {
	backend := storage.NewMemoryBackend()
	ctx := context.Background()

	require.NoError(t, backend.Save(ctx, SettingsCollection, []byte(`{"theme":"dark"}`)))
	require.NoError(t, runSettingsSchemaVersion(ctx, backend))

	settings, err := loadSettings(ctx, backend)
	require.NoError(t, err)
	assert.JSONEq(t, `2`, string(settings["schemaVersion"]))
	assert.JSONEq(t, `"dark"`, string(settings["theme"]), "existing settings survive")

	// Existing value is never overwritten.
	settings["schemaVersion"] = json.RawMessage(`99`)
	require.NoError(t, saveSettings(ctx, backend, settings))
	require.NoError(t, runSettingsSchemaVersion(ctx, backend))

	settings, err = loadSettings(ctx, backend)
	require.NoError(t, err)
	assert.JSONEq(t, `99`, string(settings["schemaVersion"]))
}

func TestAll_DeclarationOrderIsStable(t *testing.T) {
	keys := make([]string, 0)
	for _, m := range All() {
		keys = append(keys, m.Key)
	}
	assert.Equal(t, []string{"legacy_flat_import", "sessions_per_entity", "settings_schema_version"}, keys)
}
