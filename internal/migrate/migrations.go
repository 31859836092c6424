package migrate

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/taskerino/taskerino/internal/model"
	"github.com/taskerino/taskerino/internal/storage"
)

// legacyCollection is where the pre-1.0 flat key/value store was parked.
const legacyCollection = "legacy"

// legacyKeyPrefix prefixed every key in the flat store.
const legacyKeyPrefix = "taskerino_"

// currentSchemaVersion is written into settings by the schema version step.
const currentSchemaVersion = 2

// All returns every migration in declaration order. Order is significant:
// a later step may assume an earlier step's postcondition.
func All() []Migration {
	return []Migration{
		{
			Key: "legacy_flat_import",
			Run: runLegacyFlatImport,
		},
		{
			Key:       "sessions_per_entity",
			DependsOn: []string{"legacy_flat_import"},
			Run:       runSessionsPerEntity,
		},
		{
			Key: "settings_schema_version",
			Run: runSettingsSchemaVersion,
		},
	}
}

// runLegacyFlatImport moves each "taskerino_<name>" key of the legacy flat
// store into its own collection, then drops the flat store. A target
// collection that already exists is left alone, so a re-run after a
// mid-step crash never clobbers migrated data.
func runLegacyFlatImport(ctx context.Context, backend storage.Backend) error {
	doc, ok, err := backend.Load(ctx, legacyCollection)
	if err != nil {
		return err
	}
	if !ok {
		return nil // nothing to import
	}

	var flat map[string]json.RawMessage
	if err := json.Unmarshal(doc, &flat); err != nil {
		return fmt.Errorf("parse legacy store: %w", err)
	}

	for key, value := range flat {
		if !strings.HasPrefix(key, legacyKeyPrefix) {
			continue
		}
		target := strings.TrimPrefix(key, legacyKeyPrefix)

		_, exists, err := backend.Load(ctx, target)
		if err != nil {
			return err
		}
		if exists {
			continue
		}
		if err := backend.Save(ctx, target, value); err != nil {
			return err
		}
	}

	return backend.Delete(ctx, legacyCollection)
}

// runSessionsPerEntity splits the monolithic sessions array into one file
// per session. Session recordings grew large enough that rewriting the
// whole array on every save dominated I/O; per-entity files make a single
// session save proportional to that session only.
func runSessionsPerEntity(ctx context.Context, backend storage.Backend) error {
	doc, ok, err := backend.Load(ctx, "sessions")
	if err != nil {
		return err
	}
	if !ok {
		return nil // already split, or no sessions yet
	}

	var sessions []json.RawMessage
	if err := json.Unmarshal(doc, &sessions); err != nil {
		return fmt.Errorf("parse sessions: %w", err)
	}

	for _, session := range sessions {
		id, err := sessionID(session)
		if err != nil {
			return err
		}
		if err := backend.SaveEntity(ctx, "sessions", id, session); err != nil {
			return err
		}
	}

	// The monolithic document goes away only after every entity is durable;
	// a crash before this line re-runs the split, overwriting the same
	// entity files with identical content.
	return backend.DeleteDoc(ctx, "sessions")
}

// sessionID pulls the id out of a session document, generating a fresh one
// for records that predate ids.
func sessionID(doc json.RawMessage) (string, error) {
	var session model.Session
	if err := json.Unmarshal(doc, &session); err != nil {
		return "", fmt.Errorf("parse session: %w", err)
	}
	if session.ID != "" {
		return session.ID, nil
	}
	return model.NewID(), nil
}

// runSettingsSchemaVersion ensures settings carry a schemaVersion field.
// Written as "ensure field exists with default", not "append field", so a
// re-run is a no-op.
func runSettingsSchemaVersion(ctx context.Context, backend storage.Backend) error {
	settings, err := loadSettings(ctx, backend)
	if err != nil {
		return err
	}
	if _, ok := settings["schemaVersion"]; ok {
		return nil
	}
	raw, err := json.Marshal(currentSchemaVersion)
	if err != nil {
		return err
	}
	settings["schemaVersion"] = raw
	return saveSettings(ctx, backend, settings)
}
