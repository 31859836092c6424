// Package harness runs YAML-defined durability scenarios against the
// storage engine: multiple launches over one data directory, simulated
// crashes, WAL recovery, and content expectations, with golden-file
// comparison of the final durable state.
package harness

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"time"

	"github.com/taskerino/taskerino/internal/backup"
	"github.com/taskerino/taskerino/internal/canonical"
	"github.com/taskerino/taskerino/internal/config"
	"github.com/taskerino/taskerino/internal/engine"
	"github.com/taskerino/taskerino/internal/storage"
	"github.com/taskerino/taskerino/internal/wal"
)

// Result holds the outcome of running a scenario.
type Result struct {
	// LaunchReports records per-launch recovery counts.
	LaunchReports []LaunchReport

	// Final maps collection name to its durable content after the last
	// launch, read from disk by a fresh store. Per-entity collections are
	// folded into one object keyed by entity id. The settings collection is
	// excluded: migration flags carry wall-clock timestamps.
	Final map[string]json.RawMessage
}

// LaunchReport summarizes one launch.
type LaunchReport struct {
	Recovered int
	Warnings  []string
}

// Run executes a scenario against dataDir. The directory must be empty (or
// carry only state from a previous Run of the same scenario chain).
//
// A launch ending in "crash" abandons the engine without shutdown. Its
// goroutines keep running until the process exits; the hour-long debounce
// used by the harness keeps them from draining anything afterwards.
func Run(scenario *Scenario, dataDir string) (*Result, error) {
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	result := &Result{}

	cfg := &config.Config{
		DataDir:        dataDir,
		Backend:        storage.KindFilesystem,
		Debounce:       time.Hour, // only critical writes and flushes drain
		BackupHorizon:  backup.DefaultHorizon,
		BackupInterval: time.Hour,
	}

	for i, launch := range scenario.Launches {
		if err := appendOrphanedWAL(cfg.WALPath(), launch.OrphanedWAL, logger); err != nil {
			return nil, fmt.Errorf("launch %d: %w", i, err)
		}

		h, err := engine.Open(ctx, cfg, engine.WithLogger(logger))
		if err != nil {
			return nil, fmt.Errorf("launch %d: open engine: %w", i, err)
		}

		report := LaunchReport{
			Recovered: h.Report().Recovered,
			Warnings:  h.Report().Warnings,
		}
		result.LaunchReports = append(result.LaunchReports, report)

		if report.Recovered != launch.ExpectRecovered {
			return nil, fmt.Errorf("launch %d: recovered %d WAL entries, expected %d",
				i, report.Recovered, launch.ExpectRecovered)
		}

		for j, step := range launch.Steps {
			if err := runStep(ctx, h, &step); err != nil {
				return nil, fmt.Errorf("launch %d step %d (%s %s): %w", i, j, step.Op, step.Collection, err)
			}
		}

		if launch.End != EndCrash {
			if err := h.Shutdown(ctx); err != nil {
				return nil, fmt.Errorf("launch %d: shutdown: %w", i, err)
			}
		}
	}

	final, err := readDurableState(ctx, dataDir)
	if err != nil {
		return nil, err
	}
	result.Final = final
	return result, nil
}

// appendOrphanedWAL plants log entries as a crash between WAL append and
// store write would leave them.
func appendOrphanedWAL(path string, entries []WALEntry, logger *slog.Logger) error {
	if len(entries) == 0 {
		return nil
	}
	log, err := wal.Open(path, logger)
	if err != nil {
		return fmt.Errorf("open WAL: %w", err)
	}
	defer log.Close()

	for _, e := range entries {
		op := wal.OpPut
		var payload []byte
		if e.Op == "delete" {
			op = wal.OpDelete
		} else {
			payload, err = docJSON(e.Doc)
			if err != nil {
				return err
			}
		}
		if _, err := log.Append(e.Collection, op, payload); err != nil {
			return fmt.Errorf("append orphaned entry: %w", err)
		}
	}
	return nil
}

// runStep executes one operation against a live engine.
func runStep(ctx context.Context, h *engine.Handle, step *Step) error {
	switch step.Op {
	case OpSave, OpSaveCritical:
		payload, err := docJSON(step.Doc)
		if err != nil {
			return err
		}
		if step.Op == OpSaveCritical {
			return h.SaveCritical(ctx, step.Collection, payload)
		}
		return h.Save(step.Collection, payload)

	case OpDelete:
		if err := h.Delete(step.Collection); err != nil {
			return err
		}
		return h.Flush(ctx, step.Collection)

	case OpSaveEntity:
		payload, err := docJSON(step.Doc)
		if err != nil {
			return err
		}
		return h.SaveEntity(ctx, step.Collection, step.ID, payload)

	case OpDeleteEntity:
		return h.DeleteEntity(ctx, step.Collection, step.ID)

	case OpFlush:
		return h.Flush(ctx, step.Collections...)

	case OpLoad:
		return runLoadStep(ctx, h, step)

	default:
		return fmt.Errorf("unknown op %q", step.Op)
	}
}

// runLoadStep loads a collection and checks the step's expectation. Content
// comparison goes through canonical hashing so key order never matters.
func runLoadStep(ctx context.Context, h *engine.Handle, step *Step) error {
	doc, ok, err := h.Load(ctx, step.Collection)
	if err != nil {
		return err
	}
	if !ok {
		entities, err := h.LoadEntities(ctx, step.Collection)
		if err != nil {
			return err
		}
		if len(entities) > 0 {
			doc, err = foldEntities(entities)
			if err != nil {
				return err
			}
			ok = true
		}
	}

	if step.ExpectAbsent {
		if ok {
			return fmt.Errorf("expected collection to be absent, found %s", doc)
		}
		return nil
	}
	if !ok {
		return fmt.Errorf("collection not found")
	}

	want, err := docJSON(step.ExpectDoc)
	if err != nil {
		return err
	}
	wantHash, err := canonical.HashDocument(want)
	if err != nil {
		return err
	}
	gotHash, err := canonical.HashDocument(doc)
	if err != nil {
		return err
	}
	if wantHash != gotHash {
		return fmt.Errorf("content mismatch:\n  got  %s\n  want %s", doc, want)
	}
	return nil
}

// readDurableState opens a fresh store over the data directory and folds
// every collection except settings into raw documents.
func readDurableState(ctx context.Context, dataDir string) (map[string]json.RawMessage, error) {
	backend, err := storage.NewFilesystemBackend(dataDir)
	if err != nil {
		return nil, fmt.Errorf("read durable state: %w", err)
	}
	defer backend.Close()

	names, err := backend.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("read durable state: %w", err)
	}

	final := make(map[string]json.RawMessage)
	sort.Strings(names)
	for _, name := range names {
		if name == "settings" {
			continue
		}
		doc, ok, err := backend.Load(ctx, name)
		if err != nil {
			return nil, err
		}
		if !ok {
			entities, err := backend.LoadEntities(ctx, name)
			if err != nil {
				return nil, err
			}
			if len(entities) == 0 {
				continue
			}
			doc, err = foldEntities(entities)
			if err != nil {
				return nil, err
			}
		}
		final[name] = doc
	}
	return final, nil
}

func foldEntities(entities map[string][]byte) ([]byte, error) {
	folded := make(map[string]json.RawMessage, len(entities))
	for id, doc := range entities {
		folded[id] = doc
	}
	return json.Marshal(folded)
}

// docJSON converts a YAML-decoded document to JSON bytes.
func docJSON(v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	return data, nil
}
