// Package backup produces point-in-time snapshots of all collections and
// enforces a retention policy over them.
//
// Snapshots are immutable once created. Each lives in its own directory
// under the backup namespace:
//
//	backups/<id>/manifest.json
//	backups/<id>/collections/<name>.json
//
// The manifest records a canonical-JSON SHA-256 content hash per collection,
// so a restore can be verified and two snapshots can be compared cheaply.
//
// Callers are expected to request a backup only after a flush/shutdown
// boundary; the manager only reads from the store (except during restore).
package backup

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/taskerino/taskerino/internal/canonical"
	"github.com/taskerino/taskerino/internal/storage"
)

// Reason tags why a snapshot was taken.
type Reason string

const (
	ReasonStartup  Reason = "startup"
	ReasonHourly   Reason = "hourly"
	ReasonShutdown Reason = "shutdown"
	ReasonManual   Reason = "manual"
)

// DefaultHorizon is how long snapshots are retained.
const DefaultHorizon = 7 * 24 * time.Hour

// Snapshot is the persisted metadata of one backup.
type Snapshot struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	Reason    Reason    `json:"reason"`

	// Manifest maps collection name to the canonical-JSON SHA-256 of its
	// content at snapshot time.
	Manifest map[string]string `json:"manifest"`

	// PerEntity lists collections that were stored as per-entity files.
	// Restore recreates them entity by entity.
	PerEntity []string `json:"per_entity,omitempty"`
}

// Manager creates, lists, restores, and prunes snapshots.
type Manager struct {
	backend storage.Backend
	dir     string
	horizon time.Duration
	logger  *slog.Logger

	// Seams for deterministic tests.
	now   func() time.Time
	newID func() string
}

// Option configures a Manager.
type Option func(*Manager)

// WithHorizon overrides the retention horizon.
func WithHorizon(d time.Duration) Option {
	return func(m *Manager) { m.horizon = d }
}

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithClock overrides the time source. Tests use a deterministic clock.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithIDGenerator overrides snapshot id generation. Tests use fixed ids.
func WithIDGenerator(gen func() string) Option {
	return func(m *Manager) { m.newID = gen }
}

// New creates a Manager writing snapshots under dir.
func New(backend storage.Backend, dir string, opts ...Option) *Manager {
	m := &Manager{
		backend: backend,
		dir:     dir,
		horizon: DefaultHorizon,
		logger:  slog.Default(),
		now:     time.Now,
		// UUIDv7 ids sort by creation time, which keeps the backup
		// directory listing chronological for free.
		newID: func() string { return uuid.Must(uuid.NewV7()).String() },
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Create takes a snapshot of every known collection. Failures are returned
// to the caller, who logs them; a failed backup must never block startup or
// shutdown.
func (m *Manager) Create(ctx context.Context, reason Reason) (*Snapshot, error) {
	names, err := m.backend.List(ctx)
	if err != nil {
		return nil, m.failed("list collections", err)
	}

	snap := &Snapshot{
		ID:        m.newID(),
		CreatedAt: m.now().UTC(),
		Reason:    reason,
		Manifest:  make(map[string]string, len(names)),
	}

	snapDir := filepath.Join(m.dir, snap.ID)
	collDir := filepath.Join(snapDir, "collections")
	if err := os.MkdirAll(collDir, 0o755); err != nil {
		return nil, m.failed("create snapshot dir", err)
	}

	for _, name := range names {
		content, perEntity, err := m.readCollection(ctx, name)
		if err != nil {
			os.RemoveAll(snapDir)
			return nil, m.failed(fmt.Sprintf("read collection %s", name), err)
		}
		if content == nil {
			continue
		}
		if perEntity {
			snap.PerEntity = append(snap.PerEntity, name)
		}

		hash, err := canonical.HashDocument(content)
		if err != nil {
			os.RemoveAll(snapDir)
			return nil, m.failed(fmt.Sprintf("hash collection %s", name), err)
		}
		snap.Manifest[name] = hash

		if err := os.WriteFile(filepath.Join(collDir, name+".json"), content, 0o644); err != nil {
			os.RemoveAll(snapDir)
			return nil, m.failed(fmt.Sprintf("copy collection %s", name), err)
		}
	}
	sort.Strings(snap.PerEntity)

	manifest, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		os.RemoveAll(snapDir)
		return nil, m.failed("marshal manifest", err)
	}
	manifest = append(manifest, '\n')
	// The manifest is written last: a crash mid-snapshot leaves a directory
	// without a manifest, which List and Restore ignore.
	if err := os.WriteFile(filepath.Join(snapDir, "manifest.json"), manifest, 0o644); err != nil {
		os.RemoveAll(snapDir)
		return nil, m.failed("write manifest", err)
	}

	m.logger.Info("backup created", "id", snap.ID, "reason", reason, "collections", len(snap.Manifest))
	return snap, nil
}

// readCollection returns a collection's content as one document. Per-entity
// collections are folded into a single JSON object keyed by entity id.
func (m *Manager) readCollection(ctx context.Context, name string) ([]byte, bool, error) {
	doc, ok, err := m.backend.Load(ctx, name)
	if err != nil {
		return nil, false, err
	}
	if ok {
		return doc, false, nil
	}

	entities, err := m.backend.LoadEntities(ctx, name)
	if err != nil {
		return nil, false, err
	}
	if len(entities) == 0 {
		return nil, false, nil
	}

	folded := make(map[string]json.RawMessage, len(entities))
	for id, entityDoc := range entities {
		folded[id] = entityDoc
	}
	content, err := json.Marshal(folded)
	if err != nil {
		return nil, false, err
	}
	return content, true, nil
}

// List returns all snapshots ordered by creation time, oldest first.
// Directories without a manifest (crashed snapshots) are skipped.
func (m *Manager) List(ctx context.Context) ([]*Snapshot, error) {
	entries, err := os.ReadDir(m.dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, m.failed("read backup dir", err)
	}

	var snaps []*Snapshot
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		snap, err := m.readManifest(entry.Name())
		if err != nil {
			m.logger.Warn("skipping unreadable snapshot", "id", entry.Name(), "error", err)
			continue
		}
		snaps = append(snaps, snap)
	}

	sort.Slice(snaps, func(i, j int) bool {
		return snaps[i].CreatedAt.Before(snaps[j].CreatedAt)
	})
	return snaps, nil
}

// Restore overwrites every collection with the snapshot's content. This is
// destructive: collections that did not exist at snapshot time are deleted.
// Callers are responsible for explicit operator confirmation and for making
// sure no drains are in flight.
func (m *Manager) Restore(ctx context.Context, id string) error {
	snap, err := m.readManifest(id)
	if err != nil {
		return &storage.StorageError{Code: storage.CodeRestoreFailed, Message: "read snapshot manifest", Err: err}
	}

	perEntity := make(map[string]bool, len(snap.PerEntity))
	for _, name := range snap.PerEntity {
		perEntity[name] = true
	}

	// Remove collections created after the snapshot.
	current, err := m.backend.List(ctx)
	if err != nil {
		return &storage.StorageError{Code: storage.CodeRestoreFailed, Message: "list collections", Err: err}
	}
	for _, name := range current {
		if _, inSnap := snap.Manifest[name]; !inSnap {
			if err := m.backend.Delete(ctx, name); err != nil {
				return &storage.StorageError{Code: storage.CodeRestoreFailed, Message: "delete collection " + name, Err: err}
			}
		}
	}

	for name := range snap.Manifest {
		content, err := os.ReadFile(filepath.Join(m.dir, id, "collections", name+".json"))
		if err != nil {
			return &storage.StorageError{Code: storage.CodeRestoreFailed, Message: "read snapshot copy " + name, Err: err}
		}

		if !perEntity[name] {
			if err := m.backend.Save(ctx, name, content); err != nil {
				return &storage.StorageError{Code: storage.CodeRestoreFailed, Message: "restore collection " + name, Err: err}
			}
			continue
		}

		var folded map[string]json.RawMessage
		if err := json.Unmarshal(content, &folded); err != nil {
			return &storage.StorageError{Code: storage.CodeRestoreFailed, Message: "parse snapshot copy " + name, Err: err}
		}
		if err := m.backend.Delete(ctx, name); err != nil {
			return &storage.StorageError{Code: storage.CodeRestoreFailed, Message: "reset collection " + name, Err: err}
		}
		for entityID, doc := range folded {
			if err := m.backend.SaveEntity(ctx, name, entityID, doc); err != nil {
				return &storage.StorageError{Code: storage.CodeRestoreFailed, Message: "restore entity " + name + "/" + entityID, Err: err}
			}
		}
	}

	m.logger.Info("backup restored", "id", id, "collections", len(snap.Manifest))
	return nil
}

// PruneExpired removes snapshots older than the retention horizon. The
// newest snapshot is always kept, even when expired.
func (m *Manager) PruneExpired(ctx context.Context) (int, error) {
	snaps, err := m.List(ctx)
	if err != nil {
		return 0, err
	}
	if len(snaps) <= 1 {
		return 0, nil
	}

	cutoff := m.now().Add(-m.horizon)
	pruned := 0
	// The last element is the newest; never prune it.
	for _, snap := range snaps[:len(snaps)-1] {
		if snap.CreatedAt.After(cutoff) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(m.dir, snap.ID)); err != nil {
			return pruned, m.failed("prune snapshot "+snap.ID, err)
		}
		m.logger.Info("backup pruned", "id", snap.ID, "created_at", snap.CreatedAt)
		pruned++
	}
	return pruned, nil
}

func (m *Manager) readManifest(id string) (*Snapshot, error) {
	data, err := os.ReadFile(filepath.Join(m.dir, id, "manifest.json"))
	if err != nil {
		return nil, err
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

func (m *Manager) failed(msg string, err error) error {
	return &storage.StorageError{Code: storage.CodeBackupFailed, Message: msg, Err: err}
}
