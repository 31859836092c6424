package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// FilesystemBackend stores each collection as a JSON file under the data
// directory. Per-entity collections occupy a subdirectory of per-entity
// JSON files instead.
//
// Layout:
//
//	<dataDir>/tasks.json          monolithic collection
//	<dataDir>/sessions/<id>.json  per-entity collection
//
// Atomicity is provided by write-to-temp-then-rename within the same
// directory, with an fsync of both the file and the directory.
type FilesystemBackend struct {
	dataDir string
}

// NewFilesystemBackend creates the data directory if needed and returns a
// backend rooted at it.
func NewFilesystemBackend(dataDir string) (*FilesystemBackend, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, NewUnavailable("", fmt.Errorf("create data dir: %w", err))
	}
	return &FilesystemBackend{dataDir: dataDir}, nil
}

// DataDir returns the backend's root directory.
func (b *FilesystemBackend) DataDir() string {
	return b.dataDir
}

// Load implements Backend.
func (b *FilesystemBackend) Load(ctx context.Context, name string) ([]byte, bool, error) {
	if err := validateName(name); err != nil {
		return nil, false, err
	}
	data, err := os.ReadFile(b.docPath(name))
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, NewUnavailable(name, err)
	}
	return data, true, nil
}

// Save implements Backend.
func (b *FilesystemBackend) Save(ctx context.Context, name string, doc []byte) error {
	if err := validateName(name); err != nil {
		return err
	}
	if err := checkDiskSpace(b.dataDir, int64(len(doc))); err != nil {
		return NewUnavailable(name, err)
	}
	if err := atomicWriteFile(b.docPath(name), doc); err != nil {
		return NewUnavailable(name, err)
	}
	return nil
}

// Delete implements Backend. Removes both the monolithic document and any
// per-entity directory.
func (b *FilesystemBackend) Delete(ctx context.Context, name string) error {
	if err := validateName(name); err != nil {
		return err
	}
	if err := os.Remove(b.docPath(name)); err != nil && !os.IsNotExist(err) {
		return NewUnavailable(name, err)
	}
	if err := os.RemoveAll(b.entityDir(name)); err != nil {
		return NewUnavailable(name, err)
	}
	return nil
}

// DeleteDoc implements Backend. Removes only the monolithic file.
func (b *FilesystemBackend) DeleteDoc(ctx context.Context, name string) error {
	if err := validateName(name); err != nil {
		return err
	}
	if err := os.Remove(b.docPath(name)); err != nil && !os.IsNotExist(err) {
		return NewUnavailable(name, err)
	}
	return nil
}

// List implements Backend.
func (b *FilesystemBackend) List(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(b.dataDir)
	if err != nil {
		return nil, NewUnavailable("", err)
	}

	seen := make(map[string]bool)
	for _, entry := range entries {
		name := entry.Name()
		if strings.HasPrefix(name, ".") || name == "backups" || name == "wal.log" {
			continue
		}
		if entry.IsDir() {
			seen[name] = true
			continue
		}
		if strings.HasSuffix(name, ".json") {
			seen[strings.TrimSuffix(name, ".json")] = true
		}
	}

	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// LoadEntities implements Backend.
func (b *FilesystemBackend) LoadEntities(ctx context.Context, collection string) (map[string][]byte, error) {
	if err := validateName(collection); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(b.entityDir(collection))
	if os.IsNotExist(err) {
		return map[string][]byte{}, nil
	}
	if err != nil {
		return nil, NewUnavailable(collection, err)
	}

	docs := make(map[string][]byte, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(b.entityDir(collection), name))
		if err != nil {
			return nil, NewUnavailable(collection, err)
		}
		docs[strings.TrimSuffix(name, ".json")] = data
	}
	return docs, nil
}

// SaveEntity implements Backend.
func (b *FilesystemBackend) SaveEntity(ctx context.Context, collection, id string, doc []byte) error {
	if err := validateName(collection); err != nil {
		return err
	}
	if err := validateName(id); err != nil {
		return err
	}
	dir := b.entityDir(collection)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return NewUnavailable(collection, err)
	}
	if err := checkDiskSpace(b.dataDir, int64(len(doc))); err != nil {
		return NewUnavailable(collection, err)
	}
	if err := atomicWriteFile(filepath.Join(dir, id+".json"), doc); err != nil {
		return NewUnavailable(collection, err)
	}
	return nil
}

// DeleteEntity implements Backend.
func (b *FilesystemBackend) DeleteEntity(ctx context.Context, collection, id string) error {
	if err := validateName(collection); err != nil {
		return err
	}
	if err := validateName(id); err != nil {
		return err
	}
	err := os.Remove(filepath.Join(b.entityDir(collection), id+".json"))
	if err != nil && !os.IsNotExist(err) {
		return NewUnavailable(collection, err)
	}
	return nil
}

// Close implements Backend. The filesystem backend holds no open handles.
func (b *FilesystemBackend) Close() error {
	return nil
}

func (b *FilesystemBackend) docPath(name string) string {
	return filepath.Join(b.dataDir, name+".json")
}

func (b *FilesystemBackend) entityDir(name string) string {
	return filepath.Join(b.dataDir, name)
}

// validateName rejects names that would escape the data directory.
func validateName(name string) error {
	if name == "" || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return &StorageError{
			Code:       CodeUnavailable,
			Message:    fmt.Sprintf("invalid collection name %q", name),
			Collection: name,
		}
	}
	return nil
}

// atomicWriteFile writes data to a temp file in the target's directory, syncs
// it, and renames it over the target. Readers observe either the old or the
// new content, never a partial write.
func atomicWriteFile(path string, data []byte) error {
	dir := filepath.Dir(path)

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	// Any failure below must not leave the temp file behind.
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpName)
	}

	if _, err := tmp.Write(data); err != nil {
		cleanup()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename temp file: %w", err)
	}

	// Sync the directory so the rename itself survives a crash.
	if d, err := os.Open(dir); err == nil {
		d.Sync()
		d.Close()
	}
	return nil
}
