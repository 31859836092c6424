package storage

import "context"

// Backend persists whole named collections of JSON documents.
//
// A collection is stored either as a single monolithic document or as a set
// of per-entity documents keyed by entity id. Exactly one representation is
// active per collection at a time; the migration framework records which.
//
// Thread-safety: implementations must be safe for concurrent use. The
// persistence queue guarantees single-writer-per-collection, but reads
// (backups, CLI inspection) may happen from other goroutines.
type Backend interface {
	// Load reads a monolithic collection document.
	// Returns (nil, false, nil) if the collection is absent - absence is a
	// sentinel, never an error.
	Load(ctx context.Context, name string) ([]byte, bool, error)

	// Save atomically replaces a monolithic collection document.
	// Either the new content becomes fully visible or the prior content
	// remains; a partial write must never be observable.
	Save(ctx context.Context, name string, doc []byte) error

	// Delete removes a collection's physical unit (monolithic document and
	// any per-entity documents). Deleting an absent collection is a no-op.
	Delete(ctx context.Context, name string) error

	// DeleteDoc removes only the monolithic document, leaving per-entity
	// documents in place. Used when a migration switches a collection's
	// physical representation. Idempotent.
	DeleteDoc(ctx context.Context, name string) error

	// List returns the names of all collections with a physical unit.
	List(ctx context.Context) ([]string, error)

	// LoadEntities reads all per-entity documents of a collection, keyed by
	// entity id. An absent collection yields an empty map.
	LoadEntities(ctx context.Context, collection string) (map[string][]byte, error)

	// SaveEntity atomically writes one per-entity document.
	SaveEntity(ctx context.Context, collection, id string, doc []byte) error

	// DeleteEntity removes one per-entity document. Idempotent.
	DeleteEntity(ctx context.Context, collection, id string) error

	// Close releases backend resources. The backend must not be used after.
	Close() error
}

// Kind identifies a backend implementation.
type Kind string

const (
	KindFilesystem Kind = "filesystem"
	KindSQLite     Kind = "sqlite"
	KindMemory     Kind = "memory"
)
