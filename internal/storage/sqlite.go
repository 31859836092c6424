package storage

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS collections (
	name TEXT PRIMARY KEY,
	doc  BLOB NOT NULL
);

CREATE TABLE IF NOT EXISTS entities (
	collection TEXT NOT NULL,
	id         TEXT NOT NULL,
	doc        BLOB NOT NULL,
	PRIMARY KEY (collection, id)
);
`

// SQLiteBackend stores collections in a single SQLite database. It stands in
// for the structured-storage backend on platforms where per-file layouts are
// impractical.
//
// The database is configured with:
//   - WAL mode for concurrent reads during writes
//   - NORMAL synchronous mode (balance durability/performance)
//   - 5-second busy timeout for lock contention
//
// Save atomicity comes for free from SQLite's transactional UPSERT.
type SQLiteBackend struct {
	db *sql.DB
}

// OpenSQLiteBackend creates or opens a SQLite database at the given path.
// This function is idempotent - safe to call multiple times.
func OpenSQLiteBackend(path string) (*SQLiteBackend, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, NewUnavailable("", fmt.Errorf("open database: %w", err))
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, NewUnavailable("", fmt.Errorf("connect database: %w", err))
	}

	// SQLite only supports one writer at a time, so limit connections.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, NewUnavailable("", fmt.Errorf("execute %q: %w", pragma, err))
		}
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, NewUnavailable("", fmt.Errorf("apply schema: %w", err))
	}

	return &SQLiteBackend{db: db}, nil
}

// Load implements Backend.
func (b *SQLiteBackend) Load(ctx context.Context, name string) ([]byte, bool, error) {
	var doc []byte
	err := b.db.QueryRowContext(ctx, "SELECT doc FROM collections WHERE name = ?", name).Scan(&doc)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, NewUnavailable(name, err)
	}
	return doc, true, nil
}

// Save implements Backend.
func (b *SQLiteBackend) Save(ctx context.Context, name string, doc []byte) error {
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO collections (name, doc) VALUES (?, ?)
		ON CONFLICT(name) DO UPDATE SET doc = excluded.doc
	`, name, doc)
	if err != nil {
		return NewUnavailable(name, err)
	}
	return nil
}

// Delete implements Backend.
func (b *SQLiteBackend) Delete(ctx context.Context, name string) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return NewUnavailable(name, err)
	}
	if _, err := tx.Exec("DELETE FROM collections WHERE name = ?", name); err != nil {
		tx.Rollback()
		return NewUnavailable(name, err)
	}
	if _, err := tx.Exec("DELETE FROM entities WHERE collection = ?", name); err != nil {
		tx.Rollback()
		return NewUnavailable(name, err)
	}
	if err := tx.Commit(); err != nil {
		return NewUnavailable(name, err)
	}
	return nil
}

// DeleteDoc implements Backend.
func (b *SQLiteBackend) DeleteDoc(ctx context.Context, name string) error {
	_, err := b.db.ExecContext(ctx, "DELETE FROM collections WHERE name = ?", name)
	if err != nil {
		return NewUnavailable(name, err)
	}
	return nil
}

// List implements Backend.
func (b *SQLiteBackend) List(ctx context.Context) ([]string, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT name FROM collections
		UNION
		SELECT DISTINCT collection FROM entities
		ORDER BY 1
	`)
	if err != nil {
		return nil, NewUnavailable("", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, NewUnavailable("", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, NewUnavailable("", err)
	}
	return names, nil
}

// LoadEntities implements Backend.
func (b *SQLiteBackend) LoadEntities(ctx context.Context, collection string) (map[string][]byte, error) {
	rows, err := b.db.QueryContext(ctx,
		"SELECT id, doc FROM entities WHERE collection = ? ORDER BY id", collection)
	if err != nil {
		return nil, NewUnavailable(collection, err)
	}
	defer rows.Close()

	docs := make(map[string][]byte)
	for rows.Next() {
		var id string
		var doc []byte
		if err := rows.Scan(&id, &doc); err != nil {
			return nil, NewUnavailable(collection, err)
		}
		docs[id] = doc
	}
	if err := rows.Err(); err != nil {
		return nil, NewUnavailable(collection, err)
	}
	return docs, nil
}

// SaveEntity implements Backend.
func (b *SQLiteBackend) SaveEntity(ctx context.Context, collection, id string, doc []byte) error {
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO entities (collection, id, doc) VALUES (?, ?, ?)
		ON CONFLICT(collection, id) DO UPDATE SET doc = excluded.doc
	`, collection, id, doc)
	if err != nil {
		return NewUnavailable(collection, err)
	}
	return nil
}

// DeleteEntity implements Backend.
func (b *SQLiteBackend) DeleteEntity(ctx context.Context, collection, id string) error {
	_, err := b.db.ExecContext(ctx,
		"DELETE FROM entities WHERE collection = ? AND id = ?", collection, id)
	if err != nil {
		return NewUnavailable(collection, err)
	}
	return nil
}

// Close implements Backend.
func (b *SQLiteBackend) Close() error {
	if b.db == nil {
		return nil
	}
	return b.db.Close()
}
