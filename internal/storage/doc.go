// Package storage provides the collection store: whole named collections of
// JSON documents persisted through a pluggable Backend.
//
// Three backends are available:
//   - Filesystem: one JSON file per collection (or a directory of per-entity
//     files), atomic via write-to-temp-then-rename
//   - SQLite: collections and entities tables, WAL journal mode
//   - Memory: flat in-process map, last-resort fallback
//
// # Critical Patterns
//
// Atomic saves:
//   - A Save either becomes fully visible or leaves the prior content intact.
//     Partial writes must never be observable by a subsequent Load.
//
// Absent is not an error:
//   - Load on a collection that was never written returns (nil, false, nil).
//     Only backend failures produce errors.
//
// Unavailability is loud:
//   - Permission and quota failures surface as CodeUnavailable errors and are
//     never swallowed. Callers decide whether to fall back to a degraded
//     backend.
package storage
