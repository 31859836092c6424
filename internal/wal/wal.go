// Package wal implements the write-ahead log used for crash recovery.
//
// Every queued write is appended here and fsynced before the collection
// store write begins; the entry is truncated only after that write is
// confirmed. On startup the surviving entries are replayed against the
// store and then truncated en masse.
//
// The WAL is a best-effort crash-safety net, not the system of record: a
// corrupt entry is skipped and logged, never allowed to crash startup.
package wal

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/taskerino/taskerino/internal/storage"
)

// Op is the kind of operation recorded in a WAL entry.
type Op string

const (
	// OpPut records a whole-collection save.
	OpPut Op = "put"
	// OpDelete records a collection delete.
	OpDelete Op = "delete"
)

// Entry is one logged write. Sequence numbers are strictly increasing and
// gapless for a given Log instance.
type Entry struct {
	Seq        uint64          `json:"seq"`
	Collection string          `json:"collection"`
	Op         Op              `json:"op"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	WrittenAt  time.Time       `json:"written_at"`
}

// Log is an append-only JSON-lines file of entries.
//
// Thread-safety: all methods are safe for concurrent use, though in practice
// the persistence queue is the only writer.
type Log struct {
	mu      sync.Mutex
	path    string
	file    *os.File
	seq     uint64 // last assigned sequence number
	pending []Entry
	logger  *slog.Logger
}

// Open reads any surviving entries from path and positions the log for
// appending. Unparseable lines are skipped and logged (best-effort recovery);
// only I/O failures are returned as errors.
func Open(path string, logger *slog.Logger) (*Log, error) {
	if logger == nil {
		logger = slog.Default()
	}

	l := &Log{path: path, logger: logger}

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, storage.NewWALCorrupt("read log", err)
	}
	if err == nil {
		l.pending, l.seq = parseEntries(data, logger)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, storage.NewUnavailable("", fmt.Errorf("open wal: %w", err))
	}
	l.file = file
	return l, nil
}

// parseEntries decodes JSON-lines data, skipping corrupt lines.
// Returns the surviving entries and the highest sequence number seen.
func parseEntries(data []byte, logger *slog.Logger) ([]Entry, uint64) {
	var entries []Entry
	var maxSeq uint64

	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			// Typically a torn write at the tail of the file from a
			// crash mid-append. Skip and keep going.
			logger.Warn("skipping corrupt WAL entry", "line", lineNo, "error", err)
			continue
		}
		entries = append(entries, e)
		if e.Seq > maxSeq {
			maxSeq = e.Seq
		}
	}
	return entries, maxSeq
}

// Append durably logs an entry and returns its sequence number. The entry is
// flushed to disk before Append returns.
func (l *Log) Append(collection string, op Op, payload []byte) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.seq++
	entry := Entry{
		Seq:        l.seq,
		Collection: collection,
		Op:         op,
		Payload:    payload,
		WrittenAt:  time.Now().UTC(),
	}

	line, err := json.Marshal(entry)
	if err != nil {
		l.seq--
		return 0, fmt.Errorf("marshal wal entry: %w", err)
	}
	line = append(line, '\n')

	if _, err := l.file.Write(line); err != nil {
		// A torn line may be on disk; parsing skips it, so the sequence
		// number is safe to reuse.
		l.seq--
		return 0, storage.NewUnavailable(collection, fmt.Errorf("append wal: %w", err))
	}
	if err := l.file.Sync(); err != nil {
		l.seq--
		return 0, storage.NewUnavailable(collection, fmt.Errorf("sync wal: %w", err))
	}

	l.pending = append(l.pending, entry)
	return entry.Seq, nil
}

// Replay returns the entries that were logged but never truncated, in
// sequence order. Call once at startup, before the queue accepts work.
func (l *Log) Replay() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]Entry, len(l.pending))
	copy(out, l.pending)
	return out
}

// TruncateUpTo drops every entry with sequence <= seq. The log file is
// rewritten atomically; the in-flight entries above seq survive.
func (l *Log) TruncateUpTo(seq uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	remaining := l.pending[:0:0]
	for _, e := range l.pending {
		if e.Seq > seq {
			remaining = append(remaining, e)
		}
	}

	if len(remaining) == 0 {
		// Fast path: everything committed, empty the file in place.
		if err := l.file.Truncate(0); err != nil {
			return storage.NewUnavailable("", fmt.Errorf("truncate wal: %w", err))
		}
		l.pending = nil
		return nil
	}

	var buf []byte
	for _, e := range remaining {
		line, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("marshal wal entry: %w", err)
		}
		buf = append(buf, line...)
		buf = append(buf, '\n')
	}

	// Rewrite through a rename so a crash mid-truncate leaves either the
	// old or the new log, both of which replay correctly.
	tmp := l.path + ".tmp"
	if err := os.WriteFile(tmp, buf, 0o644); err != nil {
		return storage.NewUnavailable("", fmt.Errorf("rewrite wal: %w", err))
	}
	if err := os.Rename(tmp, l.path); err != nil {
		os.Remove(tmp)
		return storage.NewUnavailable("", fmt.Errorf("replace wal: %w", err))
	}

	l.file.Close()
	file, err := os.OpenFile(l.path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return storage.NewUnavailable("", fmt.Errorf("reopen wal: %w", err))
	}
	l.file = file
	l.pending = remaining
	return nil
}

// Len returns the number of pending (not yet truncated) entries.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending)
}

// Close releases the log file handle.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}
