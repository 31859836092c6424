// Package queue implements the persistence queue: an in-process scheduler
// that coalesces repeated writes to the same collection and drains them
// against the collection store through the write-ahead log.
//
// ARCHITECTURE:
//
// Single-Writer Drain Loop:
// All drains happen in one goroutine. This gives per-collection total
// ordering for free and guarantees a WAL truncation never races with another
// collection's uncommitted append. External callers only Enqueue.
//
// Per-collection state machine:
//
//	Idle -> Pending (debounce running) -> Draining -> Idle
//
// A Normal enqueue while Pending replaces the payload and resets the
// debounce (coalescing). A Critical enqueue makes every pending collection
// due immediately - the original application flushed the whole queue before
// critical saves so cross-collection state on disk is never stale.
//
// Drain = WAL append -> store write -> WAL truncate. If the store write
// fails, the WAL entry is deliberately left in place: startup recovery will
// retry it on the next launch.
package queue

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/taskerino/taskerino/internal/storage"
	"github.com/taskerino/taskerino/internal/wal"
)

// Priority controls how urgently a write is drained.
type Priority int

const (
	// Normal writes are coalesced and drained after the debounce window.
	Normal Priority = iota
	// Critical writes drain immediately, along with all pending writes.
	Critical
)

// DefaultDebounce batches bursty UI-driven writes while bounding the
// data-loss window on crash.
const DefaultDebounce = 5 * time.Second

// ErrShuttingDown is returned by Enqueue after Shutdown has been called.
// Accepting work that will never flush would be silent data loss.
var ErrShuttingDown = errors.New("persistence queue is shutting down")

// ErrorHandler is notified when a drain fails. The queue stays usable for
// other collections; the failed write is retried from the WAL on next launch
// when the WAL append itself succeeded.
type ErrorHandler func(collection string, err error)

type pendingWrite struct {
	op         wal.Op
	payload    []byte
	priority   Priority
	enqueuedAt time.Time
	due        time.Time
}

type waiter struct {
	satisfied func() bool // called with q.mu held
	ch        chan struct{}
}

// Queue is the persistence queue. Create with New, start with Start.
type Queue struct {
	backend  storage.Backend
	log      *wal.Log
	logger   *slog.Logger
	debounce time.Duration
	onError  ErrorHandler

	mu       sync.Mutex
	pending  map[string]*pendingWrite
	inflight map[string]bool
	waiters  []*waiter
	stopping bool

	signal chan struct{} // buffered size 1, coalesces wakeups
	done   chan struct{} // closed when the drain loop exits
}

// Option configures a Queue.
type Option func(*Queue)

// WithDebounce overrides the debounce window. Tests use millisecond windows.
func WithDebounce(d time.Duration) Option {
	return func(q *Queue) { q.debounce = d }
}

// WithErrorHandler installs a drain failure callback.
func WithErrorHandler(h ErrorHandler) Option {
	return func(q *Queue) { q.onError = h }
}

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) { q.logger = l }
}

// New creates a stopped queue draining into backend through log.
func New(backend storage.Backend, log *wal.Log, opts ...Option) *Queue {
	q := &Queue{
		backend:  backend,
		log:      log,
		logger:   slog.Default(),
		debounce: DefaultDebounce,
		pending:  make(map[string]*pendingWrite),
		inflight: make(map[string]bool),
		signal:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Start launches the drain loop. Call exactly once, after WAL recovery has
// completed - the queue must not accept work while recovery replays entries.
func (q *Queue) Start() {
	go q.run()
}

// Enqueue schedules a whole-collection save. Normal writes coalesce within
// the debounce window, last-write-wins. Critical writes drain immediately
// and pull every other pending write along with them.
func (q *Queue) Enqueue(collection string, payload []byte, priority Priority) error {
	return q.enqueue(collection, wal.OpPut, payload, priority)
}

// EnqueueDelete schedules a collection delete.
func (q *Queue) EnqueueDelete(collection string, priority Priority) error {
	return q.enqueue(collection, wal.OpDelete, nil, priority)
}

func (q *Queue) enqueue(collection string, op wal.Op, payload []byte, priority Priority) error {
	now := time.Now()

	q.mu.Lock()
	if q.stopping {
		q.mu.Unlock()
		return ErrShuttingDown
	}

	w := q.pending[collection]
	if w == nil {
		w = &pendingWrite{enqueuedAt: now}
		q.pending[collection] = w
	}
	// Coalesce: the newest payload wins within the window.
	w.op = op
	w.payload = payload
	w.priority = priority

	switch priority {
	case Critical:
		// Drain this write now, plus everything else already pending,
		// so cross-collection state on disk is never stale.
		w.due = now
		for _, other := range q.pending {
			if other.due.After(now) {
				other.due = now
			}
		}
	default:
		w.due = now.Add(q.debounce)
	}
	q.mu.Unlock()

	q.wake()
	return nil
}

// FlushNow forces the named collections (all pending ones when none are
// named) to drain and waits until their drains complete.
func (q *Queue) FlushNow(ctx context.Context, collections ...string) error {
	now := time.Now()

	q.mu.Lock()
	targets := collections
	if len(targets) == 0 {
		for name := range q.pending {
			targets = append(targets, name)
		}
		for name := range q.inflight {
			targets = append(targets, name)
		}
	}
	for _, name := range targets {
		if w, ok := q.pending[name]; ok && w.due.After(now) {
			w.due = now
		}
	}
	ch := q.addWaiterLocked(func() bool {
		for _, name := range targets {
			if _, ok := q.pending[name]; ok {
				return false
			}
			if q.inflight[name] {
				return false
			}
		}
		return true
	})
	q.mu.Unlock()

	if ch == nil {
		return nil
	}
	q.wake()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown forces every pending write to drain, waits for in-flight drains
// to complete, and stops the loop. Enqueue rejects work from the moment
// Shutdown is called. In-flight drains are never cancelled.
func (q *Queue) Shutdown(ctx context.Context) error {
	now := time.Now()

	q.mu.Lock()
	q.stopping = true
	for _, w := range q.pending {
		if w.due.After(now) {
			w.due = now
		}
	}
	q.mu.Unlock()

	q.wake()

	select {
	case <-q.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PendingCollections returns the collections currently waiting to drain,
// sorted. Used by the CLI status command.
func (q *Queue) PendingCollections() []string {
	q.mu.Lock()
	defer q.mu.Unlock()

	names := make([]string, 0, len(q.pending))
	for name := range q.pending {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// addWaiterLocked registers a completion waiter. Returns nil if the
// condition already holds. Caller holds q.mu.
func (q *Queue) addWaiterLocked(satisfied func() bool) chan struct{} {
	if satisfied() {
		return nil
	}
	w := &waiter{satisfied: satisfied, ch: make(chan struct{})}
	q.waiters = append(q.waiters, w)
	return w.ch
}

// notifyWaitersLocked releases every waiter whose condition now holds.
// Caller holds q.mu.
func (q *Queue) notifyWaitersLocked() {
	kept := q.waiters[:0]
	for _, w := range q.waiters {
		if w.satisfied() {
			close(w.ch)
		} else {
			kept = append(kept, w)
		}
	}
	q.waiters = kept
}

func (q *Queue) wake() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// run is the single-writer drain loop.
func (q *Queue) run() {
	defer close(q.done)

	for {
		q.mu.Lock()
		name, w := q.takeDueLocked(time.Now())
		if w == nil {
			if q.stopping && len(q.pending) == 0 {
				q.notifyWaitersLocked()
				q.mu.Unlock()
				return
			}
			wait := q.nextWakeLocked(time.Now())
			q.mu.Unlock()

			timer := time.NewTimer(wait)
			select {
			case <-q.signal:
				timer.Stop()
			case <-timer.C:
			}
			continue
		}
		q.inflight[name] = true
		q.mu.Unlock()

		q.drain(name, w)

		q.mu.Lock()
		delete(q.inflight, name)
		q.notifyWaitersLocked()
		q.mu.Unlock()
	}
}

// takeDueLocked removes and returns the earliest-due pending write that is
// due at or before now. Ties break by collection name for determinism.
// Caller holds q.mu.
func (q *Queue) takeDueLocked(now time.Time) (string, *pendingWrite) {
	var bestName string
	var best *pendingWrite
	for name, w := range q.pending {
		if w.due.After(now) {
			continue
		}
		if best == nil || w.due.Before(best.due) || (w.due.Equal(best.due) && name < bestName) {
			bestName, best = name, w
		}
	}
	if best == nil {
		return "", nil
	}
	delete(q.pending, bestName)
	return bestName, best
}

// nextWakeLocked computes how long the loop may sleep. Caller holds q.mu.
func (q *Queue) nextWakeLocked(now time.Time) time.Duration {
	wait := time.Hour
	for _, w := range q.pending {
		if d := w.due.Sub(now); d < wait {
			wait = d
		}
	}
	if wait < 0 {
		wait = 0
	}
	return wait
}

// drain commits one write: WAL append, store write, WAL truncate.
func (q *Queue) drain(name string, w *pendingWrite) {
	ctx := context.Background()

	seq, err := q.log.Append(name, w.op, w.payload)
	if err != nil {
		q.reportError(name, err)
		return
	}

	switch w.op {
	case wal.OpDelete:
		err = q.backend.Delete(ctx, name)
	default:
		err = q.backend.Save(ctx, name, w.payload)
	}
	if err != nil {
		// Leave the WAL entry in place: recovery replays it next launch.
		q.reportError(name, err)
		return
	}

	if err := q.log.TruncateUpTo(seq); err != nil {
		// The write itself is durable; a stale WAL entry only costs an
		// idempotent re-apply on next startup.
		q.logger.Warn("WAL truncate failed after commit", "collection", name, "error", err)
	}
}

func (q *Queue) reportError(collection string, err error) {
	q.logger.Error("drain failed", "collection", collection, "error", err)
	if q.onError != nil {
		q.onError(collection, err)
	}
}
