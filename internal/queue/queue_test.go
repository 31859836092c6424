package queue

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskerino/taskerino/internal/storage"
	"github.com/taskerino/taskerino/internal/wal"
)

// countingBackend counts physical saves per collection.
type countingBackend struct {
	*storage.MemoryBackend
	mu    sync.Mutex
	saves map[string]int
	fail  map[string]error
}

func newCountingBackend() *countingBackend {
	return &countingBackend{
		MemoryBackend: storage.NewMemoryBackend(),
		saves:         make(map[string]int),
		fail:          make(map[string]error),
	}
}

func (b *countingBackend) Save(ctx context.Context, name string, doc []byte) error {
	b.mu.Lock()
	b.saves[name]++
	err := b.fail[name]
	b.mu.Unlock()
	if err != nil {
		return err
	}
	return b.MemoryBackend.Save(ctx, name, doc)
}

func (b *countingBackend) saveCount(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.saves[name]
}

func newTestQueue(t *testing.T, backend storage.Backend, opts ...Option) (*Queue, *wal.Log) {
	t.Helper()
	log, err := wal.Open(filepath.Join(t.TempDir(), "wal.log"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { log.Close() })

	q := New(backend, log, opts...)
	q.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		q.Shutdown(ctx)
	})
	return q, log
}

func TestEnqueue_CoalescesWithinDebounceWindow(t *testing.T) {
	backend := newCountingBackend()
	q, _ := newTestQueue(t, backend, WithDebounce(50*time.Millisecond))

	for _, payload := range []string{`"v1"`, `"v2"`, `"v3"`} {
		require.NoError(t, q.Enqueue("tasks", []byte(payload), Normal))
	}
	require.NoError(t, q.FlushNow(context.Background(), "tasks"))

	assert.Equal(t, 1, backend.saveCount("tasks"), "coalesced writes must produce one physical save")
	doc, ok, err := backend.Load(context.Background(), "tasks")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, `"v3"`, string(doc), "last write wins")
}

func TestEnqueue_NormalWaitsForDebounce(t *testing.T) {
	backend := newCountingBackend()
	q, _ := newTestQueue(t, backend, WithDebounce(30*time.Second))

	require.NoError(t, q.Enqueue("notes", []byte(`"draft"`), Normal))
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, 0, backend.saveCount("notes"), "write must stay pending inside the window")
	assert.Equal(t, []string{"notes"}, q.PendingCollections())
}

func TestEnqueue_CriticalDrainsImmediately(t *testing.T) {
	backend := newCountingBackend()
	q, _ := newTestQueue(t, backend, WithDebounce(30*time.Second))

	require.NoError(t, q.Enqueue("settings", []byte(`{"theme":"dark"}`), Critical))
	require.NoError(t, q.FlushNow(context.Background(), "settings"))

	assert.Equal(t, 1, backend.saveCount("settings"))
}

func TestEnqueue_CriticalPreservesPendingNormalPayload(t *testing.T) {
	backend := newCountingBackend()
	q, _ := newTestQueue(t, backend, WithDebounce(30*time.Second))

	// A Normal write is pending; a Critical write for the same collection
	// must drain the latest payload, not drop it.
	require.NoError(t, q.Enqueue("tasks", []byte(`"normal"`), Normal))
	require.NoError(t, q.Enqueue("tasks", []byte(`"critical"`), Critical))
	require.NoError(t, q.FlushNow(context.Background(), "tasks"))

	doc, ok, err := backend.Load(context.Background(), "tasks")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, `"critical"`, string(doc))
	assert.Equal(t, 1, backend.saveCount("tasks"))
}

func TestEnqueue_CriticalDrainsOtherCollections(t *testing.T) {
	backend := newCountingBackend()
	q, _ := newTestQueue(t, backend, WithDebounce(30*time.Second))

	require.NoError(t, q.Enqueue("notes", []byte(`"pending note"`), Normal))
	require.NoError(t, q.Enqueue("settings", []byte(`{"k":1}`), Critical))

	require.NoError(t, q.FlushNow(context.Background()))

	assert.Equal(t, 1, backend.saveCount("notes"),
		"a critical write must pull pending normal writes along")
	assert.Equal(t, 1, backend.saveCount("settings"))
}

func TestFlushNow_Scenario(t *testing.T) {
	backend := newCountingBackend()
	q, _ := newTestQueue(t, backend, WithDebounce(30*time.Second))
	ctx := context.Background()

	require.NoError(t, backend.Save(ctx, "tasks", []byte(`[{"id":1,"title":"A"}]`)))
	backend.mu.Lock()
	backend.saves = map[string]int{}
	backend.mu.Unlock()

	require.NoError(t, q.Enqueue("tasks", []byte(`[{"id":1,"title":"A"},{"id":2,"title":"B"}]`), Normal))
	require.NoError(t, q.FlushNow(ctx, "tasks"))

	doc, ok, err := backend.Load(ctx, "tasks")
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `[{"id":1,"title":"A"},{"id":2,"title":"B"}]`, string(doc))
}

func TestFlushNow_NothingPending(t *testing.T) {
	q, _ := newTestQueue(t, newCountingBackend())
	assert.NoError(t, q.FlushNow(context.Background(), "tasks"))
	assert.NoError(t, q.FlushNow(context.Background()))
}

func TestShutdown_DrainsEverythingThenRejects(t *testing.T) {
	backend := newCountingBackend()
	log, err := wal.Open(filepath.Join(t.TempDir(), "wal.log"), nil)
	require.NoError(t, err)
	defer log.Close()

	q := New(backend, log, WithDebounce(30*time.Second))
	q.Start()

	require.NoError(t, q.Enqueue("tasks", []byte(`"t"`), Normal))
	require.NoError(t, q.Enqueue("notes", []byte(`"n"`), Normal))
	require.NoError(t, q.Enqueue("sessions", []byte(`"s"`), Normal))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, q.Shutdown(ctx))

	for _, name := range []string{"tasks", "notes", "sessions"} {
		_, ok, err := backend.Load(context.Background(), name)
		require.NoError(t, err)
		assert.True(t, ok, "collection %s must be durable after shutdown", name)
	}

	err = q.Enqueue("tasks", []byte(`"late"`), Normal)
	assert.ErrorIs(t, err, ErrShuttingDown)
}

func TestEnqueueDelete_RemovesCollection(t *testing.T) {
	backend := newCountingBackend()
	q, _ := newTestQueue(t, backend, WithDebounce(10*time.Millisecond))
	ctx := context.Background()

	require.NoError(t, backend.Save(ctx, "notes", []byte(`"x"`)))
	require.NoError(t, q.EnqueueDelete("notes", Critical))
	require.NoError(t, q.FlushNow(ctx, "notes"))

	_, ok, err := backend.Load(ctx, "notes")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDrain_FailureLeavesWALEntryAndReportsError(t *testing.T) {
	backend := newCountingBackend()
	backend.fail["tasks"] = errors.New("disk full")

	var mu sync.Mutex
	var failures []string
	q, log := newTestQueue(t, backend,
		WithDebounce(10*time.Millisecond),
		WithErrorHandler(func(collection string, err error) {
			mu.Lock()
			failures = append(failures, collection)
			mu.Unlock()
		}),
	)

	require.NoError(t, q.Enqueue("tasks", []byte(`"doomed"`), Critical))
	require.NoError(t, q.FlushNow(context.Background(), "tasks"))

	mu.Lock()
	assert.Equal(t, []string{"tasks"}, failures)
	mu.Unlock()

	// The logged intent survives for next-launch recovery.
	assert.Equal(t, 1, log.Len())

	// The queue keeps serving other collections.
	require.NoError(t, q.Enqueue("notes", []byte(`"fine"`), Critical))
	require.NoError(t, q.FlushNow(context.Background(), "notes"))
	_, ok, err := backend.Load(context.Background(), "notes")
	require.NoError(t, err)
	assert.True(t, ok)
}
