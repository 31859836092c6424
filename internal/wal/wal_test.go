package wal

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestLog(t *testing.T, path string) *Log {
	t.Helper()
	l, err := Open(path, nil)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func TestAppend_AssignsIncreasingSequence(t *testing.T) {
	l := openTestLog(t, filepath.Join(t.TempDir(), "wal.log"))

	s1, err := l.Append("tasks", OpPut, []byte(`{"a":1}`))
	require.NoError(t, err)
	s2, err := l.Append("notes", OpPut, []byte(`{"b":2}`))
	require.NoError(t, err)
	s3, err := l.Append("notes", OpDelete, nil)
	require.NoError(t, err)

	assert.Equal(t, uint64(1), s1)
	assert.Equal(t, uint64(2), s2)
	assert.Equal(t, uint64(3), s3)
}

func TestAppend_FailedWriteLeavesNoSequenceGap(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wal.log")
	l := openTestLog(t, path)

	s1, err := l.Append("tasks", OpPut, []byte(`1`))
	require.NoError(t, err)

	// Swap in a read-only handle so the next write fails.
	good := l.file
	ro, err := os.Open(path)
	require.NoError(t, err)
	l.file = ro
	_, err = l.Append("tasks", OpPut, []byte(`2`))
	require.Error(t, err)
	require.NoError(t, ro.Close())
	l.file = good

	s2, err := l.Append("tasks", OpPut, []byte(`3`))
	require.NoError(t, err)
	assert.Equal(t, s1+1, s2, "failed append must not consume a sequence number")

	entries := l.Replay()
	require.Len(t, entries, 2)
	assert.Equal(t, uint64(1), entries[0].Seq)
	assert.Equal(t, uint64(2), entries[1].Seq)
}

func TestReplay_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wal.log")

	l := openTestLog(t, path)
	_, err := l.Append("notes", OpPut, []byte(`{"id":7,"text":"x"}`))
	require.NoError(t, err)
	require.NoError(t, l.Close())

	// Simulated crash: reopen without truncating.
	l2 := openTestLog(t, path)
	entries := l2.Replay()
	require.Len(t, entries, 1)
	assert.Equal(t, "notes", entries[0].Collection)
	assert.Equal(t, OpPut, entries[0].Op)
	assert.JSONEq(t, `{"id":7,"text":"x"}`, string(entries[0].Payload))
}

func TestReopen_ContinuesSequenceAfterSurvivors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wal.log")

	l := openTestLog(t, path)
	_, err := l.Append("tasks", OpPut, []byte(`1`))
	require.NoError(t, err)
	_, err = l.Append("tasks", OpPut, []byte(`2`))
	require.NoError(t, err)
	require.NoError(t, l.Close())

	l2 := openTestLog(t, path)
	seq, err := l2.Append("tasks", OpPut, []byte(`3`))
	require.NoError(t, err)
	assert.Equal(t, uint64(3), seq, "sequence must continue past survivors")
}

func TestTruncateUpTo_DropsCommittedEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wal.log")
	l := openTestLog(t, path)

	s1, err := l.Append("tasks", OpPut, []byte(`1`))
	require.NoError(t, err)
	_, err = l.Append("notes", OpPut, []byte(`2`))
	require.NoError(t, err)

	require.NoError(t, l.TruncateUpTo(s1))
	entries := l.Replay()
	require.Len(t, entries, 1)
	assert.Equal(t, "notes", entries[0].Collection)

	// Truncation must also survive a reopen.
	require.NoError(t, l.Close())
	l2 := openTestLog(t, path)
	entries = l2.Replay()
	require.Len(t, entries, 1)
	assert.Equal(t, "notes", entries[0].Collection)
}

func TestTruncateUpTo_All(t *testing.T) {
	l := openTestLog(t, filepath.Join(t.TempDir(), "wal.log"))

	_, err := l.Append("tasks", OpPut, []byte(`1`))
	require.NoError(t, err)
	seq, err := l.Append("tasks", OpPut, []byte(`2`))
	require.NoError(t, err)

	require.NoError(t, l.TruncateUpTo(seq))
	assert.Equal(t, 0, l.Len())

	// Log stays appendable after a full truncate.
	_, err = l.Append("tasks", OpPut, []byte(`3`))
	require.NoError(t, err)
	assert.Equal(t, 1, l.Len())
}

func TestOpen_SkipsCorruptTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wal.log")
	l := openTestLog(t, path)
	_, err := l.Append("tasks", OpPut, []byte(`{"ok":true}`))
	require.NoError(t, err)
	require.NoError(t, l.Close())

	// Simulate a torn write at the tail.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"seq":2,"collection":"notes","op":"pu`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	l2 := openTestLog(t, path)
	entries := l2.Replay()
	require.Len(t, entries, 1, "corrupt tail entry must be skipped")
	assert.Equal(t, "tasks", entries[0].Collection)
}

func TestOpen_MissingFileIsEmpty(t *testing.T) {
	l := openTestLog(t, filepath.Join(t.TempDir(), "wal.log"))
	assert.Empty(t, l.Replay())
	assert.Equal(t, 0, l.Len())
}
