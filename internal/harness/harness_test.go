package harness

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func loadTestScenario(t *testing.T, name string) *Scenario {
	t.Helper()
	s, err := LoadScenario(filepath.Join("testdata", "scenarios", name+".yaml"))
	require.NoError(t, err)
	return s
}

func TestScenario_DebounceCoalesce(t *testing.T) {
	s := loadTestScenario(t, "debounce-coalesce")
	require.NoError(t, RunWithGolden(t, s))
}

func TestScenario_CrashRecovery(t *testing.T) {
	s := loadTestScenario(t, "crash-recovery")
	require.NoError(t, RunWithGolden(t, s))
}

func TestScenario_PerEntity(t *testing.T) {
	s := loadTestScenario(t, "per-entity")
	require.NoError(t, RunWithGolden(t, s))
}

func TestRun_FailsOnContentMismatch(t *testing.T) {
	s := &Scenario{
		Name:        "mismatch",
		Description: "expectation does not match the stored document",
		Launches: []Launch{{
			Steps: []Step{
				{Op: OpSaveCritical, Collection: "tasks", Doc: []interface{}{map[string]interface{}{"id": "t-1"}}},
				{Op: OpLoad, Collection: "tasks", ExpectDoc: []interface{}{map[string]interface{}{"id": "t-2"}}},
			},
		}},
	}

	_, err := Run(s, t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "content mismatch")
}

func TestRun_FailsOnRecoveryCountMismatch(t *testing.T) {
	s := &Scenario{
		Name:        "wrong-count",
		Description: "expected recovery count does not match",
		Launches: []Launch{{
			OrphanedWAL:     []WALEntry{{Collection: "tasks", Op: "put", Doc: []interface{}{}}},
			ExpectRecovered: 2,
			Steps:           []Step{{Op: OpFlush}},
		}},
	}

	_, err := Run(s, t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "recovered 1 WAL entries, expected 2")
}

func TestRun_ExpectationOrderIsInsensitiveToKeyOrder(t *testing.T) {
	// The stored doc and the expectation list keys in different orders;
	// canonical hashing must treat them as equal.
	s := &Scenario{
		Name:        "key-order",
		Description: "content comparison ignores key order",
		Launches: []Launch{{
			Steps: []Step{
				{Op: OpSaveCritical, Collection: "settings-like",
					Doc: map[string]interface{}{"theme": "dark", "schemaVersion": 2}},
				{Op: OpLoad, Collection: "settings-like",
					ExpectDoc: map[string]interface{}{"schemaVersion": 2, "theme": "dark"}},
			},
		}},
	}

	_, err := Run(s, t.TempDir())
	require.NoError(t, err)
}
