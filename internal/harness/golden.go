package harness

import (
	"bytes"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/taskerino/taskerino/internal/canonical"
)

// StateSnapshot captures the durable outcome of a scenario run. Serialized
// canonically so golden files are byte-stable across runs and platforms.
type StateSnapshot struct {
	ScenarioName string
	Recovered    []int
	Collections  map[string]json.RawMessage
}

// toCanonicalMap converts the snapshot to plain maps and slices so the
// canonical marshaller can serialize it.
func (s *StateSnapshot) toCanonicalMap() (map[string]any, error) {
	recovered := make([]any, len(s.Recovered))
	for i, n := range s.Recovered {
		recovered[i] = n
	}

	collections := make(map[string]any, len(s.Collections))
	for name, raw := range s.Collections {
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		var v any
		if err := dec.Decode(&v); err != nil {
			return nil, fmt.Errorf("decode collection %s: %w", name, err)
		}
		collections[name] = v
	}

	return map[string]any{
		"scenario_name": s.ScenarioName,
		"recovered":     recovered,
		"collections":   collections,
	}, nil
}

// RunWithGolden executes a scenario in a fresh data directory and compares
// the final durable state against testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, scenario *Scenario) error {
	t.Helper()

	result, err := Run(scenario, t.TempDir())
	if err != nil {
		return err
	}

	recovered := make([]int, len(result.LaunchReports))
	for i, r := range result.LaunchReports {
		recovered[i] = r.Recovered
	}
	snapshot := StateSnapshot{
		ScenarioName: scenario.Name,
		Recovered:    recovered,
		Collections:  result.Final,
	}

	canonicalMap, err := snapshot.toCanonicalMap()
	if err != nil {
		return err
	}
	stateJSON, err := canonical.Marshal(canonicalMap)
	if err != nil {
		return err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenario.Name, stateJSON)
	return nil
}
