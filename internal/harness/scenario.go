package harness

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Scenario defines a durability conformance scenario: a sequence of app
// launches against one data directory, each ending in a clean shutdown or a
// simulated crash, with expectations checked along the way.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Launches run in order against the same data directory.
	Launches []Launch `yaml:"launches"`
}

// Launch is one engine lifetime.
type Launch struct {
	// OrphanedWAL entries are appended to the write-ahead log before this
	// launch opens, reproducing what a crash between WAL append and store
	// write leaves behind.
	OrphanedWAL []WALEntry `yaml:"orphaned_wal,omitempty"`

	// ExpectRecovered is the number of WAL entries this launch must replay.
	ExpectRecovered int `yaml:"expect_recovered,omitempty"`

	// Steps are the operations run while the engine is up.
	Steps []Step `yaml:"steps,omitempty"`

	// End is how the launch terminates: "shutdown" (default) drains and
	// closes cleanly, "crash" abandons the engine mid-flight.
	End string `yaml:"end,omitempty"`
}

// WALEntry describes one orphaned log record.
type WALEntry struct {
	Collection string      `yaml:"collection"`
	Op         string      `yaml:"op"` // "put" or "delete"
	Doc        interface{} `yaml:"doc,omitempty"`
}

// Step is a single engine operation.
type Step struct {
	// Op selects the operation: save, save_critical, delete, save_entity,
	// delete_entity, flush, load.
	Op string `yaml:"op"`

	// Collection names the target collection.
	Collection string `yaml:"collection,omitempty"`

	// ID is the entity id for save_entity / delete_entity.
	ID string `yaml:"id,omitempty"`

	// Doc is the document payload, given as YAML and stored as JSON.
	Doc interface{} `yaml:"doc,omitempty"`

	// Collections limits a flush to specific collections.
	Collections []string `yaml:"collections,omitempty"`

	// ExpectDoc asserts the loaded document's content (load only).
	ExpectDoc interface{} `yaml:"expect_doc,omitempty"`

	// ExpectAbsent asserts the collection does not exist (load only).
	ExpectAbsent bool `yaml:"expect_absent,omitempty"`
}

// Step op constants.
const (
	OpSave         = "save"
	OpSaveCritical = "save_critical"
	OpDelete       = "delete"
	OpSaveEntity   = "save_entity"
	OpDeleteEntity = "delete_entity"
	OpFlush        = "flush"
	OpLoad         = "load"
)

// Launch end constants.
const (
	EndShutdown = "shutdown"
	EndCrash    = "crash"
)

// LoadScenario reads and parses a scenario YAML file. Unknown fields are
// rejected so a typo'd key fails loudly instead of silently skipping an
// assertion.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Launches) == 0 {
		return fmt.Errorf("launches list is required and must be non-empty")
	}

	for i, launch := range s.Launches {
		if launch.End != "" && launch.End != EndShutdown && launch.End != EndCrash {
			return fmt.Errorf("launches[%d]: unknown end %q", i, launch.End)
		}
		for j, e := range launch.OrphanedWAL {
			if e.Collection == "" {
				return fmt.Errorf("launches[%d].orphaned_wal[%d]: collection is required", i, j)
			}
			if e.Op != "put" && e.Op != "delete" {
				return fmt.Errorf("launches[%d].orphaned_wal[%d]: op must be put or delete", i, j)
			}
			if e.Op == "put" && e.Doc == nil {
				return fmt.Errorf("launches[%d].orphaned_wal[%d]: doc is required for put", i, j)
			}
		}
		for j, step := range launch.Steps {
			if err := validateStep(i, j, &step); err != nil {
				return err
			}
		}
	}
	return nil
}

// validateStep validates a single step based on its op.
func validateStep(launch, index int, s *Step) error {
	where := fmt.Sprintf("launches[%d].steps[%d]", launch, index)

	switch s.Op {
	case OpSave, OpSaveCritical:
		if s.Collection == "" {
			return fmt.Errorf("%s: collection is required for %s", where, s.Op)
		}
		if s.Doc == nil {
			return fmt.Errorf("%s: doc is required for %s", where, s.Op)
		}
	case OpDelete:
		if s.Collection == "" {
			return fmt.Errorf("%s: collection is required for delete", where)
		}
	case OpSaveEntity:
		if s.Collection == "" || s.ID == "" {
			return fmt.Errorf("%s: collection and id are required for save_entity", where)
		}
		if s.Doc == nil {
			return fmt.Errorf("%s: doc is required for save_entity", where)
		}
	case OpDeleteEntity:
		if s.Collection == "" || s.ID == "" {
			return fmt.Errorf("%s: collection and id are required for delete_entity", where)
		}
	case OpFlush:
		// No required fields: an empty flush drains everything.
	case OpLoad:
		if s.Collection == "" {
			return fmt.Errorf("%s: collection is required for load", where)
		}
		if s.ExpectDoc == nil && !s.ExpectAbsent {
			return fmt.Errorf("%s: load needs expect_doc or expect_absent", where)
		}
	case "":
		return fmt.Errorf("%s: op is required", where)
	default:
		return fmt.Errorf("%s: unknown op %q", where, s.Op)
	}
	return nil
}
