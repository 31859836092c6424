package config

import (
	"bytes"
	"fmt"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueyaml "cuelang.org/go/encoding/yaml"
)

// schemaSource is the closed schema for config.yaml. Fields are all
// optional, but any field present must match its constraint and unknown
// fields are rejected.
const schemaSource = `
#Duration: string & =~"^([0-9]+(\\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$"

#Config: {
	data_dir?: string & !=""
	backend?:  "filesystem" | "sqlite" | "memory"
	debounce?: #Duration
	backup?: {
		horizon?:  #Duration
		interval?: #Duration
	}
}
`

// validateSchema checks raw YAML config against the schema before any
// field is interpreted.
func validateSchema(data []byte) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}

	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource)
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}

	file, err := cueyaml.Extract("config.yaml", data)
	if err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	value := ctx.BuildFile(file)
	if err := value.Err(); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}

	unified := schema.LookupPath(cue.ParsePath("#Config")).Unify(value)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
