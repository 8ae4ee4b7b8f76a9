package scenario

import (
	_ "embed"
	"fmt"
	"os"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	cueyaml "cuelang.org/go/encoding/yaml"
	"gopkg.in/yaml.v3"
)

//go:embed schema.cue
var schemaCUE string

// Error codes reported by the loader.
const (
	ErrCodeParse     = "SCENARIO_PARSE"
	ErrCodeSchema    = "SCENARIO_SCHEMA"
	ErrCodeStructure = "SCENARIO_STRUCTURE"
)

// LoadError is one scenario-loading failure with a stable code for callers
// that want to distinguish parse, schema, and structural errors.
type LoadError struct {
	Code    string
	Message string
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Load parses and validates YAML scenario bytes.
//
// Validation runs in collect-all mode: every schema violation and structural
// error is reported, and the returned scenario is nil whenever any error is
// present. The engine may assume a Load-produced scenario is well-formed.
func Load(name string, data []byte) (*Scenario, []error) {
	var errs []error

	// Schema validation first: unify the document against the embedded CUE
	// schema so value-domain errors carry positions from the source file.
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaCUE, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return nil, []error{&LoadError{Code: ErrCodeSchema, Message: fmt.Sprintf("internal schema error: %v", err)}}
	}

	file, err := cueyaml.Extract(name, data)
	if err != nil {
		return nil, []error{&LoadError{Code: ErrCodeParse, Message: err.Error()}}
	}
	doc := ctx.BuildFile(file)
	if err := doc.Err(); err != nil {
		return nil, []error{&LoadError{Code: ErrCodeParse, Message: err.Error()}}
	}

	unified := schema.Unify(doc)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		for _, e := range cueerrors.Errors(err) {
			errs = append(errs, &LoadError{Code: ErrCodeSchema, Message: e.Error()})
		}
		return nil, errs
	}

	var s Scenario
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, []error{&LoadError{Code: ErrCodeParse, Message: err.Error()}}
	}
	normalize(&s)

	for _, err := range Validate(&s) {
		errs = append(errs, &LoadError{Code: ErrCodeStructure, Message: err.Error()})
	}
	if len(errs) > 0 {
		return nil, errs
	}
	return &s, nil
}

// LoadFile reads and loads a scenario from disk.
func LoadFile(path string) (*Scenario, []error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, []error{&LoadError{Code: ErrCodeParse, Message: fmt.Sprintf("read %s: %v", path, err)}}
	}
	return Load(path, data)
}

// normalize fills in variant pointers the YAML form allows to be implicit:
// a sink node needs no `sink: {}` stanza.
func normalize(s *Scenario) {
	for i := range s.Nodes {
		n := &s.Nodes[i]
		if n.Kind == KindSink && n.Sink == nil && n.Source == nil && n.Queue == nil && n.Process == nil {
			n.Sink = &SinkConfig{}
		}
	}
}
