package ledger

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/*.schema.json
var schemaFS embed.FS

var builtinSchemas = map[ActionType]string{
	ActionIdentityVerification:  "schemas/identity_verification.schema.json",
	ActionInvariantVerification: "schemas/invariant_verification.schema.json",
	ActionConstraintsInjected:   "schemas/constraints_injected.schema.json",
	ActionAgentOutputRecorded:   "schemas/agent_output_recorded.schema.json",
	ActionPhaseTransition:       "schemas/phase_transition.schema.json",
	ActionBuildCompleted:        "schemas/build_completed.schema.json",
}

// Schemas maps action types to compiled JSON Schemas for their action data.
// Entries with an action type that has no schema are rejected.
type Schemas struct {
	mu      sync.RWMutex
	schemas map[ActionType]*jsonschema.Schema
}

// DefaultSchemas returns the schemas of the built-in action types.
func DefaultSchemas() (*Schemas, error) {
	s := &Schemas{schemas: make(map[ActionType]*jsonschema.Schema, len(builtinSchemas))}
	for at, path := range builtinSchemas {
		doc, err := schemaFS.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read schema %s: %w", path, err)
		}
		if err := s.Register(at, doc); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// MustDefaultSchemas is DefaultSchemas for package initialization. The
// built-in schemas are embedded, so a failure is a programming error.
func MustDefaultSchemas() *Schemas {
	s, err := DefaultSchemas()
	if err != nil {
		panic(err)
	}
	return s
}

// Register compiles schema and binds it to actionType, replacing any
// previous schema.
func (s *Schemas) Register(actionType ActionType, schema []byte) error {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := fmt.Sprintf("https://forge.schemas.local/ledger/%s.schema.json", strings.ToLower(string(actionType)))
	if err := c.AddResource(url, bytes.NewReader(schema)); err != nil {
		return fmt.Errorf("ledger schema load failed for %s: %w", actionType, err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return fmt.Errorf("ledger schema compile failed for %s: %w", actionType, err)
	}

	s.mu.Lock()
	s.schemas[actionType] = compiled
	s.mu.Unlock()
	return nil
}

// Known reports whether actionType has a schema.
func (s *Schemas) Known(actionType ActionType) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.schemas[actionType]
	return ok
}

// Validate checks data against the schema of actionType.
func (s *Schemas) Validate(actionType ActionType, data []byte) error {
	s.mu.RLock()
	schema, ok := s.schemas[actionType]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %w %q", ErrInvalidEntry, ErrUnknownActionType, actionType)
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return fmt.Errorf("%w: action data: %w", ErrInvalidEntry, err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("%w: %s schema validation failed: %w", ErrInvalidEntry, actionType, err)
	}
	return nil
}
