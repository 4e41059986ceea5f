package standard

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// KnownSchemaNames are the Standard-addressable JSON Schema names the
// engine validates against: the bundle's manifest, the two shadow-AI log
// record shapes, and the evidence-file envelope.
var KnownSchemaNames = []string{
	"evidence_pack_manifest",
	"shadow_ai_discovery",
	"agent_activity",
	"aimo_ev",
}

// SchemaSet holds compiled JSON Schemas addressable by the Standard's known
// names, compiled once at resolve time and reused across a run.
type SchemaSet struct {
	mu      sync.RWMutex
	schemas map[string]*jsonschema.Schema
}

// NewSchemaSet compiles each entry of raw (name -> schema document bytes)
// into a SchemaSet. Unknown names are compiled too (forward-compatible with
// Standard revisions that add schemas); MissingKnownSchemas reports which of
// KnownSchemaNames are absent.
func NewSchemaSet(raw map[string][]byte) (*SchemaSet, error) {
	set := &SchemaSet{schemas: make(map[string]*jsonschema.Schema, len(raw))}
	for name, doc := range raw {
		compiler := jsonschema.NewCompiler()
		url := "https://aimo.schemas.local/" + name + ".schema.json"
		if err := compiler.AddResource(url, bytes.NewReader(doc)); err != nil {
			return nil, fmt.Errorf("standard: add schema resource %s: %w", name, err)
		}
		schema, err := compiler.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("standard: compile schema %s: %w", name, err)
		}
		set.schemas[name] = schema
	}
	return set, nil
}

// Get returns the compiled schema for name, or nil if not loaded.
func (s *SchemaSet) Get(name string) *jsonschema.Schema {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.schemas[name]
}

// Validate validates doc (as a generic decoded value) against the named
// schema. Returns an error describing every violation jsonschema reports.
func (s *SchemaSet) Validate(name string, doc any) error {
	schema := s.Get(name)
	if schema == nil {
		return fmt.Errorf("standard: schema %q not loaded", name)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("standard: %s validation failed: %w", name, err)
	}
	return nil
}

// MissingKnownSchemas reports which of KnownSchemaNames were not present in
// the loaded set, so a resolver can fail fast rather than discover a gap
// mid-bundle-emission.
func (s *SchemaSet) MissingKnownSchemas() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var missing []string
	for _, name := range KnownSchemaNames {
		if _, ok := s.schemas[name]; !ok {
			missing = append(missing, name)
		}
	}
	return missing
}
