package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/meridianlabs/conductor/pkg/contracts"
	"github.com/meridianlabs/conductor/pkg/faults"
)

// SchemaRegistry validates intent payloads against per-intent-type JSON
// Schemas. Intent types without a registered schema accept any payload.
type SchemaRegistry struct {
	schemas map[contracts.IntentType]*jsonschema.Schema
}

// NewSchemaRegistry creates an empty registry.
func NewSchemaRegistry() *SchemaRegistry {
	return &SchemaRegistry{schemas: make(map[contracts.IntentType]*jsonschema.Schema)}
}

// Register compiles and installs the payload schema for an intent type.
func (r *SchemaRegistry) Register(t contracts.IntentType, schema string) error {
	if !t.Known() {
		return faults.Validation("unknown intent type %q", t)
	}
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	schemaURL := fmt.Sprintf("https://conductor.schemas.local/intents/%s.schema.json", strings.ToLower(string(t)))
	if err := c.AddResource(schemaURL, strings.NewReader(schema)); err != nil {
		return faults.Validation("intent schema load failed for %s: %v", t, err)
	}
	compiled, err := c.Compile(schemaURL)
	if err != nil {
		return faults.Validation("intent schema compile failed for %s: %v", t, err)
	}
	r.schemas[t] = compiled
	return nil
}

// Validate checks payload against the schema registered for t.
func (r *SchemaRegistry) Validate(t contracts.IntentType, payload json.RawMessage) error {
	schema, ok := r.schemas[t]
	if !ok || schema == nil {
		return nil
	}
	if len(payload) == 0 {
		return faults.Validation("intent %s requires a payload", t)
	}

	var doc any
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return faults.Validation("intent payload is not valid JSON: %v", err)
	}
	if err := schema.Validate(doc); err != nil {
		return faults.Validation("intent payload rejected by schema: %v", err)
	}
	return nil
}
