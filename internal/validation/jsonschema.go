package validation

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/actrun/pkg/schema"
)

const (
	flowSchemaURL    = "https://actrun.dev/schemas/flow.json"
	triggerSchemaURL = "https://actrun.dev/schemas/trigger.json"
)

// flowSchemaJSON is the JSON Schema for FlowDefinition validation.
const flowSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://actrun.dev/schemas/flow.json",
  "type": "object",
  "required": ["sequences"],
  "properties": {
    "name": { "type": "string" },
    "sequences": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/sequence" }
    },
    "inputSchema": { "type": ["object", "boolean"] }
  },
  "additionalProperties": false,
  "$defs": {
    "sequence": {
      "type": "object",
      "required": ["steps"],
      "properties": {
        "id": { "type": "string" },
        "condition": { "type": "string" },
        "steps": {
          "type": "array",
          "minItems": 1,
          "items": { "$ref": "#/$defs/step" }
        }
      },
      "additionalProperties": false
    },
    "step": {
      "type": "object",
      "required": ["node"],
      "properties": {
        "id": { "type": "string" },
        "name": { "type": "string" },
        "node": { "$ref": "#/$defs/node" },
        "sourceNodeIds": {
          "type": "array",
          "items": { "type": "string", "minLength": 1 }
        },
        "inputs": { "type": "object" }
      },
      "additionalProperties": false
    },
    "node": {
      "type": "object",
      "required": ["id", "content"],
      "properties": {
        "id": { "type": "string", "minLength": 1 },
        "name": { "type": "string" },
        "content": {
          "type": "object",
          "required": ["type"],
          "properties": {
            "type": {
              "type": "string",
              "enum": ["action", "imageGeneration", "textGeneration", "trigger", "query", "appEntry"]
            },
            "config": { "type": "object" }
          },
          "additionalProperties": false
        }
      },
      "additionalProperties": false
    }
  }
}`

// triggerSchemaJSON is the JSON Schema for Trigger validation. The flow is
// checked separately against the flow schema.
const triggerSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://actrun.dev/schemas/trigger.json",
  "type": "object",
  "required": ["id", "kind", "flow"],
  "properties": {
    "id": { "type": "string", "minLength": 1 },
    "kind": { "type": "string", "enum": ["github", "schedule", "manual"] },
    "github": {
      "type": "object",
      "required": ["eventId", "repository"],
      "properties": {
        "eventId": { "type": "string", "minLength": 1 },
        "repository": { "type": "string", "pattern": "^[A-Za-z0-9_.-]+/[A-Za-z0-9_.-]+$" },
        "callsign": { "type": "string" },
        "labels": { "type": "array", "items": { "type": "string", "minLength": 1 } },
        "condition": { "type": "string" }
      }
    },
    "schedule": {
      "type": "object",
      "required": ["cron"],
      "properties": {
        "cron": { "type": "string", "minLength": 1 },
        "inputs": { "type": "object" }
      }
    }
  },
  "allOf": [
    { "if": { "properties": { "kind": { "const": "github" } } }, "then": { "required": ["github"] } },
    { "if": { "properties": { "kind": { "const": "schedule" } } }, "then": { "required": ["schedule"] } }
  ]
}`

// JSONSchemaValidator validates the structure of flows and triggers and the
// inputs of an act against its flow's input schema. It is safe for
// concurrent use.
type JSONSchemaValidator struct {
	flowSchema    *jsonschema.Schema
	triggerSchema *jsonschema.Schema

	// mu guards the cache of compiled input schemas.
	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewJSONSchemaValidator creates a JSONSchemaValidator with the flow and
// trigger schemas pre-compiled.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := newCompiler()
	for url, doc := range map[string]string{flowSchemaURL: flowSchemaJSON, triggerSchemaURL: triggerSchemaJSON} {
		parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(doc))
		if err != nil {
			return nil, fmt.Errorf("unmarshal schema %s: %w", url, err)
		}
		if err := c.AddResource(url, parsed); err != nil {
			return nil, fmt.Errorf("add schema resource %s: %w", url, err)
		}
	}

	flow, err := c.Compile(flowSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile flow schema: %w", err)
	}
	trigger, err := c.Compile(triggerSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile trigger schema: %w", err)
	}

	return &JSONSchemaValidator{
		flowSchema:    flow,
		triggerSchema: trigger,
		cache:         make(map[string]*jsonschema.Schema),
	}, nil
}

// ValidateFlow validates a FlowDefinition against the flow JSON Schema.
func (v *JSONSchemaValidator) ValidateFlow(flow *schema.FlowDefinition) error {
	if flow == nil {
		return schema.NewError(schema.ErrCodeValidation, "flow definition is nil")
	}
	return v.validateDoc(v.flowSchema, flow, "flow definition")
}

// ValidateTrigger validates a Trigger against the trigger JSON Schema.
func (v *JSONSchemaValidator) ValidateTrigger(t *schema.Trigger) error {
	if t == nil {
		return schema.NewError(schema.ErrCodeValidation, "trigger is nil")
	}
	return v.validateDoc(v.triggerSchema, t, "trigger")
}

func (v *JSONSchemaValidator) validateDoc(s *jsonschema.Schema, value any, what string) error {
	doc, err := toJSONValue(value)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "failed to serialize %s", what).WithCause(err)
	}
	if err := s.Validate(doc); err != nil {
		return toActError(err)
	}
	return nil
}

// ValidateInput validates input data against a JSON Schema provided as raw bytes.
// The schema is compiled and cached for subsequent calls with the same schema.
func (v *JSONSchemaValidator) ValidateInput(input map[string]any, inputSchema []byte) error {
	if len(inputSchema) == 0 {
		return nil
	}
	if input == nil {
		input = map[string]any{}
	}

	compiled, err := v.getOrCompile(inputSchema)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid input schema").WithCause(err)
	}

	doc, err := toJSONValue(input)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize input").WithCause(err)
	}

	if err := compiled.Validate(doc); err != nil {
		return toActError(err)
	}
	return nil
}

// getOrCompile returns a cached compiled schema or compiles and caches a new one.
func (v *JSONSchemaValidator) getOrCompile(schemaBytes []byte) (*jsonschema.Schema, error) {
	key := string(schemaBytes)

	v.mu.RLock()
	if cached, ok := v.cache[key]; ok {
		v.mu.RUnlock()
		return cached, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()

	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	// One compiler per dynamic schema so resource URLs never collide.
	url := fmt.Sprintf("actrun://input-schema/%d", len(v.cache))
	c := newCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}

	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	v.cache[key] = compiled
	return compiled, nil
}

func newCompiler() *jsonschema.Compiler {
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	return c
}

// toJSONValue round-trips a Go value through JSON encoding/decoding so that
// numeric values become json.Number (required by the jsonschema library).
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toActError converts a jsonschema.ValidationError into an ActError listing
// every violation with its instance location.
func toActError(err error) *schema.ActError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}

	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}

	msg := fmt.Sprintf("validation failed with %d errors", len(violations))
	return schema.NewError(schema.ErrCodeValidation, msg).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations walks a ValidationError tree and collects leaf error
// messages with their instance locations.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
