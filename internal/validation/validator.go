// Package validation checks flow definitions, act inputs and triggers
// before anything is persisted.
package validation

import "github.com/rendis/actrun/pkg/schema"

// Validator checks flows and triggers for correctness before execution.
// Uses JSON Schema Draft 2020-12 for structure and act inputs.
type Validator interface {
	ValidateFlow(flow *schema.FlowDefinition) error
	ValidateInput(input map[string]any, inputSchema []byte) error
	ValidateTrigger(t *schema.Trigger) error
}
