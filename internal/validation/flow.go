package validation

import (
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"

	"github.com/rendis/actrun/internal/expressions"
	"github.com/rendis/actrun/pkg/schema"
)

// FlowValidator orchestrates the three-stage validation pipeline:
// 1. Structural (JSON Schema)
// 2. Semantic (ids, sources, node configs, expressions)
// 3. DAG (source cycles, forward references)
// It also validates triggers and act inputs.
type FlowValidator struct {
	jsonSchema *JSONSchemaValidator
	compilers  compilers
	triggers   *expressions.ExprEngine
	cron       cron.Parser
}

// NewFlowValidator creates a FlowValidator with CEL preconditions, jq and
// Expr queries, and Expr trigger conditions.
func NewFlowValidator() (*FlowValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	cel, err := expressions.NewCELEngine()
	if err != nil {
		return nil, fmt.Errorf("create CEL engine: %w", err)
	}
	exprEngine := expressions.NewExprEngine()
	return &FlowValidator{
		jsonSchema: jsv,
		compilers: compilers{
			conditions: cel,
			jq:         expressions.NewGoJQEngine(),
			expr:       exprEngine,
		},
		triggers: exprEngine,
		cron:     cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}, nil
}

// Validate runs the full pipeline and returns an aggregated result.
// Structural errors short-circuit: semantic and DAG stages are skipped.
func (v *FlowValidator) Validate(flow *schema.FlowDefinition) *schema.ValidationResult {
	if flow == nil {
		r := &schema.ValidationResult{}
		r.AddError("/", schema.ErrCodeValidation, "flow definition is nil")
		return r
	}

	result := structural(v.jsonSchema.ValidateFlow(flow))
	if !result.Valid() {
		return result
	}

	result.Merge(validateSemantic(flow, v.compilers))

	// The source graph is only meaningful once every reference resolves.
	if result.Valid() {
		result.Merge(validateDAG(flow))
	}

	return result
}

// ValidateFlow satisfies the Validator interface.
func (v *FlowValidator) ValidateFlow(flow *schema.FlowDefinition) error {
	return v.Validate(flow).ToError()
}

// ValidateInput delegates to the underlying JSONSchemaValidator.
func (v *FlowValidator) ValidateInput(input map[string]any, inputSchema []byte) error {
	return v.jsonSchema.ValidateInput(input, inputSchema)
}

// ValidateTriggerResult checks the trigger's structure, its kind specific
// configuration and its flow.
func (v *FlowValidator) ValidateTriggerResult(t *schema.Trigger) *schema.ValidationResult {
	if t == nil {
		r := &schema.ValidationResult{}
		r.AddError("/", schema.ErrCodeValidation, "trigger is nil")
		return r
	}

	result := structural(v.jsonSchema.ValidateTrigger(t))
	if !result.Valid() {
		return result
	}

	switch t.Kind {
	case schema.TriggerGitHub:
		gh := t.GitHub
		if !schema.IsAllowedEvent(gh.EventID) {
			result.AddError("github.eventId", schema.ErrCodeEventNotAllowed,
				fmt.Sprintf("event %q is not handled", gh.EventID))
		}
		if gh.Condition != "" {
			if err := v.triggers.Compile(gh.Condition); err != nil {
				result.AddError("github.condition", schema.ErrCodeValidation, err.Error())
			}
		}
		if strings.ContainsAny(strings.TrimPrefix(gh.Callsign, "@"), " @") {
			result.AddError("github.callsign", schema.ErrCodeValidation, "callsign must be a single handle")
		}
	case schema.TriggerSchedule:
		if _, err := v.cron.Parse(t.Schedule.Cron); err != nil {
			result.AddError("schedule.cron", schema.ErrCodeValidation,
				fmt.Sprintf("parse cron expression %q: %s", t.Schedule.Cron, err.Error()))
		}
		if len(t.Flow.InputSchema) > 0 {
			if err := v.ValidateInput(t.Schedule.Inputs, t.Flow.InputSchema); err != nil {
				result.AddError("schedule.inputs", schema.ErrCodeValidation, err.Error())
			}
		}
	}

	flow := v.Validate(&t.Flow)
	for _, issue := range flow.Errors {
		result.AddError(prefixed(issue.Path), issue.Code, issue.Message)
	}
	for _, issue := range flow.Warnings {
		result.AddWarning(prefixed(issue.Path), issue.Code, issue.Message)
	}
	return result
}

// ValidateTrigger satisfies the Validator interface.
func (v *FlowValidator) ValidateTrigger(t *schema.Trigger) error {
	return v.ValidateTriggerResult(t).ToError()
}

func prefixed(path string) string {
	if path == "/" || path == "" {
		return "flow"
	}
	return "flow." + path
}

// structural converts a JSONSchemaValidator error into a ValidationResult,
// one issue per violation.
func structural(err error) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	if err == nil {
		return result
	}

	actErr, ok := err.(*schema.ActError)
	if !ok {
		result.AddError("/", schema.ErrCodeValidation, err.Error())
		return result
	}

	if violations, ok := actErr.Details["violations"].([]string); ok {
		for _, v := range violations {
			result.AddError("/", schema.ErrCodeValidation, v)
		}
		return result
	}
	result.AddError("/", schema.ErrCodeValidation, actErr.Message)
	return result
}
