package executors

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"

	"github.com/tidwall/gjson"

	"github.com/rendis/actrun/pkg/schema"
)

// TriggerExecutor resolves the outputs of a trigger node from the payload
// that started the act. Acts started without a payload (manual or schedule
// runs) resolve against their inputs instead.
type TriggerExecutor struct {
	env Env
}

// NewTriggerExecutor creates the trigger executor.
func NewTriggerExecutor(env Env) *TriggerExecutor {
	return &TriggerExecutor{env: env}
}

func (e *TriggerExecutor) Execute(ctx context.Context, gen *schema.Generation, md Metadata) error {
	cfg, err := schema.DecodeConfig[schema.TriggerNodeConfig](gen.Context.OperationNode.Content)
	if err != nil {
		return e.env.reject(ctx, gen, fail("ConfigError", err))
	}
	act, payload, err := e.env.triggerPayload(ctx, gen, md)
	if err != nil {
		return err
	}
	if len(payload) == 0 {
		inputs := map[string]any{}
		if act != nil {
			maps.Copy(inputs, act.Inputs)
		}
		maps.Copy(inputs, gen.Context.Inputs)
		if payload, err = json.Marshal(inputs); err != nil {
			return e.env.reject(ctx, gen, fail("PayloadError", err))
		}
	}

	return e.env.run(ctx, gen, func(context.Context) (Outcome, error) {
		return resolveTriggerOutputs(cfg.Outputs, payload)
	})
}

func resolveTriggerOutputs(mappings []schema.OutputMapping, payload json.RawMessage) (Outcome, error) {
	if !gjson.ValidBytes(payload) {
		return Outcome{}, failf("PayloadError", "trigger payload is not valid JSON")
	}
	if len(mappings) == 0 {
		return Outcome{Outputs: []schema.Output{{ID: "payload", Type: schema.OutputJSON, JSON: payload}}}, nil
	}

	var out Outcome
	for _, m := range mappings {
		if m.Path == "" {
			out.Outputs = append(out.Outputs, schema.Output{ID: m.ID, Type: schema.OutputJSON, JSON: payload})
			continue
		}
		res := gjson.GetBytes(payload, m.Path)
		if !res.Exists() {
			out.Warnings = append(out.Warnings, fmt.Sprintf("trigger output %q: path %q not found in payload", m.ID, m.Path))
			continue
		}
		if res.Type == gjson.String {
			out.Outputs = append(out.Outputs, schema.Output{ID: m.ID, Type: schema.OutputText, Text: res.String()})
			continue
		}
		out.Outputs = append(out.Outputs, schema.Output{ID: m.ID, Type: schema.OutputJSON, JSON: json.RawMessage(res.Raw)})
	}
	return out, nil
}
