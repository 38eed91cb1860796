package expressions

import "github.com/rendis/actrun/pkg/schema"

// Scope holds the data a template or expression can reference.
//
//	sources.<nodeId>.<outputId>  outputs of completed source generations
//	inputs.<name>                act or step inputs
//	act.<field>                  act metadata (id, workspaceId, flowName)
//	trigger.<path>               trigger kind, event and payload
//	secrets.<KEY>                vault secrets, resolved last
type Scope struct {
	Sources map[string]any
	Inputs  map[string]any
	Act     map[string]any
	Trigger map[string]any
}

// Data returns the scope as an expression environment.
func (s *Scope) Data() map[string]any {
	return map[string]any{
		"sources": orEmpty(s.Sources),
		"inputs":  orEmpty(s.Inputs),
		"act":     orEmpty(s.Act),
		"trigger": orEmpty(s.Trigger),
	}
}

// ActData projects act metadata into a map.
func ActData(act *schema.Act) map[string]any {
	if act == nil {
		return map[string]any{}
	}
	return map[string]any{
		"id":          act.ID,
		"workspaceId": act.WorkspaceID,
		"flowName":    act.FlowName,
		"status":      string(act.Status),
	}
}

// TriggerData projects a trigger reference into a map, decoding the payload.
func TriggerData(ref *schema.TriggerRef) map[string]any {
	if ref == nil {
		return map[string]any{}
	}
	out := map[string]any{
		"id":      ref.ID,
		"kind":    string(ref.Kind),
		"eventId": ref.EventID,
	}
	if len(ref.Payload) > 0 {
		out["payload"] = decodeJSON(ref.Payload)
	}
	return out
}

// SourceData builds the sources namespace from completed generations,
// keyed by operation node id and then output id.
func SourceData(gens []*schema.Generation) map[string]any {
	out := make(map[string]any, len(gens))
	for _, g := range gens {
		outputs := make(map[string]any, len(g.Outputs))
		for _, o := range g.Outputs {
			outputs[o.ID] = o.Value()
		}
		out[g.Context.OperationNode.ID] = outputs
	}
	return out
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
