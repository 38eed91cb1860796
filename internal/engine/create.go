package engine

import (
	"fmt"
	"maps"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/actrun/pkg/schema"
)

// NewActRequest describes an act to create from a flow.
type NewActRequest struct {
	Flow        schema.FlowDefinition
	WorkspaceID string
	Inputs      map[string]any
	Trigger     *schema.TriggerRef
}

// NewAct builds a queued act and one created generation per step. Nothing is
// persisted. Every step starts queued, so the queued counter equals the
// step count.
func NewAct(req NewActRequest, now time.Time) (*schema.Act, []*schema.Generation, error) {
	flow := req.Flow
	if len(flow.Sequences) == 0 {
		return nil, nil, schema.NewError(schema.ErrCodeValidation, "flow has no sequences")
	}
	nodes := flow.Nodes()

	act := &schema.Act{
		ID:          uuid.NewString(),
		WorkspaceID: req.WorkspaceID,
		FlowName:    flow.Name,
		Status:      schema.ActStatusQueued,
		Sequences:   make([]schema.Sequence, len(flow.Sequences)),
		Trigger:     req.Trigger,
		Inputs:      maps.Clone(req.Inputs),
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	var gens []*schema.Generation
	seqIDs := make(map[string]bool, len(flow.Sequences))
	for i, sd := range flow.Sequences {
		seqID := sd.ID
		if seqID == "" {
			seqID = fmt.Sprintf("seq-%d", i)
		}
		if seqIDs[seqID] {
			return nil, nil, schema.NewErrorf(schema.ErrCodeValidation, "duplicate sequence id %q", seqID)
		}
		seqIDs[seqID] = true
		if len(sd.Steps) == 0 {
			return nil, nil, schema.NewErrorf(schema.ErrCodeValidation, "sequence %q has no steps", seqID)
		}

		seq := schema.Sequence{
			ID:        seqID,
			Status:    schema.ActStatusQueued,
			Condition: sd.Condition,
			Steps:     make([]schema.Step, len(sd.Steps)),
		}
		stepIDs := make(map[string]bool, len(sd.Steps))
		for j, stepDef := range sd.Steps {
			gen, step, err := newStep(act, seqID, j, stepDef, nodes)
			if err != nil {
				return nil, nil, err
			}
			if stepIDs[step.ID] {
				return nil, nil, schema.NewErrorf(schema.ErrCodeValidation, "duplicate step id %q in sequence %q", step.ID, seqID)
			}
			stepIDs[step.ID] = true
			seq.Steps[j] = step
			gens = append(gens, gen)
		}
		act.Sequences[i] = seq
	}
	act.Steps.Queued = act.StepCount()
	return act, gens, nil
}

func newStep(act *schema.Act, seqID string, j int, def schema.StepDefinition, nodes map[string]schema.Node) (*schema.Generation, schema.Step, error) {
	node := def.Node
	if node.ID == "" {
		return nil, schema.Step{}, schema.NewErrorf(schema.ErrCodeValidation, "step %d of sequence %q has no node id", j, seqID)
	}
	if !node.Content.Type.Valid() {
		return nil, schema.Step{}, schema.NewErrorf(schema.ErrCodeValidation, "node %q has unknown content type %q", node.ID, node.Content.Type).
			WithDetails(map[string]any{"allowed": schema.AllContentTypes})
	}
	stepID := def.ID
	if stepID == "" {
		stepID = node.ID
	}

	sources := make([]schema.Node, 0, len(def.SourceNodeIDs))
	for _, id := range def.SourceNodeIDs {
		src, ok := nodes[id]
		if !ok {
			return nil, schema.Step{}, schema.NewErrorf(schema.ErrCodeValidation, "step %q references unknown source node %q", stepID, id).WithStep(stepID)
		}
		sources = append(sources, src)
	}

	gen := &schema.Generation{
		ID:     uuid.NewString(),
		Status: schema.GenerationCreated,
		Context: schema.GenerationContext{
			OperationNode: node,
			SourceNodes:   sources,
			Inputs:        maps.Clone(def.Inputs),
			Origin: schema.GenerationOrigin{
				Type:        schema.OriginAct,
				ActID:       act.ID,
				WorkspaceID: act.WorkspaceID,
				SequenceID:  seqID,
				StepID:      stepID,
			},
		},
		CreatedAt: act.CreatedAt,
		UpdatedAt: act.CreatedAt,
	}
	step := schema.Step{
		ID:           stepID,
		Name:         def.Name,
		NodeID:       node.ID,
		ContentType:  node.Content.Type,
		Status:       schema.StepStatusQueued,
		GenerationID: gen.ID,
	}
	return gen, step, nil
}
