package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/actrun/pkg/schema"
)

func TestNewAct(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	flow := schema.FlowDefinition{
		Name: "triage",
		Sequences: []schema.SequenceDefinition{
			{Steps: []schema.StepDefinition{entryStep(t, "entry"), textStep(t, "summary", "${{sources.entry.inputs}}", "entry")}},
			{ID: "notify", Condition: "inputs.notify", Steps: []schema.StepDefinition{actionStep(t, "comment")}},
		},
	}
	trigger := &schema.TriggerRef{ID: "trg-1", Kind: schema.TriggerGitHub, EventID: schema.EventIssueCreated}

	act, gens, err := NewAct(NewActRequest{Flow: flow, WorkspaceID: "ws", Inputs: map[string]any{"notify": true}, Trigger: trigger}, now)
	require.NoError(t, err)

	assert.Equal(t, schema.ActStatusQueued, act.Status)
	assert.Equal(t, "triage", act.FlowName)
	assert.Equal(t, schema.StepCounters{Queued: 3}, act.Steps)
	assert.Equal(t, now, act.CreatedAt)
	assert.Same(t, trigger, act.Trigger)
	require.Len(t, act.Sequences, 2)
	assert.Equal(t, "seq-0", act.Sequences[0].ID)
	assert.Equal(t, "notify", act.Sequences[1].ID)
	assert.Equal(t, "inputs.notify", act.Sequences[1].Condition)

	require.Len(t, gens, 3)
	summary := act.Sequences[0].Steps[1]
	assert.Equal(t, schema.StepStatusQueued, summary.Status)
	assert.Equal(t, schema.ContentTextGeneration, summary.ContentType)

	gen := gens[1]
	assert.Equal(t, summary.GenerationID, gen.ID)
	assert.Equal(t, schema.GenerationCreated, gen.Status)
	assert.Equal(t, schema.GenerationOrigin{
		Type: schema.OriginAct, ActID: act.ID, WorkspaceID: "ws", SequenceID: "seq-0", StepID: "summary",
	}, gen.Context.Origin)
	require.Len(t, gen.Context.SourceNodes, 1)
	assert.Equal(t, "entry", gen.Context.SourceNodes[0].ID)
}

func TestNewAct_Rejects(t *testing.T) {
	tests := []struct {
		name string
		flow schema.FlowDefinition
	}{
		{"no sequences", schema.FlowDefinition{Name: "empty"}},
		{"empty sequence", schema.FlowDefinition{Sequences: []schema.SequenceDefinition{{ID: "s"}}}},
		{"unknown source", schema.FlowDefinition{Sequences: []schema.SequenceDefinition{{
			Steps: []schema.StepDefinition{textStep(t, "summary", "hi", "ghost")},
		}}}},
		{"unknown content type", schema.FlowDefinition{Sequences: []schema.SequenceDefinition{{
			Steps: []schema.StepDefinition{{Node: schema.Node{ID: "x", Content: schema.NodeContent{Type: "video"}}}},
		}}}},
		{"duplicate step", schema.FlowDefinition{Sequences: []schema.SequenceDefinition{{
			Steps: []schema.StepDefinition{entryStep(t, "a"), entryStep(t, "a")},
		}}}},
		{"duplicate sequence", schema.FlowDefinition{Sequences: []schema.SequenceDefinition{
			{ID: "s", Steps: []schema.StepDefinition{entryStep(t, "a")}},
			{ID: "s", Steps: []schema.StepDefinition{entryStep(t, "b")}},
		}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := NewAct(NewActRequest{Flow: tt.flow}, time.Now())
			assert.True(t, schema.HasCode(err, schema.ErrCodeValidation), "got %v", err)
		})
	}
}
