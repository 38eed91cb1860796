package executors

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/actrun/pkg/schema"
)

func recordingExecutors(calls *[]schema.ContentType) Executors {
	rec := func(t schema.ContentType) Executor {
		return ExecutorFunc(func(context.Context, *schema.Generation, Metadata) error {
			*calls = append(*calls, t)
			return nil
		})
	}
	return Executors{
		Action:          rec(schema.ContentAction),
		ImageGeneration: rec(schema.ContentImageGeneration),
		TextGeneration:  rec(schema.ContentTextGeneration),
		Trigger:         rec(schema.ContentTrigger),
		Query:           rec(schema.ContentQuery),
		AppEntry:        rec(schema.ContentAppEntry),
	}
}

func TestNewDispatcher_RequiresEveryContentType(t *testing.T) {
	var calls []schema.ContentType
	ex := recordingExecutors(&calls)
	ex.Query = nil

	_, err := NewDispatcher(ex)
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
	assert.Contains(t, err.Error(), "query")
}

func TestDispatcher_RoutesEveryContentType(t *testing.T) {
	var calls []schema.ContentType
	d, err := NewDispatcher(recordingExecutors(&calls))
	require.NoError(t, err)

	for _, ct := range schema.AllContentTypes {
		gen := &schema.Generation{ID: "g", Context: schema.GenerationContext{
			OperationNode: schema.Node{ID: "n", Content: schema.NodeContent{Type: ct}},
		}}
		require.NoError(t, d.Execute(context.Background(), gen, Metadata{}))
	}
	assert.Equal(t, schema.AllContentTypes, calls)
}

func TestDispatcher_UnknownContentTypePanics(t *testing.T) {
	var calls []schema.ContentType
	d, err := NewDispatcher(recordingExecutors(&calls))
	require.NoError(t, err)

	gen := &schema.Generation{ID: "g-1", Context: schema.GenerationContext{
		OperationNode: schema.Node{ID: "n", Content: schema.NodeContent{Type: "webhook"}},
	}}

	var recovered any
	func() {
		defer func() { recovered = recover() }()
		_ = d.Execute(context.Background(), gen, Metadata{})
	}()

	require.NotNil(t, recovered)
	unknown, ok := recovered.(*UnknownContentTypeError)
	require.True(t, ok, "panic value %T", recovered)
	assert.Equal(t, schema.ContentType("webhook"), unknown.Type)
	assert.Equal(t, "g-1", unknown.GenerationID)
	assert.Empty(t, calls)
}

func TestIsAsync(t *testing.T) {
	assert.True(t, IsAsync(schema.ContentTextGeneration))
	assert.False(t, IsAsync(schema.ContentAction))
	assert.False(t, IsAsync(schema.ContentQuery))
}
