package expressions

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/actrun/pkg/schema"
)

func TestCELEngine_SequenceConditions(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)
	ctx := context.Background()

	data := map[string]any{
		"inputs":  map[string]any{"priority": "high", "count": int64(3)},
		"trigger": map[string]any{"kind": "github", "payload": map[string]any{"action": "opened"}},
	}

	tests := []struct {
		expr string
		want bool
	}{
		{`inputs.priority == "high"`, true},
		{`inputs.count > 5`, false},
		{`trigger.payload.action == "opened" && trigger.kind == "github"`, true},
		{`has(inputs.missing)`, false},
		{`size(act) == 0`, true},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got, err := EvaluateBool(ctx, e, tt.expr, data)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCELEngine_Errors(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)
	ctx := context.Background()

	_, err = e.Evaluate(ctx, "", nil)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))

	_, err = e.Evaluate(ctx, "unknown_var == 1", nil)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))

	_, err = e.Evaluate(ctx, `inputs.nope == 1`, map[string]any{"inputs": map[string]any{}})
	assert.True(t, schema.HasCode(err, schema.ErrCodeExecution))

	_, err = EvaluateBool(ctx, e, `"text"`, nil)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))

	assert.Error(t, e.Compile("1 +"))
	assert.NoError(t, e.Compile("1 + 1 == 2"))
}

func TestCELEngine_CacheConcurrent(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := EvaluateBool(context.Background(), e, `inputs.n == 1`, map[string]any{"inputs": map[string]any{"n": 1}})
			assert.NoError(t, err)
			assert.True(t, ok)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, e.cache.len())
}

func TestExprEngine(t *testing.T) {
	e := NewExprEngine()
	ctx := context.Background()
	payload := map[string]any{
		"action": "opened",
		"issue":  map[string]any{"title": "Bug: crash", "labels": []any{"bug", "p1"}},
	}
	data := map[string]any{"payload": payload}

	ok, err := EvaluateBool(ctx, e, `payload.action == "opened" && "bug" in payload.issue.labels`, data)
	require.NoError(t, err)
	assert.True(t, ok)

	out, err := e.Evaluate(ctx, `payload.issue.title startsWith "Bug" ? "bug" : "other"`, data)
	require.NoError(t, err)
	assert.Equal(t, "bug", out)

	out, err = e.Evaluate(ctx, `missing ?? "fallback"`, data)
	require.NoError(t, err)
	assert.Equal(t, "fallback", out)

	_, err = e.Evaluate(ctx, "1 +", nil)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = e.Evaluate(cancelled, "1", nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestGoJQEngine(t *testing.T) {
	e := NewGoJQEngine()
	ctx := context.Background()
	data := map[string]any{
		"sources": map[string]any{
			"fetch": map[string]any{"items": []any{
				map[string]any{"name": "a", "score": 3},
				map[string]any{"name": "b", "score": 9},
			}},
		},
	}

	out, err := e.EvaluateNormalized(ctx, `[.sources.fetch.items[] | select(.score > 5) | .name]`, data)
	require.NoError(t, err)
	assert.Equal(t, []any{"b"}, out)

	out, err = e.EvaluateNormalized(ctx, `.sources.fetch.items[].name`, data)
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "b"}, out)

	out, err = e.Evaluate(ctx, `empty`, data)
	require.NoError(t, err)
	assert.Nil(t, out)

	all, err := e.EvaluateAll(ctx, `.missing`, data)
	require.NoError(t, err)
	assert.Equal(t, []any{nil}, all)

	out, err = e.Evaluate(ctx, `$ENV | length`, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, out)

	_, err = e.Evaluate(ctx, `.[`, nil)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))

	_, err = e.Evaluate(ctx, `error("boom")`, nil)
	assert.True(t, schema.HasCode(err, schema.ErrCodeExecution))
}
