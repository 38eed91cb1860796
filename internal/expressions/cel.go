package expressions

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/rendis/actrun/pkg/schema"
)

// Top-level names a sequence condition may reference. Each is a
// map(string, dyn); absent ones are bound to an empty map.
var celVariables = []string{"act", "inputs", "trigger", "sources"}

// CELEngine gates sequences with Common Expression Language conditions.
type CELEngine struct {
	env   *cel.Env
	cache *programCache[cel.Program]
}

func NewCELEngine() (*CELEngine, error) {
	vars := make([]cel.EnvOption, len(celVariables))
	for i, name := range celVariables {
		vars[i] = cel.Variable(name, cel.MapType(cel.StringType, cel.DynType))
	}
	env, err := cel.NewEnv(vars...)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}
	e := &CELEngine{env: env}
	e.cache = newProgramCache(DefaultCacheSize, e.compile)
	return e, nil
}

func (e *CELEngine) compile(expression string) (cel.Program, error) {
	ast, issues := e.env.Compile(expression)
	if err := issues.Err(); err != nil {
		return nil, compileError("CEL", expression, err)
	}
	prg, err := e.env.Program(ast, cel.InterruptCheckFrequency(100))
	if err != nil {
		return nil, compileError("CEL", expression, err)
	}
	return prg, nil
}

func (e *CELEngine) Name() string { return "cel" }

func (e *CELEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty CEL expression")
	}
	prg, err := e.cache.get(expression)
	if err != nil {
		return nil, err
	}

	vars := make(map[string]any, len(celVariables))
	for _, name := range celVariables {
		vars[name] = map[string]any{}
		if v := data[name]; v != nil {
			vars[name] = v
		}
	}
	out, _, err := prg.ContextEval(ctx, vars)
	if err != nil {
		return nil, evalError("CEL", expression, err)
	}
	return out.Value(), nil
}

func (e *CELEngine) Compile(expression string) error {
	_, err := e.cache.get(expression)
	return err
}

var _ Engine = (*CELEngine)(nil)
