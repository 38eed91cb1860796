package expressions

import (
	"context"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/rendis/actrun/pkg/schema"
)

// ExprEngine evaluates expr-lang expressions. Trigger conditions run on it
// against webhook payloads, and so do query nodes configured with "expr".
// Identifiers missing from the environment evaluate to nil.
type ExprEngine struct {
	cache *programCache[*vm.Program]
}

func NewExprEngine() *ExprEngine {
	return &ExprEngine{cache: newProgramCache(DefaultCacheSize, compileExpr)}
}

func compileExpr(expression string) (*vm.Program, error) {
	prg, err := expr.Compile(expression,
		expr.Env(map[string]any{}),
		expr.AllowUndefinedVariables(),
	)
	if err != nil {
		return nil, compileError("expr", expression, err)
	}
	return prg, nil
}

func (e *ExprEngine) Name() string { return "expr" }

func (e *ExprEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty expr expression")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	prg, err := e.cache.get(expression)
	if err != nil {
		return nil, err
	}
	if data == nil {
		data = map[string]any{}
	}
	out, err := vm.Run(prg, data)
	if err != nil {
		return nil, evalError("expr", expression, err)
	}
	return out, nil
}

// Compile reports whether expression parses, caching the result.
func (e *ExprEngine) Compile(expression string) error {
	_, err := e.cache.get(expression)
	return err
}

var _ Engine = (*ExprEngine)(nil)
