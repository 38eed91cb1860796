package executors

import (
	"context"
	"fmt"

	"github.com/rendis/actrun/internal/expressions"
	"github.com/rendis/actrun/pkg/schema"
)

// QueryExecutor evaluates a jq or Expr query over the generation's sources,
// inputs and act metadata.
type QueryExecutor struct {
	env  Env
	jq   *expressions.GoJQEngine
	expr *expressions.ExprEngine
}

// NewQueryExecutor creates the query executor.
func NewQueryExecutor(env Env, jq *expressions.GoJQEngine, expr *expressions.ExprEngine) *QueryExecutor {
	if jq == nil {
		jq = expressions.NewGoJQEngine()
	}
	if expr == nil {
		expr = expressions.NewExprEngine()
	}
	return &QueryExecutor{env: env, jq: jq, expr: expr}
}

func (e *QueryExecutor) Execute(ctx context.Context, gen *schema.Generation, md Metadata) error {
	cfg, err := schema.DecodeConfig[schema.QueryConfig](gen.Context.OperationNode.Content)
	if err != nil {
		return e.env.reject(ctx, gen, fail("ConfigError", err))
	}
	if cfg.Query == "" {
		return e.env.reject(ctx, gen, failf("ConfigError", "query node %s has no query", gen.Context.OperationNode.ID))
	}
	scope, err := e.env.Scope(ctx, gen, md)
	if err != nil {
		return err
	}
	data := scope.Data()

	return e.env.run(ctx, gen, func(ctx context.Context) (Outcome, error) {
		var (
			v   any
			err error
		)
		switch engine := orDefault(cfg.Engine, schema.QueryEngineJQ); engine {
		case schema.QueryEngineJQ:
			v, err = e.jq.EvaluateNormalized(ctx, cfg.Query, data)
		case schema.QueryEngineExpr:
			v, err = e.expr.Evaluate(ctx, cfg.Query, data)
		default:
			return Outcome{}, failf("ConfigError", "unknown query engine %q", engine)
		}
		if err != nil {
			if ctx.Err() != nil {
				return Outcome{}, ctx.Err()
			}
			return Outcome{}, fail("QueryError", err)
		}

		var out Outcome
		if v == nil {
			out.Warnings = append(out.Warnings, fmt.Sprintf("query %q returned no result", cfg.Query))
		}
		o, err := jsonOutput(orDefault(cfg.OutputID, "result"), v)
		if err != nil {
			return Outcome{}, fail("QueryError", err)
		}
		out.Outputs = []schema.Output{o}
		return out, nil
	})
}
