package executors

import (
	"context"

	"github.com/rendis/actrun/pkg/schema"
)

// AppEntryExecutor completes entry nodes immediately, echoing their inputs.
type AppEntryExecutor struct {
	env Env
}

// NewAppEntryExecutor creates the appEntry executor.
func NewAppEntryExecutor(env Env) *AppEntryExecutor {
	return &AppEntryExecutor{env: env}
}

func (e *AppEntryExecutor) Execute(ctx context.Context, gen *schema.Generation, _ Metadata) error {
	return e.env.run(ctx, gen, func(context.Context) (Outcome, error) {
		inputs := gen.Context.Inputs
		if inputs == nil {
			inputs = map[string]any{}
		}
		o, err := jsonOutput("inputs", inputs)
		if err != nil {
			return Outcome{}, fail("PayloadError", err)
		}
		return Outcome{Outputs: []schema.Output{o}}, nil
	})
}
