package validation

import (
	"fmt"
	"slices"
	"strings"

	"github.com/rendis/actrun/internal/executors"
	"github.com/rendis/actrun/pkg/schema"
)

// Compiler checks an expression without evaluating it.
type Compiler interface {
	Compile(expression string) error
}

// compilers groups the expression engines flows are checked against.
type compilers struct {
	conditions Compiler // sequence preconditions (CEL)
	jq         Compiler
	expr       Compiler
}

// validateSemantic checks what the structural schema cannot: unique ids,
// resolvable source references, per content type configuration and
// compilable expressions.
func validateSemantic(flow *schema.FlowDefinition, c compilers) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	nodes := make(map[string]string)
	seqIDs := make(map[string]bool, len(flow.Sequences))
	stepIDs := make(map[string]string)

	for i, seq := range flow.Sequences {
		path := fmt.Sprintf("sequences[%d]", i)
		if seq.ID != "" {
			if seqIDs[seq.ID] {
				result.AddError(path+".id", schema.ErrCodeValidation,
					fmt.Sprintf("duplicate sequence id %q", seq.ID))
			}
			seqIDs[seq.ID] = true
		}
		for j, step := range seq.Steps {
			stepPath := fmt.Sprintf("%s.steps[%d]", path, j)
			if prev, ok := nodes[step.Node.ID]; ok {
				result.AddError(stepPath+".node.id", schema.ErrCodeValidation,
					fmt.Sprintf("node %q is already declared at %s", step.Node.ID, prev))
			} else {
				nodes[step.Node.ID] = stepPath
			}
			id := step.ID
			if id == "" {
				id = step.Node.ID
			}
			if prev, ok := stepIDs[id]; ok {
				result.AddError(stepPath+".id", schema.ErrCodeValidation,
					fmt.Sprintf("step id %q is already used at %s", id, prev))
			} else {
				stepIDs[id] = stepPath
			}
		}
	}

	for i, seq := range flow.Sequences {
		path := fmt.Sprintf("sequences[%d]", i)
		if seq.Condition != "" && c.conditions != nil {
			if err := c.conditions.Compile(seq.Condition); err != nil {
				result.AddError(path+".condition", schema.ErrCodeValidation, err.Error())
			}
		}
		for j := range seq.Steps {
			stepPath := fmt.Sprintf("%s.steps[%d]", path, j)
			validateSources(&seq.Steps[j], stepPath, nodes, result)
			validateContent(seq.Steps[j].Node, stepPath+".node.content", c, result)
		}
	}

	return result
}

func validateSources(step *schema.StepDefinition, path string, nodes map[string]string, result *schema.ValidationResult) {
	seen := make(map[string]bool, len(step.SourceNodeIDs))
	for k, src := range step.SourceNodeIDs {
		srcPath := fmt.Sprintf("%s.sourceNodeIds[%d]", path, k)
		switch {
		case src == step.Node.ID:
			result.AddError(srcPath, schema.ErrCodeValidation, "a node cannot be its own source")
		case nodes[src] == "":
			result.AddError(srcPath, schema.ErrCodeValidation,
				fmt.Sprintf("references undeclared node %q", src))
		case seen[src]:
			result.AddWarning(srcPath, schema.ErrCodeValidation,
				fmt.Sprintf("source %q listed more than once", src))
		}
		seen[src] = true
	}
}

// validateContent checks the node configuration for its content type.
func validateContent(node schema.Node, path string, c compilers, result *schema.ValidationResult) {
	switch node.Content.Type {
	case schema.ContentTextGeneration:
		cfg, ok := decode[schema.TextGenerationConfig](node, path, result)
		if !ok {
			return
		}
		if strings.TrimSpace(cfg.Prompt) == "" {
			result.AddError(path+".config.prompt", schema.ErrCodeValidation, "textGeneration requires a prompt")
		}
		if cfg.Temperature != nil && (*cfg.Temperature < 0 || *cfg.Temperature > 2) {
			result.AddWarning(path+".config.temperature", schema.ErrCodeValidation,
				fmt.Sprintf("temperature %.2f is outside the usual 0..2 range", *cfg.Temperature))
		}
	case schema.ContentImageGeneration:
		cfg, ok := decode[schema.ImageGenerationConfig](node, path, result)
		if !ok {
			return
		}
		if strings.TrimSpace(cfg.Prompt) == "" {
			result.AddError(path+".config.prompt", schema.ErrCodeValidation, "imageGeneration requires a prompt")
		}
		if cfg.Count < 0 {
			result.AddError(path+".config.count", schema.ErrCodeValidation, "count must not be negative")
		}
	case schema.ContentAction:
		cfg, ok := decode[schema.ActionConfig](node, path, result)
		if !ok {
			return
		}
		switch {
		case cfg.Command == "":
			result.AddError(path+".config.command", schema.ErrCodeValidation, "action requires a command")
		case !slices.Contains(executors.GitHubCommands(), cfg.Command):
			result.AddError(path+".config.command", schema.ErrCodeValidation,
				fmt.Sprintf("unknown action command %q", cfg.Command))
		}
	case schema.ContentQuery:
		cfg, ok := decode[schema.QueryConfig](node, path, result)
		if !ok {
			return
		}
		if cfg.Query == "" {
			result.AddError(path+".config.query", schema.ErrCodeValidation, "query requires a query")
			return
		}
		var engine Compiler
		switch cfg.Engine {
		case "", schema.QueryEngineJQ:
			engine = c.jq
		case schema.QueryEngineExpr:
			engine = c.expr
		default:
			result.AddError(path+".config.engine", schema.ErrCodeValidation,
				fmt.Sprintf("unknown query engine %q", cfg.Engine))
			return
		}
		// Interpolated queries are only known at run time.
		if engine != nil && !strings.Contains(cfg.Query, "${{") {
			if err := engine.Compile(cfg.Query); err != nil {
				result.AddError(path+".config.query", schema.ErrCodeValidation, err.Error())
			}
		}
	case schema.ContentTrigger:
		cfg, ok := decode[schema.TriggerNodeConfig](node, path, result)
		if !ok {
			return
		}
		ids := make(map[string]bool, len(cfg.Outputs))
		for k, o := range cfg.Outputs {
			outPath := fmt.Sprintf("%s.config.outputs[%d]", path, k)
			if o.ID == "" {
				result.AddError(outPath+".id", schema.ErrCodeValidation, "output id is required")
				continue
			}
			if ids[o.ID] {
				result.AddError(outPath+".id", schema.ErrCodeValidation,
					fmt.Sprintf("duplicate output id %q", o.ID))
			}
			ids[o.ID] = true
		}
	case schema.ContentAppEntry:
	default:
		result.AddError(path+".type", schema.ErrCodeUnknownContentType,
			fmt.Sprintf("unknown content type %q", node.Content.Type))
	}
}

func decode[T any](node schema.Node, path string, result *schema.ValidationResult) (T, bool) {
	cfg, err := schema.DecodeConfig[T](node.Content)
	if err != nil {
		result.AddError(path+".config", schema.ErrCodeValidation, err.Error())
		return cfg, false
	}
	return cfg, true
}
