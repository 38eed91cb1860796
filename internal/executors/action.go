package executors

import (
	"context"
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/rendis/actrun/internal/expressions"
	"github.com/rendis/actrun/pkg/schema"
)

// DefaultTokenSecret is the vault key holding the GitHub token when a node
// does not name one.
const DefaultTokenSecret = "GITHUB_TOKEN"

// ActionExecutor runs GitHub commands.
type ActionExecutor struct {
	env        Env
	client     GitHubClient
	secrets    expressions.SecretResolver
	resilience *Resilience
}

// NewActionExecutor creates the action executor. Tokens are resolved from
// secrets on every call so rotations take effect immediately.
func NewActionExecutor(env Env, client GitHubClient, secrets expressions.SecretResolver, res *Resilience) *ActionExecutor {
	return &ActionExecutor{env: env, client: client, secrets: secrets, resilience: res}
}

func (e *ActionExecutor) Execute(ctx context.Context, gen *schema.Generation, md Metadata) error {
	req, err := e.request(ctx, gen, md)
	if err != nil {
		return e.env.reject(ctx, gen, err)
	}
	cfg, _ := schema.DecodeConfig[schema.ActionConfig](gen.Context.OperationNode.Content)

	return e.env.run(ctx, gen, func(ctx context.Context) (Outcome, error) {
		var body []byte
		err := e.resilience.Do(ctx, "github", func(ctx context.Context) error {
			var err error
			body, err = e.client.Do(ctx, req)
			return err
		})
		if err != nil {
			if ctx.Err() != nil {
				return Outcome{}, ctx.Err()
			}
			return Outcome{}, fail("GitHubError", err)
		}
		return Outcome{Outputs: []schema.Output{{
			ID:   orDefault(cfg.OutputID, "result"),
			Type: schema.OutputJSON,
			JSON: body,
		}}}, nil
	})
}

func (e *ActionExecutor) request(ctx context.Context, gen *schema.Generation, md Metadata) (GitHubRequest, error) {
	cfg, err := schema.DecodeConfig[schema.ActionConfig](gen.Context.OperationNode.Content)
	if err != nil {
		return GitHubRequest{}, fail("ConfigError", err)
	}
	cmd, ok := githubCommands[cfg.Command]
	if !ok {
		return GitHubRequest{}, failf("ConfigError", "unknown action command %q", cfg.Command)
	}

	scope, err := e.env.Scope(ctx, gen, md)
	if err != nil {
		return GitHubRequest{}, err
	}
	params, err := e.env.Interpolator.ResolveMap(ctx, cfg.Parameters, scope)
	if err != nil {
		return GitHubRequest{}, fail("InterpolationError", err)
	}
	repo, err := e.env.Interpolator.ResolveString(ctx, cfg.Repository, scope)
	if err != nil {
		return GitHubRequest{}, fail("InterpolationError", err)
	}
	if repo == "" {
		repo = stringParam(params, "repository", "")
	}
	if repo == "" {
		_, payload, err := e.env.triggerPayload(ctx, gen, md)
		if err != nil {
			return GitHubRequest{}, err
		}
		repo = gjson.GetBytes(payload, "repository.full_name").String()
	}
	if repo == "" {
		return GitHubRequest{}, failf("ConfigError", "%s: no repository configured or found in trigger payload", cfg.Command)
	}
	for _, key := range cmd.required {
		if v, ok := params[key]; !ok || v == nil || v == "" {
			return GitHubRequest{}, failf("ValidationError", "%s: missing required parameter %q", cfg.Command, key)
		}
	}

	if e.secrets == nil {
		return GitHubRequest{}, failf("SecretError", "%s: no secret store configured", cfg.Command)
	}
	token, err := e.secrets.Resolve(ctx, orDefault(cfg.TokenSecret, DefaultTokenSecret))
	if err != nil {
		return GitHubRequest{}, fail("SecretError", fmt.Errorf("resolve github token: %w", err))
	}

	req := cmd.build(repo, params)
	req.Token = string(token)
	return req, nil
}
