package executors

import (
	"context"

	"github.com/rendis/actrun/pkg/schema"
)

// ImageRequest is one image prompt.
type ImageRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Size   string `json:"size,omitempty"`
	Count  int    `json:"count,omitempty"`
}

// ImageResponse holds the generated images.
type ImageResponse struct {
	Images []schema.ImageRef `json:"images"`
	Usage  schema.Usage      `json:"usage"`
}

// ImageModel generates images.
type ImageModel interface {
	GenerateImage(ctx context.Context, req ImageRequest) (*ImageResponse, error)
}

// ImageGenerationExecutor calls an image model synchronously, retrying
// transient failures behind a per-model circuit breaker.
type ImageGenerationExecutor struct {
	env        Env
	model      ImageModel
	resilience *Resilience
}

// NewImageGenerationExecutor creates the imageGeneration executor.
func NewImageGenerationExecutor(env Env, model ImageModel, res *Resilience) *ImageGenerationExecutor {
	if model == nil {
		model = NoModel{}
	}
	return &ImageGenerationExecutor{env: env, model: model, resilience: res}
}

func (e *ImageGenerationExecutor) Execute(ctx context.Context, gen *schema.Generation, md Metadata) error {
	cfg, err := schema.DecodeConfig[schema.ImageGenerationConfig](gen.Context.OperationNode.Content)
	if err != nil {
		return e.env.reject(ctx, gen, fail("ConfigError", err))
	}
	scope, err := e.env.Scope(ctx, gen, md)
	if err != nil {
		return err
	}
	prompt, err := e.env.Interpolator.ResolveString(ctx, cfg.Prompt, scope)
	if err != nil {
		return e.env.reject(ctx, gen, fail("InterpolationError", err))
	}
	req := ImageRequest{Model: cfg.Model, Prompt: prompt, Size: cfg.Size, Count: max(cfg.Count, 1)}

	return e.env.run(ctx, gen, func(ctx context.Context) (Outcome, error) {
		var resp *ImageResponse
		err := e.resilience.Do(ctx, "image:"+cfg.Model, func(ctx context.Context) error {
			var err error
			resp, err = e.model.GenerateImage(ctx, req)
			return err
		})
		if err != nil {
			if ctx.Err() != nil {
				return Outcome{}, ctx.Err()
			}
			return Outcome{}, fail("ImageModelError", err)
		}
		usage := resp.Usage
		return Outcome{
			Outputs: []schema.Output{{ID: orDefault(cfg.OutputID, "images"), Type: schema.OutputImage, Images: resp.Images}},
			Usage:   &usage,
		}, nil
	})
}
