package executors

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/rendis/actrun/internal/logging"
	"github.com/rendis/actrun/pkg/schema"
)

// TextRequest is one prompt sent to a language model.
type TextRequest struct {
	Model       string   `json:"model"`
	System      string   `json:"system,omitempty"`
	Prompt      string   `json:"prompt"`
	Temperature *float64 `json:"temperature,omitempty"`
	MaxTokens   int      `json:"maxTokens,omitempty"`
}

// TextResponse is a language model's answer.
type TextResponse struct {
	Text     string           `json:"text"`
	Messages []schema.Message `json:"messages,omitempty"`
	Usage    schema.Usage     `json:"usage"`
}

// LanguageModel generates text. Implementations must honour ctx cancellation.
type LanguageModel interface {
	Generate(ctx context.Context, req TextRequest) (*TextResponse, error)
}

// ErrNoModel is returned by NoModel.
var ErrNoModel = errors.New("no model configured")

// NoModel is the model used when none is configured; every call fails.
type NoModel struct{}

func (NoModel) Generate(context.Context, TextRequest) (*TextResponse, error) {
	return nil, ErrNoModel
}

func (NoModel) GenerateImage(context.Context, ImageRequest) (*ImageResponse, error) {
	return nil, ErrNoModel
}

// TextGenerationExecutor starts a language model call and returns once the
// generation is requested. The call itself runs in the background, retried
// behind a per-model circuit breaker, and moves the generation to running and
// then to a terminal status.
type TextGenerationExecutor struct {
	env        Env
	model      LanguageModel
	resilience *Resilience
	wg         sync.WaitGroup
}

// NewTextGenerationExecutor creates the textGeneration executor. A nil res
// calls the model once.
func NewTextGenerationExecutor(env Env, model LanguageModel, res *Resilience) *TextGenerationExecutor {
	if model == nil {
		model = NoModel{}
	}
	return &TextGenerationExecutor{env: env, model: model, resilience: res}
}

func (e *TextGenerationExecutor) Execute(ctx context.Context, gen *schema.Generation, md Metadata) error {
	req, err := e.request(ctx, gen, md)
	if err != nil {
		return e.env.reject(ctx, gen, err)
	}
	if err := e.env.Transitioner.Transition(ctx, gen, schema.GenerationRequested); err != nil {
		return err
	}

	own := gen.Clone()
	e.wg.Add(1)
	go e.complete(ctx, own, req)
	return nil
}

// Wait blocks until every background call has finished.
func (e *TextGenerationExecutor) Wait() {
	e.wg.Wait()
}

func (e *TextGenerationExecutor) request(ctx context.Context, gen *schema.Generation, md Metadata) (TextRequest, error) {
	cfg, err := schema.DecodeConfig[schema.TextGenerationConfig](gen.Context.OperationNode.Content)
	if err != nil {
		return TextRequest{}, fail("ConfigError", err)
	}
	if cfg.Prompt == "" {
		return TextRequest{}, failf("ConfigError", "textGeneration node %s has no prompt", gen.Context.OperationNode.ID)
	}
	scope, err := e.env.Scope(ctx, gen, md)
	if err != nil {
		return TextRequest{}, err
	}
	prompt, err := e.env.Interpolator.ResolveString(ctx, cfg.Prompt, scope)
	if err != nil {
		return TextRequest{}, fail("InterpolationError", err)
	}
	system, err := e.env.Interpolator.ResolveString(ctx, cfg.System, scope)
	if err != nil {
		return TextRequest{}, fail("InterpolationError", err)
	}
	return TextRequest{
		Model:       cfg.Model,
		System:      system,
		Prompt:      prompt,
		Temperature: cfg.Temperature,
		MaxTokens:   cfg.MaxTokens,
	}, nil
}

func (e *TextGenerationExecutor) complete(ctx context.Context, gen *schema.Generation, req TextRequest) {
	defer e.wg.Done()
	ctx = logging.WithGenerationID(ctx, gen.ID)
	log := e.env.logger(ctx)

	defer func() {
		if r := recover(); r != nil {
			log.Error("language model panicked", slog.Any("panic", r))
			f := &Failure{Name: "PanicError", Err: fmt.Errorf("%v", r)}
			if !gen.Status.IsTerminal() {
				_ = e.env.Transitioner.Transition(context.WithoutCancel(ctx), gen, schema.GenerationFailed, withFailure(f))
			}
		}
	}()

	err := e.env.run(ctx, gen, func(ctx context.Context) (Outcome, error) {
		var resp *TextResponse
		err := e.resilience.Do(ctx, "text:"+req.Model, func(ctx context.Context) error {
			var err error
			resp, err = e.model.Generate(ctx, req)
			return err
		})
		if err != nil {
			if ctx.Err() != nil {
				return Outcome{}, ctx.Err()
			}
			return Outcome{}, fail("LanguageModelError", err)
		}
		messages := resp.Messages
		if messages == nil {
			if req.System != "" {
				messages = append(messages, schema.Message{Role: "system", Content: req.System})
			}
			messages = append(messages,
				schema.Message{Role: "user", Content: req.Prompt},
				schema.Message{Role: "assistant", Content: resp.Text})
		}
		usage := resp.Usage
		return Outcome{
			Outputs:  []schema.Output{{ID: textOutputID(gen), Type: schema.OutputText, Text: resp.Text}},
			Messages: messages,
			Usage:    &usage,
		}, nil
	})
	if schema.HasCode(err, schema.ErrCodeConflict) {
		log.Debug("generation was settled while the model ran", slog.String("status", string(gen.Status)))
		return
	}
	if err != nil {
		log.Error("text generation did not finish", logging.Err(err))
		if !gen.Status.IsTerminal() {
			f := &Failure{Name: "ExecutionError", Err: err}
			_ = e.env.Transitioner.Transition(context.WithoutCancel(ctx), gen, schema.GenerationFailed, withFailure(f))
		}
	}
}

func textOutputID(gen *schema.Generation) string {
	cfg, _ := schema.DecodeConfig[schema.TextGenerationConfig](gen.Context.OperationNode.Content)
	return orDefault(cfg.OutputID, "text")
}
