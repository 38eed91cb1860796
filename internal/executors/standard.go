package executors

import "github.com/rendis/actrun/internal/expressions"

// Collaborators are the external systems the standard executors call.
// A nil model makes every call of that kind fail; a nil GitHub client uses
// the public API.
type Collaborators struct {
	Language   LanguageModel
	Image      ImageModel
	GitHub     GitHubClient
	Secrets    expressions.SecretResolver
	Resilience *Resilience
}

// Standard binds the built-in executor for every content type. The returned
// text executor is also part of the set; callers keep it to Wait for
// background calls at shutdown.
func Standard(env Env, c Collaborators) (Executors, *TextGenerationExecutor) {
	if env.Interpolator == nil {
		env.Interpolator = expressions.NewInterpolator(c.Secrets)
	}
	if c.GitHub == nil {
		c.GitHub = NewHTTPGitHubClient("", nil)
	}
	if c.Resilience == nil {
		c.Resilience = NewResilience()
	}
	text := NewTextGenerationExecutor(env, c.Language, c.Resilience)
	return Executors{
		Action:          NewActionExecutor(env, c.GitHub, c.Secrets, c.Resilience),
		ImageGeneration: NewImageGenerationExecutor(env, c.Image, c.Resilience),
		TextGeneration:  text,
		Trigger:         NewTriggerExecutor(env),
		Query:           NewQueryExecutor(env, nil, nil),
		AppEntry:        NewAppEntryExecutor(env),
	}, text
}
