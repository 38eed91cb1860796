// Package server exposes acts, triggers and the GitHub webhook over HTTP.
package server

import (
	"context"
	"log/slog"
	"net/http"

	glog "github.com/gin-contrib/slog"
	"github.com/gin-gonic/gin"

	"github.com/rendis/actrun/internal/engine"
	"github.com/rendis/actrun/internal/executors"
	"github.com/rendis/actrun/internal/store"
	"github.com/rendis/actrun/internal/streaming"
	"github.com/rendis/actrun/internal/webhook"
	"github.com/rendis/actrun/pkg/schema"
)

// Acts runs and controls acts. Satisfied by *engine.Service.
type Acts interface {
	CreateAndStart(ctx context.Context, req engine.NewActRequest, md executors.Metadata, l engine.Listener) (*schema.Act, error)
	Cancel(ctx context.Context, actID string) error
	Wait(ctx context.Context, actID string) error
	Running() []string
	Metrics() engine.PoolMetrics
}

// Webhooks verifies and dispatches GitHub deliveries. Satisfied by
// *webhook.Dispatcher.
type Webhooks interface {
	Verify(body []byte, signature string) error
	Dispatch(ctx context.Context, d *webhook.Delivery) (*webhook.Result, error)
}

// TriggerValidator checks a trigger before it is stored.
type TriggerValidator interface {
	ValidateTrigger(t *schema.Trigger) error
}

// Deps holds the collaborators of the server.
type Deps struct {
	Acts      Acts
	Store     store.Store
	Hub       streaming.EventHub
	Webhooks  Webhooks
	Validator TriggerValidator
	// MCP is mounted at /mcp when set.
	MCP       http.Handler
	Logger    *slog.Logger
	Version   string
}

// Server implements the HTTP API.
type Server struct {
	deps Deps
}

// NewServer creates a new HTTP API server.
func NewServer(deps Deps) *Server {
	if deps.Hub == nil {
		deps.Hub = streaming.NopHub{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Version == "" {
		deps.Version = "dev"
	}
	return &Server{deps: deps}
}

// SetupRoutes configures and returns the HTTP router with all API endpoints.
func (s *Server) SetupRoutes() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(glog.SetLogger(
		glog.WithLogger(func(_ *gin.Context, _ *slog.Logger) *slog.Logger {
			return s.deps.Logger
		}),
	))

	router.GET("/health", s.handleHealth)

	if s.deps.Webhooks != nil {
		router.POST("/webhooks/github", s.handleGitHubWebhook)
	}

	acts := router.Group("/acts")
	{
		acts.GET("", s.listActs)
		acts.POST("", s.createAct)
		acts.GET("/:actID", s.getAct)
		acts.POST("/:actID/cancel", s.cancelAct)
		acts.GET("/:actID/generations", s.listGenerations)
		acts.GET("/:actID/events", s.streamActEvents)
	}

	triggers := router.Group("/triggers")
	{
		triggers.GET("", s.listTriggers)
		triggers.POST("", s.createTrigger)
		triggers.GET("/:triggerID", s.getTrigger)
		triggers.PATCH("/:triggerID", s.updateTrigger)
		triggers.DELETE("/:triggerID", s.deleteTrigger)
		triggers.POST("/:triggerID/run", s.runTrigger)
	}

	router.GET("/generations/:generationID", s.getGeneration)
	router.GET("/events", s.streamAllEvents)

	if s.deps.MCP != nil {
		router.Any("/mcp", gin.WrapH(s.deps.MCP))
	}

	return router
}

// Handler returns the router as an http.Handler.
func (s *Server) Handler() http.Handler {
	return s.SetupRoutes()
}
