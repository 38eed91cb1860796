package server

import (
	"log/slog"
	"maps"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/rendis/actrun/internal/engine"
	"github.com/rendis/actrun/internal/executors"
	"github.com/rendis/actrun/internal/logging"
	"github.com/rendis/actrun/internal/store"
	"github.com/rendis/actrun/pkg/schema"
)

func (s *Server) listTriggers(c *gin.Context) {
	filter := store.TriggerFilter{
		WorkspaceID: c.Query("workspace"),
		Kind:        schema.TriggerKind(c.Query("kind")),
		Repository:  c.Query("repository"),
		EventID:     c.Query("event"),
	}
	if raw := c.Query("enabled"); raw != "" {
		enabled, err := strconv.ParseBool(raw)
		if err != nil {
			s.badRequest(c, "enabled must be a boolean", nil)
			return
		}
		filter.Enabled = &enabled
	}
	triggers, err := s.deps.Store.ListTriggers(c.Request.Context(), filter)
	if err != nil {
		s.writeError(c, err)
		return
	}
	if triggers == nil {
		triggers = []*schema.Trigger{}
	}
	c.JSON(http.StatusOK, TriggersListResponse{Triggers: triggers, Count: len(triggers)})
}

func (s *Server) createTrigger(c *gin.Context) {
	var t schema.Trigger
	if err := c.ShouldBindJSON(&t); err != nil {
		s.badRequest(c, "invalid JSON", err)
		return
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	// Run bookkeeping belongs to the scheduler and dispatcher.
	t.LastRunAt, t.NextRunAt, t.LastRunStatus = nil, nil, ""

	if s.deps.Validator != nil {
		if err := s.deps.Validator.ValidateTrigger(&t); err != nil {
			s.writeError(c, err)
			return
		}
	}
	if err := s.deps.Store.CreateTrigger(c.Request.Context(), &t); err != nil {
		s.writeError(c, err)
		return
	}
	logging.LogWith(c.Request.Context(), s.deps.Logger).Info("trigger created",
		logging.TriggerID(t.ID),
		slog.String("kind", string(t.Kind)),
		slog.Bool("enabled", t.Enabled))
	c.JSON(http.StatusCreated, &t)
}

func (s *Server) getTrigger(c *gin.Context) {
	t, err := s.deps.Store.GetTrigger(c.Request.Context(), c.Param("triggerID"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

func (s *Server) updateTrigger(c *gin.Context) {
	var req UpdateTriggerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, "invalid JSON", err)
		return
	}
	if req.Enabled == nil {
		s.badRequest(c, "nothing to update", nil)
		return
	}
	ctx := c.Request.Context()
	id := c.Param("triggerID")
	if err := s.deps.Store.UpdateTrigger(ctx, id, store.TriggerUpdate{Enabled: req.Enabled}); err != nil {
		s.writeError(c, err)
		return
	}
	t, err := s.deps.Store.GetTrigger(ctx, id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

func (s *Server) deleteTrigger(c *gin.Context) {
	if err := s.deps.Store.DeleteTrigger(c.Request.Context(), c.Param("triggerID")); err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// runTrigger fires a trigger by hand, whether or not it is enabled. Schedule
// inputs are the defaults the request inputs override.
func (s *Server) runTrigger(c *gin.Context) {
	var req RunTriggerRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			s.badRequest(c, "invalid JSON", err)
			return
		}
	}
	ctx := c.Request.Context()
	t, err := s.deps.Store.GetTrigger(ctx, c.Param("triggerID"))
	if err != nil {
		s.writeError(c, err)
		return
	}

	inputs := map[string]any{}
	if t.Schedule != nil {
		maps.Copy(inputs, t.Schedule.Inputs)
	}
	maps.Copy(inputs, req.Inputs)

	act, err := s.deps.Acts.CreateAndStart(ctx, engine.NewActRequest{
		Flow:        t.Flow,
		WorkspaceID: t.WorkspaceID,
		Inputs:      inputs,
		Trigger:     &schema.TriggerRef{ID: t.ID, Kind: schema.TriggerManual},
	}, executors.Metadata{WorkspaceID: t.WorkspaceID, UserID: req.UserID}, nil)
	if err != nil {
		s.writeError(c, err)
		return
	}
	s.respondStarted(c, act)
}
