package server

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/rendis/actrun/internal/engine"
	"github.com/rendis/actrun/internal/executors"
	"github.com/rendis/actrun/internal/store"
	"github.com/rendis/actrun/pkg/schema"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
	maxWait          = 5 * time.Minute
)

func (s *Server) listActs(c *gin.Context) {
	limit, offset, ok := s.paging(c)
	if !ok {
		return
	}
	filter := store.ActFilter{
		WorkspaceID: c.Query("workspace"),
		Status:      schema.ActStatus(c.Query("status")),
		FlowName:    c.Query("flow"),
		TriggerID:   c.Query("trigger"),
		Limit:       limit,
		Offset:      offset,
	}
	acts, err := s.deps.Store.ListActs(c.Request.Context(), filter)
	if err != nil {
		s.writeError(c, err)
		return
	}
	if acts == nil {
		acts = []*schema.Act{}
	}
	c.JSON(http.StatusOK, ActsListResponse{Acts: acts, Count: len(acts)})
}

// createAct starts a manual run. With ?wait=true the response is sent once
// the act has finished, up to ?timeout (default and cap 5m).
func (s *Server) createAct(c *gin.Context) {
	var req CreateActRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, "invalid JSON", err)
		return
	}
	act, err := s.deps.Acts.CreateAndStart(c.Request.Context(), engine.NewActRequest{
		Flow:        req.Flow,
		WorkspaceID: req.WorkspaceID,
		Inputs:      req.Inputs,
		Trigger:     &schema.TriggerRef{Kind: schema.TriggerManual},
	}, executors.Metadata{WorkspaceID: req.WorkspaceID, UserID: req.UserID}, nil)
	if err != nil {
		s.writeError(c, err)
		return
	}
	s.respondStarted(c, act)
}

func (s *Server) respondStarted(c *gin.Context, act *schema.Act) {
	if wait, _ := strconv.ParseBool(c.Query("wait")); !wait {
		c.JSON(http.StatusAccepted, act)
		return
	}

	timeout := maxWait
	if raw := c.Query("timeout"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			s.badRequest(c, "invalid timeout", err)
			return
		}
		timeout = min(d, maxWait)
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), timeout)
	defer cancel()
	if err := s.deps.Acts.Wait(ctx, act.ID); err != nil {
		// Still running; report what is known so far.
		c.JSON(http.StatusAccepted, s.latest(c, act))
		return
	}
	c.JSON(http.StatusOK, s.latest(c, act))
}

func (s *Server) latest(c *gin.Context, act *schema.Act) *schema.Act {
	fresh, err := s.deps.Store.GetAct(context.WithoutCancel(c.Request.Context()), act.ID)
	if err != nil {
		return act
	}
	return fresh
}

func (s *Server) getAct(c *gin.Context) {
	act, err := s.deps.Store.GetAct(c.Request.Context(), c.Param("actID"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, act)
}

func (s *Server) cancelAct(c *gin.Context) {
	actID := c.Param("actID")
	if err := s.deps.Acts.Cancel(c.Request.Context(), actID); err != nil {
		s.writeError(c, err)
		return
	}
	act, err := s.deps.Store.GetAct(c.Request.Context(), actID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, act)
}

func (s *Server) listGenerations(c *gin.Context) {
	ctx := c.Request.Context()
	actID := c.Param("actID")
	if _, err := s.deps.Store.GetAct(ctx, actID); err != nil {
		s.writeError(c, err)
		return
	}
	gens, err := s.deps.Store.ListGenerations(ctx, actID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	if status := c.Query("status"); status != "" {
		kept := gens[:0]
		for _, g := range gens {
			if string(g.Status) == status {
				kept = append(kept, g)
			}
		}
		gens = kept
	}
	if gens == nil {
		gens = []*schema.Generation{}
	}
	c.JSON(http.StatusOK, GenerationsListResponse{Generations: gens, Count: len(gens)})
}

func (s *Server) getGeneration(c *gin.Context) {
	gen, err := s.deps.Store.GetGeneration(c.Request.Context(), c.Param("generationID"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gen)
}

func (s *Server) paging(c *gin.Context) (limit, offset int, ok bool) {
	limit = defaultListLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.badRequest(c, "limit must be a positive integer", nil)
			return 0, 0, false
		}
		limit = min(n, maxListLimit)
	}
	if raw := c.Query("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			s.badRequest(c, "offset must be a non-negative integer", nil)
			return 0, 0, false
		}
		offset = n
	}
	return limit, offset, true
}
