package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

func (s *Server) handleHealth(c *gin.Context) {
	resp := HealthResponse{
		Service: "actrun",
		Version: s.deps.Version,
		Status:  "healthy",
	}
	if s.deps.Acts != nil {
		resp.Running = len(s.deps.Acts.Running())
		resp.Pool = s.deps.Acts.Metrics()
	}
	c.JSON(http.StatusOK, resp)
}
