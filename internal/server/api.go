package server

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/rendis/actrun/internal/engine"
	"github.com/rendis/actrun/internal/logging"
	"github.com/rendis/actrun/internal/webhook"
	"github.com/rendis/actrun/pkg/schema"
)

type (
	// ErrorResponse contains error details for failed requests
	ErrorResponse struct {
		Error   string         `json:"error"`
		Code    string         `json:"code,omitempty"`
		Status  int            `json:"status,omitempty"`
		Details map[string]any `json:"details,omitempty"`
	}

	// HealthResponse reports service status and pool counters
	HealthResponse struct {
		Service string             `json:"service"`
		Version string             `json:"version"`
		Status  string             `json:"status"`
		Running int                `json:"running"`
		Pool    engine.PoolMetrics `json:"pool"`
	}

	// CreateActRequest starts a manual run of a flow
	CreateActRequest struct {
		Flow        schema.FlowDefinition `json:"flow"`
		Inputs      map[string]any        `json:"inputs,omitempty"`
		WorkspaceID string                `json:"workspaceId,omitempty"`
		UserID      string                `json:"userId,omitempty"`
	}

	// RunTriggerRequest fires a trigger by hand
	RunTriggerRequest struct {
		Inputs map[string]any `json:"inputs,omitempty"`
		UserID string         `json:"userId,omitempty"`
	}

	// ActsListResponse contains a page of acts
	ActsListResponse struct {
		Acts  []*schema.Act `json:"acts"`
		Count int           `json:"count"`
	}

	// GenerationsListResponse contains the generations of an act
	GenerationsListResponse struct {
		Generations []*schema.Generation `json:"generations"`
		Count       int                  `json:"count"`
	}

	// TriggersListResponse contains triggers
	TriggersListResponse struct {
		Triggers []*schema.Trigger `json:"triggers"`
		Count    int               `json:"count"`
	}

	// UpdateTriggerRequest toggles a trigger
	UpdateTriggerRequest struct {
		Enabled *bool `json:"enabled"`
	}

	// WebhookResponse reports what a delivery did
	WebhookResponse struct {
		Ignored bool            `json:"ignored,omitempty"`
		Reason  string          `json:"reason,omitempty"`
		Result  *webhook.Result `json:"result,omitempty"`
	}
)

// statusFor maps an error code to an HTTP status.
func statusFor(err error) int {
	var actErr *schema.ActError
	if !errors.As(err, &actErr) {
		return http.StatusInternalServerError
	}
	switch actErr.Code {
	case schema.ErrCodeNotFound:
		return http.StatusNotFound
	case schema.ErrCodeValidation, schema.ErrCodeUnknownContentType,
		schema.ErrCodeEventNotAllowed, schema.ErrCodeCycleDetected:
		return http.StatusBadRequest
	case schema.ErrCodeConflict, schema.ErrCodeInvalidTransition:
		return http.StatusConflict
	case schema.ErrCodeSignatureInvalid:
		return http.StatusUnauthorized
	case schema.ErrCodeTimeout:
		return http.StatusGatewayTimeout
	case schema.ErrCodeCancelled:
		return http.StatusRequestTimeout
	}
	return http.StatusInternalServerError
}

// writeError renders err as an ErrorResponse. Server errors are logged.
func (s *Server) writeError(c *gin.Context, err error) {
	status := statusFor(err)
	resp := ErrorResponse{Error: err.Error(), Status: status}
	var actErr *schema.ActError
	if errors.As(err, &actErr) {
		resp.Code = actErr.Code
		resp.Details = actErr.Details
	}
	if status >= http.StatusInternalServerError {
		logging.LogWith(c.Request.Context(), s.deps.Logger).Error("request failed",
			slog.String("path", c.FullPath()), logging.Err(err))
	}
	c.JSON(status, resp)
}

func (s *Server) badRequest(c *gin.Context, msg string, err error) {
	if err != nil {
		msg = msg + ": " + err.Error()
	}
	c.JSON(http.StatusBadRequest, ErrorResponse{
		Error:  msg,
		Code:   schema.ErrCodeValidation,
		Status: http.StatusBadRequest,
	})
}
