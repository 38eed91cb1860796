package server

import (
	"io"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/rendis/actrun/internal/logging"
	"github.com/rendis/actrun/internal/webhook"
	"github.com/rendis/actrun/pkg/schema"
)

// GitHub caps deliveries at 25 MB.
const maxWebhookBody = 25 << 20

// handleGitHubWebhook verifies the signature over the raw body before
// anything in the payload is looked at.
func (s *Server) handleGitHubWebhook(c *gin.Context) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusRequestEntityTooLarge, ErrorResponse{
			Error:  "payload too large",
			Code:   schema.ErrCodeValidation,
			Status: http.StatusRequestEntityTooLarge,
		})
		return
	}
	if err := s.deps.Webhooks.Verify(body, c.GetHeader(webhook.SignatureHeader)); err != nil {
		s.writeError(c, err)
		return
	}

	event := c.GetHeader(webhook.EventHeader)
	deliveryID := c.GetHeader(webhook.DeliveryHeader)
	log := logging.LogWith(c.Request.Context(), s.deps.Logger).With(
		slog.String("event", event),
		slog.String("delivery", deliveryID))

	if event == "ping" {
		c.JSON(http.StatusOK, WebhookResponse{Ignored: true, Reason: "ping"})
		return
	}

	d, err := webhook.ParseDelivery(event, deliveryID, body)
	if err != nil {
		if schema.HasCode(err, schema.ErrCodeEventNotAllowed) {
			log.Debug("webhook ignored", logging.Err(err))
			c.JSON(http.StatusAccepted, WebhookResponse{Ignored: true, Reason: err.Error()})
			return
		}
		s.writeError(c, err)
		return
	}

	res, err := s.deps.Webhooks.Dispatch(c.Request.Context(), d)
	if err != nil {
		s.writeError(c, err)
		return
	}
	log.Info("webhook dispatched",
		slog.String("event_id", d.EventID),
		slog.String("repository", d.Repository),
		slog.Int("matched", res.Matched),
		slog.Int("acts", len(res.Acts)),
		slog.Int("failures", len(res.Failures)))
	c.JSON(http.StatusAccepted, WebhookResponse{Result: res})
}
