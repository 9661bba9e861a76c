package handler

import (
	"io"
	"net/http"

	"commerce-payments/internal/dto"
	"commerce-payments/internal/model"
	"commerce-payments/internal/service"

	"github.com/labstack/echo/v4"
)

const maxWebhookBody = 1 << 20

type WebhookHandler struct {
	webhookService service.WebhookService
}

func NewWebhookHandler(webhookService service.WebhookService) *WebhookHandler {
	return &WebhookHandler{
		webhookService: webhookService,
	}
}

// Receive acknowledges a delivery as soon as it is verified and stored.
// Signature checks run against the exact bytes received, so the body is
// read raw rather than bound.
func (h *WebhookHandler) Receive(c echo.Context) error {
	ctx := c.Request().Context()

	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxWebhookBody))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "read body")
	}

	result, err := h.webhookService.Ingest(ctx,
		model.GatewayType(c.Param("gateway")),
		c.Param("tenantID"),
		c.Request().Header,
		body,
	)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, dto.WebhookAck{
		Received:  true,
		EventID:   result.EventID,
		Duplicate: result.Duplicate,
	})
}
