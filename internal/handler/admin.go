package handler

import (
	"net/http"
	"strconv"

	"commerce-payments/internal/dto"
	"commerce-payments/internal/model"
	"commerce-payments/internal/service"

	"github.com/labstack/echo/v4"
)

const defaultRetryLimit = 100

// AdminHandler serves operator endpoints; routes are mounted behind the
// platform role.
type AdminHandler struct {
	tenantService  service.TenantService
	webhookService service.WebhookService
}

func NewAdminHandler(tenantService service.TenantService, webhookService service.WebhookService) *AdminHandler {
	return &AdminHandler{
		tenantService:  tenantService,
		webhookService: webhookService,
	}
}

func (h *AdminHandler) ConfigureGateway(c echo.Context) error {
	ctx := c.Request().Context()

	var req dto.GatewayConfigRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid req body")
	}

	gw, err := h.tenantService.ConfigureGateway(ctx, c.Param("tenantID"), model.GatewayType(c.Param("gateway")), service.GatewaySettings{
		Sandbox:       req.Sandbox,
		Currency:      req.Currency,
		PublicKey:     req.PublicKey,
		SecretKey:     req.SecretKey,
		MerchantID:    req.MerchantID,
		WebhookSecret: req.WebhookSecret,
		Enabled:       req.Enabled,
	})
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, dto.NewGatewayConfigResponse(gw))
}

func (h *AdminHandler) SetFees(c echo.Context) error {
	ctx := c.Request().Context()

	var req dto.FeeConfigRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid req body")
	}

	cfg, err := h.tenantService.SetFees(ctx, c.Param("tenantID"), service.FeeSettings{
		Tier:            req.Tier,
		Percentage:      req.Percentage,
		FixedFee:        req.FixedFee,
		Grandfathered:   req.Grandfathered,
		SupportOverride: req.SupportOverride,
		OverrideReason:  req.OverrideReason,
	})
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, dto.NewFeeConfigResponse(cfg))
}

func (h *AdminHandler) ListFailedWebhooks(c echo.Context) error {
	ctx := c.Request().Context()

	limit, err := limitParam(c)
	if err != nil {
		return err
	}

	events, err := h.webhookService.ListFailed(ctx, limit)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, dto.NewWebhookEvents(events))
}

func (h *AdminHandler) RetryWebhooks(c echo.Context) error {
	ctx := c.Request().Context()

	var req dto.RetryRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid req body")
	}
	if req.Limit <= 0 {
		req.Limit = defaultRetryLimit
	}

	queued, err := h.webhookService.RetryFailed(ctx, req.Limit)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusAccepted, dto.RetryResponse{Queued: queued})
}

func (h *AdminHandler) RetryWebhook(c echo.Context) error {
	ctx := c.Request().Context()

	if err := h.webhookService.RetryEvent(ctx, c.Param("eventID")); err != nil {
		return err
	}

	return c.JSON(http.StatusOK, map[string]string{
		"status": "processed",
	})
}

func (h *AdminHandler) QueueMetrics(c echo.Context) error {
	m := h.webhookService.QueueMetrics()

	return c.JSON(http.StatusOK, dto.QueueMetricsResponse{
		Depth:     m.QueueDepth,
		Capacity:  m.QueueCapacity,
		Processed: m.TasksProcessed,
		Rejected:  m.TasksRejected,
		Failed:    m.TasksFailed,
		Expired:   m.TasksExpired,
	})
}

func limitParam(c echo.Context) (int, error) {
	raw := c.QueryParam("limit")
	if raw == "" {
		return defaultRetryLimit, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "limit must be a positive integer")
	}
	return limit, nil
}
