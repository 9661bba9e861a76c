package handler

import (
	"context"
	"net/http"

	"commerce-payments/internal/dto"
	"commerce-payments/internal/middleware"
	"commerce-payments/internal/model"
	"commerce-payments/internal/service"

	"github.com/labstack/echo/v4"
)

type PaymentHandler struct {
	paymentService service.PaymentService
}

func NewPaymentHandler(paymentService service.PaymentService) *PaymentHandler {
	return &PaymentHandler{
		paymentService: paymentService,
	}
}

func (h *PaymentHandler) Authorize(c echo.Context) error {
	return h.open(c, h.paymentService.Authorize)
}

func (h *PaymentHandler) Charge(c echo.Context) error {
	return h.open(c, h.paymentService.Charge)
}

type openFunc func(ctx context.Context, p service.Principal, req service.AuthorizeRequest) (*model.Payment, error)

func (h *PaymentHandler) open(c echo.Context, fn openFunc) error {
	ctx := c.Request().Context()

	principal, err := middleware.PrincipalFrom(c)
	if err != nil {
		return err
	}

	var req dto.AuthorizeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid req body")
	}

	payment, err := fn(ctx, principal, service.AuthorizeRequest{
		OrderID:       c.Param("orderID"),
		PaymentMethod: req.PaymentMethod,
		Gateway:       model.GatewayType(req.Gateway),
		Amount:        req.Amount,
		Metadata:      req.Metadata,
		ClientIP:      c.RealIP(),
	})
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, dto.NewPaymentResponse(payment, principal.Platform))
}

func (h *PaymentHandler) Capture(c echo.Context) error {
	ctx := c.Request().Context()

	principal, err := middleware.PrincipalFrom(c)
	if err != nil {
		return err
	}

	var req dto.CaptureRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid req body")
	}

	payment, err := h.paymentService.Capture(ctx, principal, service.CaptureRequest{
		OrderID:   c.Param("orderID"),
		PaymentID: req.PaymentID,
		Amount:    req.Amount,
	})
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, dto.NewPaymentResponse(payment, principal.Platform))
}

func (h *PaymentHandler) Refund(c echo.Context) error {
	ctx := c.Request().Context()

	principal, err := middleware.PrincipalFrom(c)
	if err != nil {
		return err
	}

	var req dto.RefundRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid req body")
	}

	payment, err := h.paymentService.Refund(ctx, principal, service.RefundRequest{
		PaymentID: c.Param("paymentID"),
		Amount:    req.Amount,
		Reason:    req.Reason,
	})
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, dto.NewPaymentResponse(payment, principal.Platform))
}

func (h *PaymentHandler) GetPayment(c echo.Context) error {
	ctx := c.Request().Context()

	principal, err := middleware.PrincipalFrom(c)
	if err != nil {
		return err
	}

	payment, err := h.paymentService.GetPayment(ctx, principal, c.Param("paymentID"))
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, dto.NewPaymentResponse(payment, principal.Platform))
}

func (h *PaymentHandler) ListRefunds(c echo.Context) error {
	ctx := c.Request().Context()

	principal, err := middleware.PrincipalFrom(c)
	if err != nil {
		return err
	}

	refunds, err := h.paymentService.ListRefunds(ctx, principal, c.Param("paymentID"))
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, dto.NewRefundResponses(refunds))
}

func (h *PaymentHandler) History(c echo.Context) error {
	ctx := c.Request().Context()

	principal, err := middleware.PrincipalFrom(c)
	if err != nil {
		return err
	}

	entries, err := h.paymentService.History(ctx, principal, c.Param("orderID"))
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, dto.NewHistory(entries))
}
