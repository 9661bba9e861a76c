package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"commerce-payments/internal/handler"
	authmw "commerce-payments/internal/middleware"
	"commerce-payments/internal/service"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"
)

type Options struct {
	Auth authmw.AuthConfig
	// requests per second per client IP on the authenticated API; 0 disables
	RateLimit float64
	Logger    *slog.Logger
}

type Server struct {
	echo           *echo.Echo
	opts           Options
	paymentHandler *handler.PaymentHandler
	webhookHandler *handler.WebhookHandler
	adminHandler   *handler.AdminHandler
}

func NewServer(paymentService service.PaymentService, webhookService service.WebhookService, tenantService service.TenantService, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	e := echo.New()
	e.HideBanner = true
	e.HTTPErrorHandler = handler.ErrorHandler(opts.Logger)

	e.Use(middleware.RequestLogger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	s := &Server{
		echo:           e,
		opts:           opts,
		paymentHandler: handler.NewPaymentHandler(paymentService),
		webhookHandler: handler.NewWebhookHandler(webhookService),
		adminHandler:   handler.NewAdminHandler(tenantService, webhookService),
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.echo.Group("/api")

	api.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})

	// -------- webhooks (signature verified, no bearer token) --------
	webhooks := api.Group("/webhooks")
	webhooks.POST("/:gateway", s.webhookHandler.Receive)
	webhooks.POST("/:gateway/:tenantID", s.webhookHandler.Receive)

	authed := []echo.MiddlewareFunc{authmw.AuthMiddleware(s.opts.Auth)}
	if s.opts.RateLimit > 0 {
		store := middleware.NewRateLimiterMemoryStoreWithConfig(middleware.RateLimiterMemoryStoreConfig{
			Rate:      rate.Limit(s.opts.RateLimit),
			Burst:     max(1, int(s.opts.RateLimit)*2),
			ExpiresIn: 3 * time.Minute,
		})
		authed = append(authed, middleware.RateLimiter(store))
	}

	// -------- payments --------
	orders := api.Group("/orders", authed...)
	orders.POST("/:orderID/payments/authorize", s.paymentHandler.Authorize)
	orders.POST("/:orderID/payments/capture", s.paymentHandler.Capture)
	orders.POST("/:orderID/payments/charge", s.paymentHandler.Charge)
	orders.GET("/:orderID/history", s.paymentHandler.History)

	payments := api.Group("/payments", authed...)
	payments.GET("/:paymentID", s.paymentHandler.GetPayment)
	payments.POST("/:paymentID/refund", s.paymentHandler.Refund)
	payments.GET("/:paymentID/refunds", s.paymentHandler.ListRefunds)

	// -------- operators --------
	admin := api.Group("/admin", append(authed, authmw.RequirePlatform())...)
	admin.PUT("/tenants/:tenantID/gateways/:gateway", s.adminHandler.ConfigureGateway)
	admin.PUT("/tenants/:tenantID/fees", s.adminHandler.SetFees)
	admin.GET("/webhooks/failed", s.adminHandler.ListFailedWebhooks)
	admin.GET("/webhooks/queue", s.adminHandler.QueueMetrics)
	admin.POST("/webhooks/retry", s.adminHandler.RetryWebhooks)
	admin.POST("/webhooks/:eventID/retry", s.adminHandler.RetryWebhook)
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

func (s *Server) Start(address string) error {
	return s.echo.Start(address)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}
