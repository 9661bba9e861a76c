package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"commerce-payments/internal/client"
	"commerce-payments/internal/config"
	"commerce-payments/internal/event"
	"commerce-payments/internal/fee"
	"commerce-payments/internal/gateway"
	"commerce-payments/internal/middleware"
	"commerce-payments/internal/model"
	"commerce-payments/internal/repository"
	"commerce-payments/internal/server"
	"commerce-payments/internal/service"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
)

func main() {
	// load .env into os.Environ
	if err := godotenv.Load(); err != nil {
		fmt.Println("No .env file found (ok in prod)")
	}

	cfg := &config.Config{}
	if err := env.Parse(cfg); err != nil {
		fmt.Printf("Failed to parse config: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	db, err := client.OpenDatabase(cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		logger.Error("open database", "driver", cfg.DatabaseDriver, "error", err)
		os.Exit(1)
	}

	orderRepo := repository.NewOrderRepository(db)
	paymentRepo := repository.NewPaymentRepository(db)
	historyRepo := repository.NewHistoryRepository(db)
	refundRepo := repository.NewRefundRepository(db)
	webhookEventRepo := repository.NewWebhookEventRepository(db)
	tenantRepo := repository.NewTenantRepository(db)

	factories := map[model.GatewayType]gateway.Factory{
		model.GatewayStripe:    client.StripeFactory{},
		model.GatewayBraintree: client.BraintreeFactory{},
		model.GatewayPaypal: client.PaypalFactory{
			SandboxURL: cfg.Paypal.BaseApiURL,
			Timeout:    cfg.Gateway.Timeout,
		},
	}
	resolver := gateway.NewResolver(tenantRepo, factories, platformGateways(cfg))

	var publisher event.Publisher = event.NoopPublisher{}
	if len(cfg.Kafka.Brokers) > 0 {
		publisher = event.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic, logger)
	}

	paymentService := service.NewPaymentService(
		db, resolver, fee.NewCalculator(tenantRepo, logger),
		orderRepo,
		paymentRepo,
		historyRepo,
		refundRepo,
		publisher,
		logger,
		service.PaymentOptions{
			AuthorizationTTL: cfg.Gateway.AuthorizationTTL,
			GatewayTimeout:   cfg.Gateway.Timeout,
		},
	)

	webhookService, err := service.NewWebhookService(resolver, paymentService, webhookEventRepo, logger, service.WebhookOptions{
		Workers:   cfg.Webhook.Workers,
		QueueSize: cfg.Webhook.QueueSize,
		Timeout:   cfg.Webhook.Timeout,
	})
	if err != nil {
		logger.Error("start webhook workers", "error", err)
		os.Exit(1)
	}

	tenantService := service.NewTenantService(tenantRepo)

	if cfg.Auth.JWTSecret == "" {
		logger.Warn("AUTH_JWT_SECRET is empty; every API token will be rejected")
	}

	serverAddr := cfg.HTTP.Host + ":" + cfg.HTTP.Port

	// Init HTTP server
	srv := server.NewServer(paymentService, webhookService, tenantService, server.Options{
		Auth: middleware.AuthConfig{
			Secret:       []byte(cfg.Auth.JWTSecret),
			PlatformRole: cfg.Auth.PlatformRole,
		},
		RateLimit: cfg.RateLimit.RPS,
		Logger:    logger,
	})

	logger.Info("Starting HTTP server", "addr", serverAddr, "environment", cfg.Environment.Name)
	go func() {
		if err := srv.Start(serverAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server error", "error", err)
			os.Exit(1)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)

	<-sigChan
	logger.Info("Signal received, starting graceful shutdown...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}
	// drain queued webhooks before the publisher goes away
	if err := webhookService.Close(); err != nil {
		logger.Error("webhook queue shutdown error", "error", err)
	}
	if err := publisher.Close(); err != nil {
		logger.Error("publisher shutdown error", "error", err)
	}
	logger.Info("shutdown complete")
}

func newLogger(cfg config.Log) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	if strings.EqualFold(cfg.Format, "text") {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

// platformGateways holds the credentials used for webhooks delivered to the
// platform-wide endpoints.
func platformGateways(cfg *config.Config) map[model.GatewayType]*model.TenantGateway {
	platform := map[model.GatewayType]*model.TenantGateway{}

	if cfg.Stripe.WebhookSecret != "" {
		platform[model.GatewayStripe] = &model.TenantGateway{
			GatewayType:   model.GatewayStripe,
			SecretKey:     cfg.Stripe.SecretKey,
			WebhookSecret: cfg.Stripe.WebhookSecret,
			Enabled:       true,
		}
	}
	if cfg.BrainTree.MerchantID != "" {
		platform[model.GatewayBraintree] = &model.TenantGateway{
			GatewayType: model.GatewayBraintree,
			Sandbox:     !strings.EqualFold(cfg.BrainTree.Environment, "production"),
			MerchantID:  cfg.BrainTree.MerchantID,
			PublicKey:   cfg.BrainTree.PublicKey,
			SecretKey:   cfg.BrainTree.PrivateKey,
			Enabled:     true,
		}
	}
	if cfg.Paypal.WebhookID != "" {
		platform[model.GatewayPaypal] = &model.TenantGateway{
			GatewayType:   model.GatewayPaypal,
			Sandbox:       strings.Contains(cfg.Paypal.BaseApiURL, "sandbox"),
			PublicKey:     cfg.Paypal.ClientID,
			SecretKey:     cfg.Paypal.ClientSecret,
			WebhookSecret: cfg.Paypal.WebhookID,
			Enabled:       true,
		}
	}
	return platform
}
