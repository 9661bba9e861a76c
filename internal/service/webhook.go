package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"commerce-payments/internal/apperror"
	"commerce-payments/internal/gateway"
	"commerce-payments/internal/model"
	"commerce-payments/internal/repository"

	"github.com/google/uuid"
	"github.com/zoobzio/hookz"
)

const webhookReceived = "webhook.received"

type IngestResult struct {
	EventID   string
	EventType string
	Duplicate bool
	// Queued is false when the work queue refused the event; it stays
	// unprocessed and can be retried.
	Queued bool
}

type WebhookService interface {
	// Ingest verifies, stores and enqueues a delivery. It never runs
	// business logic; a nil error means the delivery can be acknowledged.
	Ingest(ctx context.Context, gatewayType model.GatewayType, tenantID string, headers http.Header, body []byte) (*IngestResult, error)
	// Process reconciles one stored event and records the outcome.
	Process(ctx context.Context, eventID string) error
	RetryEvent(ctx context.Context, eventID string) error
	RetryFailed(ctx context.Context, limit int) (int, error)
	ListFailed(ctx context.Context, limit int) ([]*model.WebhookEvent, error)
	QueueMetrics() hookz.Metrics
	// Close drains queued events.
	Close() error
}

// VerifierResolver is satisfied by *gateway.Resolver.
type VerifierResolver interface {
	ResolveVerifier(ctx context.Context, tenantID string, gatewayType model.GatewayType) (gateway.Verifier, error)
}

type WebhookOptions struct {
	Workers   int
	QueueSize int
	Timeout   time.Duration
}

type webhookJob struct {
	EventID string
}

type webhookServiceImpl struct {
	resolver         VerifierResolver
	payments         PaymentService
	webhookEventRepo repository.WebhookEventRepository
	hooks            *hookz.Hooks[webhookJob]
	logger           *slog.Logger
}

func NewWebhookService(
	resolver VerifierResolver,
	payments PaymentService,
	webhookEventRepo repository.WebhookEventRepository,
	logger *slog.Logger,
	opts WebhookOptions,
) (WebhookService, error) {
	var hookOpts []hookz.Option
	if opts.Workers > 0 {
		hookOpts = append(hookOpts, hookz.WithWorkers(opts.Workers))
	}
	if opts.QueueSize > 0 {
		hookOpts = append(hookOpts, hookz.WithQueueSize(opts.QueueSize))
	}
	if opts.Timeout > 0 {
		hookOpts = append(hookOpts, hookz.WithTimeout(opts.Timeout))
	}

	s := &webhookServiceImpl{
		resolver:         resolver,
		payments:         payments,
		webhookEventRepo: webhookEventRepo,
		hooks:            hookz.New[webhookJob](hookOpts...),
		logger:           logger,
	}
	if _, err := s.hooks.Hook(webhookReceived, func(ctx context.Context, job webhookJob) error {
		return s.Process(ctx, job.EventID)
	}); err != nil {
		return nil, fmt.Errorf("register webhook worker: %w", err)
	}
	return s, nil
}

func (s *webhookServiceImpl) Ingest(ctx context.Context, gatewayType model.GatewayType, tenantID string, headers http.Header, body []byte) (*IngestResult, error) {
	verifier, err := s.resolver.ResolveVerifier(ctx, tenantID, gatewayType)
	if err != nil {
		return nil, err
	}

	ev, err := verifier.VerifyAndParse(ctx, headers, body)
	if err != nil {
		s.logger.WarnContext(ctx, "webhook rejected", "gateway", gatewayType, "tenant_id", tenantID, "error", err)
		return nil, err
	}
	if ev.ID == "" {
		return nil, apperror.Wrap(apperror.ErrValidation, "%s event has no id", gatewayType)
	}

	stored, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encode event: %w", err)
	}

	created, err := s.webhookEventRepo.CreateIfAbsent(ctx, &model.WebhookEvent{
		ID:          uuid.NewString(),
		EventID:     ev.ID,
		EventType:   ev.Type,
		GatewayType: gatewayType,
		TenantID:    tenantID,
		Payload:     stored,
		ReceivedAt:  time.Now(),
	})
	if err != nil {
		return nil, fmt.Errorf("store webhook event: %w", err)
	}

	result := &IngestResult{EventID: ev.ID, EventType: ev.Type}
	if !created {
		s.logger.InfoContext(ctx, "duplicate webhook ignored", "event_id", ev.ID, "type", ev.Type, "gateway", gatewayType)
		result.Duplicate = true
		return result, nil
	}

	result.Queued = s.enqueue(ctx, ev.ID)
	return result, nil
}

// enqueue hands the event to the worker pool. The request context is
// detached so processing outlives the acknowledged request.
func (s *webhookServiceImpl) enqueue(ctx context.Context, eventID string) bool {
	err := s.hooks.Emit(context.WithoutCancel(ctx), webhookReceived, webhookJob{EventID: eventID})
	if err == nil {
		return true
	}

	s.logger.ErrorContext(ctx, "webhook not queued", "event_id", eventID, "error", err)
	msg := "enqueue: " + err.Error()
	if errors.Is(err, hookz.ErrQueueFull) {
		msg = "enqueue: work queue full"
	}
	if markErr := s.webhookEventRepo.MarkFailed(ctx, eventID, msg); markErr != nil {
		s.logger.ErrorContext(ctx, "mark webhook failed", "event_id", eventID, "error", markErr)
	}
	return false
}

func (s *webhookServiceImpl) Process(ctx context.Context, eventID string) (err error) {
	// the worker pool swallows panics; record them on the event instead
	defer func() {
		if r := recover(); r != nil {
			err = s.fail(ctx, eventID, fmt.Errorf("panic while processing: %v", r))
		}
	}()

	row, err := s.webhookEventRepo.FindByEventID(ctx, eventID)
	if err != nil {
		s.logger.ErrorContext(ctx, "load webhook event", "event_id", eventID, "error", err)
		return err
	}
	if row.Processed {
		return nil
	}

	var ev gateway.Event
	if err := json.Unmarshal(row.Payload, &ev); err != nil {
		return s.fail(ctx, eventID, fmt.Errorf("decode stored event: %w", err))
	}

	if err := s.payments.Reconcile(ctx, row.TenantID, &ev); err != nil {
		return s.fail(ctx, eventID, err)
	}

	if err := s.webhookEventRepo.MarkProcessed(ctx, eventID); err != nil {
		s.logger.ErrorContext(ctx, "mark webhook processed", "event_id", eventID, "error", err)
		return err
	}
	s.logger.InfoContext(ctx, "webhook processed", "event_id", eventID, "type", row.EventType, "kind", ev.Kind)
	return nil
}

// fail records err on the event row; it is not surfaced to the gateway.
func (s *webhookServiceImpl) fail(ctx context.Context, eventID string, err error) error {
	s.logger.WarnContext(ctx, "webhook processing failed", "event_id", eventID, "error", err)
	if markErr := s.webhookEventRepo.MarkFailed(ctx, eventID, err.Error()); markErr != nil {
		s.logger.ErrorContext(ctx, "mark webhook failed", "event_id", eventID, "error", markErr)
	}
	return err
}

// RetryEvent processes a stored event synchronously.
func (s *webhookServiceImpl) RetryEvent(ctx context.Context, eventID string) error {
	row, err := s.webhookEventRepo.FindByEventID(ctx, eventID)
	if err != nil {
		return err
	}
	if row.Processed {
		return nil
	}
	return s.Process(ctx, eventID)
}

// RetryFailed re-queues up to limit unprocessed events and reports how many
// were queued.
func (s *webhookServiceImpl) RetryFailed(ctx context.Context, limit int) (int, error) {
	events, err := s.webhookEventRepo.ListUnprocessed(ctx, limit)
	if err != nil {
		return 0, err
	}
	queued := 0
	for _, ev := range events {
		if !s.enqueue(ctx, ev.EventID) {
			break
		}
		queued++
	}
	return queued, nil
}

func (s *webhookServiceImpl) ListFailed(ctx context.Context, limit int) ([]*model.WebhookEvent, error) {
	return s.webhookEventRepo.ListUnprocessed(ctx, limit)
}

func (s *webhookServiceImpl) QueueMetrics() hookz.Metrics {
	return s.hooks.Metrics()
}

func (s *webhookServiceImpl) Close() error {
	err := s.hooks.Close()
	if errors.Is(err, hookz.ErrAlreadyClosed) {
		return nil
	}
	return err
}
