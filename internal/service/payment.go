package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"commerce-payments/internal/apperror"
	"commerce-payments/internal/event"
	"commerce-payments/internal/fee"
	"commerce-payments/internal/gateway"
	"commerce-payments/internal/model"
	"commerce-payments/internal/repository"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const DefaultAuthorizationTTL = 7 * 24 * time.Hour

type AuthorizeRequest struct {
	OrderID       string
	PaymentMethod string
	Gateway       model.GatewayType
	// Amount defaults to the order total.
	Amount   int64
	Metadata map[string]string
	ClientIP string
}

type CaptureRequest struct {
	OrderID string
	// PaymentID defaults to the order's most recent authorized payment.
	PaymentID string
	// Amount defaults to the authorized amount.
	Amount int64
}

type RefundRequest struct {
	PaymentID string
	// Amount defaults to the remaining refundable balance.
	Amount int64
	Reason string
}

type PaymentService interface {
	Authorize(ctx context.Context, p Principal, req AuthorizeRequest) (*model.Payment, error)
	Capture(ctx context.Context, p Principal, req CaptureRequest) (*model.Payment, error)
	Charge(ctx context.Context, p Principal, req AuthorizeRequest) (*model.Payment, error)
	Refund(ctx context.Context, p Principal, req RefundRequest) (*model.Payment, error)
	GetPayment(ctx context.Context, p Principal, paymentID string) (*model.Payment, error)
	ListRefunds(ctx context.Context, p Principal, paymentID string) ([]*model.Refund, error)
	History(ctx context.Context, p Principal, orderID string) ([]*model.OrderStatusHistory, error)
	// Reconcile applies a verified gateway event. tenantID may be empty for
	// events delivered to the platform endpoint.
	Reconcile(ctx context.Context, tenantID string, ev *gateway.Event) error
}

// GatewayResolver is satisfied by *gateway.Resolver.
type GatewayResolver interface {
	Resolve(ctx context.Context, tenantID string, gatewayType model.GatewayType) (gateway.Gateway, error)
}

type PaymentOptions struct {
	AuthorizationTTL time.Duration
	GatewayTimeout   time.Duration
	Now              func() time.Time
}

type paymentServiceImpl struct {
	db          *gorm.DB
	resolver    GatewayResolver
	fees        fee.Calculator
	orderRepo   repository.OrderRepository
	paymentRepo repository.PaymentRepository
	historyRepo repository.HistoryRepository
	refundRepo  repository.RefundRepository
	publisher   event.Publisher
	logger      *slog.Logger

	authTTL        time.Duration
	gatewayTimeout time.Duration
	now            func() time.Time
}

func NewPaymentService(
	db *gorm.DB,
	resolver GatewayResolver,
	fees fee.Calculator,
	orderRepo repository.OrderRepository,
	paymentRepo repository.PaymentRepository,
	historyRepo repository.HistoryRepository,
	refundRepo repository.RefundRepository,
	publisher event.Publisher,
	logger *slog.Logger,
	opts PaymentOptions,
) PaymentService {
	if opts.AuthorizationTTL <= 0 {
		opts.AuthorizationTTL = DefaultAuthorizationTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if publisher == nil {
		publisher = event.NoopPublisher{}
	}
	return &paymentServiceImpl{
		db:             db,
		resolver:       resolver,
		fees:           fees,
		orderRepo:      orderRepo,
		paymentRepo:    paymentRepo,
		historyRepo:    historyRepo,
		refundRepo:     refundRepo,
		publisher:      publisher,
		logger:         logger,
		authTTL:        opts.AuthorizationTTL,
		gatewayTimeout: opts.GatewayTimeout,
		now:            opts.Now,
	}
}

func (s *paymentServiceImpl) gatewayContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.gatewayTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.gatewayTimeout)
}

func (s *paymentServiceImpl) Authorize(ctx context.Context, p Principal, req AuthorizeRequest) (*model.Payment, error) {
	return s.open(ctx, p, req, false)
}

func (s *paymentServiceImpl) Charge(ctx context.Context, p Principal, req AuthorizeRequest) (*model.Payment, error) {
	return s.open(ctx, p, req, true)
}

// open runs authorize (capture=false) or charge (capture=true).
func (s *paymentServiceImpl) open(ctx context.Context, p Principal, req AuthorizeRequest, capture bool) (*model.Payment, error) {
	op := "authorize"
	if capture {
		op = "charge"
	}
	if req.PaymentMethod == "" {
		return nil, apperror.Wrap(apperror.ErrValidation, "payment_method is required")
	}
	if req.Gateway == "" {
		return nil, apperror.Wrap(apperror.ErrValidation, "gateway is required")
	}

	order, err := s.orderRepo.FindByID(ctx, req.OrderID)
	if err != nil {
		return nil, err
	}
	if err := p.authorize(order.TenantID); err != nil {
		return nil, err
	}

	amount := req.Amount
	if amount == 0 {
		amount = order.Total
	}
	if amount <= 0 || amount > order.Total {
		return nil, apperror.Wrap(apperror.ErrInvalidAmount, "amount %d outside (0, %d]", amount, order.Total)
	}

	if err := s.ensurePayable(ctx, p, order); err != nil {
		return nil, err
	}

	gw, err := s.resolver.Resolve(ctx, order.TenantID, req.Gateway)
	if err != nil {
		return nil, err
	}

	payment := &model.Payment{
		ID:            uuid.NewString(),
		OrderID:       order.ID,
		TenantID:      order.TenantID,
		Amount:        amount,
		Currency:      order.Currency,
		PaymentMethod: req.PaymentMethod,
		GatewayType:   req.Gateway,
		PaymentStatus: model.PaymentPending,
		Metadata:      jsonColumn(req.Metadata),
		ClientIP:      req.ClientIP,
		CreatedAt:     s.now(),
	}
	if err := s.createPending(ctx, payment); err != nil {
		return nil, err
	}

	gwReq := &gateway.Request{
		Reference:     payment.ID,
		Amount:        amount,
		Currency:      order.Currency,
		PaymentMethod: req.PaymentMethod,
		Description:   fmt.Sprintf("order %s", order.ID),
		Metadata:      map[string]string{"order_id": order.ID, "tenant_id": order.TenantID},
	}
	gctx, cancel := s.gatewayContext(ctx)
	var res *gateway.Result
	if capture {
		res, err = gw.Charge(gctx, gwReq)
	} else {
		res, err = gw.Authorize(gctx, gwReq)
	}
	cancel()

	if err != nil {
		return nil, s.ambiguous(ctx, payment, op, err)
	}
	if !res.Success {
		return nil, s.declineNew(ctx, p, payment, op, res)
	}

	fees := s.fees.Calculate(ctx, order.TenantID, amount, res.GatewayFee)
	now := s.now()
	updates := successUpdates(res, fees)
	updates["authorized_at"] = now

	t := &transition{
		payment: payment,
		guard:   repository.Guard{From: []model.PaymentStatus{model.PaymentPending}},
		updates: updates,
		actorID: p.ActorID,
	}
	if capture {
		t.to = model.PaymentPaid
		t.reason = "payment charged"
		updates["captured_at"] = now
	} else {
		t.to = model.PaymentAuthorized
		t.reason = "payment authorized"
		t.claim = true
		updates["authorization_expires_at"] = now.Add(s.authTTL)
	}

	_, err = s.apply(ctx, t)
	if errors.Is(err, errAuthorizationConflict) {
		s.orphanHold(ctx, p, payment, res.AuthorizationID, res.Response.JSON())
		return nil, apperror.Wrap(apperror.ErrInvalidState, "order %s already has an authorized payment", order.ID)
	}
	if err != nil {
		return nil, err
	}

	// a miss means a webhook got there first; either way the row is current
	return s.paymentRepo.Get(ctx, s.db, order.TenantID, payment.ID)
}

// ensurePayable rejects a new payment while the order is already covered.
// An expired authorization no longer covers it and is cancelled here so the
// order can be authorized again.
func (s *paymentServiceImpl) ensurePayable(ctx context.Context, p Principal, order *model.Order) error {
	switch order.PaymentStatus {
	case model.PaymentPaid, model.PaymentPartiallyRefunded:
		return apperror.Wrap(apperror.ErrInvalidState, "order %s is already %s", order.ID, order.PaymentStatus)
	}

	held, err := s.paymentRepo.LatestByStatus(ctx, order.TenantID, order.ID, model.PaymentAuthorized)
	if errors.Is(err, apperror.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !s.expired(held) {
		return apperror.Wrap(apperror.ErrInvalidState, "order %s already has an authorized payment %s", order.ID, held.ID)
	}

	_, err = s.apply(ctx, &transition{
		payment: held,
		to:      model.PaymentCancelled,
		guard:   repository.Guard{From: []model.PaymentStatus{model.PaymentAuthorized}},
		actorID: p.ActorID,
		reason:  "authorization expired",
	})
	return err
}

func (s *paymentServiceImpl) expired(payment *model.Payment) bool {
	return payment.AuthorizationExpiresAt != nil && !s.now().Before(*payment.AuthorizationExpiresAt)
}

// ambiguous handles a gateway call whose outcome is unknown: the payment
// keeps its pre-call status and the webhook path settles it.
func (s *paymentServiceImpl) ambiguous(ctx context.Context, payment *model.Payment, op string, err error) error {
	var gwErr *apperror.GatewayError
	if !errors.As(err, &gwErr) {
		gwErr = &apperror.GatewayError{
			Gateway:   string(payment.GatewayType),
			Op:        op,
			Message:   "gateway call failed",
			Ambiguous: true,
			Err:       err,
		}
	}
	resp := gateway.Response{
		Gateway: payment.GatewayType,
		Object:  op,
		Status:  "unknown",
		Error:   gwErr.Error(),
		Raw:     gateway.RawJSON(gwErr.Response),
	}.JSON()
	gwErr.Response = resp
	s.saveResponse(ctx, payment, resp)

	s.logger.WarnContext(ctx, "gateway outcome unknown, awaiting webhook",
		"payment_id", payment.ID, "op", op, "status", payment.PaymentStatus, "error", err)
	return gwErr
}

// declineNew fails the bookkeeping row of a declined authorize or charge.
func (s *paymentServiceImpl) declineNew(ctx context.Context, p Principal, payment *model.Payment, op string, res *gateway.Result) error {
	resp := res.Response.JSON()
	_, err := s.apply(ctx, &transition{
		payment: payment,
		to:      model.PaymentFailed,
		guard:   repository.Guard{From: []model.PaymentStatus{model.PaymentPending}},
		updates: map[string]interface{}{"gateway_response": datatypes.JSON(resp)},
		actorID: p.ActorID,
		reason:  op + " declined",
		notes:   res.Error,
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "record declined payment failed", "payment_id", payment.ID, "error", err)
	}
	return declined(payment.GatewayType, op, res.Error, resp)
}

// orphanHold cancels a pending payment whose authorization succeeded at the
// gateway after another payment already claimed the order. The hold stays
// open at the gateway; its id goes on the payment and into history so an
// operator can void it.
func (s *paymentServiceImpl) orphanHold(ctx context.Context, p Principal, payment *model.Payment, authorizationID string, resp []byte) {
	s.logger.ErrorContext(ctx, "authorization hold orphaned, void it at the gateway",
		"payment_id", payment.ID, "order_id", payment.OrderID, "gateway", payment.GatewayType,
		"authorization_id", authorizationID)

	updates := map[string]interface{}{}
	if resp != nil {
		updates["gateway_response"] = datatypes.JSON(resp)
	}
	if authorizationID != "" {
		updates["gateway_authorization_id"] = authorizationID
	}
	_, err := s.apply(ctx, &transition{
		payment: payment,
		to:      model.PaymentCancelled,
		guard:   repository.Guard{From: []model.PaymentStatus{model.PaymentPending}},
		updates: updates,
		actorID: p.ActorID,
		reason:  "concurrent authorization on order",
		notes:   "authorization hold must be voided at the gateway",
		metadata: map[string]interface{}{
			"orphaned_authorization_id": authorizationID,
		},
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "cancel payment failed", "payment_id", payment.ID, "error", err)
	}
}

func declined(gw model.GatewayType, op, msg string, resp []byte) error {
	return &apperror.GatewayError{
		Gateway:  string(gw),
		Op:       op,
		Message:  msg,
		Response: resp,
	}
}

func (s *paymentServiceImpl) Capture(ctx context.Context, p Principal, req CaptureRequest) (*model.Payment, error) {
	order, err := s.orderRepo.FindByID(ctx, req.OrderID)
	if err != nil {
		return nil, err
	}
	if err := p.authorize(order.TenantID); err != nil {
		return nil, err
	}

	var payment *model.Payment
	if req.PaymentID != "" {
		payment, err = s.paymentRepo.FindForOrder(ctx, order.TenantID, order.ID, req.PaymentID)
	} else {
		payment, err = s.paymentRepo.LatestByStatus(ctx, order.TenantID, order.ID, model.PaymentAuthorized)
		if errors.Is(err, apperror.ErrNotFound) {
			return nil, apperror.Wrap(apperror.ErrInvalidState, "order %s has no authorized payment", order.ID)
		}
	}
	if err != nil {
		return nil, err
	}

	if payment.PaymentStatus != model.PaymentAuthorized {
		return nil, apperror.Wrap(apperror.ErrInvalidState, "payment %s is %s, not authorized", payment.ID, payment.PaymentStatus)
	}
	if s.expired(payment) {
		return nil, apperror.Wrap(apperror.ErrAuthorizationExpired, "authorization for payment %s expired at %s",
			payment.ID, payment.AuthorizationExpiresAt.Format(time.RFC3339))
	}

	amount := req.Amount
	if amount == 0 {
		amount = payment.Amount
	}
	if amount <= 0 || amount > payment.Amount {
		return nil, apperror.Wrap(apperror.ErrInvalidAmount, "capture amount %d exceeds authorized %d", amount, payment.Amount)
	}

	gw, err := s.resolver.Resolve(ctx, payment.TenantID, payment.GatewayType)
	if err != nil {
		return nil, err
	}

	gctx, cancel := s.gatewayContext(ctx)
	res, err := gw.Capture(gctx, payment.GatewayAuthorizationID, amount, payment.Currency)
	cancel()
	if err != nil {
		return nil, s.ambiguous(ctx, payment, "capture", err)
	}
	if !res.Success {
		resp := res.Response.JSON()
		s.saveResponse(ctx, payment, resp)
		return nil, declined(payment.GatewayType, "capture", res.Error, resp)
	}

	gatewayFee := res.GatewayFee
	if gatewayFee == 0 {
		gatewayFee = payment.Fees.GatewayFee
	}
	fees := s.fees.Calculate(ctx, payment.TenantID, amount, gatewayFee)
	updates := successUpdates(res, fees)
	// the authorization id is the handle the hold was created with
	delete(updates, "gateway_authorization_id")
	updates["amount"] = amount
	updates["captured_at"] = s.now()

	notes := ""
	if amount < payment.Amount {
		notes = fmt.Sprintf("partial capture of %d of %d authorized", amount, payment.Amount)
	}
	if _, err := s.apply(ctx, &transition{
		payment: payment,
		to:      model.PaymentPaid,
		guard:   repository.Guard{From: []model.PaymentStatus{model.PaymentAuthorized}},
		updates: updates,
		actorID: p.ActorID,
		reason:  "payment captured",
		notes:   notes,
	}); err != nil {
		return nil, err
	}

	return s.paymentRepo.Get(ctx, s.db, payment.TenantID, payment.ID)
}

func (s *paymentServiceImpl) Refund(ctx context.Context, p Principal, req RefundRequest) (*model.Payment, error) {
	payment, err := s.paymentRepo.FindByID(ctx, req.PaymentID)
	if err != nil {
		return nil, err
	}
	if err := p.authorize(payment.TenantID); err != nil {
		return nil, err
	}
	if !payment.PaymentStatus.Refundable() {
		return nil, apperror.Wrap(apperror.ErrInvalidState, "payment %s is %s and cannot be refunded", payment.ID, payment.PaymentStatus)
	}

	remaining := payment.Amount - payment.RefundedAmount
	amount := req.Amount
	if amount == 0 {
		amount = remaining
	}
	if amount <= 0 || amount > remaining {
		return nil, apperror.Wrap(apperror.ErrInvalidAmount, "refund amount %d exceeds remaining balance %d", amount, remaining)
	}

	gw, err := s.resolver.Resolve(ctx, payment.TenantID, payment.GatewayType)
	if err != nil {
		return nil, err
	}

	gctx, cancel := s.gatewayContext(ctx)
	res, err := gw.Refund(gctx, payment.GatewayTransactionID, amount, payment.Currency, req.Reason)
	cancel()
	if err != nil {
		return nil, s.ambiguous(ctx, payment, "refund", err)
	}
	if !res.Success {
		resp := res.Response.JSON()
		s.saveResponse(ctx, payment, resp)
		return nil, declined(payment.GatewayType, "refund", res.Error, resp)
	}

	refund := &model.Refund{
		ID:              uuid.NewString(),
		PaymentID:       payment.ID,
		TenantID:        payment.TenantID,
		GatewayRefundID: res.RefundID,
		Amount:          amount,
		Currency:        payment.Currency,
		Status:          res.Status,
		Reason:          req.Reason,
		ActorID:         p.ActorID,
		CreatedAt:       s.now(),
	}
	if refund.GatewayRefundID == "" {
		refund.GatewayRefundID = "local-" + refund.ID
	}

	if err := s.recordRefund(ctx, p, payment, refund, res.Response.JSON()); err != nil {
		return nil, err
	}
	return s.paymentRepo.Get(ctx, s.db, payment.TenantID, payment.ID)
}

// recordRefund applies a refund that already succeeded at the gateway. The
// refund's own amount is added to the freshest refunded_amount; the guard
// makes a concurrent writer force a re-read. A refund whose gateway id a
// webhook already recorded is counted once.
func (s *paymentServiceImpl) recordRefund(ctx context.Context, p Principal, payment *model.Payment, refund *model.Refund, resp []byte) error {
	current := payment

	for attempt := 0; attempt < 5; attempt++ {
		if !current.PaymentStatus.Refundable() {
			break
		}
		total := min(current.RefundedAmount+refund.Amount, current.Amount)
		to := model.PaymentPartiallyRefunded
		if total >= current.Amount {
			to = model.PaymentRefunded
		}
		seen := current.RefundedAmount

		applied, err := s.apply(ctx, &transition{
			payment: current,
			to:      to,
			guard: repository.Guard{
				From:           []model.PaymentStatus{model.PaymentPaid, model.PaymentPartiallyRefunded},
				RefundedAmount: &seen,
			},
			updates: map[string]interface{}{
				"refunded_amount":  total,
				"gateway_response": datatypes.JSON(resp),
			},
			actorID: p.ActorID,
			reason:  "payment refunded",
			notes:   refund.Reason,
			metadata: map[string]interface{}{
				"refund_id":         refund.ID,
				"gateway_refund_id": refund.GatewayRefundID,
				"refund_amount":     refund.Amount,
				"refunded_total":    total,
			},
			refund: refund,
		})
		if errors.Is(err, errRefundRecorded) {
			s.logger.InfoContext(ctx, "refund already applied by webhook", "payment_id", payment.ID, "gateway_refund_id", refund.GatewayRefundID)
			return nil
		}
		if err != nil {
			return err
		}
		if applied {
			return nil
		}

		current, err = s.paymentRepo.Get(ctx, s.db, payment.TenantID, payment.ID)
		if err != nil {
			return err
		}
	}

	// fully refunded by a webhook, or still contended; keep the record so the
	// gateway refund is not lost
	if _, err := s.refundRepo.Create(ctx, s.db, refund); err != nil {
		return fmt.Errorf("record refund: %w", err)
	}
	s.logger.WarnContext(ctx, "refund recorded without transition",
		"payment_id", payment.ID, "refund_id", refund.ID, "status", current.PaymentStatus)
	return nil
}

func (s *paymentServiceImpl) GetPayment(ctx context.Context, p Principal, paymentID string) (*model.Payment, error) {
	payment, err := s.paymentRepo.FindByID(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if err := p.authorize(payment.TenantID); err != nil {
		return nil, err
	}
	return payment, nil
}

func (s *paymentServiceImpl) ListRefunds(ctx context.Context, p Principal, paymentID string) ([]*model.Refund, error) {
	payment, err := s.GetPayment(ctx, p, paymentID)
	if err != nil {
		return nil, err
	}
	return s.refundRepo.ListByPayment(ctx, payment.TenantID, payment.ID)
}

func (s *paymentServiceImpl) History(ctx context.Context, p Principal, orderID string) ([]*model.OrderStatusHistory, error) {
	order, err := s.orderRepo.FindByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if err := p.authorize(order.TenantID); err != nil {
		return nil, err
	}
	return s.historyRepo.ListByOrder(ctx, order.TenantID, order.ID)
}
