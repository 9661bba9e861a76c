package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"commerce-payments/internal/apperror"
	"commerce-payments/internal/gateway"
	"commerce-payments/internal/model"
	"commerce-payments/internal/repository"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Reconcile drives the payment an event refers to through the same guarded
// transitions as the API. Every branch is idempotent: an event whose effect
// is already visible is a no-op.
func (s *paymentServiceImpl) Reconcile(ctx context.Context, tenantID string, ev *gateway.Event) error {
	if ev.Kind == gateway.EventUnknown || ev.Kind == "" {
		s.logger.DebugContext(ctx, "ignoring unhandled event type", "event_id", ev.ID, "type", ev.Type)
		return nil
	}

	payment, err := s.paymentRepo.FindByGatewayRef(ctx, ev.Gateway, tenantID, repository.GatewayRef{
		TransactionID:   ev.TransactionID,
		AuthorizationID: ev.AuthorizationID,
		Reference:       ev.Reference,
	})
	if err != nil {
		return fmt.Errorf("locate payment for %s event %s: %w", ev.Gateway, ev.ID, err)
	}

	actor := SystemPrincipal("gateway:" + string(ev.Gateway))
	meta := map[string]interface{}{
		"event_id":   ev.ID,
		"event_type": ev.Type,
	}

	switch ev.Kind {
	case gateway.EventPaymentAuthorized:
		return s.reconcileAuthorized(ctx, actor, payment, ev, meta)
	case gateway.EventPaymentSucceeded:
		return s.reconcileSucceeded(ctx, actor, payment, ev, meta)
	case gateway.EventPaymentFailed:
		meta["failure"] = ev.Failure
		return s.reconcileClosed(ctx, actor, payment, model.PaymentFailed, "payment failed at gateway", ev.Failure, meta)
	case gateway.EventPaymentCancelled:
		return s.reconcileClosed(ctx, actor, payment, model.PaymentCancelled, "payment cancelled at gateway", "", meta)
	case gateway.EventChargeRefunded:
		return s.reconcileRefunded(ctx, actor, payment, ev, meta)
	case gateway.EventDisputeCreated:
		return s.reconcileDispute(ctx, actor, payment, ev, meta)
	}
	return nil
}

func (s *paymentServiceImpl) reconcileAuthorized(ctx context.Context, actor Principal, payment *model.Payment, ev *gateway.Event, meta map[string]interface{}) error {
	if payment.PaymentStatus != model.PaymentPending {
		return nil
	}

	now := s.now()
	updates := map[string]interface{}{
		"authorized_at":            now,
		"authorization_expires_at": now.Add(s.authTTL),
	}
	setGatewayIDs(updates, ev)
	for k, v := range repository.FeeColumns(s.fees.Calculate(ctx, payment.TenantID, payment.Amount, ev.GatewayFee)) {
		updates[k] = v
	}

	_, err := s.apply(ctx, &transition{
		payment:  payment,
		to:       model.PaymentAuthorized,
		guard:    repository.Guard{From: []model.PaymentStatus{model.PaymentPending}},
		updates:  updates,
		actorID:  actor.ActorID,
		reason:   "authorization confirmed by gateway",
		metadata: meta,
		claim:    true,
	})
	if errors.Is(err, errAuthorizationConflict) {
		hold := ev.AuthorizationID
		if hold == "" {
			hold = ev.TransactionID
		}
		s.orphanHold(ctx, actor, payment, hold, nil)
		return nil
	}
	return err
}

func (s *paymentServiceImpl) reconcileSucceeded(ctx context.Context, actor Principal, payment *model.Payment, ev *gateway.Event, meta map[string]interface{}) error {
	if payment.PaymentStatus.Settled() {
		return nil
	}
	if payment.PaymentStatus.Terminal() {
		// money moved for a payment we gave up on; needs a human
		s.logger.WarnContext(ctx, "gateway reports success for closed payment",
			"payment_id", payment.ID, "status", payment.PaymentStatus, "event_id", ev.ID)
		return nil
	}

	amount := payment.Amount
	if ev.Amount > 0 && ev.Amount < payment.Amount {
		amount = ev.Amount
	}
	gatewayFee := ev.GatewayFee
	if gatewayFee == 0 {
		gatewayFee = payment.Fees.GatewayFee
	}

	now := s.now()
	updates := map[string]interface{}{
		"amount":      amount,
		"captured_at": now,
	}
	if payment.AuthorizedAt == nil {
		updates["authorized_at"] = now
	}
	setGatewayIDs(updates, ev)
	for k, v := range repository.FeeColumns(s.fees.Calculate(ctx, payment.TenantID, amount, gatewayFee)) {
		updates[k] = v
	}

	_, err := s.apply(ctx, &transition{
		payment:  payment,
		to:       model.PaymentPaid,
		guard:    repository.Guard{From: model.SourcesOf(model.PaymentPaid)},
		updates:  updates,
		actorID:  actor.ActorID,
		reason:   "payment confirmed by gateway",
		metadata: meta,
	})
	return err
}

func (s *paymentServiceImpl) reconcileClosed(ctx context.Context, actor Principal, payment *model.Payment, to model.PaymentStatus, reason, notes string, meta map[string]interface{}) error {
	if !model.CanTransition(payment.PaymentStatus, to) {
		return nil
	}
	_, err := s.apply(ctx, &transition{
		payment:  payment,
		to:       to,
		guard:    repository.Guard{From: model.SourcesOf(to)},
		actorID:  actor.ActorID,
		reason:   reason,
		notes:    notes,
		metadata: meta,
	})
	return err
}

func (s *paymentServiceImpl) reconcileRefunded(ctx context.Context, actor Principal, payment *model.Payment, ev *gateway.Event, meta map[string]interface{}) error {
	current := payment
	withRow := ev.RefundID != ""
	for attempt := 0; attempt < 3; attempt++ {
		reported := min(ev.RefundedAmount, current.Amount)
		if reported <= current.RefundedAmount {
			return nil
		}
		if !current.PaymentStatus.Refundable() {
			if current.PaymentStatus == model.PaymentRefunded {
				return nil
			}
			// the success event has not been applied yet; retry later
			return apperror.Wrap(apperror.ErrInvalidState, "refund reported for %s payment %s", current.PaymentStatus, current.ID)
		}

		to := model.PaymentPartiallyRefunded
		if reported >= current.Amount {
			to = model.PaymentRefunded
		}
		seen := current.RefundedAmount
		meta["refunded_total"] = reported

		var refund *model.Refund
		if withRow {
			refund = &model.Refund{
				ID:              uuid.NewString(),
				PaymentID:       current.ID,
				TenantID:        current.TenantID,
				GatewayRefundID: ev.RefundID,
				Amount:          reported - seen,
				Currency:        current.Currency,
				Status:          "succeeded",
				ActorID:         actor.ActorID,
				CreatedAt:       s.now(),
			}
			meta["gateway_refund_id"] = ev.RefundID
		}

		applied, err := s.apply(ctx, &transition{
			payment: current,
			to:      to,
			guard: repository.Guard{
				From:           []model.PaymentStatus{model.PaymentPaid, model.PaymentPartiallyRefunded},
				RefundedAmount: &seen,
			},
			updates:  map[string]interface{}{"refunded_amount": reported},
			actorID:  actor.ActorID,
			reason:   "refund confirmed by gateway",
			metadata: meta,
			refund:   refund,
		})
		if errors.Is(err, errRefundRecorded) {
			// the API path recorded this refund; only a remainder is left
			withRow = false
		} else if err != nil || applied {
			return err
		}

		current, err = s.paymentRepo.Get(ctx, s.db, payment.TenantID, payment.ID)
		if err != nil {
			return err
		}
	}
	return fmt.Errorf("refund for payment %s kept racing, will retry", payment.ID)
}

// reconcileDispute narrates the dispute on the order and payment without
// changing either status.
func (s *paymentServiceImpl) reconcileDispute(ctx context.Context, actor Principal, payment *model.Payment, ev *gateway.Event, meta map[string]interface{}) error {
	if ev.Dispute == nil {
		return apperror.Wrap(apperror.ErrValidation, "dispute event %s has no dispute", ev.ID)
	}
	meta["dispute"] = ev.Dispute
	meta["payment_id"] = payment.ID

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		order, err := s.orderRepo.Get(ctx, tx, payment.TenantID, payment.OrderID)
		if err != nil {
			return fmt.Errorf("load order: %w", err)
		}

		current, err := s.paymentRepo.Get(ctx, tx, payment.TenantID, payment.ID)
		if err != nil {
			return err
		}
		var md map[string]interface{}
		if len(current.Metadata) > 0 {
			if err := json.Unmarshal(current.Metadata, &md); err != nil {
				md = map[string]interface{}{"previous": string(current.Metadata)}
			}
		}
		// absent or a stored JSON null
		if md == nil {
			md = map[string]interface{}{}
		}
		disputes, _ := md["disputes"].([]interface{})
		md["disputes"] = append(disputes, ev.Dispute)
		if err := s.paymentRepo.UpdateMetadata(ctx, tx, payment.TenantID, payment.ID, jsonColumn(md)); err != nil {
			return fmt.Errorf("attach dispute: %w", err)
		}

		s.logger.WarnContext(ctx, "dispute opened", "payment_id", payment.ID, "dispute_id", ev.Dispute.ID, "reason", ev.Dispute.Reason)
		return s.appendHistory(ctx, tx, order, order.PaymentStatus, order.PaymentStatus, actor.ActorID,
			"dispute opened", ev.Dispute.Reason, meta)
	})
}

func setGatewayIDs(updates map[string]interface{}, ev *gateway.Event) {
	if ev.TransactionID != "" {
		updates["gateway_transaction_id"] = ev.TransactionID
	}
	if ev.AuthorizationID != "" {
		updates["gateway_authorization_id"] = ev.AuthorizationID
	}
}
