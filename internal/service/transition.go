package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"time"

	"commerce-payments/internal/event"
	"commerce-payments/internal/gateway"
	"commerce-payments/internal/model"
	"commerce-payments/internal/repository"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var (
	errAuthorizationConflict = errors.New("order already holds an authorized payment")
	// errRefundRecorded rolls back a refund transition whose gateway refund id
	// is already on file.
	errRefundRecorded = errors.New("gateway refund already recorded")
)

// transition is one guarded change of a payment's status together with the
// order bookkeeping that must commit with it.
type transition struct {
	payment *model.Payment
	to      model.PaymentStatus
	guard   repository.Guard
	updates map[string]interface{}

	actorID  string
	reason   string
	notes    string
	metadata map[string]interface{}

	refund *model.Refund
	// claim enforces a single authorized payment per order.
	claim bool
}

// apply commits t atomically and reports whether the guard matched. A false
// result means another writer moved the payment first; nothing was written.
func (s *paymentServiceImpl) apply(ctx context.Context, t *transition) (bool, error) {
	var (
		applied   bool
		fromOrder model.PaymentStatus
		toOrder   model.PaymentStatus
	)

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		p := t.payment

		order, err := s.orderRepo.Get(ctx, tx, p.TenantID, p.OrderID)
		if err != nil {
			return fmt.Errorf("load order: %w", err)
		}

		updates := t.updates
		if updates == nil {
			updates = map[string]interface{}{}
		}
		updates["payment_status"] = t.to

		ok, err := s.paymentRepo.Transition(ctx, tx, p.TenantID, p.ID, t.guard, updates)
		if err != nil {
			return fmt.Errorf("transition payment: %w", err)
		}
		if !ok {
			return nil
		}

		if t.claim {
			claimed, err := s.orderRepo.ClaimAuthorization(ctx, tx, p.TenantID, p.OrderID, p.ID)
			if err != nil {
				return fmt.Errorf("claim order: %w", err)
			}
			if !claimed {
				return errAuthorizationConflict
			}
		}

		if t.refund != nil {
			created, err := s.refundRepo.Create(ctx, tx, t.refund)
			if err != nil {
				return fmt.Errorf("record refund: %w", err)
			}
			if !created {
				return errRefundRecorded
			}
		}

		fromOrder, toOrder, err = s.syncOrder(ctx, tx, order)
		if err != nil {
			return err
		}

		meta := map[string]interface{}{
			"payment_id":   p.ID,
			"payment_from": p.PaymentStatus,
			"payment_to":   t.to,
			"gateway":      p.GatewayType,
		}
		for k, v := range t.metadata {
			meta[k] = v
		}
		if err := s.appendHistory(ctx, tx, order, fromOrder, toOrder, t.actorID, t.reason, t.notes, meta); err != nil {
			return err
		}

		applied = true
		return nil
	})
	if err != nil {
		return false, err
	}

	if applied {
		s.logger.InfoContext(ctx, "payment transitioned",
			"payment_id", t.payment.ID,
			"order_id", t.payment.OrderID,
			"tenant_id", t.payment.TenantID,
			"from", t.payment.PaymentStatus,
			"to", t.to,
			"order_from", fromOrder,
			"order_to", toOrder,
		)
		s.publish(ctx, t)
	}
	return applied, nil
}

// syncOrder recomputes the order's denormalized payment_status from its
// payments, inside tx.
func (s *paymentServiceImpl) syncOrder(ctx context.Context, tx *gorm.DB, order *model.Order) (model.PaymentStatus, model.PaymentStatus, error) {
	payments, err := s.paymentRepo.ListByOrder(ctx, tx, order.TenantID, order.ID)
	if err != nil {
		return "", "", fmt.Errorf("list order payments: %w", err)
	}
	status := model.DerivePaymentStatus(payments)

	var paidAt *time.Time
	if status == model.PaymentPaid && order.PaidAt == nil {
		now := s.now()
		paidAt = &now
	}
	if err := s.orderRepo.UpdatePaymentStatus(ctx, tx, order.TenantID, order.ID, status, paidAt); err != nil {
		return "", "", fmt.Errorf("update order payment status: %w", err)
	}
	return order.PaymentStatus, status, nil
}

func (s *paymentServiceImpl) appendHistory(ctx context.Context, tx *gorm.DB, order *model.Order, from, to model.PaymentStatus, actorID, reason, notes string, meta map[string]interface{}) error {
	entry := &model.OrderStatusHistory{
		ID:         uuid.NewString(),
		OrderID:    order.ID,
		TenantID:   order.TenantID,
		FromStatus: string(from),
		ToStatus:   string(to),
		ActorID:    actorID,
		Reason:     reason,
		Notes:      notes,
		Metadata:   jsonColumn(meta),
		CreatedAt:  s.now(),
	}
	if err := s.historyRepo.Append(ctx, tx, entry); err != nil {
		return fmt.Errorf("append history: %w", err)
	}
	return nil
}

func (s *paymentServiceImpl) publish(ctx context.Context, t *transition) {
	p := t.payment
	amount := p.Amount
	if v, ok := t.updates["amount"].(int64); ok {
		amount = v
	}

	err := s.publisher.PaymentStatusChanged(context.WithoutCancel(ctx), event.PaymentStatusChanged{
		Type:       event.TypePaymentStatusChanged,
		TenantID:   p.TenantID,
		OrderID:    p.OrderID,
		PaymentID:  p.ID,
		Gateway:    string(p.GatewayType),
		FromStatus: string(p.PaymentStatus),
		ToStatus:   string(t.to),
		Amount:     amount,
		Currency:   p.Currency,
		ActorID:    t.actorID,
		Reason:     t.reason,
		OccurredAt: s.now(),
	})
	if err != nil {
		s.logger.WarnContext(ctx, "publish status change failed", "payment_id", p.ID, "error", err)
	}
}

// createPending stores the bookkeeping row that exists while a gateway call
// is in flight.
func (s *paymentServiceImpl) createPending(ctx context.Context, p *model.Payment) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		order, err := s.orderRepo.Get(ctx, tx, p.TenantID, p.OrderID)
		if err != nil {
			return fmt.Errorf("load order: %w", err)
		}
		if err := s.paymentRepo.Create(ctx, tx, p); err != nil {
			return fmt.Errorf("create payment: %w", err)
		}
		_, _, err = s.syncOrder(ctx, tx, order)
		return err
	})
}

// saveResponse records a gateway response without touching status. Failures
// are logged; the caller already has a more relevant error to return.
func (s *paymentServiceImpl) saveResponse(ctx context.Context, p *model.Payment, resp []byte) {
	if err := s.paymentRepo.SaveGatewayResponse(ctx, p.TenantID, p.ID, resp); err != nil {
		s.logger.ErrorContext(ctx, "save gateway response failed", "payment_id", p.ID, "error", err)
	}
}

func successUpdates(res *gateway.Result, fees model.FeeBreakdown) map[string]interface{} {
	updates := map[string]interface{}{
		"gateway_response": datatypes.JSON(res.Response.JSON()),
	}
	if res.TransactionID != "" {
		updates["gateway_transaction_id"] = res.TransactionID
	}
	if res.AuthorizationID != "" {
		updates["gateway_authorization_id"] = res.AuthorizationID
	}
	for k, v := range repository.FeeColumns(fees) {
		updates[k] = v
	}
	return updates
}

func jsonColumn(v interface{}) datatypes.JSON {
	if v == nil {
		return nil
	}
	if rv := reflect.ValueOf(v); rv.Kind() == reflect.Map && rv.IsNil() {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return datatypes.JSON(b)
}
