package service

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"commerce-payments/internal/apperror"
	"commerce-payments/internal/gateway"
	"commerce-payments/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func assertFeeInvariants(t *testing.T, p *model.Payment) {
	t.Helper()
	assert.Equal(t, p.Fees.GatewayFee+p.Fees.PlatformFee, p.Fees.TotalFees)
	assert.Equal(t, p.Amount-p.Fees.TotalFees, p.Fees.NetAmount)
}

func TestAuthorizeThenCapture(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	order := env.newOrder(t, tenantA, 5000)

	p := env.authorize(t, order)
	assert.Equal(t, model.PaymentAuthorized, p.PaymentStatus)
	assert.Equal(t, int64(180), p.Fees.PlatformFee)
	assert.Equal(t, int64(4820), p.Fees.NetAmount)
	assertFeeInvariants(t, p)
	require.NotNil(t, p.AuthorizedAt)
	require.NotNil(t, p.AuthorizationExpiresAt)
	assert.Equal(t, DefaultAuthorizationTTL, p.AuthorizationExpiresAt.Sub(*p.AuthorizedAt))
	assert.Equal(t, model.PaymentAuthorized, env.order(t, order.ID).PaymentStatus)

	p, err := env.payments.Capture(ctx, merchant, CaptureRequest{OrderID: order.ID})
	require.NoError(t, err)
	assert.Equal(t, model.PaymentPaid, p.PaymentStatus)
	assert.NotNil(t, p.CapturedAt)
	assertFeeInvariants(t, p)

	o := env.order(t, order.ID)
	assert.Equal(t, model.PaymentPaid, o.PaymentStatus)
	assert.NotNil(t, o.PaidAt)

	assert.Len(t, env.historyTo(t, order, model.PaymentAuthorized), 1)
	assert.Len(t, env.historyTo(t, order, model.PaymentPaid), 1)
}

func TestCapture_Partial(t *testing.T) {
	env := newTestEnv(t)
	order := env.newOrder(t, tenantA, 5000)
	auth := env.authorize(t, order)

	p, err := env.payments.Capture(context.Background(), merchant, CaptureRequest{OrderID: order.ID, PaymentID: auth.ID, Amount: 3000})
	require.NoError(t, err)

	assert.Equal(t, model.PaymentPaid, p.PaymentStatus)
	assert.Equal(t, int64(3000), p.Amount)
	assert.Equal(t, int64(120), p.Fees.PlatformFee) // 90 + 30
	assertFeeInvariants(t, p)
}

func TestCapture_AmountAboveAuthorized(t *testing.T) {
	env := newTestEnv(t)
	order := env.newOrder(t, tenantA, 5000)
	auth := env.authorize(t, order)

	_, err := env.payments.Capture(context.Background(), merchant, CaptureRequest{OrderID: order.ID, Amount: 5001})
	assert.True(t, errors.Is(err, apperror.ErrInvalidAmount))
	assert.Equal(t, 0, env.gw.count("capture"))
	assert.Equal(t, model.PaymentAuthorized, env.payment(t, auth.ID).PaymentStatus)
}

func TestCapture_ExpiredAuthorization(t *testing.T) {
	env := newTestEnv(t)
	order := env.newOrder(t, tenantA, 5000)
	auth := env.authorize(t, order)

	env.clock.Advance(DefaultAuthorizationTTL)

	_, err := env.payments.Capture(context.Background(), merchant, CaptureRequest{OrderID: order.ID})
	assert.True(t, errors.Is(err, apperror.ErrAuthorizationExpired))
	assert.Equal(t, 0, env.gw.count("capture"))
	assert.Equal(t, model.PaymentAuthorized, env.payment(t, auth.ID).PaymentStatus)
}

func TestCapture_DeclineKeepsAuthorization(t *testing.T) {
	env := newTestEnv(t)
	order := env.newOrder(t, tenantA, 5000)
	auth := env.authorize(t, order)
	env.gw.captureFn = func(string, int64) (*gateway.Result, error) {
		return gateway.Declined(model.GatewayStripe, "payment_intent", "card_declined", "card was declined", []byte(`{"code":"card_declined"}`)), nil
	}

	_, err := env.payments.Capture(context.Background(), merchant, CaptureRequest{OrderID: order.ID})
	var gwErr *apperror.GatewayError
	require.True(t, errors.As(err, &gwErr))
	assert.False(t, gwErr.Ambiguous)

	p := env.payment(t, auth.ID)
	assert.Equal(t, model.PaymentAuthorized, p.PaymentStatus)
	assert.Contains(t, string(p.GatewayResponse), "card_declined")
}

func TestAuthorize_OnlyOneAuthorizedPerOrder(t *testing.T) {
	env := newTestEnv(t)
	order := env.newOrder(t, tenantA, 5000)
	env.authorize(t, order)

	_, err := env.payments.Authorize(context.Background(), merchant, AuthorizeRequest{
		OrderID: order.ID, PaymentMethod: "pm_card_visa", Gateway: model.GatewayStripe,
	})
	assert.True(t, errors.Is(err, apperror.ErrInvalidState))
	assert.Equal(t, 1, env.gw.count("authorize"))
}

func TestAuthorize_ExpiredHoldIsReplaced(t *testing.T) {
	env := newTestEnv(t)
	order := env.newOrder(t, tenantA, 5000)
	first := env.authorize(t, order)

	env.clock.Advance(DefaultAuthorizationTTL + time.Hour)
	second := env.authorize(t, order)

	assert.Equal(t, model.PaymentCancelled, env.payment(t, first.ID).PaymentStatus)
	assert.Equal(t, model.PaymentAuthorized, second.PaymentStatus)
	assert.Equal(t, model.PaymentAuthorized, env.order(t, order.ID).PaymentStatus)
}

func TestAuthorize_DeclineRecordsFailure(t *testing.T) {
	env := newTestEnv(t)
	order := env.newOrder(t, tenantA, 5000)
	env.gw.authorizeFn = func(req *gateway.Request) (*gateway.Result, error) {
		return gateway.Declined(model.GatewayStripe, "payment_intent", "insufficient_funds", "insufficient funds", nil), nil
	}

	_, err := env.payments.Authorize(context.Background(), merchant, AuthorizeRequest{
		OrderID: order.ID, PaymentMethod: "pm_card_visa", Gateway: model.GatewayStripe,
	})
	var gwErr *apperror.GatewayError
	require.True(t, errors.As(err, &gwErr))
	assert.Equal(t, "insufficient funds", gwErr.Message)

	failed := env.historyTo(t, order, model.PaymentFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, model.PaymentFailed, env.order(t, order.ID).PaymentStatus)
}

func TestAuthorize_Validation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	order := env.newOrder(t, tenantA, 5000)

	_, err := env.payments.Authorize(ctx, merchant, AuthorizeRequest{OrderID: order.ID, Gateway: model.GatewayStripe})
	assert.True(t, errors.Is(err, apperror.ErrValidation))

	_, err = env.payments.Authorize(ctx, merchant, AuthorizeRequest{OrderID: order.ID, PaymentMethod: "pm", Gateway: model.GatewayStripe, Amount: 6000})
	assert.True(t, errors.Is(err, apperror.ErrInvalidAmount))

	_, err = env.payments.Authorize(ctx, merchant, AuthorizeRequest{OrderID: order.ID, PaymentMethod: "pm", Gateway: "square"})
	assert.True(t, errors.Is(err, apperror.ErrUnsupportedGateway))

	_, err = env.payments.Authorize(ctx, merchant, AuthorizeRequest{OrderID: order.ID, PaymentMethod: "pm", Gateway: model.GatewayPaypal})
	assert.True(t, errors.Is(err, apperror.ErrUnsupportedGateway))

	_, err = env.payments.Authorize(ctx, merchant, AuthorizeRequest{OrderID: "missing", PaymentMethod: "pm", Gateway: model.GatewayStripe})
	assert.True(t, errors.Is(err, apperror.ErrNotFound))
}

func TestAuthorize_UnconfiguredGateway(t *testing.T) {
	env := newTestEnv(t)
	order := env.newOrder(t, tenantA, 5000)
	require.NoError(t, env.tenantRepo.UpsertGateway(context.Background(), &model.TenantGateway{
		TenantID: tenantA, GatewayType: model.GatewayStripe, Currency: "USD", Enabled: false,
	}))

	_, err := env.payments.Authorize(context.Background(), merchant, AuthorizeRequest{
		OrderID: order.ID, PaymentMethod: "pm", Gateway: model.GatewayStripe,
	})
	assert.True(t, errors.Is(err, apperror.ErrConfiguration))
}

func TestCrossTenantAccessIsForbidden(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	order := env.newOrder(t, tenantA, 5000)
	paid := env.charge(t, order)

	_, err := env.payments.Authorize(ctx, stranger, AuthorizeRequest{OrderID: order.ID, PaymentMethod: "pm", Gateway: model.GatewayStripe})
	assert.True(t, errors.Is(err, apperror.ErrForbidden))

	_, err = env.payments.Refund(ctx, stranger, RefundRequest{PaymentID: paid.ID})
	assert.True(t, errors.Is(err, apperror.ErrForbidden))

	_, err = env.payments.GetPayment(ctx, stranger, paid.ID)
	assert.True(t, errors.Is(err, apperror.ErrForbidden))

	_, err = env.payments.History(ctx, stranger, order.ID)
	assert.True(t, errors.Is(err, apperror.ErrForbidden))

	assert.Equal(t, 0, env.gw.count("refund"))

	got, err := env.payments.GetPayment(ctx, operator, paid.ID)
	require.NoError(t, err)
	assert.Equal(t, paid.ID, got.ID)
}

func TestCharge(t *testing.T) {
	env := newTestEnv(t)
	order := env.newOrder(t, tenantA, 5000)
	env.gw.chargeFn = func(req *gateway.Request) (*gateway.Result, error) {
		return okResult("pi_"+req.Reference, 175), nil
	}

	p := env.charge(t, order)
	assert.Equal(t, model.PaymentPaid, p.PaymentStatus)
	require.NotNil(t, p.AuthorizedAt)
	require.NotNil(t, p.CapturedAt)
	assert.True(t, p.AuthorizedAt.Equal(*p.CapturedAt))
	assert.Equal(t, int64(175), p.Fees.GatewayFee)
	assert.Equal(t, int64(355), p.Fees.TotalFees)
	assertFeeInvariants(t, p)
	assert.Equal(t, model.PaymentPaid, env.order(t, order.ID).PaymentStatus)

	_, err := env.payments.Charge(context.Background(), merchant, AuthorizeRequest{OrderID: order.ID, PaymentMethod: "pm", Gateway: model.GatewayStripe})
	assert.True(t, errors.Is(err, apperror.ErrInvalidState))
}

func TestRefund_PartialThenFull(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	order := env.newOrder(t, tenantA, 5000)
	paid := env.charge(t, order)

	p, err := env.payments.Refund(ctx, merchant, RefundRequest{PaymentID: paid.ID, Amount: 2000, Reason: "damaged"})
	require.NoError(t, err)
	assert.Equal(t, model.PaymentPartiallyRefunded, p.PaymentStatus)
	assert.Equal(t, int64(2000), p.RefundedAmount)
	assert.Equal(t, model.PaymentPartiallyRefunded, env.order(t, order.ID).PaymentStatus)

	// more than what is left
	_, err = env.payments.Refund(ctx, merchant, RefundRequest{PaymentID: paid.ID, Amount: 3001})
	assert.True(t, errors.Is(err, apperror.ErrInvalidAmount))
	assert.Equal(t, 1, env.gw.count("refund"))

	p, err = env.payments.Refund(ctx, merchant, RefundRequest{PaymentID: paid.ID, Amount: 3000})
	require.NoError(t, err)
	assert.Equal(t, model.PaymentRefunded, p.PaymentStatus)
	assert.Equal(t, int64(5000), p.RefundedAmount)
	assert.Equal(t, model.PaymentRefunded, env.order(t, order.ID).PaymentStatus)

	_, err = env.payments.Refund(ctx, merchant, RefundRequest{PaymentID: paid.ID, Amount: 1})
	assert.True(t, errors.Is(err, apperror.ErrInvalidState))
	assert.Equal(t, 2, env.gw.count("refund"))

	refunds, err := env.payments.ListRefunds(ctx, merchant, paid.ID)
	require.NoError(t, err)
	require.Len(t, refunds, 2)
	assert.Equal(t, "damaged", refunds[0].Reason)
}

func TestRefund_DefaultsToRemaining(t *testing.T) {
	env := newTestEnv(t)
	order := env.newOrder(t, tenantA, 5000)
	paid := env.charge(t, order)

	p, err := env.payments.Refund(context.Background(), merchant, RefundRequest{PaymentID: paid.ID})
	require.NoError(t, err)
	assert.Equal(t, model.PaymentRefunded, p.PaymentStatus)
	assert.Equal(t, int64(5000), p.RefundedAmount)
}

func TestRefund_NotPaid(t *testing.T) {
	env := newTestEnv(t)
	order := env.newOrder(t, tenantA, 5000)
	auth := env.authorize(t, order)

	_, err := env.payments.Refund(context.Background(), merchant, RefundRequest{PaymentID: auth.ID, Amount: 100})
	assert.True(t, errors.Is(err, apperror.ErrInvalidState))
	assert.Equal(t, 0, env.gw.count("refund"))
}

func TestCharge_TimeoutLeavesPaymentPending(t *testing.T) {
	env := newTestEnv(t)
	order := env.newOrder(t, tenantA, 5000)
	env.gw.chargeFn = func(req *gateway.Request) (*gateway.Result, error) {
		return nil, context.DeadlineExceeded
	}

	_, err := env.payments.Charge(context.Background(), merchant, AuthorizeRequest{
		OrderID: order.ID, PaymentMethod: "pm", Gateway: model.GatewayStripe,
	})
	var gwErr *apperror.GatewayError
	require.True(t, errors.As(err, &gwErr))
	assert.True(t, gwErr.Ambiguous)

	var payments []*model.Payment
	require.NoError(t, env.db.Where("order_id = ?", order.ID).Find(&payments).Error)
	require.Len(t, payments, 1)
	assert.Equal(t, model.PaymentPending, payments[0].PaymentStatus)
	assert.Contains(t, string(payments[0].GatewayResponse), "unknown")
	assert.Empty(t, env.historyTo(t, order, model.PaymentPaid))
}

func TestAuthorize_TimedOutAttemptsSettleToOneHold(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	order := env.newOrder(t, tenantA, 5000)
	env.gw.authorizeFn = func(req *gateway.Request) (*gateway.Result, error) {
		return nil, context.DeadlineExceeded
	}

	for i := 0; i < 2; i++ {
		_, err := env.payments.Authorize(ctx, merchant, AuthorizeRequest{OrderID: order.ID, PaymentMethod: "pm", Gateway: model.GatewayStripe})
		require.Error(t, err)
	}
	attempts, err := env.paymentRepo.ListByOrder(ctx, env.db, tenantA, order.ID)
	require.NoError(t, err)
	require.Len(t, attempts, 2)

	// both holds turn out to have succeeded at the gateway
	for i, p := range attempts {
		require.NoError(t, env.payments.Reconcile(ctx, tenantA, &gateway.Event{
			ID:              fmt.Sprintf("evt_auth_%d", i),
			Kind:            gateway.EventPaymentAuthorized,
			Gateway:         model.GatewayStripe,
			AuthorizationID: fmt.Sprintf("pi_hold_%d", i),
			Reference:       p.ID,
		}))
		assert.Equal(t, model.PaymentAuthorized, env.order(t, order.ID).PaymentStatus)
	}

	var held int64
	require.NoError(t, env.db.Model(&model.Payment{}).
		Where("order_id = ? AND payment_status = ?", order.ID, model.PaymentAuthorized).
		Count(&held).Error)
	assert.Equal(t, int64(1), held)
	assert.Equal(t, model.PaymentAuthorized, env.payment(t, attempts[0].ID).PaymentStatus)

	orphan := env.payment(t, attempts[1].ID)
	assert.Equal(t, model.PaymentCancelled, orphan.PaymentStatus)
	assert.Equal(t, "pi_hold_1", orphan.GatewayAuthorizationID)

	cancelled := env.historyTo(t, order, model.PaymentCancelled)
	require.Len(t, cancelled, 1)
	assert.Contains(t, string(cancelled[0].Metadata), `"orphaned_authorization_id":"pi_hold_1"`)
}

func TestAuthorize_WebhookClaimsOrderDuringGatewayCall(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	order := env.newOrder(t, tenantA, 5000)
	env.gw.authorizeFn = func(req *gateway.Request) (*gateway.Result, error) {
		return nil, context.DeadlineExceeded
	}
	_, err := env.payments.Authorize(ctx, merchant, AuthorizeRequest{OrderID: order.ID, PaymentMethod: "pm", Gateway: model.GatewayStripe})
	require.Error(t, err)

	var first model.Payment
	require.NoError(t, env.db.Where("order_id = ?", order.ID).First(&first).Error)

	env.gw.authorizeFn = func(req *gateway.Request) (*gateway.Result, error) {
		// the first attempt's confirmation lands while this call is in flight
		require.NoError(t, env.payments.Reconcile(ctx, tenantA, &gateway.Event{
			ID:              "evt_first",
			Kind:            gateway.EventPaymentAuthorized,
			Gateway:         model.GatewayStripe,
			AuthorizationID: "pi_first",
			Reference:       first.ID,
		}))
		return okResult("pi_second", 0), nil
	}
	_, err = env.payments.Authorize(ctx, merchant, AuthorizeRequest{OrderID: order.ID, PaymentMethod: "pm", Gateway: model.GatewayStripe})
	assert.True(t, errors.Is(err, apperror.ErrInvalidState))

	assert.Equal(t, model.PaymentAuthorized, env.payment(t, first.ID).PaymentStatus)
	assert.Equal(t, model.PaymentAuthorized, env.order(t, order.ID).PaymentStatus)

	var second model.Payment
	require.NoError(t, env.db.Where("order_id = ? AND id <> ?", order.ID, first.ID).First(&second).Error)
	assert.Equal(t, model.PaymentCancelled, second.PaymentStatus)
	assert.Equal(t, "pi_second", second.GatewayAuthorizationID)

	cancelled := env.historyTo(t, order, model.PaymentCancelled)
	require.Len(t, cancelled, 1)
	assert.Equal(t, "authorization hold must be voided at the gateway", cancelled[0].Notes)
	assert.Contains(t, string(cancelled[0].Metadata), `"orphaned_authorization_id":"pi_second"`)
}

func TestRefund_ConcurrentRefundsBothCount(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	order := env.newOrder(t, tenantA, 5000)
	paid := env.charge(t, order)

	issued := 0
	env.gw.refundFn = func(transactionID string, amount int64) (*gateway.RefundResult, error) {
		if issued == 0 {
			issued++
			// a second refund completes while the first is at the gateway
			_, err := env.payments.Refund(ctx, merchant, RefundRequest{PaymentID: paid.ID, Amount: 2000})
			require.NoError(t, err)
		} else {
			issued++
		}
		return &gateway.RefundResult{
			Success:  true,
			RefundID: fmt.Sprintf("re_%d", issued),
			Status:   "succeeded",
			Amount:   amount,
			Currency: "USD",
			Response: gateway.Response{Gateway: model.GatewayStripe, Object: "refund", Status: "succeeded"},
		}, nil
	}

	p, err := env.payments.Refund(ctx, merchant, RefundRequest{PaymentID: paid.ID, Amount: 2000})
	require.NoError(t, err)
	assert.Equal(t, 2, env.gw.count("refund"))
	assert.Equal(t, int64(4000), p.RefundedAmount)
	assert.Equal(t, model.PaymentPartiallyRefunded, p.PaymentStatus)

	refunds, err := env.payments.ListRefunds(ctx, merchant, paid.ID)
	require.NoError(t, err)
	assert.Len(t, refunds, 2)

	// only 1000 is left to refund
	_, err = env.payments.Refund(ctx, merchant, RefundRequest{PaymentID: paid.ID, Amount: 2000})
	assert.True(t, errors.Is(err, apperror.ErrInvalidAmount))
	assert.Equal(t, 2, env.gw.count("refund"))
}

func TestRefund_WebhookAppliedFirstCountsOnce(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	order := env.newOrder(t, tenantA, 5000)
	paid := env.charge(t, order)

	env.gw.refundFn = func(transactionID string, amount int64) (*gateway.RefundResult, error) {
		require.NoError(t, env.payments.Reconcile(ctx, tenantA, &gateway.Event{
			ID:             "evt_re_1",
			Kind:           gateway.EventChargeRefunded,
			Gateway:        model.GatewayStripe,
			TransactionID:  transactionID,
			RefundedAmount: 2000,
			RefundID:       "re_1",
		}))
		return &gateway.RefundResult{Success: true, RefundID: "re_1", Status: "succeeded", Amount: amount, Currency: "USD"}, nil
	}

	p, err := env.payments.Refund(ctx, merchant, RefundRequest{PaymentID: paid.ID, Amount: 2000})
	require.NoError(t, err)
	assert.Equal(t, int64(2000), p.RefundedAmount)
	assert.Equal(t, model.PaymentPartiallyRefunded, p.PaymentStatus)

	refunds, err := env.payments.ListRefunds(ctx, merchant, paid.ID)
	require.NoError(t, err)
	require.Len(t, refunds, 1)
	assert.Equal(t, "re_1", refunds[0].GatewayRefundID)
	assert.Equal(t, int64(2000), refunds[0].Amount)
	assert.Len(t, env.historyTo(t, order, model.PaymentPartiallyRefunded), 1)
}

func TestJSONColumn_NilMap(t *testing.T) {
	assert.Nil(t, jsonColumn(map[string]string(nil)))
	assert.Nil(t, jsonColumn(nil))
	assert.JSONEq(t, `{"a":"b"}`, string(jsonColumn(map[string]string{"a": "b"})))
}
