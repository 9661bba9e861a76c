package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"commerce-payments/internal/apperror"
	"commerce-payments/internal/gateway"
	"commerce-payments/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/webhook"
)

const testStripeSecret = "whsec_test_secret"

func stripeVerifierForTest(t *testing.T) gateway.Verifier {
	t.Helper()
	v, err := StripeFactory{}.NewVerifier(&model.TenantGateway{WebhookSecret: testStripeSecret})
	require.NoError(t, err)
	return v
}

func signedStripeHeaders(payload []byte, secret string) http.Header {
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    secret,
		Timestamp: time.Now(),
	})
	h := http.Header{}
	h.Set("Stripe-Signature", signed.Header)
	return h
}

func TestStripeVerifier_PaymentSucceeded(t *testing.T) {
	payload := []byte(`{
		"id": "evt_1",
		"object": "event",
		"type": "payment_intent.succeeded",
		"data": {"object": {
			"id": "pi_123",
			"object": "payment_intent",
			"status": "succeeded",
			"amount": 5000,
			"amount_received": 5000,
			"metadata": {"payment_id": "pay_local"},
			"latest_charge": {"id": "ch_1", "object": "charge", "balance_transaction": {"id": "txn_1", "object": "balance_transaction", "fee": 175}}
		}}
	}`)

	ev, err := stripeVerifierForTest(t).VerifyAndParse(context.Background(), signedStripeHeaders(payload, testStripeSecret), payload)
	require.NoError(t, err)

	assert.Equal(t, "evt_1", ev.ID)
	assert.Equal(t, gateway.EventPaymentSucceeded, ev.Kind)
	assert.Equal(t, "pi_123", ev.TransactionID)
	assert.Equal(t, "pay_local", ev.Reference)
	assert.Equal(t, int64(5000), ev.Amount)
	assert.Equal(t, int64(175), ev.GatewayFee)
}

func TestStripeVerifier_ChargeRefundedIsCumulative(t *testing.T) {
	payload := []byte(`{
		"id": "evt_2",
		"object": "event",
		"type": "charge.refunded",
		"data": {"object": {
			"id": "ch_1",
			"object": "charge",
			"amount": 10000,
			"amount_refunded": 7000,
			"payment_intent": "pi_123"
		}}
	}`)

	ev, err := stripeVerifierForTest(t).VerifyAndParse(context.Background(), signedStripeHeaders(payload, testStripeSecret), payload)
	require.NoError(t, err)

	assert.Equal(t, gateway.EventChargeRefunded, ev.Kind)
	assert.Equal(t, "pi_123", ev.TransactionID)
	assert.Equal(t, int64(7000), ev.RefundedAmount)
}

func TestStripeVerifier_RejectsBadSignature(t *testing.T) {
	payload := []byte(`{"id":"evt_3","object":"event","type":"payment_intent.succeeded","data":{"object":{}}}`)

	_, err := stripeVerifierForTest(t).VerifyAndParse(context.Background(), signedStripeHeaders(payload, "whsec_other"), payload)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperror.ErrSignatureVerification))
}

func TestStripeVerifier_UnknownTypeIsKept(t *testing.T) {
	payload := []byte(`{"id":"evt_4","object":"event","type":"customer.created","data":{"object":{"id":"cus_1","object":"customer"}}}`)

	ev, err := stripeVerifierForTest(t).VerifyAndParse(context.Background(), signedStripeHeaders(payload, testStripeSecret), payload)
	require.NoError(t, err)
	assert.Equal(t, gateway.EventUnknown, ev.Kind)
	assert.Equal(t, "customer.created", ev.Type)
}

func stripeGatewayForTest(t *testing.T, handler http.HandlerFunc) gateway.Gateway {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	backend := stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
		URL:               stripe.String(srv.URL),
		MaxNetworkRetries: stripe.Int64(0),
		LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelNull},
	})
	gw, err := StripeFactory{Backends: &stripe.Backends{API: backend, Connect: backend, Uploads: backend}}.
		NewGateway(&model.TenantGateway{SecretKey: "sk_test_123"})
	require.NoError(t, err)
	return gw
}

func TestStripeGateway_AuthorizeRequiresCapture(t *testing.T) {
	gw := stripeGatewayForTest(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/payment_intents", r.URL.Path)
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "manual", r.PostForm.Get("capture_method"))
		assert.Equal(t, "pay_1", r.PostForm.Get("metadata[payment_id]"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"pi_1","object":"payment_intent","status":"requires_capture","amount":5000,
			"latest_charge":{"id":"ch_1","object":"charge","balance_transaction":{"id":"txn_1","object":"balance_transaction","fee":175}}}`))
	})

	res, err := gw.Authorize(context.Background(), &gateway.Request{Reference: "pay_1", Amount: 5000, Currency: "USD", PaymentMethod: "pm_card_visa"})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "pi_1", res.AuthorizationID)
	assert.Equal(t, int64(175), res.GatewayFee)
}

func TestStripeGateway_CardDeclinedIsDefinite(t *testing.T) {
	gw := stripeGatewayForTest(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusPaymentRequired)
		_, _ = w.Write([]byte(`{"error":{"type":"card_error","code":"card_declined","message":"Your card was declined."}}`))
	})

	res, err := gw.Charge(context.Background(), &gateway.Request{Reference: "pay_2", Amount: 5000, Currency: "USD", PaymentMethod: "pm_card_chargeDeclined"})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "declined")
}

func TestStripeGateway_ServerErrorIsAmbiguous(t *testing.T) {
	gw := stripeGatewayForTest(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":{"type":"api_error","message":"boom"}}`))
	})

	res, err := gw.Charge(context.Background(), &gateway.Request{Reference: "pay_3", Amount: 5000, Currency: "USD", PaymentMethod: "pm_card_visa"})
	require.Error(t, err)
	assert.Nil(t, res)

	var gwErr *apperror.GatewayError
	require.True(t, errors.As(err, &gwErr))
	assert.True(t, gwErr.Ambiguous)
	assert.NotContains(t, err.Error(), "boom")
}
