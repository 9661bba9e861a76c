package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"commerce-payments/internal/apperror"
	"commerce-payments/internal/gateway"
	"commerce-payments/internal/model"

	"github.com/stripe/stripe-go/v79"
	stripeclient "github.com/stripe/stripe-go/v79/client"
	"github.com/stripe/stripe-go/v79/webhook"
)

const stripeReferenceKey = "payment_id"

// StripeFactory builds Stripe adapters. Backends is only set in tests.
type StripeFactory struct {
	Backends *stripe.Backends
}

func (f StripeFactory) NewGateway(cfg *model.TenantGateway) (gateway.Gateway, error) {
	if cfg.SecretKey == "" {
		return nil, fmt.Errorf("stripe secret key is empty")
	}
	sc := &stripeclient.API{}
	sc.Init(cfg.SecretKey, f.Backends)

	return &stripeGateway{client: sc}, nil
}

func (f StripeFactory) NewVerifier(cfg *model.TenantGateway) (gateway.Verifier, error) {
	if cfg.WebhookSecret == "" {
		return nil, fmt.Errorf("stripe webhook secret is empty")
	}
	return &stripeVerifier{secret: cfg.WebhookSecret}, nil
}

type stripeGateway struct {
	client *stripeclient.API
}

func (g *stripeGateway) Type() model.GatewayType {
	return model.GatewayStripe
}

func (g *stripeGateway) Authorize(ctx context.Context, req *gateway.Request) (*gateway.Result, error) {
	params := g.intentParams(ctx, req)
	params.CaptureMethod = stripe.String(string(stripe.PaymentIntentCaptureMethodManual))
	params.IdempotencyKey = stripe.String(req.Reference + ":authorize")

	pi, err := g.client.PaymentIntents.New(params)
	if err != nil {
		return g.mapError("payment_intent", err)
	}
	if pi.Status != stripe.PaymentIntentStatusRequiresCapture {
		return gateway.Declined(model.GatewayStripe, "payment_intent", string(pi.Status),
			fmt.Sprintf("payment intent is %s", pi.Status), rawResponse(pi.LastResponse)), nil
	}

	return g.intentResult(pi), nil
}

func (g *stripeGateway) Capture(ctx context.Context, authorizationID string, amount int64, currency string) (*gateway.Result, error) {
	params := &stripe.PaymentIntentCaptureParams{
		AmountToCapture: stripe.Int64(amount),
	}
	params.Context = ctx
	params.AddExpand("latest_charge.balance_transaction")

	pi, err := g.client.PaymentIntents.Capture(authorizationID, params)
	if err != nil {
		return g.mapError("payment_intent", err)
	}
	if pi.Status != stripe.PaymentIntentStatusSucceeded {
		return gateway.Declined(model.GatewayStripe, "payment_intent", string(pi.Status),
			fmt.Sprintf("capture left payment intent %s", pi.Status), rawResponse(pi.LastResponse)), nil
	}

	return g.intentResult(pi), nil
}

func (g *stripeGateway) Charge(ctx context.Context, req *gateway.Request) (*gateway.Result, error) {
	params := g.intentParams(ctx, req)
	params.IdempotencyKey = stripe.String(req.Reference + ":charge")

	pi, err := g.client.PaymentIntents.New(params)
	if err != nil {
		return g.mapError("payment_intent", err)
	}
	// requires_action means the bank wants 3DS; server-side we cannot do it
	if pi.Status != stripe.PaymentIntentStatusSucceeded {
		return gateway.Declined(model.GatewayStripe, "payment_intent", string(pi.Status),
			fmt.Sprintf("payment intent is %s", pi.Status), rawResponse(pi.LastResponse)), nil
	}

	return g.intentResult(pi), nil
}

func (g *stripeGateway) Refund(ctx context.Context, transactionID string, amount int64, currency, reason string) (*gateway.RefundResult, error) {
	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(transactionID),
		Amount:        stripe.Int64(amount),
		Reason:        stripe.String(string(stripe.RefundReasonRequestedByCustomer)),
	}
	params.Context = ctx
	if reason != "" {
		params.AddMetadata("reason", reason)
	}

	rf, err := g.client.Refunds.New(params)
	if err != nil {
		res, mapped := g.mapError("refund", err)
		if mapped != nil {
			return nil, mapped
		}
		return &gateway.RefundResult{Success: false, Error: res.Error, Response: res.Response}, nil
	}

	resp := gateway.Response{
		Gateway: model.GatewayStripe,
		Object:  "refund",
		Status:  string(rf.Status),
		Raw:     gateway.RawJSON(rawResponse(rf.LastResponse)),
	}
	if rf.Status == stripe.RefundStatusFailed || rf.Status == stripe.RefundStatusCanceled {
		resp.Error = fmt.Sprintf("refund %s", rf.Status)
		return &gateway.RefundResult{Success: false, RefundID: rf.ID, Status: string(rf.Status), Error: resp.Error, Response: resp}, nil
	}

	return &gateway.RefundResult{
		Success:  true,
		RefundID: rf.ID,
		Status:   string(rf.Status),
		Amount:   rf.Amount,
		Currency: strings.ToUpper(string(rf.Currency)),
		Response: resp,
	}, nil
}

func (g *stripeGateway) intentParams(ctx context.Context, req *gateway.Request) *stripe.PaymentIntentParams {
	params := &stripe.PaymentIntentParams{
		Amount:             stripe.Int64(req.Amount),
		Currency:           stripe.String(strings.ToLower(req.Currency)),
		PaymentMethod:      stripe.String(req.PaymentMethod),
		PaymentMethodTypes: stripe.StringSlice([]string{"card"}),
		Confirm:            stripe.Bool(true),
	}
	if req.Description != "" {
		params.Description = stripe.String(req.Description)
	}
	params.AddMetadata(stripeReferenceKey, req.Reference)
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}
	params.AddExpand("latest_charge.balance_transaction")
	params.Context = ctx
	return params
}

func (g *stripeGateway) intentResult(pi *stripe.PaymentIntent) *gateway.Result {
	var fee int64
	if pi.LatestCharge != nil && pi.LatestCharge.BalanceTransaction != nil {
		fee = pi.LatestCharge.BalanceTransaction.Fee
	}
	return &gateway.Result{
		Success:         true,
		AuthorizationID: pi.ID,
		TransactionID:   pi.ID,
		GatewayFee:      fee,
		Response: gateway.Response{
			Gateway: model.GatewayStripe,
			Object:  "payment_intent",
			Status:  string(pi.Status),
			Raw:     gateway.RawJSON(rawResponse(pi.LastResponse)),
		},
	}
}

// mapError splits stripe errors into definite declines (a result) and
// outcomes we cannot know (an error).
func (g *stripeGateway) mapError(object string, err error) (*gateway.Result, error) {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) && stripeErr.HTTPStatusCode >= 400 && stripeErr.HTTPStatusCode < http.StatusInternalServerError &&
		stripeErr.Code != stripe.ErrorCodeRateLimit && stripeErr.Code != stripe.ErrorCodeLockTimeout {
		msg := stripeErr.Msg
		switch stripeErr.Code {
		case stripe.ErrorCodeCardDeclined:
			msg = "card was declined: " + stripeErr.Msg
		case stripe.ErrorCodeExpiredCard:
			msg = "card has expired"
		case stripe.ErrorCodeBalanceInsufficient:
			msg = "insufficient funds"
		}
		return gateway.Declined(model.GatewayStripe, object, string(stripeErr.Code), msg, rawResponse(stripeErr.LastResponse)), nil
	}

	gwErr := &apperror.GatewayError{
		Gateway:   string(model.GatewayStripe),
		Op:        object,
		Message:   "gateway unreachable or returned server error",
		Ambiguous: true,
		Err:       err,
	}
	if stripeErr != nil {
		// stripe.Error renders its whole JSON body; keep that in Response only
		gwErr.Response = rawResponse(stripeErr.LastResponse)
		gwErr.Err = fmt.Errorf("stripe error: status %d type %s code %s", stripeErr.HTTPStatusCode, stripeErr.Type, stripeErr.Code)
	}
	return nil, gwErr
}

func rawResponse(resp *stripe.APIResponse) []byte {
	if resp == nil {
		return nil
	}
	return resp.RawJSON
}

type stripeVerifier struct {
	secret string
}

func (v *stripeVerifier) VerifyAndParse(ctx context.Context, headers http.Header, body []byte) (*gateway.Event, error) {
	event, err := webhook.ConstructEventWithOptions(body, headers.Get("Stripe-Signature"), v.secret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		return nil, fmt.Errorf("%w: stripe: %v", apperror.ErrSignatureVerification, err)
	}

	out := &gateway.Event{
		ID:      event.ID,
		Type:    string(event.Type),
		Kind:    gateway.EventUnknown,
		Gateway: model.GatewayStripe,
		Payload: json.RawMessage(body),
	}
	if event.Data == nil {
		return out, nil
	}

	switch event.Type {
	case "payment_intent.amount_capturable_updated", "payment_intent.succeeded",
		"payment_intent.payment_failed", "payment_intent.canceled":
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
			return nil, fmt.Errorf("decode payment intent: %w", err)
		}
		out.TransactionID = pi.ID
		out.AuthorizationID = pi.ID
		out.Reference = pi.Metadata[stripeReferenceKey]

		switch event.Type {
		case "payment_intent.amount_capturable_updated":
			out.Kind = gateway.EventPaymentAuthorized
			out.Amount = pi.AmountCapturable
		case "payment_intent.succeeded":
			out.Kind = gateway.EventPaymentSucceeded
			out.Amount = pi.AmountReceived
			if pi.LatestCharge != nil && pi.LatestCharge.BalanceTransaction != nil {
				out.GatewayFee = pi.LatestCharge.BalanceTransaction.Fee
			}
		case "payment_intent.payment_failed":
			out.Kind = gateway.EventPaymentFailed
			if pi.LastPaymentError != nil {
				out.Failure = pi.LastPaymentError.Msg
			}
		case "payment_intent.canceled":
			out.Kind = gateway.EventPaymentCancelled
		}

	case "charge.refunded":
		var ch stripe.Charge
		if err := json.Unmarshal(event.Data.Raw, &ch); err != nil {
			return nil, fmt.Errorf("decode charge: %w", err)
		}
		out.Kind = gateway.EventChargeRefunded
		if ch.PaymentIntent != nil {
			out.TransactionID = ch.PaymentIntent.ID
		}
		out.Reference = ch.Metadata[stripeReferenceKey]
		out.Amount = ch.Amount
		out.RefundedAmount = ch.AmountRefunded
		if ch.Refunds != nil && len(ch.Refunds.Data) > 0 {
			out.RefundID = ch.Refunds.Data[0].ID
		}

	case "charge.dispute.created":
		var dp stripe.Dispute
		if err := json.Unmarshal(event.Data.Raw, &dp); err != nil {
			return nil, fmt.Errorf("decode dispute: %w", err)
		}
		out.Kind = gateway.EventDisputeCreated
		if dp.PaymentIntent != nil {
			out.TransactionID = dp.PaymentIntent.ID
		}
		out.Dispute = &gateway.Dispute{
			ID:     dp.ID,
			Reason: string(dp.Reason),
			Status: string(dp.Status),
			Amount: dp.Amount,
		}
	}

	return out, nil
}
