package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"commerce-payments/internal/apperror"
	"commerce-payments/internal/gateway"
	"commerce-payments/internal/model"
)

const paypalLiveURL = "https://api-m.paypal.com"

// PaypalFactory builds PayPal REST adapters. SandboxURL doubles as the test
// server address.
type PaypalFactory struct {
	SandboxURL string
	LiveURL    string
	Timeout    time.Duration
}

func (f PaypalFactory) NewGateway(cfg *model.TenantGateway) (gateway.Gateway, error) {
	return f.newClient(cfg)
}

func (f PaypalFactory) NewVerifier(cfg *model.TenantGateway) (gateway.Verifier, error) {
	c, err := f.newClient(cfg)
	if err != nil {
		return nil, err
	}
	if c.webhookID == "" {
		return nil, fmt.Errorf("paypal webhook id is empty")
	}
	return c, nil
}

func (f PaypalFactory) newClient(cfg *model.TenantGateway) (*paypalClientImpl, error) {
	if cfg.PublicKey == "" || cfg.SecretKey == "" {
		return nil, fmt.Errorf("paypal client id and secret are required")
	}
	base := f.LiveURL
	if base == "" {
		base = paypalLiveURL
	}
	if cfg.Sandbox {
		base = f.SandboxURL
	}
	timeout := f.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	return &paypalClientImpl{
		httpClient: &http.Client{
			Timeout: timeout,
		},
		baseApiURL:         strings.TrimRight(base, "/"),
		paypalClientID:     cfg.PublicKey,
		paypalClientSecret: cfg.SecretKey,
		webhookID:          cfg.WebhookSecret,
	}, nil
}

type paypalClientImpl struct {
	httpClient         *http.Client
	baseApiURL         string
	paypalClientID     string
	paypalClientSecret string
	webhookID          string
}

type paypalMoney struct {
	CurrencyCode string `json:"currency_code"`
	Value        string `json:"value"`
}

type paypalLink struct {
	Rel  string `json:"rel"`
	Href string `json:"href"`
}

type paypalCapture struct {
	ID                        string       `json:"id"`
	Status                    string       `json:"status"`
	Amount                    *paypalMoney `json:"amount"`
	CustomID                  string       `json:"custom_id"`
	SellerReceivableBreakdown *struct {
		PaypalFee *paypalMoney `json:"paypal_fee"`
	} `json:"seller_receivable_breakdown"`
	SupplementaryData *struct {
		RelatedIDs struct {
			OrderID         string `json:"order_id"`
			AuthorizationID string `json:"authorization_id"`
		} `json:"related_ids"`
	} `json:"supplementary_data"`
}

func (c *paypalCapture) fee(currency string) int64 {
	if c.SellerReceivableBreakdown == nil || c.SellerReceivableBreakdown.PaypalFee == nil {
		return 0
	}
	fee, _ := gateway.ParseMajor(c.SellerReceivableBreakdown.PaypalFee.Value, currency)
	return fee
}

type paypalOrder struct {
	ID            string `json:"id"`
	Status        string `json:"status"`
	PurchaseUnits []struct {
		Payments struct {
			Authorizations []paypalCapture `json:"authorizations"`
			Captures       []paypalCapture `json:"captures"`
		} `json:"payments"`
	} `json:"purchase_units"`
}

type paypalErrorBody struct {
	Name    string `json:"name"`
	Message string `json:"message"`
	Details []struct {
		Issue       string `json:"issue"`
		Description string `json:"description"`
	} `json:"details"`
}

func (c *paypalClientImpl) Type() model.GatewayType {
	return model.GatewayPaypal
}

func (c *paypalClientImpl) getAccessToken(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseApiURL+"/v1/oauth2/token",
		strings.NewReader("grant_type=client_credentials"))
	if err != nil {
		return "", fmt.Errorf("http new request: %w", err)
	}
	req.SetBasicAuth(c.paypalClientID, c.paypalClientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("http client do: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("paypal token error: status %d", resp.StatusCode)
	}

	var res struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}
	return res.AccessToken, nil
}

// call performs an authenticated JSON request. A returned error means the
// outcome is unknown; 4xx responses come back as a status and body.
func (c *paypalClientImpl) call(ctx context.Context, method, path, requestID string, payload interface{}) (int, []byte, error) {
	accessToken, err := c.getAccessToken(ctx)
	if err != nil {
		return 0, nil, fmt.Errorf("get paypal access token: %w", err)
	}

	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return 0, nil, fmt.Errorf("marshal req payload: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseApiURL+path, body)
	if err != nil {
		return 0, nil, fmt.Errorf("http new request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Prefer", "return=representation")
	if requestID != "" {
		req.Header.Set("PayPal-Request-Id", requestID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("paypal request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("read paypal response: %w", err)
	}
	if resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests {
		// the body travels separately so it lands in the audit response only
		return resp.StatusCode, respBody, fmt.Errorf("paypal error: status %d", resp.StatusCode)
	}
	return resp.StatusCode, respBody, nil
}

func (c *paypalClientImpl) ambiguous(op string, body []byte, err error) *apperror.GatewayError {
	return &apperror.GatewayError{
		Gateway:   string(model.GatewayPaypal),
		Op:        op,
		Message:   "gateway unreachable or returned server error",
		Response:  body,
		Ambiguous: true,
		Err:       err,
	}
}

func paypalDecline(object string, status int, body []byte) *gateway.Result {
	var e paypalErrorBody
	msg := fmt.Sprintf("paypal returned %d", status)
	if err := json.Unmarshal(body, &e); err == nil {
		switch {
		case len(e.Details) > 0 && e.Details[0].Description != "":
			msg = e.Details[0].Issue + ": " + e.Details[0].Description
		case e.Message != "":
			msg = e.Message
		}
	}
	return gateway.Declined(model.GatewayPaypal, object, e.Name, msg, body)
}

func (c *paypalClientImpl) createOrder(ctx context.Context, intent, requestID string, req *gateway.Request) (int, []byte, error) {
	unit := map[string]interface{}{
		"reference_id": req.Reference,
		"custom_id":    req.Reference,
		"amount": paypalMoney{
			CurrencyCode: strings.ToUpper(req.Currency),
			Value:        gateway.FormatMajor(req.Amount, req.Currency),
		},
	}
	if req.Description != "" {
		unit["description"] = req.Description
	}
	payload := map[string]interface{}{
		"intent":         intent,
		"purchase_units": []interface{}{unit},
		"payment_source": map[string]interface{}{
			"paypal": map[string]string{"vault_id": req.PaymentMethod},
		},
	}
	return c.call(ctx, http.MethodPost, "/v2/checkout/orders", requestID, payload)
}

func (c *paypalClientImpl) Authorize(ctx context.Context, req *gateway.Request) (*gateway.Result, error) {
	status, body, err := c.createOrder(ctx, "AUTHORIZE", req.Reference+"-authorize", req)
	if err != nil {
		return nil, c.ambiguous("authorize", body, err)
	}
	if status >= 300 {
		return paypalDecline("order", status, body), nil
	}

	var order paypalOrder
	if err := json.Unmarshal(body, &order); err != nil {
		return nil, c.ambiguous("authorize", body, fmt.Errorf("decode paypal order: %w", err))
	}
	if len(order.PurchaseUnits) == 0 || len(order.PurchaseUnits[0].Payments.Authorizations) == 0 {
		return gateway.Declined(model.GatewayPaypal, "order", order.Status, "order has no authorization", body), nil
	}

	auth := order.PurchaseUnits[0].Payments.Authorizations[0]
	switch auth.Status {
	case "CREATED":
	case "PENDING":
		return nil, c.ambiguous("authorize", body, fmt.Errorf("authorization %s is pending review", auth.ID))
	default:
		return gateway.Declined(model.GatewayPaypal, "authorization", auth.Status,
			fmt.Sprintf("authorization is %s", auth.Status), body), nil
	}

	return &gateway.Result{
		Success:         true,
		AuthorizationID: auth.ID,
		TransactionID:   order.ID,
		Response: gateway.Response{
			Gateway: model.GatewayPaypal,
			Object:  "order",
			Status:  order.Status,
			Raw:     gateway.RawJSON(body),
		},
	}, nil
}

func (c *paypalClientImpl) Capture(ctx context.Context, authorizationID string, amount int64, currency string) (*gateway.Result, error) {
	payload := map[string]interface{}{
		"amount": paypalMoney{
			CurrencyCode: strings.ToUpper(currency),
			Value:        gateway.FormatMajor(amount, currency),
		},
		"final_capture": true,
	}
	path := fmt.Sprintf("/v2/payments/authorizations/%s/capture", url.PathEscape(authorizationID))
	status, body, err := c.call(ctx, http.MethodPost, path, authorizationID+"-capture", payload)
	if err != nil {
		return nil, c.ambiguous("capture", body, err)
	}
	if status >= 300 {
		return paypalDecline("capture", status, body), nil
	}

	var capture paypalCapture
	if err := json.Unmarshal(body, &capture); err != nil {
		return nil, c.ambiguous("capture", body, fmt.Errorf("decode paypal capture: %w", err))
	}
	return c.captureResult(&capture, authorizationID, currency, body)
}

func (c *paypalClientImpl) Charge(ctx context.Context, req *gateway.Request) (*gateway.Result, error) {
	status, body, err := c.createOrder(ctx, "CAPTURE", req.Reference+"-charge", req)
	if err != nil {
		return nil, c.ambiguous("charge", body, err)
	}
	if status >= 300 {
		return paypalDecline("order", status, body), nil
	}

	var order paypalOrder
	if err := json.Unmarshal(body, &order); err != nil {
		return nil, c.ambiguous("charge", body, fmt.Errorf("decode paypal order: %w", err))
	}
	if len(order.PurchaseUnits) == 0 || len(order.PurchaseUnits[0].Payments.Captures) == 0 {
		return gateway.Declined(model.GatewayPaypal, "order", order.Status, "order has no capture", body), nil
	}
	return c.captureResult(&order.PurchaseUnits[0].Payments.Captures[0], "", req.Currency, body)
}

func (c *paypalClientImpl) captureResult(capture *paypalCapture, authorizationID, currency string, body []byte) (*gateway.Result, error) {
	switch capture.Status {
	case "COMPLETED":
	case "PENDING":
		return nil, c.ambiguous("capture", body, fmt.Errorf("capture %s is pending", capture.ID))
	default:
		return gateway.Declined(model.GatewayPaypal, "capture", capture.Status,
			fmt.Sprintf("capture is %s", capture.Status), body), nil
	}

	return &gateway.Result{
		Success:         true,
		AuthorizationID: authorizationID,
		TransactionID:   capture.ID,
		GatewayFee:      capture.fee(currency),
		Response: gateway.Response{
			Gateway: model.GatewayPaypal,
			Object:  "capture",
			Status:  capture.Status,
			Raw:     gateway.RawJSON(body),
		},
	}, nil
}

func (c *paypalClientImpl) Refund(ctx context.Context, transactionID string, amount int64, currency, reason string) (*gateway.RefundResult, error) {
	payload := map[string]interface{}{
		"amount": paypalMoney{
			CurrencyCode: strings.ToUpper(currency),
			Value:        gateway.FormatMajor(amount, currency),
		},
	}
	if reason != "" {
		payload["note_to_payer"] = reason
	}
	path := fmt.Sprintf("/v2/payments/captures/%s/refund", url.PathEscape(transactionID))
	status, body, err := c.call(ctx, http.MethodPost, path, "", payload)
	if err != nil {
		return nil, c.ambiguous("refund", body, err)
	}
	if status >= 300 {
		d := paypalDecline("refund", status, body)
		return &gateway.RefundResult{Success: false, Error: d.Error, Response: d.Response}, nil
	}

	var refund struct {
		ID     string       `json:"id"`
		Status string       `json:"status"`
		Amount *paypalMoney `json:"amount"`
	}
	if err := json.Unmarshal(body, &refund); err != nil {
		return nil, c.ambiguous("refund", body, fmt.Errorf("decode paypal refund: %w", err))
	}

	resp := gateway.Response{
		Gateway: model.GatewayPaypal,
		Object:  "refund",
		Status:  refund.Status,
		Raw:     gateway.RawJSON(body),
	}
	if refund.Status == "CANCELLED" || refund.Status == "FAILED" {
		resp.Error = fmt.Sprintf("refund %s", strings.ToLower(refund.Status))
		return &gateway.RefundResult{Success: false, RefundID: refund.ID, Status: refund.Status, Error: resp.Error, Response: resp}, nil
	}

	refunded := amount
	if refund.Amount != nil {
		if v, err := gateway.ParseMajor(refund.Amount.Value, currency); err == nil && v > 0 {
			refunded = v
		}
	}
	return &gateway.RefundResult{
		Success:  true,
		RefundID: refund.ID,
		Status:   refund.Status,
		Amount:   refunded,
		Currency: strings.ToUpper(currency),
		Response: resp,
	}, nil
}

type paypalWebhook struct {
	ID        string          `json:"id"`
	EventType string          `json:"event_type"`
	Resource  json.RawMessage `json:"resource"`
}

func (c *paypalClientImpl) VerifyAndParse(ctx context.Context, headers http.Header, body []byte) (*gateway.Event, error) {
	if headers.Get("PAYPAL-TRANSMISSION-SIG") == "" {
		return nil, fmt.Errorf("%w: paypal: missing transmission signature", apperror.ErrSignatureVerification)
	}
	if !json.Valid(body) {
		return nil, fmt.Errorf("%w: paypal: body is not json", apperror.ErrSignatureVerification)
	}

	payload := map[string]interface{}{
		"auth_algo":         headers.Get("PAYPAL-AUTH-ALGO"),
		"cert_url":          headers.Get("PAYPAL-CERT-URL"),
		"transmission_id":   headers.Get("PAYPAL-TRANSMISSION-ID"),
		"transmission_sig":  headers.Get("PAYPAL-TRANSMISSION-SIG"),
		"transmission_time": headers.Get("PAYPAL-TRANSMISSION-TIME"),
		"webhook_id":        c.webhookID,
		"webhook_event":     json.RawMessage(body),
	}
	status, respBody, err := c.call(ctx, http.MethodPost, "/v1/notifications/verify-webhook-signature", "", payload)
	if err != nil {
		// not a signature failure: PayPal should retry delivery
		return nil, fmt.Errorf("verify paypal webhook: %w", err)
	}
	var verdict struct {
		VerificationStatus string `json:"verification_status"`
	}
	if status != http.StatusOK || json.Unmarshal(respBody, &verdict) != nil || verdict.VerificationStatus != "SUCCESS" {
		return nil, fmt.Errorf("%w: paypal: verification status %q", apperror.ErrSignatureVerification, verdict.VerificationStatus)
	}

	return parsePaypalEvent(body)
}

func parsePaypalEvent(body []byte) (*gateway.Event, error) {
	var wh paypalWebhook
	if err := json.Unmarshal(body, &wh); err != nil {
		return nil, fmt.Errorf("decode paypal event: %w", err)
	}

	out := &gateway.Event{
		ID:      wh.ID,
		Type:    wh.EventType,
		Kind:    gateway.EventUnknown,
		Gateway: model.GatewayPaypal,
		Payload: json.RawMessage(body),
	}

	switch wh.EventType {
	case "PAYMENT.AUTHORIZATION.CREATED", "PAYMENT.AUTHORIZATION.VOIDED":
		var auth paypalCapture
		if err := json.Unmarshal(wh.Resource, &auth); err != nil {
			return nil, fmt.Errorf("decode paypal authorization: %w", err)
		}
		out.AuthorizationID = auth.ID
		out.Reference = auth.CustomID
		if auth.SupplementaryData != nil {
			out.TransactionID = auth.SupplementaryData.RelatedIDs.OrderID
		}
		if auth.Amount != nil {
			out.Amount, _ = gateway.ParseMajor(auth.Amount.Value, auth.Amount.CurrencyCode)
		}
		out.Kind = gateway.EventPaymentAuthorized
		if wh.EventType == "PAYMENT.AUTHORIZATION.VOIDED" {
			out.Kind = gateway.EventPaymentCancelled
		}

	case "PAYMENT.CAPTURE.COMPLETED", "PAYMENT.CAPTURE.DENIED":
		var capture paypalCapture
		if err := json.Unmarshal(wh.Resource, &capture); err != nil {
			return nil, fmt.Errorf("decode paypal capture: %w", err)
		}
		out.TransactionID = capture.ID
		out.Reference = capture.CustomID
		if capture.SupplementaryData != nil {
			out.AuthorizationID = capture.SupplementaryData.RelatedIDs.AuthorizationID
		}
		if capture.Amount != nil {
			out.Amount, _ = gateway.ParseMajor(capture.Amount.Value, capture.Amount.CurrencyCode)
			out.GatewayFee = capture.fee(capture.Amount.CurrencyCode)
		}
		out.Kind = gateway.EventPaymentSucceeded
		if wh.EventType == "PAYMENT.CAPTURE.DENIED" {
			out.Kind = gateway.EventPaymentFailed
			out.Failure = "capture denied"
		}

	case "PAYMENT.CAPTURE.REFUNDED":
		var refund struct {
			ID                     string       `json:"id"`
			Amount                 *paypalMoney `json:"amount"`
			CustomID               string       `json:"custom_id"`
			SellerPayableBreakdown *struct {
				TotalRefundedAmount *paypalMoney `json:"total_refunded_amount"`
			} `json:"seller_payable_breakdown"`
			Links []paypalLink `json:"links"`
		}
		if err := json.Unmarshal(wh.Resource, &refund); err != nil {
			return nil, fmt.Errorf("decode paypal refund: %w", err)
		}
		out.Kind = gateway.EventChargeRefunded
		out.Reference = refund.CustomID
		out.RefundID = refund.ID
		for _, link := range refund.Links {
			if link.Rel == "up" {
				out.TransactionID = link.Href[strings.LastIndex(link.Href, "/")+1:]
			}
		}
		if refund.Amount != nil {
			out.RefundedAmount, _ = gateway.ParseMajor(refund.Amount.Value, refund.Amount.CurrencyCode)
		}
		if b := refund.SellerPayableBreakdown; b != nil && b.TotalRefundedAmount != nil {
			out.RefundedAmount, _ = gateway.ParseMajor(b.TotalRefundedAmount.Value, b.TotalRefundedAmount.CurrencyCode)
		}

	case "CUSTOMER.DISPUTE.CREATED":
		var dispute struct {
			DisputeID            string       `json:"dispute_id"`
			Reason               string       `json:"reason"`
			Status               string       `json:"status"`
			DisputeAmount        *paypalMoney `json:"dispute_amount"`
			DisputedTransactions []struct {
				SellerTransactionID string `json:"seller_transaction_id"`
			} `json:"disputed_transactions"`
		}
		if err := json.Unmarshal(wh.Resource, &dispute); err != nil {
			return nil, fmt.Errorf("decode paypal dispute: %w", err)
		}
		out.Kind = gateway.EventDisputeCreated
		if len(dispute.DisputedTransactions) > 0 {
			out.TransactionID = dispute.DisputedTransactions[0].SellerTransactionID
		}
		d := &gateway.Dispute{ID: dispute.DisputeID, Reason: dispute.Reason, Status: dispute.Status}
		if dispute.DisputeAmount != nil {
			d.Amount, _ = gateway.ParseMajor(dispute.DisputeAmount.Value, dispute.DisputeAmount.CurrencyCode)
		}
		out.Dispute = d
	}

	return out, nil
}
