package client

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"commerce-payments/internal/apperror"
	"commerce-payments/internal/gateway"
	"commerce-payments/internal/model"

	"github.com/braintree-go/braintree-go"
)

const braintreeNoncePrefix = "nonce:"

type BraintreeFactory struct{}

func (BraintreeFactory) NewGateway(cfg *model.TenantGateway) (gateway.Gateway, error) {
	bt, err := newBraintree(cfg)
	if err != nil {
		return nil, err
	}
	return &braintreeGateway{bt: bt}, nil
}

func (BraintreeFactory) NewVerifier(cfg *model.TenantGateway) (gateway.Verifier, error) {
	bt, err := newBraintree(cfg)
	if err != nil {
		return nil, err
	}
	return &braintreeVerifier{bt: bt}, nil
}

func newBraintree(cfg *model.TenantGateway) (*braintree.Braintree, error) {
	if cfg.MerchantID == "" || cfg.PublicKey == "" || cfg.SecretKey == "" {
		return nil, fmt.Errorf("braintree merchant id, public key and private key are required")
	}
	env := braintree.Production
	if cfg.Sandbox {
		env = braintree.Sandbox
	}
	return braintree.New(env, cfg.MerchantID, cfg.PublicKey, cfg.SecretKey), nil
}

type braintreeGateway struct {
	bt *braintree.Braintree
}

func (g *braintreeGateway) Type() model.GatewayType {
	return model.GatewayBraintree
}

func (g *braintreeGateway) Authorize(ctx context.Context, req *gateway.Request) (*gateway.Result, error) {
	return g.sale(ctx, req, false)
}

func (g *braintreeGateway) Charge(ctx context.Context, req *gateway.Request) (*gateway.Result, error) {
	return g.sale(ctx, req, true)
}

func (g *braintreeGateway) sale(ctx context.Context, req *gateway.Request, settle bool) (*gateway.Result, error) {
	txReq := &braintree.TransactionRequest{
		Type:    "sale",
		Amount:  braintree.NewDecimal(req.Amount, int(gateway.Exponent(req.Currency))),
		OrderId: req.Reference,
		Options: &braintree.TransactionOptions{
			SubmitForSettlement: settle,
		},
	}
	// vaulted tokens are the normal case, one-time nonces come prefixed
	if nonce, ok := strings.CutPrefix(req.PaymentMethod, braintreeNoncePrefix); ok {
		txReq.PaymentMethodNonce = nonce
	} else {
		txReq.PaymentMethodToken = req.PaymentMethod
	}

	tx, err := g.bt.Transaction().Create(ctx, txReq)
	if err != nil {
		return g.mapError("transaction", err)
	}

	want := braintree.TransactionStatusAuthorized
	if settle {
		want = braintree.TransactionStatusSubmittedForSettlement
	}
	if tx.Status != want && !(settle && isSettling(tx.Status)) {
		return gateway.Declined(model.GatewayBraintree, "transaction", string(tx.Status),
			declineMessage(tx), transactionJSON(tx)), nil
	}

	return transactionResult(tx), nil
}

func (g *braintreeGateway) Capture(ctx context.Context, authorizationID string, amount int64, currency string) (*gateway.Result, error) {
	tx, err := g.bt.Transaction().SubmitForSettlement(ctx, authorizationID,
		braintree.NewDecimal(amount, int(gateway.Exponent(currency))))
	if err != nil {
		return g.mapError("transaction", err)
	}
	if !isSettling(tx.Status) {
		return gateway.Declined(model.GatewayBraintree, "transaction", string(tx.Status),
			declineMessage(tx), transactionJSON(tx)), nil
	}
	return transactionResult(tx), nil
}

func (g *braintreeGateway) Refund(ctx context.Context, transactionID string, amount int64, currency, reason string) (*gateway.RefundResult, error) {
	tx, err := g.bt.Transaction().Refund(ctx, transactionID,
		braintree.NewDecimal(amount, int(gateway.Exponent(currency))))
	if err != nil {
		res, mapped := g.mapError("refund", err)
		if mapped != nil {
			return nil, mapped
		}
		return &gateway.RefundResult{Success: false, Error: res.Error, Response: res.Response}, nil
	}

	resp := gateway.Response{
		Gateway: model.GatewayBraintree,
		Object:  "refund",
		Status:  string(tx.Status),
		Raw:     gateway.RawJSON(transactionJSON(tx)),
	}
	return &gateway.RefundResult{
		Success:  true,
		RefundID: tx.Id,
		Status:   string(tx.Status),
		Amount:   decimalToMinor(tx.Amount, currency),
		Currency: strings.ToUpper(tx.CurrencyISOCode),
		Response: resp,
	}, nil
}

func (g *braintreeGateway) mapError(object string, err error) (*gateway.Result, error) {
	var btErr *braintree.BraintreeError
	if errors.As(err, &btErr) {
		var raw []byte
		if btErr.Transaction != nil {
			raw = transactionJSON(btErr.Transaction)
		}
		return gateway.Declined(model.GatewayBraintree, object, "declined", btErr.Error(), raw), nil
	}
	return nil, &apperror.GatewayError{
		Gateway:   string(model.GatewayBraintree),
		Op:        object,
		Message:   "gateway unreachable or returned server error",
		Ambiguous: true,
		Err:       err,
	}
}

func isSettling(s braintree.TransactionStatus) bool {
	switch s {
	case braintree.TransactionStatusSubmittedForSettlement,
		braintree.TransactionStatusSettling,
		braintree.TransactionStatusSettled:
		return true
	}
	return false
}

func declineMessage(tx *braintree.Transaction) string {
	if tx.ProcessorResponseText != "" {
		return tx.ProcessorResponseText
	}
	return fmt.Sprintf("transaction %s", tx.Status)
}

// Braintree does not report fees per transaction, so GatewayFee stays 0.
func transactionResult(tx *braintree.Transaction) *gateway.Result {
	return &gateway.Result{
		Success:         true,
		AuthorizationID: tx.Id,
		TransactionID:   tx.Id,
		Response: gateway.Response{
			Gateway: model.GatewayBraintree,
			Object:  "transaction",
			Status:  string(tx.Status),
			Raw:     gateway.RawJSON(transactionJSON(tx)),
		},
	}
}

// transactionJSON keeps a small audit view of the transaction; the SDK type
// is XML-shaped and carries card data we do not persist.
func transactionJSON(tx *braintree.Transaction) []byte {
	view := map[string]interface{}{
		"id":                      tx.Id,
		"status":                  tx.Status,
		"type":                    tx.Type,
		"order_id":                tx.OrderId,
		"currency_iso_code":       tx.CurrencyISOCode,
		"processor_response_code": tx.ProcessorResponseCode,
		"processor_response_text": tx.ProcessorResponseText,
	}
	if tx.Amount != nil {
		view["amount"] = tx.Amount.String()
	}
	b, _ := json.Marshal(view)
	return b
}

func decimalToMinor(d *braintree.Decimal, currency string) int64 {
	if d == nil {
		return 0
	}
	minor, err := gateway.ParseMajor(d.String(), currency)
	if err != nil {
		return 0
	}
	return minor
}

type braintreeVerifier struct {
	bt *braintree.Braintree
}

func (v *braintreeVerifier) VerifyAndParse(ctx context.Context, headers http.Header, body []byte) (*gateway.Event, error) {
	form, err := url.ParseQuery(string(body))
	if err != nil {
		return nil, fmt.Errorf("%w: braintree: malformed form body", apperror.ErrSignatureVerification)
	}
	signature, payload := form.Get("bt_signature"), form.Get("bt_payload")
	if signature == "" || payload == "" {
		return nil, fmt.Errorf("%w: braintree: missing bt_signature or bt_payload", apperror.ErrSignatureVerification)
	}

	if _, err := v.bt.WebhookNotification().Parse(signature, payload); err != nil {
		return nil, fmt.Errorf("%w: braintree: %v", apperror.ErrSignatureVerification, err)
	}

	return parseBraintreePayload(payload)
}

type btNotification struct {
	XMLName   xml.Name  `xml:"notification"`
	Kind      string    `xml:"kind"`
	Timestamp time.Time `xml:"timestamp"`
	Subject   struct {
		Transaction *btTransaction `xml:"transaction"`
		Dispute     *struct {
			ID          string         `xml:"id"`
			Reason      string         `xml:"reason"`
			Status      string         `xml:"status"`
			Amount      string         `xml:"amount"`
			Transaction *btTransaction `xml:"transaction"`
		} `xml:"dispute"`
	} `xml:"subject"`
}

type btTransaction struct {
	ID                    string `xml:"id"`
	Status                string `xml:"status"`
	Amount                string `xml:"amount"`
	Currency              string `xml:"currency-iso-code"`
	OrderID               string `xml:"order-id"`
	ProcessorResponseText string `xml:"processor-settlement-response-text"`
}

// parseBraintreePayload decodes an already verified bt_payload.
func parseBraintreePayload(payload string) (*gateway.Event, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(payload))
	if err != nil {
		return nil, fmt.Errorf("decode bt_payload: %w", err)
	}
	var n btNotification
	if err := xml.Unmarshal(raw, &n); err != nil {
		return nil, fmt.Errorf("parse bt_payload: %w", err)
	}

	out := &gateway.Event{
		Type:    n.Kind,
		Kind:    gateway.EventUnknown,
		Gateway: model.GatewayBraintree,
	}
	payloadJSON, _ := json.Marshal(map[string]string{"bt_payload": payload})
	out.Payload = payloadJSON

	subjectID := ""
	if tx := n.Subject.Transaction; tx != nil {
		subjectID = tx.ID
		out.TransactionID = tx.ID
		out.AuthorizationID = tx.ID
		out.Reference = tx.OrderID
		out.Amount, _ = gateway.ParseMajor(tx.Amount, tx.Currency)
		out.Failure = tx.ProcessorResponseText
	}

	switch n.Kind {
	case "transaction_settled":
		out.Kind = gateway.EventPaymentSucceeded
	case "transaction_settlement_declined":
		out.Kind = gateway.EventPaymentFailed
		if out.Failure == "" {
			out.Failure = "settlement declined"
		}
	case "dispute_opened":
		out.Kind = gateway.EventDisputeCreated
		if d := n.Subject.Dispute; d != nil {
			subjectID = d.ID
			currency := ""
			if d.Transaction != nil {
				out.TransactionID = d.Transaction.ID
				out.Reference = d.Transaction.OrderID
				currency = d.Transaction.Currency
			}
			amount, _ := gateway.ParseMajor(d.Amount, currency)
			out.Dispute = &gateway.Dispute{ID: d.ID, Reason: d.Reason, Status: d.Status, Amount: amount}
		}
	}

	// Braintree notifications carry no id of their own
	out.ID = fmt.Sprintf("%s:%s:%d", n.Kind, subjectID, n.Timestamp.Unix())
	return out, nil
}
