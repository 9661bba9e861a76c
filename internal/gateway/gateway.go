// Package gateway defines the capability contract every payment processor
// adapter satisfies, plus the normalized shapes of results and webhook
// events that the rest of the service works with.
package gateway

import (
	"context"
	"encoding/json"
	"net/http"

	"commerce-payments/internal/model"
)

// Gateway is implemented by each concrete processor adapter.
//
// A nil error with Result.Success == false is a definite decline. A non-nil
// error means the outcome is unknown (timeout, dropped connection): money
// may have moved, and the webhook path is what settles it.
type Gateway interface {
	Type() model.GatewayType
	Authorize(ctx context.Context, req *Request) (*Result, error)
	Capture(ctx context.Context, authorizationID string, amount int64, currency string) (*Result, error)
	Charge(ctx context.Context, req *Request) (*Result, error)
	Refund(ctx context.Context, transactionID string, amount int64, currency, reason string) (*RefundResult, error)
}

// Verifier authenticates a raw webhook delivery and normalizes it.
type Verifier interface {
	VerifyAndParse(ctx context.Context, headers http.Header, body []byte) (*Event, error)
}

type Request struct {
	// Reference is the local payment id. Adapters forward it to the gateway
	// (metadata, custom id, order id) so webhooks can find the payment even
	// when the synchronous response was lost.
	Reference     string
	Amount        int64 // minor units
	Currency      string
	PaymentMethod string
	Description   string
	Metadata      map[string]string
}

type Result struct {
	Success         bool
	AuthorizationID string
	TransactionID   string
	GatewayFee      int64
	Error           string
	Response        Response
}

type RefundResult struct {
	Success  bool
	RefundID string
	Status   string
	Amount   int64
	Currency string
	Error    string
	Response Response
}

// Response is the normalized envelope around whatever the processor returned.
// Raw is persisted for audit and never read back into business fields.
type Response struct {
	Gateway model.GatewayType `json:"gateway"`
	Object  string            `json:"object"`
	Status  string            `json:"status,omitempty"`
	Error   string            `json:"error,omitempty"`
	Raw     json.RawMessage   `json:"raw,omitempty"`
}

func (r Response) JSON() []byte {
	b, err := json.Marshal(r)
	if err != nil {
		return nil
	}
	return b
}

// Declined builds a failed result carrying the processor's response.
func Declined(gw model.GatewayType, object, status, msg string, raw []byte) *Result {
	return &Result{
		Success: false,
		Error:   msg,
		Response: Response{
			Gateway: gw,
			Object:  object,
			Status:  status,
			Error:   msg,
			Raw:     rawJSON(raw),
		},
	}
}

func rawJSON(b []byte) json.RawMessage {
	if len(b) == 0 || !json.Valid(b) {
		return nil
	}
	return json.RawMessage(b)
}

// RawJSON returns b when it is valid JSON, nil otherwise.
func RawJSON(b []byte) json.RawMessage {
	return rawJSON(b)
}
