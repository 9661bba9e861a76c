package gateway

import (
	"encoding/json"

	"commerce-payments/internal/model"
)

type EventKind string

const (
	EventPaymentAuthorized EventKind = "payment_authorized"
	EventPaymentSucceeded  EventKind = "payment_succeeded"
	EventPaymentFailed     EventKind = "payment_failed"
	EventPaymentCancelled  EventKind = "payment_cancelled"
	EventChargeRefunded    EventKind = "charge_refunded"
	EventDisputeCreated    EventKind = "dispute_created"
	EventUnknown           EventKind = "unknown"
)

// Event is a verified gateway notification in the service's own terms.
type Event struct {
	ID      string            `json:"id"`
	Type    string            `json:"type"` // gateway-native event type
	Kind    EventKind         `json:"kind"`
	Gateway model.GatewayType `json:"gateway"`

	TransactionID   string `json:"transaction_id,omitempty"`
	AuthorizationID string `json:"authorization_id,omitempty"`
	Reference       string `json:"reference,omitempty"`

	Amount         int64    `json:"amount,omitempty"`
	RefundedAmount int64    `json:"refunded_amount,omitempty"` // cumulative, as reported by the gateway
	RefundID       string   `json:"refund_id,omitempty"`       // latest refund, when the gateway names it
	GatewayFee     int64    `json:"gateway_fee,omitempty"`
	Failure        string   `json:"failure,omitempty"`
	Dispute        *Dispute `json:"dispute,omitempty"`

	Payload json.RawMessage `json:"payload,omitempty"`
}

type Dispute struct {
	ID     string `json:"id"`
	Reason string `json:"reason,omitempty"`
	Status string `json:"status,omitempty"`
	Amount int64  `json:"amount,omitempty"`
}
