package dto

import (
	"encoding/json"
	"time"

	"commerce-payments/internal/model"

	"github.com/shopspring/decimal"
)

type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type AuthorizeRequest struct {
	PaymentMethod string            `json:"payment_method"`
	Gateway       string            `json:"gateway"`
	Amount        int64             `json:"amount,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

type CaptureRequest struct {
	PaymentID string `json:"payment_id,omitempty"`
	Amount    int64  `json:"amount,omitempty"`
}

type RefundRequest struct {
	Amount int64  `json:"amount,omitempty"`
	Reason string `json:"reason,omitempty"`
}

type PaymentResponse struct {
	ID                     string             `json:"id"`
	OrderID                string             `json:"order_id"`
	TenantID               string             `json:"tenant_id"`
	Amount                 int64              `json:"amount"`
	Currency               string             `json:"currency"`
	Gateway                string             `json:"gateway"`
	Status                 string             `json:"status"`
	GatewayTransactionID   string             `json:"gateway_transaction_id,omitempty"`
	GatewayAuthorizationID string             `json:"gateway_authorization_id,omitempty"`
	RefundedAmount         int64              `json:"refunded_amount"`
	Fees                   model.FeeBreakdown `json:"fees"`
	AuthorizedAt           *time.Time         `json:"authorized_at,omitempty"`
	AuthorizationExpiresAt *time.Time         `json:"authorization_expires_at,omitempty"`
	CapturedAt             *time.Time         `json:"captured_at,omitempty"`
	Metadata               json.RawMessage    `json:"metadata,omitempty"`
	// only returned to platform callers
	GatewayResponse json.RawMessage `json:"gateway_response,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

func NewPaymentResponse(p *model.Payment, withGatewayResponse bool) *PaymentResponse {
	resp := &PaymentResponse{
		ID:                     p.ID,
		OrderID:                p.OrderID,
		TenantID:               p.TenantID,
		Amount:                 p.Amount,
		Currency:               p.Currency,
		Gateway:                string(p.GatewayType),
		Status:                 string(p.PaymentStatus),
		GatewayTransactionID:   p.GatewayTransactionID,
		GatewayAuthorizationID: p.GatewayAuthorizationID,
		RefundedAmount:         p.RefundedAmount,
		Fees:                   p.Fees,
		AuthorizedAt:           p.AuthorizedAt,
		AuthorizationExpiresAt: p.AuthorizationExpiresAt,
		CapturedAt:             p.CapturedAt,
		Metadata:               rawJSON(p.Metadata),
		CreatedAt:              p.CreatedAt,
	}
	if withGatewayResponse {
		resp.GatewayResponse = rawJSON(p.GatewayResponse)
	}
	return resp
}

type RefundResponse struct {
	ID              string    `json:"id"`
	PaymentID       string    `json:"payment_id"`
	GatewayRefundID string    `json:"gateway_refund_id"`
	Amount          int64     `json:"amount"`
	Currency        string    `json:"currency"`
	Status          string    `json:"status"`
	Reason          string    `json:"reason,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

func NewRefundResponses(refunds []*model.Refund) []*RefundResponse {
	out := make([]*RefundResponse, 0, len(refunds))
	for _, r := range refunds {
		out = append(out, &RefundResponse{
			ID:              r.ID,
			PaymentID:       r.PaymentID,
			GatewayRefundID: r.GatewayRefundID,
			Amount:          r.Amount,
			Currency:        r.Currency,
			Status:          r.Status,
			Reason:          r.Reason,
			CreatedAt:       r.CreatedAt,
		})
	}
	return out
}

type HistoryEntry struct {
	ID         string          `json:"id"`
	FromStatus string          `json:"from_status"`
	ToStatus   string          `json:"to_status"`
	ActorID    string          `json:"actor_id"`
	Reason     string          `json:"reason,omitempty"`
	Notes      string          `json:"notes,omitempty"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

func NewHistory(entries []*model.OrderStatusHistory) []*HistoryEntry {
	out := make([]*HistoryEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, &HistoryEntry{
			ID:         e.ID,
			FromStatus: e.FromStatus,
			ToStatus:   e.ToStatus,
			ActorID:    e.ActorID,
			Reason:     e.Reason,
			Notes:      e.Notes,
			Metadata:   rawJSON(e.Metadata),
			CreatedAt:  e.CreatedAt,
		})
	}
	return out
}

type WebhookAck struct {
	Received  bool   `json:"received"`
	EventID   string `json:"event_id"`
	Duplicate bool   `json:"duplicate,omitempty"`
}

type WebhookEventResponse struct {
	EventID    string    `json:"event_id"`
	EventType  string    `json:"event_type"`
	Gateway    string    `json:"gateway"`
	TenantID   string    `json:"tenant_id,omitempty"`
	Error      string    `json:"error,omitempty"`
	Attempts   int       `json:"attempts"`
	ReceivedAt time.Time `json:"received_at"`
}

func NewWebhookEvents(events []*model.WebhookEvent) []*WebhookEventResponse {
	out := make([]*WebhookEventResponse, 0, len(events))
	for _, e := range events {
		out = append(out, &WebhookEventResponse{
			EventID:    e.EventID,
			EventType:  e.EventType,
			Gateway:    string(e.GatewayType),
			TenantID:   e.TenantID,
			Error:      e.ErrorMessage,
			Attempts:   e.Attempts,
			ReceivedAt: e.ReceivedAt,
		})
	}
	return out
}

type RetryRequest struct {
	Limit int `json:"limit,omitempty"`
}

type RetryResponse struct {
	Queued int `json:"queued"`
}

type QueueMetricsResponse struct {
	Depth     int64 `json:"depth"`
	Capacity  int64 `json:"capacity"`
	Processed int64 `json:"processed"`
	Rejected  int64 `json:"rejected"`
	Failed    int64 `json:"failed"`
	Expired   int64 `json:"expired"`
}

type GatewayConfigRequest struct {
	Sandbox       bool   `json:"sandbox"`
	Currency      string `json:"currency"`
	PublicKey     string `json:"public_key,omitempty"`
	SecretKey     string `json:"secret_key,omitempty"`
	MerchantID    string `json:"merchant_id,omitempty"`
	WebhookSecret string `json:"webhook_secret,omitempty"`
	Enabled       bool   `json:"enabled"`
}

// GatewayConfigResponse never echoes credentials back.
type GatewayConfigResponse struct {
	TenantID      string `json:"tenant_id"`
	Gateway       string `json:"gateway"`
	Sandbox       bool   `json:"sandbox"`
	Currency      string `json:"currency"`
	MerchantID    string `json:"merchant_id,omitempty"`
	HasSecretKey  bool   `json:"has_secret_key"`
	HasWebhookKey bool   `json:"has_webhook_secret"`
	Enabled       bool   `json:"enabled"`
}

func NewGatewayConfigResponse(gw *model.TenantGateway) *GatewayConfigResponse {
	return &GatewayConfigResponse{
		TenantID:      gw.TenantID,
		Gateway:       string(gw.GatewayType),
		Sandbox:       gw.Sandbox,
		Currency:      gw.Currency,
		MerchantID:    gw.MerchantID,
		HasSecretKey:  gw.SecretKey != "",
		HasWebhookKey: gw.WebhookSecret != "",
		Enabled:       gw.Enabled,
	}
}

type FeeConfigRequest struct {
	Tier            string          `json:"tier,omitempty"`
	Percentage      decimal.Decimal `json:"percentage"`
	FixedFee        int64           `json:"fixed_fee"`
	Grandfathered   bool            `json:"grandfathered"`
	SupportOverride bool            `json:"support_override"`
	OverrideReason  string          `json:"override_reason,omitempty"`
}

type FeeConfigResponse struct {
	TenantID        string          `json:"tenant_id"`
	Percentage      decimal.Decimal `json:"percentage"`
	FixedFee        int64           `json:"fixed_fee"`
	Grandfathered   bool            `json:"grandfathered"`
	SupportOverride bool            `json:"support_override"`
	OverrideReason  string          `json:"override_reason,omitempty"`
}

func NewFeeConfigResponse(cfg *model.TenantFeeConfig) *FeeConfigResponse {
	return &FeeConfigResponse{
		TenantID:        cfg.TenantID,
		Percentage:      cfg.Percentage,
		FixedFee:        cfg.FixedFee,
		Grandfathered:   cfg.Grandfathered,
		SupportOverride: cfg.SupportOverride,
		OverrideReason:  cfg.OverrideReason,
	}
}

func rawJSON(b []byte) json.RawMessage {
	if len(b) == 0 || !json.Valid(b) {
		return nil
	}
	return json.RawMessage(b)
}
