package model

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

type Order struct {
	ID            string        `gorm:"primaryKey;size:64;not null"`
	TenantID      string        `gorm:"size:64;index;not null"`
	Subtotal      int64         `gorm:"not null"` // minor units
	Tax           int64         `gorm:"not null"`
	Shipping      int64         `gorm:"not null"`
	Total         int64         `gorm:"not null"`
	Currency      string        `gorm:"size:8;not null"`
	OrderStatus   OrderStatus   `gorm:"size:32;index;not null"`
	PaymentStatus PaymentStatus `gorm:"size:32;index;not null"`
	PaidAt        *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type Payment struct {
	ID       string `gorm:"primaryKey;size:64;not null"`
	OrderID  string `gorm:"size:64;index;not null"`
	TenantID string `gorm:"size:64;index;not null"`
	Amount   int64  `gorm:"not null"`
	Currency string `gorm:"size:8;not null"`

	PaymentMethod          string        `gorm:"size:128"`
	GatewayType            GatewayType   `gorm:"size:32;index;not null"`
	GatewayTransactionID   string        `gorm:"size:128;index"`
	GatewayAuthorizationID string        `gorm:"size:128;index"`
	PaymentStatus          PaymentStatus `gorm:"size:32;index;not null"`
	RefundedAmount         int64         `gorm:"not null;default:0"`

	Fees FeeBreakdown `gorm:"embedded"`

	AuthorizedAt           *time.Time
	AuthorizationExpiresAt *time.Time
	CapturedAt             *time.Time

	// audit only, never read back into business fields
	GatewayResponse datatypes.JSON
	Metadata        datatypes.JSON
	ClientIP        string `gorm:"size:64"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

// FeeBreakdown is embedded into Payment. NetAmount = gross - TotalFees and
// TotalFees = GatewayFee + PlatformFee.
type FeeBreakdown struct {
	GatewayFee            int64           `gorm:"not null;default:0" json:"gateway_fee"`
	PlatformFee           int64           `gorm:"not null;default:0" json:"platform_fee"`
	PlatformFeePercentage decimal.Decimal `gorm:"type:decimal(7,4)" json:"platform_fee_percentage"`
	PlatformFeeFixed      int64           `gorm:"not null;default:0" json:"platform_fee_fixed"`
	TotalFees             int64           `gorm:"not null;default:0" json:"total_fees"`
	NetAmount             int64           `gorm:"not null;default:0" json:"net_amount"`
	FeeWaived             bool            `gorm:"not null;default:false" json:"fee_waived"`
	FeeWaivedReason       string          `gorm:"size:64" json:"fee_waived_reason,omitempty"`
}

// OrderStatusHistory is write-once.
type OrderStatusHistory struct {
	ID         string `gorm:"primaryKey;size:64;not null"`
	OrderID    string `gorm:"size:64;index;not null"`
	TenantID   string `gorm:"size:64;index;not null"`
	FromStatus string `gorm:"size:32"`
	ToStatus   string `gorm:"size:32"`
	ActorID    string `gorm:"size:64"`
	Reason     string `gorm:"size:255"`
	Notes      string `gorm:"type:text"`
	Metadata   datatypes.JSON
	CreatedAt  time.Time
}

type Refund struct {
	ID              string `gorm:"primaryKey;size:64;not null"`
	PaymentID       string `gorm:"size:64;index;not null"`
	TenantID        string `gorm:"size:64;index;not null"`
	GatewayRefundID string `gorm:"size:128;uniqueIndex;not null"`
	Amount          int64  `gorm:"not null"`
	Currency        string `gorm:"size:8;not null"`
	Status          string `gorm:"size:32"`
	Reason          string `gorm:"size:255"`
	ActorID         string `gorm:"size:64"`
	CreatedAt       time.Time
}

type WebhookEvent struct {
	ID           string      `gorm:"primaryKey;size:64;not null"`
	EventID      string      `gorm:"size:191;uniqueIndex;not null"` // gateway event id
	EventType    string      `gorm:"size:64;index"`
	GatewayType  GatewayType `gorm:"size:32;index"`
	TenantID     string      `gorm:"size:64;index"`
	Payload      datatypes.JSON
	Processed    bool   `gorm:"not null;default:false;index"`
	ErrorMessage string `gorm:"type:text"`
	Attempts     int    `gorm:"not null;default:0"`
	ReceivedAt   time.Time
	ProcessedAt  *time.Time
}

// Tenant is the slice of the tenant subsystem the fee calculator needs.
type Tenant struct {
	ID        string `gorm:"primaryKey;size:64;not null"`
	Tier      string `gorm:"size:32;not null"`
	Status    string `gorm:"size:32;not null"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

type TenantFeeConfig struct {
	TenantID        string          `gorm:"primaryKey;size:64;not null"`
	Percentage      decimal.Decimal `gorm:"type:decimal(7,4);not null"`
	FixedFee        int64           `gorm:"not null"`
	Grandfathered   bool            `gorm:"not null;default:false"`
	SupportOverride bool            `gorm:"not null;default:false"`
	OverrideReason  string          `gorm:"size:255"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

type TenantGateway struct {
	TenantID    string      `gorm:"primaryKey;size:64;not null"`
	GatewayType GatewayType `gorm:"primaryKey;size:32;not null"`
	Sandbox     bool        `gorm:"not null"`
	Currency    string      `gorm:"size:8;not null"`
	// paypal client id / braintree public key
	PublicKey string `gorm:"size:255"`
	// stripe secret key / paypal client secret / braintree private key
	SecretKey  string `gorm:"size:255"`
	MerchantID string `gorm:"size:128"`
	// stripe signing secret / paypal webhook id
	WebhookSecret string `gorm:"size:255"`
	Enabled       bool   `gorm:"not null"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}
