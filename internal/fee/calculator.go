// Package fee computes the platform/gateway fee split for a payment.
package fee

import (
	"context"
	"log/slog"

	"commerce-payments/internal/model"

	"github.com/shopspring/decimal"
)

const (
	WaiverPromotional   = "promotional_tier"
	WaiverGrandfathered = "legacy_grandfathered"
	WaiverSupport       = "support_override"

	fallbackTier = "starter"
)

// Rate is a percentage (3 means 3%) plus a fixed fee in minor units.
type Rate struct {
	Percentage decimal.Decimal
	Fixed      int64
}

// DefaultTiers is used whenever a tenant has no explicit fee configuration.
var DefaultTiers = map[string]Rate{
	"starter":     {Percentage: decimal.NewFromInt(3), Fixed: 30},
	"growth":      {Percentage: decimal.RequireFromString("2.5"), Fixed: 30},
	"scale":       {Percentage: decimal.NewFromInt(2), Fixed: 25},
	"enterprise":  {Percentage: decimal.RequireFromString("1.5"), Fixed: 20},
	"promotional": {Percentage: decimal.NewFromInt(3), Fixed: 30},
}

type ConfigStore interface {
	GetFeeConfig(ctx context.Context, tenantID string) (*model.TenantFeeConfig, error)
	GetTenant(ctx context.Context, tenantID string) (*model.Tenant, error)
}

type Calculator interface {
	Calculate(ctx context.Context, tenantID string, gross, gatewayFee int64) model.FeeBreakdown
}

type calculatorImpl struct {
	store  ConfigStore
	logger *slog.Logger
}

func NewCalculator(store ConfigStore, logger *slog.Logger) Calculator {
	return &calculatorImpl{
		store:  store,
		logger: logger,
	}
}

// Calculate never fails: a missing or unreadable configuration falls back to
// the tenant's tier defaults so fee computation cannot block a payment.
func (c *calculatorImpl) Calculate(ctx context.Context, tenantID string, gross, gatewayFee int64) model.FeeBreakdown {
	tenant, err := c.store.GetTenant(ctx, tenantID)
	if err != nil {
		c.logger.Warn("tenant lookup failed, using default tier", "tenant_id", tenantID, "error", err)
		tenant = &model.Tenant{ID: tenantID, Tier: fallbackTier}
	}

	cfg, err := c.store.GetFeeConfig(ctx, tenantID)
	if err != nil {
		c.logger.Debug("no fee config, using tier defaults", "tenant_id", tenantID, "tier", tenant.Tier, "error", err)
		cfg = nil
	}

	rate := TierRate(tenant.Tier)
	if cfg != nil {
		rate = Rate{Percentage: cfg.Percentage, Fixed: cfg.FixedFee}
	}

	return Compute(rate, Waiver(tenant, cfg), gross, gatewayFee)
}

func TierRate(tier string) Rate {
	if rate, ok := DefaultTiers[tier]; ok {
		return rate
	}
	return DefaultTiers[fallbackTier]
}

type waiverRule func(t *model.Tenant, cfg *model.TenantFeeConfig) bool

// evaluated in order, first match wins
var waiverRules = []struct {
	reason string
	match  waiverRule
}{
	{WaiverSupport, func(_ *model.Tenant, cfg *model.TenantFeeConfig) bool {
		return cfg != nil && cfg.SupportOverride
	}},
	{WaiverPromotional, func(t *model.Tenant, _ *model.TenantFeeConfig) bool {
		return t.Tier == "promotional"
	}},
	{WaiverGrandfathered, func(t *model.Tenant, cfg *model.TenantFeeConfig) bool {
		return t.Status == "legacy" || (cfg != nil && cfg.Grandfathered)
	}},
}

// Waiver returns the reason the platform fee is waived, or "".
func Waiver(t *model.Tenant, cfg *model.TenantFeeConfig) string {
	for _, rule := range waiverRules {
		if rule.match(t, cfg) {
			return rule.reason
		}
	}
	return ""
}

// Compute is the pure part of the calculation. The percentage component is
// rounded half-up to a whole minor unit.
func Compute(rate Rate, waiver string, gross, gatewayFee int64) model.FeeBreakdown {
	platformFee := int64(0)
	if waiver == "" {
		platformFee = decimal.NewFromInt(gross).
			Mul(rate.Percentage).
			Shift(-2).
			Round(0).
			IntPart() + rate.Fixed
	}

	totalFees := gatewayFee + platformFee
	return model.FeeBreakdown{
		GatewayFee:            gatewayFee,
		PlatformFee:           platformFee,
		PlatformFeePercentage: rate.Percentage,
		PlatformFeeFixed:      rate.Fixed,
		TotalFees:             totalFees,
		NetAmount:             gross - totalFees,
		FeeWaived:             waiver != "",
		FeeWaivedReason:       waiver,
	}
}
