package service

import (
	"context"
	"errors"

	"commerce-payments/internal/apperror"
	"commerce-payments/internal/model"
	"commerce-payments/internal/repository"

	"github.com/shopspring/decimal"
)

type GatewaySettings struct {
	Sandbox       bool
	Currency      string
	PublicKey     string
	SecretKey     string
	MerchantID    string
	WebhookSecret string
	Enabled       bool
}

type FeeSettings struct {
	Tier            string
	Percentage      decimal.Decimal
	FixedFee        int64
	Grandfathered   bool
	SupportOverride bool
	OverrideReason  string
}

// TenantService is the operator-facing edge of the tenant subsystem: just
// enough to configure gateways and fees for the payment core.
type TenantService interface {
	ConfigureGateway(ctx context.Context, tenantID string, gatewayType model.GatewayType, settings GatewaySettings) (*model.TenantGateway, error)
	SetFees(ctx context.Context, tenantID string, settings FeeSettings) (*model.TenantFeeConfig, error)
}

type tenantServiceImpl struct {
	tenantRepo repository.TenantRepository
}

func NewTenantService(
	tenantRepo repository.TenantRepository,
) TenantService {
	return &tenantServiceImpl{
		tenantRepo: tenantRepo,
	}
}

func (s *tenantServiceImpl) ConfigureGateway(ctx context.Context, tenantID string, gatewayType model.GatewayType, settings GatewaySettings) (*model.TenantGateway, error) {
	switch gatewayType {
	case model.GatewayStripe, model.GatewayBraintree, model.GatewayPaypal:
	default:
		return nil, apperror.Wrap(apperror.ErrUnsupportedGateway, "%q", gatewayType)
	}
	if tenantID == "" {
		return nil, apperror.Wrap(apperror.ErrValidation, "tenant id is required")
	}
	if err := s.ensureTenant(ctx, tenantID, ""); err != nil {
		return nil, err
	}

	gw := &model.TenantGateway{
		TenantID:      tenantID,
		GatewayType:   gatewayType,
		Sandbox:       settings.Sandbox,
		Currency:      settings.Currency,
		PublicKey:     settings.PublicKey,
		SecretKey:     settings.SecretKey,
		MerchantID:    settings.MerchantID,
		WebhookSecret: settings.WebhookSecret,
		Enabled:       settings.Enabled,
	}
	if err := s.tenantRepo.UpsertGateway(ctx, gw); err != nil {
		return nil, err
	}
	return s.tenantRepo.GetGateway(ctx, tenantID, gatewayType)
}

func (s *tenantServiceImpl) SetFees(ctx context.Context, tenantID string, settings FeeSettings) (*model.TenantFeeConfig, error) {
	if tenantID == "" {
		return nil, apperror.Wrap(apperror.ErrValidation, "tenant id is required")
	}
	if settings.Percentage.IsNegative() || settings.Percentage.GreaterThan(decimal.NewFromInt(100)) || settings.FixedFee < 0 {
		return nil, apperror.Wrap(apperror.ErrValidation, "fee percentage must be within [0, 100] and fixed fee non-negative")
	}
	if settings.SupportOverride && settings.OverrideReason == "" {
		return nil, apperror.Wrap(apperror.ErrValidation, "support override needs a reason")
	}
	if err := s.ensureTenant(ctx, tenantID, settings.Tier); err != nil {
		return nil, err
	}

	cfg := &model.TenantFeeConfig{
		TenantID:        tenantID,
		Percentage:      settings.Percentage,
		FixedFee:        settings.FixedFee,
		Grandfathered:   settings.Grandfathered,
		SupportOverride: settings.SupportOverride,
		OverrideReason:  settings.OverrideReason,
	}
	if err := s.tenantRepo.UpsertFeeConfig(ctx, cfg); err != nil {
		return nil, err
	}
	return s.tenantRepo.GetFeeConfig(ctx, tenantID)
}

// ensureTenant creates the tenant row on first configuration and updates its
// tier when one is given.
func (s *tenantServiceImpl) ensureTenant(ctx context.Context, tenantID, tier string) error {
	tenant, err := s.tenantRepo.GetTenant(ctx, tenantID)
	if err != nil && !errors.Is(err, apperror.ErrNotFound) {
		return err
	}
	if tenant != nil && (tier == "" || tier == tenant.Tier) {
		return nil
	}
	if tenant == nil {
		tenant = &model.Tenant{ID: tenantID, Tier: "starter", Status: "active"}
	}
	if tier != "" {
		tenant.Tier = tier
	}
	return s.tenantRepo.UpsertTenant(ctx, tenant)
}
