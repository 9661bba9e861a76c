package repository

import (
	"context"
	"time"

	"commerce-payments/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// TenantRepository reads and writes the tenant-owned configuration the
// payment core consumes: tier, fee configuration and gateway credentials.
type TenantRepository interface {
	GetTenant(ctx context.Context, tenantID string) (*model.Tenant, error)
	UpsertTenant(ctx context.Context, tenant *model.Tenant) error
	GetFeeConfig(ctx context.Context, tenantID string) (*model.TenantFeeConfig, error)
	UpsertFeeConfig(ctx context.Context, cfg *model.TenantFeeConfig) error
	GetGateway(ctx context.Context, tenantID string, gatewayType model.GatewayType) (*model.TenantGateway, error)
	UpsertGateway(ctx context.Context, gw *model.TenantGateway) error
}

type tenantRepoImpl struct {
	db *gorm.DB
}

func NewTenantRepository(db *gorm.DB) TenantRepository {
	return &tenantRepoImpl{
		db: db,
	}
}

func (r *tenantRepoImpl) GetTenant(ctx context.Context, tenantID string) (*model.Tenant, error) {
	var tenant model.Tenant
	err := r.db.WithContext(ctx).
		Where("id = ?", tenantID).
		First(&tenant).Error
	if err != nil {
		return nil, translate(err, "tenant "+tenantID)
	}

	return &tenant, nil
}

func (r *tenantRepoImpl) UpsertTenant(ctx context.Context, tenant *model.Tenant) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"tier":       tenant.Tier,
			"status":     tenant.Status,
			"updated_at": time.Now(),
		}),
	}).Create(tenant).Error
}

func (r *tenantRepoImpl) GetFeeConfig(ctx context.Context, tenantID string) (*model.TenantFeeConfig, error) {
	var cfg model.TenantFeeConfig
	err := r.db.WithContext(ctx).
		Where("tenant_id = ?", tenantID).
		First(&cfg).Error
	if err != nil {
		return nil, translate(err, "fee config for tenant "+tenantID)
	}

	return &cfg, nil
}

func (r *tenantRepoImpl) UpsertFeeConfig(ctx context.Context, cfg *model.TenantFeeConfig) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "tenant_id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"percentage":       cfg.Percentage,
			"fixed_fee":        cfg.FixedFee,
			"grandfathered":    cfg.Grandfathered,
			"support_override": cfg.SupportOverride,
			"override_reason":  cfg.OverrideReason,
			"updated_at":       time.Now(),
		}),
	}).Create(cfg).Error
}

func (r *tenantRepoImpl) GetGateway(ctx context.Context, tenantID string, gatewayType model.GatewayType) (*model.TenantGateway, error) {
	var gw model.TenantGateway
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND gateway_type = ?", tenantID, gatewayType).
		First(&gw).Error
	if err != nil {
		return nil, translate(err, "gateway config")
	}

	return &gw, nil
}

func (r *tenantRepoImpl) UpsertGateway(ctx context.Context, gw *model.TenantGateway) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "tenant_id"}, {Name: "gateway_type"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"sandbox":        gw.Sandbox,
			"currency":       gw.Currency,
			"public_key":     gw.PublicKey,
			"secret_key":     gw.SecretKey,
			"merchant_id":    gw.MerchantID,
			"webhook_secret": gw.WebhookSecret,
			"enabled":        gw.Enabled,
			"updated_at":     time.Now(),
		}),
	}).Create(gw).Error
}
