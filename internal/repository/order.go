package repository

import (
	"context"
	"time"

	"commerce-payments/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type OrderRepository interface {
	Create(ctx context.Context, tx *gorm.DB, order *model.Order) error
	// FindByID is not tenant scoped; callers must authorize against the
	// returned order's TenantID before acting on it.
	FindByID(ctx context.Context, orderID string) (*model.Order, error)
	Get(ctx context.Context, tx *gorm.DB, tenantID, orderID string) (*model.Order, error)
	UpdatePaymentStatus(ctx context.Context, tx *gorm.DB, tenantID, orderID string, status model.PaymentStatus, paidAt *time.Time) error
	// ClaimAuthorization locks the order row for the rest of tx and reports
	// false when any payment of the order other than paymentID is authorized.
	ClaimAuthorization(ctx context.Context, tx *gorm.DB, tenantID, orderID, paymentID string) (bool, error)
}

type orderRepoImpl struct {
	db *gorm.DB
}

func NewOrderRepository(db *gorm.DB) OrderRepository {
	return &orderRepoImpl{
		db: db,
	}
}

func (r *orderRepoImpl) Create(ctx context.Context, tx *gorm.DB, order *model.Order) error {
	return tx.WithContext(ctx).Create(order).Error
}

func (r *orderRepoImpl) FindByID(ctx context.Context, orderID string) (*model.Order, error) {
	var order model.Order
	err := r.db.WithContext(ctx).
		Where("id = ?", orderID).
		First(&order).Error

	if err != nil {
		return nil, translate(err, "order "+orderID)
	}

	return &order, nil
}

func (r *orderRepoImpl) Get(ctx context.Context, tx *gorm.DB, tenantID, orderID string) (*model.Order, error) {
	var order model.Order
	err := tx.WithContext(ctx).
		Where("id = ? AND tenant_id = ?", orderID, tenantID).
		First(&order).Error

	if err != nil {
		return nil, translate(err, "order "+orderID)
	}

	return &order, nil
}

func (r *orderRepoImpl) UpdatePaymentStatus(ctx context.Context, tx *gorm.DB, tenantID, orderID string, status model.PaymentStatus, paidAt *time.Time) error {
	updates := map[string]interface{}{
		"payment_status": status,
		"updated_at":     time.Now(),
	}
	if paidAt != nil {
		updates["paid_at"] = paidAt
	}

	result := tx.WithContext(ctx).Model(&model.Order{}).
		Where("id = ? AND tenant_id = ?", orderID, tenantID).
		Updates(updates)

	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return translate(gorm.ErrRecordNotFound, "order "+orderID)
	}

	return nil
}

func (r *orderRepoImpl) ClaimAuthorization(ctx context.Context, tx *gorm.DB, tenantID, orderID, paymentID string) (bool, error) {
	// the write serializes claimants on the order row
	result := tx.WithContext(ctx).Model(&model.Order{}).
		Where("id = ? AND tenant_id = ?", orderID, tenantID).
		Update("updated_at", time.Now())
	if result.Error != nil {
		return false, result.Error
	}
	if result.RowsAffected == 0 {
		return false, translate(gorm.ErrRecordNotFound, "order "+orderID)
	}

	q := tx.WithContext(ctx).Model(&model.Payment{})
	if tx.Dialector.Name() != "sqlite" {
		// read committed rows, not the transaction's snapshot
		q = q.Clauses(clause.Locking{Strength: clause.LockingStrengthUpdate})
	}
	var held int64
	err := q.Where("order_id = ? AND tenant_id = ? AND payment_status = ? AND id <> ?",
		orderID, tenantID, model.PaymentAuthorized, paymentID).
		Count(&held).Error
	if err != nil {
		return false, err
	}
	return held == 0, nil
}
