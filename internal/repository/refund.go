package repository

import (
	"context"

	"commerce-payments/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type RefundRepository interface {
	// Create reports false when the gateway refund id was already recorded.
	Create(ctx context.Context, tx *gorm.DB, refund *model.Refund) (bool, error)
	ListByPayment(ctx context.Context, tenantID, paymentID string) ([]*model.Refund, error)
}

type refundRepoImpl struct {
	db *gorm.DB
}

func NewRefundRepository(db *gorm.DB) RefundRepository {
	return &refundRepoImpl{
		db: db,
	}
}

func (r *refundRepoImpl) Create(ctx context.Context, tx *gorm.DB, refund *model.Refund) (bool, error) {
	result := tx.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "gateway_refund_id"}},
			DoNothing: true,
		}).
		Create(refund)

	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *refundRepoImpl) ListByPayment(ctx context.Context, tenantID, paymentID string) ([]*model.Refund, error) {
	var refunds []*model.Refund
	err := r.db.WithContext(ctx).
		Where("payment_id = ? AND tenant_id = ?", paymentID, tenantID).
		Order("created_at ASC").
		Find(&refunds).Error

	if err != nil {
		return nil, err
	}

	return refunds, nil
}
