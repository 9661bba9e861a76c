package repository

import (
	"context"

	"commerce-payments/internal/model"

	"gorm.io/gorm"
)

// HistoryRepository is append-only: there is no update or delete.
type HistoryRepository interface {
	Append(ctx context.Context, tx *gorm.DB, entry *model.OrderStatusHistory) error
	ListByOrder(ctx context.Context, tenantID, orderID string) ([]*model.OrderStatusHistory, error)
}

type historyRepoImpl struct {
	db *gorm.DB
}

func NewHistoryRepository(db *gorm.DB) HistoryRepository {
	return &historyRepoImpl{
		db: db,
	}
}

func (r *historyRepoImpl) Append(ctx context.Context, tx *gorm.DB, entry *model.OrderStatusHistory) error {
	return tx.WithContext(ctx).Create(entry).Error
}

func (r *historyRepoImpl) ListByOrder(ctx context.Context, tenantID, orderID string) ([]*model.OrderStatusHistory, error) {
	var entries []*model.OrderStatusHistory
	err := r.db.WithContext(ctx).
		Where("order_id = ? AND tenant_id = ?", orderID, tenantID).
		Order("created_at ASC").
		Find(&entries).Error

	if err != nil {
		return nil, err
	}

	return entries, nil
}
