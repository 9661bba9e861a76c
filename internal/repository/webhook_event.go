package repository

import (
	"context"
	"time"

	"commerce-payments/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type WebhookEventRepository interface {
	// CreateIfAbsent relies on the unique event_id index and reports false
	// for a duplicate delivery.
	CreateIfAbsent(ctx context.Context, event *model.WebhookEvent) (bool, error)
	FindByEventID(ctx context.Context, eventID string) (*model.WebhookEvent, error)
	MarkProcessed(ctx context.Context, eventID string) error
	MarkFailed(ctx context.Context, eventID, message string) error
	ListUnprocessed(ctx context.Context, limit int) ([]*model.WebhookEvent, error)
}

type webhookEventRepositoryImpl struct {
	db *gorm.DB
}

func NewWebhookEventRepository(db *gorm.DB) WebhookEventRepository {
	return &webhookEventRepositoryImpl{db: db}
}

func (r *webhookEventRepositoryImpl) CreateIfAbsent(ctx context.Context, event *model.WebhookEvent) (bool, error) {
	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "event_id"}},
			DoNothing: true,
		}).
		Create(event)

	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *webhookEventRepositoryImpl) FindByEventID(ctx context.Context, eventID string) (*model.WebhookEvent, error) {
	var event model.WebhookEvent
	err := r.db.WithContext(ctx).
		Where("event_id = ?", eventID).
		First(&event).Error

	if err != nil {
		return nil, translate(err, "webhook event "+eventID)
	}

	return &event, nil
}

func (r *webhookEventRepositoryImpl) MarkProcessed(ctx context.Context, eventID string) error {
	return r.db.WithContext(ctx).Model(&model.WebhookEvent{}).
		Where("event_id = ?", eventID).
		Updates(map[string]interface{}{
			"processed":     true,
			"processed_at":  time.Now(),
			"error_message": "",
			"attempts":      gorm.Expr("attempts + 1"),
		}).Error
}

func (r *webhookEventRepositoryImpl) MarkFailed(ctx context.Context, eventID, message string) error {
	return r.db.WithContext(ctx).Model(&model.WebhookEvent{}).
		Where("event_id = ? AND processed = ?", eventID, false).
		Updates(map[string]interface{}{
			"error_message": message,
			"attempts":      gorm.Expr("attempts + 1"),
		}).Error
}

func (r *webhookEventRepositoryImpl) ListUnprocessed(ctx context.Context, limit int) ([]*model.WebhookEvent, error) {
	var events []*model.WebhookEvent
	err := r.db.WithContext(ctx).
		Where("processed = ?", false).
		Order("received_at ASC").
		Limit(limit).
		Find(&events).Error

	if err != nil {
		return nil, err
	}

	return events, nil
}
