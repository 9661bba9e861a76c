package repository

import (
	"context"
	"strings"
	"time"

	"commerce-payments/internal/model"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Guard is the precondition of a conditional payment update.
type Guard struct {
	From []model.PaymentStatus
	// RefundedAmount, when set, must equal the stored refunded_amount.
	RefundedAmount *int64
}

// GatewayRef identifies a payment from the gateway's point of view.
type GatewayRef struct {
	TransactionID   string
	AuthorizationID string
	Reference       string // local payment id echoed back by the gateway
}

type PaymentRepository interface {
	Create(ctx context.Context, tx *gorm.DB, payment *model.Payment) error
	// FindByID is not tenant scoped; see OrderRepository.FindByID.
	FindByID(ctx context.Context, paymentID string) (*model.Payment, error)
	Get(ctx context.Context, tx *gorm.DB, tenantID, paymentID string) (*model.Payment, error)
	FindForOrder(ctx context.Context, tenantID, orderID, paymentID string) (*model.Payment, error)
	LatestByStatus(ctx context.Context, tenantID, orderID string, status model.PaymentStatus) (*model.Payment, error)
	ListByOrder(ctx context.Context, tx *gorm.DB, tenantID, orderID string) ([]*model.Payment, error)
	FindByGatewayRef(ctx context.Context, gatewayType model.GatewayType, tenantID string, ref GatewayRef) (*model.Payment, error)
	// Transition applies updates only if the row still satisfies guard and
	// reports whether it did.
	Transition(ctx context.Context, tx *gorm.DB, tenantID, paymentID string, guard Guard, updates map[string]interface{}) (bool, error)
	SaveGatewayResponse(ctx context.Context, tenantID, paymentID string, response []byte) error
	UpdateMetadata(ctx context.Context, tx *gorm.DB, tenantID, paymentID string, metadata datatypes.JSON) error
}

type paymentRepoImpl struct {
	db *gorm.DB
}

func NewPaymentRepository(db *gorm.DB) PaymentRepository {
	return &paymentRepoImpl{
		db: db,
	}
}

func (r *paymentRepoImpl) Create(ctx context.Context, tx *gorm.DB, payment *model.Payment) error {
	return tx.WithContext(ctx).Create(payment).Error
}

func (r *paymentRepoImpl) FindByID(ctx context.Context, paymentID string) (*model.Payment, error) {
	var payment model.Payment
	err := r.db.WithContext(ctx).
		Where("id = ?", paymentID).
		First(&payment).Error

	if err != nil {
		return nil, translate(err, "payment "+paymentID)
	}

	return &payment, nil
}

func (r *paymentRepoImpl) Get(ctx context.Context, tx *gorm.DB, tenantID, paymentID string) (*model.Payment, error) {
	var payment model.Payment
	err := tx.WithContext(ctx).
		Where("id = ? AND tenant_id = ?", paymentID, tenantID).
		First(&payment).Error

	if err != nil {
		return nil, translate(err, "payment "+paymentID)
	}

	return &payment, nil
}

func (r *paymentRepoImpl) FindForOrder(ctx context.Context, tenantID, orderID, paymentID string) (*model.Payment, error) {
	var payment model.Payment
	err := r.db.WithContext(ctx).
		Where("id = ? AND order_id = ? AND tenant_id = ?", paymentID, orderID, tenantID).
		First(&payment).Error

	if err != nil {
		return nil, translate(err, "payment "+paymentID)
	}

	return &payment, nil
}

func (r *paymentRepoImpl) LatestByStatus(ctx context.Context, tenantID, orderID string, status model.PaymentStatus) (*model.Payment, error) {
	var payment model.Payment
	err := r.db.WithContext(ctx).
		Where("order_id = ? AND tenant_id = ? AND payment_status = ?", orderID, tenantID, status).
		Order("created_at DESC").
		First(&payment).Error

	if err != nil {
		return nil, translate(err, "payment for order "+orderID)
	}

	return &payment, nil
}

func (r *paymentRepoImpl) ListByOrder(ctx context.Context, tx *gorm.DB, tenantID, orderID string) ([]*model.Payment, error) {
	var payments []*model.Payment
	err := tx.WithContext(ctx).
		Where("order_id = ? AND tenant_id = ?", orderID, tenantID).
		Order("created_at ASC").
		Find(&payments).Error

	if err != nil {
		return nil, err
	}

	return payments, nil
}

func (r *paymentRepoImpl) FindByGatewayRef(ctx context.Context, gatewayType model.GatewayType, tenantID string, ref GatewayRef) (*model.Payment, error) {
	var (
		conds []string
		args  []interface{}
	)
	if ref.TransactionID != "" {
		conds = append(conds, "gateway_transaction_id = ?")
		args = append(args, ref.TransactionID)
	}
	if ref.AuthorizationID != "" {
		conds = append(conds, "gateway_authorization_id = ?")
		args = append(args, ref.AuthorizationID)
	}
	if ref.Reference != "" {
		conds = append(conds, "id = ?")
		args = append(args, ref.Reference)
	}
	if len(conds) == 0 {
		return nil, translate(gorm.ErrRecordNotFound, "payment without gateway reference")
	}

	q := r.db.WithContext(ctx).
		Where("gateway_type = ?", gatewayType).
		Where("("+strings.Join(conds, " OR ")+")", args...)
	if tenantID != "" {
		q = q.Where("tenant_id = ?", tenantID)
	}

	var payment model.Payment
	err := q.Order("created_at DESC").First(&payment).Error
	if err != nil {
		return nil, translate(err, "payment for gateway reference")
	}

	return &payment, nil
}

func (r *paymentRepoImpl) Transition(ctx context.Context, tx *gorm.DB, tenantID, paymentID string, guard Guard, updates map[string]interface{}) (bool, error) {
	q := tx.WithContext(ctx).Model(&model.Payment{}).
		Where("id = ? AND tenant_id = ?", paymentID, tenantID)
	if len(guard.From) > 0 {
		q = q.Where("payment_status IN ?", guard.From)
	}
	if guard.RefundedAmount != nil {
		q = q.Where("refunded_amount = ?", *guard.RefundedAmount)
	}

	updates["updated_at"] = time.Now()
	result := q.Updates(updates)
	if result.Error != nil {
		return false, result.Error
	}

	return result.RowsAffected == 1, nil
}

func (r *paymentRepoImpl) SaveGatewayResponse(ctx context.Context, tenantID, paymentID string, response []byte) error {
	if len(response) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Model(&model.Payment{}).
		Where("id = ? AND tenant_id = ?", paymentID, tenantID).
		Updates(map[string]interface{}{
			"gateway_response": datatypes.JSON(response),
			"updated_at":       time.Now(),
		}).Error
}

func (r *paymentRepoImpl) UpdateMetadata(ctx context.Context, tx *gorm.DB, tenantID, paymentID string, metadata datatypes.JSON) error {
	return tx.WithContext(ctx).Model(&model.Payment{}).
		Where("id = ? AND tenant_id = ?", paymentID, tenantID).
		Updates(map[string]interface{}{
			"metadata":   metadata,
			"updated_at": time.Now(),
		}).Error
}

// FeeColumns maps a fee breakdown onto the embedded payment columns.
func FeeColumns(fees model.FeeBreakdown) map[string]interface{} {
	return map[string]interface{}{
		"gateway_fee":             fees.GatewayFee,
		"platform_fee":            fees.PlatformFee,
		"platform_fee_percentage": fees.PlatformFeePercentage,
		"platform_fee_fixed":      fees.PlatformFeeFixed,
		"total_fees":              fees.TotalFees,
		"net_amount":              fees.NetAmount,
		"fee_waived":              fees.FeeWaived,
		"fee_waived_reason":       fees.FeeWaivedReason,
	}
}
