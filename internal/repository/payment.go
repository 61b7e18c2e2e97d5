package repository

import (
	"context"
	"errors"
	"time"

	"payments-api/internal/models"

	"gorm.io/gorm"
)

// PaymentRepository is the persistence boundary for payment rows. Status
// transitions are conditional writes: they only apply when the row is
// still in the expected prior state, and report whether they won.
type PaymentRepository interface {
	Create(ctx context.Context, payment *models.Payment) error
	FindByID(ctx context.Context, id string) (*models.Payment, error)
	FindByExternalID(ctx context.Context, externalTransactionID string) (*models.Payment, error)
	// FindPendingByUserAndPlan returns (nil, nil) when no pending payment exists
	FindPendingByUserAndPlan(ctx context.Context, userID, planID string) (*models.Payment, error)
	SetGatewayReference(ctx context.Context, id, externalTransactionID, reference string) error
	// MarkCompleted applies pending -> completed; returns false when the row was no longer pending
	MarkCompleted(ctx context.Context, id string, completedAt time.Time) (bool, error)
	// MarkFailed applies pending -> failed; returns false when the row was no longer pending
	MarkFailed(ctx context.Context, id, errorMessage string) (bool, error)
	// MarkRefunded applies completed -> refunded; returns false when the row was not completed
	MarkRefunded(ctx context.Context, id, reason, refundReference string, refundedAt time.Time) (bool, error)
	ListByUser(ctx context.Context, userID string, limit, offset int) ([]models.Payment, error)
	ListInRange(ctx context.Context, start, end *time.Time) ([]models.Payment, error)
}

type gormPaymentRepository struct {
	db *gorm.DB
}

// NewPaymentRepository creates a GORM-backed payment repository
func NewPaymentRepository(db *gorm.DB) PaymentRepository {
	return &gormPaymentRepository{db: db}
}

func (r *gormPaymentRepository) Create(ctx context.Context, payment *models.Payment) error {
	return r.db.WithContext(ctx).Create(payment).Error
}

func (r *gormPaymentRepository) FindByID(ctx context.Context, id string) (*models.Payment, error) {
	var payment models.Payment
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&payment).Error; err != nil {
		return nil, err
	}
	return &payment, nil
}

func (r *gormPaymentRepository) FindByExternalID(ctx context.Context, externalTransactionID string) (*models.Payment, error) {
	var payment models.Payment
	err := r.db.WithContext(ctx).
		Where("external_transaction_id = ? OR dexchange_reference = ?", externalTransactionID, externalTransactionID).
		First(&payment).Error
	if err != nil {
		return nil, err
	}
	return &payment, nil
}

func (r *gormPaymentRepository) FindPendingByUserAndPlan(ctx context.Context, userID, planID string) (*models.Payment, error) {
	var payment models.Payment
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND membership_plan_id = ? AND status = ?", userID, planID, models.PaymentStatusPending).
		First(&payment).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &payment, nil
}

func (r *gormPaymentRepository) SetGatewayReference(ctx context.Context, id, externalTransactionID, reference string) error {
	return r.db.WithContext(ctx).Model(&models.Payment{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"external_transaction_id": externalTransactionID,
			"dexchange_reference":     reference,
		}).Error
}

func (r *gormPaymentRepository) MarkCompleted(ctx context.Context, id string, completedAt time.Time) (bool, error) {
	result := r.db.WithContext(ctx).Model(&models.Payment{}).
		Where("id = ? AND status = ?", id, models.PaymentStatusPending).
		Updates(map[string]interface{}{
			"status":       models.PaymentStatusCompleted,
			"completed_at": completedAt,
		})
	return result.RowsAffected > 0, result.Error
}

func (r *gormPaymentRepository) MarkFailed(ctx context.Context, id, errorMessage string) (bool, error) {
	result := r.db.WithContext(ctx).Model(&models.Payment{}).
		Where("id = ? AND status = ?", id, models.PaymentStatusPending).
		Updates(map[string]interface{}{
			"status":        models.PaymentStatusFailed,
			"error_message": errorMessage,
		})
	return result.RowsAffected > 0, result.Error
}

func (r *gormPaymentRepository) MarkRefunded(ctx context.Context, id, reason, refundReference string, refundedAt time.Time) (bool, error) {
	result := r.db.WithContext(ctx).Model(&models.Payment{}).
		Where("id = ? AND status = ?", id, models.PaymentStatusCompleted).
		Updates(map[string]interface{}{
			"status":           models.PaymentStatusRefunded,
			"refund_reason":    reason,
			"refund_reference": refundReference,
			"refunded_at":      refundedAt,
		})
	return result.RowsAffected > 0, result.Error
}

func (r *gormPaymentRepository) ListByUser(ctx context.Context, userID string, limit, offset int) ([]models.Payment, error) {
	var payments []models.Payment
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(limit).
		Offset(offset).
		Find(&payments).Error
	return payments, err
}

func (r *gormPaymentRepository) ListInRange(ctx context.Context, start, end *time.Time) ([]models.Payment, error) {
	query := r.db.WithContext(ctx).Model(&models.Payment{})
	if start != nil {
		query = query.Where("created_at >= ?", *start)
	}
	if end != nil {
		query = query.Where("created_at <= ?", *end)
	}

	var payments []models.Payment
	err := query.Find(&payments).Error
	return payments, err
}
