package repository

import (
	"context"
	"errors"
	"strings"
	"time"

	"payments-api/internal/models"

	"gorm.io/gorm"
)

// MembershipRepository is the persistence boundary for membership plans
// and memberships. Create relies on the unique index on payment_id to
// make duplicate activation attempts harmless.
type MembershipRepository interface {
	FindActivePlan(ctx context.Context, planID string) (*models.MembershipPlan, error)
	ListActivePlans(ctx context.Context) ([]models.MembershipPlan, error)
	// Create inserts a membership; returns false when one already exists
	// for the same payment_id
	Create(ctx context.Context, membership *models.Membership) (bool, error)
	FindByPaymentID(ctx context.Context, paymentID string) (*models.Membership, error)
	CancelByPaymentID(ctx context.Context, paymentID, reason string, cancelledAt time.Time) error
}

type gormMembershipRepository struct {
	db *gorm.DB
}

// NewMembershipRepository creates a GORM-backed membership repository
func NewMembershipRepository(db *gorm.DB) MembershipRepository {
	return &gormMembershipRepository{db: db}
}

func (r *gormMembershipRepository) FindActivePlan(ctx context.Context, planID string) (*models.MembershipPlan, error) {
	var plan models.MembershipPlan
	err := r.db.WithContext(ctx).
		Where("id = ? AND is_active = ?", planID, true).
		First(&plan).Error
	if err != nil {
		return nil, err
	}
	return &plan, nil
}

func (r *gormMembershipRepository) ListActivePlans(ctx context.Context) ([]models.MembershipPlan, error) {
	var plans []models.MembershipPlan
	err := r.db.WithContext(ctx).
		Where("is_active = ?", true).
		Order("price_xof ASC").
		Find(&plans).Error
	return plans, err
}

func (r *gormMembershipRepository) Create(ctx context.Context, membership *models.Membership) (bool, error) {
	err := r.db.WithContext(ctx).Create(membership).Error
	if err != nil {
		if isDuplicateKey(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (r *gormMembershipRepository) FindByPaymentID(ctx context.Context, paymentID string) (*models.Membership, error) {
	var membership models.Membership
	if err := r.db.WithContext(ctx).Where("payment_id = ?", paymentID).First(&membership).Error; err != nil {
		return nil, err
	}
	return &membership, nil
}

func (r *gormMembershipRepository) CancelByPaymentID(ctx context.Context, paymentID, reason string, cancelledAt time.Time) error {
	return r.db.WithContext(ctx).Model(&models.Membership{}).
		Where("payment_id = ?", paymentID).
		Updates(map[string]interface{}{
			"status":           models.MembershipStatusCancelled,
			"cancelled_reason": reason,
			"cancelled_at":     cancelledAt,
		}).Error
}

// isDuplicateKey detects a unique-constraint violation across the
// postgres and sqlite drivers
func isDuplicateKey(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	message := strings.ToLower(err.Error())
	return strings.Contains(message, "duplicate key") || strings.Contains(message, "unique constraint")
}
