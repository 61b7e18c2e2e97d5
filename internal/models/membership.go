package models

import (
	"time"
)

// Membership statuses
const (
	MembershipStatusActive    = "active"
	MembershipStatusCancelled = "cancelled"
)

// MembershipPlan 会员套餐表
// Immutable reference data seeded at startup and managed out of band.
type MembershipPlan struct {
	BaseModel

	Name         string `json:"name" gorm:"not null;size:100"`
	Description  string `json:"description" gorm:"size:255"`
	PriceXOF     int64  `json:"price_xof" gorm:"not null"`
	DurationDays int    `json:"duration_days" gorm:"not null"`
	IsActive     bool   `json:"is_active" gorm:"default:true;index"`
}

// TableName 指定表名
func (MembershipPlan) TableName() string {
	return "membership_plans"
}

// Membership 会员资格表
// Created exactly once per completed payment; the unique index on
// payment_id is what enforces that, not application-level counting.
type Membership struct {
	BaseModel

	UserID    string `json:"user_id" gorm:"not null;index"`
	PlanID    string `json:"plan_id" gorm:"not null;index"`
	PaymentID string `json:"payment_id" gorm:"not null;uniqueIndex"`

	PlanName     string `json:"plan_name" gorm:"size:100"`
	DurationDays int    `json:"duration_days"`

	StartDate time.Time `json:"start_date"`
	ExpiresAt time.Time `json:"expires_at" gorm:"index"`

	Status          string     `json:"status" gorm:"not null;size:20;index"`
	CancelledReason string     `json:"cancelled_reason,omitempty" gorm:"size:100"`
	CancelledAt     *time.Time `json:"cancelled_at,omitempty"`
}

// TableName 指定表名
func (Membership) TableName() string {
	return "memberships"
}
