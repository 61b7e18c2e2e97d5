package models

import (
	"time"
)

// Payment statuses. A payment starts pending and moves exactly once to
// completed or failed; a completed payment may later become refunded.
const (
	PaymentStatusPending   = "pending"
	PaymentStatusCompleted = "completed"
	PaymentStatusFailed    = "failed"
	PaymentStatusRefunded  = "refunded"
)

// Supported mobile-money payment methods
const (
	PaymentMethodWave        = "wave"
	PaymentMethodOrangeMoney = "orange_money"
)

// CurrencyXOF is the only supported currency (West African CFA franc)
const CurrencyXOF = "XOF"

// Payment 支付交易表
// One row per initiated membership payment; rows are never deleted.
type Payment struct {
	BaseModel

	// 关联字段
	UserID           string `json:"user_id" gorm:"not null;index"`
	MembershipPlanID string `json:"membership_plan_id" gorm:"not null;index"`

	// 金额
	AmountXOF int64  `json:"amount_xof" gorm:"not null"`
	Currency  string `json:"currency" gorm:"not null;size:3;default:'XOF'"`

	// 支付方式
	PaymentMethod string `json:"payment_method" gorm:"not null;size:20"` // wave 或 orange_money
	PhoneNumber   string `json:"phone_number" gorm:"size:20"`

	// 状态
	Status       string `json:"status" gorm:"not null;size:20;index"`
	ErrorMessage string `json:"error_message,omitempty"`

	// Plan snapshot, kept so history survives plan edits
	PlanName         string `json:"plan_name" gorm:"size:100"`
	PlanDurationDays int    `json:"plan_duration_days"`

	// 网关字段
	ExternalTransactionID string `json:"external_transaction_id" gorm:"size:100;index"` // gateway-assigned, empty until initiation succeeds
	DexchangeReference    string `json:"dexchange_reference" gorm:"size:100"`

	// 退款字段
	RefundReason    string `json:"refund_reason,omitempty" gorm:"size:255"`
	RefundReference string `json:"refund_reference,omitempty" gorm:"size:100"`

	// 时间
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	RefundedAt  *time.Time `json:"refunded_at,omitempty"`
}

// TableName 指定表名
func (Payment) TableName() string {
	return "payments"
}

// IsTerminal reports whether the payment can no longer transition
// (except for the completed -> refunded edge handled by refunds)
func (p *Payment) IsTerminal() bool {
	return p.Status != PaymentStatusPending
}
