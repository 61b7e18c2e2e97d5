package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"payments-api/internal/models"
	"payments-api/internal/repository"
	"payments-api/pkg/logging"

	"gorm.io/gorm"
)

// PaymentService orchestrates the payment lifecycle: initiation with the
// gateway, status reconciliation from polling and webhooks, membership
// activation, and refunds. Both confirmation paths funnel into the same
// conditional transition so a poll/webhook race can only ever apply a
// status change once.
type PaymentService struct {
	payments      repository.PaymentRepository
	memberships   repository.MembershipRepository
	gateway       PaymentGateway
	signer        *SignatureService
	webhookSecret string
	callbackURL   string

	now func() time.Time
}

// NewPaymentService creates a new payment service
func NewPaymentService(
	payments repository.PaymentRepository,
	memberships repository.MembershipRepository,
	gateway PaymentGateway,
	signer *SignatureService,
	webhookSecret string,
	callbackURL string,
) *PaymentService {
	return &PaymentService{
		payments:      payments,
		memberships:   memberships,
		gateway:       gateway,
		signer:        signer,
		webhookSecret: webhookSecret,
		callbackURL:   callbackURL,
		now:           time.Now,
	}
}

// InitiatePaymentInput is a membership purchase request
type InitiatePaymentInput struct {
	PlanID      string
	Method      string
	PhoneNumber string
}

// InitiatePaymentResult is returned to the client after a successful
// gateway initiation
type InitiatePaymentResult struct {
	PaymentID     string               `json:"payment_id"`
	TransactionID string               `json:"transaction_id"`
	Reference     string               `json:"reference"`
	AmountXOF     int64                `json:"amount"`
	Currency      string               `json:"currency"`
	PaymentMethod string               `json:"payment_method"`
	Instructions  *PaymentInstructions `json:"instructions,omitempty"`
}

// PaymentView is the client-facing projection of a payment row
type PaymentView struct {
	ID            string     `json:"id"`
	Status        string     `json:"status"`
	AmountXOF     int64      `json:"amount"`
	Currency      string     `json:"currency"`
	PaymentMethod string     `json:"payment_method"`
	PlanName      string     `json:"plan_name,omitempty"`
	TransactionID string     `json:"transaction_id,omitempty"`
	Reference     string     `json:"reference,omitempty"`
	ErrorMessage  string     `json:"error_message,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	RefundedAt    *time.Time `json:"refunded_at,omitempty"`
}

// RefundOutcome is returned after a successful refund
type RefundOutcome struct {
	RefundID string `json:"refund_id"`
	Status   string `json:"status"`
}

// PaymentStats aggregates payments for the admin dashboard
type PaymentStats struct {
	TotalPayments      int            `json:"total_payments"`
	TotalAmountXOF     int64          `json:"total_amount"`
	CompletedPayments  int            `json:"completed_payments"`
	CompletedAmountXOF int64          `json:"completed_amount"`
	PendingPayments    int            `json:"pending_payments"`
	FailedPayments     int            `json:"failed_payments"`
	RefundedPayments   int            `json:"refunded_payments"`
	PaymentMethods     map[string]int `json:"payment_methods"`
}

// ListPlans returns the active membership plans
func (s *PaymentService) ListPlans(ctx context.Context) ([]models.MembershipPlan, error) {
	return s.memberships.ListActivePlans(ctx)
}

// InitiatePayment validates the purchase, records a pending payment and
// starts the transaction with the gateway. The amount is always taken
// from the plan, never from the client.
func (s *PaymentService) InitiatePayment(ctx context.Context, userID string, input InitiatePaymentInput) (*InitiatePaymentResult, error) {
	if !IsSupportedMethod(input.Method) {
		return nil, newValidationError("unsupported payment method: %s", input.Method)
	}

	phone, err := FormatSenegalPhone(input.PhoneNumber)
	if err != nil {
		return nil, newValidationError("%v", err)
	}

	plan, err := s.memberships.FindActivePlan(ctx, input.PlanID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, newValidationError("membership plan not found")
		}
		return nil, fmt.Errorf("failed to load membership plan: %w", err)
	}

	if err := ValidateAmount(input.Method, plan.PriceXOF); err != nil {
		return nil, newValidationError("%v", err)
	}

	existing, err := s.payments.FindPendingByUserAndPlan(ctx, userID, input.PlanID)
	if err != nil {
		return nil, fmt.Errorf("failed to check pending payments: %w", err)
	}
	if existing != nil {
		return nil, newConflictError("a payment is already pending for this plan", map[string]interface{}{
			"payment_id":     existing.ID,
			"transaction_id": existing.ExternalTransactionID,
			"reference":      existing.DexchangeReference,
		})
	}

	payment := &models.Payment{
		UserID:           userID,
		MembershipPlanID: plan.ID,
		AmountXOF:        plan.PriceXOF,
		Currency:         models.CurrencyXOF,
		PaymentMethod:    input.Method,
		PhoneNumber:      phone,
		Status:           models.PaymentStatusPending,
		PlanName:         plan.Name,
		PlanDurationDays: plan.DurationDays,
	}
	if err := s.payments.Create(ctx, payment); err != nil {
		return nil, fmt.Errorf("failed to create payment: %w", err)
	}

	result, err := s.gateway.Initiate(ctx, InitiateRequest{
		AmountXOF:   plan.PriceXOF,
		Method:      input.Method,
		PhoneNumber: phone,
		OrderID:     payment.ID,
		Description: fmt.Sprintf("Abonnement %s - Arcadis Fit", plan.Name),
		CallbackURL: s.callbackURL,
	})
	if err != nil {
		message := err.Error()
		var se *ServiceError
		if errors.As(err, &se) {
			message = se.Message
		}
		if _, markErr := s.payments.MarkFailed(ctx, payment.ID, message); markErr != nil {
			logging.Errorf("Failed to mark payment %s as failed: %v", payment.ID, markErr)
		}
		return nil, err
	}

	if err := s.payments.SetGatewayReference(ctx, payment.ID, result.ExternalTransactionID, result.Reference); err != nil {
		// Without the external id the row could never be reconciled; fail it
		// so the user can re-initiate. The instructions were never returned,
		// so the gateway transaction cannot be paid.
		logging.Errorf("Failed to store gateway reference for payment %s (transaction %s): %v",
			payment.ID, result.ExternalTransactionID, err)
		if _, markErr := s.payments.MarkFailed(ctx, payment.ID, "failed to record gateway reference"); markErr != nil {
			logging.Errorf("Failed to mark payment %s as failed: %v", payment.ID, markErr)
		}
		return nil, fmt.Errorf("failed to store gateway reference: %w", err)
	}

	logging.Infof("Payment initiated - payment: %s, user: %s, amount: %d %s, method: %s",
		payment.ID, userID, plan.PriceXOF, models.CurrencyXOF, input.Method)

	return &InitiatePaymentResult{
		PaymentID:     payment.ID,
		TransactionID: result.ExternalTransactionID,
		Reference:     result.Reference,
		AmountXOF:     plan.PriceXOF,
		Currency:      models.CurrencyXOF,
		PaymentMethod: input.Method,
		Instructions:  result.Instructions,
	}, nil
}

// CheckStatus is the poll path of the reconciler. Terminal payments are
// answered from the ledger without touching the gateway; pending ones are
// checked against the gateway and transitioned through the conditional
// update. A gateway failure leaves the payment pending.
func (s *PaymentService) CheckStatus(ctx context.Context, userID, paymentID string) (*PaymentView, error) {
	payment, err := s.findUserPayment(ctx, userID, paymentID)
	if err != nil {
		return nil, err
	}

	if payment.IsTerminal() {
		return paymentView(payment), nil
	}

	externalID := payment.ExternalTransactionID
	if externalID == "" {
		externalID = payment.DexchangeReference
	}
	if externalID == "" {
		// Initiation never reached the gateway; nothing to reconcile
		return paymentView(payment), nil
	}

	status, err := s.gateway.CheckStatus(ctx, externalID)
	if err != nil {
		return nil, err
	}

	updated, _, err := s.applyGatewayStatus(ctx, payment, status.Status, status.ErrorMessage)
	if err != nil {
		return nil, err
	}
	return paymentView(updated), nil
}

// HandleWebhook is the webhook path of the reconciler. The signature is
// verified before anything else; redelivery of an already-applied webhook
// acknowledges without side effects.
func (s *PaymentService) HandleWebhook(ctx context.Context, rawPayload []byte, signature, sourceIP string) (*PaymentView, error) {
	decoder := json.NewDecoder(bytes.NewReader(rawPayload))
	decoder.UseNumber()

	var payload map[string]interface{}
	if err := decoder.Decode(&payload); err != nil {
		return nil, newValidationError("invalid webhook payload")
	}

	if signature == "" {
		signature, _ = payloadString(payload, "signature")
	}
	delete(payload, "signature")

	if !s.signer.Verify(payload, signature, s.webhookSecret) {
		logging.Warnf("Webhook signature verification failed - source: %s", sourceIP)
		return nil, newSignatureError("invalid webhook signature")
	}

	transactionID, ok := payloadString(payload, "transactionId", "transaction_id")
	if !ok || transactionID == "" {
		return nil, newValidationError("webhook payload missing transactionId")
	}
	rawStatus, ok := payloadString(payload, "status")
	if !ok || rawStatus == "" {
		return nil, newValidationError("webhook payload missing status")
	}
	errorMessage, _ := payloadString(payload, "errorMessage", "error_message")

	payment, err := s.payments.FindByExternalID(ctx, transactionID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			logging.Warnf("Webhook for unknown transaction %s - source: %s", transactionID, sourceIP)
			return nil, newNotFoundError("payment not found")
		}
		return nil, fmt.Errorf("failed to load payment: %w", err)
	}

	if payment.IsTerminal() {
		// Redelivery of an already-applied webhook
		logging.Infof("Webhook redelivery for payment %s (status %s), acknowledging", payment.ID, payment.Status)
		return paymentView(payment), nil
	}

	updated, transitioned, err := s.applyGatewayStatus(ctx, payment, normalizeStatus(rawStatus), errorMessage)
	if err != nil {
		return nil, err
	}
	if transitioned {
		logging.Infof("Webhook applied - payment: %s, status: %s", updated.ID, updated.Status)
	}
	return paymentView(updated), nil
}

// RefundPayment reverses a completed payment: gateway refund first, then
// the conditional completed -> refunded write, then membership
// cancellation. A gateway failure leaves the payment completed.
func (s *PaymentService) RefundPayment(ctx context.Context, paymentID, reason string) (*RefundOutcome, error) {
	payment, err := s.findUserPayment(ctx, "", paymentID)
	if err != nil {
		return nil, err
	}

	if payment.Status != models.PaymentStatusCompleted {
		return nil, newStateError("only completed payments can be refunded")
	}

	externalID := payment.ExternalTransactionID
	if externalID == "" {
		externalID = payment.DexchangeReference
	}

	result, err := s.gateway.Refund(ctx, externalID, payment.AmountXOF, reason)
	if err != nil {
		return nil, err
	}

	refundedAt := s.now()
	won, err := s.payments.MarkRefunded(ctx, payment.ID, reason, result.RefundID, refundedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to mark payment refunded: %w", err)
	}
	if !won {
		return nil, newStateError("payment is no longer refundable")
	}

	if err := s.memberships.CancelByPaymentID(ctx, payment.ID, "payment_refunded", refundedAt); err != nil {
		return nil, fmt.Errorf("failed to cancel membership: %w", err)
	}

	logging.Infof("Payment refunded - payment: %s, refund: %s, reason: %s", payment.ID, result.RefundID, reason)

	return &RefundOutcome{
		RefundID: result.RefundID,
		Status:   models.PaymentStatusRefunded,
	}, nil
}

// GetPaymentHistory returns a user's payments, newest first
func (s *PaymentService) GetPaymentHistory(ctx context.Context, userID string, page, limit int) ([]PaymentView, error) {
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 100 {
		limit = 20
	}

	payments, err := s.payments.ListByUser(ctx, userID, limit, (page-1)*limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load payment history: %w", err)
	}

	views := make([]PaymentView, 0, len(payments))
	for i := range payments {
		views = append(views, *paymentView(&payments[i]))
	}
	return views, nil
}

// GetPaymentStats aggregates payments in the optional date range
func (s *PaymentService) GetPaymentStats(ctx context.Context, start, end *time.Time) (*PaymentStats, error) {
	payments, err := s.payments.ListInRange(ctx, start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to load payments: %w", err)
	}

	stats := &PaymentStats{
		PaymentMethods: map[string]int{
			models.PaymentMethodWave:        0,
			models.PaymentMethodOrangeMoney: 0,
		},
	}

	for i := range payments {
		payment := &payments[i]
		stats.TotalPayments++
		stats.TotalAmountXOF += payment.AmountXOF

		switch payment.Status {
		case models.PaymentStatusCompleted:
			stats.CompletedPayments++
			stats.CompletedAmountXOF += payment.AmountXOF
		case models.PaymentStatusPending:
			stats.PendingPayments++
		case models.PaymentStatusFailed:
			stats.FailedPayments++
		case models.PaymentStatusRefunded:
			stats.RefundedPayments++
		}

		if _, ok := stats.PaymentMethods[payment.PaymentMethod]; ok {
			stats.PaymentMethods[payment.PaymentMethod]++
		}
	}

	return stats, nil
}

// applyGatewayStatus is the single transition point shared by the poll
// and webhook paths. Transitions out of pending go through conditional
// writes; the loser of a race observes zero affected rows, reloads, and
// performs no side effects. Statuses that have no legal transition from
// pending (including refunded) leave the row untouched.
func (s *PaymentService) applyGatewayStatus(ctx context.Context, payment *models.Payment, status, errorMessage string) (*models.Payment, bool, error) {
	switch status {
	case models.PaymentStatusCompleted:
		completedAt := s.now()
		won, err := s.payments.MarkCompleted(ctx, payment.ID, completedAt)
		if err != nil {
			return nil, false, fmt.Errorf("failed to complete payment: %w", err)
		}
		if !won {
			reloaded, err := s.payments.FindByID(ctx, payment.ID)
			if err != nil {
				return nil, false, fmt.Errorf("failed to reload payment: %w", err)
			}
			return reloaded, false, nil
		}

		payment.Status = models.PaymentStatusCompleted
		payment.CompletedAt = &completedAt

		if err := s.activateMembership(ctx, payment); err != nil {
			return nil, false, err
		}
		return payment, true, nil

	case models.PaymentStatusFailed:
		won, err := s.payments.MarkFailed(ctx, payment.ID, errorMessage)
		if err != nil {
			return nil, false, fmt.Errorf("failed to mark payment failed: %w", err)
		}
		if !won {
			reloaded, err := s.payments.FindByID(ctx, payment.ID)
			if err != nil {
				return nil, false, fmt.Errorf("failed to reload payment: %w", err)
			}
			return reloaded, false, nil
		}

		payment.Status = models.PaymentStatusFailed
		payment.ErrorMessage = errorMessage
		return payment, true, nil

	default:
		return payment, false, nil
	}
}

// activateMembership creates the membership for a completed payment. The
// unique index on payment_id makes a duplicate attempt a no-op, so a
// restart or double invocation never produces a second membership.
func (s *PaymentService) activateMembership(ctx context.Context, payment *models.Payment) error {
	durationDays := payment.PlanDurationDays
	planName := payment.PlanName
	if durationDays <= 0 {
		plan, err := s.memberships.FindActivePlan(ctx, payment.MembershipPlanID)
		if err != nil {
			return fmt.Errorf("failed to load plan for membership: %w", err)
		}
		durationDays = plan.DurationDays
		planName = plan.Name
	}

	startDate := s.now()
	membership := &models.Membership{
		UserID:       payment.UserID,
		PlanID:       payment.MembershipPlanID,
		PaymentID:    payment.ID,
		PlanName:     planName,
		DurationDays: durationDays,
		StartDate:    startDate,
		ExpiresAt:    startDate.AddDate(0, 0, durationDays),
		Status:       models.MembershipStatusActive,
	}

	created, err := s.memberships.Create(ctx, membership)
	if err != nil {
		return fmt.Errorf("failed to create membership: %w", err)
	}
	if !created {
		logging.Infof("Membership already exists for payment %s, skipping activation", payment.ID)
		return nil
	}

	logging.Infof("Membership created - user: %s, payment: %s, expires: %s",
		payment.UserID, payment.ID, membership.ExpiresAt.Format(time.RFC3339))
	return nil
}

// findUserPayment loads a payment, optionally scoped to a user. A payment
// belonging to another user is reported as not found.
func (s *PaymentService) findUserPayment(ctx context.Context, userID, paymentID string) (*models.Payment, error) {
	payment, err := s.payments.FindByID(ctx, paymentID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, newNotFoundError("payment not found")
		}
		return nil, fmt.Errorf("failed to load payment: %w", err)
	}
	if userID != "" && payment.UserID != userID {
		return nil, newNotFoundError("payment not found")
	}
	return payment, nil
}

// normalizeStatus accepts both gateway statuses and already-internal
// values from the webhook body
func normalizeStatus(status string) string {
	switch status {
	case models.PaymentStatusPending, models.PaymentStatusCompleted,
		models.PaymentStatusFailed, models.PaymentStatusRefunded:
		return status
	default:
		return MapGatewayStatus(status)
	}
}

// payloadString extracts the first present string field among keys
func payloadString(payload map[string]interface{}, keys ...string) (string, bool) {
	for _, key := range keys {
		if value, ok := payload[key]; ok {
			if str, ok := value.(string); ok {
				return str, true
			}
		}
	}
	return "", false
}

func paymentView(payment *models.Payment) *PaymentView {
	return &PaymentView{
		ID:            payment.ID,
		Status:        payment.Status,
		AmountXOF:     payment.AmountXOF,
		Currency:      payment.Currency,
		PaymentMethod: payment.PaymentMethod,
		PlanName:      payment.PlanName,
		TransactionID: payment.ExternalTransactionID,
		Reference:     payment.DexchangeReference,
		ErrorMessage:  payment.ErrorMessage,
		CreatedAt:     payment.CreatedAt,
		CompletedAt:   payment.CompletedAt,
		RefundedAt:    payment.RefundedAt,
	}
}
