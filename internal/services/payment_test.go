package services

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"payments-api/internal/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// fakePaymentRepo is an in-memory PaymentRepository with the same
// conditional-update semantics as the GORM implementation
type fakePaymentRepo struct {
	mu       sync.Mutex
	payments map[string]*models.Payment

	setReferenceErr error
}

func newFakePaymentRepo() *fakePaymentRepo {
	return &fakePaymentRepo{payments: make(map[string]*models.Payment)}
}

func (r *fakePaymentRepo) Create(ctx context.Context, payment *models.Payment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if payment.ID == "" {
		payment.ID = uuid.NewString()
	}
	payment.CreatedAt = time.Now()
	clone := *payment
	r.payments[payment.ID] = &clone
	return nil
}

func (r *fakePaymentRepo) FindByID(ctx context.Context, id string) (*models.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	payment, ok := r.payments[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	clone := *payment
	return &clone, nil
}

func (r *fakePaymentRepo) FindByExternalID(ctx context.Context, externalID string) (*models.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, payment := range r.payments {
		if externalID != "" && (payment.ExternalTransactionID == externalID || payment.DexchangeReference == externalID) {
			clone := *payment
			return &clone, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (r *fakePaymentRepo) FindPendingByUserAndPlan(ctx context.Context, userID, planID string) (*models.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, payment := range r.payments {
		if payment.UserID == userID && payment.MembershipPlanID == planID && payment.Status == models.PaymentStatusPending {
			clone := *payment
			return &clone, nil
		}
	}
	return nil, nil
}

func (r *fakePaymentRepo) SetGatewayReference(ctx context.Context, id, externalID, reference string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.setReferenceErr != nil {
		return r.setReferenceErr
	}
	if payment, ok := r.payments[id]; ok {
		payment.ExternalTransactionID = externalID
		payment.DexchangeReference = reference
	}
	return nil
}

func (r *fakePaymentRepo) MarkCompleted(ctx context.Context, id string, completedAt time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	payment, ok := r.payments[id]
	if !ok || payment.Status != models.PaymentStatusPending {
		return false, nil
	}
	payment.Status = models.PaymentStatusCompleted
	payment.CompletedAt = &completedAt
	return true, nil
}

func (r *fakePaymentRepo) MarkFailed(ctx context.Context, id, errorMessage string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	payment, ok := r.payments[id]
	if !ok || payment.Status != models.PaymentStatusPending {
		return false, nil
	}
	payment.Status = models.PaymentStatusFailed
	payment.ErrorMessage = errorMessage
	return true, nil
}

func (r *fakePaymentRepo) MarkRefunded(ctx context.Context, id, reason, refundReference string, refundedAt time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	payment, ok := r.payments[id]
	if !ok || payment.Status != models.PaymentStatusCompleted {
		return false, nil
	}
	payment.Status = models.PaymentStatusRefunded
	payment.RefundReason = reason
	payment.RefundReference = refundReference
	payment.RefundedAt = &refundedAt
	return true, nil
}

func (r *fakePaymentRepo) ListByUser(ctx context.Context, userID string, limit, offset int) ([]models.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var result []models.Payment
	for _, payment := range r.payments {
		if payment.UserID == userID {
			result = append(result, *payment)
		}
	}
	return result, nil
}

func (r *fakePaymentRepo) ListInRange(ctx context.Context, start, end *time.Time) ([]models.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var result []models.Payment
	for _, payment := range r.payments {
		result = append(result, *payment)
	}
	return result, nil
}

func (r *fakePaymentRepo) get(t *testing.T, id string) *models.Payment {
	t.Helper()
	payment, err := r.FindByID(context.Background(), id)
	if err != nil {
		t.Fatalf("payment %s not found", id)
	}
	return payment
}

// fakeMembershipRepo is an in-memory MembershipRepository; the payment_id
// uniqueness constraint is modeled by the map key
type fakeMembershipRepo struct {
	mu          sync.Mutex
	plans       map[string]*models.MembershipPlan
	memberships map[string]*models.Membership
}

func newFakeMembershipRepo(plans ...*models.MembershipPlan) *fakeMembershipRepo {
	r := &fakeMembershipRepo{
		plans:       make(map[string]*models.MembershipPlan),
		memberships: make(map[string]*models.Membership),
	}
	for _, plan := range plans {
		r.plans[plan.ID] = plan
	}
	return r
}

func (r *fakeMembershipRepo) FindActivePlan(ctx context.Context, planID string) (*models.MembershipPlan, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	plan, ok := r.plans[planID]
	if !ok || !plan.IsActive {
		return nil, gorm.ErrRecordNotFound
	}
	clone := *plan
	return &clone, nil
}

func (r *fakeMembershipRepo) ListActivePlans(ctx context.Context) ([]models.MembershipPlan, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var plans []models.MembershipPlan
	for _, plan := range r.plans {
		if plan.IsActive {
			plans = append(plans, *plan)
		}
	}
	return plans, nil
}

func (r *fakeMembershipRepo) Create(ctx context.Context, membership *models.Membership) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.memberships[membership.PaymentID]; exists {
		return false, nil
	}
	if membership.ID == "" {
		membership.ID = uuid.NewString()
	}
	clone := *membership
	r.memberships[membership.PaymentID] = &clone
	return true, nil
}

func (r *fakeMembershipRepo) FindByPaymentID(ctx context.Context, paymentID string) (*models.Membership, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	membership, ok := r.memberships[paymentID]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	clone := *membership
	return &clone, nil
}

func (r *fakeMembershipRepo) CancelByPaymentID(ctx context.Context, paymentID, reason string, cancelledAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if membership, ok := r.memberships[paymentID]; ok {
		membership.Status = models.MembershipStatusCancelled
		membership.CancelledReason = reason
		membership.CancelledAt = &cancelledAt
	}
	return nil
}

func (r *fakeMembershipRepo) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.memberships)
}

// fakeGateway scripts gateway responses and counts calls
type fakeGateway struct {
	mu sync.Mutex

	initiateResult *InitiateResult
	initiateErr    error
	statusResult   *StatusResult
	statusErr      error
	refundResult   *RefundResult
	refundErr      error

	initiateCalls int
	statusCalls   int
	refundCalls   int
}

func (g *fakeGateway) Initiate(ctx context.Context, req InitiateRequest) (*InitiateResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.initiateCalls++
	if g.initiateErr != nil {
		return nil, g.initiateErr
	}
	return g.initiateResult, nil
}

func (g *fakeGateway) CheckStatus(ctx context.Context, externalID string) (*StatusResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.statusCalls++
	if g.statusErr != nil {
		return nil, g.statusErr
	}
	return g.statusResult, nil
}

func (g *fakeGateway) Refund(ctx context.Context, externalID string, amountXOF int64, reason string) (*RefundResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.refundCalls++
	if g.refundErr != nil {
		return nil, g.refundErr
	}
	return g.refundResult, nil
}

const testWebhookSecret = "webhook-secret"

func testPlan() *models.MembershipPlan {
	return &models.MembershipPlan{
		BaseModel:    models.BaseModel{ID: "plan-1"},
		Name:         "Mensuel",
		PriceXOF:     15000,
		DurationDays: 30,
		IsActive:     true,
	}
}

func newTestService(gateway *fakeGateway) (*PaymentService, *fakePaymentRepo, *fakeMembershipRepo) {
	payments := newFakePaymentRepo()
	memberships := newFakeMembershipRepo(testPlan())
	service := NewPaymentService(payments, memberships, gateway, NewSignatureService(),
		testWebhookSecret, "https://api.example.com/api/payments/webhook")
	return service, payments, memberships
}

// pendingPayment seeds a pending payment the way a successful initiation
// would have left it
func pendingPayment(t *testing.T, payments *fakePaymentRepo) *models.Payment {
	t.Helper()
	payment := &models.Payment{
		UserID:           "user-1",
		MembershipPlanID: "plan-1",
		AmountXOF:        15000,
		Currency:         models.CurrencyXOF,
		PaymentMethod:    models.PaymentMethodWave,
		PhoneNumber:      "+221771234567",
		Status:           models.PaymentStatusPending,
		PlanName:         "Mensuel",
		PlanDurationDays: 30,
	}
	if err := payments.Create(context.Background(), payment); err != nil {
		t.Fatalf("failed to seed payment: %v", err)
	}
	if err := payments.SetGatewayReference(context.Background(), payment.ID, "ext-1", "REF-1"); err != nil {
		t.Fatalf("failed to set gateway reference: %v", err)
	}
	return payments.get(t, payment.ID)
}

func signedWebhook(t *testing.T, payload map[string]interface{}) ([]byte, string) {
	t.Helper()
	signature := NewSignatureService().Sign(payload, testWebhookSecret)
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("failed to marshal webhook payload: %v", err)
	}
	return body, signature
}

func TestInitiatePaymentCreatesPendingTransaction(t *testing.T) {
	gateway := &fakeGateway{initiateResult: &InitiateResult{
		ExternalTransactionID: "ext-1",
		Reference:             "REF-1",
		Instructions:          InstructionsFor(models.PaymentMethodWave, "+221771234567", 15000),
	}}
	service, payments, _ := newTestService(gateway)

	result, err := service.InitiatePayment(context.Background(), "user-1", InitiatePaymentInput{
		PlanID:      "plan-1",
		Method:      models.PaymentMethodWave,
		PhoneNumber: "771234567",
	})
	if err != nil {
		t.Fatalf("InitiatePayment() unexpected error: %v", err)
	}

	if result.AmountXOF != 15000 || result.Currency != models.CurrencyXOF {
		t.Fatalf("InitiatePayment() amount = %d %s, want 15000 XOF", result.AmountXOF, result.Currency)
	}
	if result.TransactionID != "ext-1" || result.Reference != "REF-1" {
		t.Fatalf("InitiatePayment() result = %+v", result)
	}
	if result.Instructions == nil {
		t.Fatal("InitiatePayment() returned no instructions")
	}

	stored := payments.get(t, result.PaymentID)
	if stored.Status != models.PaymentStatusPending {
		t.Fatalf("stored payment status = %q, want pending", stored.Status)
	}
	if stored.ExternalTransactionID != "ext-1" {
		t.Fatalf("stored external id = %q, want ext-1", stored.ExternalTransactionID)
	}
	if stored.PhoneNumber != "+221771234567" {
		t.Fatalf("stored phone = %q, want normalized +221771234567", stored.PhoneNumber)
	}
	if stored.AmountXOF != 15000 {
		t.Fatalf("stored amount = %d, want plan price 15000", stored.AmountXOF)
	}
}

func TestInitiatePaymentUnknownPlan(t *testing.T) {
	gateway := &fakeGateway{}
	service, payments, _ := newTestService(gateway)

	_, err := service.InitiatePayment(context.Background(), "user-1", InitiatePaymentInput{
		PlanID:      "no-such-plan",
		Method:      models.PaymentMethodWave,
		PhoneNumber: "771234567",
	})
	if KindOf(err) != ErrValidation {
		t.Fatalf("InitiatePayment() error kind = %q, want %q", KindOf(err), ErrValidation)
	}
	if gateway.initiateCalls != 0 {
		t.Fatal("gateway was called for an unknown plan")
	}
	if len(payments.payments) != 0 {
		t.Fatal("a payment row was created for an unknown plan")
	}
}

func TestInitiatePaymentRejectsBadInput(t *testing.T) {
	gateway := &fakeGateway{}
	service, _, _ := newTestService(gateway)

	_, err := service.InitiatePayment(context.Background(), "user-1", InitiatePaymentInput{
		PlanID: "plan-1", Method: "paypal", PhoneNumber: "771234567",
	})
	if KindOf(err) != ErrValidation {
		t.Fatalf("unsupported method error kind = %q, want %q", KindOf(err), ErrValidation)
	}

	_, err = service.InitiatePayment(context.Background(), "user-1", InitiatePaymentInput{
		PlanID: "plan-1", Method: models.PaymentMethodWave, PhoneNumber: "12345",
	})
	if KindOf(err) != ErrValidation {
		t.Fatalf("bad phone error kind = %q, want %q", KindOf(err), ErrValidation)
	}

	if gateway.initiateCalls != 0 {
		t.Fatal("gateway was called despite invalid input")
	}
}

func TestInitiatePaymentConflictOnPending(t *testing.T) {
	gateway := &fakeGateway{}
	service, payments, _ := newTestService(gateway)
	existing := pendingPayment(t, payments)

	_, err := service.InitiatePayment(context.Background(), "user-1", InitiatePaymentInput{
		PlanID:      "plan-1",
		Method:      models.PaymentMethodWave,
		PhoneNumber: "771234567",
	})
	if KindOf(err) != ErrConflict {
		t.Fatalf("InitiatePayment() error kind = %q, want %q", KindOf(err), ErrConflict)
	}

	var se *ServiceError
	if !errors.As(err, &se) {
		t.Fatal("conflict error is not a ServiceError")
	}
	if se.Data["payment_id"] != existing.ID {
		t.Fatalf("conflict data payment_id = %v, want %s", se.Data["payment_id"], existing.ID)
	}
	if gateway.initiateCalls != 0 {
		t.Fatal("gateway was called despite the pending conflict")
	}
}

func TestInitiatePaymentGatewayFailureMarksFailed(t *testing.T) {
	gateway := &fakeGateway{initiateErr: newGatewayError("provider unavailable")}
	service, payments, _ := newTestService(gateway)

	_, err := service.InitiatePayment(context.Background(), "user-1", InitiatePaymentInput{
		PlanID:      "plan-1",
		Method:      models.PaymentMethodWave,
		PhoneNumber: "771234567",
	})
	if KindOf(err) != ErrGateway {
		t.Fatalf("InitiatePayment() error kind = %q, want %q", KindOf(err), ErrGateway)
	}

	payments.mu.Lock()
	defer payments.mu.Unlock()
	if len(payments.payments) != 1 {
		t.Fatalf("payment count = %d, want 1", len(payments.payments))
	}
	for _, payment := range payments.payments {
		if payment.Status != models.PaymentStatusFailed {
			t.Fatalf("payment status = %q, want failed", payment.Status)
		}
		if payment.ErrorMessage != "provider unavailable" {
			t.Fatalf("payment error message = %q", payment.ErrorMessage)
		}
	}
}

func TestInitiatePaymentReferenceWriteFailureMarksFailed(t *testing.T) {
	gateway := &fakeGateway{initiateResult: &InitiateResult{
		ExternalTransactionID: "ext-1",
		Reference:             "REF-1",
	}}
	service, payments, _ := newTestService(gateway)
	payments.setReferenceErr = errors.New("connection reset")

	_, err := service.InitiatePayment(context.Background(), "user-1", InitiatePaymentInput{
		PlanID:      "plan-1",
		Method:      models.PaymentMethodWave,
		PhoneNumber: "771234567",
	})
	if err == nil {
		t.Fatal("InitiatePayment() expected error when the reference write fails")
	}

	// The row must not be left pending without an external id, or it could
	// never be reconciled and would block re-initiation forever
	payments.mu.Lock()
	defer payments.mu.Unlock()
	if len(payments.payments) != 1 {
		t.Fatalf("payment count = %d, want 1", len(payments.payments))
	}
	for _, payment := range payments.payments {
		if payment.Status != models.PaymentStatusFailed {
			t.Fatalf("payment status = %q, want failed", payment.Status)
		}
	}
}

func TestCheckStatusTerminalShortCircuit(t *testing.T) {
	gateway := &fakeGateway{}
	service, payments, _ := newTestService(gateway)
	payment := pendingPayment(t, payments)

	if _, err := payments.MarkCompleted(context.Background(), payment.ID, time.Now()); err != nil {
		t.Fatal(err)
	}

	view, err := service.CheckStatus(context.Background(), "user-1", payment.ID)
	if err != nil {
		t.Fatalf("CheckStatus() unexpected error: %v", err)
	}
	if view.Status != models.PaymentStatusCompleted {
		t.Fatalf("CheckStatus() status = %q, want completed", view.Status)
	}
	if gateway.statusCalls != 0 {
		t.Fatal("gateway was called for a terminal payment")
	}
}

func TestCheckStatusAppliesCompletion(t *testing.T) {
	gateway := &fakeGateway{statusResult: &StatusResult{
		Status: models.PaymentStatusCompleted, AmountXOF: 15000, Currency: models.CurrencyXOF,
	}}
	service, payments, memberships := newTestService(gateway)
	payment := pendingPayment(t, payments)

	view, err := service.CheckStatus(context.Background(), "user-1", payment.ID)
	if err != nil {
		t.Fatalf("CheckStatus() unexpected error: %v", err)
	}
	if view.Status != models.PaymentStatusCompleted {
		t.Fatalf("CheckStatus() status = %q, want completed", view.Status)
	}
	if view.CompletedAt == nil {
		t.Fatal("CheckStatus() left completed_at unset")
	}

	membership, err := memberships.FindByPaymentID(context.Background(), payment.ID)
	if err != nil {
		t.Fatalf("no membership created: %v", err)
	}
	if membership.Status != models.MembershipStatusActive {
		t.Fatalf("membership status = %q, want active", membership.Status)
	}
	wantExpiry := membership.StartDate.AddDate(0, 0, 30)
	if !membership.ExpiresAt.Equal(wantExpiry) {
		t.Fatalf("membership expires_at = %v, want %v", membership.ExpiresAt, wantExpiry)
	}
}

func TestCheckStatusGatewayErrorLeavesPending(t *testing.T) {
	gateway := &fakeGateway{statusErr: newGatewayError("payment gateway unreachable: timeout")}
	service, payments, memberships := newTestService(gateway)
	payment := pendingPayment(t, payments)

	_, err := service.CheckStatus(context.Background(), "user-1", payment.ID)
	if KindOf(err) != ErrGateway {
		t.Fatalf("CheckStatus() error kind = %q, want %q", KindOf(err), ErrGateway)
	}

	if got := payments.get(t, payment.ID).Status; got != models.PaymentStatusPending {
		t.Fatalf("payment status = %q, want pending after gateway error", got)
	}
	if memberships.count() != 0 {
		t.Fatal("membership created despite gateway error")
	}
}

func TestCheckStatusScopedToUser(t *testing.T) {
	gateway := &fakeGateway{}
	service, payments, _ := newTestService(gateway)
	payment := pendingPayment(t, payments)

	_, err := service.CheckStatus(context.Background(), "someone-else", payment.ID)
	if KindOf(err) != ErrNotFound {
		t.Fatalf("CheckStatus() error kind = %q, want %q", KindOf(err), ErrNotFound)
	}
}

func TestHandleWebhookCompletesPayment(t *testing.T) {
	gateway := &fakeGateway{}
	service, payments, memberships := newTestService(gateway)
	payment := pendingPayment(t, payments)

	body, signature := signedWebhook(t, map[string]interface{}{
		"transactionId": "ext-1",
		"status":        "completed",
		"amount":        int64(15000),
	})

	view, err := service.HandleWebhook(context.Background(), body, signature, "203.0.113.7")
	if err != nil {
		t.Fatalf("HandleWebhook() unexpected error: %v", err)
	}
	if view.Status != models.PaymentStatusCompleted {
		t.Fatalf("HandleWebhook() status = %q, want completed", view.Status)
	}
	if memberships.count() != 1 {
		t.Fatalf("membership count = %d, want 1", memberships.count())
	}
	if got := payments.get(t, payment.ID).Status; got != models.PaymentStatusCompleted {
		t.Fatalf("payment status = %q, want completed", got)
	}
}

func TestHandleWebhookRedeliveryIsNoOp(t *testing.T) {
	gateway := &fakeGateway{}
	service, payments, memberships := newTestService(gateway)
	payment := pendingPayment(t, payments)

	body, signature := signedWebhook(t, map[string]interface{}{
		"transactionId": "ext-1",
		"status":        "completed",
	})

	for i := 0; i < 3; i++ {
		view, err := service.HandleWebhook(context.Background(), body, signature, "203.0.113.7")
		if err != nil {
			t.Fatalf("HandleWebhook() delivery %d unexpected error: %v", i+1, err)
		}
		if view.Status != models.PaymentStatusCompleted {
			t.Fatalf("HandleWebhook() delivery %d status = %q", i+1, view.Status)
		}
	}

	if memberships.count() != 1 {
		t.Fatalf("membership count after redeliveries = %d, want exactly 1", memberships.count())
	}
	if got := payments.get(t, payment.ID).Status; got != models.PaymentStatusCompleted {
		t.Fatalf("payment status = %q, want completed", got)
	}
}

func TestHandleWebhookRejectsInvalidSignature(t *testing.T) {
	gateway := &fakeGateway{}
	service, payments, memberships := newTestService(gateway)
	payment := pendingPayment(t, payments)

	// Sign one status, deliver another
	_, signature := signedWebhook(t, map[string]interface{}{
		"transactionId": "ext-1",
		"status":        "failed",
	})
	tampered, err := json.Marshal(map[string]interface{}{
		"transactionId": "ext-1",
		"status":        "completed",
	})
	if err != nil {
		t.Fatal(err)
	}

	_, err = service.HandleWebhook(context.Background(), tampered, signature, "203.0.113.7")
	if KindOf(err) != ErrSignature {
		t.Fatalf("HandleWebhook() error kind = %q, want %q", KindOf(err), ErrSignature)
	}
	if got := payments.get(t, payment.ID).Status; got != models.PaymentStatusPending {
		t.Fatalf("payment status = %q, want pending after rejected webhook", got)
	}
	if memberships.count() != 0 {
		t.Fatal("membership created from a rejected webhook")
	}
}

func TestHandleWebhookSignatureInBody(t *testing.T) {
	gateway := &fakeGateway{}
	service, payments, _ := newTestService(gateway)
	payment := pendingPayment(t, payments)

	payload := map[string]interface{}{
		"transactionId": "ext-1",
		"status":        "completed",
	}
	signature := NewSignatureService().Sign(payload, testWebhookSecret)
	payload["signature"] = signature
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}

	view, err := service.HandleWebhook(context.Background(), body, "", "203.0.113.7")
	if err != nil {
		t.Fatalf("HandleWebhook() unexpected error: %v", err)
	}
	if view.Status != models.PaymentStatusCompleted {
		t.Fatalf("HandleWebhook() status = %q, want completed", view.Status)
	}
	if got := payments.get(t, payment.ID).Status; got != models.PaymentStatusCompleted {
		t.Fatalf("payment status = %q, want completed", got)
	}
}

func TestHandleWebhookUnknownTransaction(t *testing.T) {
	gateway := &fakeGateway{}
	service, _, _ := newTestService(gateway)

	body, signature := signedWebhook(t, map[string]interface{}{
		"transactionId": "never-seen",
		"status":        "completed",
	})

	_, err := service.HandleWebhook(context.Background(), body, signature, "203.0.113.7")
	if KindOf(err) != ErrNotFound {
		t.Fatalf("HandleWebhook() error kind = %q, want %q", KindOf(err), ErrNotFound)
	}
}

func TestHandleWebhookFailureStoresErrorMessage(t *testing.T) {
	gateway := &fakeGateway{}
	service, payments, memberships := newTestService(gateway)
	payment := pendingPayment(t, payments)

	body, signature := signedWebhook(t, map[string]interface{}{
		"transactionId": "ext-1",
		"status":        "failed",
		"errorMessage":  "insufficient funds",
	})

	view, err := service.HandleWebhook(context.Background(), body, signature, "203.0.113.7")
	if err != nil {
		t.Fatalf("HandleWebhook() unexpected error: %v", err)
	}
	if view.Status != models.PaymentStatusFailed {
		t.Fatalf("HandleWebhook() status = %q, want failed", view.Status)
	}

	stored := payments.get(t, payment.ID)
	if stored.ErrorMessage != "insufficient funds" {
		t.Fatalf("payment error message = %q", stored.ErrorMessage)
	}
	if memberships.count() != 0 {
		t.Fatal("membership created for a failed payment")
	}
}

// TestPollWebhookRace drives both confirmation paths concurrently for the
// same pending payment; exactly one transition and one membership must
// result.
func TestPollWebhookRace(t *testing.T) {
	gateway := &fakeGateway{statusResult: &StatusResult{Status: models.PaymentStatusCompleted}}
	service, payments, memberships := newTestService(gateway)
	payment := pendingPayment(t, payments)

	body, signature := signedWebhook(t, map[string]interface{}{
		"transactionId": "ext-1",
		"status":        "completed",
	})

	var wg sync.WaitGroup
	errs := make(chan error, 2)

	wg.Add(2)
	go func() {
		defer wg.Done()
		_, err := service.CheckStatus(context.Background(), "user-1", payment.ID)
		errs <- err
	}()
	go func() {
		defer wg.Done()
		_, err := service.HandleWebhook(context.Background(), body, signature, "203.0.113.7")
		errs <- err
	}()
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent confirmation returned error: %v", err)
		}
	}

	if memberships.count() != 1 {
		t.Fatalf("membership count after race = %d, want exactly 1", memberships.count())
	}
	if got := payments.get(t, payment.ID).Status; got != models.PaymentStatusCompleted {
		t.Fatalf("payment status after race = %q, want completed", got)
	}
}

func TestRefundRequiresCompletedState(t *testing.T) {
	gateway := &fakeGateway{}
	service, payments, _ := newTestService(gateway)
	payment := pendingPayment(t, payments)

	_, err := service.RefundPayment(context.Background(), payment.ID, "customer request")
	if KindOf(err) != ErrState {
		t.Fatalf("refund of pending payment error kind = %q, want %q", KindOf(err), ErrState)
	}

	if _, err := payments.MarkFailed(context.Background(), payment.ID, "declined"); err != nil {
		t.Fatal(err)
	}
	_, err = service.RefundPayment(context.Background(), payment.ID, "customer request")
	if KindOf(err) != ErrState {
		t.Fatalf("refund of failed payment error kind = %q, want %q", KindOf(err), ErrState)
	}

	if gateway.refundCalls != 0 {
		t.Fatal("gateway refund called for a non-completed payment")
	}
}

func TestRefundCompletedPayment(t *testing.T) {
	gateway := &fakeGateway{
		statusResult: &StatusResult{Status: models.PaymentStatusCompleted},
		refundResult: &RefundResult{RefundID: "refund-1", Status: "REFUNDED"},
	}
	service, payments, memberships := newTestService(gateway)
	payment := pendingPayment(t, payments)

	if _, err := service.CheckStatus(context.Background(), "user-1", payment.ID); err != nil {
		t.Fatalf("failed to complete payment: %v", err)
	}

	outcome, err := service.RefundPayment(context.Background(), payment.ID, "customer request")
	if err != nil {
		t.Fatalf("RefundPayment() unexpected error: %v", err)
	}
	if outcome.RefundID != "refund-1" || outcome.Status != models.PaymentStatusRefunded {
		t.Fatalf("RefundPayment() = %+v", outcome)
	}

	stored := payments.get(t, payment.ID)
	if stored.Status != models.PaymentStatusRefunded {
		t.Fatalf("payment status = %q, want refunded", stored.Status)
	}
	if stored.RefundReference != "refund-1" || stored.RefundedAt == nil {
		t.Fatalf("refund fields not persisted: %+v", stored)
	}

	membership, err := memberships.FindByPaymentID(context.Background(), payment.ID)
	if err != nil {
		t.Fatalf("membership missing after refund: %v", err)
	}
	if membership.Status != models.MembershipStatusCancelled {
		t.Fatalf("membership status = %q, want cancelled", membership.Status)
	}
	if membership.CancelledReason != "payment_refunded" {
		t.Fatalf("membership cancelled reason = %q", membership.CancelledReason)
	}
}

func TestRefundGatewayFailureLeavesCompleted(t *testing.T) {
	gateway := &fakeGateway{
		statusResult: &StatusResult{Status: models.PaymentStatusCompleted},
		refundErr:    newGatewayError("refund not available"),
	}
	service, payments, memberships := newTestService(gateway)
	payment := pendingPayment(t, payments)

	if _, err := service.CheckStatus(context.Background(), "user-1", payment.ID); err != nil {
		t.Fatalf("failed to complete payment: %v", err)
	}

	_, err := service.RefundPayment(context.Background(), payment.ID, "customer request")
	if KindOf(err) != ErrGateway {
		t.Fatalf("RefundPayment() error kind = %q, want %q", KindOf(err), ErrGateway)
	}

	if got := payments.get(t, payment.ID).Status; got != models.PaymentStatusCompleted {
		t.Fatalf("payment status = %q, want completed after failed refund", got)
	}
	membership, err := memberships.FindByPaymentID(context.Background(), payment.ID)
	if err != nil {
		t.Fatal(err)
	}
	if membership.Status != models.MembershipStatusActive {
		t.Fatalf("membership status = %q, want still active", membership.Status)
	}
}

func TestRefundTwiceReturnsStateError(t *testing.T) {
	gateway := &fakeGateway{
		statusResult: &StatusResult{Status: models.PaymentStatusCompleted},
		refundResult: &RefundResult{RefundID: "refund-1", Status: "REFUNDED"},
	}
	service, payments, _ := newTestService(gateway)
	payment := pendingPayment(t, payments)

	if _, err := service.CheckStatus(context.Background(), "user-1", payment.ID); err != nil {
		t.Fatalf("failed to complete payment: %v", err)
	}
	if _, err := service.RefundPayment(context.Background(), payment.ID, "customer request"); err != nil {
		t.Fatalf("first refund failed: %v", err)
	}

	_, err := service.RefundPayment(context.Background(), payment.ID, "again")
	if KindOf(err) != ErrState {
		t.Fatalf("second refund error kind = %q, want %q", KindOf(err), ErrState)
	}
}

func TestGetPaymentStats(t *testing.T) {
	gateway := &fakeGateway{statusResult: &StatusResult{Status: models.PaymentStatusCompleted}}
	service, payments, _ := newTestService(gateway)
	payment := pendingPayment(t, payments)

	if _, err := service.CheckStatus(context.Background(), "user-1", payment.ID); err != nil {
		t.Fatal(err)
	}

	failed := &models.Payment{
		UserID: "user-2", MembershipPlanID: "plan-1", AmountXOF: 15000,
		PaymentMethod: models.PaymentMethodOrangeMoney, Status: models.PaymentStatusFailed,
	}
	if err := payments.Create(context.Background(), failed); err != nil {
		t.Fatal(err)
	}

	stats, err := service.GetPaymentStats(context.Background(), nil, nil)
	if err != nil {
		t.Fatalf("GetPaymentStats() unexpected error: %v", err)
	}
	if stats.TotalPayments != 2 || stats.CompletedPayments != 1 || stats.FailedPayments != 1 {
		t.Fatalf("GetPaymentStats() = %+v", stats)
	}
	if stats.CompletedAmountXOF != 15000 || stats.TotalAmountXOF != 30000 {
		t.Fatalf("GetPaymentStats() amounts = %+v", stats)
	}
	if stats.PaymentMethods[models.PaymentMethodWave] != 1 || stats.PaymentMethods[models.PaymentMethodOrangeMoney] != 1 {
		t.Fatalf("GetPaymentStats() methods = %+v", stats.PaymentMethods)
	}
}
