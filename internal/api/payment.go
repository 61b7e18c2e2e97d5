package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"payments-api/internal/middleware"
	"payments-api/internal/response"
	"payments-api/internal/services"
	"payments-api/pkg/logging"

	"github.com/gin-gonic/gin"
)

// PaymentHandler exposes the payment service over HTTP
type PaymentHandler struct {
	service *services.PaymentService
}

// NewPaymentHandler creates a new payment handler
func NewPaymentHandler(service *services.PaymentService) *PaymentHandler {
	return &PaymentHandler{service: service}
}

// GetMembershipPlans lists active membership plans
// GET /api/payments/plans
func (h *PaymentHandler) GetMembershipPlans(c *gin.Context) {
	plans, err := h.service.ListPlans(c.Request.Context())
	if err != nil {
		logging.Errorf("Failed to list membership plans: %v", err)
		response.ErrorJSON(c, http.StatusInternalServerError, "Failed to get membership plans")
		return
	}

	response.SuccessJSON(c, gin.H{"plans": plans})
}

// GetPaymentMethods lists the supported mobile-money methods
// GET /api/payments/methods
func (h *PaymentHandler) GetPaymentMethods(c *gin.Context) {
	response.SuccessJSON(c, gin.H{"methods": services.SupportedMethods()})
}

// InitiatePaymentRequest is the initiation request body
type InitiatePaymentRequest struct {
	MembershipPlanID string `json:"membership_plan_id" binding:"required"`
	PaymentMethod    string `json:"payment_method" binding:"required"`
	PhoneNumber      string `json:"phone_number" binding:"required"`
}

// InitiatePayment starts a membership payment
// POST /api/payments/initiate
func (h *PaymentHandler) InitiatePayment(c *gin.Context) {
	var req InitiatePaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ErrorJSON(c, http.StatusBadRequest, "Invalid request format: "+err.Error())
		return
	}

	result, err := h.service.InitiatePayment(c.Request.Context(), middleware.UserID(c), services.InitiatePaymentInput{
		PlanID:      req.MembershipPlanID,
		Method:      req.PaymentMethod,
		PhoneNumber: req.PhoneNumber,
	})
	if err != nil {
		h.serviceError(c, err, "Failed to initiate payment")
		return
	}

	response.SuccessJSON(c, result)
}

// CheckPaymentStatus polls a payment's status
// GET /api/payments/:paymentId/status
func (h *PaymentHandler) CheckPaymentStatus(c *gin.Context) {
	view, err := h.service.CheckStatus(c.Request.Context(), middleware.UserID(c), c.Param("paymentId"))
	if err != nil {
		h.serviceError(c, err, "Failed to check payment status")
		return
	}

	response.SuccessJSON(c, gin.H{"payment": view})
}

// GetPaymentHistory returns the user's payments
// GET /api/payments/history?page=1&limit=20
func (h *PaymentHandler) GetPaymentHistory(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))

	payments, err := h.service.GetPaymentHistory(c.Request.Context(), middleware.UserID(c), page, limit)
	if err != nil {
		h.serviceError(c, err, "Failed to get payment history")
		return
	}

	response.SuccessJSON(c, gin.H{
		"payments": payments,
		"pagination": gin.H{
			"page":     page,
			"limit":    limit,
			"has_more": len(payments) == limit,
		},
	})
}

// HandleWebhook receives gateway payment notifications
// POST /api/payments/webhook
func (h *PaymentHandler) HandleWebhook(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil || len(body) == 0 {
		response.ErrorJSON(c, http.StatusBadRequest, "Empty request body")
		return
	}

	signature := c.GetHeader("X-Dexchange-Signature")

	view, err := h.service.HandleWebhook(c.Request.Context(), body, signature, c.ClientIP())
	if err != nil {
		h.serviceError(c, err, "Failed to process webhook")
		return
	}

	response.SuccessJSON(c, gin.H{"payment": view})
}

// RefundPaymentRequest is the refund request body
type RefundPaymentRequest struct {
	Reason string `json:"reason" binding:"required"`
}

// RefundPayment refunds a completed payment (admin only)
// POST /api/payments/:paymentId/refund
func (h *PaymentHandler) RefundPayment(c *gin.Context) {
	var req RefundPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ErrorJSON(c, http.StatusBadRequest, "Invalid request format: "+err.Error())
		return
	}

	result, err := h.service.RefundPayment(c.Request.Context(), c.Param("paymentId"), req.Reason)
	if err != nil {
		h.serviceError(c, err, "Failed to refund payment")
		return
	}

	response.SuccessJSON(c, result)
}

// GetPaymentStats returns aggregate payment statistics (admin only)
// GET /api/payments/stats?start_date=...&end_date=...
func (h *PaymentHandler) GetPaymentStats(c *gin.Context) {
	start, err := parseDateQuery(c.Query("start_date"))
	if err != nil {
		response.ErrorJSON(c, http.StatusBadRequest, "Invalid start_date")
		return
	}
	end, err := parseDateQuery(c.Query("end_date"))
	if err != nil {
		response.ErrorJSON(c, http.StatusBadRequest, "Invalid end_date")
		return
	}

	stats, err := h.service.GetPaymentStats(c.Request.Context(), start, end)
	if err != nil {
		h.serviceError(c, err, "Failed to get payment stats")
		return
	}

	response.SuccessJSON(c, gin.H{"stats": stats})
}

// serviceError maps a service error kind to an HTTP status and a stable
// error code in the response body
func (h *PaymentHandler) serviceError(c *gin.Context, err error, fallback string) {
	var se *services.ServiceError
	if !errors.As(err, &se) {
		logging.Errorf("%s: %v", fallback, err)
		response.ErrorJSON(c, http.StatusInternalServerError, fallback)
		return
	}

	status := http.StatusInternalServerError
	switch se.Kind {
	case services.ErrValidation:
		status = http.StatusBadRequest
	case services.ErrConflict:
		status = http.StatusConflict
	case services.ErrGateway:
		status = http.StatusBadGateway
	case services.ErrSignature:
		status = http.StatusUnauthorized
	case services.ErrState:
		status = http.StatusBadRequest
	case services.ErrNotFound:
		status = http.StatusNotFound
	}

	response.JSON(c, status, response.ErrorWithCode(string(se.Kind), se.Message, se.Data))
}

func parseDateQuery(value string) (*time.Time, error) {
	if value == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		// Accept bare dates too
		t, err = time.Parse("2006-01-02", value)
		if err != nil {
			return nil, err
		}
	}
	return &t, nil
}
