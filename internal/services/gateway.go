package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"payments-api/internal/models"
	"payments-api/pkg/logging"
)

// PaymentGateway abstracts the external mobile-money processor. Calls are
// bounded by the client timeouts and never retried internally; retrying is
// the caller's decision.
type PaymentGateway interface {
	Initiate(ctx context.Context, req InitiateRequest) (*InitiateResult, error)
	CheckStatus(ctx context.Context, externalTransactionID string) (*StatusResult, error)
	Refund(ctx context.Context, externalTransactionID string, amountXOF int64, reason string) (*RefundResult, error)
}

// InitiateRequest carries everything needed to start a gateway payment
type InitiateRequest struct {
	AmountXOF   int64
	Method      string
	PhoneNumber string
	OrderID     string
	Description string
	CallbackURL string
}

// InitiateResult is the gateway's answer to a successful initiation
type InitiateResult struct {
	ExternalTransactionID string
	Reference             string
	RedirectURL           string
	Instructions          *PaymentInstructions
}

// StatusResult is a gateway status check mapped to internal statuses
type StatusResult struct {
	Status                string
	ExternalTransactionID string
	AmountXOF             int64
	Currency              string
	ErrorMessage          string
}

// RefundResult is the gateway's answer to a refund request
type RefundResult struct {
	RefundID string
	Status   string
}

// DexchangeClient talks to the DEXCHANGE mobile-money API. Every request
// is signed with the merchant secret; every response is treated as
// untrusted and parsed defensively.
type DexchangeClient struct {
	baseURL    string
	apiKey     string
	merchantID string
	secretKey  string
	signer     *SignatureService

	httpClient   *http.Client // initiate / refund
	statusClient *http.Client // status checks, shorter timeout
}

// NewDexchangeClient creates a new DEXCHANGE gateway client
func NewDexchangeClient(baseURL, apiKey, merchantID, secretKey string, signer *SignatureService) *DexchangeClient {
	return &DexchangeClient{
		baseURL:    baseURL,
		apiKey:     apiKey,
		merchantID: merchantID,
		secretKey:  secretKey,
		signer:     signer,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		statusClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

// dexchangeEnvelope is the common {status, message, data} response wrapper
type dexchangeEnvelope struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// Initiate starts a payment with DEXCHANGE
func (c *DexchangeClient) Initiate(ctx context.Context, req InitiateRequest) (*InitiateResult, error) {
	payload := map[string]interface{}{
		"merchant_id":    c.merchantID,
		"order_id":       req.OrderID,
		"amount":         req.AmountXOF,
		"currency":       models.CurrencyXOF,
		"payment_method": req.Method,
		"customer_phone": req.PhoneNumber,
		"description":    req.Description,
		"webhook_url":    req.CallbackURL,
		"timestamp":      time.Now().UnixMilli(),
	}

	data, err := c.post(ctx, c.httpClient, "/payments/initiate", payload)
	if err != nil {
		return nil, err
	}

	var body struct {
		TransactionID string `json:"transaction_id"`
		Reference     string `json:"reference"`
		RedirectURL   string `json:"redirect_url"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		return nil, newGatewayError("malformed initiation response: %v", err)
	}
	if body.TransactionID == "" {
		return nil, newGatewayError("initiation response missing transaction_id")
	}

	logging.Infof("Payment initiated with gateway - order: %s, transaction: %s", req.OrderID, body.TransactionID)

	return &InitiateResult{
		ExternalTransactionID: body.TransactionID,
		Reference:             body.Reference,
		RedirectURL:           body.RedirectURL,
		Instructions:          InstructionsFor(req.Method, req.PhoneNumber, req.AmountXOF),
	}, nil
}

// CheckStatus queries the gateway for a transaction's current status
func (c *DexchangeClient) CheckStatus(ctx context.Context, externalTransactionID string) (*StatusResult, error) {
	payload := map[string]interface{}{
		"merchant_id":    c.merchantID,
		"transaction_id": externalTransactionID,
		"timestamp":      time.Now().UnixMilli(),
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/payments/status/"+externalTransactionID, nil)
	if err != nil {
		return nil, newGatewayError("failed to create status request: %v", err)
	}
	c.setHeaders(httpReq, payload)

	data, err := c.do(c.statusClient, httpReq)
	if err != nil {
		return nil, err
	}

	var body struct {
		TransactionID string `json:"transaction_id"`
		Status        string `json:"status"`
		Amount        int64  `json:"amount"`
		Currency      string `json:"currency"`
		ErrorMessage  string `json:"error_message"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		return nil, newGatewayError("malformed status response: %v", err)
	}
	if body.Status == "" {
		return nil, newGatewayError("status response missing status field")
	}

	return &StatusResult{
		Status:                MapGatewayStatus(body.Status),
		ExternalTransactionID: body.TransactionID,
		AmountXOF:             body.Amount,
		Currency:              body.Currency,
		ErrorMessage:          body.ErrorMessage,
	}, nil
}

// Refund asks the gateway to reverse a completed transaction
func (c *DexchangeClient) Refund(ctx context.Context, externalTransactionID string, amountXOF int64, reason string) (*RefundResult, error) {
	payload := map[string]interface{}{
		"merchant_id":    c.merchantID,
		"transaction_id": externalTransactionID,
		"amount":         amountXOF,
		"reason":         reason,
		"timestamp":      time.Now().UnixMilli(),
	}

	data, err := c.post(ctx, c.httpClient, "/payments/refund", payload)
	if err != nil {
		return nil, err
	}

	var body struct {
		RefundID string `json:"refund_id"`
		Status   string `json:"status"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		return nil, newGatewayError("malformed refund response: %v", err)
	}
	if body.RefundID == "" {
		return nil, newGatewayError("refund response missing refund_id")
	}

	logging.Infof("Refund initiated with gateway - transaction: %s, refund: %s", externalTransactionID, body.RefundID)

	return &RefundResult{
		RefundID: body.RefundID,
		Status:   body.Status,
	}, nil
}

// post sends a signed JSON POST and unwraps the response envelope
func (c *DexchangeClient) post(ctx context.Context, client *http.Client, path string, payload map[string]interface{}) (json.RawMessage, error) {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return nil, newGatewayError("failed to marshal request: %v", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, newGatewayError("failed to create request: %v", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	c.setHeaders(httpReq, payload)

	return c.do(client, httpReq)
}

// setHeaders attaches the API key and the payload signature
func (c *DexchangeClient) setHeaders(req *http.Request, payload map[string]interface{}) {
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("X-Signature", c.signer.Sign(payload, c.secretKey))
}

// do executes the request and unwraps the DEXCHANGE envelope, converting
// transport failures and non-success replies into gateway errors
func (c *DexchangeClient) do(client *http.Client, req *http.Request) (json.RawMessage, error) {
	resp, err := client.Do(req)
	if err != nil {
		return nil, newGatewayError("payment gateway unreachable: %v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, newGatewayError("failed to read gateway response: %v", err)
	}

	var envelope dexchangeEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, newGatewayError("malformed gateway response (HTTP %d)", resp.StatusCode)
	}

	if envelope.Status != "success" {
		message := envelope.Message
		if message == "" {
			message = fmt.Sprintf("gateway returned HTTP %d", resp.StatusCode)
		}
		return nil, newGatewayError("%s", message)
	}
	if len(envelope.Data) == 0 {
		return nil, newGatewayError("gateway response missing data")
	}

	return envelope.Data, nil
}

// MapGatewayStatus maps a DEXCHANGE status to the internal payment status.
// Unknown statuses map to pending so an unrecognized value never flips a
// transaction into a terminal state.
func MapGatewayStatus(gatewayStatus string) string {
	switch gatewayStatus {
	case "PENDING":
		return models.PaymentStatusPending
	case "SUCCESS", "COMPLETED":
		return models.PaymentStatusCompleted
	case "FAILED", "CANCELLED", "EXPIRED":
		return models.PaymentStatusFailed
	case "REFUNDED":
		return models.PaymentStatusRefunded
	default:
		return models.PaymentStatusPending
	}
}
