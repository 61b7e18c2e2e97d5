package services

import (
	"errors"
	"fmt"
)

// ErrorKind is the closed set of recoverable payment error categories.
// Callers branch on the kind, never on message text.
type ErrorKind string

const (
	ErrValidation ErrorKind = "validation_error"
	ErrConflict   ErrorKind = "conflict_error"
	ErrGateway    ErrorKind = "gateway_error"
	ErrSignature  ErrorKind = "signature_error"
	ErrState      ErrorKind = "state_error"
	ErrNotFound   ErrorKind = "not_found"
)

// ServiceError is a recoverable error with a stable kind and optional
// context data surfaced to the caller (e.g. the conflicting payment id).
type ServiceError struct {
	Kind    ErrorKind
	Message string
	Data    map[string]interface{}
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func newValidationError(format string, v ...interface{}) *ServiceError {
	return &ServiceError{Kind: ErrValidation, Message: fmt.Sprintf(format, v...)}
}

func newConflictError(message string, data map[string]interface{}) *ServiceError {
	return &ServiceError{Kind: ErrConflict, Message: message, Data: data}
}

func newGatewayError(format string, v ...interface{}) *ServiceError {
	return &ServiceError{Kind: ErrGateway, Message: fmt.Sprintf(format, v...)}
}

func newSignatureError(message string) *ServiceError {
	return &ServiceError{Kind: ErrSignature, Message: message}
}

func newStateError(message string) *ServiceError {
	return &ServiceError{Kind: ErrState, Message: message}
}

func newNotFoundError(message string) *ServiceError {
	return &ServiceError{Kind: ErrNotFound, Message: message}
}

// KindOf extracts the error kind, or "" for unclassified errors
func KindOf(err error) ErrorKind {
	var se *ServiceError
	if errors.As(err, &se) {
		return se.Kind
	}
	return ""
}
