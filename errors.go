package main

import (
	"errors"
	"fmt"
)

type ErrorCode string

// Canonical error codes surfaced to API clients
const (
	// Client-side errors (non-retryable)
	ErrInvalidRequest ErrorCode = "INVALID_REQUEST"
	ErrNotFound       ErrorCode = "PAYMENT_NOT_FOUND"
	ErrAuthFailed     ErrorCode = "AUTHENTICATION_FAILED"
	ErrRateLimited    ErrorCode = "RATE_LIMITED"

	// Upstream errors (payment left UNKNOWN)
	ErrGatewayTimeout ErrorCode = "GATEWAY_TIMEOUT"
	ErrProviderError  ErrorCode = "PROVIDER_ERROR"

	// System errors
	ErrInternalError ErrorCode = "INTERNAL_ERROR"
	ErrOverloaded    ErrorCode = "OVERLOADED"
)

var (
	// ErrPaymentNotFound is returned when no record exists for a payment id or idempotency key
	ErrPaymentNotFound = errors.New("payment not found")

	// ErrUpstreamIndeterminate matches every *UpstreamError
	ErrUpstreamIndeterminate = errors.New("upstream outcome indeterminate")
)

// UpstreamError reports a bank call whose outcome could not be determined.
// The charge may or may not have happened on the bank side.
type UpstreamError struct {
	PaymentID  string
	Reason     string // server_error, timeout, network_error, circuit_open, unexpected_error
	StatusCode int    // bank HTTP status when one was received
	Timeout    bool
	Err        error
}

func (e *UpstreamError) Error() string {
	var msg string
	switch {
	case e.Reason == ReasonServerError:
		msg = fmt.Sprintf("Bank server error: %d", e.StatusCode)
	case e.Timeout:
		msg = "Bank request timeout"
	case e.StatusCode > 0:
		msg = fmt.Sprintf("bank %s: unexpected status %d", e.Reason, e.StatusCode)
	default:
		msg = "bank " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is(err, ErrUpstreamIndeterminate) match any UpstreamError
func (e *UpstreamError) Is(target error) bool {
	return target == ErrUpstreamIndeterminate
}

type ErrorResponse struct {
	Success   bool      `json:"success"`
	ErrorCode ErrorCode `json:"error_code"`
	Message   string    `json:"message"`
	Status    string    `json:"status,omitempty"`
	Details   string    `json:"details,omitempty"`
	PaymentID string    `json:"payment_id,omitempty"`
}

func NewErrorResponse(code ErrorCode, message string, status string, details string) ErrorResponse {
	return ErrorResponse{
		Success:   false,
		ErrorCode: code,
		Message:   message,
		Status:    status,
		Details:   details,
	}
}
