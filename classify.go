package main

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"strings"
)

// Reasons carried by UpstreamError
const (
	ReasonServerError     = "server_error"
	ReasonTimeout         = "timeout"
	ReasonNetworkError    = "network_error"
	ReasonCircuitOpen     = "circuit_open"
	ReasonUnexpectedError = "unexpected_error"
)

// classifyBankResponse maps a received bank response to a definite result or an indeterminate error.
//
//	2xx -> Authorized or Declined (a body we cannot read counts as a decline)
//	4xx -> Rejected
//	5xx -> indeterminate
//	anything else -> indeterminate
func classifyBankResponse(paymentID string, statusCode int, body []byte) (BankResult, error) {
	switch {
	case statusCode >= 200 && statusCode < 300:
		var resp bankPaymentResponse
		if err := json.Unmarshal(body, &resp); err != nil || resp.Authorized == nil {
			return BankResult{Outcome: BankDeclined}, nil
		}
		if *resp.Authorized {
			return BankResult{Outcome: BankAuthorized, AuthorizationCode: resp.AuthorizationCode}, nil
		}
		return BankResult{Outcome: BankDeclined}, nil

	case statusCode >= 400 && statusCode < 500:
		return BankResult{Outcome: BankRejected}, nil

	case statusCode >= 500:
		return BankResult{}, &UpstreamError{
			PaymentID:  paymentID,
			Reason:     ReasonServerError,
			StatusCode: statusCode,
		}

	default:
		return BankResult{}, &UpstreamError{
			PaymentID:  paymentID,
			Reason:     ReasonUnexpectedError,
			StatusCode: statusCode,
		}
	}
}

// classifyTransportError wraps a failure to obtain a bank response.
// Every such failure is indeterminate: the bank may have processed the request.
func classifyTransportError(paymentID string, err error) *UpstreamError {
	var upstream *UpstreamError
	if errors.As(err, &upstream) {
		return upstream
	}

	ue := &UpstreamError{PaymentID: paymentID, Err: err}

	switch {
	case errors.Is(err, ErrCircuitOpen):
		ue.Reason = ReasonCircuitOpen
	case isTimeoutError(err):
		ue.Reason = ReasonTimeout
		ue.Timeout = true
	case isNetworkError(err):
		ue.Reason = ReasonNetworkError
	default:
		ue.Reason = ReasonUnexpectedError
	}

	return ue
}

// isNetworkError checks if an error is a network error
func isNetworkError(err error) bool {
	if err == nil {
		return false
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}

	errStr := strings.ToLower(err.Error())
	networkErrorPatterns := []string{
		"connection reset",
		"connection refused",
		"no such host",
		"network is unreachable",
		"network is down",
		"broken pipe",
		"eof",
	}

	for _, pattern := range networkErrorPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}

// isTimeoutError checks if an error is a timeout error
func isTimeoutError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "deadline exceeded")
}
