package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// BankClient sends one authorization request to the acquiring bank.
// A returned error is always an *UpstreamError: the bank may or may not have charged the card.
type BankClient interface {
	Authorize(ctx context.Context, req PaymentRequest, paymentID string) (BankResult, error)
}

// BankCallRecorder receives one audit record per bank call
type BankCallRecorder interface {
	Record(ctx context.Context, rec BankCallRecord) error
}

// maxBankResponseBytes bounds how much of a bank body we read
const maxBankResponseBytes = 64 << 10

// HTTPBankClient talks to the bank over HTTP through a circuit breaker
type HTTPBankClient struct {
	baseURL  string
	pool     *BankConnectionPool
	breaker  *CircuitBreaker
	tracker  *LatencyTracker
	recorder BankCallRecorder
	logger   *StructuredLogger
}

// HTTPBankClientOption configures optional collaborators
type HTTPBankClientOption func(*HTTPBankClient)

// WithCallRecorder audits every call into rec
func WithCallRecorder(rec BankCallRecorder) HTTPBankClientOption {
	return func(c *HTTPBankClient) { c.recorder = rec }
}

// WithLatencyTracker records call latency into t
func WithLatencyTracker(t *LatencyTracker) HTTPBankClientOption {
	return func(c *HTTPBankClient) { c.tracker = t }
}

// NewHTTPBankClient creates a bank client for baseURL
func NewHTTPBankClient(baseURL string, pool *BankConnectionPool, breaker *CircuitBreaker, logger *StructuredLogger, opts ...HTTPBankClientOption) *HTTPBankClient {
	c := &HTTPBankClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		pool:    pool,
		breaker: breaker,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Authorize implements BankClient
func (c *HTTPBankClient) Authorize(ctx context.Context, req PaymentRequest, paymentID string) (BankResult, error) {
	correlationID := CorrelationIDFromContext(ctx)
	LogBankRequest(c.logger, correlationID, paymentID)

	start := time.Now()
	var (
		result     BankResult
		statusCode int
	)

	// the breaker only counts indeterminate outcomes
	err := c.breaker.Execute(func() error {
		var callErr error
		statusCode, result, callErr = c.send(ctx, req, paymentID, correlationID)
		return callErr
	})
	latency := time.Since(start)

	var upstream *UpstreamError
	if err != nil {
		upstream = classifyTransportError(paymentID, err)
	}

	c.observe(ctx, correlationID, paymentID, latency, statusCode, result, upstream)

	if upstream != nil {
		return BankResult{}, upstream
	}
	return result, nil
}

func (c *HTTPBankClient) send(ctx context.Context, req PaymentRequest, paymentID, correlationID string) (int, BankResult, error) {
	payload, err := json.Marshal(bankPaymentRequest{
		CardNumber: req.CardNumber,
		ExpiryDate: fmt.Sprintf("%02d/%d", req.ExpiryMonth, req.ExpiryYear),
		Currency:   req.Currency,
		Amount:     req.Amount,
		CVV:        req.CVV,
	})
	if err != nil {
		return 0, BankResult{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/payments", bytes.NewReader(payload))
	if err != nil {
		return 0, BankResult{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Payment-ID", paymentID)
	if correlationID != "" {
		httpReq.Header.Set("X-Correlation-ID", correlationID)
	}

	resp, err := c.pool.Do(httpReq)
	if err != nil {
		return 0, BankResult{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBankResponseBytes))
	if err != nil {
		// the bank answered but we lost the body, which says nothing about the charge
		return resp.StatusCode, BankResult{}, &UpstreamError{
			PaymentID:  paymentID,
			Reason:     ReasonUnexpectedError,
			StatusCode: resp.StatusCode,
			Err:        err,
		}
	}

	result, err := classifyBankResponse(paymentID, resp.StatusCode, body)
	return resp.StatusCode, result, err
}

func (c *HTTPBankClient) observe(ctx context.Context, correlationID, paymentID string, latency time.Duration, statusCode int, result BankResult, upstream *UpstreamError) {
	outcome := result.Outcome.String()
	errorCode := ""
	if upstream != nil {
		outcome = upstream.Reason
		errorCode = string(ErrProviderError)
		if upstream.Timeout {
			errorCode = string(ErrGatewayTimeout)
		}
	}

	LogBankResponse(c.logger, correlationID, paymentID, outcome, latency.Milliseconds(), statusCode, errorCode)

	if c.tracker != nil {
		c.tracker.Record(latency, outcome)
	}

	if c.recorder != nil {
		rec := BankCallRecord{
			PaymentID:  paymentID,
			Outcome:    outcome,
			StatusCode: statusCode,
			LatencyMs:  latency.Milliseconds(),
		}
		if upstream != nil {
			rec.Reason = upstream.Error()
		}
		// audit must not be lost when the caller gives up
		if err := c.recorder.Record(context.WithoutCancel(ctx), rec); err != nil {
			c.logger.Warn("Failed to record bank call", map[string]interface{}{
				"correlation_id": correlationID,
				"payment_id":     paymentID,
				"error":          err.Error(),
			})
		}
	}
}
