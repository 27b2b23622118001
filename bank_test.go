package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *StructuredLogger {
	return NewStructuredLoggerTo(io.Discard, LogLevelDebug, true)
}

type recordingAudit struct {
	mu      sync.Mutex
	records []BankCallRecord
}

func (r *recordingAudit) Record(ctx context.Context, rec BankCallRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
	return nil
}

func (r *recordingAudit) all() []BankCallRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]BankCallRecord(nil), r.records...)
}

func sampleRequest() PaymentRequest {
	return PaymentRequest{
		CardNumber:  "2222405343248877",
		ExpiryMonth: 4,
		ExpiryYear:  2030,
		Currency:    "GBP",
		Amount:      100,
		CVV:         "123",
	}
}

func newTestBankClient(t *testing.T, url string, threshold int, opts ...HTTPBankClientOption) *HTTPBankClient {
	t.Helper()

	poolConfig := DefaultBankTransportConfig()
	poolConfig.ConnectTimeout = 200 * time.Millisecond
	poolConfig.ReadTimeout = 100 * time.Millisecond
	pool := NewBankConnectionPool(poolConfig)
	t.Cleanup(pool.Close)

	breaker := NewCircuitBreaker("bank-test", CircuitBreakerConfig{
		FailureThreshold:    threshold,
		CooldownPeriod:      time.Minute,
		HalfOpenMaxRequests: 1,
	}, testLogger())

	return NewHTTPBankClient(url, pool, breaker, testLogger(), opts...)
}

func bankReplying(status int, body string) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		io.WriteString(w, body)
	}))
}

func TestHTTPBankClient_SendsAuthorizationRequest(t *testing.T) {
	var (
		gotPath    string
		gotPayment string
		gotCorr    string
		gotBody    bankPaymentRequest
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotPayment = r.Header.Get("X-Payment-ID")
		gotCorr = r.Header.Get("X-Correlation-ID")
		json.NewDecoder(r.Body).Decode(&gotBody)
		io.WriteString(w, `{"authorized":true,"authorization_code":"0bb07405-6d44-4b50-a14f-7ae0beff13ad"}`)
	}))
	defer srv.Close()

	client := newTestBankClient(t, srv.URL+"/", 5)
	ctx := WithCorrelationID(context.Background(), "corr-1")

	result, err := client.Authorize(ctx, sampleRequest(), "pay-123")
	require.NoError(t, err)
	assert.Equal(t, BankAuthorized, result.Outcome)
	assert.Equal(t, "0bb07405-6d44-4b50-a14f-7ae0beff13ad", result.AuthorizationCode)

	assert.Equal(t, "/payments", gotPath)
	assert.Equal(t, "pay-123", gotPayment)
	assert.Equal(t, "corr-1", gotCorr)
	assert.Equal(t, "2222405343248877", gotBody.CardNumber)
	assert.Equal(t, "04/2030", gotBody.ExpiryDate)
	assert.Equal(t, "GBP", gotBody.Currency)
	assert.Equal(t, int64(100), gotBody.Amount)
	assert.Equal(t, "123", gotBody.CVV)
}

func TestHTTPBankClient_DefiniteOutcomes(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		outcome BankOutcome
		code    string
	}{
		{"authorized", 200, `{"authorized":true,"authorization_code":"abc"}`, BankAuthorized, "abc"},
		{"declined", 200, `{"authorized":false,"authorization_code":""}`, BankDeclined, ""},
		{"malformed body", 200, `not json`, BankDeclined, ""},
		{"empty body", 200, ``, BankDeclined, ""},
		{"missing authorized field", 201, `{}`, BankDeclined, ""},
		{"bad request", 400, `{"error":"bad"}`, BankRejected, ""},
		{"not found", 404, ``, BankRejected, ""},
		{"unprocessable", 422, ``, BankRejected, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := bankReplying(tt.status, tt.body)
			defer srv.Close()

			result, err := newTestBankClient(t, srv.URL, 5).Authorize(context.Background(), sampleRequest(), "pay-1")
			require.NoError(t, err)
			assert.Equal(t, tt.outcome, result.Outcome)
			assert.Equal(t, tt.code, result.AuthorizationCode)
		})
	}
}

func TestHTTPBankClient_ServerErrorIsIndeterminate(t *testing.T) {
	for _, status := range []int{500, 502, 503} {
		t.Run(fmt.Sprint(status), func(t *testing.T) {
			srv := bankReplying(status, `{"error":"down"}`)
			defer srv.Close()

			_, err := newTestBankClient(t, srv.URL, 5).Authorize(context.Background(), sampleRequest(), "pay-5xx")
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrUpstreamIndeterminate)

			var upstream *UpstreamError
			require.ErrorAs(t, err, &upstream)
			assert.Equal(t, ReasonServerError, upstream.Reason)
			assert.Equal(t, status, upstream.StatusCode)
			assert.Equal(t, "pay-5xx", upstream.PaymentID)
			assert.False(t, upstream.Timeout)
			assert.Equal(t, fmt.Sprintf("Bank server error: %d", status), upstream.Error())
		})
	}
}

func TestHTTPBankClient_ReadTimeoutIsIndeterminate(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()
	defer close(release)

	_, err := newTestBankClient(t, srv.URL, 5).Authorize(context.Background(), sampleRequest(), "pay-slow")

	var upstream *UpstreamError
	require.ErrorAs(t, err, &upstream)
	assert.Equal(t, ReasonTimeout, upstream.Reason)
	assert.True(t, upstream.Timeout)
	assert.Equal(t, "pay-slow", upstream.PaymentID)
}

func TestHTTPBankClient_CallerDeadlineIsIndeterminate(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := newTestBankClient(t, srv.URL, 5).Authorize(ctx, sampleRequest(), "pay-deadline")

	var upstream *UpstreamError
	require.ErrorAs(t, err, &upstream)
	assert.True(t, upstream.Timeout)
}

func TestHTTPBankClient_ConnectionRefusedIsIndeterminate(t *testing.T) {
	srv := bankReplying(200, `{}`)
	url := srv.URL
	srv.Close()

	_, err := newTestBankClient(t, url, 5).Authorize(context.Background(), sampleRequest(), "pay-down")

	var upstream *UpstreamError
	require.ErrorAs(t, err, &upstream)
	assert.Equal(t, ReasonNetworkError, upstream.Reason)
	assert.ErrorIs(t, err, ErrUpstreamIndeterminate)
}

func TestHTTPBankClient_RedirectIsIndeterminate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/elsewhere", http.StatusFound)
	}))
	defer srv.Close()

	_, err := newTestBankClient(t, srv.URL, 5).Authorize(context.Background(), sampleRequest(), "pay-302")

	var upstream *UpstreamError
	require.ErrorAs(t, err, &upstream)
	assert.Equal(t, ReasonUnexpectedError, upstream.Reason)
	assert.Equal(t, http.StatusFound, upstream.StatusCode)
}

func TestHTTPBankClient_OpenCircuitSkipsBank(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client := newTestBankClient(t, srv.URL, 2)
	for i := 0; i < 2; i++ {
		_, err := client.Authorize(context.Background(), sampleRequest(), "pay")
		require.Error(t, err)
	}
	assert.Equal(t, StateOpen, client.breaker.GetState())

	_, err := client.Authorize(context.Background(), sampleRequest(), "pay-open")
	var upstream *UpstreamError
	require.ErrorAs(t, err, &upstream)
	assert.Equal(t, ReasonCircuitOpen, upstream.Reason)
	assert.Equal(t, "pay-open", upstream.PaymentID)
	assert.Equal(t, int32(2), hits.Load())
}

func TestHTTPBankClient_DefiniteOutcomesKeepCircuitClosed(t *testing.T) {
	srv := bankReplying(http.StatusBadRequest, ``)
	defer srv.Close()

	client := newTestBankClient(t, srv.URL, 1)
	for i := 0; i < 3; i++ {
		_, err := client.Authorize(context.Background(), sampleRequest(), "pay")
		require.NoError(t, err)
	}
	assert.Equal(t, StateClosed, client.breaker.GetState())
}

func TestHTTPBankClient_RecordsAuditAndLatency(t *testing.T) {
	srv := bankReplying(200, `{"authorized":false}`)
	defer srv.Close()

	audit := &recordingAudit{}
	tracker := NewLatencyTracker(10)
	client := newTestBankClient(t, srv.URL, 5, WithCallRecorder(audit), WithLatencyTracker(tracker))

	_, err := client.Authorize(context.Background(), sampleRequest(), "pay-audit")
	require.NoError(t, err)

	records := audit.all()
	require.Len(t, records, 1)
	assert.Equal(t, "pay-audit", records[0].PaymentID)
	assert.Equal(t, "declined", records[0].Outcome)
	assert.Equal(t, 200, records[0].StatusCode)
	assert.Empty(t, records[0].Reason)

	assert.Equal(t, 1, tracker.GetPercentiles().Samples)
	assert.Equal(t, int64(1), tracker.Outcomes()["declined"])
}

func TestClassifyTransportError(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		reason  string
		timeout bool
	}{
		{"deadline", context.DeadlineExceeded, ReasonTimeout, true},
		{"wrapped deadline", fmt.Errorf("post: %w", context.DeadlineExceeded), ReasonTimeout, true},
		{"circuit open", fmt.Errorf("%w: bank", ErrCircuitOpen), ReasonCircuitOpen, false},
		{"dial refused", &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}, ReasonNetworkError, false},
		{"reset", errors.New("read: connection reset by peer"), ReasonNetworkError, false},
		{"other", errors.New("boom"), ReasonUnexpectedError, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ue := classifyTransportError("pay-x", tt.err)
			assert.Equal(t, tt.reason, ue.Reason)
			assert.Equal(t, tt.timeout, ue.Timeout)
			assert.Equal(t, "pay-x", ue.PaymentID)
			assert.ErrorIs(t, ue, ErrUpstreamIndeterminate)
		})
	}
}

func TestClassifyBankResponse_InformationalStatus(t *testing.T) {
	_, err := classifyBankResponse("pay", 102, nil)
	var upstream *UpstreamError
	require.ErrorAs(t, err, &upstream)
	assert.Equal(t, ReasonUnexpectedError, upstream.Reason)
}
