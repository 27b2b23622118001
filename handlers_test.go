package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validPaymentBody = `{"card_number":"2222405343248877","expiry_month":4,"expiry_year":2030,"currency":"GBP","amount":100,"cvv":"123"}`

func newTestServer(t *testing.T, bank BankClient) *Server {
	t.Helper()

	store := NewMemoryPaymentStore()
	logger := testLogger()
	validator := NewPaymentValidator()
	validator.now = func() time.Time { return time.Date(2026, time.October, 18, 0, 0, 0, 0, time.UTC) }

	return &Server{
		Orchestrator:   NewPaymentOrchestrator(store, bank, logger),
		Validator:      validator,
		Store:          store,
		StoreBackend:   StoreMemory,
		Logger:         logger,
		RequestTimeout: 5 * time.Second,
		Breaker:        NewCircuitBreaker("test", DefaultCircuitBreakerConfig(), logger),
		Tracker:        NewLatencyTracker(10),
	}
}

func postPayment(h http.Handler, body, key string, headers ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/payments", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set("Idempotency-Key", key)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func getPath(h http.Handler, path string, headers ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestCreatePayment_Created(t *testing.T) {
	h := newTestServer(t, authorizingBank()).Routes()

	rec := postPayment(h, validPaymentBody, "key-1")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	view := decodeBody[PaymentView](t, rec)
	assert.NotEmpty(t, view.ID)
	assert.Equal(t, "Authorized", view.Status)
	assert.Equal(t, "8877", view.Card.LastFour)
	assert.Empty(t, view.Card.MaskedNumber)

	assert.Equal(t, "/api/v1/payments/"+view.ID, rec.Header().Get("Location"))
	assert.Empty(t, rec.Header().Get("X-Idempotent-Replay"))
	assert.True(t, strings.HasPrefix(rec.Header().Get("X-Correlation-ID"), "corr_"))
	assert.NotContains(t, rec.Body.String(), "2222405343248877")
	assert.NotContains(t, rec.Body.String(), "masked_number")
}

func TestCreatePayment_Replay(t *testing.T) {
	bank := authorizingBank()
	h := newTestServer(t, bank).Routes()

	first := postPayment(h, validPaymentBody, "key-replay")
	require.Equal(t, http.StatusCreated, first.Code)

	second := postPayment(h, validPaymentBody, "key-replay")
	require.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, "true", second.Header().Get("X-Idempotent-Replay"))

	assert.Equal(t, decodeBody[PaymentView](t, first).ID, decodeBody[PaymentView](t, second).ID)
	assert.Equal(t, int32(1), bank.calls.Load())
}

func TestCreatePayment_EchoesCorrelationID(t *testing.T) {
	h := newTestServer(t, authorizingBank()).Routes()

	rec := postPayment(h, validPaymentBody, "", "X-Correlation-ID", "abc-123")
	assert.Equal(t, "abc-123", rec.Header().Get("X-Correlation-ID"))
}

func TestCreatePayment_ValidationFailure(t *testing.T) {
	bank := authorizingBank()
	h := newTestServer(t, bank).Routes()

	body := strings.Replace(validPaymentBody, `"currency":"GBP"`, `"currency":"gb"`, 1)
	rec := postPayment(h, body, "key-invalid")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	resp := decodeBody[ErrorResponse](t, rec)
	assert.Equal(t, ErrInvalidRequest, resp.ErrorCode)
	assert.Equal(t, "Rejected", resp.Status)
	assert.Equal(t, "Payment Rejected. Validation Failed: currency: Currency must be ISO currency code (3 characters upper case letters)", resp.Message)
	assert.Equal(t, int32(0), bank.calls.Load())

	// a rejected request does not claim the key
	ok := postPayment(h, validPaymentBody, "key-invalid")
	assert.Equal(t, http.StatusCreated, ok.Code)
}

func TestCreatePayment_BadRequests(t *testing.T) {
	h := newTestServer(t, authorizingBank()).Routes()

	t.Run("malformed json", func(t *testing.T) {
		rec := postPayment(h, `{"card_number":`, "")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "Rejected", decodeBody[ErrorResponse](t, rec).Status)
	})

	t.Run("idempotency key too long", func(t *testing.T) {
		rec := postPayment(h, validPaymentBody, strings.Repeat("k", 256))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("wrong content type", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/payments", strings.NewReader(validPaymentBody))
		req.Header.Set("Content-Type", "text/plain")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code)
	})

	t.Run("body too large", func(t *testing.T) {
		rec := postPayment(h, `{"pad":"`+strings.Repeat("x", maxRequestBytes)+`"}`, "")
		assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	})
}

func TestCreatePayment_UpstreamOutcomes(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		status  int
		code    ErrorCode
		message string
	}{
		{
			name:    "timeout",
			err:     &UpstreamError{Reason: ReasonTimeout, Timeout: true},
			status:  http.StatusGatewayTimeout,
			code:    ErrGatewayTimeout,
			message: "Upstream provider timed out. Please check status later.",
		},
		{
			name:    "server error",
			err:     &UpstreamError{Reason: ReasonServerError, StatusCode: 503},
			status:  http.StatusBadGateway,
			code:    ErrProviderError,
			message: "Error processing payment with upstream provider. Please check status later.",
		},
		{
			name:    "circuit open",
			err:     &UpstreamError{Reason: ReasonCircuitOpen, Err: ErrCircuitOpen},
			status:  http.StatusBadGateway,
			code:    ErrProviderError,
			message: "Error processing payment with upstream provider. Please check status later.",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestServer(t, &fakeBank{err: tt.err}).Routes()

			rec := postPayment(h, validPaymentBody, "key-"+tt.name)
			require.Equal(t, tt.status, rec.Code)

			resp := decodeBody[ErrorResponse](t, rec)
			assert.Equal(t, tt.code, resp.ErrorCode)
			assert.Equal(t, tt.message, resp.Message)
			assert.Equal(t, "Unknown", resp.Status)
			require.NotEmpty(t, resp.PaymentID)

			lookup := getPath(h, "/api/v1/payments/"+resp.PaymentID)
			require.Equal(t, http.StatusOK, lookup.Code)
			assert.Equal(t, "Unknown", decodeBody[PaymentView](t, lookup).Status)
		})
	}
}

func TestCreatePayment_InternalError(t *testing.T) {
	srv := newTestServer(t, authorizingBank())
	srv.Orchestrator = NewPaymentOrchestrator(&failingStore{PaymentStore: NewMemoryPaymentStore()}, authorizingBank(), testLogger())

	rec := postPayment(srv.Routes(), validPaymentBody, "")
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, ErrInternalError, decodeBody[ErrorResponse](t, rec).ErrorCode)
	assert.NotContains(t, rec.Body.String(), "store unavailable")
}

func TestGetPayment(t *testing.T) {
	h := newTestServer(t, authorizingBank()).Routes()

	created := decodeBody[PaymentView](t, postPayment(h, validPaymentBody, ""))

	rec := getPath(h, "/api/v1/payments/"+created.ID)
	require.Equal(t, http.StatusOK, rec.Code)

	view := decodeBody[PaymentView](t, rec)
	assert.Equal(t, created.ID, view.ID)
	assert.Equal(t, "Authorized", view.Status)
	assert.Equal(t, "************8877", view.Card.MaskedNumber)
}

func TestGetPayment_NotFound(t *testing.T) {
	srv := newTestServer(t, authorizingBank())
	h := srv.Routes()
	store := srv.Store.(*MemoryPaymentStore)

	rec := getPath(h, "/api/v1/payments/nope")
	require.Equal(t, http.StatusNotFound, rec.Code)

	resp := decodeBody[ErrorResponse](t, rec)
	assert.Equal(t, ErrNotFound, resp.ErrorCode)
	assert.Equal(t, "nope", resp.PaymentID)
	assert.Equal(t, 0, store.Len())

	require.Equal(t, http.StatusNotFound, getPath(h, "/api/v1/payments/nope").Code)
	assert.Equal(t, 0, store.Len())
}

func TestHealthCheckHandler(t *testing.T) {
	srv := newTestServer(t, authorizingBank())

	rec := getPath(srv.Routes(), "/health")
	require.Equal(t, http.StatusOK, rec.Code)
	health := decodeBody[HealthStatus](t, rec)
	assert.True(t, health.Healthy)
	assert.Equal(t, "CLOSED", health.Circuit)
	assert.Equal(t, StoreMemory, health.Store)

	srv.HealthCheck = func(r *http.Request) error { return errors.New("db gone") }
	rec = getPath(srv.Routes(), "/health")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "db gone", decodeBody[HealthStatus](t, rec).Message)
}

func TestMetricsHandler(t *testing.T) {
	srv := newTestServer(t, authorizingBank())
	srv.Tracker.Record(40*time.Millisecond, "authorized")

	rec := getPath(srv.Routes(), "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)

	metrics := decodeBody[map[string]interface{}](t, rec)
	assert.Contains(t, metrics, "bank_latency_ms")
	assert.Equal(t, map[string]interface{}{"authorized": float64(1)}, metrics["bank_outcomes"])
}

func TestAdminCircuitBreakerReset(t *testing.T) {
	srv := newTestServer(t, authorizingBank())
	srv.Breaker = NewCircuitBreaker("test", CircuitBreakerConfig{FailureThreshold: 1, CooldownPeriod: time.Hour}, testLogger())
	srv.Breaker.Execute(func() error { return errBankDown })
	require.Equal(t, StateOpen, srv.Breaker.GetState())

	req := httptest.NewRequest(http.MethodPost, "/admin/circuit-breaker/reset", strings.NewReader("{}"))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, StateClosed, srv.Breaker.GetState())

	bank := getPath(srv.Routes(), "/admin/bank")
	require.Equal(t, http.StatusOK, bank.Code)
	assert.Contains(t, bank.Body.String(), `"state":"CLOSED"`)
}

func TestAdminBankCallsHandler(t *testing.T) {
	srv := newTestServer(t, authorizingBank())

	rec := getPath(srv.Routes(), "/admin/bank-calls")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	callLog := NewSQLBankCallLog(newTestSQLite(t))
	require.NoError(t, callLog.Record(context.Background(), BankCallRecord{PaymentID: "p1", Outcome: "declined", StatusCode: 200, CreatedAt: time.Now()}))
	srv.BankCalls = callLog

	rec = getPath(srv.Routes(), "/admin/bank-calls?limit=5")
	require.Equal(t, http.StatusOK, rec.Code)
	records := decodeBody[[]BankCallRecord](t, rec)
	require.Len(t, records, 1)
	assert.Equal(t, "p1", records[0].PaymentID)

	rec = getPath(srv.Routes(), "/admin/bank-calls?limit=0")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRoutes_RequireBearerTokenWhenIssuerSet(t *testing.T) {
	srv := newTestServer(t, authorizingBank())
	srv.Merchants = NewMemoryMerchantStore()
	srv.Issuer = NewTokenIssuer("test-secret", time.Hour)

	_, err := srv.Merchants.Create(context.Background(), "acme", "s3cret")
	require.NoError(t, err)
	h := srv.Routes()

	rec := postPayment(h, validPaymentBody, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = getPath(h, "/metrics")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	assert.Equal(t, http.StatusOK, getPath(h, "/health").Code)

	tokenReq := httptest.NewRequest(http.MethodPost, "/api/v1/merchants/token", strings.NewReader(`{"name":"acme","secret":"s3cret"}`))
	tokenReq.Header.Set("Content-Type", "application/json")
	tokenRec := httptest.NewRecorder()
	h.ServeHTTP(tokenRec, tokenReq)
	require.Equal(t, http.StatusOK, tokenRec.Code)

	token := decodeBody[map[string]string](t, tokenRec)["token"]
	require.NotEmpty(t, token)

	rec = postPayment(h, validPaymentBody, "", "Authorization", "Bearer "+token)
	assert.Equal(t, http.StatusCreated, rec.Code)
}
