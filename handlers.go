package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"
)

const maxIdempotencyKeyLength = 255

// Server holds the collaborators behind the HTTP surface.
// Optional fields left nil switch the matching feature off.
type Server struct {
	Orchestrator   *PaymentOrchestrator
	Validator      *PaymentValidator
	Store          PaymentStore
	StoreBackend   string
	Logger         *StructuredLogger
	RequestTimeout time.Duration

	Breaker   *CircuitBreaker
	Tracker   *LatencyTracker
	Pool      *BankConnectionPool
	BankCalls BankCallLister

	Merchants   MerchantStore
	Issuer      *TokenIssuer
	RateLimiter *RateLimiter
	Shedder     *LoadShedder
	WS          *WSManager
	HealthCheck func(r *http.Request) error
}

// Routes builds the mux and the middleware chain
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("POST /api/v1/payments", s.protect(http.HandlerFunc(s.CreatePaymentHandler), true))
	mux.Handle("GET /api/v1/payments/{id}", s.protect(http.HandlerFunc(s.GetPaymentHandler), false))

	if s.Merchants != nil && s.Issuer != nil {
		mux.Handle("POST /api/v1/merchants/token", MerchantTokenHandler(s.Merchants, s.Issuer))
	}
	if s.WS != nil {
		mux.HandleFunc("GET /ws", s.WS.HandleWS)
	}

	mux.HandleFunc("GET /health", s.HealthCheckHandler)
	mux.Handle("GET /metrics", s.protect(http.HandlerFunc(s.MetricsHandler), false))
	mux.Handle("GET /admin/bank", s.protect(http.HandlerFunc(s.AdminBankHandler), false))
	mux.Handle("POST /admin/circuit-breaker/reset", s.protect(http.HandlerFunc(s.AdminCircuitBreakerResetHandler), false))
	mux.Handle("GET /admin/bank-calls", s.protect(http.HandlerFunc(s.AdminBankCallsHandler), false))

	handler := CorrelationIDMiddleware(mux)
	handler = RequestValidationMiddleware(handler)
	if s.RequestTimeout > 0 {
		handler = TimeoutMiddleware(s.RequestTimeout)(handler)
	}
	return handler
}

// protect applies auth, then rate limiting, then load shedding for payment submissions
func (s *Server) protect(h http.Handler, shed bool) http.Handler {
	if shed && s.Shedder != nil {
		h = LoadSheddingMiddleware(s.Shedder, s.Logger)(h)
	}
	if s.RateLimiter != nil {
		h = RateLimitMiddleware(s.RateLimiter, s.Logger)(h)
	}
	if s.Issuer != nil {
		h = JWTAuthMiddleware(s.Issuer)(h)
	}
	return h
}

// CreatePaymentHandler handles POST /api/v1/payments
func (s *Server) CreatePaymentHandler(w http.ResponseWriter, r *http.Request) {
	var req PaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, NewErrorResponse(
			ErrInvalidRequest,
			validationPrefix+"malformed request body",
			StatusRejected.Label(),
			err.Error(),
		))
		return
	}

	if err := s.Validator.Validate(req); err != nil {
		writeError(w, http.StatusBadRequest, NewErrorResponse(
			ErrInvalidRequest,
			err.Error(),
			StatusRejected.Label(),
			"",
		))
		return
	}

	idempotencyKey := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	if len(idempotencyKey) > maxIdempotencyKeyLength {
		writeError(w, http.StatusBadRequest, NewErrorResponse(
			ErrInvalidRequest,
			validationPrefix+"Idempotency-Key: must be at most 255 characters",
			StatusRejected.Label(),
			"",
		))
		return
	}

	view, err := s.Orchestrator.ProcessPayment(r.Context(), req, idempotencyKey)
	if err != nil {
		s.writeProcessingError(w, r, err)
		return
	}

	status := http.StatusCreated
	if view.Replayed {
		w.Header().Set("X-Idempotent-Replay", "true")
		status = http.StatusOK
	}
	w.Header().Set("Location", "/api/v1/payments/"+view.ID)
	writeJSON(w, status, view)
}

// GetPaymentHandler handles GET /api/v1/payments/{id}
func (s *Server) GetPaymentHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	view, err := s.Orchestrator.GetPayment(r.Context(), id)
	if errors.Is(err, ErrPaymentNotFound) {
		resp := NewErrorResponse(ErrNotFound, "Payment not found", "", "")
		resp.PaymentID = id
		writeError(w, http.StatusNotFound, resp)
		return
	}
	if err != nil {
		s.writeProcessingError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, view)
}

func (s *Server) writeProcessingError(w http.ResponseWriter, r *http.Request, err error) {
	correlationID := CorrelationIDFromContext(r.Context())

	var upstream *UpstreamError
	if errors.As(err, &upstream) {
		status := http.StatusBadGateway
		code := ErrProviderError
		message := "Error processing payment with upstream provider. Please check status later."
		if upstream.Timeout {
			status = http.StatusGatewayTimeout
			code = ErrGatewayTimeout
			message = "Upstream provider timed out. Please check status later."
		}

		resp := NewErrorResponse(code, message, StatusUnknown.Label(), upstream.Error())
		resp.PaymentID = upstream.PaymentID
		writeError(w, status, resp)
		return
	}

	s.Logger.Error("Unexpected processing error", map[string]interface{}{
		"correlation_id": correlationID,
		"error_code":     string(ErrInternalError),
		"error":          err.Error(),
	})
	writeError(w, http.StatusInternalServerError, NewErrorResponse(ErrInternalError, "Internal Server Error", "", ""))
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, resp ErrorResponse) {
	writeJSON(w, status, resp)
}
