package main

import (
	"context"
	"net/http"
	"strconv"
	"time"
)

// BankCallLister reads back the bank call audit trail
type BankCallLister interface {
	Recent(ctx context.Context, limit int) ([]BankCallRecord, error)
}

// HealthCheckHandler reports store reachability and the bank circuit state
func (s *Server) HealthCheckHandler(w http.ResponseWriter, r *http.Request) {
	health := HealthStatus{
		Healthy:   true,
		Timestamp: time.Now().UTC(),
		Store:     s.StoreBackend,
		Circuit:   "n/a",
	}

	if s.HealthCheck != nil {
		if err := s.HealthCheck(r); err != nil {
			health.Healthy = false
			health.Message = err.Error()
		}
	}

	// an open circuit is reported, not counted as unhealthy
	if s.Breaker != nil {
		health.Circuit = s.Breaker.GetState().String()
	}

	status := http.StatusOK
	if !health.Healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, health)
}

// MetricsHandler exposes bank latency, outcomes, pool and shedding counters
func (s *Server) MetricsHandler(w http.ResponseWriter, r *http.Request) {
	metrics := map[string]interface{}{
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}

	if s.Tracker != nil {
		p := s.Tracker.GetPercentiles()
		metrics["bank_latency_ms"] = map[string]interface{}{
			"p50":     p.P50.Milliseconds(),
			"p95":     p.P95.Milliseconds(),
			"p99":     p.P99.Milliseconds(),
			"average": p.Average.Milliseconds(),
			"samples": p.Samples,
		}
		metrics["bank_outcomes"] = s.Tracker.Outcomes()
	}
	if s.Pool != nil {
		metrics["bank_connection_pool"] = s.Pool.GetStats()
	}
	if s.Shedder != nil {
		metrics["load_shedding"] = s.Shedder.GetStats()
	}

	writeJSON(w, http.StatusOK, metrics)
}

// AdminBankHandler shows the bank circuit breaker
func (s *Server) AdminBankHandler(w http.ResponseWriter, r *http.Request) {
	if s.Breaker == nil {
		writeError(w, http.StatusNotFound, NewErrorResponse(ErrInvalidRequest, "No circuit breaker configured", "", ""))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"circuit_breaker": s.Breaker.GetStats(),
	})
}

// AdminCircuitBreakerResetHandler forces the bank circuit closed
func (s *Server) AdminCircuitBreakerResetHandler(w http.ResponseWriter, r *http.Request) {
	if s.Breaker == nil {
		writeError(w, http.StatusNotFound, NewErrorResponse(ErrInvalidRequest, "No circuit breaker configured", "", ""))
		return
	}

	s.Breaker.Reset()

	s.Logger.Info("Circuit breaker reset", map[string]interface{}{
		"correlation_id": CorrelationIDFromContext(r.Context()),
		"admin_action":   "reset_circuit_breaker",
	})

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "Circuit breaker reset successfully",
		"state":   s.Breaker.GetState().String(),
	})
}

// AdminBankCallsHandler lists recent bank calls, newest first. ?limit= defaults to 50.
func (s *Server) AdminBankCallsHandler(w http.ResponseWriter, r *http.Request) {
	if s.BankCalls == nil {
		writeError(w, http.StatusNotFound, NewErrorResponse(ErrInvalidRequest, "Bank call audit requires the mysql store", "", ""))
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			writeError(w, http.StatusBadRequest, NewErrorResponse(ErrInvalidRequest, "limit must be between 1 and 1000", "", ""))
			return
		}
		limit = n
	}

	records, err := s.BankCalls.Recent(r.Context(), limit)
	if err != nil {
		s.Logger.Error("Failed to fetch bank calls", map[string]interface{}{
			"correlation_id": CorrelationIDFromContext(r.Context()),
			"error":          err.Error(),
		})
		writeError(w, http.StatusInternalServerError, NewErrorResponse(ErrInternalError, "Failed to fetch bank calls", "", ""))
		return
	}
	if records == nil {
		records = []BankCallRecord{}
	}

	writeJSON(w, http.StatusOK, records)
}
