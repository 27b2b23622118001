package main

import (
	"net/http"
	"sync/atomic"
)

// LoadSheddingConfig holds configuration for load shedding
type LoadSheddingConfig struct {
	Enabled            bool
	MaxActiveRequests  int32
	LatencyThresholdMs int64 // bank P99 above this sheds new payments
}

// DefaultLoadSheddingConfig returns production defaults
func DefaultLoadSheddingConfig() LoadSheddingConfig {
	return LoadSheddingConfig{
		Enabled:            true,
		MaxActiveRequests:  1000,
		LatencyThresholdMs: 20000,
	}
}

// LoadShedder rejects new work while the gateway or the bank is saturated
type LoadShedder struct {
	config         LoadSheddingConfig
	activeRequests atomic.Int32
	totalRequests  atomic.Int64
	shedRequests   atomic.Int64
	latencyTracker *LatencyTracker
}

func NewLoadShedder(config LoadSheddingConfig, latencyTracker *LatencyTracker) *LoadShedder {
	return &LoadShedder{
		config:         config,
		latencyTracker: latencyTracker,
	}
}

// ShouldShed determines if an incoming request should be rejected
func (ls *LoadShedder) ShouldShed() (bool, string) {
	if !ls.config.Enabled {
		return false, ""
	}

	if ls.activeRequests.Load() >= ls.config.MaxActiveRequests {
		ls.shedRequests.Add(1)
		return true, "max_active_requests_exceeded"
	}

	if ls.latencyTracker != nil && ls.config.LatencyThresholdMs > 0 {
		if ls.latencyTracker.GetPercentiles().P99.Milliseconds() > ls.config.LatencyThresholdMs {
			ls.shedRequests.Add(1)
			return true, "high_bank_latency"
		}
	}

	return false, ""
}

// GetStats returns load shedding statistics
func (ls *LoadShedder) GetStats() LoadSheddingStats {
	totalReqs := ls.totalRequests.Load()
	shedReqs := ls.shedRequests.Load()

	shedRate := 0.0
	if totalReqs > 0 {
		shedRate = float64(shedReqs) / float64(totalReqs) * 100
	}

	return LoadSheddingStats{
		Enabled:          ls.config.Enabled,
		ActiveRequests:   int(ls.activeRequests.Load()),
		TotalRequests:    totalReqs,
		ShedRequests:     shedReqs,
		ShedRate:         shedRate,
		MaxActiveAllowed: int(ls.config.MaxActiveRequests),
	}
}

// LoadSheddingStats holds statistics about load shedding
type LoadSheddingStats struct {
	Enabled          bool    `json:"enabled"`
	ActiveRequests   int     `json:"active_requests"`
	TotalRequests    int64   `json:"total_requests"`
	ShedRequests     int64   `json:"shed_requests"`
	ShedRate         float64 `json:"shed_rate_percent"`
	MaxActiveAllowed int     `json:"max_active_allowed"`
}

// LoadSheddingMiddleware answers 503 instead of queueing when the shedder says so
func LoadSheddingMiddleware(ls *LoadShedder, logger *StructuredLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ls.totalRequests.Add(1)

			if shed, reason := ls.ShouldShed(); shed {
				logger.Warn("Load shedding activated", map[string]interface{}{
					"correlation_id":  CorrelationIDFromContext(r.Context()),
					"reason":          reason,
					"active_requests": ls.activeRequests.Load(),
				})

				w.Header().Set("Retry-After", "5")
				writeError(w, http.StatusServiceUnavailable, NewErrorResponse(ErrOverloaded, "System overloaded, please retry", "", reason))
				return
			}

			ls.activeRequests.Add(1)
			defer ls.activeRequests.Add(-1)

			next.ServeHTTP(w, r)
		})
	}
}
