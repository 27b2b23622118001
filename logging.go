package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
	"time"
)

// LogLevel defines logging severity levels
type LogLevel string

const (
	LogLevelDebug LogLevel = "DEBUG"
	LogLevelInfo  LogLevel = "INFO"
	LogLevelWarn  LogLevel = "WARN"
	LogLevelError LogLevel = "ERROR"
	LogLevelFatal LogLevel = "FATAL"
)

var logLevelRank = map[LogLevel]int{
	LogLevelDebug: 0,
	LogLevelInfo:  1,
	LogLevelWarn:  2,
	LogLevelError: 3,
	LogLevelFatal: 4,
}

var appLogger = NewStructuredLogger(LogLevelInfo, true)

// ParseLogLevel maps a config string to a LogLevel, defaulting to INFO
func ParseLogLevel(s string) LogLevel {
	level := LogLevel(strings.ToUpper(strings.TrimSpace(s)))
	if _, ok := logLevelRank[level]; ok {
		return level
	}
	return LogLevelInfo
}

// StructuredLogger writes JSON log lines with PII masking
type StructuredLogger struct {
	mu      sync.Mutex
	level   LogLevel
	output  io.Writer
	masking bool
}

// LogEntry represents a structured log entry
type LogEntry struct {
	Timestamp      string                 `json:"timestamp"`
	Level          string                 `json:"level"`
	Message        string                 `json:"message"`
	CorrelationID  string                 `json:"correlation_id,omitempty"`
	PaymentID      string                 `json:"payment_id,omitempty"`
	IdempotencyKey string                 `json:"idempotency_key,omitempty"`
	Operation      string                 `json:"operation,omitempty"`
	Latency        int64                  `json:"latency_ms,omitempty"`
	ErrorCode      string                 `json:"error_code,omitempty"`
	Fields         map[string]interface{} `json:"fields,omitempty"`
}

// NewStructuredLogger creates a logger writing to stdout
func NewStructuredLogger(level LogLevel, enableMasking bool) *StructuredLogger {
	return NewStructuredLoggerTo(os.Stdout, level, enableMasking)
}

// NewStructuredLoggerTo creates a logger writing to w
func NewStructuredLoggerTo(w io.Writer, level LogLevel, enableMasking bool) *StructuredLogger {
	return &StructuredLogger{
		level:   level,
		output:  w,
		masking: enableMasking,
	}
}

// Log writes a structured log entry
func (sl *StructuredLogger) Log(level LogLevel, message string, fields map[string]interface{}) {
	if !sl.shouldLog(level) {
		return
	}

	// work on a copy, callers reuse their field maps
	own := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		own[k] = v
	}
	if sl.masking {
		own = maskPII(own)
	}

	entry := LogEntry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Level:     string(level),
		Message:   message,
	}

	if v, ok := own["correlation_id"].(string); ok {
		entry.CorrelationID = v
		delete(own, "correlation_id")
	}
	if v, ok := own["payment_id"].(string); ok {
		entry.PaymentID = v
		delete(own, "payment_id")
	}
	if v, ok := own["idempotency_key"].(string); ok {
		entry.IdempotencyKey = v
		delete(own, "idempotency_key")
	}
	if v, ok := own["operation"].(string); ok {
		entry.Operation = v
		delete(own, "operation")
	}
	if v, ok := own["latency_ms"].(int64); ok {
		entry.Latency = v
		delete(own, "latency_ms")
	}
	if v, ok := own["error_code"].(string); ok {
		entry.ErrorCode = v
		delete(own, "error_code")
	}
	if len(own) > 0 {
		entry.Fields = own
	}

	jsonBytes, err := json.Marshal(entry)
	if err != nil {
		log.Printf("Failed to marshal log entry: %v", err)
		return
	}

	sl.mu.Lock()
	defer sl.mu.Unlock()
	fmt.Fprintln(sl.output, string(jsonBytes))
}

// Info logs an info level message
func (sl *StructuredLogger) Info(message string, fields map[string]interface{}) {
	sl.Log(LogLevelInfo, message, fields)
}

// Warn logs a warning level message
func (sl *StructuredLogger) Warn(message string, fields map[string]interface{}) {
	sl.Log(LogLevelWarn, message, fields)
}

// Error logs an error level message
func (sl *StructuredLogger) Error(message string, fields map[string]interface{}) {
	sl.Log(LogLevelError, message, fields)
}

// Debug logs a debug level message
func (sl *StructuredLogger) Debug(message string, fields map[string]interface{}) {
	sl.Log(LogLevelDebug, message, fields)
}

// Fatal logs a fatal level message and exits
func (sl *StructuredLogger) Fatal(message string, fields map[string]interface{}) {
	sl.Log(LogLevelFatal, message, fields)
	os.Exit(1)
}

func (sl *StructuredLogger) shouldLog(level LogLevel) bool {
	return logLevelRank[level] >= logLevelRank[sl.level]
}

// maskPII masks sensitive information in log fields
func maskPII(fields map[string]interface{}) map[string]interface{} {
	masked := make(map[string]interface{}, len(fields))

	for k, v := range fields {
		key := strings.ToLower(k)

		switch {
		case strings.Contains(key, "idempotency"):
			masked[k] = v
		case strings.Contains(key, "card"):
			if s, ok := v.(string); ok {
				_, m := MaskCard(s)
				masked[k] = m
			} else {
				masked[k] = "[REDACTED]"
			}
		case strings.Contains(key, "cvv"),
			strings.Contains(key, "pin"),
			strings.Contains(key, "password"),
			strings.Contains(key, "secret"),
			strings.Contains(key, "token"):
			masked[k] = "[REDACTED]"
		default:
			masked[k] = v
		}
	}

	return masked
}

// LogBankRequest logs an outgoing authorization request
func LogBankRequest(logger *StructuredLogger, correlationID, paymentID string) {
	logger.Debug("Bank authorization request initiated", map[string]interface{}{
		"correlation_id": correlationID,
		"payment_id":     paymentID,
		"operation":      "bank_authorize",
	})
}

// LogBankResponse logs the classified result of a bank call
func LogBankResponse(logger *StructuredLogger, correlationID, paymentID, outcome string, latency int64, statusCode int, errorCode string) {
	level := LogLevelInfo
	message := "Bank authorization completed"

	if errorCode != "" {
		level = LogLevelError
		message = "Bank authorization indeterminate"
	}

	logger.Log(level, message, map[string]interface{}{
		"correlation_id": correlationID,
		"payment_id":     paymentID,
		"operation":      "bank_authorize",
		"outcome":        outcome,
		"latency_ms":     latency,
		"status_code":    statusCode,
		"error_code":     errorCode,
	})
}

// LogCircuitBreakerStateChange logs circuit breaker state transitions
func LogCircuitBreakerStateChange(logger *StructuredLogger, name, oldState, newState, reason string) {
	logger.Warn("Circuit breaker state changed", map[string]interface{}{
		"breaker":   name,
		"old_state": oldState,
		"new_state": newState,
		"reason":    reason,
		"operation": "circuit_breaker",
	})
}

// InitLogger replaces the global logger. Call it once at startup.
func InitLogger(level LogLevel, enablePIIMasking bool) {
	appLogger = NewStructuredLogger(level, enablePIIMasking)
}

// GetLogger returns the global logger instance
func GetLogger() *StructuredLogger {
	return appLogger
}
