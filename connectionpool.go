package main

import (
	"crypto/tls"
	"net"
	"net/http"
	"sync/atomic"
	"time"
)

// BankTransportConfig holds the pooling and timeout settings for the bank connection
type BankTransportConfig struct {
	ConnectTimeout      time.Duration // TCP connect + TLS handshake
	ReadTimeout         time.Duration // time allowed for the bank to answer once connected
	MaxIdleConnsPerHost int
	MaxConnsPerHost     int
	IdleConnTimeout     time.Duration
	KeepAlive           time.Duration
}

// DefaultBankTransportConfig returns production defaults
func DefaultBankTransportConfig() BankTransportConfig {
	return BankTransportConfig{
		ConnectTimeout:      5 * time.Second,
		ReadTimeout:         30 * time.Second,
		MaxIdleConnsPerHost: 20,
		MaxConnsPerHost:     100,
		IdleConnTimeout:     90 * time.Second,
		KeepAlive:           30 * time.Second,
	}
}

// BankConnectionPool owns the pooled HTTP client used for bank calls
type BankConnectionPool struct {
	client      *http.Client
	config      BankTransportConfig
	activeConns atomic.Int32
	totalReqs   atomic.Int64
}

// NewBankConnectionPool creates the bank HTTP client.
// Redirects are never followed: a 3xx from the bank is not an answer we can classify.
func NewBankConnectionPool(config BankTransportConfig) *BankConnectionPool {
	transport := &http.Transport{
		MaxIdleConns:        config.MaxIdleConnsPerHost,
		MaxIdleConnsPerHost: config.MaxIdleConnsPerHost,
		MaxConnsPerHost:     config.MaxConnsPerHost,
		IdleConnTimeout:     config.IdleConnTimeout,

		TLSHandshakeTimeout:   config.ConnectTimeout,
		ResponseHeaderTimeout: config.ReadTimeout,
		ExpectContinueTimeout: 1 * time.Second,

		DialContext: (&net.Dialer{
			Timeout:   config.ConnectTimeout,
			KeepAlive: config.KeepAlive,
		}).DialContext,

		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
		ForceAttemptHTTP2: true,
	}

	client := &http.Client{
		Transport: transport,
		Timeout:   config.ConnectTimeout + config.ReadTimeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	return &BankConnectionPool{
		client: client,
		config: config,
	}
}

// Do sends req on the pooled client and keeps the connection counters
func (p *BankConnectionPool) Do(req *http.Request) (*http.Response, error) {
	p.totalReqs.Add(1)
	p.activeConns.Add(1)
	defer p.activeConns.Add(-1)
	return p.client.Do(req)
}

// GetStats returns connection pool statistics
func (p *BankConnectionPool) GetStats() ConnectionPoolStats {
	return ConnectionPoolStats{
		ActiveRequests:  int(p.activeConns.Load()),
		TotalRequests:   p.totalReqs.Load(),
		MaxConnsPerHost: p.config.MaxConnsPerHost,
		ConnectTimeout:  p.config.ConnectTimeout.String(),
		ReadTimeout:     p.config.ReadTimeout.String(),
	}
}

// Close closes all idle connections
func (p *BankConnectionPool) Close() {
	if transport, ok := p.client.Transport.(*http.Transport); ok {
		transport.CloseIdleConnections()
	}
}

// ConnectionPoolStats holds statistics about connection pool usage
type ConnectionPoolStats struct {
	ActiveRequests  int    `json:"active_requests"`
	TotalRequests   int64  `json:"total_requests"`
	MaxConnsPerHost int    `json:"max_conns_per_host"`
	ConnectTimeout  string `json:"connect_timeout"`
	ReadTimeout     string `json:"read_timeout"`
}
