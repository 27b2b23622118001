package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Load and idempotency checks against a running gateway and bank simulator

type LoadTestConfig struct {
	BaseURL       string
	BankURL       string
	Token         string
	TotalRequests int
	Concurrency   int
}

type LoadTestStats struct {
	TotalRequests int64
	SuccessCount  int64
	FailureCount  int64
	TotalLatency  int64
	MinLatency    int64
	MaxLatency    int64
	StatusCodes   map[int]int64
	Latencies     []int64
	mu            sync.Mutex
}

func newStats() *LoadTestStats {
	return &LoadTestStats{StatusCodes: make(map[int]int64)}
}

func (s *LoadTestStats) RecordRequest(statusCode int, latency time.Duration) {
	atomic.AddInt64(&s.TotalRequests, 1)
	latencyMs := latency.Milliseconds()
	atomic.AddInt64(&s.TotalLatency, latencyMs)

	if statusCode >= 200 && statusCode < 300 {
		atomic.AddInt64(&s.SuccessCount, 1)
	} else {
		atomic.AddInt64(&s.FailureCount, 1)
	}

	for {
		oldMin := atomic.LoadInt64(&s.MinLatency)
		if oldMin != 0 && latencyMs >= oldMin {
			break
		}
		if atomic.CompareAndSwapInt64(&s.MinLatency, oldMin, latencyMs) {
			break
		}
	}

	for {
		oldMax := atomic.LoadInt64(&s.MaxLatency)
		if latencyMs <= oldMax {
			break
		}
		if atomic.CompareAndSwapInt64(&s.MaxLatency, oldMax, latencyMs) {
			break
		}
	}

	s.mu.Lock()
	s.Latencies = append(s.Latencies, latencyMs)
	s.StatusCodes[statusCode]++
	s.mu.Unlock()
}

func (s *LoadTestStats) CalculatePercentiles() (p50, p95, p99 int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.Latencies) == 0 {
		return 0, 0, 0
	}

	sorted := make([]int64, len(s.Latencies))
	copy(sorted, s.Latencies)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	p50 = sorted[len(sorted)/2]
	p95 = sorted[int(float64(len(sorted)-1)*0.95)]
	p99 = sorted[int(float64(len(sorted)-1)*0.99)]
	return
}

func (s *LoadTestStats) PrintStats(duration time.Duration) {
	total := atomic.LoadInt64(&s.TotalRequests)
	if total == 0 {
		fmt.Println("   no requests recorded")
		return
	}
	success := atomic.LoadInt64(&s.SuccessCount)
	failure := atomic.LoadInt64(&s.FailureCount)
	p50, p95, p99 := s.CalculatePercentiles()

	fmt.Println("\n   RESULTS")
	fmt.Printf("   Total Requests:  %d\n", total)
	fmt.Printf("   Successful:      %d (%.2f%%)\n", success, float64(success)/float64(total)*100)
	fmt.Printf("   Failed:          %d (%.2f%%)\n", failure, float64(failure)/float64(total)*100)
	fmt.Printf("   Latency ms:      min=%d p50=%d p95=%d p99=%d max=%d avg=%d\n",
		atomic.LoadInt64(&s.MinLatency), p50, p95, p99, atomic.LoadInt64(&s.MaxLatency),
		atomic.LoadInt64(&s.TotalLatency)/total)

	s.mu.Lock()
	codes := make([]int, 0, len(s.StatusCodes))
	for code := range s.StatusCodes {
		codes = append(codes, code)
	}
	sort.Ints(codes)
	for _, code := range codes {
		count := s.StatusCodes[code]
		fmt.Printf("   HTTP %d:        %d (%.2f%%)\n", code, count, float64(count)/float64(total)*100)
	}
	s.mu.Unlock()

	fmt.Printf("   Duration:        %v (%.2f req/s)\n", duration, float64(total)/duration.Seconds())
}

type paymentResult struct {
	StatusCode int
	PaymentID  string
	Status     string
	Replayed   bool
	Latency    time.Duration
	Err        error
}

var client = &http.Client{Timeout: 60 * time.Second}

func cardFor(n int) string {
	// odd endings authorize, even decline; 0 is avoided so the bank does not fail
	return fmt.Sprintf("4242424242424%03d", n%500*2+1)
}

func sendPayment(config LoadTestConfig, idempotencyKey, cardNumber string, amount int64) paymentResult {
	body, _ := json.Marshal(map[string]interface{}{
		"card_number":  cardNumber,
		"expiry_month": 12,
		"expiry_year":  time.Now().Year() + 2,
		"currency":     "GBP",
		"amount":       amount,
		"cvv":          "123",
	})

	req, err := http.NewRequest(http.MethodPost, config.BaseURL+"/api/v1/payments", bytes.NewReader(body))
	if err != nil {
		return paymentResult{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}
	if config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+config.Token)
	}

	start := time.Now()
	resp, err := client.Do(req)
	latency := time.Since(start)
	if err != nil {
		return paymentResult{Err: err, Latency: latency}
	}
	defer resp.Body.Close()

	var view struct {
		ID        string `json:"id"`
		Status    string `json:"status"`
		PaymentID string `json:"payment_id"`
	}
	json.NewDecoder(resp.Body).Decode(&view)

	result := paymentResult{
		StatusCode: resp.StatusCode,
		PaymentID:  view.ID,
		Status:     view.Status,
		Replayed:   resp.Header.Get("X-Idempotent-Replay") == "true",
		Latency:    latency,
	}
	if result.PaymentID == "" {
		result.PaymentID = view.PaymentID
	}
	return result
}

// Scenario 1: unique payments under concurrency
func normalLoadScenario(config LoadTestConfig) *LoadTestStats {
	fmt.Println("\nScenario: NORMAL LOAD")
	fmt.Printf("   Requests: %d | Concurrency: %d\n", config.TotalRequests, config.Concurrency)

	stats := newStats()
	startTime := time.Now()

	sem := make(chan struct{}, config.Concurrency)
	var wg sync.WaitGroup

	for i := 1; i <= config.TotalRequests; i++ {
		wg.Add(1)
		sem <- struct{}{}

		go func(n int) {
			defer wg.Done()
			defer func() { <-sem }()

			res := sendPayment(config, fmt.Sprintf("load-%d-%d", startTime.UnixNano(), n), cardFor(n), int64(1000+n))
			stats.RecordRequest(res.StatusCode, res.Latency)
		}(i)
	}

	wg.Wait()
	stats.PrintStats(time.Since(startTime))
	return stats
}

// Scenario 2: many concurrent submissions with one key must produce one payment
func idempotencyStorm(config LoadTestConfig) bool {
	fmt.Println("\nScenario: IDEMPOTENCY STORM")
	key := fmt.Sprintf("storm-%d", time.Now().UnixNano())
	fmt.Printf("   %d concurrent requests with Idempotency-Key %s\n", config.Concurrency, key)

	results := make([]paymentResult, config.Concurrency)
	var wg sync.WaitGroup
	start := make(chan struct{})

	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			results[i] = sendPayment(config, key, cardFor(7), 4200)
		}(i)
	}
	close(start)
	wg.Wait()

	ids := map[string]int{}
	created := 0
	for _, r := range results {
		if r.Err != nil {
			fmt.Printf("   transport error: %v\n", r.Err)
			continue
		}
		ids[r.PaymentID]++
		if r.StatusCode == http.StatusCreated {
			created++
		}
	}

	fmt.Printf("   distinct payment ids: %d, 201 responses: %d\n", len(ids), created)
	ok := len(ids) == 1 && created <= 1
	if ok {
		fmt.Println("   PASS: exactly one payment for the key")
	} else {
		fmt.Println("   FAIL: the key produced more than one payment")
	}
	return ok
}

// Scenario 3: a failing bank leaves payments Unknown and opens the circuit
func circuitBreakerTest(config LoadTestConfig) {
	fmt.Println("\nScenario: CIRCUIT BREAKER TRIGGER")

	if err := configBank(config.BankURL, "down", 0); err != nil {
		fmt.Printf("   failed to configure bank: %v\n", err)
		return
	}
	defer configBank(config.BankURL, "normal", 0)

	stats := newStats()
	for i := 1; i <= 15; i++ {
		res := sendPayment(config, "", cardFor(i), 1000)
		stats.RecordRequest(res.StatusCode, res.Latency)
		fmt.Printf("   request %2d: HTTP %d payment=%s\n", i, res.StatusCode, res.PaymentID)
	}
	stats.PrintStats(time.Duration(stats.TotalLatency) * time.Millisecond)

	req, _ := http.NewRequest(http.MethodGet, config.BaseURL+"/admin/bank", nil)
	if config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+config.Token)
	}
	resp, err := client.Do(req)
	if err != nil {
		fmt.Printf("   failed to read breaker state: %v\n", err)
		return
	}
	defer resp.Body.Close()

	var body struct {
		CircuitBreaker map[string]interface{} `json:"circuit_breaker"`
	}
	json.NewDecoder(resp.Body).Decode(&body)
	fmt.Printf("   circuit breaker: state=%v rejected=%v\n", body.CircuitBreaker["state"], body.CircuitBreaker["rejected_count"])
}

// Scenario 4: rate limiting
func rateLimitTest(config LoadTestConfig, requests int) {
	fmt.Println("\nScenario: RATE LIMIT")
	fmt.Printf("   Sending %d sequential requests\n", requests)

	stats := newStats()
	startTime := time.Now()
	for i := 1; i <= requests; i++ {
		res := sendPayment(config, "", cardFor(i), 1000)
		stats.RecordRequest(res.StatusCode, res.Latency)
		if res.StatusCode == http.StatusTooManyRequests {
			fmt.Printf("   request %d: rate limited (429)\n", i)
		}
	}
	stats.PrintStats(time.Since(startTime))
}

func configBank(bankURL, mode string, latencyMs int) error {
	body, _ := json.Marshal(map[string]interface{}{"mode": mode, "latency_ms": latencyMs})
	resp, err := client.Post(bankURL+"/control", "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("bank control: %d %s", resp.StatusCode, msg)
	}
	log.Printf("Configured bank: mode=%s latency=%dms", mode, latencyMs)
	return nil
}

func main() {
	config := LoadTestConfig{}
	scenario := flag.String("scenario", "all", "load, storm, breaker, ratelimit or all")
	flag.StringVar(&config.BaseURL, "gateway", "http://localhost:8090", "gateway base URL")
	flag.StringVar(&config.BankURL, "bank", "http://localhost:8080", "bank simulator base URL")
	flag.StringVar(&config.Token, "token", os.Getenv("PAYGATE_TOKEN"), "merchant bearer token")
	flag.IntVar(&config.TotalRequests, "requests", 1000, "requests for the load scenario")
	flag.IntVar(&config.Concurrency, "concurrency", 100, "concurrent clients")
	flag.Parse()

	ok := true
	switch *scenario {
	case "load":
		normalLoadScenario(config)
	case "storm":
		ok = idempotencyStorm(config)
	case "breaker":
		circuitBreakerTest(config)
	case "ratelimit":
		rateLimitTest(config, 150)
	case "all":
		normalLoadScenario(config)
		ok = idempotencyStorm(config)
		circuitBreakerTest(config)
		rateLimitTest(config, 150)
	default:
		fmt.Fprintf(os.Stderr, "unknown scenario %q\n", *scenario)
		os.Exit(2)
	}

	if !ok {
		os.Exit(1)
	}
}
