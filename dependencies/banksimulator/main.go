package main

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"
)

// Acquiring bank simulator.
//
//	card ending 1,3,5,7,9 -> 200 {"authorized":true,"authorization_code":"..."}
//	card ending 2,4,6,8   -> 200 {"authorized":false}
//	card ending 0         -> 503
//	missing fields        -> 400
//
// POST /control overrides the behaviour for every request until reset.

type bankRequest struct {
	CardNumber string `json:"card_number"`
	ExpiryDate string `json:"expiry_date"`
	Currency   string `json:"currency"`
	Amount     int64  `json:"amount"`
	CVV        string `json:"cvv"`
}

type bankResponse struct {
	Authorized        bool   `json:"authorized"`
	AuthorizationCode string `json:"authorization_code"`
}

// Mode forces a behaviour regardless of the card number
type Mode string

const (
	ModeNormal    Mode = "normal"
	ModeDown      Mode = "down"      // always 503
	ModeSlow      Mode = "slow"      // sleep LatencyMs then answer normally
	ModeMalformed Mode = "malformed" // 200 with a truncated body
	ModeReset     Mode = "reset"     // drop the connection without answering
)

type control struct {
	mu        sync.RWMutex
	Mode      Mode `json:"mode"`
	LatencyMs int  `json:"latency_ms"`
	requests  int64
}

func (c *control) snapshot() (Mode, time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests++
	return c.Mode, time.Duration(c.LatencyMs) * time.Millisecond
}

var sim = &control{Mode: ModeNormal}

func paymentsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	mode, latency := sim.snapshot()
	paymentID := r.Header.Get("X-Payment-ID")

	if latency > 0 {
		time.Sleep(latency)
	}

	switch mode {
	case ModeDown:
		log.Printf("[BANK] %s FAILED (forced 503)", paymentID)
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	case ModeMalformed:
		log.Printf("[BANK] %s FAILED (malformed body)", paymentID)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"authorized": tr`))
		return
	case ModeReset:
		log.Printf("[BANK] %s FAILED (connection reset)", paymentID)
		hj, ok := w.(http.Hijacker)
		if !ok {
			http.Error(w, "webserver doesn't support hijacking", http.StatusInternalServerError)
			return
		}
		conn, _, err := hj.Hijack()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		conn.Close()
		return
	}

	body, err := io.ReadAll(r.Body)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, "Error reading body", http.StatusBadRequest)
		return
	}

	var req bankRequest
	if err := json.Unmarshal(body, &req); err != nil || !complete(req) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{"errorMessage": "Not all required properties were sent in the request"})
		return
	}

	last := req.CardNumber[len(req.CardNumber)-1]
	if last == '0' {
		log.Printf("[BANK] %s FAILED (card ends in 0)", paymentID)
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}

	resp := bankResponse{}
	if (last-'0')%2 == 1 {
		resp.Authorized = true
		resp.AuthorizationCode = newCode()
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
	log.Printf("[BANK] %s authorized=%t amount=%d %s", paymentID, resp.Authorized, req.Amount, req.Currency)
}

func complete(req bankRequest) bool {
	if req.CardNumber == "" || req.ExpiryDate == "" || req.Currency == "" || req.Amount == 0 || req.CVV == "" {
		return false
	}
	return strings.Trim(req.CardNumber, "0123456789") == ""
}

func newCode() string {
	b := make([]byte, 16)
	rand.Read(b)
	b[6] = (b[6] & 0x0f) | 0x40
	b[8] = (b[8] & 0x3f) | 0x80
	return fmt.Sprintf("%x-%x-%x-%x-%x", b[0:4], b[4:6], b[6:8], b[8:10], b[10:])
}

func controlHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	switch r.Method {
	case http.MethodGet:
	case http.MethodPost:
		var req struct {
			Mode      Mode `json:"mode"`
			LatencyMs int  `json:"latency_ms"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid JSON", http.StatusBadRequest)
			return
		}
		switch req.Mode {
		case ModeNormal, ModeDown, ModeSlow, ModeMalformed, ModeReset:
		default:
			http.Error(w, "mode must be one of normal, down, slow, malformed, reset", http.StatusBadRequest)
			return
		}

		sim.mu.Lock()
		sim.Mode = req.Mode
		sim.LatencyMs = req.LatencyMs
		sim.mu.Unlock()
		log.Printf("Updated bank: mode=%s latency=%dms", req.Mode, req.LatencyMs)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sim.mu.RLock()
	defer sim.mu.RUnlock()
	json.NewEncoder(w).Encode(map[string]interface{}{
		"mode":       sim.Mode,
		"latency_ms": sim.LatencyMs,
		"requests":   sim.requests,
	})
}

func main() {
	addr := ":8080"
	if v := os.Getenv("BANK_SIMULATOR_ADDR"); v != "" {
		addr = v
	}

	http.HandleFunc("/payments", paymentsHandler)
	http.HandleFunc("/control", controlHandler)
	http.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{"status": "healthy", "timestamp": time.Now().Unix()})
	})

	log.Printf("Bank simulator running on %s", addr)
	log.Println(`  POST /payments  card ending odd -> authorized, even -> declined, 0 -> 503`)
	log.Println(`  POST /control   {"mode":"down|slow|malformed|reset|normal","latency_ms":0}`)

	if err := http.ListenAndServe(addr, nil); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}
