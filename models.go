package main

import (
	"fmt"
	"time"
)

// Canonical domain models for the payment gateway

// PaymentRequest represents an inbound card payment
type PaymentRequest struct {
	CardNumber  string `json:"card_number" validate:"required,number,min=14,max=19"`
	ExpiryMonth int    `json:"expiry_month" validate:"required,min=1,max=12"`
	ExpiryYear  int    `json:"expiry_year" validate:"required,min=1"`
	Currency    string `json:"currency" validate:"required,len=3,uppercase,iso4217"`
	Amount      int64  `json:"amount" validate:"required,gt=0"`
	CVV         string `json:"cvv" validate:"required,number,min=3,max=4"`
}

// String keeps card data out of log lines and error messages
func (r PaymentRequest) String() string {
	lastFour, _ := MaskCard(r.CardNumber)
	return fmt.Sprintf("PaymentRequest{card=****%s, expiry=%02d/%d, currency=%s, amount=%d}",
		lastFour, r.ExpiryMonth, r.ExpiryYear, r.Currency, r.Amount)
}

// Payment is the authoritative record of one payment attempt
type Payment struct {
	ID                string        `json:"id"`
	IdempotencyKey    string        `json:"idempotency_key,omitempty"`
	Status            PaymentStatus `json:"status"`
	Amount            int64         `json:"amount"`
	Currency          string        `json:"currency"`
	CardLastFour      string        `json:"card_last_four"`
	CardExpiryMonth   int           `json:"card_expiry_month"`
	CardExpiryYear    int           `json:"card_expiry_year"`
	MaskedCardNumber  string        `json:"masked_card_number"`
	AuthorizationCode string        `json:"authorization_code,omitempty"`
	CreatedAt         time.Time     `json:"created_at"`
}

// PaymentView is the outbound representation of a payment
type PaymentView struct {
	ID       string   `json:"id"`
	Status   string   `json:"status"`
	Amount   int64    `json:"amount"`
	Currency string   `json:"currency"`
	Card     CardInfo `json:"card"`

	// Replayed is set when the view was served from an existing idempotency record
	Replayed bool `json:"-"`
}

// CardInfo is the card block of a payment view. MaskedNumber is only disclosed on lookups by id.
type CardInfo struct {
	LastFour     string `json:"last_four"`
	ExpiryMonth  int    `json:"expiry_month"`
	ExpiryYear   int    `json:"expiry_year"`
	MaskedNumber string `json:"masked_number,omitempty"`
}

// NewPaymentView maps a stored payment to its outbound view
func NewPaymentView(p *Payment, includeMaskedNumber bool) *PaymentView {
	view := &PaymentView{
		ID:       p.ID,
		Status:   p.Status.Label(),
		Amount:   p.Amount,
		Currency: p.Currency,
		Card: CardInfo{
			LastFour:    p.CardLastFour,
			ExpiryMonth: p.CardExpiryMonth,
			ExpiryYear:  p.CardExpiryYear,
		},
	}

	if includeMaskedNumber {
		view.Card.MaskedNumber = p.MaskedCardNumber
	}

	return view
}

// BankOutcome is a definite classification of a bank response
type BankOutcome int

const (
	BankAuthorized BankOutcome = iota + 1
	BankDeclined
	BankRejected
)

func (o BankOutcome) String() string {
	switch o {
	case BankAuthorized:
		return "authorized"
	case BankDeclined:
		return "declined"
	case BankRejected:
		return "rejected"
	default:
		return "invalid"
	}
}

// Status maps the outcome to the payment status it settles on
func (o BankOutcome) Status() PaymentStatus {
	switch o {
	case BankAuthorized:
		return StatusAuthorized
	case BankDeclined:
		return StatusDeclined
	case BankRejected:
		return StatusRejected
	default:
		return StatusUnknown
	}
}

// BankResult is the value returned by the bank client for one call.
// Indeterminate outcomes are never a BankResult, they are an *UpstreamError.
type BankResult struct {
	Outcome           BankOutcome
	AuthorizationCode string
}

// bankPaymentRequest is the body sent to the acquiring bank
type bankPaymentRequest struct {
	CardNumber string `json:"card_number"`
	ExpiryDate string `json:"expiry_date"`
	Currency   string `json:"currency"`
	Amount     int64  `json:"amount"`
	CVV        string `json:"cvv"`
}

// bankPaymentResponse is the body returned by the acquiring bank
type bankPaymentResponse struct {
	Authorized        *bool  `json:"authorized"`
	AuthorizationCode string `json:"authorization_code"`
}

// HealthStatus represents the gateway health check result
type HealthStatus struct {
	Healthy   bool      `json:"healthy"`
	Timestamp time.Time `json:"timestamp"`
	Store     string    `json:"store"`
	Circuit   string    `json:"bank_circuit"`
	Message   string    `json:"message,omitempty"`
}
