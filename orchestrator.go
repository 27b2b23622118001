package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// PaymentListener is told about every payment that leaves PENDING.
// Listener errors are logged and never change the payment outcome.
type PaymentListener interface {
	PaymentSettled(ctx context.Context, p *Payment) error
}

const (
	listenerTimeout = 5 * time.Second
	// settled payments waiting for listeners; beyond this notifications are dropped
	maxPendingNotifications = 256
)

// PaymentOrchestrator runs the payment lifecycle:
// idempotency lookup, PENDING record, bank call, settled record.
type PaymentOrchestrator struct {
	store     PaymentStore
	bank      BankClient
	logger    *StructuredLogger
	listeners []PaymentListener
	now       func() time.Time

	notifySlots chan struct{}
	notifyWG    sync.WaitGroup
}

// NewPaymentOrchestrator wires the orchestrator to its store and bank
func NewPaymentOrchestrator(store PaymentStore, bank BankClient, logger *StructuredLogger, listeners ...PaymentListener) *PaymentOrchestrator {
	return &PaymentOrchestrator{
		store:     store,
		bank:      bank,
		logger:    logger,
		listeners: listeners,
		now:       time.Now,

		notifySlots: make(chan struct{}, maxPendingNotifications),
	}
}

// ProcessPayment authorizes req at most once per idempotency key.
// An indeterminate bank outcome returns an *UpstreamError carrying the payment id; the record is left UNKNOWN.
func (o *PaymentOrchestrator) ProcessPayment(ctx context.Context, req PaymentRequest, idempotencyKey string) (*PaymentView, error) {
	correlationID := CorrelationIDFromContext(ctx)

	if idempotencyKey != "" {
		existing, err := o.store.GetByIdempotencyKey(ctx, idempotencyKey)
		if err == nil {
			return o.replay(correlationID, existing), nil
		}
		if !errors.Is(err, ErrPaymentNotFound) {
			return nil, fmt.Errorf("idempotency lookup: %w", err)
		}
	}

	lastFour, masked := MaskCard(req.CardNumber)
	payment := &Payment{
		ID:               uuid.NewString(),
		IdempotencyKey:   idempotencyKey,
		Status:           StatusPending,
		Amount:           req.Amount,
		Currency:         req.Currency,
		CardLastFour:     lastFour,
		CardExpiryMonth:  req.ExpiryMonth,
		CardExpiryYear:   req.ExpiryYear,
		MaskedCardNumber: masked,
		CreatedAt:        o.now().UTC(),
	}

	stored, err := o.store.Save(ctx, payment)
	if err != nil {
		return nil, fmt.Errorf("persist pending payment: %w", err)
	}
	if stored.ID != payment.ID {
		// a concurrent request claimed the key between lookup and insert
		return o.replay(correlationID, stored), nil
	}

	o.logger.Info("Payment created", map[string]interface{}{
		"correlation_id":  correlationID,
		"payment_id":      payment.ID,
		"idempotency_key": idempotencyKey,
		"operation":       "process_payment",
		"amount":          payment.Amount,
		"currency":        payment.Currency,
	})

	result, bankErr := o.bank.Authorize(ctx, req, payment.ID)

	// the bank may have charged the card, so the outcome is persisted even if the caller went away
	persistCtx := context.WithoutCancel(ctx)

	if bankErr != nil {
		return nil, o.settleUnknown(persistCtx, correlationID, payment, bankErr)
	}

	payment.Status = result.Outcome.Status()
	if result.Outcome == BankAuthorized {
		payment.AuthorizationCode = result.AuthorizationCode
	}

	final, err := o.store.Save(persistCtx, payment)
	if err != nil {
		o.logger.Error("Failed to persist settled payment", map[string]interface{}{
			"correlation_id": correlationID,
			"payment_id":     payment.ID,
			"status":         string(payment.Status),
			"error":          err.Error(),
		})
		return nil, fmt.Errorf("persist %s payment %s: %w", payment.Status, payment.ID, err)
	}

	o.logger.Info("Payment settled", map[string]interface{}{
		"correlation_id": correlationID,
		"payment_id":     final.ID,
		"operation":      "process_payment",
		"status":         string(final.Status),
	})
	o.notify(persistCtx, final)

	return NewPaymentView(final, false), nil
}

func (o *PaymentOrchestrator) settleUnknown(ctx context.Context, correlationID string, payment *Payment, bankErr error) error {
	var upstream *UpstreamError
	if !errors.As(bankErr, &upstream) {
		upstream = &UpstreamError{Reason: ReasonUnexpectedError, Err: bankErr}
	}
	upstream.PaymentID = payment.ID

	payment.Status = StatusUnknown
	final, err := o.store.Save(ctx, payment)
	if err != nil {
		o.logger.Error("Failed to persist unknown payment", map[string]interface{}{
			"correlation_id": correlationID,
			"payment_id":     payment.ID,
			"error":          err.Error(),
		})
		return errors.Join(upstream, fmt.Errorf("persist unknown payment %s: %w", payment.ID, err))
	}

	o.logger.Warn("Payment outcome unknown", map[string]interface{}{
		"correlation_id": correlationID,
		"payment_id":     final.ID,
		"operation":      "process_payment",
		"reason":         upstream.Reason,
		"error":          upstream.Error(),
	})
	o.notify(ctx, final)

	return upstream
}

func (o *PaymentOrchestrator) replay(correlationID string, existing *Payment) *PaymentView {
	o.logger.Info("Idempotent replay", map[string]interface{}{
		"correlation_id":  correlationID,
		"payment_id":      existing.ID,
		"idempotency_key": existing.IdempotencyKey,
		"operation":       "process_payment",
		"status":          string(existing.Status),
	})

	view := NewPaymentView(existing, false)
	view.Replayed = true
	return view
}

// notify hands p to the listeners on a background goroutine so a slow
// listener never holds up the payment response.
func (o *PaymentOrchestrator) notify(ctx context.Context, p *Payment) {
	if len(o.listeners) == 0 {
		return
	}

	select {
	case o.notifySlots <- struct{}{}:
	default:
		o.logger.Warn("Payment notification dropped", map[string]interface{}{
			"payment_id": p.ID,
			"status":     string(p.Status),
			"reason":     "too many pending notifications",
		})
		return
	}

	o.notifyWG.Add(1)
	go func() {
		defer func() {
			<-o.notifySlots
			o.notifyWG.Done()
		}()

		for _, l := range o.listeners {
			lctx, cancel := context.WithTimeout(ctx, listenerTimeout)
			if err := l.PaymentSettled(lctx, p); err != nil {
				o.logger.Warn("Payment listener failed", map[string]interface{}{
					"payment_id": p.ID,
					"listener":   fmt.Sprintf("%T", l),
					"error":      err.Error(),
				})
			}
			cancel()
		}
	}()
}

// WaitNotifications blocks until pending listener notifications finish or ctx is done
func (o *PaymentOrchestrator) WaitNotifications(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		o.notifyWG.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// GetPayment returns the view of a stored payment including the masked card number
func (o *PaymentOrchestrator) GetPayment(ctx context.Context, id string) (*PaymentView, error) {
	p, err := o.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return NewPaymentView(p, true), nil
}
