package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"naira-ramp/internal/journal"
	"naira-ramp/internal/quotes"
)

var (
	// ErrValidation wraps synchronous input rejections.
	ErrValidation = errors.New("settlement: validation failed")
	// ErrInProgress is returned to the loser of a settlement race; the
	// winner is still driving the quote to a terminal state.
	ErrInProgress = errors.New("settlement: already in progress")
	// ErrVerificationTimeout is the terminal outcome of an exhausted
	// verification poll. The payment may still complete asynchronously via
	// webhook, so the quote is flagged for manual reconciliation.
	ErrVerificationTimeout = errors.New("settlement: payment verification timeout, may complete asynchronously via webhook")
	// ErrQuoteExpired rejects settlement of a quote whose window elapsed.
	ErrQuoteExpired = errors.New("settlement: quote expired")
)

// CompensationError reports the escalated "settlement failed AND refund
// failed" condition. It is never silently swallowed; operators must
// intervene.
type CompensationError struct {
	QuoteID    string
	Settlement error
	Refund     error
}

func (e *CompensationError) Error() string {
	return fmt.Sprintf("settlement: quote %s failed AND refund failed: settlement: %v; refund: %v",
		e.QuoteID, e.Settlement, e.Refund)
}

// Unwrap exposes both underlying failures.
func (e *CompensationError) Unwrap() []error {
	return []error{e.Settlement, e.Refund}
}

// SleepFunc suspends between poll attempts. Injectable so tests can simulate
// time without real delays.
type SleepFunc func(ctx context.Context, d time.Duration) error

func defaultSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Result is the caller-facing settlement outcome.
type Result struct {
	QuoteID           string
	Status            quotes.Status
	Direction         quotes.Direction
	FiatAmount        decimal.Decimal
	StableAmount      decimal.Decimal
	ChainTxHash       string
	TransferReference string
	AlreadySettled    bool
	RefundAttempted   bool
	RefundTxHash      string
}

func resultFromQuote(q quotes.Quote, alreadySettled bool) Result {
	return Result{
		QuoteID:           q.ID,
		Status:            q.Status,
		Direction:         q.Direction,
		FiatAmount:        q.FiatAmount,
		StableAmount:      q.StableAmount,
		ChainTxHash:       q.ChainTxHash,
		TransferReference: q.SettlementRef,
		AlreadySettled:    alreadySettled,
		RefundAttempted:   q.RefundAttempted,
	}
}

// QuoteData is the caller-supplied redundant copy of a quote, used to
// reconstruct state lost on restart. CounterAmount is NGN for onramp and
// USDC for offramp.
type QuoteData struct {
	CounterAmount decimal.Decimal
	Counterparty  quotes.Counterparty
	OwnerAddress  string
}

func (d *QuoteData) params(direction quotes.Direction) quotes.CreateParams {
	if d == nil {
		return quotes.CreateParams{Direction: direction}
	}
	return quotes.CreateParams{
		Direction:     direction,
		CounterAmount: d.CounterAmount,
		Counterparty:  d.Counterparty,
		OwnerAddress:  d.OwnerAddress,
	}
}

func getOrReconstruct(ctx context.Context, ledger *quotes.Ledger, id string, direction quotes.Direction, fallback *QuoteData) (quotes.Quote, error) {
	if fallback == nil {
		q, err := ledger.Get(ctx, id)
		if errors.Is(err, quotes.ErrNotFound) {
			// Lost transaction with no redundant data: fatal, needs
			// manual follow-up.
			return quotes.Quote{}, fmt.Errorf("%w (unreconstructable, manual follow-up required)", err)
		}
		return q, err
	}
	return ledger.ReconstructIfMissing(ctx, id, fallback.params(direction))
}

// journalQuote writes the quote's current state into the transaction journal.
func journalQuote(ctx context.Context, store journal.Store, q quotes.Quote, entryType journal.EntryType, stage string, extra map[string]string) error {
	if store == nil {
		return nil
	}

	amount := q.StableAmount
	currency := "USDC"
	if q.Direction == quotes.DirectionOfframp {
		amount = q.FiatAmount
		currency = "NGN"
	}

	metadata := map[string]string{
		"stage":          stage,
		"rate":           q.Rate.FiatToStable.String(),
		"counter_amount": counterAmount(q).String(),
	}
	if q.Counterparty.BankAccount != "" {
		metadata["bank_account"] = q.Counterparty.BankAccount
		metadata["bank_code"] = q.Counterparty.BankCode
	}
	if q.FailureReason != "" {
		metadata["error"] = q.FailureReason
	}
	for k, v := range extra {
		metadata[k] = v
	}

	return store.Upsert(ctx, journal.Entry{
		ID:           q.ID,
		Type:         entryType,
		OwnerAddress: q.OwnerAddress,
		Amount:       amount,
		Currency:     currency,
		Status:       string(q.Status),
		Timestamp:    time.Now().UTC(),
		ChainTxHash:  q.ChainTxHash,
		Reference:    q.SettlementRef,
		Metadata:     metadata,
	})
}

func counterAmount(q quotes.Quote) decimal.Decimal {
	if q.Direction == quotes.DirectionOfframp {
		return q.StableAmount
	}
	return q.FiatAmount
}
