package quotes

import (
	"time"

	"github.com/shopspring/decimal"

	"naira-ramp/internal/rates"
)

// Direction discriminates the two conversion flows.
type Direction string

const (
	// DirectionOnramp converts NGN into USDC.
	DirectionOnramp Direction = "onramp"
	// DirectionOfframp converts USDC into NGN.
	DirectionOfframp Direction = "offramp"
)

// Status is the quote lifecycle state. Transitions are monotonic and
// one-directional; a terminal quote never resurrects.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further transition is permitted.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

func canTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusProcessing || to == StatusFailed
	case StatusProcessing:
		return to == StatusCompleted || to == StatusFailed
	default:
		return false
	}
}

// Counterparty carries the settlement destination. Bank fields are set for
// offramp quotes, ChainAddress for onramp quotes.
type Counterparty struct {
	BankAccount  string
	BankCode     string
	AccountName  string
	ChainAddress string
}

// Quote is a priced, time-bounded conversion intent awaiting settlement.
type Quote struct {
	ID            string
	Direction     Direction
	FiatAmount    decimal.Decimal
	StableAmount  decimal.Decimal
	Rate          rates.Rate
	Counterparty  Counterparty
	Status        Status
	ChainTxHash   string
	SettlementRef string
	OwnerAddress  string
	FailureReason string
	// RefundAttempted annotates a failed offramp whose compensation refund
	// was triggered.
	RefundAttempted bool
	// Reconstructed marks quotes recovered from caller-supplied redundant
	// data after the live store lost them.
	Reconstructed bool
	CreatedAt     time.Time
	ExpiresAt     time.Time
}

// Expired reports whether the settlement window has elapsed.
func (q Quote) Expired(now time.Time) bool {
	return !q.ExpiresAt.IsZero() && now.After(q.ExpiresAt)
}
