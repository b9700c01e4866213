package storage

import (
	"time"

	"github.com/shopspring/decimal"
)

// RateSample is a persisted observation of the NGN/USDC rate, retained for
// provenance and the export chart.
type RateSample struct {
	CapturedAt   time.Time
	FiatToStable decimal.Decimal
	StableToFiat decimal.Decimal
	Source       string
	Margin       decimal.Decimal
	CreatedAt    time.Time
}
