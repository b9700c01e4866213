package rates

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Rate is an immutable NGN/USDC conversion snapshot with provenance.
// StableToFiat is always the reciprocal of FiatToStable.
type Rate struct {
	FiatToStable decimal.Decimal
	StableToFiat decimal.Decimal
	CapturedAt   time.Time
	Source       string
	Margin       decimal.Decimal
}

// Source retrieves the raw NGN-per-USDC mid rate from one external provider.
type Source interface {
	Name() string
	Fetch(ctx context.Context) (decimal.Decimal, error)
}
