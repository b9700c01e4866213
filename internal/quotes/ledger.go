package quotes

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"naira-ramp/internal/rates"
)

const (
	onrampIDPrefix  = "onr_"
	offrampIDPrefix = "ofr_"

	fiatScale   int32 = 2
	stableScale int32 = 6
)

// ErrValidation wraps synchronous input rejections; these are never retried.
var ErrValidation = errors.New("quotes: validation failed")

// RateProvider supplies the current conversion rate.
type RateProvider interface {
	Current(ctx context.Context) (rates.Rate, error)
}

// LedgerOptions tune quote creation.
type LedgerOptions struct {
	// OnrampWindow is longer than OfframpWindow because an onramp waits on
	// an external payment page while an offramp only waits on a chain
	// confirmation plus payout.
	OnrampWindow  time.Duration
	OfframpWindow time.Duration
	Now           func() time.Time
	// OnReconstruct fires once per quote rebuilt from redundant data, so
	// callers can alert on this degraded recovery path.
	OnReconstruct func(id string)
}

// Ledger creates, stores, reconstructs, and transitions quotes. It is the
// only owner of quote mutation.
type Ledger struct {
	store         Store
	rates         RateProvider
	onrampWindow  time.Duration
	offrampWindow time.Duration
	now           func() time.Time
	onReconstruct func(id string)
	logger        zerolog.Logger
}

// NewLedger constructs a quote ledger over the given store.
func NewLedger(store Store, rateProvider RateProvider, opts LedgerOptions, logger zerolog.Logger) *Ledger {
	onramp := opts.OnrampWindow
	if onramp <= 0 {
		onramp = 15 * time.Minute
	}
	offramp := opts.OfframpWindow
	if offramp <= 0 {
		offramp = 5 * time.Minute
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	return &Ledger{
		store:         store,
		rates:         rateProvider,
		onrampWindow:  onramp,
		offrampWindow: offramp,
		now:           now,
		onReconstruct: opts.OnReconstruct,
		logger:        logger.With().Str("component", "quote_ledger").Logger(),
	}
}

// CreateParams describe a new conversion intent. CounterAmount is the side
// the user supplies: NGN for onramp, USDC for offramp.
type CreateParams struct {
	Direction     Direction
	CounterAmount decimal.Decimal
	Counterparty  Counterparty
	OwnerAddress  string
}

// Create prices the request at the current rate and stores a pending quote.
func (l *Ledger) Create(ctx context.Context, params CreateParams) (Quote, error) {
	if err := l.validate(params); err != nil {
		return Quote{}, err
	}

	rate, err := l.rates.Current(ctx)
	if err != nil {
		return Quote{}, fmt.Errorf("price quote: %w", err)
	}

	q := l.build(newQuoteID(params.Direction), params, rate, false)
	if err := l.store.Insert(ctx, q); err != nil {
		return Quote{}, err
	}

	l.logger.Info().
		Str("quote_id", q.ID).
		Str("direction", string(q.Direction)).
		Str("fiat_amount", q.FiatAmount.String()).
		Str("stable_amount", q.StableAmount.String()).
		Msg("quote created")
	return q, nil
}

// Get fetches a quote by id.
func (l *Ledger) Get(ctx context.Context, id string) (Quote, error) {
	return l.store.Get(ctx, id)
}

// ReconstructIfMissing returns the stored quote, or rebuilds it from
// caller-supplied redundant data when the live store lost it (process
// restart). The rebuilt quote is priced at the *current* rate, a documented
// approximation since the original rate is gone, and inserted as the
// authoritative entry so later calls cannot re-reconstruct from stale data.
func (l *Ledger) ReconstructIfMissing(ctx context.Context, id string, params CreateParams) (Quote, error) {
	existing, err := l.store.Get(ctx, id)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Quote{}, err
	}

	if params.CounterAmount.Sign() <= 0 {
		return Quote{}, fmt.Errorf("%w: %s and no redundant data supplied", ErrNotFound, id)
	}
	if err := l.validate(params); err != nil {
		return Quote{}, err
	}

	rate, rateErr := l.rates.Current(ctx)
	if rateErr != nil {
		return Quote{}, fmt.Errorf("reprice lost quote %s: %w", id, rateErr)
	}

	q := l.build(id, params, rate, true)
	if insertErr := l.store.Insert(ctx, q); insertErr != nil {
		if errors.Is(insertErr, ErrExists) {
			// Raced with another reconstruction; the first insert wins.
			return l.store.Get(ctx, id)
		}
		return Quote{}, insertErr
	}

	l.logger.Warn().
		Str("quote_id", id).
		Str("direction", string(params.Direction)).
		Str("rate", rate.FiatToStable.String()).
		Msg("quote reconstructed from caller data at current rate")
	if l.onReconstruct != nil {
		l.onReconstruct(id)
	}
	return q, nil
}

// Transition moves the quote to a new status, enforcing monotonicity. A
// transition on a terminal quote fails with ErrAlreadyProcessed, which is
// deliberately distinct from ErrNotFound.
func (l *Ledger) Transition(ctx context.Context, id string, to Status, apply func(*Quote) error) (Quote, error) {
	q, err := l.store.UpdateStatus(ctx, id, to, apply)
	if err != nil {
		return Quote{}, err
	}

	l.logger.Info().Str("quote_id", id).Str("status", string(to)).Msg("quote transitioned")
	return q, nil
}

func (l *Ledger) validate(params CreateParams) error {
	if params.CounterAmount.Sign() <= 0 {
		return fmt.Errorf("%w: amount must be positive", ErrValidation)
	}

	switch params.Direction {
	case DirectionOnramp:
		dest := params.Counterparty.ChainAddress
		if dest == "" {
			dest = params.OwnerAddress
		}
		if !common.IsHexAddress(dest) {
			return fmt.Errorf("%w: invalid destination address %q", ErrValidation, dest)
		}
	case DirectionOfframp:
		cp := params.Counterparty
		if strings.TrimSpace(cp.BankAccount) == "" || strings.TrimSpace(cp.BankCode) == "" || strings.TrimSpace(cp.AccountName) == "" {
			return fmt.Errorf("%w: bank account, bank code and account name are required", ErrValidation)
		}
	default:
		return fmt.Errorf("%w: unknown direction %q", ErrValidation, params.Direction)
	}
	return nil
}

func (l *Ledger) build(id string, params CreateParams, rate rates.Rate, reconstructed bool) Quote {
	now := l.now().UTC()

	var fiat, stable decimal.Decimal
	window := l.onrampWindow
	if params.Direction == DirectionOnramp {
		fiat = params.CounterAmount.Round(fiatScale)
		stable = params.CounterAmount.Div(rate.FiatToStable).Round(stableScale)
	} else {
		stable = params.CounterAmount.Round(stableScale)
		fiat = params.CounterAmount.Mul(rate.FiatToStable).Round(fiatScale)
		window = l.offrampWindow
	}

	cp := params.Counterparty
	if params.Direction == DirectionOnramp && cp.ChainAddress == "" {
		cp.ChainAddress = params.OwnerAddress
	}

	return Quote{
		ID:            id,
		Direction:     params.Direction,
		FiatAmount:    fiat,
		StableAmount:  stable,
		Rate:          rate,
		Counterparty:  cp,
		Status:        StatusPending,
		OwnerAddress:  params.OwnerAddress,
		Reconstructed: reconstructed,
		CreatedAt:     now,
		ExpiresAt:     now.Add(window),
	}
}

// newQuoteID yields a direction-prefixed, collision-resistant id. A bare
// timestamp is not unique enough under concurrent creation.
func newQuoteID(direction Direction) string {
	prefix := onrampIDPrefix
	if direction == DirectionOfframp {
		prefix = offrampIDPrefix
	}
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}
