package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"naira-ramp/internal/chain"
	"naira-ramp/internal/gateway"
	"naira-ramp/internal/journal"
	"naira-ramp/internal/metrics"
	"naira-ramp/internal/quotes"
)

// Onramp settlement stages recorded in journal metadata.
const (
	stagePaymentVerifying = "payment_verifying"
	stageChainSending     = "chain_sending"
	stageChainConfirming  = "chain_confirming"
	stageComplete         = "complete"
)

// OnrampOptions tune the on-ramp executor.
type OnrampOptions struct {
	PollInterval   time.Duration
	MaxAttempts    int
	Confirmations  uint64
	CustodyAddress string
	TokenDecimals  int32
	Sleep          SleepFunc
	Now            func() time.Time
}

// Onramp drives a paid NGN charge into a custody-to-user USDC transfer.
type Onramp struct {
	ledger  *quotes.Ledger
	gateway gateway.Gateway
	chain   chain.Client
	journal journal.Store
	metrics *metrics.Metrics
	opts    OnrampOptions
	logger  zerolog.Logger
}

// NewOnramp constructs the executor.
func NewOnramp(ledger *quotes.Ledger, gw gateway.Gateway, chainClient chain.Client, journalStore journal.Store, m *metrics.Metrics, opts OnrampOptions, logger zerolog.Logger) *Onramp {
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 60
	}
	if opts.Confirmations == 0 {
		opts.Confirmations = 1
	}
	if opts.TokenDecimals == 0 {
		opts.TokenDecimals = 6
	}
	if opts.Sleep == nil {
		opts.Sleep = defaultSleep
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Onramp{
		ledger:  ledger,
		gateway: gw,
		chain:   chainClient,
		journal: journalStore,
		metrics: m,
		opts:    opts,
		logger:  logger.With().Str("component", "onramp_executor").Logger(),
	}
}

// Initiate prices a new on-ramp quote and opens a hosted payment page. The
// quote id doubles as the gateway charge reference.
func (o *Onramp) Initiate(ctx context.Context, fiatAmount decimal.Decimal, userAddress, email string) (quotes.Quote, string, error) {
	q, err := o.ledger.Create(ctx, quotes.CreateParams{
		Direction:     quotes.DirectionOnramp,
		CounterAmount: fiatAmount,
		Counterparty:  quotes.Counterparty{ChainAddress: userAddress},
		OwnerAddress:  userAddress,
	})
	if err != nil {
		return quotes.Quote{}, "", err
	}

	charge, err := o.gateway.InitializeCharge(ctx, gateway.ChargeParams{
		Reference: q.ID,
		Amount:    q.FiatAmount,
		Email:     email,
	})
	if err != nil {
		cause := fmt.Errorf("initialize charge for %s: %w", q.ID, err)
		// No payment link exists; the quote can never settle, so do not
		// leave it dangling as pending.
		if _, fErr := o.ledger.Transition(ctx, q.ID, quotes.StatusFailed, func(stored *quotes.Quote) error {
			stored.FailureReason = cause.Error()
			return nil
		}); fErr != nil {
			o.logger.Error().Err(fErr).Str("quote_id", q.ID).Msg("failed to fail quote after charge init error")
		}
		return quotes.Quote{}, "", cause
	}

	return q, charge.PaymentURL, nil
}

// VerifyAndSettle confirms the fiat payment for the given reference and
// performs exactly one custody-to-user transfer. Both the polling path and
// the webhook path call this; the quote ledger's check-and-set guarantees a
// single execution, and the second caller receives the first caller's cached
// outcome.
func (o *Onramp) VerifyAndSettle(ctx context.Context, reference string, fallback *QuoteData) (Result, error) {
	q, err := getOrReconstruct(ctx, o.ledger, reference, quotes.DirectionOnramp, fallback)
	if err != nil {
		return Result{}, err
	}

	if done, result, err := o.claim(ctx, &q); done {
		return result, err
	}

	if err := journalQuote(ctx, o.journal, q, journal.TypeOnramp, stagePaymentVerifying, nil); err != nil {
		o.logger.Error().Err(err).Str("quote_id", q.ID).Msg("journal write failed")
	}

	attempts, err := o.pollPayment(ctx, q.ID)
	if o.metrics != nil {
		o.metrics.VerifyAttempts.Observe(float64(attempts))
	}
	if err != nil {
		return o.fail(ctx, q, stagePaymentVerifying, err)
	}

	need := chain.ToBaseUnits(q.StableAmount, o.opts.TokenDecimals)
	balance, err := o.chain.TokenBalance(ctx, o.opts.CustodyAddress)
	if err != nil {
		return o.fail(ctx, q, stageChainSending, fmt.Errorf("custody balance check: %w", err))
	}
	if balance.Cmp(need) < 0 {
		return o.fail(ctx, q, stageChainSending,
			fmt.Errorf("%w: have %s, need %s base units", chain.ErrInsufficientBalance, balance, need))
	}

	txHash, err := o.chain.SendTokenTransfer(ctx, q.Counterparty.ChainAddress, need)
	if err != nil {
		var dup *chain.DuplicateSubmissionError
		if !errors.As(err, &dup) {
			return o.fail(ctx, q, stageChainSending, err)
		}
		// The network already has this transfer; wait on the original
		// hash instead of resubmitting and risking a double send.
		txHash = dup.Hash
		o.logger.Warn().Str("quote_id", q.ID).Str("tx_hash", txHash).Msg("transfer already submitted, waiting on original")
	}

	if err := o.chain.WaitForConfirmation(ctx, txHash, o.opts.Confirmations); err != nil {
		q.ChainTxHash = txHash
		return o.fail(ctx, q, stageChainConfirming, err)
	}

	settled, err := o.ledger.Transition(ctx, q.ID, quotes.StatusCompleted, func(q *quotes.Quote) error {
		q.ChainTxHash = txHash
		q.SettlementRef = reference
		return nil
	})
	if err != nil {
		return Result{}, err
	}

	if err := journalQuote(ctx, o.journal, settled, journal.TypeOnramp, stageComplete, nil); err != nil {
		o.logger.Error().Err(err).Str("quote_id", settled.ID).Msg("journal write failed")
	}
	o.countOutcome("completed")
	o.logger.Info().
		Str("quote_id", settled.ID).
		Str("tx_hash", txHash).
		Str("stable_amount", settled.StableAmount.String()).
		Msg("onramp settled")

	return resultFromQuote(settled, false), nil
}

// claim moves the quote into processing, resolving races and terminal
// states. done=true means the caller should return (result, err) as is.
func (o *Onramp) claim(ctx context.Context, q *quotes.Quote) (bool, Result, error) {
	switch q.Status {
	case quotes.StatusCompleted:
		return true, resultFromQuote(*q, true), nil
	case quotes.StatusFailed:
		return true, Result{}, fmt.Errorf("%w: quote %s already failed: %s", quotes.ErrAlreadyProcessed, q.ID, q.FailureReason)
	}

	if q.Expired(o.opts.Now().UTC()) {
		_, err := o.fail(ctx, *q, stagePaymentVerifying, fmt.Errorf("%w: expired at %s", ErrQuoteExpired, q.ExpiresAt.Format(time.RFC3339)))
		return true, Result{}, err
	}

	claimed, err := o.ledger.Transition(ctx, q.ID, quotes.StatusProcessing, nil)
	if err == nil {
		*q = claimed
		return false, Result{}, nil
	}

	// Lost the race; report whatever the winner produced.
	current, getErr := o.ledger.Get(ctx, q.ID)
	if getErr == nil && current.Status == quotes.StatusCompleted {
		return true, resultFromQuote(current, true), nil
	}
	if errors.Is(err, quotes.ErrInvalidTransition) {
		return true, Result{}, fmt.Errorf("%w: quote %s", ErrInProgress, q.ID)
	}
	return true, Result{}, err
}

// pollPayment verifies the charge at a fixed interval up to the attempt
// budget. Only "not yet settled" continues the poll; every other gateway
// outcome aborts immediately.
func (o *Onramp) pollPayment(ctx context.Context, reference string) (int, error) {
	for attempt := 1; attempt <= o.opts.MaxAttempts; attempt++ {
		result, err := o.gateway.VerifyCharge(ctx, reference)
		if err != nil {
			return attempt, fmt.Errorf("verify charge %s: %w", reference, err)
		}

		switch result.Status {
		case gateway.ChargeStatusSuccess:
			return attempt, nil
		case gateway.ChargeStatusFailed:
			return attempt, fmt.Errorf("payment %s failed at gateway", reference)
		}

		if attempt == o.opts.MaxAttempts {
			break
		}
		if err := o.opts.Sleep(ctx, o.opts.PollInterval); err != nil {
			return attempt, err
		}
	}
	return o.opts.MaxAttempts, fmt.Errorf("%w: reference %s after %d attempts", ErrVerificationTimeout, reference, o.opts.MaxAttempts)
}

func (o *Onramp) fail(ctx context.Context, q quotes.Quote, stage string, cause error) (Result, error) {
	failed, err := o.ledger.Transition(ctx, q.ID, quotes.StatusFailed, func(stored *quotes.Quote) error {
		stored.FailureReason = cause.Error()
		// Funds may already be in flight; keep the hash so operators can
		// reconcile the transfer.
		if q.ChainTxHash != "" {
			stored.ChainTxHash = q.ChainTxHash
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, quotes.ErrAlreadyProcessed) {
			// Another path already finished this quote; keep its outcome.
			return Result{}, cause
		}
		o.logger.Error().Err(err).Str("quote_id", q.ID).Msg("failed to record terminal failure")
		failed = q
	}

	if jErr := journalQuote(ctx, o.journal, failed, journal.TypeOnramp, stage, nil); jErr != nil {
		o.logger.Error().Err(jErr).Str("quote_id", q.ID).Msg("journal write failed")
	}
	o.countOutcome("failed")
	o.logger.Error().Err(cause).Str("quote_id", q.ID).Str("stage", stage).Msg("onramp settlement failed")
	return Result{}, cause
}

func (o *Onramp) countOutcome(outcome string) {
	if o.metrics != nil {
		o.metrics.Settlements.WithLabelValues(string(quotes.DirectionOnramp), outcome).Inc()
	}
}
