package settlement

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

	"naira-ramp/internal/alerting"
	"naira-ramp/internal/chain"
	"naira-ramp/internal/gateway"
	"naira-ramp/internal/journal"
	"naira-ramp/internal/metrics"
	"naira-ramp/internal/quotes"
)

// Offramp settlement stages recorded in journal metadata.
const (
	stageAwaitingReceipt  = "awaiting_chain_receipt"
	stagePayoutInitiating = "payout_initiating"
)

// OfframpOptions tune the off-ramp executor.
type OfframpOptions struct {
	Confirmations  uint64
	CustodyAddress string
	TokenDecimals  int32
	Now            func() time.Time
}

// Offramp drives a confirmed user USDC deposit into a bank payout, with a
// compensating refund when the payout leg fails after funds were received.
type Offramp struct {
	ledger  *quotes.Ledger
	gateway gateway.Gateway
	chain   chain.Client
	journal journal.Store
	metrics *metrics.Metrics
	alerts  alerting.Notifier
	opts    OfframpOptions
	logger  zerolog.Logger
}

// NewOfframp constructs the executor.
func NewOfframp(ledger *quotes.Ledger, gw gateway.Gateway, chainClient chain.Client, journalStore journal.Store, m *metrics.Metrics, alerts alerting.Notifier, opts OfframpOptions, logger zerolog.Logger) *Offramp {
	if opts.Confirmations == 0 {
		opts.Confirmations = 1
	}
	if opts.TokenDecimals == 0 {
		opts.TokenDecimals = 6
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Offramp{
		ledger:  ledger,
		gateway: gw,
		chain:   chainClient,
		journal: journalStore,
		metrics: m,
		alerts:  alerts,
		opts:    opts,
		logger:  logger.With().Str("component", "offramp_executor").Logger(),
	}
}

// Initiate prices a new off-ramp quote. The user address may be bound later,
// at execution time, once the deposit transaction identifies the sender.
func (o *Offramp) Initiate(ctx context.Context, stableAmount decimal.Decimal, counterparty quotes.Counterparty, ownerAddress string) (quotes.Quote, error) {
	return o.ledger.Create(ctx, quotes.CreateParams{
		Direction:     quotes.DirectionOfframp,
		CounterAmount: stableAmount,
		Counterparty:  counterparty,
		OwnerAddress:  ownerAddress,
	})
}

// Execute settles an off-ramp quote: waits for the user's custody-bound
// deposit to confirm, then initiates the bank payout. The wallet layer has
// already signed and broadcast the deposit; this starts at receipt
// verification. Recipient creation and payout initiation are single-shot;
// ambiguous failures surface instead of retrying, since a blind retry could
// pay out twice.
func (o *Offramp) Execute(ctx context.Context, quoteID, chainTxHash string, fallback *QuoteData) (Result, error) {
	if strings.TrimSpace(chainTxHash) == "" {
		return Result{}, fmt.Errorf("%w: chain tx hash required", ErrValidation)
	}

	q, err := getOrReconstruct(ctx, o.ledger, quoteID, quotes.DirectionOfframp, fallback)
	if err != nil {
		return Result{}, err
	}

	if done, result, err := o.claim(ctx, &q, chainTxHash, fallback); done {
		return result, err
	}

	if err := journalQuote(ctx, o.journal, q, journal.TypeOfframp, stageAwaitingReceipt, nil); err != nil {
		o.logger.Error().Err(err).Str("quote_id", q.ID).Msg("journal write failed")
	}

	if err := o.chain.WaitForConfirmation(ctx, chainTxHash, o.opts.Confirmations); err != nil {
		// The deposit never confirmed (or reverted): custody received
		// nothing, so there is nothing to compensate.
		return o.fail(ctx, q, stageChainConfirming, err)
	}

	// From here the user's funds are in custody; any failure below must
	// trigger exactly one automatic refund.
	recipientCode, err := o.gateway.CreateRecipient(ctx, gateway.RecipientParams{
		AccountNumber: q.Counterparty.BankAccount,
		BankCode:      q.Counterparty.BankCode,
		AccountName:   q.Counterparty.AccountName,
	})
	if err != nil {
		return o.compensate(ctx, q, chainTxHash, fmt.Errorf("create payout recipient: %w", err))
	}

	payout, err := o.gateway.InitiatePayout(ctx, gateway.PayoutParams{
		RecipientCode: recipientCode,
		Amount:        q.FiatAmount, // zero fee currently; fee field reserved
		Reference:     q.ID,
		Reason:        "NGN payout for " + q.ID,
	})
	if err != nil {
		return o.compensate(ctx, q, chainTxHash, fmt.Errorf("initiate payout: %w", err))
	}

	settled, err := o.ledger.Transition(ctx, q.ID, quotes.StatusCompleted, func(q *quotes.Quote) error {
		q.SettlementRef = payout.TransferCode
		return nil
	})
	if err != nil {
		return Result{}, err
	}

	if err := journalQuote(ctx, o.journal, settled, journal.TypeOfframp, stageComplete, nil); err != nil {
		o.logger.Error().Err(err).Str("quote_id", settled.ID).Msg("journal write failed")
	}
	o.countOutcome("completed")
	o.logger.Info().
		Str("quote_id", settled.ID).
		Str("transfer_code", payout.TransferCode).
		Str("fiat_amount", settled.FiatAmount.String()).
		Msg("offramp settled")

	return resultFromQuote(settled, false), nil
}

func (o *Offramp) claim(ctx context.Context, q *quotes.Quote, chainTxHash string, fallback *QuoteData) (bool, Result, error) {
	switch q.Status {
	case quotes.StatusCompleted:
		return true, resultFromQuote(*q, true), nil
	case quotes.StatusFailed:
		return true, Result{}, fmt.Errorf("%w: quote %s already failed: %s", quotes.ErrAlreadyProcessed, q.ID, q.FailureReason)
	}

	if q.Expired(o.opts.Now().UTC()) {
		_, err := o.fail(ctx, *q, stageAwaitingReceipt, fmt.Errorf("%w: expired at %s", ErrQuoteExpired, q.ExpiresAt.Format(time.RFC3339)))
		return true, Result{}, err
	}

	claimed, err := o.ledger.Transition(ctx, q.ID, quotes.StatusProcessing, func(q *quotes.Quote) error {
		q.ChainTxHash = chainTxHash
		if q.OwnerAddress == "" && fallback != nil {
			q.OwnerAddress = fallback.OwnerAddress
		}
		return nil
	})
	if err == nil {
		*q = claimed
		return false, Result{}, nil
	}

	current, getErr := o.ledger.Get(ctx, q.ID)
	if getErr == nil && current.Status == quotes.StatusCompleted {
		return true, resultFromQuote(current, true), nil
	}
	if errors.Is(err, quotes.ErrInvalidTransition) {
		return true, Result{}, fmt.Errorf("%w: quote %s", ErrInProgress, q.ID)
	}
	return true, Result{}, err
}

// compensate refunds the original stablecoin amount after a settlement
// failure that happened post-confirmation. The refund is attempted exactly
// once; a refund failure escalates to CompensationError.
func (o *Offramp) compensate(ctx context.Context, q quotes.Quote, originalTxHash string, settlementErr error) (Result, error) {
	reason := fmt.Sprintf("offramp payout failed, compensating deposit %s", originalTxHash)

	var refundTx string
	var refundErr error
	if q.OwnerAddress == "" {
		refundErr = errors.New("owner address unknown, cannot route refund")
	} else {
		amount := chain.ToBaseUnits(q.StableAmount, o.opts.TokenDecimals)
		refundTx, refundErr = o.chain.SendTokenTransfer(ctx, q.OwnerAddress, amount)
	}

	failed, err := o.ledger.Transition(ctx, q.ID, quotes.StatusFailed, func(q *quotes.Quote) error {
		q.FailureReason = settlementErr.Error()
		q.RefundAttempted = true
		return nil
	})
	if err != nil {
		if !errors.Is(err, quotes.ErrAlreadyProcessed) {
			o.logger.Error().Err(err).Str("quote_id", q.ID).Msg("failed to record terminal failure")
		}
		failed = q
		failed.Status = quotes.StatusFailed
		failed.RefundAttempted = true
	}

	extra := map[string]string{
		"refund_reason": reason,
	}
	if refundTx != "" {
		extra["refund_tx_hash"] = refundTx
	}
	if refundErr != nil {
		extra["refund_error"] = refundErr.Error()
	}
	if jErr := journalQuote(ctx, o.journal, failed, journal.TypeOfframp, stagePayoutInitiating, extra); jErr != nil {
		o.logger.Error().Err(jErr).Str("quote_id", q.ID).Msg("journal write failed")
	}
	o.countOutcome("failed")

	if refundErr != nil {
		o.countRefund("failed")
		compErr := &CompensationError{QuoteID: q.ID, Settlement: settlementErr, Refund: refundErr}
		o.logger.Error().Err(compErr).Str("quote_id", q.ID).Msg("settlement failed and refund failed")
		o.alert(ctx, alerting.Notification{
			Severity:  alerting.SeverityCritical,
			QuoteID:   q.ID,
			Direction: string(q.Direction),
			Reason:    "offramp payout AND refund failed, manual intervention required",
			TxHash:    originalTxHash,
			Amount:    q.StableAmount.String(),
			Currency:  "USDC",
		})
		return Result{QuoteID: q.ID, Status: quotes.StatusFailed, RefundAttempted: true}, compErr
	}

	o.countRefund("issued")
	o.logger.Warn().
		Str("quote_id", q.ID).
		Str("refund_tx", refundTx).
		Str("original_tx", originalTxHash).
		Msg("payout failed, refund issued")
	o.alert(ctx, alerting.Notification{
		Severity:  alerting.SeverityWarning,
		QuoteID:   q.ID,
		Direction: string(q.Direction),
		Reason:    "offramp payout failed, deposit refunded",
		TxHash:    refundTx,
		Amount:    q.StableAmount.String(),
		Currency:  "USDC",
	})

	result := Result{
		QuoteID:         q.ID,
		Status:          quotes.StatusFailed,
		Direction:       q.Direction,
		FiatAmount:      q.FiatAmount,
		StableAmount:    q.StableAmount,
		ChainTxHash:     originalTxHash,
		RefundAttempted: true,
		RefundTxHash:    refundTx,
	}
	return result, fmt.Errorf("settlement failed, refund %s issued: %w", refundTx, settlementErr)
}

// ManualRefundParams describe an operator-triggered compensation.
type ManualRefundParams struct {
	UserAddress    string
	StableAmount   decimal.Decimal
	OriginalTxHash string
	Reason         string
}

// ManualRefund sends custody funds back to a user outside the automatic
// compensation path.
func (o *Offramp) ManualRefund(ctx context.Context, params ManualRefundParams) (string, error) {
	if !common.IsHexAddress(params.UserAddress) {
		return "", fmt.Errorf("%w: invalid user address %q", ErrValidation, params.UserAddress)
	}
	if params.StableAmount.Sign() <= 0 {
		return "", fmt.Errorf("%w: refund amount must be positive", ErrValidation)
	}

	amount := chain.ToBaseUnits(params.StableAmount, o.opts.TokenDecimals)
	balance, err := o.chain.TokenBalance(ctx, o.opts.CustodyAddress)
	if err != nil {
		return "", fmt.Errorf("custody balance check: %w", err)
	}
	if balance.Cmp(amount) < 0 {
		return "", fmt.Errorf("%w: have %s, need %s base units", chain.ErrInsufficientBalance, balance, amount)
	}

	txHash, err := o.chain.SendTokenTransfer(ctx, params.UserAddress, amount)
	if err != nil {
		o.countRefund("failed")
		return "", fmt.Errorf("manual refund transfer: %w", err)
	}

	reason := params.Reason
	if reason == "" {
		reason = "manual operator refund"
	}
	metadata := map[string]string{"refund_reason": reason}
	if params.OriginalTxHash != "" {
		metadata["original_tx_hash"] = params.OriginalTxHash
	}
	if o.journal != nil {
		entry := journal.Entry{
			ID:           "rfd_" + strings.ReplaceAll(uuid.NewString(), "-", ""),
			Type:         journal.TypeRefund,
			OwnerAddress: params.UserAddress,
			Amount:       params.StableAmount,
			Currency:     "USDC",
			Status:       string(quotes.StatusCompleted),
			Timestamp:    time.Now().UTC(),
			ChainTxHash:  txHash,
			Metadata:     metadata,
		}
		if err := o.journal.Upsert(ctx, entry); err != nil {
			o.logger.Error().Err(err).Str("refund_tx", txHash).Msg("journal write failed")
		}
	}

	o.countRefund("issued")
	o.logger.Info().
		Str("refund_tx", txHash).
		Str("user", params.UserAddress).
		Str("amount", params.StableAmount.String()).
		Msg("manual refund issued")
	return txHash, nil
}

func (o *Offramp) fail(ctx context.Context, q quotes.Quote, stage string, cause error) (Result, error) {
	failed, err := o.ledger.Transition(ctx, q.ID, quotes.StatusFailed, func(q *quotes.Quote) error {
		q.FailureReason = cause.Error()
		return nil
	})
	if err != nil {
		if errors.Is(err, quotes.ErrAlreadyProcessed) {
			return Result{}, cause
		}
		o.logger.Error().Err(err).Str("quote_id", q.ID).Msg("failed to record terminal failure")
		failed = q
	}

	if jErr := journalQuote(ctx, o.journal, failed, journal.TypeOfframp, stage, nil); jErr != nil {
		o.logger.Error().Err(jErr).Str("quote_id", q.ID).Msg("journal write failed")
	}
	o.countOutcome("failed")
	o.logger.Error().Err(cause).Str("quote_id", q.ID).Str("stage", stage).Msg("offramp settlement failed")
	return Result{}, cause
}

func (o *Offramp) countOutcome(outcome string) {
	if o.metrics != nil {
		o.metrics.Settlements.WithLabelValues(string(quotes.DirectionOfframp), outcome).Inc()
	}
}

func (o *Offramp) countRefund(outcome string) {
	if o.metrics != nil {
		o.metrics.Refunds.WithLabelValues(outcome).Inc()
	}
}

func (o *Offramp) alert(ctx context.Context, note alerting.Notification) {
	if o.alerts == nil {
		return
	}
	note.At = o.opts.Now().UTC()
	if err := o.alerts.Notify(ctx, note); err != nil {
		o.logger.Error().Err(err).Str("quote_id", note.QuoteID).Msg("operator alert dispatch failed")
	}
}
