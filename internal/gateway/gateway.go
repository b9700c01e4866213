package gateway

import (
	"context"

	"github.com/shopspring/decimal"
)

// ChargeStatus is the processor-side state of a customer payment.
type ChargeStatus string

const (
	// ChargeStatusPending means the payment has not settled yet; callers
	// may keep polling.
	ChargeStatusPending ChargeStatus = "pending"
	// ChargeStatusSuccess means the payment settled.
	ChargeStatusSuccess ChargeStatus = "success"
	// ChargeStatusFailed means the payment terminally failed.
	ChargeStatusFailed ChargeStatus = "failed"
)

// ChargeParams describe a hosted-page charge to initialise.
type ChargeParams struct {
	Reference string
	Amount    decimal.Decimal // NGN
	Email     string
}

// Charge is an initialised hosted payment.
type Charge struct {
	Reference  string
	PaymentURL string
	AccessCode string
}

// ChargeResult is the outcome of a verify-by-reference call.
type ChargeResult struct {
	Reference string
	Status    ChargeStatus
	Amount    decimal.Decimal // NGN actually paid
}

// RecipientParams describe a bank payout destination.
type RecipientParams struct {
	AccountNumber string
	BankCode      string
	AccountName   string
}

// PayoutParams describe a payout to a previously created recipient.
// Recipient creation and payout initiation are both single-shot,
// non-idempotent calls: on ambiguous failure callers must surface the error
// instead of retrying, to avoid duplicate payouts.
type PayoutParams struct {
	RecipientCode string
	Amount        decimal.Decimal // NGN
	Reference     string
	Reason        string
}

// Payout is an initiated bank transfer.
type Payout struct {
	TransferCode string
	Reference    string
	Status       string
}

// Gateway is the payment processor surface the settlement executors call
// through. All operations are fallible and network-bound.
type Gateway interface {
	InitializeCharge(ctx context.Context, params ChargeParams) (Charge, error)
	VerifyCharge(ctx context.Context, reference string) (ChargeResult, error)
	CreateRecipient(ctx context.Context, params RecipientParams) (string, error)
	InitiatePayout(ctx context.Context, params PayoutParams) (Payout, error)
	VerifyWebhookSignature(payload []byte, signature string) bool
}
