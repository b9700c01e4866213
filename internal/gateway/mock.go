package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"

	"github.com/shopspring/decimal"
)

// Mock simulates the payment processor for mock-mode runs and tests. Call
// counts are exposed so idempotency properties can be asserted without
// touching the real payout API.
type Mock struct {
	mu sync.Mutex

	// SucceedAfter is how many VerifyCharge calls return pending before
	// success. Zero means immediate success.
	SucceedAfter int
	// FailInitialize forces InitializeCharge to error.
	FailInitialize bool
	// FailCharges forces VerifyCharge to report terminal failure.
	FailCharges bool
	// FailPayouts forces InitiatePayout to error.
	FailPayouts bool
	// WebhookSecret used by VerifyWebhookSignature.
	WebhookSecret string

	initializeCalls int
	initializeRefs  []string
	verifyCalls     map[string]int
	recipientCalls  int
	payoutCalls     int
}

// NewMock constructs a mock gateway.
func NewMock() *Mock {
	return &Mock{verifyCalls: make(map[string]int)}
}

// InitializeCharge returns a fake hosted payment page.
func (m *Mock) InitializeCharge(_ context.Context, params ChargeParams) (Charge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.initializeCalls++
	m.initializeRefs = append(m.initializeRefs, params.Reference)
	if m.FailInitialize {
		return Charge{}, fmt.Errorf("mock charge init declined for %s", params.Reference)
	}
	return Charge{
		Reference:  params.Reference,
		PaymentURL: "https://checkout.mock.local/" + params.Reference,
		AccessCode: "mock_" + params.Reference,
	}, nil
}

// VerifyCharge reports pending until SucceedAfter calls have been made.
func (m *Mock) VerifyCharge(_ context.Context, reference string) (ChargeResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.verifyCalls[reference]++
	result := ChargeResult{Reference: reference, Amount: decimal.Zero}
	switch {
	case m.FailCharges:
		result.Status = ChargeStatusFailed
	case m.verifyCalls[reference] > m.SucceedAfter:
		result.Status = ChargeStatusSuccess
	default:
		result.Status = ChargeStatusPending
	}
	return result, nil
}

// CreateRecipient returns a deterministic recipient code.
func (m *Mock) CreateRecipient(_ context.Context, params RecipientParams) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recipientCalls++
	return fmt.Sprintf("RCP_mock_%s_%d", params.BankCode, m.recipientCalls), nil
}

// InitiatePayout simulates a balance transfer.
func (m *Mock) InitiatePayout(_ context.Context, params PayoutParams) (Payout, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.payoutCalls++
	if m.FailPayouts {
		return Payout{}, fmt.Errorf("mock payout declined for %s", params.Reference)
	}
	return Payout{
		TransferCode: fmt.Sprintf("TRF_mock_%d", m.payoutCalls),
		Reference:    params.Reference,
		Status:       "success",
	}, nil
}

// VerifyWebhookSignature mirrors the real HMAC-SHA512 check.
func (m *Mock) VerifyWebhookSignature(payload []byte, signature string) bool {
	if m.WebhookSecret == "" {
		return true
	}
	mac := hmac.New(sha512.New, []byte(m.WebhookSecret))
	mac.Write(payload)
	got, err := hex.DecodeString(strings.TrimSpace(signature))
	if err != nil {
		return false
	}
	return hmac.Equal(mac.Sum(nil), got)
}

// InitializedRefs reports the charge references passed to InitializeCharge.
func (m *Mock) InitializedRefs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	refs := make([]string, len(m.initializeRefs))
	copy(refs, m.initializeRefs)
	return refs
}

// VerifyCalls reports how many times a reference was verified.
func (m *Mock) VerifyCalls(reference string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.verifyCalls[reference]
}

// PayoutCalls reports how many payouts were initiated.
func (m *Mock) PayoutCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.payoutCalls
}

var _ Gateway = (*Mock)(nil)
