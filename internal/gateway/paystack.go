package gateway

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const (
	initializePath = "/transaction/initialize"
	verifyPath     = "/transaction/verify/"
	recipientPath  = "/transferrecipient"
	transferPath   = "/transfer"
)

var decKobo = decimal.NewFromInt(100)

// PaystackOptions parameterise the Paystack client.
type PaystackOptions struct {
	BaseURL       string
	SecretKey     string
	WebhookSecret string
	Timeout       time.Duration
}

// Paystack talks to the Paystack REST API.
type Paystack struct {
	opts    PaystackOptions
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
}

// NewPaystack constructs the client.
func NewPaystack(opts PaystackOptions, logger zerolog.Logger) *Paystack {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.paystack.co"
	}

	return &Paystack{
		opts:    opts,
		logger:  logger.With().Str("component", "paystack").Logger(),
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
	}
}

type apiEnvelope struct {
	Status  bool            `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// InitializeCharge creates a hosted payment page for the given reference.
func (p *Paystack) InitializeCharge(ctx context.Context, params ChargeParams) (Charge, error) {
	payload := map[string]any{
		"reference": params.Reference,
		"amount":    params.Amount.Mul(decKobo).Round(0).String(),
		"currency":  "NGN",
	}
	if params.Email != "" {
		payload["email"] = params.Email
	}

	data, err := p.post(ctx, initializePath, payload)
	if err != nil {
		return Charge{}, err
	}

	var body struct {
		AuthorizationURL string `json:"authorization_url"`
		AccessCode       string `json:"access_code"`
		Reference        string `json:"reference"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		return Charge{}, fmt.Errorf("decode initialize response: %w", err)
	}

	return Charge{
		Reference:  body.Reference,
		PaymentURL: body.AuthorizationURL,
		AccessCode: body.AccessCode,
	}, nil
}

// VerifyCharge looks up a charge by reference. A not-yet-settled payment is
// reported as ChargeStatusPending, not as an error.
func (p *Paystack) VerifyCharge(ctx context.Context, reference string) (ChargeResult, error) {
	data, err := p.get(ctx, verifyPath+url.PathEscape(reference))
	if err != nil {
		return ChargeResult{}, err
	}

	var body struct {
		Status string          `json:"status"`
		Amount decimal.Decimal `json:"amount"` // kobo
	}
	if err := json.Unmarshal(data, &body); err != nil {
		return ChargeResult{}, fmt.Errorf("decode verify response: %w", err)
	}

	result := ChargeResult{
		Reference: reference,
		Amount:    body.Amount.Div(decKobo),
	}
	switch strings.ToLower(body.Status) {
	case "success":
		result.Status = ChargeStatusSuccess
	case "failed", "reversed":
		result.Status = ChargeStatusFailed
	default:
		// abandoned / ongoing / pending all mean "not settled yet".
		result.Status = ChargeStatusPending
	}
	return result, nil
}

// CreateRecipient registers a NUBAN payout destination and returns its code.
func (p *Paystack) CreateRecipient(ctx context.Context, params RecipientParams) (string, error) {
	payload := map[string]any{
		"type":           "nuban",
		"name":           params.AccountName,
		"account_number": params.AccountNumber,
		"bank_code":      params.BankCode,
		"currency":       "NGN",
	}

	data, err := p.post(ctx, recipientPath, payload)
	if err != nil {
		return "", err
	}

	var body struct {
		RecipientCode string `json:"recipient_code"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		return "", fmt.Errorf("decode recipient response: %w", err)
	}
	if body.RecipientCode == "" {
		return "", fmt.Errorf("recipient code missing in response")
	}
	return body.RecipientCode, nil
}

// InitiatePayout starts a balance transfer to a recipient.
func (p *Paystack) InitiatePayout(ctx context.Context, params PayoutParams) (Payout, error) {
	payload := map[string]any{
		"source":    "balance",
		"amount":    params.Amount.Mul(decKobo).Round(0).String(),
		"recipient": params.RecipientCode,
		"reference": params.Reference,
		"reason":    params.Reason,
		"currency":  "NGN",
	}

	data, err := p.post(ctx, transferPath, payload)
	if err != nil {
		return Payout{}, err
	}

	var body struct {
		TransferCode string `json:"transfer_code"`
		Reference    string `json:"reference"`
		Status       string `json:"status"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		return Payout{}, fmt.Errorf("decode transfer response: %w", err)
	}

	return Payout{
		TransferCode: body.TransferCode,
		Reference:    body.Reference,
		Status:       body.Status,
	}, nil
}

// VerifyWebhookSignature checks the HMAC-SHA512 signature Paystack sends in
// x-paystack-signature against the raw request body.
func (p *Paystack) VerifyWebhookSignature(payload []byte, signature string) bool {
	secret := p.opts.WebhookSecret
	if secret == "" {
		secret = p.opts.SecretKey
	}
	if secret == "" {
		return false
	}

	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write(payload)
	expected := mac.Sum(nil)

	cleaned := strings.TrimSpace(signature)
	got, err := hex.DecodeString(cleaned)
	if err != nil {
		return false
	}
	return hmac.Equal(expected, got)
}

func (p *Paystack) post(ctx context.Context, path string, payload any) (json.RawMessage, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return p.do(req)
}

func (p *Paystack) get(ctx context.Context, path string) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	return p.do(req)
}

func (p *Paystack) do(req *http.Request) (json.RawMessage, error) {
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.opts.SecretKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var envelope apiEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return nil, fmt.Errorf("paystack error (%d): %s", resp.StatusCode, strings.TrimSpace(string(payload)))
	}
	if resp.StatusCode != http.StatusOK || !envelope.Status {
		if envelope.Message != "" {
			return nil, fmt.Errorf("paystack error (%d): %s", resp.StatusCode, envelope.Message)
		}
		return nil, fmt.Errorf("paystack error (%d)", resp.StatusCode)
	}
	return envelope.Data, nil
}

var _ Gateway = (*Paystack)(nil)
