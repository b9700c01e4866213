package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"naira-ramp/internal/chain"
	"naira-ramp/internal/journal"
	"naira-ramp/internal/quotes"
	"naira-ramp/internal/rates"
	"naira-ramp/internal/settlement"
)

const paystackSignatureHeader = "x-paystack-signature"

type ratePayload struct {
	FiatToStable decimal.Decimal `json:"fiatToStable"`
	StableToFiat decimal.Decimal `json:"stableToFiat"`
	CapturedAt   time.Time       `json:"capturedAt"`
	Source       string          `json:"source"`
	Margin       decimal.Decimal `json:"margin"`
}

type quotePayload struct {
	QuoteID      string          `json:"quoteId"`
	Direction    string          `json:"direction"`
	FiatAmount   decimal.Decimal `json:"fiatAmount"`
	StableAmount decimal.Decimal `json:"stableAmount"`
	Rate         decimal.Decimal `json:"rate"`
	Status       string          `json:"status"`
	OwnerAddress string          `json:"ownerAddress,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
	ExpiresAt    time.Time       `json:"expiresAt"`
}

type settlementPayload struct {
	Success           bool            `json:"success"`
	QuoteID           string          `json:"quoteId"`
	Status            string          `json:"status"`
	FiatAmount        decimal.Decimal `json:"fiatAmount"`
	StableAmount      decimal.Decimal `json:"stableAmount"`
	ChainTxHash       string          `json:"chainTxHash,omitempty"`
	TransferReference string          `json:"transferReference,omitempty"`
	AlreadySettled    bool            `json:"alreadySettled,omitempty"`
	RefundAttempted   bool            `json:"refundAttempted,omitempty"`
	RefundTxHash      string          `json:"refundTxHash,omitempty"`
}

// quoteDataPayload is the redundant quote copy clients may attach so a lost
// quote can be reconstructed after a restart.
type quoteDataPayload struct {
	FiatAmount   decimal.Decimal `json:"fiatAmount"`
	StableAmount decimal.Decimal `json:"stableAmount"`
	UserAddress  string          `json:"userAddress"`
	BankAccount  string          `json:"bankAccount"`
	BankCode     string          `json:"bankCode"`
	AccountName  string          `json:"accountName"`
}

func (p *quoteDataPayload) toFallback(direction quotes.Direction) *settlement.QuoteData {
	if p == nil {
		return nil
	}
	counter := p.FiatAmount
	if direction == quotes.DirectionOfframp {
		counter = p.StableAmount
	}
	return &settlement.QuoteData{
		CounterAmount: counter,
		Counterparty: quotes.Counterparty{
			BankAccount:  p.BankAccount,
			BankCode:     p.BankCode,
			AccountName:  p.AccountName,
			ChainAddress: p.UserAddress,
		},
		OwnerAddress: p.UserAddress,
	}
}

func (s *Server) handleExchangeRate(w http.ResponseWriter, r *http.Request) {
	rate, err := s.opts.Rates.Current(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, toRatePayload(rate))
}

func (s *Server) handleOnrampInitiate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		FiatAmount  decimal.Decimal `json:"fiatAmount"`
		UserAddress string          `json:"userAddress"`
		Email       string          `json:"email"`
	}
	if !s.decode(w, r, &req) {
		return
	}

	q, payURL, err := s.opts.Onramp.Initiate(r.Context(), req.FiatAmount, req.UserAddress, req.Email)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusCreated, struct {
		quotePayload
		PaymentURL string `json:"paymentUrl"`
	}{toQuotePayload(q), payURL})
}

func (s *Server) handleOnrampVerify(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reference string            `json:"reference"`
		QuoteData *quoteDataPayload `json:"quoteData"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if req.Reference == "" {
		s.writeErrorMessage(w, http.StatusBadRequest, "reference required")
		return
	}

	result, err := s.opts.Onramp.VerifyAndSettle(r.Context(), req.Reference, req.QuoteData.toFallback(quotes.DirectionOnramp))
	if err != nil {
		s.writeSettlementError(w, result, err)
		return
	}
	s.writeJSON(w, http.StatusOK, toSettlementPayload(result))
}

func (s *Server) handleOfframpInitiate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		StableAmount decimal.Decimal `json:"stableAmount"`
		BankAccount  string          `json:"bankAccount"`
		BankCode     string          `json:"bankCode"`
		AccountName  string          `json:"accountName"`
		UserAddress  string          `json:"userAddress"`
	}
	if !s.decode(w, r, &req) {
		return
	}

	q, err := s.opts.Offramp.Initiate(r.Context(), req.StableAmount, quotes.Counterparty{
		BankAccount: req.BankAccount,
		BankCode:    req.BankCode,
		AccountName: req.AccountName,
	}, req.UserAddress)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, toQuotePayload(q))
}

func (s *Server) handleOfframpExecute(w http.ResponseWriter, r *http.Request) {
	var req struct {
		QuoteID     string            `json:"quoteId"`
		ChainTxHash string            `json:"chainTxHash"`
		QuoteData   *quoteDataPayload `json:"quoteData"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if req.QuoteID == "" {
		s.writeErrorMessage(w, http.StatusBadRequest, "quoteId required")
		return
	}

	result, err := s.opts.Offramp.Execute(r.Context(), req.QuoteID, req.ChainTxHash, req.QuoteData.toFallback(quotes.DirectionOfframp))
	if err != nil {
		s.writeSettlementError(w, result, err)
		return
	}
	s.writeJSON(w, http.StatusOK, toSettlementPayload(result))
}

func (s *Server) handleRefund(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserAddress  string          `json:"userAddress"`
		StableAmount decimal.Decimal `json:"stableAmount"`
		ChainTxHash  string          `json:"chainTxHash"`
		Reason       string          `json:"reason"`
	}
	if !s.decode(w, r, &req) {
		return
	}

	txHash, err := s.opts.Offramp.ManualRefund(r.Context(), settlement.ManualRefundParams{
		UserAddress:    req.UserAddress,
		StableAmount:   req.StableAmount,
		OriginalTxHash: req.ChainTxHash,
		Reason:         req.Reason,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"success":      true,
		"refundTxHash": txHash,
	})
}

// handleWebhook processes signed gateway events. It funnels into the same
// verify-then-settle operation as the polling path, so a webhook racing the
// poll resolves to exactly one settlement.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, requestBodyLimit))
	if err != nil {
		s.writeErrorMessage(w, http.StatusBadRequest, "failed to read body")
		return
	}

	if s.opts.Webhooks == nil || !s.opts.Webhooks.VerifyWebhookSignature(body, r.Header.Get(paystackSignatureHeader)) {
		s.writeErrorMessage(w, http.StatusUnauthorized, "invalid webhook signature")
		return
	}

	var event struct {
		Event string `json:"event"`
		Data  struct {
			Reference string `json:"reference"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &event); err != nil {
		s.writeErrorMessage(w, http.StatusBadRequest, "invalid payload")
		return
	}

	if event.Event != "charge.success" {
		// Acknowledge unrelated events so the gateway stops retrying.
		s.writeJSON(w, http.StatusOK, map[string]any{"received": true, "processed": false})
		return
	}
	if event.Data.Reference == "" {
		s.writeErrorMessage(w, http.StatusBadRequest, "reference required")
		return
	}

	result, err := s.opts.Onramp.VerifyAndSettle(r.Context(), event.Data.Reference, nil)
	if err != nil {
		// The poll path may already be driving this quote; the webhook
		// just acknowledges receipt either way.
		s.logger.Warn().Err(err).Str("reference", event.Data.Reference).Msg("webhook settlement did not complete")
		s.writeJSON(w, http.StatusOK, map[string]any{"received": true, "processed": false, "detail": err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"received": true, "processed": true, "result": toSettlementPayload(result)})
}

func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := journal.Filter{
		OwnerAddress: query.Get("ownerAddress"),
		Type:         journal.EntryType(query.Get("type")),
		Status:       query.Get("status"),
		Limit:        queryInt(query.Get("limit"), 50),
		Offset:       queryInt(query.Get("offset"), 0),
	}

	entries, err := s.opts.Journal.Query(r.Context(), filter)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if entries == nil {
		entries = []journal.Entry{}
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"transactions": entries,
		"limit":        filter.Limit,
		"offset":       filter.Offset,
	})
}

func queryInt(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return fallback
	}
	return v
}

func toRatePayload(rate rates.Rate) ratePayload {
	return ratePayload{
		FiatToStable: rate.FiatToStable,
		StableToFiat: rate.StableToFiat,
		CapturedAt:   rate.CapturedAt,
		Source:       rate.Source,
		Margin:       rate.Margin,
	}
}

func toQuotePayload(q quotes.Quote) quotePayload {
	return quotePayload{
		QuoteID:      q.ID,
		Direction:    string(q.Direction),
		FiatAmount:   q.FiatAmount,
		StableAmount: q.StableAmount,
		Rate:         q.Rate.FiatToStable,
		Status:       string(q.Status),
		OwnerAddress: q.OwnerAddress,
		CreatedAt:    q.CreatedAt,
		ExpiresAt:    q.ExpiresAt,
	}
}

func toSettlementPayload(result settlement.Result) settlementPayload {
	return settlementPayload{
		Success:           result.Status == quotes.StatusCompleted,
		QuoteID:           result.QuoteID,
		Status:            string(result.Status),
		FiatAmount:        result.FiatAmount,
		StableAmount:      result.StableAmount,
		ChainTxHash:       result.ChainTxHash,
		TransferReference: result.TransferReference,
		AlreadySettled:    result.AlreadySettled,
		RefundAttempted:   result.RefundAttempted,
		RefundTxHash:      result.RefundTxHash,
	}
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	body, err := io.ReadAll(io.LimitReader(r.Body, requestBodyLimit))
	if err != nil {
		s.writeErrorMessage(w, http.StatusBadRequest, "failed to read body")
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		s.writeErrorMessage(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error().Err(err).Msg("write response failed")
	}
}

func (s *Server) writeErrorMessage(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]any{"error": message})
}

// writeError maps domain errors onto HTTP statuses. Every terminal failure
// carries enough detail for manual reconciliation.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	s.writeErrorMessage(w, statusFor(err), err.Error())
}

func (s *Server) writeSettlementError(w http.ResponseWriter, result settlement.Result, err error) {
	payload := map[string]any{"error": err.Error()}
	if result.RefundAttempted {
		payload["refundAttempted"] = true
		if result.RefundTxHash != "" {
			payload["refundTxHash"] = result.RefundTxHash
		}
	}
	var compErr *settlement.CompensationError
	if errors.As(err, &compErr) {
		payload["refundFailed"] = true
	}
	s.writeJSON(w, statusFor(err), payload)
}

func statusFor(err error) int {
	var compErr *settlement.CompensationError
	var revertErr *chain.RevertError
	switch {
	case errors.Is(err, quotes.ErrValidation), errors.Is(err, settlement.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, quotes.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, quotes.ErrAlreadyProcessed), errors.Is(err, settlement.ErrInProgress):
		return http.StatusConflict
	case errors.Is(err, settlement.ErrQuoteExpired):
		return http.StatusGone
	case errors.Is(err, settlement.ErrVerificationTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, rates.ErrRateUnavailable):
		return http.StatusServiceUnavailable
	case errors.As(err, &compErr), errors.Is(err, chain.ErrInsufficientBalance), errors.As(err, &revertErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
