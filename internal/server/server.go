package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"naira-ramp/internal/journal"
	"naira-ramp/internal/metrics"
	"naira-ramp/internal/quotes"
	"naira-ramp/internal/rates"
	"naira-ramp/internal/settlement"
)

const requestBodyLimit = 1 << 20 // 1 MiB

// RateProvider supplies the current conversion rate.
type RateProvider interface {
	Current(ctx context.Context) (rates.Rate, error)
}

// OnrampService is the on-ramp executor surface the handlers call.
type OnrampService interface {
	Initiate(ctx context.Context, fiatAmount decimal.Decimal, userAddress, email string) (quotes.Quote, string, error)
	VerifyAndSettle(ctx context.Context, reference string, fallback *settlement.QuoteData) (settlement.Result, error)
}

// OfframpService is the off-ramp executor surface the handlers call.
type OfframpService interface {
	Initiate(ctx context.Context, stableAmount decimal.Decimal, counterparty quotes.Counterparty, ownerAddress string) (quotes.Quote, error)
	Execute(ctx context.Context, quoteID, chainTxHash string, fallback *settlement.QuoteData) (settlement.Result, error)
	ManualRefund(ctx context.Context, params settlement.ManualRefundParams) (string, error)
}

// WebhookVerifier authenticates gateway webhook deliveries.
type WebhookVerifier interface {
	VerifyWebhookSignature(payload []byte, signature string) bool
}

// Options bundle the server dependencies.
type Options struct {
	Rates    RateProvider
	Onramp   OnrampService
	Offramp  OfframpService
	Journal  journal.Store
	Webhooks WebhookVerifier
	Metrics  *metrics.Metrics
}

// Server exposes the ramp HTTP surface.
type Server struct {
	opts   Options
	logger zerolog.Logger
}

// New constructs the server.
func New(opts Options, logger zerolog.Logger) *Server {
	return &Server{
		opts:   opts,
		logger: logger.With().Str("component", "http_server").Logger(),
	}
}

// Router assembles the chi route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(s.requestLogger)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/exchange-rate", s.handleExchangeRate)
	r.Post("/onramp/initiate", s.handleOnrampInitiate)
	r.Post("/onramp/verify", s.handleOnrampVerify)
	r.Post("/offramp/initiate", s.handleOfframpInitiate)
	r.Post("/offramp/execute", s.handleOfframpExecute)
	r.Post("/offramp/refund", s.handleRefund)
	r.Post("/webhooks/payment-gateway", s.handleWebhook)
	r.Get("/transactions", s.handleTransactions)

	if s.opts.Metrics != nil {
		r.Handle("/metrics", s.opts.Metrics.Handler())
	}

	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("elapsed", time.Since(start)).
			Msg("request handled")
	})
}
