package app

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"naira-ramp/internal/alerting"
	"naira-ramp/internal/chain"
	"naira-ramp/internal/config"
	"naira-ramp/internal/gateway"
	"naira-ramp/internal/journal"
	"naira-ramp/internal/metrics"
	"naira-ramp/internal/quotes"
	"naira-ramp/internal/rates"
	"naira-ramp/internal/scheduler"
	"naira-ramp/internal/server"
	"naira-ramp/internal/settlement"
	"naira-ramp/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) newOracle(m *metrics.Metrics) *rates.Oracle {
	sources := []rates.Source{
		rates.NewCoinGecko(rates.HTTPSourceOptions{
			BaseURL:   a.Config.Rates.CoinGeckoURL,
			Timeout:   a.Config.Rates.SourceTimeout,
			UserAgent: a.Config.Rates.UserAgent,
		}, a.Logger),
		rates.NewCryptoCompare(rates.HTTPSourceOptions{
			BaseURL:   a.Config.Rates.CryptoCompURL,
			Timeout:   a.Config.Rates.SourceTimeout,
			UserAgent: a.Config.Rates.UserAgent,
		}, a.Logger),
	}

	var onSourceError func(string)
	if m != nil {
		onSourceError = func(source string) {
			m.RateSourceFailures.WithLabelValues(source).Inc()
		}
	}

	return rates.NewOracle(sources, rates.OracleOptions{
		Margin:        a.Config.Rates.Margin,
		CacheTTL:      a.Config.Rates.CacheTTL,
		SourceTimeout: a.Config.Rates.SourceTimeout,
		OnSourceError: onSourceError,
	}, a.Logger)
}

func (a *App) newGateway() gateway.Gateway {
	if a.Config.Gateway.Mock {
		a.Logger.Warn().Msg("gateway.mock enabled; no real payments will move")
		mock := gateway.NewMock()
		mock.WebhookSecret = a.Config.Gateway.WebhookSecret
		return mock
	}
	return gateway.NewPaystack(gateway.PaystackOptions{
		BaseURL:       a.Config.Gateway.BaseURL,
		SecretKey:     a.Config.Gateway.SecretKey,
		WebhookSecret: a.Config.Gateway.WebhookSecret,
		Timeout:       a.Config.Gateway.RequestTimeout,
	}, a.Logger)
}

func (a *App) newChain() (chain.Client, error) {
	return chain.NewEVM(chain.EVMOptions{
		RPCURL:          a.Config.Chain.RPCURL,
		ChainID:         a.Config.Chain.ChainID,
		TokenAddress:    a.Config.Chain.USDCAddress,
		CustodyAddress:  a.Config.Chain.CustodyAddress,
		CustodyPrivKey:  a.Config.Chain.CustodyPrivKey,
		ReceiptInterval: a.Config.Chain.ReceiptInterval,
		RequestTimeout:  a.Config.Chain.RequestTimeout,
	}, a.Logger)
}

func (a *App) newNotifier() alerting.Notifier {
	if a.Config.Alerting.Enabled && a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		return alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, 10*time.Second, a.Logger)
	}
	return nil
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

// Serve runs the ramp HTTP service until interrupted.
func (a *App) Serve(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		a.Logger.Warn().Msg("database.dsn not configured; journal kept in memory only")
	}
	if closeStore != nil {
		defer closeStore()
	}

	var journalStore journal.Store
	if store != nil {
		journalStore = store
	} else {
		journalStore = journal.NewMemoryStore()
	}

	m := metrics.New()
	oracle := a.newOracle(m)

	chainClient, err := a.newChain()
	if err != nil {
		return err
	}

	ledger := quotes.NewLedger(quotes.NewMemoryStore(), oracle, quotes.LedgerOptions{
		OnrampWindow:  a.Config.Settlement.OnrampQuoteWindow,
		OfframpWindow: a.Config.Settlement.OfframpQuoteWindow,
		OnReconstruct: func(string) { m.Reconstructions.Inc() },
	}, a.Logger)

	gw := a.newGateway()
	notifier := a.newNotifier()
	if notifier == nil {
		a.Logger.Warn().Msg("alerting disabled; compensation failures surface only in logs")
	}

	onramp := settlement.NewOnramp(ledger, gw, chainClient, journalStore, m, settlement.OnrampOptions{
		PollInterval:   a.Config.Settlement.VerifyPollInterval,
		MaxAttempts:    a.Config.Settlement.VerifyMaxAttempts,
		Confirmations:  a.Config.Chain.Confirmations,
		CustodyAddress: a.Config.Chain.CustodyAddress,
		TokenDecimals:  a.Config.Chain.USDCDecimals,
	}, a.Logger)

	offramp := settlement.NewOfframp(ledger, gw, chainClient, journalStore, m, notifier, settlement.OfframpOptions{
		Confirmations:  a.Config.Chain.Confirmations,
		CustodyAddress: a.Config.Chain.CustodyAddress,
		TokenDecimals:  a.Config.Chain.USDCDecimals,
	}, a.Logger)

	srv := server.New(server.Options{
		Rates:    oracle,
		Onramp:   onramp,
		Offramp:  offramp,
		Journal:  journalStore,
		Webhooks: gw,
		Metrics:  m,
	}, a.Logger)

	httpServer := &http.Server{
		Addr:         a.Config.Server.Addr,
		Handler:      srv.Router(),
		ReadTimeout:  a.Config.Server.ReadTimeout,
		WriteTimeout: a.Config.Server.WriteTimeout,
	}

	go a.refreshRates(ctx, oracle, store)

	errCh := make(chan error, 1)
	go func() {
		a.Logger.Info().Str("addr", httpServer.Addr).Msg("http server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	a.Logger.Info().Msg("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), a.Config.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}

// refreshRates runs the periodic oracle refresh and, when a database is
// configured, records each captured rate for the export history.
func (a *App) refreshRates(ctx context.Context, oracle *rates.Oracle, store *storage.Store) {
	sched := scheduler.New(scheduler.Options{
		Interval:   a.Config.Rates.RefreshInterval,
		RunOnStart: true,
	}, a.Logger)

	err := sched.Run(ctx, func(ctx context.Context, at time.Time) error {
		if err := oracle.Refresh(ctx); err != nil {
			return err
		}
		if store == nil {
			return nil
		}

		rate, err := oracle.Current(ctx)
		if err != nil {
			return err
		}
		return store.InsertRateSample(ctx, storage.RateSample{
			CapturedAt:   rate.CapturedAt,
			FiatToStable: rate.FiatToStable,
			StableToFiat: rate.StableToFiat,
			Source:       rate.Source,
			Margin:       rate.Margin,
		})
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("rate refresh loop terminated")
	}
}

// ExportOptions hold parameters for exporting historical rate samples.
type ExportOptions struct {
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	OwnerAddress string
	Limit        int
}
