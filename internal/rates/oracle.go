package rates

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// ErrRateUnavailable is returned when every source failed and no rate was
// ever captured.
var ErrRateUnavailable = errors.New("rates: no source available and no cached rate")

var decOne = decimal.NewFromInt(1)

// OracleOptions tune caching and margin behaviour.
type OracleOptions struct {
	Margin        float64
	CacheTTL      time.Duration
	SourceTimeout time.Duration
	// Now is injectable for tests.
	Now func() time.Time
	// OnSourceError is invoked for every individual source failure.
	OnSourceError func(source string)
}

// Oracle serves a margin-adjusted NGN/USDC rate from an ordered list of
// sources, caching the result in a single shared slot.
//
// Policy: when every source fails, a previously captured rate is served stale
// (with a warning) rather than failing the caller. Only when no rate was ever
// captured does ErrRateUnavailable surface.
type Oracle struct {
	sources []Source
	margin  decimal.Decimal
	ttl     time.Duration
	timeout time.Duration
	now     func() time.Time
	onFail  func(string)
	logger  zerolog.Logger

	mu     sync.Mutex
	cached *Rate
}

// NewOracle constructs the oracle. Sources are tried in the order given.
func NewOracle(sources []Source, opts OracleOptions, logger zerolog.Logger) *Oracle {
	ttl := opts.CacheTTL
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	timeout := opts.SourceTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	return &Oracle{
		sources: sources,
		margin:  decimal.NewFromFloat(opts.Margin),
		ttl:     ttl,
		timeout: timeout,
		now:     now,
		onFail:  opts.OnSourceError,
		logger:  logger.With().Str("component", "rate_oracle").Logger(),
	}
}

// Current returns the cached rate when fresh, otherwise fetches a new one.
// Concurrent callers within the TTL window share the same cached value.
func (o *Oracle) Current(ctx context.Context) (Rate, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.cached != nil && o.now().UTC().Sub(o.cached.CapturedAt) < o.ttl {
		return *o.cached, nil
	}

	return o.fetchLocked(ctx)
}

// Refresh forces a fetch regardless of cache freshness. Used by the
// background refresh loop so steady-state reads rarely block on network I/O.
func (o *Oracle) Refresh(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	_, err := o.fetchLocked(ctx)
	return err
}

func (o *Oracle) fetchLocked(ctx context.Context) (Rate, error) {
	var lastErr error
	for _, src := range o.sources {
		raw, err := o.fetchOne(ctx, src)
		if err != nil {
			lastErr = err
			if o.onFail != nil {
				o.onFail(src.Name())
			}
			o.logger.Warn().Err(err).Str("source", src.Name()).Msg("rate source failed, trying next")
			continue
		}

		rate := o.applyMargin(raw, src.Name())
		o.cached = &rate
		return rate, nil
	}

	if o.cached != nil {
		o.logger.Warn().Err(lastErr).
			Time("captured_at", o.cached.CapturedAt).
			Msg("all rate sources failed, serving stale cached rate")
		return *o.cached, nil
	}

	if lastErr == nil {
		lastErr = errors.New("no sources configured")
	}
	return Rate{}, fmt.Errorf("%w: %v", ErrRateUnavailable, lastErr)
}

func (o *Oracle) fetchOne(ctx context.Context, src Source) (decimal.Decimal, error) {
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	raw, err := src.Fetch(ctx)
	if err != nil {
		return decimal.Decimal{}, err
	}
	if raw.Sign() <= 0 {
		return decimal.Decimal{}, fmt.Errorf("source %s returned non-positive rate", src.Name())
	}
	return raw, nil
}

// applyMargin inflates NGN-per-USDC so both conversion directions favour the
// operator; the reciprocal is compressed accordingly.
func (o *Oracle) applyMargin(raw decimal.Decimal, source string) Rate {
	fiatToStable := raw.Mul(decOne.Add(o.margin))
	return Rate{
		FiatToStable: fiatToStable,
		StableToFiat: decOne.Div(fiatToStable),
		CapturedAt:   o.now().UTC(),
		Source:       source,
		Margin:       o.margin,
	}
}
