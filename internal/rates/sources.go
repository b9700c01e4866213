package rates

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const (
	coinGeckoPricePath     = "/simple/price?ids=usd-coin&vs_currencies=ngn"
	cryptoComparePricePath = "/data/price?fsym=USDC&tsyms=NGN"
)

// HTTPSourceOptions parameterise an HTTP price source.
type HTTPSourceOptions struct {
	BaseURL   string
	Timeout   time.Duration
	UserAgent string
}

// CoinGecko fetches the USDC/NGN spot price from the CoinGecko simple API.
type CoinGecko struct {
	opts    HTTPSourceOptions
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
}

// NewCoinGecko constructs a CoinGecko source.
func NewCoinGecko(opts HTTPSourceOptions, logger zerolog.Logger) *CoinGecko {
	return &CoinGecko{
		opts:    opts,
		logger:  logger.With().Str("component", "rates_coingecko").Logger(),
		client:  &http.Client{Timeout: sourceTimeout(opts.Timeout)},
		baseURL: sourceBaseURL(opts.BaseURL, "https://api.coingecko.com/api/v3"),
	}
}

// Name identifies the provider in rate provenance.
func (c *CoinGecko) Name() string { return "coingecko" }

// Fetch retrieves NGN per USDC.
func (c *CoinGecko) Fetch(ctx context.Context) (decimal.Decimal, error) {
	payload, err := fetchJSON(ctx, c.client, c.baseURL+coinGeckoPricePath, c.opts.UserAgent)
	if err != nil {
		return decimal.Decimal{}, err
	}

	var body struct {
		USDCoin struct {
			NGN decimal.Decimal `json:"ngn"`
		} `json:"usd-coin"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return decimal.Decimal{}, fmt.Errorf("decode coingecko response: %w", err)
	}
	if body.USDCoin.NGN.Sign() <= 0 {
		return decimal.Decimal{}, errors.New("coingecko returned non-positive rate")
	}
	return body.USDCoin.NGN, nil
}

// CryptoCompare fetches the USDC/NGN spot price from the CryptoCompare min-api.
type CryptoCompare struct {
	opts    HTTPSourceOptions
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
}

// NewCryptoCompare constructs a CryptoCompare source.
func NewCryptoCompare(opts HTTPSourceOptions, logger zerolog.Logger) *CryptoCompare {
	return &CryptoCompare{
		opts:    opts,
		logger:  logger.With().Str("component", "rates_cryptocompare").Logger(),
		client:  &http.Client{Timeout: sourceTimeout(opts.Timeout)},
		baseURL: sourceBaseURL(opts.BaseURL, "https://min-api.cryptocompare.com"),
	}
}

// Name identifies the provider in rate provenance.
func (c *CryptoCompare) Name() string { return "cryptocompare" }

// Fetch retrieves NGN per USDC.
func (c *CryptoCompare) Fetch(ctx context.Context) (decimal.Decimal, error) {
	payload, err := fetchJSON(ctx, c.client, c.baseURL+cryptoComparePricePath, c.opts.UserAgent)
	if err != nil {
		return decimal.Decimal{}, err
	}

	var body struct {
		NGN decimal.Decimal `json:"NGN"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return decimal.Decimal{}, fmt.Errorf("decode cryptocompare response: %w", err)
	}
	if body.NGN.Sign() <= 0 {
		return decimal.Decimal{}, errors.New("cryptocompare returned non-positive rate")
	}
	return body.NGN, nil
}

func fetchJSON(ctx context.Context, client *http.Client, endpoint, userAgent string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(userAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", "nairaramp/1.0")
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		if len(payload) > 0 {
			return nil, fmt.Errorf("price api error (%d): %s", resp.StatusCode, strings.TrimSpace(string(payload)))
		}
		return nil, fmt.Errorf("price api error (%d)", resp.StatusCode)
	}
	return payload, nil
}

func sourceTimeout(timeout time.Duration) time.Duration {
	if timeout <= 0 {
		return 5 * time.Second
	}
	return timeout
}

func sourceBaseURL(base, fallback string) string {
	base = strings.TrimRight(base, "/")
	if base == "" {
		return fallback
	}
	return base
}

var (
	_ Source = (*CoinGecko)(nil)
	_ Source = (*CryptoCompare)(nil)
)
