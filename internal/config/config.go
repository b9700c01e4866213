package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"naira-ramp/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Logging    logging.Config   `mapstructure:"logging"`
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Rates      RatesConfig      `mapstructure:"rates"`
	Chain      ChainConfig      `mapstructure:"chain"`
	Gateway    GatewayConfig    `mapstructure:"gateway"`
	Settlement SettlementConfig `mapstructure:"settlement"`
	Alerting   AlertingConfig   `mapstructure:"alerting"`
	Export     ExportConfig     `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// ServerConfig governs the HTTP listener.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity. An empty DSN keeps the
// journal in memory.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// RatesConfig tunes the NGN/USDC rate oracle.
type RatesConfig struct {
	Margin          float64       `mapstructure:"margin"`
	CacheTTL        time.Duration `mapstructure:"cache_ttl"`
	SourceTimeout   time.Duration `mapstructure:"source_timeout"`
	CoinGeckoURL    string        `mapstructure:"coingecko_url"`
	CryptoCompURL   string        `mapstructure:"cryptocompare_url"`
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
	UserAgent       string        `mapstructure:"user_agent"`
}

// ChainConfig covers EVM access and the custody wallet.
type ChainConfig struct {
	RPCURL          string        `mapstructure:"rpc_url"`
	ChainID         int64         `mapstructure:"chain_id"`
	USDCAddress     string        `mapstructure:"usdc_address"`
	USDCDecimals    int32         `mapstructure:"usdc_decimals"`
	CustodyAddress  string        `mapstructure:"custody_address"`
	CustodyPrivKey  string        `mapstructure:"custody_privkey"`
	Confirmations   uint64        `mapstructure:"confirmations"`
	ReceiptInterval time.Duration `mapstructure:"receipt_interval"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
}

// GatewayConfig captures payment processor connectivity.
type GatewayConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	SecretKey      string        `mapstructure:"secret_key"`
	WebhookSecret  string        `mapstructure:"webhook_secret"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	Mock           bool          `mapstructure:"mock"`
}

// SettlementConfig governs quote windows and the payment verification poll.
type SettlementConfig struct {
	VerifyPollInterval time.Duration `mapstructure:"verify_poll_interval"`
	VerifyMaxAttempts  int           `mapstructure:"verify_max_attempts"`
	OnrampQuoteWindow  time.Duration `mapstructure:"onramp_quote_window"`
	OfframpQuoteWindow time.Duration `mapstructure:"offramp_quote_window"`
}

// AlertingConfig routes operator alerts for failures needing intervention.
type AlertingConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig 描述 Telegram 告警参数。
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("NAIRARAMP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "nairaramp")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")

	v.SetDefault("rates.margin", 0.015)
	v.SetDefault("rates.cache_ttl", "30s")
	v.SetDefault("rates.source_timeout", "5s")
	v.SetDefault("rates.coingecko_url", "https://api.coingecko.com/api/v3")
	v.SetDefault("rates.cryptocompare_url", "https://min-api.cryptocompare.com")
	v.SetDefault("rates.refresh_interval", "30s")
	v.SetDefault("rates.user_agent", "nairaramp/1.0")

	v.SetDefault("chain.usdc_decimals", int32(6))
	v.SetDefault("chain.confirmations", uint64(1))
	v.SetDefault("chain.receipt_interval", "3s")
	v.SetDefault("chain.request_timeout", "10s")

	v.SetDefault("gateway.base_url", "https://api.paystack.co")
	v.SetDefault("gateway.request_timeout", "10s")
	v.SetDefault("gateway.mock", false)

	v.SetDefault("settlement.verify_poll_interval", "1s")
	v.SetDefault("settlement.verify_max_attempts", 60)
	v.SetDefault("settlement.onramp_quote_window", "15m")
	v.SetDefault("settlement.offramp_quote_window", "5m")

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("export.max_data_points", 100000)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Rates.Margin < 0 {
		return fmt.Errorf("rates.margin cannot be negative")
	}
	if c.Rates.CacheTTL <= 0 {
		return fmt.Errorf("rates.cache_ttl must be greater than zero")
	}
	if c.Settlement.VerifyPollInterval <= 0 {
		return fmt.Errorf("settlement.verify_poll_interval must be greater than zero")
	}
	if c.Settlement.VerifyMaxAttempts <= 0 {
		return fmt.Errorf("settlement.verify_max_attempts must be greater than zero")
	}
	if c.Settlement.OnrampQuoteWindow <= 0 || c.Settlement.OfframpQuoteWindow <= 0 {
		return fmt.Errorf("settlement quote windows must be greater than zero")
	}
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if !c.Gateway.Mock && c.Gateway.SecretKey == "" {
		return fmt.Errorf("gateway.secret_key is required unless gateway.mock is set")
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token 必须配置")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id 必须配置")
		}
	}
	return nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
