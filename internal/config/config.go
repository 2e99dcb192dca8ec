// Package config loads the lending engine configuration from an optional
// YAML file and LENDING_* environment variables, then validates it.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config is the top-level configuration.
type Config struct {
	Env    string        `mapstructure:"env"    validate:"oneof=dev test prod"`
	Log    LogConfig     `mapstructure:"log"`
	Server ServerConfig  `mapstructure:"server"`
	Store  StoreConfig   `mapstructure:"store"`
	Oracle OracleConfig  `mapstructure:"oracle"`
	Ledger LedgerConfig  `mapstructure:"ledger"`
	Tokens []TokenConfig `mapstructure:"tokens" validate:"dive"`
	Dev    DevConfig     `mapstructure:"dev"`
}

type LogConfig struct {
	Level string `mapstructure:"level" validate:"oneof=debug info warn error"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port"             validate:"required,min=1,max=65535"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// StoreConfig selects persistence. An empty DatabaseURL means in-memory.
type StoreConfig struct {
	DatabaseURL string        `mapstructure:"database_url"`
	RedisURL    string        `mapstructure:"redis_url"`
	CacheTTL    time.Duration `mapstructure:"cache_ttl" validate:"min=0"`
}

type OracleConfig struct {
	Source    string        `mapstructure:"source"     validate:"oneof=static redis"`
	KeyPrefix string        `mapstructure:"key_prefix"`
	Prices    []PriceConfig `mapstructure:"prices"     validate:"dive"`
	Breaker   BreakerConfig `mapstructure:"breaker"`
}

// PriceConfig seeds the static oracle. Price is an integer string with
// ledger.price_decimals implied decimals. A list rather than a map because
// viper lowercases map keys.
type PriceConfig struct {
	Token string `mapstructure:"token" validate:"required"`
	Price string `mapstructure:"price" validate:"required,numeric"`
}

type BreakerConfig struct {
	MaxRequests  uint32        `mapstructure:"max_requests"`
	Interval     time.Duration `mapstructure:"interval"`
	Timeout      time.Duration `mapstructure:"timeout"`
	FailureRatio float64       `mapstructure:"failure_ratio" validate:"gte=0,lte=1"`
	MinRequests  uint32        `mapstructure:"min_requests"`
}

// LedgerConfig holds the economic parameters. Ratios are over RatioScale,
// fee rates over FeeScale.
type LedgerConfig struct {
	NativeToken      string `mapstructure:"native_token"      validate:"required"`
	ReferenceToken   string `mapstructure:"reference_token"   validate:"required,nefield=NativeToken"`
	PriceDecimals    uint8  `mapstructure:"price_decimals"    validate:"lte=36"`
	RatioScale       uint64 `mapstructure:"ratio_scale"       validate:"gt=0"`
	MinBorrowRatio   uint64 `mapstructure:"min_borrow_ratio"  validate:"gtefield=LiquidationRatio"`
	LiquidationRatio uint64 `mapstructure:"liquidation_ratio" validate:"gtefield=RatioScale"`
	WarningRatio     uint64 `mapstructure:"warning_ratio"`
	FeeScale         uint64 `mapstructure:"fee_scale"         validate:"gt=0"`
	TradeFeeRate     uint64 `mapstructure:"trade_fee_rate"    validate:"ltefield=FeeScale"`
	LoanFeeRate      uint64 `mapstructure:"loan_fee_rate"     validate:"ltefield=FeeScale"`
	LiquidationMode  string `mapstructure:"liquidation_mode"  validate:"oneof=burn liquidator"`
}

type TokenConfig struct {
	ID        string `mapstructure:"id"        validate:"required"`
	Decimals  uint8  `mapstructure:"decimals"  validate:"lte=36"`
	Synthetic bool   `mapstructure:"synthetic"`
}

// DevConfig enables development-only endpoints.
type DevConfig struct {
	Faucet bool `mapstructure:"faucet"`
}

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("config: invalid")

func setDefaults(v *viper.Viper) {
	v.SetDefault("env", "dev")
	v.SetDefault("log.level", "info")

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 10*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Second)
	v.SetDefault("server.idle_timeout", 60*time.Second)
	v.SetDefault("server.request_timeout", 30*time.Second)
	v.SetDefault("server.shutdown_timeout", 5*time.Second)

	v.SetDefault("store.cache_ttl", 30*time.Second)

	v.SetDefault("oracle.source", "static")
	v.SetDefault("oracle.key_prefix", "price:")
	v.SetDefault("oracle.prices", []map[string]any{
		{"token": "ETH", "price": "200000000000"},
		{"token": "sUSD", "price": "100000000"},
		{"token": "sETH", "price": "200000000000"},
		{"token": "sBTC", "price": "5000000000000"},
	})
	v.SetDefault("oracle.breaker.max_requests", 1)
	v.SetDefault("oracle.breaker.interval", 60*time.Second)
	v.SetDefault("oracle.breaker.timeout", 30*time.Second)
	v.SetDefault("oracle.breaker.failure_ratio", 0.5)
	v.SetDefault("oracle.breaker.min_requests", 5)

	v.SetDefault("ledger.native_token", "ETH")
	v.SetDefault("ledger.reference_token", "sUSD")
	v.SetDefault("ledger.price_decimals", 8)
	v.SetDefault("ledger.ratio_scale", 10000)
	v.SetDefault("ledger.min_borrow_ratio", 15000)
	v.SetDefault("ledger.liquidation_ratio", 11000)
	v.SetDefault("ledger.warning_ratio", 13000)
	v.SetDefault("ledger.fee_scale", 10000)
	v.SetDefault("ledger.trade_fee_rate", 25)
	v.SetDefault("ledger.loan_fee_rate", 50)
	v.SetDefault("ledger.liquidation_mode", "burn")

	v.SetDefault("tokens", []map[string]any{
		{"id": "sETH", "decimals": 18, "synthetic": true},
		{"id": "sBTC", "decimals": 18, "synthetic": true},
	})

	v.SetDefault("dev.faucet", false)
}

// Load reads path (optional; LENDING_CONFIG is used when empty), applies
// LENDING_* overrides and the bare PORT, DATABASE_URL and REDIS_URL
// variables, and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("LENDING")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Deployment platforms set these without a prefix.
	for key, env := range map[string]string{
		"server.port":        "PORT",
		"store.database_url": "DATABASE_URL",
		"store.redis_url":    "REDIS_URL",
	} {
		if err := v.BindEnv(key, "LENDING_"+strings.ToUpper(strings.ReplaceAll(key, ".", "_")), env); err != nil {
			return nil, fmt.Errorf("config: bind %s: %w", env, err)
		}
	}

	if path == "" {
		path = os.Getenv("LENDING_CONFIG")
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks struct tags and the cross-field rules tags cannot express.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	l := c.Ledger
	if l.WarningRatio != 0 && (l.WarningRatio < l.LiquidationRatio || l.WarningRatio > l.MinBorrowRatio) {
		return fmt.Errorf("%w: warning_ratio %d outside [%d, %d]",
			ErrInvalid, l.WarningRatio, l.LiquidationRatio, l.MinBorrowRatio)
	}
	if c.Dev.Faucet && c.Env == "prod" {
		return fmt.Errorf("%w: dev.faucet cannot be enabled in prod", ErrInvalid)
	}
	return nil
}

// IsDev reports whether development-only endpoints may be mounted.
func (c *Config) IsDev() bool { return c.Env != "prod" }
