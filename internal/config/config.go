// Package config defines all configuration for the trading system.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via HFT_* environment variables. A .env file
// found by upward search from the working directory is loaded first, so
// local development credentials never live in the YAML.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// Config is the top-level configuration. Maps directly to the YAML file.
type Config struct {
	DryRun  bool          `mapstructure:"dry_run"`
	Symbol  string        `mapstructure:"symbol"`
	Feed    FeedConfig    `mapstructure:"feed"`
	Quoting QuotingConfig `mapstructure:"quoting"`
	Risk    RiskConfig    `mapstructure:"risk"`
	Engine  EngineConfig  `mapstructure:"engine"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// FeedConfig holds venue endpoints and credentials. ApiKey/SecretKey come
// from HFT_API_KEY / HFT_SECRET_KEY (or the .env file); the secret is a
// base64 raw 32- or 64-byte Ed25519 key.
type FeedConfig struct {
	WSURL       string `mapstructure:"ws_url"`
	RESTBaseURL string `mapstructure:"rest_base_url"`
	ApiKey      string `mapstructure:"api_key"`
	SecretKey   string `mapstructure:"secret_key"`

	SubscribeLevel2    bool `mapstructure:"subscribe_level2"`
	SubscribeTrades    bool `mapstructure:"subscribe_trades"`
	SubscribeTicker    bool `mapstructure:"subscribe_ticker"`
	SubscribeHeartbeat bool `mapstructure:"subscribe_heartbeat"`
	SubscribeUser      bool `mapstructure:"subscribe_user"`

	QueueSize        int           `mapstructure:"queue_size"`
	ReconnectDelay   time.Duration `mapstructure:"reconnect_delay"`
	HeartbeatTimeout time.Duration `mapstructure:"heartbeat_timeout"`
}

// QuotingConfig tunes the market-making signal engine.
//
//   - TargetSpreadBps: where we want to quote, clamped to [Min, Max].
//   - InventorySkewFactor: how hard position leans on quote placement.
//   - QuoteRefresh: replace quotes older than this even if on target.
//   - Cooldown: minimum gap between actions on one side.
type QuotingConfig struct {
	DefaultQuoteSize    float64       `mapstructure:"default_quote_size"`
	MinSpreadBps        float64       `mapstructure:"min_spread_bps"`
	MaxSpreadBps        float64       `mapstructure:"max_spread_bps"`
	TargetSpreadBps     float64       `mapstructure:"target_spread_bps"`
	InventorySkewFactor float64       `mapstructure:"inventory_skew_factor"`
	MaxInventorySkewBps float64       `mapstructure:"max_inventory_skew_bps"`
	QuoteRefresh        time.Duration `mapstructure:"quote_refresh"`
	Cooldown            time.Duration `mapstructure:"cooldown"`
	EnableAggressive    bool          `mapstructure:"enable_aggressive_quotes"`
	InitialCapital      float64       `mapstructure:"initial_capital"`
}

// RiskConfig sets the hard limits the order manager enforces pre-trade.
type RiskConfig struct {
	MaxPosition           float64 `mapstructure:"max_position"`
	MaxDailyLoss          float64 `mapstructure:"max_daily_loss"`
	MaxDrawdown           float64 `mapstructure:"max_drawdown"`
	PositionConcentration float64 `mapstructure:"position_concentration"`
	VaRLimit              float64 `mapstructure:"var_limit"`
	MaxOrdersPerSecond    uint32  `mapstructure:"max_orders_per_second"`
	MaxLatencyMs          float64 `mapstructure:"max_latency_ms"`
}

// EngineConfig controls the orchestrator.
type EngineConfig struct {
	OrderPoolSize  int           `mapstructure:"order_pool_size"`
	OrderTTL       time.Duration `mapstructure:"order_ttl"`
	StatusInterval time.Duration `mapstructure:"status_interval"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides. Credentials use
// env vars only: HFT_API_KEY and HFT_SECRET_KEY.
func Load(path string) (*Config, error) {
	loadDotEnv()

	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("HFT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if key := os.Getenv("HFT_API_KEY"); key != "" {
		cfg.Feed.ApiKey = key
	}
	if secret := os.Getenv("HFT_SECRET_KEY"); secret != "" {
		cfg.Feed.SecretKey = secret
	}
	if os.Getenv("HFT_DRY_RUN") == "true" || os.Getenv("HFT_DRY_RUN") == "1" {
		cfg.DryRun = true
	}

	return &cfg, nil
}

// loadDotEnv walks upward from the working directory and loads the first
// .env found. Existing environment variables win over file entries.
func loadDotEnv() {
	dir, err := os.Getwd()
	if err != nil {
		return
	}
	for {
		candidate := filepath.Join(dir, ".env")
		if _, err := os.Stat(candidate); err == nil {
			_ = gotenv.Load(candidate)
			return
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return
		}
		dir = parent
	}
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Symbol == "" {
		return fmt.Errorf("symbol is required")
	}
	if c.Feed.WSURL == "" {
		return fmt.Errorf("feed.ws_url is required")
	}
	if !c.DryRun {
		if c.Feed.ApiKey == "" {
			return fmt.Errorf("feed.api_key is required (set HFT_API_KEY)")
		}
		if c.Feed.SecretKey == "" {
			return fmt.Errorf("feed.secret_key is required (set HFT_SECRET_KEY)")
		}
	}
	if c.Quoting.DefaultQuoteSize <= 0 {
		return fmt.Errorf("quoting.default_quote_size must be > 0")
	}
	if c.Quoting.MinSpreadBps < 0 || c.Quoting.MaxSpreadBps < c.Quoting.MinSpreadBps {
		return fmt.Errorf("quoting spread bounds invalid: min %v max %v",
			c.Quoting.MinSpreadBps, c.Quoting.MaxSpreadBps)
	}
	if c.Quoting.TargetSpreadBps < c.Quoting.MinSpreadBps || c.Quoting.TargetSpreadBps > c.Quoting.MaxSpreadBps {
		return fmt.Errorf("quoting.target_spread_bps must lie within [min, max]")
	}
	if c.Risk.MaxPosition <= 0 {
		return fmt.Errorf("risk.max_position must be > 0")
	}
	if c.Risk.MaxDailyLoss <= 0 {
		return fmt.Errorf("risk.max_daily_loss must be > 0")
	}
	if c.Risk.MaxOrdersPerSecond == 0 {
		return fmt.Errorf("risk.max_orders_per_second must be > 0")
	}
	return nil
}
