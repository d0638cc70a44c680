// Package config defines all configuration for the keeper.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via KEEPER_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	DryRun    bool            `mapstructure:"dry_run"`
	Wallet    WalletConfig    `mapstructure:"wallet"`
	Protocol  ProtocolConfig  `mapstructure:"protocol"`
	Collector CollectorConfig `mapstructure:"collector"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Store     StoreConfig     `mapstructure:"store"`
	API       APIConfig       `mapstructure:"api"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// WalletConfig holds the operator wallet used for signing child orders.
// The operator key signs submissions on behalf of makers; user assets stay
// in the makers' delegate proxies.
type WalletConfig struct {
	OperatorKey string `mapstructure:"operator_key"`
	ChainID     int64  `mapstructure:"chain_id"`
}

// ProtocolConfig holds the limit-order protocol endpoints.
// RPCEndpoints maps chain name to RPC URL for chains the keeper serves.
type ProtocolConfig struct {
	BaseURL           string            `mapstructure:"base_url"`
	VerifyingContract string            `mapstructure:"verifying_contract"`
	RPCEndpoints      map[string]string `mapstructure:"rpc_endpoints"`
	SubmitTimeout     time.Duration     `mapstructure:"submit_timeout"`
	MaxGasPriceGwei   float64           `mapstructure:"max_gas_price_gwei"`
}

// CollectorConfig holds the aggregated price collector endpoints.
type CollectorConfig struct {
	BaseURL string `mapstructure:"base_url"`
	WSURL   string `mapstructure:"ws_url"`
}

// EngineConfig tunes the watcher scheduler.
//
//   - PollInterval: how often each watcher re-evaluates its order.
//   - StaleAfter: maximum ticker age for which a trigger may fire.
type EngineConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	StaleAfter   time.Duration `mapstructure:"stale_after"`
}

// StoreConfig sets where the order database lives.
type StoreConfig struct {
	Path string `mapstructure:"path"`
}

// APIConfig controls the HTTP control surface.
type APIConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: KEEPER_OPERATOR_KEY, KEEPER_DB_PATH,
// KEEPER_POLL_INTERVAL, KEEPER_STALE_AFTER, KEEPER_DRY_RUN.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("KEEPER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("engine.poll_interval", 5*time.Second)
	v.SetDefault("engine.stale_after", 60*time.Second)
	v.SetDefault("protocol.submit_timeout", 30*time.Second)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override sensitive fields from env
	if key := os.Getenv("KEEPER_OPERATOR_KEY"); key != "" {
		cfg.Wallet.OperatorKey = key
	}
	if path := os.Getenv("KEEPER_DB_PATH"); path != "" {
		cfg.Store.Path = path
	}
	if iv := os.Getenv("KEEPER_POLL_INTERVAL"); iv != "" {
		if d, err := time.ParseDuration(iv); err == nil {
			cfg.Engine.PollInterval = d
		}
	}
	if sa := os.Getenv("KEEPER_STALE_AFTER"); sa != "" {
		if d, err := time.ParseDuration(sa); err == nil {
			cfg.Engine.StaleAfter = d
		}
	}
	if os.Getenv("KEEPER_DRY_RUN") == "true" || os.Getenv("KEEPER_DRY_RUN") == "1" {
		cfg.DryRun = true
	}

	return &cfg, nil
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Wallet.OperatorKey == "" {
		return fmt.Errorf("wallet.operator_key is required (set KEEPER_OPERATOR_KEY)")
	}
	if c.Wallet.ChainID == 0 {
		return fmt.Errorf("wallet.chain_id is required (1 for mainnet)")
	}
	if c.Protocol.BaseURL == "" {
		return fmt.Errorf("protocol.base_url is required")
	}
	if c.Protocol.VerifyingContract == "" {
		return fmt.Errorf("protocol.verifying_contract is required")
	}
	if c.Collector.BaseURL == "" && c.Collector.WSURL == "" {
		return fmt.Errorf("collector.base_url or collector.ws_url is required")
	}
	if c.Engine.PollInterval <= 0 {
		return fmt.Errorf("engine.poll_interval must be > 0")
	}
	if c.Engine.StaleAfter <= 0 {
		return fmt.Errorf("engine.stale_after must be > 0")
	}
	if c.Store.Path == "" {
		return fmt.Errorf("store.path is required (set KEEPER_DB_PATH)")
	}
	return nil
}
