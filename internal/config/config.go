package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"stethkeeper/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App      AppConfig      `mapstructure:"app"`
	Logging  logging.Config `mapstructure:"logging"`
	State    StateConfig    `mapstructure:"state"`
	Database DatabaseConfig `mapstructure:"database"`
	Ethereum EthereumConfig `mapstructure:"ethereum"`
	Strategy StrategyConfig `mapstructure:"strategy"`
	Loop     LoopConfig     `mapstructure:"loop"`
	Export   ExportConfig   `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// StateConfig locates the strategy state file.
type StateConfig struct {
	Path string `mapstructure:"path"`
}

// DatabaseConfig encapsulates the optional PostgreSQL tick history.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// EthereumConfig covers chain access and the contract surface.
type EthereumConfig struct {
	RPCURL                 string        `mapstructure:"rpc_url"`
	ChainID                int64         `mapstructure:"chain_id"`
	PrivateKey             string        `mapstructure:"private_key"`
	RequestTimeout         time.Duration `mapstructure:"request_timeout"`
	LidoAddress            string        `mapstructure:"lido_address"`
	WithdrawalQueueAddress string        `mapstructure:"withdrawal_queue_address"`
	StETHAddress           string        `mapstructure:"steth_address"`
	WETHAddress            string        `mapstructure:"weth_address"`
	PoolAddress            string        `mapstructure:"pool_address"`
	ReferralAddress        string        `mapstructure:"referral_address"`
}

// StrategyConfig holds the decision engine thresholds.
type StrategyConfig struct {
	ThresholdPct       float64       `mapstructure:"threshold_pct"`
	SafetyBufferETH    float64       `mapstructure:"safety_buffer_eth"`
	MinTradeETH        float64       `mapstructure:"min_trade_eth"`
	MinTradeStETH      float64       `mapstructure:"min_trade_steth"`
	Cooldown           time.Duration `mapstructure:"cooldown"`
	MinHold            time.Duration `mapstructure:"min_hold"`
	ConfirmationChecks int           `mapstructure:"confirmation_checks"`
}

// LoopConfig governs tick cadence and failure backoff.
type LoopConfig struct {
	Interval     time.Duration `mapstructure:"interval"`
	BackoffFloor time.Duration `mapstructure:"backoff_floor"`
	BackoffCap   time.Duration `mapstructure:"backoff_cap"`
	StartupDelay time.Duration `mapstructure:"startup_delay"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("STETHKEEPER")
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
	v.SetDefault("app.name", "stethkeeper")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("state.path", "state/strategy.json")

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")

	v.SetDefault("ethereum.chain_id", int64(1))
	v.SetDefault("ethereum.request_timeout", "15s")
	v.SetDefault("ethereum.lido_address", "0xae7ab96520DE3A18E5e111B5EaAb095312D7fE84")
	v.SetDefault("ethereum.withdrawal_queue_address", "0x889edC2eDab5f40e902b864aD4d7AdE8E412F9B1")
	v.SetDefault("ethereum.steth_address", "0xae7ab96520DE3A18E5e111B5EaAb095312D7fE84")
	v.SetDefault("ethereum.weth_address", "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2")
	v.SetDefault("ethereum.pool_address", "0x4028DAAC072e492d34a3Afdbef0ba7e35D8b55C4")

	v.SetDefault("strategy.threshold_pct", 0.4)
	v.SetDefault("strategy.safety_buffer_eth", 0.02)
	v.SetDefault("strategy.min_trade_eth", 0.01)
	v.SetDefault("strategy.min_trade_steth", 0.01)
	v.SetDefault("strategy.cooldown", "60m")
	v.SetDefault("strategy.min_hold", "1h")
	v.SetDefault("strategy.confirmation_checks", 3)

	v.SetDefault("loop.interval", "60s")
	v.SetDefault("loop.backoff_floor", "5s")
	v.SetDefault("loop.backoff_cap", "10m")
	v.SetDefault("loop.startup_delay", "0s")

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
	if c.State.Path == "" {
		return fmt.Errorf("state.path is required")
	}
	if c.Loop.Interval <= 0 {
		return fmt.Errorf("loop.interval must be greater than zero")
	}
	if c.Loop.BackoffFloor <= 0 {
		return fmt.Errorf("loop.backoff_floor must be greater than zero")
	}
	if c.Loop.BackoffCap < c.Loop.BackoffFloor {
		return fmt.Errorf("loop.backoff_cap must not be below loop.backoff_floor")
	}
	if c.Strategy.ThresholdPct < 0 {
		return fmt.Errorf("strategy.threshold_pct cannot be negative")
	}
	if c.Strategy.SafetyBufferETH < 0 {
		return fmt.Errorf("strategy.safety_buffer_eth cannot be negative")
	}
	if c.Strategy.MinTradeETH < 0 || c.Strategy.MinTradeStETH < 0 {
		return fmt.Errorf("strategy minimum trade sizes cannot be negative")
	}
	if c.Strategy.ConfirmationChecks < 1 {
		return fmt.Errorf("strategy.confirmation_checks must be at least 1")
	}
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
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
