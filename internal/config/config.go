// Package config provides a reusable loader for the staking engine's
// configuration files and environment variables. It follows the teacher's
// pkg/config pattern: a typed Config struct populated by viper, merged with
// an optional environment-specific override file, with environment
// variables taking precedence over both.
package config

import (
	"fmt"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/zoka-agari/high-stable/internal/domain"
)

// Config is the unified configuration for one staking engine instance. Field
// names mirror the options enumerated in spec §6.
type Config struct {
	OperationTimeoutSeconds int64 `mapstructure:"operation_timeout_seconds"`

	ProtocolFeePercentage uint64 `mapstructure:"protocol_fee_percentage"`
	FeeDivisor            uint64 `mapstructure:"fee_divisor"`

	ExcessMultiplier uint64 `mapstructure:"excess_multiplier"`
	ExcessDivisor    uint64 `mapstructure:"excess_divisor"`

	AllowedTokens       []string          `mapstructure:"allowed_tokens"`
	AllowedTokenWeights map[string]uint64 `mapstructure:"allowed_token_weights"`

	MintToken        string `mapstructure:"mint_token"`
	MintTestnetToken string `mapstructure:"mint_testnet_token"`
	TokenDecimals    uint64 `mapstructure:"token_decimals"`
	SpecialToken     string `mapstructure:"special_token"`

	CronCaller string `mapstructure:"cron_caller"`
	MintPolicy string `mapstructure:"mint_policy"`
	Treasury   string `mapstructure:"treasury"`
	Amm        string `mapstructure:"amm"`

	MinDistributionIntervalSeconds int64 `mapstructure:"min_distribution_interval_seconds"`

	// TotalSupply is the hard cap CurrentRewards may never exceed (spec §3,
	// §4.5), carried as a decimal string and parsed at load time.
	TotalSupply string `mapstructure:"total_supply"`

	HTTP struct {
		ListenAddr string `mapstructure:"listen_addr"`
	} `mapstructure:"http"`

	Ledger struct {
		WALPath          string `mapstructure:"wal_path"`
		SnapshotPath     string `mapstructure:"snapshot_path"`
		SnapshotInterval int    `mapstructure:"snapshot_interval"`
	} `mapstructure:"ledger"`

	Logging struct {
		Level string `mapstructure:"level"`
	} `mapstructure:"logging"`
}

// defaults mirror the concrete constants named throughout spec.md (operation
// timeout, fee split, excess buffer, distribution interval, total supply).
// The monthly emission rate and periods per month are not configuration:
// they are folded into the periodRate constant in internal/emission.
func setDefaults(v *viper.Viper) {
	v.SetDefault("operation_timeout_seconds", 3600)
	v.SetDefault("protocol_fee_percentage", 1)
	v.SetDefault("fee_divisor", 100)
	v.SetDefault("excess_multiplier", 105)
	v.SetDefault("excess_divisor", 100)
	v.SetDefault("token_decimals", 8)
	v.SetDefault("min_distribution_interval_seconds", 300)
	v.SetDefault("total_supply", "21000000000000000")
	v.SetDefault("http.listen_addr", ":8080")
	v.SetDefault("ledger.wal_path", "./data/ledger.wal")
	v.SetDefault("ledger.snapshot_path", "./data/ledger.snap")
	v.SetDefault("ledger.snapshot_interval", 500)
	v.SetDefault("logging.level", "info")
}

// Load reads cmd/config/default.yaml, merges an optional <env>.yaml on top,
// then layers environment variables (including those from a local .env
// file, loaded the way the teacher's cmd/cli does via godotenv.Load).
func Load(env string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)
	v.SetConfigName("default")
	v.SetConfigType("yaml")
	v.AddConfigPath("cmd/config")
	v.AddConfigPath("config")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, domain.Wrap(err, "load config")
		}
	}

	if env != "" {
		v.SetConfigName(env)
		if err := v.MergeInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, domain.Wrap(err, fmt.Sprintf("merge %s config", env))
			}
		}
	}

	v.SetEnvPrefix("STAKE")
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, domain.Wrap(err, "unmarshal config")
	}
	return &cfg, nil
}

// AllowedTokenSet returns the configured allowed tokens as a lookup set
// keyed by each token string exactly as configured.
func (c *Config) AllowedTokenSet() map[string]struct{} {
	out := make(map[string]struct{}, len(c.AllowedTokens))
	for _, t := range c.AllowedTokens {
		out[t] = struct{}{}
	}
	return out
}

// TotalSupplyAmount parses TotalSupply into an Amount.
func (c *Config) TotalSupplyAmount() (domain.Amount, error) {
	return domain.ParseAmount(c.TotalSupply)
}
