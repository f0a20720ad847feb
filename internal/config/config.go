// Package config defines the top-level configuration for the gas relay and
// provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by GASRELAY_* environment variables.
type Config struct {
	Relayer    RelayerConfig    `toml:"relayer"`
	Chains     []ChainConfig    `toml:"chains"`
	Venue      VenueConfig      `toml:"venue"`
	Bridge     BridgeConfig     `toml:"bridge"`
	Loan       LoanConfig       `toml:"loan"`
	Staking    StakingConfig    `toml:"staking"`
	Reputation ReputationConfig `toml:"reputation"`
	Postgres   PostgresConfig   `toml:"postgres"`
	Redis      RedisConfig      `toml:"redis"`
	S3         S3Config         `toml:"s3"`
	Archive    ArchiveConfig    `toml:"archive"`
	Server     ServerConfig     `toml:"server"`
	Notify     NotifyConfig     `toml:"notify"`
	// Storage selects the persistence backend: "postgres" or "memory".
	Storage  string `toml:"storage"`
	Mode     string `toml:"mode"`
	LogLevel string `toml:"log_level"`
}

// RelayerConfig holds the relayer's own hot wallet. User keys are never
// configured here.
type RelayerConfig struct {
	PrivateKey       string `toml:"private_key"`
	EncryptedKeyPath string `toml:"encrypted_key_path"`
	KeyPassword      string `toml:"key_password"`
	// SwapSpender is the address permits authorize. Defaults to the relayer
	// address when empty.
	SwapSpender string `toml:"swap_spender"`
}

// ChainConfig describes one EVM chain the relay operates on.
type ChainConfig struct {
	ChainID            int64  `toml:"chain_id"`
	Name               string `toml:"name"`
	RPCURL             string `toml:"rpc_url"`
	SettlementToken    string `toml:"settlement_token"`
	SettlementDecimals int32  `toml:"settlement_decimals"`
	StakingContract    string `toml:"staking_contract"`
}

// VenueConfig holds the swap venue API endpoint and credentials.
type VenueConfig struct {
	BaseURL       string   `toml:"base_url"`
	ApiKey        string   `toml:"api_key"`
	ApiSecret     string   `toml:"api_secret"`
	ApiPassphrase string   `toml:"api_passphrase"`
	Timeout       duration `toml:"timeout"`
	// RateLimit caps outbound requests per second.
	RateLimit int `toml:"rate_limit"`
}

// BridgeConfig holds the bridge provider API endpoint and credentials.
type BridgeConfig struct {
	BaseURL       string   `toml:"base_url"`
	ApiKey        string   `toml:"api_key"`
	ApiSecret     string   `toml:"api_secret"`
	ApiPassphrase string   `toml:"api_passphrase"`
	Timeout       duration `toml:"timeout"`
	// RateLimit caps outbound requests per second.
	RateLimit int `toml:"rate_limit"`
}

// LoanConfig holds permit and swap parameters.
type LoanConfig struct {
	PermitTTL       duration `toml:"permit_ttl"`
	MaxSlippageBps  int64    `toml:"max_slippage_bps"`
	ServiceFeeBps   int64    `toml:"service_fee_bps"`
	SwapTimeout     duration `toml:"swap_timeout"`
	PollInterval    duration `toml:"poll_interval"`
	MaxRetries      int      `toml:"max_retries"`
	RetryBaseDelay  duration `toml:"retry_base_delay"`
	RetryMaxDelay   duration `toml:"retry_max_delay"`
	RepaymentWindow duration `toml:"repayment_window"`
	OverdueScan     duration `toml:"overdue_scan"`
	// SwapsPerHour caps swaps per wallet. Zero disables the cap.
	SwapsPerHour int `toml:"swaps_per_hour"`
}

// StakingConfig holds bridge-and-stake parameters.
type StakingConfig struct {
	// DiscountRate is a decimal string in [0, 1], e.g. "0.2".
	DiscountRate       string   `toml:"discount_rate"`
	DefaultValidator   string   `toml:"default_validator"`
	DefaultDestChainID int64    `toml:"default_dest_chain_id"`
	PollInterval       duration `toml:"poll_interval"`
	PollTimeout        duration `toml:"poll_timeout"`
	BridgeTimeout      duration `toml:"bridge_timeout"`
	LockPeriod         duration `toml:"lock_period"`
	AutoFinalize       bool     `toml:"auto_finalize"`
	RewardPollInterval duration `toml:"reward_poll_interval"`
}

// Discount returns the parsed discount rate. Validate guarantees it parses.
func (s StakingConfig) Discount() decimal.Decimal {
	d, err := decimal.NewFromString(s.DiscountRate)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// ReputationConfig holds the reputation policy.
type ReputationConfig struct {
	Increment int      `toml:"increment"`
	Decrement int      `toml:"decrement"`
	Cooldown  duration `toml:"cooldown"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Enabled    bool   `toml:"enabled"`
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// ArchiveConfig holds cold-storage export parameters.
type ArchiveConfig struct {
	Enabled       bool `toml:"enabled"`
	RetentionDays int  `toml:"retention_days"`
	// Cron is a 5-field schedule, e.g. "0 3 * * *" for 03:00 UTC daily.
	Cron string `toml:"cron"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	// APIKey guards operator routes. Empty disables the check.
	APIKey string `toml:"api_key"`
	// Debug includes wrapped error detail in HTTP error bodies.
	Debug         bool     `toml:"debug"`
	RateLimit     int      `toml:"rate_limit"`
	RateWindow    duration `toml:"rate_window"`
	AuthClockSkew duration `toml:"auth_clock_skew"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// Chain returns the configuration for chainID.
func (c *Config) Chain(chainID int64) (ChainConfig, bool) {
	for _, ch := range c.Chains {
		if ch.ChainID == chainID {
			return ch, true
		}
	}
	return ChainConfig{}, false
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Chains: []ChainConfig{
			{
				ChainID:            8453,
				Name:               "base",
				RPCURL:             "https://mainnet.base.org",
				SettlementToken:    "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
				SettlementDecimals: 6,
			},
			{
				ChainID:            42161,
				Name:               "arbitrum",
				RPCURL:             "https://arb1.arbitrum.io/rpc",
				SettlementToken:    "0xaf88d065e77c8cC2239327C5EDb3A432268e5831",
				SettlementDecimals: 6,
			},
		},
		Venue: VenueConfig{
			BaseURL:   "http://localhost:8100",
			Timeout:   duration{15 * time.Second},
			RateLimit: 10,
		},
		Bridge: BridgeConfig{
			BaseURL:   "http://localhost:8200",
			Timeout:   duration{15 * time.Second},
			RateLimit: 5,
		},
		Loan: LoanConfig{
			PermitTTL:       duration{20 * time.Minute},
			MaxSlippageBps:  100,
			ServiceFeeBps:   0,
			SwapTimeout:     duration{5 * time.Minute},
			PollInterval:    duration{3 * time.Second},
			MaxRetries:      5,
			RetryBaseDelay:  duration{500 * time.Millisecond},
			RetryMaxDelay:   duration{30 * time.Second},
			RepaymentWindow: duration{30 * 24 * time.Hour},
			OverdueScan:     duration{10 * time.Minute},
			SwapsPerHour:    10,
		},
		Staking: StakingConfig{
			DiscountRate:       "0.2",
			DefaultDestChainID: 42161,
			PollInterval:       duration{10 * time.Second},
			PollTimeout:        duration{10 * time.Second},
			BridgeTimeout:      duration{30 * time.Minute},
			LockPeriod:         duration{7 * 24 * time.Hour},
			AutoFinalize:       false,
			RewardPollInterval: duration{time.Hour},
		},
		Reputation: ReputationConfig{
			Increment: 5,
			Decrement: 10,
			Cooldown:  duration{72 * time.Hour},
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "gasrelay",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Enabled:    true,
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "gasrelay-archive",
			ForcePathStyle: true,
		},
		Archive: ArchiveConfig{
			Enabled:       false,
			RetentionDays: 90,
			Cron:          "0 3 * * *",
		},
		Server: ServerConfig{
			Enabled:       true,
			Port:          8000,
			CORSOrigins:   []string{"http://localhost:3000", "http://localhost:5173"},
			RateLimit:     120,
			RateWindow:    duration{time.Minute},
			AuthClockSkew: duration{5 * time.Minute},
		},
		Notify: NotifyConfig{
			Events: []string{"loan_failed", "bridge_failed", "loan_completed", "error"},
		},
		Storage:  "postgres",
		Mode:     "full",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"api":    true,
	"worker": true,
	"full":   true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: api, worker, full)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}
	if c.Storage != "postgres" && c.Storage != "memory" {
		errs = append(errs, fmt.Sprintf("unknown storage %q (valid: postgres, memory)", c.Storage))
	}

	// Relayer: one key source is required, the relayer pays gas for every swap.
	if c.Relayer.PrivateKey == "" && c.Relayer.EncryptedKeyPath == "" {
		errs = append(errs, "relayer: either private_key or encrypted_key_path must be set")
	}
	if c.Relayer.EncryptedKeyPath != "" && c.Relayer.KeyPassword == "" {
		errs = append(errs, "relayer: key_password is required when encrypted_key_path is set")
	}
	if c.Relayer.SwapSpender != "" && !common.IsHexAddress(c.Relayer.SwapSpender) {
		errs = append(errs, fmt.Sprintf("relayer: swap_spender %q is not an address", c.Relayer.SwapSpender))
	}

	// Chains
	if len(c.Chains) == 0 {
		errs = append(errs, "chains: at least one chain must be configured")
	}
	seen := make(map[int64]bool, len(c.Chains))
	for i, ch := range c.Chains {
		if ch.ChainID <= 0 {
			errs = append(errs, fmt.Sprintf("chains[%d]: chain_id must be positive", i))
		}
		if seen[ch.ChainID] {
			errs = append(errs, fmt.Sprintf("chains[%d]: duplicate chain_id %d", i, ch.ChainID))
		}
		seen[ch.ChainID] = true
		if ch.RPCURL == "" {
			errs = append(errs, fmt.Sprintf("chains[%d]: rpc_url must not be empty", i))
		}
		if !common.IsHexAddress(ch.SettlementToken) {
			errs = append(errs, fmt.Sprintf("chains[%d]: settlement_token %q is not an address", i, ch.SettlementToken))
		}
		if ch.StakingContract != "" && !common.IsHexAddress(ch.StakingContract) {
			errs = append(errs, fmt.Sprintf("chains[%d]: staking_contract %q is not an address", i, ch.StakingContract))
		}
	}

	if c.Venue.BaseURL == "" {
		errs = append(errs, "venue: base_url must not be empty")
	}
	if c.Bridge.BaseURL == "" {
		errs = append(errs, "bridge: base_url must not be empty")
	}

	// Loan
	if c.Loan.PermitTTL.Duration <= 0 {
		errs = append(errs, "loan: permit_ttl must be > 0")
	}
	if c.Loan.MaxSlippageBps < 0 || c.Loan.MaxSlippageBps >= 10_000 {
		errs = append(errs, fmt.Sprintf("loan: max_slippage_bps must be in [0, 10000), got %d", c.Loan.MaxSlippageBps))
	}
	if c.Loan.ServiceFeeBps < 0 || c.Loan.ServiceFeeBps >= 10_000 {
		errs = append(errs, fmt.Sprintf("loan: service_fee_bps must be in [0, 10000), got %d", c.Loan.ServiceFeeBps))
	}
	if c.Loan.MaxRetries < 0 {
		errs = append(errs, "loan: max_retries must be >= 0")
	}
	if c.Loan.RetryBaseDelay.Duration <= 0 || c.Loan.RetryMaxDelay.Duration < c.Loan.RetryBaseDelay.Duration {
		errs = append(errs, "loan: retry_base_delay must be > 0 and not exceed retry_max_delay")
	}
	if c.Loan.RepaymentWindow.Duration <= 0 {
		errs = append(errs, "loan: repayment_window must be > 0")
	}

	// Staking
	rate, err := decimal.NewFromString(c.Staking.DiscountRate)
	if err != nil || rate.IsNegative() || rate.GreaterThan(decimal.NewFromInt(1)) {
		errs = append(errs, fmt.Sprintf("staking: discount_rate %q must be a decimal in [0, 1]", c.Staking.DiscountRate))
	}
	if c.Staking.PollInterval.Duration <= 0 {
		errs = append(errs, "staking: poll_interval must be > 0")
	}
	if c.Staking.BridgeTimeout.Duration <= 0 {
		errs = append(errs, "staking: bridge_timeout must be > 0")
	}

	// Reputation
	if c.Reputation.Increment < 0 || c.Reputation.Decrement < 0 {
		errs = append(errs, "reputation: increment and decrement must be >= 0")
	}
	if c.Reputation.Cooldown.Duration < 0 {
		errs = append(errs, "reputation: cooldown must be >= 0")
	}

	// Postgres
	if c.Storage == "postgres" {
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
			}
			if c.Postgres.Database == "" {
				errs = append(errs, "postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			errs = append(errs, "postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns < 0 || c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must be in [0, pool_max_conns]")
		}
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	}

	// S3 is only needed when archival is on.
	if c.Archive.Enabled {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty")
		}
		if len(strings.Fields(c.Archive.Cron)) != 5 {
			errs = append(errs, "archive: cron must have 5 fields")
		}
		if c.Archive.RetentionDays < 1 {
			errs = append(errs, "archive: retention_days must be >= 1")
		}
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.AuthClockSkew.Duration <= 0 {
			errs = append(errs, "server: auth_clock_skew must be > 0")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
