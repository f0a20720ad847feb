package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies GASRELAY_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known GASRELAY_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Relayer ──
	setStr(&cfg.Relayer.PrivateKey, "GASRELAY_RELAYER_PRIVATE_KEY")
	setStr(&cfg.Relayer.EncryptedKeyPath, "GASRELAY_RELAYER_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Relayer.KeyPassword, "GASRELAY_RELAYER_KEY_PASSWORD")
	setStr(&cfg.Relayer.SwapSpender, "GASRELAY_RELAYER_SWAP_SPENDER")

	// ── Venue / Bridge ──
	setStr(&cfg.Venue.BaseURL, "GASRELAY_VENUE_BASE_URL")
	setStr(&cfg.Venue.ApiKey, "GASRELAY_VENUE_API_KEY")
	setStr(&cfg.Venue.ApiSecret, "GASRELAY_VENUE_API_SECRET")
	setStr(&cfg.Venue.ApiPassphrase, "GASRELAY_VENUE_API_PASSPHRASE")
	setDuration(&cfg.Venue.Timeout, "GASRELAY_VENUE_TIMEOUT")
	setInt(&cfg.Venue.RateLimit, "GASRELAY_VENUE_RATE_LIMIT")
	setStr(&cfg.Bridge.BaseURL, "GASRELAY_BRIDGE_BASE_URL")
	setStr(&cfg.Bridge.ApiKey, "GASRELAY_BRIDGE_API_KEY")
	setStr(&cfg.Bridge.ApiSecret, "GASRELAY_BRIDGE_API_SECRET")
	setStr(&cfg.Bridge.ApiPassphrase, "GASRELAY_BRIDGE_API_PASSPHRASE")
	setDuration(&cfg.Bridge.Timeout, "GASRELAY_BRIDGE_TIMEOUT")
	setInt(&cfg.Bridge.RateLimit, "GASRELAY_BRIDGE_RATE_LIMIT")

	// ── Loan ──
	setDuration(&cfg.Loan.PermitTTL, "GASRELAY_LOAN_PERMIT_TTL")
	setInt64(&cfg.Loan.MaxSlippageBps, "GASRELAY_LOAN_MAX_SLIPPAGE_BPS")
	setInt64(&cfg.Loan.ServiceFeeBps, "GASRELAY_LOAN_SERVICE_FEE_BPS")
	setDuration(&cfg.Loan.SwapTimeout, "GASRELAY_LOAN_SWAP_TIMEOUT")
	setDuration(&cfg.Loan.PollInterval, "GASRELAY_LOAN_POLL_INTERVAL")
	setInt(&cfg.Loan.MaxRetries, "GASRELAY_LOAN_MAX_RETRIES")
	setDuration(&cfg.Loan.RepaymentWindow, "GASRELAY_LOAN_REPAYMENT_WINDOW")
	setInt(&cfg.Loan.SwapsPerHour, "GASRELAY_LOAN_SWAPS_PER_HOUR")

	// ── Staking ──
	setStr(&cfg.Staking.DiscountRate, "GASRELAY_STAKING_DISCOUNT_RATE")
	setStr(&cfg.Staking.DefaultValidator, "GASRELAY_STAKING_DEFAULT_VALIDATOR")
	setInt64(&cfg.Staking.DefaultDestChainID, "GASRELAY_STAKING_DEFAULT_DEST_CHAIN_ID")
	setDuration(&cfg.Staking.PollInterval, "GASRELAY_STAKING_POLL_INTERVAL")
	setDuration(&cfg.Staking.BridgeTimeout, "GASRELAY_STAKING_BRIDGE_TIMEOUT")
	setDuration(&cfg.Staking.LockPeriod, "GASRELAY_STAKING_LOCK_PERIOD")
	setBool(&cfg.Staking.AutoFinalize, "GASRELAY_STAKING_AUTO_FINALIZE")

	// ── Reputation ──
	setInt(&cfg.Reputation.Increment, "GASRELAY_REPUTATION_INCREMENT")
	setInt(&cfg.Reputation.Decrement, "GASRELAY_REPUTATION_DECREMENT")
	setDuration(&cfg.Reputation.Cooldown, "GASRELAY_REPUTATION_COOLDOWN")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "GASRELAY_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Postgres.Host, "GASRELAY_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "GASRELAY_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "GASRELAY_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "GASRELAY_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "GASRELAY_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "GASRELAY_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "GASRELAY_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "GASRELAY_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "GASRELAY_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "GASRELAY_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "GASRELAY_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "GASRELAY_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "GASRELAY_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "GASRELAY_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "GASRELAY_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "GASRELAY_REDIS_TLS_ENABLED")

	// ── S3 / Archive ──
	setStr(&cfg.S3.Endpoint, "GASRELAY_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "GASRELAY_S3_REGION")
	setStr(&cfg.S3.Bucket, "GASRELAY_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "GASRELAY_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "GASRELAY_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "GASRELAY_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "GASRELAY_S3_FORCE_PATH_STYLE")
	setBool(&cfg.Archive.Enabled, "GASRELAY_ARCHIVE_ENABLED")
	setInt(&cfg.Archive.RetentionDays, "GASRELAY_ARCHIVE_RETENTION_DAYS")
	setStr(&cfg.Archive.Cron, "GASRELAY_ARCHIVE_CRON")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "GASRELAY_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "GASRELAY_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "GASRELAY_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "GASRELAY_SERVER_API_KEY")
	setBool(&cfg.Server.Debug, "GASRELAY_SERVER_DEBUG")
	setInt(&cfg.Server.RateLimit, "GASRELAY_SERVER_RATE_LIMIT")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "GASRELAY_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "GASRELAY_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "GASRELAY_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "GASRELAY_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Storage, "GASRELAY_STORAGE")
	setStr(&cfg.Mode, "GASRELAY_MODE")
	setStr(&cfg.LogLevel, "GASRELAY_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
