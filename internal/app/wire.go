package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	s3blob "github.com/alanyoungcy/gasrelay/internal/blob/s3"
	"github.com/alanyoungcy/gasrelay/internal/cache/redis"
	"github.com/alanyoungcy/gasrelay/internal/config"
	"github.com/alanyoungcy/gasrelay/internal/crypto"
	"github.com/alanyoungcy/gasrelay/internal/domain"
	"github.com/alanyoungcy/gasrelay/internal/notify"
	"github.com/alanyoungcy/gasrelay/internal/platform/bridge"
	"github.com/alanyoungcy/gasrelay/internal/platform/chain"
	"github.com/alanyoungcy/gasrelay/internal/platform/httpapi"
	"github.com/alanyoungcy/gasrelay/internal/platform/swapvenue"
	"github.com/alanyoungcy/gasrelay/internal/server/handler"
	"github.com/alanyoungcy/gasrelay/internal/store/memory"
	"github.com/alanyoungcy/gasrelay/internal/store/postgres"
)

// notifyQuiet suppresses repeats of the same alert.
const notifyQuiet = 10 * time.Minute

// Dependencies bundles every infrastructure dependency the services and
// modes need. It is constructed by Wire and torn down by the returned cleanup
// function.
type Dependencies struct {
	// Stores
	Accounts     domain.AccountStore
	Escrow       domain.EscrowStore
	Loans        domain.LoanStore
	Transactions domain.TransactionStore
	Staking      domain.StakingStore
	Repayments   domain.RepaymentStore
	Audit        domain.AuditStore

	// Caches. Locks is nil without Redis; the per-account queue is enough
	// for a single process.
	Nonces      domain.NonceRegistry
	Locks       domain.LockManager
	RateLimiter domain.RateLimiter
	SignalBus   domain.SignalBus
	Journal     domain.EventJournal
	PermitCache domain.PermitInfoCache

	// Archiver is nil unless archival is enabled.
	Archiver domain.Archiver

	// Chain and partner APIs
	Relayer *crypto.RelayerKey
	Chain   *chain.Client
	Staker  *chain.Staker
	Venue   domain.SwapVenue
	Bridge  domain.BridgeProvider

	Notifier *notify.Notifier

	// Pingers are pinged by the health endpoint.
	Pingers map[string]handler.Pinger
}

// stores is satisfied by both the Postgres client and the in-memory DB.
type stores interface {
	Accounts() domain.AccountStore
	Escrow() domain.EscrowStore
	Loans() domain.LoanStore
	Transactions() domain.TransactionStore
	Staking() domain.StakingStore
	Repayments() domain.RepaymentStore
	Audit() domain.AuditStore
}

// pingFunc adapts a health check to handler.Pinger.
type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, err
	}

	deps := &Dependencies{Pingers: make(map[string]handler.Pinger)}

	// --- Stores ---
	var st stores
	switch cfg.Storage {
	case "postgres":
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
			MaxConns: cfg.Postgres.PoolMaxConns,
			MinConns: cfg.Postgres.PoolMinConns,
		}, logger)
		if err != nil {
			return fail(fmt.Errorf("wire: postgres: %w", err))
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				return fail(fmt.Errorf("wire: postgres migrations: %w", err))
			}
		}
		deps.Pingers["postgres"] = pgClient
		st = pgClient
	default:
		logger.WarnContext(ctx, "using in-memory storage; state is lost on restart")
		st = memory.New()
	}
	deps.Accounts = st.Accounts()
	deps.Escrow = st.Escrow()
	deps.Loans = st.Loans()
	deps.Transactions = st.Transactions()
	deps.Staking = st.Staking()
	deps.Repayments = st.Repayments()
	deps.Audit = st.Audit()

	// --- Caches, rate limits and the event bus ---
	var venueLimiter, bridgeLimiter domain.RateLimiter
	if cfg.Redis.Enabled {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: redis: %w", err))
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		bus := redis.NewSignalBus(redisClient)
		deps.SignalBus = bus
		deps.Journal = bus
		deps.Nonces = redis.NewNonceRegistry(redisClient)
		deps.Locks = redis.NewLockManager(redisClient)
		deps.PermitCache = redis.NewPermitInfoCache(redisClient)
		deps.RateLimiter = redis.NewRateLimiter(redisClient, cfg.Server.RateLimit, cfg.Server.RateWindow.Duration)
		venueLimiter = redis.NewRateLimiter(redisClient, cfg.Venue.RateLimit, time.Second)
		bridgeLimiter = redis.NewRateLimiter(redisClient, cfg.Bridge.RateLimit, time.Second)
		deps.Pingers["redis"] = redisClient
	} else {
		bus := memory.NewSignalBus()
		deps.SignalBus = bus
		deps.Journal = bus
		deps.Nonces = memory.NewNonceRegistry()
		deps.PermitCache = memory.NewPermitInfoCache()
		deps.RateLimiter = memory.NewRateLimiter(cfg.Server.RateLimit, cfg.Server.RateWindow.Duration)
		venueLimiter = memory.NewRateLimiter(cfg.Venue.RateLimit, time.Second)
		bridgeLimiter = memory.NewRateLimiter(cfg.Bridge.RateLimit, time.Second)
	}

	// --- S3 archive ---
	if cfg.Archive.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: s3: %w", err))
		}
		deps.Archiver = s3blob.NewArchiver(
			s3blob.NewWriter(s3Client),
			s3blob.NewReader(s3Client),
			deps.Transactions,
			deps.Repayments,
			deps.Audit,
		)
		deps.Pingers["s3"] = pingFunc(s3Client.Health)
	}

	// --- Relayer key and chains ---
	key, err := crypto.LoadRelayerKey(crypto.KeyConfig{
		RawPrivateKey:    cfg.Relayer.PrivateKey,
		EncryptedKeyPath: cfg.Relayer.EncryptedKeyPath,
		KeyPassword:      cfg.Relayer.KeyPassword,
	})
	if err != nil {
		return fail(fmt.Errorf("wire: relayer key: %w", err))
	}
	deps.Relayer = key

	chainClient, err := chain.Dial(ctx, cfg.Chains, key, logger, chain.WithPermitCache(deps.PermitCache))
	if err != nil {
		return fail(fmt.Errorf("wire: chains: %w", err))
	}
	closers = append(closers, chainClient.Close)
	deps.Chain = chainClient
	deps.Staker = chain.NewStaker(chainClient, cfg.Chains)

	// --- Partner APIs ---
	deps.Venue = swapvenue.New(cfg.Venue, httpapi.WithRateLimiter(venueLimiter))
	deps.Bridge = bridge.New(cfg.Bridge, httpapi.WithRateLimiter(bridgeLimiter))

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, notifyQuiet, logger)

	logger.InfoContext(ctx, "dependencies wired",
		slog.String("storage", cfg.Storage),
		slog.Bool("redis", cfg.Redis.Enabled),
		slog.Bool("archive", deps.Archiver != nil),
		slog.String("relayer", key.Address().Hex()),
		slog.Int("chains", len(cfg.Chains)),
		slog.Int("notify_senders", len(senders)),
	)
	return deps, cleanup, nil
}
