package app

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/gasrelay/internal/config"
	"github.com/alanyoungcy/gasrelay/internal/executor"
	"github.com/alanyoungcy/gasrelay/internal/service"
)

const (
	ledgerLockTTL = 30 * time.Second
	queueIdle     = time.Minute
)

// Services holds the business services built over Dependencies.
type Services struct {
	Guard      *service.ReputationGuard
	Permits    *service.PermitValidator
	Ledger     *service.EscrowLedger
	Swaps      *service.SwapOrchestrator
	Staking    *service.BridgeStakeCoordinator
	Finalizer  *service.SettlementFinalizer
	Accruer    *service.RewardAccruer
	Loans      *service.LoanService
	Repayments *service.RepaymentService

	ledgerQueue   *executor.AccountQueue
	positionQueue *executor.AccountQueue
}

// NewServices builds every service. The ledger serializes per account on its
// own queue; the finalizer and the reward accruer share a per-position queue
// so a claim never races an accrual.
func NewServices(cfg *config.Config, deps *Dependencies, logger *slog.Logger) *Services {
	relayer := deps.Relayer.Address()
	spender := relayer
	if cfg.Relayer.SwapSpender != "" {
		spender = common.HexToAddress(cfg.Relayer.SwapSpender)
	}
	tokens := settlementTokens(cfg.Chains)
	retry := executor.Backoff{
		Attempts: cfg.Loan.MaxRetries + 1,
		Base:     cfg.Loan.RetryBaseDelay.Duration,
		Max:      cfg.Loan.RetryMaxDelay.Duration,
	}

	s := &Services{
		ledgerQueue:   executor.NewAccountQueue(queueIdle, logger),
		positionQueue: executor.NewAccountQueue(queueIdle, logger),
	}

	s.Guard = service.NewReputationGuard(service.ReputationPolicy{
		Increment: cfg.Reputation.Increment,
		Decrement: cfg.Reputation.Decrement,
		Cooldown:  cfg.Reputation.Cooldown.Duration,
	})

	s.Permits = service.NewPermitValidator(deps.Chain, service.PermitValidatorConfig{
		PermitTTL: cfg.Loan.PermitTTL.Duration,
		Spender:   spender,
	}, logger)

	s.Ledger = service.NewEscrowLedger(
		deps.Escrow, deps.Accounts, deps.Transactions, deps.Chain, s.Guard, s.ledgerQueue,
		service.LedgerConfig{
			RepaymentWindow:  cfg.Loan.RepaymentWindow.Duration,
			LockTTL:          ledgerLockTTL,
			SettlementTokens: tokens,
			Transfer:         retry,
			Relayer:          relayer,
		},
		logger,
	).WithEvents(deps.SignalBus, deps.Audit)
	if deps.Locks != nil {
		s.Ledger = s.Ledger.WithLocks(deps.Locks)
	}

	s.Swaps = service.NewSwapOrchestrator(
		s.Permits, deps.Venue, s.Ledger, deps.Nonces, deps.Loans, deps.Transactions, relayer,
		service.SwapConfig{
			MaxSlippageBps:   cfg.Loan.MaxSlippageBps,
			ServiceFeeBps:    cfg.Loan.ServiceFeeBps,
			SwapTimeout:      cfg.Loan.SwapTimeout.Duration,
			PollInterval:     cfg.Loan.PollInterval.Duration,
			Retry:            retry,
			Spender:          spender,
			SettlementTokens: tokens,
			RateLimit:        cfg.Loan.SwapsPerHour,
			RateWindow:       time.Hour,
		},
		logger,
	).WithEvents(deps.SignalBus, deps.Audit).WithRateLimiter(deps.RateLimiter)

	stakingCfg := service.StakingConfig{
		DiscountRate:       cfg.Staking.Discount(),
		DefaultValidator:   cfg.Staking.DefaultValidator,
		DefaultDestChainID: cfg.Staking.DefaultDestChainID,
		PollInterval:       cfg.Staking.PollInterval.Duration,
		PollTimeout:        cfg.Staking.PollTimeout.Duration,
		BridgeTimeout:      cfg.Staking.BridgeTimeout.Duration,
		LockPeriod:         cfg.Staking.LockPeriod.Duration,
		Retry:              retry,
		SettlementTokens:   tokens,
	}

	s.Staking = service.NewBridgeStakeCoordinator(
		deps.Loans, deps.Staking, deps.Transactions, deps.Bridge, deps.Staker, deps.Chain, s.Ledger, relayer,
		stakingCfg, logger,
	).WithEvents(deps.SignalBus, deps.Audit)

	s.Finalizer = service.NewSettlementFinalizer(
		deps.Loans, deps.Staking, deps.Transactions, deps.Staker, deps.Chain, s.Ledger, s.positionQueue, relayer,
		stakingCfg, logger,
	).WithEvents(deps.SignalBus, deps.Audit).WithAutoFinalize(cfg.Staking.AutoFinalize)

	s.Accruer = service.NewRewardAccruer(deps.Staking, deps.Staker, s.positionQueue, cfg.Staking.RewardPollInterval.Duration, logger)
	s.Loans = service.NewLoanService(deps.Loans, deps.Transactions, deps.Staking, s.Ledger, deps.SignalBus, logger)
	s.Repayments = service.NewRepaymentService(s.Ledger, deps.Repayments, logger)
	return s
}

// Close drains both account queues.
func (s *Services) Close(ctx context.Context) error {
	return errors.Join(s.ledgerQueue.Close(ctx), s.positionQueue.Close(ctx))
}

func settlementTokens(chains []config.ChainConfig) map[int64]common.Address {
	out := make(map[int64]common.Address, len(chains))
	for _, ch := range chains {
		out[ch.ChainID] = common.HexToAddress(ch.SettlementToken)
	}
	return out
}
