package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/alanyoungcy/gasrelay/internal/domain"
	"github.com/alanyoungcy/gasrelay/internal/executor"
	"github.com/alanyoungcy/gasrelay/internal/metrics"
)

// FinalizeResult reports how a position was settled.
type FinalizeResult struct {
	PositionID string
	Rewards    *big.Int
	Repaid     *big.Int
	Payout     *big.Int
	TxHash     string
}

// SettlementFinalizer claims rewards, repays debt from them and releases the
// remainder plus the staked principal to the owner. Finalization is
// serialized per position and happens at most once.
type SettlementFinalizer struct {
	loans        domain.LoanStore
	positions    domain.StakingStore
	txs          domain.TransactionStore
	staker       domain.Staker
	chain        domain.ChainClient
	ledger       *EscrowLedger
	queue        *executor.AccountQueue
	relayer      domain.Caller
	bus          domain.SignalBus
	audit        domain.AuditStore
	cfg          StakingConfig
	autoFinalize bool
	now          func() time.Time
	logger       *slog.Logger
}

// NewSettlementFinalizer creates a SettlementFinalizer.
func NewSettlementFinalizer(
	loans domain.LoanStore,
	positions domain.StakingStore,
	txs domain.TransactionStore,
	staker domain.Staker,
	chain domain.ChainClient,
	ledger *EscrowLedger,
	queue *executor.AccountQueue,
	relayer common.Address,
	cfg StakingConfig,
	logger *slog.Logger,
) *SettlementFinalizer {
	return &SettlementFinalizer{
		loans:     loans,
		positions: positions,
		txs:       txs,
		staker:    staker,
		chain:     chain,
		ledger:    ledger,
		queue:     queue,
		relayer:   domain.RelayerCaller(relayer),
		cfg:       cfg,
		now:       func() time.Time { return time.Now().UTC() },
		logger:    logger.With(slog.String("component", "settlement")),
	}
}

// WithAutoFinalize makes Run finalize positions once their lock period ends.
func (f *SettlementFinalizer) WithAutoFinalize(enabled bool) *SettlementFinalizer {
	f.autoFinalize = enabled
	return f
}

// WithEvents attaches the signal bus and audit log.
func (f *SettlementFinalizer) WithEvents(bus domain.SignalBus, audit domain.AuditStore) *SettlementFinalizer {
	f.bus = bus
	f.audit = audit
	return f
}

// WithClock overrides the time source.
func (f *SettlementFinalizer) WithClock(now func() time.Time) *SettlementFinalizer {
	f.now = now
	return f
}

// Finalize settles the staking position of loanID. A position that is
// already COMPLETED yields ErrAlreadyFinalized and changes nothing.
func (f *SettlementFinalizer) Finalize(ctx context.Context, caller domain.Caller, loanID string) (FinalizeResult, error) {
	pos, err := f.positions.GetByLoan(ctx, loanID)
	if err != nil {
		return FinalizeResult{}, fmt.Errorf("settlement: get position for loan %s: %w", loanID, err)
	}
	if !caller.IsRelayer() && !caller.Owns(pos.Account) {
		return FinalizeResult{}, domain.Wrapf(domain.ErrUnauthorized, "loan %s belongs to another account", loanID)
	}

	var out FinalizeResult
	err = f.queue.Do(ctx, "position:"+pos.ID, func(ctx context.Context) error {
		var err error
		out, err = f.finalize(ctx, pos.ID)
		return err
	})
	switch {
	case err == nil:
		metrics.Finalizations.WithLabelValues("completed").Inc()
	case errors.Is(err, domain.ErrAlreadyFinalized):
		metrics.Finalizations.WithLabelValues("already_finalized").Inc()
	default:
		metrics.Finalizations.WithLabelValues("error").Inc()
	}
	return out, err
}

func (f *SettlementFinalizer) finalize(ctx context.Context, positionID string) (FinalizeResult, error) {
	pos, err := f.positions.GetByID(ctx, positionID)
	if err != nil {
		return FinalizeResult{}, fmt.Errorf("settlement: reload position: %w", err)
	}
	if pos.Status == domain.StakingCompleted {
		return FinalizeResult{}, domain.Wrapf(domain.ErrAlreadyFinalized, "position %s already finalized", pos.ID)
	}
	if !pos.Status.Claimable() {
		return FinalizeResult{}, domain.Wrapf(domain.ErrInvalidTransition, "position %s is %s", pos.ID, pos.Status)
	}
	token, ok := f.cfg.SettlementTokens[pos.DestChainID]
	if !ok {
		return FinalizeResult{}, domain.Wrapf(domain.ErrValidation, "chain %d has no settlement token", pos.DestChainID)
	}

	// Funds move from here on; finish regardless of the caller.
	ctx = context.WithoutCancel(ctx)

	rewards, principal, err := f.claim(ctx, pos)
	if err != nil {
		return FinalizeResult{}, err
	}

	repaid, err := f.ledger.RepayFromRewards(ctx, f.relayer, pos.Account, rewards, pos.ID)
	if err != nil {
		return FinalizeResult{}, fmt.Errorf("settlement: repay from rewards: %w", err)
	}

	payout := new(big.Int).Sub(rewards, repaid.Applied)
	payout.Add(payout, principal)
	var txHash string
	if payout.Sign() > 0 {
		err = executor.Retry(ctx, f.cfg.Retry, func(ctx context.Context) error {
			h, err := f.chain.Transfer(ctx, pos.DestChainID, token, pos.Account.Address, payout)
			if err != nil {
				return domain.External("settlement payout", err)
			}
			txHash = h
			return nil
		})
		if err != nil {
			f.record(ctx, pos, domain.TxFailed, payout, "", map[string]any{"reason": err.Error()})
			return FinalizeResult{}, err
		}
		f.record(ctx, pos, domain.TxCompleted, payout, txHash, map[string]any{
			"rewards":   rewards.String(),
			"repaid":    repaid.Applied.String(),
			"principal": principal.String(),
		})
	}

	now := f.now()
	pos.Status = domain.StakingCompleted
	pos.RewardsAccrued = rewards
	pos.LastUpdateTimestamp = now
	if err := f.positions.Update(ctx, pos); err != nil {
		return FinalizeResult{}, fmt.Errorf("settlement: complete position: %w", err)
	}

	loan, err := f.loans.GetByID(ctx, pos.LoanID)
	if err != nil {
		return FinalizeResult{}, fmt.Errorf("settlement: get loan: %w", err)
	}
	if !loan.Status.Terminal() {
		loan.Status = domain.LoanCompleted
		loan.CompletedAt = &now
		loan.UpdatedAt = now
		if err := f.loans.Update(ctx, loan); err != nil {
			return FinalizeResult{}, fmt.Errorf("settlement: complete loan: %w", err)
		}
		metrics.Loans.WithLabelValues(string(domain.LoanCompleted)).Inc()
	}

	out := FinalizeResult{
		PositionID: pos.ID,
		Rewards:    rewards,
		Repaid:     repaid.Applied,
		Payout:     payout,
		TxHash:     txHash,
	}
	publishEvent(ctx, f.bus, f.logger, domain.Event{
		Type:    domain.EventFinalized,
		LoanID:  pos.LoanID,
		Account: pos.Account.String(),
		Detail: map[string]any{
			"position_id": pos.ID,
			"rewards":     rewards.String(),
			"repaid":      repaid.Applied.String(),
			"payout":      payout.String(),
		},
	})
	publishEvent(ctx, f.bus, f.logger, domain.Event{Type: domain.EventLoanCompleted, LoanID: pos.LoanID, Account: pos.Account.String()})
	auditLog(ctx, f.audit, f.logger, "position_finalized", map[string]any{
		"loan_id":     pos.LoanID,
		"position_id": pos.ID,
		"rewards":     rewards.String(),
		"repaid":      repaid.Applied.String(),
		"payout":      payout.String(),
		"tx_hash":     txHash,
	})
	f.logger.InfoContext(ctx, "position finalized",
		slog.String("position_id", pos.ID),
		slog.String("loan_id", pos.LoanID),
		slog.String("rewards", rewards.String()),
		slog.String("repaid", repaid.Applied.String()),
		slog.String("payout", payout.String()),
	)
	return out, nil
}

// claim claims rewards and unstakes. A claimed Reward row marks the claim as
// done, so a retried finalization does not claim twice.
func (f *SettlementFinalizer) claim(ctx context.Context, pos domain.StakingPosition) (*big.Int, *big.Int, error) {
	rewards, err := f.positions.ListRewards(ctx, pos.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("settlement: list rewards: %w", err)
	}
	for _, r := range rewards {
		if r.Claimed {
			return new(big.Int).Set(r.Amount), orZero(pos.StakedAmount), nil
		}
	}

	var res domain.ClaimResult
	err = executor.Retry(ctx, f.cfg.Retry, func(ctx context.Context) error {
		r, err := f.staker.ClaimAndUnstake(ctx, pos.DestChainID, pos.StakeRef)
		if err != nil {
			return domain.External("claim and unstake", err)
		}
		res = r
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	claimed := orZero(res.Rewards)
	principal := orZero(res.Principal)
	if res.Principal == nil {
		principal = orZero(pos.StakedAmount)
	}

	if err := f.positions.AddReward(ctx, domain.Reward{
		ID:         uuid.NewString(),
		PositionID: pos.ID,
		Amount:     claimed,
		Claimed:    true,
		CreatedAt:  f.now(),
	}); err != nil {
		f.logger.ErrorContext(ctx, "record claimed reward failed",
			slog.String("position_id", pos.ID),
			slog.String("amount", claimed.String()),
			slog.String("error", err.Error()),
		)
	}
	return claimed, principal, nil
}

func (f *SettlementFinalizer) record(ctx context.Context, pos domain.StakingPosition, status domain.TxStatus, amount *big.Int, txHash string, detail map[string]any) {
	now := f.now()
	detail["position_id"] = pos.ID
	if err := f.txs.Create(ctx, domain.TransactionRecord{
		ID:        uuid.NewString(),
		LoanID:    pos.LoanID,
		Account:   pos.Account,
		Type:      domain.TxWithdraw,
		Status:    status,
		Amount:    amount,
		ChainID:   pos.DestChainID,
		TxHash:    txHash,
		Detail:    detail,
		CreatedAt: now,
		UpdatedAt: now,
	}); err != nil {
		f.logger.WarnContext(ctx, "record payout failed", slog.String("position_id", pos.ID), slog.String("error", err.Error()))
	}
}

// Run finalizes positions whose lock period has elapsed, when auto-finalize
// is enabled. Call in a goroutine.
func (f *SettlementFinalizer) Run(ctx context.Context, interval time.Duration) error {
	if !f.autoFinalize {
		<-ctx.Done()
		return ctx.Err()
	}
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			n, err := f.FinalizeDue(ctx)
			if err != nil {
				f.logger.ErrorContext(ctx, "auto finalize failed", slog.String("error", err.Error()))
			} else if n > 0 {
				f.logger.InfoContext(ctx, "auto finalized positions", slog.Int("count", n))
			}
		}
	}
}

// FinalizeDue finalizes every claimable position whose lock period has
// elapsed and returns how many were settled.
func (f *SettlementFinalizer) FinalizeDue(ctx context.Context) (int, error) {
	now := f.now()
	count := 0
	for _, status := range []domain.StakingStatus{domain.StakingStaked, domain.StakingRewarding} {
		positions, err := f.positions.ListByStatus(ctx, status, domain.ListOpts{})
		if err != nil {
			return count, fmt.Errorf("settlement: list %s positions: %w", status, err)
		}
		for _, pos := range positions {
			if pos.StakedAt == nil || now.Before(pos.StakedAt.Add(f.cfg.LockPeriod)) {
				continue
			}
			if _, err := f.Finalize(ctx, f.relayer, pos.LoanID); err != nil {
				if ctx.Err() != nil {
					return count, ctx.Err()
				}
				f.logger.WarnContext(ctx, "finalize position failed",
					slog.String("position_id", pos.ID),
					slog.String("error", err.Error()),
				)
				continue
			}
			count++
		}
	}
	return count, nil
}
