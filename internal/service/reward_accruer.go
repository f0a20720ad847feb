package service

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/gasrelay/internal/domain"
	"github.com/alanyoungcy/gasrelay/internal/executor"
)

// RewardAccruer polls staked positions for accrued rewards. It shares the
// finalizer's per-position queue so it never races a settlement.
type RewardAccruer struct {
	positions domain.StakingStore
	staker    domain.Staker
	queue     *executor.AccountQueue
	pollDur   time.Duration
	now       func() time.Time
	logger    *slog.Logger
}

// NewRewardAccruer creates a RewardAccruer. queue must be the one passed to
// the SettlementFinalizer.
func NewRewardAccruer(positions domain.StakingStore, staker domain.Staker, queue *executor.AccountQueue, pollInterval time.Duration, logger *slog.Logger) *RewardAccruer {
	if pollInterval <= 0 {
		pollInterval = time.Hour
	}
	return &RewardAccruer{
		positions: positions,
		staker:    staker,
		queue:     queue,
		pollDur:   pollInterval,
		now:       func() time.Time { return time.Now().UTC() },
		logger:    logger.With(slog.String("component", "reward_accruer")),
	}
}

// Run polls until ctx ends. Call in a goroutine.
func (a *RewardAccruer) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.pollDur)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := a.Accrue(ctx); err != nil {
				a.logger.ErrorContext(ctx, "reward accrual failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Accrue refreshes RewardsAccrued on every STAKED or REWARDING position and
// appends a Reward row for each positive change. It returns how many
// positions changed.
func (a *RewardAccruer) Accrue(ctx context.Context) (int, error) {
	changed := 0
	for _, status := range []domain.StakingStatus{domain.StakingStaked, domain.StakingRewarding} {
		positions, err := a.positions.ListByStatus(ctx, status, domain.ListOpts{})
		if err != nil {
			return changed, fmt.Errorf("reward_accruer: list %s: %w", status, err)
		}
		for _, p := range positions {
			var updated bool
			err := a.queue.Do(ctx, "position:"+p.ID, func(ctx context.Context) error {
				var err error
				updated, err = a.accrueOne(ctx, p.ID)
				return err
			})
			if err != nil {
				if ctx.Err() != nil {
					return changed, ctx.Err()
				}
				a.logger.DebugContext(ctx, "position reward poll failed",
					slog.String("position_id", p.ID),
					slog.String("error", err.Error()),
				)
				continue
			}
			if updated {
				changed++
			}
		}
	}
	return changed, nil
}

func (a *RewardAccruer) accrueOne(ctx context.Context, id string) (bool, error) {
	pos, err := a.positions.GetByID(ctx, id)
	if err != nil {
		return false, err
	}
	if !pos.Status.Claimable() || pos.StakeRef == "" {
		return false, nil
	}
	total, err := a.staker.Rewards(ctx, pos.DestChainID, pos.StakeRef)
	if err != nil {
		return false, domain.External("staker rewards", err)
	}
	prev := orZero(pos.RewardsAccrued)
	delta := new(big.Int).Sub(total, prev)
	if delta.Sign() <= 0 {
		return false, nil
	}

	now := a.now()
	if err := a.positions.AddReward(ctx, domain.Reward{
		ID:         uuid.NewString(),
		PositionID: pos.ID,
		Amount:     delta,
		CreatedAt:  now,
	}); err != nil {
		return false, fmt.Errorf("reward_accruer: add reward: %w", err)
	}
	pos.RewardsAccrued = total
	pos.Status = domain.StakingRewarding
	pos.LastUpdateTimestamp = now
	if err := a.positions.Update(ctx, pos); err != nil {
		return false, fmt.Errorf("reward_accruer: update position: %w", err)
	}
	a.logger.DebugContext(ctx, "rewards accrued",
		slog.String("position_id", pos.ID),
		slog.String("delta", delta.String()),
		slog.String("total", total.String()),
	)
	return true, nil
}
