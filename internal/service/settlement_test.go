package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/gasrelay/internal/domain"
)

func TestFinalizeRepaysFromRewards(t *testing.T) {
	h := newHarness(t)
	loanID, pos := h.stakedLoan(0, usdc("5"))
	require.Equal(t, usdc("0.475"), h.status().OutstandingDebt)
	h.staker.SetRewards(usdc("0.2"))

	res, err := h.finalizer.Finalize(context.Background(), h.owner(), loanID)
	require.NoError(t, err)
	assert.Equal(t, pos.ID, res.PositionID)
	assert.Equal(t, usdc("0.2"), res.Rewards)
	assert.Equal(t, usdc("0.2"), res.Repaid)
	assert.Equal(t, usdc("5"), res.Payout, "principal only, all rewards went to the debt")
	assert.NotEmpty(t, res.TxHash)
	assert.Equal(t, usdc("0.275"), h.status().OutstandingDebt)

	transfers := h.chain.Transfers()
	require.Len(t, transfers, 1)
	assert.Equal(t, arbChain, transfers[0].ChainID)
	assert.Equal(t, usdcArb, transfers[0].Token)
	assert.Equal(t, h.user, transfers[0].To)

	got, err := h.coord.Status(context.Background(), loanID)
	require.NoError(t, err)
	assert.Equal(t, domain.StakingCompleted, got.Status)
	loan, err := h.db.Loans().GetByID(context.Background(), loanID)
	require.NoError(t, err)
	assert.Equal(t, domain.LoanCompleted, loan.Status)
	assert.NotNil(t, loan.CompletedAt)
}

func TestFinalizeSurplusRewardsArePaidOut(t *testing.T) {
	h := newHarness(t)
	loanID, _ := h.stakedLoan(0, usdc("5"))
	h.staker.SetRewards(usdc("1"))

	res, err := h.finalizer.Finalize(context.Background(), h.relayerC(), loanID)
	require.NoError(t, err)
	assert.Equal(t, usdc("0.475"), res.Repaid)
	assert.Equal(t, usdc("5.525"), res.Payout)

	st := h.status()
	assert.Equal(t, int64(0), st.OutstandingDebt.Int64())
	assert.Equal(t, domain.DefaultReputation+5, st.ReputationScore)
	assert.Nil(t, st.DebtDueAt)
}

func TestFinalizeTwice(t *testing.T) {
	h := newHarness(t)
	loanID, _ := h.stakedLoan(0, usdc("5"))
	h.staker.SetRewards(usdc("0.1"))

	_, err := h.finalizer.Finalize(context.Background(), h.owner(), loanID)
	require.NoError(t, err)
	debt := h.status().OutstandingDebt

	_, err = h.finalizer.Finalize(context.Background(), h.owner(), loanID)
	assert.ErrorIs(t, err, domain.ErrAlreadyFinalized)
	assert.Equal(t, 1, h.staker.Claims())
	assert.Len(t, h.chain.Transfers(), 1)
	assert.Equal(t, debt, h.status().OutstandingDebt)
}

func TestFinalizePayoutFailureRetriesWithoutReclaiming(t *testing.T) {
	h := newHarness(t)
	loanID, _ := h.stakedLoan(0, usdc("5"))
	h.staker.SetRewards(usdc("0.3"))
	h.chain.failTransfers = fastRetry.Attempts

	_, err := h.finalizer.Finalize(context.Background(), h.owner(), loanID)
	require.ErrorIs(t, err, domain.ErrRetriesExhausted)
	pos, err := h.coord.Status(context.Background(), loanID)
	require.NoError(t, err)
	assert.Equal(t, domain.StakingStaked, pos.Status)
	assert.Equal(t, usdc("0.175"), h.status().OutstandingDebt)

	res, err := h.finalizer.Finalize(context.Background(), h.owner(), loanID)
	require.NoError(t, err)
	assert.Equal(t, usdc("0.3"), res.Repaid)
	assert.Equal(t, 1, h.staker.Claims())
	assert.Equal(t, usdc("0.175"), h.status().OutstandingDebt, "rewards repay the debt once")
}

func TestFinalizeRejectsPendingPosition(t *testing.T) {
	h := newHarness(t)
	loanID := h.fundedLoan(0)
	h.startStake(loanID, usdc("5"))

	_, err := h.finalizer.Finalize(context.Background(), h.owner(), loanID)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	assert.Equal(t, 0, h.staker.Claims())
}

func TestFinalizeRejectsOtherWallet(t *testing.T) {
	h := newHarness(t)
	loanID, _ := h.stakedLoan(0, usdc("5"))

	_, err := h.finalizer.Finalize(context.Background(), domain.UserCaller(h.relayer), loanID)
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
	assert.Equal(t, 0, h.staker.Claims())
}

func TestFinalizeDueHonoursLockPeriod(t *testing.T) {
	h := newHarness(t)
	loanID, _ := h.stakedLoan(0, usdc("5"))

	n, err := h.finalizer.FinalizeDue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	h.clock.Advance(7*24*time.Hour + time.Second)
	n, err = h.finalizer.FinalizeDue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	pos, err := h.coord.Status(context.Background(), loanID)
	require.NoError(t, err)
	assert.Equal(t, domain.StakingCompleted, pos.Status)
}
