package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/gasrelay/internal/crypto"
	"github.com/alanyoungcy/gasrelay/internal/domain"
)

// A wallet borrows gas through a permit swap, repays the gas debt and takes
// its escrow home.
func TestLoanLifecycle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	prep, err := h.validator.PreparePermit(ctx, h.user, permitTok, baseChain)
	require.NoError(t, err)
	sig, err := crypto.SignPermit(prep.Permit, h.userKey)
	require.NoError(t, err)

	swap, err := h.swaps.ExecuteSwap(ctx, SwapRequest{Permit: prep.Permit, Signature: sig, Amount: prep.Permit.Value})
	require.NoError(t, err)
	st := h.status()
	assert.Equal(t, usdc("10"), st.EscrowedAmount)
	assert.Equal(t, usdc("0.5"), st.OutstandingDebt)

	_, err = h.loans.Withdraw(ctx, h.owner(), h.acct)
	require.ErrorIs(t, err, domain.ErrInsufficientRepayment)

	repay, err := h.repayments.Process(ctx, h.owner(), h.acct, h.payRelayer(usdc("0.5")), nil)
	require.NoError(t, err)
	assert.Equal(t, int64(0), repay.NewOutstandingDebt.Int64())
	assert.Equal(t, 55, h.status().ReputationScore)

	out, err := h.loans.Withdraw(ctx, h.owner(), h.acct)
	require.NoError(t, err)
	assert.Equal(t, usdc("10"), out.Amount)

	transfers := h.chain.Transfers()
	require.Len(t, transfers, 1)
	assert.Equal(t, baseChain, transfers[0].ChainID)
	assert.Equal(t, usdcBase, transfers[0].Token)
	assert.Equal(t, usdc("10"), transfers[0].Amount)

	st = h.status()
	assert.Equal(t, int64(0), st.EscrowedAmount.Int64())
	view, err := h.loans.Get(ctx, swap.LoanID)
	require.NoError(t, err)
	assert.Equal(t, domain.LoanCompleted, view.Loan.Status)

	_, err = h.loans.Withdraw(ctx, h.owner(), h.acct)
	assert.ErrorIs(t, err, domain.ErrNothingToWithdraw)
}

// A wallet owing exactly 1.0 opts its principal into bridge-and-stake. The
// 5% discount lands only on a completed bridge; a failed bridge leaves the
// debt at 1.0 and returns the principal.
func TestStakingDiscountScenario(t *testing.T) {
	run := func(t *testing.T, final domain.BridgeState) *harness {
		h := newHarness(t)
		h.venue.final.GasCost = usdc("1")
		loanID := h.fundedLoan(0)
		require.Equal(t, usdc("1"), h.status().OutstandingDebt)

		h.startStake(loanID, usdc("5"))
		h.bridge.Set(final)
		h.coord.Wait()
		return h
	}

	t.Run("bridge completes", func(t *testing.T) {
		h := run(t, domain.BridgeStateCompleted)
		assert.Equal(t, usdc("0.95"), h.status().OutstandingDebt)
		assert.Empty(t, h.chain.Transfers())
	})

	t.Run("bridge fails", func(t *testing.T) {
		h := run(t, domain.BridgeStateFailed)
		assert.Equal(t, usdc("1"), h.status().OutstandingDebt)
		transfers := h.chain.Transfers()
		require.Len(t, transfers, 1)
		assert.Equal(t, h.user, transfers[0].To)
		assert.Equal(t, usdc("5"), transfers[0].Amount)
	})
}
