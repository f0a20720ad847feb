package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/gasrelay/internal/domain"
)

func TestLoanServiceGetAndList(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	first := h.fundedLoan(0)
	second := h.fundedLoan(1)

	view, err := h.loans.Get(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, first, view.Loan.ID)
	assert.Len(t, view.Transactions, 2)
	assert.Nil(t, view.Position)

	_, err = h.loans.Get(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	loans, err := h.loans.List(ctx, h.acct, domain.ListOpts{})
	require.NoError(t, err)
	ids := []string{loans[0].ID, loans[1].ID}
	assert.ElementsMatch(t, []string{first, second}, ids)
}

func TestLoanServiceWithdrawCompletesLoans(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	plain := h.fundedLoan(0)
	staked := h.fundedLoan(1)
	h.startStake(staked, usdc("5"))

	_, err := h.repayments.Process(ctx, h.owner(), h.acct, h.payRelayer(usdc("1")), nil)
	require.NoError(t, err)

	res, err := h.loans.Withdraw(ctx, h.owner(), h.acct)
	require.NoError(t, err)
	assert.Equal(t, usdc("20"), res.Amount)

	loan, err := h.db.Loans().GetByID(ctx, plain)
	require.NoError(t, err)
	assert.Equal(t, domain.LoanCompleted, loan.Status)

	loan, err = h.db.Loans().GetByID(ctx, staked)
	require.NoError(t, err)
	assert.Equal(t, domain.LoanProcessing, loan.Status, "loan with an active position waits for finalization")

	view, err := h.loans.Get(ctx, staked)
	require.NoError(t, err)
	require.NotNil(t, view.Position)
	assert.Equal(t, domain.StakingPending, view.Position.Status)
}
