package service

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/gasrelay/internal/domain"
)

// startStake sends amount to the relayer, opts loanID into bridge-and-stake
// with that transfer and makes sure the tracking goroutine is drained before
// the test ends.
func (h *harness) startStake(loanID string, amount *big.Int) domain.StakingPosition {
	h.t.Helper()
	h.t.Cleanup(func() {
		h.bridge.Set(domain.BridgeStateFailed)
		h.coord.Wait()
	})
	pos, err := h.coord.Start(context.Background(), h.owner(), BridgeStakeRequest{
		LoanID:        loanID,
		FundingTxHash: h.payRelayer(amount),
		Amount:        amount,
	})
	require.NoError(h.t, err)
	return pos
}

// stakedLoan funds a loan and carries it through a completed bridge.
func (h *harness) stakedLoan(nonce int64, amount *big.Int) (string, domain.StakingPosition) {
	h.t.Helper()
	loanID := h.fundedLoan(nonce)
	h.startStake(loanID, amount)
	h.bridge.Set(domain.BridgeStateCompleted)
	h.coord.Wait()
	pos, err := h.coord.Status(context.Background(), loanID)
	require.NoError(h.t, err)
	require.Equal(h.t, domain.StakingStaked, pos.Status)
	return loanID, pos
}

// refunds returns the WITHDRAW records paying a position's principal back.
func refunds(t *testing.T, h *harness, loanID string) []domain.TransactionRecord {
	t.Helper()
	recs, err := h.db.Transactions().ListByLoan(context.Background(), loanID)
	require.NoError(t, err)
	var out []domain.TransactionRecord
	for _, r := range recs {
		if r.Type == domain.TxWithdraw && r.Detail["refund"] == true {
			out = append(out, r)
		}
	}
	return out
}

func TestBridgeStakeAppliesDiscountOnCompletion(t *testing.T) {
	h := newHarness(t)
	h.venue.final.GasCost = usdc("1")
	loanID := h.fundedLoan(0)
	require.Equal(t, usdc("1"), h.status().OutstandingDebt)

	pos := h.startStake(loanID, usdc("5"))
	assert.Equal(t, domain.StakingPending, pos.Status)
	assert.Equal(t, arbChain, pos.DestChainID)
	assert.Equal(t, "validator-1", pos.Validator)
	assert.Equal(t, usdc("5"), pos.StakedAmount)
	assert.NotEmpty(t, pos.BridgeID)
	assert.Equal(t, usdc("1"), h.status().OutstandingDebt, "no discount while the bridge is pending")

	h.bridge.Set(domain.BridgeStateCompleted)
	h.coord.Wait()

	got, err := h.coord.Status(context.Background(), loanID)
	require.NoError(t, err)
	assert.Equal(t, domain.StakingStaked, got.Status)
	assert.NotEmpty(t, got.StakeRef)
	require.NotNil(t, got.StakedAt)
	assert.Equal(t, usdc("0.95"), h.status().OutstandingDebt)
	assert.Equal(t, usdc("10"), h.status().EscrowedAmount, "bridging moves wallet-funded principal, not escrow")

	loan, err := h.db.Loans().GetByID(context.Background(), loanID)
	require.NoError(t, err)
	assert.True(t, loan.DiscountApplied)

	recs := recordsByType(t, h, loanID)
	assert.Equal(t, domain.TxCompleted, recs[domain.TxBridge].Status)
	assert.NotEmpty(t, recs[domain.TxBridge].Detail["funding_tx"])
	assert.Equal(t, domain.TxCompleted, recs[domain.TxStake].Status)
	assert.Empty(t, h.chain.Transfers())
}

func TestBridgeStakeRequiresFunding(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	loanID := h.fundedLoan(0)

	t.Run("no transfer", func(t *testing.T) {
		_, err := h.coord.Start(ctx, h.owner(), BridgeStakeRequest{LoanID: loanID, Amount: usdc("5")})
		assert.ErrorIs(t, err, domain.ErrValidation)
	})

	t.Run("unmined transfer", func(t *testing.T) {
		_, err := h.coord.Start(ctx, h.owner(), BridgeStakeRequest{LoanID: loanID, FundingTxHash: common.HexToHash("0xabc"), Amount: usdc("5")})
		assert.ErrorIs(t, err, domain.ErrTransferUnverified)
	})

	t.Run("transfer from another wallet", func(t *testing.T) {
		hash := h.chain.Mine(inbound{ChainID: baseChain, Token: usdcBase, From: common.HexToAddress("0xbeef"), To: h.relayer, Amount: usdc("5")})
		_, err := h.coord.Start(ctx, h.owner(), BridgeStakeRequest{LoanID: loanID, FundingTxHash: hash})
		assert.ErrorIs(t, err, domain.ErrTransferUnverified)
	})

	t.Run("amount differs from the transfer", func(t *testing.T) {
		_, err := h.coord.Start(ctx, h.owner(), BridgeStakeRequest{LoanID: loanID, FundingTxHash: h.payRelayer(usdc("1")), Amount: usdc("5")})
		assert.ErrorIs(t, err, domain.ErrTransferUnverified)
	})

	_, err := h.coord.Status(ctx, loanID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Zero(t, h.bridge.Submitted())
	assert.Empty(t, h.chain.Transfers())
}

func TestBridgeStakeFundingUsedOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	first := h.fundedLoan(0)
	second := h.fundedLoan(1)
	t.Cleanup(func() {
		h.bridge.Set(domain.BridgeStateFailed)
		h.coord.Wait()
	})

	hash := h.payRelayer(usdc("5"))
	pos, err := h.coord.Start(ctx, h.owner(), BridgeStakeRequest{LoanID: first, FundingTxHash: hash})
	require.NoError(t, err)
	assert.Equal(t, usdc("5"), pos.StakedAmount, "amount defaults to the transfer")

	_, err = h.coord.Start(ctx, h.owner(), BridgeStakeRequest{LoanID: second, FundingTxHash: hash})
	assert.ErrorIs(t, err, domain.ErrTransferClaimed)

	// A transfer already spent on debt cannot fund a position either.
	h.deposit(usdc("1"), usdc("1"), "debt")
	repaid := h.payRelayer(usdc("1"))
	_, err = h.ledger.RepayDebt(ctx, h.owner(), h.acct, repaid, nil)
	require.NoError(t, err)
	_, err = h.coord.Start(ctx, h.owner(), BridgeStakeRequest{LoanID: second, FundingTxHash: repaid})
	assert.ErrorIs(t, err, domain.ErrTransferClaimed)

	assert.Equal(t, 1, h.bridge.Submitted())
}

func TestBridgeFailureRefundsOnSourceChain(t *testing.T) {
	h := newHarness(t)
	h.venue.final.GasCost = usdc("1")
	loanID := h.fundedLoan(0)

	h.startStake(loanID, usdc("5"))
	h.bridge.Set(domain.BridgeStateFailed)
	h.coord.Wait()

	pos, err := h.coord.Status(context.Background(), loanID)
	require.NoError(t, err)
	assert.Equal(t, domain.StakingFailed, pos.Status)
	assert.Equal(t, "relay reverted", pos.FailureReason)
	assert.Equal(t, usdc("1"), h.status().OutstandingDebt)
	assert.Equal(t, domain.TxFailed, recordsByType(t, h, loanID)[domain.TxBridge].Status)

	transfers := h.chain.Transfers()
	require.Len(t, transfers, 1)
	assert.Equal(t, transfer{ChainID: baseChain, Token: usdcBase, To: h.user, Amount: usdc("5")}, transfers[0])
	back := refunds(t, h, loanID)
	require.Len(t, back, 1)
	assert.Equal(t, domain.TxCompleted, back[0].Status)
	assert.Equal(t, baseChain, back[0].ChainID)

	// A failed position does not block a new attempt.
	h.bridge.Set(domain.BridgeStatePending)
	h.startStake(loanID, usdc("5"))
}

func TestBridgeSubmitFailure(t *testing.T) {
	h := newHarness(t)
	loanID := h.fundedLoan(0)
	h.bridge.failNext = fastRetry.Attempts

	_, err := h.coord.Start(context.Background(), h.owner(), BridgeStakeRequest{LoanID: loanID, FundingTxHash: h.payRelayer(usdc("5"))})
	require.ErrorIs(t, err, domain.ErrRetriesExhausted)

	pos, err := h.coord.Status(context.Background(), loanID)
	require.NoError(t, err)
	assert.Equal(t, domain.StakingFailed, pos.Status)
	assert.Equal(t, usdc("0.5"), h.status().OutstandingDebt)

	transfers := h.chain.Transfers()
	require.Len(t, transfers, 1)
	assert.Equal(t, baseChain, transfers[0].ChainID)
	assert.Equal(t, usdc("5"), transfers[0].Amount)
}

func TestStakeFailureAfterBridgeIsResumed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.venue.final.GasCost = usdc("1")
	loanID := h.fundedLoan(0)
	h.staker.FailStakes(errBackend)

	h.startStake(loanID, usdc("5"))
	h.bridge.Set(domain.BridgeStateCompleted)
	h.coord.Wait()

	pos, err := h.coord.Status(ctx, loanID)
	require.NoError(t, err)
	assert.Equal(t, domain.StakingBridged, pos.Status)
	assert.True(t, pos.Status.Active())
	assert.Equal(t, domain.TxCompleted, recordsByType(t, h, loanID)[domain.TxBridge].Status)
	assert.Equal(t, usdc("1"), h.status().OutstandingDebt, "no discount until staked")
	assert.Empty(t, h.chain.Transfers())

	h.staker.FailStakes(nil)
	n, err := h.coord.Resume(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	h.coord.Wait()

	pos, err = h.coord.Status(ctx, loanID)
	require.NoError(t, err)
	assert.Equal(t, domain.StakingStaked, pos.Status)
	assert.Equal(t, 1, h.staker.Stakes())
	assert.Equal(t, usdc("0.95"), h.status().OutstandingDebt)
}

func TestRejectedStakeRefundsOnDestinationChain(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.venue.final.GasCost = usdc("1")
	loanID := h.fundedLoan(0)
	h.staker.FailStakes(domain.Wrapf(domain.ErrValidation, "validator is not accepting stake"))

	h.startStake(loanID, usdc("5"))
	h.bridge.Set(domain.BridgeStateCompleted)
	h.coord.Wait()

	pos, err := h.coord.Status(ctx, loanID)
	require.NoError(t, err)
	assert.Equal(t, domain.StakingFailed, pos.Status)
	assert.Contains(t, pos.FailureReason, "stake failed")
	assert.Equal(t, usdc("1"), h.status().OutstandingDebt)

	transfers := h.chain.Transfers()
	require.Len(t, transfers, 1)
	assert.Equal(t, transfer{ChainID: arbChain, Token: usdcArb, To: h.user, Amount: usdc("5")}, transfers[0])
	back := refunds(t, h, loanID)
	require.Len(t, back, 1)
	assert.Equal(t, domain.TxCompleted, back[0].Status)
	assert.Equal(t, arbChain, back[0].ChainID)
	assert.Equal(t, usdc("5"), back[0].Amount)
}

func TestFailedRefundIsRetriedOnResume(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	loanID := h.fundedLoan(0)
	h.staker.FailStakes(domain.Wrapf(domain.ErrValidation, "validator is not accepting stake"))
	h.chain.failTransfers = fastRetry.Attempts

	h.startStake(loanID, usdc("5"))
	h.bridge.Set(domain.BridgeStateCompleted)
	h.coord.Wait()

	pos, err := h.coord.Status(ctx, loanID)
	require.NoError(t, err)
	assert.Equal(t, domain.StakingRefunding, pos.Status)
	back := refunds(t, h, loanID)
	require.Len(t, back, 1)
	assert.Equal(t, domain.TxFailed, back[0].Status)

	n, err := h.coord.Resume(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	h.coord.Wait()

	pos, err = h.coord.Status(ctx, loanID)
	require.NoError(t, err)
	assert.Equal(t, domain.StakingFailed, pos.Status)
	transfers := h.chain.Transfers()
	require.Len(t, transfers, 1)
	assert.Equal(t, arbChain, transfers[0].ChainID)
	assert.Len(t, refunds(t, h, loanID), 2)
}

func TestBridgeStakeRejectsSecondActivePosition(t *testing.T) {
	h := newHarness(t)
	loanID := h.fundedLoan(0)
	h.startStake(loanID, usdc("5"))

	hash := h.payRelayer(usdc("5"))
	_, err := h.coord.Start(context.Background(), h.owner(), BridgeStakeRequest{LoanID: loanID, FundingTxHash: hash})
	assert.ErrorIs(t, err, domain.ErrAlreadyExists)

	// The rejected transfer was not consumed.
	second := h.fundedLoan(1)
	_, err = h.coord.Start(context.Background(), h.owner(), BridgeStakeRequest{LoanID: second, FundingTxHash: hash})
	assert.NoError(t, err)
}

func TestBridgeStakeGuards(t *testing.T) {
	h := newHarness(t)
	loanID := h.fundedLoan(0)
	ctx := context.Background()
	funding := h.payRelayer(usdc("1"))

	t.Run("other wallet", func(t *testing.T) {
		other := domain.UserCaller(h.relayer)
		_, err := h.coord.Start(ctx, other, BridgeStakeRequest{LoanID: loanID, FundingTxHash: funding})
		assert.ErrorIs(t, err, domain.ErrUnauthorized)
	})

	t.Run("same chain", func(t *testing.T) {
		_, err := h.coord.Start(ctx, h.owner(), BridgeStakeRequest{LoanID: loanID, FundingTxHash: funding, DestChainID: baseChain})
		assert.ErrorIs(t, err, domain.ErrValidation)
	})

	t.Run("destination without settlement token", func(t *testing.T) {
		_, err := h.coord.Start(ctx, h.owner(), BridgeStakeRequest{LoanID: loanID, FundingTxHash: funding, DestChainID: 10})
		assert.ErrorIs(t, err, domain.ErrValidation)
	})

	t.Run("zero amount", func(t *testing.T) {
		_, err := h.coord.Start(ctx, h.owner(), BridgeStakeRequest{LoanID: loanID, FundingTxHash: funding, Amount: big.NewInt(0)})
		assert.ErrorIs(t, err, domain.ErrValidation)
	})

	t.Run("unknown loan", func(t *testing.T) {
		_, err := h.coord.Start(ctx, h.owner(), BridgeStakeRequest{LoanID: "nope", FundingTxHash: funding})
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("loan not funded", func(t *testing.T) {
		pending := domain.Loan{
			ID:          "pending-loan",
			Account:     h.acct,
			SourceToken: permitTok,
			PermitNonce: big.NewInt(99),
			Status:      domain.LoanPending,
			CreatedAt:   h.clock.Now(),
		}
		require.NoError(t, h.db.Loans().Create(ctx, pending))
		_, err := h.coord.Start(ctx, h.owner(), BridgeStakeRequest{LoanID: pending.ID, FundingTxHash: funding})
		assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	})

	_, err := h.coord.Status(ctx, loanID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestBridgeStakeResume(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	submitted := h.fundedLoan(0)
	orphan := h.fundedLoan(1)
	t.Cleanup(func() {
		h.bridge.Set(domain.BridgeStateFailed)
		h.coord.Wait()
	})

	for _, pos := range []domain.StakingPosition{
		{ID: "pos-submitted", LoanID: submitted, BridgeID: "bridge-77"},
		{ID: "pos-orphan", LoanID: orphan},
	} {
		pos.Account = h.acct
		pos.DestChainID = arbChain
		pos.Validator = "validator-1"
		pos.StakedAmount = usdc("2")
		pos.Status = domain.StakingPending
		pos.CreatedAt = h.clock.Now()
		require.NoError(t, h.db.Staking().Create(ctx, pos))
	}

	n, err := h.coord.Resume(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// A submission that was never recorded is paid back where it was funded.
	got, err := h.db.Staking().GetByID(ctx, "pos-orphan")
	require.NoError(t, err)
	assert.Equal(t, domain.StakingFailed, got.Status)
	transfers := h.chain.Transfers()
	require.Len(t, transfers, 1)
	assert.Equal(t, baseChain, transfers[0].ChainID)
	assert.Equal(t, usdc("2"), transfers[0].Amount)

	h.bridge.Set(domain.BridgeStateCompleted)
	h.coord.Wait()

	got, err = h.db.Staking().GetByID(ctx, "pos-submitted")
	require.NoError(t, err)
	assert.Equal(t, domain.StakingStaked, got.Status)
	// The discount applies to the account's whole outstanding debt of 1.0.
	assert.Equal(t, usdc("0.95"), h.status().OutstandingDebt)
}

func TestResumeAppliesMissingDiscount(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.venue.final.GasCost = usdc("1")
	loanID := h.fundedLoan(0)

	staked := h.clock.Now()
	require.NoError(t, h.db.Staking().Create(ctx, domain.StakingPosition{
		ID:             "pos-staked",
		LoanID:         loanID,
		Account:        h.acct,
		DestChainID:    arbChain,
		Validator:      "validator-1",
		StakedAmount:   usdc("5"),
		RewardsAccrued: new(big.Int),
		BridgeID:       "bridge-9",
		StakeRef:       "stake-9",
		Status:         domain.StakingStaked,
		StakedAt:       &staked,
		CreatedAt:      staked,
	}))

	n, err := h.coord.Resume(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, usdc("0.95"), h.status().OutstandingDebt)
	loan, err := h.db.Loans().GetByID(ctx, loanID)
	require.NoError(t, err)
	assert.True(t, loan.DiscountApplied)

	n, err = h.coord.Resume(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, usdc("0.95"), h.status().OutstandingDebt)
}

func TestResumeLeavesInFlightSubmissionAlone(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	loanID := h.fundedLoan(0)

	require.NoError(t, h.db.Staking().Create(ctx, domain.StakingPosition{
		ID:                  "pos-inflight",
		LoanID:              loanID,
		Account:             h.acct,
		DestChainID:         arbChain,
		Validator:           "validator-1",
		StakedAmount:        usdc("2"),
		Status:              domain.StakingPending,
		CreatedAt:           h.clock.Now(),
		LastUpdateTimestamp: h.clock.Now(),
	}))

	n, err := h.coord.Resume(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Empty(t, h.chain.Transfers())

	h.clock.Advance(orphanAfter)
	n, err = h.coord.Resume(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, h.chain.Transfers(), 1)
}

func TestRefundIsPaidOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	loanID := h.fundedLoan(0)

	require.NoError(t, h.db.Staking().Create(ctx, domain.StakingPosition{
		ID:            "pos-refunding",
		LoanID:        loanID,
		Account:       h.acct,
		DestChainID:   arbChain,
		Validator:     "validator-1",
		StakedAmount:  usdc("3"),
		Status:        domain.StakingRefunding,
		FailureReason: "bridge provider reported failure",
		CreatedAt:     h.clock.Now(),
	}))
	// Paid by an earlier pass that crashed before marking the position.
	require.NoError(t, h.db.Transactions().Create(ctx, domain.TransactionRecord{
		ID:        "refund-1",
		LoanID:    loanID,
		Account:   h.acct,
		Type:      domain.TxWithdraw,
		Status:    domain.TxCompleted,
		Amount:    usdc("3"),
		ChainID:   baseChain,
		TxHash:    "0xpaid",
		Detail:    map[string]any{"position_id": "pos-refunding", "refund": true},
		CreatedAt: h.clock.Now(),
		UpdatedAt: h.clock.Now(),
	}))

	_, err := h.coord.Resume(ctx)
	require.NoError(t, err)
	h.coord.Wait()

	assert.Empty(t, h.chain.Transfers())
	assert.Len(t, refunds(t, h, loanID), 1)
	got, err := h.db.Staking().GetByID(ctx, "pos-refunding")
	require.NoError(t, err)
	assert.Equal(t, domain.StakingFailed, got.Status)
}
