package service

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/gasrelay/internal/domain"
	"github.com/alanyoungcy/gasrelay/internal/store/memory"
)

func (h *harness) swapRequest(nonce int64) SwapRequest {
	p, sig := h.signedPermit(nonce, big.NewInt(12_000_000))
	return SwapRequest{Permit: p, Signature: sig, Amount: big.NewInt(12_000_000), FromToken: permitTok}
}

func (h *harness) loansOf() []domain.Loan {
	h.t.Helper()
	loans, err := h.db.Loans().ListByAccount(context.Background(), h.acct, domain.ListOpts{})
	require.NoError(h.t, err)
	return loans
}

func recordsByType(t *testing.T, h *harness, loanID string) map[domain.TxType]domain.TransactionRecord {
	t.Helper()
	recs, err := h.db.Transactions().ListByLoan(context.Background(), loanID)
	require.NoError(t, err)
	out := make(map[domain.TxType]domain.TransactionRecord, len(recs))
	for _, r := range recs {
		out[r.Type] = r
	}
	return out
}

func TestExecuteSwapFundsLoan(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events, err := h.bus.Subscribe(ctx, domain.ChannelLoans)
	require.NoError(t, err)

	res, err := h.swaps.ExecuteSwap(context.Background(), h.swapRequest(0))
	require.NoError(t, err)

	assert.Equal(t, domain.LoanProcessing, res.Status)
	assert.Equal(t, usdc("10"), res.Proceeds)
	assert.Equal(t, usdc("0.5"), res.AmountOwed)
	assert.NotEmpty(t, res.TxHash)
	assert.Equal(t, 1, h.venue.Executed())

	st := h.status()
	assert.Equal(t, usdc("10"), st.EscrowedAmount)
	assert.Equal(t, usdc("0.5"), st.OutstandingDebt)

	loan, err := h.db.Loans().GetByID(context.Background(), res.LoanID)
	require.NoError(t, err)
	assert.Equal(t, usdc("0.5"), loan.AmountOwed)
	assert.Equal(t, usdc("0.5"), loan.GasCost)
	assert.Equal(t, int64(0), loan.ServiceFee.Int64())
	assert.Equal(t, res.TxHash, loan.SettlementTxHash)

	recs := recordsByType(t, h, res.LoanID)
	assert.Equal(t, domain.TxCompleted, recs[domain.TxSwap].Status)
	assert.Equal(t, domain.TxCompleted, recs[domain.TxDeposit].Status)

	var types []domain.EventType
	for len(types) < 2 {
		select {
		case raw := <-events:
			var evt domain.Event
			require.NoError(t, json.Unmarshal(raw, &evt))
			types = append(types, evt.Type)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for loan events")
		}
	}
	assert.Equal(t, []domain.EventType{domain.EventLoanCreated, domain.EventLoanFunded}, types)
}

func TestExecuteSwapChargesServiceFee(t *testing.T) {
	h := newHarness(t)
	h.swaps.cfg.ServiceFeeBps = 100

	res, err := h.swaps.ExecuteSwap(context.Background(), h.swapRequest(0))
	require.NoError(t, err)
	assert.Equal(t, usdc("0.6"), res.AmountOwed)
	assert.Equal(t, usdc("0.6"), h.status().OutstandingDebt)
}

func TestExecuteSwapRejectsReplay(t *testing.T) {
	h := newHarness(t)
	req := h.swapRequest(0)

	_, err := h.swaps.ExecuteSwap(context.Background(), req)
	require.NoError(t, err)

	res, err := h.swaps.ExecuteSwap(context.Background(), req)
	assert.ErrorIs(t, err, domain.ErrPermitReused)
	assert.Empty(t, res.LoanID)
	assert.Len(t, h.loansOf(), 1)
	assert.Equal(t, 1, h.venue.Executed())
	assert.Equal(t, usdc("10"), h.status().EscrowedAmount)
}

func TestExecuteSwapConcurrentSameNonce(t *testing.T) {
	h := newHarness(t)
	req := h.swapRequest(3)

	const n = 8
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		ok       int
		replayed int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.swaps.ExecuteSwap(context.Background(), req)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, domain.ErrPermitReused):
				replayed++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, ok)
	assert.Equal(t, n-1, replayed)
	assert.Len(t, h.loansOf(), 1)
	assert.Equal(t, usdc("10"), h.status().EscrowedAmount)
}

func TestExecuteSwapSlippageFailsLoan(t *testing.T) {
	h := newHarness(t)
	// 1% tolerance on a 10 USDC quote allows 9.9.
	h.venue.final.AmountOut = usdc("9.8")

	res, err := h.swaps.ExecuteSwap(context.Background(), h.swapRequest(0))
	require.ErrorIs(t, err, domain.ErrSlippageExceeded)
	assert.Equal(t, domain.LoanFailed, res.Status)
	assert.NotEmpty(t, res.FailureReason)

	loan, err := h.db.Loans().GetByID(context.Background(), res.LoanID)
	require.NoError(t, err)
	assert.Equal(t, domain.LoanFailed, loan.Status)
	assert.Equal(t, domain.TxFailed, recordsByType(t, h, res.LoanID)[domain.TxSwap].Status)

	st := h.status()
	assert.Equal(t, int64(0), st.EscrowedAmount.Int64())
	assert.Equal(t, int64(0), st.OutstandingDebt.Int64())
}

func TestExecuteSwapVenueFailures(t *testing.T) {
	t.Run("execute rejected", func(t *testing.T) {
		h := newHarness(t)
		h.venue.failExecute = true

		res, err := h.swaps.ExecuteSwap(context.Background(), h.swapRequest(0))
		require.Error(t, err)
		assert.Equal(t, domain.KindExternalService, domain.KindOf(err))
		assert.Equal(t, domain.LoanFailed, res.Status)
		assert.Equal(t, int64(0), h.status().EscrowedAmount.Int64())
	})

	t.Run("venue reports failure", func(t *testing.T) {
		h := newHarness(t)
		h.venue.final = domain.SwapStatus{State: domain.SwapStateFailed, Reason: "reverted"}

		res, err := h.swaps.ExecuteSwap(context.Background(), h.swapRequest(0))
		require.ErrorIs(t, err, domain.ErrExternalService)
		assert.Contains(t, res.FailureReason, "reverted")
		assert.Equal(t, int64(0), h.status().EscrowedAmount.Int64())
	})

	t.Run("quote retried", func(t *testing.T) {
		h := newHarness(t)
		h.venue.failQuotes = fastRetry.Attempts - 1
		h.venue.pendingPolls = 2

		_, err := h.swaps.ExecuteSwap(context.Background(), h.swapRequest(0))
		require.NoError(t, err)
		assert.Equal(t, usdc("10"), h.status().EscrowedAmount)
	})

	t.Run("quote exhausted", func(t *testing.T) {
		h := newHarness(t)
		h.venue.failQuotes = fastRetry.Attempts

		res, err := h.swaps.ExecuteSwap(context.Background(), h.swapRequest(0))
		require.ErrorIs(t, err, domain.ErrRetriesExhausted)
		assert.Equal(t, domain.LoanFailed, res.Status)
		assert.Equal(t, 0, h.venue.Executed())
	})
}

func TestExecuteSwapCancelledBeforeSubmission(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := h.swaps.ExecuteSwap(ctx, h.swapRequest(0))
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, domain.LoanFailed, res.Status)
	assert.Equal(t, 0, h.venue.Executed())
	assert.Equal(t, int64(0), h.status().EscrowedAmount.Int64())
}

func TestExecuteSwapRejectsBlacklistedAccount(t *testing.T) {
	h := newHarness(t)
	h.deposit(usdc("1"), usdc("0.5"), "old")
	h.clock.Advance(31 * 24 * time.Hour)
	_, err := h.ledger.SweepOverdue(context.Background(), 10)
	require.NoError(t, err)

	_, err = h.swaps.ExecuteSwap(context.Background(), h.swapRequest(0))
	assert.ErrorIs(t, err, domain.ErrBlacklisted)
	assert.Empty(t, h.loansOf())
}

func TestExecuteSwapValidation(t *testing.T) {
	h := newHarness(t)

	t.Run("amount above permit value", func(t *testing.T) {
		req := h.swapRequest(0)
		req.Amount = big.NewInt(12_000_001)
		_, err := h.swaps.ExecuteSwap(context.Background(), req)
		assert.ErrorIs(t, err, domain.ErrValidation)
	})

	t.Run("wrong spender", func(t *testing.T) {
		p, sig := h.signedPermit(0, big.NewInt(12_000_000))
		p.Spender = common.HexToAddress("0xbeef")
		_, err := h.swaps.ExecuteSwap(context.Background(), SwapRequest{Permit: p, Signature: sig, Amount: p.Value})
		assert.ErrorIs(t, err, domain.ErrValidation)
	})

	t.Run("unsupported chain", func(t *testing.T) {
		req := h.swapRequest(0)
		req.Permit.ChainID = 1
		_, err := h.swaps.ExecuteSwap(context.Background(), req)
		assert.ErrorIs(t, err, domain.ErrValidation)
	})

	t.Run("bad signature", func(t *testing.T) {
		req := h.swapRequest(0)
		req.Signature = make([]byte, 65)
		_, err := h.swaps.ExecuteSwap(context.Background(), req)
		assert.ErrorIs(t, err, domain.ErrInvalidSignature)
	})

	assert.Empty(t, h.loansOf())
	assert.Equal(t, 0, h.venue.Executed())
}

func TestExecuteSwapRateLimited(t *testing.T) {
	h := newHarness(t)
	h.swaps.cfg.RateLimit = 1
	h.swaps.cfg.RateWindow = time.Minute
	h.swaps.WithRateLimiter(memory.NewRateLimiter(1, time.Minute))

	_, err := h.swaps.ExecuteSwap(context.Background(), h.swapRequest(0))
	require.NoError(t, err)
	_, err = h.swaps.ExecuteSwap(context.Background(), h.swapRequest(1))
	assert.ErrorIs(t, err, domain.ErrRateLimited)
	assert.Len(t, h.loansOf(), 1)
}

func TestMinAmountOut(t *testing.T) {
	assert.Equal(t, big.NewInt(9_900), minAmountOut(big.NewInt(10_000), 100))
	assert.Equal(t, big.NewInt(10_000), minAmountOut(big.NewInt(10_000), 0))
	assert.Equal(t, big.NewInt(0), minAmountOut(big.NewInt(10_000), 20_000))
	assert.Equal(t, big.NewInt(0), minAmountOut(nil, 100))
}
