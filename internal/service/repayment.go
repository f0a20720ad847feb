package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/gasrelay/internal/domain"
)

// RepaymentResult is returned by RepaymentService.Process.
type RepaymentResult struct {
	NewOutstandingDebt *big.Int
	RemainingBalance   *big.Int
}

// RepaymentService applies bridged funds to a wallet's debt and remembers
// what was left over.
type RepaymentService struct {
	ledger     *EscrowLedger
	repayments domain.RepaymentStore
	now        func() time.Time
	logger     *slog.Logger
}

// NewRepaymentService creates a RepaymentService.
func NewRepaymentService(ledger *EscrowLedger, repayments domain.RepaymentStore, logger *slog.Logger) *RepaymentService {
	return &RepaymentService{
		ledger:     ledger,
		repayments: repayments,
		now:        func() time.Time { return time.Now().UTC() },
		logger:     logger.With(slog.String("component", "repayment")),
	}
}

// WithClock overrides the time source.
func (s *RepaymentService) WithClock(now func() time.Time) *RepaymentService {
	s.now = now
	return s
}

// Process repays the wallet's debt from the bridged funds it sent to the
// relayer in txHash. bridgedAmount caps the amount used and defaults to the
// whole transfer. The part not needed for the debt becomes the wallet's
// unlocked balance. Repeating a processed transfer returns the same result
// without a second Repayment row.
func (s *RepaymentService) Process(ctx context.Context, caller domain.Caller, wallet domain.AccountRef, txHash common.Hash, bridgedAmount *big.Int) (RepaymentResult, error) {
	res, err := s.ledger.RepayDebt(ctx, caller, wallet, txHash, bridgedAmount)
	if err != nil {
		return RepaymentResult{}, err
	}
	if res.Replayed {
		return RepaymentResult{NewOutstandingDebt: res.OutstandingDebt, RemainingBalance: res.Unapplied}, nil
	}
	amount := new(big.Int).Add(res.Applied, res.Unapplied)

	row, err := s.repayments.Create(ctx, domain.Repayment{
		Account:            wallet,
		TxHash:             txHash.Hex(),
		Amount:             amount,
		Applied:            res.Applied,
		NewOutstandingDebt: res.OutstandingDebt,
		RemainingBalance:   res.Unapplied,
		CreatedAt:          s.now(),
	})
	if err != nil {
		// The ledger already moved; the row is bookkeeping only.
		s.logger.ErrorContext(ctx, "record repayment failed",
			slog.String("account", wallet.String()),
			slog.String("applied", res.Applied.String()),
			slog.String("error", err.Error()),
		)
	} else {
		s.logger.InfoContext(ctx, "repayment processed",
			slog.Int64("repayment_id", row.ID),
			slog.String("account", wallet.String()),
			slog.String("new_outstanding_debt", res.OutstandingDebt.String()),
			slog.String("remaining_balance", res.Unapplied.String()),
		)
	}

	return RepaymentResult{
		NewOutstandingDebt: res.OutstandingDebt,
		RemainingBalance:   res.Unapplied,
	}, nil
}

// UnlockedBalance returns the remaining balance of the wallet's most recent
// repayment, or zero when it has none.
func (s *RepaymentService) UnlockedBalance(ctx context.Context, wallet domain.AccountRef) (*big.Int, error) {
	latest, err := s.repayments.Latest(ctx, wallet)
	if errors.Is(err, domain.ErrNotFound) {
		return new(big.Int), nil
	}
	if err != nil {
		return nil, fmt.Errorf("repayment: latest for %s: %w", wallet, err)
	}
	return orZero(latest.RemainingBalance), nil
}
