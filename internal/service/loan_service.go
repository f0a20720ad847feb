package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/gasrelay/internal/domain"
	"github.com/alanyoungcy/gasrelay/internal/metrics"
)

// LoanView is a loan with its transaction trail and staking position.
type LoanView struct {
	Loan         domain.Loan
	Transactions []domain.TransactionRecord
	Position     *domain.StakingPosition
}

// LoanService serves loan reads and the withdrawal that closes funded loans.
type LoanService struct {
	loans     domain.LoanStore
	txs       domain.TransactionStore
	positions domain.StakingStore
	ledger    *EscrowLedger
	bus       domain.SignalBus
	now       func() time.Time
	logger    *slog.Logger
}

// NewLoanService creates a LoanService.
func NewLoanService(
	loans domain.LoanStore,
	txs domain.TransactionStore,
	positions domain.StakingStore,
	ledger *EscrowLedger,
	bus domain.SignalBus,
	logger *slog.Logger,
) *LoanService {
	return &LoanService{
		loans:     loans,
		txs:       txs,
		positions: positions,
		ledger:    ledger,
		bus:       bus,
		now:       func() time.Time { return time.Now().UTC() },
		logger:    logger.With(slog.String("component", "loan_service")),
	}
}

// Get returns a loan with its records and latest staking position.
func (s *LoanService) Get(ctx context.Context, id string) (LoanView, error) {
	loan, err := s.loans.GetByID(ctx, id)
	if err != nil {
		return LoanView{}, fmt.Errorf("loan_service: get loan %s: %w", id, err)
	}
	txs, err := s.txs.ListByLoan(ctx, id)
	if err != nil {
		return LoanView{}, fmt.Errorf("loan_service: list records: %w", err)
	}
	view := LoanView{Loan: loan, Transactions: txs}
	pos, err := s.positions.GetByLoan(ctx, id)
	switch {
	case err == nil:
		view.Position = &pos
	case !errors.Is(err, domain.ErrNotFound):
		return LoanView{}, fmt.Errorf("loan_service: get position: %w", err)
	}
	return view, nil
}

// List returns an account's loans, newest first.
func (s *LoanService) List(ctx context.Context, acct domain.AccountRef, opts domain.ListOpts) ([]domain.Loan, error) {
	if opts.Limit <= 0 || opts.Limit > 200 {
		opts.Limit = 50
	}
	loans, err := s.loans.ListByAccount(ctx, acct, opts)
	if err != nil {
		return nil, fmt.Errorf("loan_service: list loans: %w", err)
	}
	return loans, nil
}

// Withdraw releases the account's escrow and completes every funded loan
// that has no active staking position.
func (s *LoanService) Withdraw(ctx context.Context, caller domain.Caller, acct domain.AccountRef) (WithdrawResult, error) {
	res, err := s.ledger.Withdraw(ctx, caller, acct)
	if err != nil {
		return WithdrawResult{}, err
	}
	ctx = context.WithoutCancel(ctx)

	funded, err := s.loans.ListByAccount(ctx, acct, domain.ListOpts{})
	if err != nil {
		s.logger.WarnContext(ctx, "list loans after withdraw failed", slog.String("account", acct.String()), slog.String("error", err.Error()))
		return res, nil
	}
	now := s.now()
	for _, loan := range funded {
		if loan.Status != domain.LoanProcessing || loan.AmountOwed == nil {
			continue
		}
		if pos, err := s.positions.GetByLoan(ctx, loan.ID); err == nil && pos.Status.Active() {
			continue
		}
		loan.Status = domain.LoanCompleted
		loan.CompletedAt = &now
		loan.UpdatedAt = now
		if err := s.loans.Update(ctx, loan); err != nil {
			s.logger.WarnContext(ctx, "complete loan failed", slog.String("loan_id", loan.ID), slog.String("error", err.Error()))
			continue
		}
		metrics.Loans.WithLabelValues(string(domain.LoanCompleted)).Inc()
		publishEvent(ctx, s.bus, s.logger, domain.Event{Type: domain.EventLoanCompleted, LoanID: loan.ID, Account: acct.String()})
	}
	return res, nil
}
