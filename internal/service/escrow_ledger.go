package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/gasrelay/internal/domain"
	"github.com/alanyoungcy/gasrelay/internal/executor"
	"github.com/alanyoungcy/gasrelay/internal/metrics"
)

// LedgerConfig configures EscrowLedger.
type LedgerConfig struct {
	// RepaymentWindow is how long a fresh debt may stay outstanding.
	RepaymentWindow time.Duration
	// LockTTL bounds the cross-instance account lock.
	LockTTL time.Duration
	// SettlementTokens maps chain id to the escrowed stablecoin.
	SettlementTokens map[int64]common.Address
	// Transfer is the retry policy for payout transfers.
	Transfer executor.Backoff
	// Relayer receives wallet repayments and stake funding.
	Relayer common.Address
}

// RepayResult is the outcome of a debt repayment.
type RepayResult struct {
	Applied         *big.Int
	Unapplied       *big.Int
	OutstandingDebt *big.Int
	EscrowedAmount  *big.Int
	Penalized       bool
	// Replayed is set when the repayment was already applied and nothing changed.
	Replayed bool
}

// WithdrawResult is the outcome of an escrow withdrawal.
type WithdrawResult struct {
	Amount *big.Int
	TxHash string
}

// DiscountResult reports the debt before and after a staking discount.
type DiscountResult struct {
	DebtBefore *big.Int
	DebtAfter  *big.Int
	Applied    bool
}

// EscrowLedger owns escrow balances, outstanding debt and reputation. Every
// mutation runs on the account's single writer (AccountQueue), optionally
// under a cross-instance lock, and is persisted as one LedgerCommit.
type EscrowLedger struct {
	escrow   domain.EscrowStore
	accounts domain.AccountStore
	txs      domain.TransactionStore
	chain    domain.ChainClient
	guard    *ReputationGuard
	queue    *executor.AccountQueue
	locks    domain.LockManager
	bus      domain.SignalBus
	audit    domain.AuditStore
	cfg      LedgerConfig
	now      func() time.Time
	logger   *slog.Logger
}

// NewEscrowLedger creates an EscrowLedger.
func NewEscrowLedger(
	escrow domain.EscrowStore,
	accounts domain.AccountStore,
	txs domain.TransactionStore,
	chain domain.ChainClient,
	guard *ReputationGuard,
	queue *executor.AccountQueue,
	cfg LedgerConfig,
	logger *slog.Logger,
) *EscrowLedger {
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 30 * time.Second
	}
	return &EscrowLedger{
		escrow:   escrow,
		accounts: accounts,
		txs:      txs,
		chain:    chain,
		guard:    guard,
		queue:    queue,
		cfg:      cfg,
		now:      func() time.Time { return time.Now().UTC() },
		logger:   logger.With(slog.String("component", "escrow_ledger")),
	}
}

// WithLocks adds a distributed lock around every mutation, for deployments
// that run more than one API instance.
func (l *EscrowLedger) WithLocks(locks domain.LockManager) *EscrowLedger {
	l.locks = locks
	return l
}

// WithEvents attaches the signal bus and audit log.
func (l *EscrowLedger) WithEvents(bus domain.SignalBus, audit domain.AuditStore) *EscrowLedger {
	l.bus = bus
	l.audit = audit
	return l
}

// WithClock overrides the time source.
func (l *EscrowLedger) WithClock(now func() time.Time) *EscrowLedger {
	l.now = now
	return l
}

// ---------------------------------------------------------------------------
// mutations
// ---------------------------------------------------------------------------

// Deposit credits swap proceeds to escrow and books the loan's debt. Only the
// relayer may deposit, and each swapRef is accepted once.
func (l *EscrowLedger) Deposit(ctx context.Context, caller domain.Caller, acct domain.AccountRef, amount, gasDebt *big.Int, swapRef string) (domain.EscrowAccount, error) {
	if !caller.IsRelayer() {
		return domain.EscrowAccount{}, domain.Wrapf(domain.ErrUnauthorized, "deposit requires the relayer")
	}
	if err := requireNonNegative("amount", amount); err != nil {
		return domain.EscrowAccount{}, err
	}
	if err := requireNonNegative("gas debt", gasDebt); err != nil {
		return domain.EscrowAccount{}, err
	}
	if swapRef == "" {
		return domain.EscrowAccount{}, domain.Wrapf(domain.ErrValidation, "swap reference is required")
	}

	var out domain.EscrowAccount
	err := l.serialize(ctx, acct, func(ctx context.Context) error {
		if _, err := l.escrow.FindEntry(ctx, domain.EntryDeposit, swapRef); err == nil {
			return domain.Wrapf(domain.ErrDuplicateDeposit, "deposit %s already recorded", swapRef)
		} else if !errors.Is(err, domain.ErrNotFound) {
			return fmt.Errorf("escrow_ledger: find deposit: %w", err)
		}

		tx, err := l.begin(ctx, acct)
		if err != nil {
			return err
		}
		hadDebt := tx.escrow.OutstandingDebt.Sign() > 0
		tx.apply(domain.EntryDeposit, swapRef, amount, func(e *domain.EscrowAccount) {
			e.EscrowedAmount.Add(e.EscrowedAmount, amount)
			e.OutstandingDebt.Add(e.OutstandingDebt, gasDebt)
		})
		if !hadDebt && gasDebt.Sign() > 0 {
			due := tx.now.Add(l.cfg.RepaymentWindow)
			tx.escrow.DebtDueAt = &due
		}
		if err := l.commit(ctx, tx); err != nil {
			if errors.Is(err, domain.ErrAlreadyExists) {
				return domain.Wrapf(domain.ErrDuplicateDeposit, "deposit %s already recorded", swapRef)
			}
			return err
		}
		out = tx.escrow.Clone()
		return nil
	})
	metrics.LedgerMutations.WithLabelValues(string(domain.EntryDeposit), metrics.Outcome(err)).Inc()
	if err != nil {
		return domain.EscrowAccount{}, err
	}

	l.logger.InfoContext(ctx, "deposit recorded",
		slog.String("account", acct.String()),
		slog.String("amount", amount.String()),
		slog.String("debt", gasDebt.String()),
		slog.String("swap_ref", swapRef),
	)
	return out, nil
}

// RepayDebt applies the wallet's transfer txHash to its debt. The transfer
// must move the settlement token from the account to the relayer. amount
// caps how much of it counts and defaults to the whole transfer. Escrow is
// untouched; the part of amount above the debt is reported as Unapplied.
// A transfer is applied once; repeating the call returns the first result.
func (l *EscrowLedger) RepayDebt(ctx context.Context, caller domain.Caller, acct domain.AccountRef, txHash common.Hash, amount *big.Int) (RepayResult, error) {
	if !caller.Owns(acct) {
		return RepayResult{}, domain.Wrapf(domain.ErrUnauthorized, "only the account owner may repay")
	}
	if amount != nil {
		if err := requirePositive("amount", amount); err != nil {
			return RepayResult{}, err
		}
	}
	verified, err := l.VerifyInbound(ctx, acct, txHash)
	if err != nil {
		return RepayResult{}, err
	}
	if amount == nil {
		amount = verified
	} else if amount.Cmp(verified) > 0 {
		return RepayResult{}, domain.Wrapf(domain.ErrTransferUnverified,
			"transfer %s moved %s, less than %s", txHash.Hex(), verified, amount)
	}
	return l.repay(ctx, acct, amount, transferRef(acct.ChainID, txHash), txHash.Hex())
}

// RepayFromRewards repays debt out of staking rewards on behalf of the
// account. It is relayer-only and idempotent on positionRef.
func (l *EscrowLedger) RepayFromRewards(ctx context.Context, caller domain.Caller, acct domain.AccountRef, amount *big.Int, positionRef string) (RepayResult, error) {
	if !caller.IsRelayer() {
		return RepayResult{}, domain.Wrapf(domain.ErrUnauthorized, "reward repayment requires the relayer")
	}
	if err := requireNonNegative("amount", amount); err != nil {
		return RepayResult{}, err
	}
	if positionRef == "" {
		return RepayResult{}, domain.Wrapf(domain.ErrValidation, "position reference is required")
	}
	return l.repay(ctx, acct, amount, "rewards:"+positionRef, "")
}

// ClaimStakeFunding verifies that txHash moved settlement tokens from the
// account to the relayer and reserves the transfer as bridge-and-stake
// principal for loanID. It returns the verified amount. A transfer already
// used for a repayment or another position fails with ErrTransferClaimed.
// want, when set, must equal the transferred amount.
func (l *EscrowLedger) ClaimStakeFunding(ctx context.Context, acct domain.AccountRef, txHash common.Hash, want *big.Int, loanID string) (*big.Int, error) {
	verified, err := l.VerifyInbound(ctx, acct, txHash)
	if err != nil {
		return nil, err
	}
	if want != nil && want.Cmp(verified) != 0 {
		return nil, domain.Wrapf(domain.ErrTransferUnverified, "transfer %s moved %s, not %s", txHash.Hex(), verified, want)
	}
	ref := transferRef(acct.ChainID, txHash)
	err = l.serialize(ctx, acct, func(ctx context.Context) error {
		if err := l.ensureUnclaimed(ctx, ref); err != nil {
			return err
		}
		tx, err := l.begin(ctx, acct)
		if err != nil {
			return err
		}
		tx.apply(domain.EntryStakeFunding, ref, verified, nil)
		if err := l.commit(ctx, tx); err != nil {
			if errors.Is(err, domain.ErrAlreadyExists) {
				return domain.Wrapf(domain.ErrTransferClaimed, "transfer %s is already applied", txHash.Hex())
			}
			return err
		}
		return nil
	})
	metrics.LedgerMutations.WithLabelValues(string(domain.EntryStakeFunding), metrics.Outcome(err)).Inc()
	if err != nil {
		return nil, err
	}
	l.logger.InfoContext(ctx, "stake funding claimed",
		slog.String("account", acct.String()),
		slog.String("loan_id", loanID),
		slog.String("amount", verified.String()),
		slog.String("tx_hash", txHash.Hex()),
	)
	return verified, nil
}

// VerifyInbound returns how much settlement token txHash moved from the
// account to the relayer.
func (l *EscrowLedger) VerifyInbound(ctx context.Context, acct domain.AccountRef, txHash common.Hash) (*big.Int, error) {
	if txHash == (common.Hash{}) {
		return nil, domain.Wrapf(domain.ErrValidation, "transfer tx hash is required")
	}
	token, ok := l.cfg.SettlementTokens[acct.ChainID]
	if !ok {
		return nil, domain.Wrapf(domain.ErrValidation, "chain %d has no settlement token", acct.ChainID)
	}
	got, err := l.chain.VerifyTransfer(ctx, acct.ChainID, txHash, token, acct.Address, l.cfg.Relayer)
	if err != nil {
		return nil, fmt.Errorf("escrow_ledger: verify transfer %s: %w", txHash.Hex(), err)
	}
	return got, nil
}

// ensureUnclaimed fails when ref already funded a repayment or a position.
func (l *EscrowLedger) ensureUnclaimed(ctx context.Context, ref string) error {
	for _, kind := range []domain.LedgerEntryKind{domain.EntryRepay, domain.EntryStakeFunding} {
		_, err := l.escrow.FindEntry(ctx, kind, ref)
		if err == nil {
			return domain.Wrapf(domain.ErrTransferClaimed, "transfer %s is already applied", ref)
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return fmt.Errorf("escrow_ledger: find %s entry: %w", kind, err)
		}
	}
	return nil
}

// transferRef is the ledger reference of an inbound transfer. Repayments and
// stake funding share it.
func transferRef(chainID int64, txHash common.Hash) string {
	return "transfer:" + strconv.FormatInt(chainID, 10) + ":" + txHash.Hex()
}

// repay applies amount to the debt under ref. txHash is the wallet's transfer
// and is empty for reward repayments.
func (l *EscrowLedger) repay(ctx context.Context, acct domain.AccountRef, amount *big.Int, ref, txHash string) (RepayResult, error) {
	var (
		out     RepayResult
		cleared bool
	)
	err := l.serialize(ctx, acct, func(ctx context.Context) error {
		prev, err := l.escrow.FindEntry(ctx, domain.EntryRepay, ref)
		if err == nil {
			out = RepayResult{
				Applied:         prev.Amount,
				Unapplied:       new(big.Int).Sub(amount, prev.Amount),
				OutstandingDebt: prev.DebtAfter,
				EscrowedAmount:  prev.EscrowAfter,
			}
			if out.Unapplied.Sign() < 0 {
				out.Unapplied.SetInt64(0)
			}
			out.Replayed = true
			return nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return fmt.Errorf("escrow_ledger: find repayment: %w", err)
		}
		if txHash != "" {
			if err := l.ensureUnclaimed(ctx, ref); err != nil {
				return err
			}
		}

		tx, err := l.begin(ctx, acct)
		if err != nil {
			return err
		}
		overdue := tx.overdue()
		applied := domain.MinBig(amount, tx.escrow.OutstandingDebt)

		tx.apply(domain.EntryRepay, ref, applied, func(e *domain.EscrowAccount) {
			e.OutstandingDebt.Sub(e.OutstandingDebt, applied)
		})
		if applied.Sign() > 0 && tx.escrow.OutstandingDebt.Sign() == 0 {
			if overdue || tx.escrow.MissedDue {
				tx.setAccount(l.guard.OnLateRepayment(tx.account, tx.now))
			} else {
				tx.setAccount(l.guard.OnFullRepayment(tx.account, tx.now))
			}
			tx.escrow.DebtDueAt = nil
			tx.escrow.MissedDue = false
			cleared = true
		} else if overdue {
			if _, err := l.penalize(ctx, tx); err != nil {
				return err
			}
		}

		if err := l.commit(ctx, tx); err != nil {
			if errors.Is(err, domain.ErrAlreadyExists) {
				return domain.Wrapf(domain.ErrTransferClaimed, "repayment %s is already applied", ref)
			}
			return err
		}
		out = RepayResult{
			Applied:         applied,
			Unapplied:       new(big.Int).Sub(amount, applied),
			OutstandingDebt: new(big.Int).Set(tx.escrow.OutstandingDebt),
			EscrowedAmount:  new(big.Int).Set(tx.escrow.EscrowedAmount),
			Penalized:       tx.penalized,
		}
		return nil
	})
	metrics.LedgerMutations.WithLabelValues(string(domain.EntryRepay), metrics.Outcome(err)).Inc()
	if err != nil {
		return RepayResult{}, err
	}
	if out.Replayed {
		return out, nil
	}

	if out.Applied.Sign() > 0 {
		publishEvent(ctx, l.bus, l.logger, domain.Event{
			Type:    domain.EventDebtRepaid,
			Account: acct.String(),
			Detail: map[string]any{
				"applied":          out.Applied.String(),
				"outstanding_debt": out.OutstandingDebt.String(),
				"cleared":          cleared,
			},
		})
	}
	if txHash != "" {
		l.recordTx(ctx, domain.TransactionRecord{
			Account: acct,
			Type:    domain.TxRepay,
			Status:  domain.TxCompleted,
			Amount:  amount,
			ChainID: acct.ChainID,
			TxHash:  txHash,
			Detail:  map[string]any{"ref": ref, "applied": out.Applied.String()},
		})
	}
	if out.Penalized {
		l.announcePenalty(ctx, acct)
	}
	l.logger.InfoContext(ctx, "debt repaid",
		slog.String("account", acct.String()),
		slog.String("applied", out.Applied.String()),
		slog.String("outstanding_debt", out.OutstandingDebt.String()),
		slog.Bool("cleared", cleared),
	)
	return out, nil
}

// Withdraw pays the whole escrow out to the owner. The on-chain transfer
// happens first; the ledger is only zeroed once it succeeds.
func (l *EscrowLedger) Withdraw(ctx context.Context, caller domain.Caller, acct domain.AccountRef) (WithdrawResult, error) {
	if !caller.Owns(acct) {
		return WithdrawResult{}, domain.Wrapf(domain.ErrUnauthorized, "only the account owner may withdraw")
	}
	token, ok := l.cfg.SettlementTokens[acct.ChainID]
	if !ok {
		return WithdrawResult{}, domain.Wrapf(domain.ErrValidation, "chain %d has no settlement token", acct.ChainID)
	}

	var (
		out       WithdrawResult
		penalized bool
	)
	err := l.serialize(ctx, acct, func(ctx context.Context) error {
		tx, err := l.begin(ctx, acct)
		if err != nil {
			return err
		}
		if debt := tx.escrow.OutstandingDebt; debt.Sign() > 0 {
			if tx.overdue() {
				applied, err := l.penalize(ctx, tx)
				if err != nil {
					return err
				}
				if applied {
					if err := l.commit(ctx, tx); err != nil {
						return err
					}
					penalized = true
				}
			}
			return domain.Wrapf(domain.ErrInsufficientRepayment, "outstanding debt of %s must be repaid first", debt)
		}
		if l.guard.IsBlacklisted(tx.account, tx.now) {
			if until := tx.account.BlacklistUntil; until != nil {
				return domain.Wrapf(domain.ErrBlacklisted, "account is blacklisted until %s", until.Format(time.RFC3339))
			}
			return domain.ErrBlacklisted
		}
		amount := new(big.Int).Set(tx.escrow.EscrowedAmount)
		if amount.Sign() == 0 {
			return domain.ErrNothingToWithdraw
		}

		// Once the transfer is submitted it must be seen through.
		ctx = context.WithoutCancel(ctx)
		var txHash string
		err = executor.Retry(ctx, l.cfg.Transfer, func(ctx context.Context) error {
			h, err := l.chain.Transfer(ctx, acct.ChainID, token, acct.Address, amount)
			if err != nil {
				return domain.External("withdraw transfer", err)
			}
			txHash = h
			return nil
		})
		if err != nil {
			l.recordTx(ctx, domain.TransactionRecord{
				Account: acct,
				Type:    domain.TxWithdraw,
				Status:  domain.TxFailed,
				Amount:  amount,
				ChainID: acct.ChainID,
				Detail:  map[string]any{"reason": err.Error()},
			})
			return err
		}

		tx.apply(domain.EntryWithdraw, txHash, amount, func(e *domain.EscrowAccount) {
			e.EscrowedAmount.SetInt64(0)
		})
		if err := l.commitAfterPayout(ctx, tx); err != nil {
			l.logger.ErrorContext(ctx, "withdraw transferred but ledger commit failed",
				slog.String("account", acct.String()),
				slog.String("amount", amount.String()),
				slog.String("tx_hash", txHash),
				slog.String("error", err.Error()),
			)
			return err
		}
		l.recordTx(ctx, domain.TransactionRecord{
			Account: acct,
			Type:    domain.TxWithdraw,
			Status:  domain.TxCompleted,
			Amount:  amount,
			ChainID: acct.ChainID,
			TxHash:  txHash,
		})
		out = WithdrawResult{Amount: amount, TxHash: txHash}
		return nil
	})
	metrics.LedgerMutations.WithLabelValues(string(domain.EntryWithdraw), metrics.Outcome(err)).Inc()
	if penalized {
		l.announcePenalty(ctx, acct)
	}
	if err != nil {
		return WithdrawResult{}, err
	}

	publishEvent(ctx, l.bus, l.logger, domain.Event{
		Type:    domain.EventWithdrawn,
		Account: acct.String(),
		Detail:  map[string]any{"amount": out.Amount.String(), "tx_hash": out.TxHash},
	})
	auditLog(ctx, l.audit, l.logger, "escrow_withdrawn", map[string]any{
		"account": acct.String(),
		"amount":  out.Amount.String(),
		"tx_hash": out.TxHash,
	})
	l.logger.InfoContext(ctx, "escrow withdrawn",
		slog.String("account", acct.String()),
		slog.String("amount", out.Amount.String()),
		slog.String("tx_hash", out.TxHash),
	)
	return out, nil
}

// ApplyDiscount reduces the debt to trunc(debt × (1 − rate)). It is
// idempotent on bridgeRef: a repeated call returns Applied=false and leaves
// the debt alone.
func (l *EscrowLedger) ApplyDiscount(ctx context.Context, acct domain.AccountRef, rate decimal.Decimal, bridgeRef string) (DiscountResult, error) {
	if bridgeRef == "" {
		return DiscountResult{}, domain.Wrapf(domain.ErrValidation, "bridge reference is required")
	}
	if rate.IsNegative() || rate.GreaterThan(decimal.NewFromInt(1)) {
		return DiscountResult{}, domain.Wrapf(domain.ErrValidation, "discount rate %s outside [0, 1]", rate)
	}

	var out DiscountResult
	err := l.serialize(ctx, acct, func(ctx context.Context) error {
		prev, err := l.escrow.FindEntry(ctx, domain.EntryDiscount, bridgeRef)
		if err == nil {
			out = DiscountResult{DebtBefore: prev.DebtBefore, DebtAfter: prev.DebtAfter}
			return nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return fmt.Errorf("escrow_ledger: find discount: %w", err)
		}

		tx, err := l.begin(ctx, acct)
		if err != nil {
			return err
		}
		before := new(big.Int).Set(tx.escrow.OutstandingDebt)
		after := domain.DiscountedDebt(before, rate)
		tx.apply(domain.EntryDiscount, bridgeRef, new(big.Int).Sub(before, after), func(e *domain.EscrowAccount) {
			e.OutstandingDebt.Set(after)
		})
		if after.Sign() == 0 {
			tx.escrow.DebtDueAt = nil
			tx.escrow.MissedDue = false
		}
		if err := l.commit(ctx, tx); err != nil {
			return err
		}
		out = DiscountResult{DebtBefore: before, DebtAfter: after, Applied: true}
		return nil
	})
	metrics.LedgerMutations.WithLabelValues(string(domain.EntryDiscount), metrics.Outcome(err)).Inc()
	if err != nil {
		return DiscountResult{}, err
	}
	if out.Applied {
		l.logger.InfoContext(ctx, "staking discount applied",
			slog.String("account", acct.String()),
			slog.String("rate", rate.String()),
			slog.String("debt_before", out.DebtBefore.String()),
			slog.String("debt_after", out.DebtAfter.String()),
		)
	}
	return out, nil
}

// SweepOverdue applies the overdue penalty to accounts whose debt is past
// due. It returns the number of accounts penalized.
func (l *EscrowLedger) SweepOverdue(ctx context.Context, limit int) (int, error) {
	due, err := l.escrow.ListOverdue(ctx, l.now(), limit)
	if err != nil {
		return 0, fmt.Errorf("escrow_ledger: list overdue: %w", err)
	}
	count := 0
	for _, e := range due {
		acct := e.Ref
		applied := false
		err := l.serialize(ctx, acct, func(ctx context.Context) error {
			tx, err := l.begin(ctx, acct)
			if err != nil {
				return err
			}
			if !tx.overdue() {
				return nil
			}
			if applied, err = l.penalize(ctx, tx); err != nil || !applied {
				return err
			}
			return l.commit(ctx, tx)
		})
		metrics.LedgerMutations.WithLabelValues(string(domain.EntryPenalty), metrics.Outcome(err)).Inc()
		if err != nil {
			if ctx.Err() != nil {
				return count, ctx.Err()
			}
			l.logger.WarnContext(ctx, "overdue sweep failed",
				slog.String("account", acct.String()),
				slog.String("error", err.Error()),
			)
			continue
		}
		if applied {
			count++
			l.announcePenalty(ctx, acct)
		}
	}
	return count, nil
}

// ---------------------------------------------------------------------------
// reads
// ---------------------------------------------------------------------------

// Status returns balances and reputation without taking the account's
// writer. Unknown accounts report zero balances and the default reputation.
func (l *EscrowLedger) Status(ctx context.Context, acct domain.AccountRef) (domain.AccountStatus, error) {
	escrow, err := l.escrow.Get(ctx, acct)
	if errors.Is(err, domain.ErrNotFound) {
		escrow, err = domain.NewEscrowAccount(acct), nil
	}
	if err != nil {
		return domain.AccountStatus{}, fmt.Errorf("escrow_ledger: get escrow: %w", err)
	}
	account, err := l.accounts.Get(ctx, acct)
	if errors.Is(err, domain.ErrNotFound) {
		account, err = domain.NewAccount(acct), nil
	}
	if err != nil {
		return domain.AccountStatus{}, fmt.Errorf("escrow_ledger: get account: %w", err)
	}

	now := l.now()
	return domain.AccountStatus{
		Ref:             acct,
		EscrowedAmount:  escrow.EscrowedAmount,
		OutstandingDebt: escrow.OutstandingDebt,
		ReputationScore: account.ReputationScore,
		IsBlacklisted:   account.IsBlacklisted(now),
		BlacklistUntil:  account.BlacklistUntil,
		DebtDueAt:       escrow.DebtDueAt,
	}, nil
}

// Entries lists the committed ledger entries of an account.
func (l *EscrowLedger) Entries(ctx context.Context, acct domain.AccountRef, opts domain.ListOpts) ([]domain.LedgerEntry, error) {
	entries, err := l.escrow.ListEntries(ctx, acct, opts)
	if err != nil {
		return nil, fmt.Errorf("escrow_ledger: list entries: %w", err)
	}
	return entries, nil
}

// ---------------------------------------------------------------------------
// unit of work
// ---------------------------------------------------------------------------

// ledgerTx is the in-memory working state of one mutation.
type ledgerTx struct {
	version      int64
	escrow       domain.EscrowAccount
	account      domain.Account
	accountDirty bool
	entries      []domain.LedgerEntry
	penalized    bool
	now          time.Time
}

func (t *ledgerTx) apply(kind domain.LedgerEntryKind, ref string, amount *big.Int, fn func(e *domain.EscrowAccount)) {
	entry := domain.LedgerEntry{
		Account:      t.escrow.Ref,
		Kind:         kind,
		Ref:          ref,
		Amount:       new(big.Int).Set(amount),
		EscrowBefore: new(big.Int).Set(t.escrow.EscrowedAmount),
		DebtBefore:   new(big.Int).Set(t.escrow.OutstandingDebt),
		CreatedAt:    t.now,
	}
	if fn != nil {
		fn(&t.escrow)
	}
	entry.EscrowAfter = new(big.Int).Set(t.escrow.EscrowedAmount)
	entry.DebtAfter = new(big.Int).Set(t.escrow.OutstandingDebt)
	t.entries = append(t.entries, entry)
}

func (t *ledgerTx) setAccount(a domain.Account) {
	t.account = a
	t.accountDirty = true
}

func (t *ledgerTx) overdue() bool {
	return t.escrow.OutstandingDebt.Sign() > 0 &&
		t.escrow.DebtDueAt != nil &&
		!t.now.Before(*t.escrow.DebtDueAt)
}

// serialize runs fn on the account's writer, under the distributed lock when
// one is configured.
func (l *EscrowLedger) serialize(ctx context.Context, acct domain.AccountRef, fn executor.Job) error {
	if acct.IsZero() {
		return domain.Wrapf(domain.ErrValidation, "account is required")
	}
	key := acct.String()
	return l.queue.Do(ctx, key, func(ctx context.Context) error {
		metrics.ActiveAccountWriters.Set(float64(l.queue.Active()))
		if l.locks != nil {
			unlock, err := l.locks.Acquire(ctx, "ledger:"+key, l.cfg.LockTTL)
			if err != nil {
				return fmt.Errorf("escrow_ledger: lock %s: %w", key, err)
			}
			defer unlock()
		}
		return fn(ctx)
	})
}

func (l *EscrowLedger) begin(ctx context.Context, acct domain.AccountRef) (*ledgerTx, error) {
	tx := &ledgerTx{now: l.now()}

	escrow, err := l.escrow.Get(ctx, acct)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		tx.escrow = domain.NewEscrowAccount(acct)
	case err != nil:
		return nil, fmt.Errorf("escrow_ledger: load escrow: %w", err)
	default:
		tx.escrow = escrow.Clone()
		tx.version = escrow.Version
	}

	account, err := l.accounts.Get(ctx, acct)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		tx.account = domain.NewAccount(acct)
		tx.accountDirty = true
	case err != nil:
		return nil, fmt.Errorf("escrow_ledger: load account: %w", err)
	default:
		tx.account = account
	}
	return tx, nil
}

func (l *EscrowLedger) commit(ctx context.Context, tx *ledgerTx) error {
	if !tx.escrow.Valid() {
		return fmt.Errorf("escrow_ledger: refusing to commit negative balance for %s", tx.escrow.Ref)
	}
	tx.escrow.Version = tx.version + 1
	tx.escrow.UpdatedAt = tx.now

	c := domain.LedgerCommit{
		Escrow:          tx.escrow,
		ExpectedVersion: tx.version,
		Entries:         tx.entries,
	}
	if tx.accountDirty {
		a := tx.account
		a.UpdatedAt = tx.now
		c.Account = &a
	}
	if err := l.escrow.Apply(ctx, c); err != nil {
		tx.escrow.Version = tx.version
		return fmt.Errorf("escrow_ledger: commit: %w", err)
	}
	tx.version = tx.escrow.Version
	tx.accountDirty = false
	tx.entries = nil
	return nil
}

// commitAfterPayout retries a commit whose funds have already left the
// relayer. Conflicts are not retried.
func (l *EscrowLedger) commitAfterPayout(ctx context.Context, tx *ledgerTx) error {
	attempts := l.cfg.Transfer.Attempts
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		if err = l.commit(ctx, tx); err == nil {
			return nil
		}
		if domain.KindOf(err) == domain.KindStateConflict {
			return err
		}
		select {
		case <-ctx.Done():
			return err
		case <-time.After(l.cfg.Transfer.Delay(i)):
		}
	}
	return err
}

// penalize applies the overdue penalty once per due period and pushes the due
// date back by one repayment window.
func (l *EscrowLedger) penalize(ctx context.Context, tx *ledgerTx) (bool, error) {
	due := *tx.escrow.DebtDueAt
	ref := tx.escrow.Ref.String() + "@" + strconv.FormatInt(due.Unix(), 10)
	if _, err := l.escrow.FindEntry(ctx, domain.EntryPenalty, ref); err == nil {
		return false, nil
	} else if !errors.Is(err, domain.ErrNotFound) {
		return false, fmt.Errorf("escrow_ledger: find penalty: %w", err)
	}

	tx.setAccount(l.guard.OnOverdue(tx.account, tx.now))
	tx.apply(domain.EntryPenalty, ref, new(big.Int), nil)
	next := due.Add(l.cfg.RepaymentWindow)
	if !next.After(tx.now) {
		next = tx.now.Add(l.cfg.RepaymentWindow)
	}
	tx.escrow.DebtDueAt = &next
	tx.escrow.MissedDue = true
	tx.penalized = true
	return true, nil
}

func (l *EscrowLedger) announcePenalty(ctx context.Context, acct domain.AccountRef) {
	publishEvent(ctx, l.bus, l.logger, domain.Event{Type: domain.EventBlacklisted, Account: acct.String()})
	auditLog(ctx, l.audit, l.logger, "account_blacklisted", map[string]any{"account": acct.String()})
	l.logger.WarnContext(ctx, "overdue debt penalized", slog.String("account", acct.String()))
}

func (l *EscrowLedger) recordTx(ctx context.Context, rec domain.TransactionRecord) {
	if l.txs == nil {
		return
	}
	now := l.now()
	rec.ID = uuid.NewString()
	rec.CreatedAt = now
	rec.UpdatedAt = now
	if err := l.txs.Create(ctx, rec); err != nil {
		l.logger.WarnContext(ctx, "record transaction failed",
			slog.String("type", string(rec.Type)),
			slog.String("error", err.Error()),
		)
	}
}

func requirePositive(name string, v *big.Int) error {
	if v == nil || v.Sign() <= 0 {
		return domain.Wrapf(domain.ErrValidation, "%s must be positive", name)
	}
	return nil
}

func requireNonNegative(name string, v *big.Int) error {
	if v == nil || v.Sign() < 0 {
		return domain.Wrapf(domain.ErrValidation, "%s must not be negative", name)
	}
	return nil
}
