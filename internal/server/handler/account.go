package handler

import (
	"context"
	"math/big"
	"net/http"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/gasrelay/internal/domain"
	"github.com/alanyoungcy/gasrelay/internal/service"
)

// AccountLedger is the subset of service.EscrowLedger used here.
type AccountLedger interface {
	Status(ctx context.Context, acct domain.AccountRef) (domain.AccountStatus, error)
	RepayDebt(ctx context.Context, caller domain.Caller, acct domain.AccountRef, txHash common.Hash, amount *big.Int) (service.RepayResult, error)
}

// Loans is the subset of service.LoanService used here.
type Loans interface {
	Get(ctx context.Context, id string) (service.LoanView, error)
	List(ctx context.Context, acct domain.AccountRef, opts domain.ListOpts) ([]domain.Loan, error)
	Withdraw(ctx context.Context, caller domain.Caller, acct domain.AccountRef) (service.WithdrawResult, error)
}

// AccountHandler serves escrow accounts and their loans.
type AccountHandler struct {
	ledger  AccountLedger
	loans   Loans
	wallets Wallets
	errs    Errors
}

// NewAccountHandler creates an AccountHandler.
func NewAccountHandler(ledger AccountLedger, loans Loans, wallets Wallets, errs Errors) *AccountHandler {
	return &AccountHandler{ledger: ledger, loans: loans, wallets: wallets, errs: errs}
}

// Status returns escrow, debt and reputation for a wallet.
// GET /api/accounts/{wallet}
func (h *AccountHandler) Status(w http.ResponseWriter, r *http.Request) {
	acct, err := h.wallets.parse(r, "wallet")
	if err != nil {
		h.errs.write(w, r, err)
		return
	}
	st, err := h.ledger.Status(r.Context(), acct)
	if err != nil {
		h.errs.write(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newAccountView(st))
}

// Withdraw pays out the full escrow once the debt is cleared.
// POST /api/accounts/{wallet}/withdraw
func (h *AccountHandler) Withdraw(w http.ResponseWriter, r *http.Request) {
	caller, err := callerOf(r)
	if err != nil {
		h.errs.write(w, r, err)
		return
	}
	acct, err := h.wallets.parse(r, "wallet")
	if err != nil {
		h.errs.write(w, r, err)
		return
	}
	res, err := h.loans.Withdraw(r.Context(), caller, acct)
	if err != nil {
		h.errs.write(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"amount": amountString(res.Amount),
		"txHash": res.TxHash,
	})
}

type repayRequest struct {
	TxHash string `json:"txHash"`
	Amount string `json:"amount,omitempty"`
}

// Repay applies the wallet's transfer to the relayer against its debt.
// amount defaults to the whole transfer.
// POST /api/accounts/{wallet}/repay
func (h *AccountHandler) Repay(w http.ResponseWriter, r *http.Request) {
	caller, err := callerOf(r)
	if err != nil {
		h.errs.write(w, r, err)
		return
	}
	acct, err := h.wallets.parse(r, "wallet")
	if err != nil {
		h.errs.write(w, r, err)
		return
	}
	var req repayRequest
	if err := decodeJSON(r, &req); err != nil {
		h.errs.write(w, r, err)
		return
	}
	txHash, err := parseTxHash("txHash", req.TxHash)
	if err != nil {
		h.errs.write(w, r, err)
		return
	}
	amount, err := parseOptionalAmount("amount", req.Amount)
	if err != nil {
		h.errs.write(w, r, err)
		return
	}

	res, err := h.ledger.RepayDebt(r.Context(), caller, acct, txHash, amount)
	if err != nil {
		h.errs.write(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"applied":         amountString(res.Applied),
		"unapplied":       amountString(res.Unapplied),
		"outstandingDebt": amountString(res.OutstandingDebt),
		"escrowedAmount":  amountString(res.EscrowedAmount),
		"penalized":       res.Penalized,
	})
}

// ListLoans returns the wallet's loans, newest first.
// GET /api/accounts/{wallet}/loans
func (h *AccountHandler) ListLoans(w http.ResponseWriter, r *http.Request) {
	acct, err := h.wallets.parse(r, "wallet")
	if err != nil {
		h.errs.write(w, r, err)
		return
	}
	loans, err := h.loans.List(r.Context(), acct, parseListOpts(r))
	if err != nil {
		h.errs.write(w, r, err)
		return
	}
	out := make([]loanView, 0, len(loans))
	for _, l := range loans {
		out = append(out, newLoanView(l))
	}
	writeJSON(w, http.StatusOK, map[string]any{"loans": out})
}

// GetLoan returns a loan with its transaction records and staking position.
// GET /api/loans/{id}
func (h *AccountHandler) GetLoan(w http.ResponseWriter, r *http.Request) {
	view, err := h.loans.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		h.errs.write(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newLoanDetailView(view))
}
