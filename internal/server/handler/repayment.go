package handler

import (
	"context"
	"math/big"
	"net/http"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/gasrelay/internal/domain"
	"github.com/alanyoungcy/gasrelay/internal/service"
)

// Repayments is the subset of service.RepaymentService used here.
type Repayments interface {
	Process(ctx context.Context, caller domain.Caller, wallet domain.AccountRef, txHash common.Hash, bridgedAmount *big.Int) (service.RepaymentResult, error)
	UnlockedBalance(ctx context.Context, wallet domain.AccountRef) (*big.Int, error)
}

// RepaymentHandler serves repayments of bridged funds.
type RepaymentHandler struct {
	repayments Repayments
	wallets    Wallets
	errs       Errors
}

// NewRepaymentHandler creates a RepaymentHandler.
func NewRepaymentHandler(repayments Repayments, wallets Wallets, errs Errors) *RepaymentHandler {
	return &RepaymentHandler{repayments: repayments, wallets: wallets, errs: errs}
}

type repaymentRequest struct {
	Wallet        string `json:"wallet"`
	ChainID       int64  `json:"chainId,omitempty"`
	TxHash        string `json:"txHash"`
	BridgedAmount string `json:"bridgedAmount,omitempty"`
}

// Process applies bridged funds, sent to the relayer in txHash, to the
// caller's outstanding debt.
// POST /api/repayments
func (h *RepaymentHandler) Process(w http.ResponseWriter, r *http.Request) {
	caller, err := callerOf(r)
	if err != nil {
		h.errs.write(w, r, err)
		return
	}
	var req repaymentRequest
	if err := decodeJSON(r, &req); err != nil {
		h.errs.write(w, r, err)
		return
	}
	if req.ChainID == 0 {
		req.ChainID = h.wallets.DefaultChainID
	}
	wallet, err := domain.NewAccountRef(req.ChainID, req.Wallet)
	if err != nil {
		h.errs.write(w, r, err)
		return
	}
	txHash, err := parseTxHash("txHash", req.TxHash)
	if err != nil {
		h.errs.write(w, r, err)
		return
	}
	amount, err := parseOptionalAmount("bridgedAmount", req.BridgedAmount)
	if err != nil {
		h.errs.write(w, r, err)
		return
	}

	res, err := h.repayments.Process(r.Context(), caller, wallet, txHash, amount)
	if err != nil {
		h.errs.write(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"newOutstandingDebt": amountString(res.NewOutstandingDebt),
		"remainingBalance":   amountString(res.RemainingBalance),
	})
}

// Unlocked returns the balance left over from the wallet's latest repayment.
// GET /api/repayments/{wallet}/unlocked
func (h *RepaymentHandler) Unlocked(w http.ResponseWriter, r *http.Request) {
	wallet, err := h.wallets.parse(r, "wallet")
	if err != nil {
		h.errs.write(w, r, err)
		return
	}
	bal, err := h.repayments.UnlockedBalance(r.Context(), wallet)
	if err != nil {
		h.errs.write(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"wallet":          wallet.String(),
		"unlockedBalance": amountString(bal),
	})
}
