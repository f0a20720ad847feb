package handler

import (
	"context"
	"net/http"

	"github.com/alanyoungcy/gasrelay/internal/domain"
	"github.com/alanyoungcy/gasrelay/internal/service"
)

// Staking is the subset of service.BridgeStakeCoordinator used here.
type Staking interface {
	Start(ctx context.Context, caller domain.Caller, req service.BridgeStakeRequest) (domain.StakingPosition, error)
	Status(ctx context.Context, loanID string) (domain.StakingPosition, error)
}

// Finalizer is the subset of service.SettlementFinalizer used here.
type Finalizer interface {
	Finalize(ctx context.Context, caller domain.Caller, loanID string) (service.FinalizeResult, error)
}

// StakingHandler serves bridge-and-stake positions.
type StakingHandler struct {
	staking   Staking
	finalizer Finalizer
	errs      Errors
}

// NewStakingHandler creates a StakingHandler.
func NewStakingHandler(staking Staking, finalizer Finalizer, errs Errors) *StakingHandler {
	return &StakingHandler{staking: staking, finalizer: finalizer, errs: errs}
}

type startStakingRequest struct {
	LoanID        string `json:"loanId"`
	FundingTxHash string `json:"fundingTxHash"`
	Amount        string `json:"amount,omitempty"`
	DestChainID   int64  `json:"destChainId,omitempty"`
	Validator     string `json:"validator,omitempty"`
}

// Start opts a funded loan into bridge-and-stake using the principal the
// wallet sent to the relayer in fundingTxHash. Bridging continues in the
// background; the response is the PENDING position.
// POST /api/staking
func (h *StakingHandler) Start(w http.ResponseWriter, r *http.Request) {
	caller, err := callerOf(r)
	if err != nil {
		h.errs.write(w, r, err)
		return
	}
	var req startStakingRequest
	if err := decodeJSON(r, &req); err != nil {
		h.errs.write(w, r, err)
		return
	}
	fundingTx, err := parseTxHash("fundingTxHash", req.FundingTxHash)
	if err != nil {
		h.errs.write(w, r, err)
		return
	}
	amount, err := parseOptionalAmount("amount", req.Amount)
	if err != nil {
		h.errs.write(w, r, err)
		return
	}

	pos, err := h.staking.Start(r.Context(), caller, service.BridgeStakeRequest{
		LoanID:        req.LoanID,
		FundingTxHash: fundingTx,
		Amount:        amount,
		DestChainID:   req.DestChainID,
		Validator:     req.Validator,
	})
	if err != nil {
		h.errs.writeWith(w, r, err, req.LoanID)
		return
	}
	writeJSON(w, http.StatusAccepted, newPositionView(pos))
}

// Status returns the loan's staking position.
// GET /api/staking/{loanId}
func (h *StakingHandler) Status(w http.ResponseWriter, r *http.Request) {
	pos, err := h.staking.Status(r.Context(), r.PathValue("loanId"))
	if err != nil {
		h.errs.write(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newPositionView(pos))
}

// Withdraw finalizes the position: rewards repay the debt and the rest is
// released to the owner. A second call yields already_finalized.
// POST /api/staking/{loanId}/withdraw
func (h *StakingHandler) Withdraw(w http.ResponseWriter, r *http.Request) {
	caller, err := callerOf(r)
	if err != nil {
		h.errs.write(w, r, err)
		return
	}
	loanID := r.PathValue("loanId")
	res, err := h.finalizer.Finalize(r.Context(), caller, loanID)
	if err != nil {
		h.errs.writeWith(w, r, err, loanID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"loanId":     loanID,
		"positionId": res.PositionID,
		"rewards":    amountString(res.Rewards),
		"repaid":     amountString(res.Repaid),
		"payout":     amountString(res.Payout),
		"txHash":     res.TxHash,
	})
}
