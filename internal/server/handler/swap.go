package handler

import (
	"context"
	"net/http"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/gasrelay/internal/crypto"
	"github.com/alanyoungcy/gasrelay/internal/domain"
	"github.com/alanyoungcy/gasrelay/internal/service"
)

// SwapExecutor is the subset of service.SwapOrchestrator used here.
type SwapExecutor interface {
	ExecuteSwap(ctx context.Context, req service.SwapRequest) (service.SwapResult, error)
}

// SwapHandler serves gas-loan swaps.
type SwapHandler struct {
	swaps SwapExecutor
	errs  Errors
}

// NewSwapHandler creates a SwapHandler.
func NewSwapHandler(swaps SwapExecutor, errs Errors) *SwapHandler {
	return &SwapHandler{swaps: swaps, errs: errs}
}

type swapRequest struct {
	Permit    permitJSON `json:"permit"`
	Signature string     `json:"signature"`
	// Amount defaults to the permitted value.
	Amount    string `json:"amount,omitempty"`
	FromToken string `json:"fromToken,omitempty"`
	ToToken   string `json:"toToken,omitempty"`
}

type swapResponse struct {
	LoanID        string  `json:"loanId"`
	Status        string  `json:"status"`
	TxHash        string  `json:"txHash,omitempty"`
	Proceeds      *string `json:"proceeds,omitempty"`
	AmountOwed    *string `json:"amountOwed,omitempty"`
	FailureReason string  `json:"failureReason,omitempty"`
}

func (req swapRequest) toService() (service.SwapRequest, error) {
	permit, err := req.Permit.toDomain()
	if err != nil {
		return service.SwapRequest{}, err
	}
	sig, err := crypto.DecodeSignature(req.Signature)
	if err != nil {
		return service.SwapRequest{}, domain.Wrapf(domain.ErrInvalidSignature, "signature must be 65 hex-encoded bytes")
	}
	out := service.SwapRequest{Permit: permit, Signature: sig, Amount: permit.Value}
	if req.Amount != "" {
		if out.Amount, err = parseAmount("amount", req.Amount); err != nil {
			return service.SwapRequest{}, err
		}
	}
	if out.FromToken, err = optAddress("fromToken", req.FromToken); err != nil {
		return service.SwapRequest{}, err
	}
	if out.ToToken, err = optAddress("toToken", req.ToToken); err != nil {
		return service.SwapRequest{}, err
	}
	return out, nil
}

func optAddress(field, s string) (common.Address, error) {
	if s == "" {
		return common.Address{}, nil
	}
	if !common.IsHexAddress(s) {
		return common.Address{}, domain.Wrapf(domain.ErrValidation, "%s is not an address", field)
	}
	return common.HexToAddress(s), nil
}

// Execute runs a signed permit through the swap pipeline. Only the permit
// owner may submit it. A failure after the loan was created carries its id.
// POST /api/swaps
func (h *SwapHandler) Execute(w http.ResponseWriter, r *http.Request) {
	caller, err := callerOf(r)
	if err != nil {
		h.errs.write(w, r, err)
		return
	}
	var body swapRequest
	if err := decodeJSON(r, &body); err != nil {
		h.errs.write(w, r, err)
		return
	}
	req, err := body.toService()
	if err != nil {
		h.errs.write(w, r, err)
		return
	}
	if !caller.Owns(req.Permit.OwnerRef()) {
		h.errs.write(w, r, domain.Wrapf(domain.ErrUnauthorized, "permit owner %s is not the signing wallet", req.Permit.Owner.Hex()))
		return
	}

	res, err := h.swaps.ExecuteSwap(r.Context(), req)
	if err != nil {
		h.errs.writeWith(w, r, err, res.LoanID)
		return
	}
	writeJSON(w, http.StatusOK, swapResponse{
		LoanID:        res.LoanID,
		Status:        string(res.Status),
		TxHash:        res.TxHash,
		Proceeds:      optAmount(res.Proceeds),
		AmountOwed:    optAmount(res.AmountOwed),
		FailureReason: res.FailureReason,
	})
}
