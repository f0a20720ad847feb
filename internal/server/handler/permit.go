package handler

import (
	"context"
	"net/http"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/gasrelay/internal/domain"
	"github.com/alanyoungcy/gasrelay/internal/service"
)

// PermitPreparer is the subset of service.PermitValidator used here.
type PermitPreparer interface {
	PreparePermit(ctx context.Context, wallet, token common.Address, chainID int64) (service.PermitRequest, error)
}

// permitJSON is the wire form of a permit, shared by the prepare response and
// the swap request.
type permitJSON struct {
	ChainID      int64  `json:"chainId"`
	Token        string `json:"token"`
	TokenName    string `json:"tokenName"`
	TokenVersion string `json:"tokenVersion"`
	Owner        string `json:"owner"`
	Spender      string `json:"spender"`
	Value        string `json:"value"`
	Nonce        string `json:"nonce"`
	Deadline     string `json:"deadline"`
}

func newPermitJSON(p domain.PermitAuthorization) permitJSON {
	return permitJSON{
		ChainID:      p.ChainID,
		Token:        p.Token.Hex(),
		TokenName:    p.TokenName,
		TokenVersion: p.TokenVersion,
		Owner:        p.Owner.Hex(),
		Spender:      p.Spender.Hex(),
		Value:        amountString(p.Value),
		Nonce:        amountString(p.Nonce),
		Deadline:     amountString(p.Deadline),
	}
}

func (p permitJSON) toDomain() (domain.PermitAuthorization, error) {
	out := domain.PermitAuthorization{
		ChainID:      p.ChainID,
		TokenName:    p.TokenName,
		TokenVersion: p.TokenVersion,
	}
	for _, f := range []struct {
		name string
		raw  string
		dst  *common.Address
	}{
		{"permit.token", p.Token, &out.Token},
		{"permit.owner", p.Owner, &out.Owner},
		{"permit.spender", p.Spender, &out.Spender},
	} {
		if !common.IsHexAddress(f.raw) {
			return domain.PermitAuthorization{}, domain.Wrapf(domain.ErrValidation, "%s is not an address", f.name)
		}
		*f.dst = common.HexToAddress(f.raw)
	}
	var err error
	if out.Value, err = parseAmount("permit.value", p.Value); err != nil {
		return domain.PermitAuthorization{}, err
	}
	if out.Nonce, err = parseAmount("permit.nonce", p.Nonce); err != nil {
		return domain.PermitAuthorization{}, err
	}
	if out.Deadline, err = parseAmount("permit.deadline", p.Deadline); err != nil {
		return domain.PermitAuthorization{}, err
	}
	return out, nil
}

// PermitHandler serves permit preparation.
type PermitHandler struct {
	permits PermitPreparer
	errs    Errors
}

// NewPermitHandler creates a PermitHandler.
func NewPermitHandler(permits PermitPreparer, errs Errors) *PermitHandler {
	return &PermitHandler{permits: permits, errs: errs}
}

type preparePermitRequest struct {
	Wallet  string `json:"wallet"`
	Token   string `json:"token"`
	ChainID int64  `json:"chainId"`
}

// Prepare returns the EIP-712 payload the wallet signs client side.
// POST /api/permits/prepare
func (h *PermitHandler) Prepare(w http.ResponseWriter, r *http.Request) {
	var req preparePermitRequest
	if err := decodeJSON(r, &req); err != nil {
		h.errs.write(w, r, err)
		return
	}
	if !common.IsHexAddress(req.Wallet) || !common.IsHexAddress(req.Token) {
		writeBadRequest(w, "wallet and token must be addresses")
		return
	}

	out, err := h.permits.PreparePermit(r.Context(), common.HexToAddress(req.Wallet), common.HexToAddress(req.Token), req.ChainID)
	if err != nil {
		h.errs.write(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"permit":    newPermitJSON(out.Permit),
		"typedData": out.TypedData,
		"digest":    out.Digest.Hex(),
	})
}
