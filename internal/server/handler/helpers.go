package handler

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/alanyoungcy/gasrelay/internal/domain"
	"github.com/alanyoungcy/gasrelay/internal/server/middleware"
)

// maxRequestBody caps JSON request bodies.
const maxRequestBody = 1 << 20

// writeJSON marshals v as JSON and writes it to the response with the given
// HTTP status code. If marshaling fails, it falls back to a plain-text 500.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"code":"internal","message":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write(data)
}

// errorBody is the error shape of every API response.
type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
	LoanID  string `json:"loanId,omitempty"`
}

// Errors renders service errors. Wrapped detail is only exposed in debug
// mode.
type Errors struct {
	Debug  bool
	Logger *slog.Logger
}

// statusFor maps an error kind to its HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, domain.ErrSlippageExceeded):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrUpstreamRejected), errors.Is(err, domain.ErrUnconfirmed):
		return http.StatusBadGateway
	}
	switch domain.KindOf(err) {
	case domain.KindValidation, domain.KindPermit:
		return http.StatusBadRequest
	case domain.KindUnauthorized:
		return http.StatusForbidden
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindStateConflict:
		return http.StatusConflict
	case domain.KindExternalService:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (e Errors) body(err error) errorBody {
	body := errorBody{Code: "internal", Message: "internal server error"}
	var de *domain.Error
	if errors.As(err, &de) && de.Kind != domain.KindInternal {
		body.Code = de.Code
		body.Message = de.Message
		if body.Message == "" {
			body.Message = de.Code
		}
	}
	if e.Debug {
		body.Detail = err.Error()
	}
	return body
}

// write sends err as an error response.
func (e Errors) write(w http.ResponseWriter, r *http.Request, err error) {
	e.writeWith(w, r, err, "")
}

// writeWith is write with the loan the failure belongs to.
func (e Errors) writeWith(w http.ResponseWriter, r *http.Request, err error, loanID string) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError && e.Logger != nil {
		e.Logger.ErrorContext(r.Context(), "handler: request failed",
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
	}
	body := e.body(err)
	body.LoanID = loanID
	writeJSON(w, status, body)
}

// writeBadRequest sends a validation error with msg.
func writeBadRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorBody{Code: domain.ErrValidation.Code, Message: msg})
}

// decodeJSON reads a bounded JSON body into v, rejecting unknown fields.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return domain.Wrapf(domain.ErrValidation, "invalid request body: %v", err)
	}
	return nil
}

// parseListOpts extracts standard pagination parameters from the query string.
// Defaults: limit=50 (max 200), offset=0.
func parseListOpts(r *http.Request) domain.ListOpts {
	q := r.URL.Query()

	limit := 50
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > 200 {
		limit = 200
	}

	offset := 0
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}

	return domain.ListOpts{
		Limit:  limit,
		Offset: offset,
	}
}

// Wallets resolves the {wallet} path parameter. It accepts the
// "eip155:<chain>:<address>" form or a bare address with an optional
// ?chainId= query, falling back to DefaultChainID.
type Wallets struct {
	DefaultChainID int64
}

func (p Wallets) parse(r *http.Request, name string) (domain.AccountRef, error) {
	raw := r.PathValue(name)
	if strings.HasPrefix(raw, "eip155:") {
		return domain.ParseAccountRef(raw)
	}
	chainID := p.DefaultChainID
	if v := r.URL.Query().Get("chainId"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return domain.AccountRef{}, domain.Wrapf(domain.ErrValidation, "invalid chainId %q", v)
		}
		chainID = n
	}
	return domain.NewAccountRef(chainID, raw)
}

// callerOf returns the wallet caller attached by the auth middleware.
func callerOf(r *http.Request) (domain.Caller, error) {
	c, ok := middleware.CallerFrom(r.Context())
	if !ok {
		return domain.Caller{}, domain.Wrapf(domain.ErrUnauthorized, "request is not wallet-authenticated")
	}
	return c, nil
}

// parseAmount parses a required base-unit amount field.
func parseAmount(field, s string) (*big.Int, error) {
	if s == "" {
		return nil, domain.Wrapf(domain.ErrValidation, "%s is required", field)
	}
	return domain.ParseBaseUnits(s)
}

// parseOptionalAmount is parseAmount for fields that may be omitted.
func parseOptionalAmount(field, s string) (*big.Int, error) {
	if s == "" {
		return nil, nil
	}
	return parseAmount(field, s)
}

// parseTxHash parses a required 32-byte transaction hash.
func parseTxHash(field, s string) (common.Hash, error) {
	b, err := hexutil.Decode(s)
	if err != nil || len(b) != common.HashLength {
		return common.Hash{}, domain.Wrapf(domain.ErrValidation, "%s must be a 0x-prefixed 32-byte hash", field)
	}
	return common.BytesToHash(b), nil
}
