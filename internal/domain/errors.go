package domain

import (
	"errors"
	"fmt"
)

// Kind groups error codes by how callers should react to them.
type Kind string

const (
	KindValidation      Kind = "validation"
	KindUnauthorized    Kind = "unauthorized"
	KindNotFound        Kind = "not_found"
	KindStateConflict   Kind = "state_conflict"
	KindExternalService Kind = "external_service"
	KindPermit          Kind = "permit"
	KindInternal        Kind = "internal"
)

// Error is the typed error returned by every service operation. Two Errors
// match under errors.Is when their codes are equal.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Code
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

func newError(kind Kind, code, msg string) *Error {
	return &Error{Kind: kind, Code: code, Message: msg}
}

var (
	ErrValidation       = newError(KindValidation, "validation", "invalid request")
	ErrUnsupportedToken = newError(KindValidation, "unsupported_token", "token does not support permit authorization")
	// ErrTransferUnverified is an inbound transfer that is not mined, reverted,
	// or did not move the settlement token from the wallet to the relayer.
	ErrTransferUnverified = newError(KindValidation, "transfer_unverified", "transfer to the relayer could not be verified")

	ErrUnauthorized = newError(KindUnauthorized, "unauthorized", "unauthorized")
	ErrBlacklisted  = newError(KindUnauthorized, "blacklisted", "account is blacklisted")

	ErrNotFound = newError(KindNotFound, "not_found", "not found")

	ErrInsufficientRepayment = newError(KindStateConflict, "insufficient_repayment", "outstanding debt must be repaid first")
	ErrNothingToWithdraw     = newError(KindStateConflict, "nothing_to_withdraw", "nothing to withdraw")
	ErrAlreadyFinalized      = newError(KindStateConflict, "already_finalized", "position already finalized")
	ErrDuplicateDeposit      = newError(KindStateConflict, "duplicate_deposit", "deposit already recorded")
	ErrInvalidTransition     = newError(KindStateConflict, "invalid_transition", "invalid status transition")
	ErrAlreadyExists         = newError(KindStateConflict, "already_exists", "already exists")
	ErrLockHeld              = newError(KindStateConflict, "lock_held", "lock already held")
	ErrStaleVersion          = newError(KindStateConflict, "stale_version", "account changed concurrently")
	ErrTransferClaimed       = newError(KindStateConflict, "transfer_claimed", "transfer already applied")

	ErrExternalService  = newError(KindExternalService, "external_service", "external service failure")
	ErrSlippageExceeded = newError(KindExternalService, "slippage_exceeded", "swap output below minimum")
	ErrRateLimited      = newError(KindExternalService, "rate_limited", "rate limited")
	ErrRetriesExhausted = newError(KindExternalService, "retries_exhausted", "retries exhausted")

	// ErrUpstreamRejected is a partner API refusing a request outright.
	// Retrying the same request cannot succeed.
	ErrUpstreamRejected = newError(KindInternal, "upstream_rejected", "upstream rejected request")

	// ErrUnconfirmed is a relayer transaction that was broadcast but whose
	// receipt never arrived. It may still be mined.
	ErrUnconfirmed = newError(KindInternal, "tx_unconfirmed", "transaction sent but not confirmed")

	ErrInvalidSignature = newError(KindPermit, "invalid_signature", "signature does not recover to owner")
	ErrExpiredPermit    = newError(KindPermit, "expired_permit", "permit deadline has passed")
	ErrPermitReused     = newError(KindPermit, "permit_reused", "permit nonce already consumed")
)

// Wrapf returns a copy of base carrying a formatted message.
func Wrapf(base *Error, format string, args ...any) *Error {
	return &Error{Kind: base.Kind, Code: base.Code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches cause to a copy of base.
func Wrap(base *Error, cause error) *Error {
	return &Error{Kind: base.Kind, Code: base.Code, Message: base.Message, Err: cause}
}

// External wraps a failure from a collaborator such as the swap venue or an
// RPC node. Already-typed errors pass through unchanged.
func External(op string, err error) error {
	if err == nil {
		return nil
	}
	var de *Error
	if errors.As(err, &de) {
		return err
	}
	return &Error{Kind: KindExternalService, Code: ErrExternalService.Code, Message: op, Err: err}
}

// KindOf returns the kind of err, or KindInternal for untyped errors.
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindInternal
}

// CodeOf returns the code of err, or "internal" for untyped errors.
func CodeOf(err error) string {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return "internal"
}
