package domain

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// LoanStatus tracks the gas-loan lifecycle.
type LoanStatus string

const (
	LoanPending    LoanStatus = "PENDING"
	LoanProcessing LoanStatus = "PROCESSING"
	LoanCompleted  LoanStatus = "COMPLETED"
	LoanFailed     LoanStatus = "FAILED"
)

// Terminal reports whether no further transition is allowed.
func (s LoanStatus) Terminal() bool {
	return s == LoanCompleted || s == LoanFailed
}

// Loan is one permit-funded swap and the debt it created.
type Loan struct {
	ID           string
	Account      AccountRef
	SourceToken  common.Address
	SourceAmount *big.Int
	SettleToken  common.Address
	PermitNonce  *big.Int
	Status       LoanStatus

	// Realized values recorded after the swap confirms.
	Proceeds   *big.Int
	GasCost    *big.Int
	ServiceFee *big.Int
	AmountOwed *big.Int

	DiscountApplied  bool
	FailureReason    string
	SettlementTxHash string

	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt *time.Time
}

// PermitKey identifies the permit that funded the loan. Exactly one loan may
// exist per key.
func (l Loan) PermitKey() string {
	return PermitKey(l.Account, l.SourceToken, l.PermitNonce)
}

// PermitKey builds the replay-protection key for an authorization nonce.
func PermitKey(owner AccountRef, token common.Address, nonce *big.Int) string {
	n := "0"
	if nonce != nil {
		n = nonce.String()
	}
	return owner.String() + ":" + token.Hex() + ":" + n
}
