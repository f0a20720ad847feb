package domain

import (
	"math/big"
	"time"
)

// TxType is the kind of movement recorded in the audit trail.
type TxType string

const (
	TxDeposit  TxType = "DEPOSIT"
	TxSwap     TxType = "SWAP"
	TxBridge   TxType = "BRIDGE"
	TxStake    TxType = "STAKE"
	TxWithdraw TxType = "WITHDRAW"
	TxRepay    TxType = "REPAY"
)

// TxStatus is the state of a transaction record.
type TxStatus string

const (
	TxPending   TxStatus = "PENDING"
	TxCompleted TxStatus = "COMPLETED"
	TxFailed    TxStatus = "FAILED"
)

// Terminal reports whether the record is frozen.
func (s TxStatus) Terminal() bool {
	return s == TxCompleted || s == TxFailed
}

// TransactionRecord is one entry of the append-only audit trail.
type TransactionRecord struct {
	ID        string
	LoanID    string
	Account   AccountRef
	Type      TxType
	Status    TxStatus
	Amount    *big.Int
	ChainID   int64
	TxHash    string
	Detail    map[string]any
	CreatedAt time.Time
	UpdatedAt time.Time
}

// LedgerEntryKind names a sanctioned escrow mutation.
type LedgerEntryKind string

const (
	EntryDeposit  LedgerEntryKind = "deposit"
	EntryRepay    LedgerEntryKind = "repay"
	EntryWithdraw LedgerEntryKind = "withdraw"
	EntryDiscount LedgerEntryKind = "discount"
	// EntryPenalty records an overdue-debt reputation penalty. Its ref is the
	// account plus the due date, so each due period is penalized once.
	EntryPenalty LedgerEntryKind = "penalty"
	// EntryStakeFunding claims a wallet's inbound transfer as bridge-and-stake
	// principal. Balances are unchanged; the ref is the transfer, so each
	// transfer funds at most one position.
	EntryStakeFunding LedgerEntryKind = "stake_funding"
)

// LedgerEntry records one committed ledger mutation. (Kind, Ref) is unique,
// which makes every mutation with a reference idempotent.
type LedgerEntry struct {
	ID           int64
	Account      AccountRef
	Kind         LedgerEntryKind
	Ref          string
	Amount       *big.Int
	EscrowBefore *big.Int
	EscrowAfter  *big.Int
	DebtBefore   *big.Int
	DebtAfter    *big.Int
	CreatedAt    time.Time
}

// Repayment is a processed repayment request and the balance left over after
// the debt was covered.
type Repayment struct {
	ID                 int64
	Account            AccountRef
	TxHash             string // the wallet's transfer to the relayer
	Amount             *big.Int
	Applied            *big.Int
	NewOutstandingDebt *big.Int
	RemainingBalance   *big.Int
	CreatedAt          time.Time
}
