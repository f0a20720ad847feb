package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// AccountStore persists reputation state.
type AccountStore interface {
	// Get returns ErrNotFound when the account has never been seen.
	Get(ctx context.Context, ref AccountRef) (Account, error)
	Upsert(ctx context.Context, acct Account) error
}

// EscrowStore persists escrow balances together with the ledger entries that
// moved them.
type EscrowStore interface {
	// Get returns ErrNotFound when no escrow row exists for ref.
	Get(ctx context.Context, ref AccountRef) (EscrowAccount, error)
	// Apply persists a LedgerCommit in one transaction. It fails with
	// ErrStaleVersion when the stored version is not ExpectedVersion and with
	// ErrAlreadyExists when an entry with the same (kind, ref) is present.
	// Nothing is written on failure.
	Apply(ctx context.Context, c LedgerCommit) error
	// FindEntry looks up a ledger entry by its idempotency key.
	FindEntry(ctx context.Context, kind LedgerEntryKind, ref string) (LedgerEntry, error)
	ListEntries(ctx context.Context, acct AccountRef, opts ListOpts) ([]LedgerEntry, error)
	// ListOverdue returns accounts with positive debt due at or before now.
	ListOverdue(ctx context.Context, now time.Time, limit int) ([]EscrowAccount, error)
}

// LedgerCommit is the unit of work of one ledger mutation.
type LedgerCommit struct {
	Escrow          EscrowAccount
	ExpectedVersion int64
	// Account is nil when reputation state did not change.
	Account *Account
	Entries []LedgerEntry
}

// LoanStore persists gas loans.
type LoanStore interface {
	// Create fails with ErrAlreadyExists when a loan already uses the same
	// permit key.
	Create(ctx context.Context, loan Loan) error
	Update(ctx context.Context, loan Loan) error
	GetByID(ctx context.Context, id string) (Loan, error)
	ListByAccount(ctx context.Context, acct AccountRef, opts ListOpts) ([]Loan, error)
	ListByStatus(ctx context.Context, status LoanStatus, opts ListOpts) ([]Loan, error)
}

// TransactionStore persists the append-only movement audit trail.
type TransactionStore interface {
	Create(ctx context.Context, rec TransactionRecord) error
	// UpdateStatus fails with ErrInvalidTransition when the record is
	// already terminal.
	UpdateStatus(ctx context.Context, id string, status TxStatus, txHash string) error
	GetByID(ctx context.Context, id string) (TransactionRecord, error)
	ListByLoan(ctx context.Context, loanID string) ([]TransactionRecord, error)
	// ListTerminalBefore returns terminal records last updated before the cutoff.
	ListTerminalBefore(ctx context.Context, before time.Time) ([]TransactionRecord, error)
}

// StakingStore persists bridge-and-stake positions and their rewards.
type StakingStore interface {
	// Create fails with ErrAlreadyExists when the loan already has an active
	// position.
	Create(ctx context.Context, pos StakingPosition) error
	Update(ctx context.Context, pos StakingPosition) error
	GetByID(ctx context.Context, id string) (StakingPosition, error)
	// GetByLoan returns the most recent position for the loan.
	GetByLoan(ctx context.Context, loanID string) (StakingPosition, error)
	ListByStatus(ctx context.Context, status StakingStatus, opts ListOpts) ([]StakingPosition, error)
	AddReward(ctx context.Context, r Reward) error
	ListRewards(ctx context.Context, positionID string) ([]Reward, error)
}

// RepaymentStore persists processed repayments.
type RepaymentStore interface {
	// Create assigns the serial ID and returns the stored row.
	Create(ctx context.Context, r Repayment) (Repayment, error)
	// Latest returns the most recent repayment by creation time, ties broken
	// by ID. ErrNotFound when the account has none.
	Latest(ctx context.Context, acct AccountRef) (Repayment, error)
	ListBefore(ctx context.Context, before time.Time) ([]Repayment, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
