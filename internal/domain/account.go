package domain

import (
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Reputation bounds and the score assigned to accounts on first contact.
const (
	MinReputation     = 0
	MaxReputation     = 100
	DefaultReputation = 50
)

// AccountRef is a chain-scoped wallet identity.
type AccountRef struct {
	ChainID int64
	Address common.Address
}

// NewAccountRef builds an AccountRef from a hex address. It returns a
// validation error when the address is malformed.
func NewAccountRef(chainID int64, address string) (AccountRef, error) {
	if chainID <= 0 {
		return AccountRef{}, Wrapf(ErrValidation, "chain id must be positive, got %d", chainID)
	}
	if !common.IsHexAddress(address) {
		return AccountRef{}, Wrapf(ErrValidation, "invalid address %q", address)
	}
	return AccountRef{ChainID: chainID, Address: common.HexToAddress(address)}, nil
}

// ParseAccountRef parses the "eip155:<chain>:<address>" form produced by
// String.
func ParseAccountRef(s string) (AccountRef, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 || parts[0] != "eip155" {
		return AccountRef{}, Wrapf(ErrValidation, "invalid account ref %q", s)
	}
	chainID, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return AccountRef{}, Wrapf(ErrValidation, "invalid chain id in %q", s)
	}
	return NewAccountRef(chainID, parts[2])
}

// String returns the CAIP-10 style key used for storage and lock names.
func (a AccountRef) String() string {
	return fmt.Sprintf("eip155:%d:%s", a.ChainID, a.Address.Hex())
}

// IsZero reports whether the ref is unset.
func (a AccountRef) IsZero() bool {
	return a.ChainID == 0 && a.Address == (common.Address{})
}

// Account holds the reputation state the ledger keeps for a wallet.
type Account struct {
	Ref             AccountRef
	ReputationScore int
	Blacklisted     bool
	BlacklistUntil  *time.Time
	UpdatedAt       time.Time
}

// NewAccount returns an account with the default reputation.
func NewAccount(ref AccountRef) Account {
	return Account{Ref: ref, ReputationScore: DefaultReputation}
}

// IsBlacklisted reports whether the blacklist cooldown is still running at now.
func (a Account) IsBlacklisted(now time.Time) bool {
	if !a.Blacklisted {
		return false
	}
	return a.BlacklistUntil == nil || now.Before(*a.BlacklistUntil)
}

// EscrowAccount is the per-wallet escrow balance and outstanding gas debt.
type EscrowAccount struct {
	Ref             AccountRef
	EscrowedAmount  *big.Int
	OutstandingDebt *big.Int
	// DebtDueAt is the repayment deadline for the current debt. Nil when the
	// account carries no debt.
	DebtDueAt *time.Time
	// MissedDue is set once a due date passes with debt outstanding and
	// cleared when the debt reaches zero.
	MissedDue bool
	// Version increases by one on every committed mutation.
	Version   int64
	UpdatedAt time.Time
}

// NewEscrowAccount returns an empty escrow account for ref.
func NewEscrowAccount(ref AccountRef) EscrowAccount {
	return EscrowAccount{
		Ref:             ref,
		EscrowedAmount:  new(big.Int),
		OutstandingDebt: new(big.Int),
	}
}

// Clone returns a deep copy so callers can mutate balances freely.
func (e EscrowAccount) Clone() EscrowAccount {
	out := e
	out.EscrowedAmount = cloneInt(e.EscrowedAmount)
	out.OutstandingDebt = cloneInt(e.OutstandingDebt)
	if e.DebtDueAt != nil {
		t := *e.DebtDueAt
		out.DebtDueAt = &t
	}
	return out
}

// Valid reports whether both balances are non-negative.
func (e EscrowAccount) Valid() bool {
	return e.EscrowedAmount != nil && e.OutstandingDebt != nil &&
		e.EscrowedAmount.Sign() >= 0 && e.OutstandingDebt.Sign() >= 0
}

// AccountStatus is the read model returned by the ledger's status query.
type AccountStatus struct {
	Ref             AccountRef
	EscrowedAmount  *big.Int
	OutstandingDebt *big.Int
	ReputationScore int
	IsBlacklisted   bool
	BlacklistUntil  *time.Time
	DebtDueAt       *time.Time
}

func cloneInt(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}
