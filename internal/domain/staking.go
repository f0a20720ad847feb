package domain

import (
	"math/big"
	"time"
)

// StakingStatus tracks a bridge-and-stake position.
type StakingStatus string

const (
	StakingPending   StakingStatus = "PENDING"
	StakingBridged   StakingStatus = "BRIDGED" // on the destination chain, not staked yet
	StakingStaked    StakingStatus = "STAKED"
	StakingRewarding StakingStatus = "REWARDING"
	StakingCompleted StakingStatus = "COMPLETED"
	StakingRefunding StakingStatus = "REFUNDING" // principal owed back to the owner
	StakingFailed    StakingStatus = "FAILED"
)

// Active reports whether the position still holds or awaits funds.
func (s StakingStatus) Active() bool {
	return s == StakingPending || s == StakingBridged || s == StakingStaked || s == StakingRewarding || s == StakingRefunding
}

// Claimable reports whether the settlement finalizer may act on the position.
func (s StakingStatus) Claimable() bool {
	return s == StakingStaked || s == StakingRewarding
}

// StakingPosition is the destination-chain stake created for a loan.
type StakingPosition struct {
	ID                  string
	LoanID              string
	Account             AccountRef
	DestChainID         int64
	Validator           string
	BridgeID            string
	StakeRef            string // staker-side position identifier
	StakedAmount        *big.Int
	RewardsAccrued      *big.Int
	Status              StakingStatus
	FailureReason       string
	StakedAt            *time.Time
	LastUpdateTimestamp time.Time
	CreatedAt           time.Time
}

// Reward is an append-only record of rewards observed or claimed for a
// position.
type Reward struct {
	ID         string
	PositionID string
	Amount     *big.Int
	Claimed    bool
	CreatedAt  time.Time
}
