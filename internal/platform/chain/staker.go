package chain

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/alanyoungcy/gasrelay/internal/config"
	"github.com/alanyoungcy/gasrelay/internal/domain"
)

type stakingDeployment struct {
	pool  common.Address
	token common.Address
}

// Staker implements domain.Staker against the staking pool deployed on each
// destination chain. The relayer stakes on the owner's behalf and the pool
// credits the owner as beneficiary.
type Staker struct {
	client      *Client
	deployments map[int64]stakingDeployment
}

var _ domain.Staker = (*Staker)(nil)

// NewStaker binds the chains that configure a staking contract.
func NewStaker(client *Client, chains []config.ChainConfig) *Staker {
	s := &Staker{client: client, deployments: make(map[int64]stakingDeployment)}
	for _, ch := range chains {
		if ch.StakingContract == "" {
			continue
		}
		s.deployments[ch.ChainID] = stakingDeployment{
			pool:  common.HexToAddress(ch.StakingContract),
			token: common.HexToAddress(ch.SettlementToken),
		}
	}
	return s
}

func (s *Staker) deployment(chainID int64) (stakingDeployment, error) {
	d, ok := s.deployments[chainID]
	if !ok {
		return stakingDeployment{}, domain.Wrapf(domain.ErrValidation, "no staking contract on chain %d", chainID)
	}
	return d, nil
}

// Stake approves the pool for amount and delegates it to the validator.
func (s *Staker) Stake(ctx context.Context, req domain.StakeRequest) (domain.StakeReceipt, error) {
	d, err := s.deployment(req.ChainID)
	if err != nil {
		return domain.StakeReceipt{}, err
	}
	if !common.IsHexAddress(req.Validator) {
		return domain.StakeReceipt{}, domain.Wrapf(domain.ErrValidation, "validator %q is not an address", req.Validator)
	}

	approve, err := erc20ABI.Pack("approve", d.pool, req.Amount)
	if err != nil {
		return domain.StakeReceipt{}, fmt.Errorf("chain/staker: pack approve: %w", err)
	}
	if _, err := s.client.send(ctx, req.ChainID, d.token, approve); err != nil {
		return domain.StakeReceipt{}, fmt.Errorf("chain/staker: approve: %w", err)
	}

	data, err := stakingPool.Pack("stake", common.HexToAddress(req.Validator), req.Amount, req.Owner)
	if err != nil {
		return domain.StakeReceipt{}, fmt.Errorf("chain/staker: pack stake: %w", err)
	}
	receipt, err := s.client.send(ctx, req.ChainID, d.pool, data)
	if err != nil {
		return domain.StakeReceipt{}, fmt.Errorf("chain/staker: stake: %w", err)
	}

	ev, err := findEvent(receipt, d.pool, stakingPool.Events["Staked"])
	if err != nil {
		return domain.StakeReceipt{}, fmt.Errorf("chain/staker: %w", err)
	}
	stakeID := new(big.Int).SetBytes(ev.Topics[1].Bytes())
	return domain.StakeReceipt{StakeRef: stakeID.String(), TxHash: receipt.TxHash.Hex()}, nil
}

// Rewards returns the total rewards accrued by the stake so far.
func (s *Staker) Rewards(ctx context.Context, chainID int64, stakeRef string) (*big.Int, error) {
	d, err := s.deployment(chainID)
	if err != nil {
		return nil, err
	}
	id, err := parseStakeRef(stakeRef)
	if err != nil {
		return nil, err
	}
	b, err := s.client.backend(chainID)
	if err != nil {
		return nil, err
	}
	var n *big.Int
	if err := call(ctx, b, stakingPool, d.pool, "pendingRewards", &n, id); err != nil {
		return nil, fmt.Errorf("chain/staker: pendingRewards(%s): %w", stakeRef, err)
	}
	return n, nil
}

// ClaimAndUnstake closes the stake. Principal and rewards are paid to the
// relayer, which settles them through the ledger.
func (s *Staker) ClaimAndUnstake(ctx context.Context, chainID int64, stakeRef string) (domain.ClaimResult, error) {
	d, err := s.deployment(chainID)
	if err != nil {
		return domain.ClaimResult{}, err
	}
	id, err := parseStakeRef(stakeRef)
	if err != nil {
		return domain.ClaimResult{}, err
	}
	data, err := stakingPool.Pack("claimAndUnstake", id)
	if err != nil {
		return domain.ClaimResult{}, fmt.Errorf("chain/staker: pack claim: %w", err)
	}
	receipt, err := s.client.send(ctx, chainID, d.pool, data)
	if err != nil {
		return domain.ClaimResult{}, fmt.Errorf("chain/staker: claim %s: %w", stakeRef, err)
	}

	ev, err := findEvent(receipt, d.pool, stakingPool.Events["Unstaked"])
	if err != nil {
		return domain.ClaimResult{}, fmt.Errorf("chain/staker: %w", err)
	}
	values, err := stakingPool.Unpack("Unstaked", ev.Data)
	if err != nil || len(values) != 2 {
		return domain.ClaimResult{}, fmt.Errorf("chain/staker: decode Unstaked: %v", err)
	}
	principal, _ := values[0].(*big.Int)
	rewards, _ := values[1].(*big.Int)
	return domain.ClaimResult{Principal: principal, Rewards: rewards, TxHash: receipt.TxHash.Hex()}, nil
}

func parseStakeRef(ref string) (*big.Int, error) {
	id, ok := new(big.Int).SetString(ref, 10)
	if !ok || id.Sign() < 0 {
		return nil, domain.Wrapf(domain.ErrValidation, "invalid stake ref %q", ref)
	}
	return id, nil
}

func findEvent(receipt *types.Receipt, emitter common.Address, event abi.Event) (*types.Log, error) {
	for _, l := range receipt.Logs {
		if l.Address == emitter && len(l.Topics) > 1 && l.Topics[0] == event.ID {
			return l, nil
		}
	}
	return nil, fmt.Errorf("no %s event in %s", event.Name, receipt.TxHash.Hex())
}
