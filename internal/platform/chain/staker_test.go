package chain

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/gasrelay/internal/config"
	"github.com/alanyoungcy/gasrelay/internal/domain"
)

func TestStakeLifecycle(t *testing.T) {
	c, b := newTestClient(t)
	b.pool = common.HexToAddress("0x00000000000000000000000000000000000000b0")
	s := NewStaker(c, []config.ChainConfig{
		{ChainID: testChain, SettlementToken: usdc.Hex(), StakingContract: b.pool.Hex()},
		{ChainID: 1},
	})
	ctx := context.Background()
	validator := "0x00000000000000000000000000000000000000Ee"

	receipt, err := s.Stake(ctx, domain.StakeRequest{ChainID: testChain, Validator: validator, Amount: big.NewInt(1_000), Owner: alice})
	require.NoError(t, err)
	assert.Equal(t, "1", receipt.StakeRef)
	assert.NotEmpty(t, receipt.TxHash)

	require.Len(t, b.sent, 2)
	assert.Equal(t, "approve", b.sent[0].method)
	assert.Equal(t, b.pool, b.sent[0].args[0])
	assert.Equal(t, "stake", b.sent[1].method)
	assert.Equal(t, alice, b.sent[1].args[2])

	b.rewards["1"] = big.NewInt(42)
	r, err := s.Rewards(ctx, testChain, receipt.StakeRef)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(42), r)

	claim, err := s.ClaimAndUnstake(ctx, testChain, receipt.StakeRef)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(1_000), claim.Principal)
	assert.Equal(t, big.NewInt(42), claim.Rewards)
}

func TestStakeValidation(t *testing.T) {
	c, _ := newTestClient(t)
	s := NewStaker(c, []config.ChainConfig{{ChainID: testChain, StakingContract: "0x00000000000000000000000000000000000000b0"}})
	ctx := context.Background()

	_, err := s.Stake(ctx, domain.StakeRequest{ChainID: 1, Validator: "0x01", Amount: big.NewInt(1)})
	assert.ErrorIs(t, err, domain.ErrValidation, "no pool on chain 1")

	_, err = s.Stake(ctx, domain.StakeRequest{ChainID: testChain, Validator: "validator-7", Amount: big.NewInt(1)})
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = s.Rewards(ctx, testChain, "not-a-number")
	assert.ErrorIs(t, err, domain.ErrValidation)
}
