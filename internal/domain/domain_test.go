package domain

import (
	"errors"
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiscountedDebtTruncates(t *testing.T) {
	cases := []struct {
		debt int64
		rate string
		want int64
	}{
		{1000, "0.2", 800},
		{999, "0.2", 799}, // 799.2
		{7, "0.5", 3},     // 3.5
		{1000, "0", 1000},
		{1000, "1", 0},
		{1000, "1.5", 0},     // clamped to 1
		{1000, "-0.3", 1000}, // clamped to 0
		{0, "0.2", 0},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprintf("%d@%s", tc.debt, tc.rate), func(t *testing.T) {
			got := DiscountedDebt(big.NewInt(tc.debt), decimal.RequireFromString(tc.rate))
			assert.Equal(t, tc.want, got.Int64())
		})
	}
}

func TestBasisPoints(t *testing.T) {
	assert.Equal(t, int64(25), BasisPoints(big.NewInt(10_000), 25).Int64())
	assert.Equal(t, int64(0), BasisPoints(big.NewInt(39), 25).Int64())
	assert.Equal(t, int64(0), BasisPoints(nil, 25).Int64())
	assert.Equal(t, int64(0), BasisPoints(big.NewInt(10_000), 0).Int64())
}

func TestUnitsRoundTrip(t *testing.T) {
	v, err := ParseUnits("12.5", 6)
	require.NoError(t, err)
	assert.Equal(t, "12500000", v.String())
	assert.Equal(t, "12.5", FormatUnits(v, 6))

	v, err = ParseUnits("0.0000019", 6)
	require.NoError(t, err)
	assert.Equal(t, "1", v.String(), "extra precision is truncated")

	_, err = ParseUnits("-1", 6)
	assert.ErrorIs(t, err, ErrValidation)
	_, err = ParseBaseUnits("1.5")
	assert.ErrorIs(t, err, ErrValidation)
	_, err = ParseBaseUnits("-3")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestAccountRefParsing(t *testing.T) {
	ref, err := NewAccountRef(137, "0x00000000000000000000000000000000000a11ce")
	require.NoError(t, err)
	assert.Equal(t, "eip155:137:"+ref.Address.Hex(), ref.String())

	back, err := ParseAccountRef(ref.String())
	require.NoError(t, err)
	assert.Equal(t, ref, back)

	for _, bad := range []string{
		"",
		"137:0x00000000000000000000000000000000000a11ce",
		"eip155:x:0x00000000000000000000000000000000000a11ce",
		"eip155:0:0x00000000000000000000000000000000000a11ce",
		"eip155:137:not-an-address",
		"solana:1:0x00000000000000000000000000000000000a11ce",
	} {
		_, err := ParseAccountRef(bad)
		assert.ErrorIs(t, err, ErrValidation, bad)
	}
	assert.True(t, AccountRef{}.IsZero())
}

func TestBlacklistCooldown(t *testing.T) {
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	until := now.Add(time.Hour)
	acct := NewAccount(AccountRef{ChainID: 1})
	assert.Equal(t, DefaultReputation, acct.ReputationScore)
	assert.False(t, acct.IsBlacklisted(now))

	acct.Blacklisted = true
	acct.BlacklistUntil = &until
	assert.True(t, acct.IsBlacklisted(now))
	assert.False(t, acct.IsBlacklisted(until), "cooldown ends at BlacklistUntil")
}

func TestEscrowAccountCloneIsDeep(t *testing.T) {
	e := NewEscrowAccount(AccountRef{ChainID: 1})
	e.EscrowedAmount.SetInt64(10)
	c := e.Clone()
	c.EscrowedAmount.SetInt64(99)
	assert.Equal(t, int64(10), e.EscrowedAmount.Int64())
	assert.True(t, c.Valid())

	c.OutstandingDebt.SetInt64(-1)
	assert.False(t, c.Valid())
}

func TestErrorsMatchByCode(t *testing.T) {
	err := fmt.Errorf("service: op: %w", Wrapf(ErrBlacklisted, "until %s", "tomorrow"))
	assert.ErrorIs(t, err, ErrBlacklisted)
	assert.NotErrorIs(t, err, ErrUnauthorized, "same kind, different code")
	assert.Equal(t, KindUnauthorized, KindOf(err))
	assert.Equal(t, "blacklisted", CodeOf(err))

	cause := errors.New("connection reset")
	ext := External("quote", cause)
	assert.ErrorIs(t, ext, ErrExternalService)
	assert.ErrorIs(t, ext, cause)
	assert.Equal(t, KindExternalService, KindOf(ext))
	assert.Same(t, ErrPermitReused, External("claim", ErrPermitReused), "typed errors pass through")

	assert.Equal(t, KindInternal, KindOf(cause))
	assert.Equal(t, "internal", CodeOf(cause))
}

func TestCallerOwnership(t *testing.T) {
	addr := common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	ref := AccountRef{ChainID: 137, Address: addr}
	assert.True(t, UserCaller(addr).Owns(ref))
	assert.False(t, RelayerCaller(addr).Owns(ref), "the relayer never acts as an owner")
	assert.True(t, RelayerCaller(addr).IsRelayer())
}
