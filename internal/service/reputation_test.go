package service

import (
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"

	"github.com/alanyoungcy/gasrelay/internal/domain"
)

func TestReputationGuard(t *testing.T) {
	g := NewReputationGuard(DefaultReputationPolicy())
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	base := domain.NewAccount(domain.AccountRef{ChainID: 8453, Address: common.HexToAddress("0x01")})

	t.Run("full repayment raises score", func(t *testing.T) {
		got := g.OnFullRepayment(base, now)
		assert.Equal(t, 55, got.ReputationScore)
		assert.False(t, g.IsBlacklisted(got, now))
	})

	t.Run("score is capped", func(t *testing.T) {
		acct := base
		acct.ReputationScore = 98
		assert.Equal(t, domain.MaxReputation, g.OnFullRepayment(acct, now).ReputationScore)
	})

	t.Run("score is floored", func(t *testing.T) {
		acct := base
		acct.ReputationScore = 4
		assert.Equal(t, domain.MinReputation, g.OnOverdue(acct, now).ReputationScore)
	})

	t.Run("overdue blacklists for the cooldown", func(t *testing.T) {
		got := g.OnOverdue(base, now)
		assert.Equal(t, 40, got.ReputationScore)
		assert.True(t, g.IsBlacklisted(got, now))
		assert.True(t, g.IsBlacklisted(got, now.Add(71*time.Hour)))
		assert.False(t, g.IsBlacklisted(got, now.Add(72*time.Hour)))
	})

	t.Run("repayment lifts blacklist", func(t *testing.T) {
		got := g.OnFullRepayment(g.OnOverdue(base, now), now.Add(time.Hour))
		assert.Equal(t, 45, got.ReputationScore)
		assert.False(t, g.IsBlacklisted(got, now.Add(time.Hour)))
		assert.Nil(t, got.BlacklistUntil)
	})

	t.Run("late repayment lifts blacklist without raising score", func(t *testing.T) {
		got := g.OnLateRepayment(g.OnOverdue(base, now), now.Add(time.Hour))
		assert.Equal(t, 40, got.ReputationScore)
		assert.False(t, g.IsBlacklisted(got, now.Add(time.Hour)))
	})
}
