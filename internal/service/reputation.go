package service

import (
	"time"

	"github.com/alanyoungcy/gasrelay/internal/domain"
)

// ReputationPolicy configures ReputationGuard.
type ReputationPolicy struct {
	Increment int
	Decrement int
	Cooldown  time.Duration
}

// DefaultReputationPolicy returns the stock increments and a 72h cooldown.
func DefaultReputationPolicy() ReputationPolicy {
	return ReputationPolicy{Increment: 5, Decrement: 10, Cooldown: 72 * time.Hour}
}

// ReputationGuard scores repayment behaviour. It is pure: callers persist the
// returned account as part of the ledger commit that triggered the change.
type ReputationGuard struct {
	policy ReputationPolicy
}

// NewReputationGuard creates a ReputationGuard.
func NewReputationGuard(policy ReputationPolicy) *ReputationGuard {
	return &ReputationGuard{policy: policy}
}

// OnFullRepayment rewards a debt reaching zero and lifts any blacklist.
func (g *ReputationGuard) OnFullRepayment(acct domain.Account, now time.Time) domain.Account {
	acct.ReputationScore = clampScore(acct.ReputationScore + g.policy.Increment)
	acct.Blacklisted = false
	acct.BlacklistUntil = nil
	acct.UpdatedAt = now
	return acct
}

// OnLateRepayment settles a debt that missed a due date. The blacklist is
// lifted but the score is not raised.
func (g *ReputationGuard) OnLateRepayment(acct domain.Account, now time.Time) domain.Account {
	acct.Blacklisted = false
	acct.BlacklistUntil = nil
	acct.UpdatedAt = now
	return acct
}

// OnOverdue penalises overdue debt and starts the blacklist cooldown.
func (g *ReputationGuard) OnOverdue(acct domain.Account, now time.Time) domain.Account {
	acct.ReputationScore = clampScore(acct.ReputationScore - g.policy.Decrement)
	until := now.Add(g.policy.Cooldown)
	acct.Blacklisted = true
	acct.BlacklistUntil = &until
	acct.UpdatedAt = now
	return acct
}

// IsBlacklisted reports whether acct is inside its cooldown at now.
func (g *ReputationGuard) IsBlacklisted(acct domain.Account, now time.Time) bool {
	return acct.IsBlacklisted(now)
}

func clampScore(v int) int {
	if v < domain.MinReputation {
		return domain.MinReputation
	}
	if v > domain.MaxReputation {
		return domain.MaxReputation
	}
	return v
}
