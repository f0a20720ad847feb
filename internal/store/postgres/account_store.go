package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/gasrelay/internal/domain"
)

// AccountStore implements domain.AccountStore.
type AccountStore struct {
	pool *pgxpool.Pool
}

func NewAccountStore(pool *pgxpool.Pool) *AccountStore {
	return &AccountStore{pool: pool}
}

func (s *AccountStore) Get(ctx context.Context, ref domain.AccountRef) (domain.Account, error) {
	const query = `
		SELECT reputation_score, blacklisted, blacklist_until, updated_at
		FROM accounts WHERE chain_id = $1 AND address = $2`

	a := domain.Account{Ref: ref}
	err := s.pool.QueryRow(ctx, query, ref.ChainID, ref.Address.Hex()).
		Scan(&a.ReputationScore, &a.Blacklisted, &a.BlacklistUntil, &a.UpdatedAt)
	if err != nil {
		return domain.Account{}, fmt.Errorf("postgres: get account %s: %w", ref, notFound(err))
	}
	return a, nil
}

func (s *AccountStore) Upsert(ctx context.Context, a domain.Account) error {
	_, err := s.pool.Exec(ctx, upsertAccountSQL, accountArgs(a)...)
	if err != nil {
		return fmt.Errorf("postgres: upsert account %s: %w", a.Ref, err)
	}
	return nil
}

const upsertAccountSQL = `
	INSERT INTO accounts (chain_id, address, reputation_score, blacklisted, blacklist_until, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6)
	ON CONFLICT (chain_id, address) DO UPDATE SET
		reputation_score = EXCLUDED.reputation_score,
		blacklisted      = EXCLUDED.blacklisted,
		blacklist_until  = EXCLUDED.blacklist_until,
		updated_at       = EXCLUDED.updated_at`

func accountArgs(a domain.Account) []any {
	return []any{a.Ref.ChainID, a.Ref.Address.Hex(), a.ReputationScore, a.Blacklisted, a.BlacklistUntil, a.UpdatedAt}
}

var _ domain.AccountStore = (*AccountStore)(nil)
