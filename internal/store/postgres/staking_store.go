package postgres

import (
	"context"
	"fmt"
	"math/big"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/gasrelay/internal/domain"
)

// StakingStore implements domain.StakingStore. A partial unique index keeps
// at most one active position per loan.
type StakingStore struct {
	pool *pgxpool.Pool
}

func NewStakingStore(pool *pgxpool.Pool) *StakingStore {
	return &StakingStore{pool: pool}
}

const positionSelectCols = `id, loan_id, chain_id, address, dest_chain_id, validator, bridge_id,
	stake_ref, staked_amount::text, rewards_accrued::text, status, failure_reason,
	staked_at, last_update, created_at`

func scanPosition(row pgx.Row) (domain.StakingPosition, error) {
	var (
		p               domain.StakingPosition
		chainID         int64
		address, status string
		staked, rewards *string
	)
	err := row.Scan(
		&p.ID, &p.LoanID, &chainID, &address, &p.DestChainID, &p.Validator, &p.BridgeID,
		&p.StakeRef, &staked, &rewards, &status, &p.FailureReason,
		&p.StakedAt, &p.LastUpdateTimestamp, &p.CreatedAt,
	)
	if err != nil {
		return domain.StakingPosition{}, err
	}
	p.Account = accountRef(chainID, address)
	p.Status = domain.StakingStatus(status)
	err = parseBigs([]**big.Int{&p.StakedAmount, &p.RewardsAccrued}, []*string{staked, rewards})
	return p, err
}

func (s *StakingStore) Create(ctx context.Context, p domain.StakingPosition) error {
	const query = `
		INSERT INTO staking_positions (
			id, loan_id, chain_id, address, dest_chain_id, validator, bridge_id,
			stake_ref, staked_amount, rewards_accrued, status, failure_reason,
			staked_at, last_update, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::numeric, $10::numeric, $11, $12, $13, $14, $15)`
	_, err := s.pool.Exec(ctx, query,
		p.ID, p.LoanID, p.Account.ChainID, p.Account.Address.Hex(), p.DestChainID, p.Validator, p.BridgeID,
		p.StakeRef, numArg(orZero(p.StakedAmount)), numArg(p.RewardsAccrued), string(p.Status), p.FailureReason,
		p.StakedAt, p.LastUpdateTimestamp, p.CreatedAt,
	)
	if isUniqueViolation(err) {
		return domain.Wrapf(domain.ErrAlreadyExists, "loan %s already has an active position", p.LoanID)
	}
	if err != nil {
		return fmt.Errorf("postgres: create position %s: %w", p.ID, err)
	}
	return nil
}

func (s *StakingStore) Update(ctx context.Context, p domain.StakingPosition) error {
	const query = `
		UPDATE staking_positions SET
			validator       = $2,
			bridge_id       = $3,
			stake_ref       = $4,
			staked_amount   = $5::numeric,
			rewards_accrued = $6::numeric,
			status          = $7,
			failure_reason  = $8,
			staked_at       = $9,
			last_update     = $10
		WHERE id = $1`
	tag, err := s.pool.Exec(ctx, query,
		p.ID, p.Validator, p.BridgeID, p.StakeRef,
		numArg(orZero(p.StakedAmount)), numArg(p.RewardsAccrued), string(p.Status), p.FailureReason,
		p.StakedAt, p.LastUpdateTimestamp,
	)
	if err != nil {
		return fmt.Errorf("postgres: update position %s: %w", p.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: update position %s: %w", p.ID, domain.ErrNotFound)
	}
	return nil
}

func (s *StakingStore) GetByID(ctx context.Context, id string) (domain.StakingPosition, error) {
	p, err := scanPosition(s.pool.QueryRow(ctx, `SELECT `+positionSelectCols+` FROM staking_positions WHERE id = $1`, id))
	if err != nil {
		return domain.StakingPosition{}, fmt.Errorf("postgres: get position %s: %w", id, notFound(err))
	}
	return p, nil
}

func (s *StakingStore) GetByLoan(ctx context.Context, loanID string) (domain.StakingPosition, error) {
	query := `SELECT ` + positionSelectCols + ` FROM staking_positions
		WHERE loan_id = $1 ORDER BY created_at DESC LIMIT 1`
	p, err := scanPosition(s.pool.QueryRow(ctx, query, loanID))
	if err != nil {
		return domain.StakingPosition{}, fmt.Errorf("postgres: get position for loan %s: %w", loanID, notFound(err))
	}
	return p, nil
}

func (s *StakingStore) ListByStatus(ctx context.Context, status domain.StakingStatus, opts domain.ListOpts) ([]domain.StakingPosition, error) {
	query, args := listClause(
		`SELECT `+positionSelectCols+` FROM staking_positions WHERE status = $1`,
		[]any{string(status)}, "created_at", opts, "created_at ASC",
	)
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list positions %s: %w", status, err)
	}
	defer rows.Close()

	var out []domain.StakingPosition
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan position: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *StakingStore) AddReward(ctx context.Context, r domain.Reward) error {
	const query = `
		INSERT INTO staking_rewards (id, position_id, amount, claimed, created_at)
		VALUES ($1, $2, $3::numeric, $4, $5)`
	_, err := s.pool.Exec(ctx, query, r.ID, r.PositionID, numArg(orZero(r.Amount)), r.Claimed, r.CreatedAt)
	if isUniqueViolation(err) {
		return domain.ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("postgres: add reward %s: %w", r.ID, err)
	}
	return nil
}

func (s *StakingStore) ListRewards(ctx context.Context, positionID string) ([]domain.Reward, error) {
	const query = `
		SELECT id, position_id, amount::text, claimed, created_at
		FROM staking_rewards WHERE position_id = $1 ORDER BY created_at ASC, id ASC`
	rows, err := s.pool.Query(ctx, query, positionID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list rewards %s: %w", positionID, err)
	}
	defer rows.Close()

	var out []domain.Reward
	for rows.Next() {
		var (
			r      domain.Reward
			amount *string
		)
		if err := rows.Scan(&r.ID, &r.PositionID, &amount, &r.Claimed, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan reward: %w", err)
		}
		if r.Amount, err = parseBig(amount); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

var _ domain.StakingStore = (*StakingStore)(nil)
