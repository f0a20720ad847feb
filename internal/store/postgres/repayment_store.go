package postgres

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/gasrelay/internal/domain"
)

// RepaymentStore implements domain.RepaymentStore.
type RepaymentStore struct {
	pool *pgxpool.Pool
}

func NewRepaymentStore(pool *pgxpool.Pool) *RepaymentStore {
	return &RepaymentStore{pool: pool}
}

const repaymentSelectCols = `id, chain_id, address, tx_hash, amount::text, applied::text,
	new_outstanding_debt::text, remaining_balance::text, created_at`

func scanRepayment(row pgx.Row) (domain.Repayment, error) {
	var (
		r                     domain.Repayment
		chainID               int64
		address               string
		amount, applied, debt *string
		remaining             *string
	)
	if err := row.Scan(&r.ID, &chainID, &address, &r.TxHash, &amount, &applied, &debt, &remaining, &r.CreatedAt); err != nil {
		return domain.Repayment{}, err
	}
	r.Account = accountRef(chainID, address)
	err := parseBigs(
		[]**big.Int{&r.Amount, &r.Applied, &r.NewOutstandingDebt, &r.RemainingBalance},
		[]*string{amount, applied, debt, remaining},
	)
	return r, err
}

// Create inserts r and returns it with the assigned serial ID.
func (s *RepaymentStore) Create(ctx context.Context, r domain.Repayment) (domain.Repayment, error) {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	const query = `
		INSERT INTO repayments (chain_id, address, tx_hash, amount, applied, new_outstanding_debt, remaining_balance, created_at)
		VALUES ($1, $2, $3, $4::numeric, $5::numeric, $6::numeric, $7::numeric, $8)
		RETURNING id`
	err := s.pool.QueryRow(ctx, query,
		r.Account.ChainID, r.Account.Address.Hex(), r.TxHash,
		numArg(orZero(r.Amount)), numArg(orZero(r.Applied)),
		numArg(orZero(r.NewOutstandingDebt)), numArg(orZero(r.RemainingBalance)),
		r.CreatedAt,
	).Scan(&r.ID)
	if err != nil {
		return domain.Repayment{}, fmt.Errorf("postgres: create repayment for %s: %w", r.Account, err)
	}
	return r, nil
}

func (s *RepaymentStore) Latest(ctx context.Context, acct domain.AccountRef) (domain.Repayment, error) {
	query := `SELECT ` + repaymentSelectCols + ` FROM repayments
		WHERE chain_id = $1 AND address = $2
		ORDER BY created_at DESC, id DESC LIMIT 1`
	r, err := scanRepayment(s.pool.QueryRow(ctx, query, acct.ChainID, acct.Address.Hex()))
	if err != nil {
		return domain.Repayment{}, fmt.Errorf("postgres: latest repayment %s: %w", acct, notFound(err))
	}
	return r, nil
}

func (s *RepaymentStore) ListBefore(ctx context.Context, before time.Time) ([]domain.Repayment, error) {
	query := `SELECT ` + repaymentSelectCols + ` FROM repayments WHERE created_at < $1 ORDER BY created_at ASC, id ASC`
	rows, err := s.pool.Query(ctx, query, before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list repayments: %w", err)
	}
	defer rows.Close()

	var out []domain.Repayment
	for rows.Next() {
		r, err := scanRepayment(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan repayment: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

var _ domain.RepaymentStore = (*RepaymentStore)(nil)
