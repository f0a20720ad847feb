package postgres

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/gasrelay/internal/domain"
)

// LoanStore implements domain.LoanStore. permit_key is unique, so a replayed
// permit can never fund a second loan.
type LoanStore struct {
	pool *pgxpool.Pool
}

func NewLoanStore(pool *pgxpool.Pool) *LoanStore {
	return &LoanStore{pool: pool}
}

const loanSelectCols = `id, chain_id, address, source_token, source_amount::text, settle_token,
	permit_nonce::text, status, proceeds::text, gas_cost::text, service_fee::text, amount_owed::text,
	discount_applied, failure_reason, settlement_tx_hash, created_at, updated_at, completed_at`

func scanLoan(row pgx.Row) (domain.Loan, error) {
	var (
		l                       domain.Loan
		chainID                 int64
		address, source, settle string
		status                  string
		srcAmt, nonce           *string
		proceeds, gas, fee, owe *string
	)
	err := row.Scan(
		&l.ID, &chainID, &address, &source, &srcAmt, &settle,
		&nonce, &status, &proceeds, &gas, &fee, &owe,
		&l.DiscountApplied, &l.FailureReason, &l.SettlementTxHash,
		&l.CreatedAt, &l.UpdatedAt, &l.CompletedAt,
	)
	if err != nil {
		return domain.Loan{}, err
	}
	l.Account = accountRef(chainID, address)
	l.SourceToken = common.HexToAddress(source)
	l.SettleToken = common.HexToAddress(settle)
	l.Status = domain.LoanStatus(status)
	err = parseBigs(
		[]**big.Int{&l.SourceAmount, &l.PermitNonce, &l.Proceeds, &l.GasCost, &l.ServiceFee, &l.AmountOwed},
		[]*string{srcAmt, nonce, proceeds, gas, fee, owe},
	)
	return l, err
}

func (s *LoanStore) Create(ctx context.Context, l domain.Loan) error {
	const query = `
		INSERT INTO loans (
			id, chain_id, address, source_token, source_amount, settle_token,
			permit_nonce, permit_key, status, proceeds, gas_cost, service_fee, amount_owed,
			discount_applied, failure_reason, settlement_tx_hash, created_at, updated_at, completed_at
		) VALUES (
			$1, $2, $3, $4, $5::numeric, $6,
			$7::numeric, $8, $9, $10::numeric, $11::numeric, $12::numeric, $13::numeric,
			$14, $15, $16, $17, $18, $19
		)`
	_, err := s.pool.Exec(ctx, query,
		l.ID, l.Account.ChainID, l.Account.Address.Hex(), l.SourceToken.Hex(), numArg(orZero(l.SourceAmount)), l.SettleToken.Hex(),
		numArg(orZero(l.PermitNonce)), l.PermitKey(), string(l.Status),
		numArg(l.Proceeds), numArg(l.GasCost), numArg(l.ServiceFee), numArg(l.AmountOwed),
		l.DiscountApplied, l.FailureReason, l.SettlementTxHash, l.CreatedAt, l.UpdatedAt, l.CompletedAt,
	)
	if isUniqueViolation(err) {
		return domain.Wrapf(domain.ErrAlreadyExists, "loan for permit %s already exists", l.PermitKey())
	}
	if err != nil {
		return fmt.Errorf("postgres: create loan %s: %w", l.ID, err)
	}
	return nil
}

func (s *LoanStore) Update(ctx context.Context, l domain.Loan) error {
	const query = `
		UPDATE loans SET
			status             = $2,
			proceeds           = $3::numeric,
			gas_cost           = $4::numeric,
			service_fee        = $5::numeric,
			amount_owed        = $6::numeric,
			discount_applied   = $7,
			failure_reason     = $8,
			settlement_tx_hash = $9,
			updated_at         = $10,
			completed_at       = $11
		WHERE id = $1`
	tag, err := s.pool.Exec(ctx, query,
		l.ID, string(l.Status),
		numArg(l.Proceeds), numArg(l.GasCost), numArg(l.ServiceFee), numArg(l.AmountOwed),
		l.DiscountApplied, l.FailureReason, l.SettlementTxHash, l.UpdatedAt, l.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: update loan %s: %w", l.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: update loan %s: %w", l.ID, domain.ErrNotFound)
	}
	return nil
}

func (s *LoanStore) GetByID(ctx context.Context, id string) (domain.Loan, error) {
	l, err := scanLoan(s.pool.QueryRow(ctx, `SELECT `+loanSelectCols+` FROM loans WHERE id = $1`, id))
	if err != nil {
		return domain.Loan{}, fmt.Errorf("postgres: get loan %s: %w", id, notFound(err))
	}
	return l, nil
}

func (s *LoanStore) ListByAccount(ctx context.Context, acct domain.AccountRef, opts domain.ListOpts) ([]domain.Loan, error) {
	query, args := listClause(
		`SELECT `+loanSelectCols+` FROM loans WHERE chain_id = $1 AND address = $2`,
		[]any{acct.ChainID, acct.Address.Hex()}, "created_at", opts, "created_at DESC",
	)
	return s.list(ctx, query, args)
}

func (s *LoanStore) ListByStatus(ctx context.Context, status domain.LoanStatus, opts domain.ListOpts) ([]domain.Loan, error) {
	query, args := listClause(
		`SELECT `+loanSelectCols+` FROM loans WHERE status = $1`,
		[]any{string(status)}, "created_at", opts, "created_at DESC",
	)
	return s.list(ctx, query, args)
}

func (s *LoanStore) list(ctx context.Context, query string, args []any) ([]domain.Loan, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list loans: %w", err)
	}
	defer rows.Close()

	var out []domain.Loan
	for rows.Next() {
		l, err := scanLoan(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan loan: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

var _ domain.LoanStore = (*LoanStore)(nil)
