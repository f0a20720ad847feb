package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/gasrelay/internal/domain"
)

// TransactionStore implements domain.TransactionStore. Terminal records are
// frozen by the WHERE clause of UpdateStatus.
type TransactionStore struct {
	pool *pgxpool.Pool
}

func NewTransactionStore(pool *pgxpool.Pool) *TransactionStore {
	return &TransactionStore{pool: pool}
}

const txSelectCols = `id, loan_id, chain_id, address, type, status, amount::text,
	tx_chain_id, tx_hash, detail, created_at, updated_at`

func scanTx(row pgx.Row) (domain.TransactionRecord, error) {
	var (
		r                    domain.TransactionRecord
		chainID              int64
		address, typ, status string
		amount               *string
		detail               []byte
	)
	err := row.Scan(&r.ID, &r.LoanID, &chainID, &address, &typ, &status, &amount,
		&r.ChainID, &r.TxHash, &detail, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return domain.TransactionRecord{}, err
	}
	r.Account = accountRef(chainID, address)
	r.Type = domain.TxType(typ)
	r.Status = domain.TxStatus(status)
	if r.Amount, err = parseBig(amount); err != nil {
		return domain.TransactionRecord{}, err
	}
	if len(detail) > 0 {
		if err := json.Unmarshal(detail, &r.Detail); err != nil {
			return domain.TransactionRecord{}, fmt.Errorf("postgres: unmarshal tx detail: %w", err)
		}
	}
	return r, nil
}

func (s *TransactionStore) Create(ctx context.Context, r domain.TransactionRecord) error {
	var detail []byte
	if r.Detail != nil {
		var err error
		if detail, err = json.Marshal(r.Detail); err != nil {
			return fmt.Errorf("postgres: marshal tx detail: %w", err)
		}
	}
	const query = `
		INSERT INTO transactions (
			id, loan_id, chain_id, address, type, status, amount,
			tx_chain_id, tx_hash, detail, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7::numeric, $8, $9, $10, $11, $12)`
	_, err := s.pool.Exec(ctx, query,
		r.ID, r.LoanID, r.Account.ChainID, r.Account.Address.Hex(), string(r.Type), string(r.Status),
		numArg(r.Amount), r.ChainID, r.TxHash, detail, r.CreatedAt, r.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return domain.ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("postgres: create tx %s: %w", r.ID, err)
	}
	return nil
}

func (s *TransactionStore) UpdateStatus(ctx context.Context, id string, status domain.TxStatus, txHash string) error {
	const query = `
		UPDATE transactions SET
			status     = $2,
			tx_hash    = CASE WHEN $3 = '' THEN tx_hash ELSE $3 END,
			updated_at = $4
		WHERE id = $1 AND status NOT IN ('COMPLETED', 'FAILED')`
	tag, err := s.pool.Exec(ctx, query, id, string(status), txHash, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("postgres: update tx %s: %w", id, err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	// Distinguish a missing record from a frozen one.
	var current string
	err = s.pool.QueryRow(ctx, `SELECT status FROM transactions WHERE id = $1`, id).Scan(&current)
	if err != nil {
		return fmt.Errorf("postgres: update tx %s: %w", id, notFound(err))
	}
	return domain.Wrapf(domain.ErrInvalidTransition, "transaction %s is %s", id, current)
}

func (s *TransactionStore) GetByID(ctx context.Context, id string) (domain.TransactionRecord, error) {
	r, err := scanTx(s.pool.QueryRow(ctx, `SELECT `+txSelectCols+` FROM transactions WHERE id = $1`, id))
	if err != nil {
		return domain.TransactionRecord{}, fmt.Errorf("postgres: get tx %s: %w", id, notFound(err))
	}
	return r, nil
}

func (s *TransactionStore) ListByLoan(ctx context.Context, loanID string) ([]domain.TransactionRecord, error) {
	return s.list(ctx, `SELECT `+txSelectCols+` FROM transactions WHERE loan_id = $1 ORDER BY created_at ASC`, loanID)
}

func (s *TransactionStore) ListTerminalBefore(ctx context.Context, before time.Time) ([]domain.TransactionRecord, error) {
	return s.list(ctx, `SELECT `+txSelectCols+` FROM transactions
		WHERE status IN ('COMPLETED', 'FAILED') AND updated_at < $1
		ORDER BY updated_at ASC`, before)
}

func (s *TransactionStore) list(ctx context.Context, query string, args ...any) ([]domain.TransactionRecord, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list txs: %w", err)
	}
	defer rows.Close()

	var out []domain.TransactionRecord
	for rows.Next() {
		r, err := scanTx(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan tx: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

var _ domain.TransactionStore = (*TransactionStore)(nil)
