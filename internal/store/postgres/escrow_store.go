package postgres

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/gasrelay/internal/domain"
)

// EscrowStore implements domain.EscrowStore. Apply writes the balance row,
// the reputation row and the ledger entries in one transaction guarded by
// the row version.
type EscrowStore struct {
	pool *pgxpool.Pool
}

func NewEscrowStore(pool *pgxpool.Pool) *EscrowStore {
	return &EscrowStore{pool: pool}
}

const escrowSelectCols = `chain_id, address, escrowed_amount::text, outstanding_debt::text,
	debt_due_at, missed_due, version, updated_at`

func scanEscrow(row pgx.Row) (domain.EscrowAccount, error) {
	var (
		e            domain.EscrowAccount
		chainID      int64
		address      string
		escrow, debt *string
	)
	if err := row.Scan(&chainID, &address, &escrow, &debt, &e.DebtDueAt, &e.MissedDue, &e.Version, &e.UpdatedAt); err != nil {
		return domain.EscrowAccount{}, err
	}
	e.Ref = accountRef(chainID, address)
	if err := parseBigs([]**big.Int{&e.EscrowedAmount, &e.OutstandingDebt}, []*string{escrow, debt}); err != nil {
		return domain.EscrowAccount{}, err
	}
	return e, nil
}

func (s *EscrowStore) Get(ctx context.Context, ref domain.AccountRef) (domain.EscrowAccount, error) {
	query := `SELECT ` + escrowSelectCols + ` FROM escrow_accounts WHERE chain_id = $1 AND address = $2`
	e, err := scanEscrow(s.pool.QueryRow(ctx, query, ref.ChainID, ref.Address.Hex()))
	if err != nil {
		return domain.EscrowAccount{}, fmt.Errorf("postgres: get escrow %s: %w", ref, notFound(err))
	}
	return e, nil
}

func (s *EscrowStore) Apply(ctx context.Context, c domain.LedgerCommit) error {
	e := c.Escrow
	return inTx(ctx, s.pool, func(tx pgx.Tx) error {
		var (
			tag pgconn.CommandTag
			err error
		)
		if c.ExpectedVersion == 0 {
			tag, err = tx.Exec(ctx, `
				INSERT INTO escrow_accounts (chain_id, address, escrowed_amount, outstanding_debt, debt_due_at, missed_due, version, updated_at)
				VALUES ($1, $2, $3::numeric, $4::numeric, $5, $6, $7, $8)
				ON CONFLICT (chain_id, address) DO NOTHING`,
				e.Ref.ChainID, e.Ref.Address.Hex(), numArg(e.EscrowedAmount), numArg(e.OutstandingDebt),
				e.DebtDueAt, e.MissedDue, e.Version, e.UpdatedAt)
		} else {
			tag, err = tx.Exec(ctx, `
				UPDATE escrow_accounts SET
					escrowed_amount  = $3::numeric,
					outstanding_debt = $4::numeric,
					debt_due_at      = $5,
					missed_due       = $6,
					version          = $7,
					updated_at       = $8
				WHERE chain_id = $1 AND address = $2 AND version = $9`,
				e.Ref.ChainID, e.Ref.Address.Hex(), numArg(e.EscrowedAmount), numArg(e.OutstandingDebt),
				e.DebtDueAt, e.MissedDue, e.Version, e.UpdatedAt, c.ExpectedVersion)
		}
		if err != nil {
			return fmt.Errorf("postgres: write escrow %s: %w", e.Ref, err)
		}
		if tag.RowsAffected() == 0 {
			return domain.ErrStaleVersion
		}

		if c.Account != nil {
			if _, err := tx.Exec(ctx, upsertAccountSQL, accountArgs(*c.Account)...); err != nil {
				return fmt.Errorf("postgres: write account %s: %w", c.Account.Ref, err)
			}
		}

		for _, entry := range c.Entries {
			_, err := tx.Exec(ctx, `
				INSERT INTO ledger_entries (
					chain_id, address, kind, ref, amount,
					escrow_before, escrow_after, debt_before, debt_after, created_at
				) VALUES ($1, $2, $3, $4, $5::numeric, $6::numeric, $7::numeric, $8::numeric, $9::numeric, $10)`,
				entry.Account.ChainID, entry.Account.Address.Hex(), string(entry.Kind), entry.Ref,
				numArg(orZero(entry.Amount)),
				numArg(orZero(entry.EscrowBefore)), numArg(orZero(entry.EscrowAfter)),
				numArg(orZero(entry.DebtBefore)), numArg(orZero(entry.DebtAfter)),
				entry.CreatedAt,
			)
			if isUniqueViolation(err) {
				return domain.ErrAlreadyExists
			}
			if err != nil {
				return fmt.Errorf("postgres: insert ledger entry %s/%s: %w", entry.Kind, entry.Ref, err)
			}
		}
		return nil
	})
}

const entrySelectCols = `id, chain_id, address, kind, ref, amount::text,
	escrow_before::text, escrow_after::text, debt_before::text, debt_after::text, created_at`

func scanEntry(row pgx.Row) (domain.LedgerEntry, error) {
	var (
		e                   domain.LedgerEntry
		chainID             int64
		address, kind       string
		amt, eb, ea, db, da *string
	)
	if err := row.Scan(&e.ID, &chainID, &address, &kind, &e.Ref, &amt, &eb, &ea, &db, &da, &e.CreatedAt); err != nil {
		return domain.LedgerEntry{}, err
	}
	e.Account = accountRef(chainID, address)
	e.Kind = domain.LedgerEntryKind(kind)
	err := parseBigs(
		[]**big.Int{&e.Amount, &e.EscrowBefore, &e.EscrowAfter, &e.DebtBefore, &e.DebtAfter},
		[]*string{amt, eb, ea, db, da},
	)
	return e, err
}

func (s *EscrowStore) FindEntry(ctx context.Context, kind domain.LedgerEntryKind, ref string) (domain.LedgerEntry, error) {
	query := `SELECT ` + entrySelectCols + ` FROM ledger_entries WHERE kind = $1 AND ref = $2`
	e, err := scanEntry(s.pool.QueryRow(ctx, query, string(kind), ref))
	if err != nil {
		return domain.LedgerEntry{}, fmt.Errorf("postgres: find entry %s/%s: %w", kind, ref, notFound(err))
	}
	return e, nil
}

func (s *EscrowStore) ListEntries(ctx context.Context, acct domain.AccountRef, opts domain.ListOpts) ([]domain.LedgerEntry, error) {
	query, args := listClause(
		`SELECT `+entrySelectCols+` FROM ledger_entries WHERE chain_id = $1 AND address = $2`,
		[]any{acct.ChainID, acct.Address.Hex()}, "created_at", opts, "id ASC",
	)
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list entries %s: %w", acct, err)
	}
	defer rows.Close()

	var out []domain.LedgerEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *EscrowStore) ListOverdue(ctx context.Context, now time.Time, limit int) ([]domain.EscrowAccount, error) {
	query := `SELECT ` + escrowSelectCols + ` FROM escrow_accounts
		WHERE outstanding_debt > 0 AND debt_due_at IS NOT NULL AND debt_due_at <= $1
		ORDER BY debt_due_at ASC`
	args := []any{now}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list overdue: %w", err)
	}
	defer rows.Close()

	var out []domain.EscrowAccount
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan escrow: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}

var _ domain.EscrowStore = (*EscrowStore)(nil)
