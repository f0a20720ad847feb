package postgres

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/alanyoungcy/gasrelay/internal/domain"
)

const uniqueViolation = "23505"

// numArg renders an amount for a ::numeric parameter. Nil stays NULL.
func numArg(v *big.Int) any {
	if v == nil {
		return nil
	}
	return v.String()
}

// parseBig converts a ::text projection of a NUMERIC column. NULL maps to
// nil.
func parseBig(s *string) (*big.Int, error) {
	if s == nil {
		return nil, nil
	}
	v, ok := new(big.Int).SetString(*s, 10)
	if !ok {
		return nil, fmt.Errorf("postgres: bad numeric %q", *s)
	}
	return v, nil
}

// parseBigs parses each src into the matching dst.
func parseBigs(dst []**big.Int, src []*string) error {
	for i := range dst {
		v, err := parseBig(src[i])
		if err != nil {
			return err
		}
		*dst[i] = v
	}
	return nil
}

func accountRef(chainID int64, address string) domain.AccountRef {
	return domain.AccountRef{ChainID: chainID, Address: common.HexToAddress(address)}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// notFound maps pgx.ErrNoRows to domain.ErrNotFound.
func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ErrNotFound
	}
	return err
}

// listClause appends the created_at window and pagination of opts.
func listClause(query string, args []any, col string, opts domain.ListOpts, order string) (string, []any) {
	if opts.Since != nil {
		args = append(args, *opts.Since)
		query += fmt.Sprintf(" AND %s >= $%d", col, len(args))
	}
	if opts.Until != nil {
		args = append(args, *opts.Until)
		query += fmt.Sprintf(" AND %s < $%d", col, len(args))
	}
	query += " ORDER BY " + order
	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if opts.Offset > 0 {
		args = append(args, opts.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}
	return query, args
}
