package postgres

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/margind/internal/domain"
)

// PositionStore implements domain.PositionStore using PostgreSQL. Big
// integers are stored as decimal strings so no precision is lost.
type PositionStore struct {
	pool *pgxpool.Pool
}

// NewPositionStore creates a PositionStore backed by the given pool.
func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

const positionSelectCols = `key, owner, is_call, instrument, strike, size,
	collateral, entry_rate, last_accrue_time, expiry, opened_at`

func parseBig(field, s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("postgres: parse %s %q", field, s)
	}
	return v, nil
}

func scanPositionRow(row pgx.Row) (domain.Position, error) {
	var p domain.Position
	var key, owner, instrument, strike, size, collateral, entryRate string

	err := row.Scan(
		&key, &owner, &p.IsCall, &instrument,
		&strike, &size, &collateral, &entryRate,
		&p.LastAccrueTime, &p.Expiry, &p.OpenedAt,
	)
	if err != nil {
		return domain.Position{}, err
	}

	p.Key = common.HexToHash(key)
	p.Owner = common.HexToAddress(owner)
	p.Instrument = common.HexToAddress(instrument)
	for _, f := range []struct {
		name string
		raw  string
		dst  **big.Int
	}{
		{"strike", strike, &p.Strike},
		{"size", size, &p.Size},
		{"collateral", collateral, &p.Collateral},
		{"entry_rate", entryRate, &p.EntryRate},
	} {
		v, err := parseBig(f.name, f.raw)
		if err != nil {
			return domain.Position{}, err
		}
		*f.dst = v
	}
	return p, nil
}

func scanPositionRows(rows pgx.Rows) ([]domain.Position, error) {
	var positions []domain.Position
	for rows.Next() {
		p, err := scanPositionRow(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// Create inserts a new open position.
func (s *PositionStore) Create(ctx context.Context, p domain.Position) error {
	const query = `
		INSERT INTO positions (
			key, owner, is_call, instrument, strike, size,
			collateral, entry_rate, last_accrue_time, expiry, opened_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10, $11, NOW()
		)`

	_, err := s.pool.Exec(ctx, query,
		p.Key.Hex(), p.Owner.Hex(), p.IsCall, p.Instrument.Hex(),
		p.Strike.String(), p.Size.String(),
		p.Collateral.String(), p.EntryRate.String(),
		p.LastAccrueTime, p.Expiry, p.OpenedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: create position %s: %w", p.Key.Hex(), err)
	}
	return nil
}

// UpdateAccrual persists the fields mutated by interest accrual and
// collateral top-ups.
func (s *PositionStore) UpdateAccrual(ctx context.Context, key common.Hash, collateral, entryRate *big.Int, lastAccrue time.Time) error {
	const query = `
		UPDATE positions SET
			collateral       = $2,
			entry_rate       = $3,
			last_accrue_time = $4,
			updated_at       = NOW()
		WHERE key = $1 AND status = 'open'`

	tag, err := s.pool.Exec(ctx, query,
		key.Hex(), collateral.String(), entryRate.String(), lastAccrue)
	if err != nil {
		return fmt.Errorf("postgres: update accrual %s: %w", key.Hex(), err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// Close marks a position closed with the given outcome.
func (s *PositionStore) Close(ctx context.Context, key common.Hash, outcome string, closedAt time.Time) error {
	const query = `
		UPDATE positions SET
			status     = 'closed',
			outcome    = $2,
			closed_at  = $3,
			updated_at = NOW()
		WHERE key = $1 AND status = 'open'`

	tag, err := s.pool.Exec(ctx, query, key.Hex(), outcome, closedAt)
	if err != nil {
		return fmt.Errorf("postgres: close position %s: %w", key.Hex(), err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// GetByKey retrieves a single position by its fingerprint.
func (s *PositionStore) GetByKey(ctx context.Context, key common.Hash) (domain.Position, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+positionSelectCols+` FROM positions WHERE key = $1`, key.Hex())

	p, err := scanPositionRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Position{}, domain.ErrNotFound
		}
		return domain.Position{}, fmt.Errorf("postgres: get position %s: %w", key.Hex(), err)
	}
	return p, nil
}

// ListOpen returns all open positions, oldest expiry first so the keeper
// scans the most urgent positions early.
func (s *PositionStore) ListOpen(ctx context.Context) ([]domain.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionSelectCols+` FROM positions
		 WHERE status = 'open'
		 ORDER BY expiry ASC`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list open positions: %w", err)
	}
	defer rows.Close()

	positions, err := scanPositionRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan open positions: %w", err)
	}
	return positions, nil
}

// ListByOwner returns the owner's positions with pagination and optional time
// filtering, open and closed alike.
func (s *PositionStore) ListByOwner(ctx context.Context, owner common.Address, opts domain.ListOpts) ([]domain.Position, error) {
	query := `SELECT ` + positionSelectCols + ` FROM positions WHERE owner = $1`
	args := []any{owner.Hex()}
	argIdx := 2

	if opts.Since != nil {
		query += fmt.Sprintf(" AND opened_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND opened_at <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}

	query += " ORDER BY opened_at DESC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list positions by owner: %w", err)
	}
	defer rows.Close()

	positions, err := scanPositionRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan positions by owner: %w", err)
	}
	return positions, nil
}

// Compile-time interface check.
var _ domain.PositionStore = (*PositionStore)(nil)
