package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/margind/internal/domain"
)

// SettlementStore implements domain.SettlementStore using PostgreSQL.
type SettlementStore struct {
	pool *pgxpool.Pool
}

// NewSettlementStore creates a SettlementStore backed by the given pool.
func NewSettlementStore(pool *pgxpool.Pool) *SettlementStore {
	return &SettlementStore{pool: pool}
}

const settlementSelectCols = `id, position_key, owner, instrument, kind,
	outcome, settle_price, collateral_paid, vault_recovered, fees_paid, settled_at`

func scanSettlementRows(rows pgx.Rows) ([]domain.SettlementRecord, error) {
	var records []domain.SettlementRecord
	for rows.Next() {
		var rec domain.SettlementRecord
		var positionKey, owner, instrument, kind string
		var settlePrice sql.NullString
		var collateralPaid, vaultRecovered, feesPaid string

		if err := rows.Scan(
			&rec.ID, &positionKey, &owner, &instrument, &kind,
			&rec.Outcome, &settlePrice,
			&collateralPaid, &vaultRecovered, &feesPaid,
			&rec.SettledAt,
		); err != nil {
			return nil, err
		}

		rec.PositionKey = common.HexToHash(positionKey)
		rec.Owner = common.HexToAddress(owner)
		rec.Instrument = common.HexToAddress(instrument)
		rec.Kind = domain.OptionKind(kind)

		if settlePrice.Valid {
			v, err := parseBig("settle_price", settlePrice.String)
			if err != nil {
				return nil, err
			}
			rec.SettlePrice = v
		}
		var err error
		if rec.CollateralPaid, err = parseBig("collateral_paid", collateralPaid); err != nil {
			return nil, err
		}
		if rec.VaultRecovered, err = parseBig("vault_recovered", vaultRecovered); err != nil {
			return nil, err
		}
		if rec.FeesPaid, err = parseBig("fees_paid", feesPaid); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Insert writes a settlement record. A missing ID is generated.
func (s *SettlementStore) Insert(ctx context.Context, rec domain.SettlementRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}

	var settlePrice any
	if rec.SettlePrice != nil {
		settlePrice = rec.SettlePrice.String()
	}

	const query = `
		INSERT INTO settlements (
			id, position_key, owner, instrument, kind,
			outcome, settle_price, collateral_paid, vault_recovered, fees_paid, settled_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9, $10, $11
		)`

	_, err := s.pool.Exec(ctx, query,
		rec.ID, rec.PositionKey.Hex(), rec.Owner.Hex(), rec.Instrument.Hex(), string(rec.Kind),
		rec.Outcome, settlePrice,
		rec.CollateralPaid.String(), rec.VaultRecovered.String(), rec.FeesPaid.String(),
		rec.SettledAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert settlement %s: %w", rec.ID, err)
	}
	return nil
}

// ListRecent returns the most recent settlements, newest first.
func (s *SettlementStore) ListRecent(ctx context.Context, limit int) ([]domain.SettlementRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+settlementSelectCols+` FROM settlements
		 ORDER BY settled_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list recent settlements: %w", err)
	}
	defer rows.Close()

	records, err := scanSettlementRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan settlements: %w", err)
	}
	return records, nil
}

// ListBefore returns settlements older than the cutoff, used by the archiver.
func (s *SettlementStore) ListBefore(ctx context.Context, before time.Time) ([]domain.SettlementRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+settlementSelectCols+` FROM settlements
		 WHERE settled_at < $1
		 ORDER BY settled_at ASC`, before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list settlements before %s: %w", before, err)
	}
	defer rows.Close()

	records, err := scanSettlementRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan settlements: %w", err)
	}
	return records, nil
}

// Compile-time interface check.
var _ domain.SettlementStore = (*SettlementStore)(nil)
