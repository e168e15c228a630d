package domain

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// PositionStore persists position snapshots. The engine's in-memory table is
// authoritative; the store is the durable mirror used for restarts, queries,
// and archival.
type PositionStore interface {
	Create(ctx context.Context, pos Position) error
	// UpdateAccrual persists the fields mutated by interest accrual and
	// collateral top-ups.
	UpdateAccrual(ctx context.Context, key common.Hash, collateral, entryRate *big.Int, lastAccrue time.Time) error
	// Close marks a position closed with the given outcome. Closed positions
	// are retired; the key is never reused.
	Close(ctx context.Context, key common.Hash, outcome string, closedAt time.Time) error
	GetByKey(ctx context.Context, key common.Hash) (Position, error)
	ListOpen(ctx context.Context) ([]Position, error)
	ListByOwner(ctx context.Context, owner common.Address, opts ListOpts) ([]Position, error)
}

// SettlementStore persists settlement and liquidation outcomes.
type SettlementStore interface {
	Insert(ctx context.Context, rec SettlementRecord) error
	ListRecent(ctx context.Context, limit int) ([]SettlementRecord, error)
	ListBefore(ctx context.Context, before time.Time) ([]SettlementRecord, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
