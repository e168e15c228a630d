package domain

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// PriceCache provides fast access to the latest oracle prices. Prices are
// integers at the engine's price scale.
type PriceCache interface {
	SetPrice(ctx context.Context, asset common.Address, price *big.Int, ts time.Time) error
	GetPrice(ctx context.Context, asset common.Address) (*big.Int, time.Time, error)
}

// LockManager provides distributed locking, used to serialize settlement and
// liquidation of a given position key across keeper instances.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// RateLimiter throttles callers under a sliding-window limit, keyed by an
// arbitrary string such as a client IP.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
	Wait(ctx context.Context, key string) error
}

// StreamMessage represents a single entry from a durable stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// SignalBus provides pub/sub and durable streams for engine events.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
}
