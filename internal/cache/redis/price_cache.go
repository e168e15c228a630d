package redis

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/margind/internal/domain"
)

// PriceCache implements domain.PriceCache using Redis hashes. Each asset's
// latest quote is stored at "px:{address}" with fields "price" (decimal
// string at the engine price scale) and "ts" (Unix nanoseconds).
type PriceCache struct {
	rdb *redis.Client
}

// NewPriceCache creates a PriceCache backed by the given Client.
func NewPriceCache(c *Client) *PriceCache {
	return &PriceCache{rdb: c.Underlying()}
}

func priceKey(asset common.Address) string {
	return "px:" + asset.Hex()
}

// SetPrice stores the latest price and observation time for an asset.
func (pc *PriceCache) SetPrice(ctx context.Context, asset common.Address, price *big.Int, ts time.Time) error {
	if price == nil || price.Sign() < 0 {
		return fmt.Errorf("redis: set price %s: %w", asset.Hex(), domain.ErrInvalidAmount)
	}
	fields := map[string]interface{}{
		"price": price.String(),
		"ts":    strconv.FormatInt(ts.UnixNano(), 10),
	}
	if err := pc.rdb.HSet(ctx, priceKey(asset), fields).Err(); err != nil {
		return fmt.Errorf("redis: set price %s: %w", asset.Hex(), err)
	}
	return nil
}

// GetPrice retrieves the latest price and observation time for an asset.
// It returns domain.ErrNotFound when no quote has been written.
func (pc *PriceCache) GetPrice(ctx context.Context, asset common.Address) (*big.Int, time.Time, error) {
	vals, err := pc.rdb.HGetAll(ctx, priceKey(asset)).Result()
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("redis: get price %s: %w", asset.Hex(), err)
	}
	if len(vals) == 0 {
		return nil, time.Time{}, domain.ErrNotFound
	}

	priceStr, ok := vals["price"]
	if !ok {
		return nil, time.Time{}, domain.ErrNotFound
	}
	price, ok := new(big.Int).SetString(priceStr, 10)
	if !ok {
		return nil, time.Time{}, fmt.Errorf("redis: parse price %q for %s", priceStr, asset.Hex())
	}

	tsStr, ok := vals["ts"]
	if !ok {
		return nil, time.Time{}, domain.ErrNotFound
	}
	tsNano, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("redis: parse ts for %s: %w", asset.Hex(), err)
	}

	return price, time.Unix(0, tsNano), nil
}

// GetPrices retrieves the latest prices for multiple assets using a pipeline.
// Assets with no cached quote are silently omitted from the result map.
func (pc *PriceCache) GetPrices(ctx context.Context, assets []common.Address) (map[common.Address]*big.Int, error) {
	if len(assets) == 0 {
		return map[common.Address]*big.Int{}, nil
	}

	pipe := pc.rdb.Pipeline()
	cmds := make(map[common.Address]*redis.MapStringStringCmd, len(assets))
	for _, a := range assets {
		cmds[a] = pipe.HGetAll(ctx, priceKey(a))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis: get prices pipeline: %w", err)
	}

	result := make(map[common.Address]*big.Int, len(assets))
	for a, cmd := range cmds {
		vals, err := cmd.Result()
		if err != nil || len(vals) == 0 {
			continue
		}
		priceStr, ok := vals["price"]
		if !ok {
			continue
		}
		price, ok := new(big.Int).SetString(priceStr, 10)
		if !ok {
			continue
		}
		result[a] = price
	}
	return result, nil
}

// Compile-time interface check.
var _ domain.PriceCache = (*PriceCache)(nil)
