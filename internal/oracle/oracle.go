// Package oracle supplies settlement prices to the engine from the shared
// price cache fed by the websocket price feed.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/margind/internal/domain"
)

// Cached reads prices from a domain.PriceCache. The engine applies its own
// staleness tolerance on the returned observation time; Cached only maps a
// missing quote to domain.ErrStalePrice.
type Cached struct {
	cache domain.PriceCache
}

// NewCached builds an oracle over the given price cache.
func NewCached(cache domain.PriceCache) *Cached {
	return &Cached{cache: cache}
}

// LatestPrice returns the most recent cached price for the asset.
func (o *Cached) LatestPrice(ctx context.Context, asset common.Address) (*big.Int, time.Time, error) {
	price, at, err := o.cache.GetPrice(ctx, asset)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, time.Time{}, fmt.Errorf("oracle: no quote for %s: %w", asset.Hex(), domain.ErrStalePrice)
		}
		return nil, time.Time{}, fmt.Errorf("oracle: read quote for %s: %w", asset.Hex(), err)
	}
	return price, at, nil
}

// Fixed returns a constant price for every asset. Used in development mode
// and tests where no feed is running.
type Fixed struct {
	Price *big.Int
	Clock func() time.Time
}

// LatestPrice returns the fixed price stamped with the current time.
func (o *Fixed) LatestPrice(_ context.Context, _ common.Address) (*big.Int, time.Time, error) {
	clock := o.Clock
	if clock == nil {
		clock = time.Now
	}
	return new(big.Int).Set(o.Price), clock(), nil
}

var (
	_ domain.PriceOracle = (*Cached)(nil)
	_ domain.PriceOracle = (*Fixed)(nil)
)
