package feed

import (
	"context"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/margind/internal/domain"
)

func TestParsePrice(t *testing.T) {
	cases := []struct {
		in   string
		want int64
	}{
		{"2000", 2_000_000_000},
		{"1999.50", 1_999_500_000},
		{"0.000001", 1},
		{"0.0000019", 1}, // truncates, never rounds up
		{".5", 500_000},
		{"1500.123456789", 1_500_123_456},
	}
	for _, tc := range cases {
		got, err := ParsePrice(tc.in)
		require.NoError(t, err, tc.in)
		require.Equal(t, tc.want, got.Int64(), tc.in)
	}
}

func TestParsePriceRejects(t *testing.T) {
	for _, in := range []string{"", "-1", "abc", "1.2.3", "-"} {
		_, err := ParsePrice(in)
		require.Error(t, err, in)
	}
}

type memCache struct {
	mu     sync.Mutex
	prices map[common.Address]*big.Int
	at     map[common.Address]time.Time
}

func (c *memCache) SetPrice(_ context.Context, asset common.Address, price *big.Int, ts time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.prices == nil {
		c.prices = map[common.Address]*big.Int{}
		c.at = map[common.Address]time.Time{}
	}
	c.prices[asset] = new(big.Int).Set(price)
	c.at[asset] = ts
	return nil
}

func (c *memCache) GetPrice(_ context.Context, asset common.Address) (*big.Int, time.Time, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	price, ok := c.prices[asset]
	if !ok {
		return nil, time.Time{}, domain.ErrNotFound
	}
	return new(big.Int).Set(price), c.at[asset], nil
}

func TestHandleMessageWritesCache(t *testing.T) {
	asset := common.HexToAddress("0x0000000000000000000000000000000000000040")
	cache := &memCache{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f := NewPriceFeed("ws://unused", map[string]common.Address{"ETHUSDC": asset}, cache, time.Second, logger)

	f.handleMessage(t.Context(), []byte(`{"symbol":"ETHUSDC","price":"1850.25","ts":1767225600000}`))

	price, ts, err := cache.GetPrice(t.Context(), asset)
	require.NoError(t, err)
	require.Equal(t, int64(1_850_250_000), price.Int64())
	require.Equal(t, time.UnixMilli(1767225600000).UTC(), ts)
}

func TestHandleMessageIgnoresUnknownSymbol(t *testing.T) {
	cache := &memCache{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f := NewPriceFeed("ws://unused", map[string]common.Address{}, cache, time.Second, logger)

	f.handleMessage(t.Context(), []byte(`{"symbol":"BTCUSDC","price":"60000"}`))
	require.Empty(t, cache.prices)
}

func TestHandleMessageIgnoresGarbage(t *testing.T) {
	asset := common.HexToAddress("0x0000000000000000000000000000000000000040")
	cache := &memCache{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f := NewPriceFeed("ws://unused", map[string]common.Address{"ETHUSDC": asset}, cache, time.Second, logger)

	f.handleMessage(t.Context(), []byte(`not json`))
	f.handleMessage(t.Context(), []byte(`{"symbol":"ETHUSDC","price":"nope"}`))
	require.Empty(t, cache.prices)
}
