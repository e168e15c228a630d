// Package feed streams spot prices for whitelisted underlyings from an
// exchange WebSocket into the price cache, where the oracle and the keeper's
// liquidation marks read them.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/margind/internal/domain"
)

const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// pongWait is the time allowed to read the next pong from the peer.
	pongWait = 60 * time.Second

	// pingPeriod sends pings at this interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// maxReconnectDelay caps the exponential backoff for reconnection.
	maxReconnectDelay = 60 * time.Second
)

// priceScaleDecimals is the number of decimal places in the engine's price
// scale.
const priceScaleDecimals = 6

// subscribeCommand is the wire format for a ticker subscription.
type subscribeCommand struct {
	Op      string   `json:"op"`
	Symbols []string `json:"symbols"`
}

// tickerMessage is one price update from the feed.
type tickerMessage struct {
	Symbol string `json:"symbol"`
	Price  string `json:"price"` // decimal string, e.g. "1999.50"
	TsMs   int64  `json:"ts"`    // unix milliseconds
}

// PriceFeed subscribes to ticker updates for the configured symbols and
// writes each quote into the price cache keyed by asset address. It
// reconnects with exponential backoff on disconnect.
type PriceFeed struct {
	wsURL string
	// symbols maps feed symbols to the asset address they quote.
	symbols map[string]common.Address
	cache   domain.PriceCache
	backoff time.Duration
	logger  *slog.Logger

	closeOnce sync.Once
	done      chan struct{}
}

// NewPriceFeed creates a feed for the given symbol-to-asset mapping.
func NewPriceFeed(wsURL string, symbols map[string]common.Address, cache domain.PriceCache, backoff time.Duration, logger *slog.Logger) *PriceFeed {
	if backoff <= 0 {
		backoff = 2 * time.Second
	}
	return &PriceFeed{
		wsURL:   wsURL,
		symbols: symbols,
		cache:   cache,
		backoff: backoff,
		logger:  logger.With(slog.String("component", "price_feed")),
		done:    make(chan struct{}),
	}
}

// Run connects and consumes ticker updates until ctx is cancelled or Close is
// called. Disconnects trigger reconnection with exponential backoff.
func (f *PriceFeed) Run(ctx context.Context) error {
	if len(f.symbols) == 0 {
		f.logger.InfoContext(ctx, "no symbols configured, feed idle")
		return nil
	}

	delay := f.backoff
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-f.done:
			return nil
		default:
		}

		err := f.runConnection(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			f.logger.WarnContext(ctx, "feed disconnected, reconnecting",
				slog.String("error", err.Error()),
				slog.Duration("delay", delay),
			)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-f.done:
			return nil
		case <-time.After(delay):
		}
		delay *= 2
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
	}
}

// Close stops the feed.
func (f *PriceFeed) Close() {
	f.closeOnce.Do(func() { close(f.done) })
}

func (f *PriceFeed) runConnection(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, _, err := dialer.DialContext(ctx, f.wsURL, nil)
	if err != nil {
		return fmt.Errorf("feed: connect: %w", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	symbols := make([]string, 0, len(f.symbols))
	for sym := range f.symbols {
		symbols = append(symbols, sym)
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(subscribeCommand{Op: "subscribe", Symbols: symbols}); err != nil {
		return fmt.Errorf("feed: subscribe: %w", err)
	}
	f.logger.InfoContext(ctx, "feed subscribed", slog.Int("symbols", len(symbols)))

	// Ping loop keeps the read deadline alive; the read loop below owns the
	// connection error.
	pingCtx, cancelPing := context.WithCancel(ctx)
	defer cancelPing()
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-pingCtx.Done():
				return
			case <-ticker.C:
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-f.done:
			return nil
		default:
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("feed: read: %w", err)
		}
		f.handleMessage(ctx, data)
	}
}

func (f *PriceFeed) handleMessage(ctx context.Context, data []byte) {
	var msg tickerMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		f.logger.DebugContext(ctx, "unparseable feed message", slog.String("error", err.Error()))
		return
	}
	asset, ok := f.symbols[msg.Symbol]
	if !ok {
		return
	}

	price, err := ParsePrice(msg.Price)
	if err != nil {
		f.logger.WarnContext(ctx, "bad price in feed message",
			slog.String("symbol", msg.Symbol),
			slog.String("price", msg.Price),
		)
		return
	}

	ts := time.Now().UTC()
	if msg.TsMs > 0 {
		ts = time.UnixMilli(msg.TsMs).UTC()
	}
	if err := f.cache.SetPrice(ctx, asset, price, ts); err != nil {
		f.logger.WarnContext(ctx, "price cache write failed",
			slog.String("symbol", msg.Symbol),
			slog.String("error", err.Error()),
		)
	}
}

// ParsePrice converts a decimal price string to an integer at the engine's
// price scale, truncating extra fractional digits.
func ParsePrice(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "-" || strings.HasPrefix(s, "-") {
		return nil, fmt.Errorf("feed: invalid price %q", s)
	}

	whole, frac := s, ""
	if i := strings.IndexByte(s, '.'); i >= 0 {
		whole, frac = s[:i], s[i+1:]
	}
	if whole == "" {
		whole = "0"
	}
	if len(frac) > priceScaleDecimals {
		frac = frac[:priceScaleDecimals]
	}
	frac += strings.Repeat("0", priceScaleDecimals-len(frac))

	out, ok := new(big.Int).SetString(whole+frac, 10)
	if !ok {
		return nil, fmt.Errorf("feed: invalid price %q", s)
	}
	return out, nil
}
