package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/margind/internal/feed"
	"github.com/alanyoungcy/margind/internal/keeper"
	"github.com/alanyoungcy/margind/internal/server"
	"github.com/alanyoungcy/margind/internal/server/handler"
	"github.com/alanyoungcy/margind/internal/server/ws"
	"github.com/alanyoungcy/margind/internal/service"
)

// ServerMode runs the HTTP/WebSocket API without the keeper loop.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies, svc *service.MarginService) error {
	g, ctx := errgroup.WithContext(ctx)
	a.startShared(ctx, g, deps, svc)
	a.startServer(ctx, g, deps, svc)
	return waitGroup(g, a.logger)
}

// KeeperMode runs only the background settlement/liquidation loop.
func (a *App) KeeperMode(ctx context.Context, deps *Dependencies, svc *service.MarginService) error {
	g, ctx := errgroup.WithContext(ctx)
	a.startShared(ctx, g, deps, svc)
	a.startKeeper(ctx, g, deps, svc)
	return waitGroup(g, a.logger)
}

// FullMode runs the API server and the keeper loop in one process.
func (a *App) FullMode(ctx context.Context, deps *Dependencies, svc *service.MarginService) error {
	g, ctx := errgroup.WithContext(ctx)
	a.startShared(ctx, g, deps, svc)
	a.startServer(ctx, g, deps, svc)
	a.startKeeper(ctx, g, deps, svc)
	return waitGroup(g, a.logger)
}

// startShared launches the goroutines common to every mode: the price feed
// and the archive loop, each gated on its own config switch.
func (a *App) startShared(ctx context.Context, g *errgroup.Group, deps *Dependencies, svc *service.MarginService) {
	if a.cfg.Feed.Enabled {
		symbols := make(map[string]common.Address, len(a.cfg.Feed.Symbols))
		for sym, addr := range a.cfg.Feed.Symbols {
			symbols[sym] = common.HexToAddress(addr)
		}
		priceFeed := feed.NewPriceFeed(
			a.cfg.Feed.WsURL,
			symbols,
			deps.PriceCache,
			a.cfg.Feed.ReconnectBackoff.Duration,
			a.logger,
		)
		g.Go(func() error {
			err := priceFeed.Run(ctx)
			if ctx.Err() != nil {
				return nil // clean shutdown
			}
			return fmt.Errorf("price feed: %w", err)
		})
	}

	if a.cfg.Archive.Enabled && deps.Archiver != nil {
		retention := time.Duration(a.cfg.Archive.RetentionDays) * 24 * time.Hour
		interval := a.cfg.Archive.Interval.Duration
		g.Go(func() error {
			a.runArchiveLoop(ctx, deps, retention, interval)
			return nil
		})
	}
}

// startServer launches the HTTP/WebSocket API.
func (a *App) startServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, svc *service.MarginService) {
	if !a.cfg.Server.Enabled {
		return
	}

	hub := ws.NewHub(deps.SignalBus, a.logger, ws.Config{
		Mode:          a.cfg.Mode,
		StartedAt:     time.Now().UTC(),
		OpenPositions: func() int { return len(svc.OpenPositions()) },
	})
	g.Go(func() error {
		if err := hub.Run(ctx); ctx.Err() == nil && err != nil {
			return fmt.Errorf("ws hub: %w", err)
		}
		return nil
	})

	handlers := server.Handlers{
		Health:      handler.NewHealthHandler(a.logger),
		Positions:   handler.NewPositionHandler(svc, a.logger),
		Vaults:      handler.NewVaultHandler(svc.Manager(), a.logger),
		Instruments: handler.NewInstrumentHandler(svc.Manager(), a.logger),
		Settlements: handler.NewSettlementHandler(svc, a.logger),
	}
	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
		RateLimit:   a.cfg.Server.RateLimit,
	}, handlers, hub, deps.RateLimiter, a.logger)

	g.Go(func() error {
		err := srv.Start()
		if ctx.Err() != nil {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}

// startKeeper launches the settlement/liquidation loop.
func (a *App) startKeeper(ctx context.Context, g *errgroup.Group, deps *Dependencies, svc *service.MarginService) {
	if !a.cfg.Keeper.Enabled {
		return
	}

	k := keeper.New(keeper.Config{
		Service:      svc,
		Locks:        deps.LockManager,
		Prices:       deps.PriceCache,
		Address:      common.HexToAddress(a.cfg.Keeper.Address),
		ScanInterval: a.cfg.Keeper.ScanInterval.Duration,
		LockTTL:      a.cfg.Keeper.LockTTL.Duration,
		Logger:       a.logger,
	})
	g.Go(func() error {
		err := k.Run(ctx)
		if ctx.Err() != nil {
			return nil // clean shutdown
		}
		return fmt.Errorf("keeper: %w", err)
	})
}

// runArchiveLoop exports aged settlement and audit history on an interval.
func (a *App) runArchiveLoop(ctx context.Context, deps *Dependencies, retention, interval time.Duration) {
	logger := a.logger.With(slog.String("component", "archive_loop"))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().UTC().Add(-retention)
			if n, err := deps.Archiver.ArchiveSettlements(ctx, cutoff); err != nil {
				logger.ErrorContext(ctx, "settlement archive failed", slog.String("error", err.Error()))
			} else if n > 0 {
				logger.InfoContext(ctx, "archived settlements", slog.Int64("count", n))
			}
			if n, err := deps.Archiver.ArchiveAudit(ctx, cutoff); err != nil {
				logger.ErrorContext(ctx, "audit archive failed", slog.String("error", err.Error()))
			} else if n > 0 {
				logger.InfoContext(ctx, "archived audit entries", slog.Int64("count", n))
			}
		}
	}
}

// waitGroup waits for every goroutine and logs the outcome.
func waitGroup(g *errgroup.Group, logger *slog.Logger) error {
	if err := g.Wait(); err != nil {
		logger.Error("stopped with error", slog.String("error", err.Error()))
		return err
	}
	logger.Info("stopped cleanly")
	return nil
}
