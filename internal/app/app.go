// Package app wires configuration, infrastructure, and the margin engine
// into a runnable process.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/margind/internal/config"
	"github.com/alanyoungcy/margind/internal/keystore"
	"github.com/alanyoungcy/margind/internal/service"
)

// App is the top-level process handle. It owns the wired dependencies and
// runs one of the configured modes until the context is cancelled.
type App struct {
	cfg    *config.Config
	logger *slog.Logger
	close  func()
}

func New(cfg *config.Config, logger *slog.Logger) *App {
	return &App{cfg: cfg, logger: logger.With(slog.String("component", "app"))}
}

// Run wires infrastructure, rebuilds the engine from durable state, and runs
// the configured mode until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	a.logger.DebugContext(ctx, "configuration loaded", slog.Any("config", config.RedactedConfig(a.cfg)))

	deps, closeDeps, err := Wire(ctx, a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("app: wire dependencies: %w", err)
	}
	a.close = closeDeps

	manager, err := BuildEngine(a.cfg, deps, a.logger)
	if err != nil {
		return fmt.Errorf("app: build engine: %w", err)
	}

	if a.cfg.Wallet.PrivateKey != "" || a.cfg.Wallet.EncryptedKeyPath != "" {
		key, err := keystore.Load(keystore.Config{
			RawPrivateKey:    a.cfg.Wallet.PrivateKey,
			EncryptedKeyPath: a.cfg.Wallet.EncryptedKeyPath,
			Password:         a.cfg.Wallet.KeyPassword,
		})
		if err != nil {
			return fmt.Errorf("app: load wallet key: %w", err)
		}
		a.logger.InfoContext(ctx, "wallet key loaded", slog.String("address", key.Address.Hex()))
		if treasury := common.HexToAddress(a.cfg.Engine.TreasuryAddress); key.Address != treasury {
			a.logger.WarnContext(ctx, "wallet address does not match treasury_address",
				slog.String("wallet", key.Address.Hex()),
				slog.String("treasury", treasury.Hex()))
		}
	}

	svc := service.NewMarginService(
		manager,
		deps.PositionStore,
		deps.SettlementStore,
		deps.AuditStore,
		deps.SignalBus,
		deps.Notifier,
		common.HexToAddress(a.cfg.Engine.RouterAddress),
		common.HexToAddress(a.cfg.Engine.OwnerAddress),
		a.logger,
	)
	if err := svc.RestoreState(ctx); err != nil {
		return fmt.Errorf("app: restore state: %w", err)
	}

	a.logger.InfoContext(ctx, "starting",
		slog.String("mode", a.cfg.Mode),
		slog.Int("open_positions", len(svc.OpenPositions())))

	switch strings.ToLower(a.cfg.Mode) {
	case config.ModeServer:
		return a.ServerMode(ctx, deps, svc)
	case config.ModeKeeper:
		return a.KeeperMode(ctx, deps, svc)
	case config.ModeFull:
		return a.FullMode(ctx, deps, svc)
	default:
		return fmt.Errorf("app: unknown mode %q", a.cfg.Mode)
	}
}

// Close releases infrastructure handles. Safe to call after Run returns.
func (a *App) Close() {
	if a.close != nil {
		a.close()
	}
}
