package app

import (
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/margind/internal/config"
	"github.com/alanyoungcy/margind/internal/domain"
	"github.com/alanyoungcy/margind/internal/engine"
	"github.com/alanyoungcy/margind/internal/ledger"
	"github.com/alanyoungcy/margind/internal/oracle"
	"github.com/alanyoungcy/margind/internal/router"
	"github.com/alanyoungcy/margind/internal/seats"
)

// BuildEngine constructs the in-memory margin engine from configuration:
// asset ledgers, lending vaults, the seat registry, the position router, and
// every configured option series, all registered on a single manager.
func BuildEngine(cfg *config.Config, deps *Dependencies, logger *slog.Logger) (*engine.Manager, error) {
	managerAddr := common.HexToAddress(cfg.Engine.ManagerAddress)
	ownerAddr := common.HexToAddress(cfg.Engine.OwnerAddress)
	routerAddr := common.HexToAddress(cfg.Engine.RouterAddress)
	treasuryAddr := common.HexToAddress(cfg.Engine.TreasuryAddress)

	// Margin model.
	rateOverrides := make(map[common.Address]int64, len(cfg.Router.BorrowRateBps))
	for addr, bps := range cfg.Router.BorrowRateBps {
		if !common.IsHexAddress(addr) {
			return nil, fmt.Errorf("app: borrow rate override for invalid address %q", addr)
		}
		rateOverrides[common.HexToAddress(addr)] = bps
	}
	keepers := make([]common.Address, 0, len(cfg.Router.Keepers))
	for _, k := range cfg.Router.Keepers {
		keepers = append(keepers, common.HexToAddress(k))
	}
	marginRouter := router.New(router.Config{
		DefaultBorrowRateBps: cfg.Router.DefaultBorrowRateBps,
		BorrowRateBps:        rateOverrides,
		MaintenanceMarginBps: cfg.Router.MaintenanceMarginBps,
		LiquidatorFeeBps:     cfg.Router.LiquidatorFeeBps,
		MarginFeeBps:         cfg.Router.MarginFeeBps,
		Keepers:              keepers,
	})

	// Seat registry.
	seatList := make([]seats.Seat, 0, len(cfg.Seats.Seats))
	for _, s := range cfg.Seats.Seats {
		seatList = append(seatList, seats.Seat{
			ID:    s.ID,
			Owner: common.HexToAddress(s.Owner),
			Score: s.Score,
		})
	}
	registry, err := seats.New(cfg.Seats.MintingFeeBps, seatList)
	if err != nil {
		return nil, fmt.Errorf("app: seat registry: %w", err)
	}

	priceOracle := oracle.NewCached(deps.PriceCache)

	mgr := engine.NewManager(engine.ManagerConfig{
		Address:    managerAddr,
		Owner:      ownerAddr,
		RouterAddr: routerAddr,
		Router:     marginRouter,
		Clock:      time.Now,
		Logger:     logger,
	})

	// Whitelist assets with their ledgers and vaults.
	type assetEntry struct {
		asset  domain.Asset
		ledger *ledger.Ledger
		vault  common.Address
	}
	assets := make(map[common.Address]assetEntry, len(cfg.Assets))
	for _, a := range cfg.Assets {
		addr := common.HexToAddress(a.Address)
		if _, dup := assets[addr]; dup {
			return nil, fmt.Errorf("app: duplicate asset %s", a.Address)
		}
		entry := assetEntry{
			asset:  domain.Asset{Address: addr, Symbol: a.Symbol, Decimals: a.Decimals},
			ledger: ledger.New(a.Symbol, a.Decimals),
			vault:  common.HexToAddress(a.VaultAddress),
		}
		assets[addr] = entry

		vault := engine.NewVault(engine.VaultConfig{
			Address: entry.vault,
			Asset:   entry.asset,
			Ledger:  entry.ledger,
			Manager: managerAddr,
			Clock:   time.Now,
		})
		if err := mgr.WhitelistAsset(ownerAddr, entry.asset, vault, entry.ledger); err != nil {
			return nil, fmt.Errorf("app: whitelist asset %s: %w", a.Symbol, err)
		}
	}

	// Register option series.
	for _, inst := range cfg.Instruments {
		underlying, ok := assets[common.HexToAddress(inst.Underlying)]
		if !ok {
			return nil, fmt.Errorf("app: instrument %s references unknown underlying %s", inst.Address, inst.Underlying)
		}
		quote, ok := assets[common.HexToAddress(inst.Quote)]
		if !ok {
			return nil, fmt.Errorf("app: instrument %s references unknown quote %s", inst.Address, inst.Quote)
		}

		strike, ok := new(big.Int).SetString(strings.TrimSpace(inst.Strike), 10)
		if !ok || strike.Sign() <= 0 {
			return nil, fmt.Errorf("app: instrument %s has invalid strike %q", inst.Address, inst.Strike)
		}
		expiry, err := time.Parse(time.RFC3339, inst.Expiry)
		if err != nil {
			return nil, fmt.Errorf("app: instrument %s has invalid expiry: %w", inst.Address, err)
		}

		kind := domain.OptionKindPut
		if inst.Kind == "call" {
			kind = domain.OptionKindCall
		}
		// The escrow vault is the one lending the collateral asset: the
		// underlying pool for calls, the quote pool for puts.
		collateral := quote
		if kind == domain.OptionKindCall {
			collateral = underlying
		}

		opt, err := engine.NewOption(engine.OptionConfig{
			Instrument:       common.HexToAddress(inst.Address),
			Kind:             kind,
			Strike:           strike,
			Expiry:           expiry,
			Underlying:       underlying.asset,
			Quote:            quote.asset,
			UnderlyingLedger: underlying.ledger,
			QuoteLedger:      quote.ledger,
			Oracle:           priceOracle,
			Seats:            registry,
			Vault:            collateral.vault,
			Treasury:         treasuryAddr,
			StaleTolerance:   cfg.Engine.OracleStaleTolerance.Duration,
			Clock:            time.Now,
		})
		if err != nil {
			return nil, fmt.Errorf("app: instrument %s: %w", inst.Address, err)
		}
		if err := mgr.RegisterInstrument(ownerAddr, opt); err != nil {
			return nil, fmt.Errorf("app: register instrument %s: %w", inst.Address, err)
		}
	}

	return mgr, nil
}
