// Package service coordinates the margin engine with durable storage, the
// signal bus, and operator notifications. The engine's in-memory state is
// authoritative; services mirror every lifecycle transition into Postgres and
// broadcast it so keepers, dashboards, and archivers observe the same history.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/margind/internal/domain"
	"github.com/alanyoungcy/margind/internal/engine"
	"github.com/alanyoungcy/margind/internal/notify"
)

// PositionsChannel is the pub/sub channel carrying position lifecycle events.
const PositionsChannel = "positions"

// SettlementsStream is the durable stream recording settlement outcomes.
const SettlementsStream = "settlements"

// MarginService is the application-facing surface over the margin engine. It
// executes open, accrue, settle, and liquidate operations and keeps the
// position and settlement stores in sync with each transition.
type MarginService struct {
	manager     *engine.Manager
	positions   domain.PositionStore
	settlements domain.SettlementStore
	audit       domain.AuditStore
	bus         domain.SignalBus
	notifier    *notify.Notifier
	// routerAddr authorizes opens; ownerAddr authorizes restores and
	// owner-side settlement calls made on the owner's behalf.
	routerAddr common.Address
	ownerAddr  common.Address
	logger     *slog.Logger
}

// NewMarginService creates a MarginService with all required dependencies.
func NewMarginService(
	manager *engine.Manager,
	positions domain.PositionStore,
	settlements domain.SettlementStore,
	audit domain.AuditStore,
	bus domain.SignalBus,
	notifier *notify.Notifier,
	routerAddr, ownerAddr common.Address,
	logger *slog.Logger,
) *MarginService {
	return &MarginService{
		manager:     manager,
		positions:   positions,
		settlements: settlements,
		audit:       audit,
		bus:         bus,
		notifier:    notifier,
		routerAddr:  routerAddr,
		ownerAddr:   ownerAddr,
		logger:      logger.With(slog.String("component", "margin_service")),
	}
}

// RestoreState reloads every open position from the store into the engine.
// Called once at startup before any traffic is admitted.
func (s *MarginService) RestoreState(ctx context.Context) error {
	open, err := s.positions.ListOpen(ctx)
	if err != nil {
		return fmt.Errorf("margin_service: list open positions: %w", err)
	}
	for _, pos := range open {
		if err := s.manager.RestorePosition(s.ownerAddr, pos); err != nil {
			return fmt.Errorf("margin_service: restore position %s: %w", pos.Key.Hex(), err)
		}
	}
	s.logger.InfoContext(ctx, "restored open positions", slog.Int("count", len(open)))
	return nil
}

// OpenPosition opens a short option position on behalf of the router and
// persists it.
func (s *MarginService) OpenPosition(ctx context.Context, req domain.OpenRequest) (domain.Position, error) {
	pos, err := s.manager.OpenShortPosition(ctx, s.routerAddr, req)
	if err != nil {
		return domain.Position{}, fmt.Errorf("margin_service: open position: %w", err)
	}

	if err := s.positions.Create(ctx, pos); err != nil {
		// The engine already holds the position; losing the durable mirror is
		// an operator emergency, not a reason to unwind custody.
		s.logger.ErrorContext(ctx, "persist opened position failed",
			slog.String("key", pos.Key.Hex()),
			slog.String("error", err.Error()),
		)
		s.notifyErr(ctx, "persist opened position", err)
		return pos, fmt.Errorf("margin_service: persist position: %w", err)
	}

	s.publishEvent(ctx, map[string]any{
		"event":      "position_opened",
		"key":        pos.Key.Hex(),
		"owner":      pos.Owner.Hex(),
		"instrument": pos.Instrument.Hex(),
		"size":       pos.Size.String(),
		"collateral": pos.Collateral.String(),
	})
	s.auditLog(ctx, "position.opened", map[string]any{
		"key":        pos.Key.Hex(),
		"owner":      pos.Owner.Hex(),
		"instrument": pos.Instrument.Hex(),
		"size":       pos.Size.String(),
		"collateral": pos.Collateral.String(),
		"seat_id":    req.SeatID,
	})
	if err := s.notifier.PositionOpened(ctx, pos); err != nil {
		s.logger.WarnContext(ctx, "notify position opened failed", slog.String("error", err.Error()))
	}
	return pos, nil
}

// AddCollateral tops up a position's margin on behalf of its owner.
func (s *MarginService) AddCollateral(ctx context.Context, owner common.Address, key common.Hash, amount *big.Int) (domain.Position, error) {
	pos, err := s.manager.AddCollateral(ctx, owner, key, amount)
	if err != nil {
		return domain.Position{}, fmt.Errorf("margin_service: add collateral: %w", err)
	}
	if err := s.persistAccrual(ctx, pos); err != nil {
		return pos, err
	}
	s.auditLog(ctx, "position.collateral_added", map[string]any{
		"key":        key.Hex(),
		"amount":     amount.String(),
		"collateral": pos.Collateral.String(),
	})
	return pos, nil
}

// AccrueInterest charges borrow interest on a position up to the current
// instant and persists the updated accrual fields.
func (s *MarginService) AccrueInterest(ctx context.Context, key common.Hash) (domain.Position, error) {
	pos, err := s.manager.AccruePositionInterest(ctx, key)
	if err != nil {
		return domain.Position{}, fmt.Errorf("margin_service: accrue interest: %w", err)
	}
	if err := s.persistAccrual(ctx, pos); err != nil {
		return pos, err
	}
	return pos, nil
}

func (s *MarginService) persistAccrual(ctx context.Context, pos domain.Position) error {
	if err := s.positions.UpdateAccrual(ctx, pos.Key, pos.Collateral, pos.EntryRate, pos.LastAccrueTime); err != nil {
		s.logger.ErrorContext(ctx, "persist accrual failed",
			slog.String("key", pos.Key.Hex()),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("margin_service: persist accrual: %w", err)
	}
	return nil
}

// SettlePosition settles an expired position on behalf of its owner and
// records the outcome.
func (s *MarginService) SettlePosition(ctx context.Context, owner common.Address, key common.Hash) (engine.SettlementResult, error) {
	res, err := s.manager.SettlePosition(ctx, owner, key)
	if err != nil {
		return engine.SettlementResult{}, fmt.Errorf("margin_service: settle position: %w", err)
	}
	s.recordClose(ctx, res, "")

	if err := s.notifier.PositionSettled(ctx, res.Position, res.Outcome, res.CollateralPaid.String()); err != nil {
		s.logger.WarnContext(ctx, "notify settlement failed", slog.String("error", err.Error()))
	}
	return res, nil
}

// LiquidatePosition liquidates an under-margined position on behalf of a
// keeper and records the outcome. fairValue is the keeper's marked price per
// option unit at the engine's price scale.
func (s *MarginService) LiquidatePosition(ctx context.Context, keeper common.Address, key common.Hash, fairValue *big.Int) (engine.SettlementResult, error) {
	res, err := s.manager.LiquidatePosition(ctx, keeper, key, fairValue)
	if err != nil {
		return engine.SettlementResult{}, fmt.Errorf("margin_service: liquidate position: %w", err)
	}
	s.recordClose(ctx, res, keeper.Hex())

	if err := s.notifier.PositionLiquidated(ctx, res.Position, keeper.Hex(), res.FeesPaid.String()); err != nil {
		s.logger.WarnContext(ctx, "notify liquidation failed", slog.String("error", err.Error()))
	}
	return res, nil
}

// recordClose mirrors a settlement or liquidation outcome to Postgres, the
// pub/sub channel, and the durable settlement stream. Failures are logged and
// surfaced to operators but never unwind the engine transition.
func (s *MarginService) recordClose(ctx context.Context, res engine.SettlementResult, liquidator string) {
	pos := res.Position
	now := time.Now().UTC()

	if err := s.positions.Close(ctx, pos.Key, res.Outcome, now); err != nil {
		s.logger.ErrorContext(ctx, "persist close failed",
			slog.String("key", pos.Key.Hex()),
			slog.String("error", err.Error()),
		)
		s.notifyErr(ctx, "persist position close", err)
	}

	kind := domain.OptionKindPut
	if pos.IsCall {
		kind = domain.OptionKindCall
	}
	rec := domain.SettlementRecord{
		PositionKey:    pos.Key,
		Owner:          pos.Owner,
		Instrument:     pos.Instrument,
		Kind:           kind,
		Outcome:        res.Outcome,
		SettlePrice:    res.SettlePrice,
		CollateralPaid: res.CollateralPaid,
		VaultRecovered: res.VaultRecovered,
		FeesPaid:       res.FeesPaid,
		SettledAt:      now,
	}
	if err := s.settlements.Insert(ctx, rec); err != nil {
		s.logger.ErrorContext(ctx, "persist settlement record failed",
			slog.String("key", pos.Key.Hex()),
			slog.String("error", err.Error()),
		)
		s.notifyErr(ctx, "persist settlement record", err)
	}

	evt := map[string]any{
		"event":           "position_" + res.Outcome,
		"key":             pos.Key.Hex(),
		"owner":           pos.Owner.Hex(),
		"instrument":      pos.Instrument.Hex(),
		"outcome":         res.Outcome,
		"collateral_paid": res.CollateralPaid.String(),
		"vault_recovered": res.VaultRecovered.String(),
		"fees_paid":       res.FeesPaid.String(),
	}
	if res.SettlePrice != nil {
		evt["settle_price"] = res.SettlePrice.String()
	}
	if liquidator != "" {
		evt["liquidator"] = liquidator
	}
	s.publishEvent(ctx, evt)
	s.appendStream(ctx, evt)
	s.auditLog(ctx, "position."+res.Outcome, evt)
}

// GetPosition returns the live engine snapshot when the position is open,
// falling back to the store for closed positions.
func (s *MarginService) GetPosition(ctx context.Context, key common.Hash) (domain.Position, error) {
	pos, err := s.manager.GetPosition(key)
	if err == nil {
		return pos, nil
	}
	pos, storeErr := s.positions.GetByKey(ctx, key)
	if storeErr != nil {
		return domain.Position{}, fmt.Errorf("margin_service: get position: %w", storeErr)
	}
	return pos, nil
}

// ListPositions returns the engine's live positions for an owner.
func (s *MarginService) ListPositions(owner common.Address) []domain.Position {
	return s.manager.ListPositions(owner)
}

// ListPositionHistory returns stored positions for an owner, including closed
// ones, honoring pagination options.
func (s *MarginService) ListPositionHistory(ctx context.Context, owner common.Address, opts domain.ListOpts) ([]domain.Position, error) {
	return s.positions.ListByOwner(ctx, owner, opts)
}

// OpenPositions returns every live position across all owners.
func (s *MarginService) OpenPositions() []domain.Position {
	return s.manager.OpenPositions()
}

// RecentSettlements returns the most recent settlement outcomes.
func (s *MarginService) RecentSettlements(ctx context.Context, limit int) ([]domain.SettlementRecord, error) {
	return s.settlements.ListRecent(ctx, limit)
}

// Manager exposes the underlying engine for callers that need vault or
// instrument views.
func (s *MarginService) Manager() *engine.Manager { return s.manager }

func (s *MarginService) publishEvent(ctx context.Context, evt map[string]any) {
	payload, err := json.Marshal(evt)
	if err != nil {
		return
	}
	if err := s.bus.Publish(ctx, PositionsChannel, payload); err != nil {
		s.logger.WarnContext(ctx, "publish event failed",
			slog.String("channel", PositionsChannel),
			slog.String("error", err.Error()),
		)
	}
}

func (s *MarginService) appendStream(ctx context.Context, evt map[string]any) {
	payload, err := json.Marshal(evt)
	if err != nil {
		return
	}
	if err := s.bus.StreamAppend(ctx, SettlementsStream, payload); err != nil {
		s.logger.WarnContext(ctx, "stream append failed",
			slog.String("stream", SettlementsStream),
			slog.String("error", err.Error()),
		)
	}
}

func (s *MarginService) auditLog(ctx context.Context, event string, detail map[string]any) {
	if err := s.audit.Log(ctx, event, detail); err != nil {
		s.logger.WarnContext(ctx, "audit log failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

func (s *MarginService) notifyErr(ctx context.Context, where string, err error) {
	if nerr := s.notifier.Error(ctx, where, err); nerr != nil {
		s.logger.WarnContext(ctx, "notify error failed", slog.String("error", nerr.Error()))
	}
}
