package notify

import (
	"context"
	"fmt"

	"github.com/alanyoungcy/margind/internal/domain"
)

// Event types recognized by the notifier's allow-list filter. These match the
// values accepted in the notify.events configuration key.
const (
	EventPositionOpened     = "position_opened"
	EventPositionSettled    = "position_settled"
	EventPositionLiquidated = "position_liquidated"
	EventMarginWarning      = "margin_warning"
	EventError              = "error"
)

// PositionOpened reports a newly opened short option position.
func (n *Notifier) PositionOpened(ctx context.Context, pos domain.Position) error {
	kind := "put"
	if pos.IsCall {
		kind = "call"
	}
	msg := fmt.Sprintf(
		"Owner: %s\nInstrument: %s (%s)\nSize: %s units\nCollateral: %s\nExpiry: %s",
		pos.Owner.Hex(), pos.Instrument.Hex(), kind,
		pos.Size.String(), pos.Collateral.String(),
		pos.Expiry.UTC().Format("2006-01-02 15:04 UTC"),
	)
	return n.Notify(ctx, EventPositionOpened, "Position opened", msg)
}

// PositionSettled reports an expiry settlement and its outcome.
func (n *Notifier) PositionSettled(ctx context.Context, pos domain.Position, outcome string, collateralPaid string) error {
	msg := fmt.Sprintf(
		"Owner: %s\nInstrument: %s\nOutcome: %s\nCollateral returned: %s",
		pos.Owner.Hex(), pos.Instrument.Hex(), outcome, collateralPaid,
	)
	return n.Notify(ctx, EventPositionSettled, "Position settled", msg)
}

// PositionLiquidated reports a keeper liquidation.
func (n *Notifier) PositionLiquidated(ctx context.Context, pos domain.Position, liquidator string, fee string) error {
	msg := fmt.Sprintf(
		"Owner: %s\nInstrument: %s\nLiquidator: %s\nLiquidator fee: %s",
		pos.Owner.Hex(), pos.Instrument.Hex(), liquidator, fee,
	)
	return n.Notify(ctx, EventPositionLiquidated, "Position liquidated", msg)
}

// MarginWarning reports a position nearing its maintenance threshold.
func (n *Notifier) MarginWarning(ctx context.Context, pos domain.Position, detail string) error {
	msg := fmt.Sprintf(
		"Owner: %s\nInstrument: %s\n%s",
		pos.Owner.Hex(), pos.Instrument.Hex(), detail,
	)
	return n.Notify(ctx, EventMarginWarning, "Margin warning", msg)
}

// Error reports an operational failure in one of the background loops.
func (n *Notifier) Error(ctx context.Context, where string, err error) error {
	return n.Notify(ctx, EventError, "Error: "+where, err.Error())
}
