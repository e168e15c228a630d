package handler

import (
	"errors"
	"math/big"
	"net/http"
	"time"

	"github.com/alanyoungcy/margind/internal/domain"
)

// positionJSON is the wire shape of a position. Big integers travel as
// decimal strings so clients never lose precision to float64.
type positionJSON struct {
	Key            string `json:"key"`
	Owner          string `json:"owner"`
	Instrument     string `json:"instrument"`
	Kind           string `json:"kind"`
	Strike         string `json:"strike"`
	Size           string `json:"size"`
	Collateral     string `json:"collateral"`
	EntryRate      string `json:"entry_rate"`
	LastAccrueTime string `json:"last_accrue_time"`
	Expiry         string `json:"expiry"`
	OpenedAt       string `json:"opened_at"`
}

func toPositionJSON(pos domain.Position) positionJSON {
	kind := "put"
	if pos.IsCall {
		kind = "call"
	}
	return positionJSON{
		Key:            pos.Key.Hex(),
		Owner:          pos.Owner.Hex(),
		Instrument:     pos.Instrument.Hex(),
		Kind:           kind,
		Strike:         pos.Strike.String(),
		Size:           pos.Size.String(),
		Collateral:     pos.Collateral.String(),
		EntryRate:      pos.EntryRate.String(),
		LastAccrueTime: pos.LastAccrueTime.UTC().Format(time.RFC3339),
		Expiry:         pos.Expiry.UTC().Format(time.RFC3339),
		OpenedAt:       pos.OpenedAt.UTC().Format(time.RFC3339),
	}
}

func toPositionList(positions []domain.Position) []positionJSON {
	out := make([]positionJSON, len(positions))
	for i, pos := range positions {
		out[i] = toPositionJSON(pos)
	}
	return out
}

// settlementJSON is the wire shape of a settlement record.
type settlementJSON struct {
	ID             string `json:"id"`
	PositionKey    string `json:"position_key"`
	Owner          string `json:"owner"`
	Instrument     string `json:"instrument"`
	Kind           string `json:"kind"`
	Outcome        string `json:"outcome"`
	SettlePrice    string `json:"settle_price,omitempty"`
	CollateralPaid string `json:"collateral_paid"`
	VaultRecovered string `json:"vault_recovered"`
	FeesPaid       string `json:"fees_paid"`
	SettledAt      string `json:"settled_at"`
}

func toSettlementJSON(rec domain.SettlementRecord) settlementJSON {
	out := settlementJSON{
		ID:             rec.ID,
		PositionKey:    rec.PositionKey.Hex(),
		Owner:          rec.Owner.Hex(),
		Instrument:     rec.Instrument.Hex(),
		Kind:           string(rec.Kind),
		Outcome:        rec.Outcome,
		CollateralPaid: bigString(rec.CollateralPaid),
		VaultRecovered: bigString(rec.VaultRecovered),
		FeesPaid:       bigString(rec.FeesPaid),
		SettledAt:      rec.SettledAt.UTC().Format(time.RFC3339),
	}
	if rec.SettlePrice != nil {
		out.SettlePrice = rec.SettlePrice.String()
	}
	return out
}

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

// writeDomainError maps engine sentinel errors onto HTTP status codes.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrUnknownEntity):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrUnauthorizedCaller):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, domain.ErrNotLiquidatable):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrStalePrice):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, domain.ErrInvalidAmount),
		errors.Is(err, domain.ErrInsufficientBalance),
		errors.Is(err, domain.ErrExpired),
		errors.Is(err, domain.ErrNotExpired),
		errors.Is(err, domain.ErrWrongSettlementDirection):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
