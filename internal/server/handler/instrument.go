package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/margind/internal/engine"
)

// InstrumentHandler serves read-only option series state.
type InstrumentHandler struct {
	manager *engine.Manager
	logger  *slog.Logger
}

// NewInstrumentHandler creates an InstrumentHandler backed by the engine's
// manager.
func NewInstrumentHandler(manager *engine.Manager, logger *slog.Logger) *InstrumentHandler {
	return &InstrumentHandler{manager: manager, logger: logger}
}

// GetInstrument returns the series description and settlement state for one
// registered instrument.
// GET /api/instruments/{address}
func (h *InstrumentHandler) GetInstrument(w http.ResponseWriter, r *http.Request) {
	addr, ok := parseAddress(pathParam(r, "address"))
	if !ok {
		writeError(w, http.StatusBadRequest, "address must be a hex address")
		return
	}
	opt, err := h.manager.Instrument(addr)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	series := opt.Series()

	// The vault is the sole writer, so its sold size is the outstanding
	// short interest for the series.
	vault, err := h.manager.Vault(opt.CollateralAsset().Address)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	out := map[string]any{
		"instrument": series.Instrument.Hex(),
		"kind":       string(series.Kind),
		"strike":     series.Strike.String(),
		"expiry":     series.Expiry.UTC().Format(time.RFC3339),
		"underlying": series.Underlying.Hex(),
		"quote":      series.Quote.Hex(),
		"sold_size":  opt.SoldSize(vault.Address()).String(),
		"settled":    series.SettlementPrice != nil,
	}
	if series.SettlementPrice != nil {
		out["settlement_price"] = series.SettlementPrice.String()
	}
	writeJSON(w, http.StatusOK, out)
}
